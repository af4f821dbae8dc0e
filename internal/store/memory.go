package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/relaypoint/loyalty-messaging/internal/core"
)

// Memory implements Queue, Campaigns, Directory and Promotions behind one
// mutex, mirroring the Postgres semantics. Claim and ExecuteCampaign are
// atomic under the lock, so the concurrency guarantees hold here too.
type Memory struct {
	mu          sync.Mutex
	clock       clockwork.Clock
	customers   map[string]core.Customer
	campaigns   map[string]core.Campaign
	messages    map[string]*core.OutboundMessage
	order       []string // message ids, insertion order
	dedupe      map[string]string
	assignments map[string]map[string]bool
}

func NewMemory(clock clockwork.Clock) *Memory {
	return &Memory{
		clock:       clock,
		customers:   make(map[string]core.Customer),
		campaigns:   make(map[string]core.Campaign),
		messages:    make(map[string]*core.OutboundMessage),
		dedupe:      make(map[string]string),
		assignments: make(map[string]map[string]bool),
	}
}

// AddCustomer seeds the directory. Returns the customer with its id filled.
func (m *Memory) AddCustomer(c core.Customer) core.Customer {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	m.customers[c.ID] = c
	return c
}

// AddCampaign seeds a campaign. Returns it with id/created_at filled.
func (m *Memory) AddCampaign(c core.Campaign) core.Campaign {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.Status == "" {
		c.Status = core.CampaignStatusDraft
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = m.clock.Now()
	}
	m.campaigns[c.ID] = c
	return c
}

func (m *Memory) GetCustomer(_ context.Context, id string) (core.Customer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.customers[id]
	if !ok {
		return core.Customer{}, core.ErrNotFound
	}
	return c, nil
}

func (m *Memory) SelectAudience(_ context.Context, p core.FilterPredicate) ([]core.Customer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock.Now()
	var out []core.Customer
	for _, c := range m.customers {
		if p.Matches(c, now) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) BirthdayCustomers(_ context.Context, month time.Month, day int) ([]core.Customer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []core.Customer
	for _, c := range m.customers {
		if c.Status != core.CustomerStatusCustomer || c.BirthDate == nil {
			continue
		}
		if c.BirthDate.Month() == month && c.BirthDate.Day() == day {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) GetCampaign(_ context.Context, id string) (core.Campaign, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.campaigns[id]
	if !ok {
		return core.Campaign{}, core.ErrNotFound
	}
	return c, nil
}

func (m *Memory) ExecuteCampaign(_ context.Context, id string, msgs []EnqueueParams) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.campaigns[id]
	if !ok {
		return core.ErrNotFound
	}
	if !c.Executable() {
		return core.ErrDuplicateExecution
	}
	for _, p := range msgs {
		p.CampaignID = &c.ID
		m.insertLocked(p)
	}
	c.Status = core.CampaignStatusSent
	m.campaigns[id] = c
	return nil
}

func (m *Memory) CampaignStats(_ context.Context, id string) (map[string]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := map[string]int{
		core.MessageStatusPending: 0,
		core.MessageStatusSent:    0,
		core.MessageStatusFailed:  0,
	}
	for _, msg := range m.messages {
		if msg.CampaignID != nil && *msg.CampaignID == id {
			counts[msg.Status]++
		}
	}
	return counts, nil
}

func (m *Memory) Enqueue(_ context.Context, p EnqueueParams) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.DedupeKey != nil {
		if id, seen := m.dedupe[*p.DedupeKey]; seen {
			return id, false, nil
		}
	}
	return m.insertLocked(p), true, nil
}

func (m *Memory) insertLocked(p EnqueueParams) string {
	msg := &core.OutboundMessage{
		ID:           uuid.NewString(),
		CustomerID:   p.CustomerID,
		CampaignID:   p.CampaignID,
		Destination:  p.Destination,
		Body:         p.Body,
		Status:       core.MessageStatusPending,
		ScheduledFor: p.ScheduledFor,
		CreatedAt:    m.clock.Now(),
	}
	m.messages[msg.ID] = msg
	m.order = append(m.order, msg.ID)
	if p.DedupeKey != nil {
		m.dedupe[*p.DedupeKey] = msg.ID
	}
	return msg.ID
}

func (m *Memory) Claim(_ context.Context, limit int, lease time.Duration, maxAttempts int) ([]core.OutboundMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock.Now()
	var out []core.OutboundMessage
	for _, id := range m.order {
		if len(out) >= limit {
			break
		}
		msg := m.messages[id]
		if msg.Status != core.MessageStatusPending || msg.AttemptCount >= maxAttempts {
			continue
		}
		if msg.ScheduledFor != nil && msg.ScheduledFor.After(now) {
			continue
		}
		msg.AttemptCount++
		due := now.Add(lease)
		msg.ScheduledFor = &due
		out = append(out, *msg)
	}
	return out, nil
}

func (m *Memory) MarkSent(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[id]
	if !ok {
		return core.ErrNotFound
	}
	if msg.Terminal() {
		return nil
	}
	msg.Status = core.MessageStatusSent
	msg.SentAt = &at
	msg.LastError = nil
	return nil
}

func (m *Memory) MarkRetry(_ context.Context, id string, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[id]
	if !ok {
		return core.ErrNotFound
	}
	if msg.Terminal() {
		return nil
	}
	msg.LastError = &reason
	return nil
}

func (m *Memory) MarkFailed(_ context.Context, id string, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[id]
	if !ok {
		return core.ErrNotFound
	}
	if msg.Terminal() {
		return nil
	}
	msg.Status = core.MessageStatusFailed
	msg.LastError = &reason
	return nil
}

func (m *Memory) GetMessage(_ context.Context, id string) (core.OutboundMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[id]
	if !ok {
		return core.OutboundMessage{}, core.ErrNotFound
	}
	return *msg, nil
}

func (m *Memory) ListMessages(_ context.Context, f MessageFilter) ([]core.OutboundMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	var out []core.OutboundMessage
	skipped := 0
	for _, id := range m.order {
		msg := m.messages[id]
		if f.Status != nil && msg.Status != *f.Status {
			continue
		}
		if f.CustomerID != nil && (msg.CustomerID == nil || *msg.CustomerID != *f.CustomerID) {
			continue
		}
		if f.CampaignID != nil && (msg.CampaignID == nil || *msg.CampaignID != *f.CampaignID) {
			continue
		}
		if skipped < f.Offset {
			skipped++
			continue
		}
		out = append(out, *msg)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *Memory) CountByStatus(_ context.Context) (map[string]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := map[string]int{
		core.MessageStatusPending: 0,
		core.MessageStatusSent:    0,
		core.MessageStatusFailed:  0,
	}
	for _, msg := range m.messages {
		counts[msg.Status]++
	}
	return counts, nil
}

func (m *Memory) AssignIfAbsent(_ context.Context, customerID, promotionID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.assignments[customerID]
	if !ok {
		set = make(map[string]bool)
		m.assignments[customerID] = set
	}
	if set[promotionID] {
		return false, nil
	}
	set[promotionID] = true
	return true, nil
}
