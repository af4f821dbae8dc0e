package core

import (
	"strings"
	"time"
)

// Customer lifecycle statuses. The directory is owned by the customer
// management service; this core only reads it.
const (
	CustomerStatusProspect = "prospect"
	CustomerStatusCustomer = "customer"
	CustomerStatusChurned  = "churned"
)

type Customer struct {
	ID          string     `json:"id"`
	FirstName   string     `json:"first_name"`
	LastName    string     `json:"last_name"`
	Phone       string     `json:"phone"`
	Email       string     `json:"email"`
	Status      string     `json:"status"`
	Level       string     `json:"level,omitempty"`
	BirthDate   *time.Time `json:"birth_date,omitempty"`
	LastOrderAt *time.Time `json:"last_order_at,omitempty"` // aggregate, nil = never ordered
}

// Destination is the address messages for this customer are delivered to.
func (c Customer) Destination() string {
	if c.Phone != "" {
		return c.Phone
	}
	return c.Email
}

// FullName joins first and last name, tolerating either being empty.
func (c Customer) FullName() string {
	return strings.TrimSpace(c.FirstName + " " + c.LastName)
}

const (
	CampaignStatusDraft     = "draft"
	CampaignStatusScheduled = "scheduled"
	CampaignStatusSent      = "sent"
	CampaignStatusCancelled = "cancelled"
)

type Campaign struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Template    string          `json:"template"`
	Predicate   FilterPredicate `json:"predicate"`
	ScheduledAt *time.Time      `json:"scheduled_at,omitempty"`
	Status      string          `json:"status"`
	CreatedBy   string          `json:"created_by,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// Executable reports whether the campaign may still be dispatched.
// SENT and CANCELLED campaigns are rejected alike.
func (c Campaign) Executable() bool {
	return c.Status == CampaignStatusDraft || c.Status == CampaignStatusScheduled
}

const (
	MessageStatusPending = "pending"
	MessageStatusSent    = "sent"
	MessageStatusFailed  = "failed"
)

// OutboundMessage is a durable queue entry. Producers create entries, the
// delivery worker owns every status transition after that. SENT and FAILED
// are terminal; a retry keeps the entry PENDING with attempt_count bumped.
type OutboundMessage struct {
	ID           string     `json:"id"`
	CustomerID   *string    `json:"customer_id,omitempty"`
	CampaignID   *string    `json:"campaign_id,omitempty"`
	Destination  string     `json:"destination"`
	Body         string     `json:"body"`
	Status       string     `json:"status"`
	ScheduledFor *time.Time `json:"scheduled_for,omitempty"` // nil = due immediately
	SentAt       *time.Time `json:"sent_at,omitempty"`
	LastError    *string    `json:"last_error,omitempty"`
	AttemptCount int        `json:"attempt_count"`
	CreatedAt    time.Time  `json:"created_at"`
}

// Terminal reports whether the message can no longer change state.
func (m OutboundMessage) Terminal() bool {
	return m.Status == MessageStatusSent || m.Status == MessageStatusFailed
}
