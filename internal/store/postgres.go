package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/relaypoint/loyalty-messaging/internal/core"
)

// Postgres backs every store interface with one pgx pool.
type Postgres struct {
	Pool *pgxpool.Pool
}

func NewPostgres(pool *pgxpool.Pool) *Postgres { return &Postgres{Pool: pool} }

const messageColumns = `id, customer_id, campaign_id, destination, body, status, scheduled_for, sent_at, last_error, attempt_count, created_at`

func scanMessage(row pgx.Row) (core.OutboundMessage, error) {
	var m core.OutboundMessage
	err := row.Scan(&m.ID, &m.CustomerID, &m.CampaignID, &m.Destination, &m.Body, &m.Status,
		&m.ScheduledFor, &m.SentAt, &m.LastError, &m.AttemptCount, &m.CreatedAt)
	return m, err
}

func (s *Postgres) Enqueue(ctx context.Context, p EnqueueParams) (string, bool, error) {
	if p.DedupeKey == nil {
		var id string
		err := s.Pool.QueryRow(ctx, `
			INSERT INTO outbound_messages(customer_id, campaign_id, destination, body, scheduled_for)
			VALUES($1,$2,$3,$4,$5)
			RETURNING id
		`, p.CustomerID, p.CampaignID, p.Destination, p.Body, p.ScheduledFor).Scan(&id)
		return id, err == nil, err
	}

	var id string
	err := s.Pool.QueryRow(ctx, `
		INSERT INTO outbound_messages(customer_id, campaign_id, destination, body, scheduled_for, dedupe_key)
		VALUES($1,$2,$3,$4,$5,$6)
		ON CONFLICT (dedupe_key) DO NOTHING
		RETURNING id
	`, p.CustomerID, p.CampaignID, p.Destination, p.Body, p.ScheduledFor, *p.DedupeKey).Scan(&id)
	if err == nil {
		return id, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return "", false, err
	}
	// Conflict: the key was already enqueued, return the existing entry.
	err = s.Pool.QueryRow(ctx, `SELECT id FROM outbound_messages WHERE dedupe_key=$1`, *p.DedupeKey).Scan(&id)
	return id, false, err
}

// Claim takes due PENDING entries with SKIP LOCKED so concurrent workers
// never see the same entry. The single UPDATE bumps attempt_count and pushes
// scheduled_for, which serves as both visibility lease and retry delay.
func (s *Postgres) Claim(ctx context.Context, limit int, lease time.Duration, maxAttempts int) ([]core.OutboundMessage, error) {
	rows, err := s.Pool.Query(ctx, `
		WITH due AS (
			SELECT id FROM outbound_messages
			WHERE status='pending'
			  AND (scheduled_for IS NULL OR scheduled_for <= now())
			  AND attempt_count < $2
			ORDER BY created_at
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE outbound_messages m
		SET attempt_count = m.attempt_count + 1,
		    scheduled_for = now() + make_interval(secs => $3)
		FROM due
		WHERE m.id = due.id
		RETURNING m.id, m.customer_id, m.campaign_id, m.destination, m.body, m.status,
		          m.scheduled_for, m.sent_at, m.last_error, m.attempt_count, m.created_at
	`, limit, maxAttempts, lease.Seconds())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []core.OutboundMessage
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Postgres) MarkSent(ctx context.Context, id string, at time.Time) error {
	_, err := s.Pool.Exec(ctx, `
		UPDATE outbound_messages SET status='sent', sent_at=$2, last_error=NULL
		WHERE id=$1 AND status='pending'
	`, id, at)
	return err
}

func (s *Postgres) MarkRetry(ctx context.Context, id string, reason string) error {
	_, err := s.Pool.Exec(ctx, `
		UPDATE outbound_messages SET last_error=$2
		WHERE id=$1 AND status='pending'
	`, id, reason)
	return err
}

func (s *Postgres) MarkFailed(ctx context.Context, id string, reason string) error {
	_, err := s.Pool.Exec(ctx, `
		UPDATE outbound_messages SET status='failed', last_error=$2
		WHERE id=$1 AND status='pending'
	`, id, reason)
	return err
}

func (s *Postgres) GetMessage(ctx context.Context, id string) (core.OutboundMessage, error) {
	m, err := scanMessage(s.Pool.QueryRow(ctx,
		`SELECT `+messageColumns+` FROM outbound_messages WHERE id=$1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return core.OutboundMessage{}, core.ErrNotFound
	}
	return m, err
}

func (s *Postgres) ListMessages(ctx context.Context, f MessageFilter) ([]core.OutboundMessage, error) {
	q := `SELECT ` + messageColumns + ` FROM outbound_messages WHERE true`
	args := []any{}
	idx := 1
	if f.Status != nil {
		q += fmt.Sprintf(" AND status=$%d", idx)
		args = append(args, *f.Status)
		idx++
	}
	if f.CustomerID != nil {
		q += fmt.Sprintf(" AND customer_id=$%d", idx)
		args = append(args, *f.CustomerID)
		idx++
	}
	if f.CampaignID != nil {
		q += fmt.Sprintf(" AND campaign_id=$%d", idx)
		args = append(args, *f.CampaignID)
		idx++
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	q += fmt.Sprintf(" ORDER BY created_at LIMIT $%d OFFSET $%d", idx, idx+1)
	args = append(args, limit, f.Offset)

	rows, err := s.Pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []core.OutboundMessage
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Postgres) CountByStatus(ctx context.Context) (map[string]int, error) {
	counts := map[string]int{
		core.MessageStatusPending: 0,
		core.MessageStatusSent:    0,
		core.MessageStatusFailed:  0,
	}
	rows, err := s.Pool.Query(ctx, `SELECT status, COUNT(*) FROM outbound_messages GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

func (s *Postgres) GetCampaign(ctx context.Context, id string) (core.Campaign, error) {
	var c core.Campaign
	var raw []byte
	err := s.Pool.QueryRow(ctx, `
		SELECT id, name, template, predicate, scheduled_at, status, created_by, created_at
		FROM campaigns WHERE id=$1
	`, id).Scan(&c.ID, &c.Name, &c.Template, &raw, &c.ScheduledAt, &c.Status, &c.CreatedBy, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return core.Campaign{}, core.ErrNotFound
	}
	if err != nil {
		return core.Campaign{}, err
	}
	c.Predicate, err = core.ParsePredicate(raw)
	if err != nil {
		return core.Campaign{}, err
	}
	return c, nil
}

// ExecuteCampaign is the atomic unit behind campaign dispatch: row-lock the
// campaign, re-check it is still executable, bulk-insert the rendered
// messages and flip the status to SENT in one transaction.
func (s *Postgres) ExecuteCampaign(ctx context.Context, id string, msgs []EnqueueParams) error {
	tx, err := s.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var status string
	err = tx.QueryRow(ctx, `SELECT status FROM campaigns WHERE id=$1 FOR UPDATE`, id).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return core.ErrNotFound
	}
	if err != nil {
		return err
	}
	if status != core.CampaignStatusDraft && status != core.CampaignStatusScheduled {
		return core.ErrDuplicateExecution
	}

	for _, p := range msgs {
		_, err = tx.Exec(ctx, `
			INSERT INTO outbound_messages(customer_id, campaign_id, destination, body, scheduled_for)
			VALUES($1,$2,$3,$4,$5)
		`, p.CustomerID, id, p.Destination, p.Body, p.ScheduledFor)
		if err != nil {
			return err
		}
	}

	_, err = tx.Exec(ctx, `UPDATE campaigns SET status='sent' WHERE id=$1`, id)
	if err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *Postgres) CampaignStats(ctx context.Context, id string) (map[string]int, error) {
	counts := map[string]int{
		core.MessageStatusPending: 0,
		core.MessageStatusSent:    0,
		core.MessageStatusFailed:  0,
	}
	rows, err := s.Pool.Query(ctx, `
		SELECT status, COUNT(*) FROM outbound_messages WHERE campaign_id=$1 GROUP BY status
	`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

func (s *Postgres) GetCustomer(ctx context.Context, id string) (core.Customer, error) {
	c, err := scanCustomer(s.Pool.QueryRow(ctx,
		`SELECT `+customerColumns+` FROM customers WHERE id=$1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return core.Customer{}, core.ErrNotFound
	}
	return c, err
}

const customerColumns = `id, first_name, last_name, phone, email, status, level, birth_date, last_order_at`

func scanCustomer(row pgx.Row) (core.Customer, error) {
	var c core.Customer
	err := row.Scan(&c.ID, &c.FirstName, &c.LastName, &c.Phone, &c.Email,
		&c.Status, &c.Level, &c.BirthDate, &c.LastOrderAt)
	return c, err
}

// SelectAudience translates the predicate into SQL so the directory scan
// stays in the database. Semantics match core.FilterPredicate.Matches.
func (s *Postgres) SelectAudience(ctx context.Context, p core.FilterPredicate) ([]core.Customer, error) {
	q := `SELECT ` + customerColumns + ` FROM customers WHERE true`
	args := []any{}
	idx := 1
	if p.Level != nil {
		q += fmt.Sprintf(" AND level=$%d", idx)
		args = append(args, *p.Level)
		idx++
	}
	if p.Status != nil {
		q += fmt.Sprintf(" AND status=$%d", idx)
		args = append(args, *p.Status)
		idx++
	}
	if cond := p.LastOrder; cond != nil {
		switch cond.Op {
		case core.CmpOlderThan:
			// No orders at all counts as infinitely long ago.
			q += fmt.Sprintf(" AND (last_order_at IS NULL OR last_order_at <= now() - make_interval(days => $%d))", idx)
		case core.CmpWithinDays:
			q += fmt.Sprintf(" AND last_order_at > now() - make_interval(days => $%d)", idx)
		}
		args = append(args, cond.Days)
		idx++
	}
	q += " ORDER BY id"

	rows, err := s.Pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []core.Customer
	for rows.Next() {
		c, err := scanCustomer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Postgres) BirthdayCustomers(ctx context.Context, month time.Month, day int) ([]core.Customer, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT `+customerColumns+` FROM customers
		WHERE status='customer'
		  AND birth_date IS NOT NULL
		  AND EXTRACT(MONTH FROM birth_date) = $1
		  AND EXTRACT(DAY FROM birth_date) = $2
		ORDER BY id
	`, int(month), day)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []core.Customer
	for rows.Next() {
		c, err := scanCustomer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Postgres) AssignIfAbsent(ctx context.Context, customerID, promotionID string) (bool, error) {
	tag, err := s.Pool.Exec(ctx, `
		INSERT INTO promotion_assignments(customer_id, promotion_id)
		VALUES($1,$2)
		ON CONFLICT (customer_id, promotion_id) DO NOTHING
	`, customerID, promotionID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// Seed helpers used by cmd/seeder and the integration tests. The directory
// is owned by the customer service in production; these exist only to put
// fixtures in place.

func (s *Postgres) SeedCustomer(ctx context.Context, c core.Customer) (string, error) {
	var id string
	err := s.Pool.QueryRow(ctx, `
		INSERT INTO customers(first_name, last_name, phone, email, status, level, birth_date, last_order_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8)
		RETURNING id
	`, c.FirstName, c.LastName, c.Phone, c.Email, c.Status, c.Level, c.BirthDate, c.LastOrderAt).Scan(&id)
	return id, err
}

func (s *Postgres) SeedCampaign(ctx context.Context, c core.Campaign, rawPredicate []byte) (string, error) {
	status := c.Status
	if status == "" {
		status = core.CampaignStatusDraft
	}
	var id string
	err := s.Pool.QueryRow(ctx, `
		INSERT INTO campaigns(name, template, predicate, scheduled_at, status, created_by)
		VALUES($1,$2,$3,$4,$5,$6)
		RETURNING id
	`, c.Name, c.Template, rawPredicate, c.ScheduledAt, status, c.CreatedBy).Scan(&id)
	return id, err
}
