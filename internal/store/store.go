// Package store holds the durable state behind the messaging core: the
// outbound queue, the campaign records, the read-only customer directory and
// promotion assignments. Two implementations exist with identical semantics,
// Postgres for production and an in-memory one for unit tests and seeding.
package store

import (
	"context"
	"time"

	"github.com/relaypoint/loyalty-messaging/internal/core"
)

// EnqueueParams describes one queue entry to create. DedupeKey, when set,
// makes the enqueue idempotent: a second enqueue with the same key is a
// no-op returning the existing entry.
type EnqueueParams struct {
	CustomerID   *string
	CampaignID   *string
	Destination  string
	Body         string
	ScheduledFor *time.Time
	DedupeKey    *string
}

// MessageFilter narrows ListMessages.
type MessageFilter struct {
	Status     *string
	CustomerID *string
	CampaignID *string
	Limit      int
	Offset     int
}

// Queue is the single narrow capability every producer funnels through. The
// state-machine invariants (attempt cap, terminal states) live behind it in
// exactly one place.
type Queue interface {
	// Enqueue creates a PENDING entry. created is false when DedupeKey
	// matched an existing entry.
	Enqueue(ctx context.Context, p EnqueueParams) (id string, created bool, err error)

	// Claim atomically takes up to limit due PENDING entries, oldest first,
	// bumping attempt_count and pushing scheduled_for by lease. The push
	// doubles as visibility lease and retry spacing: an entry that neither
	// succeeds nor exhausts its attempts becomes due again after lease.
	// Entries at maxAttempts are never claimed, so attempt_count can never
	// exceed the cap. Safe under concurrent workers: each entry is returned
	// to exactly one caller per attempt.
	Claim(ctx context.Context, limit int, lease time.Duration, maxAttempts int) ([]core.OutboundMessage, error)

	// MarkSent transitions a claimed entry to SENT and clears last_error.
	MarkSent(ctx context.Context, id string, at time.Time) error
	// MarkRetry records the failure reason; the entry stays PENDING and is
	// retried once its lease expires.
	MarkRetry(ctx context.Context, id string, reason string) error
	// MarkFailed transitions a claimed entry to FAILED with the final reason.
	MarkFailed(ctx context.Context, id string, reason string) error

	GetMessage(ctx context.Context, id string) (core.OutboundMessage, error)
	ListMessages(ctx context.Context, f MessageFilter) ([]core.OutboundMessage, error)
	CountByStatus(ctx context.Context) (map[string]int, error)
}

// Campaigns owns campaign state as far as this core is concerned: reading,
// and the single SENT transition performed by the dispatcher.
type Campaigns interface {
	GetCampaign(ctx context.Context, id string) (core.Campaign, error)

	// ExecuteCampaign atomically enqueues msgs and transitions the campaign
	// to SENT, as one unit. It re-checks the status under a row lock and
	// returns core.ErrDuplicateExecution when the campaign is no longer
	// executable, so a concurrent second call can never half-execute.
	ExecuteCampaign(ctx context.Context, id string, msgs []EnqueueParams) error

	// CampaignStats counts the campaign's queue entries per status.
	CampaignStats(ctx context.Context, id string) (map[string]int, error)
}

// Directory is the read-only view of the customer store this core consumes.
type Directory interface {
	GetCustomer(ctx context.Context, id string) (core.Customer, error)
	// SelectAudience returns the customers matching the predicate right now.
	// Callers validate the predicate first.
	SelectAudience(ctx context.Context, p core.FilterPredicate) ([]core.Customer, error)
	// BirthdayCustomers returns active customers whose stored birth
	// month/day equals the given date.
	BirthdayCustomers(ctx context.Context, month time.Month, day int) ([]core.Customer, error)
}

// Promotions records promotion assignments idempotently.
type Promotions interface {
	// AssignIfAbsent assigns the promotion unless it is already assigned.
	AssignIfAbsent(ctx context.Context, customerID, promotionID string) (assigned bool, err error)
}
