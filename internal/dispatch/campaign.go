// Package dispatch holds the producers feeding the outbound queue: manual
// campaign execution, scheduled triggers and transactional triggers.
package dispatch

import (
	"context"
	"fmt"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/relaypoint/loyalty-messaging/internal/audience"
	"github.com/relaypoint/loyalty-messaging/internal/core"
	"github.com/relaypoint/loyalty-messaging/internal/metrics"
	"github.com/relaypoint/loyalty-messaging/internal/store"
)

// Dispatcher executes campaigns: audience selection, per-recipient render,
// atomic bulk enqueue + status transition.
type Dispatcher struct {
	campaigns store.Campaigns
	selector  *audience.Selector
	clock     clockwork.Clock
}

func NewDispatcher(campaigns store.Campaigns, selector *audience.Selector, clock clockwork.Clock) *Dispatcher {
	return &Dispatcher{campaigns: campaigns, selector: selector, clock: clock}
}

// ExecutionResult reports a successful campaign execution.
type ExecutionResult struct {
	CampaignID string `json:"campaign_id"`
	Queued     int    `json:"queued"`
}

// Execute dispatches one campaign. It fails with ErrDuplicateExecution for
// SENT or CANCELLED campaigns, ErrValidation for a broken predicate or empty
// template, and ErrEmptyAudience when nobody matches; none of those leave
// any side effect. The enqueue + status flip is atomic in the store, so a
// racing second call loses cleanly even mid-execution.
func (d *Dispatcher) Execute(ctx context.Context, campaignID string) (*ExecutionResult, error) {
	c, err := d.campaigns.GetCampaign(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	if !c.Executable() {
		return nil, fmt.Errorf("%w: campaign %s is %s", core.ErrDuplicateExecution, c.ID, c.Status)
	}
	if c.Template == "" {
		return nil, fmt.Errorf("%w: campaign %s has no template", core.ErrValidation, c.ID)
	}

	recipients, err := d.selector.Select(ctx, c.Predicate)
	if err != nil {
		return nil, err
	}
	if len(recipients) == 0 {
		return nil, fmt.Errorf("%w: campaign %s", core.ErrEmptyAudience, c.ID)
	}

	// Campaign bodies substitute the empty string for missing fields.
	policy := core.MissingEmpty()
	msgs := make([]store.EnqueueParams, 0, len(recipients))
	for _, r := range recipients {
		id := r.ID
		msgs = append(msgs, store.EnqueueParams{
			CustomerID:   &id,
			Destination:  r.Destination(),
			Body:         core.Render(c.Template, r, policy),
			ScheduledFor: c.ScheduledAt, // nil = due immediately
		})
	}

	if err := d.campaigns.ExecuteCampaign(ctx, c.ID, msgs); err != nil {
		metrics.EnqueueTotal.WithLabelValues("campaign", "error").Inc()
		return nil, err
	}
	metrics.EnqueueTotal.WithLabelValues("campaign", "ok").Add(float64(len(msgs)))

	log.Info().Str("campaign_id", c.ID).Int("queued", len(msgs)).Msg("campaign executed")
	return &ExecutionResult{CampaignID: c.ID, Queued: len(msgs)}, nil
}
