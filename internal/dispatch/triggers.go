package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/relaypoint/loyalty-messaging/internal/audience"
	"github.com/relaypoint/loyalty-messaging/internal/core"
	"github.com/relaypoint/loyalty-messaging/internal/metrics"
	"github.com/relaypoint/loyalty-messaging/internal/store"
)

const (
	TriggerBirthday   = "birthday"
	TriggerInactivity = "inactivity"
)

// dedupeKey scopes one trigger enqueue to (kind, calendar period, customer),
// so re-running a trigger within the same period never duplicates a message.
func dedupeKey(kind, period, customerID string) string {
	return fmt.Sprintf("%s:%s:%s", kind, period, customerID)
}

// BirthdayTrigger greets active customers on their birthday. Runs on a daily
// cadence; the period token is the calendar day.
type BirthdayTrigger struct {
	Dir      store.Directory
	Queue    store.Queue
	Template string
	Policy   core.MissingPolicy
	Clock    clockwork.Clock
}

// Run enqueues one message per customer whose birth month/day is today.
// Returns the number of newly enqueued messages.
func (t *BirthdayTrigger) Run(ctx context.Context) (int, error) {
	now := t.Clock.Now()
	matches, err := t.Dir.BirthdayCustomers(ctx, now.Month(), now.Day())
	if err != nil {
		metrics.TriggerRuns.WithLabelValues(TriggerBirthday, "error").Inc()
		return 0, err
	}

	period := now.Format("2006-01-02")
	queued := 0
	for _, c := range matches {
		key := dedupeKey(TriggerBirthday, period, c.ID)
		id := c.ID
		_, created, err := t.Queue.Enqueue(ctx, store.EnqueueParams{
			CustomerID:  &id,
			Destination: c.Destination(),
			Body:        core.Render(t.Template, c, t.Policy),
			DedupeKey:   &key,
		})
		if err != nil {
			metrics.EnqueueTotal.WithLabelValues(TriggerBirthday, "error").Inc()
			metrics.TriggerRuns.WithLabelValues(TriggerBirthday, "error").Inc()
			return queued, err
		}
		if created {
			queued++
			metrics.EnqueueTotal.WithLabelValues(TriggerBirthday, "ok").Inc()
		} else {
			metrics.EnqueueTotal.WithLabelValues(TriggerBirthday, "dedup").Inc()
		}
	}

	metrics.TriggerRuns.WithLabelValues(TriggerBirthday, "ok").Inc()
	log.Info().Int("matched", len(matches)).Int("queued", queued).Str("period", period).
		Msg("birthday trigger ran")
	return queued, nil
}

// InactivityTrigger re-engages customers with no order within ThresholdDays.
// Runs on a weekly cadence; the period token is the ISO week.
type InactivityTrigger struct {
	Selector      *audience.Selector
	Queue         store.Queue
	Template      string
	Policy        core.MissingPolicy
	ThresholdDays int
	Clock         clockwork.Clock
}

func (t *InactivityTrigger) Run(ctx context.Context) (int, error) {
	threshold := t.ThresholdDays
	if threshold <= 0 {
		threshold = 60
	}

	status := core.CustomerStatusCustomer
	pred := core.FilterPredicate{
		Status:    &status,
		LastOrder: &core.LastOrderCondition{Op: core.CmpOlderThan, Days: threshold},
	}
	matches, err := t.Selector.Select(ctx, pred)
	if err != nil {
		metrics.TriggerRuns.WithLabelValues(TriggerInactivity, "error").Inc()
		return 0, err
	}

	year, week := t.Clock.Now().ISOWeek()
	period := fmt.Sprintf("%d-W%02d", year, week)
	queued := 0
	for _, c := range matches {
		key := dedupeKey(TriggerInactivity, period, c.ID)
		id := c.ID
		_, created, err := t.Queue.Enqueue(ctx, store.EnqueueParams{
			CustomerID:  &id,
			Destination: c.Destination(),
			Body:        core.Render(t.Template, c, t.Policy),
			DedupeKey:   &key,
		})
		if err != nil {
			metrics.EnqueueTotal.WithLabelValues(TriggerInactivity, "error").Inc()
			metrics.TriggerRuns.WithLabelValues(TriggerInactivity, "error").Inc()
			return queued, err
		}
		if created {
			queued++
			metrics.EnqueueTotal.WithLabelValues(TriggerInactivity, "ok").Inc()
		} else {
			metrics.EnqueueTotal.WithLabelValues(TriggerInactivity, "dedup").Inc()
		}
	}

	metrics.TriggerRuns.WithLabelValues(TriggerInactivity, "ok").Inc()
	log.Info().Int("matched", len(matches)).Int("queued", queued).Str("period", period).
		Msg("inactivity trigger ran")
	return queued, nil
}

// Scheduler runs the scheduled triggers on their cadences. Exact cron timing
// is deployment configuration; the defaults are daily and weekly.
type Scheduler struct {
	Birthday           *BirthdayTrigger
	Inactivity         *InactivityTrigger
	Clock              clockwork.Clock
	BirthdayInterval   time.Duration
	InactivityInterval time.Duration
}

func (s *Scheduler) Run(ctx context.Context) {
	birthdayEvery := s.BirthdayInterval
	if birthdayEvery <= 0 {
		birthdayEvery = 24 * time.Hour
	}
	inactivityEvery := s.InactivityInterval
	if inactivityEvery <= 0 {
		inactivityEvery = 7 * 24 * time.Hour
	}

	bt := s.Clock.NewTicker(birthdayEvery)
	it := s.Clock.NewTicker(inactivityEvery)
	defer bt.Stop()
	defer it.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-bt.Chan():
			if _, err := s.Birthday.Run(ctx); err != nil {
				log.Error().Err(err).Msg("birthday trigger failed")
			}
		case <-it.Chan():
			if _, err := s.Inactivity.Run(ctx); err != nil {
				log.Error().Err(err).Msg("inactivity trigger failed")
			}
		}
	}
}
