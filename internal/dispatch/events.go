package dispatch

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/relaypoint/loyalty-messaging/internal/core"
	"github.com/relaypoint/loyalty-messaging/internal/metrics"
	"github.com/relaypoint/loyalty-messaging/internal/store"
)

// Events is the captured error boundary for transactional triggers. Business
// operations hand work to Dispatch and return immediately; failures and
// panics inside a task are logged here and never reach the caller.
type Events struct {
	tasks chan task
	done  chan struct{}
}

type task struct {
	name string
	fn   func(ctx context.Context) error
}

func NewEvents(buffer int) *Events {
	if buffer <= 0 {
		buffer = 64
	}
	return &Events{tasks: make(chan task, buffer), done: make(chan struct{})}
}

// Run consumes tasks until the context ends. Call it from one goroutine.
func (e *Events) Run(ctx context.Context) {
	defer close(e.done)
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-e.tasks:
			e.execute(ctx, t)
		}
	}
}

func (e *Events) execute(ctx context.Context, t task) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("task", t.name).Any("panic", r).Msg("event task panicked")
		}
	}()
	if err := t.fn(ctx); err != nil {
		log.Error().Err(err).Str("task", t.name).Msg("event task failed")
	}
}

// Dispatch hands a task to the background loop without blocking. When the
// buffer is full the task is dropped with a warning; the triggering
// operation must never stall on this queue.
func (e *Events) Dispatch(name string, fn func(ctx context.Context) error) {
	select {
	case e.tasks <- task{name: name, fn: fn}:
	default:
		log.Warn().Str("task", name).Msg("event buffer full, task dropped")
	}
}

// Wait blocks until Run has returned. Used during shutdown.
func (e *Events) Wait() { <-e.done }

// TransactionalTriggers reacts to business events (customer created, order
// placed) synchronously at the call site but asynchronously in effect.
type TransactionalTriggers struct {
	Events          *Events
	Queue           store.Queue
	Promotions      store.Promotions
	WelcomeTemplate string
	Policy          core.MissingPolicy
	Rules           []PromotionRule
}

// CustomerCreated fires the welcome message when a brand-new customer is
// already in "customer" status. It never blocks or fails the creating
// operation.
func (t *TransactionalTriggers) CustomerCreated(c core.Customer) {
	if c.Status != core.CustomerStatusCustomer {
		return
	}
	t.Events.Dispatch("welcome_message", func(ctx context.Context) error {
		key := dedupeKey("welcome", "once", c.ID)
		id := c.ID
		_, created, err := t.Queue.Enqueue(ctx, store.EnqueueParams{
			CustomerID:  &id,
			Destination: c.Destination(),
			Body:        core.Render(t.WelcomeTemplate, c, t.Policy),
			DedupeKey:   &key,
		})
		if err != nil {
			metrics.EnqueueTotal.WithLabelValues("welcome", "error").Inc()
			return err
		}
		if created {
			metrics.EnqueueTotal.WithLabelValues("welcome", "ok").Inc()
		} else {
			metrics.EnqueueTotal.WithLabelValues("welcome", "dedup").Inc()
		}
		return nil
	})
}

// OrderPlaced evaluates promotion eligibility for one customer against the
// configured rules. Assignment is idempotent; evaluation errors stay inside
// the boundary.
func (t *TransactionalTriggers) OrderPlaced(c core.Customer, facts PurchaseFacts) {
	t.Events.Dispatch("promotion_eligibility", func(ctx context.Context) error {
		_, err := EvaluatePromotions(ctx, t.Promotions, t.Rules, c, facts)
		return err
	})
}
