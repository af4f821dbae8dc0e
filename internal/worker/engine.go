// Package worker drains the outbound queue: claim a batch, deliver each
// entry sequentially through the transport, record the outcome.
package worker

import (
	"context"
	"math/rand"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/relaypoint/loyalty-messaging/internal/core"
	"github.com/relaypoint/loyalty-messaging/internal/metrics"
	"github.com/relaypoint/loyalty-messaging/internal/store"
	"github.com/relaypoint/loyalty-messaging/internal/transport"
)

type Options struct {
	BatchSize    int           // entries claimed per tick
	PollInterval time.Duration // fixed tick cadence; also the base retry delay
	SendDelay    time.Duration // pause between sequential sends within a tick
	SendTimeout  time.Duration // per-send timeout
	MaxAttempts  int           // attempt cap; entries go FAILED when exhausted
	DBBackoffMin time.Duration
	DBBackoffMax time.Duration
}

func (o Options) withDefaults() Options {
	if o.BatchSize <= 0 {
		o.BatchSize = 10
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 10 * time.Second
	}
	if o.SendTimeout <= 0 {
		o.SendTimeout = 5 * time.Second
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.DBBackoffMin <= 0 {
		o.DBBackoffMin = 200 * time.Millisecond
	}
	if o.DBBackoffMax <= 0 {
		o.DBBackoffMax = 5 * time.Second
	}
	return o
}

// Engine is one delivery worker instance. Several may run concurrently
// against the same queue; the claim step guarantees each entry is held by
// at most one of them per attempt.
type Engine struct {
	queue     store.Queue
	transport transport.Transport
	clock     clockwork.Clock
	opt       Options
	limiter   *rate.Limiter
}

func New(queue store.Queue, tr transport.Transport, clock clockwork.Clock, opt Options) *Engine {
	opt = opt.withDefaults()
	e := &Engine{queue: queue, transport: tr, clock: clock, opt: opt}
	if opt.SendDelay > 0 {
		e.limiter = rate.NewLimiter(rate.Every(opt.SendDelay), 1)
	}
	return e
}

// lease is how long a claim keeps an entry invisible to other workers. It
// covers the worst-case duration of a full batch so a slow tick cannot leak
// an in-flight entry to a peer, and doubles as the retry delay.
func (e *Engine) lease() time.Duration {
	return e.opt.PollInterval + time.Duration(e.opt.BatchSize)*(e.opt.SendDelay+e.opt.SendTimeout)
}

// Run polls on a fixed interval until the context ends. Ticks never overlap:
// a tick's batch is fully processed before the next claim.
func (e *Engine) Run(ctx context.Context) error {
	dbBackoff := e.opt.DBBackoffMin
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		_, err := e.Tick(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			sleep := jitter(dbBackoff, 0.20)
			log.Error().Err(err).Dur("backoff", sleep).Msg("claim failed, backing off")
			e.sleep(ctx, sleep)
			dbBackoff = minDur(e.opt.DBBackoffMax, time.Duration(float64(dbBackoff)*1.6))
			continue
		}
		dbBackoff = e.opt.DBBackoffMin

		e.sleep(ctx, e.opt.PollInterval)
	}
}

// Tick claims one batch and processes it sequentially. Exposed so tests and
// the scheduler-free paths can drive the worker deterministically.
func (e *Engine) Tick(ctx context.Context) (int, error) {
	batch, err := e.queue.Claim(ctx, e.opt.BatchSize, e.lease(), e.opt.MaxAttempts)
	if err != nil {
		metrics.ClaimTotal.WithLabelValues("error").Inc()
		return 0, err
	}
	if len(batch) == 0 {
		metrics.ClaimTotal.WithLabelValues("empty").Inc()
		return 0, nil
	}
	metrics.ClaimTotal.WithLabelValues("ok").Inc()
	metrics.ClaimBatchSize.Observe(float64(len(batch)))

	for _, msg := range batch {
		if e.limiter != nil {
			if err := e.limiter.Wait(ctx); err != nil {
				return len(batch), nil // context ended mid-batch
			}
		}
		e.deliver(ctx, msg)
	}
	return len(batch), nil
}

func (e *Engine) deliver(ctx context.Context, msg core.OutboundMessage) {
	cctx, cancel := context.WithTimeout(ctx, e.opt.SendTimeout)
	start := time.Now()
	out, err := e.transport.Send(cctx, msg.Destination, msg.Body)
	cancel()
	metrics.SendDuration.Observe(time.Since(start).Seconds())

	if err == nil && out.Delivered {
		metrics.SendTotal.WithLabelValues("delivered").Inc()
		if err := e.queue.MarkSent(ctx, msg.ID, e.clock.Now()); err != nil {
			log.Error().Err(err).Str("message_id", msg.ID).Msg("mark sent failed")
		}
		log.Debug().Str("message_id", msg.ID).Str("provider_ref", out.ProviderRef).
			Int("attempt", msg.AttemptCount).Msg("delivered")
		return
	}

	reason := out.Reason
	if err != nil {
		reason = err.Error()
		metrics.SendTotal.WithLabelValues("fault").Inc()
	} else {
		metrics.SendTotal.WithLabelValues("rejected").Inc()
	}

	if msg.AttemptCount >= e.opt.MaxAttempts {
		metrics.ExhaustedTotal.Inc()
		if err := e.queue.MarkFailed(ctx, msg.ID, reason); err != nil {
			log.Error().Err(err).Str("message_id", msg.ID).Msg("mark failed failed")
		}
		log.Warn().Str("message_id", msg.ID).Str("reason", reason).
			Int("attempts", msg.AttemptCount).Msg("attempts exhausted")
		return
	}

	metrics.RetryTotal.Inc()
	if err := e.queue.MarkRetry(ctx, msg.ID, reason); err != nil {
		log.Error().Err(err).Str("message_id", msg.ID).Msg("mark retry failed")
	}
	log.Debug().Str("message_id", msg.ID).Str("reason", reason).
		Int("attempt", msg.AttemptCount).Msg("retryable failure")
}

func (e *Engine) sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-e.clock.After(d):
	}
}

func jitter(d time.Duration, frac float64) time.Duration {
	if frac <= 0 {
		return d
	}
	delta := int64(float64(d) * frac)
	if delta <= 0 {
		return d
	}
	// random in [-delta, +delta]
	n := rand.Int63n(2*delta+1) - delta
	return d + time.Duration(n)
}

func minDur(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
