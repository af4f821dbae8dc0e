package metrics

import (
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// API
	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "http_requests_total", Help: "Count of HTTP requests."},
		[]string{"handler", "method", "code"},
	)
	HTTPDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms..~10s
		},
		[]string{"handler", "method"},
	)

	// Producers
	EnqueueTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "queue_enqueue_total", Help: "Enqueue results."},
		[]string{"producer", "result"}, // campaign|birthday|inactivity|welcome x ok | dedup | error
	)
	TriggerRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "trigger_runs_total", Help: "Scheduled trigger runs."},
		[]string{"kind", "result"}, // birthday|inactivity x ok | error
	)

	// Delivery worker
	ClaimTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "worker_claim_total", Help: "Claim attempts."},
		[]string{"result"}, // ok | empty | error
	)
	ClaimBatchSize = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "worker_claim_batch_size",
			Help:    "Number of entries returned per claim.",
			Buckets: prometheus.LinearBuckets(0, 2, 11), // 0,2,...,20
		},
	)
	SendTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "transport_send_total", Help: "Transport send outcomes."},
		[]string{"outcome"}, // delivered | rejected | fault
	)
	SendDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "transport_send_duration_seconds",
			Help:    "Transport send latency.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms..~40s
		},
	)
	RetryTotal     = prometheus.NewCounter(prometheus.CounterOpts{Name: "worker_retry_total", Help: "Attempts left PENDING for a later tick."})
	ExhaustedTotal = prometheus.NewCounter(prometheus.CounterOpts{Name: "worker_exhausted_total", Help: "Entries that reached the attempt cap and went FAILED."})
)

// MustRegister installs our collectors; the default registry already
// carries the Go and process collectors.
func MustRegister() {
	prometheus.MustRegister(
		HTTPRequests, HTTPDuration,
		EnqueueTotal, TriggerRuns,
		ClaimTotal, ClaimBatchSize,
		SendTotal, SendDuration, RetryTotal, ExhaustedTotal,
	)
}

// PGXPoolStats exports pool gauges on a fixed interval.
type PGXPoolStats struct {
	pool *pgxpool.Pool

	conns          prometheus.Gauge
	idle           prometheus.Gauge
	acquireCount   prometheus.Counter
	acquireLatency prometheus.Counter

	lastAcquires int64
	lastLatency  time.Duration
}

func NewPGXPoolStats(pool *pgxpool.Pool) *PGXPoolStats {
	m := &PGXPoolStats{
		pool: pool,
		conns: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "db_pool_conns", Help: "Total connections in pool.",
		}),
		idle: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "db_pool_idle_conns", Help: "Idle connections in pool.",
		}),
		acquireCount: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "db_pool_acquires_total", Help: "Total pool acquires.",
		}),
		acquireLatency: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "db_pool_acquire_seconds_total", Help: "Sum of acquire latencies.",
		}),
	}
	prometheus.MustRegister(m.conns, m.idle, m.acquireCount, m.acquireLatency)

	return m
}

func (m *PGXPoolStats) Start(interval time.Duration, stop <-chan struct{}) {
	t := time.NewTicker(interval)
	for {
		select {
		case <-stop:
			t.Stop()
			return
		case <-t.C:
			s := m.pool.Stat()
			m.conns.Set(float64(s.TotalConns()))
			m.idle.Set(float64(s.IdleConns()))
			// pgx reports cumulative totals; export the delta since last tick.
			m.acquireCount.Add(float64(s.AcquireCount() - m.lastAcquires))
			m.acquireLatency.Add((s.AcquireDuration() - m.lastLatency).Seconds())
			m.lastAcquires = s.AcquireCount()
			m.lastLatency = s.AcquireDuration()
		}
	}
}
