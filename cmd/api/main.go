package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/relaypoint/loyalty-messaging/internal/audience"
	"github.com/relaypoint/loyalty-messaging/internal/config"
	"github.com/relaypoint/loyalty-messaging/internal/core"
	"github.com/relaypoint/loyalty-messaging/internal/dispatch"
	httpapi "github.com/relaypoint/loyalty-messaging/internal/http"
	"github.com/relaypoint/loyalty-messaging/internal/logging"
	"github.com/relaypoint/loyalty-messaging/internal/metrics"
	"github.com/relaypoint/loyalty-messaging/internal/store"
	"github.com/relaypoint/loyalty-messaging/internal/transport"
	"github.com/relaypoint/loyalty-messaging/internal/worker"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config")
	}
	logging.Setup(cfg.LogLevel)

	rootCtx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	pool, err := pgxpool.New(rootCtx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("db pool")
	}
	defer pool.Close()
	if err := pool.Ping(rootCtx); err != nil {
		log.Fatal().Err(err).Msg("db ping")
	}

	pg := store.NewPostgres(pool)
	clock := clockwork.NewRealClock()

	poolStop := make(chan struct{})
	go metrics.NewPGXPoolStats(pool).Start(15*time.Second, poolStop)
	defer close(poolStop)

	tr := buildTransport(cfg)
	selector := audience.NewSelector(pg)
	dispatcher := dispatch.NewDispatcher(pg, selector, clock)

	events := dispatch.NewEvents(256)
	go events.Run(rootCtx)

	triggers := &dispatch.TransactionalTriggers{
		Events:          events,
		Queue:           pg,
		Promotions:      pg,
		WelcomeTemplate: cfg.WelcomeTemplate,
		Policy:          core.MissingFallback(cfg.TemplateFallback),
	}

	scheduler := &dispatch.Scheduler{
		Birthday: &dispatch.BirthdayTrigger{
			Dir:      pg,
			Queue:    pg,
			Template: cfg.BirthdayTemplate,
			Policy:   core.MissingFallback(cfg.TemplateFallback),
			Clock:    clock,
		},
		Inactivity: &dispatch.InactivityTrigger{
			Selector:      selector,
			Queue:         pg,
			Template:      cfg.InactivityTemplate,
			Policy:        core.MissingFallback(cfg.TemplateFallback),
			ThresholdDays: cfg.InactivityDays,
			Clock:         clock,
		},
		Clock:              clock,
		BirthdayInterval:   cfg.BirthdayInterval,
		InactivityInterval: cfg.InactivityInterval,
	}
	go scheduler.Run(rootCtx)

	// Embedded delivery worker; scale out with cmd/worker instances.
	engine := worker.New(pg, tr, clock, worker.Options{
		BatchSize:    cfg.WorkerBatchSize,
		PollInterval: cfg.WorkerPollInterval,
		SendDelay:    cfg.SendDelay,
		SendTimeout:  cfg.SendTimeout,
		MaxAttempts:  cfg.MaxRetries,
	})
	go func() {
		if err := engine.Run(rootCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("worker exited")
		}
	}()

	srv := httpapi.NewServer(dispatcher, pg, pg, pg, triggers, func(ctx context.Context) error {
		return pool.Ping(ctx)
	})
	server := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      srv.Router(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().Str("addr", server.Addr).Msg("HTTP listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server")
		}
	}()

	<-rootCtx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = server.Shutdown(shutdownCtx)
}

func buildTransport(cfg *config.Config) transport.Transport {
	if cfg.TransportURL != "" {
		log.Info().Str("url", cfg.TransportURL).Msg("using HTTP transport")
		return transport.NewHTTPJSON(cfg.TransportURL, cfg.TransportAPIKey)
	}
	log.Warn().Msg("no TRANSPORT_URL set, using in-process fake transport")
	return transport.NewFake()
}
