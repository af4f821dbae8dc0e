package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/relaypoint/loyalty-messaging/internal/config"
	"github.com/relaypoint/loyalty-messaging/internal/logging"
	"github.com/relaypoint/loyalty-messaging/internal/store"
	"github.com/relaypoint/loyalty-messaging/internal/transport"
	"github.com/relaypoint/loyalty-messaging/internal/worker"
)

func main() {
	var exitCode int
	defer func() {
		os.Exit(exitCode)
	}()

	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Error().Err(err).Msg("config")
		exitCode = 1
		return
	}
	logging.Setup(cfg.LogLevel)

	rootCtx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	pool, err := pgxpool.New(rootCtx, cfg.DatabaseURL)
	if err != nil {
		log.Error().Err(err).Msg("db pool")
		exitCode = 1
		return
	}
	defer pool.Close()

	if err := pool.Ping(rootCtx); err != nil {
		log.Error().Err(err).Msg("db ping")
		exitCode = 1
		return
	}

	pg := store.NewPostgres(pool)

	var tr transport.Transport
	if cfg.TransportURL != "" {
		tr = transport.NewHTTPJSON(cfg.TransportURL, cfg.TransportAPIKey)
	} else {
		log.Warn().Msg("no TRANSPORT_URL set, using in-process fake transport")
		tr = transport.NewFake()
	}

	go serveHealthz(cfg.HealthAddr)

	engine := worker.New(pg, tr, clockwork.NewRealClock(), worker.Options{
		BatchSize:    cfg.WorkerBatchSize,
		PollInterval: cfg.WorkerPollInterval,
		SendDelay:    cfg.SendDelay,
		SendTimeout:  cfg.SendTimeout,
		MaxAttempts:  cfg.MaxRetries,
	})
	if err := engine.Run(rootCtx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("worker exited")
		exitCode = 1
		return
	}
}

func serveHealthz(addr string) {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	_ = http.ListenAndServe(addr, mux)
}
