// Seeds demo customers and a sample campaign for local development.
package main

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/relaypoint/loyalty-messaging/internal/config"
	"github.com/relaypoint/loyalty-messaging/internal/core"
	"github.com/relaypoint/loyalty-messaging/internal/logging"
	"github.com/relaypoint/loyalty-messaging/internal/store"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config")
	}
	logging.Setup(cfg.LogLevel)

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("db pool")
	}
	defer pool.Close()

	if err := store.ApplyMigrations(ctx, pool); err != nil {
		log.Fatal().Err(err).Msg("migrations")
	}

	pg := store.NewPostgres(pool)
	now := time.Now()

	daysAgo := func(n int) *time.Time {
		t := now.AddDate(0, 0, -n)
		return &t
	}
	date := func(y int, m time.Month, d int) *time.Time {
		t := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
		return &t
	}

	customers := []core.Customer{
		{FirstName: "Amina", LastName: "Otieno", Phone: "+254700000001", Email: "amina@example.com",
			Status: core.CustomerStatusCustomer, Level: "Gold", BirthDate: date(1990, now.Month(), now.Day()), LastOrderAt: daysAgo(5)},
		{FirstName: "Brian", LastName: "Mwangi", Phone: "+254700000002", Email: "brian@example.com",
			Status: core.CustomerStatusCustomer, Level: "Silver", LastOrderAt: daysAgo(90)},
		{FirstName: "Carol", LastName: "Njeri", Phone: "+254700000003", Email: "carol@example.com",
			Status: core.CustomerStatusCustomer, LastOrderAt: daysAgo(10)},
		{FirstName: "David", LastName: "Kip", Phone: "+254700000004", Email: "david@example.com",
			Status: core.CustomerStatusProspect},
		{FirstName: "Esther", LastName: "Wanjiru", Phone: "+254700000005", Email: "esther@example.com",
			Status: core.CustomerStatusChurned, LastOrderAt: daysAgo(400)},
	}
	for _, c := range customers {
		id, err := pg.SeedCustomer(ctx, c)
		if err != nil {
			log.Fatal().Err(err).Str("name", c.FirstName).Msg("seed customer")
		}
		log.Info().Str("id", id).Str("name", c.FullName()).Msg("customer seeded")
	}

	status := core.CustomerStatusCustomer
	pred, _ := json.Marshal(core.FilterPredicate{Status: &status})
	campaignID, err := pg.SeedCampaign(ctx, core.Campaign{
		Name:      "September promo",
		Template:  "Hi [FirstName], as a [Level] member you get early access this week!",
		CreatedBy: "seeder",
	}, pred)
	if err != nil {
		log.Fatal().Err(err).Msg("seed campaign")
	}
	log.Info().Str("id", campaignID).Msg("campaign seeded")
}
