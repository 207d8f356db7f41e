// Command etld runs C9: discovers bronze-tier objects written by ingestd,
// transforms them into warehouse rows and loads them into Postgres on a
// fixed cycle. Wired the way cmd/cryptorun wires its scan pipeline: cobra
// root command, zerolog console writer, YAML config load, health server
// mount, and the teacher's infrastructure/db connection-pool setup for
// the Postgres handle.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/btcdatapipe/pipeline/internal/config"
	"github.com/btcdatapipe/pipeline/internal/etl"
	"github.com/btcdatapipe/pipeline/internal/objectstore"
	"github.com/btcdatapipe/pipeline/internal/obshealth"
	"github.com/btcdatapipe/pipeline/internal/warehouse"
)

const version = "0.1.0"

var configPath string

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})

	rootCmd := &cobra.Command{
		Use:     "etld",
		Short:   "Bronze-to-warehouse ETL daemon (C9)",
		Version: version,
		RunE:    run,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "config/etl.yaml", "path to etld config")

	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("etld: command failed")
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	var cfg config.ETLConfig
	if err := config.Load(configPath, &cfg); err != nil {
		return fmt.Errorf("etld: load config: %w", err)
	}

	db, err := openDB(cfg.PostgresDSN)
	if err != nil {
		return err
	}
	defer db.Close()

	repo := warehouse.NewMarketDataRepo(db, 10*time.Second)
	store := objectstore.NewInMemoryStore()

	interval := cfg.CycleInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}

	orchestrator := etl.NewOrchestrator(store, repo, etl.Config{
		Bucket:         cfg.Bucket,
		BronzePrefix:   cfg.BronzePrefix,
		BatchSize:      cfg.BatchSize,
		DeriveFeatures: cfg.DerivedFeature,
	})

	registry := obshealth.NewRegistry()
	registry.Register("etl", obshealth.CheckerFunc(orchestrator.HealthCheck))
	registry.Register("postgres", obshealth.CheckerFunc(func(ctx context.Context) obshealth.Health {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := db.PingContext(pingCtx); err != nil {
			return obshealth.Health{Status: obshealth.StatusUnhealthy, Issues: []string{err.Error()}}
		}
		return obshealth.Health{Status: obshealth.StatusHealthy}
	}))
	healthServer := obshealth.NewServer(registry, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		cancel()
	}()

	go func() {
		addr := cfg.HealthAddr
		if addr == "" {
			addr = ":8082"
		}
		if err := http.ListenAndServe(addr, healthServer.Handler()); err != nil {
			log.Error().Err(err).Msg("etld: health server exited")
		}
	}()

	log.Info().Str("bucket", cfg.Bucket).Dur("interval", interval).Msg("etld: starting")
	if err := orchestrator.Run(ctx, interval); err != nil && err != context.Canceled {
		return err
	}
	return nil
}

func openDB(dsn string) (*sqlx.DB, error) {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("etld: open database: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("etld: ping database: %w", err)
	}
	return db, nil
}
