// Command ingestd runs C1 (rate limiter), C2 (retry/breaker), C4 (REST
// backfill), C5 (streaming client), C6 (bus producer) and C7 (partition
// writer), wired together the way cmd/cryptorun wires its scan pipeline:
// cobra root command, zerolog console writer, YAML config load, health
// server mount.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/btcdatapipe/pipeline/internal/bus"
	"github.com/btcdatapipe/pipeline/internal/checkpoint"
	"github.com/btcdatapipe/pipeline/internal/circuit"
	"github.com/btcdatapipe/pipeline/internal/config"
	"github.com/btcdatapipe/pipeline/internal/dedup"
	"github.com/btcdatapipe/pipeline/internal/domain"
	"github.com/btcdatapipe/pipeline/internal/httpx"
	"github.com/btcdatapipe/pipeline/internal/objectstore"
	"github.com/btcdatapipe/pipeline/internal/obshealth"
	"github.com/btcdatapipe/pipeline/internal/ratelimit"
	"github.com/btcdatapipe/pipeline/internal/restfeed"
	"github.com/btcdatapipe/pipeline/internal/streamfeed"
)

const version = "0.1.0"

var configPath string

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})

	rootCmd := &cobra.Command{
		Use:     "ingestd",
		Short:   "Market-data ingestion daemon (C1/C2/C4/C5/C6/C7)",
		Version: version,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "config/ingest.yaml", "path to ingestd config")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "backfill",
		Short: "Run the REST backfill once per configured symbol and exit",
		RunE:  runBackfill,
	})
	rootCmd.AddCommand(&cobra.Command{
		Use:   "stream",
		Short: "Run the streaming ingest loop until terminated",
		RunE:  runStream,
	})

	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("ingestd: command failed")
		os.Exit(1)
	}
}

func loadIngestConfig() (config.IngestConfig, error) {
	var cfg config.IngestConfig
	if err := config.Load(configPath, &cfg); err != nil {
		return cfg, fmt.Errorf("ingestd: load config: %w", err)
	}
	return cfg, nil
}

func buildWriter(cfg config.IngestConfig, store objectstore.ObjectStore) *objectstore.PartitionWriter {
	d := dedup.New(dedup.Config{WindowSeconds: 300, MaxRecordsPerSymbol: 50_000, CleanupInterval: time.Minute})
	return objectstore.NewPartitionWriter(store, cfg.Bucket, objectstore.WriterConfig{
		BronzePrefix:      cfg.BronzePrefix,
		Compression:       cfg.Compression,
		BufferMaxRecords:  500,
		BufferIdleTimeout: 10 * time.Second,
		Retry: circuit.RetryPolicy{
			MaxAttempts: cfg.Retry.MaxAttempts,
			Initial:     cfg.Retry.InitialDelay(),
			Multiplier:  cfg.Retry.Multiplier,
			MaxDelay:    cfg.Retry.MaxDelay(),
		},
	}, d)
}

// buildCheckpointStore picks the checkpoint backend per deployment shape:
// a local directory for a single-instance ingestd, the same object store
// the partition writer already uses when no local disk is configured
// (e.g. multiple replicas sharing bronze storage).
func buildCheckpointStore(cfg config.IngestConfig, store objectstore.ObjectStore) checkpoint.Store {
	if cfg.CheckpointDir == "" {
		return checkpoint.NewObjectStoreBackend(store, cfg.Bucket, "checkpoints")
	}
	return checkpoint.NewFileStore(cfg.CheckpointDir)
}

func buildProducer(cfg config.IngestConfig) *bus.Producer {
	eventBus := bus.NewInMemoryBus(func() int64 { return time.Now().UnixMilli() })
	return bus.NewProducer(eventBus, bus.Config{
		BatchSize:     cfg.BatchSize,
		FlushInterval: cfg.FlushInterval,
		BreakerConfig: circuit.Config{
			FailureThreshold: cfg.Retry.FailureThreshold,
			SuccessThreshold: cfg.Retry.SuccessThreshold,
			Timeout:          cfg.Retry.RecoveryTimeout(),
			RequestTimeout:   cfg.Retry.RequestTimeout(),
		},
	})
}

func runBackfill(cmd *cobra.Command, args []string) error {
	cfg, err := loadIngestConfig()
	if err != nil {
		return err
	}

	pool := httpx.NewPool(httpx.Config{MaxConcurrent: 8, Timeout: 10 * time.Second})
	client := restfeed.NewHTTPExchangeClient(cfg.REST.BaseURL, cfg.REST.APIKey, pool)
	limiters := ratelimit.NewManager(ratelimit.Config{RPM: cfg.RateLimitRPM})
	retry := circuit.RetryPolicy{
		MaxAttempts: cfg.Retry.MaxAttempts,
		Initial:     cfg.Retry.InitialDelay(),
		Multiplier:  cfg.Retry.Multiplier,
		MaxDelay:    cfg.Retry.MaxDelay(),
	}
	store := objectstore.NewInMemoryStore()
	checkpoints := buildCheckpointStore(cfg, store)

	writer := buildWriter(cfg, store)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	now := time.Now().UnixMilli()
	for _, symbol := range cfg.Symbols {
		backfiller := restfeed.NewBackfiller(client, limiters.Get(symbol), retry, checkpoints)
		start := now - 24*int64(time.Hour/time.Millisecond)
		emit := func(t domain.Trade) error {
			return writer.Write(ctx, t.Symbol, t.DataType(), time.UnixMilli(t.EventTS), t, t)
		}
		log.Info().Str("symbol", symbol).Msg("ingestd: starting backfill")
		if err := backfiller.BackfillTrades(ctx, symbol, start, now, emit); err != nil {
			log.Error().Err(err).Str("symbol", symbol).Int("active_limiters", len(limiters.AllStats())).Msg("ingestd: backfill failed")
			return err
		}
		log.Info().Str("symbol", symbol).Msg("ingestd: backfill complete")
	}
	return nil
}

func runStream(cmd *cobra.Command, args []string) error {
	cfg, err := loadIngestConfig()
	if err != nil {
		return err
	}

	store := objectstore.NewInMemoryStore()
	writer := buildWriter(cfg, store)
	producer := buildProducer(cfg)

	type writable interface {
		DataType() string
		NaturalID() string
	}

	publish := func(messageType, symbol string, eventTS int64, record writable) {
		ctx := context.Background()
		if err := writer.Write(ctx, symbol, record.DataType(), time.UnixMilli(eventTS), record, record); err != nil {
			log.Warn().Err(err).Str("message_type", messageType).Msg("ingestd: write failed")
		}
		recordBytes, err := json.Marshal(record)
		if err != nil {
			log.Warn().Err(err).Msg("ingestd: marshal record failed")
			return
		}
		envelope, err := json.Marshal(domain.BusRecord{MessageType: messageType, Data: recordBytes})
		if err != nil {
			log.Warn().Err(err).Msg("ingestd: marshal envelope failed")
			return
		}
		stream := streamForType(cfg, messageType)
		producer.Enqueue(ctx, stream, bus.PartitionKey(symbol, envelope), envelope)
	}

	handler := func(messageType string, record interface{}) {
		switch r := record.(type) {
		case domain.Trade:
			publish(messageType, r.Symbol, r.EventTS, r)
		case domain.BestBidAsk:
			publish(messageType, r.Symbol, r.EventTS, r)
		case domain.DepthSnapshot:
			publish(messageType, r.Symbol, r.EventTS, r)
		}
	}

	client := streamfeed.NewClient(streamfeed.GorillaDialer{}, streamfeed.Config{
		BaseURL: cfg.Stream.BaseURL,
		APIKey:  cfg.Stream.APIKey,
		Streams: streamNames(cfg.Symbols),
	}, handler)

	registry := obshealth.NewRegistry()
	registry.Register("streamfeed", obshealth.CheckerFunc(client.HealthCheck))
	registry.Register("producer", obshealth.CheckerFunc(producer.HealthCheck))
	healthServer := obshealth.NewServer(registry, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		cancel()
	}()

	producer.Start(ctx)
	defer producer.Stop(context.Background())

	go func() {
		addr := cfg.HealthAddr
		if addr == "" {
			addr = ":8080"
		}
		if err := http.ListenAndServe(addr, healthServer.Handler()); err != nil {
			log.Error().Err(err).Msg("ingestd: health server exited")
		}
	}()

	log.Info().Strs("symbols", cfg.Symbols).Msg("ingestd: starting stream")
	return client.Run(ctx)
}

func streamNames(symbols []string) []string {
	out := make([]string, 0, len(symbols)*2)
	for _, s := range symbols {
		out = append(out, s+"@trade", s+"@depth")
	}
	return out
}

func streamForType(cfg config.IngestConfig, messageType string) string {
	if len(cfg.BusStreams) == 0 {
		return "market-data"
	}
	switch messageType {
	case "trade":
		return cfg.BusStreams[0]
	case "bestBidAsk":
		return cfg.BusStreams[minInt(1, len(cfg.BusStreams)-1)]
	default:
		return cfg.BusStreams[len(cfg.BusStreams)-1]
	}
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
