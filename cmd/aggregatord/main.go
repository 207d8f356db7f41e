// Command aggregatord runs C8: one shard consumer per bus stream, feeding
// a windowed feature aggregator that writes to the hot store. Wired the
// way cmd/cryptorun wires its scan pipeline: cobra root command, zerolog
// console writer, YAML config load, health server mount.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/btcdatapipe/pipeline/internal/aggregator"
	"github.com/btcdatapipe/pipeline/internal/bus"
	"github.com/btcdatapipe/pipeline/internal/config"
	"github.com/btcdatapipe/pipeline/internal/hotstore"
	"github.com/btcdatapipe/pipeline/internal/obshealth"
)

const version = "0.1.0"

var configPath string

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})

	rootCmd := &cobra.Command{
		Use:     "aggregatord",
		Short:   "Stream feature aggregation daemon (C8)",
		Version: version,
		RunE:    run,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "config/aggregator.yaml", "path to aggregatord config")

	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("aggregatord: command failed")
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	var cfg config.AggregatorConfig
	if err := config.Load(configPath, &cfg); err != nil {
		return err
	}

	hotStore := hotstore.NewRedisStore(cfg.RedisAddr, cfg.RedisDB)
	agg := aggregator.NewAggregator(hotStore, aggregator.Config{
		MinMessages:   cfg.MinMessages,
		MaxInterval:   cfg.MaxInterval,
		CheckInterval: cfg.CheckInterval,
		FeatureTTL:    cfg.FeatureTTL,
	})

	eventBus := bus.NewInMemoryBus(func() int64 { return time.Now().UnixMilli() })

	registry := obshealth.NewRegistry()
	registry.Register("aggregator", obshealth.CheckerFunc(agg.HealthCheck))
	registry.Register("hotstore", obshealth.CheckerFunc(func(ctx context.Context) obshealth.Health {
		if err := hotStore.Ping(ctx); err != nil {
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
			addr = ":8081"
		}
		if err := http.ListenAndServe(addr, healthServer.Handler()); err != nil {
			log.Error().Err(err).Msg("aggregatord: health server exited")
		}
	}()

	var wg sync.WaitGroup
	for _, streamName := range cfg.BusStreams {
		shards, err := eventBus.DescribeStream(ctx, streamName)
		if err != nil {
			return err
		}
		for _, shard := range shards {
			consumer := aggregator.NewShardConsumer(eventBus, streamName, shard.ShardID, 100*time.Millisecond)
			wg.Add(1)
			go func(streamName, shardID string) {
				defer wg.Done()
				log.Info().Str("stream", streamName).Str("shard", shardID).Msg("aggregatord: starting shard consumer")
				if err := consumer.Run(ctx, func(r aggregator.Record) {
					agg.IngestRecord(r.Data)
				}); err != nil && ctx.Err() == nil {
					log.Error().Err(err).Str("stream", streamName).Str("shard", shardID).Msg("aggregatord: consumer exited")
				}
			}(streamName, shard.ShardID)
		}
	}

	log.Info().Strs("streams", cfg.BusStreams).Msg("aggregatord: starting")
	err := agg.Run(ctx)
	wg.Wait()
	if err == context.Canceled {
		return nil
	}
	return err
}
