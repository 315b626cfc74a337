package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/arena/internal/broadcast"
	"github.com/mcdev12/arena/internal/challenge"
	"github.com/mcdev12/arena/internal/config"
	"github.com/mcdev12/arena/internal/gateway"
	"github.com/mcdev12/arena/internal/ingest"
	"github.com/mcdev12/arena/internal/registry"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		log.Debug().Err(err).Msg("no .env file loaded")
	}
	setupLogging()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	clock := clockwork.NewRealClock()
	svc := buildService(cfg, clock)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := svc.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("arena gateway failed")
	}
}

func buildService(cfg *config.Config, clock clockwork.Clock) *gateway.Service {
	reg := registry.NewRegistry(cfg.MaxConnections)

	store := challenge.NewStore(clock, challenge.AdditiveScorer{}, challenge.LogArchiver{}, challenge.Config{
		SnapshotHistory: cfg.Store.SnapshotHistory,
		FinishedGrace:   cfg.FinishedGrace(),
	})

	engineCfg := broadcast.DefaultConfig()
	engineCfg.CompressionEnabled = cfg.CompressionEnabled
	engineCfg.AdaptiveCompression = cfg.Mobile.AdaptiveCompression
	engineCfg.BandwidthThrottling = cfg.Mobile.BandwidthThrottling
	engineCfg.MobileBandwidthThreshold = cfg.Mobile.BandwidthThresholdBytes
	engineCfg.OfflineQueueEnabled = cfg.Mobile.OfflineQueueEnabled
	engineCfg.MobilePriorityDelivery = cfg.Mobile.MobileConnectionPriority
	engine := broadcast.NewEngine(reg, clock, engineCfg)
	store.SetBroadcaster(engine)

	monitor := registry.NewMonitor(reg, clock, registry.MonitorConfig{
		Interval:               cfg.HeartbeatInterval(),
		Timeout:                cfg.ConnectionTimeout(),
		ReducedHeartbeatMobile: cfg.Mobile.ReducedHeartbeatMobile,
	}, func(conn *registry.Connection) {
		var challenges []string
		for _, ch := range conn.Subscriptions() {
			if ch != conn.PlayerID {
				challenges = append(challenges, ch)
			}
		}
		store.MarkDisconnected(conn.PlayerID, challenges)
		engine.Forget(conn.ID)
	})

	handlerCfg := gateway.DefaultHandlerConfig()
	handlerCfg.MaxMessageSize = cfg.MaxMessageSize
	handlerCfg.ReadTimeout = cfg.ConnectionTimeout()
	handler := gateway.NewHandler(reg, store, engine, gateway.QueryIdentityVerifier{}, clock, handlerCfg)

	var runner gateway.Runner
	if cfg.NATS.URL != "" {
		ingestCfg := ingest.DefaultConfig()
		ingestCfg.URL = cfg.NATS.URL
		ingestCfg.StreamName = cfg.NATS.StreamName
		ingestCfg.ConsumerName = cfg.NATS.ConsumerName
		ingestCfg.SubjectFilter = cfg.NATS.SubjectFilter
		consumer, err := ingest.NewConsumer(engine, ingestCfg)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to create event ingest consumer")
		}
		runner = consumer
	} else {
		log.Info().Msg("event ingest disabled, no NATS URL configured")
	}

	return gateway.NewService(cfg, reg, store, engine, monitor, handler, runner, clock)
}

func setupLogging() {
	zerolog.TimeFieldFormat = time.RFC3339
	level, err := zerolog.ParseLevel(os.Getenv("ARENA_LOG_LEVEL"))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if os.Getenv("ARENA_LOG_PRETTY") == "true" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}
}
