package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"kiln/internal/assets"
	"kiln/internal/aws"
	"kiln/internal/cache"
	"kiln/internal/config"
	"kiln/internal/database"
	"kiln/internal/events"
	"kiln/internal/jobs"
	"kiln/internal/model"
	"kiln/internal/monitor"
	"kiln/internal/processor"
	"kiln/internal/rabbitmq"
	"kiln/internal/ratelimit"
	"kiln/internal/recovery"
	"kiln/internal/server"
	"kiln/pkg/comfy"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	// Local overrides come from .env; absence is fine.
	_ = godotenv.Load()

	configPath := "config/config.json"
	if len(os.Args) > 1 {
		configPath = os.Args[1]
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	setupLogger(cfg.Logging)
	log.Info().Str("env", cfg.Env).Int("port", cfg.Port).Msg("Starting generation engine")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Backend connector. The engine is useless without it, but a backend that
	// is merely down at boot may come up later, so this is not fatal.
	clientID := cfg.Backend.ClientID
	if clientID == "" {
		clientID = uuid.NewString()
	}
	backend := comfy.New(cfg.Backend.BaseURL, clientID, time.Duration(cfg.Backend.TimeoutSeconds)*time.Second)
	if !backend.Health() {
		log.Warn().Str("base_url", cfg.Backend.BaseURL).Msg("Backend not reachable at startup, continuing anyway")
	}

	// Optional collaborators. Each degrades to nil; the engine runs
	// in-memory, uncached and unmirrored without them.
	var db database.Database
	if cfg.MongoDB.URI != "" {
		db, err = database.New(cfg)
		if err != nil {
			log.Error().Err(err).Msg("Failed to connect to MongoDB, continuing without persistence")
			db = nil
		} else {
			log.Info().Msg("MongoDB connection established")
		}
	}

	var redis cache.Cache
	if cfg.Redis.Address != "" {
		rc, err := cache.NewRedisCache(cfg.Redis)
		if err != nil {
			log.Error().Err(err).Msg("Failed to connect to Redis, continuing without cache")
		} else {
			redis = rc
			log.Info().Msg("Redis connection established")
		}
	}

	var broker rabbitmq.Client
	var publisher *events.Publisher
	if cfg.Rabbit.URL != "" {
		broker, err = rabbitmq.NewClientFromConfig(cfg.Rabbit)
		if err != nil {
			log.Error().Err(err).Msg("Failed to connect to RabbitMQ, continuing without events")
			broker = nil
		} else {
			defer broker.Close()
			publisher, err = events.NewPublisher(broker, cfg.Rabbit.Exchange)
			if err != nil {
				log.Error().Err(err).Msg("Failed to set up events publisher")
				publisher = nil
			}
		}
	}

	var mirror aws.FileService
	if cfg.Engine.MirrorOutputs && cfg.AWS.Bucket != "" {
		mirror, err = aws.NewFileService(ctx, cfg.AWS.Region, cfg.AWS.Bucket, cfg.AWS.Prefix)
		if err != nil {
			log.Error().Err(err).Msg("Failed to initialize S3 mirror, continuing without mirroring")
			mirror = nil
		} else {
			log.Info().Str("bucket", cfg.AWS.Bucket).Msg("Output mirror ready")
		}
	}

	var catalog *assets.Catalog
	if redis != nil {
		limiter := ratelimit.New(cfg.Assets.RequestsPerMin, time.Duration(cfg.Assets.WindowSeconds)*time.Second)
		catalog = assets.NewCatalog(backend, redis, limiter, time.Duration(cfg.Assets.CacheTTLSeconds)*time.Second)
	}

	// Engine core.
	rec := recovery.NewManager()
	var store jobs.Persistence
	if db != nil {
		store = db
	}
	manager := jobs.NewManager(rec, store)

	mon := monitor.NewMonitor(backend, time.Duration(cfg.Backend.PollIntervalSeconds)*time.Second)
	if publisher != nil {
		mon.OnProgress(func(kind model.JobKind, update model.ProgressUpdate) {
			if err := publisher.PublishProgress(kind, update); err != nil {
				log.Warn().Err(err).Str("jobID", update.JobID).Msg("Progress publish failed")
			}
		})
	}
	go mon.Run(ctx)

	opts := processor.Options{
		MaxConcurrent: cfg.Engine.MaxConcurrentJobs,
		Timeout:       time.Duration(cfg.Engine.DefaultTimeoutMinutes) * time.Minute,
		StallLimit:    cfg.Engine.StallCycles,
		Mirror:        mirror,
	}
	if publisher != nil {
		opts.Results = publisher
	}
	if catalog != nil {
		opts.Catalog = catalog
	}
	proc := processor.NewProcessor(backend, manager, rec, mon, opts)

	srv := server.New(ctx, *cfg, proc, backend, catalog, server.Probes{
		DB:     db,
		Cache:  redis,
		Broker: broker,
		Mirror: mirror,
	})

	go func() {
		log.Info().Str("addr", srv.Addr).Msg("HTTP server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutdown signal received, draining")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}

	log.Info().Msg("Engine stopped")
}

func setupLogger(config config.LoggingConfig) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	level, err := zerolog.ParseLevel(config.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	switch config.Format {
	case "json":
		// JSON is the default for zerolog
	case "console", "combined":
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	}

	log.Logger = log.With().Timestamp().Logger()
}
