package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/JonMunkholm/ingestflow/internal/catalog"
	"github.com/JonMunkholm/ingestflow/internal/config"
	"github.com/JonMunkholm/ingestflow/internal/core"
	"github.com/JonMunkholm/ingestflow/internal/ingest"
	"github.com/JonMunkholm/ingestflow/internal/logging"
	"github.com/JonMunkholm/ingestflow/internal/mapping"
	"github.com/JonMunkholm/ingestflow/internal/storage"
	"github.com/JonMunkholm/ingestflow/internal/store"
	"github.com/JonMunkholm/ingestflow/internal/store/memstore"
	"github.com/JonMunkholm/ingestflow/internal/store/pgstore"
	"github.com/JonMunkholm/ingestflow/internal/transform"
	"github.com/JonMunkholm/ingestflow/internal/web"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
)

func main() {
	// Load .env file if it exists (Overload overwrites existing env vars)
	if err := godotenv.Overload(); err != nil {
		slog.Info("no .env file found, using environment variables")
	} else {
		slog.Info("loaded .env file (overwriting existing env vars)")
	}

	// Load and validate configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger, closeLog := logging.Setup(cfg.Logging.Level, cfg.Logging.Format, logging.FileOptions{
		Path:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	})
	defer closeLog()

	logger.Info("configuration loaded",
		"port", cfg.Server.Port,
		"store", cfg.Database.Driver,
		"storage_root", cfg.Storage.Root,
		"schedule_enabled", cfg.Schedule.Enabled,
		"semantic_enabled", cfg.Semantic.Enabled(),
	)
	logger.Debug("effective configuration", "config", cfg.String())

	ctx := context.Background()

	st, closeStore, err := openStore(ctx, cfg.Database, logger)
	if err != nil {
		logger.Error("failed to open store", "error", err)
		os.Exit(1)
	}
	defer closeStore()

	files, err := storage.NewLocal(cfg.Storage.Root, storage.Dirs{
		Landing:   cfg.Storage.Landing,
		Completed: cfg.Storage.Completed,
		Error:     cfg.Storage.Error,
		Archive:   cfg.Storage.Archive,
	})
	if err != nil {
		logger.Error("failed to prepare storage", "error", err)
		os.Exit(1)
	}

	deps := core.Deps{Store: st, Files: files, Logger: logger}

	if cfg.Redis.URL != "" {
		client, err := transform.NewRedisClient(ctx, cfg.Redis.URL)
		if err != nil {
			logger.Error("failed to connect to redis", "error", err)
			os.Exit(1)
		}
		defer client.Close()
		deps.Locker = transform.NewRedisLocker(client, cfg.Redis.KeyPrefix+"lock:")
		logger.Info("transform locks use redis")
	}

	if cfg.Semantic.Enabled() {
		completer, err := mapping.NewOpenAICompleter(ctx, mapping.LLMConfig{
			APIKey:  cfg.Semantic.APIKey,
			Model:   cfg.Semantic.Model,
			BaseURL: cfg.Semantic.BaseURL,
			Timeout: cfg.Semantic.Timeout,
		})
		if err != nil {
			logger.Error("failed to create semantic matcher", "error", err)
			os.Exit(1)
		}
		deps.Semantic = mapping.NewSemanticMatcher(completer, cfg.Semantic.Timeout, cfg.Semantic.Retries,
			logger.With("component", "semantic"))
	}

	service, err := core.NewService(deps, core.Config{
		Extensions: cfg.Ingest.Extensions,
		Worker: ingest.WorkerConfig{
			ClaimBatch:  cfg.Ingest.ClaimBatch,
			Workers:     cfg.Ingest.Workers,
			ChunkSize:   cfg.Ingest.ChunkSize,
			MaxFileSize: cfg.Ingest.MaxFileSize,
		},
		Retention:  cfg.Archive.Retention(),
		StuckAfter: cfg.Ingest.StuckAfter,
		SampleSize: cfg.Mapping.SampleSize,
		Mapping: mapping.EngineConfig{
			TopN:          cfg.Mapping.TopN,
			MinConfidence: &cfg.Mapping.MinConfidence,
		},
		Transform: transform.Config{
			BatchSize:     cfg.Transform.BatchSize,
			MaxIterations: cfg.Transform.MaxIterations,
			LockTTL:       cfg.Transform.LockTTL,
		},
	})
	if err != nil {
		logger.Error("failed to create service", "error", err)
		os.Exit(1)
	}

	if cfg.Catalog.Path != "" {
		c, err := catalog.Load(cfg.Catalog.Path)
		if err != nil {
			logger.Error("failed to load catalog", "path", cfg.Catalog.Path, "error", err)
			os.Exit(1)
		}
		res, err := service.ApplyCatalog(core.ContextWithRequestID(ctx, "startup"), c)
		if err != nil {
			logger.Error("failed to apply catalog", "path", cfg.Catalog.Path, "error", err)
			os.Exit(1)
		}
		logger.Info("catalog applied", "path", cfg.Catalog.Path, "summary", res.Summary())
	}

	// Background jobs share one cancellable context
	jobCtx, cancelJobs := context.WithCancel(context.Background())
	defer cancelJobs()

	scheduler := core.NewScheduler(
		core.NewJobLimiter(cfg.Schedule.MaxConcurrentJobs, cfg.Schedule.MaxJobWait),
		logger.With("component", "scheduler"),
	)
	schedules := core.Schedules{TransformTargets: cfg.Schedule.TransformTargets}
	if cfg.Schedule.Enabled {
		schedules.Discover = cfg.Schedule.Discover
		schedules.Process = cfg.Schedule.Process
		schedules.Move = cfg.Schedule.Move
		schedules.Archive = cfg.Schedule.Archive
		schedules.Transform = cfg.Schedule.Transform
	}
	// Jobs are registered even when scheduling is off so operators can run them on demand.
	if err := service.RegisterJobs(scheduler, schedules); err != nil {
		logger.Error("failed to register jobs", "error", err)
		os.Exit(1)
	}
	scheduler.Start(jobCtx)

	if cfg.Ingest.WatchLanding {
		watcher := ingest.NewWatcher(files.Dir(storage.Landing), cfg.Ingest.WatchSettle, func(ctx context.Context) {
			if _, err := service.RunJob(ctx, core.JobDiscover); err != nil {
				logger.Warn("landing watcher: discover failed", "error", err)
			}
		}, logger.With("component", "watcher"))
		go func() {
			if err := watcher.Run(jobCtx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("landing watcher stopped", "error", err)
			}
		}()
	}

	server := web.NewServer(service, cfg.Server, cfg.Security)

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		logger.Info("shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown error", "error", err)
		}

		// Stop ticks, then wait for running jobs before their context goes away
		if err := scheduler.Stop(shutdownCtx); err != nil {
			logger.Warn("jobs did not finish in time", "error", err)
		}
		cancelJobs()
	}()

	if err := server.Start(cfg.Server.Addr()); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
	logger.Info("server stopped")
}

// openStore connects the configured store. Postgres is migrated on start
// unless DB_MIGRATE=false.
func openStore(ctx context.Context, cfg config.DatabaseConfig, logger *slog.Logger) (store.Store, func(), error) {
	if cfg.Driver == "memory" {
		logger.Warn("using in-memory store; nothing survives a restart")
		return memstore.New(), func() {}, nil
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, nil, err
	}
	poolConfig.MaxConns = int32(cfg.MaxConns)
	poolConfig.MinConns = int32(cfg.MinConns)
	poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
	poolConfig.MaxConnIdleTime = cfg.MaxConnIdleTime

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, err
	}

	// Log which database we connected to
	if u, err := url.Parse(cfg.URL); err == nil {
		logger.Info("connected to database", "name", strings.TrimPrefix(u.Path, "/"))
	}

	pg := pgstore.New(pool)
	if cfg.Migrate {
		if err := pg.Migrate(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		logger.Info("database schema up to date")
	}
	return pg, pool.Close, nil
}
