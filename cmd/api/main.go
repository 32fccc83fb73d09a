package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/dunamismax/pixeldrop/internal/api"
	"github.com/dunamismax/pixeldrop/internal/config"
	"github.com/dunamismax/pixeldrop/internal/logging"
	"github.com/dunamismax/pixeldrop/internal/pipeline"
	"github.com/dunamismax/pixeldrop/internal/queue"
	"github.com/dunamismax/pixeldrop/internal/ratelimit"
	"github.com/dunamismax/pixeldrop/internal/storage"
	"github.com/dunamismax/pixeldrop/internal/store"
	"github.com/dunamismax/pixeldrop/internal/telemetry"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger, logCloser, err := logging.New("api", cfg.Log.File)
	if err != nil {
		log.Fatalf("init logging: %v", err)
	}
	defer logCloser.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Printf("api failed: %v", err)
		logCloser.Close()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *log.Logger) error {
	shutdownTracing, err := telemetry.SetupTracing(ctx, "pixeldrop-api", cfg.Tracing, logger)
	if err != nil {
		return fmt.Errorf("setup tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Printf("tracing shutdown error: %v", err)
		}
	}()

	if err := pipeline.Startup(cfg.Image); err != nil {
		return fmt.Errorf("start image runtime: %w", err)
	}
	defer pipeline.Shutdown()

	local := storage.NewLocal(cfg.Storage)
	if err := local.Ensure(); err != nil {
		return err
	}

	mirrors, err := outputMirrors(ctx, cfg.Mirror, logger)
	if err != nil {
		return err
	}
	processor, err := pipeline.NewLocalProcessor(mirrors...)
	if err != nil {
		return fmt.Errorf("initialize processor: %w", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Queue.RedisAddr,
		Password: cfg.Queue.RedisPassword,
		DB:       cfg.Queue.RedisDB,
	})
	defer rdb.Close()

	jobStore, storeCloser, err := store.Open(ctx, cfg, rdb)
	if err != nil {
		return fmt.Errorf("open job store: %w", err)
	}
	defer storeCloser.Close()

	queueClient := queue.NewClient(cfg.Queue.RedisClientOpt(), cfg.Queue.Name, cfg.Queue.Retention)
	defer func() {
		if err := queueClient.Close(); err != nil {
			logger.Printf("queue client close error: %v", err)
		}
	}()
	inspector := queue.NewInspector(cfg.Queue.RedisClientOpt(), cfg.Queue.Name)
	defer inspector.Close()

	deps := api.Deps{
		Storage:   local,
		Processor: processor,
		Queue:     queueClient,
		Inspector: inspector,
		Jobs:      jobStore,
	}
	if cfg.RateLimit.Enabled {
		limiter, err := ratelimit.NewRedisTokenBucket(rdb, cfg.RateLimit)
		if err != nil {
			return fmt.Errorf("initialize rate limiter: %w", err)
		}
		deps.RateLimiter = limiter
	}

	app, err := api.NewServer(logger, cfg, deps)
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:         cfg.API.Addr,
		Handler:      app.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 2 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	logger.Printf(
		"starting api addr=%s engine=%s dispatch=%s job_store=%s upload_dir=%s resized_dir=%s",
		cfg.API.Addr,
		pipeline.EngineName(),
		cfg.Dispatch.Mode,
		cfg.Jobs.Backend,
		cfg.Storage.UploadDir,
		cfg.Storage.ResizedDir,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		logger.Println("shutting down")
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown: %w", err)
		}
		return nil
	})
	return g.Wait()
}

func outputMirrors(ctx context.Context, cfg config.MirrorConfig, logger *log.Logger) ([]pipeline.Emitter, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	mirror, err := storage.NewMirror(cfg)
	if err != nil {
		return nil, fmt.Errorf("initialize mirror: %w", err)
	}
	if err := mirror.Prepare(ctx); err != nil {
		return nil, fmt.Errorf("initialize mirror: %w", err)
	}
	logger.Printf("mirroring outputs endpoint=%s bucket=%s prefix=%s", cfg.Endpoint, mirror.Bucket(), mirror.Prefix())
	return []pipeline.Emitter{pipeline.MirrorEmitter{Mirror: mirror}}, nil
}
