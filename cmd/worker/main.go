package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/dunamismax/pixeldrop/internal/config"
	"github.com/dunamismax/pixeldrop/internal/logging"
	"github.com/dunamismax/pixeldrop/internal/pipeline"
	"github.com/dunamismax/pixeldrop/internal/storage"
	"github.com/dunamismax/pixeldrop/internal/store"
	"github.com/dunamismax/pixeldrop/internal/telemetry"
	"github.com/dunamismax/pixeldrop/internal/webhook"
	"github.com/dunamismax/pixeldrop/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger, logCloser, err := logging.New("worker", cfg.Log.File)
	if err != nil {
		log.Fatalf("init logging: %v", err)
	}
	defer logCloser.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Printf("worker failed: %v", err)
		logCloser.Close()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *log.Logger) error {
	shutdownTracing, err := telemetry.SetupTracing(ctx, "pixeldrop-worker", cfg.Tracing, logger)
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

	if err := storage.NewLocal(cfg.Storage).Ensure(); err != nil {
		return err
	}

	var mirrors []pipeline.Emitter
	if cfg.Mirror.Enabled {
		mirror, err := storage.NewMirror(cfg.Mirror)
		if err != nil {
			return fmt.Errorf("initialize mirror: %w", err)
		}
		if err := mirror.Prepare(ctx); err != nil {
			return fmt.Errorf("initialize mirror: %w", err)
		}
		mirrors = append(mirrors, pipeline.MirrorEmitter{Mirror: mirror})
		logger.Printf("mirroring outputs endpoint=%s bucket=%s prefix=%s", cfg.Mirror.Endpoint, mirror.Bucket(), mirror.Prefix())
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

	if strings.EqualFold(cfg.Jobs.Backend, config.JobStoreMemory) {
		logger.Printf("warning: job_store=memory is private to this process; the api will only see queue state for batch jobs")
	}

	srv, err := worker.NewServer(logger, cfg.Queue, cfg.Worker, processor, jobStore, webhook.NewClient(cfg.Webhook))
	if err != nil {
		return err
	}

	metricsServer := &http.Server{
		Addr:              cfg.Worker.MetricsAddr,
		Handler:           srv.MetricsHandler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	logger.Printf(
		"starting worker engine=%s concurrency=%d max_active_jobs=%d queue=%s redis=%s job_store=%s metrics=%s",
		pipeline.EngineName(),
		cfg.Worker.Concurrency,
		cfg.Worker.MaxActiveJobs,
		cfg.Queue.Name,
		cfg.Queue.RedisAddr,
		cfg.Jobs.Backend,
		cfg.Worker.MetricsAddr,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Run(gctx)
	})
	g.Go(func() error {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return metricsServer.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
