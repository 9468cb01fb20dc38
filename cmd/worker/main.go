package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dontdude/goclip/internal/config"
	"github.com/dontdude/goclip/internal/engine"
	"github.com/dontdude/goclip/internal/platform/docker"
	"github.com/dontdude/goclip/internal/platform/logging"
	"github.com/dontdude/goclip/internal/platform/queue"
	"github.com/dontdude/goclip/internal/platform/stage"
	"github.com/dontdude/goclip/internal/worker"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

const engineReadyInterval = 2 * time.Second

func main() {
	if err := run(); err != nil {
		slog.Error("Worker failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load configuration (.env is optional)
	if err := godotenv.Load(); err != nil {
		slog.Debug("No .env file loaded", "error", err)
	}
	cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		return err
	}

	// 2. Initialize Logger
	slog.SetDefault(logging.New(os.Stdout, cfg.Logging.Level, cfg.Logging.Format))
	workerID := cfg.WorkerID()
	slog.Info("Starting GoCLIP Worker...", "workerID", workerID, "model", cfg.Engine.ModelName)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 3. Initialize the broker and fail fast if Redis is unreachable
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer client.Close()

	broker := queue.NewRedisBroker(client, queue.Options{
		Queue:          cfg.Queue.Name,
		ResponseSuffix: cfg.Queue.ResponseSuffix,
		Events:         cfg.Queue.EventsChannel,
		PollTimeout:    cfg.Queue.PollTimeout,
		ResultTTL:      cfg.Queue.ResultTTL,
	})
	if err := broker.Ping(ctx); err != nil {
		return err
	}

	stager, err := stage.New(cfg.Staging.Root)
	if err != nil {
		return err
	}

	// 4. Optionally launch the engine sidecar container
	if cfg.Engine.Type == string(engine.TypeHTTP) && cfg.Engine.Image != "" {
		dockerClient, err := docker.NewClient(ctx)
		if err != nil {
			return err
		}
		defer dockerClient.Close()

		sidecar, err := dockerClient.StartSidecar(ctx, docker.SidecarSpec{
			Image:     cfg.Engine.Image,
			ModelName: cfg.Engine.ModelName,
			GPU:       cfg.Engine.GPU,
		})
		if err != nil {
			return err
		}
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := sidecar.Stop(stopCtx); err != nil {
				slog.Error("Failed to remove engine sidecar", "error", err)
			}
		}()
	}

	// 5. Inference engine
	eng, err := engine.New(engine.Config{
		Type:       engine.Type(cfg.Engine.Type),
		URL:        cfg.Engine.URL,
		Timeout:    cfg.Engine.Timeout,
		CacheSize:  cfg.Engine.CacheSize,
		Dimensions: cfg.Engine.Dimensions,
	})
	if err != nil {
		return err
	}
	if httpEngine, ok := eng.(*engine.HTTPEngine); ok {
		slog.Info("Waiting for inference engine", "url", cfg.Engine.URL)
		if err := httpEngine.WaitReady(ctx, engineReadyInterval); err != nil {
			return err
		}
	}

	// 6. Start the pool and the staging sweeper
	pool := worker.NewPool(cfg.Worker.Concurrency, workerID, broker, broker, worker.NewDispatcher(eng, stager), stager)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		stager.StartSweepRoutine(gctx, cfg.Staging.SweepInterval, cfg.Staging.MaxAge)
		return nil
	})

	g.Go(func() error {
		pool.Start(gctx)
		<-gctx.Done()
		pool.Stop()
		return nil
	})

	err = g.Wait()
	slog.Info("Worker shut down")
	return err
}
