package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dontdude/goclip/internal/config"
	"github.com/dontdude/goclip/internal/platform/logging"
	"github.com/dontdude/goclip/internal/platform/queue"
	"github.com/dontdude/goclip/internal/platform/stage"
	"github.com/dontdude/goclip/internal/platform/web"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := run(); err != nil {
		slog.Error("Server failed", "error", err)
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

	// 2. Initialize logger
	slog.SetDefault(logging.New(os.Stdout, cfg.Logging.Level, cfg.Logging.Format))

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

	// 4. Payload stager (shared volume with the workers)
	stager, err := stage.New(cfg.Staging.Root)
	if err != nil {
		return err
	}

	// 5. Handlers, WebSocket hub and rate limiter
	handler := web.NewHandler(broker, broker, stager, broker, web.HandlerConfig{
		AwaitTimeout: cfg.Server.AwaitTimeout,
		MaxBodyBytes: cfg.Server.MaxBodyBytes,
		ShowAPIDocs:  cfg.Server.ShowAPIDocs,
	})
	hub := web.NewHub(handler)
	limiter := web.NewRateLimiter(cfg.Server.RateLimit, cfg.Server.RateBurst)
	limiter.StartCleanup(ctx)

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           web.NewRouter(handler, hub, limiter),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return hub.Run(gctx)
	})

	g.Go(func() error {
		slog.Info("API Server starting", "addr", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("Shutting down API server...")
		// In-flight requests may still be waiting for their results.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.AwaitTimeout+5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
