package main

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"log/slog"
	"mime"
	"os"
	"path/filepath"
	"time"

	"github.com/dontdude/goclip/internal/config"
	"github.com/dontdude/goclip/internal/domain"
	"github.com/dontdude/goclip/internal/platform/logging"
	"github.com/dontdude/goclip/internal/platform/queue"
	"github.com/dontdude/goclip/internal/platform/stage"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
)

// scenario is one example request.
type scenario struct {
	name   string
	texts  []string
	images []domain.ImagePayload
}

func main() {
	if err := run(); err != nil {
		slog.Error("Producer failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	if err := godotenv.Load(); err != nil {
		slog.Debug("No .env file loaded", "error", err)
	}
	cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		return err
	}
	slog.SetDefault(logging.New(os.Stderr, cfg.Logging.Level, cfg.Logging.Format))

	ctx := context.Background()

	// We talk to the broker directly, bypassing the HTTP API.
	client := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
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

	img, err := sampleImage(os.Args[1:])
	if err != nil {
		return err
	}

	scenarios := []scenario{
		{name: "text embedding", texts: []string{"A photo of a cat"}},
		{name: "image embedding", images: []domain.ImagePayload{img}},
		{name: "zero-shot classification", texts: []string{"dog", "cat"}, images: []domain.ImagePayload{img}},
	}

	for _, sc := range scenarios {
		resp, err := submitAndWait(ctx, broker, stager, cfg.Server.AwaitTimeout, sc)
		if err != nil {
			return fmt.Errorf("%s: %w", sc.name, err)
		}
		printResponse(sc.name, resp)
	}
	return nil
}

func submitAndWait(ctx context.Context, broker *queue.RedisBroker, stager *stage.Stager, timeout time.Duration, sc scenario) (domain.ResponseEnvelope, error) {
	jobID := uuid.New().String()

	refs, err := stager.Stage(jobID, sc.images)
	if err != nil {
		return domain.ResponseEnvelope{}, err
	}

	slog.Info("Publishing job", "jobID", jobID, "scenario", sc.name)
	if err := broker.Submit(ctx, domain.NewJobEnvelope(jobID, sc.texts, refs)); err != nil {
		if rerr := stager.Release(refs); rerr != nil {
			slog.Error("Failed to release staged images", "jobID", jobID, "error", rerr)
		}
		return domain.ResponseEnvelope{}, err
	}

	awaitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return broker.AwaitResult(awaitCtx, jobID)
}

func printResponse(name string, resp domain.ResponseEnvelope) {
	fmt.Printf("== %s\n", name)
	for _, te := range resp.TextEmbeddings {
		fmt.Printf("text %q: %d dims\n", te.Text, len(te.Embedding))
	}
	for _, ie := range resp.ImageEmbeddings {
		fmt.Printf("image %s: %d dims\n", ie.ImageID, len(ie.Embedding))
	}
	if cr := resp.ClassificationResult; cr != nil {
		for _, out := range cr.SoftmaxOutputs {
			fmt.Printf("image %s:", out.ImageID)
			for i, label := range cr.Labels {
				fmt.Printf(" %s=%.4f", label, out.SoftmaxScores[i])
			}
			fmt.Println()
		}
	}
}

// sampleImage reads the image named on the command line, or draws a small
// PNG when none is given.
func sampleImage(args []string) (domain.ImagePayload, error) {
	if len(args) > 0 {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return domain.ImagePayload{}, err
		}
		return domain.ImagePayload{Data: data, MediaType: mime.TypeByExtension(filepath.Ext(args[0]))}, nil
	}

	canvas := image.NewRGBA(image.Rect(0, 0, 8, 8))
	for x := range 8 {
		for y := range 8 {
			canvas.Set(x, y, color.RGBA{R: uint8(x * 32), G: uint8(y * 32), B: 128, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, canvas); err != nil {
		return domain.ImagePayload{}, err
	}
	return domain.ImagePayload{Data: buf.Bytes(), MediaType: "image/png"}, nil
}
