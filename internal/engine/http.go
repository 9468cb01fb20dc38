package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/dontdude/goclip/internal/domain"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sony/gobreaker"
)

// HTTPConfig configures the sidecar client.
type HTTPConfig struct {
	URL       string
	Timeout   time.Duration
	CacheSize int
}

// HTTPEngine calls a model-serving sidecar over JSON/HTTP.
type HTTPEngine struct {
	url        string
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
	cache      *lru.Cache[string, []float32]
}

var _ domain.Engine = (*HTTPEngine)(nil)

type wireImage struct {
	Format string `json:"format"`
	Data   []byte `json:"data"`
}

type embedTextRequest struct {
	Texts []string `json:"texts"`
}

type embedImagesRequest struct {
	Images []wireImage `json:"images"`
}

type embedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

type classifyRequest struct {
	Labels []string    `json:"labels"`
	Images []wireImage `json:"images"`
}

type classifyResponse struct {
	TextEmbeddings  [][]float32 `json:"text_embeddings"`
	ImageEmbeddings [][]float32 `json:"image_embeddings"`
	Probabilities   [][]float32 `json:"probabilities"`
}

// NewHTTPEngine builds a client. It does not contact the sidecar; use Health or
// WaitReady for that.
func NewHTTPEngine(cfg HTTPConfig) (*HTTPEngine, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("engine URL is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 1000
	}

	cache, err := lru.New[string, []float32](cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create cache: %w", err)
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "inference-engine",
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("Engine circuit breaker state changed", "name", name, "from", from.String(), "to", to.String())
		},
	})

	return &HTTPEngine{
		url:        strings.TrimRight(cfg.URL, "/"),
		httpClient: &http.Client{Timeout: cfg.Timeout},
		breaker:    breaker,
		cache:      cache,
	}, nil
}

// Health reports whether the sidecar answers its health endpoint.
func (e *HTTPEngine) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.url+"/health", nil)
	if err != nil {
		return fmt.Errorf("failed to create health request: %w", err)
	}
	resp, err := e.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: health check: %v", domain.ErrEngineFailure, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: health check returned status %d", domain.ErrEngineFailure, resp.StatusCode)
	}
	return nil
}

// WaitReady polls Health until it succeeds or ctx ends. Model loading can take
// a while after the sidecar starts.
func (e *HTTPEngine) WaitReady(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		err := e.Health(ctx)
		if err == nil {
			return nil
		}
		slog.Debug("Engine not ready yet", "url", e.url, "error", err)

		select {
		case <-ctx.Done():
			return fmt.Errorf("engine at %s never became ready: %w", e.url, errors.Join(err, ctx.Err()))
		case <-ticker.C:
		}
	}
}

// EmbedText embeds texts, serving repeated texts from the cache.
func (e *HTTPEngine) EmbedText(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	var missing []string
	var missingIdx []int
	for i, text := range texts {
		if v, ok := e.cache.Get(text); ok {
			out[i] = v
			continue
		}
		missing = append(missing, text)
		missingIdx = append(missingIdx, i)
	}
	if len(missing) == 0 {
		return out, nil
	}

	var resp embedResponse
	if err := e.post(ctx, "/embed-text", embedTextRequest{Texts: missing}, &resp); err != nil {
		return nil, err
	}
	if len(resp.Embeddings) != len(missing) {
		return nil, fmt.Errorf("%w: got %d text embeddings for %d texts", domain.ErrEngineFailure, len(resp.Embeddings), len(missing))
	}

	for k, i := range missingIdx {
		out[i] = resp.Embeddings[k]
		e.cache.Add(missing[k], resp.Embeddings[k])
	}
	return out, nil
}

func (e *HTTPEngine) EmbedImages(ctx context.Context, images []domain.Image) ([][]float32, error) {
	var resp embedResponse
	if err := e.post(ctx, "/embed-images", embedImagesRequest{Images: toWire(images)}, &resp); err != nil {
		return nil, err
	}
	return resp.Embeddings, nil
}

func (e *HTTPEngine) Classify(ctx context.Context, labels []string, images []domain.Image) (domain.Classification, error) {
	var resp classifyResponse
	if err := e.post(ctx, "/classify", classifyRequest{Labels: labels, Images: toWire(images)}, &resp); err != nil {
		return domain.Classification{}, err
	}
	return domain.Classification{
		TextVectors:   resp.TextEmbeddings,
		ImageVectors:  resp.ImageEmbeddings,
		Probabilities: resp.Probabilities,
	}, nil
}

// post sends body as JSON through the circuit breaker and decodes the reply into out.
func (e *HTTPEngine) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	_, err = e.breaker.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url+path, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := e.httpClient.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("%s returned status %d", path, resp.StatusCode)
		}
		return nil, json.NewDecoder(resp.Body).Decode(out)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return fmt.Errorf("%w: circuit breaker open: %v", domain.ErrEngineFailure, err)
		}
		return fmt.Errorf("%w: %v", domain.ErrEngineFailure, err)
	}
	return nil
}

func toWire(images []domain.Image) []wireImage {
	out := make([]wireImage, len(images))
	for i, img := range images {
		out[i] = wireImage{Format: img.Format, Data: img.Data}
	}
	return out
}
