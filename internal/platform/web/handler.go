// Package web exposes the job broker over HTTP and WebSocket.
package web

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/dontdude/goclip/internal/domain"
	"github.com/google/uuid"
)

// errBadRequest marks client input that failed validation before staging.
var errBadRequest = errors.New("bad request")

// Pinger reports whether the backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HandlerConfig holds the request handling limits.
type HandlerConfig struct {
	// AwaitTimeout bounds how long a request waits for its response.
	AwaitTimeout time.Duration
	MaxBodyBytes int64
	ShowAPIDocs  bool
}

// Handler turns API requests into jobs and waits for their responses.
type Handler struct {
	producer domain.JobProducer
	events   domain.EventBus
	stager   domain.Stager
	health   Pinger
	cfg      HandlerConfig
	newID    func() string
}

// NewHandler creates a Handler. events and health may be nil.
func NewHandler(producer domain.JobProducer, events domain.EventBus, stager domain.Stager, health Pinger, cfg HandlerConfig) *Handler {
	if cfg.AwaitTimeout <= 0 {
		cfg.AwaitTimeout = 60 * time.Second
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 32 << 20
	}
	return &Handler{
		producer: producer,
		events:   events,
		stager:   stager,
		health:   health,
		cfg:      cfg,
		newID:    func() string { return uuid.New().String() },
	}
}

// NewRouter registers every route. limiter and hub may be nil.
func NewRouter(h *Handler, hub *Hub, limiter *RateLimiter) http.Handler {
	limit := func(next http.HandlerFunc) http.HandlerFunc {
		if limiter == nil {
			return next
		}
		return limiter.Middleware(next)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /embed-text", limit(h.EmbedText))
	mux.HandleFunc("POST /embed-images", limit(h.EmbedImages))
	mux.HandleFunc("POST /zero-shot-classification", limit(h.Classify))
	mux.HandleFunc("GET /healthz", h.Healthz)
	if h.cfg.ShowAPIDocs {
		mux.HandleFunc("GET /docs", h.Docs)
	}
	if hub != nil {
		mux.HandleFunc("GET /api/ws", hub.ServeWS)
	}
	return enableCORS(mux)
}

// textInput accepts either a single string or a list of strings.
type textInput []string

func (t *textInput) UnmarshalJSON(data []byte) error {
	var one string
	if err := json.Unmarshal(data, &one); err == nil {
		*t = textInput{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return fmt.Errorf("text must be a string or a list of strings")
	}
	*t = many
	return nil
}

// imageInput is an inline image upload.
type imageInput struct {
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

type embedTextRequest struct {
	Text textInput `json:"text"`
}

type embedImagesRequest struct {
	Images []imageInput `json:"images"`
}

type classifyRequest struct {
	Labels []string     `json:"labels"`
	Images []imageInput `json:"images"`
}

// EmbedText handles POST /embed-text.
func (h *Handler) EmbedText(w http.ResponseWriter, r *http.Request) {
	var req embedTextRequest
	if !h.decode(w, r, &req) {
		return
	}
	if len(req.Text) == 0 {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}
	h.run(w, r, req.Text, nil)
}

// EmbedImages handles POST /embed-images.
func (h *Handler) EmbedImages(w http.ResponseWriter, r *http.Request) {
	var req embedImagesRequest
	if !h.decode(w, r, &req) {
		return
	}
	if len(req.Images) == 0 {
		writeError(w, http.StatusBadRequest, "images are required")
		return
	}
	payloads, err := decodeImages(req.Images)
	if err != nil {
		h.fail(w, "", err)
		return
	}
	h.run(w, r, nil, payloads)
}

// Classify handles POST /zero-shot-classification.
func (h *Handler) Classify(w http.ResponseWriter, r *http.Request) {
	var req classifyRequest
	if !h.decode(w, r, &req) {
		return
	}
	if len(req.Labels) == 0 || len(req.Images) == 0 {
		writeError(w, http.StatusBadRequest, "labels and images are required")
		return
	}
	payloads, err := decodeImages(req.Images)
	if err != nil {
		h.fail(w, "", err)
		return
	}
	h.run(w, r, req.Labels, payloads)
}

// Healthz handles GET /healthz.
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	if h.health != nil {
		if err := h.health.Ping(r.Context()); err != nil {
			slog.Warn("Health check failed", "error", err)
			writeError(w, http.StatusServiceUnavailable, "store unavailable")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

var apiDocs = map[string]string{
	"POST /embed-text":               `{"text": string | [string]} -> {"text_embeddings": [{"text", "embedding"}]}`,
	"POST /embed-images":             `{"images": [{"media_type", "data"}]} -> {"image_embeddings": [{"image_id", "embedding"}]}`,
	"POST /zero-shot-classification": `{"labels": [string], "images": [{"media_type", "data"}]} -> {"classification_result": {"labels", "softmax_outputs"}}`,
	"GET /healthz":                   "store health",
	"GET /api/ws":                    `WebSocket; send {"texts": [string], "images": [...]}, receive queued, event, result or error messages`,
}

// Docs handles GET /docs.
func (h *Handler) Docs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, apiDocs)
}

// run submits the job, waits for its response and writes it.
func (h *Handler) run(w http.ResponseWriter, r *http.Request, texts []string, images []domain.ImagePayload) {
	jobID := h.newID()
	w.Header().Set("X-Job-ID", jobID)

	if err := h.submit(r.Context(), jobID, texts, images); err != nil {
		h.fail(w, jobID, err)
		return
	}

	resp, err := h.await(r.Context(), jobID)
	if err != nil {
		h.fail(w, jobID, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// submit stages the images and enqueues the job. If the job never reaches the
// queue its staged files are released here, since no worker will see them.
func (h *Handler) submit(ctx context.Context, jobID string, texts []string, images []domain.ImagePayload) error {
	if len(texts) == 0 && len(images) == 0 {
		return domain.ErrEmptyJob
	}

	var refs []domain.ImageRef
	if len(images) > 0 {
		var err error
		if refs, err = h.stager.Stage(jobID, images); err != nil {
			return err
		}
	}

	job := domain.NewJobEnvelope(jobID, texts, refs)
	mode, err := job.Mode()
	if err != nil {
		return err
	}

	if err := h.producer.Submit(ctx, job); err != nil {
		if rerr := h.stager.Release(refs); rerr != nil {
			slog.Error("Failed to release staged images", "jobID", jobID, "error", rerr)
		}
		return err
	}

	slog.Info("Job submitted", "jobID", jobID, "mode", mode.String(), "texts", len(texts), "images", len(refs))
	if h.events != nil {
		ev := domain.JobEvent{JobID: jobID, Status: domain.JobQueued, Mode: mode.String()}
		if err := h.events.Broadcast(ctx, ev); err != nil {
			slog.Warn("Failed to broadcast event", "jobID", jobID, "error", err)
		}
	}
	return nil
}

func (h *Handler) await(ctx context.Context, jobID string) (domain.ResponseEnvelope, error) {
	ctx, cancel := context.WithTimeout(ctx, h.cfg.AwaitTimeout)
	defer cancel()
	return h.producer.AwaitResult(ctx, jobID)
}

// decode reads a JSON body within the size limit, writing the error itself.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, h.cfg.MaxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

func (h *Handler) fail(w http.ResponseWriter, jobID string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		slog.Error("Request failed", "jobID", jobID, "error", err)
	} else {
		slog.Info("Request rejected", "jobID", jobID, "error", err)
	}
	writeError(w, status, err.Error())
}

// statusFor maps broker, stager and validation errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, errBadRequest),
		errors.Is(err, domain.ErrEmptyJob),
		errors.Is(err, domain.ErrUnsupportedMediaType):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrResultTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, domain.ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func decodeImages(inputs []imageInput) ([]domain.ImagePayload, error) {
	payloads := make([]domain.ImagePayload, len(inputs))
	for i, in := range inputs {
		data, err := base64.StdEncoding.DecodeString(in.Data)
		if err != nil {
			return nil, fmt.Errorf("%w: image %d: invalid base64 data", errBadRequest, i)
		}
		payloads[i] = domain.ImagePayload{Data: data, MediaType: in.MediaType}
	}
	return payloads, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to write response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// enableCORS adds headers to allow requests from a browser frontend.
func enableCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		w.Header().Set("Access-Control-Expose-Headers", "X-Job-ID")

		// Handle Preflight OPTIONS request
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}
