package engine

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dontdude/goclip/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// createMockSidecar answers the health endpoint and delegates the rest.
func createMockSidecar(handler func(w http.ResponseWriter, r *http.Request)) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			w.WriteHeader(http.StatusOK)
			return
		}
		handler(w, r)
	}))
}

func newTestHTTPEngine(t *testing.T, url string) *HTTPEngine {
	t.Helper()
	e, err := NewHTTPEngine(HTTPConfig{URL: url, Timeout: 5 * time.Second, CacheSize: 10})
	require.NoError(t, err)
	return e
}

func TestHTTPEngine_EmbedTextUsesCache(t *testing.T) {
	var calls atomic.Int32
	server := createMockSidecar(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/embed-text", r.URL.Path)
		calls.Add(1)

		var req embedTextRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		resp := embedResponse{}
		for i := range req.Texts {
			resp.Embeddings = append(resp.Embeddings, []float32{float32(len(req.Texts[i]))})
		}
		json.NewEncoder(w).Encode(resp)
	})
	defer server.Close()

	e := newTestHTTPEngine(t, server.URL)
	ctx := context.Background()

	got, err := e.EmbedText(ctx, []string{"a", "bb"})
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{1}, {2}}, got)

	got, err = e.EmbedText(ctx, []string{"bb", "ccc", "a"})
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{2}, {3}, {1}}, got)
	assert.Equal(t, int32(2), calls.Load())

	_, err = e.EmbedText(ctx, []string{"a"})
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load(), "fully cached batch must not hit the sidecar")
}

func TestHTTPEngine_EmbedImagesSendsBase64(t *testing.T) {
	server := createMockSidecar(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/embed-images", r.URL.Path)

		var raw struct {
			Images []struct {
				Format string `json:"format"`
				Data   string `json:"data"`
			} `json:"images"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&raw))
		require.Len(t, raw.Images, 1)
		assert.Equal(t, "png", raw.Images[0].Format)
		assert.Equal(t, "aGk=", raw.Images[0].Data)

		json.NewEncoder(w).Encode(embedResponse{Embeddings: [][]float32{{0.5, 0.5}}})
	})
	defer server.Close()

	e := newTestHTTPEngine(t, server.URL)
	got, err := e.EmbedImages(context.Background(), []domain.Image{{Data: []byte("hi"), Format: "png"}})
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{0.5, 0.5}}, got)
}

func TestHTTPEngine_Classify(t *testing.T) {
	server := createMockSidecar(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/classify", r.URL.Path)
		json.NewEncoder(w).Encode(classifyResponse{
			TextEmbeddings:  [][]float32{{1}, {0}},
			ImageEmbeddings: [][]float32{{0.5}},
			Probabilities:   [][]float32{{0.9, 0.1}},
		})
	})
	defer server.Close()

	e := newTestHTTPEngine(t, server.URL)
	c, err := e.Classify(context.Background(), []string{"cat", "dog"}, []domain.Image{{Data: []byte("x"), Format: "png"}})
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{0.9, 0.1}}, c.Probabilities)
	assert.Len(t, c.TextVectors, 2)
}

func TestHTTPEngine_ServerErrorOpensBreaker(t *testing.T) {
	var calls atomic.Int32
	server := createMockSidecar(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	})
	defer server.Close()

	e := newTestHTTPEngine(t, server.URL)
	ctx := context.Background()

	for range 3 {
		_, err := e.EmbedImages(ctx, []domain.Image{{Data: []byte("x")}})
		assert.ErrorIs(t, err, domain.ErrEngineFailure)
	}

	_, err := e.EmbedImages(ctx, []domain.Image{{Data: []byte("x")}})
	assert.ErrorIs(t, err, domain.ErrEngineFailure)
	assert.Contains(t, err.Error(), "circuit breaker open")
	assert.Equal(t, int32(3), calls.Load())
}

func TestHTTPEngine_EmbedTextCountMismatch(t *testing.T) {
	server := createMockSidecar(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(embedResponse{Embeddings: [][]float32{{1}}})
	})
	defer server.Close()

	e := newTestHTTPEngine(t, server.URL)
	_, err := e.EmbedText(context.Background(), []string{"a", "b"})
	assert.ErrorIs(t, err, domain.ErrEngineFailure)
}

func TestHTTPEngine_HealthAndWaitReady(t *testing.T) {
	server := createMockSidecar(func(w http.ResponseWriter, r *http.Request) {})
	defer server.Close()

	e := newTestHTTPEngine(t, server.URL)
	assert.NoError(t, e.Health(context.Background()))
	assert.NoError(t, e.WaitReady(context.Background(), 10*time.Millisecond))

	down := newTestHTTPEngine(t, "http://127.0.0.1:1")
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	assert.Error(t, down.WaitReady(ctx, 20*time.Millisecond))
}
