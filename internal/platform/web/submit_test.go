package web

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/dontdude/goclip/internal/domain"
	"github.com/dontdude/goclip/internal/platform/stage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockProducer struct {
	mock.Mock
}

func (m *mockProducer) Submit(ctx context.Context, job domain.JobEnvelope) error {
	args := m.Called(ctx, job)
	return args.Error(0)
}

func (m *mockProducer) AwaitResult(ctx context.Context, jobID string) (domain.ResponseEnvelope, error) {
	args := m.Called(ctx, jobID)
	return args.Get(0).(domain.ResponseEnvelope), args.Error(1)
}

func newMockHandler(t *testing.T, producer *mockProducer) (*Handler, *stage.Stager) {
	t.Helper()
	stager, err := stage.New(t.TempDir())
	require.NoError(t, err)

	h := NewHandler(producer, nil, stager, nil, HandlerConfig{})
	h.newID = func() string { return "job-fixed" }
	return h, stager
}

func TestRun_SubmitFailureReleasesStagedFiles(t *testing.T) {
	producer := new(mockProducer)
	producer.On("Submit", mock.Anything, mock.MatchedBy(func(job domain.JobEnvelope) bool {
		return job.JobID == "job-fixed" && len(job.Images) == 1
	})).Return(errors.New("queue rejected"))

	h, stager := newMockHandler(t, producer)

	body := fmt.Sprintf(`{"images":[%s]}`, imageJSON("image/png", pngBytes))
	req := httptest.NewRequest(http.MethodPost, "/embed-images", strings.NewReader(body))
	rec := httptest.NewRecorder()
	NewRouter(h, nil, nil).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "job-fixed", rec.Header().Get("X-Job-ID"))

	entries, err := os.ReadDir(stager.Root())
	require.NoError(t, err)
	assert.Empty(t, entries)

	producer.AssertExpectations(t)
	producer.AssertNotCalled(t, "AwaitResult", mock.Anything, mock.Anything)
}

func TestRun_SubmitsEnvelopeAndReturnsResponse(t *testing.T) {
	want := domain.ResponseEnvelope{
		TextEmbeddings: []domain.TextEmbedding{{Text: "A photo of a cat", Embedding: []float32{0.6, 0.8}}},
	}

	producer := new(mockProducer)
	producer.On("Submit", mock.Anything, domain.NewJobEnvelope("job-fixed", []string{"A photo of a cat"}, nil)).Return(nil)
	producer.On("AwaitResult", mock.Anything, "job-fixed").Return(want, nil)

	h, _ := newMockHandler(t, producer)

	req := httptest.NewRequest(http.MethodPost, "/embed-text", strings.NewReader(`{"text":"A photo of a cat"}`))
	rec := httptest.NewRecorder()
	NewRouter(h, nil, nil).ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"text_embeddings":[{"text":"A photo of a cat","embedding":[0.6,0.8]}]}`, rec.Body.String())
	producer.AssertExpectations(t)
}

func TestRun_AwaitDeadlineIsApplied(t *testing.T) {
	producer := new(mockProducer)
	producer.On("Submit", mock.Anything, mock.Anything).Return(nil)
	producer.On("AwaitResult", mock.MatchedBy(func(ctx context.Context) bool {
		_, ok := ctx.Deadline()
		return ok
	}), "job-fixed").Return(domain.ResponseEnvelope{}, fmt.Errorf("job job-fixed: %w: %w", domain.ErrResultTimeout, context.DeadlineExceeded))

	h, _ := newMockHandler(t, producer)

	req := httptest.NewRequest(http.MethodPost, "/embed-text", strings.NewReader(`{"text":["a","b"]}`))
	rec := httptest.NewRecorder()
	NewRouter(h, nil, nil).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusGatewayTimeout, rec.Code)
	producer.AssertExpectations(t)
}
