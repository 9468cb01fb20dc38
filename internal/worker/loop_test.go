package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/dontdude/goclip/internal/domain"
	"github.com/dontdude/goclip/internal/platform/queue"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBroker(t *testing.T) (*queue.RedisBroker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return queue.NewRedisBroker(client, queue.Options{}), mr
}

// recordingBus collects broadcast events.
type recordingBus struct {
	mu     sync.Mutex
	events []domain.JobEvent
}

func (b *recordingBus) Broadcast(_ context.Context, ev domain.JobEvent) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, ev)
	return nil
}

func (b *recordingBus) SubscribeEvents(context.Context) (<-chan domain.JobEvent, error) {
	return nil, errors.New("not supported")
}

func (b *recordingBus) statuses(jobID string) []domain.JobStatus {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []domain.JobStatus
	for _, ev := range b.events {
		if ev.JobID == jobID {
			out = append(out, ev.Status)
		}
	}
	return out
}

func TestLoopProcess_PublishesAndReleases(t *testing.T) {
	broker, _ := newTestBroker(t)
	d, _, s := newTestDispatcher(t)
	bus := &recordingBus{}
	loop := NewLoop("w-0", broker, bus, d, s)

	refs := stageImages(t, s, "job-1", 1)
	job := domain.NewJobEnvelope("job-1", []string{"cat", "dog"}, refs)

	loop.Process(context.Background(), job)

	assert.NoFileExists(t, refs[0].ImagePath)

	resp, err := broker.AwaitResult(context.Background(), "job-1")
	require.NoError(t, err)
	require.NotNil(t, resp.ClassificationResult)
	assert.Equal(t, []string{"cat", "dog"}, resp.ClassificationResult.Labels)

	assert.Equal(t, []domain.JobStatus{domain.JobProcessing, domain.JobCompleted}, bus.statuses("job-1"))
}

func TestLoopProcess_EngineFailureStillReleases(t *testing.T) {
	broker, mr := newTestBroker(t)
	d, fe, s := newTestDispatcher(t)
	fe.err = errors.New("boom")
	bus := &recordingBus{}
	loop := NewLoop("w-0", broker, bus, d, s)

	refs := stageImages(t, s, "job-1", 2)
	loop.Process(context.Background(), domain.NewJobEnvelope("job-1", nil, refs))

	for _, ref := range refs {
		assert.NoFileExists(t, ref.ImagePath)
	}
	assert.False(t, mr.Exists("job-1-response"), "failed jobs publish nothing")
	assert.Equal(t, []domain.JobStatus{domain.JobProcessing, domain.JobFailed}, bus.statuses("job-1"))
}

func TestLoopProcess_EmptyJobIsDropped(t *testing.T) {
	broker, mr := newTestBroker(t)
	d, _, s := newTestDispatcher(t)
	bus := &recordingBus{}
	loop := NewLoop("w-0", broker, bus, d, s)

	loop.Process(context.Background(), domain.JobEnvelope{JobID: "job-1"})

	assert.False(t, mr.Exists("job-1-response"))
	assert.Equal(t, []domain.JobStatus{domain.JobProcessing, domain.JobFailed}, bus.statuses("job-1"))
}

func TestLoopRun_SurvivesBadJobs(t *testing.T) {
	broker, mr := newTestBroker(t)
	d, _, s := newTestDispatcher(t)
	loop := NewLoop("w-0", broker, nil, d, s)
	ctx, cancel := context.WithCancel(context.Background())

	_, err := mr.Lpush("requests", `not json`)
	require.NoError(t, err)
	require.NoError(t, broker.Submit(ctx, domain.JobEnvelope{JobID: "empty"}))
	require.NoError(t, broker.Submit(ctx, domain.NewJobEnvelope("good", []string{"a cat"}, nil)))

	done := make(chan struct{})
	go func() {
		defer close(done)
		loop.Run(ctx)
	}()

	awaitCtx, awaitCancel := context.WithTimeout(ctx, 5*time.Second)
	defer awaitCancel()
	resp, err := broker.AwaitResult(awaitCtx, "good")
	require.NoError(t, err)
	require.Len(t, resp.TextEmbeddings, 1)
	assert.Equal(t, "a cat", resp.TextEmbeddings[0].Text)

	cancel()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("loop did not stop after cancel")
	}
}

func TestPool_CompetingLoopsProcessEachJobOnce(t *testing.T) {
	broker, _ := newTestBroker(t)
	d, _, s := newTestDispatcher(t)
	bus := &recordingBus{}
	ctx := context.Background()

	const jobs = 20
	for i := range jobs {
		require.NoError(t, broker.Submit(ctx, domain.NewJobEnvelope(fmt.Sprintf("job-%d", i), []string{fmt.Sprintf("text %d", i)}, nil)))
	}

	pool := NewPool(4, "w", broker, bus, d, s)
	pool.Start(ctx)

	for i := range jobs {
		awaitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		resp, err := broker.AwaitResult(awaitCtx, fmt.Sprintf("job-%d", i))
		cancel()
		require.NoError(t, err)
		require.Len(t, resp.TextEmbeddings, 1)
		assert.Equal(t, fmt.Sprintf("text %d", i), resp.TextEmbeddings[0].Text)
	}

	pool.Stop()

	for i := range jobs {
		statuses := bus.statuses(fmt.Sprintf("job-%d", i))
		assert.Equal(t, []domain.JobStatus{domain.JobProcessing, domain.JobCompleted}, statuses, "job-%d", i)
	}
}
