package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dontdude/goclip/internal/domain"
	"github.com/dontdude/goclip/internal/platform/codec"
	"github.com/redis/go-redis/v9"
)

// Options names the Redis keys and timings used by the broker.
type Options struct {
	// Queue is the shared request list.
	Queue string
	// ResponseSuffix is appended to a job id to name its response list.
	ResponseSuffix string
	// Events is the Pub/Sub channel for job lifecycle events.
	Events string
	// PollTimeout bounds each blocking pop. Redis accepts whole seconds, so
	// anything below one second is raised to one second.
	PollTimeout time.Duration
	// ResultTTL expires response lists nobody collected.
	ResultTTL time.Duration
}

// DefaultOptions match the key names the original services agree on.
func DefaultOptions() Options {
	return Options{
		Queue:          "requests",
		ResponseSuffix: "-response",
		Events:         "goclip:events",
		PollTimeout:    time.Second,
		ResultTTL:      10 * time.Minute,
	}
}

// RedisBroker implements the job broker over Redis lists: LPUSH + BRPOP give a
// FIFO queue where each item is popped by exactly one caller.
type RedisBroker struct {
	client *redis.Client
	opts   Options
}

// Ensure RedisBroker satisfies the interfaces
var (
	_ domain.JobProducer = (*RedisBroker)(nil)
	_ domain.JobConsumer = (*RedisBroker)(nil)
	_ domain.EventBus    = (*RedisBroker)(nil)
)

// NewRedisBroker wraps an existing client. Zero option fields take defaults.
func NewRedisBroker(client *redis.Client, opts Options) *RedisBroker {
	def := DefaultOptions()
	if opts.Queue == "" {
		opts.Queue = def.Queue
	}
	if opts.ResponseSuffix == "" {
		opts.ResponseSuffix = def.ResponseSuffix
	}
	if opts.Events == "" {
		opts.Events = def.Events
	}
	if opts.PollTimeout < time.Second {
		opts.PollTimeout = def.PollTimeout
	}
	if opts.ResultTTL <= 0 {
		opts.ResultTTL = def.ResultTTL
	}
	return &RedisBroker{client: client, opts: opts}
}

// Ping checks that the store is reachable.
func (r *RedisBroker) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}
	return nil
}

// ResponseKey names the private response list of a job.
func (r *RedisBroker) ResponseKey(jobID string) string {
	return jobID + r.opts.ResponseSuffix
}

// Submit pushes the job onto the head of the shared queue (LPUSH).
// Workers pop from the tail, so delivery is FIFO across all producers.
func (r *RedisBroker) Submit(ctx context.Context, job domain.JobEnvelope) error {
	data, err := codec.EncodeJob(job)
	if err != nil {
		return err
	}

	if err := r.client.LPush(ctx, r.opts.Queue, data).Err(); err != nil {
		return fmt.Errorf("%w: submit job %s: %v", domain.ErrStoreUnavailable, job.JobID, err)
	}
	return nil
}

// Take blocks for at most one poll interval (BRPOP) waiting for the next job.
// A decoded item that fails validation has already been removed from the queue
// and is reported with ErrMalformedEnvelope so it is never redelivered.
func (r *RedisBroker) Take(ctx context.Context) (domain.JobEnvelope, error) {
	payload, err := r.pop(ctx, r.opts.Queue)
	if err != nil {
		return domain.JobEnvelope{}, err
	}
	return codec.DecodeJob([]byte(payload))
}

// PublishResult pushes the response onto the job's response list and arms its
// expiry in the same transaction.
func (r *RedisBroker) PublishResult(ctx context.Context, jobID string, resp domain.ResponseEnvelope) error {
	data, err := codec.EncodeResponse(resp)
	if err != nil {
		return err
	}

	key := r.ResponseKey(jobID)
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, key, data)
		pipe.Expire(ctx, key, r.opts.ResultTTL)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: publish result for job %s: %v", domain.ErrStoreUnavailable, jobID, err)
	}
	return nil
}

// AwaitResult polls the job's response list until a response arrives.
// Each poll is bounded by PollTimeout; ctx bounds the whole wait. When ctx ends
// the returned error matches both ErrResultTimeout and the context error.
func (r *RedisBroker) AwaitResult(ctx context.Context, jobID string) (domain.ResponseEnvelope, error) {
	key := r.ResponseKey(jobID)

	for {
		if err := ctx.Err(); err != nil {
			return domain.ResponseEnvelope{}, fmt.Errorf("job %s: %w: %w", jobID, domain.ErrResultTimeout, err)
		}

		payload, err := r.pop(ctx, key)
		if errors.Is(err, domain.ErrNoJob) {
			continue // Timeout, retry
		}
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			return domain.ResponseEnvelope{}, err
		}
		return codec.DecodeResponse([]byte(payload))
	}
}

// pop runs a single bounded BRPOP on key.
func (r *RedisBroker) pop(ctx context.Context, key string) (string, error) {
	result, err := r.client.BRPop(ctx, r.opts.PollTimeout, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", domain.ErrNoJob
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("%w: pop %s: %v", domain.ErrStoreUnavailable, key, err)
	}

	// BRPOP answers [key, value]
	if len(result) != 2 {
		return "", fmt.Errorf("%w: unexpected BRPOP reply of length %d", domain.ErrStoreUnavailable, len(result))
	}
	slog.Debug("Popped item", "key", key)
	return result[1], nil
}
