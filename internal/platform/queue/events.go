package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/dontdude/goclip/internal/domain"
	"github.com/dontdude/goclip/internal/platform/codec"
)

// Broadcast publishes a job lifecycle event on the events channel.
func (r *RedisBroker) Broadcast(ctx context.Context, ev domain.JobEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if err := r.client.Publish(ctx, r.opts.Events, data).Err(); err != nil {
		return fmt.Errorf("%w: broadcast event for job %s: %v", domain.ErrStoreUnavailable, ev.JobID, err)
	}
	return nil
}

// SubscribeEvents subscribes to the events channel and streams events to a Go channel.
// The channel is closed when ctx ends or the subscription drops.
func (r *RedisBroker) SubscribeEvents(ctx context.Context) (<-chan domain.JobEvent, error) {
	pubsub := r.client.Subscribe(ctx, r.opts.Events)

	// Wait for confirmation that we are subscribed
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("%w: subscribe to events: %v", domain.ErrStoreUnavailable, err)
	}

	outCh := make(chan domain.JobEvent)

	go func() {
		defer close(outCh)
		defer pubsub.Close()

		ch := pubsub.Channel()

		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}

				ev, err := codec.DecodeEvent([]byte(msg.Payload))
				if err != nil {
					slog.Error("Failed to decode event", "error", err)
					continue
				}

				select {
				case outCh <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return outCh, nil
}
