package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/dontdude/goclip/internal/domain"
)

// storeBackoff is how long a loop waits after the store failed before polling again.
const storeBackoff = time.Second

// Loop is a single consumer: take a job, dispatch it, release its images,
// publish the response, repeat. It works on one job at a time.
type Loop struct {
	id         string
	consumer   domain.JobConsumer
	events     domain.EventBus
	dispatcher *Dispatcher
	stager     domain.Stager
}

// NewLoop wires a consumer loop. events may be nil.
func NewLoop(id string, consumer domain.JobConsumer, events domain.EventBus, dispatcher *Dispatcher, stager domain.Stager) *Loop {
	return &Loop{
		id:         id,
		consumer:   consumer,
		events:     events,
		dispatcher: dispatcher,
		stager:     stager,
	}
}

// Run polls until ctx is cancelled. A failing job never stops the loop.
func (l *Loop) Run(ctx context.Context) {
	slog.Info("Worker loop started", "workerID", l.id)
	defer slog.Info("Worker loop stopped", "workerID", l.id)

	for {
		if ctx.Err() != nil {
			return
		}

		job, err := l.consumer.Take(ctx)
		switch {
		case err == nil:
			// A job already taken is finished even if shutdown begins.
			l.Process(context.WithoutCancel(ctx), job)
		case errors.Is(err, domain.ErrNoJob):
			continue // Timeout, retry
		case errors.Is(err, domain.ErrMalformedEnvelope):
			slog.Error("Dropped malformed job", "workerID", l.id, "error", err)
		case ctx.Err() != nil:
			return
		default:
			slog.Error("Failed to take job", "workerID", l.id, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(storeBackoff): // Backoff
			}
		}
	}
}

// Process handles one job. Staged images are released on every path, before
// the response is published. Failed jobs publish nothing.
func (l *Loop) Process(ctx context.Context, job domain.JobEnvelope) {
	log := slog.With("workerID", l.id, "jobID", job.JobID)
	start := time.Now()

	mode, _ := job.Mode()
	l.emit(ctx, domain.JobEvent{JobID: job.JobID, Status: domain.JobProcessing, Mode: mode.String()})
	log.Debug("Processing job", "mode", mode.String(), "texts", len(job.Texts), "images", len(job.Images))

	mode, resp, err := l.dispatcher.Dispatch(ctx, job)

	if rerr := l.stager.Release(job.Images); rerr != nil {
		log.Error("Failed to release staged images", "error", rerr)
	}

	if err != nil {
		log.Error("Job failed", "mode", mode.String(), "error", err)
		l.emit(ctx, domain.JobEvent{JobID: job.JobID, Status: domain.JobFailed, Mode: mode.String(), Error: err.Error()})
		return
	}

	if err := l.consumer.PublishResult(ctx, job.JobID, resp); err != nil {
		log.Error("Failed to publish result", "error", err)
		l.emit(ctx, domain.JobEvent{JobID: job.JobID, Status: domain.JobFailed, Mode: mode.String(), Error: err.Error()})
		return
	}

	log.Info("Job completed", "mode", mode.String(), "duration", time.Since(start))
	l.emit(ctx, domain.JobEvent{JobID: job.JobID, Status: domain.JobCompleted, Mode: mode.String()})
}

func (l *Loop) emit(ctx context.Context, ev domain.JobEvent) {
	if l.events == nil {
		return
	}
	ev.WorkerID = l.id
	if err := l.events.Broadcast(ctx, ev); err != nil {
		slog.Warn("Failed to broadcast job event", "workerID", l.id, "jobID", ev.JobID, "error", err)
	}
}
