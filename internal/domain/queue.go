package domain

import "context"

// JobProducer is the request-handler side of the broker.
type JobProducer interface {
	// Submit pushes the job onto the shared queue. It never waits for a consumer.
	Submit(ctx context.Context, job JobEnvelope) error

	// AwaitResult polls the job's response channel until a response arrives or ctx ends.
	// On ctx expiry or cancellation it returns an error matching ErrResultTimeout.
	AwaitResult(ctx context.Context, jobID string) (ResponseEnvelope, error)
}

// JobConsumer is the worker side of the broker.
type JobConsumer interface {
	// Take waits one poll interval for the next job in FIFO order.
	// It returns ErrNoJob when nothing arrived in time.
	Take(ctx context.Context) (JobEnvelope, error)

	// PublishResult pushes the response onto the job's response channel.
	// It must be called at most once per job id.
	PublishResult(ctx context.Context, jobID string, resp ResponseEnvelope) error
}

// EventBus carries job lifecycle events between workers and request handlers.
type EventBus interface {
	// Broadcast publishes a lifecycle event. Delivery is best effort.
	Broadcast(ctx context.Context, ev JobEvent) error

	// SubscribeEvents streams events from all workers until ctx ends.
	SubscribeEvents(ctx context.Context) (<-chan JobEvent, error)
}

// JobStatus is a lifecycle stage reported on the event bus.
type JobStatus string

const (
	JobQueued     JobStatus = "queued"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
)

// JobEvent reports a lifecycle change of one job.
type JobEvent struct {
	JobID    string    `json:"job_id"`
	Status   JobStatus `json:"status"`
	Mode     string    `json:"mode,omitempty"`
	WorkerID string    `json:"worker_id,omitempty"`
	Error    string    `json:"error,omitempty"`
}
