package domain

import "errors"

var (
	// ErrMalformedEnvelope marks a queue item that cannot be decoded. Such items are dropped.
	ErrMalformedEnvelope = errors.New("malformed envelope")

	// ErrStoreUnavailable marks a failure to reach the shared queue store.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrEngineFailure marks a failed inference engine call.
	ErrEngineFailure = errors.New("engine failure")

	// ErrStagingIO marks a failure to write, read or delete a staged file.
	ErrStagingIO = errors.New("staging io failure")

	// ErrEmptyJob marks a job with neither texts nor images.
	ErrEmptyJob = errors.New("job has no texts and no images")

	// ErrUnsupportedMediaType marks an image payload whose media type cannot be staged.
	ErrUnsupportedMediaType = errors.New("unsupported media type")

	// ErrNoJob is returned by Take when the poll timed out with nothing queued.
	// It is not a failure; callers retry.
	ErrNoJob = errors.New("no job available")

	// ErrResultTimeout is returned by AwaitResult when the caller's deadline elapsed
	// or its context was cancelled before a response arrived.
	ErrResultTimeout = errors.New("timed out waiting for result")
)
