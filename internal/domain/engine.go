package domain

import "context"

// Image is an image blob handed to the inference engine.
type Image struct {
	Data   []byte
	Format string
}

// Classification is the joint output of a zero-shot classification call.
// TextVectors aligns with the labels, ImageVectors and Probabilities with the images;
// each Probabilities row has one score per label.
type Classification struct {
	TextVectors   [][]float32
	ImageVectors  [][]float32
	Probabilities [][]float32
}

// Engine computes embeddings and classification scores. All calls are batch
// oriented and synchronous.
type Engine interface {
	EmbedText(ctx context.Context, texts []string) ([][]float32, error)
	EmbedImages(ctx context.Context, images []Image) ([][]float32, error)
	Classify(ctx context.Context, labels []string, images []Image) (Classification, error)
}

// Stager moves image payloads between the request handler and the worker
// through the shared filesystem.
type Stager interface {
	Stage(jobID string, images []ImagePayload) ([]ImageRef, error)
	Read(ref ImageRef) (Image, error)
	Release(refs []ImageRef) error
}
