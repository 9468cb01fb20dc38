package worker

import (
	"context"
	"errors"
	"fmt"

	"github.com/dontdude/goclip/internal/domain"
	"github.com/google/uuid"
)

// Dispatcher resolves a job's mode, loads its staged images, runs the engine
// and assembles the response envelope.
type Dispatcher struct {
	engine domain.Engine
	stager domain.Stager
	// newID generates image ids.
	newID func() string
}

// NewDispatcher returns a Dispatcher that names images with random UUIDs.
func NewDispatcher(engine domain.Engine, stager domain.Stager) *Dispatcher {
	return &Dispatcher{
		engine: engine,
		stager: stager,
		newID:  func() string { return uuid.New().String() },
	}
}

// Dispatch computes the response for job. It does not release staged images;
// that is the caller's job on every path.
func (d *Dispatcher) Dispatch(ctx context.Context, job domain.JobEnvelope) (domain.Mode, domain.ResponseEnvelope, error) {
	mode, err := job.Mode()
	if err != nil {
		return mode, domain.ResponseEnvelope{}, err
	}

	var resp domain.ResponseEnvelope
	switch mode {
	case domain.ModeTextEmbedding:
		resp, err = d.embedText(ctx, job.TextValues())
	case domain.ModeImageEmbedding:
		resp, err = d.embedImages(ctx, job.Images)
	case domain.ModeClassification:
		resp, err = d.classify(ctx, job.TextValues(), job.Images)
	}
	return mode, resp, err
}

func (d *Dispatcher) embedText(ctx context.Context, texts []string) (domain.ResponseEnvelope, error) {
	vecs, err := d.engine.EmbedText(ctx, texts)
	if err != nil {
		return domain.ResponseEnvelope{}, engineErr(err)
	}
	if err := expectRows("text embeddings", vecs, len(texts)); err != nil {
		return domain.ResponseEnvelope{}, err
	}
	return domain.ResponseEnvelope{TextEmbeddings: pairTexts(texts, vecs)}, nil
}

func (d *Dispatcher) embedImages(ctx context.Context, refs []domain.ImageRef) (domain.ResponseEnvelope, error) {
	images, err := d.load(refs)
	if err != nil {
		return domain.ResponseEnvelope{}, err
	}

	vecs, err := d.engine.EmbedImages(ctx, images)
	if err != nil {
		return domain.ResponseEnvelope{}, engineErr(err)
	}
	if err := expectRows("image embeddings", vecs, len(images)); err != nil {
		return domain.ResponseEnvelope{}, err
	}
	return domain.ResponseEnvelope{ImageEmbeddings: d.pairImages(vecs)}, nil
}

func (d *Dispatcher) classify(ctx context.Context, labels []string, refs []domain.ImageRef) (domain.ResponseEnvelope, error) {
	images, err := d.load(refs)
	if err != nil {
		return domain.ResponseEnvelope{}, err
	}

	c, err := d.engine.Classify(ctx, labels, images)
	if err != nil {
		return domain.ResponseEnvelope{}, engineErr(err)
	}
	if err := expectRows("text embeddings", c.TextVectors, len(labels)); err != nil {
		return domain.ResponseEnvelope{}, err
	}
	if err := expectRows("image embeddings", c.ImageVectors, len(images)); err != nil {
		return domain.ResponseEnvelope{}, err
	}
	if err := expectRows("probability rows", c.Probabilities, len(images)); err != nil {
		return domain.ResponseEnvelope{}, err
	}

	imageEmbeddings := d.pairImages(c.ImageVectors)
	outputs := make([]domain.SoftmaxOutput, len(imageEmbeddings))
	for i, img := range imageEmbeddings {
		if len(c.Probabilities[i]) != len(labels) {
			return domain.ResponseEnvelope{}, fmt.Errorf("%w: image %d has %d scores for %d labels",
				domain.ErrEngineFailure, i, len(c.Probabilities[i]), len(labels))
		}
		outputs[i] = domain.SoftmaxOutput{ImageID: img.ImageID, SoftmaxScores: c.Probabilities[i]}
	}

	return domain.ResponseEnvelope{
		TextEmbeddings:  pairTexts(labels, c.TextVectors),
		ImageEmbeddings: imageEmbeddings,
		ClassificationResult: &domain.ClassificationResult{
			Labels:         labels,
			SoftmaxOutputs: outputs,
		},
	}, nil
}

func (d *Dispatcher) load(refs []domain.ImageRef) ([]domain.Image, error) {
	images := make([]domain.Image, len(refs))
	for i, ref := range refs {
		img, err := d.stager.Read(ref)
		if err != nil {
			return nil, err
		}
		images[i] = img
	}
	return images, nil
}

func (d *Dispatcher) pairImages(vecs [][]float32) []domain.ImageEmbedding {
	out := make([]domain.ImageEmbedding, len(vecs))
	for i, v := range vecs {
		out[i] = domain.ImageEmbedding{ImageID: d.newID(), Embedding: v}
	}
	return out
}

func pairTexts(texts []string, vecs [][]float32) []domain.TextEmbedding {
	out := make([]domain.TextEmbedding, len(texts))
	for i, t := range texts {
		out[i] = domain.TextEmbedding{Text: t, Embedding: vecs[i]}
	}
	return out
}

func expectRows(what string, rows [][]float32, n int) error {
	if len(rows) != n {
		return fmt.Errorf("%w: engine returned %d %s, expected %d", domain.ErrEngineFailure, len(rows), what, n)
	}
	return nil
}

// engineErr tags errors coming out of an engine that did not tag them itself.
func engineErr(err error) error {
	if errors.Is(err, domain.ErrEngineFailure) {
		return err
	}
	return fmt.Errorf("%w: %w", domain.ErrEngineFailure, err)
}
