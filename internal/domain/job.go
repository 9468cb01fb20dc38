package domain

import "fmt"

// JobEnvelope is the unit of work pushed onto the shared request queue.
// Images carry references to files staged before submission, never bytes.
type JobEnvelope struct {
	JobID  string     `json:"job_id"`
	Texts  []TextItem `json:"texts"`
	Images []ImageRef `json:"images"`
}

// TextItem is one text input of a job.
type TextItem struct {
	Text string `json:"text"`
}

// ImageRef points to a staged image file on the shared filesystem.
type ImageRef struct {
	ImagePath string `json:"image_path"`
}

// NewJobEnvelope builds an envelope from plain texts and staged references.
func NewJobEnvelope(jobID string, texts []string, images []ImageRef) JobEnvelope {
	items := make([]TextItem, 0, len(texts))
	for _, t := range texts {
		items = append(items, TextItem{Text: t})
	}
	if images == nil {
		images = []ImageRef{}
	}
	return JobEnvelope{JobID: jobID, Texts: items, Images: images}
}

// TextValues returns the texts in order.
func (j JobEnvelope) TextValues() []string {
	out := make([]string, len(j.Texts))
	for i, t := range j.Texts {
		out[i] = t.Text
	}
	return out
}

// Mode resolves which processing path the job takes.
// A job without texts and without images is rejected with ErrEmptyJob.
func (j JobEnvelope) Mode() (Mode, error) {
	switch {
	case len(j.Images) == 0 && len(j.Texts) > 0:
		return ModeTextEmbedding, nil
	case len(j.Texts) == 0 && len(j.Images) > 0:
		return ModeImageEmbedding, nil
	case len(j.Texts) > 0 && len(j.Images) > 0:
		return ModeClassification, nil
	default:
		return ModeUnknown, fmt.Errorf("job %s: %w", j.JobID, ErrEmptyJob)
	}
}

// Mode is the resolved dispatch path of a job.
type Mode int

const (
	ModeUnknown Mode = iota
	ModeTextEmbedding
	ModeImageEmbedding
	ModeClassification
)

func (m Mode) String() string {
	switch m {
	case ModeTextEmbedding:
		return "text-embedding"
	case ModeImageEmbedding:
		return "image-embedding"
	case ModeClassification:
		return "classification"
	default:
		return "unknown"
	}
}

// ResponseEnvelope is the result published on a job's response channel.
// Nil fields are omitted on the wire and mean "not applicable to this job".
type ResponseEnvelope struct {
	TextEmbeddings       []TextEmbedding       `json:"text_embeddings,omitempty"`
	ImageEmbeddings      []ImageEmbedding      `json:"image_embeddings,omitempty"`
	ClassificationResult *ClassificationResult `json:"classification_result,omitempty"`
}

// TextEmbedding pairs a source text with its vector.
type TextEmbedding struct {
	Text      string    `json:"text"`
	Embedding []float32 `json:"embedding"`
}

// ImageEmbedding pairs a generated image id with its vector.
// ImageID is assigned by the worker and is unrelated to the staged file name.
type ImageEmbedding struct {
	ImageID   string    `json:"image_id"`
	Embedding []float32 `json:"embedding"`
}

// ClassificationResult holds one probability distribution per image over Labels,
// aligned with ResponseEnvelope.ImageEmbeddings.
type ClassificationResult struct {
	Labels         []string        `json:"labels"`
	SoftmaxOutputs []SoftmaxOutput `json:"softmax_outputs"`
}

// SoftmaxOutput is the distribution for one image.
type SoftmaxOutput struct {
	ImageID       string    `json:"image_id"`
	SoftmaxScores []float32 `json:"softmax_scores"`
}

// ImagePayload is a decoded image as received by the request handler,
// before it is staged.
type ImagePayload struct {
	Data      []byte
	MediaType string
}
