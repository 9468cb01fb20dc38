// Package codec converts job and response envelopes to and from the JSON
// wire format shared with the queue.
package codec

import (
	"encoding/json"
	"fmt"

	"github.com/dontdude/goclip/internal/domain"
)

// wireJob mirrors domain.JobEnvelope with pointers so a missing job_id can be
// told apart from an empty one.
type wireJob struct {
	JobID  *string     `json:"job_id"`
	Texts  []wireText  `json:"texts"`
	Images []wireImage `json:"images"`
}

type wireText struct {
	Text *string `json:"text"`
}

type wireImage struct {
	ImagePath *string `json:"image_path"`
}

// EncodeJob serializes a job envelope. Nil sequences are written as [].
func EncodeJob(job domain.JobEnvelope) ([]byte, error) {
	if job.Texts == nil {
		job.Texts = []domain.TextItem{}
	}
	if job.Images == nil {
		job.Images = []domain.ImageRef{}
	}
	data, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job %s: %w", job.JobID, err)
	}
	return data, nil
}

// DecodeJob parses a job envelope. A missing job_id, text or image_path, or a
// field of the wrong type, yields ErrMalformedEnvelope. Absent sequences decode
// as empty.
func DecodeJob(data []byte) (domain.JobEnvelope, error) {
	var w wireJob
	if err := json.Unmarshal(data, &w); err != nil {
		return domain.JobEnvelope{}, fmt.Errorf("%w: %v", domain.ErrMalformedEnvelope, err)
	}
	if w.JobID == nil || *w.JobID == "" {
		return domain.JobEnvelope{}, fmt.Errorf("%w: missing job_id", domain.ErrMalformedEnvelope)
	}

	job := domain.JobEnvelope{
		JobID:  *w.JobID,
		Texts:  make([]domain.TextItem, 0, len(w.Texts)),
		Images: make([]domain.ImageRef, 0, len(w.Images)),
	}
	for i, t := range w.Texts {
		if t.Text == nil {
			return domain.JobEnvelope{}, fmt.Errorf("%w: texts[%d] has no text", domain.ErrMalformedEnvelope, i)
		}
		job.Texts = append(job.Texts, domain.TextItem{Text: *t.Text})
	}
	for i, img := range w.Images {
		if img.ImagePath == nil || *img.ImagePath == "" {
			return domain.JobEnvelope{}, fmt.Errorf("%w: images[%d] has no image_path", domain.ErrMalformedEnvelope, i)
		}
		job.Images = append(job.Images, domain.ImageRef{ImagePath: *img.ImagePath})
	}
	return job, nil
}

// EncodeResponse serializes a response envelope, omitting nil parts.
func EncodeResponse(resp domain.ResponseEnvelope) ([]byte, error) {
	data, err := json.Marshal(resp)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal response: %w", err)
	}
	return data, nil
}

// DecodeResponse parses a response envelope. Missing keys stay nil.
func DecodeResponse(data []byte) (domain.ResponseEnvelope, error) {
	var resp domain.ResponseEnvelope
	if err := json.Unmarshal(data, &resp); err != nil {
		return domain.ResponseEnvelope{}, fmt.Errorf("%w: %v", domain.ErrMalformedEnvelope, err)
	}
	return resp, nil
}

// DecodeEvent parses a job lifecycle event.
func DecodeEvent(data []byte) (domain.JobEvent, error) {
	var ev domain.JobEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return domain.JobEvent{}, fmt.Errorf("%w: %v", domain.ErrMalformedEnvelope, err)
	}
	return ev, nil
}
