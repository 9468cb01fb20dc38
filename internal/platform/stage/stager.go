// Package stage materializes image payloads on the shared filesystem so that
// only file references cross the queue.
package stage

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"mime"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/dontdude/goclip/internal/domain"
)

// formats maps accepted media types to staged file extensions.
var formats = map[string]string{
	"image/png":  "png",
	"image/jpeg": "jpeg",
	"image/jpg":  "jpeg",
	"image/gif":  "gif",
	"image/webp": "webp",
	"image/bmp":  "bmp",
	"image/tiff": "tiff",
}

// FormatFor returns the file extension for a declared media type.
// Parameters such as "; charset=" are ignored.
func FormatFor(mediaType string) (string, error) {
	mt, _, err := mime.ParseMediaType(mediaType)
	if err != nil {
		return "", fmt.Errorf("%w: %q", domain.ErrUnsupportedMediaType, mediaType)
	}
	format, ok := formats[mt]
	if !ok {
		return "", fmt.Errorf("%w: %q", domain.ErrUnsupportedMediaType, mediaType)
	}
	return format, nil
}

// Stager writes and deletes staged files under a single root directory.
// File names are unique per job and ordinal, so no locking is needed.
type Stager struct {
	root string
}

var _ domain.Stager = (*Stager)(nil)

// New creates the root directory if needed.
func New(root string) (*Stager, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("%w: resolve staging root: %v", domain.ErrStagingIO, err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create staging root: %v", domain.ErrStagingIO, err)
	}
	return &Stager{root: abs}, nil
}

// Root returns the absolute staging directory.
func (s *Stager) Root() string {
	return s.root
}

// Path returns <root>/<jobID>_<ordinal>.<format>.
func (s *Stager) Path(jobID string, ordinal int, format string) string {
	return filepath.Join(s.root, jobID+"_"+strconv.Itoa(ordinal)+"."+format)
}

// Stage writes every payload and returns references in input order. If any
// write fails, files already written for this call are removed.
func (s *Stager) Stage(jobID string, images []domain.ImagePayload) ([]domain.ImageRef, error) {
	if jobID == "" || jobID != filepath.Base(jobID) || strings.ContainsAny(jobID, `/\`) {
		return nil, fmt.Errorf("%w: invalid job id %q", domain.ErrStagingIO, jobID)
	}

	// Validate every media type before touching the filesystem.
	paths := make([]string, len(images))
	for i, img := range images {
		format, err := FormatFor(img.MediaType)
		if err != nil {
			return nil, fmt.Errorf("image %d: %w", i, err)
		}
		paths[i] = s.Path(jobID, i, format)
	}

	refs := make([]domain.ImageRef, 0, len(images))
	for i, img := range images {
		if err := os.WriteFile(paths[i], img.Data, 0o644); err != nil {
			if rerr := s.Release(refs); rerr != nil {
				slog.Error("Failed to roll back staged images", "jobID", jobID, "error", rerr)
			}
			return nil, fmt.Errorf("%w: write %s: %v", domain.ErrStagingIO, paths[i], err)
		}
		refs = append(refs, domain.ImageRef{ImagePath: paths[i]})
	}
	return refs, nil
}

// Read loads a staged file. The format is taken from the file extension.
func (s *Stager) Read(ref domain.ImageRef) (domain.Image, error) {
	path, err := s.inside(ref.ImagePath)
	if err != nil {
		return domain.Image{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return domain.Image{}, fmt.Errorf("%w: read %s: %v", domain.ErrStagingIO, path, err)
	}
	return domain.Image{Data: data, Format: strings.TrimPrefix(filepath.Ext(path), ".")}, nil
}

// Release deletes every referenced file. A file that is already gone counts as
// released, so calling Release twice is safe. All other failures are joined.
func (s *Stager) Release(refs []domain.ImageRef) error {
	var errs []error
	for _, ref := range refs {
		path, err := s.inside(ref.ImagePath)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, fmt.Errorf("%w: remove %s: %v", domain.ErrStagingIO, path, err))
		}
	}
	return errors.Join(errs...)
}

// inside rejects references that resolve outside the staging root.
func (s *Stager) inside(path string) (string, error) {
	clean := filepath.Clean(path)
	rel, err := filepath.Rel(s.root, clean)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") || filepath.IsAbs(rel) {
		return "", fmt.Errorf("%w: %s is outside the staging root", domain.ErrStagingIO, path)
	}
	return clean, nil
}
