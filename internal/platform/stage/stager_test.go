package stage

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dontdude/goclip/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStager(t *testing.T) *Stager {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "img_store"))
	require.NoError(t, err)
	return s
}

func TestFormatFor(t *testing.T) {
	tests := []struct {
		mediaType string
		want      string
		wantErr   bool
	}{
		{"image/png", "png", false},
		{"image/jpeg", "jpeg", false},
		{"image/jpg", "jpeg", false},
		{"IMAGE/PNG", "png", false},
		{"image/webp; q=0.9", "webp", false},
		{"image/gif", "gif", false},
		{"text/plain", "", true},
		{"", "", true},
		{"png", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.mediaType, func(t *testing.T) {
			got, err := FormatFor(tt.mediaType)
			if tt.wantErr {
				assert.ErrorIs(t, err, domain.ErrUnsupportedMediaType)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestStage_PathConvention(t *testing.T) {
	s := newTestStager(t)

	refs, err := s.Stage("job-1", []domain.ImagePayload{
		{Data: []byte("png-bytes"), MediaType: "image/png"},
		{Data: []byte("jpeg-bytes"), MediaType: "image/jpeg"},
	})
	require.NoError(t, err)
	require.Len(t, refs, 2)

	assert.Equal(t, filepath.Join(s.Root(), "job-1_0.png"), refs[0].ImagePath)
	assert.Equal(t, filepath.Join(s.Root(), "job-1_1.jpeg"), refs[1].ImagePath)

	data, err := os.ReadFile(refs[1].ImagePath)
	require.NoError(t, err)
	assert.Equal(t, []byte("jpeg-bytes"), data)
}

func TestStage_RejectsBadInput(t *testing.T) {
	s := newTestStager(t)

	_, err := s.Stage("job-1", []domain.ImagePayload{
		{Data: []byte("a"), MediaType: "image/png"},
		{Data: []byte("b"), MediaType: "application/pdf"},
	})
	assert.ErrorIs(t, err, domain.ErrUnsupportedMediaType)

	entries, err := os.ReadDir(s.Root())
	require.NoError(t, err)
	assert.Empty(t, entries, "nothing should be written when a media type is rejected")

	for _, id := range []string{"", "../escape", "a/b"} {
		_, err := s.Stage(id, []domain.ImagePayload{{Data: []byte("a"), MediaType: "image/png"}})
		assert.ErrorIs(t, err, domain.ErrStagingIO, "job id %q", id)
	}
}

func TestRead(t *testing.T) {
	s := newTestStager(t)

	refs, err := s.Stage("job-1", []domain.ImagePayload{{Data: []byte("gif"), MediaType: "image/gif"}})
	require.NoError(t, err)

	img, err := s.Read(refs[0])
	require.NoError(t, err)
	assert.Equal(t, domain.Image{Data: []byte("gif"), Format: "gif"}, img)

	require.NoError(t, s.Release(refs))
	_, err = s.Read(refs[0])
	assert.ErrorIs(t, err, domain.ErrStagingIO)
}

func TestRelease_Idempotent(t *testing.T) {
	s := newTestStager(t)

	refs, err := s.Stage("job-1", []domain.ImagePayload{
		{Data: []byte("a"), MediaType: "image/png"},
		{Data: []byte("b"), MediaType: "image/png"},
	})
	require.NoError(t, err)

	require.NoError(t, s.Release(refs))
	for _, ref := range refs {
		assert.NoFileExists(t, ref.ImagePath)
	}

	assert.NoError(t, s.Release(refs))
	assert.NoError(t, s.Release(nil))
}

func TestRelease_RefusesPathsOutsideRoot(t *testing.T) {
	s := newTestStager(t)

	outside := filepath.Join(t.TempDir(), "keep.txt")
	require.NoError(t, os.WriteFile(outside, []byte("x"), 0o644))

	err := s.Release([]domain.ImageRef{
		{ImagePath: outside},
		{ImagePath: filepath.Join(s.Root(), "..", "keep.txt")},
		{ImagePath: s.Root()},
	})
	assert.ErrorIs(t, err, domain.ErrStagingIO)
	assert.FileExists(t, outside)
}

func TestSweep(t *testing.T) {
	s := newTestStager(t)

	refs, err := s.Stage("old", []domain.ImagePayload{{Data: []byte("a"), MediaType: "image/png"}})
	require.NoError(t, err)
	past := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(refs[0].ImagePath, past, past))

	fresh, err := s.Stage("new", []domain.ImagePayload{{Data: []byte("b"), MediaType: "image/png"}})
	require.NoError(t, err)

	removed, err := s.Sweep(time.Now().Add(-30 * time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.NoFileExists(t, refs[0].ImagePath)
	assert.FileExists(t, fresh[0].ImagePath)
}
