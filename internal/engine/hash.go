package engine

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/dontdude/goclip/internal/domain"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/viterin/vek/vek32"
)

// logitScale matches the temperature CLIP applies to cosine similarities.
const logitScale = 100.0

// HashEngine is a deterministic engine for development and tests. Vectors are
// unit-length and seeded from a hash of the input, so equal inputs embed
// equally and different inputs almost surely do not.
type HashEngine struct {
	dims  int
	cache *lru.Cache[string, []float32]
}

var _ domain.Engine = (*HashEngine)(nil)

// NewHashEngine returns an engine producing dims-long vectors.
func NewHashEngine(dims, cacheSize int) (*HashEngine, error) {
	if dims <= 0 {
		dims = 512
	}
	if cacheSize <= 0 {
		cacheSize = 1000
	}
	cache, err := lru.New[string, []float32](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create cache: %w", err)
	}
	return &HashEngine{dims: dims, cache: cache}, nil
}

func (e *HashEngine) EmbedText(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrEngineFailure, err)
		}
		if v, ok := e.cache.Get(text); ok {
			out[i] = v
			continue
		}
		v := e.vector("text:", []byte(text))
		e.cache.Add(text, v)
		out[i] = v
	}
	return out, nil
}

func (e *HashEngine) EmbedImages(ctx context.Context, images []domain.Image) ([][]float32, error) {
	out := make([][]float32, len(images))
	for i, img := range images {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrEngineFailure, err)
		}
		if len(img.Data) == 0 {
			return nil, fmt.Errorf("%w: image %d is empty", domain.ErrEngineFailure, i)
		}
		out[i] = e.vector("image:", img.Data)
	}
	return out, nil
}

// Classify scores each image against every label with a softmax over scaled
// cosine similarity.
func (e *HashEngine) Classify(ctx context.Context, labels []string, images []domain.Image) (domain.Classification, error) {
	textVecs, err := e.EmbedText(ctx, labels)
	if err != nil {
		return domain.Classification{}, err
	}
	imageVecs, err := e.EmbedImages(ctx, images)
	if err != nil {
		return domain.Classification{}, err
	}

	probs := make([][]float32, len(imageVecs))
	for i, iv := range imageVecs {
		logits := make([]float64, len(textVecs))
		for j, tv := range textVecs {
			logits[j] = logitScale * float64(vek32.CosineSimilarity(iv, tv))
		}
		probs[i] = Softmax(logits)
	}

	return domain.Classification{
		TextVectors:   textVecs,
		ImageVectors:  imageVecs,
		Probabilities: probs,
	}, nil
}

func (e *HashEngine) vector(kind string, data []byte) []float32 {
	sum := sha256.Sum256(append([]byte(kind), data...))
	rng := rand.New(rand.NewPCG(binary.LittleEndian.Uint64(sum[:8]), binary.LittleEndian.Uint64(sum[8:16])))

	v := make([]float32, e.dims)
	for i := range v {
		v[i] = float32(rng.NormFloat64())
	}
	vek32.DivNumber_Inplace(v, vek32.Norm(v))
	return v
}

// Softmax turns logits into a probability distribution.
func Softmax(logits []float64) []float32 {
	if len(logits) == 0 {
		return []float32{}
	}
	maxLogit := logits[0]
	for _, l := range logits[1:] {
		maxLogit = max(maxLogit, l)
	}

	exps := make([]float64, len(logits))
	var sum float64
	for i, l := range logits {
		exps[i] = math.Exp(l - maxLogit)
		sum += exps[i]
	}

	out := make([]float32, len(logits))
	for i := range exps {
		out[i] = float32(exps[i] / sum)
	}
	return out
}
