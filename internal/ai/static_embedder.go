package ai

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

// StaticEmbedder is a deterministic feature-hashing embedder. It needs no
// network access and is used by tests, local runs and the CLI.
type StaticEmbedder struct {
	dimension int
}

func NewStaticEmbedder(dimension int) *StaticEmbedder {
	if dimension <= 0 {
		dimension = 768
	}
	return &StaticEmbedder{dimension: dimension}
}

func (s *StaticEmbedder) Dimension() int { return s.dimension }
func (s *StaticEmbedder) Model() string  { return "static-hash" }

func (s *StaticEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out[i] = s.embed(t)
	}
	return out, nil
}

func (s *StaticEmbedder) EmbedOne(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.embed(text), nil
}

// embed hashes each lowercase token into a signed bucket and L2-normalises the result.
func (s *StaticEmbedder) embed(text string) []float32 {
	vec := make([]float32, s.dimension)
	tokens := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, tok := range tokens {
		h := fnv.New64a()
		h.Write([]byte(tok))
		sum := h.Sum64()
		idx := int(sum % uint64(s.dimension))
		if sum&(1<<63) != 0 {
			vec[idx] -= 1
		} else {
			vec[idx] += 1
		}
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		return vec
	}
	scale := float32(1 / math.Sqrt(norm))
	for i := range vec {
		vec[i] *= scale
	}
	return vec
}
