package providers

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"math"
)

const (
	// PlaceholderContent is the fixed message returned by the placeholder
	// completion provider.
	PlaceholderContent = "placeholder completion: no provider configured"

	// PlaceholderDimensions is the length of placeholder pseudo-embeddings.
	PlaceholderDimensions = 64
)

// Placeholder is a deterministic stand-in provider. Completions return a
// fixed message; embeddings are derived from a hash of the input, so equal
// inputs always produce equal vectors.
type Placeholder struct{}

// NewPlaceholder creates the placeholder provider.
func NewPlaceholder() *Placeholder {
	return &Placeholder{}
}

func (p *Placeholder) Name() string {
	return "placeholder"
}

func (p *Placeholder) Complete(_ context.Context, req *Request) (*Response, error) {
	return &Response{
		Model: req.Model,
		Choices: []Choice{
			{
				Message:      Message{Role: RoleAssistant, Content: PlaceholderContent},
				FinishReason: "end_turn",
			},
		},
	}, nil
}

func (p *Placeholder) Embed(_ context.Context, inputs []string) ([][]float32, error) {
	vectors := make([][]float32, len(inputs))
	for i, input := range inputs {
		vectors[i] = PseudoEmbedding(input, PlaceholderDimensions)
	}
	return vectors, nil
}

func (p *Placeholder) HealthCheck(_ context.Context) error {
	return nil
}

// PseudoEmbedding derives a deterministic unit-length vector from input by
// repeatedly hashing it. Not semantically meaningful, but stable, which is
// all the cache and similarity plumbing need without a live provider.
func PseudoEmbedding(input string, dims int) []float32 {
	if dims <= 0 {
		dims = PlaceholderDimensions
	}

	vector := make([]float32, dims)
	digest := sha256.Sum256([]byte(input))
	offset := 0
	for i := 0; i < dims; i++ {
		if offset+4 > len(digest) {
			digest = sha256.Sum256(digest[:])
			offset = 0
		}
		bits := binary.BigEndian.Uint32(digest[offset : offset+4])
		offset += 4
		// Map to [-1, 1).
		vector[i] = float32(int32(bits)) / float32(math.MaxInt32)
	}

	var norm float64
	for _, v := range vector {
		norm += float64(v) * float64(v)
	}
	norm = math.Sqrt(norm)
	if norm == 0 {
		return vector
	}
	for i := range vector {
		vector[i] = float32(float64(vector[i]) / norm)
	}
	return vector
}
