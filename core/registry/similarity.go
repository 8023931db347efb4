package registry

import (
	"math"

	"github.com/viterin/vek/vek32"
)

// CosineSimilarity computes the cosine of the angle between two vectors.
// Mismatched lengths and zero vectors score 0 rather than erroring, so
// ranking code never has to special-case malformed embeddings.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return 0
	}

	dot := float64(vek32.Dot(a, b))
	normA := math.Sqrt(float64(vek32.Dot(a, a)))
	normB := math.Sqrt(float64(vek32.Dot(b, b)))
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (normA * normB)
}
