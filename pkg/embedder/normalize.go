package embedder

import (
	"fmt"
	"math"
)

// NormalizeL2 scales vector to unit length in place. A zero vector is left
// untouched.
func NormalizeL2(vector []float32) {
	var sumSquares float64
	for _, v := range vector {
		sumSquares += float64(v) * float64(v)
	}
	if sumSquares == 0 {
		return
	}
	magnitude := math.Sqrt(sumSquares)
	for i := range vector {
		vector[i] = float32(float64(vector[i]) / magnitude)
	}
}

// Validate checks that vector has dim finite components
func Validate(vector []float32, dim int) error {
	if len(vector) != dim {
		return fmt.Errorf("%w: got %d, want %d", ErrDimension, len(vector), dim)
	}
	for i, v := range vector {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return fmt.Errorf("%w at position %d", ErrNonFinite, i)
		}
	}
	return nil
}

// Prepare validates vector and normalizes it in place. Every vector that is
// indexed or used as a query goes through here.
func Prepare(vector []float32, dim int) error {
	if err := Validate(vector, dim); err != nil {
		return err
	}
	NormalizeL2(vector)
	return nil
}

// Cosine returns the cosine similarity of a and b
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
