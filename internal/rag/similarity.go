package rag

import (
	"cmp"
	"math"
	"slices"
)

// CosineDistance returns 1 - cosine similarity of a and b, in [0, 2].
// Mismatched lengths or a zero vector yield 1.
func CosineDistance(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 1
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 1
	}
	return float32(1 - dot/(math.Sqrt(na)*math.Sqrt(nb)))
}

// SortByDistance orders contexts ascending by distance, breaking ties by ID
// so results are stable across runs and backends.
func SortByDistance(ctxs []Context) {
	slices.SortStableFunc(ctxs, func(a, b Context) int {
		if c := cmp.Compare(a.Distance, b.Distance); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
}

// TopK sorts candidates and truncates them to k.
func TopK(ctxs []Context, k int) []Context {
	SortByDistance(ctxs)
	if k < len(ctxs) {
		ctxs = ctxs[:k]
	}
	return ctxs
}
