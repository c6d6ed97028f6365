package embedder

import (
	"context"
	"fmt"
)

const (
	// openaiMaxBatch stays under the OpenAI per-request input limit.
	openaiMaxBatch = 512
	// ollamaMaxBatch bounds request size for local models.
	ollamaMaxBatch = 64
)

// embedBatched splits texts into requests of at most size inputs and
// concatenates the results in input order. An empty input makes no request.
func embedBatched(ctx context.Context, texts []string, size int, call func(context.Context, []string) ([][]float32, error)) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += size {
		end := min(start+size, len(texts))
		vecs, err := call(ctx, texts[start:end])
		if err != nil {
			return nil, err
		}
		if len(vecs) != end-start {
			return nil, fmt.Errorf("embedder: batch [%d:%d] returned %d vectors", start, end, len(vecs))
		}
		out = append(out, vecs...)
	}
	return out, nil
}
