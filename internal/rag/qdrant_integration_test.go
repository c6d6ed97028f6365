//go:build integration

package rag

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"testing"
	"time"
)

// TestQdrantStore_Integration exercises QdrantStore against a running Qdrant
// instance. Every run writes to freshly named collections and drops them
// afterwards.
//
// Prerequisites:
//
//	docker run -p 6334:6334 qdrant/qdrant
//
// Run with:
//
//	go test -tags=integration -run TestQdrantStore_Integration ./internal/rag/
//
// In CI, set QDRANT_HOST and QDRANT_PORT if Qdrant is not on localhost:6334.
func TestQdrantStore_Integration(t *testing.T) {
	host := os.Getenv("QDRANT_HOST")
	if host == "" {
		host = "localhost"
	}
	port := 6334
	if p := os.Getenv("QDRANT_PORT"); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil {
			t.Fatalf("QDRANT_PORT=%q: %v", p, err)
		}
		port = n
	}
	prefix := fmt.Sprintf("itest%d", time.Now().UnixNano())

	s, err := NewQdrantStore(&QdrantConfig{
		Host:             host,
		Port:             port,
		CollectionPrefix: prefix,
		VectorSize:       3,
	})
	if err != nil {
		t.Fatalf("NewQdrantStore() failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	for _, tenant := range []string{"acct-1", "acct-2"} {
		t.Cleanup(func() {
			_ = s.Client().DeleteCollection(context.Background(), CollectionName(prefix, tenant))
		})
	}

	chunk := func(id, msg, text string, idx int) Chunk {
		return Chunk{ID: id, Text: text, Metadata: Metadata{MessageID: msg, ThreadID: "thread-1", Subject: "Budget", ChunkIndex: idx}}
	}
	chunks := []Chunk{
		chunk("c-a", "m1", "Q3 budget moved to Thursday", 0),
		chunk("c-b", "m1", "vendor contract attached", 1),
		chunk("c-c", "m2", "offsite agenda draft", 0),
	}
	vecs := [][]float32{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}}

	if err := s.Upsert(ctx, "acct-1", chunks, vecs); err != nil {
		t.Fatalf("Upsert() failed: %v\n\nEnsure Qdrant is reachable on %s:%d", err, host, port)
	}

	t.Run("query with own embedding", func(t *testing.T) {
		for i, c := range chunks {
			got, err := s.Query(ctx, "acct-1", vecs[i], 3)
			if err != nil {
				t.Fatalf("Query() failed: %v", err)
			}
			if len(got) == 0 || got[0].ID != c.ID {
				t.Fatalf("top result for %q = %+v", c.ID, got)
			}
			if got[0].Distance > 1e-4 {
				t.Errorf("self distance for %q = %v, want ~0", c.ID, got[0].Distance)
			}
			if got[0].Text != c.Text || got[0].Metadata.MessageID != c.Metadata.MessageID {
				t.Errorf("payload round trip for %q = %+v", c.ID, got[0])
			}
			t.Logf("%s: distance=%.6f", c.ID, got[0].Distance)
		}
	})

	t.Run("re-upsert replaces same id", func(t *testing.T) {
		updated := chunk("c-a", "m1", "Q3 budget moved to Friday", 0)
		if err := s.Upsert(ctx, "acct-1", []Chunk{updated}, [][]float32{{1, 0, 0}}); err != nil {
			t.Fatalf("Upsert() failed: %v", err)
		}
		got, err := s.Query(ctx, "acct-1", []float32{1, 0, 0}, 10)
		if err != nil {
			t.Fatalf("Query() failed: %v", err)
		}
		if len(got) != len(chunks) {
			t.Errorf("re-upsert changed point count to %d, want %d", len(got), len(chunks))
		}
		if got[0].ID != "c-a" || got[0].Text != updated.Text {
			t.Errorf("top result = %+v, want replaced c-a", got[0])
		}
	})

	t.Run("tenants are isolated", func(t *testing.T) {
		other := chunk("c-z", "m9", "acct-2 only", 0)
		if err := s.Upsert(ctx, "acct-2", []Chunk{other}, [][]float32{{1, 0, 0}}); err != nil {
			t.Fatalf("Upsert() failed: %v", err)
		}

		got, err := s.Query(ctx, "acct-2", []float32{1, 0, 0}, 10)
		if err != nil {
			t.Fatalf("Query() failed: %v", err)
		}
		if len(got) != 1 || got[0].ID != "c-z" {
			t.Errorf("acct-2 sees %+v, want only c-z", got)
		}

		got, err = s.Query(ctx, "acct-1", []float32{1, 0, 0}, 10)
		if err != nil {
			t.Fatalf("Query() failed: %v", err)
		}
		for _, c := range got {
			if c.ID == "c-z" {
				t.Errorf("acct-1 query returned acct-2 chunk %+v", c)
			}
		}

		got, err = s.Query(ctx, "acct-3", []float32{1, 0, 0}, 10)
		if err != nil {
			t.Fatalf("Query() for unknown tenant failed: %v", err)
		}
		if len(got) != 0 {
			t.Errorf("unknown tenant sees %+v", got)
		}
	})

	t.Run("prune drops trailing chunks", func(t *testing.T) {
		if err := s.PruneMessage(ctx, "acct-1", "m1", 1); err != nil {
			t.Fatalf("PruneMessage() failed: %v", err)
		}
		got, err := s.Query(ctx, "acct-1", []float32{0, 1, 0}, 10)
		if err != nil {
			t.Fatalf("Query() failed: %v", err)
		}
		for _, c := range got {
			if c.ID == "c-b" {
				t.Errorf("c-b survived prune: %+v", c)
			}
		}
		if len(got) != 2 {
			t.Errorf("after prune %d points remain, want 2", len(got))
		}
	})
}
