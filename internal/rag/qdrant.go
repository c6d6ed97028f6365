package rag

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
)

// DefaultCollectionPrefix prefixes every per-tenant Qdrant collection.
const DefaultCollectionPrefix = "emails"

// pointNamespace seeds the name-based UUIDs derived from chunk IDs. Qdrant
// only accepts UUIDs or unsigned integers as point IDs.
var pointNamespace = uuid.MustParse("4f2b8c1e-6a0d-5e3f-9b7c-2d1e0a9f8c3b")

// Payload keys written alongside every point.
const (
	payloadChunkID    = "chunk_id"
	payloadText       = "text"
	payloadMessageID  = "message_id"
	payloadThreadID   = "thread_id"
	payloadSubject    = "subject"
	payloadFromAddr   = "from_addr"
	payloadDate       = "date"
	payloadChunkIndex = "chunk_index"
)

// QdrantConfig holds connection parameters for a Qdrant instance.
type QdrantConfig struct {
	// Host is the Qdrant server hostname (default: localhost).
	Host string

	// Port is the Qdrant gRPC port (default: 6334).
	Port int

	// CollectionPrefix is prepended to every tenant collection name
	// (default: DefaultCollectionPrefix).
	CollectionPrefix string

	// VectorSize fixes the dimensionality of new collections. When zero the
	// size of the first upserted vector is used.
	VectorSize uint64

	// APIKey is the optional Qdrant API key for authenticated clusters.
	APIKey string

	// UseTLS enables TLS for the gRPC connection.
	UseTLS bool
}

// QdrantStore implements VectorStore on Qdrant with one collection per
// tenant. Collections are created lazily on first upsert. Qdrant reports
// cosine similarity; the store converts it to distance = 1 - similarity.
type QdrantStore struct {
	// client is the underlying Qdrant gRPC client.
	client *qdrant.Client

	// cfg holds the resolved configuration for this store.
	cfg *QdrantConfig

	// mu guards known.
	mu sync.Mutex
	// known caches collection names confirmed to exist.
	known map[string]struct{}
}

// NewQdrantStore creates a QdrantStore. No collection is touched until the
// first Upsert or Query for a tenant.
func NewQdrantStore(cfg *QdrantConfig) (*QdrantStore, error) {
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	if cfg.Port == 0 {
		cfg.Port = 6334
	}
	if cfg.CollectionPrefix == "" {
		cfg.CollectionPrefix = DefaultCollectionPrefix
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("qdrant: failed to create client: %w", err)
	}

	return &QdrantStore{client: client, cfg: cfg, known: make(map[string]struct{})}, nil
}

// Client exposes the underlying client for health probes.
func (s *QdrantStore) Client() *qdrant.Client { return s.client }

// CollectionName maps a tenant ID to its collection. Tenant IDs that are not
// already safe collection names get a hash suffix so two distinct tenants can
// never sanitize to the same collection.
func CollectionName(prefix, tenantID string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(tenantID) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	name := prefix + "_" + b.String()
	if b.String() != tenantID {
		sum := sha256.Sum256([]byte(tenantID))
		name += "_" + hex.EncodeToString(sum[:4])
	}
	return name
}

// PointID derives the Qdrant point UUID for a chunk ID.
func PointID(chunkID string) string {
	return uuid.NewSHA1(pointNamespace, []byte(chunkID)).String()
}

// ensureCollection creates the tenant collection if it does not exist yet.
func (s *QdrantStore) ensureCollection(ctx context.Context, name string, size uint64) error {
	s.mu.Lock()
	_, ok := s.known[name]
	s.mu.Unlock()
	if ok {
		return nil
	}

	exists, err := s.client.CollectionExists(ctx, name)
	if err != nil {
		return fmt.Errorf("qdrant: failed to check collection %q: %w", name, err)
	}
	if !exists {
		if s.cfg.VectorSize > 0 {
			size = s.cfg.VectorSize
		}
		err = s.client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: name,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     size,
				Distance: qdrant.Distance_Cosine,
			}),
		})
		if err != nil {
			return fmt.Errorf("qdrant: failed to create collection %q: %w", name, err)
		}
	}

	s.mu.Lock()
	s.known[name] = struct{}{}
	s.mu.Unlock()
	return nil
}

// Upsert writes chunks into the tenant collection, replacing points whose
// chunk ID already exists.
func (s *QdrantStore) Upsert(ctx context.Context, tenantID string, chunks []Chunk, embeddings [][]float32) error {
	if err := ValidateUpsert(tenantID, chunks, embeddings); err != nil {
		return err
	}
	if len(chunks) == 0 {
		return nil
	}

	name := CollectionName(s.cfg.CollectionPrefix, tenantID)
	if err := s.ensureCollection(ctx, name, uint64(len(embeddings[0]))); err != nil {
		return err
	}

	points := make([]*qdrant.PointStruct, 0, len(chunks))
	for i, c := range chunks {
		points = append(points, &qdrant.PointStruct{
			Id:      qdrant.NewIDUUID(PointID(c.ID)),
			Vectors: qdrant.NewVectors(embeddings[i]...),
			Payload: qdrant.NewValueMap(chunkPayload(c)),
		})
	}

	wait := true
	_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: name,
		Points:         points,
		Wait:           &wait,
	})
	if err != nil {
		return fmt.Errorf("qdrant: upsert into %q failed: %w", name, err)
	}
	return nil
}

// Query returns the k nearest chunks of the tenant collection. A tenant with
// no collection yet yields an empty result.
func (s *QdrantStore) Query(ctx context.Context, tenantID string, embedding []float32, k int) ([]Context, error) {
	if tenantID == "" {
		return nil, ErrEmptyTenant
	}
	if k <= 0 {
		return []Context{}, nil
	}

	name := CollectionName(s.cfg.CollectionPrefix, tenantID)
	exists, err := s.client.CollectionExists(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("qdrant: failed to check collection %q: %w", name, err)
	}
	if !exists {
		return []Context{}, nil
	}

	limit := uint64(k)
	results, err := s.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: name,
		Query:          qdrant.NewQuery(embedding...),
		Limit:          &limit,
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("qdrant: search in %q failed: %w", name, err)
	}

	out := make([]Context, 0, len(results))
	for _, r := range results {
		out = append(out, contextFromPoint(r))
	}
	// Qdrant already orders by score; re-sorting applies the ID tie-break.
	SortByDistance(out)
	return out, nil
}

// PruneMessage deletes the points of messageID whose chunk_index payload is
// keep or higher.
func (s *QdrantStore) PruneMessage(ctx context.Context, tenantID, messageID string, keep int) error {
	if tenantID == "" {
		return ErrEmptyTenant
	}

	name := CollectionName(s.cfg.CollectionPrefix, tenantID)
	exists, err := s.client.CollectionExists(ctx, name)
	if err != nil {
		return fmt.Errorf("qdrant: failed to check collection %q: %w", name, err)
	}
	if !exists {
		return nil
	}

	from := float64(keep)
	wait := true
	_, err = s.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: name,
		Wait:           &wait,
		Points: qdrant.NewPointsSelectorFilter(&qdrant.Filter{
			Must: []*qdrant.Condition{
				qdrant.NewMatch("message_id", messageID),
				qdrant.NewRange("chunk_index", &qdrant.Range{Gte: &from}),
			},
		}),
	})
	if err != nil {
		return fmt.Errorf("qdrant: prune %s in %q failed: %w", messageID, name, err)
	}
	return nil
}

// Close closes the underlying Qdrant gRPC connection.
func (s *QdrantStore) Close() error {
	return s.client.Close()
}

// chunkPayload flattens a chunk into the point payload.
func chunkPayload(c Chunk) map[string]any {
	return map[string]any{
		payloadChunkID:    c.ID,
		payloadText:       c.Text,
		payloadMessageID:  c.Metadata.MessageID,
		payloadThreadID:   c.Metadata.ThreadID,
		payloadSubject:    c.Metadata.Subject,
		payloadFromAddr:   c.Metadata.FromAddr,
		payloadDate:       c.Metadata.Date,
		payloadChunkIndex: int64(c.Metadata.ChunkIndex),
	}
}

// contextFromPoint maps a scored point back to the canonical Context shape.
func contextFromPoint(p *qdrant.ScoredPoint) Context {
	str := func(key string) string {
		if v, ok := p.GetPayload()[key]; ok {
			return v.GetStringValue()
		}
		return ""
	}

	c := Context{
		ID:   str(payloadChunkID),
		Text: str(payloadText),
		Metadata: Metadata{
			MessageID: str(payloadMessageID),
			ThreadID:  str(payloadThreadID),
			Subject:   str(payloadSubject),
			FromAddr:  str(payloadFromAddr),
			Date:      str(payloadDate),
		},
		Distance: 1 - p.GetScore(),
	}
	if v, ok := p.GetPayload()[payloadChunkIndex]; ok {
		c.Metadata.ChunkIndex = int(v.GetIntegerValue())
	}
	if c.ID == "" {
		c.ID = p.GetId().GetUuid()
	}
	return c
}
