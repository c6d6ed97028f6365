package server

import (
	"context"
	"fmt"

	"github.com/qdrant/go-client/qdrant"
)

// QdrantPinger probes a Qdrant instance using its native HealthCheck RPC.
// It satisfies the Pinger interface and is used by GET /api/ready.
type QdrantPinger struct {
	// client is the Qdrant gRPC client to probe.
	client *qdrant.Client
}

// NewQdrantPinger constructs a QdrantPinger for the given Qdrant client.
func NewQdrantPinger(client *qdrant.Client) *QdrantPinger {
	return &QdrantPinger{client: client}
}

// Name returns the dependency label used in readiness responses.
func (p *QdrantPinger) Name() string { return "qdrant" }

// Ping calls the Qdrant HealthCheck RPC.
func (p *QdrantPinger) Ping(ctx context.Context) error {
	if _, err := p.client.HealthCheck(ctx); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	return nil
}

// contextPinger is anything with a context-aware Ping, such as
// *store.SQLiteIndex.
type contextPinger interface {
	Ping(ctx context.Context) error
}

// NamedPinger adapts a contextPinger into a Pinger with a fixed label.
type NamedPinger struct {
	// name is returned by Name.
	name string
	// target is probed by Ping.
	target contextPinger
}

// NewNamedPinger labels target as name in readiness responses.
func NewNamedPinger(name string, target contextPinger) *NamedPinger {
	return &NamedPinger{name: name, target: target}
}

// Name returns the dependency label.
func (p *NamedPinger) Name() string { return p.name }

// Ping delegates to the wrapped target.
func (p *NamedPinger) Ping(ctx context.Context) error {
	if err := p.target.Ping(ctx); err != nil {
		return fmt.Errorf("ping failed: %w", err)
	}
	return nil
}
