// Package checkpoint keeps the last state of each conversation thread in
// process memory so a follow-up question can reuse history and previously
// retrieved emails. Entries expire after a TTL; nothing is persisted.
package checkpoint

import (
	"slices"
	"time"

	"github.com/cloudwego/eino/schema"
	"github.com/patrickmn/go-cache"

	"github.com/54b3r/mailrag-go/internal/rag"
)

const (
	// DefaultTTL is how long an idle thread is remembered.
	DefaultTTL = 30 * time.Minute

	// DefaultHistoryWindow is the number of most recent history messages
	// kept per thread (10 question/answer pairs).
	DefaultHistoryWindow = 20

	cleanupInterval = 5 * time.Minute
)

// Key scopes a thread id to its tenant, so two tenants that pick the same
// thread id never share or overwrite each other's state.
func Key(tenantID, threadID string) string {
	return tenantID + "\x00" + threadID
}

// Snapshot is the resumable part of a finished turn.
type Snapshot struct {
	// TenantID owns the thread. A snapshot is never restored for another tenant.
	TenantID string

	// History is the conversation so far, oldest first.
	History []*schema.Message

	// LastContexts are the contexts the previous answer was generated from.
	LastContexts []rag.Context

	// UpdatedAt is set by Save.
	UpdatedAt time.Time
}

// Memory is a TTL-bounded, last-write-wins checkpoint store. Save and Load
// copy snapshots, so callers never share live state with the store. Memory
// is safe for concurrent use.
type Memory struct {
	cache  *cache.Cache
	window int
}

// NewMemory returns a store that forgets threads idle for ttl and keeps at
// most window history messages per thread. Non-positive arguments select
// the defaults.
func NewMemory(ttl time.Duration, window int) *Memory {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if window <= 0 {
		window = DefaultHistoryWindow
	}
	return &Memory{cache: cache.New(ttl, cleanupInterval), window: window}
}

// Save stores a copy of snap for threadID, replacing any previous one and
// trimming history to the window.
func (m *Memory) Save(threadID string, snap Snapshot) {
	c := clone(snap)
	if over := len(c.History) - m.window; over > 0 {
		c.History = c.History[over:]
	}
	c.UpdatedAt = time.Now()
	m.cache.Set(threadID, c, cache.DefaultExpiration)
}

// Load returns a copy of the snapshot for threadID.
func (m *Memory) Load(threadID string) (Snapshot, bool) {
	v, ok := m.cache.Get(threadID)
	if !ok {
		return Snapshot{}, false
	}
	return clone(v.(Snapshot)), true
}

// Delete forgets threadID.
func (m *Memory) Delete(threadID string) {
	m.cache.Delete(threadID)
}

// Len reports the number of live threads.
func (m *Memory) Len() int {
	return m.cache.ItemCount()
}

func clone(s Snapshot) Snapshot {
	out := Snapshot{
		TenantID:     s.TenantID,
		LastContexts: slices.Clone(s.LastContexts),
		UpdatedAt:    s.UpdatedAt,
	}
	if s.History != nil {
		out.History = make([]*schema.Message, 0, len(s.History))
		for _, msg := range s.History {
			if msg == nil {
				continue
			}
			out.History = append(out.History, &schema.Message{Role: msg.Role, Content: msg.Content})
		}
	}
	return out
}
