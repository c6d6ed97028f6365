package workflow

import (
	"errors"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/schema"

	"github.com/54b3r/mailrag-go/internal/rag"
)

// ErrInvalidRequest reports a request that failed validation.
var ErrInvalidRequest = errors.New("workflow: invalid request")

// Request bounds and defaults.
const (
	DefaultTopK        = 6
	MaxTopK            = 20
	DefaultTemperature = float32(0.2)
	MaxTemperature     = float32(2)
	DefaultMaxTokens   = 500
	MinMaxTokens       = 50
	MaxMaxTokens       = 2000

	// SnippetRunes is the length of the citation preview.
	SnippetRunes = 200
)

// Request is one question from a caller.
type Request struct {
	TenantID string `json:"tenant_id"`
	Question string `json:"question"`
	// ThreadID resumes a conversation when set.
	ThreadID string `json:"thread_id,omitempty"`
	// TopK defaults to DefaultTopK when zero.
	TopK int `json:"top_k,omitempty"`
	// Temperature defaults to DefaultTemperature when nil.
	Temperature *float32 `json:"temperature,omitempty"`
	// MaxTokens defaults to DefaultMaxTokens when zero.
	MaxTokens int  `json:"max_tokens,omitempty"`
	UseHyDE   bool `json:"use_hyde,omitempty"`
	// History seeds the conversation when no checkpoint exists for ThreadID.
	History []*schema.Message `json:"history,omitempty"`
}

// Validate applies defaults and checks bounds, returning an error wrapping
// ErrInvalidRequest. It does not modify r.
func (r Request) Validate() (Request, error) {
	r.TenantID = strings.TrimSpace(r.TenantID)
	r.Question = strings.TrimSpace(r.Question)
	if r.TenantID == "" {
		return r, fmt.Errorf("%w: tenant_id is required", ErrInvalidRequest)
	}
	if r.Question == "" {
		return r, fmt.Errorf("%w: question is required", ErrInvalidRequest)
	}

	if r.TopK == 0 {
		r.TopK = DefaultTopK
	}
	if r.TopK < 1 || r.TopK > MaxTopK {
		return r, fmt.Errorf("%w: top_k must be between 1 and %d", ErrInvalidRequest, MaxTopK)
	}

	temp := DefaultTemperature
	if r.Temperature != nil {
		temp = *r.Temperature
	}
	if temp < 0 || temp > MaxTemperature {
		return r, fmt.Errorf("%w: temperature must be between 0 and %g", ErrInvalidRequest, MaxTemperature)
	}
	r.Temperature = &temp

	if r.MaxTokens == 0 {
		r.MaxTokens = DefaultMaxTokens
	}
	if r.MaxTokens < MinMaxTokens || r.MaxTokens > MaxMaxTokens {
		return r, fmt.Errorf("%w: max_tokens must be between %d and %d", ErrInvalidRequest, MinMaxTokens, MaxMaxTokens)
	}

	// Callers may only replay their own conversation; system turns are
	// reserved for the generator's prompt.
	for i, m := range r.History {
		if m == nil {
			return r, fmt.Errorf("%w: history[%d] is null", ErrInvalidRequest, i)
		}
		if m.Role != schema.User && m.Role != schema.Assistant {
			return r, fmt.Errorf("%w: history[%d].role must be user or assistant", ErrInvalidRequest, i)
		}
	}
	return r, nil
}

// Source is a citation shown to the caller.
type Source struct {
	MessageID string  `json:"message_id"`
	Subject   string  `json:"subject,omitempty"`
	FromAddr  string  `json:"from_addr,omitempty"`
	Date      string  `json:"date,omitempty"`
	Distance  float32 `json:"distance"`
	Snippet   string  `json:"snippet,omitempty"`
}

// SourcesFor builds citations for exactly the given contexts, in order.
func SourcesFor(contexts []rag.Context) []Source {
	out := make([]Source, len(contexts))
	for i, c := range contexts {
		out[i] = Source{
			MessageID: c.Metadata.MessageID,
			Subject:   c.Metadata.Subject,
			FromAddr:  c.Metadata.FromAddr,
			Date:      c.Metadata.Date,
			Distance:  c.Distance,
			Snippet:   snippet(c.Text),
		}
	}
	return out
}

func snippet(text string) string {
	r := []rune(strings.TrimSpace(text))
	if len(r) <= SnippetRunes {
		return string(r)
	}
	return string(r[:SnippetRunes])
}

// Response is the synchronous result of a turn.
type Response struct {
	Answer   string         `json:"answer"`
	Sources  []Source       `json:"sources"`
	Metadata map[string]any `json:"metadata"`
}
