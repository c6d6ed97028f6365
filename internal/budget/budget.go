// Package budget provides token estimation and history trimming for the
// answer generator. The estimator is pluggable: the default is a conservative
// character heuristic (1 token ≈ 4 characters) because the generator runs
// against several backends with different tokenizers. A model-specific
// tokenizer can be swapped in without touching the trimming logic.
package budget

import (
	"github.com/cloudwego/eino/schema"
)

const (
	// charsPerToken is the character-to-token ratio of the default estimator.
	charsPerToken = 4

	// messageOverhead approximates the per-message framing tokens most chat
	// APIs add around role and content.
	messageOverhead = 4

	// DefaultMaxContextTokens is the default input budget for one generation
	// call: system prompt, email contexts, history and question together.
	// Fits 8k-context models with room left for the answer.
	DefaultMaxContextTokens = 6000
)

// Estimator returns an approximate token count for s.
type Estimator func(s string) int

// Estimate is the default Estimator: len(s)/4, and at least 1 for any
// non-empty string.
func Estimate(s string) int {
	n := len(s) / charsPerToken
	if n == 0 && len(s) > 0 {
		return 1
	}
	return n
}

// EstimateMessages sums the estimated tokens of role and content for each
// message plus a fixed per-message overhead. A nil est uses Estimate.
func EstimateMessages(msgs []*schema.Message, est Estimator) int {
	if est == nil {
		est = Estimate
	}
	total := 0
	for _, m := range msgs {
		total += messageOverhead
		total += est(string(m.Role))
		total += est(m.Content)
	}
	return total
}

// TrimHistory drops the oldest history messages until fixed + history fits
// within maxTokens. fixed holds what must always be sent (system prompt,
// contexts, current question) and is never trimmed. When fixed alone is over
// budget the returned history is empty; callers should warn separately.
func TrimHistory(fixed, history []*schema.Message, maxTokens int, est Estimator) []*schema.Message {
	if len(history) == 0 {
		return history
	}

	fixedTokens := EstimateMessages(fixed, est)

	// History is bounded upstream (checkpoint window), so a linear scan from
	// the oldest end is cheap.
	for len(history) > 0 {
		if fixedTokens+EstimateMessages(history, est) <= maxTokens {
			break
		}
		history = history[1:]
	}
	return history
}
