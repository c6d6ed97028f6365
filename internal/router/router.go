// Package router classifies a question with one low-temperature model call
// and decides whether the workflow answers directly, retrieves emails first,
// or generates from contexts already attached to the conversation.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"github.com/54b3r/mailrag-go/internal/rag"
)

// ErrMalformedDecision is returned when the model reply is not a valid
// routing record. The caller decides the fallback; nothing is guessed here.
var ErrMalformedDecision = errors.New("router: malformed decision")

// Intent types.
const (
	IntentSimple     = "simple"
	IntentEmailQuery = "email_query"
)

// Route targets.
const (
	RouteOutput   = "output"
	RouteRetrieve = "retrieve"
	RouteGenerate = "generate"
)

// DefaultMaxTokens bounds the routing reply.
const DefaultMaxTokens = 200

// maxKnownContextPreview is how many characters of each known context the
// router sees. It judges sufficiency, not content.
const maxKnownContextPreview = 300

const systemPrompt = `You route questions for an email assistant that answers from the user's mailbox.

Reply with ONE JSON object and nothing else:
{"intent_type": "simple" | "email_query",
 "needs_retrieval": true | false,
 "has_sufficient_context": true | false | null,
 "route_to": "output" | "retrieve" | "generate",
 "reason": "<short explanation>",
 "simple_response": "<reply text>" | null}

Rules:
- Greetings, thanks, small talk and questions about what you can do: intent_type "simple",
  route_to "output", needs_retrieval false, and write the reply in simple_response.
- Questions about the user's emails with no known contexts listed: intent_type "email_query",
  route_to "retrieve", needs_retrieval true.
- Questions about the user's emails where the known contexts below already answer it:
  route_to "generate", has_sufficient_context true.
- Where the known contexts do not answer it: route_to "retrieve", has_sufficient_context false.`

// Decision is a validated routing record.
type Decision struct {
	IntentType           string `json:"intent_type"`
	NeedsRetrieval       bool   `json:"needs_retrieval"`
	HasSufficientContext *bool  `json:"has_sufficient_context"`
	RouteTo              string `json:"route_to"`
	Reason               string `json:"reason"`
	SimpleResponse       string `json:"simple_response"`
}

// rawDecision mirrors the wire shape with pointers so missing required
// fields can be told apart from zero values.
type rawDecision struct {
	IntentType           *string `json:"intent_type"`
	NeedsRetrieval       *bool   `json:"needs_retrieval"`
	HasSufficientContext *bool   `json:"has_sufficient_context"`
	RouteTo              *string `json:"route_to"`
	Reason               *string `json:"reason"`
	SimpleResponse       *string `json:"simple_response"`
}

// Router asks a chat model for a routing decision.
type Router struct {
	model     model.BaseChatModel
	maxTokens int
}

// New returns a Router backed by m.
func New(m model.BaseChatModel) (*Router, error) {
	if m == nil {
		return nil, fmt.Errorf("router: model: %w", rag.ErrNilDependency)
	}
	return &Router{model: m, maxTokens: DefaultMaxTokens}, nil
}

// Route classifies question. knownContexts are the contexts attached to the
// thread from a previous turn, if any.
func (r *Router) Route(ctx context.Context, question string, knownContexts []rag.Context) (Decision, error) {
	msgs := []*schema.Message{
		schema.SystemMessage(systemPrompt),
		schema.UserMessage(buildUserPrompt(question, knownContexts)),
	}
	resp, err := r.model.Generate(ctx, msgs,
		model.WithTemperature(0),
		model.WithMaxTokens(r.maxTokens),
	)
	if err != nil {
		return Decision{}, fmt.Errorf("router: generate: %w", err)
	}
	return ParseDecision(resp.Content)
}

func buildUserPrompt(question string, known []rag.Context) string {
	var sb strings.Builder
	if len(known) == 0 {
		sb.WriteString("Known contexts: none\n\n")
	} else {
		sb.WriteString("Known contexts:\n")
		for _, c := range known {
			text := c.Text
			if r := []rune(text); len(r) > maxKnownContextPreview {
				text = string(r[:maxKnownContextPreview]) + "..."
			}
			fmt.Fprintf(&sb, "- [message_id=%s] %s\n", c.Metadata.MessageID, text)
		}
		sb.WriteString("\n")
	}
	sb.WriteString("Question: ")
	sb.WriteString(question)
	return sb.String()
}

// ParseDecision extracts and validates the JSON routing record in reply.
// Code fences and prose around the object are tolerated; a missing or
// invalid field is not.
func ParseDecision(reply string) (Decision, error) {
	start := strings.Index(reply, "{")
	end := strings.LastIndex(reply, "}")
	if start < 0 || end < start {
		return Decision{}, fmt.Errorf("%w: no JSON object in reply", ErrMalformedDecision)
	}

	var raw rawDecision
	if err := json.Unmarshal([]byte(reply[start:end+1]), &raw); err != nil {
		return Decision{}, fmt.Errorf("%w: %v", ErrMalformedDecision, err)
	}

	switch {
	case raw.IntentType == nil:
		return Decision{}, fmt.Errorf("%w: intent_type is missing", ErrMalformedDecision)
	case raw.NeedsRetrieval == nil:
		return Decision{}, fmt.Errorf("%w: needs_retrieval is missing", ErrMalformedDecision)
	case raw.RouteTo == nil:
		return Decision{}, fmt.Errorf("%w: route_to is missing", ErrMalformedDecision)
	}

	d := Decision{
		IntentType:           *raw.IntentType,
		NeedsRetrieval:       *raw.NeedsRetrieval,
		HasSufficientContext: raw.HasSufficientContext,
		RouteTo:              *raw.RouteTo,
	}
	if raw.Reason != nil {
		d.Reason = *raw.Reason
	}
	if raw.SimpleResponse != nil {
		d.SimpleResponse = strings.TrimSpace(*raw.SimpleResponse)
	}

	switch d.IntentType {
	case IntentSimple, IntentEmailQuery:
	default:
		return Decision{}, fmt.Errorf("%w: unknown intent_type %q", ErrMalformedDecision, d.IntentType)
	}
	switch d.RouteTo {
	case RouteOutput:
		if d.SimpleResponse == "" {
			return Decision{}, fmt.Errorf("%w: route_to output without simple_response", ErrMalformedDecision)
		}
	case RouteRetrieve, RouteGenerate:
	default:
		return Decision{}, fmt.Errorf("%w: unknown route_to %q", ErrMalformedDecision, d.RouteTo)
	}
	return d, nil
}
