// Package workflow runs one conversational turn over a tenant's email
// archive as an explicit state machine:
//
//	route -> output | retrieve | generate
//	retrieve -> rerank | generate
//	rerank -> generate
//	generate -> finalize
//	output -> finalize
//	finalize -> done
//
// A turn can be run to completion (Engine.Run) or streamed (Engine.Stream),
// where sources are emitted before any answer token.
package workflow

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/cloudwego/eino/schema"

	"github.com/54b3r/mailrag-go/internal/rag"
	"github.com/54b3r/mailrag-go/internal/router"
)

// Step is the state machine cursor.
type Step string

const (
	StepRoute    Step = "route"
	StepOutput   Step = "output"
	StepRetrieve Step = "retrieve"
	StepRerank   Step = "rerank"
	StepGenerate Step = "generate"
	StepFinalize Step = "finalize"
	StepDone     Step = "done"
)

// transitions is the complete edge set. There are no back-edges.
var transitions = map[Step][]Step{
	StepRoute:    {StepOutput, StepRetrieve, StepGenerate},
	StepRetrieve: {StepRerank, StepGenerate},
	StepRerank:   {StepGenerate},
	StepGenerate: {StepFinalize},
	StepOutput:   {StepFinalize},
	StepFinalize: {StepDone},
}

// ErrInvalidTransition reports an advance along an edge that does not exist.
var ErrInvalidTransition = errors.New("workflow: invalid transition")

// Intent is the coarse classification recorded on the state.
type Intent string

const (
	IntentRetrieve Intent = "retrieve"
	IntentDirect   Intent = "direct"
	IntentClarify  Intent = "clarify"
)

// intentFor maps a routing decision to the state's intent tag.
func intentFor(d router.Decision) Intent {
	if d.RouteTo != router.RouteOutput {
		return IntentRetrieve
	}
	if d.IntentType == router.IntentSimple {
		return IntentDirect
	}
	return IntentClarify
}

// StageKind names the stage a recovered error came from.
type StageKind string

const (
	KindRouting    StageKind = "routing"
	KindRetrieval  StageKind = "retrieval"
	KindGeneration StageKind = "generation"
)

var errorKeys = map[StageKind]string{
	KindRouting:    "route_error",
	KindRetrieval:  "retrieval_error",
	KindGeneration: "generation_error",
}

// StageError is a failure the workflow recovered from. It is recorded on the
// state and in metadata, never returned to the caller.
type StageError struct {
	Kind StageKind
	Err  error
}

func (e *StageError) Error() string { return fmt.Sprintf("%s failed: %v", e.Kind, e.Err) }

func (e *StageError) Unwrap() error { return e.Err }

// State is the single-owner record of one turn in flight.
type State struct {
	TenantID    string
	ThreadID    string
	Question    string
	History     []*schema.Message
	TopK        int
	Temperature float32
	MaxTokens   int
	UseHyDE     bool

	Intent           Intent
	RawContexts      []rag.Context
	RerankedContexts []rag.Context
	Answer           string
	Sources          []Source
	Metadata         map[string]any
	Step             Step

	// Errors lists every recovered stage failure in order. Their presence
	// does not end the turn.
	Errors []*StageError

	// knownContexts were attached to the thread by the previous turn.
	knownContexts []rag.Context
	decision      router.Decision
}

// Advance moves the cursor to next if the transition table allows it.
func (s *State) Advance(next Step) error {
	if !slices.Contains(transitions[s.Step], next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.Step, next)
	}
	s.Step = next
	return nil
}

// Error is the diagnostic of all recovered failures, or "" when none.
func (s *State) Error() string {
	msgs := make([]string, len(s.Errors))
	for i, e := range s.Errors {
		msgs[i] = e.Error()
	}
	return strings.Join(msgs, "; ")
}

func (s *State) fail(kind StageKind, err error) *StageError {
	se := &StageError{Kind: kind, Err: err}
	s.Errors = append(s.Errors, se)
	s.Metadata[errorKeys[kind]] = err.Error()
	return se
}
