package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cloudwego/eino/schema"

	"github.com/54b3r/mailrag-go/internal/checkpoint"
	"github.com/54b3r/mailrag-go/internal/generator"
	"github.com/54b3r/mailrag-go/internal/logging"
	"github.com/54b3r/mailrag-go/internal/rag"
	"github.com/54b3r/mailrag-go/internal/router"
)

// Router decides how a question is handled.
type Router interface {
	Route(ctx context.Context, question string, knownContexts []rag.Context) (router.Decision, error)
}

// Generator writes answers and HyDE passages.
type Generator interface {
	Generate(ctx context.Context, in generator.Input) (string, error)
	Stream(ctx context.Context, in generator.Input, onToken func(string) error) (string, error)
	Hypothetical(ctx context.Context, question string) (string, error)
}

// Checkpointer stores the last snapshot per key. The engine always keys by
// checkpoint.Key(tenant, thread).
type Checkpointer interface {
	Load(key string) (checkpoint.Snapshot, bool)
	Save(key string, snap checkpoint.Snapshot)
}

// Emitter receives streaming events in order: Sources once, Token zero or
// more times, Done once. An error from any method cancels the turn.
type Emitter interface {
	Sources(ctx context.Context, sources []Source) error
	Token(ctx context.Context, token string) error
	Done(ctx context.Context, resp *Response) error
}

// fetchSizer is implemented by retrievers that over-fetch for reranking.
type fetchSizer interface {
	FetchK(topK int) int
}

// Deps are the collaborators of an Engine. Checkpointer and Observer are
// optional.
type Deps struct {
	Router       Router
	Retriever    rag.Retriever
	Reranker     rag.Reranker
	Generator    Generator
	Checkpointer Checkpointer
	Observer     Observer
}

// Engine executes turns. It holds no per-turn state and is safe for
// concurrent use across threads.
type Engine struct {
	router    Router
	retriever rag.Retriever
	reranker  rag.Reranker
	gen       Generator
	ckpt      Checkpointer
	obs       Observer
}

// New validates deps and returns an Engine.
func New(deps Deps) (*Engine, error) {
	switch {
	case deps.Router == nil:
		return nil, fmt.Errorf("workflow: router: %w", rag.ErrNilDependency)
	case deps.Retriever == nil:
		return nil, fmt.Errorf("workflow: retriever: %w", rag.ErrNilDependency)
	case deps.Generator == nil:
		return nil, fmt.Errorf("workflow: generator: %w", rag.ErrNilDependency)
	}
	if deps.Reranker == nil {
		deps.Reranker = rag.PrefixReranker{}
	}
	if deps.Observer == nil {
		deps.Observer = nopObserver{}
	}
	return &Engine{
		router:    deps.Router,
		retriever: deps.Retriever,
		reranker:  deps.Reranker,
		gen:       deps.Generator,
		ckpt:      deps.Checkpointer,
		obs:       deps.Observer,
	}, nil
}

// Run executes a turn to completion. Recovered stage failures appear in the
// response metadata; the returned error is reserved for invalid requests,
// cancellation and invalid transitions.
func (e *Engine) Run(ctx context.Context, req Request) (*Response, error) {
	st, err := e.begin(req)
	if err != nil {
		return nil, err
	}
	if err := e.run(ctx, st, nil); err != nil {
		return nil, err
	}
	return responseOf(st), nil
}

// Stream executes a turn, emitting sources before any answer token and a
// final done event.
func (e *Engine) Stream(ctx context.Context, req Request, em Emitter) error {
	st, err := e.begin(req)
	if err != nil {
		return err
	}
	if err := e.run(ctx, st, em); err != nil {
		return err
	}
	return em.Done(ctx, responseOf(st))
}

// begin validates req and builds the initial state, restoring the thread's
// checkpoint when one exists for the same tenant.
func (e *Engine) begin(req Request) (*State, error) {
	req, err := req.Validate()
	if err != nil {
		return nil, err
	}
	st := &State{
		TenantID:    req.TenantID,
		ThreadID:    req.ThreadID,
		Question:    req.Question,
		History:     req.History,
		TopK:        req.TopK,
		Temperature: *req.Temperature,
		MaxTokens:   req.MaxTokens,
		UseHyDE:     req.UseHyDE,
		Metadata:    map[string]any{"top_k": req.TopK, "use_hyde": req.UseHyDE},
		Step:        StepRoute,
	}
	if e.ckpt != nil && req.ThreadID != "" {
		if snap, ok := e.ckpt.Load(checkpoint.Key(req.TenantID, req.ThreadID)); ok && snap.TenantID == req.TenantID {
			st.History = snap.History
			st.knownContexts = snap.LastContexts
		}
	}
	return st, nil
}

func (e *Engine) run(ctx context.Context, st *State, em Emitter) error {
	log := logging.FromContext(ctx).With(slog.String("tenant_id", st.TenantID))
	ctx = logging.WithLogger(ctx, log)

	for st.Step != StepDone {
		if err := ctx.Err(); err != nil {
			return err
		}
		step := st.Step
		start := time.Now()

		var err error
		switch step {
		case StepRoute:
			err = e.route(ctx, st)
		case StepOutput:
			err = e.output(ctx, st, em)
		case StepRetrieve:
			err = e.retrieve(ctx, st)
		case StepRerank:
			err = e.rerank(ctx, st)
		case StepGenerate:
			err = e.generate(ctx, st, em)
		case StepFinalize:
			err = e.finalize(ctx, st)
		default:
			err = fmt.Errorf("%w: unknown step %q", ErrInvalidTransition, step)
		}
		if err != nil {
			return err
		}

		d := time.Since(start)
		e.obs.ObserveStage(string(step), d)
		log.Debug("workflow: step complete",
			slog.String("step", string(step)),
			slog.Int64("duration_ms", d.Milliseconds()),
		)
	}
	return nil
}

func (e *Engine) route(ctx context.Context, st *State) error {
	start := time.Now()
	d, err := e.router.Route(ctx, st.Question, st.knownContexts)
	st.Metadata["route_ms"] = time.Since(start).Milliseconds()
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		st.fail(KindRouting, err)
		e.obs.RoutingFallback()
		logging.FromContext(ctx).Warn("workflow: routing failed, falling back to retrieval", slog.String("error", err.Error()))
		d = router.Decision{
			IntentType:     router.IntentEmailQuery,
			NeedsRetrieval: true,
			RouteTo:        router.RouteRetrieve,
			Reason:         "routing failed; retrieving",
		}
	}

	if d.RouteTo == router.RouteGenerate {
		switch {
		case len(st.knownContexts) == 0:
			d.RouteTo, d.NeedsRetrieval = router.RouteRetrieve, true
			d.Reason = "no known contexts; retrieving"
		case d.HasSufficientContext != nil && !*d.HasSufficientContext:
			d.RouteTo, d.NeedsRetrieval = router.RouteRetrieve, true
			d.Reason = "known contexts insufficient; retrieving"
		}
	}

	st.decision = d
	st.Intent = intentFor(d)
	st.Metadata["intent"] = string(st.Intent)
	st.Metadata["intent_type"] = d.IntentType
	st.Metadata["route_to"] = d.RouteTo
	st.Metadata["route_reason"] = d.Reason
	st.Metadata["needs_retrieval"] = d.NeedsRetrieval

	if d.RouteTo == router.RouteGenerate {
		st.RawContexts = st.knownContexts
		st.RerankedContexts, _ = rag.PrefixReranker{}.Rerank(ctx, st.knownContexts, st.TopK)
	}
	return st.Advance(Step(d.RouteTo))
}

func (e *Engine) output(ctx context.Context, st *State, em Emitter) error {
	st.Answer = st.decision.SimpleResponse
	st.Sources = []Source{}
	if em != nil {
		if err := em.Sources(ctx, st.Sources); err != nil {
			return err
		}
		if err := em.Token(ctx, st.Answer); err != nil {
			return err
		}
	}
	return st.Advance(StepFinalize)
}

func (e *Engine) retrieve(ctx context.Context, st *State) error {
	log := logging.FromContext(ctx)
	query := st.Question
	if st.UseHyDE {
		start := time.Now()
		passage, err := e.gen.Hypothetical(ctx, st.Question)
		st.Metadata["hyde_ms"] = time.Since(start).Milliseconds()
		switch {
		case err == nil:
			query = passage
		case ctx.Err() != nil:
			return ctx.Err()
		default:
			st.Metadata["hyde_error"] = err.Error()
			log.Warn("workflow: hyde failed, using the question", slog.String("error", err.Error()))
		}
	}

	fetchK := st.TopK * rag.DefaultFetchMultiplier
	if fs, ok := e.retriever.(fetchSizer); ok {
		fetchK = fs.FetchK(st.TopK)
	}
	st.Metadata["fetch_k"] = fetchK

	start := time.Now()
	raw, err := e.retriever.Retrieve(ctx, st.TenantID, query, st.TopK)
	st.Metadata["retrieve_ms"] = time.Since(start).Milliseconds()
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		st.fail(KindRetrieval, err)
		e.obs.RetrievalDegraded()
		log.Warn("workflow: retrieval failed, answering without context", slog.String("error", err.Error()))
		raw = nil
	}
	st.RawContexts = raw

	if len(raw) > st.TopK {
		return st.Advance(StepRerank)
	}
	st.RerankedContexts = raw
	return st.Advance(StepGenerate)
}

func (e *Engine) rerank(ctx context.Context, st *State) error {
	start := time.Now()
	out, err := e.reranker.Rerank(ctx, st.RawContexts, st.TopK)
	st.Metadata["rerank_ms"] = time.Since(start).Milliseconds()
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		logging.FromContext(ctx).Warn("workflow: rerank failed, keeping distance order", slog.String("error", err.Error()))
		out, _ = rag.PrefixReranker{}.Rerank(ctx, st.RawContexts, st.TopK)
	}
	st.RerankedContexts = out
	return st.Advance(StepGenerate)
}

func (e *Engine) generate(ctx context.Context, st *State, em Emitter) error {
	contexts := st.RerankedContexts
	st.Sources = SourcesFor(contexts)
	in := generator.Input{
		Question:    st.Question,
		Contexts:    contexts,
		History:     st.History,
		Temperature: st.Temperature,
		MaxTokens:   st.MaxTokens,
	}

	start := time.Now()
	var (
		answer  string
		err     error
		emitted bool
		emitErr error
	)
	if em == nil {
		answer, err = e.gen.Generate(ctx, in)
	} else {
		if err := em.Sources(ctx, st.Sources); err != nil {
			return err
		}
		answer, err = e.gen.Stream(ctx, in, func(tok string) error {
			emitted = true
			emitErr = em.Token(ctx, tok)
			return emitErr
		})
	}
	st.Metadata["generation_ms"] = time.Since(start).Milliseconds()

	if err != nil {
		if emitErr != nil {
			return emitErr
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		st.fail(KindGeneration, err)
		logging.FromContext(ctx).Warn("workflow: generation failed", slog.String("error", err.Error()))
		apology := generator.Apology(err)
		if emitted {
			apology = "\n\n" + apology
			answer += apology
		} else {
			answer = apology
		}
		if em != nil {
			if err := em.Token(ctx, apology); err != nil {
				return err
			}
		}
	}
	st.Answer = answer
	return st.Advance(StepFinalize)
}

// stageTimings are the metadata keys summed into latency_ms.
var stageTimings = []string{"route_ms", "hyde_ms", "retrieve_ms", "rerank_ms", "generation_ms"}

func (e *Engine) finalize(ctx context.Context, st *State) error {
	var total int64
	for _, k := range stageTimings {
		if v, ok := st.Metadata[k].(int64); ok {
			total += v
		}
	}
	st.Metadata["latency_ms"] = total

	// A cancelled turn must not overwrite the thread's last good state.
	if e.ckpt != nil && st.ThreadID != "" && ctx.Err() == nil {
		history := make([]*schema.Message, 0, len(st.History)+2)
		history = append(history, st.History...)
		history = append(history,
			schema.UserMessage(st.Question),
			schema.AssistantMessage(st.Answer, nil),
		)
		last := st.knownContexts
		if st.decision.RouteTo != router.RouteOutput {
			last = st.RerankedContexts
		}
		e.ckpt.Save(checkpoint.Key(st.TenantID, st.ThreadID), checkpoint.Snapshot{
			TenantID:     st.TenantID,
			History:      history,
			LastContexts: last,
		})
	}
	return st.Advance(StepDone)
}

func responseOf(st *State) *Response {
	sources := st.Sources
	if sources == nil {
		sources = []Source{}
	}
	return &Response{Answer: st.Answer, Sources: sources, Metadata: st.Metadata}
}
