// Package generator writes the answer to an email question from retrieved
// email excerpts and the recent conversation, under an explicit token and
// temperature budget. It also writes the hypothetical passages used for
// HyDE retrieval.
package generator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"github.com/54b3r/mailrag-go/internal/budget"
	"github.com/54b3r/mailrag-go/internal/logging"
	"github.com/54b3r/mailrag-go/internal/rag"
)

// InsufficientAnswer is the phrase the model is told to use when the
// excerpts do not answer the question.
const InsufficientAnswer = "I don't have enough information in the emails to answer this question."

const systemPrompt = `You are an email assistant. Answer user questions strictly based on the provided email excerpts.

Guidelines:
- Only use information from the provided email contexts
- Cite sources by referencing message_id when possible
- If the answer is not in the provided emails, say "` + InsufficientAnswer + `"
- Be concise and helpful
- Maintain professional tone`

const hydePrompt = `Write a short, plausible email passage (3-5 sentences) that would answer the question below.
Write only the email text. Do not add a preamble.`

// hydeMaxTokens bounds the hypothetical passage.
const hydeMaxTokens = 200

// Input is one generation request.
type Input struct {
	Question    string
	Contexts    []rag.Context
	History     []*schema.Message
	Temperature float32
	MaxTokens   int
}

// Config tunes a Generator.
type Config struct {
	// MaxContextTokens is the estimated input budget. History is trimmed
	// oldest-first to fit. Defaults to budget.DefaultMaxContextTokens.
	MaxContextTokens int
	// Estimator counts tokens. Defaults to budget.Estimate.
	Estimator budget.Estimator
}

// Generator produces answers with a chat model.
type Generator struct {
	model            model.BaseChatModel
	maxContextTokens int
	estimate         budget.Estimator
}

// New returns a Generator backed by m.
func New(m model.BaseChatModel, cfg Config) (*Generator, error) {
	if m == nil {
		return nil, fmt.Errorf("generator: model: %w", rag.ErrNilDependency)
	}
	if cfg.MaxContextTokens <= 0 {
		cfg.MaxContextTokens = budget.DefaultMaxContextTokens
	}
	if cfg.Estimator == nil {
		cfg.Estimator = budget.Estimate
	}
	return &Generator{model: m, maxContextTokens: cfg.MaxContextTokens, estimate: cfg.Estimator}, nil
}

// Apology is the user-safe answer substituted when generation fails.
func Apology(err error) string {
	return fmt.Sprintf("Sorry, I encountered an error while generating the answer: %v", err)
}

// Generate returns the complete answer for in.
func (g *Generator) Generate(ctx context.Context, in Input) (string, error) {
	msgs := g.buildMessages(ctx, in)
	resp, err := g.model.Generate(ctx, msgs, callOptions(in)...)
	if err != nil {
		return "", fmt.Errorf("generator: generate: %w", err)
	}
	return resp.Content, nil
}

// Stream generates the answer incrementally, calling onToken with each
// non-empty fragment in order, and returns the full answer. An error from
// onToken aborts the stream and is returned.
func (g *Generator) Stream(ctx context.Context, in Input, onToken func(string) error) (string, error) {
	msgs := g.buildMessages(ctx, in)
	sr, err := g.model.Stream(ctx, msgs, callOptions(in)...)
	if err != nil {
		return "", fmt.Errorf("generator: stream: %w", err)
	}
	defer sr.Close()

	var answer strings.Builder
	for {
		msg, err := sr.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return answer.String(), fmt.Errorf("generator: stream receive: %w", err)
		}
		if msg == nil || msg.Content == "" {
			continue
		}
		answer.WriteString(msg.Content)
		if onToken != nil {
			if err := onToken(msg.Content); err != nil {
				return answer.String(), err
			}
		}
	}
	return answer.String(), nil
}

// Hypothetical writes a short imagined email that would answer question.
// Its embedding tends to sit closer to real answers than the question's.
func (g *Generator) Hypothetical(ctx context.Context, question string) (string, error) {
	resp, err := g.model.Generate(ctx, []*schema.Message{
		schema.SystemMessage(hydePrompt),
		schema.UserMessage(question),
	}, model.WithTemperature(0.3), model.WithMaxTokens(hydeMaxTokens))
	if err != nil {
		return "", fmt.Errorf("generator: hyde: %w", err)
	}
	passage := strings.TrimSpace(resp.Content)
	if passage == "" {
		return "", errors.New("generator: hyde: empty passage")
	}
	return passage, nil
}

func callOptions(in Input) []model.Option {
	opts := []model.Option{model.WithTemperature(in.Temperature)}
	if in.MaxTokens > 0 {
		opts = append(opts, model.WithMaxTokens(in.MaxTokens))
	}
	return opts
}

// buildMessages lays out [system, history..., user]. History is trimmed
// oldest-first so the estimated total fits the context budget.
func (g *Generator) buildMessages(ctx context.Context, in Input) []*schema.Message {
	system := schema.SystemMessage(systemPrompt)
	user := schema.UserMessage(buildUserPrompt(in.Question, in.Contexts))

	history := budget.TrimHistory([]*schema.Message{system, user}, in.History, g.maxContextTokens, g.estimate)
	if dropped := len(in.History) - len(history); dropped > 0 {
		logging.FromContext(ctx).Warn("budget: dropped history messages to fit context window",
			slog.Int("dropped", dropped),
			slog.Int("retained", len(history)),
			slog.Int("max_tokens", g.maxContextTokens),
		)
	}

	out := make([]*schema.Message, 0, len(history)+2)
	out = append(out, system)
	out = append(out, history...)
	out = append(out, user)
	return out
}

// FormatContexts renders contexts as "[message_id=X] text" blocks.
func FormatContexts(contexts []rag.Context) string {
	parts := make([]string, len(contexts))
	for i, c := range contexts {
		id := c.Metadata.MessageID
		if id == "" {
			id = "unknown"
		}
		parts[i] = fmt.Sprintf("[message_id=%s] %s", id, c.Text)
	}
	return strings.Join(parts, "\n\n")
}

func buildUserPrompt(question string, contexts []rag.Context) string {
	ctxText := FormatContexts(contexts)
	if ctxText == "" {
		ctxText = "(no matching emails were found)"
	}
	return "Email contexts:\n" + ctxText +
		"\n\nQuestion: " + question +
		"\n\nPlease provide a helpful answer based on the email contexts above."
}
