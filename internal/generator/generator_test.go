package generator

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"github.com/54b3r/mailrag-go/internal/rag"
)

// echoModel returns reply (or streams its words) and records the input.
type echoModel struct {
	reply string
	err   error
	got   []*schema.Message
	opts  *model.Options
}

func (m *echoModel) Generate(_ context.Context, in []*schema.Message, opts ...model.Option) (*schema.Message, error) {
	m.got = in
	m.opts = model.GetCommonOptions(nil, opts...)
	if m.err != nil {
		return nil, m.err
	}
	return schema.AssistantMessage(m.reply, nil), nil
}

func (m *echoModel) Stream(_ context.Context, in []*schema.Message, opts ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	m.got = in
	m.opts = model.GetCommonOptions(nil, opts...)
	if m.err != nil {
		return nil, m.err
	}
	var parts []*schema.Message
	for _, w := range strings.SplitAfter(m.reply, " ") {
		parts = append(parts, schema.AssistantMessage(w, nil))
	}
	return schema.StreamReaderFromArray(parts), nil
}

var invoiceContexts = []rag.Context{
	{ID: "c1", Text: "The ACME invoice is due on May 3.", Metadata: rag.Metadata{MessageID: "m-1"}},
	{ID: "c2", Text: "Payment was approved by finance.", Metadata: rag.Metadata{MessageID: "m-2"}},
}

func TestGenerator_Generate_BuildsPrompt(t *testing.T) {
	t.Parallel()

	m := &echoModel{reply: "It is due on May 3 [m-1]."}
	g, err := New(m, Config{})
	if err != nil {
		t.Fatal(err)
	}

	history := []*schema.Message{
		schema.UserMessage("hi"),
		schema.AssistantMessage("Hello!", nil),
	}
	answer, err := g.Generate(context.Background(), Input{
		Question:    "When is the ACME invoice due?",
		Contexts:    invoiceContexts,
		History:     history,
		Temperature: 0.2,
		MaxTokens:   300,
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if answer != "It is due on May 3 [m-1]." {
		t.Errorf("answer = %q", answer)
	}

	if len(m.got) != 4 {
		t.Fatalf("want [system, 2 history, user], got %d messages", len(m.got))
	}
	if m.got[0].Role != schema.System || !strings.Contains(m.got[0].Content, InsufficientAnswer) {
		t.Error("system prompt missing or lacks the insufficiency instruction")
	}
	if m.got[1].Content != "hi" || m.got[2].Content != "Hello!" {
		t.Error("history not placed between system and user messages")
	}
	user := m.got[3].Content
	for _, want := range []string{"[message_id=m-1] The ACME invoice", "[message_id=m-2] Payment", "Question: When is the ACME invoice due?"} {
		if !strings.Contains(user, want) {
			t.Errorf("user prompt missing %q:\n%s", want, user)
		}
	}
	if *m.opts.Temperature != 0.2 || *m.opts.MaxTokens != 300 {
		t.Errorf("options not forwarded: temp=%v max=%v", *m.opts.Temperature, *m.opts.MaxTokens)
	}
}

func TestGenerator_TrimsHistoryToBudget(t *testing.T) {
	t.Parallel()

	m := &echoModel{reply: "ok"}
	// A fixed-cost estimator makes the budget arithmetic exact: each message
	// costs 4 overhead + 1 role + 1 content = 6 tokens.
	g, _ := New(m, Config{MaxContextTokens: 24, Estimator: func(string) int { return 1 }})

	var history []*schema.Message
	for range 6 {
		history = append(history, schema.UserMessage("earlier"))
	}
	if _, err := g.Generate(context.Background(), Input{Question: "q", History: history}); err != nil {
		t.Fatal(err)
	}
	// system + user = 12, leaving room for exactly 2 history messages.
	if len(m.got) != 4 {
		t.Errorf("want 2 history messages kept (4 total), got %d total", len(m.got))
	}
}

func TestGenerator_NoContexts(t *testing.T) {
	t.Parallel()
	m := &echoModel{reply: InsufficientAnswer}
	g, _ := New(m, Config{})
	if _, err := g.Generate(context.Background(), Input{Question: "Who is Bob?"}); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(m.got[len(m.got)-1].Content, "(no matching emails were found)") {
		t.Error("empty context should be stated explicitly in the prompt")
	}
}

func TestGenerator_Stream(t *testing.T) {
	t.Parallel()

	m := &echoModel{reply: "due on May 3"}
	g, _ := New(m, Config{})

	var tokens []string
	answer, err := g.Stream(context.Background(), Input{Question: "q", Contexts: invoiceContexts}, func(tok string) error {
		tokens = append(tokens, tok)
		return nil
	})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if answer != "due on May 3" || strings.Join(tokens, "") != answer {
		t.Errorf("answer=%q tokens=%q", answer, tokens)
	}
	if len(tokens) != 4 {
		t.Errorf("want 4 incremental tokens, got %d", len(tokens))
	}

	stop := errors.New("client gone")
	if _, err := g.Stream(context.Background(), Input{Question: "q"}, func(string) error { return stop }); !errors.Is(err, stop) {
		t.Errorf("onToken error should abort the stream, got %v", err)
	}
}

func TestGenerator_Errors(t *testing.T) {
	t.Parallel()

	if _, err := New(nil, Config{}); !errors.Is(err, rag.ErrNilDependency) {
		t.Errorf("New(nil) = %v", err)
	}

	boom := errors.New("rate limited")
	g, _ := New(&echoModel{err: boom}, Config{})
	if _, err := g.Generate(context.Background(), Input{Question: "q"}); !errors.Is(err, boom) {
		t.Errorf("Generate error = %v", err)
	}
	if _, err := g.Stream(context.Background(), Input{Question: "q"}, nil); !errors.Is(err, boom) {
		t.Errorf("Stream error = %v", err)
	}
	if got := Apology(boom); !strings.HasPrefix(got, "Sorry, I encountered an error") {
		t.Errorf("Apology = %q", got)
	}
}

func TestGenerator_Hypothetical(t *testing.T) {
	t.Parallel()

	m := &echoModel{reply: "  Hi team, the offsite is on June 12 in Denver.  "}
	g, _ := New(m, Config{})
	got, err := g.Hypothetical(context.Background(), "When is the offsite?")
	if err != nil {
		t.Fatal(err)
	}
	if got != "Hi team, the offsite is on June 12 in Denver." {
		t.Errorf("passage = %q", got)
	}
	if *m.opts.MaxTokens != hydeMaxTokens {
		t.Errorf("hyde max tokens = %d", *m.opts.MaxTokens)
	}

	g, _ = New(&echoModel{reply: "   "}, Config{})
	if _, err := g.Hypothetical(context.Background(), "q"); err == nil {
		t.Error("blank passage should be an error")
	}
}
