package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/54b3r/mailrag-go/internal/logging"
	"github.com/54b3r/mailrag-go/internal/workflow"
)

// NewAskCmd constructs the `mailrag ask` command, which answers one question
// against a tenant's index and streams the answer to stdout.
func NewAskCmd() *cobra.Command {
	var (
		req         workflow.Request
		temperature float32
		asJSON      bool
	)

	cmd := &cobra.Command{
		Use:   "ask [question]",
		Short: "Ask a question about an indexed mailbox",
		Long: `Ask a question about a tenant's indexed email archive.

The answer is streamed to stdout followed by the messages it cites.
Use --json to print the full response, including timing metadata.
Each invocation is a fresh conversation; multi-turn threads are served
by "mailrag serve", which keeps checkpoints for the life of the process.

Examples:
  mailrag ask --tenant acme "when did we agree on the renewal price?"
  mailrag ask --tenant acme --hyde --top-k 10 "who owns the Q3 migration?"
  mailrag ask --tenant acme --json "hi"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			log := logging.FromContext(ctx)

			req.Question = strings.Join(args, " ")
			if req.TenantID == "" {
				req.TenantID = os.Getenv("MAILRAG_TENANT")
			}
			if cmd.Flags().Changed("temperature") {
				req.Temperature = &temperature
			}
			if _, err := req.Validate(); err != nil {
				return fmt.Errorf("ask: %w", err)
			}

			st, err := buildStack(ctx, log, nil)
			if err != nil {
				return fmt.Errorf("ask: %w", err)
			}
			defer func() { _ = st.Close() }()

			out := cmd.OutOrStdout()
			if asJSON {
				resp, err := st.engine.Run(ctx, req)
				if err != nil {
					return fmt.Errorf("ask: %w", err)
				}
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(resp)
			}

			if err := st.engine.Stream(ctx, req, &textEmitter{w: out}); err != nil {
				return fmt.Errorf("ask: %w", err)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&req.TenantID, "tenant", "t", "", "Tenant whose archive is searched (MAILRAG_TENANT)")
	cmd.Flags().IntVarP(&req.TopK, "top-k", "k", workflow.DefaultTopK, "Number of emails cited")
	cmd.Flags().Float32Var(&temperature, "temperature", workflow.DefaultTemperature, "Sampling temperature")
	cmd.Flags().IntVar(&req.MaxTokens, "max-tokens", workflow.DefaultMaxTokens, "Answer length cap")
	cmd.Flags().BoolVar(&req.UseHyDE, "hyde", false, "Search with a hypothetical answer instead of the raw question")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the full JSON response")

	return cmd
}

// textEmitter renders a streamed turn for a terminal: tokens as they arrive,
// then the cited sources.
type textEmitter struct {
	w       io.Writer
	sources []workflow.Source
}

func (e *textEmitter) Sources(_ context.Context, sources []workflow.Source) error {
	e.sources = sources
	return nil
}

func (e *textEmitter) Token(_ context.Context, token string) error {
	_, err := io.WriteString(e.w, token)
	return err
}

func (e *textEmitter) Done(_ context.Context, _ *workflow.Response) error {
	if _, err := fmt.Fprintln(e.w); err != nil {
		return err
	}
	if len(e.sources) == 0 {
		return nil
	}
	if _, err := fmt.Fprintln(e.w, "\nSources:"); err != nil {
		return err
	}
	for i, s := range e.sources {
		if _, err := fmt.Fprintf(e.w, "  [%d] %s  %s  (%s, %s)\n", i+1, s.MessageID, s.Subject, s.FromAddr, s.Date); err != nil {
			return err
		}
	}
	return nil
}
