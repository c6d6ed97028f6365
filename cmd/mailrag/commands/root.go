// Package commands defines all Cobra CLI commands for the mailrag binary.
package commands

import (
	"github.com/spf13/cobra"

	"github.com/54b3r/mailrag-go/internal/audit"
	"github.com/54b3r/mailrag-go/internal/config"
	"github.com/54b3r/mailrag-go/internal/logging"
)

// configPath holds the --config flag value for YAML config file override.
var configPath string

// NewRootCmd constructs the root Cobra command that all subcommands attach to.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "mailrag",
		Short: "Conversational question answering over an email archive",
		Long: `mailrag indexes a mailbox export and answers questions about it with
citations to the messages each answer was drawn from.

The chat model is selected with MODEL_PROVIDER, the embedding backend with
EMBEDDING_PROVIDER and the vector index with MAILRAG_VECTOR_STORE, or with a
YAML config file (~/.mailrag/config.yaml). A .env file in the working
directory is read first.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			// Load config before building the logger so LOG_* from the file apply.
			path, err := config.Load(configPath, logging.New())
			if err != nil {
				return err
			}
			log := logging.New()
			cmd.SetContext(logging.WithLogger(cmd.Context(), log))
			audit.LogCommandStart(cmd.Context(), log, cmd.Name(), path)
			return nil
		},
	}

	root.PersistentFlags().StringVar(&configPath, "config", "", "Path to YAML config file (default: ~/.mailrag/config.yaml)")

	root.AddCommand(
		NewServeCmd(),
		NewAskCmd(),
		NewIndexCmd(),
		NewVersionCmd(),
	)

	return root
}
