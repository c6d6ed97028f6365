package embedder

import (
	"fmt"
	"log/slog"
	"strings"
)

// knownChatModelPrefixes contains name fragments of chat/completion models,
// which produce poor or no embeddings.
var knownChatModelPrefixes = []string{
	"gpt-4",
	"gpt-3.5",
	"gpt-35",
	"o1",
	"o3",
	"llama3",
	"llama2",
	"llama-3",
	"mistral",
	"mixtral",
	"gemma",
	"gemini-",
	"phi3",
	"claude",
	"deepseek",
	"qwen",
}

// looksLikeChatModel reports whether model resembles a chat model rather than
// a dedicated embedding model.
func looksLikeChatModel(model string) bool {
	lower := strings.ToLower(model)
	for _, prefix := range knownChatModelPrefixes {
		if strings.Contains(lower, prefix) {
			return true
		}
	}
	return false
}

// Validate is a startup pre-flight check of cfg. It returns an error when the
// configuration cannot work (missing credentials, unsupported backend) and
// logs a warning when the model name looks like a chat model, so operators
// see the problem before the first indexing run rather than mid-batch.
func Validate(cfg *Config, log *slog.Logger) error {
	switch cfg.Provider {
	case "ollama":
	case "openai", "gemini":
		if cfg.APIKey == "" {
			return fmt.Errorf("embedder: %s embedding needs an API key (EMBEDDING_API_KEY or the provider's key)", cfg.Provider)
		}
	case "azure":
		if cfg.APIKey == "" {
			return fmt.Errorf("embedder: azure embedding needs AZURE_OPENAI_API_KEY or EMBEDDING_API_KEY")
		}
		if cfg.Endpoint == "" {
			return fmt.Errorf("embedder: azure embedding needs AZURE_OPENAI_ENDPOINT or EMBEDDING_ENDPOINT")
		}
	case "bedrock":
		return fmt.Errorf("embedder: bedrock has no embedding backend; set EMBEDDING_PROVIDER to ollama, openai, azure or gemini")
	default:
		return fmt.Errorf("embedder: unknown backend %q", cfg.Provider)
	}

	if cfg.Model != "" && looksLikeChatModel(cfg.Model) {
		log.Warn("embedder: EMBEDDING_MODEL looks like a chat model, not an embedding model",
			slog.String("model", cfg.Model),
			slog.String("hint", "use a dedicated embedding model e.g. nomic-embed-text, text-embedding-3-small"),
		)
	}
	return nil
}
