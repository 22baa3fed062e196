// factory.go maps provider config onto a Backend.
package llm

import (
	"fmt"
	"log/slog"
)

// anthropicCompatBase is Anthropic's OpenAI-compatible endpoint.
const anthropicCompatBase = "https://api.anthropic.com/v1"

// NewBackend builds the backend for a provider kind. apiKey comes from the
// keyring resolution chain; executor may be nil.
func NewBackend(kind, baseURL, apiKey string, models map[Role]string, executor ToolExecutor, logger *slog.Logger) (Backend, error) {
	switch kind {
	case "", "anthropic":
		if baseURL == "" {
			baseURL = anthropicCompatBase
		}
		return NewOpenAIBackend(baseURL, apiKey, models, executor, logger), nil
	case "openai-compatible", "mpp":
		return NewOpenAIBackend(baseURL, apiKey, models, executor, logger), nil
	case "claude-code", "codex-cli":
		return NewCLIBackend(kind, logger)
	default:
		return nil, fmt.Errorf("unknown provider kind %q", kind)
	}
}
