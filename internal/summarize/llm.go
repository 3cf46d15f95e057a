// LLM-backed summarizer.
package summarize

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ctxkit/compactor/external"
)

// DefaultSystemPrompt instructs the model to produce a summary that keeps
// decision-relevant information: what was decided, what failed, which files
// changed, and what remains to be done.
const DefaultSystemPrompt = `You are summarizing a coding-agent conversation that must be compacted.
Produce a concise summary that preserves:
1. Decisions made and their reasons
2. Errors encountered and how they were resolved
3. Files created or modified
4. Outstanding work and open questions
Do not include pleasantries or restate tool output verbatim.`

// LLMConfig configures the LLM-backed summarizer.
type LLMConfig struct {
	Provider     string        `yaml:"provider"` // "anthropic", "openai", "gemini", "bedrock"
	Endpoint     string        `yaml:"endpoint"`
	APIKey       string        `yaml:"api_key"`
	Model        string        `yaml:"model"`
	MaxTokens    int           `yaml:"max_tokens"`
	Timeout      time.Duration `yaml:"timeout"`
	SystemPrompt string        `yaml:"system_prompt"`
}

// LLMSummarizer summarizes via a hosted model. Failures propagate to the
// caller, which degrades the affected chunk to truncation; an LLM outage
// must never abort the pipeline.
type LLMSummarizer struct {
	cfg    LLMConfig
	client *external.Client
}

// NewLLM creates an LLM-backed summarizer.
func NewLLM(cfg LLMConfig, client *external.Client) *LLMSummarizer {
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = DefaultSystemPrompt
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 2048
	}
	if client == nil {
		client = external.NewClient(nil)
	}
	return &LLMSummarizer{cfg: cfg, client: client}
}

// Summarize implements Summarizer.
func (s *LLMSummarizer) Summarize(ctx context.Context, text string) (string, error) {
	start := time.Now()
	result, err := s.client.Call(ctx, external.CallParams{
		Provider:     s.cfg.Provider,
		Endpoint:     s.cfg.Endpoint,
		APIKey:       s.cfg.APIKey,
		Model:        s.cfg.Model,
		SystemPrompt: s.cfg.SystemPrompt,
		UserPrompt:   fmt.Sprintf("Summarize the following conversation:\n\n%s", text),
		MaxTokens:    s.cfg.MaxTokens,
		Timeout:      s.cfg.Timeout,
	})
	if err != nil {
		return "", fmt.Errorf("llm summarization failed: %w", err)
	}
	if result.Content == "" {
		return "", fmt.Errorf("llm returned empty summary")
	}
	log.Debug().
		Str("model", s.cfg.Model).
		Int("output_tokens", result.OutputTokens).
		Dur("duration", time.Since(start)).
		Msg("llm summarization complete")
	return result.Content, nil
}
