// Package external is the LLM API client backing the injectable summarizer.
//
// Client.Call is the single entry point for any supported provider
// (Anthropic, OpenAI, Gemini, Bedrock). The compaction engine itself never
// imports this package; only the LLM-backed Summarizer does, keeping the
// wire protocol an external collaborator of the core.
package external

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	// DefaultTimeout for LLM API calls.
	DefaultTimeout = 60 * time.Second

	// maxResponseSize guards against OOM on unexpectedly large responses (10MB).
	maxResponseSize = 10 * 1024 * 1024

	// maxErrorBodyLen limits error bodies quoted in error messages.
	maxErrorBodyLen = 500

	// anthropicVersion is the Anthropic API version header value.
	anthropicVersion = "2023-06-01"
)

// CallParams contains parameters for one text-generation call.
type CallParams struct {
	// Provider overrides endpoint-based detection. One of:
	// "anthropic", "openai", "gemini", "bedrock".
	Provider string

	Endpoint     string
	APIKey       string
	Model        string
	SystemPrompt string
	UserPrompt   string
	MaxTokens    int
	Timeout      time.Duration
}

func (p *CallParams) validate() error {
	if p.Endpoint == "" {
		return fmt.Errorf("endpoint required")
	}
	// Bedrock authenticates via the SigV4 signing transport, not an API key.
	if p.APIKey == "" && p.Provider != "bedrock" {
		return fmt.Errorf("api key required")
	}
	if p.Model == "" {
		return fmt.Errorf("model required")
	}
	if p.Timeout == 0 {
		p.Timeout = DefaultTimeout
	}
	return nil
}

// CallResult is the response from an LLM call.
type CallResult struct {
	Content      string
	InputTokens  int
	OutputTokens int
	Provider     string
}

// Client calls LLM providers over HTTP. A nil http.Client uses a default
// whose timeout comes from the per-call context.
type Client struct {
	httpClient *http.Client
}

// NewClient creates a client. Pass an http.Client with a signing transport
// for Bedrock; nil uses the default transport.
func NewClient(httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{httpClient: httpClient}
}

// Call performs a text-generation request against the configured provider.
//
// Provider detection (when params.Provider is empty):
//   - "bedrock" in URL → Bedrock (Anthropic Messages format, SigV4 transport)
//   - "anthropic" in URL → Anthropic Messages API
//   - "generativelanguage.googleapis.com" in URL → Gemini generateContent
//   - otherwise → OpenAI Chat Completions
func (c *Client) Call(ctx context.Context, params CallParams) (*CallResult, error) {
	if err := params.validate(); err != nil {
		return nil, fmt.Errorf("invalid call params: %w", err)
	}

	provider := params.Provider
	if provider == "" {
		provider = DetectProvider(params.Endpoint)
	}

	body, err := buildRequestBody(provider, params)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s request: %w", provider, err)
	}

	ctx, cancel := context.WithTimeout(ctx, params.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, params.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create %s request: %w", provider, err)
	}
	req.Header.Set("Content-Type", "application/json")
	setAuthHeaders(req, provider, params.APIKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s request failed: %w", provider, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read %s response: %w", provider, err)
	}

	if resp.StatusCode != http.StatusOK {
		errBody := string(respBody)
		if len(errBody) > maxErrorBodyLen {
			errBody = errBody[:maxErrorBodyLen] + "... (truncated)"
		}
		return nil, fmt.Errorf("%s API returned status %d: %s", provider, resp.StatusCode, errBody)
	}

	return parseResponse(provider, respBody)
}

// DetectProvider infers the LLM provider from an endpoint URL. For proxies
// and custom endpoints, set CallParams.Provider explicitly instead.
func DetectProvider(endpoint string) string {
	switch {
	case strings.Contains(endpoint, "bedrock"):
		return "bedrock"
	case strings.Contains(endpoint, "anthropic"):
		return "anthropic"
	case strings.Contains(endpoint, "generativelanguage.googleapis.com"):
		return "gemini"
	default:
		return "openai"
	}
}

func setAuthHeaders(req *http.Request, provider, apiKey string) {
	switch provider {
	case "anthropic":
		req.Header.Set("x-api-key", apiKey)
		req.Header.Set("anthropic-version", anthropicVersion)
	case "bedrock":
		// Signed by the transport; no auth headers here.
	case "gemini":
		req.Header.Set("x-goog-api-key", apiKey)
	default: // openai
		req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", apiKey))
	}
}

// Temperature is pinned to 0 where the provider accepts it: summaries feed a
// deterministic pipeline, so sampling noise has no upside here.
func buildRequestBody(provider string, params CallParams) ([]byte, error) {
	switch provider {
	case "anthropic", "bedrock":
		// Bedrock with Anthropic models speaks the same Messages format,
		// with anthropic_version pinned to the Bedrock variant.
		req := &anthropicRequest{
			Model:       params.Model,
			MaxTokens:   params.MaxTokens,
			System:      params.SystemPrompt,
			Messages:    []anthropicMessage{{Role: "user", Content: params.UserPrompt}},
			Temperature: 0.0,
		}
		if provider == "bedrock" {
			req.AnthropicVersion = "bedrock-2023-05-31"
		}
		return json.Marshal(req)
	case "gemini":
		return json.Marshal(&geminiRequest{
			SystemInstruction: &geminiContent{Parts: []geminiPart{{Text: params.SystemPrompt}}},
			Contents: []geminiContent{
				{Role: "user", Parts: []geminiPart{{Text: params.UserPrompt}}},
			},
			GenerationConfig: &geminiGenerationConfig{
				MaxOutputTokens: params.MaxTokens,
				Temperature:     0.0,
			},
		})
	default: // openai; temperature omitted, o-series models reject the field
		return json.Marshal(&openAIChatRequest{
			Model: params.Model,
			Messages: []openAIMessage{
				{Role: "system", Content: params.SystemPrompt},
				{Role: "user", Content: params.UserPrompt},
			},
			MaxCompletionTokens: params.MaxTokens,
		})
	}
}

func parseResponse(provider string, body []byte) (*CallResult, error) {
	result := &CallResult{Provider: provider}

	switch provider {
	case "anthropic", "bedrock":
		var resp anthropicResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			return nil, fmt.Errorf("failed to parse %s response: %w", provider, err)
		}
		for _, block := range resp.Content {
			if block.Type == "text" {
				result.Content += block.Text
			}
		}
		if result.Content == "" {
			return nil, fmt.Errorf("%s response contained no text blocks", provider)
		}
		result.InputTokens = resp.Usage.InputTokens
		result.OutputTokens = resp.Usage.OutputTokens

	case "gemini":
		var resp geminiResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			return nil, fmt.Errorf("failed to parse gemini response: %w", err)
		}
		if len(resp.Candidates) == 0 {
			return nil, fmt.Errorf("gemini response contained no candidates")
		}
		for _, part := range resp.Candidates[0].Content.Parts {
			result.Content += part.Text
		}
		result.InputTokens = resp.UsageMetadata.PromptTokenCount
		result.OutputTokens = resp.UsageMetadata.CandidatesTokenCount

	default: // openai
		var resp openAIChatResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			return nil, fmt.Errorf("failed to parse openai response: %w", err)
		}
		if len(resp.Choices) == 0 {
			return nil, fmt.Errorf("openai response contained no choices")
		}
		result.Content = resp.Choices[0].Message.Content
		result.InputTokens = resp.Usage.PromptTokens
		result.OutputTokens = resp.Usage.CompletionTokens
	}

	return result, nil
}
