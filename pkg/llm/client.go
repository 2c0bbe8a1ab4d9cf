// Package llm wraps the Gemini API behind a tool-calling chat interface.
// The LLM is treated as an opaque oracle: callers hand it a prompt and a
// tool set, and get back the final text plus usage accounting.
package llm

import (
	"context"
	"errors"

	"github.com/nadermedhet148/sql-insight-engine/pkg/config"
)

// ToolParam describes one parameter of a tool exposed to the LLM.
type ToolParam struct {
	Type        string
	Description string
}

// Tool is a callable the LLM may invoke during a chat. Invoke never returns
// an error; failures come back in-band as "Error: ..." strings.
type Tool interface {
	Name() string
	Description() string
	Params() (properties map[string]ToolParam, required []string)
	Invoke(ctx context.Context, args map[string]any) string
}

// Usage accumulates token and tool-call counts over one chat.
type Usage struct {
	PromptTokens    int64
	CandidateTokens int64
	TotalTokens     int64
	ToolCalls       int
}

// AsMap renders usage the way it is persisted in call-stack metadata.
func (u Usage) AsMap() map[string]any {
	return map[string]any{
		"prompt_token_count":     u.PromptTokens,
		"candidates_token_count": u.CandidateTokens,
		"total_token_count":      u.TotalTokens,
		"tool_calls":             u.ToolCalls,
	}
}

// ChatResult is the outcome of one agentic chat.
type ChatResult struct {
	// Text is the model's final textual answer.
	Text string
	// Usage aggregates tokens and tool calls across all loop iterations.
	Usage Usage
	// History is the sanitized interaction transcript (prompt, function
	// calls, function responses, final text) for trace metadata.
	History []map[string]any
}

// Client is the LLM surface used by the saga workers.
type Client interface {
	// Chat sends the prompt and drives the tool-calling loop until the
	// model produces a text-only answer.
	Chat(ctx context.Context, prompt string, tools []Tool) (*ChatResult, error)
	// Model returns the model identifier for metric labels.
	Model() string
}

// ErrNoAPIKey is returned when a real client is requested without a key.
var ErrNoAPIKey = errors.New("llm: GEMINI_API_KEY is not set")

// New returns the configured client: the offline mock when cfg.Mock is set,
// otherwise the Gemini-backed client.
func New(ctx context.Context, cfg config.LLMConfig) (Client, error) {
	if cfg.Mock {
		return NewMock(cfg), nil
	}
	return NewGemini(ctx, cfg)
}
