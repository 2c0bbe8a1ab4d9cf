package llm

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"google.golang.org/genai"

	"github.com/nadermedhet148/sql-insight-engine/pkg/config"
)

// maxToolIterationsDefault bounds the function-calling loop when the
// configuration does not.
const maxToolIterationsDefault = 16

// Gemini is the production LLM client.
type Gemini struct {
	client        *genai.Client
	model         string
	maxIterations int
	logger        *slog.Logger
}

// NewGemini creates a Gemini client from configuration.
func NewGemini(ctx context.Context, cfg config.LLMConfig) (*Gemini, error) {
	if cfg.APIKey == "" {
		return nil, ErrNoAPIKey
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("creating Gemini client: %w", err)
	}
	maxIter := cfg.MaxToolIterations
	if maxIter <= 0 {
		maxIter = maxToolIterationsDefault
	}
	return &Gemini{
		client:        client,
		model:         cfg.Model,
		maxIterations: maxIter,
		logger:        slog.Default(),
	}, nil
}

// Model returns the configured model identifier.
func (g *Gemini) Model() string { return g.model }

// Chat drives the function-calling loop: send the conversation, execute any
// function calls the model returns through the bound tools, feed the
// responses back, and repeat until the model answers with text only (or the
// iteration bound is hit, in which case the last text seen is returned).
func (g *Gemini) Chat(ctx context.Context, prompt string, tools []Tool) (*ChatResult, error) {
	byName := make(map[string]Tool, len(tools))
	for _, t := range tools {
		byName[t.Name()] = t
	}

	genCfg := &genai.GenerateContentConfig{}
	if decls := declarations(tools); len(decls) > 0 {
		genCfg.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
	}

	contents := []*genai.Content{
		{Role: genai.RoleUser, Parts: []*genai.Part{{Text: prompt}}},
	}

	result := &ChatResult{
		History: []map[string]any{{"role": "user", "parts": []any{map[string]any{"text": prompt}}}},
	}

	for iteration := 0; iteration < g.maxIterations; iteration++ {
		resp, err := g.client.Models.GenerateContent(ctx, g.model, contents, genCfg)
		if err != nil {
			return nil, fmt.Errorf("generate content: %w", err)
		}
		g.accumulateUsage(resp, &result.Usage)

		content := candidateContent(resp)
		if content == nil {
			return nil, fmt.Errorf("generate content: empty response")
		}

		text, calls := splitParts(content)
		result.History = append(result.History, historyEntry("model", content))

		if len(calls) == 0 {
			result.Text = text
			return result, nil
		}

		// Execute requested tools and feed the responses back.
		contents = append(contents, content)
		responseParts := make([]*genai.Part, 0, len(calls))
		historyParts := make([]any, 0, len(calls))
		for _, call := range calls {
			result.Usage.ToolCalls++
			out := g.dispatch(ctx, byName, call)
			responseParts = append(responseParts, &genai.Part{
				FunctionResponse: &genai.FunctionResponse{
					Name:     call.Name,
					Response: map[string]any{"result": out},
				},
			})
			historyParts = append(historyParts, map[string]any{
				"function_response": map[string]any{"name": call.Name, "response": out},
			})
		}
		contents = append(contents, &genai.Content{Role: genai.RoleUser, Parts: responseParts})
		result.History = append(result.History, map[string]any{"role": "user", "parts": historyParts})

		if text != "" {
			// Keep the latest text in case the loop bound forces an exit.
			result.Text = text
		}
	}

	g.logger.Warn("Tool-calling loop hit iteration bound", "model", g.model, "iterations", g.maxIterations)
	return result, nil
}

// dispatch resolves and invokes one function call. Unknown tools are
// reported in-band so the model can self-correct.
func (g *Gemini) dispatch(ctx context.Context, byName map[string]Tool, call *genai.FunctionCall) string {
	tool, ok := byName[call.Name]
	if !ok {
		return fmt.Sprintf("Error: unknown tool %q", call.Name)
	}
	return tool.Invoke(ctx, call.Args)
}

func (g *Gemini) accumulateUsage(resp *genai.GenerateContentResponse, usage *Usage) {
	if resp.UsageMetadata == nil {
		return
	}
	usage.PromptTokens += int64(resp.UsageMetadata.PromptTokenCount)
	usage.CandidateTokens += int64(resp.UsageMetadata.CandidatesTokenCount)
	usage.TotalTokens += int64(resp.UsageMetadata.TotalTokenCount)
}

// declarations converts tool schemas to Gemini function declarations.
func declarations(tools []Tool) []*genai.FunctionDeclaration {
	decls := make([]*genai.FunctionDeclaration, 0, len(tools))
	for _, t := range tools {
		props, required := t.Params()
		schema := &genai.Schema{
			Type:       genai.TypeObject,
			Properties: map[string]*genai.Schema{},
			Required:   required,
		}
		for name, p := range props {
			kind := strings.ToUpper(p.Type)
			if kind == "" {
				kind = "STRING"
			}
			schema.Properties[name] = &genai.Schema{
				Type:        genai.Type(kind),
				Description: p.Description,
			}
		}
		decls = append(decls, &genai.FunctionDeclaration{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  schema,
		})
	}
	return decls
}

// candidateContent returns the first candidate's content, if any.
func candidateContent(resp *genai.GenerateContentResponse) *genai.Content {
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return nil
	}
	return resp.Candidates[0].Content
}

// splitParts separates text parts from function-call parts.
func splitParts(content *genai.Content) (string, []*genai.FunctionCall) {
	var sb strings.Builder
	var calls []*genai.FunctionCall
	for _, part := range content.Parts {
		if part == nil {
			continue
		}
		if part.Text != "" {
			sb.WriteString(part.Text)
		}
		if part.FunctionCall != nil {
			calls = append(calls, part.FunctionCall)
		}
	}
	return sb.String(), calls
}

// historyEntry renders a model turn for the sanitized transcript.
func historyEntry(role string, content *genai.Content) map[string]any {
	parts := make([]any, 0, len(content.Parts))
	for _, part := range content.Parts {
		if part == nil {
			continue
		}
		if part.Text != "" {
			parts = append(parts, map[string]any{"text": part.Text})
		}
		if part.FunctionCall != nil {
			parts = append(parts, map[string]any{
				"function_call": map[string]any{
					"name": part.FunctionCall.Name,
					"args": part.FunctionCall.Args,
				},
			})
		}
	}
	return map[string]any{"role": role, "parts": parts}
}
