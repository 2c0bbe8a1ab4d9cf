package llm

import (
	"context"
	"log/slog"
	"regexp"
	"strings"

	"github.com/nadermedhet148/sql-insight-engine/pkg/config"
)

// Mock is the offline client used for load testing and CI (MOCK_GEMINI).
// It exercises the bound tools the way the real model would — list tables,
// search the schema index, describe a table — and returns canned responses
// shaped for each step's prompt.
type Mock struct {
	model  string
	logger *slog.Logger
}

// NewMock creates the offline client.
func NewMock(cfg config.LLMConfig) *Mock {
	return &Mock{model: cfg.Model + "-mock", logger: slog.Default()}
}

// Model returns the mock model label.
func (m *Mock) Model() string { return m.model }

var sqlQueryPattern = regexp.MustCompile(`(?s)SQL QUERY:\s*(.+?)\s*INSTRUCTIONS:`)

// Chat simulates one agentic exchange.
func (m *Mock) Chat(ctx context.Context, prompt string, tools []Tool) (*ChatResult, error) {
	byName := make(map[string]Tool, len(tools))
	for _, t := range tools {
		byName[t.Name()] = t
	}

	result := &ChatResult{
		Usage: Usage{PromptTokens: 100, CandidateTokens: 50, TotalTokens: 150},
	}

	run := func(name string, args map[string]any) string {
		tool, ok := byName[name]
		if !ok {
			return ""
		}
		result.Usage.ToolCalls++
		out := tool.Invoke(ctx, args)
		m.logger.Debug("Mock executed tool", "tool", name)
		return out
	}

	// Executor step: only run_query is bound.
	if _, hasRunQuery := byName["run_query"]; hasRunQuery {
		sql := "SELECT 1"
		if match := sqlQueryPattern.FindStringSubmatch(prompt); match != nil {
			sql = strings.TrimSpace(match[1])
		}
		out := run("run_query", map[string]any{"sql": sql})
		if strings.HasPrefix(out, "Error: ") {
			result.Text = "STATUS: FAILED\nRESULTS: " + strings.TrimPrefix(out, "Error: ")
		} else {
			result.Text = "STATUS: SUCCESS\nRESULTS: " + out
		}
		return result, nil
	}

	// Generator / formatter steps: exercise the discovery tools.
	run("list_tables", map[string]any{})
	run("search_relevant_schema", map[string]any{"query": "customer orders", "n_results": 2})
	run("search_relevant_knowledgebase", map[string]any{"query": "business policies", "n_results": 2})
	run("describe_table", map[string]any{"table_name": "users"})

	if strings.Contains(prompt, "EXECUTIVE SUMMARY") || strings.Contains(prompt, "Business Intelligence") {
		result.Text = "EXECUTIVE SUMMARY: This is a mocked executive summary. The system is operating in mock mode."
		return result, nil
	}

	result.Text = "DECISION: RELEVANT\nREASONING: This is a mocked response for load testing. The system is operating in mock mode.\nSQL: SELECT 1"
	return result, nil
}
