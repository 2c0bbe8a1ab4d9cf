package llm

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nadermedhet148/sql-insight-engine/pkg/agent"
	"github.com/nadermedhet148/sql-insight-engine/pkg/config"
)

// scriptedTool is a minimal llm.Tool for mock-client tests.
type scriptedTool struct {
	name   string
	out    string
	calls  int
	lastIn map[string]any
}

func (s *scriptedTool) Name() string        { return s.name }
func (s *scriptedTool) Description() string { return "scripted " + s.name }
func (s *scriptedTool) Params() (map[string]ToolParam, []string) {
	return map[string]ToolParam{"sql": {Type: "string"}}, nil
}
func (s *scriptedTool) Invoke(ctx context.Context, args map[string]any) string {
	s.calls++
	s.lastIn = args
	return s.out
}

func TestMockExecutorRunsProvidedSQL(t *testing.T) {
	mock := NewMock(config.LLMConfig{Model: "gemini-2.0-flash"})
	runQuery := &scriptedTool{name: "run_query", out: "sum\n-----\n42000"}

	prompt := agent.ExecutorPrompt("SELECT SUM(amount) FROM orders")
	result, err := mock.Chat(context.Background(), prompt, []Tool{runQuery})
	require.NoError(t, err)

	assert.Equal(t, 1, runQuery.calls)
	assert.Equal(t, "SELECT SUM(amount) FROM orders", runQuery.lastIn["sql"])
	assert.Contains(t, result.Text, "STATUS: SUCCESS")
	assert.Contains(t, result.Text, "42000")
}

func TestMockExecutorReportsToolFailure(t *testing.T) {
	mock := NewMock(config.LLMConfig{})
	runQuery := &scriptedTool{name: "run_query", out: `Error: column "missing" does not exist`}

	result, err := mock.Chat(context.Background(), agent.ExecutorPrompt("SELECT missing FROM t"), []Tool{runQuery})
	require.NoError(t, err)
	assert.Contains(t, result.Text, "STATUS: FAILED")
	assert.Contains(t, result.Text, "does not exist")
}

func TestMockGenerationExercisesDiscoveryTools(t *testing.T) {
	mock := NewMock(config.LLMConfig{})
	listTables := &scriptedTool{name: "list_tables", out: "orders, users"}
	search := &scriptedTool{name: "search_relevant_schema", out: "orders(amount)"}

	result, err := mock.Chat(context.Background(), agent.GeneratorPrompt("total revenue?", "postgresql://u:p@h/d"),
		[]Tool{listTables, search})
	require.NoError(t, err)

	assert.Equal(t, 1, listTables.calls)
	assert.Equal(t, 1, search.calls)
	assert.Contains(t, result.Text, "DECISION: RELEVANT")
	assert.Contains(t, result.Text, "SQL: SELECT 1")
	assert.Equal(t, 2, result.Usage.ToolCalls)
}

func TestMockFormatterReturnsExecutiveSummary(t *testing.T) {
	mock := NewMock(config.LLMConfig{})
	result, err := mock.Chat(context.Background(), agent.FormatterPrompt("q", "raw"), nil)
	require.NoError(t, err)
	assert.Contains(t, result.Text, "EXECUTIVE SUMMARY:")
}
