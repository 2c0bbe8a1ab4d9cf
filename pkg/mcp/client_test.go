package mcp

import (
	"context"
	"encoding/json"
	"testing"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nadermedhet148/sql-insight-engine/pkg/config"
)

// runQuerySchema mirrors the shape providers advertise for run_query.
var runQuerySchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"sql": {"type": "string", "description": "The SQL query to execute"},
		"db_url": {"type": "string", "description": "Database connection string"}
	},
	"required": ["sql"]
}`)

// newInMemoryClient wires a Client to an in-process MCP server. Each
// operation gets a fresh transport pair, matching the per-call session
// model of the SSE path.
func newInMemoryClient(t *testing.T, tools map[string]mcpsdk.ToolHandler) *Client {
	t.Helper()

	c := NewClient("http://in-memory/sse", config.Default().MCP)
	c.connect = func(ctx context.Context) (*mcpsdk.ClientSession, error) {
		server := mcpsdk.NewServer(&mcpsdk.Implementation{Name: "test-provider", Version: "test"}, nil)
		for name, handler := range tools {
			server.AddTool(&mcpsdk.Tool{
				Name:        name,
				Description: "test tool: " + name,
				InputSchema: runQuerySchema,
			}, handler)
		}
		clientTransport, serverTransport := mcpsdk.NewInMemoryTransports()
		go func() { _ = server.Run(context.Background(), serverTransport) }()

		sdkClient := mcpsdk.NewClient(&mcpsdk.Implementation{Name: "test", Version: "test"}, nil)
		return sdkClient.Connect(ctx, clientTransport, nil)
	}
	return c
}

func TestClientListToolsConvertsDescriptors(t *testing.T) {
	client := newInMemoryClient(t, map[string]mcpsdk.ToolHandler{
		"run_query": func(_ context.Context, _ *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
			return &mcpsdk.CallToolResult{}, nil
		},
	})

	tools, err := client.ListTools(context.Background())
	require.NoError(t, err)
	require.Len(t, tools, 1)

	desc := tools[0]
	assert.Equal(t, "run_query", desc.Name)
	assert.Equal(t, "object", desc.InputSchema.Type)
	require.Contains(t, desc.InputSchema.Properties, "sql")
	assert.Equal(t, "string", desc.InputSchema.Properties["sql"].Type)
	assert.True(t, desc.InputSchema.IsRequired("sql"))
	assert.False(t, desc.InputSchema.IsRequired("db_url"))
}

func TestClientCallToolCollectsTextContent(t *testing.T) {
	client := newInMemoryClient(t, map[string]mcpsdk.ToolHandler{
		"run_query": func(_ context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
			var args map[string]any
			require.NoError(t, json.Unmarshal(req.Params.Arguments, &args))
			return &mcpsdk.CallToolResult{
				Content: []mcpsdk.Content{
					&mcpsdk.TextContent{Text: "sum\n-----\n"},
					&mcpsdk.TextContent{Text: "42000"},
				},
			}, nil
		},
	})

	result := client.CallTool(context.Background(), "run_query", map[string]any{"sql": "SELECT SUM(amount) FROM orders"})
	assert.True(t, result.Success)
	assert.Empty(t, result.Err)
	assert.Equal(t, "sum\n-----\n42000", result.Content)
}

func TestClientCallToolPropagatesProviderError(t *testing.T) {
	client := newInMemoryClient(t, map[string]mcpsdk.ToolHandler{
		"run_query": func(_ context.Context, _ *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
			return &mcpsdk.CallToolResult{
				Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: `column "missing" does not exist`}},
				IsError: true,
			}, nil
		},
	})

	result := client.CallTool(context.Background(), "run_query", map[string]any{"sql": "SELECT missing FROM orders"})
	assert.False(t, result.Success)
	assert.Contains(t, result.Content, "does not exist")
}

func TestClientCallToolFiltersNilArguments(t *testing.T) {
	var received map[string]any
	client := newInMemoryClient(t, map[string]mcpsdk.ToolHandler{
		"run_query": func(_ context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
			_ = json.Unmarshal(req.Params.Arguments, &received)
			return &mcpsdk.CallToolResult{
				Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: "ok"}},
			}, nil
		},
	})

	client.CallTool(context.Background(), "run_query", map[string]any{"sql": "SELECT 1", "db_url": nil})
	assert.Contains(t, received, "sql")
	assert.NotContains(t, received, "db_url")
}
