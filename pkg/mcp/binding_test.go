package mcp

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nadermedhet148/sql-insight-engine/pkg/config"
	"github.com/nadermedhet148/sql-insight-engine/pkg/saga"
)

// fakeCaller records tool calls and returns a scripted result.
type fakeCaller struct {
	url    string
	result Result
	delay  time.Duration

	mu       sync.Mutex
	calls    []map[string]any
	inFlight atomic.Int64
	maxSeen  atomic.Int64
}

func (f *fakeCaller) URL() string { return f.url }

func (f *fakeCaller) CallTool(ctx context.Context, toolName string, args map[string]any) Result {
	cur := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		seen := f.maxSeen.Load()
		if cur <= seen || f.maxSeen.CompareAndSwap(seen, cur) {
			break
		}
	}
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return Result{Err: "MCP call timed out"}
		}
	}
	f.mu.Lock()
	f.calls = append(f.calls, args)
	f.mu.Unlock()
	return f.result
}

func testMCPConfig() config.MCPConfig {
	cfg := config.Default().MCP
	cfg.InvokeTimeout = 2 * time.Second
	return cfg
}

func describeTableBinding(caller *fakeCaller, env *saga.Envelope, ambient map[string]any) *Binding {
	return &Binding{
		desc: ToolDescriptor{
			Name:        "describe_table",
			Description: "Get column definitions for a specific table",
			InputSchema: InputSchema{
				Type: "object",
				Properties: map[string]Property{
					"table_name": {Type: "string"},
					"db_url":     {Type: "string"},
					"n_results":  {Type: "integer"},
					"verbose":    {Type: "boolean"},
				},
				Required: []string{"table_name", "db_url"},
			},
		},
		client:  caller,
		cfg:     testMCPConfig(),
		ambient: ambient,
		env:     env,
	}
}

func TestInvokeCoercesStringArguments(t *testing.T) {
	caller := &fakeCaller{url: "http://p1/sse", result: Result{Success: true, Content: "ok"}}
	b := describeTableBinding(caller, nil, nil)

	out := b.Invoke(context.Background(), map[string]any{
		"table_name": "orders",
		"n_results":  "5",
		"verbose":    "true",
	})
	assert.Equal(t, "ok", out)

	require.Len(t, caller.calls, 1)
	assert.Equal(t, int64(5), caller.calls[0]["n_results"])
	assert.Equal(t, true, caller.calls[0]["verbose"])
}

func TestInvokeInjectsAmbientContext(t *testing.T) {
	caller := &fakeCaller{url: "http://p1/sse", result: Result{Success: true, Content: "ok"}}
	ambient := map[string]any{"db_url": "postgresql://u:p@h:5432/d", "account_id": "a1"}
	b := describeTableBinding(caller, nil, ambient)

	b.Invoke(context.Background(), map[string]any{"table_name": "orders", "db_url": ""})

	require.Len(t, caller.calls, 1)
	assert.Equal(t, "postgresql://u:p@h:5432/d", caller.calls[0]["db_url"], "empty argument is overridden by ambient context")
	assert.Equal(t, "a1", caller.calls[0]["account_id"])
}

func TestInvokeDoesNotOverrideExplicitArguments(t *testing.T) {
	caller := &fakeCaller{url: "http://p1/sse", result: Result{Success: true, Content: "ok"}}
	b := describeTableBinding(caller, nil, map[string]any{"db_url": "ambient"})

	b.Invoke(context.Background(), map[string]any{"table_name": "t", "db_url": "explicit"})

	assert.Equal(t, "explicit", caller.calls[0]["db_url"])
}

func TestInvokeReturnsErrorInBand(t *testing.T) {
	caller := &fakeCaller{url: "http://p1/sse", result: Result{Err: "MCP call timed out"}}
	b := describeTableBinding(caller, nil, nil)

	out := b.Invoke(context.Background(), map[string]any{"table_name": "t"})
	assert.Equal(t, "Error: MCP call timed out", out)
}

func TestInvokeSurfacesProviderErrorContent(t *testing.T) {
	caller := &fakeCaller{url: "http://p1/sse", result: Result{Success: false, Content: `column "missing" does not exist`}}
	b := describeTableBinding(caller, nil, nil)

	out := b.Invoke(context.Background(), map[string]any{"table_name": "t"})
	assert.Equal(t, `Error: column "missing" does not exist`, out)
}

func TestInvokeRecordsToolCallOnEnvelope(t *testing.T) {
	caller := &fakeCaller{url: "http://p1/sse", result: Result{Success: true, Content: "orders"}}
	env := &saga.Envelope{SagaID: "s1"}
	b := describeTableBinding(caller, env, nil)

	b.Invoke(context.Background(), map[string]any{"table_name": "orders"})

	require.Len(t, env.AllToolCalls, 1)
	call := env.AllToolCalls[0]
	assert.Equal(t, "describe_table", call.Tool)
	assert.Equal(t, saga.StatusSuccess, call.Status)
	assert.Equal(t, "orders", call.Response)
	assert.Len(t, env.PendingToolCalls(), 1)
}

func TestInvokeRecordsFailedToolCall(t *testing.T) {
	caller := &fakeCaller{url: "http://p1/sse", result: Result{Err: "connection refused"}}
	env := &saga.Envelope{SagaID: "s1"}
	b := describeTableBinding(caller, env, nil)

	out := b.Invoke(context.Background(), map[string]any{"table_name": "t"})
	assert.Equal(t, "Error: connection refused", out)

	require.Len(t, env.AllToolCalls, 1)
	assert.Equal(t, saga.StatusError, env.AllToolCalls[0].Status)
}

func TestParametersExcludeAmbientContext(t *testing.T) {
	caller := &fakeCaller{url: "http://p1/sse"}
	b := describeTableBinding(caller, nil, map[string]any{"db_url": "x"})

	params := b.Parameters()
	assert.Contains(t, params, "table_name")
	assert.NotContains(t, params, "db_url")

	required := b.RequiredParameters()
	assert.Equal(t, []string{"table_name"}, required)
}

func TestSemaphoreBoundsConcurrency(t *testing.T) {
	const width = 5
	caller := &fakeCaller{
		url:    "http://bounded-provider/sse",
		result: Result{Success: true, Content: "ok"},
		delay:  20 * time.Millisecond,
	}
	cfg := testMCPConfig()
	cfg.MaxConnectionsPerServer = width

	b := &Binding{
		desc:   ToolDescriptor{Name: "run_query", InputSchema: InputSchema{Properties: map[string]Property{"sql": {Type: "string"}}}},
		client: caller,
		cfg:    cfg,
	}

	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.Invoke(context.Background(), map[string]any{"sql": "SELECT 1"})
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, caller.maxSeen.Load(), int64(width),
		"in-flight calls must never exceed the semaphore width")
	assert.Len(t, caller.calls, 40, "all calls eventually complete")
}

func TestCoerceArgument(t *testing.T) {
	tests := []struct {
		name  string
		value any
		kind  string
		want  any
	}{
		{"string int", "42", "integer", int64(42)},
		{"float64 whole to int", float64(7), "integer", int64(7)},
		{"string float", "3.5", "number", 3.5},
		{"int to float", 2, "number", float64(2)},
		{"string true", "true", "boolean", true},
		{"string no", "no", "boolean", false},
		{"unparsable passes through", "abc", "integer", "abc"},
		{"json array string", `["a","b"]`, "array", []any{"a", "b"}},
		{"plain string untouched", "hello", "string", "hello"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CoerceArgument(tt.value, tt.kind))
		})
	}
}

func TestParseStructuredYAMLFallback(t *testing.T) {
	v, ok := ParseStructured("key: value\nother: 2")
	require.True(t, ok)
	m, ok := v.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "value", m["key"])

	_, ok = ParseStructured("just a sentence")
	assert.False(t, ok)
}
