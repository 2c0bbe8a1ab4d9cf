package saga

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddToolCallTracksPendingAndCumulative(t *testing.T) {
	env := &Envelope{SagaID: "s1", UserID: 7, AccountID: "acct", Question: "q"}

	env.AddToolCall("list_tables", map[string]any{"db_url": "postgresql://u:p@h:5432/d"}, "orders, users", 120*time.Millisecond, StatusSuccess)
	env.AddToolCall("describe_table", map[string]any{"table_name": "orders"}, "amount numeric", 80*time.Millisecond, StatusSuccess)

	assert.Len(t, env.AllToolCalls, 2)
	assert.Len(t, env.PendingToolCalls(), 2)
	assert.Equal(t, "list_tables", env.AllToolCalls[0].Tool)
	assert.Equal(t, float64(120), env.AllToolCalls[0].DurationMS)
}

func TestAddToCallStackDrainsPendingIntoToolsUsed(t *testing.T) {
	env := &Envelope{SagaID: "s1"}
	env.AddToolCall("list_tables", nil, "orders", time.Millisecond, StatusSuccess)

	env.AddToCallStack(StepGenerateQuery, StatusSuccess, 2*time.Second, map[string]any{"reasoning": "ok"})

	require.Len(t, env.CallStack, 1)
	entry := env.CallStack[0]
	assert.Equal(t, StepGenerateQuery, entry.StepName)
	assert.Equal(t, StatusSuccess, entry.Status)
	assert.Equal(t, float64(2000), entry.DurationMS)

	used, ok := entry.Metadata["tools_used"].([]any)
	require.True(t, ok, "tools_used should be a sanitized array, got %T", entry.Metadata["tools_used"])
	require.Len(t, used, 1)
	first, ok := used[0].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "list_tables", first["tool"])

	// Pending list is drained; cumulative list is not.
	assert.Empty(t, env.PendingToolCalls())
	assert.Len(t, env.AllToolCalls, 1)
}

func TestAddToCallStackRespectsExplicitToolsUsed(t *testing.T) {
	env := &Envelope{}
	env.AddToolCall("run_query", nil, "1 row", time.Millisecond, StatusSuccess)

	env.AddToCallStack(StepExecuteQuery, StatusSuccess, 0, map[string]any{
		"tools_used": []any{map[string]any{"tool": "explicit"}},
	})

	used := env.CallStack[0].Metadata["tools_used"].([]any)
	require.Len(t, used, 1)
	assert.Equal(t, "explicit", used[0].(map[string]any)["tool"])
	// An explicit tools_used leaves pending calls for the next entry.
	assert.Len(t, env.PendingToolCalls(), 1)
}

func TestCarryFromCopiesTraceWithoutAliasing(t *testing.T) {
	prev := &Envelope{SagaID: "s1"}
	prev.AddToolCall("search_relevant_schema", map[string]any{"query": "revenue"}, "orders schema", time.Millisecond, StatusSuccess)
	prev.AddToCallStack(StepGenerateQuery, StatusSuccess, 0, nil)
	prev.AddToolCall("list_tables", nil, "orders", time.Millisecond, StatusSuccess)

	next := &Envelope{SagaID: "s1"}
	next.CarryFrom(prev)

	assert.Len(t, next.CallStack, 1)
	assert.Len(t, next.AllToolCalls, 2)
	assert.Len(t, next.PendingToolCalls(), 1, "undrained pending calls move to the successor")
	assert.Empty(t, prev.PendingToolCalls())

	// Appending to the successor must not mutate the predecessor.
	next.AddToCallStack(StepGenerateQuery, StatusSuccess, 0, nil)
	assert.Len(t, prev.CallStack, 1)
	assert.Len(t, next.CallStack, 2)
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	msg := &InitiatedMessage{
		Envelope: Envelope{SagaID: "abc", UserID: 1, AccountID: "a1", Question: "total revenue?"},
		DBConfig: DBConfig{Host: "db", Port: 5432, DBName: "shop", Username: "u", Password: "p", DBType: "postgresql"},
	}
	msg.AddToCallStack(StepGenerateQuery, StatusSuccess, 0, map[string]any{"user_id": 1})

	body, err := Encode(msg)
	require.NoError(t, err)

	decoded, err := Decode[InitiatedMessage](body)
	require.NoError(t, err)
	assert.Equal(t, "abc", decoded.SagaID)
	assert.Equal(t, "shop", decoded.DBConfig.DBName)
	require.Len(t, decoded.CallStack, 1)
	assert.Equal(t, StepGenerateQuery, decoded.CallStack[0].StepName)
}

func TestPendingToolCallsAreNotSerialized(t *testing.T) {
	env := &Envelope{SagaID: "s"}
	env.AddToolCall("list_tables", nil, "t", time.Millisecond, StatusSuccess)

	body, err := Encode(env)
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(body, &raw))
	_, hasPending := raw["pending"]
	assert.False(t, hasPending)
	assert.Contains(t, raw, "all_tool_calls")
}

func TestDBConfigURLDefaultsPort(t *testing.T) {
	cfg := DBConfig{Host: "h", DBName: "d", Username: "u", Password: "p"}
	assert.Equal(t, "postgresql://u:p@h:5432/d", cfg.URL())
}

func TestSanitizeCoercions(t *testing.T) {
	type structured struct {
		Name  string `json:"name"`
		Count int    `json:"count"`
	}

	tests := []struct {
		name string
		in   any
		want any
	}{
		{"string passthrough", "x", "x"},
		{"bool passthrough", true, true},
		{"nil passthrough", nil, nil},
		{"error collapses to message", assert.AnError, assert.AnError.Error()},
		{"duration stringified", 1500 * time.Millisecond, "1.5s"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Sanitize(tt.in))
		})
	}

	t.Run("struct collapses to map", func(t *testing.T) {
		got := Sanitize(structured{Name: "orders", Count: 3})
		m, ok := got.(map[string]any)
		require.True(t, ok)
		assert.Equal(t, "orders", m["name"])
		assert.Equal(t, float64(3), m["count"])
	})

	t.Run("nested maps recurse", func(t *testing.T) {
		got := Sanitize(map[string]any{"outer": map[string]any{"d": time.Second}})
		m := got.(map[string]any)
		assert.Equal(t, "1s", m["outer"].(map[string]any)["d"])
	})

	t.Run("unmarshalable falls back to string", func(t *testing.T) {
		got := Sanitize(make(chan int))
		_, ok := got.(string)
		assert.True(t, ok)
	})
}
