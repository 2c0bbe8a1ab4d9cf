// Package consumers implements the saga step workers: generate-query,
// execute-query, and format-result. Each worker is the orchestrator for its
// own transition — it consumes one queue, invokes the LLM with the tool set
// appropriate for the step, and either publishes the successor message or
// writes a terminal state.
package consumers

import (
	"context"
	"log/slog"
	"time"

	"github.com/nadermedhet148/sql-insight-engine/pkg/agent"
	"github.com/nadermedhet148/sql-insight-engine/pkg/broker"
	"github.com/nadermedhet148/sql-insight-engine/pkg/llm"
	"github.com/nadermedhet148/sql-insight-engine/pkg/mcp"
	"github.com/nadermedhet148/sql-insight-engine/pkg/metrics"
	"github.com/nadermedhet148/sql-insight-engine/pkg/saga"
)

// Outcome tells the broker wrapper how to resolve the delivery.
type Outcome int

const (
	// Ack acknowledges the message; the saga either advanced or reached a
	// terminal state that was already persisted.
	Ack Outcome = iota
	// NackDiscard rejects without requeue; the failure was unrecoverable
	// and a terminal state write (when the saga is identifiable) was
	// attempted first.
	NackDiscard
)

// Publisher publishes saga messages. Implemented by broker.Publisher.
type Publisher interface {
	Publish(ctx context.Context, queue string, msg broker.Metadated) error
}

// StateStore is the slice of the saga state store the workers need.
type StateStore interface {
	UpdateResult(ctx context.Context, sagaID string, patch map[string]any, status string) error
	StoreResult(ctx context.Context, sagaID string, result map[string]any, status string) error
}

// ToolSource hands out tool bindings wired to a saga envelope and ambient
// context. Implemented by mcp.Manager.
type ToolSource interface {
	Bindings(ctx context.Context, env *saga.Envelope, ambient map[string]any) []*mcp.Binding
}

// UserDirectory resolves a user's target database configuration when the
// envelope does not carry one.
type UserDirectory interface {
	GetDBConfig(ctx context.Context, userID int64) (saga.DBConfig, error)
}

// boundTool adapts an mcp.Binding to the llm.Tool surface.
type boundTool struct {
	*mcp.Binding
}

func (t boundTool) Params() (map[string]llm.ToolParam, []string) {
	props := make(map[string]llm.ToolParam)
	for name, p := range t.Binding.Parameters() {
		props[name] = llm.ToolParam{Type: p.Type, Description: p.Description}
	}
	return props, t.Binding.RequiredParameters()
}

// toolSet converts bindings to LLM tools, applying the given name filter.
// keep == nil admits every tool.
func toolSet(bindings []*mcp.Binding, keep func(name string) bool) []llm.Tool {
	tools := make([]llm.Tool, 0, len(bindings))
	for _, b := range bindings {
		if keep != nil && !keep(b.Name()) {
			continue
		}
		tools = append(tools, boundTool{b})
	}
	return tools
}

// core bundles the dependencies and terminal-error behavior shared by all
// step workers.
type core struct {
	llm       llm.Client
	tools     ToolSource
	publisher Publisher
	store     StateStore
	logger    *slog.Logger
}

// failSaga terminates a saga with an error: it appends the error call-stack
// entry (draining pending tool calls), writes the terminal error document,
// and publishes the error event. The terminal state write happens before
// the caller acks or nacks the delivery. formatted may be empty, in which
// case the standard consultant wording is used.
func (c *core) failSaga(ctx context.Context, env *saga.Envelope, step, errMsg string, duration time.Duration, formatted string, extra map[string]any) {
	metadata := map[string]any{"error": errMsg}
	for k, v := range extra {
		metadata[k] = v
	}
	env.AddToCallStack(step, saga.StatusError, duration, metadata)

	if formatted == "" {
		formatted = agent.StepFailureResponse(step, errMsg)
	}

	errorDoc := map[string]any{
		"success":            false,
		"saga_id":            env.SagaID,
		"error_step":         step,
		"error_message":      errMsg,
		"formatted_response": formatted,
		"call_stack":         saga.Sanitize(env.CallStack),
		"all_tool_calls":     saga.Sanitize(env.AllToolCalls),
		"status":             "error",
		"user_id":            env.UserID,
		"account_id":         env.AccountID,
	}
	if err := c.store.StoreResult(ctx, env.SagaID, errorDoc, "error"); err != nil {
		c.logger.Error("Failed to store terminal error state", "saga_id", env.SagaID, "error", err)
	}

	event := &saga.ErrorMessage{
		Envelope: saga.Envelope{
			SagaID:    env.SagaID,
			UserID:    env.UserID,
			AccountID: env.AccountID,
			Question:  env.Question,
		},
		ErrorStep:    step,
		ErrorMessage: errMsg,
		ErrorDetails: map[string]any{"duration_ms": float64(duration.Milliseconds())},
	}
	if err := c.publisher.Publish(ctx, broker.QueueError, event); err != nil {
		c.logger.Warn("Failed to publish error event", "saga_id", env.SagaID, "error", err)
	}
}

// updateState merges a progress patch into the saga record. State store
// failures are logged, never fatal: the message flow is the source of
// truth, and pollers tolerate stale pending state up to the TTL.
func (c *core) updateState(ctx context.Context, sagaID string, patch map[string]any, status string) {
	if err := c.store.UpdateResult(ctx, sagaID, patch, status); err != nil {
		c.logger.Warn("State store update failed", "saga_id", sagaID, "error", err)
	}
}

// document renders a saga message as the state-store result payload.
func document(msg any) map[string]any {
	if m, ok := saga.Sanitize(msg).(map[string]any); ok {
		return m
	}
	return map[string]any{}
}

// recordLLMUsage emits per-consumer LLM metrics.
func recordLLMUsage(consumer, model string, usage llm.Usage) {
	metrics.LLMRequests.WithLabelValues(consumer, model).Inc()
	metrics.LLMTokens.WithLabelValues(consumer, "input").Add(float64(usage.PromptTokens))
	metrics.LLMTokens.WithLabelValues(consumer, "output").Add(float64(usage.CandidateTokens))
	if usage.ToolCalls > 0 {
		metrics.LLMToolCalls.WithLabelValues(consumer).Add(float64(usage.ToolCalls))
	}
}

// observe emits the per-message outcome metrics.
func observe(consumer, status string, start time.Time) {
	metrics.SagaConsumerMessages.WithLabelValues(consumer, status, metrics.InstanceID).Inc()
	metrics.SagaConsumerDuration.WithLabelValues(consumer).Observe(time.Since(start).Seconds())
}
