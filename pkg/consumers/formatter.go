package consumers

import (
	"context"
	"log/slog"
	"time"

	"github.com/nadermedhet148/sql-insight-engine/pkg/agent"
	"github.com/nadermedhet148/sql-insight-engine/pkg/broker"
	"github.com/nadermedhet148/sql-insight-engine/pkg/llm"
	"github.com/nadermedhet148/sql-insight-engine/pkg/saga"
)

const formatterConsumer = "result_formatter"

// Formatter consumes Executed messages and produces the terminal business
// narrative. This is the final step: it writes the completed state (before
// acking) and publishes nothing downstream.
type Formatter struct {
	core
}

// NewFormatter creates the format-result worker.
func NewFormatter(client llm.Client, tools ToolSource, publisher Publisher, store StateStore) *Formatter {
	return &Formatter{
		core: core{
			llm:       client,
			tools:     tools,
			publisher: publisher,
			store:     store,
			logger:    slog.With("consumer", formatterConsumer),
		},
	}
}

// Handler adapts Process to the broker consumer contract.
func (f *Formatter) Handler() broker.Handler {
	return func(ctx context.Context, d *broker.Delivery) {
		if f.Process(ctx, d.Body) == Ack {
			d.Ack()
		} else {
			d.Nack(false)
		}
	}
}

// Process handles one Executed message.
func (f *Formatter) Process(ctx context.Context, body []byte) Outcome {
	start := time.Now()

	msg, err := saga.Decode[saga.ExecutedMessage](body)
	if err != nil {
		f.logger.Error("Undecodable message", "error", err)
		observe(formatterConsumer, "error", start)
		return NackDiscard
	}
	log := f.logger.With("saga_id", msg.SagaID)
	log.Info("Agentic result formatting started")

	ambient := map[string]any{"account_id": msg.AccountID}
	bindings := f.tools.Bindings(ctx, &msg.Envelope, ambient)
	tools := toolSet(bindings, func(name string) bool { return name != "run_query" })

	prompt := agent.FormatterPrompt(msg.Question, msg.RawResults)

	var formatted, reasoning string
	var usage llm.Usage
	var history []map[string]any

	chat, err := f.llm.Chat(ctx, prompt, tools)
	if err != nil {
		// The raw results are already in hand; a formatting failure
		// degrades to a plain rendering rather than losing the saga.
		log.Warn("Agentic formatting failed, using raw results", "error", err)
		formatted = "Here are the findings from your data:\n\n" + msg.RawResults
		reasoning = err.Error()
	} else {
		recordLLMUsage(formatterConsumer, f.llm.Model(), chat.Usage)
		formatted = agent.ParseFormatted(chat.Text)
		reasoning = chat.Text
		usage = chat.Usage
		history = chat.History
	}

	final := &saga.FormattedMessage{
		Envelope: saga.Envelope{
			SagaID:    msg.SagaID,
			UserID:    msg.UserID,
			AccountID: msg.AccountID,
			Question:  msg.Question,
		},
		GeneratedSQL:      msg.GeneratedSQL,
		RawResults:        msg.RawResults,
		Reasoning:         reasoning,
		FormattedResponse: formatted,
		Success:           true,
	}
	final.CarryFrom(&msg.Envelope)
	final.AddToCallStack(saga.StepFormatResult, saga.StatusSuccess, time.Since(start), map[string]any{
		"response_length":     len(formatted),
		"prompt":              prompt,
		"response":            formatted,
		"usage":               usage.AsMap(),
		"interaction_history": history,
	})

	totalDuration, totalTokens := totals(final.CallStack)
	log.Info("Saga completed",
		"total_duration_ms", totalDuration,
		"total_tokens", totalTokens)

	result := document(final)
	result["success"] = true
	result["total_duration_ms"] = totalDuration
	result["total_tokens"] = totalTokens

	// Terminal write precedes the ack: if the broker dies between the two,
	// redelivery regenerates the same terminal state (last-writer-wins).
	if err := f.store.StoreResult(ctx, msg.SagaID, result, "completed"); err != nil {
		log.Error("Failed to store terminal state", "error", err)
		observe(formatterConsumer, "error", start)
		return NackDiscard
	}

	observe(formatterConsumer, "success", start)
	return Ack
}

// totals sums step durations and token counts across the call stack.
func totals(stack []saga.CallStackEntry) (durationMS float64, tokens int64) {
	for _, entry := range stack {
		durationMS += entry.DurationMS
		usage, ok := entry.Metadata["usage"].(map[string]any)
		if !ok {
			continue
		}
		switch v := usage["total_token_count"].(type) {
		case int64:
			tokens += v
		case float64:
			tokens += int64(v)
		case int:
			tokens += int64(v)
		}
	}
	return durationMS, tokens
}
