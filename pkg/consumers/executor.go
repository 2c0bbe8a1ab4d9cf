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

const executorConsumer = "query_executor"

// Executor consumes Generated messages and runs the SQL against the user's
// database. The LLM acts as a thin executor over a tool set containing only
// run_query, which keeps the tool-call audit trail uniform across steps.
type Executor struct {
	core
}

// NewExecutor creates the execute-query worker.
func NewExecutor(client llm.Client, tools ToolSource, publisher Publisher, store StateStore) *Executor {
	return &Executor{
		core: core{
			llm:       client,
			tools:     tools,
			publisher: publisher,
			store:     store,
			logger:    slog.With("consumer", executorConsumer),
		},
	}
}

// Handler adapts Process to the broker consumer contract.
func (e *Executor) Handler() broker.Handler {
	return func(ctx context.Context, d *broker.Delivery) {
		if e.Process(ctx, d.Body) == Ack {
			d.Ack()
		} else {
			d.Nack(false)
		}
	}
}

// Process handles one Generated message.
func (e *Executor) Process(ctx context.Context, body []byte) Outcome {
	start := time.Now()

	msg, err := saga.Decode[saga.GeneratedMessage](body)
	if err != nil {
		e.logger.Error("Undecodable message", "error", err)
		observe(executorConsumer, "error", start)
		return NackDiscard
	}
	log := e.logger.With("saga_id", msg.SagaID)
	log.Info("Agentic query execution started")

	ambient := map[string]any{"db_url": msg.DBConfig.URL()}
	bindings := e.tools.Bindings(ctx, &msg.Envelope, ambient)
	tools := toolSet(bindings, func(name string) bool { return name == "run_query" })

	prompt := agent.ExecutorPrompt(msg.GeneratedSQL)
	chat, err := e.llm.Chat(ctx, prompt, tools)
	if err != nil {
		log.Error("LLM call failed", "error", err)
		observe(executorConsumer, "error", start)
		e.failSaga(ctx, &msg.Envelope, saga.StepExecuteQuery, err.Error(), time.Since(start), "",
			map[string]any{"sql": msg.GeneratedSQL})
		return NackDiscard
	}
	recordLLMUsage(executorConsumer, e.llm.Model(), chat.Usage)

	exec := agent.ParseExecution(chat.Text)
	if !exec.Success {
		log.Info("Query execution failed", "error", truncate(exec.Results, 100))
		observe(executorConsumer, "error", start)
		e.failSaga(ctx, &msg.Envelope, saga.StepExecuteQuery, exec.Results, time.Since(start), "",
			map[string]any{"sql": msg.GeneratedSQL, "reasoning": chat.Text})
		// Execution failure is a terminal outcome, not a poisoned message.
		return Ack
	}

	next := &saga.ExecutedMessage{
		Envelope: saga.Envelope{
			SagaID:    msg.SagaID,
			UserID:    msg.UserID,
			AccountID: msg.AccountID,
			Question:  msg.Question,
		},
		GeneratedSQL:     msg.GeneratedSQL,
		RawResults:       exec.Results,
		ExecutionSuccess: true,
	}
	next.CarryFrom(&msg.Envelope)
	next.AddToCallStack(saga.StepExecuteQuery, saga.StatusSuccess, time.Since(start), map[string]any{
		"sql":                 msg.GeneratedSQL,
		"result_lines":        countLines(exec.Results),
		"usage":               chat.Usage.AsMap(),
		"interaction_history": chat.History,
	})

	log.Info("Query executed", "duration_ms", time.Since(start).Milliseconds())

	e.updateState(ctx, msg.SagaID, map[string]any{
		"call_stack":  saga.Sanitize(next.CallStack),
		"raw_results": exec.Results,
	}, "")

	if err := e.publisher.Publish(ctx, broker.QueueFormatResult, next); err != nil {
		log.Error("Failed to publish to format queue", "error", err)
		observe(executorConsumer, "error", start)
		e.failSaga(ctx, &next.Envelope, saga.StepExecuteQuery, err.Error(), time.Since(start), "", nil)
		return NackDiscard
	}

	observe(executorConsumer, "success", start)
	return Ack
}

func countLines(s string) int {
	if s == "" {
		return 0
	}
	n := 1
	for _, r := range s {
		if r == '\n' {
			n++
		}
	}
	return n
}
