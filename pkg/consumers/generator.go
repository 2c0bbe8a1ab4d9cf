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

const generatorConsumer = "query_generator"

// Generator consumes Initiated messages, decides relevance, and generates
// SQL. The tool set handed to the LLM excludes run_query so the model
// cannot execute before the execute step.
type Generator struct {
	core
	users UserDirectory
}

// NewGenerator creates the generate-query worker. users may be nil when
// envelopes always carry a database config.
func NewGenerator(client llm.Client, tools ToolSource, publisher Publisher, store StateStore, users UserDirectory) *Generator {
	return &Generator{
		core: core{
			llm:       client,
			tools:     tools,
			publisher: publisher,
			store:     store,
			logger:    slog.With("consumer", generatorConsumer),
		},
		users: users,
	}
}

// Handler adapts Process to the broker consumer contract.
func (g *Generator) Handler() broker.Handler {
	return func(ctx context.Context, d *broker.Delivery) {
		if g.Process(ctx, d.Body) == Ack {
			d.Ack()
		} else {
			d.Nack(false)
		}
	}
}

// Process handles one Initiated message.
func (g *Generator) Process(ctx context.Context, body []byte) Outcome {
	start := time.Now()

	msg, err := saga.Decode[saga.InitiatedMessage](body)
	if err != nil {
		g.logger.Error("Undecodable message", "error", err)
		observe(generatorConsumer, "error", start)
		return NackDiscard
	}
	log := g.logger.With("saga_id", msg.SagaID)
	log.Info("Agentic query generation started", "question", msg.Question)

	dbCfg := msg.DBConfig
	if dbCfg.Host == "" && g.users != nil {
		dbCfg, err = g.users.GetDBConfig(ctx, msg.UserID)
		if err != nil {
			observe(generatorConsumer, "error", start)
			g.failSaga(ctx, &msg.Envelope, saga.StepGenerateQuery,
				"user or database config not found", time.Since(start), "", nil)
			return NackDiscard
		}
	}

	dbURL := dbCfg.URL()
	ambient := map[string]any{"db_url": dbURL, "account_id": msg.AccountID}
	bindings := g.tools.Bindings(ctx, &msg.Envelope, ambient)
	tools := toolSet(bindings, func(name string) bool { return name != "run_query" })

	prompt := agent.GeneratorPrompt(msg.Question, dbURL)
	chat, err := g.llm.Chat(ctx, prompt, tools)
	if err != nil {
		log.Error("LLM call failed", "error", err)
		observe(generatorConsumer, "error", start)
		g.failSaga(ctx, &msg.Envelope, saga.StepGenerateQuery, err.Error(), time.Since(start), "", nil)
		return NackDiscard
	}
	recordLLMUsage(generatorConsumer, g.llm.Model(), chat.Usage)

	gen := agent.ClassifyGeneration(chat.Text)
	if gen.OutOfScope {
		log.Info("Question is out of scope", "reasoning", truncate(gen.Reasoning, 100))
		observe(generatorConsumer, "out_of_scope", start)
		g.failSaga(ctx, &msg.Envelope, saga.StepGenerateQuery, gen.Reasoning, time.Since(start),
			agent.OutOfScopeResponse(gen.Reasoning),
			map[string]any{"is_out_of_scope": true})
		// Terminal state is written; stop the saga without redelivery.
		return Ack
	}

	next := &saga.GeneratedMessage{
		Envelope: saga.Envelope{
			SagaID:    msg.SagaID,
			UserID:    msg.UserID,
			AccountID: msg.AccountID,
			Question:  msg.Question,
		},
		GeneratedSQL: gen.SQL,
		Reasoning:    gen.Reasoning,
		DBConfig:     dbCfg,
	}
	next.CarryFrom(&msg.Envelope)
	next.AddToCallStack(saga.StepGenerateQuery, saga.StatusSuccess, time.Since(start), map[string]any{
		"reasoning":           gen.Reasoning,
		"prompt":              prompt,
		"response":            chat.Text,
		"usage":               chat.Usage.AsMap(),
		"interaction_history": chat.History,
	})

	log.Info("SQL generated", "duration_ms", time.Since(start).Milliseconds())

	// Progress update first, then the successor publish, then ack. A state
	// store outage must not stall the saga.
	g.updateState(ctx, msg.SagaID, document(next), "")

	if err := g.publisher.Publish(ctx, broker.QueueExecuteQuery, next); err != nil {
		log.Error("Failed to publish to execute queue", "error", err)
		observe(generatorConsumer, "error", start)
		// The trace has already moved to the successor envelope.
		g.failSaga(ctx, &next.Envelope, saga.StepGenerateQuery, err.Error(), time.Since(start), "", nil)
		return NackDiscard
	}

	observe(generatorConsumer, "success", start)
	return Ack
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
