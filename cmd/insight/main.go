// SQL insight orchestrator - serves the submit/poll API and runs the saga
// step consumers (generate, execute, format) against the broker.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"github.com/nadermedhet148/sql-insight-engine/pkg/account"
	"github.com/nadermedhet148/sql-insight-engine/pkg/api"
	"github.com/nadermedhet148/sql-insight-engine/pkg/broker"
	"github.com/nadermedhet148/sql-insight-engine/pkg/config"
	"github.com/nadermedhet148/sql-insight-engine/pkg/consumers"
	"github.com/nadermedhet148/sql-insight-engine/pkg/llm"
	"github.com/nadermedhet148/sql-insight-engine/pkg/mcp"
	"github.com/nadermedhet148/sql-insight-engine/pkg/state"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Printf("No .env file loaded: %v", err)
	}

	cfg := config.LoadFromEnv()
	gin.SetMode(os.Getenv("GIN_MODE"))

	log.Printf("Starting sql-insight-engine")
	log.Printf("HTTP Port: %d", cfg.HTTPPort)
	log.Printf("Broker: %s", cfg.Broker.Host)
	log.Printf("Registry: %s", cfg.MCP.RegistryURL)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Accounts database
	dbCfg, err := account.LoadConfigFromEnv()
	if err != nil {
		log.Fatalf("Failed to load database config: %v", err)
	}
	dbClient, err := account.NewClient(ctx, dbCfg)
	if err != nil {
		log.Fatalf("Failed to connect to accounts database: %v", err)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			log.Printf("Error closing database client: %v", err)
		}
	}()
	users := account.NewStore(dbClient)
	log.Println("✓ Connected to accounts database")

	// Saga state store
	stateStore := state.New(cfg.Redis)
	defer func() { _ = stateStore.Close() }()
	if err := stateStore.Ping(ctx); err != nil {
		log.Printf("Warning: state store unreachable at startup: %v", err)
	} else {
		log.Println("✓ Connected to state store")
	}

	// Broker publisher (shared by API and consumers)
	publisher := broker.NewPublisher(cfg.Broker)
	defer func() { _ = publisher.Close() }()

	// Tool discovery
	manager := mcp.NewManager(cfg.MCP)
	if err := manager.Refresh(ctx, true); err != nil {
		log.Printf("Warning: initial tool discovery failed: %v", err)
	} else {
		log.Printf("✓ Discovered %d tools", manager.ToolCount())
	}

	// LLM client
	llmClient, err := llm.New(ctx, cfg.LLM)
	if err != nil {
		log.Fatalf("Failed to create LLM client: %v", err)
	}
	log.Printf("✓ LLM client ready (model: %s)", llmClient.Model())

	// Step consumers
	generator := consumers.NewGenerator(llmClient, manager, publisher, stateStore, users)
	executor := consumers.NewExecutor(llmClient, manager, publisher, stateStore)
	formatter := consumers.NewFormatter(llmClient, manager, publisher, stateStore)

	steps := []struct {
		queue    string
		prefetch int
		handler  broker.Handler
	}{
		{broker.QueueGenerateQuery, cfg.Consumer.PrefetchCount, generator.Handler()},
		{broker.QueueExecuteQuery, cfg.Consumer.PrefetchCount, executor.Handler()},
		{broker.QueueFormatResult, cfg.Consumer.FormatterPrefetchCount, formatter.Handler()},
	}

	var wg sync.WaitGroup
	for _, step := range steps {
		consumer := broker.NewConsumer(step.queue, cfg.Broker, cfg.Consumer, step.prefetch, step.handler)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := consumer.Run(ctx); err != nil {
				log.Printf("Consumer %s stopped with error: %v", step.queue, err)
			}
		}()
	}
	log.Println("✓ Saga consumers started")

	// HTTP API
	server := api.NewServer(users, publisher, stateStore)
	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler: server.Router(),
	}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("HTTP server failed: %v", err)
		}
	}()
	log.Printf("✓ API listening on :%d", cfg.HTTPPort)

	<-ctx.Done()
	log.Println("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP shutdown error: %v", err)
	}
	wg.Wait()
	log.Println("Shutdown complete")
}
