// Capability registry - tracks live tool providers and serves membership
// to agent processes.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/nadermedhet148/sql-insight-engine/pkg/config"
	"github.com/nadermedhet148/sql-insight-engine/pkg/registry"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Printf("No .env file loaded: %v", err)
	}

	cfg := config.LoadRegistryServiceFromEnv()
	redisCfg := config.LoadFromEnv().Redis
	gin.SetMode(os.Getenv("GIN_MODE"))

	log.Printf("Starting mcp-registry on :%d", cfg.Port)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client := redis.NewClient(&redis.Options{
		Addr:        redisCfg.Addr(),
		DB:          redisCfg.DB,
		DialTimeout: 5 * time.Second,
	})
	defer func() { _ = client.Close() }()

	store := registry.NewStore(client)
	if err := store.SeedStatic(ctx, cfg.StaticServices); err != nil {
		log.Printf("Warning: failed to seed static providers: %v", err)
	} else if cfg.StaticServices != "" {
		log.Println("✓ Static providers seeded")
	}

	monitor := registry.NewMonitor(store, cfg.HealthCheckInterval, cfg.HealthCheckTimeout)
	monitor.Start(ctx)
	defer monitor.Stop()

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: registry.NewRouter(store),
	}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("HTTP server failed: %v", err)
		}
	}()
	log.Printf("✓ Registry listening on :%d", cfg.Port)

	<-ctx.Done()
	log.Println("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP shutdown error: %v", err)
	}
	log.Println("Shutdown complete")
}
