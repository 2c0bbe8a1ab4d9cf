// Package config holds environment-driven configuration for the saga
// services. Each concern gets its own struct with built-in defaults;
// LoadFromEnv overrides defaults from the process environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// BrokerConfig configures the RabbitMQ connection shared by publishers and
// consumers.
type BrokerConfig struct {
	Host     string
	User     string
	Password string

	// Heartbeat is the AMQP heartbeat interval negotiated with the broker.
	Heartbeat time.Duration
}

// URL renders the AMQP connection URL.
func (c BrokerConfig) URL() string {
	return fmt.Sprintf("amqp://%s:%s@%s:5672/", c.User, c.Password, c.Host)
}

// RedisConfig configures the state store and registry membership store.
type RedisConfig struct {
	Host string
	Port int
	DB   int

	// PoolSize bounds concurrent connections to Redis.
	PoolSize int
}

// Addr renders the host:port dial address.
func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// ConsumerConfig controls per-step consumer behavior.
type ConsumerConfig struct {
	// PrefetchCount bounds unacked deliveries per consumer and sizes the
	// worker pool that processes them.
	PrefetchCount int

	// FormatterPrefetchCount is the (smaller) prefetch for the terminal
	// formatting step, which is the most LLM-heavy.
	FormatterPrefetchCount int

	// ReconnectDelay is the pause before reconnecting after a lost
	// broker connection.
	ReconnectDelay time.Duration
}

// MCPConfig controls the tool-call runtime.
type MCPConfig struct {
	// RegistryURL is the capability registry base URL.
	RegistryURL string

	// MaxConnectionsPerServer is the per-provider semaphore width.
	MaxConnectionsPerServer int64

	// InitializeTimeout bounds SSE session initialization.
	InitializeTimeout time.Duration
	// ListToolsTimeout bounds a list_tools RPC.
	ListToolsTimeout time.Duration
	// CallToolTimeout bounds a call_tool RPC.
	CallToolTimeout time.Duration
	// InvokeTimeout is the overall budget a binding waits for a result,
	// including semaphore queueing and retries.
	InvokeTimeout time.Duration

	// RefreshDebounce suppresses registry re-polls after a successful
	// refresh unless forced.
	RefreshDebounce time.Duration
}

// LLMConfig configures the language-model client.
type LLMConfig struct {
	APIKey string
	Model  string
	// Mock switches to the offline mock client (load testing, CI).
	Mock bool
	// MaxToolIterations bounds the function-calling loop per request.
	MaxToolIterations int
}

// RegistryServiceConfig configures the capability registry service itself.
type RegistryServiceConfig struct {
	Port int

	// HealthCheckInterval is the provider probe cadence.
	HealthCheckInterval time.Duration
	// HealthCheckTimeout bounds each provider /health probe.
	HealthCheckTimeout time.Duration

	// StaticServices is the raw MCP_SERVICES JSON ([{"name":..,"url":..}]);
	// parsed at startup into static providers.
	StaticServices string
}

// Config aggregates everything the orchestrator process needs.
type Config struct {
	Broker   BrokerConfig
	Redis    RedisConfig
	Consumer ConsumerConfig
	MCP      MCPConfig
	LLM      LLMConfig

	// HTTPPort is the submit/poll API port.
	HTTPPort int
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Broker: BrokerConfig{
			Host:      "localhost",
			User:      "guest",
			Password:  "guest",
			Heartbeat: 600 * time.Second,
		},
		Redis: RedisConfig{
			Host:     "localhost",
			Port:     6379,
			DB:       0,
			PoolSize: 100,
		},
		Consumer: ConsumerConfig{
			PrefetchCount:          20,
			FormatterPrefetchCount: 10,
			ReconnectDelay:         5 * time.Second,
		},
		MCP: MCPConfig{
			RegistryURL:             "http://mcp-registry:8010",
			MaxConnectionsPerServer: 100,
			InitializeTimeout:       5 * time.Second,
			ListToolsTimeout:        5 * time.Second,
			CallToolTimeout:         30 * time.Second,
			InvokeTimeout:           45 * time.Second,
			RefreshDebounce:         time.Minute,
		},
		LLM: LLMConfig{
			Model:             "gemini-2.0-flash",
			MaxToolIterations: 16,
		},
		HTTPPort: 8000,
	}
}

// LoadFromEnv returns the default configuration overridden by environment
// variables.
func LoadFromEnv() *Config {
	cfg := Default()

	cfg.Broker.Host = getEnv("RABBITMQ_HOST", cfg.Broker.Host)
	cfg.Broker.User = getEnv("RABBITMQ_USER", cfg.Broker.User)
	cfg.Broker.Password = getEnv("RABBITMQ_PASSWORD", cfg.Broker.Password)

	cfg.Redis.Host = getEnv("REDIS_HOST", cfg.Redis.Host)
	cfg.Redis.Port = getEnvInt("REDIS_PORT", cfg.Redis.Port)
	cfg.Redis.DB = getEnvInt("REDIS_DB", cfg.Redis.DB)
	cfg.Redis.PoolSize = getEnvInt("REDIS_POOL_SIZE", cfg.Redis.PoolSize)

	cfg.Consumer.PrefetchCount = getEnvInt("CONSUMER_PREFETCH", cfg.Consumer.PrefetchCount)
	cfg.Consumer.FormatterPrefetchCount = getEnvInt("FORMATTER_PREFETCH", cfg.Consumer.FormatterPrefetchCount)

	cfg.MCP.RegistryURL = getEnv("MCP_REGISTRY_URL", cfg.MCP.RegistryURL)
	cfg.MCP.MaxConnectionsPerServer = int64(getEnvInt("MCP_MAX_CONNECTIONS_PER_SERVER", int(cfg.MCP.MaxConnectionsPerServer)))

	cfg.LLM.APIKey = getEnv("GEMINI_API_KEY", "")
	cfg.LLM.Model = getEnv("GEMINI_MODEL", cfg.LLM.Model)
	cfg.LLM.Mock = getEnvBool("MOCK_GEMINI", false)

	cfg.HTTPPort = getEnvInt("HTTP_PORT", cfg.HTTPPort)

	return cfg
}

// DefaultRegistryService returns registry-service defaults.
func DefaultRegistryService() *RegistryServiceConfig {
	return &RegistryServiceConfig{
		Port:                8010,
		HealthCheckInterval: 30 * time.Second,
		HealthCheckTimeout:  3 * time.Second,
	}
}

// LoadRegistryServiceFromEnv loads registry-service configuration.
func LoadRegistryServiceFromEnv() *RegistryServiceConfig {
	cfg := DefaultRegistryService()
	cfg.Port = getEnvInt("REGISTRY_PORT", cfg.Port)
	if v := getEnvInt("REGISTRY_HEALTH_INTERVAL_SECONDS", 0); v > 0 {
		cfg.HealthCheckInterval = time.Duration(v) * time.Second
	}
	cfg.StaticServices = os.Getenv("MCP_SERVICES")
	return cfg
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return v == "yes" || v == "on"
	}
	return b
}
