// Package config provides environment configuration for the chatflow server.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config holds all configuration for the application.
type Config struct {
	// Server settings
	ServerPort         string        `validate:"required"`
	ServerReadTimeout  time.Duration `validate:"gt=0"`
	ServerWriteTimeout time.Duration `validate:"gt=0"`
	ShutdownTimeout    time.Duration `validate:"gt=0"`

	// Store settings
	StoreDriver    string `validate:"oneof=memory postgres"`
	DatabaseURL    string `validate:"required_if=StoreDriver postgres"`
	DBMaxConns     int32  `validate:"gte=1"`
	DBMaxConnLife  time.Duration
	MigrateOnServe bool

	// NATS settings
	NATSURL      string
	NATSCAFile   string
	NATSCertFile string
	NATSKeyFile  string
	NATSToken    string

	// RabbitMQ workflow trigger; empty disables publishing.
	AMQPURL      string
	AMQPExchange string `validate:"required_with=AMQPURL"`

	// Outbound transport (Evolution-style API)
	TransportBaseURL string `validate:"omitempty,url"`
	TransportAPIKey  string
	TransportTimeout time.Duration `validate:"gt=0"`
	TransportRate    float64       `validate:"gt=0"`
	TransportBurst   int           `validate:"gte=1"`

	// Flow engine
	FlowMaxExecutions  int           `validate:"gte=1"`
	FlowMaxDepth       int           `validate:"gte=1"`
	FlowMaxDelay       time.Duration `validate:"gte=0"`
	FlowWebhookTimeout time.Duration `validate:"gt=0"`
	FlowTimeoutSweep   time.Duration `validate:"gte=1s"`
	FlowSweepBatch     int           `validate:"gte=1"`

	// JWT settings
	JWTSecret     string `validate:"required"`
	JWTExpiration time.Duration

	// LLM settings
	AnthropicAPIKey string
	OpenAIAPIKey    string
	DefaultLLM      string `validate:"oneof=anthropic openai"`
	LLMModel        string
	LLMMaxTokens    int `validate:"gte=1"`

	// Rate limiting
	RateLimitRequests int `validate:"gte=1"`
	RateLimitWindow   time.Duration
	CORSOrigins       []string

	// Logging
	LogLevel  string
	LogFormat string `validate:"oneof=json console"`

	// Tracing
	TracingEndpoint string
	TracingEnabled  bool
}

// Load reads configuration from environment variables.
func Load() *Config {
	return &Config{
		// Server
		ServerPort:         getEnv("PORT", "8080"),
		ServerReadTimeout:  getDurationEnv("SERVER_READ_TIMEOUT", 30*time.Second),
		ServerWriteTimeout: getDurationEnv("SERVER_WRITE_TIMEOUT", 60*time.Second),
		ShutdownTimeout:    getDurationEnv("SHUTDOWN_TIMEOUT", 30*time.Second),

		// Store
		StoreDriver:    getEnv("STORE_DRIVER", "memory"),
		DatabaseURL:    getEnv("DATABASE_URL", ""),
		DBMaxConns:     int32(getIntEnv("DB_MAX_CONNS", 10)),
		DBMaxConnLife:  getDurationEnv("DB_MAX_CONN_LIFETIME", time.Hour),
		MigrateOnServe: getBoolEnv("MIGRATE_ON_SERVE", false),

		// NATS
		NATSURL:      getEnv("NATS_URL", "nats://localhost:4222"),
		NATSCAFile:   getEnv("NATS_CA_FILE", ""),
		NATSCertFile: getEnv("NATS_CERT_FILE", ""),
		NATSKeyFile:  getEnv("NATS_KEY_FILE", ""),
		NATSToken:    getEnv("NATS_TOKEN", ""),

		// RabbitMQ
		AMQPURL:      getEnv("AMQP_URL", ""),
		AMQPExchange: getEnv("AMQP_EXCHANGE", "chatflow.events"),

		// Transport
		TransportBaseURL: getEnv("TRANSPORT_BASE_URL", ""),
		TransportAPIKey:  getEnv("TRANSPORT_API_KEY", ""),
		TransportTimeout: getDurationEnv("TRANSPORT_TIMEOUT", 15*time.Second),
		TransportRate:    getFloatEnv("TRANSPORT_RATE", 5),
		TransportBurst:   getIntEnv("TRANSPORT_BURST", 10),

		// Flow engine
		FlowMaxExecutions:  getIntEnv("FLOW_MAX_EXECUTIONS", 100),
		FlowMaxDepth:       getIntEnv("FLOW_MAX_DEPTH", 200),
		FlowMaxDelay:       getDurationEnv("FLOW_MAX_DELAY", 60*time.Second),
		FlowWebhookTimeout: getDurationEnv("FLOW_WEBHOOK_TIMEOUT", 10*time.Second),
		FlowTimeoutSweep:   getDurationEnv("FLOW_TIMEOUT_SWEEP", 30*time.Second),
		FlowSweepBatch:     getIntEnv("FLOW_SWEEP_BATCH", 100),

		// JWT
		JWTSecret:     getEnv("JWT_SECRET", "development-secret-change-in-production"),
		JWTExpiration: getDurationEnv("JWT_EXPIRATION", 15*time.Minute),

		// LLM
		AnthropicAPIKey: getEnv("ANTHROPIC_API_KEY", ""),
		OpenAIAPIKey:    getEnv("OPENAI_API_KEY", ""),
		DefaultLLM:      getEnv("DEFAULT_LLM", "anthropic"),
		LLMModel:        getEnv("LLM_MODEL", ""),
		LLMMaxTokens:    getIntEnv("LLM_MAX_TOKENS", 1024),

		// Rate limiting
		RateLimitRequests: getIntEnv("RATE_LIMIT_REQUESTS", 60),
		RateLimitWindow:   getDurationEnv("RATE_LIMIT_WINDOW", time.Minute),
		CORSOrigins:       getListEnv("CORS_ORIGINS", []string{"*"}),

		// Logging
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),

		// Tracing
		TracingEndpoint: getEnv("TRACING_ENDPOINT", "localhost:4318"),
		TracingEnabled:  getBoolEnv("TRACING_ENABLED", false),
	}
}

// Validate checks the loaded values against their constraints.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getFloatEnv(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getListEnv(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
