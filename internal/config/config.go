package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the indexer.
type Config struct {
	// PostgreSQL. Empty enables the in-memory dev store.
	PostgresURL string

	// Redis
	RedisURL      string
	EventsTopic   string
	ConsumerGroup string

	// Ledger chain
	LedgerRPCURLs   []string
	LedgerWSURL     string // empty disables the live listener
	ContractAddress string
	RPCRPS          int
	RPCBurst        int

	// Worker
	WorkerConcurrency int

	// WebSocket reconnects
	WSMaxRetries     int
	WSReconnectDelay time.Duration

	// Projection policy
	SavingsRatioBps uint64

	// Facade
	ReceiptPollInterval time.Duration

	// Logging
	LogLevel string

	// HTTP API
	HTTPEnabled bool
	HTTPAddr    string
	AdminToken  string
}

// Load reads configuration from the environment, with an optional .env
// file for local development.
func Load() (*Config, error) {
	_ = godotenv.Load() // .env is optional

	cfg := &Config{
		// Defaults
		EventsTopic:         "ledger-events",
		ConsumerGroup:       "projector-workers",
		RPCRPS:              20,
		RPCBurst:            40,
		WorkerConcurrency:   1,
		WSMaxRetries:        25,
		WSReconnectDelay:    time.Second,
		SavingsRatioBps:     3000,
		ReceiptPollInterval: 2 * time.Second,
		LogLevel:            "info",
		HTTPEnabled:         true,
		HTTPAddr:            ":8080",
	}

	// Required
	cfg.RedisURL = os.Getenv("REDIS_URL")
	if cfg.RedisURL == "" {
		return nil, fmt.Errorf("REDIS_URL is required")
	}

	cfg.ContractAddress = strings.ToLower(os.Getenv("CONTRACT_ADDRESS"))
	if cfg.ContractAddress == "" {
		return nil, fmt.Errorf("CONTRACT_ADDRESS is required")
	}

	if v := os.Getenv("LEDGER_RPC_URLS"); v != "" {
		cfg.LedgerRPCURLs = strings.Split(v, ",")
	}
	if len(cfg.LedgerRPCURLs) == 0 {
		return nil, fmt.Errorf("LEDGER_RPC_URLS is required")
	}

	// Optional overrides
	cfg.PostgresURL = os.Getenv("POSTGRES_URL")
	cfg.LedgerWSURL = os.Getenv("LEDGER_WS_URL")

	if v := os.Getenv("EVENTS_TOPIC"); v != "" {
		cfg.EventsTopic = v
	}
	if v := os.Getenv("CONSUMER_GROUP"); v != "" {
		cfg.ConsumerGroup = v
	}
	if v := os.Getenv("RPC_RPS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RPCRPS = n
		}
	}
	if v := os.Getenv("RPC_BURST"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RPCBurst = n
		}
	}
	if v := os.Getenv("WORKER_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.WorkerConcurrency = n
		}
	}
	if v := os.Getenv("WS_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.WSMaxRetries = n
		}
	}
	if v := os.Getenv("WS_RECONNECT_DELAY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.WSReconnectDelay = d
		}
	}
	if v := os.Getenv("SAVINGS_RATIO_BPS"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			cfg.SavingsRatioBps = n
		}
	}
	if v := os.Getenv("RECEIPT_POLL_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.ReceiptPollInterval = d
		}
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("HTTP_ENABLED"); v != "" {
		cfg.HTTPEnabled = v == "true" || v == "1"
	}
	if v := os.Getenv("HTTP_ADDR"); v != "" {
		cfg.HTTPAddr = v
	}

	cfg.AdminToken = os.Getenv("ADMIN_TOKEN")
	if cfg.AdminToken == "" {
		cfg.AdminToken = "devtoken" // Default token for development
	}

	return cfg, nil
}
