package config

import (
	"time"

	redisclient "github.com/vietddude/paywatch/internal/infra/redis"
	"github.com/vietddude/paywatch/internal/infra/storage/postgres"
)

// AppConfig represents the top-level configuration.
type AppConfig struct {
	Server   ServerConfig       `yaml:"server"`
	Chain    ChainConfig        `yaml:"chain"`
	Poller   PollerConfig       `yaml:"poller"`
	Webhook  WebhookConfig      `yaml:"webhook"`
	Redis    redisclient.Config `yaml:"redis"`
	Logging  LoggingConfig      `yaml:"logging"`
	Database postgres.Config    `yaml:"database"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// ChainConfig holds settings for the ledger API and the payment contract.
type ChainConfig struct {
	APIURL          string        `yaml:"api_url"`
	ContractAddress string        `yaml:"contract_address"`
	ContractName    string        `yaml:"contract_name"`
	Timeout         time.Duration `yaml:"timeout"`
	MaxRetries      uint64        `yaml:"max_retries"`
	BaseBackoff     time.Duration `yaml:"base_backoff"`
	MaxBackoff      time.Duration `yaml:"max_backoff"`
	PageLimit       int           `yaml:"page_limit"`
	MaxPages        int           `yaml:"max_pages"`
}

// PollerConfig controls the reconciliation loop.
type PollerConfig struct {
	MinConfirmations  uint64 `yaml:"min_confirmations"`
	ReorgWindowBlocks uint64 `yaml:"reorg_window_blocks"`
	PollIntervalSecs  int    `yaml:"poll_interval_secs"`
	AvgBlockSecs      int    `yaml:"avg_block_secs"`
	SweepLimit        int    `yaml:"sweep_limit"`
}

// PollInterval returns the tick period, never below five seconds.
func (c PollerConfig) PollInterval() time.Duration {
	return max(5*time.Second, time.Duration(c.PollIntervalSecs)*time.Second)
}

// WebhookConfig controls outbound delivery and inbound verification.
type WebhookConfig struct {
	MaxAttempts       int           `yaml:"max_attempts"`
	BackoffSeconds    []int         `yaml:"backoff_seconds"`
	Timeout           time.Duration `yaml:"timeout"`
	RetryPollInterval time.Duration `yaml:"retry_poll_interval"`
	MaxSkewSeconds    int           `yaml:"max_skew_seconds"`
	ReplayTTLSeconds  int           `yaml:"replay_ttl_seconds"`
}

// Backoff returns the retry schedule as durations.
func (c WebhookConfig) Backoff() []time.Duration {
	out := make([]time.Duration, len(c.BackoffSeconds))
	for i, s := range c.BackoffSeconds {
		out[i] = time.Duration(s) * time.Second
	}
	return out
}
