package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// DefaultBackoffSeconds is the webhook retry schedule indexed by attempt number.
var DefaultBackoffSeconds = []int{60, 120, 240, 480, 960}

// Load reads configuration from a YAML file.
func Load(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg AppConfig
	// Expand environment variables in the YAML content
	expandedData := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyDefaults fills zero values with production defaults.
func ApplyDefaults(cfg *AppConfig) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}

	if cfg.Chain.Timeout == 0 {
		cfg.Chain.Timeout = 15 * time.Second
	}
	if cfg.Chain.MaxRetries == 0 {
		cfg.Chain.MaxRetries = 4
	}
	if cfg.Chain.BaseBackoff == 0 {
		cfg.Chain.BaseBackoff = 500 * time.Millisecond
	}
	if cfg.Chain.MaxBackoff == 0 {
		cfg.Chain.MaxBackoff = 30 * time.Second
	}
	if cfg.Chain.PageLimit == 0 {
		cfg.Chain.PageLimit = 50
	}
	if cfg.Chain.MaxPages == 0 {
		cfg.Chain.MaxPages = 10
	}

	if cfg.Poller.MinConfirmations == 0 {
		cfg.Poller.MinConfirmations = 6
	}
	if cfg.Poller.ReorgWindowBlocks == 0 {
		cfg.Poller.ReorgWindowBlocks = 12
	}
	if cfg.Poller.PollIntervalSecs == 0 {
		cfg.Poller.PollIntervalSecs = 15
	}
	if cfg.Poller.AvgBlockSecs == 0 {
		cfg.Poller.AvgBlockSecs = 600
	}
	if cfg.Poller.SweepLimit == 0 {
		cfg.Poller.SweepLimit = 200
	}

	if cfg.Webhook.MaxAttempts == 0 {
		cfg.Webhook.MaxAttempts = 5
	}
	if len(cfg.Webhook.BackoffSeconds) == 0 {
		cfg.Webhook.BackoffSeconds = append([]int(nil), DefaultBackoffSeconds...)
	}
	if cfg.Webhook.Timeout == 0 {
		cfg.Webhook.Timeout = 10 * time.Second
	}
	if cfg.Webhook.RetryPollInterval == 0 {
		cfg.Webhook.RetryPollInterval = 30 * time.Second
	}
	if cfg.Webhook.MaxSkewSeconds == 0 {
		cfg.Webhook.MaxSkewSeconds = 300
	}
	if cfg.Webhook.ReplayTTLSeconds == 0 {
		cfg.Webhook.ReplayTTLSeconds = 600
	}
}

// Validate rejects configurations the poller cannot run with.
func (c *AppConfig) Validate() error {
	if c.Chain.APIURL == "" {
		return fmt.Errorf("chain.api_url is required")
	}
	if c.Chain.ContractAddress == "" || c.Chain.ContractName == "" {
		return fmt.Errorf("chain.contract_address and chain.contract_name are required")
	}
	for i := 1; i < len(c.Webhook.BackoffSeconds); i++ {
		if c.Webhook.BackoffSeconds[i] < c.Webhook.BackoffSeconds[i-1] {
			return fmt.Errorf("webhook.backoff_seconds must be non-decreasing")
		}
	}
	return nil
}
