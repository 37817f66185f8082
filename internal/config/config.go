package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config top-level struct
type Config struct {
	Server         ServerConfig         `yaml:"server"`
	Postgres       PostgresConfig       `yaml:"postgres"`
	Redis          RedisConfig          `yaml:"redis"`
	Kafka          KafkaConfig          `yaml:"kafka"`
	Queue          QueueConfig          `yaml:"queue"`
	RateLimit      RateLimitConfig      `yaml:"ratelimit"`
	HMAC           HMACConfig           `yaml:"hmac"`
	Operator       OperatorConfig       `yaml:"operator"`
	Webhook        WebhookConfig        `yaml:"webhook"`
	Reaper         ReaperConfig         `yaml:"reaper"`
	Reconciliation ReconciliationConfig `yaml:"reconciliation"`
}

type ServerConfig struct {
	Port     int    `yaml:"port"`
	LogLevel string `yaml:"log_level"`
}

type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	// ResponseTTL bounds how long a completed idempotent response stays cached.
	ResponseTTL time.Duration `yaml:"response_ttl"`
}

type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
	GroupID string   `yaml:"group_id"`
}

// QueueConfig selects the delivery queue between the outbox poller and
// the delivery workers: "kafka" or "memory".
type QueueConfig struct {
	Backend  string `yaml:"backend"`
	Capacity int    `yaml:"capacity"`
}

// RateLimitConfig: sliding window per caller. Backend is "redis" or "local".
type RateLimitConfig struct {
	Backend           string        `yaml:"backend"`
	RequestsPerMinute int           `yaml:"requests_per_minute"`
	Window            time.Duration `yaml:"window"`
}

type HMACConfig struct {
	Secret    string        `yaml:"secret"`
	Tolerance time.Duration `yaml:"tolerance"`
}

type OperatorConfig struct {
	BaseURL      string          `yaml:"base_url"`
	APIKey       string          `yaml:"api_key"`
	Timeout      time.Duration   `yaml:"timeout"`
	MaxAttempts  int             `yaml:"max_attempts"`
	RetryDelays  []time.Duration `yaml:"retry_delays"`
	HistoryLimit int             `yaml:"history_limit"`
}

type WebhookConfig struct {
	TargetURL         string          `yaml:"target_url"`
	Timeout           time.Duration   `yaml:"timeout"`
	MaxRetries        int             `yaml:"max_retries"`
	RetryDelays       []time.Duration `yaml:"retry_delays"`
	PollInterval      time.Duration   `yaml:"poll_interval"`
	BatchSize         int             `yaml:"batch_size"`
	Workers           int             `yaml:"workers"`
	ClaimTimeout      time.Duration   `yaml:"claim_timeout"`
	Retention         time.Duration   `yaml:"retention"`
	RetentionInterval time.Duration   `yaml:"retention_interval"`
}

type ReaperConfig struct {
	Interval   time.Duration `yaml:"interval"`
	StaleAfter time.Duration `yaml:"stale_after"`
	BatchSize  int           `yaml:"batch_size"`
}

type ReconciliationConfig struct {
	OutputPath string `yaml:"output_path"`
	FetchLimit int    `yaml:"fetch_limit"`
}

// Load reads yaml file, fills defaults and applies env overrides.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse is Load without the file read.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	cfg.applyEnv()
	return &cfg, nil
}

func (c *Config) applyEnv() {
	// override DSN password from env if present
	if pw := os.Getenv("POSTGRES_PASSWORD"); pw != "" {
		c.Postgres.DSN = c.Postgres.DSN + " password=" + pw
	}
	if s := os.Getenv("HMAC_SECRET"); s != "" {
		c.HMAC.Secret = s
	}
	if k := os.Getenv("OPERATOR_API_KEY"); k != "" {
		c.Operator.APIKey = k
	}
	if u := os.Getenv("RGS_WEBHOOK_URL"); u != "" {
		c.Webhook.TargetURL = u
	}
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 3000
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}
	if c.Redis.ResponseTTL == 0 {
		c.Redis.ResponseTTL = 24 * time.Hour
	}
	if c.Kafka.Topic == "" {
		c.Kafka.Topic = "webhooks"
	}
	if c.Kafka.GroupID == "" {
		c.Kafka.GroupID = "webhook-workers"
	}
	if c.Queue.Backend == "" {
		c.Queue.Backend = "memory"
	}
	if c.Queue.Capacity == 0 {
		c.Queue.Capacity = 1000
	}
	if c.RateLimit.Backend == "" {
		c.RateLimit.Backend = "local"
	}
	if c.RateLimit.RequestsPerMinute == 0 {
		c.RateLimit.RequestsPerMinute = 60
	}
	if c.RateLimit.Window == 0 {
		c.RateLimit.Window = time.Minute
	}
	if c.HMAC.Tolerance == 0 {
		c.HMAC.Tolerance = 300 * time.Second
	}
	if c.Operator.Timeout == 0 {
		c.Operator.Timeout = 5 * time.Second
	}
	if c.Operator.MaxAttempts == 0 {
		c.Operator.MaxAttempts = 3
	}
	if len(c.Operator.RetryDelays) == 0 {
		c.Operator.RetryDelays = []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}
	}
	if c.Operator.HistoryLimit == 0 {
		c.Operator.HistoryLimit = 1000
	}
	if c.Webhook.Timeout == 0 {
		c.Webhook.Timeout = 10 * time.Second
	}
	if c.Webhook.MaxRetries == 0 {
		c.Webhook.MaxRetries = 5
	}
	if len(c.Webhook.RetryDelays) == 0 {
		c.Webhook.RetryDelays = []time.Duration{
			time.Second, 5 * time.Second, 15 * time.Second, time.Minute, 5 * time.Minute,
		}
	}
	if c.Webhook.PollInterval == 0 {
		c.Webhook.PollInterval = 10 * time.Second
	}
	if c.Webhook.BatchSize == 0 {
		c.Webhook.BatchSize = 100
	}
	if c.Webhook.Workers == 0 {
		c.Webhook.Workers = 4
	}
	if c.Webhook.ClaimTimeout == 0 {
		c.Webhook.ClaimTimeout = 2 * time.Minute
	}
	if c.Webhook.Retention == 0 {
		c.Webhook.Retention = 7 * 24 * time.Hour
	}
	if c.Webhook.RetentionInterval == 0 {
		c.Webhook.RetentionInterval = 24 * time.Hour
	}
	if c.Reaper.Interval == 0 {
		c.Reaper.Interval = time.Minute
	}
	if c.Reaper.StaleAfter == 0 {
		c.Reaper.StaleAfter = 5 * time.Minute
	}
	if c.Reaper.BatchSize == 0 {
		c.Reaper.BatchSize = 50
	}
	if c.Reconciliation.OutputPath == "" {
		c.Reconciliation.OutputPath = "./reconciliation-reports"
	}
	if c.Reconciliation.FetchLimit == 0 {
		c.Reconciliation.FetchLimit = 1000
	}
}

// Validate rejects configurations the gateway cannot run with.
func (c *Config) Validate() error {
	if len(c.HMAC.Secret) < 32 {
		return errors.New("hmac secret must be at least 32 bytes")
	}
	if c.Operator.BaseURL == "" {
		return errors.New("operator base_url is required")
	}
	if c.Webhook.TargetURL == "" {
		return errors.New("webhook target_url is required")
	}
	switch c.Queue.Backend {
	case "memory":
	case "kafka":
		if len(c.Kafka.Brokers) == 0 {
			return errors.New("kafka brokers are required for the kafka queue backend")
		}
	default:
		return fmt.Errorf("unknown queue backend %q", c.Queue.Backend)
	}
	switch c.RateLimit.Backend {
	case "local", "redis":
	default:
		return fmt.Errorf("unknown ratelimit backend %q", c.RateLimit.Backend)
	}
	return nil
}
