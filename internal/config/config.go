// Package config provides hierarchical configuration loading for Loop Symphony.
// Precedence: defaults < YAML file < environment variables.
package config

import "time"

// Config holds all runtime configuration for the Loop Symphony server.
type Config struct {
	Server    Server    `yaml:"server"`
	Postgres  Postgres  `yaml:"postgres"`
	Supabase  Supabase  `yaml:"supabase"`
	NATS      NATS      `yaml:"nats"`
	Logging   Logging   `yaml:"logging"`
	Breaker   Breaker   `yaml:"breaker"`
	Claude    Claude    `yaml:"claude"`
	Tavily    Tavily    `yaml:"tavily"`
	Telegram  Telegram  `yaml:"telegram"`
	Slack     Slack     `yaml:"slack"`
	Discord   Discord   `yaml:"discord"`
	Autonomic Autonomic `yaml:"autonomic"`
	Loops     Loops     `yaml:"loops"`
	Rooms     Rooms     `yaml:"rooms"`
	Cache     Cache     `yaml:"cache"`
	Telemetry Telemetry `yaml:"telemetry"`
}

// Server holds HTTP server configuration.
type Server struct {
	Host       string `yaml:"host"`
	Port       string `yaml:"port"`
	CORSOrigin string `yaml:"cors_origin"`
}

// Postgres holds PostgreSQL connection configuration. When DSN is empty
// it is derived from the Supabase settings at load time.
type Postgres struct {
	DSN             string        `yaml:"dsn"`
	MaxConns        int32         `yaml:"max_conns"`
	MinConns        int32         `yaml:"min_conns"`
	MaxConnLifetime time.Duration `yaml:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `yaml:"max_conn_idle_time"`
	HealthCheck     time.Duration `yaml:"health_check"`
}

// Supabase holds hosted-Postgres credentials used when postgres.dsn is unset.
type Supabase struct {
	URL string `yaml:"url"`
	Key string `yaml:"key"`
}

// NATS holds the optional message bus configuration. An empty URL
// disables cross-process lifecycle publication.
type NATS struct {
	URL string `yaml:"url"`
}

// Logging holds structured logging configuration.
type Logging struct {
	Level   string `yaml:"level"`
	Service string `yaml:"service"`
}

// Breaker holds circuit breaker configuration for outbound clients.
type Breaker struct {
	MaxFailures int           `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
}

// Claude holds Anthropic API configuration for the reasoning tool.
type Claude struct {
	APIKey    string `yaml:"api_key"`
	Model     string `yaml:"model"`
	MaxTokens int64  `yaml:"max_tokens"`
}

// Tavily holds web-search tool configuration.
type Tavily struct {
	APIKey string `yaml:"api_key"`
	URL    string `yaml:"url"`
}

// Telegram holds the optional completion-notification bot configuration.
type Telegram struct {
	BotToken string `yaml:"bot_token"`
	ChatID   string `yaml:"chat_id"`
}

// Slack holds the optional Slack webhook notifier configuration.
type Slack struct {
	WebhookURL string `yaml:"webhook_url"`
}

// Discord holds the optional Discord webhook notifier configuration.
type Discord struct {
	WebhookURL string `yaml:"webhook_url"`
}

// Autonomic holds background scheduler configuration.
type Autonomic struct {
	Enabled           bool          `yaml:"enabled"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	HealthInterval    time.Duration `yaml:"health_interval"`
}

// Loops holds instrument execution tuning.
type Loops struct {
	ConfidenceThreshold float64       `yaml:"confidence_threshold"`
	DeltaThreshold      float64       `yaml:"delta_threshold"`
	ResearchIterations  int           `yaml:"research_iterations"`
	MaxSpawnDepth       int           `yaml:"max_spawn_depth"`
	MaxConcurrent       int           `yaml:"max_concurrent"`
	BranchTimeout       time.Duration `yaml:"branch_timeout"`
	ApprovalTimeout     time.Duration `yaml:"approval_timeout"`
	TaskRetention       time.Duration `yaml:"task_retention"`
}

// Rooms holds sibling-room delegation configuration.
type Rooms struct {
	StaleAfter     time.Duration `yaml:"stale_after"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	WebhookTimeout time.Duration `yaml:"webhook_timeout"`
}

// Cache holds the in-process L1 cache configuration.
type Cache struct {
	MaxSizeMB int64         `yaml:"max_size_mb"`
	APIKeyTTL time.Duration `yaml:"api_key_ttl"`
}

// Telemetry holds OpenTelemetry exporter configuration. An empty
// endpoint disables exporting.
type Telemetry struct {
	Endpoint string `yaml:"endpoint"`
}

// Defaults returns a Config with sensible default values for local development.
func Defaults() Config {
	return Config{
		Server: Server{
			Host:       "0.0.0.0",
			Port:       "8000",
			CORSOrigin: "*",
		},
		Postgres: Postgres{
			MaxConns:        15,
			MinConns:        2,
			MaxConnLifetime: time.Hour,
			MaxConnIdleTime: 10 * time.Minute,
			HealthCheck:     time.Minute,
		},
		Logging: Logging{
			Level:   "info",
			Service: "loop-symphony",
		},
		Breaker: Breaker{
			MaxFailures: 5,
			Timeout:     30 * time.Second,
		},
		Claude: Claude{
			Model:     "claude-sonnet-4-20250514",
			MaxTokens: 4096,
		},
		Tavily: Tavily{
			URL: "https://api.tavily.com",
		},
		Autonomic: Autonomic{
			Enabled:           false,
			HeartbeatInterval: 60 * time.Second,
			HealthInterval:    300 * time.Second,
		},
		Loops: Loops{
			ConfidenceThreshold: 0.85,
			DeltaThreshold:      0.02,
			ResearchIterations:  5,
			MaxSpawnDepth:       3,
			MaxConcurrent:       16,
			BranchTimeout:       60 * time.Second,
			ApprovalTimeout:     24 * time.Hour,
			TaskRetention:       15 * time.Minute,
		},
		Rooms: Rooms{
			StaleAfter:     120 * time.Second,
			RequestTimeout: 120 * time.Second,
			WebhookTimeout: 10 * time.Second,
		},
		Cache: Cache{
			MaxSizeMB: 32,
			APIKeyTTL: 5 * time.Minute,
		},
	}
}
