package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is the path checked for YAML configuration.
const DefaultConfigFile = "symphony.yaml"

// Load returns a Config using the hierarchy: defaults < YAML < ENV.
// YAML file is optional; missing file is not an error.
func Load() (*Config, error) {
	return LoadFrom(DefaultConfigFile)
}

// LoadFrom returns a Config loaded from the given YAML path using the
// hierarchy: defaults < YAML < ENV. The YAML file is optional.
func LoadFrom(yamlPath string) (*Config, error) {
	cfg := Defaults()

	if err := loadYAML(&cfg, yamlPath); err != nil {
		return nil, fmt.Errorf("config yaml: %w", err)
	}

	loadEnv(&cfg)

	if cfg.Postgres.DSN == "" {
		cfg.Postgres.DSN = supabaseDSN(cfg.Supabase)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validate: %w", err)
	}

	return &cfg, nil
}

// loadYAML reads the YAML file and unmarshals it over cfg.
// Returns nil if the file does not exist.
func loadYAML(cfg *Config, path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path is validated by caller
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	return nil
}

// loadEnv overlays environment variables onto cfg.
// Only non-empty env values override the current config.
func loadEnv(cfg *Config) {
	setString(&cfg.Server.Host, "HOST")
	setString(&cfg.Server.Port, "PORT")
	setString(&cfg.Server.CORSOrigin, "SYMPHONY_CORS_ORIGIN")
	setString(&cfg.Postgres.DSN, "DATABASE_URL")
	setInt32(&cfg.Postgres.MaxConns, "SYMPHONY_PG_MAX_CONNS")
	setInt32(&cfg.Postgres.MinConns, "SYMPHONY_PG_MIN_CONNS")
	setDuration(&cfg.Postgres.MaxConnLifetime, "SYMPHONY_PG_MAX_CONN_LIFETIME")
	setDuration(&cfg.Postgres.MaxConnIdleTime, "SYMPHONY_PG_MAX_CONN_IDLE_TIME")
	setString(&cfg.Supabase.URL, "SUPABASE_URL")
	setString(&cfg.Supabase.Key, "SUPABASE_KEY")
	setString(&cfg.NATS.URL, "NATS_URL")
	setString(&cfg.Logging.Level, "SYMPHONY_LOG_LEVEL")
	setString(&cfg.Logging.Service, "SYMPHONY_LOG_SERVICE")
	setInt(&cfg.Breaker.MaxFailures, "SYMPHONY_BREAKER_MAX_FAILURES")
	setDuration(&cfg.Breaker.Timeout, "SYMPHONY_BREAKER_TIMEOUT")
	setString(&cfg.Claude.APIKey, "CLAUDE_API_KEY")
	setString(&cfg.Claude.Model, "CLAUDE_MODEL")
	setInt64(&cfg.Claude.MaxTokens, "CLAUDE_MAX_TOKENS")
	setString(&cfg.Tavily.APIKey, "TAVILY_API_KEY")
	setString(&cfg.Tavily.URL, "TAVILY_URL")
	setString(&cfg.Telegram.BotToken, "TELEGRAM_BOT_TOKEN")
	setString(&cfg.Telegram.ChatID, "TELEGRAM_CHAT_ID")
	setString(&cfg.Slack.WebhookURL, "SLACK_WEBHOOK_URL")
	setString(&cfg.Discord.WebhookURL, "DISCORD_WEBHOOK_URL")
	setBool(&cfg.Autonomic.Enabled, "AUTONOMIC_ENABLED")
	setSeconds(&cfg.Autonomic.HeartbeatInterval, "AUTONOMIC_HEARTBEAT_INTERVAL")
	setSeconds(&cfg.Autonomic.HealthInterval, "AUTONOMIC_HEALTH_INTERVAL")
	setFloat64(&cfg.Loops.ConfidenceThreshold, "SYMPHONY_CONFIDENCE_THRESHOLD")
	setFloat64(&cfg.Loops.DeltaThreshold, "SYMPHONY_DELTA_THRESHOLD")
	setInt(&cfg.Loops.ResearchIterations, "SYMPHONY_RESEARCH_ITERATIONS")
	setInt(&cfg.Loops.MaxSpawnDepth, "SYMPHONY_MAX_SPAWN_DEPTH")
	setInt(&cfg.Loops.MaxConcurrent, "SYMPHONY_MAX_CONCURRENT")
	setDuration(&cfg.Loops.BranchTimeout, "SYMPHONY_BRANCH_TIMEOUT")
	setDuration(&cfg.Loops.TaskRetention, "SYMPHONY_TASK_RETENTION")
	setDuration(&cfg.Rooms.StaleAfter, "SYMPHONY_ROOM_STALE_AFTER")
	setDuration(&cfg.Rooms.RequestTimeout, "SYMPHONY_ROOM_TIMEOUT")
	setDuration(&cfg.Rooms.WebhookTimeout, "SYMPHONY_WEBHOOK_TIMEOUT")
	setInt64(&cfg.Cache.MaxSizeMB, "SYMPHONY_CACHE_SIZE_MB")
	setDuration(&cfg.Cache.APIKeyTTL, "SYMPHONY_CACHE_API_KEY_TTL")
	setString(&cfg.Telemetry.Endpoint, "OTEL_EXPORTER_OTLP_ENDPOINT")
}

// supabaseDSN derives a Postgres DSN from Supabase project credentials.
// Supabase projects expose direct Postgres at db.<ref>.supabase.co:5432
// with the service key as the postgres password.
func supabaseDSN(s Supabase) string {
	if s.URL == "" || s.Key == "" {
		return ""
	}
	u, err := url.Parse(s.URL)
	if err != nil || u.Host == "" {
		return ""
	}
	ref, _, found := strings.Cut(u.Host, ".")
	if !found || ref == "" {
		return ""
	}
	return fmt.Sprintf("postgres://postgres:%s@db.%s.supabase.co:5432/postgres",
		url.QueryEscape(s.Key), ref)
}

// validate checks that required fields are set.
func validate(cfg *Config) error {
	if cfg.Server.Port == "" {
		return errors.New("server.port is required")
	}
	if cfg.Postgres.DSN == "" {
		return errors.New("postgres.dsn is required (set DATABASE_URL or SUPABASE_URL + SUPABASE_KEY)")
	}
	if cfg.Postgres.MaxConns < 1 {
		return errors.New("postgres.max_conns must be >= 1")
	}
	if cfg.Breaker.MaxFailures < 1 {
		return errors.New("breaker.max_failures must be >= 1")
	}
	if cfg.Loops.ConfidenceThreshold <= 0 || cfg.Loops.ConfidenceThreshold > 1 {
		return errors.New("loops.confidence_threshold must be in (0, 1]")
	}
	if cfg.Loops.MaxSpawnDepth < 0 {
		return errors.New("loops.max_spawn_depth must be >= 0")
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt32(dst *int32, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 32); err == nil {
			*dst = int32(n)
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

// setSeconds parses a bare integer env value as a number of seconds.
func setSeconds(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = time.Duration(n) * time.Second
		}
	}
}
