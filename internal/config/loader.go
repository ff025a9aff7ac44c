package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is the path checked for YAML configuration.
const DefaultConfigFile = "clawtrol.yaml"

// Load returns a Config using the hierarchy: defaults < YAML < ENV.
// The YAML file is optional; a missing file is not an error.
func Load() (*Config, error) {
	return LoadFrom(DefaultConfigFile)
}

// LoadFrom returns a Config loaded from the given YAML path using the
// hierarchy: defaults < YAML < ENV.
func LoadFrom(yamlPath string) (*Config, error) {
	cfg := Defaults()

	if err := loadYAML(&cfg, yamlPath); err != nil {
		return nil, fmt.Errorf("config yaml: %w", err)
	}

	loadEnv(&cfg)

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
	setString(&cfg.Server.Port, "CLAWTROL_PORT")
	setString(&cfg.Server.CORSOrigin, "CLAWTROL_CORS_ORIGIN")
	setString(&cfg.Postgres.DSN, "DATABASE_URL")
	setInt32(&cfg.Postgres.MaxConns, "CLAWTROL_PG_MAX_CONNS")
	setInt32(&cfg.Postgres.MinConns, "CLAWTROL_PG_MIN_CONNS")
	setDuration(&cfg.Postgres.MaxConnLifetime, "CLAWTROL_PG_MAX_CONN_LIFETIME")
	setDuration(&cfg.Postgres.MaxConnIdleTime, "CLAWTROL_PG_MAX_CONN_IDLE_TIME")
	setDuration(&cfg.Postgres.HealthCheck, "CLAWTROL_PG_HEALTH_CHECK")
	setString(&cfg.NATS.URL, "NATS_URL")
	setString(&cfg.Gateway.URL, "CLAWTROL_GATEWAY_URL")
	setString(&cfg.Gateway.HTTPURL, "CLAWTROL_GATEWAY_HTTP_URL")
	setString(&cfg.Gateway.Token, "CLAWTROL_GATEWAY_TOKEN")
	setString(&cfg.Gateway.ClientID, "CLAWTROL_GATEWAY_CLIENT_ID")
	setDuration(&cfg.Gateway.ConnectTimeout, "CLAWTROL_GATEWAY_CONNECT_TIMEOUT")
	setDuration(&cfg.Gateway.RequestTimeout, "CLAWTROL_GATEWAY_REQUEST_TIMEOUT")
	setDuration(&cfg.Gateway.KeepaliveInterval, "CLAWTROL_GATEWAY_KEEPALIVE")
	setDuration(&cfg.Gateway.ReconnectBackoff, "CLAWTROL_GATEWAY_RECONNECT_BACKOFF")
	setStrings(&cfg.Dispatch.AllowedAgents, "CLAWTROL_ALLOWED_AGENTS")
	setDuration(&cfg.Dispatch.RunTimeout, "CLAWTROL_RUN_TIMEOUT")
	setDuration(&cfg.Dispatch.QARunTimeout, "CLAWTROL_QA_RUN_TIMEOUT")
	setString(&cfg.Logging.Level, "CLAWTROL_LOG_LEVEL")
	setString(&cfg.Logging.Service, "CLAWTROL_LOG_SERVICE")
	setInt(&cfg.Breaker.MaxFailures, "CLAWTROL_BREAKER_MAX_FAILURES")
	setDuration(&cfg.Breaker.Timeout, "CLAWTROL_BREAKER_TIMEOUT")
	setDuration(&cfg.Cache.RuleTTL, "CLAWTROL_RULE_CACHE_TTL")
	setString(&cfg.Otel.Endpoint, "OTEL_EXPORTER_OTLP_ENDPOINT")
}

// validate checks for configuration values that would fail at runtime.
func validate(cfg *Config) error {
	if cfg.Server.Port == "" {
		return errors.New("server port is required")
	}
	if _, err := strconv.Atoi(cfg.Server.Port); err != nil {
		return fmt.Errorf("server port %q is not numeric", cfg.Server.Port)
	}
	if cfg.Postgres.DSN == "" {
		return errors.New("postgres dsn is required")
	}
	if cfg.Gateway.MinProtocol > cfg.Gateway.MaxProtocol {
		return fmt.Errorf("gateway min_protocol %d > max_protocol %d",
			cfg.Gateway.MinProtocol, cfg.Gateway.MaxProtocol)
	}
	if len(cfg.Dispatch.AllowedAgents) == 0 {
		return errors.New("dispatch allowed_agents must not be empty")
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setStrings(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		*dst = parts
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

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
