package common

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pelletier/go-toml/v2"
)

// Config represents the application configuration
type Config struct {
	Environment string          `toml:"environment"` // "development" or "production"
	Server      ServerConfig    `toml:"server"`
	Storage     StorageConfig   `toml:"storage"`
	Logging     LoggingConfig   `toml:"logging"`
	Auth        AuthConfig      `toml:"auth"`
	Engine      EngineConfig    `toml:"engine"`
	Dispatch    DispatchConfig  `toml:"dispatch"`
	Embedding   EmbeddingConfig `toml:"embedding"`
	Vectorize   VectorizeConfig `toml:"vectorize"`
	Events      EventsConfig    `toml:"events"`
}

type ServerConfig struct {
	Port int    `toml:"port" validate:"gt=0,lte=65535"`
	Host string `toml:"host" validate:"required"`
}

type StorageConfig struct {
	Badger BadgerConfig `toml:"badger"`
}

// BadgerConfig represents BadgerDB-specific configuration
type BadgerConfig struct {
	Path           string `toml:"path" validate:"required"` // Database directory path
	ResetOnStartup bool   `toml:"reset_on_startup"`         // Delete database on startup for clean test runs
}

type LoggingConfig struct {
	Level  string   `toml:"level"`  // "debug", "info", "warn", "error"
	Output []string `toml:"output"` // "stdout", "file"
}

// AuthConfig covers JWT verification and internal token minting
type AuthConfig struct {
	Secret        string `toml:"secret" validate:"required"` // HMAC-SHA256 shared secret
	RequiredScope string `toml:"required_scope"`             // Scope required on inbound tokens
	TokenTTL      string `toml:"token_ttl"`                  // Internal token lifetime, <= 1h
}

// EngineConfig controls the job lifecycle engine's worker pool and retry policy
type EngineConfig struct {
	Concurrency        int    `toml:"concurrency" validate:"gt=0"`
	PollInterval       string `toml:"poll_interval"`         // e.g. "500ms"
	MaxAttempts        int    `toml:"max_attempts"`          // Default retry budget per job
	BackoffBase        string `toml:"backoff_base"`          // Exponential backoff base, e.g. "1s"
	BackoffCap         string `toml:"backoff_cap"`           // Backoff ceiling, e.g. "30s"
	DefaultMaxWallTime string `toml:"default_max_wall_time"` // Handler deadline when unset, e.g. "10m"
	StaleGrace         string `toml:"stale_grace"`           // Added to max_wall_time before the stale detector fails a job
}

// DispatchConfig controls remote vs. local crew execution
type DispatchConfig struct {
	UseRemoteCrews  bool   `toml:"use_remote_crews"`
	FallbackToLocal bool   `toml:"fallback_to_local"`
	RemoteURL       string `toml:"remote_url"` // Base URL of the crew execution service
	RequestTimeout  string `toml:"request_timeout"`
}

// EmbeddingConfig points at the external embedding service
type EmbeddingConfig struct {
	URL            string `toml:"url"`
	Model          string `toml:"model"`
	Dimension      int    `toml:"dimension" validate:"gt=0"`
	BatchSize      int    `toml:"batch_size"`
	MaxAttempts    int    `toml:"max_attempts"`
	BackoffBase    string `toml:"backoff_base"` // First retry delay, doubled per attempt
	RateLimit      string `toml:"rate_limit"`   // Minimum interval between requests
	RequestTimeout string `toml:"request_timeout"`
}

// VectorizeConfig controls the event vectorization pipeline
type VectorizeConfig struct {
	Enabled      bool   `toml:"enabled"`
	Schedule     string `toml:"schedule"`      // Cron schedule for the sweep over finalized jobs
	ChunkSize    int    `toml:"chunk_size"`    // Target characters per chunk
	ChunkOverlap int    `toml:"chunk_overlap"` // Overlap characters between chunks
	ValueCap     int    `toml:"value_cap"`     // Truncation cap for serialized nested values
}

// EventsConfig controls the execution event sink
type EventsConfig struct {
	EmitDeadline string `toml:"emit_deadline"` // Max time an emit may block on the store
}

// NewDefaultConfig returns a config with sane development defaults
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Server: ServerConfig{
			Port: 8000,
			Host: "localhost",
		},
		Storage: StorageConfig{
			Badger: BadgerConfig{
				Path: "./data/crew-api",
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Output: []string{"stdout"},
		},
		Auth: AuthConfig{
			RequiredScope: "sparkjar_internal",
			TokenTTL:      "1h",
		},
		Engine: EngineConfig{
			Concurrency:        4,
			PollInterval:       "500ms",
			MaxAttempts:        3,
			BackoffBase:        "1s",
			BackoffCap:         "30s",
			DefaultMaxWallTime: "10m",
			StaleGrace:         "5m",
		},
		Dispatch: DispatchConfig{
			UseRemoteCrews:  false,
			FallbackToLocal: true,
			RequestTimeout:  "60s",
		},
		Embedding: EmbeddingConfig{
			Model:          "text-embedding-3-small",
			Dimension:      1536,
			BatchSize:      16,
			MaxAttempts:    5,
			BackoffBase:    "1s",
			RateLimit:      "100ms",
			RequestTimeout: "30s",
		},
		Vectorize: VectorizeConfig{
			Enabled:      true,
			Schedule:     "*/5 * * * *",
			ChunkSize:    2000,
			ChunkOverlap: 200,
			ValueCap:     4000,
		},
		Events: EventsConfig{
			EmitDeadline: "10s",
		},
	}
}

// LoadFromFiles loads configuration with priority: defaults -> file1 -> file2 -> ... -> env.
// Later files override earlier files; environment variables override all files.
func LoadFromFiles(paths ...string) (*Config, error) {
	config := NewDefaultConfig()

	for i, path := range paths {
		if path == "" {
			continue
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}

		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s (file %d of %d): %w", path, i+1, len(paths), err)
		}
	}

	applyEnvOverrides(config)

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// Validate checks the resolved configuration for structural problems
func (c *Config) Validate() error {
	v := validator.New()
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	// Duration fields fail at load rather than on first use
	for name, val := range map[string]string{
		"engine.poll_interval":         c.Engine.PollInterval,
		"engine.backoff_base":          c.Engine.BackoffBase,
		"engine.backoff_cap":           c.Engine.BackoffCap,
		"engine.default_max_wall_time": c.Engine.DefaultMaxWallTime,
		"engine.stale_grace":           c.Engine.StaleGrace,
		"dispatch.request_timeout":     c.Dispatch.RequestTimeout,
		"embedding.rate_limit":         c.Embedding.RateLimit,
		"embedding.request_timeout":    c.Embedding.RequestTimeout,
		"events.emit_deadline":         c.Events.EmitDeadline,
		"auth.token_ttl":               c.Auth.TokenTTL,
	} {
		if _, err := time.ParseDuration(val); err != nil {
			return fmt.Errorf("invalid configuration: %s: %w", name, err)
		}
	}

	if ttl := ParseDurationOr(c.Auth.TokenTTL, time.Hour); ttl > time.Hour {
		return fmt.Errorf("invalid configuration: auth.token_ttl must not exceed 1h")
	}

	return nil
}

// ApplyFlagOverrides applies command-line flag overrides (highest priority)
func ApplyFlagOverrides(config *Config, port int, host string) {
	if port != 0 {
		config.Server.Port = port
	}
	if host != "" {
		config.Server.Host = host
	}
}

// ParseDurationOr parses a duration string, falling back to def on failure
func ParseDurationOr(s string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}

func applyEnvOverrides(config *Config) {
	if env := os.Getenv("CREWAPI_ENV"); env != "" {
		config.Environment = env
	}

	if port := os.Getenv("CREWAPI_SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}
	if host := os.Getenv("CREWAPI_SERVER_HOST"); host != "" {
		config.Server.Host = host
	}

	if badgerPath := os.Getenv("CREWAPI_BADGER_PATH"); badgerPath != "" {
		config.Storage.Badger.Path = badgerPath
	}

	if level := os.Getenv("CREWAPI_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}

	if secret := os.Getenv("CREWAPI_AUTH_SECRET"); secret != "" {
		config.Auth.Secret = secret
	}
	if scope := os.Getenv("CREWAPI_AUTH_REQUIRED_SCOPE"); scope != "" {
		config.Auth.RequiredScope = scope
	}

	if concurrency := os.Getenv("CREWAPI_ENGINE_CONCURRENCY"); concurrency != "" {
		if c, err := strconv.Atoi(concurrency); err == nil {
			config.Engine.Concurrency = c
		}
	}

	if useRemote := os.Getenv("CREWAPI_USE_REMOTE_CREWS"); useRemote != "" {
		if b, err := strconv.ParseBool(useRemote); err == nil {
			config.Dispatch.UseRemoteCrews = b
		}
	}
	if fallback := os.Getenv("CREWAPI_FALLBACK_TO_LOCAL"); fallback != "" {
		if b, err := strconv.ParseBool(fallback); err == nil {
			config.Dispatch.FallbackToLocal = b
		}
	}
	if remoteURL := os.Getenv("CREWAPI_REMOTE_CREW_URL"); remoteURL != "" {
		config.Dispatch.RemoteURL = remoteURL
	}

	if embeddingURL := os.Getenv("CREWAPI_EMBEDDING_URL"); embeddingURL != "" {
		config.Embedding.URL = embeddingURL
	}
	if model := os.Getenv("CREWAPI_EMBEDDING_MODEL"); model != "" {
		config.Embedding.Model = model
	}
}
