// Package config manages application configuration with multi-source
// priority.
//
// Sources, highest priority first:
//  1. Environment variables (DATABASE_URL and PAPERBASE_* overrides)
//  2. Config file (~/.paperbase/config.yaml, or ./config.yaml)
//  3. Defaults (local Ollama, local Postgres, both storage backends)
//
// Sensitive fields (the Postgres password) are masked by MarshalJSON and
// String, so a logged Config never leaks credentials.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

var (
	// ErrConfigNil indicates the configuration is nil.
	ErrConfigNil = errors.New("configuration is nil")

	// ErrMissingAPIKey indicates a required API key is missing.
	ErrMissingAPIKey = errors.New("missing API key")

	// ErrInvalidProvider indicates the embedding provider is not supported.
	ErrInvalidProvider = errors.New("invalid provider")

	// ErrInvalidOllamaHost indicates the Ollama host is invalid.
	ErrInvalidOllamaHost = errors.New("invalid Ollama host")

	// ErrInvalidEmbedderModel indicates the embedder model is invalid.
	ErrInvalidEmbedderModel = errors.New("invalid embedder model")

	// ErrInvalidDimension indicates the embedder dimension is out of range.
	ErrInvalidDimension = errors.New("invalid embedder dimension")

	// ErrInvalidChunkSize indicates the default chunk size is out of range.
	ErrInvalidChunkSize = errors.New("invalid chunk size")

	// ErrInvalidTopK indicates the retrieval top-k is out of range.
	ErrInvalidTopK = errors.New("invalid top k")

	// ErrInvalidBackend indicates the storage backend selection is unknown.
	ErrInvalidBackend = errors.New("invalid storage backend")

	// ErrInvalidPostgresHost indicates the PostgreSQL host is invalid.
	ErrInvalidPostgresHost = errors.New("invalid PostgreSQL host")

	// ErrInvalidPostgresPort indicates the PostgreSQL port is out of range.
	ErrInvalidPostgresPort = errors.New("invalid PostgreSQL port")

	// ErrInvalidPostgresDBName indicates the PostgreSQL database name is invalid.
	ErrInvalidPostgresDBName = errors.New("invalid PostgreSQL database name")

	// ErrInvalidPostgresPassword indicates the PostgreSQL password is invalid.
	ErrInvalidPostgresPassword = errors.New("invalid PostgreSQL password")

	// ErrInvalidPostgresSSLMode indicates the PostgreSQL SSL mode is invalid.
	ErrInvalidPostgresSSLMode = errors.New("invalid PostgreSQL SSL mode")
)

// Embedding provider identifiers used in Config.Provider.
const (
	ProviderOllama = "ollama"
	ProviderGemini = "gemini"
)

// Storage backend identifiers used in Config.Backend.
const (
	BackendFile     = "file"
	BackendPostgres = "postgres"
	BackendBoth     = "both"
)

// VectorDimension is the store-wide embedding dimensionality. It must match
// the vector(n) column in db/migrations and the embedder model's output.
// nomic-embed-text emits 768; gemini-embedding-001 truncates to 768 via
// OutputDimensionality.
const VectorDimension = 768

// Config stores application configuration. The Postgres password is masked
// in MarshalJSON; keep that method in sync when adding sensitive fields.
type Config struct {
	// Embedding provider configuration
	Provider      string `mapstructure:"provider" json:"provider"` // "ollama" (default) or "gemini"
	OllamaHost    string `mapstructure:"ollama_host" json:"ollama_host"`
	EmbedderModel string `mapstructure:"embedder_model" json:"embedder_model"`

	// Pipeline tuning
	ChunkSize         int     `mapstructure:"chunk_size" json:"chunk_size"` // words per chunk
	TopK              int     `mapstructure:"top_k" json:"top_k"`
	Workers           int     `mapstructure:"workers" json:"workers"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second" json:"requests_per_second"`

	// Storage backend selection and file roots
	Backend string `mapstructure:"backend" json:"backend"` // "file", "postgres", or "both"
	DataDir string `mapstructure:"data_dir" json:"data_dir"`

	// PostgreSQL connection (see storage.go)
	PostgresHost     string `mapstructure:"postgres_host" json:"postgres_host"`
	PostgresPort     int    `mapstructure:"postgres_port" json:"postgres_port"`
	PostgresUser     string `mapstructure:"postgres_user" json:"postgres_user"`
	PostgresPassword string `mapstructure:"postgres_password" json:"postgres_password"` // SENSITIVE: masked in MarshalJSON
	PostgresDBName   string `mapstructure:"postgres_db_name" json:"postgres_db_name"`
	PostgresSSLMode  string `mapstructure:"postgres_ssl_mode" json:"postgres_ssl_mode"`

	// HTTP server
	Addr string `mapstructure:"addr" json:"addr"`

	// Observability (see observability.go)
	Tracing TracingConfig `mapstructure:"tracing" json:"tracing"`
}

// Load loads, merges, and validates configuration.
func Load() (*Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("getting user home directory: %w", err)
	}
	configDir := filepath.Join(home, ".paperbase")
	if err := os.MkdirAll(configDir, 0o750); err != nil {
		return nil, fmt.Errorf("creating config directory: %w", err)
	}

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(configDir)
	viper.AddConfigPath(".")

	setDefaults(configDir)
	bindEnvVariables()

	if err := viper.ReadInConfig(); err != nil {
		// No config file is fine: defaults plus env cover the local setup.
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		slog.Debug("no configuration file found, using defaults",
			"search_paths", []string{configDir, "."})
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing configuration: %w", err)
	}

	// DATABASE_URL overrides the individual postgres_* settings.
	if err := cfg.parseDatabaseURL(); err != nil {
		return nil, fmt.Errorf("parsing DATABASE_URL: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating configuration: %w", err)
	}
	return &cfg, nil
}

func setDefaults(configDir string) {
	viper.SetDefault("provider", ProviderOllama)
	viper.SetDefault("ollama_host", "http://localhost:11434")
	viper.SetDefault("embedder_model", "nomic-embed-text")

	viper.SetDefault("chunk_size", 200)
	viper.SetDefault("top_k", 5)
	viper.SetDefault("workers", 0) // 0 = one per CPU
	viper.SetDefault("requests_per_second", 0)

	viper.SetDefault("backend", BackendBoth)
	viper.SetDefault("data_dir", filepath.Join(configDir, "data"))

	viper.SetDefault("postgres_host", "localhost")
	viper.SetDefault("postgres_port", 5432)
	viper.SetDefault("postgres_user", "paperbase")
	viper.SetDefault("postgres_password", "paperbase_dev_password")
	viper.SetDefault("postgres_db_name", "paperbase")
	viper.SetDefault("postgres_ssl_mode", "disable")

	viper.SetDefault("addr", "localhost:8080")

	viper.SetDefault("tracing.endpoint", "localhost:4318")
	viper.SetDefault("tracing.environment", "dev")
	viper.SetDefault("tracing.service_name", "paperbase")
}

// bindEnvVariables binds explicit environment overrides. GEMINI_API_KEY is
// read directly by the genkit plugin, not through viper; Validate only
// checks its presence when the gemini provider is selected.
func bindEnvVariables() {
	mustBind := func(key, envVar string) {
		if err := viper.BindEnv(key, envVar); err != nil {
			panic(fmt.Sprintf("BUG: failed to bind %q to %q: %v", key, envVar, err))
		}
	}

	mustBind("provider", "PAPERBASE_PROVIDER")
	mustBind("ollama_host", "PAPERBASE_OLLAMA_HOST")
	mustBind("embedder_model", "PAPERBASE_EMBEDDER_MODEL")
	mustBind("backend", "PAPERBASE_BACKEND")
	mustBind("data_dir", "PAPERBASE_DATA_DIR")
	mustBind("addr", "PAPERBASE_ADDR")
	mustBind("tracing.enabled", "PAPERBASE_TRACING")
}

// TextsDir, VectorsDir, and PDFDir are the file-backend roots under DataDir.
func (c *Config) TextsDir() string   { return filepath.Join(c.DataDir, "texts") }
func (c *Config) VectorsDir() string { return filepath.Join(c.DataDir, "vectors") }
func (c *Config) PDFDir() string     { return filepath.Join(c.DataDir, "pdfs") }

// UseFile reports whether the file backend is enabled.
func (c *Config) UseFile() bool { return c.Backend == BackendFile || c.Backend == BackendBoth }

// UsePostgres reports whether the PostgreSQL backend is enabled.
func (c *Config) UsePostgres() bool {
	return c.Backend == BackendPostgres || c.Backend == BackendBoth
}

// maskedValue replaces sensitive data in serialized config. Full-width
// blocks avoid accidental substring matches against real secret content.
const maskedValue = "████████"

// maskSecret masks a secret for safe logging. Short secrets are fully
// masked; longer ones keep the first and last two characters for debugging.
func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 8 {
		return maskedValue
	}
	return s[:2] + "<" + maskedValue + ">" + s[len(s)-2:]
}

// MarshalJSON masks sensitive fields. Update it when adding new secrets.
func (c Config) MarshalJSON() ([]byte, error) {
	type alias Config
	a := alias(c)
	a.PostgresPassword = maskSecret(a.PostgresPassword)
	data, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return data, nil
}

// String implements Stringer so printing a Config never leaks secrets.
func (c Config) String() string {
	data, err := c.MarshalJSON()
	if err != nil {
		return fmt.Sprintf("Config{error: %v}", err)
	}
	return string(data)
}
