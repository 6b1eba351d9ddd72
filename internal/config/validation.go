package config

import (
	"fmt"
	"log/slog"
	"os"
	"slices"
)

// Validate checks configuration values. Returned errors wrap the package
// sentinels, so callers can branch with errors.Is.
func (c *Config) Validate() error {
	if c == nil {
		return ErrConfigNil
	}

	switch c.Provider {
	case ProviderOllama:
		if c.OllamaHost == "" {
			return fmt.Errorf("%w: ollama_host cannot be empty", ErrInvalidOllamaHost)
		}
	case ProviderGemini:
		if os.Getenv("GEMINI_API_KEY") == "" {
			return fmt.Errorf("%w: GEMINI_API_KEY environment variable is required for the gemini provider",
				ErrMissingAPIKey)
		}
	default:
		return fmt.Errorf("%w: %q, must be %q or %q",
			ErrInvalidProvider, c.Provider, ProviderOllama, ProviderGemini)
	}

	if c.EmbedderModel == "" {
		return fmt.Errorf("%w: embedder_model cannot be empty", ErrInvalidEmbedderModel)
	}

	if c.ChunkSize < 1 || c.ChunkSize > 10000 {
		return fmt.Errorf("%w: must be between 1 and 10,000 words, got %d",
			ErrInvalidChunkSize, c.ChunkSize)
	}
	if c.TopK < 1 || c.TopK > 100 {
		return fmt.Errorf("%w: must be between 1 and 100, got %d", ErrInvalidTopK, c.TopK)
	}

	if !slices.Contains([]string{BackendFile, BackendPostgres, BackendBoth}, c.Backend) {
		return fmt.Errorf("%w: %q, must be one of: file, postgres, both",
			ErrInvalidBackend, c.Backend)
	}

	// PostgreSQL settings only matter when that backend is active.
	if c.UsePostgres() {
		if c.PostgresHost == "" {
			return fmt.Errorf("%w: host cannot be empty", ErrInvalidPostgresHost)
		}
		if c.PostgresPort < 1 || c.PostgresPort > 65535 {
			return fmt.Errorf("%w: must be between 1 and 65535, got %d",
				ErrInvalidPostgresPort, c.PostgresPort)
		}
		if c.PostgresDBName == "" {
			return fmt.Errorf("%w: database name cannot be empty", ErrInvalidPostgresDBName)
		}
		if c.PostgresPassword == "" {
			return fmt.Errorf("%w: postgres_password must be set", ErrInvalidPostgresPassword)
		}
		if c.PostgresPassword == "paperbase_dev_password" {
			slog.Warn("using the default development password for PostgreSQL",
				"hint", "change postgres_password for production deployments")
		}

		// Modern SSL modes only; allow/prefer are MITM-vulnerable.
		validSSLModes := []string{"disable", "require", "verify-ca", "verify-full"}
		if !slices.Contains(validSSLModes, c.PostgresSSLMode) {
			return fmt.Errorf("%w: %q is not valid, must be one of: %v",
				ErrInvalidPostgresSSLMode, c.PostgresSSLMode, validSSLModes)
		}
	}

	return nil
}
