package config

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// ConfigError is the diagnostic error type returned by LoadConfig.
type ConfigError struct {
	Type    ConfigErrorType
	Message string
	Err     error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Type, e.Message)
}

// Unwrap returns the underlying error.
func (e *ConfigError) Unwrap() error {
	return e.Err
}

// ssmParamSuffix marks environment variables that point at an SSM
// parameter path instead of holding the value directly. For example,
// DATABASE_URL_SSM_PARAM=/prod/monsaas/database/url resolves into
// DATABASE_URL at load time.
const ssmParamSuffix = "_SSM_PARAM"

// localEnv is the APP_ENV value that bypasses SSM resolution.
const localEnv = "local"

// LoadConfig loads and validates the service configuration:
//
//  1. Enforces UTC to prevent period-boundary drift between instances.
//  2. Loads a .env file if present (non-fatal when absent; never
//     overrides existing environment variables).
//  3. Unless APP_ENV is "local", resolves _SSM_PARAM pointer variables
//     via the provider and injects the values into the environment.
//  4. Populates the Config struct from envconfig tags.
//  5. Validates the result; any failure is fatal to startup.
//
// The provider may be nil for local development.
func LoadConfig(provider SecretProvider) (*Config, error) {
	time.Local = time.UTC

	_ = godotenv.Load()

	if appEnv := os.Getenv("APP_ENV"); appEnv != localEnv {
		if err := resolveSSMParams(provider); err != nil {
			return nil, err
		}
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, &ConfigError{
			Type:    ErrParsing,
			Message: "failed to process environment configuration",
			Err:     err,
		}
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, &ConfigError{
			Type:    ErrValidation,
			Message: "configuration validation failed",
			Err:     err,
		}
	}

	return &cfg, nil
}

// resolveSSMParams scans the environment for _SSM_PARAM pointer
// variables, fetches the referenced secrets in one batch, and injects
// them as plain environment variables for envconfig to pick up. A
// target variable that is already set wins over its SSM pointer,
// preserving the Env > Dotenv > SSM priority chain.
func resolveSSMParams(provider SecretProvider) error {
	targets := make(map[string]string) // SSM path -> target env var
	for _, entry := range os.Environ() {
		key, value, ok := strings.Cut(entry, "=")
		if !ok || !strings.HasSuffix(key, ssmParamSuffix) || value == "" {
			continue
		}
		target := strings.TrimSuffix(key, ssmParamSuffix)
		if _, exists := os.LookupEnv(target); exists {
			continue
		}
		targets[value] = target
	}
	if len(targets) == 0 {
		return nil
	}

	if provider == nil {
		names := make([]string, 0, len(targets))
		for _, target := range targets {
			names = append(names, target)
		}
		return &ConfigError{
			Type:    ErrSSMResolution,
			Message: fmt.Sprintf("SecretProvider is required for non-local environments (need to resolve: %s)", strings.Join(names, ", ")),
		}
	}

	paths := make([]string, 0, len(targets))
	for path := range targets {
		paths = append(paths, path)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	resolved, err := provider.GetParametersBatch(ctx, paths)
	if err != nil {
		return &ConfigError{
			Type:    ErrSSMResolution,
			Message: fmt.Sprintf("failed to resolve %d SSM parameters", len(paths)),
			Err:     err,
		}
	}

	var missing []string
	for path, target := range targets {
		value, ok := resolved[path]
		if !ok {
			missing = append(missing, target)
			continue
		}
		if err := os.Setenv(target, value); err != nil {
			return &ConfigError{
				Type:    ErrSSMResolution,
				Message: fmt.Sprintf("failed to set resolved value for %s", target),
				Err:     err,
			}
		}
	}
	if len(missing) > 0 {
		return &ConfigError{
			Type:    ErrSSMResolution,
			Message: fmt.Sprintf("SSM parameters not found for: %s", strings.Join(missing, ", ")),
		}
	}
	return nil
}
