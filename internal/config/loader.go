package config

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// ConfigErrorType says which loading stage failed.
type ConfigErrorType string

const (
	ErrSSMResolution ConfigErrorType = "SSM_FAILURE"
	ErrParsing       ConfigErrorType = "PARSING_FAILED"
	ErrValidation    ConfigErrorType = "VALIDATION_FAILED"
)

type ConfigError struct {
	Type    ConfigErrorType
	Message string
	Err     error
}

func (e *ConfigError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Type, e.Message)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ConfigError) Unwrap() error { return e.Err }

// A variable named X_SSM_PARAM holds the parameter path whose value is
// exported as X, unless X is already set.
const ssmParamSuffix = "_SSM_PARAM"

const secretResolveTimeout = 30 * time.Second

// loaderDeps holds the environment accessors so tests avoid global state.
type loaderDeps struct {
	lookupEnv func(key string) (string, bool)
	setEnv    func(key, value string) error
	environ   func() []string
	dotenv    func() error
}

func defaultDeps() loaderDeps {
	return loaderDeps{
		lookupEnv: os.LookupEnv,
		setEnv:    os.Setenv,
		environ:   os.Environ,
		dotenv:    func() error { return godotenv.Load() },
	}
}

// LoadConfig reads .env (if any), resolves *_SSM_PARAM pointers through
// provider outside APP_ENV=local, then parses and validates the
// environment. All times in the process are UTC afterwards.
func LoadConfig(provider SecretProvider) (*Config, error) {
	return loadConfigWithDeps(provider, defaultDeps())
}

func loadConfigWithDeps(provider SecretProvider, deps loaderDeps) (*Config, error) {
	time.Local = time.UTC

	// godotenv never overrides variables that are already set.
	_ = deps.dotenv()

	if env, _ := deps.lookupEnv("APP_ENV"); env != "local" {
		if err := resolveSecrets(provider, deps); err != nil {
			return nil, err
		}
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, &ConfigError{Type: ErrParsing, Message: "failed to process environment configuration", Err: err}
	}
	cfg.Build = NewBuildInfo()

	if err := validator.New().Struct(cfg); err != nil {
		return nil, &ConfigError{Type: ErrValidation, Message: "configuration validation failed", Err: err}
	}
	return &cfg, nil
}

// pendingSecrets maps parameter path to the variable it fills, for every
// pointer whose target is still unset.
func pendingSecrets(deps loaderDeps) map[string]string {
	pending := make(map[string]string)
	for _, kv := range deps.environ() {
		name, path, _ := strings.Cut(kv, "=")
		target, ok := strings.CutSuffix(name, ssmParamSuffix)
		if !ok || path == "" {
			continue
		}
		if _, set := deps.lookupEnv(target); set {
			continue
		}
		pending[path] = target
	}
	return pending
}

func resolveSecrets(provider SecretProvider, deps loaderDeps) error {
	pending := pendingSecrets(deps)
	if len(pending) == 0 {
		return nil
	}

	paths := make([]string, 0, len(pending))
	for path := range pending {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	targetsOf := func(paths []string) string {
		names := make([]string, len(paths))
		for i, p := range paths {
			names[i] = pending[p]
		}
		sort.Strings(names)
		return strings.Join(names, ", ")
	}

	if provider == nil {
		return &ConfigError{
			Type:    ErrSSMResolution,
			Message: "a SecretProvider is required outside local development to resolve " + targetsOf(paths),
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), secretResolveTimeout)
	defer cancel()

	values, err := provider.GetParametersBatch(ctx, paths)
	if err != nil {
		return &ConfigError{Type: ErrSSMResolution, Message: fmt.Sprintf("failed to resolve %d parameters", len(paths)), Err: err}
	}

	var missing []string
	for _, path := range paths {
		value, ok := values[path]
		if !ok {
			missing = append(missing, path)
			continue
		}
		if err := deps.setEnv(pending[path], value); err != nil {
			return &ConfigError{Type: ErrSSMResolution, Message: "failed to export " + pending[path], Err: err}
		}
	}
	if len(missing) > 0 {
		return &ConfigError{Type: ErrSSMResolution, Message: "parameters not found for " + targetsOf(missing)}
	}
	return nil
}
