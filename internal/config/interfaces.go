package config

import "context"

// SecretProvider resolves secret parameters by path. Production uses AWS SSM
// Parameter Store; local development reads the environment.
type SecretProvider interface {
	// GetParametersBatch returns path -> plaintext value for every path it
	// could resolve.
	GetParametersBatch(ctx context.Context, keys []string) (map[string]string, error)
}
