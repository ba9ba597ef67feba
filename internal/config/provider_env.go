package config

import (
	"context"
	"os"
	"strings"
)

// EnvVarProvider answers parameter lookups from the process environment, for
// deployments whose platform injects secrets as variables instead of
// granting SSM access (SECRET_SOURCE=env). A path such as
// /qrcloud/prod/stripe-secret-key is looked up verbatim first and then as
// QRCLOUD_PROD_STRIPE_SECRET_KEY.
type EnvVarProvider struct {
	lookup func(string) (string, bool)
}

func NewEnvVarProvider() *EnvVarProvider {
	return &EnvVarProvider{lookup: os.LookupEnv}
}

var envNameReplacer = strings.NewReplacer("/", "_", "-", "_", ".", "_")

// envName converts a parameter path to its variable name.
func envName(path string) string {
	return strings.ToUpper(envNameReplacer.Replace(strings.TrimPrefix(path, "/")))
}

// GetParametersBatch never fails; keys with no matching variable are left
// out and reported as missing by the loader.
func (p *EnvVarProvider) GetParametersBatch(_ context.Context, keys []string) (map[string]string, error) {
	found := make(map[string]string, len(keys))
	for _, key := range keys {
		if v, ok := p.lookup(key); ok {
			found[key] = v
		} else if v, ok := p.lookup(envName(key)); ok {
			found[key] = v
		}
	}
	return found, nil
}
