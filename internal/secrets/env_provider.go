package secrets

import (
	"context"
	"os"
	"strings"
)

// EnvProvider reads secrets from FLOWDASH_SECRET_<KEY> environment variables.
type EnvProvider struct {
	prefix string
}

func NewEnvProvider() *EnvProvider {
	return &EnvProvider{prefix: "FLOWDASH_SECRET_"}
}

// GetSecret maps "jwt_secret" to FLOWDASH_SECRET_JWT_SECRET.
func (p *EnvProvider) GetSecret(_ context.Context, key string) (string, error) {
	value, ok := os.LookupEnv(p.prefix + strings.ToUpper(key))
	if !ok || value == "" {
		return "", ErrSecretNotFound
	}
	return value, nil
}

func (p *EnvProvider) Name() string { return string(ProviderTypeEnv) }

func (p *EnvProvider) Close() error { return nil }
