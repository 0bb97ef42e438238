// Package secrets resolves credentials from environment variables or AWS
// Secrets Manager and layers them over the loaded configuration.
package secrets

import (
	"context"
	"errors"
	"fmt"

	"github.com/flowdash-app/flowdash-backend/internal/config"
	"github.com/flowdash-app/flowdash-backend/internal/slogging"
)

var (
	ErrSecretNotFound = errors.New("secret not found")
	ErrInvalidConfig  = errors.New("invalid secrets provider configuration")
)

// Provider looks up secret values by key.
type Provider interface {
	// GetSecret returns ErrSecretNotFound when the key is absent.
	GetSecret(ctx context.Context, key string) (string, error)
	Name() string
	Close() error
}

// ProviderType names a secrets backend
type ProviderType string

const (
	ProviderTypeEnv ProviderType = "env"
	ProviderTypeAWS ProviderType = "aws"
)

// Secret key names understood by Apply
const (
	KeyJWTSecret        = "jwt_secret"
	KeyWebhookSecret    = "webhook_secret"
	KeyCredentialKey    = "credential_encryption_key"
	KeyDatabasePassword = "database_password"
	KeyRedisPassword    = "redis_password"
)

// NewProvider builds the provider selected by cfg. An empty provider means env.
func NewProvider(ctx context.Context, cfg *config.SecretsConfig) (Provider, error) {
	logger := slogging.Get()

	if cfg == nil || cfg.Provider == "" {
		return NewEnvProvider(), nil
	}

	switch ProviderType(cfg.Provider) {
	case ProviderTypeEnv:
		return NewEnvProvider(), nil
	case ProviderTypeAWS:
		if cfg.AWSRegion == "" || cfg.AWSSecretName == "" {
			return nil, fmt.Errorf("%w: aws provider requires region and secret name", ErrInvalidConfig)
		}
		logger.Info("Using AWS Secrets Manager secret %s in %s", cfg.AWSSecretName, cfg.AWSRegion)
		return NewAWSProvider(ctx, cfg.AWSRegion, cfg.AWSSecretName)
	default:
		return nil, fmt.Errorf("%w: unknown provider type: %s", ErrInvalidConfig, cfg.Provider)
	}
}

// Apply overwrites credential fields in cfg with any values the provider holds.
// Missing keys leave the configured value in place; other lookup errors abort.
func Apply(ctx context.Context, p Provider, cfg *config.Config) error {
	targets := []struct {
		key   string
		field *string
	}{
		{KeyJWTSecret, &cfg.Auth.JWT.Secret},
		{KeyWebhookSecret, &cfg.Auth.WebhookSecret},
		{KeyCredentialKey, &cfg.Upstream.CredentialKey},
		{KeyRedisPassword, &cfg.Database.Redis.Password},
		{KeyDatabasePassword, databasePasswordField(cfg)},
	}

	applied := 0
	for _, t := range targets {
		if t.field == nil {
			continue
		}
		value, err := p.GetSecret(ctx, t.key)
		if errors.Is(err, ErrSecretNotFound) {
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to read secret %s from %s: %w", t.key, p.Name(), err)
		}
		*t.field = value
		applied++
	}

	slogging.Get().Debug("Applied %d secrets from %s provider", applied, p.Name())
	return nil
}

func databasePasswordField(cfg *config.Config) *string {
	switch cfg.Database.Type {
	case "postgres":
		return &cfg.Database.Postgres.Password
	case "mysql":
		return &cfg.Database.MySQL.Password
	case "sqlserver":
		return &cfg.Database.SQLServer.Password
	default:
		return nil
	}
}
