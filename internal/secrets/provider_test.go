package secrets

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"
	"github.com/flowdash-app/flowdash-backend/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSecretsManager struct {
	payload string
	err     error
	calls   int
}

func (f *fakeSecretsManager) GetSecretValue(_ context.Context, _ *secretsmanager.GetSecretValueInput, _ ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &secretsmanager.GetSecretValueOutput{SecretString: aws.String(f.payload)}, nil
}

func TestEnvProvider(t *testing.T) {
	t.Setenv("FLOWDASH_SECRET_JWT_SECRET", "from-env")
	p := NewEnvProvider()

	value, err := p.GetSecret(context.Background(), KeyJWTSecret)
	require.NoError(t, err)
	assert.Equal(t, "from-env", value)

	_, err = p.GetSecret(context.Background(), "absent_key")
	assert.ErrorIs(t, err, ErrSecretNotFound)
}

func TestAWSProvider_CachesPayload(t *testing.T) {
	fake := &fakeSecretsManager{payload: `{"jwt_secret":"aws-jwt","webhook_secret":"aws-hook"}`}
	p := newAWSProviderWithClient(fake, "flowdash/prod")

	value, err := p.GetSecret(context.Background(), KeyJWTSecret)
	require.NoError(t, err)
	assert.Equal(t, "aws-jwt", value)

	_, err = p.GetSecret(context.Background(), KeyRedisPassword)
	assert.ErrorIs(t, err, ErrSecretNotFound)
	assert.Equal(t, 1, fake.calls)

	p.Refresh()
	_, _ = p.GetSecret(context.Background(), KeyWebhookSecret)
	assert.Equal(t, 2, fake.calls)
}

func TestAWSProvider_Errors(t *testing.T) {
	p := newAWSProviderWithClient(&fakeSecretsManager{err: &types.ResourceNotFoundException{}}, "missing")
	_, err := p.GetSecret(context.Background(), KeyJWTSecret)
	assert.ErrorIs(t, err, ErrSecretNotFound)

	p = newAWSProviderWithClient(&fakeSecretsManager{payload: "not json"}, "broken")
	_, err = p.GetSecret(context.Background(), KeyJWTSecret)
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrSecretNotFound))
}

func TestApply(t *testing.T) {
	cfg := &config.Config{}
	cfg.Database.Type = "postgres"
	cfg.Auth.JWT.Secret = "configured"

	p := newAWSProviderWithClient(&fakeSecretsManager{
		payload: `{"webhook_secret":"hook","database_password":"pw","credential_encryption_key":"k"}`,
	}, "flowdash/prod")

	require.NoError(t, Apply(context.Background(), p, cfg))
	assert.Equal(t, "configured", cfg.Auth.JWT.Secret, "absent keys keep configured values")
	assert.Equal(t, "hook", cfg.Auth.WebhookSecret)
	assert.Equal(t, "pw", cfg.Database.Postgres.Password)
	assert.Equal(t, "k", cfg.Upstream.CredentialKey)
}

func TestApply_PropagatesProviderFailure(t *testing.T) {
	p := newAWSProviderWithClient(&fakeSecretsManager{err: errors.New("throttled")}, "flowdash/prod")
	err := Apply(context.Background(), p, &config.Config{})
	assert.Error(t, err)
}

func TestNewProvider(t *testing.T) {
	p, err := NewProvider(context.Background(), &config.SecretsConfig{})
	require.NoError(t, err)
	assert.Equal(t, "env", p.Name())

	_, err = NewProvider(context.Background(), &config.SecretsConfig{Provider: "aws"})
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = NewProvider(context.Background(), &config.SecretsConfig{Provider: "vault"})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}
