package secrets

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"
	"github.com/flowdash-app/flowdash-backend/internal/slogging"
)

// secretValueAPI is the slice of the Secrets Manager client the provider uses
type secretValueAPI interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// AWSProvider reads a single Secrets Manager secret holding a JSON object of
// key/value pairs. The object is fetched once and cached.
type AWSProvider struct {
	client     secretValueAPI
	secretName string

	mu     sync.Mutex
	values map[string]string
}

func NewAWSProvider(ctx context.Context, region, secretName string) (*AWSProvider, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return newAWSProviderWithClient(secretsmanager.NewFromConfig(cfg), secretName), nil
}

func newAWSProviderWithClient(client secretValueAPI, secretName string) *AWSProvider {
	return &AWSProvider{client: client, secretName: secretName}
}

func (p *AWSProvider) GetSecret(ctx context.Context, key string) (string, error) {
	values, err := p.load(ctx)
	if err != nil {
		return "", err
	}
	value, ok := values[key]
	if !ok {
		return "", ErrSecretNotFound
	}
	return value, nil
}

func (p *AWSProvider) Name() string { return string(ProviderTypeAWS) }

func (p *AWSProvider) Close() error { return nil }

// Refresh drops the cached secret so the next lookup fetches it again
func (p *AWSProvider) Refresh() {
	p.mu.Lock()
	p.values = nil
	p.mu.Unlock()
}

func (p *AWSProvider) load(ctx context.Context) (map[string]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.values != nil {
		return p.values, nil
	}

	out, err := p.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(p.secretName),
	})
	if err != nil {
		var notFound *types.ResourceNotFoundException
		if errors.As(err, &notFound) {
			return nil, fmt.Errorf("%w: AWS secret %q", ErrSecretNotFound, p.secretName)
		}
		return nil, fmt.Errorf("failed to retrieve AWS secret: %w", err)
	}
	if out.SecretString == nil {
		return nil, fmt.Errorf("AWS secret %q has no string value", p.secretName)
	}

	var values map[string]string
	if err := json.Unmarshal([]byte(*out.SecretString), &values); err != nil {
		return nil, fmt.Errorf("failed to parse AWS secret as JSON: %w", err)
	}

	p.values = values
	slogging.Get().Info("Loaded %d secrets from AWS Secrets Manager", len(values))
	return values, nil
}
