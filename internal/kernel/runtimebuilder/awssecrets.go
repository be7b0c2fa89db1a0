package runtimebuilder

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

// secretsManagerAdapter narrows a live *secretsmanager.Client down to
// the single method ksecret.SecretsManagerClient needs, so ksecret
// itself never imports the AWS SDK directly.
type secretsManagerAdapter struct {
	client *secretsmanager.Client
}

func newSecretsManagerAdapter(ctx context.Context) (*secretsManagerAdapter, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("runtimebuilder: load aws config: %w", err)
	}
	return &secretsManagerAdapter{client: secretsmanager.NewFromConfig(awsCfg)}, nil
}

func (a *secretsManagerAdapter) GetSecretValue(ctx context.Context, secretID string) ([]byte, error) {
	out, err := a.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{SecretId: aws.String(secretID)})
	if err != nil {
		return nil, fmt.Errorf("runtimebuilder: fetch secret %q: %w", secretID, err)
	}
	if out.SecretBinary != nil {
		return out.SecretBinary, nil
	}
	if out.SecretString != nil {
		return []byte(*out.SecretString), nil
	}
	return nil, fmt.Errorf("runtimebuilder: secret %q has neither SecretBinary nor SecretString set", secretID)
}
