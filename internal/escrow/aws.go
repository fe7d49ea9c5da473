package escrow

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"

	"github.com/credlink/keyops/pkg/credential"
)

// SecretsManagerAPI defines the AWS Secrets Manager operations the
// escrow uses. This allows for mocking in tests.
type SecretsManagerAPI interface {
	CreateSecret(ctx context.Context, params *secretsmanager.CreateSecretInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.CreateSecretOutput, error)
	PutSecretValue(ctx context.Context, params *secretsmanager.PutSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.PutSecretValueOutput, error)
}

// AWSEscrow mirrors credential material into AWS Secrets Manager.
type AWSEscrow struct {
	client SecretsManagerAPI
}

// AWSConfig holds the AWS escrow configuration.
type AWSConfig struct {
	Region          string
	Endpoint        string // Optional custom endpoint for LocalStack or testing
	AccessKeyID     string
	SecretAccessKey string
}

// AWSOption is a functional option for configuring the AWS escrow.
type AWSOption func(*AWSEscrow)

// WithSecretsManagerClient sets a custom client (for testing).
func WithSecretsManagerClient(client SecretsManagerAPI) AWSOption {
	return func(e *AWSEscrow) {
		e.client = client
	}
}

// NewAWSEscrow creates an AWS Secrets Manager escrow.
func NewAWSEscrow(cfg AWSConfig, opts ...AWSOption) (*AWSEscrow, error) {
	e := &AWSEscrow{}
	for _, opt := range opts {
		opt(e)
	}
	if e.client != nil {
		return e, nil
	}

	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	var configOpts []func(*config.LoadOptions) error
	configOpts = append(configOpts, config.WithRegion(region))
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		configOpts = append(configOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(context.Background(), configOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	var clientOpts []func(*secretsmanager.Options)
	if cfg.Endpoint != "" {
		endpoint := cfg.Endpoint
		clientOpts = append(clientOpts, func(o *secretsmanager.Options) {
			o.BaseEndpoint = &endpoint
		})
	}
	e.client = secretsmanager.NewFromConfig(awsCfg, clientOpts...)
	return e, nil
}

// Name identifies the escrow target.
func (e *AWSEscrow) Name() string {
	return "aws"
}

// Mirror writes the payload as a new secret version, creating the
// secret on first use.
func (e *AWSEscrow) Mirror(ctx context.Context, rec *credential.Record, plaintext string) error {
	payload, err := Payload(rec, plaintext)
	if err != nil {
		return err
	}

	name := secretName(rec.Identity, "/")
	_, err = e.client.PutSecretValue(ctx, &secretsmanager.PutSecretValueInput{
		SecretId:     aws.String(name),
		SecretString: aws.String(payload),
	})
	if err == nil {
		return nil
	}

	var notFound *types.ResourceNotFoundException
	if !errors.As(err, &notFound) {
		return fmt.Errorf("failed to put secret value for %s: %w", name, err)
	}

	_, err = e.client.CreateSecret(ctx, &secretsmanager.CreateSecretInput{
		Name:         aws.String(name),
		SecretString: aws.String(payload),
		Description:  aws.String(fmt.Sprintf("keyops mirror of %s (%s)", rec.Identity, rec.Kind)),
	})
	if err != nil {
		return fmt.Errorf("failed to create secret %s: %w", name, err)
	}
	return nil
}

var _ Escrow = (*AWSEscrow)(nil)
