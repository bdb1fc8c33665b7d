package config

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awscfg "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
)

// AWSConfig holds shared AWS client settings. Static keys are optional; when
// absent the default credential chain is used.
type AWSConfig struct {
	Region          string `yaml:"region"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"` //nolint:gosec // config field

	// HTTPClient replaces the SDK's default client, e.g. with a traced one.
	HTTPClient awscfg.HTTPClient `yaml:"-"`
}

// Load builds an aws.Config for region, falling back to the configured
// region when empty.
func (c AWSConfig) Load(ctx context.Context, region string) (aws.Config, error) {
	if region == "" {
		region = c.Region
	}
	if region == "" {
		region = "us-east-1"
	}
	opts := []func(*awscfg.LoadOptions) error{
		awscfg.WithRegion(region),
	}
	if c.AccessKeyID != "" && c.SecretAccessKey != "" {
		opts = append(opts, awscfg.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(c.AccessKeyID, c.SecretAccessKey, ""),
		))
	}
	if c.HTTPClient != nil {
		opts = append(opts, awscfg.WithHTTPClient(c.HTTPClient))
	}
	cfg, err := awscfg.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("aws: load config: %w", err)
	}
	return cfg, nil
}

// DynamoDBClient creates the client for the record store.
func (c *Config) DynamoDBClient(ctx context.Context) (*dynamodb.Client, error) {
	cfg, err := c.AWS.Load(ctx, c.Store.DynamoDB.Region)
	if err != nil {
		return nil, err
	}
	endpoint := c.Store.DynamoDB.Endpoint
	return dynamodb.NewFromConfig(cfg, func(o *dynamodb.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	}), nil
}

// SQSClient creates the client for the partner event queue.
func (c *Config) SQSClient(ctx context.Context) (*sqs.Client, error) {
	cfg, err := c.AWS.Load(ctx, "")
	if err != nil {
		return nil, err
	}
	endpoint := c.Billing.Partner.Endpoint
	return sqs.NewFromConfig(cfg, func(o *sqs.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	}), nil
}
