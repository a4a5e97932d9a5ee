package config

import (
	"context"
	"fmt"
	"net/url"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	smithyendpoints "github.com/aws/smithy-go/endpoints"
)

// ConnectionConfig locates an AWS service.
type ConnectionConfig struct {
	// Endpoint overrides the service endpoint, e.g. for a local emulator.
	Endpoint string `yaml:"endpoint" validate:"omitempty,url"`
	Profile  string `yaml:"profile"`
	Region   string `yaml:"region"`
}

// LoadAWSConfig loads the default AWS configuration with the profile and
// region of conn applied.
func LoadAWSConfig(ctx context.Context, conn ConnectionConfig) (aws.Config, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if conn.Profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(conn.Profile))
	}
	if conn.Region != "" {
		opts = append(opts, awsconfig.WithRegion(conn.Region))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("failed to load AWS SDK config: %w", err)
	}
	return cfg, nil
}

func customEndpoint(endpointURL string) (smithyendpoints.Endpoint, error) {
	parsed, err := url.Parse(endpointURL)
	if err != nil {
		return smithyendpoints.Endpoint{}, &aws.EndpointNotFoundError{
			Err: fmt.Errorf("failed to parse custom endpoint URL '%s': %w", endpointURL, err),
		}
	}
	return smithyendpoints.Endpoint{URI: *parsed}, nil
}

type dynamoDBEndpointResolver struct {
	endpointURL string
}

var _ dynamodb.EndpointResolverV2 = (*dynamoDBEndpointResolver)(nil)

func (r *dynamoDBEndpointResolver) ResolveEndpoint(ctx context.Context, params dynamodb.EndpointParameters) (smithyendpoints.Endpoint, error) {
	if r.endpointURL == "" {
		return dynamodb.NewDefaultEndpointResolverV2().ResolveEndpoint(ctx, params)
	}
	return customEndpoint(r.endpointURL)
}

type sqsEndpointResolver struct {
	endpointURL string
}

var _ sqs.EndpointResolverV2 = (*sqsEndpointResolver)(nil)

func (r *sqsEndpointResolver) ResolveEndpoint(ctx context.Context, params sqs.EndpointParameters) (smithyendpoints.Endpoint, error) {
	if r.endpointURL == "" {
		return sqs.NewDefaultEndpointResolverV2().ResolveEndpoint(ctx, params)
	}
	return customEndpoint(r.endpointURL)
}
