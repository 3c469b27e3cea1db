package source

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
)

// ConnectionArgs are the optional AWS connection parameters of a source. Unset
// fields fall back to the SDK default provider chain.
type ConnectionArgs struct {
	AccessKey    string `mapstructure:"access_key"`
	SecretKey    string `mapstructure:"secret_key"`
	SessionToken string `mapstructure:"session_token"`
	EndpointURL  string `mapstructure:"endpoint_url"`
	Region       string `mapstructure:"region"`
}

// LoadAWSConfig resolves an aws.Config from args on top of the default chain.
// Static credentials are used only when both keys are set.
func LoadAWSConfig(ctx context.Context, args ConnectionArgs) (aws.Config, error) {
	var loadOpts []func(*config.LoadOptions) error

	if args.Region != "" {
		loadOpts = append(loadOpts, config.WithRegion(args.Region))
	}
	if args.AccessKey != "" && args.SecretKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(args.AccessKey, args.SecretKey, args.SessionToken),
		))
	}

	return config.LoadDefaultConfig(ctx, loadOpts...)
}

func (a ConnectionArgs) sqsOptions(o *sqs.Options) {
	if a.EndpointURL != "" {
		o.BaseEndpoint = aws.String(a.EndpointURL)
	}
}
