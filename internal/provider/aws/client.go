package aws

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/LykxSassinator/backupstore/internal/config"
	"github.com/LykxSassinator/backupstore/internal/creds"
	"github.com/LykxSassinator/backupstore/internal/provider"
)

// newResolver builds the shared credential resolver from config.
// Priority: 1) explicit static keys  2) default chain (env, shared config,
// instance metadata).
func newResolver(ctx context.Context, c config.Config) (*creds.Resolver, error) {
	if c.AWS.AccessKeyID != "" && c.AWS.SecretAccessKey != "" {
		return creds.New(credentials.NewStaticCredentialsProvider(
			c.AWS.AccessKeyID, c.AWS.SecretAccessKey, c.AWS.SessionToken,
		)), nil
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(c.AWS.Region))
	if err != nil {
		return nil, fmt.Errorf("load default credential chain: %w", err)
	}
	return creds.New(cfg.Credentials), nil
}

// newClients builds the S3 and KMS clients. Both share the injected
// resolver, and both run with SDK-internal retries disabled: the shared
// retry policy in internal/retry owns attempt counting, backoff and the
// credential-refresh transition.
func newClients(c config.Config, resolver *creds.Resolver) (*s3.Client, *kms.Client) {
	base := aws.Config{
		Region:      c.AWS.Region,
		Credentials: resolver,
		Retryer:     func() aws.Retryer { return aws.NopRetryer{} },
	}

	s3c := s3.NewFromConfig(base, func(o *s3.Options) {
		if c.AWS.Endpoint != "" {
			o.BaseEndpoint = aws.String(c.AWS.Endpoint)
		}
		// Vendor-compatible deployments (MinIO etc.) need path-style
		// addressing.
		o.UsePathStyle = c.AWS.ForcePathStyle
	})
	kmsc := kms.NewFromConfig(base, func(o *kms.Options) {
		if c.AWS.Endpoint != "" {
			o.BaseEndpoint = aws.String(c.AWS.Endpoint)
		}
	})
	return s3c, kmsc
}

func init() {
	provider.Register("aws", func(cfg any) (*provider.Backend, error) {
		c, ok := cfg.(config.Config)
		if !ok {
			return nil, fmt.Errorf("aws: invalid config type")
		}
		resolver, err := newResolver(context.Background(), c)
		if err != nil {
			return nil, err
		}
		s3c, kmsc := newClients(c, resolver)
		return &provider.Backend{
			Storage: NewStorage(s3c, resolver, c),
			Keys:    NewKeyManager(kmsc, resolver, c),
		}, nil
	})
}
