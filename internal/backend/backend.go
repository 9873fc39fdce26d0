// Package backend builds the AWS SDK and MinIO clients for a local
// AWS-compatible endpoint.
package backend

import (
	"context"
	"fmt"
	"net/url"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodbstreams"
	"github.com/aws/aws-sdk-go-v2/service/kinesis"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/minio/minio-go/v7"
	miniocreds "github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/lsm/streamsim/internal/eventsource"
	"github.com/lsm/streamsim/internal/source"
	dynamosource "github.com/lsm/streamsim/internal/source/dynamodb"
	kinesissource "github.com/lsm/streamsim/internal/source/kinesis"
	s3source "github.com/lsm/streamsim/internal/source/s3"
	sqssource "github.com/lsm/streamsim/internal/source/sqs"
)

// Config locates the backend and the credentials to sign requests with.
type Config struct {
	// Endpoint is the base URL of every AWS API. Empty uses the SDK default
	// resolution.
	Endpoint string
	// S3Endpoint is the host:port of the bucket notification server.
	// Defaults to the host of Endpoint.
	S3Endpoint      string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
}

// Clients holds one client per backend API.
type Clients struct {
	AWS      aws.Config
	Kinesis  *kinesis.Client
	DynamoDB *dynamodb.Client
	Streams  *dynamodbstreams.Client
	SQS      *sqs.Client
	Lambda   *lambda.Client
	// S3 is nil when no notification endpoint is known.
	S3 *minio.Client
}

// AWSConfig loads an aws.Config for cfg with static credentials.
func AWSConfig(ctx context.Context, cfg Config) (aws.Config, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("load aws config: %w", err)
	}
	if cfg.Endpoint != "" {
		awsCfg.BaseEndpoint = aws.String(cfg.Endpoint)
	}
	return awsCfg, nil
}

// New creates every client for cfg.
func New(ctx context.Context, cfg Config) (*Clients, error) {
	awsCfg, err := AWSConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}

	c := &Clients{
		AWS:      awsCfg,
		Kinesis:  kinesis.NewFromConfig(awsCfg),
		DynamoDB: dynamodb.NewFromConfig(awsCfg),
		Streams:  dynamodbstreams.NewFromConfig(awsCfg),
		SQS:      sqs.NewFromConfig(awsCfg),
		Lambda:   lambda.NewFromConfig(awsCfg),
	}

	host, secure, err := S3Host(cfg)
	if err != nil {
		return nil, err
	}
	if host != "" {
		c.S3, err = minio.New(host, &minio.Options{
			Creds:  miniocreds.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
			Secure: secure,
			Region: cfg.Region,
		})
		if err != nil {
			return nil, fmt.Errorf("initialize s3 client: %w", err)
		}
	}
	return c, nil
}

// LambdaAt returns a Lambda client for endpoint, or the shared client when
// endpoint is empty or the backend endpoint.
func (c *Clients) LambdaAt(endpoint string) *lambda.Client {
	if endpoint == "" || (c.AWS.BaseEndpoint != nil && *c.AWS.BaseEndpoint == endpoint) {
		return c.Lambda
	}
	return lambda.NewFromConfig(c.AWS, func(o *lambda.Options) {
		o.BaseEndpoint = aws.String(endpoint)
	})
}

// Discoverers returns the source adapters backed by c. S3 is left out when
// there is no notification endpoint.
func (c *Clients) Discoverers() map[eventsource.Kind]source.Discoverer {
	d := map[eventsource.Kind]source.Discoverer{
		eventsource.KindKinesis:  kinesissource.New(c.Kinesis),
		eventsource.KindDynamoDB: dynamosource.New(c.DynamoDB, c.Streams),
		eventsource.KindSQS:      sqssource.New(c.SQS),
	}
	if c.S3 != nil {
		d[eventsource.KindS3] = s3source.New(c.S3)
	}
	return d
}

// S3Host returns the host:port MinIO connects to and whether it uses TLS.
func S3Host(cfg Config) (host string, secure bool, err error) {
	if cfg.S3Endpoint != "" {
		if u, err := url.Parse(cfg.S3Endpoint); err == nil && u.Host != "" {
			return u.Host, u.Scheme == "https", nil
		}
		return cfg.S3Endpoint, false, nil
	}
	if cfg.Endpoint == "" {
		return "", false, nil
	}
	u, err := url.Parse(cfg.Endpoint)
	if err != nil || u.Host == "" {
		return "", false, fmt.Errorf("invalid endpoint %q", cfg.Endpoint)
	}
	return u.Host, u.Scheme == "https", nil
}
