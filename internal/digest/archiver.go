package digest

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"storewatch/internal/config"
)

// S3Archiver uploads compiled digests to object storage for audit.
type S3Archiver struct {
	client *s3.Client
	bucket string
}

// NewS3Archiver builds the archiver, honoring a custom endpoint for
// S3-compatible stores in development.
func NewS3Archiver(ctx context.Context, cfg *config.Config) (*S3Archiver, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.DigestRegion),
	}
	if cfg.DigestEndpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, _ ...interface{}) (aws.Endpoint, error) {
			if service == s3.ServiceID {
				return aws.Endpoint{
					URL:               cfg.DigestEndpoint,
					HostnameImmutable: cfg.DigestPathStyle,
					SigningRegion:     cfg.DigestRegion,
					Source:            aws.EndpointSourceCustom,
				}, nil
			}
			return aws.Endpoint{}, &aws.EndpointNotFoundError{}
		})
		opts = append(opts, awsconfig.WithEndpointResolverWithOptions(resolver))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.DigestPathStyle
	})
	return &S3Archiver{client: client, bucket: cfg.DigestBucket}, nil
}

// Store writes one digest object keyed by shop and timestamp.
func (a *S3Archiver) Store(ctx context.Context, shop string, body []byte) (string, error) {
	key := fmt.Sprintf("digests/%s/%s.json", shop, time.Now().UTC().Format("2006-01-02T15-04-05"))
	contentType := "application/json"
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("put digest object: %w", err)
	}
	return key, nil
}
