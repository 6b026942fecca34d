package publish

import (
	"context"
	"fmt"
	"io"
	nethttp "net/http"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	awscreds "github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Environment variables holding static S3 credentials. Without them the
// default AWS credential chain is used.
const (
	EnvS3AccessKey    = "GRIDSCAN_S3_ACCESS_KEY_ID"
	EnvS3SecretKey    = "GRIDSCAN_S3_SECRET_ACCESS_KEY"
	EnvS3SessionToken = "GRIDSCAN_S3_SESSION_TOKEN"
)

// S3Uploader puts objects into one bucket.
type S3Uploader struct {
	client *s3.Client
	bucket string
}

// S3Credentials are optional static credentials.
type S3Credentials struct {
	AccessKeyID  string
	SecretKey    string
	SessionToken string
}

// NewS3Uploader loads the AWS configuration for region and returns an
// uploader for bucket. Static credentials override the default chain when
// set.
func NewS3Uploader(ctx context.Context, bucket, region string, creds S3Credentials, httpClient *nethttp.Client) (*S3Uploader, error) {
	opts := []func(*config.LoadOptions) error{
		config.WithHTTPClient(httpClient),
	}
	if region != "" {
		opts = append(opts, config.WithRegion(region))
	}
	if creds.AccessKeyID != "" {
		opts = append(opts, config.WithCredentialsProvider(awscreds.NewStaticCredentialsProvider(
			creds.AccessKeyID,
			creds.SecretKey,
			creds.SessionToken,
		)))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return &S3Uploader{client: s3.NewFromConfig(cfg), bucket: bucket}, nil
}

// Upload puts body under key.
func (u *S3Uploader) Upload(ctx context.Context, key string, body io.ReadSeeker, size int64) error {
	_, err := u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(u.bucket),
		Key:           aws.String(key),
		Body:          body,
		ContentLength: aws.Int64(size),
	})
	if err != nil {
		return fmt.Errorf("failed to put s3://%s/%s: %w", u.bucket, key, err)
	}
	return nil
}
