// Package s3client stores recordings in an S3-compatible bucket.
// For production, configure any S3 endpoint (AWS, Tigris, MinIO). For local
// runs and tests, use the in-process gofakes3 server from fake.go.
package s3client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/kuitang/readaloud/internal/errs"
)

// ErrObjectNotFound is returned when a requested object does not exist.
var ErrObjectNotFound = errors.New("s3client: object not found")

// Client wraps an S3 client with bucket and URL configuration.
type Client struct {
	s3Client   *s3.Client
	bucketName string
	publicURL  string
	publicRead bool
}

// Config holds the configuration for creating an S3 client.
type Config struct {
	// Endpoint is the S3 endpoint URL. Leave empty to use default AWS S3.
	Endpoint string
	// Region is the AWS region (e.g., "auto" for Tigris, "us-east-1" for AWS).
	Region string
	// AccessKeyID and SecretAccessKey are optional static credentials. When
	// empty the default AWS credential chain applies.
	AccessKeyID     string
	SecretAccessKey string
	// BucketName is the target container for recordings.
	BucketName string
	// PublicURL is the base URL recordings are linked under. Defaults to
	// <Endpoint>/<BucketName>.
	PublicURL string
	// UsePathStyle enables path-style addressing (required for gofakes3 and MinIO).
	UsePathStyle bool
	// PublicRead uploads objects with the public-read canned ACL.
	PublicRead bool
}

// New creates a new S3 client with the given configuration.
func New(ctx context.Context, cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.BucketName) == "" {
		return nil, errs.New(errs.ConfigurationMissing, "object store bucket is not configured")
	}

	var opts []func(*config.LoadOptions) error
	opts = append(opts, config.WithRegion(cfg.Region))
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	sdkConfig, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	s3Client := s3.NewFromConfig(sdkConfig, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})

	publicURL := cfg.PublicURL
	if publicURL == "" {
		endpoint := cfg.Endpoint
		if endpoint == "" {
			endpoint = fmt.Sprintf("https://s3.%s.amazonaws.com", cfg.Region)
		}
		publicURL = strings.TrimSuffix(endpoint, "/") + "/" + cfg.BucketName
	}

	c := NewFromS3Client(s3Client, cfg.BucketName, publicURL)
	c.publicRead = cfg.PublicRead
	return c, nil
}

// NewFromS3Client creates a Client from an existing S3 client.
func NewFromS3Client(s3Client *s3.Client, bucketName, publicURL string) *Client {
	return &Client{
		s3Client:   s3Client,
		bucketName: bucketName,
		publicURL:  strings.TrimSuffix(publicURL, "/"),
	}
}

// PutObject stores content under key with the given content type.
func (c *Client) PutObject(ctx context.Context, key string, content []byte, contentType string) error {
	input := &s3.PutObjectInput{
		Bucket:        aws.String(c.bucketName),
		Key:           aws.String(key),
		Body:          bytes.NewReader(content),
		ContentType:   aws.String(contentType),
		ContentLength: aws.Int64(int64(len(content))),
	}
	if c.publicRead {
		input.ACL = types.ObjectCannedACLPublicRead
	}
	if _, err := c.s3Client.PutObject(ctx, input); err != nil {
		return errs.External(errs.ObjectStore, "put_object", fmt.Errorf("s3client: put %q: %w", key, err))
	}
	return nil
}

// GetObject retrieves the content stored under key.
// Returns ErrObjectNotFound if the key does not exist.
func (c *Client) GetObject(ctx context.Context, key string) ([]byte, string, error) {
	result, err := c.s3Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucketName),
		Key:    aws.String(key),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, "", ErrObjectNotFound
		}
		var notFound *types.NotFound
		if errors.As(err, &notFound) {
			return nil, "", ErrObjectNotFound
		}
		return nil, "", errs.External(errs.ObjectStore, "get_object", fmt.Errorf("s3client: get %q: %w", key, err))
	}
	defer result.Body.Close()

	data, err := io.ReadAll(result.Body)
	if err != nil {
		return nil, "", fmt.Errorf("s3client: failed to read object body %q: %w", key, err)
	}
	return data, aws.ToString(result.ContentType), nil
}

// ObjectURL returns the user-facing link for key.
func (c *Client) ObjectURL(key string) string {
	return c.publicURL + "/" + strings.TrimPrefix(key, "/")
}

// Container returns the configured bucket name.
func (c *Client) Container() string {
	return c.bucketName
}

// Backend names the store in logs and startup output.
func (c *Client) Backend() string {
	return "s3"
}
