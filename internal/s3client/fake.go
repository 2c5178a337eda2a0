package s3client

import (
	"context"
	"fmt"
	"net/http/httptest"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/johannesboyne/gofakes3"
	"github.com/johannesboyne/gofakes3/backend/s3mem"
)

// Fake is an in-process S3 server backed by memory.
type Fake struct {
	server *httptest.Server
}

// URL returns the fake server's base URL.
func (f *Fake) URL() string {
	return f.server.URL
}

// Close stops the server. Stored objects are lost.
func (f *Fake) Close() {
	f.server.Close()
}

// StartFake starts a gofakes3 server with an in-memory backend, creates
// bucketName and returns a client for it. Used by --no-s3 and tests.
func StartFake(ctx context.Context, bucketName string) (*Client, *Fake, error) {
	faker := gofakes3.New(s3mem.New())
	fake := &Fake{server: httptest.NewServer(faker.Server())}

	sdkConfig, err := config.LoadDefaultConfig(ctx,
		config.WithRegion("us-east-1"),
		config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider("test-key", "test-secret", ""),
		),
	)
	if err != nil {
		fake.Close()
		return nil, nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	s3Client := s3.NewFromConfig(sdkConfig, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(fake.URL())
		o.UsePathStyle = true
	})

	if _, err := s3Client.CreateBucket(ctx, &s3.CreateBucketInput{
		Bucket: aws.String(bucketName),
	}); err != nil {
		fake.Close()
		return nil, nil, fmt.Errorf("failed to create fake bucket: %w", err)
	}

	return NewFromS3Client(s3Client, bucketName, fake.URL()+"/"+bucketName), fake, nil
}
