// Package gcsclient stores recordings in a Google Cloud Storage bucket.
//
// Emulator mode (STORAGE_EMULATOR_HOST, e.g. fake-gcs-server) skips
// authentication and links objects through the emulator's media endpoint.
package gcsclient

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"

	"github.com/kuitang/readaloud/internal/errs"
)

const uploadTimeout = 2 * time.Minute

// Config configures the GCS backend.
type Config struct {
	// Bucket is the target container for recordings.
	Bucket string
	// PublicBaseURL overrides the link host. Defaults to
	// https://storage.googleapis.com, or the emulator host in emulator mode.
	PublicBaseURL string
	// EmulatorHost enables emulator mode.
	EmulatorHost string
	// Credentials is either inline service-account JSON or a path to a
	// key file. Empty means application default credentials.
	Credentials string
}

// Client writes objects to one bucket.
type Client struct {
	storage       *storage.Client
	bucket        string
	publicBaseURL string
	emulator      bool
}

// New creates a GCS client.
func New(ctx context.Context, cfg Config) (*Client, error) {
	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		return nil, errs.New(errs.ConfigurationMissing, "object store bucket is not configured")
	}

	emulatorHost := strings.TrimRight(strings.TrimSpace(cfg.EmulatorHost), "/")
	var opts []option.ClientOption
	if emulatorHost != "" {
		if !strings.Contains(emulatorHost, "://") {
			emulatorHost = "http://" + emulatorHost
		}
		// The storage client only honours the emulator through the env var.
		if err := os.Setenv("STORAGE_EMULATOR_HOST", emulatorHost); err != nil {
			return nil, fmt.Errorf("set STORAGE_EMULATOR_HOST: %w", err)
		}
		opts = append(opts, option.WithoutAuthentication())
	} else {
		opts = append(opts, credentialOptions(cfg.Credentials)...)
		opts = append(opts, option.WithScopes(storage.ScopeReadWrite))
	}

	st, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}

	base := strings.TrimRight(strings.TrimSpace(cfg.PublicBaseURL), "/")
	if base != "" {
		if u, err := url.Parse(base); err != nil || u.Scheme == "" || u.Host == "" {
			st.Close()
			return nil, fmt.Errorf("invalid public base URL %q; expected absolute URL", cfg.PublicBaseURL)
		}
	} else if emulatorHost != "" {
		base = emulatorHost
	}

	return &Client{
		storage:       st,
		bucket:        bucket,
		publicBaseURL: base,
		emulator:      emulatorHost != "",
	}, nil
}

func credentialOptions(creds string) []option.ClientOption {
	creds = strings.TrimSpace(creds)
	if creds == "" {
		return nil
	}
	if strings.HasPrefix(creds, "{") {
		return []option.ClientOption{option.WithCredentialsJSON([]byte(creds))}
	}
	return []option.ClientOption{option.WithCredentialsFile(creds)}
}

// PutObject stores content under key with the given content type.
func (c *Client) PutObject(ctx context.Context, key string, content []byte, contentType string) error {
	ctx, cancel := context.WithTimeout(ctx, uploadTimeout)
	defer cancel()

	w := c.storage.Bucket(c.bucket).Object(key).NewWriter(ctx)
	w.ContentType = contentType
	// Recordings are already in memory; upload in one request.
	w.ChunkSize = 0
	if _, err := w.Write(content); err != nil {
		_ = w.Close()
		return errs.External(errs.ObjectStore, "put_object", fmt.Errorf("gcsclient: write %q: %w", key, err))
	}
	if err := w.Close(); err != nil {
		return errs.External(errs.ObjectStore, "put_object", fmt.Errorf("gcsclient: close %q: %w", key, err))
	}
	return nil
}

// ObjectURL returns the user-facing link for key.
func (c *Client) ObjectURL(key string) string {
	key = strings.TrimLeft(strings.TrimSpace(key), "/")
	if c.emulator && c.publicBaseURL != "" {
		return fmt.Sprintf("%s/storage/v1/b/%s/o/%s?alt=media",
			c.publicBaseURL, url.PathEscape(c.bucket), url.PathEscape(key))
	}
	if c.publicBaseURL != "" {
		return fmt.Sprintf("%s/%s/%s", c.publicBaseURL, c.bucket, key)
	}
	return fmt.Sprintf("https://storage.googleapis.com/%s/%s", c.bucket, key)
}

// Container returns the bucket name.
func (c *Client) Container() string {
	return c.bucket
}

// Backend names the store in logs and startup output.
func (c *Client) Backend() string {
	return "gcs"
}

// Close releases the underlying client.
func (c *Client) Close() error {
	return c.storage.Close()
}
