package s3client

import (
	"context"
	"errors"
	"io"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kuitang/readaloud/internal/errs"
)

func TestPutObject_RoundTripAndLink(t *testing.T) {
	c := TestClient(t, "recordings")
	ctx := context.Background()
	key := "takes/alice/L1-S3-20260101T000000Z-abcd1234.webm"

	require.NoError(t, c.PutObject(ctx, key, []byte("OggS-audio"), "audio/webm"))

	data, contentType, err := c.GetObject(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "OggS-audio", string(data))
	assert.Equal(t, "audio/webm", contentType)

	resp, err := http.Get(c.ObjectURL(key))
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "OggS-audio", string(body))
	assert.Equal(t, "recordings", c.Container())
}

func TestGetObject_Missing(t *testing.T) {
	c := TestClient(t, "recordings")
	_, _, err := c.GetObject(context.Background(), "nope")
	assert.True(t, errors.Is(err, ErrObjectNotFound), "err = %v", err)
}

func TestPutObject_FailureNamesObjectStore(t *testing.T) {
	client, fake, err := StartFake(context.Background(), "recordings")
	require.NoError(t, err)
	fake.Close()

	err = client.PutObject(context.Background(), "k", []byte("x"), "audio/wav")
	require.Error(t, err)
	assert.Equal(t, errs.Unavailable, errs.CodeOf(err))
	assert.Equal(t, errs.ObjectStore, errs.CollaboratorOf(err))
	assert.NotContains(t, errs.MessageOf(err), "127.0.0.1")
}

func TestNew_RequiresBucket(t *testing.T) {
	_, err := New(context.Background(), Config{Region: "us-east-1"})
	assert.Equal(t, errs.ConfigurationMissing, errs.CodeOf(err))
}

func TestNew_DefaultPublicURL(t *testing.T) {
	c, err := New(context.Background(), Config{
		Endpoint:        "http://minio.local:9000/",
		Region:          "us-east-1",
		AccessKeyID:     "k",
		SecretAccessKey: "s",
		BucketName:      "takes",
		UsePathStyle:    true,
	})
	require.NoError(t, err)
	assert.Equal(t, "http://minio.local:9000/takes/a/b.wav", c.ObjectURL("/a/b.wav"))
}
