package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kuitang/readaloud/internal/config"
	"github.com/kuitang/readaloud/internal/prompts"
	"github.com/kuitang/readaloud/internal/ratelimit"
)

func devConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		ListenAddr:          "127.0.0.1:0",
		DatabasePath:        filepath.Join(t.TempDir(), "readaloud.db"),
		PromptsPerLevel:     4,
		ObjectStore:         config.ObjectStoreS3,
		BucketName:          "recordings",
		RecordingsPrefix:    "recordings",
		MaxUploadBytes:      1 << 20,
		ProgressCASKey:      "version",
		RateLimitConfig:     ratelimit.DefaultConfig,
		SessionPollInterval: time.Second,
		NoS3:                true,
		NoSheet:             true,
	}
}

func TestNewApp_DevModeServes(t *testing.T) {
	cfg := devConfig(t)
	require.NoError(t, cfg.Validate())

	a, err := newApp(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(a.Close)

	srv := httptest.NewServer(a.handler)
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Request-Id"))

	resp, err = http.Get(srv.URL + "/api/progress?username=Alice&sessionId=tab")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "alice", body["username"])

	resp2, err := http.Get(srv.URL + "/api/prompts/next?level=1&userId=" + body["userId"].(string))
	require.NoError(t, err)
	defer resp2.Body.Close()
	require.Equal(t, http.StatusOK, resp2.StatusCode)
	var next map[string]any
	require.NoError(t, json.NewDecoder(resp2.Body).Decode(&next))
	assert.EqualValues(t, 4, next["totalInLevel"])
}

func TestBuildPromptSource_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prompts.txt")
	require.NoError(t, os.WriteFile(path, []byte("first\nsecond\n"), 0o600))
	cfg := devConfig(t)
	cfg.PromptFile = path

	src, err := buildPromptSource(context.Background(), cfg)
	require.NoError(t, err)
	text, err := prompts.FetchOne(context.Background(), src, 2)
	require.NoError(t, err)
	assert.Equal(t, "second", text)
}

func TestBuildPromptSource_Samples(t *testing.T) {
	src, err := buildPromptSource(context.Background(), devConfig(t))
	require.NoError(t, err)
	cells, err := src.FetchRange(context.Background(), prompts.LevelRange(5, 4))
	require.NoError(t, err)
	for _, c := range cells {
		assert.False(t, prompts.IsBlank(c))
	}
}

func TestBuildObjectStore_InMemory(t *testing.T) {
	objects, closeFn, err := buildObjectStore(context.Background(), devConfig(t))
	require.NoError(t, err)
	t.Cleanup(closeFn)

	require.NoError(t, objects.PutObject(context.Background(), "k/take.wav", []byte("RIFF"), "audio/wav"))
	resp, err := http.Get(objects.ObjectURL("k/take.wav"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "recordings", objects.Container())
}

func TestIsInlineJSON(t *testing.T) {
	assert.True(t, isInlineJSON(`  {"type":"service_account"}`))
	assert.False(t, isInlineJSON("/secrets/sa.json"))
	assert.False(t, isInlineJSON(""))
}
