package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kuitang/readaloud/internal/api"
	"github.com/kuitang/readaloud/internal/errs"
	"github.com/kuitang/readaloud/internal/levels"
	"github.com/kuitang/readaloud/internal/progress"
	"github.com/kuitang/readaloud/internal/prompts"
	"github.com/kuitang/readaloud/internal/s3client"
	"github.com/kuitang/readaloud/internal/testdb"
	"github.com/kuitang/readaloud/internal/upload"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	store := testdb.New(t)
	source := prompts.NewStaticSource([]string{"one", "two", "", "three"})
	engine := progress.NewEngine(store, levels.NewAssigner(store, source, 4), progress.Options{})
	coord := upload.NewCoordinator(s3client.TestClient(t, "recordings"), store, engine, upload.Options{})
	srv := httptest.NewServer(api.NewHandler(engine, coord, store, nil).Routes())
	t.Cleanup(srv.Close)
	return New(srv.URL+"/", srv.Client())
}

func TestClient_RecordingFlow(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	p, err := c.Resolve(ctx, "Alice", "")
	require.NoError(t, err)
	require.NotEmpty(t, p.SessionID)
	assert.True(t, p.IsNewUser)

	for i := range 3 {
		next, err := c.NextPrompt(ctx, p.UserID, p.SessionID, 1, 2)
		require.NoError(t, err)
		require.NotNil(t, next.Assignment)
		assert.Equal(t, 3, next.TotalInLevel)
		assert.NotEqual(t, 3, next.OriginalRowIndex, "blank row assigned")

		res, err := c.Upload(ctx, Take{
			UserID:           p.UserID,
			SessionID:        p.SessionID,
			Level:            1,
			OriginalRowIndex: next.OriginalRowIndex,
			PromptText:       next.Text,
			Filename:         "take.ogg",
			ContentType:      "audio/ogg",
			Audio:            strings.NewReader("OggS-audio"),
		})
		require.NoError(t, err)
		require.NotNil(t, res.Progress)
		assert.True(t, strings.HasSuffix(res.ObjectKey, ".ogg"), res.ObjectKey)
		assert.Equal(t, int64(i+1), res.Progress.Version)
	}

	// Level 2 is past the end of the source.
	_, err = c.NextPrompt(ctx, p.UserID, p.SessionID, 2, 0)
	var apiErr *Error
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, errs.FailedPrecondition, apiErr.Code)
}

func TestClient_StaleSessionIsTyped(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	old, err := c.Resolve(ctx, "bob", "laptop")
	require.NoError(t, err)
	_, err = c.Resolve(ctx, "bob", "phone")
	require.NoError(t, err)

	_, err = c.Complete(ctx, api.CompleteRequest{UserID: old.UserID, OriginalRowIndex: 1, SessionID: "laptop"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, progress.ErrSessionInvalidated))

	var apiErr *Error
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusConflict, apiErr.Status)

	status, err := c.CheckSession(ctx, old.UserID, "laptop")
	require.NoError(t, err)
	assert.False(t, status.IsActive)
}

func TestClient_Conflict(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	p, err := c.Resolve(ctx, "carol", "tab")
	require.NoError(t, err)

	stale := int64(3)
	_, err = c.Complete(ctx, api.CompleteRequest{
		UserID: p.UserID, OriginalRowIndex: 1, SessionID: "tab", ExpectedVersion: &stale,
	})
	require.Error(t, err)
	assert.True(t, IsConflict(err))
	var apiErr *Error
	require.True(t, errors.As(err, &apiErr))
	require.NotNil(t, apiErr.Progress)
	assert.Equal(t, int64(0), apiErr.Progress.Version)
}

func TestClient_UnknownUser(t *testing.T) {
	c := newTestClient(t)
	_, err := c.CheckSession(context.Background(), "nobody", "x")
	assert.True(t, errors.Is(err, progress.ErrUserNotFound))
}

func TestClient_NonJSONError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}))
	t.Cleanup(srv.Close)

	_, err := New(srv.URL, nil).Resolve(context.Background(), "x", "y")
	var apiErr *Error
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadGateway, apiErr.Status)
	assert.Equal(t, errs.Internal, apiErr.Code)
	assert.Equal(t, "bad gateway", apiErr.Message)
}

// scriptedChecker answers CheckSession from a flag.
type scriptedChecker struct {
	active atomic.Bool
	fail   atomic.Bool
	calls  atomic.Int32
}

func (s *scriptedChecker) CheckSession(context.Context, string, string) (*api.SessionResponse, error) {
	s.calls.Add(1)
	if s.fail.Load() {
		return nil, errors.New("connection refused")
	}
	return &api.SessionResponse{IsActive: s.active.Load()}, nil
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestWatcher_FiresOnceAndStaysStopped(t *testing.T) {
	checker := &scriptedChecker{}
	checker.active.Store(true)
	var fired atomic.Int32
	w := NewWatcher(checker, "u", "s", 5*time.Millisecond, func() { fired.Add(1) })
	w.Start(context.Background())

	waitFor(t, func() bool { return checker.calls.Load() >= 2 })
	assert.EqualValues(t, 0, fired.Load())

	checker.active.Store(false)
	select {
	case <-w.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not stop after invalidation")
	}
	assert.EqualValues(t, 1, fired.Load())
	assert.True(t, w.Stopped())

	// No resurrection.
	checker.active.Store(true)
	w.Start(context.Background())
	calls := checker.calls.Load()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, calls, checker.calls.Load())
	w.Stop()
	assert.EqualValues(t, 1, fired.Load())
}

func TestWatcher_TransientErrorsKeepPolling(t *testing.T) {
	checker := &scriptedChecker{}
	checker.fail.Store(true)
	var fired atomic.Int32
	w := NewWatcher(checker, "u", "s", 5*time.Millisecond, func() { fired.Add(1) })
	w.Start(context.Background())
	t.Cleanup(w.Stop)

	waitFor(t, func() bool { return checker.calls.Load() >= 3 })
	assert.EqualValues(t, 0, fired.Load())
	assert.False(t, w.Stopped())
}

func TestWatcher_StopBeforeInvalidation(t *testing.T) {
	checker := &scriptedChecker{}
	checker.active.Store(true)
	var fired atomic.Int32
	w := NewWatcher(checker, "u", "s", 5*time.Millisecond, func() { fired.Add(1) })
	w.Start(context.Background())
	w.Stop()
	w.Stop()

	checker.active.Store(false)
	time.Sleep(20 * time.Millisecond)
	assert.EqualValues(t, 0, fired.Load())
}

func TestWatcher_StopWithoutStart(t *testing.T) {
	w := NewWatcher(&scriptedChecker{}, "u", "s", time.Millisecond, nil)
	w.Stop()
	select {
	case <-w.Done():
	default:
		t.Fatal("Done not closed")
	}
}

func TestWatcher_StopFromCallback(t *testing.T) {
	checker := &scriptedChecker{}
	var w *Watcher
	w = NewWatcher(checker, "u", "s", 5*time.Millisecond, func() { w.Stop() })
	w.Start(context.Background())
	select {
	case <-w.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("Stop from OnInvalidated deadlocked")
	}
}

func TestWatcher_AgainstServer(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	old, err := c.Resolve(ctx, "dave", "laptop")
	require.NoError(t, err)

	invalidated := make(chan struct{})
	w := NewWatcher(c, old.UserID, "laptop", 5*time.Millisecond, func() { close(invalidated) })
	w.Start(ctx)
	t.Cleanup(w.Stop)

	_, err = c.Resolve(ctx, "dave", "phone")
	require.NoError(t, err)

	select {
	case <-invalidated:
	case <-time.After(2 * time.Second):
		t.Fatal("watcher never saw the takeover")
	}
}

func TestUpload_ReaderError(t *testing.T) {
	c := New("http://127.0.0.1:0", nil)
	_, err := c.Upload(context.Background(), Take{Audio: errReader{}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read audio")
}

type errReader struct{}

func (errReader) Read([]byte) (int, error) { return 0, errors.New("mic unplugged") }
