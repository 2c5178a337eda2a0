package client

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/kuitang/readaloud/internal/api"
	"github.com/kuitang/readaloud/internal/logutil"
	"github.com/kuitang/readaloud/internal/obs"
	"github.com/kuitang/readaloud/internal/progress"
)

// SessionChecker is the part of Client a Watcher needs.
type SessionChecker interface {
	CheckSession(ctx context.Context, userID, sessionID string) (*api.SessionResponse, error)
}

// Watcher polls a session's liveness until it is replaced. Once the session
// is reported inactive, OnInvalidated runs exactly once and the watcher stops
// for good; a dead session is never revived.
type Watcher struct {
	checker   SessionChecker
	userID    string
	sessionID string
	interval  time.Duration

	// OnInvalidated runs on the polling goroutine.
	OnInvalidated func()

	mu      sync.Mutex
	started bool
	stopped bool
	stop    chan struct{}
	done    chan struct{}
	logger  *slog.Logger
}

// NewWatcher returns a stopped Watcher. Call Start to begin polling.
func NewWatcher(checker SessionChecker, userID, sessionID string, interval time.Duration, onInvalidated func()) *Watcher {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Watcher{
		checker:       checker,
		userID:        userID,
		sessionID:     sessionID,
		interval:      interval,
		OnInvalidated: onInvalidated,
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
		logger:        obs.Pkg("client"),
	}
}

// Start begins polling. It is a no-op if the watcher was already started or
// has stopped.
func (w *Watcher) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started || w.stopped {
		return
	}
	w.started = true
	go w.run(ctx)
}

// Stop ends polling and waits for the loop to exit. Safe to call more than
// once, and from OnInvalidated.
func (w *Watcher) Stop() {
	w.mu.Lock()
	first := !w.stopped
	started := w.started
	if first {
		w.stopped = true
		close(w.stop)
		if !started {
			close(w.done)
		}
	}
	w.mu.Unlock()
	if first && started {
		<-w.done
	}
}

// Done is closed once the watcher has stopped and its loop has exited.
func (w *Watcher) Done() <-chan struct{} {
	return w.done
}

// Stopped reports whether the watcher has stopped for good.
func (w *Watcher) Stopped() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stopped
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.markStopped()
			return
		case <-w.stop:
			return
		case <-ticker.C:
			if w.check(ctx) {
				continue
			}
			w.markStopped()
			if w.OnInvalidated != nil {
				w.OnInvalidated()
			}
			return
		}
	}
}

// check returns false once the session is known to be dead. Transport and
// server errors are logged and retried on the next tick.
func (w *Watcher) check(ctx context.Context) bool {
	status, err := w.checker.CheckSession(ctx, w.userID, w.sessionID)
	if err != nil {
		if errors.Is(err, progress.ErrUserNotFound) || errors.Is(err, progress.ErrSessionInvalidated) {
			return false
		}
		w.logger.WarnContext(ctx, "session check failed",
			"user_id", w.userID, "session", logutil.SessionTag(w.sessionID), "error", err)
		return true
	}
	if !status.IsActive {
		w.logger.InfoContext(ctx, "session replaced",
			"user_id", w.userID, "session", logutil.SessionTag(w.sessionID))
	}
	return status.IsActive
}

func (w *Watcher) markStopped() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.stopped {
		w.stopped = true
		close(w.stop)
	}
}
