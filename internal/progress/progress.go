// Package progress is the contributor state machine: session activation and
// takeover, session checks, and exactly-once advancement through levels.
//
// Progress rows are only ever changed through a conditional update keyed on
// the state the transition was computed from, so two tabs completing the same
// prompt at once advance progress once. Session takeover is the exception:
// the newest session always wins and overwrites unconditionally.
package progress

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kuitang/readaloud/internal/db"
	"github.com/kuitang/readaloud/internal/errs"
	"github.com/kuitang/readaloud/internal/levels"
	"github.com/kuitang/readaloud/internal/logutil"
	"github.com/kuitang/readaloud/internal/obs"
)

var (
	// ErrUserNotFound means no user has the given id.
	ErrUserNotFound = errors.New("user not found")
	// ErrSessionInvalidated means the caller's session was replaced by a
	// newer one.
	ErrSessionInvalidated = errors.New("session invalidated")
	// ErrPromptMismatch means a completion named a prompt other than the
	// one due next. Only returned with StrictPromptCheck.
	ErrPromptMismatch = errors.New("prompt mismatch")
)

// Store is the user store the engine mutates.
type Store interface {
	levels.Store
	GetUserByUsername(ctx context.Context, username string) (*db.User, error)
	InsertUser(ctx context.Context, id, username, sessionID string, at time.Time) (*db.User, error)
	TakeOverSession(ctx context.Context, id, sessionID string, at time.Time) error
	TouchSession(ctx context.Context, id, sessionID string, at time.Time) (bool, error)
	AdvanceProgress(ctx context.Context, a db.Advance, key db.CASKey) (bool, error)
}

// Options tunes the engine.
type Options struct {
	// ScriptsPerLevel is used as the level length when a user completes a
	// prompt before any order exists for the level and the engine has no
	// assigner to create one. Usually the page size.
	ScriptsPerLevel int
	// CASKey selects the conditional-update predicate. Defaults to
	// db.CASVersion.
	CASKey db.CASKey
	// StrictPromptCheck rejects completions whose index is not the prompt
	// due next.
	StrictPromptCheck bool
	Clock             Clock
}

// Engine runs progress transitions against a Store.
type Engine struct {
	store    Store
	assigner *levels.Assigner
	opts     Options
	logger   *slog.Logger
}

// NewEngine returns an Engine. assigner may be nil when NextPrompt is unused.
func NewEngine(store Store, assigner *levels.Assigner, opts Options) *Engine {
	if opts.Clock == nil {
		opts.Clock = realClock{}
	}
	if opts.CASKey == "" {
		opts.CASKey = db.CASVersion
	}
	if opts.ScriptsPerLevel <= 0 && assigner != nil {
		opts.ScriptsPerLevel = assigner.PageSize()
	}
	if opts.ScriptsPerLevel <= 0 {
		opts.ScriptsPerLevel = 1
	}
	return &Engine{
		store:    store,
		assigner: assigner,
		opts:     opts,
		logger:   obs.Pkg("progress"),
	}
}

// NormalizeUsername returns the identity key for a raw username.
func NormalizeUsername(raw string) string {
	return strings.ToLower(strings.TrimSpace(raw))
}

// NormalizeSessionID returns the form session ids are stored and compared in.
func NormalizeSessionID(raw string) string {
	return strings.TrimSpace(raw)
}

// Resolution is the result of ResolveOrCreateUser.
type Resolution struct {
	User      *db.User
	IsNewUser bool
}

// ResolveOrCreateUser finds the user for usernameRaw, creating one at level 1
// if needed, and makes sessionID the active session. A blank sessionID gets
// a freshly minted one.
func (e *Engine) ResolveOrCreateUser(ctx context.Context, usernameRaw, sessionID string) (*Resolution, error) {
	username := NormalizeUsername(usernameRaw)
	if username == "" {
		return nil, errs.New(errs.InvalidArgument, "username is required")
	}
	sessionID = NormalizeSessionID(sessionID)
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	now := e.opts.Clock.Now()

	user, err := e.store.GetUserByUsername(ctx, username)
	switch {
	case errors.Is(err, db.ErrNotFound):
		created, err := e.store.InsertUser(ctx, uuid.NewString(), username, sessionID, now)
		if err == nil {
			e.logger.InfoContext(ctx, "user created",
				"user_id", created.ID, "session", logutil.SessionTag(sessionID))
			return &Resolution{User: created, IsNewUser: true}, nil
		}
		if !errors.Is(err, db.ErrDuplicate) {
			return nil, err
		}
		// A concurrent first lookup created the row; take it over instead.
		user, err = e.store.GetUserByUsername(ctx, username)
		if err != nil {
			return nil, err
		}
	case err != nil:
		return nil, err
	}

	if err := e.store.TakeOverSession(ctx, user.ID, sessionID, now); err != nil {
		return nil, err
	}
	if user.SessionID != sessionID {
		e.logger.InfoContext(ctx, "session taken over",
			"user_id", user.ID,
			"previous_session", logutil.SessionTag(user.SessionID),
			"session", logutil.SessionTag(sessionID))
	}
	user.SessionID = sessionID
	user.LastActivity = now
	return &Resolution{User: user}, nil
}

// SessionStatus is the result of CheckSession.
type SessionStatus struct {
	Active bool
	// CurrentSessionID echoes the active session when the caller holds it
	// and is empty otherwise, so a replaced device never learns the token
	// that replaced it.
	CurrentSessionID string
}

// CheckSession reports whether sessionID is the user's active session and,
// if so, refreshes last activity. An inactive check changes nothing.
func (e *Engine) CheckSession(ctx context.Context, userID, sessionID string) (*SessionStatus, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, errs.New(errs.InvalidArgument, "userId is required")
	}
	sessionID = NormalizeSessionID(sessionID)
	active, err := e.store.TouchSession(ctx, userID, sessionID, e.opts.Clock.Now())
	if err != nil {
		return nil, err
	}
	if active {
		return &SessionStatus{Active: true, CurrentSessionID: sessionID}, nil
	}
	if _, err := e.loadUser(ctx, userID); err != nil {
		return nil, err
	}
	return &SessionStatus{}, nil
}

// Completion is one finished recording reported against progress.
type Completion struct {
	UserID string
	// ExternalIndex is the prompt-source row that was recorded.
	ExternalIndex int
	SessionID     string
	// ExpectedVersion, when set, must equal the stored version.
	ExpectedVersion *int64
}

// CompletionResult is the user's progress after RecordCompletion.
type CompletionResult struct {
	CurrentLevel            int   `json:"currentLevel"`
	ScriptsCompletedInLevel int   `json:"scriptsCompletedInLevel"`
	LevelComplete           bool  `json:"levelComplete"`
	Version                 int64 `json:"version"`
	// Conflict means another transition won; the fields above are the
	// state after it and nothing was changed by this call.
	Conflict bool `json:"conflict"`
}

// RecordCompletion advances the user's progress by one prompt. It fails with
// a SessionInvalidated error when c.SessionID is no longer active and returns
// a Conflict result when a concurrent transition won.
func (e *Engine) RecordCompletion(ctx context.Context, c Completion) (*CompletionResult, error) {
	c.SessionID = NormalizeSessionID(c.SessionID)
	user, err := e.loadUser(ctx, c.UserID)
	if err != nil {
		return nil, err
	}
	if user.SessionID != c.SessionID {
		return nil, e.sessionInvalidated(ctx, user, c.SessionID)
	}
	if c.ExpectedVersion != nil && *c.ExpectedVersion != user.Version {
		e.logger.InfoContext(ctx, "completion against stale version",
			"user_id", user.ID, "expected_version", *c.ExpectedVersion, "version", user.Version)
		return conflictResult(user), nil
	}

	// The level length is the number of non-blank prompts in it, so the order
	// must exist before counting against it.
	if user.LevelScriptOrder == nil && e.assigner != nil {
		readVersion := user.Version
		if err := e.assigner.EnsureOrder(ctx, user); err != nil {
			if errors.Is(err, levels.ErrLevelMismatch) {
				return e.afterLostRace(ctx, c, readVersion)
			}
			return nil, err
		}
		if user.SessionID != c.SessionID || user.Version != readVersion {
			return e.afterLostRace(ctx, c, readVersion)
		}
	}

	order := user.LevelScriptOrder
	if e.opts.StrictPromptCheck && order != nil && user.ScriptsCompletedInLevel < len(order) {
		if due := order[user.ScriptsCompletedInLevel]; due != c.ExternalIndex {
			return nil, errs.Wrap(errs.FailedPrecondition,
				fmt.Sprintf("prompt %d completed but prompt %d is due", c.ExternalIndex, due),
				ErrPromptMismatch)
		}
	}

	scriptsPerLevel := e.opts.ScriptsPerLevel
	if order != nil {
		scriptsPerLevel = len(order)
	}
	newCompleted := user.ScriptsCompletedInLevel + 1
	levelComplete := newCompleted >= scriptsPerLevel

	adv := db.Advance{
		UserID:        user.ID,
		SessionID:     user.SessionID,
		ReadVersion:   user.Version,
		ReadLevel:     user.CurrentLevel,
		ReadCompleted: user.ScriptsCompletedInLevel,
		NextLevel:     user.CurrentLevel,
		NextCompleted: newCompleted,
		ScriptID:      c.ExternalIndex,
		At:            e.opts.Clock.Now(),
	}
	if levelComplete {
		adv.NextLevel = user.CurrentLevel + 1
		adv.NextCompleted = 0
		adv.ClearOrder = true
	}

	ok, err := e.store.AdvanceProgress(ctx, adv, e.opts.CASKey)
	if err != nil {
		return nil, err
	}
	if !ok {
		return e.afterLostRace(ctx, c, user.Version)
	}

	if levelComplete {
		e.logger.InfoContext(ctx, "level complete",
			"user_id", user.ID, "level", user.CurrentLevel, "next_level", adv.NextLevel)
	}
	return &CompletionResult{
		CurrentLevel:            adv.NextLevel,
		ScriptsCompletedInLevel: adv.NextCompleted,
		LevelComplete:           levelComplete,
		Version:                 user.Version + 1,
	}, nil
}

// afterLostRace re-reads the user once a transition computed from
// readVersion could not be applied.
func (e *Engine) afterLostRace(ctx context.Context, c Completion, readVersion int64) (*CompletionResult, error) {
	current, err := e.loadUser(ctx, c.UserID)
	if err != nil {
		return nil, err
	}
	if current.SessionID != c.SessionID {
		return nil, e.sessionInvalidated(ctx, current, c.SessionID)
	}
	e.logger.InfoContext(ctx, "completion lost race",
		"user_id", current.ID, "read_version", readVersion, "version", current.Version)
	return conflictResult(current), nil
}

// NextPrompt returns the prompts due next for userID in level. When
// sessionID is non-empty it must be the active session.
//
// A level reported complete while the user is still on it cannot be left
// through RecordCompletion, so the user is moved to the next level here.
func (e *Engine) NextPrompt(ctx context.Context, userID, sessionID string, level, count int) (*levels.Assignment, error) {
	if e.assigner == nil {
		return nil, errs.New(errs.ConfigurationMissing, "prompt assignment is not configured")
	}
	sessionID = NormalizeSessionID(sessionID)
	user, err := e.loadUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if sessionID != "" && user.SessionID != sessionID {
		return nil, e.sessionInvalidated(ctx, user, sessionID)
	}
	assignment, err := e.assigner.NextPrompt(ctx, user, level, count)
	if err != nil {
		return nil, err
	}
	if assignment.LevelComplete && user.CurrentLevel == level {
		if err := e.finishLevel(ctx, user); err != nil {
			return nil, err
		}
	}
	return assignment, nil
}

// finishLevel moves user past a level whose prompts are all done. Losing the
// conditional update means another transition already moved them.
func (e *Engine) finishLevel(ctx context.Context, user *db.User) error {
	adv := db.Advance{
		UserID:        user.ID,
		SessionID:     user.SessionID,
		ReadVersion:   user.Version,
		ReadLevel:     user.CurrentLevel,
		ReadCompleted: user.ScriptsCompletedInLevel,
		NextLevel:     user.CurrentLevel + 1,
		NextCompleted: 0,
		ClearOrder:    true,
		At:            e.opts.Clock.Now(),
	}
	ok, err := e.store.AdvanceProgress(ctx, adv, e.opts.CASKey)
	if err != nil {
		return err
	}
	if ok {
		e.logger.InfoContext(ctx, "finished level with no prompts left",
			"user_id", user.ID, "level", user.CurrentLevel,
			"completed", user.ScriptsCompletedInLevel, "order_len", len(user.LevelScriptOrder))
	}
	return nil
}

// GetUser returns the user with id.
func (e *Engine) GetUser(ctx context.Context, userID string) (*db.User, error) {
	return e.loadUser(ctx, userID)
}

func (e *Engine) loadUser(ctx context.Context, userID string) (*db.User, error) {
	user, err := e.store.GetUserByID(ctx, userID)
	if errors.Is(err, db.ErrNotFound) {
		return nil, errs.Wrap(errs.NotFound, "user not found", ErrUserNotFound)
	}
	if err != nil {
		return nil, err
	}
	return user, nil
}

func (e *Engine) sessionInvalidated(ctx context.Context, user *db.User, stale string) error {
	e.logger.InfoContext(ctx, "stale session rejected",
		"user_id", user.ID, "session", logutil.SessionTag(stale))
	return errs.Wrap(errs.SessionInvalidated,
		"session is no longer active; another device signed in as this user", ErrSessionInvalidated)
}

func conflictResult(u *db.User) *CompletionResult {
	return &CompletionResult{
		CurrentLevel:            u.CurrentLevel,
		ScriptsCompletedInLevel: u.ScriptsCompletedInLevel,
		Version:                 u.Version,
		Conflict:                true,
	}
}
