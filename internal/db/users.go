package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// User is one contributor's progress row.
type User struct {
	ID                      string
	Username                string
	CurrentLevel            int
	ScriptsCompletedInLevel int
	// LevelScriptOrder is the persisted shuffle for CurrentLevel, nil until
	// the first prompt request of the level.
	LevelScriptOrder []int
	SessionID        string
	LastActivity     time.Time
	Version          int64
	CreatedAt        time.Time
}

// CASKey selects the predicate AdvanceProgress conditions on.
type CASKey string

const (
	// CASVersion conditions on the version counter.
	CASVersion CASKey = "version"
	// CASProgress conditions on (current_level, scripts_completed_in_level),
	// the predicate used before version existed.
	CASProgress CASKey = "progress"
)

// Advance describes one progress transition computed from a read of the row.
type Advance struct {
	UserID    string
	SessionID string

	// State observed by the read the transition was computed from.
	ReadVersion   int64
	ReadLevel     int
	ReadCompleted int

	NextLevel     int
	NextCompleted int
	// ClearOrder drops level_script_order; set when a level completes.
	ClearOrder bool
	// ScriptID is mirrored into last_script_id. Zero leaves it unchanged.
	ScriptID int
	At       time.Time
}

const userColumns = `id, username, current_level, scripts_completed_in_level, level_script_order,
    session_id, last_activity, version, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*User, error) {
	var (
		u            User
		order        sql.NullString
		lastActivity int64
		createdAt    int64
	)
	err := row.Scan(&u.ID, &u.Username, &u.CurrentLevel, &u.ScriptsCompletedInLevel, &order,
		&u.SessionID, &lastActivity, &u.Version, &createdAt)
	if err != nil {
		return nil, err
	}
	if order.Valid && order.String != "" {
		if err := json.Unmarshal([]byte(order.String), &u.LevelScriptOrder); err != nil {
			return nil, fmt.Errorf("decode level_script_order for %s: %w", u.ID, err)
		}
	}
	u.LastActivity = time.UnixMilli(lastActivity).UTC()
	u.CreatedAt = time.UnixMilli(createdAt).UTC()
	return &u, nil
}

// GetUserByID returns the user with id, or ErrNotFound.
func (s *Store) GetUserByID(ctx context.Context, id string) (*User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id)
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, external("get_user", err)
	}
	return u, nil
}

// GetUserByUsername returns the user with the given normalized username, or
// ErrNotFound.
func (s *Store) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE username = ?`, username)
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, external("get_user_by_username", err)
	}
	return u, nil
}

// InsertUser creates a user at level 1 with nothing completed and version 0.
// Returns ErrDuplicate when the username is taken.
func (s *Store) InsertUser(ctx context.Context, id, username, sessionID string, at time.Time) (*User, error) {
	ms := at.UnixMilli()
	_, err := s.db.ExecContext(ctx, `
INSERT INTO users (id, username, current_level, scripts_completed_in_level, level_script_order,
    session_id, last_activity, version, created_at)
VALUES (?, ?, 1, 0, NULL, ?, ?, 0, ?)`, id, username, sessionID, ms, ms)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicate
		}
		return nil, external("insert_user", err)
	}
	return &User{
		ID:           id,
		Username:     username,
		CurrentLevel: 1,
		SessionID:    sessionID,
		LastActivity: time.UnixMilli(ms).UTC(),
		CreatedAt:    time.UnixMilli(ms).UTC(),
	}, nil
}

// TakeOverSession unconditionally makes sessionID the user's active session.
// Concurrent takeovers race; the last write wins.
func (s *Store) TakeOverSession(ctx context.Context, id, sessionID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET session_id = ?, last_activity = ? WHERE id = ?`,
		sessionID, at.UnixMilli(), id)
	if err != nil {
		return external("take_over_session", err)
	}
	return requireRow(res, "take_over_session")
}

// TouchSession refreshes last_activity only if sessionID is still the active
// session. It reports whether it was.
func (s *Store) TouchSession(ctx context.Context, id, sessionID string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET last_activity = ? WHERE id = ? AND session_id = ?`,
		at.UnixMilli(), id, sessionID)
	if err != nil {
		return false, external("touch_session", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, external("touch_session", err)
	}
	return n == 1, nil
}

// SaveLevelOrder persists order for level if the user is still on that level
// and no order has been stored yet. It reports whether this call stored it.
// Storing an order is not a progress mutation and leaves version untouched.
func (s *Store) SaveLevelOrder(ctx context.Context, id string, level int, order []int) (bool, error) {
	encoded, err := json.Marshal(order)
	if err != nil {
		return false, fmt.Errorf("encode level order: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
UPDATE users SET level_script_order = ?
WHERE id = ? AND current_level = ? AND level_script_order IS NULL`,
		string(encoded), id, level)
	if err != nil {
		return false, external("save_level_order", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, external("save_level_order", err)
	}
	return n == 1, nil
}

// AdvanceProgress applies a progress transition if the row still matches the
// state it was computed from and the session is still active. It increments
// version by exactly one on success and reports whether a row was updated.
func (s *Store) AdvanceProgress(ctx context.Context, a Advance, key CASKey) (bool, error) {
	query := `
UPDATE users SET
    current_level = ?,
    scripts_completed_in_level = ?,
    level_script_order = CASE WHEN ? THEN NULL ELSE level_script_order END,
    version = version + 1,
    last_activity = ?,
    last_script_id = COALESCE(?, last_script_id)
WHERE id = ? AND session_id = ?`
	scriptID := sql.NullInt64{Int64: int64(a.ScriptID), Valid: a.ScriptID > 0}
	args := []any{a.NextLevel, a.NextCompleted, a.ClearOrder, a.At.UnixMilli(), scriptID, a.UserID, a.SessionID}

	switch key {
	case CASProgress:
		query += ` AND current_level = ? AND scripts_completed_in_level = ?`
		args = append(args, a.ReadLevel, a.ReadCompleted)
	case CASVersion, "":
		query += ` AND version = ?`
		args = append(args, a.ReadVersion)
	default:
		return false, fmt.Errorf("unknown CAS key %q", key)
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, external("advance_progress", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, external("advance_progress", err)
	}
	return n == 1, nil
}

// LastScriptID returns the legacy flat counter. Only tests and data exports
// read it.
func (s *Store) LastScriptID(ctx context.Context, id string) (sql.NullInt64, error) {
	var v sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT last_script_id FROM users WHERE id = ?`, id).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return v, ErrNotFound
	}
	if err != nil {
		return v, external("get_last_script_id", err)
	}
	return v, nil
}

func requireRow(res sql.Result, op string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return external(op, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
