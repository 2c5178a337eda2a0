package db

import (
	"context"
	"time"
)

// Recording is one uploaded take. Rows are write-once.
type Recording struct {
	ID          string
	UserID      string
	Username    string
	ScriptID    int
	Level       int
	PromptText  string
	ObjectKey   string
	ObjectURL   string
	ContentType string
	SizeBytes   int64
	SubmittedAt time.Time
}

// InsertRecording stores a recording row.
func (s *Store) InsertRecording(ctx context.Context, r Recording) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO recordings (id, user_id, username, script_id, level, prompt_text,
    object_key, object_url, content_type, size_bytes, submitted_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.UserID, r.Username, r.ScriptID, r.Level, r.PromptText,
		r.ObjectKey, r.ObjectURL, r.ContentType, r.SizeBytes, r.SubmittedAt.UnixMilli())
	if err != nil {
		return external("insert_recording", err)
	}
	return nil
}

// ListRecordingsByUser returns a user's recordings, oldest first.
func (s *Store) ListRecordingsByUser(ctx context.Context, userID string) ([]Recording, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, user_id, username, script_id, level, prompt_text, object_key, object_url,
    content_type, size_bytes, submitted_at
FROM recordings WHERE user_id = ? ORDER BY submitted_at, id`, userID)
	if err != nil {
		return nil, external("list_recordings", err)
	}
	defer rows.Close()

	var out []Recording
	for rows.Next() {
		var (
			r  Recording
			ms int64
		)
		if err := rows.Scan(&r.ID, &r.UserID, &r.Username, &r.ScriptID, &r.Level, &r.PromptText,
			&r.ObjectKey, &r.ObjectURL, &r.ContentType, &r.SizeBytes, &ms); err != nil {
			return nil, external("list_recordings", err)
		}
		r.SubmittedAt = time.UnixMilli(ms).UTC()
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, external("list_recordings", err)
	}
	return out, nil
}
