package db

// Schema creates the contributor progress tables.
//
// level_script_order holds a JSON array of 1-based prompt rows, or NULL when
// the current level has not been shuffled yet. last_script_id is the flat
// counter from before levels existed; it is still written on every accepted
// completion so older readers keep working, but nothing here reads it.
const Schema = `
CREATE TABLE IF NOT EXISTS users (
    id TEXT PRIMARY KEY,
    username TEXT NOT NULL UNIQUE,
    current_level INTEGER NOT NULL DEFAULT 1 CHECK (current_level >= 1),
    scripts_completed_in_level INTEGER NOT NULL DEFAULT 0 CHECK (scripts_completed_in_level >= 0),
    level_script_order TEXT,
    session_id TEXT NOT NULL DEFAULT '',
    last_activity INTEGER NOT NULL,
    version INTEGER NOT NULL DEFAULT 0,
    last_script_id INTEGER,
    created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS recordings (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL REFERENCES users(id),
    username TEXT NOT NULL,
    script_id INTEGER NOT NULL,
    level INTEGER NOT NULL,
    prompt_text TEXT NOT NULL,
    object_key TEXT NOT NULL,
    object_url TEXT NOT NULL,
    content_type TEXT NOT NULL,
    size_bytes INTEGER NOT NULL,
    submitted_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_recordings_user_id ON recordings(user_id, submitted_at);
`

// Migrations brings databases created by the flat-counter release up to the
// leveled schema. Each statement is idempotent once "duplicate column name"
// errors are ignored.
const Migrations = `
ALTER TABLE users ADD COLUMN current_level INTEGER NOT NULL DEFAULT 1;
ALTER TABLE users ADD COLUMN scripts_completed_in_level INTEGER NOT NULL DEFAULT 0;
ALTER TABLE users ADD COLUMN level_script_order TEXT;
ALTER TABLE users ADD COLUMN version INTEGER NOT NULL DEFAULT 0;
ALTER TABLE users ADD COLUMN last_script_id INTEGER;
`
