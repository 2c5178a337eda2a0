// Package logutil holds helpers that keep identifiers and user text safe to log.
package logutil

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"
)

var (
	saltMu sync.RWMutex
	salt   string
)

// SetHashSalt sets the salt mixed into SessionTag. Call once at startup.
func SetHashSalt(s string) {
	saltMu.Lock()
	defer saltMu.Unlock()
	salt = strings.TrimSpace(s)
}

// SessionTag returns a short stable tag for a session token. Raw session ids
// are bearer credentials for a contributor's progress and are never logged.
func SessionTag(sessionID string) string {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return ""
	}
	saltMu.RLock()
	s := salt
	saltMu.RUnlock()

	h := sha256.New()
	if s != "" {
		_, _ = h.Write([]byte(s))
	}
	_, _ = h.Write([]byte(sessionID))
	return "sess:" + hex.EncodeToString(h.Sum(nil))[:12]
}

// TruncateForLog returns a single-line truncated preview for unstructured values.
func TruncateForLog(value string, maxChars int) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return ""
	}
	normalized := strings.ReplaceAll(trimmed, "\n", "\\n")
	if maxChars <= 0 || len(normalized) <= maxChars {
		return normalized
	}
	return normalized[:maxChars] + "... [truncated]"
}
