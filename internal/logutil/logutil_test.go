package logutil

import (
	"strings"
	"testing"

	"pgregory.net/rapid"
)

func testSessionTag_StableAndOpaque(t *rapid.T) {
	id := rapid.StringMatching(`[a-f0-9\-]{16,40}`).Draw(t, "session_id")

	first := SessionTag(id)
	second := SessionTag(id)
	if first != second {
		t.Fatalf("SessionTag not stable: %q vs %q", first, second)
	}
	if !strings.HasPrefix(first, "sess:") || len(first) != len("sess:")+12 {
		t.Fatalf("unexpected tag shape %q", first)
	}
	if strings.Contains(first, id) {
		t.Fatalf("tag %q contains raw session id", first)
	}
}

func TestSessionTag_StableAndOpaque(t *testing.T) {
	rapid.Check(t, testSessionTag_StableAndOpaque)
}

func TestSessionTag_EmptyAndSalt(t *testing.T) {
	if got := SessionTag("   "); got != "" {
		t.Fatalf("SessionTag(blank) = %q, want empty", got)
	}

	unsalted := SessionTag("abc-123")
	SetHashSalt("pepper")
	defer SetHashSalt("")
	if salted := SessionTag("abc-123"); salted == unsalted {
		t.Fatal("salt did not change the tag")
	}
}

func TestTruncateForLog(t *testing.T) {
	t.Parallel()
	if got := TruncateForLog("  line one\nline two  ", 0); got != `line one\nline two` {
		t.Fatalf("unexpected normalization: %q", got)
	}
	if got := TruncateForLog("abcdefghij", 4); got != "abcd... [truncated]" {
		t.Fatalf("unexpected truncation: %q", got)
	}
	if got := TruncateForLog("   ", 10); got != "" {
		t.Fatalf("expected empty, got %q", got)
	}
}
