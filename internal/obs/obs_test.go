package obs

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestExtractTraceID(t *testing.T) {
	cases := map[string]string{
		"00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01": "4bf92f3577b34da6a3ce929d0e0e4736",
		"00-00000000000000000000000000000000-00f067aa0ba902b7-01": "",
		"00-XYZ-00f067aa0ba902b7-01":                              "",
		"garbage":                                                 "",
	}
	for in, want := range cases {
		if got := extractTraceID(in); got != want {
			t.Fatalf("extractTraceID(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestMiddlewares_LogCorrelatedAccessEvent(t *testing.T) {
	var buf bytes.Buffer
	restore := SetOutputForTests(&buf)
	defer restore()

	handler := RequestContextMiddleware(AccessLogMiddleware("test", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte("stale"))
	})))

	req := httptest.NewRequest(http.MethodGet, "/api/session/check", nil)
	req.Header.Set("X-Request-Id", "req-fixed")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if got := rec.Header().Get("X-Request-Id"); got != "req-fixed" {
		t.Fatalf("X-Request-Id = %q, want req-fixed", got)
	}

	var event map[string]any
	line := strings.TrimSpace(buf.String())
	if err := json.Unmarshal([]byte(line), &event); err != nil {
		t.Fatalf("access log is not JSON: %v (%q)", err, line)
	}
	if event["msg"] != "http_access" || event["level"] != "WARN" {
		t.Fatalf("unexpected event: %v", event)
	}
	if event["request_id"] != "req-fixed" {
		t.Fatalf("missing request_id: %v", event)
	}
}

func TestRecoverMiddleware(t *testing.T) {
	var buf bytes.Buffer
	restore := SetOutputForTests(&buf)
	defer restore()

	handler := RecoverMiddleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	if !strings.Contains(buf.String(), "handler_panic") {
		t.Fatalf("panic was not logged: %s", buf.String())
	}
}

func TestWithUser_KeepsExistingCorrelation(t *testing.T) {
	ctx := WithCorrelation(context.Background(), Correlation{RequestID: "req-1"})
	ctx = WithUser(ctx, "user-9", "session-secret")
	corr := CorrelationFromContext(ctx)
	if corr.RequestID != "req-1" || corr.UserID != "user-9" || corr.SessionTag == "" {
		t.Fatalf("unexpected correlation: %+v", corr)
	}

	var buf bytes.Buffer
	restore := SetOutputForTests(&buf)
	defer restore()
	From(ctx).Info("session check")
	if strings.Contains(buf.String(), "session-secret") {
		t.Fatalf("raw session id leaked into log: %s", buf.String())
	}
}
