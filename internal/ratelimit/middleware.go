package ratelimit

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/kuitang/readaloud/internal/errs"
	"github.com/kuitang/readaloud/internal/obs"
)

// DefaultRetryAfterSeconds is the Retry-After value sent with a 429.
const DefaultRetryAfterSeconds = 1

// UserIDHeader lets clients name themselves on multipart uploads whose form
// lacks a userId field.
const UserIDHeader = "X-User-Id"

// Enforce spends one token for key and reports whether the request may
// proceed. An empty key falls back to the client address. When the limit is
// exceeded it writes a 429 with Retry-After and X-RateLimit-Remaining: 0 and
// a JSON error body using the rate_limited code.
//
// Handlers call it with the userId from the decoded body, so the key is the
// contributor the request acts for rather than anything the client can vary
// independently. A caller that invents user ids still gets a fresh bucket per
// id, but each of those requests fails the user lookup.
func Enforce(limiter *RateLimiter, w http.ResponseWriter, r *http.Request, key string) bool {
	if key = strings.TrimSpace(key); key == "" {
		key = "addr:" + clientAddr(r)
	}

	l := limiter.GetLimiter(key)
	if !l.Allow() {
		obs.From(r.Context()).WarnContext(r.Context(), "rate limited", "key", key, "path", r.URL.Path)
		w.Header().Set("Retry-After", strconv.Itoa(DefaultRetryAfterSeconds))
		w.Header().Set("X-RateLimit-Remaining", "0")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"error": "too many requests",
			"code":  string(errs.RateLimited),
		})
		return false
	}

	remaining := max(int(l.Tokens()), 0)
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	return true
}

func clientAddr(r *http.Request) string {
	addr := r.RemoteAddr
	if i := strings.LastIndexByte(addr, ':'); i > 0 {
		return addr[:i]
	}
	return addr
}
