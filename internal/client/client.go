// Package client is a Go client for the readaloud HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/kuitang/readaloud/internal/api"
	"github.com/kuitang/readaloud/internal/errs"
	"github.com/kuitang/readaloud/internal/progress"
	"github.com/kuitang/readaloud/internal/ratelimit"
	"github.com/kuitang/readaloud/internal/upload"
)

// Client talks to one readaloud server.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New returns a Client for baseURL. A nil httpClient gets a 60 second
// timeout.
func New(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), httpClient: httpClient}
}

// Error is a non-2xx API response.
type Error struct {
	Status    int
	Code      errs.Code
	Message   string
	Progress  *progress.CompletionResult
	Recording *upload.Result
}

func (e *Error) Error() string {
	return fmt.Sprintf("readaloud: %d %s: %s", e.Status, e.Code, e.Message)
}

// Is matches the progress sentinels so callers can use errors.Is.
func (e *Error) Is(target error) bool {
	switch target {
	case progress.ErrSessionInvalidated:
		return e.Code == errs.SessionInvalidated
	case progress.ErrUserNotFound:
		return e.Code == errs.NotFound
	}
	return false
}

// IsConflict reports whether err is a lost progress race.
func IsConflict(err error) bool {
	var apiErr *Error
	return errors.As(err, &apiErr) && apiErr.Code == errs.ProgressConflict
}

// Resolve looks up or creates username and makes sessionID its active
// session. An empty sessionID asks the server to mint one.
func (c *Client) Resolve(ctx context.Context, username, sessionID string) (*api.ProgressResponse, error) {
	var out api.ProgressResponse
	q := url.Values{"username": {username}, "sessionId": {sessionID}}
	if err := c.do(ctx, http.MethodGet, "/api/progress?"+q.Encode(), nil, "", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CheckSession reports whether sessionID is still active for userID.
func (c *Client) CheckSession(ctx context.Context, userID, sessionID string) (*api.SessionResponse, error) {
	var out api.SessionResponse
	q := url.Values{"userId": {userID}, "sessionId": {sessionID}}
	if err := c.do(ctx, http.MethodGet, "/api/session/check?"+q.Encode(), nil, "", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// NextPrompt returns the prompt due next in level, plus up to count-1
// upcoming prompts.
func (c *Client) NextPrompt(ctx context.Context, userID, sessionID string, level, count int) (*api.NextPromptResponse, error) {
	q := url.Values{
		"userId":    {userID},
		"sessionId": {sessionID},
		"level":     {strconv.Itoa(level)},
	}
	if count > 0 {
		q.Set("count", strconv.Itoa(count))
	}
	var out api.NextPromptResponse
	if err := c.do(ctx, http.MethodGet, "/api/prompts/next?"+q.Encode(), nil, "", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Complete records one finished prompt without uploading audio.
func (c *Client) Complete(ctx context.Context, req api.CompleteRequest) (*progress.CompletionResult, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	var out progress.CompletionResult
	if err := c.doAs(ctx, req.UserID, http.MethodPost, "/api/progress/complete", bytes.NewReader(body), "application/json", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Take is one recording to upload.
type Take struct {
	UserID           string
	SessionID        string
	Level            int
	OriginalRowIndex int
	PromptText       string
	ExpectedVersion  *int64
	Filename         string
	ContentType      string
	Audio            io.Reader
}

// Upload sends a take. On a progress error after the take was stored, the
// returned *Error carries the stored Recording.
func (c *Client) Upload(ctx context.Context, t Take) (*upload.Result, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fields := map[string]string{
		"userId":           t.UserID,
		"sessionId":        t.SessionID,
		"level":            strconv.Itoa(t.Level),
		"originalRowIndex": strconv.Itoa(t.OriginalRowIndex),
		"promptText":       t.PromptText,
	}
	if t.ExpectedVersion != nil {
		fields["expectedVersion"] = strconv.FormatInt(*t.ExpectedVersion, 10)
	}
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			return nil, err
		}
	}

	filename := t.Filename
	if filename == "" {
		filename = "take.bin"
	}
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="audio"; filename=%q`, filename))
	if t.ContentType != "" {
		h.Set("Content-Type", t.ContentType)
	} else {
		h.Set("Content-Type", "application/octet-stream")
	}
	part, err := mw.CreatePart(h)
	if err != nil {
		return nil, err
	}
	if _, err := io.Copy(part, t.Audio); err != nil {
		return nil, fmt.Errorf("read audio: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	var out upload.Result
	if err := c.doAs(ctx, t.UserID, http.MethodPost, "/api/recordings", &buf, mw.FormDataContentType(), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader, contentType string, out any) error {
	return c.doAs(ctx, "", method, path, body, contentType, out)
}

func (c *Client) doAs(ctx context.Context, userID, method, path string, body io.Reader, contentType string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if userID != "" {
		req.Header.Set(ratelimit.UserIDHeader, userID)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	var body api.ErrorResponse
	if err := json.Unmarshal(raw, &body); err != nil || body.Code == "" {
		return &Error{
			Status:  resp.StatusCode,
			Code:    errs.Internal,
			Message: strings.TrimSpace(string(raw)),
		}
	}
	return &Error{
		Status:    resp.StatusCode,
		Code:      errs.Code(body.Code),
		Message:   body.Error,
		Progress:  body.Progress,
		Recording: body.Recording,
	}
}
