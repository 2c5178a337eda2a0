// Package upload stores a recorded take and then advances the contributor's
// progress.
//
// The two steps are not atomic. Audio is written first and its recording row
// second; progress is advanced last. If progress is rejected the audio and
// its row stay where they are, so a take is never lost to a bookkeeping
// failure.
package upload

import (
	"context"
	"fmt"
	"mime"
	"net/http"
	"path"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kuitang/readaloud/internal/db"
	"github.com/kuitang/readaloud/internal/errs"
	"github.com/kuitang/readaloud/internal/logutil"
	"github.com/kuitang/readaloud/internal/obs"
	"github.com/kuitang/readaloud/internal/progress"
)

// DefaultMaxBytes caps a single take.
const DefaultMaxBytes int64 = 25 << 20

// ObjectStore is where audio bytes go.
type ObjectStore interface {
	PutObject(ctx context.Context, key string, content []byte, contentType string) error
	ObjectURL(key string) string
	Container() string
}

// RecordingStore persists recording rows.
type RecordingStore interface {
	InsertRecording(ctx context.Context, r db.Recording) error
}

// ProgressRecorder advances progress after a take is stored.
type ProgressRecorder interface {
	RecordCompletion(ctx context.Context, c progress.Completion) (*progress.CompletionResult, error)
}

// Submission is one uploaded take with the context it was recorded in.
type Submission struct {
	Audio       []byte
	ContentType string
	// Filename is the client's original name; only its extension is used.
	Filename string

	UserID          string
	Username        string
	SessionID       string
	Level           int
	ExternalIndex   int
	PromptText      string
	ExpectedVersion *int64
}

// Result describes what was stored. It is returned even when advancing
// progress fails, since the take itself was kept.
type Result struct {
	RecordingID string `json:"recordingId"`
	ObjectKey   string `json:"objectKey"`
	ObjectURL   string `json:"objectUrl"`
	Container   string `json:"container"`
	// RecordingSaved is false when the recording row could not be written.
	RecordingSaved bool                       `json:"recordingSaved"`
	Progress       *progress.CompletionResult `json:"progress,omitempty"`
}

// Options tunes the coordinator.
type Options struct {
	// Prefix is prepended to every object key.
	Prefix   string
	MaxBytes int64
	Clock    progress.Clock
}

// Coordinator runs the store-then-advance sequence.
type Coordinator struct {
	objects    ObjectStore
	recordings RecordingStore
	progress   ProgressRecorder
	opts       Options
}

// NewCoordinator returns a Coordinator.
func NewCoordinator(objects ObjectStore, recordings RecordingStore, progress ProgressRecorder, opts Options) *Coordinator {
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = DefaultMaxBytes
	}
	if opts.Clock == nil {
		opts.Clock = systemClock{}
	}
	opts.Prefix = strings.Trim(opts.Prefix, "/")
	return &Coordinator{objects: objects, recordings: recordings, progress: progress, opts: opts}
}

// MaxBytes returns the configured size cap.
func (c *Coordinator) MaxBytes() int64 {
	return c.opts.MaxBytes
}

// Submit stores s and advances progress. On a progress error the returned
// Result is non-nil whenever the audio was stored.
func (c *Coordinator) Submit(ctx context.Context, s Submission) (*Result, error) {
	if c.objects == nil {
		return nil, errs.New(errs.ConfigurationMissing, "object store is not configured")
	}
	if err := validate(s, c.opts.MaxBytes); err != nil {
		return nil, err
	}
	logger := obs.From(ctx)

	contentType := normalizeContentType(s.ContentType, s.Audio)
	now := c.opts.Clock.Now().UTC()
	key := ObjectKey(c.opts.Prefix, s.Username, s.Level, s.ExternalIndex, now,
		uuid.NewString()[:8], Extension(s.Filename, contentType))

	if err := c.objects.PutObject(ctx, key, s.Audio, contentType); err != nil {
		return nil, err
	}
	res := &Result{
		RecordingID: uuid.NewString(),
		ObjectKey:   key,
		ObjectURL:   c.objects.ObjectURL(key),
		Container:   c.objects.Container(),
	}
	logger.InfoContext(ctx, "recording stored",
		"user_id", s.UserID, "object_key", key, "bytes", len(s.Audio), "content_type", contentType)

	err := c.recordings.InsertRecording(ctx, db.Recording{
		ID:          res.RecordingID,
		UserID:      s.UserID,
		Username:    progress.NormalizeUsername(s.Username),
		ScriptID:    s.ExternalIndex,
		Level:       s.Level,
		PromptText:  s.PromptText,
		ObjectKey:   key,
		ObjectURL:   res.ObjectURL,
		ContentType: contentType,
		SizeBytes:   int64(len(s.Audio)),
		SubmittedAt: now,
	})
	if err != nil {
		// The audio is already durable; the missing row is recoverable from
		// the object key.
		logger.ErrorContext(ctx, "recording row not saved",
			"user_id", s.UserID, "object_key", key,
			"prompt", logutil.TruncateForLog(s.PromptText, 80), "error", err)
	} else {
		res.RecordingSaved = true
	}

	result, err := c.progress.RecordCompletion(ctx, progress.Completion{
		UserID:          s.UserID,
		ExternalIndex:   s.ExternalIndex,
		SessionID:       s.SessionID,
		ExpectedVersion: s.ExpectedVersion,
	})
	if err != nil {
		logger.WarnContext(ctx, "recording stored but progress not advanced",
			"user_id", s.UserID, "object_key", key, "code", errs.CodeOf(err),
			"session", logutil.SessionTag(s.SessionID))
		return res, err
	}
	res.Progress = result
	return res, nil
}

func validate(s Submission, maxBytes int64) error {
	switch {
	case len(s.Audio) == 0:
		return errs.New(errs.InvalidArgument, "audio is empty")
	case int64(len(s.Audio)) > maxBytes:
		return errs.New(errs.InvalidArgument, fmt.Sprintf("audio exceeds %d bytes", maxBytes))
	case strings.TrimSpace(s.UserID) == "":
		return errs.New(errs.InvalidArgument, "userId is required")
	case progress.NormalizeUsername(s.Username) == "":
		return errs.New(errs.InvalidArgument, "username is required")
	case s.Level < 1:
		return errs.New(errs.InvalidArgument, "level must be positive")
	case s.ExternalIndex < 1:
		return errs.New(errs.InvalidArgument, "originalRowIndex must be positive")
	}
	return nil
}

var unsafeKeyChars = regexp.MustCompile(`[^a-z0-9._-]+`)

// ObjectKey builds <prefix>/<username>/L<level>-S<index>-<UTC timestamp>-<suffix>.<ext>.
// The username is normalized and reduced to characters safe in any bucket.
func ObjectKey(prefix, username string, level, index int, at time.Time, suffix, ext string) string {
	user := unsafeKeyChars.ReplaceAllString(progress.NormalizeUsername(username), "-")
	user = strings.Trim(user, "-.")
	if user == "" {
		user = "anonymous"
	}
	name := fmt.Sprintf("L%d-S%d-%s-%s.%s", level, index, at.UTC().Format("20060102T150405Z"), suffix, ext)
	if prefix == "" {
		return path.Join(user, name)
	}
	return path.Join(prefix, user, name)
}

var audioExtensions = map[string]string{
	"audio/webm":     "webm",
	"video/webm":     "webm",
	"audio/ogg":      "ogg",
	"audio/opus":     "opus",
	"audio/wav":      "wav",
	"audio/wave":     "wav",
	"audio/x-wav":    "wav",
	"audio/vnd.wave": "wav",
	"audio/mpeg":     "mp3",
	"audio/mp4":      "m4a",
	"audio/x-m4a":    "m4a",
	"audio/aac":      "aac",
	"audio/flac":     "flac",
	"audio/x-flac":   "flac",
}

var safeExtension = regexp.MustCompile(`^[a-z0-9]{1,8}$`)

// Extension picks the object extension: the original filename's if it has
// a sane one, else one derived from the content type, else "bin".
func Extension(filename, contentType string) string {
	if ext := strings.ToLower(strings.TrimPrefix(path.Ext(filename), ".")); safeExtension.MatchString(ext) {
		return ext
	}
	if mediaType, _, err := mime.ParseMediaType(contentType); err == nil {
		if ext, ok := audioExtensions[mediaType]; ok {
			return ext
		}
		if exts, err := mime.ExtensionsByType(mediaType); err == nil && len(exts) > 0 {
			return strings.TrimPrefix(exts[0], ".")
		}
	}
	return "bin"
}

func normalizeContentType(contentType string, audio []byte) string {
	contentType = strings.TrimSpace(contentType)
	if contentType == "" || contentType == "application/octet-stream" {
		return http.DetectContentType(audio)
	}
	return contentType
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }
