package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/kuitang/readaloud/internal/errs"
	"github.com/kuitang/readaloud/internal/obs"
	"github.com/kuitang/readaloud/internal/ratelimit"
	"github.com/kuitang/readaloud/internal/upload"
)

// multipartOverhead covers form fields and part headers on top of the audio.
const multipartOverhead = 1 << 20

// CreateRecording handles POST /api/recordings - a multipart form with an
// "audio" file part and the fields userId, sessionId, level,
// originalRowIndex, promptText and optionally expectedVersion.
//
// The take is stored before progress is checked, so a stale session or a
// level mismatch still keeps it and the error body carries the recording.
func (h *Handler) CreateRecording(w http.ResponseWriter, r *http.Request) {
	if h.uploads == nil {
		writeAppError(w, r, errs.New(errs.ConfigurationMissing, "uploads are not configured"))
		return
	}
	maxBytes := h.uploads.MaxBytes()
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes+multipartOverhead)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, errs.InvalidArgument, "recording is too large")
			return
		}
		writeError(w, http.StatusBadRequest, errs.InvalidArgument, "Invalid multipart form: "+err.Error())
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	userID := strings.TrimSpace(r.FormValue("userId"))
	if userID == "" {
		userID = strings.TrimSpace(r.Header.Get(ratelimit.UserIDHeader))
	}
	if userID == "" {
		writeError(w, http.StatusBadRequest, errs.InvalidArgument, "userId is required")
		return
	}
	if !h.allow(w, r, userID) {
		return
	}
	level, err := strconv.Atoi(r.FormValue("level"))
	if err != nil || level < 1 {
		writeError(w, http.StatusBadRequest, errs.InvalidArgument, "level must be a positive integer")
		return
	}
	index, err := strconv.Atoi(r.FormValue("originalRowIndex"))
	if err != nil || index < 1 {
		writeError(w, http.StatusBadRequest, errs.InvalidArgument, "originalRowIndex must be a positive integer")
		return
	}
	var expected *int64
	if v := strings.TrimSpace(r.FormValue("expectedVersion")); v != "" {
		parsed, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, errs.InvalidArgument, "expectedVersion must be an integer")
			return
		}
		expected = &parsed
	}

	file, header, err := r.FormFile("audio")
	if err != nil {
		writeError(w, http.StatusBadRequest, errs.InvalidArgument, "audio file is required")
		return
	}
	defer file.Close()
	audio, err := io.ReadAll(io.LimitReader(file, maxBytes+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, errs.InvalidArgument, "could not read audio")
		return
	}
	if int64(len(audio)) > maxBytes {
		writeError(w, http.StatusRequestEntityTooLarge, errs.InvalidArgument, "recording is too large")
		return
	}

	sessionID := r.FormValue("sessionId")
	ctx := obs.WithUser(r.Context(), userID, sessionID)
	r = r.WithContext(ctx)

	// The stored username names the object, so take it from the row rather
	// than the form.
	user, err := h.engine.GetUser(ctx, userID)
	if err != nil {
		writeAppError(w, r, err)
		return
	}

	res, err := h.uploads.Submit(ctx, upload.Submission{
		Audio:           audio,
		ContentType:     header.Header.Get("Content-Type"),
		Filename:        header.Filename,
		UserID:          userID,
		Username:        user.Username,
		SessionID:       sessionID,
		Level:           level,
		ExternalIndex:   index,
		PromptText:      r.FormValue("promptText"),
		ExpectedVersion: expected,
	})
	if err != nil {
		if res == nil {
			writeAppError(w, r, err)
			return
		}
		code := errs.CodeOf(err)
		writeJSON(w, errs.HTTPStatus(code), ErrorResponse{
			Error:     errs.MessageOf(err),
			Code:      string(code),
			Recording: res,
		})
		return
	}
	if res.Progress != nil && res.Progress.Conflict {
		writeJSON(w, http.StatusConflict, ErrorResponse{
			Error:     "recording stored but progress changed concurrently; refresh and retry",
			Code:      string(errs.ProgressConflict),
			Progress:  res.Progress,
			Recording: res,
		})
		return
	}
	writeJSON(w, http.StatusCreated, res)
}
