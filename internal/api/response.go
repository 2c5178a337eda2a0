package api

import (
	"encoding/json"
	"net/http"

	"github.com/kuitang/readaloud/internal/errs"
	"github.com/kuitang/readaloud/internal/obs"
	"github.com/kuitang/readaloud/internal/progress"
	"github.com/kuitang/readaloud/internal/upload"
)

// ErrorResponse represents an API error response.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
	// Collaborator names the failing external system on 503s.
	Collaborator string `json:"collaborator,omitempty"`
	// Progress is the re-read state on a progress_conflict.
	Progress *progress.CompletionResult `json:"progress,omitempty"`
	// Recording is set when the take was stored despite the error.
	Recording *upload.Result `json:"recording,omitempty"`
}

// writeJSON writes a JSON response with the given status code
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response with the given status code
func writeError(w http.ResponseWriter, status int, code errs.Code, message string) {
	writeJSON(w, status, ErrorResponse{Error: message, Code: string(code)})
}

// writeAppError maps a coded error onto a response. Untyped errors become a
// bare 500 so driver and SDK text never reaches the client.
func writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	code := errs.CodeOf(err)
	status := errs.HTTPStatus(code)
	if status >= http.StatusInternalServerError {
		obs.From(r.Context()).ErrorContext(r.Context(), "request failed",
			"path", r.URL.Path, "code", code, "collaborator", errs.CollaboratorOf(err), "error", err)
	}
	writeJSON(w, status, ErrorResponse{
		Error:        errs.MessageOf(err),
		Code:         string(code),
		Collaborator: string(errs.CollaboratorOf(err)),
	})
}
