package apperr

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// Envelope is the wire shape of every non-2xx response. ErrorID is the value
// users quote in support requests; the full cause is logged server-side only.
type Envelope struct {
	Error     Kind                   `json:"error"`
	ErrorID   string                 `json:"error_id"`
	Message   string                 `json:"message"`
	Details   map[string]interface{} `json:"details"`
	Timestamp string                 `json:"timestamp"`
}

// WriteError maps err through the taxonomy and writes the envelope. It is the
// only place in the codebase that turns errors into HTTP responses.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	ae := AsError(err)
	errorID := uuid.New().String()

	status := ae.Kind.HTTPStatus()
	if ae.RetryAfter > 0 {
		w.Header().Set("Retry-After", fmt.Sprintf("%d", int(ae.RetryAfter.Seconds())))
	}

	if ae.Kind == KindInternal {
		slog.Error("unhandled error",
			"error_id", errorID,
			"method", r.Method,
			"path", r.URL.Path,
			"err", err)
	} else {
		slog.Warn("request failed",
			"error_id", errorID,
			"kind", string(ae.Kind),
			"method", r.Method,
			"path", r.URL.Path,
			"message", ae.Message)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(Envelope{
		Error:     ae.Kind,
		ErrorID:   errorID,
		Message:   ae.Message,
		Details:   ae.Details,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// MarkDegraded annotates a 2xx response that was served by a fallback.
func MarkDegraded(w http.ResponseWriter) {
	w.Header().Set("X-Degraded", "true")
}
