package httpserver

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/risedotdev/rise/internal/apierr"
)

// Respond writes a JSON response with the given status code.
func Respond(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if data == nil {
		return
	}

	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("encoding response", "error", err)
	}
}

// ErrorResponse is the standard JSON error envelope.
type ErrorResponse struct {
	Error string `json:"error"`
}

// RespondError writes a JSON error response with a stable status/body shape.
func RespondError(w http.ResponseWriter, status int, message string) {
	Respond(w, status, ErrorResponse{Error: message})
}

// WriteAPIError maps err's apierr.Kind to its stable HTTP status and writes
// the JSON body, logging loudly for 5xx-equivalent kinds and at debug for
// 4xx-equivalent ones. requestID is echoed in the log line to correlate
// with the x-request-id response header already set by the RequestID
// middleware.
func WriteAPIError(w http.ResponseWriter, logger *slog.Logger, requestID string, err error) {
	kind := apierr.KindOf(err)
	status := apierr.HTTPStatus(kind)

	message := err.Error()
	if e, ok := apierr.As(err); ok {
		message = e.Message
	}

	if apierr.ShouldLogLoudly(kind) {
		logger.Error("request failed", "request_id", requestID, "kind", kind, "error", err)
	} else {
		logger.Debug("request failed", "request_id", requestID, "kind", kind, "error", err)
	}

	RespondError(w, status, message)
}
