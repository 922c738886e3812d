package tts

import (
	"context"
	"errors"
	"net/http"

	"github.com/loqalabs/loqa-tts/internal/gate"
	"github.com/loqalabs/loqa-tts/internal/worker"
)

// Status maps a Synthesize error to the HTTP status and client-facing
// detail used by every transport.
func Status(err error) (int, string) {
	var verr *ValidationError
	switch {
	case err == nil:
		return http.StatusOK, ""
	case errors.As(err, &verr):
		if verr.Field == "voice" {
			return http.StatusBadRequest, verr.Reason
		}
		return http.StatusUnprocessableEntity, verr.Reason
	case errors.Is(err, ErrNotReady):
		return http.StatusInternalServerError, "Pipeline not loaded"
	case errors.Is(err, gate.ErrQueueFull):
		return http.StatusTooManyRequests, "too many queued synthesis requests"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "synthesis timed out"
	case errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable, "request cancelled"
	case errors.Is(err, worker.ErrClosed):
		return http.StatusServiceUnavailable, "service shutting down"
	default:
		return http.StatusInternalServerError, err.Error()
	}
}
