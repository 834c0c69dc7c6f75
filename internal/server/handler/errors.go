package handler

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/alanyoungcy/groupbuy/internal/domain"
	"github.com/alanyoungcy/groupbuy/internal/server/middleware"
)

// kindStatus maps error kinds to HTTP status codes.
var kindStatus = map[domain.ErrorKind]int{
	domain.KindInvalidArgument:     http.StatusBadRequest,
	domain.KindNotFound:            http.StatusNotFound,
	domain.KindCampaignClosed:      http.StatusConflict,
	domain.KindCapacityExceeded:    http.StatusConflict,
	domain.KindIdempotencyConflict: http.StatusConflict,
	domain.KindContention:          http.StatusServiceUnavailable,
	domain.KindTimeout:             http.StatusGatewayTimeout,
	domain.KindRateLimited:         http.StatusTooManyRequests,
	domain.KindPartialFailure:      http.StatusInternalServerError,
	domain.KindPersistence:         http.StatusInternalServerError,
}

// kindMessage is the default English text per kind. Internal error chains
// are logged, never sent to clients.
var kindMessage = map[domain.ErrorKind]string{
	domain.KindNotFound:            "resource not found",
	domain.KindCampaignClosed:      "campaign is no longer accepting joins",
	domain.KindCapacityExceeded:    "requested quantity exceeds remaining capacity",
	domain.KindIdempotencyConflict: "idempotency key was already used for a different request",
	domain.KindContention:          "campaign is busy, retry shortly",
	domain.KindTimeout:             "storage did not respond in time, retry with the same idempotency key",
	domain.KindRateLimited:         "rate limit exceeded",
	domain.KindPartialFailure:      "join could not be completed and is pending reconciliation",
	domain.KindPersistence:         "internal storage error",
}

// StatusForKind returns the HTTP status for an error kind.
func StatusForKind(kind domain.ErrorKind) int {
	if s, ok := kindStatus[kind]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// writeDomainError classifies err and writes the matching status and body.
// Invalid-argument messages are passed through since they describe the
// caller's own input.
func writeDomainError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, op string, err error) {
	kind := domain.KindOf(err)
	status := StatusForKind(kind)

	msg := kindMessage[kind]
	if kind == domain.KindInvalidArgument {
		msg = err.Error()
	}

	attrs := []any{
		slog.String("request_id", middleware.RequestID(r.Context())),
		slog.String("kind", string(kind)),
		slog.String("error", err.Error()),
	}
	if status >= http.StatusInternalServerError {
		logger.ErrorContext(r.Context(), "handler: "+op+" failed", attrs...)
	} else {
		logger.DebugContext(r.Context(), "handler: "+op+" rejected", attrs...)
	}

	if domain.IsRetryable(kind) && kind != domain.KindTimeout {
		w.Header().Set("Retry-After", strconv.Itoa(1))
	}
	writeError(w, status, kind, msg)
}
