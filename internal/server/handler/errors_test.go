package handler

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/groupbuy/internal/domain"
	"github.com/alanyoungcy/groupbuy/internal/ledger"
)

func TestWriteDomainError(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	tests := []struct {
		err        error
		status     int
		code       domain.ErrorKind
		retryAfter bool
	}{
		{fmt.Errorf("wrap: %w", domain.ErrInvalidArgument), http.StatusBadRequest, domain.KindInvalidArgument, false},
		{domain.ErrNotFound, http.StatusNotFound, domain.KindNotFound, false},
		{domain.ErrCampaignClosed, http.StatusConflict, domain.KindCampaignClosed, false},
		{domain.ErrCapacityExceeded, http.StatusConflict, domain.KindCapacityExceeded, false},
		{domain.ErrIdempotencyConflict, http.StatusConflict, domain.KindIdempotencyConflict, false},
		{domain.ErrContention, http.StatusServiceUnavailable, domain.KindContention, true},
		{domain.ErrTimeout, http.StatusGatewayTimeout, domain.KindTimeout, false},
		{&ledger.PartialFailureError{CampaignID: "c", Cause: domain.ErrTimeout}, http.StatusInternalServerError, domain.KindPartialFailure, false},
		{fmt.Errorf("pgx: connection reset"), http.StatusInternalServerError, domain.KindPersistence, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			rec := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			writeDomainError(rec, req, logger, "test", tt.err)

			assert.Equal(t, tt.status, rec.Code)
			var body errorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, string(tt.code), body.Code)
			assert.NotEmpty(t, body.Error)
			assert.NotContains(t, body.Error, "pgx", "driver errors never reach clients")
			assert.Equal(t, tt.retryAfter, rec.Header().Get("Retry-After") != "")
		})
	}
}

func TestQueryInt(t *testing.T) {
	assert.Equal(t, 50, queryInt("", 50, 500))
	assert.Equal(t, 500, queryInt("9999", 50, 500))
	assert.Equal(t, 50, queryInt("-3", 50, 500))
	assert.Equal(t, 7, queryInt("7", 0, -1))
}
