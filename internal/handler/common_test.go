package handler

import (
	"encoding/json"
	stderrors "errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"payment-orchestrator/internal/errors"
)

func decode(t *testing.T, rec *httptest.ResponseRecorder) Response {
	t.Helper()
	var resp Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func TestWriteError(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		status  int
		code    string
		details string
	}{
		{"validation", errors.NewAppError(errors.InvalidInput, "invalid request").WithDetails("user_id failed required"), 400, "invalid_input", "user_id failed required"},
		{"auth", errors.ErrInvalidSignature, 401, "unauthorized", ""},
		{"persistence hides driver text", errors.NewAppError(errors.InternalError, "failed to update order").WithDetails("pq: connection refused"), 500, "internal_error", ""},
		{"plain error", stderrors.New("boom"), 500, "internal_error", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			writeError(rec, tt.err)

			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
			resp := decode(t, rec)
			require.NotNil(t, resp.Error)
			assert.Equal(t, tt.code, resp.Error.Code)
			assert.Equal(t, tt.details, resp.Error.Details)
			assert.Nil(t, resp.Data)
		})
	}
}

func TestFallbackHandlers(t *testing.T) {
	rec := httptest.NewRecorder()
	NotFound(rec, httptest.NewRequest(http.MethodGet, "/nope", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "GET /nope", decode(t, rec).Error.Details)

	rec = httptest.NewRecorder()
	MethodNotAllowed(rec, httptest.NewRequest(http.MethodDelete, "/pay/initiate", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	rec = httptest.NewRecorder()
	RateLimited(rec, httptest.NewRequest(http.MethodPost, "/pay/initiate", nil))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "rate_limited", decode(t, rec).Error.Code)
}
