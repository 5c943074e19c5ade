package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/handoffd/agent/handoff"
	"github.com/BaSui01/handoffd/agent/hitl"
	"github.com/BaSui01/handoffd/types"
)

func decodeResponse(t *testing.T, w *httptest.ResponseRecorder) Response {
	t.Helper()
	var resp Response
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	return resp
}

func TestEnvelope(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		w := httptest.NewRecorder()
		WriteSuccess(w, map[string]string{"handoff_id": "h1"})

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "application/json; charset=utf-8", w.Header().Get("Content-Type"))
		assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
		resp := decodeResponse(t, w)
		assert.True(t, resp.Success)
		assert.Nil(t, resp.Error)
		assert.False(t, resp.Timestamp.IsZero())
	})

	t.Run("created", func(t *testing.T) {
		w := httptest.NewRecorder()
		WriteCreated(w, []string{"run-1"})
		assert.Equal(t, http.StatusCreated, w.Code)
		assert.True(t, decodeResponse(t, w).Success)
	})

	t.Run("error uses code status", func(t *testing.T) {
		w := httptest.NewRecorder()
		WriteError(w, types.NewError(types.ErrHandoffNotFound, "handoff h9 not found"), zap.NewNop())

		assert.Equal(t, http.StatusNotFound, w.Code)
		resp := decodeResponse(t, w)
		assert.False(t, resp.Success)
		assert.Nil(t, resp.Data)
		require.NotNil(t, resp.Error)
		assert.Equal(t, string(types.ErrHandoffNotFound), resp.Error.Code)
		assert.Equal(t, "handoff h9 not found", resp.Error.Message)
	})

	t.Run("error message helper", func(t *testing.T) {
		w := httptest.NewRecorder()
		WriteErrorMessage(w, http.StatusTooManyRequests, types.ErrRateLimited, "slow down", zap.NewNop())
		assert.Equal(t, http.StatusTooManyRequests, w.Code)
		assert.Equal(t, string(types.ErrRateLimited), decodeResponse(t, w).Error.Code)
	})
}

func TestDecodeJSONBody(t *testing.T) {
	type respondBody struct {
		Action  string `json:"action"`
		Comment string `json:"comment"`
	}

	tests := []struct {
		name    string
		body    string
		want    respondBody
		wantErr bool
	}{
		{name: "valid", body: `{"action":"continue","comment":"done"}`, want: respondBody{Action: "continue", Comment: "done"}},
		{name: "trailing comma", body: `{"action":"continue",}`, wantErr: true},
		{name: "unknown field", body: `{"action":"abort","operator":"mallory"}`, wantErr: true},
		{name: "empty", body: "", wantErr: true},
		{name: "oversized", body: `{"comment":"` + strings.Repeat("x", 2<<20) + `"}`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			var body io.Reader = http.NoBody
			if tt.body != "" {
				body = strings.NewReader(tt.body)
			}
			r := httptest.NewRequest(http.MethodPost, "/api/v1/handoffs/h1/respond", body)

			var got respondBody
			err := DecodeJSONBody(w, r, &got, zap.NewNop())
			if tt.wantErr {
				require.Error(t, err)
				assert.Equal(t, http.StatusBadRequest, w.Code)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestValidateContentType(t *testing.T) {
	for ct, want := range map[string]bool{
		"application/json":                 true,
		"application/json; charset=UTF-8":  true,
		" Application/JSON;charset=utf-8 ": true,
		"application/jsonp":                false,
		"text/plain":                       false,
		"":                                 false,
	} {
		t.Run(ct, func(t *testing.T) {
			w := httptest.NewRecorder()
			r := httptest.NewRequest(http.MethodPost, "/api/v1/runs", nil)
			r.Header.Set("Content-Type", ct)

			assert.Equal(t, want, ValidateContentType(w, r, zap.NewNop()))
			if !want {
				assert.Equal(t, http.StatusUnsupportedMediaType, w.Code)
			}
		})
	}
}

func TestMapErrorCodeToHTTPStatus(t *testing.T) {
	want := map[types.ErrorCode]int{
		types.ErrInvalidRequest:     http.StatusBadRequest,
		types.ErrUnauthorized:       http.StatusUnauthorized,
		types.ErrForbidden:          http.StatusForbidden,
		types.ErrHandoffNotFound:    http.StatusNotFound,
		types.ErrSessionNotFound:    http.StatusNotFound,
		types.ErrAlreadyResolved:    http.StatusConflict,
		types.ErrOperatorConflict:   http.StatusConflict,
		types.ErrInvalidAction:      http.StatusUnprocessableEntity,
		types.ErrRateLimited:        http.StatusTooManyRequests,
		types.ErrTimeout:            http.StatusGatewayTimeout,
		types.ErrTransport:          http.StatusBadGateway,
		types.ErrInternalError:      http.StatusInternalServerError,
		types.ErrServiceUnavailable: http.StatusServiceUnavailable,
		"UNKNOWN_CODE":              http.StatusInternalServerError,
	}
	for code, status := range want {
		assert.Equal(t, status, mapErrorCodeToHTTPStatus(code), string(code))
	}
}

func TestToAPIError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantCode   types.ErrorCode
		wantStatus int
	}{
		{"registry not found", &hitl.RegistryError{Code: hitl.CodeNotFound, ID: "h1"}, types.ErrHandoffNotFound, http.StatusNotFound},
		{"already resolved", &hitl.RegistryError{Code: hitl.CodeAlreadyResolved, ID: "h1", Status: hitl.StatusExpired}, types.ErrAlreadyResolved, http.StatusConflict},
		{"session not found", &handoff.SessionError{Code: handoff.CodeSessionNotFound, SessionID: "s1"}, types.ErrSessionNotFound, http.StatusNotFound},
		{"operator conflict", &handoff.SessionError{Code: handoff.CodeOperatorConflict, SessionID: "s1"}, types.ErrOperatorConflict, http.StatusConflict},
		{"transport", &handoff.TransportError{Op: "frame", Err: errors.New("broken pipe")}, types.ErrTransport, http.StatusBadGateway},
		{"released", hitl.ErrReleased, types.ErrRunNotFound, http.StatusGone},
		{"deadline", context.DeadlineExceeded, types.ErrTimeout, http.StatusRequestTimeout},
		{"wrapped api error", fmt.Errorf("outer: %w", types.NewError(types.ErrRunNotFound, "run r1 not found").WithHTTPStatus(http.StatusNotFound)), types.ErrRunNotFound, http.StatusNotFound},
		{"unknown", errors.New("boom"), types.ErrInternalError, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			apiErr := ToAPIError(tt.err)
			assert.Equal(t, tt.wantCode, apiErr.Code)
			assert.Equal(t, tt.wantStatus, apiErr.HTTPStatus)
		})
	}
}

func TestWriteComponentError_InvalidActionListsOptions(t *testing.T) {
	w := httptest.NewRecorder()
	WriteComponentError(w, &hitl.RegistryError{
		Code:    hitl.CodeInvalidAction,
		ID:      "h1",
		Action:  "retry_forever",
		Allowed: []string{"continue", "abort"},
	}, zap.NewNop())

	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	var resp Response
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, string(types.ErrInvalidAction), resp.Error.Code)
	assert.Equal(t, []string{"continue", "abort"}, resp.Error.Details)
	assert.Contains(t, resp.Error.Message, "allowed: continue, abort")
}
