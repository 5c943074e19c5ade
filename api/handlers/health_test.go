package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func decodeHealth(t *testing.T, w *httptest.ResponseRecorder) HealthStatus {
	t.Helper()
	var status HealthStatus
	require.NoError(t, json.NewDecoder(w.Body).Decode(&status))
	return status
}

func TestHealthHandler_HandleHealth(t *testing.T) {
	handler := NewHealthHandler(zap.NewNop())
	handler.SetSummary(func() map[string]int {
		return map[string]int{"pending_handoffs": 2, "active_sessions": 1}
	})

	w := httptest.NewRecorder()
	handler.HandleHealth(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	status := decodeHealth(t, w)
	assert.Equal(t, "healthy", status.Status)
	assert.False(t, status.Timestamp.IsZero())
	assert.Equal(t, 2, status.Summary["pending_handoffs"])
	assert.Equal(t, 1, status.Summary["active_sessions"])
}

func TestHealthHandler_HandleHealthz(t *testing.T) {
	handler := NewHealthHandler(nil)

	w := httptest.NewRecorder()
	handler.HandleHealthz(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "healthy", decodeHealth(t, w).Status)
}

func TestHealthHandler_HandleReady(t *testing.T) {
	t.Run("no checks", func(t *testing.T) {
		handler := NewHealthHandler(zap.NewNop())
		w := httptest.NewRecorder()
		handler.HandleReady(w, httptest.NewRequest(http.MethodGet, "/ready", nil))

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Empty(t, decodeHealth(t, w).Checks)
	})

	t.Run("all pass", func(t *testing.T) {
		handler := NewHealthHandler(zap.NewNop())
		handler.RegisterCheck(NewCheck("redis", func(context.Context) error { return nil }))
		handler.RegisterCheck(NewCheck("database", func(context.Context) error { return nil }))

		w := httptest.NewRecorder()
		handler.HandleReady(w, httptest.NewRequest(http.MethodGet, "/ready", nil))

		assert.Equal(t, http.StatusOK, w.Code)
		status := decodeHealth(t, w)
		assert.Equal(t, "healthy", status.Status)
		assert.Equal(t, "pass", status.Checks["redis"].Status)
		assert.Equal(t, "pass", status.Checks["database"].Status)
	})

	t.Run("one fails", func(t *testing.T) {
		handler := NewHealthHandler(zap.NewNop())
		handler.RegisterCheck(NewCheck("redis", func(context.Context) error { return nil }))
		handler.RegisterCheck(NewCheck("database", func(context.Context) error {
			return errors.New("connection refused")
		}))

		w := httptest.NewRecorder()
		handler.HandleReady(w, httptest.NewRequest(http.MethodGet, "/ready", nil))

		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
		status := decodeHealth(t, w)
		assert.Equal(t, "unhealthy", status.Status)
		assert.Equal(t, "fail", status.Checks["database"].Status)
		assert.Equal(t, "connection refused", status.Checks["database"].Message)
	})

	t.Run("checks run concurrently", func(t *testing.T) {
		handler := NewHealthHandler(zap.NewNop())
		started := make(chan struct{}, 2)
		// 每个检查都等另一个开始后才返回
		barrier := func(ctx context.Context) error {
			started <- struct{}{}
			for len(started) < 2 {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(time.Millisecond):
				}
			}
			return nil
		}
		handler.RegisterCheck(NewCheck("redis", barrier))
		handler.RegisterCheck(NewCheck("database", barrier))

		w := httptest.NewRecorder()
		handler.HandleReady(w, httptest.NewRequest(http.MethodGet, "/ready", nil))
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("draining", func(t *testing.T) {
		handler := NewHealthHandler(zap.NewNop())
		handler.RegisterCheck(NewCheck("redis", func(context.Context) error { return nil }))
		handler.SetDraining()
		handler.SetDraining()

		w := httptest.NewRecorder()
		handler.HandleReady(w, httptest.NewRequest(http.MethodGet, "/ready", nil))
		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
		assert.Equal(t, "draining", decodeHealth(t, w).Status)

		w = httptest.NewRecorder()
		handler.HandleHealthz(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
		assert.Equal(t, http.StatusOK, w.Code)
	})
}

func TestHealthHandler_HandleVersion(t *testing.T) {
	handler := NewHealthHandler(zap.NewNop())

	w := httptest.NewRecorder()
	handler.HandleVersion("1.2.3", "2026-01-01", "abc123")(w, httptest.NewRequest(http.MethodGet, "/version", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Success bool              `json:"success"`
		Data    map[string]string `json:"data"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.True(t, resp.Success)
	assert.Equal(t, "1.2.3", resp.Data["version"])
	assert.Equal(t, "abc123", resp.Data["git_commit"])
}
