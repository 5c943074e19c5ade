package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/handoffd/agent/escalation"
	"github.com/BaSui01/handoffd/agent/hitl"
	"github.com/BaSui01/handoffd/types"
)

type awaitFunc func(ctx context.Context, id string) (*hitl.HumanResponse, error)

func (f awaitFunc) AwaitHumanResponse(ctx context.Context, id string) (*hitl.HumanResponse, error) {
	return f(ctx, id)
}

type envelope[T any] struct {
	Success bool       `json:"success"`
	Data    T          `json:"data"`
	Error   *ErrorInfo `json:"error"`
}

func decodeEnvelope[T any](t *testing.T, w *httptest.ResponseRecorder) envelope[T] {
	t.Helper()
	var env envelope[T]
	require.NoError(t, json.NewDecoder(w.Body).Decode(&env))
	return env
}

func jsonRequest(method, target, body string) *http.Request {
	r := httptest.NewRequest(method, target, strings.NewReader(body))
	r.Header.Set("Content-Type", "application/json")
	return r
}

func TestHandoffHandler_List(t *testing.T) {
	reg := newTestRegistry(t)
	normal := createRequest(t, reg, "run-1", escalation.UrgencyNormal)
	urgent := createRequest(t, reg, "run-2", escalation.UrgencyUrgent)
	answered := createRequest(t, reg, "run-1", escalation.UrgencyHigh)
	_, err := reg.Respond(context.Background(), answered.ID, escalation.OptionContinue, "", "op")
	require.NoError(t, err)

	h := NewHandoffHandler(reg, nil, time.Second, zap.NewNop())

	t.Run("pending by default, urgent first", func(t *testing.T) {
		w := httptest.NewRecorder()
		h.HandleList(w, httptest.NewRequest(http.MethodGet, "/api/v1/handoffs", nil))

		require.Equal(t, http.StatusOK, w.Code)
		env := decodeEnvelope[[]hitl.Request](t, w)
		require.Len(t, env.Data, 2)
		assert.Equal(t, urgent.ID, env.Data[0].ID)
		assert.Equal(t, normal.ID, env.Data[1].ID)
	})

	t.Run("filter by urgency and run", func(t *testing.T) {
		w := httptest.NewRecorder()
		h.HandleList(w, httptest.NewRequest(http.MethodGet, "/api/v1/handoffs?urgency=normal&run_id=run-1", nil))

		env := decodeEnvelope[[]hitl.Request](t, w)
		require.Len(t, env.Data, 1)
		assert.Equal(t, normal.ID, env.Data[0].ID)
	})

	t.Run("all statuses", func(t *testing.T) {
		w := httptest.NewRecorder()
		h.HandleList(w, httptest.NewRequest(http.MethodGet, "/api/v1/handoffs?status=all", nil))

		env := decodeEnvelope[[]hitl.Request](t, w)
		assert.Len(t, env.Data, 3)
	})

	t.Run("responded", func(t *testing.T) {
		w := httptest.NewRecorder()
		h.HandleList(w, httptest.NewRequest(http.MethodGet, "/api/v1/handoffs?status=responded", nil))

		env := decodeEnvelope[[]hitl.Request](t, w)
		require.Len(t, env.Data, 1)
		assert.Equal(t, answered.ID, env.Data[0].ID)
	})

	t.Run("empty result is an array", func(t *testing.T) {
		w := httptest.NewRecorder()
		h.HandleList(w, httptest.NewRequest(http.MethodGet, "/api/v1/handoffs?run_id=nope", nil))
		assert.Contains(t, w.Body.String(), `"data":[]`)
	})

	t.Run("bad filters", func(t *testing.T) {
		for _, q := range []string{"?status=pending", "?urgency=critical"} {
			w := httptest.NewRecorder()
			h.HandleList(w, httptest.NewRequest(http.MethodGet, "/api/v1/handoffs"+q, nil))
			assert.Equal(t, http.StatusBadRequest, w.Code, q)
		}
	})
}

func TestHandoffHandler_Get(t *testing.T) {
	reg := newTestRegistry(t)
	req := createRequest(t, reg, "run-1", escalation.UrgencyUrgent)
	h := NewHandoffHandler(reg, nil, time.Second, nil)

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/api/v1/handoffs/"+req.ID, nil)
	r.SetPathValue("id", req.ID)
	h.HandleGet(w, r)

	require.Equal(t, http.StatusOK, w.Code)
	env := decodeEnvelope[hitl.Request](t, w)
	assert.Equal(t, req.ID, env.Data.ID)
	assert.Equal(t, 5*time.Minute, env.Data.ExpiresAt.Sub(env.Data.CreatedAt))

	w = httptest.NewRecorder()
	r = httptest.NewRequest(http.MethodGet, "/api/v1/handoffs/missing", nil)
	r.SetPathValue("id", "missing")
	h.HandleGet(w, r)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, string(types.ErrHandoffNotFound), decodeEnvelope[any](t, w).Error.Code)
}

func TestHandoffHandler_Respond(t *testing.T) {
	reg := newTestRegistry(t)
	req := createRequest(t, reg, "run-1", escalation.UrgencyUrgent)
	h := NewHandoffHandler(reg, nil, time.Second, zap.NewNop())

	respond := func(id, body string, ctx context.Context) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		r := jsonRequest(http.MethodPost, "/api/v1/handoffs/"+id+"/respond", body).WithContext(ctx)
		r.SetPathValue("id", id)
		h.HandleRespond(w, r)
		return w
	}

	t.Run("invalid action names the options", func(t *testing.T) {
		w := respond(req.ID, `{"action":"retry"}`, context.Background())
		assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
		env := decodeEnvelope[any](t, w)
		assert.Equal(t, string(types.ErrInvalidAction), env.Error.Code)
		assert.Equal(t, []string{"continue", "abort"}, env.Error.Details)
	})

	t.Run("missing action", func(t *testing.T) {
		w := respond(req.ID, `{"comment":"hi"}`, context.Background())
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("records operator from context", func(t *testing.T) {
		ctx := types.WithOperatorID(context.Background(), "alice")
		w := respond(req.ID, `{"action":"continue","comment":"solved the captcha"}`, ctx)
		require.Equal(t, http.StatusOK, w.Code)

		env := decodeEnvelope[hitl.HumanResponse](t, w)
		assert.Equal(t, "continue", env.Data.Action)
		assert.Equal(t, "alice", env.Data.OperatorID)
		assert.Equal(t, "solved the captcha", env.Data.Comment)
	})

	t.Run("second response is rejected", func(t *testing.T) {
		w := respond(req.ID, `{"action":"abort"}`, context.Background())
		assert.Equal(t, http.StatusConflict, w.Code)
		assert.Equal(t, string(types.ErrAlreadyResolved), decodeEnvelope[any](t, w).Error.Code)
	})

	t.Run("unknown id", func(t *testing.T) {
		w := respond("nope", `{"action":"abort"}`, context.Background())
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestHandoffHandler_Await(t *testing.T) {
	t.Run("resolved", func(t *testing.T) {
		h := NewHandoffHandler(nil, awaitFunc(func(ctx context.Context, id string) (*hitl.HumanResponse, error) {
			return &hitl.HumanResponse{HandoffID: id, Action: "abort"}, nil
		}), time.Second, nil)

		w := httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodGet, "/api/v1/handoffs/h1/await", nil)
		r.SetPathValue("id", "h1")
		h.HandleAwait(w, r)

		require.Equal(t, http.StatusOK, w.Code)
		env := decodeEnvelope[AwaitResult](t, w)
		assert.True(t, env.Data.Resolved)
		assert.Equal(t, "abort", env.Data.Response.Action)
	})

	t.Run("poll timeout is capped and not an error", func(t *testing.T) {
		var got time.Duration
		h := NewHandoffHandler(nil, awaitFunc(func(ctx context.Context, id string) (*hitl.HumanResponse, error) {
			deadline, ok := ctx.Deadline()
			require.True(t, ok)
			got = time.Until(deadline)
			<-ctx.Done()
			return nil, ctx.Err()
		}), 50*time.Millisecond, nil)

		w := httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodGet, "/api/v1/handoffs/h1/await?timeout=10m", nil)
		r.SetPathValue("id", "h1")
		h.HandleAwait(w, r)

		require.Equal(t, http.StatusOK, w.Code)
		assert.LessOrEqual(t, got, 50*time.Millisecond)
		env := decodeEnvelope[AwaitResult](t, w)
		assert.False(t, env.Data.Resolved)
		assert.Nil(t, env.Data.Response)
	})

	t.Run("unknown handoff", func(t *testing.T) {
		h := NewHandoffHandler(nil, awaitFunc(func(ctx context.Context, id string) (*hitl.HumanResponse, error) {
			return nil, &hitl.RegistryError{Code: hitl.CodeNotFound, ID: id}
		}), time.Second, nil)

		w := httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodGet, "/api/v1/handoffs/x/await", nil)
		r.SetPathValue("id", "x")
		h.HandleAwait(w, r)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("bad timeout", func(t *testing.T) {
		h := NewHandoffHandler(nil, nil, time.Second, nil)
		for _, q := range []string{"abc", "-5s", "0"} {
			w := httptest.NewRecorder()
			r := httptest.NewRequest(http.MethodGet, "/api/v1/handoffs/x/await?timeout="+q, nil)
			r.SetPathValue("id", "x")
			h.HandleAwait(w, r)
			assert.Equal(t, http.StatusBadRequest, w.Code, q)
		}
	})
}

func TestParseAwaitTimeout(t *testing.T) {
	d, err := parseAwaitTimeout("", time.Minute)
	require.Nil(t, err)
	assert.Equal(t, time.Minute, d)

	d, err = parseAwaitTimeout("15", time.Minute)
	require.Nil(t, err)
	assert.Equal(t, 15*time.Second, d)

	d, err = parseAwaitTimeout("2m", time.Minute)
	require.Nil(t, err)
	assert.Equal(t, time.Minute, d)
}
