package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/handoffd/agent/escalation"
	"github.com/BaSui01/handoffd/agent/hitl"
	"github.com/BaSui01/handoffd/types"
)

// =============================================================================
// 🙋 Handoff Request Handler
// =============================================================================

// HandoffRegistry 是处理器需要的注册表操作，*hitl.Registry 实现了它
type HandoffRegistry interface {
	Get(ctx context.Context, id string) (*hitl.Request, error)
	List(ctx context.Context, filter hitl.Filter) ([]*hitl.Request, error)
	Respond(ctx context.Context, id, action, comment, operatorID string) (*hitl.HumanResponse, error)
}

// HumanResponseAwaiter 阻塞等待人工响应，*supervisor.Supervisor 实现了它
type HumanResponseAwaiter interface {
	AwaitHumanResponse(ctx context.Context, handoffID string) (*hitl.HumanResponse, error)
}

// HandoffHandler 处理接管请求的查询、长轮询与人工响应
type HandoffHandler struct {
	registry HandoffRegistry
	awaiter  HumanResponseAwaiter
	maxAwait time.Duration
	logger   *zap.Logger
}

// RespondRequest 是 POST /api/v1/handoffs/{id}/respond 的请求体
type RespondRequest struct {
	Action  string `json:"action"`
	Comment string `json:"comment,omitempty"`
}

// AwaitResult 是长轮询结果；Resolved 为 false 表示本次轮询超时，请求仍在等待
type AwaitResult struct {
	HandoffID string              `json:"handoff_id"`
	Resolved  bool                `json:"resolved"`
	Response  *hitl.HumanResponse `json:"response,omitempty"`
}

// NewHandoffHandler 创建处理器；maxAwait 限制单次长轮询时长
func NewHandoffHandler(registry HandoffRegistry, awaiter HumanResponseAwaiter, maxAwait time.Duration, logger *zap.Logger) *HandoffHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxAwait <= 0 {
		maxAwait = 60 * time.Second
	}
	return &HandoffHandler{
		registry: registry,
		awaiter:  awaiter,
		maxAwait: maxAwait,
		logger:   logger.With(zap.String("component", "handoff_handler")),
	}
}

// HandleList 列出接管请求，默认只返回 waiting
// @Summary List handoff requests
// @Tags handoff
// @Produce json
// @Param status query string false "waiting | responded | expired | all"
// @Param urgency query string false "normal | high | urgent"
// @Param run_id query string false "owning run"
// @Success 200 {object} Response{data=[]hitl.Request}
// @Router /api/v1/handoffs [get]
func (h *HandoffHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	filter, err := parseHandoffFilter(r)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}

	reqs, lerr := h.registry.List(r.Context(), filter)
	if lerr != nil {
		WriteComponentError(w, lerr, h.logger)
		return
	}
	if reqs == nil {
		reqs = []*hitl.Request{}
	}
	WriteSuccess(w, reqs)
}

func parseHandoffFilter(r *http.Request) (hitl.Filter, *types.Error) {
	q := r.URL.Query()
	filter := hitl.Filter{Status: hitl.StatusWaiting, RunID: q.Get("run_id")}

	switch status := strings.ToLower(q.Get("status")); status {
	case "":
	case "all":
		filter.Status = ""
	case string(hitl.StatusWaiting), string(hitl.StatusResponded), string(hitl.StatusExpired):
		filter.Status = hitl.Status(status)
	default:
		return filter, types.NewError(types.ErrInvalidRequest, "invalid status filter").
			WithHTTPStatus(http.StatusBadRequest).
			WithDetails("waiting", "responded", "expired", "all")
	}

	if u := q.Get("urgency"); u != "" {
		urgency := escalation.Urgency(strings.ToLower(u))
		if !urgency.Valid() {
			return filter, types.NewError(types.ErrInvalidRequest, "invalid urgency filter").
				WithHTTPStatus(http.StatusBadRequest).
				WithDetails(string(escalation.UrgencyNormal), string(escalation.UrgencyHigh), string(escalation.UrgencyUrgent))
		}
		filter.Urgency = urgency
	}
	return filter, nil
}

// HandleGet 返回单个接管请求
// @Summary Get handoff request
// @Tags handoff
// @Produce json
// @Param id path string true "Handoff ID"
// @Success 200 {object} Response{data=hitl.Request}
// @Failure 404 {object} Response
// @Router /api/v1/handoffs/{id} [get]
func (h *HandoffHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	req, err := h.registry.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteComponentError(w, err, h.logger)
		return
	}
	WriteSuccess(w, req)
}

// HandleAwait 长轮询等待人工响应
// @Summary Await human response
// @Tags handoff
// @Produce json
// @Param id path string true "Handoff ID"
// @Param timeout query string false "e.g. 30s; capped by handoff.max_await"
// @Success 200 {object} Response{data=AwaitResult}
// @Router /api/v1/handoffs/{id}/await [get]
func (h *HandoffHandler) HandleAwait(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	timeout, perr := parseAwaitTimeout(r.URL.Query().Get("timeout"), h.maxAwait)
	if perr != nil {
		WriteError(w, perr, h.logger)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	resp, err := h.awaiter.AwaitHumanResponse(ctx, id)
	if err != nil {
		// 本次轮询到时，请求仍在等待
		if errors.Is(err, context.DeadlineExceeded) && r.Context().Err() == nil {
			WriteSuccess(w, AwaitResult{HandoffID: id})
			return
		}
		WriteComponentError(w, err, h.logger)
		return
	}
	WriteSuccess(w, AwaitResult{HandoffID: id, Resolved: true, Response: resp})
}

func parseAwaitTimeout(raw string, max time.Duration) (time.Duration, *types.Error) {
	if raw == "" {
		return max, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		// 允许纯秒数
		secs, serr := strconv.Atoi(raw)
		if serr != nil {
			return 0, types.NewError(types.ErrInvalidRequest, "invalid timeout").WithHTTPStatus(http.StatusBadRequest)
		}
		d = time.Duration(secs) * time.Second
	}
	if d <= 0 {
		return 0, types.NewError(types.ErrInvalidRequest, "timeout must be positive").WithHTTPStatus(http.StatusBadRequest)
	}
	return min(d, max), nil
}

// HandleRespond 记录人工响应
// @Summary Respond to handoff request
// @Tags handoff
// @Accept json
// @Produce json
// @Param id path string true "Handoff ID"
// @Param body body RespondRequest true "action and comment"
// @Success 200 {object} Response{data=hitl.HumanResponse}
// @Failure 404 {object} Response "unknown handoff"
// @Failure 409 {object} Response "already resolved"
// @Failure 422 {object} Response "action not allowed; details list the allowed options"
// @Security BearerAuth
// @Router /api/v1/handoffs/{id}/respond [post]
func (h *HandoffHandler) HandleRespond(w http.ResponseWriter, r *http.Request) {
	if !ValidateContentType(w, r, h.logger) {
		return
	}
	var body RespondRequest
	if err := DecodeJSONBody(w, r, &body, h.logger); err != nil {
		return
	}
	body.Action = strings.TrimSpace(body.Action)
	if body.Action == "" {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "action is required", h.logger)
		return
	}

	id := r.PathValue("id")
	operatorID, _ := types.OperatorID(r.Context())
	resp, err := h.registry.Respond(r.Context(), id, body.Action, body.Comment, operatorID)
	if err != nil {
		WriteComponentError(w, err, h.logger)
		return
	}

	h.logger.Info("handoff responded",
		zap.String("handoff_id", id),
		zap.String("action", resp.Action),
		zap.String("operator_id", operatorID))
	WriteSuccess(w, resp)
}
