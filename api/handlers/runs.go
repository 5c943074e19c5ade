package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/BaSui01/handoffd/agent/browser"
	"github.com/BaSui01/handoffd/agent/escalation"
	"github.com/BaSui01/handoffd/agent/supervisor"
	"github.com/BaSui01/handoffd/types"
)

// =============================================================================
// 🤖 Automation Run Handler
// =============================================================================

// RunService 是运行 API 依赖的调用方操作，*supervisor.Supervisor 实现了它
type RunService interface {
	StartRun(ctx context.Context, opts supervisor.RunOptions) (supervisor.RunInfo, escalation.Decision, error)
	Escalate(ctx context.Context, runID string, attempt *escalation.Attempt) (escalation.Decision, error)
	RecordSuccess(ctx context.Context, runID string, attempt *escalation.Attempt) (escalation.AttemptRecord, error)
	Resume(ctx context.Context, runID, handoffID, action string) (escalation.Decision, error)
	FinishRun(ctx context.Context, runID string) error
	AbortRun(ctx context.Context, runID, reason string) error
	Get(runID string) (supervisor.RunInfo, error)
	List() []supervisor.RunInfo
}

// ControlOpener 为远程运行提供浏览器控制句柄，*browser.Controls 实现了它
type ControlOpener interface {
	Attach(ctx context.Context, wsURL, targetID string) (browser.ControlHandle, error)
	Launch(ctx context.Context) (browser.ControlHandle, error)
}

// RunHandler 通过 HTTP 暴露自动化运行的调用方接口
type RunHandler struct {
	runs     RunService
	controls ControlOpener
	logger   *zap.Logger
}

// StartRunRequest 是 POST /api/v1/runs 的请求体
type StartRunRequest struct {
	ID          string `json:"id,omitempty"`
	Description string `json:"description"`
	RetryBudget int    `json:"retry_budget,omitempty"`
	// DevToolsURL 是自动化运行所用浏览器的 DevTools WebSocket 地址
	DevToolsURL string `json:"devtools_url,omitempty"`
	TargetID    string `json:"target_id,omitempty"`
	// LaunchBrowser 从本地浏览器池借出一个浏览器
	LaunchBrowser bool              `json:"launch_browser,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// AttemptRequest 描述一次尝试的结果
type AttemptRequest struct {
	Error    string               `json:"error,omitempty"`
	URL      string               `json:"url,omitempty"`
	Strategy *escalation.Strategy `json:"strategy,omitempty"`
}

// ResumeRequest 把已记录的人工响应交还给运行。响应只来自注册表；
// Action 非空时仅用于确认，与记录不一致返回 409
type ResumeRequest struct {
	HandoffID string `json:"handoff_id"`
	Action    string `json:"action,omitempty"`
}

// RunDecision 是启动、提交尝试与恢复接口的响应
type RunDecision struct {
	Run      *supervisor.RunInfo `json:"run,omitempty"`
	RunID    string              `json:"run_id"`
	Decision escalation.Decision `json:"decision"`
}

// NewRunHandler 创建处理器；controls 为 nil 时不支持浏览器接管
func NewRunHandler(runs RunService, controls ControlOpener, logger *zap.Logger) *RunHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RunHandler{
		runs:     runs,
		controls: controls,
		logger:   logger.With(zap.String("component", "run_handler")),
	}
}

// HandleStart 注册一个运行并返回第 0 次尝试的策略
// @Summary Start automation run
// @Tags run
// @Accept json
// @Produce json
// @Param body body StartRunRequest true "run"
// @Success 201 {object} Response{data=RunDecision}
// @Router /api/v1/runs [post]
func (h *RunHandler) HandleStart(w http.ResponseWriter, r *http.Request) {
	if !ValidateContentType(w, r, h.logger) {
		return
	}
	var body StartRunRequest
	if err := DecodeJSONBody(w, r, &body, h.logger); err != nil {
		return
	}
	if strings.TrimSpace(body.Description) == "" {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "description is required", h.logger)
		return
	}
	if body.RetryBudget < 0 {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "retry_budget must not be negative", h.logger)
		return
	}

	control, err := h.openControl(r.Context(), body)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}

	info, d, serr := h.runs.StartRun(r.Context(), supervisor.RunOptions{
		ID:           body.ID,
		Description:  body.Description,
		RetryBudget:  body.RetryBudget,
		Control:      control,
		CloseControl: control != nil,
		Metadata:     body.Metadata,
	})
	if serr != nil {
		if control != nil {
			_ = control.Close()
		}
		WriteComponentError(w, serr, h.logger)
		return
	}
	WriteCreated(w, RunDecision{Run: &info, RunID: info.ID, Decision: d})
}

func (h *RunHandler) openControl(ctx context.Context, body StartRunRequest) (browser.ControlHandle, *types.Error) {
	if body.DevToolsURL == "" && !body.LaunchBrowser {
		return nil, nil
	}
	if body.DevToolsURL != "" && body.LaunchBrowser {
		return nil, types.NewError(types.ErrInvalidRequest, "devtools_url and launch_browser are mutually exclusive").
			WithHTTPStatus(http.StatusBadRequest)
	}
	if h.controls == nil {
		return nil, types.NewError(types.ErrBrowserUnavailable, "browser control is not available").
			WithHTTPStatus(http.StatusServiceUnavailable)
	}

	var (
		control browser.ControlHandle
		err     error
	)
	if body.DevToolsURL != "" {
		if !strings.HasPrefix(body.DevToolsURL, "ws://") && !strings.HasPrefix(body.DevToolsURL, "wss://") {
			return nil, types.NewError(types.ErrInvalidRequest, "devtools_url must be a ws:// or wss:// URL").
				WithHTTPStatus(http.StatusBadRequest)
		}
		control, err = h.controls.Attach(ctx, body.DevToolsURL, body.TargetID)
	} else {
		control, err = h.controls.Launch(ctx)
	}
	if err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, browser.ErrNoPool) {
			status = http.StatusServiceUnavailable
		}
		return nil, types.NewError(types.ErrBrowserUnavailable, fmt.Sprintf("failed to open browser: %v", err)).
			WithCause(err).
			WithHTTPStatus(status).
			WithRetryable(true)
	}
	return control, nil
}

// HandleList 列出运行
// @Summary List runs
// @Tags run
// @Produce json
// @Success 200 {object} Response{data=[]supervisor.RunInfo}
// @Router /api/v1/runs [get]
func (h *RunHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	WriteSuccess(w, h.runs.List())
}

// HandleGet 返回运行快照
// @Summary Get run
// @Tags run
// @Produce json
// @Param id path string true "Run ID"
// @Success 200 {object} Response{data=supervisor.RunInfo}
// @Router /api/v1/runs/{id} [get]
func (h *RunHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	info, err := h.runs.Get(r.PathValue("id"))
	if err != nil {
		WriteComponentError(w, err, h.logger)
		return
	}
	WriteSuccess(w, info)
}

func (h *RunHandler) decodeAttempt(w http.ResponseWriter, r *http.Request) (*escalation.Attempt, bool) {
	if !ValidateContentType(w, r, h.logger) {
		return nil, false
	}
	var body AttemptRequest
	if err := DecodeJSONBody(w, r, &body, h.logger); err != nil {
		return nil, false
	}
	return &escalation.Attempt{
		Strategy:  body.Strategy,
		ErrorText: body.Error,
		URL:       body.URL,
	}, true
}

// HandleAttempt 提交一次失败的尝试，返回下一步决策
// @Summary Report failed attempt
// @Tags run
// @Accept json
// @Produce json
// @Param id path string true "Run ID"
// @Param body body AttemptRequest true "attempt"
// @Success 200 {object} Response{data=RunDecision}
// @Router /api/v1/runs/{id}/attempts [post]
func (h *RunHandler) HandleAttempt(w http.ResponseWriter, r *http.Request) {
	attempt, ok := h.decodeAttempt(w, r)
	if !ok {
		return
	}
	id := r.PathValue("id")
	d, err := h.runs.Escalate(r.Context(), id, attempt)
	if err != nil {
		WriteComponentError(w, err, h.logger)
		return
	}
	WriteSuccess(w, RunDecision{RunID: id, Decision: d})
}

// HandleSuccess 记录一次成功的尝试
// @Summary Report successful attempt
// @Tags run
// @Accept json
// @Produce json
// @Param id path string true "Run ID"
// @Success 200 {object} Response{data=escalation.AttemptRecord}
// @Router /api/v1/runs/{id}/successes [post]
func (h *RunHandler) HandleSuccess(w http.ResponseWriter, r *http.Request) {
	attempt, ok := h.decodeAttempt(w, r)
	if !ok {
		return
	}
	rec, err := h.runs.RecordSuccess(r.Context(), r.PathValue("id"), attempt)
	if err != nil {
		WriteComponentError(w, err, h.logger)
		return
	}
	WriteSuccess(w, rec)
}

// HandleResume 把注册表中已记录的人工响应交给运行
// @Summary Resume run after handoff
// @Tags run
// @Accept json
// @Produce json
// @Param id path string true "Run ID"
// @Param body body ResumeRequest true "handoff response"
// @Success 200 {object} Response{data=RunDecision}
// @Router /api/v1/runs/{id}/resume [post]
func (h *RunHandler) HandleResume(w http.ResponseWriter, r *http.Request) {
	if !ValidateContentType(w, r, h.logger) {
		return
	}
	var body ResumeRequest
	if err := DecodeJSONBody(w, r, &body, h.logger); err != nil {
		return
	}
	if body.HandoffID == "" {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "handoff_id is required", h.logger)
		return
	}

	id := r.PathValue("id")
	d, err := h.runs.Resume(r.Context(), id, body.HandoffID, body.Action)
	if err != nil {
		WriteComponentError(w, err, h.logger)
		return
	}
	WriteSuccess(w, RunDecision{RunID: id, Decision: d})
}

// HandleDelete 结束运行；outcome=completed 表示任务成功，否则中止
// @Summary End run
// @Tags run
// @Param id path string true "Run ID"
// @Param outcome query string false "completed | aborted"
// @Param reason query string false "abort reason"
// @Success 200 {object} Response
// @Router /api/v1/runs/{id} [delete]
func (h *RunHandler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	q := r.URL.Query()

	var err error
	outcome := q.Get("outcome")
	switch outcome {
	case "completed":
		err = h.runs.FinishRun(r.Context(), id)
	case "", "aborted":
		outcome = "aborted"
		reason := q.Get("reason")
		if reason == "" {
			reason = "aborted by caller"
		}
		err = h.runs.AbortRun(r.Context(), id, reason)
	default:
		WriteError(w, types.NewError(types.ErrInvalidRequest, "invalid outcome").
			WithHTTPStatus(http.StatusBadRequest).
			WithDetails("completed", "aborted"), h.logger)
		return
	}
	if err != nil {
		WriteComponentError(w, err, h.logger)
		return
	}
	WriteSuccess(w, map[string]string{"run_id": id, "outcome": outcome})
}
