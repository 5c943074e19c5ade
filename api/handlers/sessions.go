package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/BaSui01/handoffd/agent/handoff"
	"github.com/BaSui01/handoffd/types"
)

// SessionManager 是会话处理器依赖的会话操作，*handoff.Manager 实现了它
type SessionManager interface {
	List() []handoff.SessionInfo
	Get(sessionID string) (handoff.SessionInfo, error)
	ForHandoff(handoffID string) (handoff.SessionInfo, bool)
	ServeOperator(ctx context.Context, sessionID string, conn handoff.OperatorConn, operatorID string) error
}

// SessionHandler 提供会话列表与操作员 WebSocket 端点
type SessionHandler struct {
	sessions       SessionManager
	originPatterns []string
	logger         *zap.Logger
}

// NewSessionHandler 创建处理器；originPatterns 为空时只允许同源 WebSocket 连接
func NewSessionHandler(sessions SessionManager, originPatterns []string, logger *zap.Logger) *SessionHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SessionHandler{
		sessions:       sessions,
		originPatterns: originPatterns,
		logger:         logger.With(zap.String("component", "session_handler")),
	}
}

// HandleList 列出会话
// @Summary List handoff sessions
// @Tags session
// @Produce json
// @Success 200 {object} Response{data=[]handoff.SessionInfo}
// @Router /api/v1/sessions [get]
func (h *SessionHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	WriteSuccess(w, h.sessions.List())
}

// HandleGet 返回会话快照；id 也可以是接管请求 ID
// @Summary Get handoff session
// @Tags session
// @Produce json
// @Param id path string true "Session or handoff ID"
// @Success 200 {object} Response{data=handoff.SessionInfo}
// @Router /api/v1/sessions/{id} [get]
func (h *SessionHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	info, err := h.resolve(r.PathValue("id"))
	if err != nil {
		WriteComponentError(w, err, h.logger)
		return
	}
	WriteSuccess(w, info)
}

func (h *SessionHandler) resolve(id string) (handoff.SessionInfo, error) {
	info, err := h.sessions.Get(id)
	if err == nil {
		return info, nil
	}
	if byHandoff, ok := h.sessions.ForHandoff(id); ok {
		return byHandoff, nil
	}
	return handoff.SessionInfo{}, err
}

// HandleOperatorWS 把操作员的 WebSocket 连接接入会话，阻塞到连接结束
// @Summary Operator remote-control channel
// @Tags session
// @Param id path string true "Session or handoff ID"
// @Param token query string false "operator JWT when the Authorization header cannot be set"
// @Router /api/v1/sessions/{id}/ws [get]
func (h *SessionHandler) HandleOperatorWS(w http.ResponseWriter, r *http.Request) {
	info, err := h.resolve(r.PathValue("id"))
	if err != nil {
		WriteComponentError(w, err, h.logger)
		return
	}
	if !info.Active {
		WriteErrorMessage(w, http.StatusGone, types.ErrSessionNotFound, "handoff session is closed", h.logger)
		return
	}

	operatorID, _ := types.OperatorID(r.Context())
	if operatorID == "" {
		operatorID = r.URL.Query().Get("operator")
	}

	// 长连接不受 server.write_timeout / read_timeout 约束
	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})
	_ = rc.SetReadDeadline(time.Time{})

	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.originPatterns})
	if err != nil {
		// Accept 已写出 HTTP 错误
		h.logger.Debug("websocket upgrade failed", zap.String("session_id", info.ID), zap.Error(err))
		return
	}

	conn := handoff.NewWSConn(c, h.logger)
	h.logger.Info("operator connecting",
		zap.String("session_id", info.ID),
		zap.String("handoff_id", info.HandoffID),
		zap.String("operator_id", operatorID))

	if err := h.sessions.ServeOperator(r.Context(), info.ID, conn, operatorID); err != nil {
		h.logger.Debug("operator channel ended", zap.String("session_id", info.ID), zap.Error(err))
		_ = conn.Close("session unavailable")
		return
	}
	_ = conn.Close("session ended")
}
