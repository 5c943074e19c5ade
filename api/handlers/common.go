package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/handoffd/agent/handoff"
	"github.com/BaSui01/handoffd/agent/hitl"
	"github.com/BaSui01/handoffd/types"
)

// maxBodyBytes 限制请求体大小
const maxBodyBytes = 1 << 20

// =============================================================================
// 📦 通用响应结构
// =============================================================================

// Response 统一 API 响应结构
type Response struct {
	Success   bool       `json:"success"`
	Data      any        `json:"data,omitempty"`
	Error     *ErrorInfo `json:"error,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
	RequestID string     `json:"request_id,omitempty"`
}

// ErrorInfo 错误信息结构
type ErrorInfo struct {
	Code       string   `json:"code"`
	Message    string   `json:"message"`
	Details    []string `json:"details,omitempty"`
	Retryable  bool     `json:"retryable,omitempty"`
	HTTPStatus int      `json:"-"`
}

// =============================================================================
// 🎯 响应辅助函数
// =============================================================================

// WriteJSON 写入 JSON 响应
func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)

	// 头已写出，编码失败时无法再改状态码
	_ = json.NewEncoder(w).Encode(data)
}

// WriteSuccess 写入成功响应
func WriteSuccess(w http.ResponseWriter, data any) {
	WriteJSON(w, http.StatusOK, Response{
		Success:   true,
		Data:      data,
		Timestamp: time.Now(),
	})
}

// WriteCreated 写入 201 响应
func WriteCreated(w http.ResponseWriter, data any) {
	WriteJSON(w, http.StatusCreated, Response{
		Success:   true,
		Data:      data,
		Timestamp: time.Now(),
	})
}

// WriteError 写入错误响应（从 types.Error）
func WriteError(w http.ResponseWriter, err *types.Error, logger *zap.Logger) {
	status := err.HTTPStatus
	if status == 0 {
		status = mapErrorCodeToHTTPStatus(err.Code)
	}

	if logger != nil {
		fields := []zap.Field{
			zap.String("code", string(err.Code)),
			zap.String("message", err.Message),
			zap.Int("status", status),
		}
		if err.Cause != nil {
			fields = append(fields, zap.Error(err.Cause))
		}
		// 4xx 是调用方的问题
		if status >= http.StatusInternalServerError {
			logger.Error("API error", fields...)
		} else {
			logger.Debug("API error", fields...)
		}
	}

	WriteJSON(w, status, Response{
		Success: false,
		Error: &ErrorInfo{
			Code:       string(err.Code),
			Message:    err.Message,
			Details:    err.Details,
			Retryable:  err.Retryable,
			HTTPStatus: status,
		},
		Timestamp: time.Now(),
	})
}

// WriteErrorMessage 写入简单错误消息
func WriteErrorMessage(w http.ResponseWriter, status int, code types.ErrorCode, message string, logger *zap.Logger) {
	WriteError(w, types.NewError(code, message).WithHTTPStatus(status), logger)
}

// WriteComponentError 把组件错误映射为 API 错误码后写出
func WriteComponentError(w http.ResponseWriter, err error, logger *zap.Logger) {
	WriteError(w, ToAPIError(err), logger)
}

// ToAPIError 把注册表、会话与上下文错误转换为 types.Error
func ToAPIError(err error) *types.Error {
	var apiErr *types.Error
	if errors.As(err, &apiErr) {
		return apiErr
	}

	var regErr *hitl.RegistryError
	if errors.As(err, &regErr) {
		switch regErr.Code {
		case hitl.CodeNotFound:
			return types.NewError(types.ErrHandoffNotFound, regErr.Error()).
				WithHTTPStatus(http.StatusNotFound)
		case hitl.CodeInvalidAction:
			return types.NewError(types.ErrInvalidAction, regErr.Error()).
				WithHTTPStatus(http.StatusUnprocessableEntity).
				WithDetails(regErr.Allowed...)
		case hitl.CodeAlreadyResolved:
			return types.NewError(types.ErrAlreadyResolved, regErr.Error()).
				WithHTTPStatus(http.StatusConflict)
		}
	}

	var sessErr *handoff.SessionError
	if errors.As(err, &sessErr) {
		switch sessErr.Code {
		case handoff.CodeSessionNotFound:
			return types.NewError(types.ErrSessionNotFound, sessErr.Error()).
				WithHTTPStatus(http.StatusNotFound)
		case handoff.CodeOperatorConflict:
			return types.NewError(types.ErrOperatorConflict, sessErr.Error()).
				WithHTTPStatus(http.StatusConflict)
		}
	}

	var transErr *handoff.TransportError
	if errors.As(err, &transErr) {
		return types.NewError(types.ErrTransport, transErr.Error()).
			WithHTTPStatus(http.StatusBadGateway).
			WithRetryable(true)
	}

	switch {
	case errors.Is(err, hitl.ErrReleased):
		return types.NewError(types.ErrRunNotFound, err.Error()).
			WithHTTPStatus(http.StatusGone)
	case errors.Is(err, context.DeadlineExceeded):
		return types.NewError(types.ErrTimeout, "timed out waiting for a human response").
			WithHTTPStatus(http.StatusRequestTimeout).
			WithRetryable(true)
	case errors.Is(err, context.Canceled):
		return types.NewError(types.ErrServiceUnavailable, "request cancelled").
			WithHTTPStatus(http.StatusServiceUnavailable)
	}

	return types.NewError(types.ErrInternalError, "internal error").
		WithCause(err).
		WithHTTPStatus(http.StatusInternalServerError)
}

// =============================================================================
// 🔄 错误码到 HTTP 状态码映射
// =============================================================================

func mapErrorCodeToHTTPStatus(code types.ErrorCode) int {
	switch code {
	case types.ErrInvalidRequest:
		return http.StatusBadRequest
	case types.ErrUnauthorized:
		return http.StatusUnauthorized
	case types.ErrForbidden:
		return http.StatusForbidden
	case types.ErrHandoffNotFound, types.ErrSessionNotFound, types.ErrRunNotFound:
		return http.StatusNotFound
	case types.ErrConflict, types.ErrAlreadyResolved, types.ErrOperatorConflict:
		return http.StatusConflict
	case types.ErrInvalidAction:
		return http.StatusUnprocessableEntity
	case types.ErrRateLimited:
		return http.StatusTooManyRequests
	case types.ErrTimeout:
		return http.StatusGatewayTimeout
	case types.ErrTransport:
		return http.StatusBadGateway
	case types.ErrServiceUnavailable, types.ErrBrowserUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// =============================================================================
// 🛡️ 请求验证辅助函数
// =============================================================================

// DecodeJSONBody 解码 JSON 请求体；失败时已写出错误响应
func DecodeJSONBody(w http.ResponseWriter, r *http.Request, dst any, logger *zap.Logger) error {
	if r.Body == nil || r.Body == http.NoBody {
		err := types.NewError(types.ErrInvalidRequest, "request body is empty").WithHTTPStatus(http.StatusBadRequest)
		WriteError(w, err, logger)
		return err
	}

	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	decoder.DisallowUnknownFields()

	if err := decoder.Decode(dst); err != nil {
		apiErr := types.NewError(types.ErrInvalidRequest, "invalid JSON body").
			WithCause(err).
			WithHTTPStatus(http.StatusBadRequest)
		WriteError(w, apiErr, logger)
		return apiErr
	}
	return nil
}

// ValidateContentType 验证 Content-Type
func ValidateContentType(w http.ResponseWriter, r *http.Request, logger *zap.Logger) bool {
	ct := strings.ToLower(strings.TrimSpace(r.Header.Get("Content-Type")))
	if ct != "application/json" && !strings.HasPrefix(ct, "application/json;") {
		err := types.NewError(types.ErrInvalidRequest, "Content-Type must be application/json").
			WithHTTPStatus(http.StatusUnsupportedMediaType)
		WriteError(w, err, logger)
		return false
	}
	return true
}
