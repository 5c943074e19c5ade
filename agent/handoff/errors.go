package handoff

import (
	"errors"
	"fmt"
)

// SessionErrorCode 会话错误码.
type SessionErrorCode string

const (
	CodeSessionNotFound  SessionErrorCode = "session_not_found"
	CodeOperatorConflict SessionErrorCode = "operator_conflict"
)

// SessionError 会话级错误，只影响所在会话.
type SessionError struct {
	Code      SessionErrorCode
	SessionID string
	Detail    string
}

func (e *SessionError) Error() string {
	switch e.Code {
	case CodeSessionNotFound:
		return fmt.Sprintf("handoff session %s not found", e.SessionID)
	case CodeOperatorConflict:
		if e.Detail != "" {
			return fmt.Sprintf("handoff session %s: %s", e.SessionID, e.Detail)
		}
		return fmt.Sprintf("handoff session %s: operator conflict", e.SessionID)
	default:
		return fmt.Sprintf("handoff session %s: %s", e.SessionID, e.Code)
	}
}

// Is 按错误码匹配.
func (e *SessionError) Is(target error) bool {
	t, ok := target.(*SessionError)
	return ok && t.Code == e.Code
}

var (
	ErrSessionNotFound  = &SessionError{Code: CodeSessionNotFound}
	ErrOperatorConflict = &SessionError{Code: CodeOperatorConflict}
)

// IsSessionNotFound reports whether err is a not-found session error.
func IsSessionNotFound(err error) bool { return errors.Is(err, ErrSessionNotFound) }

// IsOperatorConflict reports whether err is an operator conflict.
func IsOperatorConflict(err error) bool { return errors.Is(err, ErrOperatorConflict) }

// TransportError 帧推送或事件转发失败；在会话内处理，不会传给自动化运行.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ErrConnClosed 表示操作员连接已关闭.
var ErrConnClosed = errors.New("operator connection closed")
