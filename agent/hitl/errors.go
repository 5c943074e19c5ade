package hitl

import (
	"errors"
	"fmt"
	"strings"
)

// RegistryErrorCode 注册表错误码.
type RegistryErrorCode string

const (
	CodeNotFound        RegistryErrorCode = "not_found"
	CodeInvalidAction   RegistryErrorCode = "invalid_action"
	CodeAlreadyResolved RegistryErrorCode = "already_resolved"
)

// RegistryError 返回给响应方，不影响其他请求.
type RegistryError struct {
	Code    RegistryErrorCode
	ID      string
	Action  string
	Allowed []string
	Status  Status
}

func (e *RegistryError) Error() string {
	switch e.Code {
	case CodeNotFound:
		return fmt.Sprintf("handoff request %s not found", e.ID)
	case CodeInvalidAction:
		return fmt.Sprintf("action %q not allowed for handoff request %s; allowed: %s",
			e.Action, e.ID, strings.Join(e.Allowed, ", "))
	case CodeAlreadyResolved:
		return fmt.Sprintf("handoff request %s already %s", e.ID, e.Status)
	}
	return fmt.Sprintf("handoff request %s: %s", e.ID, e.Code)
}

// Is matches any RegistryError with the same code.
func (e *RegistryError) Is(target error) bool {
	t, ok := target.(*RegistryError)
	return ok && t.Code == e.Code
}

// 哨兵错误，配合 errors.Is 使用.
var (
	ErrNotFound        = &RegistryError{Code: CodeNotFound}
	ErrInvalidAction   = &RegistryError{Code: CodeInvalidAction}
	ErrAlreadyResolved = &RegistryError{Code: CodeAlreadyResolved}
)

// IsNotFound reports whether err is a not-found registry error.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsInvalidAction reports whether err is an invalid-action registry error.
func IsInvalidAction(err error) bool { return errors.Is(err, ErrInvalidAction) }

// IsAlreadyResolved reports whether err is an already-resolved registry error.
func IsAlreadyResolved(err error) bool { return errors.Is(err, ErrAlreadyResolved) }

// ErrReleased 表示等待的请求在终态前被释放（运行被终止）。
var ErrReleased = errors.New("handoff request released before resolution")
