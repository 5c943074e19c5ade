package escalation

import (
	"fmt"
	"strings"
	"time"
)

// ErrorClass 是失败分类的封闭枚举.
type ErrorClass string

const (
	ClassCaptcha          ErrorClass = "captcha"
	ClassTwoFactor        ErrorClass = "two_factor"
	ClassSelectorNotFound ErrorClass = "selector_not_found"
	ClassTimeout          ErrorClass = "timeout"
	ClassNetworkError     ErrorClass = "network_error"
	ClassPermissionError  ErrorClass = "permission_error"
	ClassUnknown          ErrorClass = "unknown"
)

// Classes lists every classification in a stable order.
var Classes = []ErrorClass{
	ClassCaptcha, ClassTwoFactor, ClassSelectorNotFound, ClassTimeout,
	ClassNetworkError, ClassPermissionError, ClassUnknown,
}

// RequiresHuman reports whether retrying can never clear the failure.
func (c ErrorClass) RequiresHuman() bool {
	return c == ClassCaptcha || c == ClassTwoFactor
}

// Urgency 是人工接管请求的优先级/超时档位.
type Urgency string

const (
	UrgencyNormal Urgency = "normal"
	UrgencyHigh   Urgency = "high"
	UrgencyUrgent Urgency = "urgent"
)

// Valid reports whether u is one of the known urgencies.
func (u Urgency) Valid() bool {
	switch u {
	case UrgencyNormal, UrgencyHigh, UrgencyUrgent:
		return true
	}
	return false
}

// Rank orders urgencies, urgent first.
func (u Urgency) Rank() int {
	switch u {
	case UrgencyUrgent:
		return 0
	case UrgencyHigh:
		return 1
	default:
		return 2
	}
}

// ParseUrgency parses s, falling back to normal for unknown values.
func ParseUrgency(s string) Urgency {
	u := Urgency(strings.ToLower(strings.TrimSpace(s)))
	if u.Valid() {
		return u
	}
	return UrgencyNormal
}

// 人工可选动作.
const (
	OptionContinue           = "continue"
	OptionModifyApproach     = "modify_approach"
	OptionAbort              = "abort"
	OptionManualIntervention = "manual_intervention"
	OptionChangeStrategy     = "change_strategy"
	OptionAbortTask          = "abort_task"

	// ResolutionExpired 是请求超时后的合成响应动作。
	ResolutionExpired = "expired"
)

var (
	exhaustedOptions    = []string{OptionManualIntervention, OptionChangeStrategy, OptionAbortTask}
	obstructionOptions  = []string{OptionContinue, OptionAbort}
	unclassifiedOptions = []string{OptionContinue, OptionModifyApproach, OptionAbort}
)

// Outcome 是一次尝试的结果.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// AttemptRecord 是一次自动化尝试的不可变记录.
type AttemptRecord struct {
	Sequence       int        `json:"sequence"`
	Strategy       string     `json:"strategy"`
	Model          string     `json:"model"`
	Timestamp      time.Time  `json:"timestamp"`
	Outcome        Outcome    `json:"outcome"`
	Classification ErrorClass `json:"classification,omitempty"`
	Confidence     float64    `json:"confidence"`
	Error          string     `json:"error,omitempty"`
}

// Attempt 是调用方提交的一次尝试结果.
type Attempt struct {
	// Strategy 为空时使用引擎当前下发的策略。
	Strategy  *Strategy
	ErrorText string
	Err       error
	URL       string
}

func (a *Attempt) failureText() string {
	if a == nil {
		return ""
	}
	if t := strings.TrimSpace(a.ErrorText); t != "" {
		return t
	}
	if a.Err != nil {
		return strings.TrimSpace(a.Err.Error())
	}
	return ""
}

// Task 描述一个自动化任务.
type Task struct {
	ID          string `json:"id"`
	Description string `json:"description"`
	// RetryBudget 是人工请求超时后仍允许自动重试的次数。
	RetryBudget int `json:"retry_budget"`
}

// DecisionKind 决策类型.
type DecisionKind string

const (
	DecisionRetry    DecisionKind = "retry"
	DecisionEscalate DecisionKind = "escalate"
	DecisionAbort    DecisionKind = "abort"
)

// Decision 是引擎对一次尝试的裁决。Retry 携带 Strategy；Escalate 携带
// Reason、Options、Urgency，以及升级处理器创建的 HandoffID；Abort 只有 Reason。
type Decision struct {
	Kind           DecisionKind `json:"kind"`
	Strategy       *Strategy    `json:"strategy,omitempty"`
	Reason         string       `json:"reason,omitempty"`
	Urgency        Urgency      `json:"urgency,omitempty"`
	Options        []string     `json:"options,omitempty"`
	Classification ErrorClass   `json:"classification,omitempty"`
	HandoffID      string       `json:"handoff_id,omitempty"`
	Sequence       int          `json:"sequence"`
}

func (d Decision) String() string {
	switch d.Kind {
	case DecisionRetry:
		if d.Strategy != nil {
			return fmt.Sprintf("retry(%s)", d.Strategy.Name)
		}
		return "retry"
	case DecisionEscalate:
		return fmt.Sprintf("escalate(%s, %s)", d.Urgency, d.Reason)
	default:
		return fmt.Sprintf("abort(%s)", d.Reason)
	}
}

// Retry 构造重试决策.
func Retry(s Strategy) Decision {
	return Decision{Kind: DecisionRetry, Strategy: &s}
}

// Abort 构造终止决策.
func Abort(reason string) Decision {
	return Decision{Kind: DecisionAbort, Reason: reason}
}

func escalate(reason string, urgency Urgency, options []string, class ErrorClass) Decision {
	return Decision{
		Kind:           DecisionEscalate,
		Reason:         reason,
		Urgency:        urgency,
		Options:        append([]string(nil), options...),
		Classification: class,
	}
}
