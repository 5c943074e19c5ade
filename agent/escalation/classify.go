package escalation

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ClassificationError 表示失败文本无法识别；分类降级为 unknown，从不致命.
type ClassificationError struct {
	Text string
}

func (e *ClassificationError) Error() string {
	return fmt.Sprintf("unrecognized failure: %q", truncate(e.Text, 80))
}

type classRule struct {
	class   ErrorClass
	pattern *regexp.Regexp
}

// 规则按顺序匹配，第一条命中即返回，保证分类确定性。
// captcha / two_factor 在前：页面上的人机验证常伴随超时或选择器失败。
var classRules = []classRule{
	{ClassCaptcha, regexp.MustCompile(`captcha|recaptcha|hcaptcha|turnstile|not a robot|are you (a )?human|verify (that )?you are (a )?human|bot detection|cloudflare challenge`)},
	{ClassTwoFactor, regexp.MustCompile(`two[- ]factor|2fa|\bmfa\b|multi[- ]factor|one[- ]time (pass(word|code)|code)|\botp\b|verification code|security code|authenticator`)},
	{ClassPermissionError, regexp.MustCompile(`permission denied|access denied|forbidden|unauthori[sz]ed|not allowed|\b40[13]\b|login required|authentication required`)},
	{ClassTimeout, regexp.MustCompile(`timeout|timed out|deadline exceeded|took too long`)},
	{ClassNetworkError, regexp.MustCompile(`net::err_|network|connection (refused|reset|closed|aborted)|econnrefused|econnreset|no such host|dns|unreachable|\beof\b|tls handshake|ssl`)},
	{ClassSelectorNotFound, regexp.MustCompile(`selector|element not found|no such element|could not find (the )?element|unable to locate|not (visible|interactable|clickable)|no node|node not found|detached from (the )?dom|stale element`)},
}

// Classify 从失败文本确定性地推导分类。无法识别的非空文本返回
// ClassUnknown 与 *ClassificationError。
func Classify(text string) (ErrorClass, error) {
	lower := strings.ToLower(strings.TrimSpace(text))
	if lower == "" {
		return ClassUnknown, &ClassificationError{Text: text}
	}
	for _, r := range classRules {
		if r.pattern.MatchString(lower) {
			return r.class, nil
		}
	}
	return ClassUnknown, &ClassificationError{Text: text}
}

// ClassifyAttempt 优先使用错误链上的已知哨兵，再回退到文本匹配.
func ClassifyAttempt(a *Attempt) (ErrorClass, error) {
	if a != nil && a.Err != nil && a.ErrorText == "" {
		if errors.Is(a.Err, context.DeadlineExceeded) {
			return ClassTimeout, nil
		}
	}
	return Classify(a.failureText())
}

// signature 是一次失败的简短特征，供 alternative 提示变体规避。
func signature(class ErrorClass, text string) string {
	line := text
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = line[:i]
	}
	return fmt.Sprintf("%s: %s", class, truncate(strings.TrimSpace(line), 120))
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
