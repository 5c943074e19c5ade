package handlers

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/handoffd/agent/browser"
	"github.com/BaSui01/handoffd/agent/escalation"
	"github.com/BaSui01/handoffd/agent/hitl"
	"github.com/BaSui01/handoffd/agent/supervisor"
)

// stubControl 记录调用的浏览器控制句柄
type stubControl struct {
	mu     sync.Mutex
	calls  []string
	closed bool
}

func (s *stubControl) record(c string) {
	s.mu.Lock()
	s.calls = append(s.calls, c)
	s.mu.Unlock()
}

func (s *stubControl) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

func (s *stubControl) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *stubControl) CaptureFrame(context.Context) ([]byte, error) { return []byte{0xff, 0xd8}, nil }
func (s *stubControl) Click(_ context.Context, x, y int) error {
	s.record(fmt.Sprintf("click %d %d", x, y))
	return nil
}
func (s *stubControl) MoveMouse(_ context.Context, x, y int) error {
	s.record(fmt.Sprintf("move %d %d", x, y))
	return nil
}
func (s *stubControl) TypeText(_ context.Context, text string) error {
	s.record("type " + text)
	return nil
}
func (s *stubControl) PressKey(_ context.Context, key string) error {
	s.record("key " + key)
	return nil
}
func (s *stubControl) Scroll(_ context.Context, dy int) error {
	s.record(fmt.Sprintf("scroll %d", dy))
	return nil
}
func (s *stubControl) Navigate(_ context.Context, url string) error {
	s.record("navigate " + url)
	return nil
}
func (s *stubControl) GoBack(context.Context) error    { s.record("back"); return nil }
func (s *stubControl) GoForward(context.Context) error { s.record("forward"); return nil }
func (s *stubControl) Reload(context.Context) error    { s.record("reload"); return nil }
func (s *stubControl) CurrentURL(context.Context) (string, error) {
	return "https://example.com/login", nil
}
func (s *stubControl) CurrentTitle(context.Context) (string, error) { return "Sign in", nil }
func (s *stubControl) Viewport() browser.Viewport {
	return browser.Viewport{Width: 1280, Height: 720}
}
func (s *stubControl) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// fakeRunService 用函数字段替换 RunService 的各个方法
type fakeRunService struct {
	startFn    func(ctx context.Context, opts supervisor.RunOptions) (supervisor.RunInfo, escalation.Decision, error)
	escalateFn func(ctx context.Context, runID string, a *escalation.Attempt) (escalation.Decision, error)
	successFn  func(ctx context.Context, runID string, a *escalation.Attempt) (escalation.AttemptRecord, error)
	resumeFn   func(ctx context.Context, runID, handoffID, action string) (escalation.Decision, error)
	finishFn   func(ctx context.Context, runID string) error
	abortFn    func(ctx context.Context, runID, reason string) error
	getFn      func(runID string) (supervisor.RunInfo, error)
	listFn     func() []supervisor.RunInfo
}

func (f *fakeRunService) StartRun(ctx context.Context, opts supervisor.RunOptions) (supervisor.RunInfo, escalation.Decision, error) {
	return f.startFn(ctx, opts)
}
func (f *fakeRunService) Escalate(ctx context.Context, runID string, a *escalation.Attempt) (escalation.Decision, error) {
	return f.escalateFn(ctx, runID, a)
}
func (f *fakeRunService) RecordSuccess(ctx context.Context, runID string, a *escalation.Attempt) (escalation.AttemptRecord, error) {
	return f.successFn(ctx, runID, a)
}
func (f *fakeRunService) Resume(ctx context.Context, runID, handoffID, action string) (escalation.Decision, error) {
	return f.resumeFn(ctx, runID, handoffID, action)
}
func (f *fakeRunService) FinishRun(ctx context.Context, runID string) error {
	return f.finishFn(ctx, runID)
}
func (f *fakeRunService) AbortRun(ctx context.Context, runID, reason string) error {
	return f.abortFn(ctx, runID, reason)
}
func (f *fakeRunService) Get(runID string) (supervisor.RunInfo, error) { return f.getFn(runID) }
func (f *fakeRunService) List() []supervisor.RunInfo                    { return f.listFn() }

// fakeControls 用函数字段替换 ControlOpener
type fakeControls struct {
	attachFn func(ctx context.Context, wsURL, targetID string) (browser.ControlHandle, error)
	launchFn func(ctx context.Context) (browser.ControlHandle, error)
}

func (f *fakeControls) Attach(ctx context.Context, wsURL, targetID string) (browser.ControlHandle, error) {
	return f.attachFn(ctx, wsURL, targetID)
}
func (f *fakeControls) Launch(ctx context.Context) (browser.ControlHandle, error) {
	return f.launchFn(ctx)
}

func newTestRegistry(t *testing.T) *hitl.Registry {
	t.Helper()
	reg := hitl.NewRegistry(hitl.DefaultRegistryConfig(), hitl.NewMemoryStore(), zap.NewNop())
	require.NotNil(t, reg)
	return reg
}

func createRequest(t *testing.T, reg *hitl.Registry, runID string, urgency escalation.Urgency) *hitl.Request {
	t.Helper()
	return reg.Create(context.Background(), hitl.NewRequest{
		RunID:          runID,
		Reason:         "captcha detected",
		Classification: escalation.ClassCaptcha,
		Options:        []string{escalation.OptionContinue, escalation.OptionAbort},
		Urgency:        urgency,
	})
}
