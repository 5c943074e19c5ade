package handoff

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/handoffd/agent/browser"
	"github.com/BaSui01/handoffd/agent/escalation"
	"github.com/BaSui01/handoffd/agent/hitl"
)

// fakeControl records calls; fn fields override behaviour.
type fakeControl struct {
	mu       sync.Mutex
	calls    []string
	captures atomic.Int32

	captureFn func(ctx context.Context) ([]byte, error)
	clickFn   func(x, y int) error
}

func (f *fakeControl) record(call string) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
}

func (f *fakeControl) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeControl) CaptureFrame(ctx context.Context) ([]byte, error) {
	f.captures.Add(1)
	if f.captureFn != nil {
		return f.captureFn(ctx)
	}
	return []byte{0xff, 0xd8, 0xff}, nil
}

func (f *fakeControl) Click(_ context.Context, x, y int) error {
	f.record(fmt.Sprintf("click %d %d", x, y))
	if f.clickFn != nil {
		return f.clickFn(x, y)
	}
	return nil
}

func (f *fakeControl) MoveMouse(_ context.Context, x, y int) error {
	f.record(fmt.Sprintf("move %d %d", x, y))
	return nil
}

func (f *fakeControl) TypeText(_ context.Context, text string) error {
	f.record("type " + text)
	return nil
}

func (f *fakeControl) PressKey(_ context.Context, key string) error {
	f.record("key " + key)
	return nil
}

func (f *fakeControl) Scroll(_ context.Context, deltaY int) error {
	f.record(fmt.Sprintf("scroll %d", deltaY))
	return nil
}

func (f *fakeControl) Navigate(_ context.Context, url string) error {
	f.record("navigate " + url)
	return nil
}

func (f *fakeControl) GoBack(context.Context) error    { f.record("back"); return nil }
func (f *fakeControl) GoForward(context.Context) error { f.record("forward"); return nil }
func (f *fakeControl) Reload(context.Context) error    { f.record("refresh"); return nil }

func (f *fakeControl) CurrentURL(context.Context) (string, error) {
	return "https://example.com/login", nil
}

func (f *fakeControl) CurrentTitle(context.Context) (string, error) {
	return "Sign in", nil
}

func (f *fakeControl) Viewport() browser.Viewport { return browser.Viewport{Width: 1280, Height: 720} }
func (f *fakeControl) Close() error               { return nil }

// fakeConn is an in-memory OperatorConn.
type fakeConn struct {
	in     chan Event
	out    chan Message
	closed chan struct{}
	once   sync.Once

	sendFn func(ctx context.Context, msg Message) error
	// closeOnCancel 模拟 coder/websocket：读操作被取消时连接随之关闭
	closeOnCancel bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan Event, 16),
		out:    make(chan Message, 256),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) Send(ctx context.Context, msg Message) error {
	if c.sendFn != nil {
		if err := c.sendFn(ctx, msg); err != nil {
			return err
		}
	}
	select {
	case <-c.closed:
		return ErrConnClosed
	default:
	}
	select {
	case c.out <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *fakeConn) Receive(ctx context.Context) (Event, error) {
	select {
	case ev := <-c.in:
		return ev, nil
	case <-c.closed:
		return Event{}, ErrConnClosed
	case <-ctx.Done():
		if c.closeOnCancel {
			_ = c.Close("read cancelled")
		}
		return Event{}, ctx.Err()
	}
}

func (c *fakeConn) Close(string) error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// next returns the next message of the given type, skipping frames unless asked for.
func (c *fakeConn) next(t *testing.T, typ MessageType) Message {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case msg := <-c.out:
			if msg.Type == typ {
				return msg
			}
		case <-deadline:
			t.Fatalf("no %s message received", typ)
			return Message{}
		}
	}
}

type testMetrics struct {
	opened   atomic.Int32
	closed   atomic.Int32
	pushed   atomic.Int32
	dropped  atomic.Int32
	evicted  atomic.Int32
	failures atomic.Int32
}

func (m *testMetrics) RecordSessionOpened()                      { m.opened.Add(1) }
func (m *testMetrics) RecordSessionClosed(string, time.Duration) { m.closed.Add(1) }

func (m *testMetrics) RecordOperatorEvent(_ string, failed bool) {
	if failed {
		m.failures.Add(1)
	}
}

func (m *testMetrics) RecordOperatorAttached(evicted bool) {
	if evicted {
		m.evicted.Add(1)
	}
}

func (m *testMetrics) RecordFrame(outcome string) {
	switch outcome {
	case FramePushed:
		m.pushed.Add(1)
	case FrameDropped:
		m.dropped.Add(1)
	}
}

type fixture struct {
	registry *hitl.Registry
	manager  *Manager
	metrics  *testMetrics
	control  *fakeControl
}

func testConfig() Config {
	return Config{
		FrameInterval:  5 * time.Millisecond,
		PushDeadline:   20 * time.Millisecond,
		InputRate:      1000,
		InputBurst:     100,
		GracePeriod:    20 * time.Millisecond,
		MessageTimeout: 200 * time.Millisecond,
	}
}

func newFixture(t *testing.T, cfg Config, regOpts ...hitl.RegistryOption) *fixture {
	t.Helper()
	reg := hitl.NewRegistry(hitl.DefaultRegistryConfig(), hitl.NewMemoryStore(), zap.NewNop(), regOpts...)
	metrics := &testMetrics{}
	mgr := NewManager(cfg, reg, zap.NewNop(), WithMetrics(metrics))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		require.NoError(t, mgr.Close(ctx))
	})
	return &fixture{registry: reg, manager: mgr, metrics: metrics, control: &fakeControl{}}
}

func (f *fixture) createRequest(t *testing.T, runID string, urgency escalation.Urgency) *hitl.Request {
	t.Helper()
	return f.registry.Create(context.Background(), hitl.NewRequest{
		RunID:          runID,
		Reason:         "captcha on login page",
		Classification: escalation.ClassCaptcha,
		Urgency:        urgency,
		Options:        []string{escalation.OptionContinue, escalation.OptionAbort},
	})
}

func (f *fixture) open(t *testing.T, runID string) (SessionInfo, *hitl.Request) {
	t.Helper()
	req := f.createRequest(t, runID, escalation.UrgencyUrgent)
	info, err := f.manager.OpenSession(context.Background(), req.ID, f.control)
	require.NoError(t, err)
	return info, req
}
