package handoff

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/BaSui01/handoffd/agent/browser"
	"github.com/BaSui01/handoffd/agent/escalation"
	"github.com/BaSui01/handoffd/agent/hitl"
)

// Resolution values set by the manager itself.
const (
	ResolutionAborted  = "aborted"
	ResolutionShutdown = "shutdown"
)

// RequestRegistry 是 Manager 依赖的接管请求注册表，*hitl.Registry 满足该接口.
type RequestRegistry interface {
	Get(ctx context.Context, id string) (*hitl.Request, error)
	Respond(ctx context.Context, id, action, comment, operatorID string) (*hitl.HumanResponse, error)
	OnResolved(fn hitl.ResolvedListener)
}

// MetricsRecorder 记录会话指标.
type MetricsRecorder interface {
	RecordSessionOpened()
	RecordSessionClosed(resolution string, lifetime time.Duration)
	RecordOperatorAttached(evicted bool)
	RecordFrame(outcome string)
	RecordOperatorEvent(eventType string, failed bool)
}

// ClosedEvent 在会话关闭时发出.
type ClosedEvent struct {
	SessionID  string
	HandoffID  string
	RunID      string
	Resolution string
	ClosedAt   time.Time
}

// ClosedListener 接收会话关闭事件.
type ClosedListener func(ev ClosedEvent)

// ManagerOption 配置 Manager.
type ManagerOption func(*Manager)

// WithMetrics 设置指标记录器.
func WithMetrics(m MetricsRecorder) ManagerOption {
	return func(mgr *Manager) { mgr.metrics = m }
}

// WithClock 替换时钟（测试用）.
func WithClock(now func() time.Time) ManagerOption {
	return func(mgr *Manager) { mgr.now = now }
}

// Manager 持有会话表。表锁只保护映射；每个会话有自己的锁，会话之间互不阻塞.
type Manager struct {
	cfg      Config
	registry RequestRegistry
	metrics  MetricsRecorder
	logger   *zap.Logger
	now      func() time.Time

	mu        sync.RWMutex
	sessions  map[string]*Session
	byHandoff map[string]*Session

	lmu       sync.RWMutex
	listeners []ClosedListener

	wg sync.WaitGroup
}

// NewManager 创建会话管理器并订阅 registry 的终态通知.
func NewManager(cfg Config, registry RequestRegistry, logger *zap.Logger, opts ...ManagerOption) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		cfg:       cfg.withDefaults(),
		registry:  registry,
		logger:    logger.With(zap.String("component", "handoff_sessions")),
		now:       time.Now,
		sessions:  make(map[string]*Session),
		byHandoff: make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(m)
	}
	registry.OnResolved(m.handleResolved)
	return m
}

// OnClosed 注册会话关闭监听器.
func (m *Manager) OnClosed(fn ClosedListener) {
	m.lmu.Lock()
	m.listeners = append(m.listeners, fn)
	m.lmu.Unlock()
}

// OpenSession 为接管请求打开会话并启动推流循环。同一请求重复调用返回已有会话.
func (m *Manager) OpenSession(ctx context.Context, handoffID string, control browser.ControlHandle) (SessionInfo, error) {
	if control == nil {
		return SessionInfo{}, fmt.Errorf("open session for %s: nil control handle", handoffID)
	}
	req, err := m.registry.Get(ctx, handoffID)
	if err != nil {
		return SessionInfo{}, err
	}
	if req.Status.Terminal() {
		return SessionInfo{}, &hitl.RegistryError{Code: hitl.CodeAlreadyResolved, ID: handoffID, Status: req.Status}
	}

	m.mu.Lock()
	if s, ok := m.byHandoff[handoffID]; ok && s.open() {
		m.mu.Unlock()
		return s.info(), nil
	}

	now := m.now()
	sctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:           uuid.NewString(),
		handoffID:    handoffID,
		runID:        req.RunID,
		reason:       req.Reason,
		control:      control,
		createdAt:    now,
		limiter:      rate.NewLimiter(rate.Limit(m.cfg.InputRate), m.cfg.InputBurst),
		ctx:          sctx,
		cancel:       cancel,
		loopDone:     make(chan struct{}),
		state:        StatePending,
		lastActivity: now,
	}
	m.sessions[s.id] = s
	m.byHandoff[handoffID] = s
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.stream(s)
	}()

	if m.metrics != nil {
		m.metrics.RecordSessionOpened()
	}
	m.logger.Info("handoff session opened",
		zap.String("session_id", s.id),
		zap.String("handoff_id", handoffID),
		zap.String("run_id", req.RunID))

	// 请求可能在打开期间进入终态
	if latest, err := m.registry.Get(ctx, handoffID); err == nil && latest.Status.Terminal() {
		m.closeForRequest(latest)
	}
	return s.info(), nil
}

func (m *Manager) lookup(sessionID string) (*Session, error) {
	m.mu.RLock()
	s, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	if !ok {
		return nil, &SessionError{Code: CodeSessionNotFound, SessionID: sessionID}
	}
	return s, nil
}

// Get 返回会话快照.
func (m *Manager) Get(sessionID string) (SessionInfo, error) {
	s, err := m.lookup(sessionID)
	if err != nil {
		return SessionInfo{}, err
	}
	return s.info(), nil
}

// ForHandoff 返回绑定到接管请求的会话.
func (m *Manager) ForHandoff(handoffID string) (SessionInfo, bool) {
	m.mu.RLock()
	s, ok := m.byHandoff[handoffID]
	m.mu.RUnlock()
	if !ok {
		return SessionInfo{}, false
	}
	return s.info(), true
}

// List 返回所有仍在表中的会话.
func (m *Manager) List() []SessionInfo {
	m.mu.RLock()
	all := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.mu.RUnlock()

	out := make([]SessionInfo, 0, len(all))
	for _, s := range all {
		out = append(out, s.info())
	}
	return out
}

// AttachOperator 把操作员连接绑定到会话并发送 initial_state。
// 已有其他连接时替换它并返回 false.
func (m *Manager) AttachOperator(sessionID string, conn OperatorConn, operatorID string) (bool, error) {
	_, replaced, err := m.attach(sessionID, conn, operatorID)
	if err != nil {
		return false, err
	}
	return !replaced, nil
}

// ServeOperator 绑定连接并阻塞到该连接被断开、替换或会话关闭.
func (m *Manager) ServeOperator(ctx context.Context, sessionID string, conn OperatorConn, operatorID string) error {
	att, _, err := m.attach(sessionID, conn, operatorID)
	if err != nil {
		return err
	}
	select {
	case <-att.done:
		return nil
	case <-ctx.Done():
		m.detach(sessionID, att, "request context done")
		<-att.done
		return ctx.Err()
	}
}

func (m *Manager) attach(sessionID string, conn OperatorConn, operatorID string) (*attachment, bool, error) {
	s, err := m.lookup(sessionID)
	if err != nil {
		return nil, false, err
	}

	now := m.now()
	// 读循环不随会话 ctx 取消，close 先送出 handoff_complete 再取消它
	readCtx, cancel := context.WithCancel(context.WithoutCancel(s.ctx))
	att := &attachment{
		conn:       conn,
		operatorID: operatorID,
		attachedAt: now,
		cancel:     cancel,
		done:       make(chan struct{}),
	}

	s.mu.Lock()
	if s.state != StatePending && s.state != StateActive {
		s.mu.Unlock()
		cancel()
		return nil, false, &SessionError{Code: CodeOperatorConflict, SessionID: sessionID, Detail: "session is " + string(s.state)}
	}
	prev := s.op
	s.op = att
	s.state = StateActive
	s.lastActivity = now
	s.mu.Unlock()

	replaced := prev != nil
	if replaced {
		m.logger.Warn("operator replaced",
			zap.String("session_id", sessionID),
			zap.String("previous_operator", prev.operatorID),
			zap.String("operator_id", operatorID))
		m.evict(prev)
	}
	if m.metrics != nil {
		m.metrics.RecordOperatorAttached(replaced)
	}
	m.logger.Info("operator attached",
		zap.String("session_id", sessionID),
		zap.String("handoff_id", s.handoffID),
		zap.String("operator_id", operatorID))

	m.sendInitialState(s, att)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.readLoop(readCtx, s, att)
	}()
	return att, replaced, nil
}

// evict 通知被替换的操作员并关闭其连接。先发送再取消读循环：
// 读操作被取消时 WebSocket 连接会被直接关闭，之后的消息无法送达.
func (m *Manager) evict(att *attachment) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.MessageTimeout)
		defer cancel()
		if err := att.conn.Send(ctx, errorMessage("another operator took over this session")); err != nil {
			m.logger.Debug("eviction notice not delivered", zap.String("operator_id", att.operatorID),
				zap.Error(&TransportError{Op: "evict", Err: err}))
		}
		att.cancel()
		_ = att.conn.Close("replaced by another operator")
	}()
}

func (m *Manager) sendInitialState(s *Session, att *attachment) {
	ctx, cancel := context.WithTimeout(s.ctx, m.cfg.MessageTimeout)
	defer cancel()

	url, err := s.control.CurrentURL(ctx)
	if err != nil {
		m.logger.Debug("initial state: url unavailable", zap.String("session_id", s.id), zap.Error(err))
	}
	title, err := s.control.CurrentTitle(ctx)
	if err != nil {
		m.logger.Debug("initial state: title unavailable", zap.String("session_id", s.id), zap.Error(err))
	}
	msg := initialStateMessage(url, title, s.control.Viewport(), s.reason)
	if err := att.conn.Send(ctx, msg); err != nil {
		m.logger.Debug("initial state not delivered", zap.String("session_id", s.id),
			zap.Error(&TransportError{Op: "initial_state", Err: err}))
	}
}

// DetachOperator 断开会话当前的操作员，会话回到 pending.
func (m *Manager) DetachOperator(sessionID string) error {
	s, err := m.lookup(sessionID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	att := s.op
	s.mu.Unlock()
	if att == nil {
		return nil
	}
	m.detach(sessionID, att, "detached")
	return nil
}

// detach 只在 att 仍是当前连接时生效.
func (m *Manager) detach(sessionID string, att *attachment, reason string) {
	s, err := m.lookup(sessionID)
	if err != nil {
		att.cancel()
		return
	}
	s.mu.Lock()
	current := s.op == att
	if current {
		s.op = nil
		if s.state == StateActive {
			s.state = StatePending
		}
	}
	s.mu.Unlock()

	att.cancel()
	if current {
		_ = att.conn.Close(reason)
		m.logger.Info("operator detached",
			zap.String("session_id", sessionID),
			zap.String("operator_id", att.operatorID),
			zap.String("reason", reason))
	}
}

// CloseSession 停止推流、通知操作员并发出关闭事件；会话在宽限期后从表中移除.
func (m *Manager) CloseSession(sessionID, resolution string) error {
	s, err := m.lookup(sessionID)
	if err != nil {
		return err
	}
	m.close(s, resolution)
	return nil
}

func (m *Manager) close(s *Session, resolution string) {
	now := m.now()
	s.mu.Lock()
	if s.state == StateClosing || s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.state = StateClosing
	s.resolution = resolution
	s.closedAt = now
	att := s.op
	s.op = nil
	s.mu.Unlock()

	s.cancel()
	<-s.loopDone

	if att != nil {
		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.MessageTimeout)
		if err := att.conn.Send(ctx, completeMessage(resolution)); err != nil {
			m.logger.Debug("handoff_complete not delivered", zap.String("session_id", s.id),
				zap.Error(&TransportError{Op: "handoff_complete", Err: err}))
		}
		cancel()
		att.cancel()
		_ = att.conn.Close("handoff complete")
	}

	if m.metrics != nil {
		m.metrics.RecordSessionClosed(resolution, now.Sub(s.createdAt))
	}
	m.logger.Info("handoff session closing",
		zap.String("session_id", s.id),
		zap.String("handoff_id", s.handoffID),
		zap.String("resolution", resolution))

	m.emit(ClosedEvent{
		SessionID:  s.id,
		HandoffID:  s.handoffID,
		RunID:      s.runID,
		Resolution: resolution,
		ClosedAt:   now,
	})

	s.mu.Lock()
	s.removal = time.AfterFunc(m.cfg.GracePeriod, func() { m.remove(s) })
	s.mu.Unlock()
}

// remove 把会话标记为 closed 并移出表.
func (m *Manager) remove(s *Session) {
	s.mu.Lock()
	s.state = StateClosed
	if s.removal != nil {
		s.removal.Stop()
	}
	s.mu.Unlock()

	m.mu.Lock()
	if m.sessions[s.id] == s {
		delete(m.sessions, s.id)
	}
	if m.byHandoff[s.handoffID] == s {
		delete(m.byHandoff, s.handoffID)
	}
	m.mu.Unlock()
	m.logger.Debug("handoff session removed", zap.String("session_id", s.id))
}

func (m *Manager) emit(ev ClosedEvent) {
	m.lmu.RLock()
	listeners := append([]ClosedListener(nil), m.listeners...)
	m.lmu.RUnlock()
	for _, fn := range listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.logger.Error("closed listener panicked", zap.Any("panic", r), zap.String("session_id", ev.SessionID))
				}
			}()
			fn(ev)
		}()
	}
}

// handleResolved 在请求进入终态时关闭绑定的会话.
func (m *Manager) handleResolved(req *hitl.Request) {
	m.closeForRequest(req)
}

func (m *Manager) closeForRequest(req *hitl.Request) {
	m.mu.RLock()
	s, ok := m.byHandoff[req.ID]
	m.mu.RUnlock()
	if !ok {
		return
	}
	resolution := escalation.ResolutionExpired
	if req.Status == hitl.StatusResponded && req.Response != nil {
		resolution = req.Response.Action
	}
	m.close(s, resolution)
}

// CloseSessionsForRun 关闭运行的所有会话，返回关闭的数量.
func (m *Manager) CloseSessionsForRun(runID, resolution string) int {
	m.mu.RLock()
	var targets []*Session
	for _, s := range m.sessions {
		if s.runID == runID {
			targets = append(targets, s)
		}
	}
	m.mu.RUnlock()

	n := 0
	for _, s := range targets {
		if s.open() {
			m.close(s, resolution)
			n++
		}
	}
	return n
}

// Close 关闭所有会话并立即移除，等待推流与读循环退出.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.RLock()
	all := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.mu.RUnlock()

	for _, s := range all {
		m.close(s, ResolutionShutdown)
		m.remove(s)
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
