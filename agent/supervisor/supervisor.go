package supervisor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/handoffd/agent/browser"
	"github.com/BaSui01/handoffd/agent/escalation"
	"github.com/BaSui01/handoffd/agent/handoff"
	"github.com/BaSui01/handoffd/agent/hitl"
	"github.com/BaSui01/handoffd/internal/tokenizer"
	"github.com/BaSui01/handoffd/types"
)

const instrumentationName = "github.com/BaSui01/handoffd/agent/supervisor"

// Run states.
const (
	StateRunning       = "running"
	StateAwaitingHuman = "awaiting_human"
)

const resolutionCompleted = "completed"

// Config 配置 Supervisor.
type Config struct {
	Escalation escalation.Config
	// AwaitSlack 是 AwaitHumanResponse 在 expires_at 之后额外等待扫描的时间.
	AwaitSlack time.Duration
}

// DefaultConfig returns defaults.
func DefaultConfig() Config {
	return Config{
		Escalation: escalation.DefaultConfig(),
		AwaitSlack: 2 * time.Second,
	}
}

// MetricsRecorder 记录运行与决策指标.
type MetricsRecorder interface {
	RecordDecision(kind, classification string)
	RecordRunStarted()
	RecordRunEnded(outcome string)
}

// RunOptions 描述一个新运行.
type RunOptions struct {
	// ID 为空时自动生成.
	ID          string
	Description string
	RetryBudget int
	// Control 是运行的浏览器控制句柄；为空时升级只创建请求，不打开会话.
	Control browser.ControlHandle
	// CloseControl 为真时运行结束后关闭控制句柄.
	CloseControl bool
	Metadata     map[string]string
}

// RunInfo 是运行快照.
type RunInfo struct {
	ID        string                     `json:"id"`
	Task      escalation.Task            `json:"task"`
	Domain    escalation.Domain          `json:"domain"`
	State     string                     `json:"state"`
	Strategy  escalation.Strategy        `json:"strategy"`
	Attempts  []escalation.AttemptRecord `json:"attempts"`
	Handoffs  []string                   `json:"handoffs,omitempty"`
	Metadata  map[string]string          `json:"metadata,omitempty"`
	CreatedAt time.Time                  `json:"created_at"`
}

type run struct {
	id           string
	engine       *escalation.Engine
	control      browser.ControlHandle
	closeControl bool
	metadata     map[string]string
	createdAt    time.Time

	mu       sync.Mutex
	handoffs []string
	state    string
}

func (r *run) addHandoff(id string) {
	r.mu.Lock()
	r.handoffs = append(r.handoffs, id)
	r.state = StateAwaitingHuman
	r.mu.Unlock()
}

func (r *run) dropHandoff(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, h := range r.handoffs {
		if h == id {
			r.handoffs = append(r.handoffs[:i], r.handoffs[i+1:]...)
			break
		}
	}
	if len(r.handoffs) == 0 {
		r.state = StateRunning
	}
}

func (r *run) pending() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.handoffs...)
}

func (r *run) info() RunInfo {
	r.mu.Lock()
	handoffs := append([]string(nil), r.handoffs...)
	state := r.state
	r.mu.Unlock()
	return RunInfo{
		ID:        r.id,
		Task:      r.engine.Task(),
		Domain:    r.engine.Domain(),
		State:     state,
		Strategy:  r.engine.Current(),
		Attempts:  r.engine.Log().History(),
		Handoffs:  handoffs,
		Metadata:  r.metadata,
		CreatedAt: r.createdAt,
	}
}

// Option 配置 Supervisor.
type Option func(*Supervisor)

// WithMetrics 设置指标记录器.
func WithMetrics(m MetricsRecorder) Option {
	return func(s *Supervisor) { s.metrics = m }
}

// WithTokenCounter 设置所有运行共享的 token 计数器.
func WithTokenCounter(c tokenizer.Counter) Option {
	return func(s *Supervisor) { s.counter = c }
}

// WithSuccessBook 设置共享的策略成功簿.
func WithSuccessBook(b *escalation.SuccessBook) Option {
	return func(s *Supervisor) { s.book = b }
}

// Supervisor 管理并发的自动化运行；运行之间不共享锁.
type Supervisor struct {
	cfg      Config
	registry *hitl.Registry
	sessions *handoff.Manager
	book     *escalation.SuccessBook
	counter  tokenizer.Counter
	metrics  MetricsRecorder
	tracer   trace.Tracer
	decision metric.Int64Counter
	logger   *zap.Logger

	mu   sync.RWMutex
	runs map[string]*run
}

// New 创建 Supervisor.
func New(cfg Config, registry *hitl.Registry, sessions *handoff.Manager, logger *zap.Logger, opts ...Option) *Supervisor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.AwaitSlack <= 0 {
		cfg.AwaitSlack = DefaultConfig().AwaitSlack
	}
	s := &Supervisor{
		cfg:      cfg,
		registry: registry,
		sessions: sessions,
		tracer:   otel.Tracer(instrumentationName),
		logger:   logger.With(zap.String("component", "supervisor")),
		runs:     make(map[string]*run),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.book == nil {
		s.book = escalation.NewSuccessBook()
	}
	if s.counter == nil {
		s.counter = tokenizer.New(cfg.Escalation.TokenizerModel, logger)
	}

	counter, err := otel.Meter(instrumentationName).Int64Counter("handoffd.escalation.decisions",
		metric.WithDescription("Escalation decisions by kind"),
		metric.WithUnit("{decision}"))
	if err != nil {
		s.logger.Warn("failed to create decision counter", zap.Error(err))
	} else {
		s.decision = counter
	}
	return s
}

func runNotFound(id string) error {
	return types.NewError(types.ErrRunNotFound, fmt.Sprintf("run %s not found", id)).WithHTTPStatus(http.StatusNotFound)
}

func (s *Supervisor) lookup(id string) (*run, error) {
	s.mu.RLock()
	r, ok := s.runs[id]
	s.mu.RUnlock()
	if !ok {
		return nil, runNotFound(id)
	}
	return r, nil
}

// StartRun 注册运行并返回第 0 次尝试的策略.
func (s *Supervisor) StartRun(ctx context.Context, opts RunOptions) (RunInfo, escalation.Decision, error) {
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	task := escalation.Task{ID: id, Description: opts.Description, RetryBudget: opts.RetryBudget}

	r := &run{
		id:           id,
		control:      opts.Control,
		closeControl: opts.CloseControl,
		metadata:     opts.Metadata,
		createdAt:    time.Now(),
		state:        StateRunning,
	}
	r.engine = escalation.NewEngine(task, s.cfg.Escalation, s.logger,
		escalation.WithSuccessBook(s.book),
		escalation.WithTokenCounter(s.counter),
		escalation.WithEscalationHandler(s.escalationHandler(r)),
	)

	s.mu.Lock()
	if _, exists := s.runs[id]; exists {
		s.mu.Unlock()
		return RunInfo{}, escalation.Decision{}, types.NewError(types.ErrConflict, fmt.Sprintf("run %s already exists", id)).WithHTTPStatus(http.StatusConflict)
	}
	s.runs[id] = r
	s.mu.Unlock()

	d := r.engine.Begin()
	if s.metrics != nil {
		s.metrics.RecordRunStarted()
	}
	s.logger.Info("run started",
		zap.String("run_id", id),
		zap.String("domain", string(r.engine.Domain())),
		zap.Bool("has_control", opts.Control != nil))
	return r.info(), d, nil
}

// escalationHandler 登记接管请求并为运行的控制句柄打开会话。会话打开失败只记录日志.
func (s *Supervisor) escalationHandler(r *run) escalation.EscalationHandler {
	return escalation.EscalationHandlerFunc(func(ctx context.Context, ev escalation.EscalationEvent) (string, error) {
		meta := map[string]string{
			"strategy": ev.Strategy.Name,
			"model":    ev.Strategy.Model,
		}
		if ev.Record.Error != "" {
			meta["error"] = ev.Record.Error
		}
		req := s.registry.Create(ctx, hitl.NewRequest{
			RunID:          r.id,
			Reason:         ev.Reason,
			Classification: ev.Classification,
			Options:        ev.Options,
			Urgency:        ev.Urgency,
			Metadata:       meta,
		})
		r.addHandoff(req.ID)

		if r.control != nil && s.sessions != nil {
			if _, err := s.sessions.OpenSession(ctx, req.ID, r.control); err != nil {
				s.logger.Warn("failed to open handoff session",
					zap.String("run_id", r.id),
					zap.String("handoff_id", req.ID),
					zap.Error(err))
			}
		}
		return req.ID, nil
	})
}

// Escalate 评估一次失败的尝试.
func (s *Supervisor) Escalate(ctx context.Context, runID string, attempt *escalation.Attempt) (escalation.Decision, error) {
	ctx, span := s.tracer.Start(ctx, "supervisor.escalate",
		trace.WithAttributes(attribute.String("run.id", runID)))
	defer span.End()

	r, err := s.lookup(runID)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return escalation.Decision{}, err
	}
	ctx = types.WithRunID(ctx, runID)
	d := r.engine.Evaluate(ctx, attempt)

	span.SetAttributes(
		attribute.String("decision.kind", string(d.Kind)),
		attribute.String("decision.classification", string(d.Classification)),
		attribute.Int("attempt.sequence", d.Sequence),
	)
	if d.HandoffID != "" {
		span.SetAttributes(attribute.String("handoff.id", d.HandoffID))
	}
	s.recordDecision(ctx, d)
	return d, nil
}

func (s *Supervisor) recordDecision(ctx context.Context, d escalation.Decision) {
	if s.metrics != nil {
		s.metrics.RecordDecision(string(d.Kind), string(d.Classification))
	}
	if s.decision != nil {
		s.decision.Add(ctx, 1, metric.WithAttributes(
			attribute.String("kind", string(d.Kind)),
			attribute.String("classification", string(d.Classification))))
	}
}

// RecordSuccess 记录一次成功的尝试.
func (s *Supervisor) RecordSuccess(ctx context.Context, runID string, attempt *escalation.Attempt) (escalation.AttemptRecord, error) {
	r, err := s.lookup(runID)
	if err != nil {
		return escalation.AttemptRecord{}, err
	}
	rec := r.engine.RecordSuccess(attempt)
	s.logger.Debug("attempt succeeded",
		zap.String("run_id", runID),
		zap.String("strategy", rec.Strategy),
		zap.Float64("confidence", rec.Confidence))
	return rec, nil
}

// AwaitHumanResponse 阻塞直到请求进入终态。请求过期而扫描尚未执行时，在
// expires_at + AwaitSlack 后惰性过期并返回合成的 expired 响应.
func (s *Supervisor) AwaitHumanResponse(ctx context.Context, handoffID string) (*hitl.HumanResponse, error) {
	ctx, span := s.tracer.Start(ctx, "supervisor.await_human_response",
		trace.WithAttributes(attribute.String("handoff.id", handoffID)))
	defer span.End()

	req, err := s.registry.Get(ctx, handoffID)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if req.Status.Terminal() && req.Response != nil {
		return req.Response, nil
	}
	if req.RunID != "" {
		if _, err := s.lookup(req.RunID); err != nil {
			return nil, hitl.ErrReleased
		}
	}

	wait := time.Until(req.ExpiresAt) + s.cfg.AwaitSlack
	waitCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	resp, err := s.registry.Await(waitCtx, handoffID)
	if err == nil {
		span.SetAttributes(attribute.String("handoff.action", resp.Action))
		return resp, nil
	}
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		s.registry.ExpireIfDue(ctx, handoffID)
		if req, gerr := s.registry.Get(ctx, handoffID); gerr == nil && req.Status.Terminal() && req.Response != nil {
			span.SetAttributes(attribute.String("handoff.action", req.Response.Action))
			return req.Response, nil
		}
	}
	span.SetStatus(codes.Error, err.Error())
	return nil, err
}

// Resume 把注册表中已记录的人工响应交给运行的引擎。请求必须存在、属于该运行且
// 已是终态；action 非空时必须与记录的动作一致。Abort 决策会结束运行.
func (s *Supervisor) Resume(ctx context.Context, runID, handoffID, action string) (escalation.Decision, error) {
	if handoffID == "" {
		return escalation.Decision{}, types.NewError(types.ErrInvalidRequest, "handoff_id is required").WithHTTPStatus(http.StatusBadRequest)
	}
	r, err := s.lookup(runID)
	if err != nil {
		return escalation.Decision{}, err
	}
	resp, err := s.recordedResponse(ctx, runID, handoffID, action)
	if err != nil {
		return escalation.Decision{}, err
	}

	r.dropHandoff(handoffID)
	d := r.engine.AfterHandoff(resp.Action)
	s.recordDecision(ctx, d)
	s.logger.Debug("run resumed",
		zap.String("run_id", runID),
		zap.String("handoff_id", handoffID),
		zap.String("action", resp.Action),
		zap.String("decision", string(d.Kind)))

	if d.Kind == escalation.DecisionAbort {
		s.end(ctx, r, handoff.ResolutionAborted, "aborted")
	}
	return d, nil
}

// recordedResponse 从注册表读取请求的终态响应；调用方只能确认，不能改写它.
func (s *Supervisor) recordedResponse(ctx context.Context, runID, handoffID, action string) (*hitl.HumanResponse, error) {
	req, err := s.registry.Get(ctx, handoffID)
	if err != nil {
		return nil, err
	}
	if req.RunID != runID {
		return nil, types.NewError(types.ErrConflict,
			fmt.Sprintf("handoff request %s does not belong to run %s", handoffID, runID)).WithHTTPStatus(http.StatusConflict)
	}
	if !req.Status.Terminal() || req.Response == nil {
		return nil, types.NewError(types.ErrConflict,
			fmt.Sprintf("handoff request %s is still waiting", handoffID)).WithHTTPStatus(http.StatusConflict)
	}
	if action != "" && action != req.Response.Action {
		return nil, types.NewError(types.ErrAlreadyResolved,
			fmt.Sprintf("handoff request %s was resolved with %q", handoffID, req.Response.Action)).WithHTTPStatus(http.StatusConflict)
	}
	return req.Response, nil
}

// FinishRun 在任务成功结束时释放运行的资源.
func (s *Supervisor) FinishRun(ctx context.Context, runID string) error {
	r, err := s.lookup(runID)
	if err != nil {
		return err
	}
	s.end(ctx, r, resolutionCompleted, "completed")
	return nil
}

// AbortRun 中止运行：关闭其会话、让未决请求过期、唤醒等待者并释放尝试日志.
func (s *Supervisor) AbortRun(ctx context.Context, runID, reason string) error {
	r, err := s.lookup(runID)
	if err != nil {
		return err
	}
	s.logger.Info("aborting run", zap.String("run_id", runID), zap.String("reason", reason))
	s.end(ctx, r, handoff.ResolutionAborted, "aborted")
	return nil
}

func (s *Supervisor) end(ctx context.Context, r *run, resolution, outcome string) {
	s.mu.Lock()
	if s.runs[r.id] != r {
		s.mu.Unlock()
		return
	}
	delete(s.runs, r.id)
	s.mu.Unlock()

	closed := 0
	if s.sessions != nil {
		closed = s.sessions.CloseSessionsForRun(r.id, resolution)
	}
	// 先让仍在 waiting 的请求过期，再释放信号；等待者收到合成的 expired 响应
	for _, id := range r.pending() {
		s.registry.Expire(ctx, id)
		s.registry.Release(id)
	}
	r.engine.Release()
	if r.closeControl && r.control != nil {
		if err := r.control.Close(); err != nil {
			s.logger.Warn("failed to close control handle", zap.String("run_id", r.id), zap.Error(err))
		}
	}
	if s.metrics != nil {
		s.metrics.RecordRunEnded(outcome)
	}
	s.logger.Info("run ended",
		zap.String("run_id", r.id),
		zap.String("outcome", outcome),
		zap.Int("sessions_closed", closed))
}

// Get 返回运行快照.
func (s *Supervisor) Get(runID string) (RunInfo, error) {
	r, err := s.lookup(runID)
	if err != nil {
		return RunInfo{}, err
	}
	return r.info(), nil
}

// List 返回所有运行，按创建时间排序.
func (s *Supervisor) List() []RunInfo {
	s.mu.RLock()
	all := make([]*run, 0, len(s.runs))
	for _, r := range s.runs {
		all = append(all, r)
	}
	s.mu.RUnlock()

	out := make([]RunInfo, 0, len(all))
	for _, r := range all {
		out = append(out, r.info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Shutdown 并发中止所有运行.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.RLock()
	ids := make([]string, 0, len(s.runs))
	for id := range s.runs {
		ids = append(ids, id)
	}
	s.mu.RUnlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, id := range ids {
		g.Go(func() error {
			if err := s.AbortRun(gctx, id, "shutdown"); err != nil && types.GetErrorCode(err) != types.ErrRunNotFound {
				return err
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	s.logger.Info("supervisor stopped", zap.Int("runs_aborted", len(ids)))
	return ctx.Err()
}
