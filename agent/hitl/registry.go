package hitl

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/BaSui01/handoffd/agent/escalation"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// RegistryConfig 注册表参数.
type RegistryConfig struct {
	TTL           TTLTable
	SweepInterval time.Duration
	// Retention 是终态请求在内存中保留的时长，之后只能从 Store 读到。
	Retention time.Duration
}

// DefaultRegistryConfig returns the default registry settings.
func DefaultRegistryConfig() RegistryConfig {
	return RegistryConfig{
		TTL:           DefaultTTLTable(),
		SweepInterval: 5 * time.Second,
		Retention:     10 * time.Minute,
	}
}

// MetricsRecorder 接收注册表事件；internal/metrics.Collector 实现了它.
type MetricsRecorder interface {
	RecordHandoffCreated(urgency string)
	RecordHandoffResolved(status, urgency string, wait time.Duration)
}

// ResolvedListener 在请求进入终态后被调用（不持有任何锁）.
type ResolvedListener func(req *Request)

// RegistryOption 配置 Registry.
type RegistryOption func(*Registry)

// WithClock 替换时钟.
func WithClock(now func() time.Time) RegistryOption {
	return func(r *Registry) { r.now = now }
}

// WithMetrics 注册指标记录器.
func WithMetrics(m MetricsRecorder) RegistryOption {
	return func(r *Registry) { r.metrics = m }
}

// WithNotifier 使用外部创建的 Notifier.
func WithNotifier(n *Notifier) RegistryOption {
	return func(r *Registry) { r.notifier = n }
}

// Registry 跟踪人工接管请求。每个请求有独立的锁，不存在跨请求的全局锁；
// 表锁只保护 ID 到条目的映射。
type Registry struct {
	cfg      RegistryConfig
	store    Store
	notifier *Notifier
	metrics  MetricsRecorder
	now      func() time.Time
	logger   *zap.Logger

	mu      sync.RWMutex
	entries map[string]*entry

	lmu       sync.RWMutex
	listeners []ResolvedListener
}

type entry struct {
	mu  sync.Mutex
	req *Request
}

// NewRegistry 创建注册表；store 为 nil 时使用 MemoryStore.
func NewRegistry(cfg RegistryConfig, store Store, logger *zap.Logger, opts ...RegistryOption) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	if store == nil {
		store = NewMemoryStore()
	}
	def := DefaultRegistryConfig()
	if cfg.TTL.Urgent <= 0 {
		cfg.TTL.Urgent = def.TTL.Urgent
	}
	if cfg.TTL.High <= 0 {
		cfg.TTL.High = def.TTL.High
	}
	if cfg.TTL.Normal <= 0 {
		cfg.TTL.Normal = def.TTL.Normal
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	if cfg.Retention <= 0 {
		cfg.Retention = def.Retention
	}
	r := &Registry{
		cfg:     cfg,
		store:   store,
		now:     time.Now,
		logger:  logger.With(zap.String("component", "handoff_registry")),
		entries: make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.notifier == nil {
		r.notifier = NewNotifier()
	}
	return r
}

// Notifier returns the registry's resolution notifier.
func (r *Registry) Notifier() *Notifier { return r.notifier }

// OnResolved 注册终态监听器.
func (r *Registry) OnResolved(fn ResolvedListener) {
	r.lmu.Lock()
	defer r.lmu.Unlock()
	r.listeners = append(r.listeners, fn)
}

// Create 创建一个 waiting 请求，expires_at = now + ttl(urgency)。
// 未知紧急度按 normal 处理，空选项使用 continue / modify_approach / abort。
// 写穿失败只记录日志，内存表仍然生效。
func (r *Registry) Create(ctx context.Context, nr NewRequest) *Request {
	urgency := nr.Urgency
	if !urgency.Valid() {
		urgency = escalation.UrgencyNormal
	}
	options := append([]string(nil), nr.Options...)
	if len(options) == 0 {
		options = []string{escalation.OptionContinue, escalation.OptionModifyApproach, escalation.OptionAbort}
	}
	class := nr.Classification
	if class == "" {
		class = escalation.ClassUnknown
	}
	now := r.now()
	req := &Request{
		ID:             uuid.New().String(),
		RunID:          nr.RunID,
		Reason:         nr.Reason,
		Classification: class,
		Urgency:        urgency,
		Options:        options,
		Status:         StatusWaiting,
		CreatedAt:      now,
		ExpiresAt:      now.Add(r.cfg.TTL.For(urgency)),
		Metadata:       nr.Metadata,
	}

	r.mu.Lock()
	r.entries[req.ID] = &entry{req: req}
	r.mu.Unlock()

	if err := r.store.Save(ctx, req.Clone()); err != nil {
		r.logger.Warn("failed to persist handoff request", zap.String("handoff_id", req.ID), zap.Error(err))
	}
	if r.metrics != nil {
		r.metrics.RecordHandoffCreated(string(urgency))
	}
	r.logger.Info("handoff request created",
		zap.String("handoff_id", req.ID),
		zap.String("run_id", req.RunID),
		zap.String("urgency", string(urgency)),
		zap.Time("expires_at", req.ExpiresAt))
	return req.Clone()
}

func (r *Registry) lookup(id string) (*entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	return e, ok
}

// Respond 记录人工响应。未知 ID 返回 NotFound，非 waiting 返回 AlreadyResolved，
// 动作不在选项中返回 InvalidAction。只要扫描尚未观察到过期，响应就生效。
func (r *Registry) Respond(ctx context.Context, id, action, comment, operatorID string) (*HumanResponse, error) {
	e, ok := r.lookup(id)
	if !ok {
		if stored, err := r.store.Load(ctx, id); err == nil && stored.Status.Terminal() {
			return nil, &RegistryError{Code: CodeAlreadyResolved, ID: id, Status: stored.Status}
		}
		return nil, &RegistryError{Code: CodeNotFound, ID: id}
	}

	e.mu.Lock()
	if e.req.Status != StatusWaiting {
		status := e.req.Status
		e.mu.Unlock()
		return nil, &RegistryError{Code: CodeAlreadyResolved, ID: id, Status: status}
	}
	if !e.req.Allows(action) {
		allowed := append([]string(nil), e.req.Options...)
		e.mu.Unlock()
		return nil, &RegistryError{Code: CodeInvalidAction, ID: id, Action: action, Allowed: allowed}
	}
	now := r.now()
	resp := &HumanResponse{
		HandoffID:   id,
		Action:      action,
		Comment:     comment,
		OperatorID:  operatorID,
		RespondedAt: now,
	}
	e.req.Status = StatusResponded
	e.req.Response = resp
	e.req.ResolvedAt = &now
	snapshot := e.req.Clone()
	e.mu.Unlock()

	r.logger.Info("handoff request responded",
		zap.String("handoff_id", id),
		zap.String("action", action),
		zap.String("operator_id", operatorID))
	r.finish(ctx, snapshot)
	out := *resp
	return &out, nil
}

// SweepExpired 把所有已过 expires_at 的 waiting 请求置为 expired，并清理超过
// 保留期的终态请求。返回本次过期的请求。
func (r *Registry) SweepExpired(ctx context.Context, now time.Time) []*Request {
	r.mu.RLock()
	snapshot := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		snapshot = append(snapshot, e)
	}
	r.mu.RUnlock()

	var expired []*Request
	var evict []string
	for _, e := range snapshot {
		e.mu.Lock()
		switch {
		case e.req.Status == StatusWaiting && !now.Before(e.req.ExpiresAt):
			r.expireLocked(e, now)
			expired = append(expired, e.req.Clone())
		case e.req.Status.Terminal() && e.req.ResolvedAt != nil && now.Sub(*e.req.ResolvedAt) >= r.cfg.Retention:
			evict = append(evict, e.req.ID)
		}
		e.mu.Unlock()
	}

	for _, req := range expired {
		r.logger.Info("handoff request expired",
			zap.String("handoff_id", req.ID),
			zap.String("urgency", string(req.Urgency)))
		r.finish(ctx, req)
	}
	if len(evict) > 0 {
		r.mu.Lock()
		for _, id := range evict {
			delete(r.entries, id)
		}
		r.mu.Unlock()
		for _, id := range evict {
			r.notifier.Release(id)
		}
		r.logger.Debug("evicted terminal handoff requests", zap.Int("count", len(evict)))
	}
	return expired
}

// ExpireIfDue 在扫描之前惰性地让单个请求过期；仅当请求仍 waiting 且已过期时生效。
func (r *Registry) ExpireIfDue(ctx context.Context, id string) bool {
	e, ok := r.lookup(id)
	if !ok {
		return false
	}
	now := r.now()
	e.mu.Lock()
	if e.req.Status != StatusWaiting || now.Before(e.req.ExpiresAt) {
		e.mu.Unlock()
		return false
	}
	r.expireLocked(e, now)
	snapshot := e.req.Clone()
	e.mu.Unlock()
	r.finish(ctx, snapshot)
	return true
}

// Expire 不论 expires_at 立即让 waiting 请求过期（所属运行结束时调用），
// 写入合成的 expired 响应。请求不存在或已是终态时返回 false。
func (r *Registry) Expire(ctx context.Context, id string) bool {
	e, ok := r.lookup(id)
	if !ok {
		return false
	}
	e.mu.Lock()
	if e.req.Status != StatusWaiting {
		e.mu.Unlock()
		return false
	}
	r.expireLocked(e, r.now())
	snapshot := e.req.Clone()
	e.mu.Unlock()

	r.logger.Info("handoff request expired early", zap.String("handoff_id", id), zap.String("run_id", snapshot.RunID))
	r.finish(ctx, snapshot)
	return true
}

func (r *Registry) expireLocked(e *entry, now time.Time) {
	e.req.Status = StatusExpired
	e.req.ResolvedAt = &now
	e.req.Response = &HumanResponse{
		HandoffID:   e.req.ID,
		Action:      escalation.ResolutionExpired,
		Expired:     true,
		RespondedAt: now,
	}
}

// finish 写穿终态、唤醒等待者并通知监听器.
func (r *Registry) finish(ctx context.Context, req *Request) {
	if err := r.store.Update(ctx, req); err != nil {
		r.logger.Warn("failed to persist handoff resolution", zap.String("handoff_id", req.ID), zap.Error(err))
	}
	r.notifier.Resolve(req.ID, req.Response)
	if r.metrics != nil {
		r.metrics.RecordHandoffResolved(string(req.Status), string(req.Urgency), req.ResolvedAt.Sub(req.CreatedAt))
	}

	r.lmu.RLock()
	listeners := append([]ResolvedListener(nil), r.listeners...)
	r.lmu.RUnlock()
	for _, fn := range listeners {
		r.safeCall(fn, req.Clone())
	}
}

func (r *Registry) safeCall(fn ResolvedListener, req *Request) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("resolved listener panicked", zap.Any("panic", rec), zap.String("handoff_id", req.ID))
		}
	}()
	fn(req)
}

// Get 返回请求快照；内存中已清理的终态请求从 Store 读取.
func (r *Registry) Get(ctx context.Context, id string) (*Request, error) {
	if e, ok := r.lookup(id); ok {
		e.mu.Lock()
		defer e.mu.Unlock()
		return e.req.Clone(), nil
	}
	stored, err := r.store.Load(ctx, id)
	if err != nil {
		if !errors.Is(err, ErrStoreNotFound) {
			r.logger.Warn("failed to load handoff request", zap.String("handoff_id", id), zap.Error(err))
		}
		return nil, &RegistryError{Code: CodeNotFound, ID: id}
	}
	return stored, nil
}

// List 返回匹配的请求，按紧急度与创建时间排序。终态过滤会合并 Store 中已清理的请求。
func (r *Registry) List(ctx context.Context, filter Filter) ([]*Request, error) {
	r.mu.RLock()
	snapshot := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		snapshot = append(snapshot, e)
	}
	r.mu.RUnlock()

	seen := make(map[string]bool, len(snapshot))
	var out []*Request
	for _, e := range snapshot {
		e.mu.Lock()
		req := e.req.Clone()
		e.mu.Unlock()
		seen[req.ID] = true
		if filter.Match(req) {
			out = append(out, req)
		}
	}

	if filter.Status != StatusWaiting {
		stored, err := r.store.List(ctx, filter)
		if err != nil {
			return nil, err
		}
		for _, req := range stored {
			if !seen[req.ID] && req.Status.Terminal() {
				out = append(out, req)
			}
		}
	}
	sortRequests(out)
	return out, nil
}

// Await 阻塞直到请求进入终态，返回人工响应或合成的 expired 响应.
func (r *Registry) Await(ctx context.Context, id string) (*HumanResponse, error) {
	req, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.Status.Terminal() && req.Response != nil {
		return req.Response, nil
	}
	return r.notifier.Await(ctx, id)
}

// Release 终止对请求的等待（所属运行被中止时调用）.
func (r *Registry) Release(id string) {
	r.notifier.Release(id)
}

// Run 周期性扫描过期请求，直到 ctx 结束.
func (r *Registry) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()
	r.logger.Info("handoff sweeper started", zap.Duration("interval", r.cfg.SweepInterval))
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("handoff sweeper stopped")
			return ctx.Err()
		case <-ticker.C:
			r.SweepExpired(ctx, r.now())
		}
	}
}

// TTL returns the registry's urgency TTL table.
func (r *Registry) TTL() TTLTable { return r.cfg.TTL }
