package escalation

import (
	"context"
	"fmt"
	"sync"

	"github.com/BaSui01/handoffd/internal/tokenizer"
	"go.uber.org/zap"
)

// Config 升级阶梯参数.
type Config struct {
	// MaxRetries 是阶梯升级前允许的失败次数；第 MaxRetries 次失败（从 0 计）升级。
	MaxRetries int `yaml:"max_retries" env:"MAX_RETRIES" json:"max_retries"`
	// RepeatThreshold 历史中同一分类出现到该次数后提前升级。
	RepeatThreshold int `yaml:"repeat_threshold" env:"REPEAT_THRESHOLD" json:"repeat_threshold"`
	// HistoryTokenBudget 约束 reasoning 提示中历史摘要的 token 数。
	HistoryTokenBudget int    `yaml:"history_token_budget" env:"HISTORY_TOKEN_BUDGET" json:"history_token_budget"`
	TokenizerModel     string `yaml:"tokenizer_model" env:"TOKENIZER_MODEL" json:"tokenizer_model"`
	Models             Models `yaml:"models" env:"MODELS" json:"models"`
}

// DefaultConfig returns the default ladder.
func DefaultConfig() Config {
	return Config{
		MaxRetries:         3,
		RepeatThreshold:    2,
		HistoryTokenBudget: 1024,
		TokenizerModel:     "gpt-4o",
		Models:             DefaultModels(),
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxRetries <= 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.RepeatThreshold <= 0 {
		c.RepeatThreshold = d.RepeatThreshold
	}
	if c.HistoryTokenBudget <= 0 {
		c.HistoryTokenBudget = d.HistoryTokenBudget
	}
	if c.TokenizerModel == "" {
		c.TokenizerModel = d.TokenizerModel
	}
	c.Models = c.Models.withDefaults()
	return c
}

// EscalationEvent 是引擎决定升级时发出的事件，由处理器据此创建人工接管请求。
type EscalationEvent struct {
	Task           Task
	Reason         string
	Classification ErrorClass
	Urgency        Urgency
	Options        []string
	Record         AttemptRecord
	Strategy       Strategy
}

// EscalationHandler 消费升级事件并返回创建的接管请求 ID.
type EscalationHandler interface {
	OnEscalate(ctx context.Context, event EscalationEvent) (string, error)
}

// EscalationHandlerFunc adapts a function to EscalationHandler.
type EscalationHandlerFunc func(ctx context.Context, event EscalationEvent) (string, error)

// OnEscalate calls f.
func (f EscalationHandlerFunc) OnEscalate(ctx context.Context, event EscalationEvent) (string, error) {
	return f(ctx, event)
}

// Option 配置 Engine.
type Option func(*Engine)

// WithSuccessBook 共享跨任务的策略成功记录.
func WithSuccessBook(book *SuccessBook) Option {
	return func(e *Engine) { e.book = book }
}

// WithTokenCounter 替换历史摘要使用的 token 计数器.
func WithTokenCounter(c tokenizer.Counter) Option {
	return func(e *Engine) { e.counter = c }
}

// WithEscalationHandler 注册升级处理器.
func WithEscalationHandler(h EscalationHandler) Option {
	return func(e *Engine) { e.handler = h }
}

// WithAttemptLog 使用外部创建的日志（便于监控方持有引用）.
func WithAttemptLog(l *AttemptLog) Option {
	return func(e *Engine) { e.log = l }
}

// Engine 是单个任务的升级决策器，调用必须按任务串行。
type Engine struct {
	cfg     Config
	task    Task
	domain  Domain
	catalog []Strategy
	used    map[string]bool
	current Strategy
	lastSig string

	log     *AttemptLog
	book    *SuccessBook
	counter tokenizer.Counter
	handler EscalationHandler
	logger  *zap.Logger
	mu      sync.Mutex
}

// NewEngine 为任务创建引擎.
func NewEngine(task Task, cfg Config, logger *zap.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	domain := DetectDomain(task.Description)
	e := &Engine{
		cfg:     cfg,
		task:    task,
		domain:  domain,
		catalog: Catalog(domain, cfg.Models),
		used:    make(map[string]bool),
		current: Baseline(cfg.Models),
		logger: logger.With(
			zap.String("component", "escalation_engine"),
			zap.String("task_id", task.ID),
		),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.log == nil {
		e.log = NewAttemptLog()
	}
	if e.book == nil {
		e.book = NewSuccessBook()
	}
	if e.counter == nil {
		e.counter = tokenizer.New(cfg.TokenizerModel, logger)
	}
	return e
}

// Begin 返回第 0 次尝试使用的策略.
func (e *Engine) Begin() Decision {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.used[e.current.Name] = true
	e.logger.Debug("task started",
		zap.String("domain", string(e.domain)),
		zap.String("strategy", e.current.Name))
	return Retry(e.current)
}

// Evaluate 对一次失败的尝试做出裁决，并恰好追加一条 AttemptRecord。
// 引擎从不返回错误：空文本或无法分类的输入直接降级为 normal 级别的升级，
// 不进入重试阶梯。
func (e *Engine) Evaluate(ctx context.Context, attempt *Attempt) (d Decision) {
	e.mu.Lock()
	defer e.mu.Unlock()

	appended := false
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("evaluate panicked, degrading to escalation", zap.Any("panic", r))
			seq := 0
			if !appended {
				seq = e.log.Append(AttemptRecord{
					Strategy:       e.current.Name,
					Model:          e.current.Model,
					Outcome:        OutcomeFailure,
					Classification: ClassUnknown,
					Confidence:     Score(false, false, false),
				}).Sequence
			}
			d = escalate("unclassified failure", UrgencyNormal, unclassifiedOptions, ClassUnknown)
			d.Sequence = seq
		}
	}()

	strategy := e.current
	if attempt != nil && attempt.Strategy != nil {
		strategy = *attempt.Strategy
	}
	text := attempt.failureText()

	rec := AttemptRecord{
		Strategy:   strategy.Name,
		Model:      strategy.Model,
		Outcome:    OutcomeFailure,
		Confidence: Score(false, e.book.Succeeded(e.domain, strategy.Name), e.log.ModelFailed(strategy.Model)),
		Error:      truncate(text, 500),
	}

	if text == "" {
		rec.Classification = ClassUnknown
		rec = e.log.Append(rec)
		appended = true
		d = escalate("unclassified failure", UrgencyNormal, unclassifiedOptions, ClassUnknown)
		d.Sequence = rec.Sequence
		return e.escalated(ctx, d, rec, strategy)
	}

	class, cerr := ClassifyAttempt(attempt)
	if cerr != nil {
		e.logger.Debug("failure not recognized", zap.Error(cerr))
	}
	index := e.log.Failures()
	repeated, repeats := e.log.MostRepeated()

	rec.Classification = class
	rec = e.log.Append(rec)
	appended = true
	e.used[strategy.Name] = true
	sig := signature(class, text)

	switch {
	case class.RequiresHuman():
		d = escalate(fmt.Sprintf("%s challenge requires a human", class), UrgencyUrgent, obstructionOptions, class)
	case class == ClassUnknown:
		d = escalate("unclassified failure", UrgencyNormal, unclassifiedOptions, ClassUnknown)
	case repeats >= e.cfg.RepeatThreshold:
		d = escalate(fmt.Sprintf("failure pattern %s repeated %d times", repeated, repeats), UrgencyHigh, exhaustedOptions, class)
	case index >= e.cfg.MaxRetries:
		d = escalate(fmt.Sprintf("retry ladder exhausted after %d attempts", index+1), UrgencyHigh, exhaustedOptions, class)
	case index == 0:
		d = Retry(e.catalog[0])
	case index == 1:
		d = Retry(e.alternative(strategy, sig))
	default:
		d = Retry(e.reasoning())
	}
	e.lastSig = sig
	d.Classification = class
	d.Sequence = rec.Sequence

	if d.Kind == DecisionRetry {
		e.current = *d.Strategy
		e.used[e.current.Name] = true
		e.logger.Info("retrying with new strategy",
			zap.Int("attempt", index),
			zap.String("classification", string(class)),
			zap.String("strategy", e.current.Name),
			zap.String("model", e.current.Model))
		return d
	}
	return e.escalated(ctx, d, rec, strategy)
}

func (e *Engine) escalated(ctx context.Context, d Decision, rec AttemptRecord, strategy Strategy) Decision {
	e.logger.Warn("escalating to human",
		zap.String("reason", d.Reason),
		zap.String("urgency", string(d.Urgency)),
		zap.String("classification", string(d.Classification)))
	if e.handler == nil {
		return d
	}
	id, err := e.notify(ctx, EscalationEvent{
		Task:           e.task,
		Reason:         d.Reason,
		Classification: d.Classification,
		Urgency:        d.Urgency,
		Options:        append([]string(nil), d.Options...),
		Record:         rec,
		Strategy:       strategy,
	})
	if err != nil {
		e.logger.Error("escalation handler failed", zap.Error(err))
		return d
	}
	d.HandoffID = id
	return d
}

func (e *Engine) notify(ctx context.Context, ev EscalationEvent) (id string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("escalation handler panic: %v", r)
		}
	}()
	return e.handler.OnEscalate(ctx, ev)
}

// alternative 选择一个未用过、模型与定位方式都不同于 failed 的策略；
// 目录用尽后允许重复。
func (e *Engine) alternative(failed Strategy, sig string) Strategy {
	pick := func(ok func(Strategy) bool) (Strategy, bool) {
		for _, s := range e.catalog {
			if ok(s) {
				return s, true
			}
		}
		return Strategy{}, false
	}
	s, found := pick(func(s Strategy) bool {
		return !e.used[s.Name] && s.Model != failed.Model && s.Lookup != failed.Lookup
	})
	if !found {
		s, found = pick(func(s Strategy) bool { return !e.used[s.Name] && s.Lookup != failed.Lookup })
	}
	if !found {
		s, found = pick(func(s Strategy) bool { return !e.used[s.Name] })
	}
	if !found {
		s, _ = pick(func(s Strategy) bool { return s.Name != failed.Name })
	}
	s.Variant = VariantAlternative
	s.Avoid = sig
	return s
}

func (e *Engine) reasoning() Strategy {
	s := ReasoningStrategy(e.cfg.Models)
	s.History = historyDigest(e.log.History(), e.counter, e.cfg.HistoryTokenBudget)
	s.Avoid = e.lastSig
	return s
}

// nextUnused 返回目录中下一个未使用的策略；全部用过后从当前策略之后循环。
func (e *Engine) nextUnused() Strategy {
	for _, s := range e.catalog {
		if !e.used[s.Name] && s.Name != e.current.Name {
			return s
		}
	}
	for i, s := range e.catalog {
		if s.Name == e.current.Name {
			return e.catalog[(i+1)%len(e.catalog)]
		}
	}
	return e.catalog[0]
}

// RecordSuccess 追加一条成功记录，并把策略记入共享成功簿.
func (e *Engine) RecordSuccess(attempt *Attempt) AttemptRecord {
	e.mu.Lock()
	defer e.mu.Unlock()

	strategy := e.current
	if attempt != nil && attempt.Strategy != nil {
		strategy = *attempt.Strategy
	}
	rec := e.log.Append(AttemptRecord{
		Strategy:   strategy.Name,
		Model:      strategy.Model,
		Outcome:    OutcomeSuccess,
		Confidence: Score(true, e.book.Succeeded(e.domain, strategy.Name), e.log.ModelFailed(strategy.Model)),
	})
	e.book.Record(e.domain, strategy.Name)
	return rec
}

// AfterHandoff 把人工响应动作映射为下一步决策。响应被消费后，本轮
// 升级上下文的尝试记录被丢弃。
func (e *Engine) AfterHandoff(action string) Decision {
	e.mu.Lock()
	defer e.mu.Unlock()

	var d Decision
	switch action {
	case OptionContinue, OptionManualIntervention:
		d = Retry(e.current)
	case OptionModifyApproach, OptionChangeStrategy:
		next := e.nextUnused()
		next.Avoid = e.lastSig
		if next.Avoid != "" {
			next.Variant = VariantAlternative
		}
		d = Retry(next)
	case OptionAbort, OptionAbortTask:
		d = Abort(fmt.Sprintf("operator chose %s", action))
	case ResolutionExpired:
		if e.task.RetryBudget > 0 {
			e.task.RetryBudget--
			d = Retry(e.reasoning())
			e.logger.Info("handoff expired, spending retry budget",
				zap.Int("remaining", e.task.RetryBudget))
		} else {
			d = Abort("handoff expired without a human response")
		}
	default:
		d = Abort(fmt.Sprintf("unrecognized resolution %q", action))
	}

	if d.Kind == DecisionRetry {
		e.current = *d.Strategy
		e.used[e.current.Name] = true
		e.log.Reset()
	}
	e.logger.Info("handoff resolved", zap.String("action", action), zap.String("decision", d.String()))
	return d
}

// Release 在任务结束时释放尝试日志.
func (e *Engine) Release() {
	e.log.Release()
}

// Log returns the task's attempt log.
func (e *Engine) Log() *AttemptLog { return e.log }

// Task returns the task the engine serves.
func (e *Engine) Task() Task {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.task
}

// Domain returns the detected task domain.
func (e *Engine) Domain() Domain { return e.domain }

// Current returns the strategy most recently handed out.
func (e *Engine) Current() Strategy {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.current
}
