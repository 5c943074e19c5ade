package browser

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Factory 创建一个新的控制句柄
type Factory func(config Config, logger *zap.Logger) (ControlHandle, error)

// ChromeDPFactory 是默认工厂，本地启动 chromedp 浏览器
func ChromeDPFactory(config Config, logger *zap.Logger) (ControlHandle, error) {
	return NewChromeDPDriver(config, logger)
}

// Pool 浏览器实例池；每个自动化运行借出一个句柄，运行结束后归还.
type Pool struct {
	config    Config
	factory   Factory
	pool      chan ControlHandle
	active    map[ControlHandle]bool
	maxSize   int
	logger    *zap.Logger
	mu        sync.Mutex
	closeOnce sync.Once
	closed    bool
}

// NewPool 创建浏览器池；factory 为 nil 时使用 ChromeDPFactory.
func NewPool(config Config, factory Factory, logger *zap.Logger) (*Pool, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if factory == nil {
		factory = ChromeDPFactory
	}
	maxSize := config.PoolSize
	if maxSize <= 0 {
		maxSize = 1
	}
	minIdle := config.MinIdle
	if minIdle > maxSize {
		minIdle = maxSize
	}

	p := &Pool{
		config:  config,
		factory: factory,
		pool:    make(chan ControlHandle, maxSize),
		active:  make(map[ControlHandle]bool),
		maxSize: maxSize,
		logger:  logger.With(zap.String("component", "browser_pool")),
	}

	// 预创建最小空闲实例
	for i := 0; i < minIdle; i++ {
		h, err := factory(config, logger)
		if err != nil {
			_ = p.Close()
			return nil, fmt.Errorf("failed to pre-create browser %d: %w", i, err)
		}
		p.pool <- h
	}

	p.logger.Info("browser pool created",
		zap.Int("max_size", maxSize),
		zap.Int("min_idle", minIdle))
	return p, nil
}

// Acquire 获取一个浏览器实例；池满时阻塞直到有实例归还或 ctx 结束.
func (p *Pool) Acquire(ctx context.Context) (ControlHandle, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrClosed
	}

	select {
	case h := <-p.pool:
		p.active[h] = true
		p.mu.Unlock()
		p.logger.Debug("acquired browser from pool")
		return h, nil
	default:
	}

	if len(p.active)+len(p.pool) >= p.maxSize {
		p.mu.Unlock()
		p.logger.Debug("pool exhausted, waiting for available browser")
		select {
		case h, ok := <-p.pool:
			if !ok {
				return nil, ErrClosed
			}
			p.mu.Lock()
			p.active[h] = true
			p.mu.Unlock()
			return h, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	// 占位，防止并发创建超过上限
	var slot ControlHandle = &placeholder{}
	p.active[slot] = true
	p.mu.Unlock()

	h, err := p.factory(p.config, p.logger)

	p.mu.Lock()
	delete(p.active, slot)
	if err != nil {
		p.mu.Unlock()
		return nil, fmt.Errorf("failed to create browser: %w", err)
	}
	if p.closed {
		p.mu.Unlock()
		_ = h.Close()
		return nil, ErrClosed
	}
	p.active[h] = true
	p.mu.Unlock()

	p.logger.Debug("created new browser instance")
	return h, nil
}

// Release 归还浏览器实例
func (p *Pool) Release(h ControlHandle) {
	if h == nil {
		return
	}
	p.mu.Lock()
	delete(p.active, h)

	if p.closed {
		p.mu.Unlock()
		_ = h.Close()
		return
	}

	// 在锁内放回，防止 Close 关闭 channel 后发送
	select {
	case p.pool <- h:
		p.mu.Unlock()
		p.logger.Debug("browser returned to pool")
	default:
		p.mu.Unlock()
		_ = h.Close()
		p.logger.Debug("pool full, closing excess browser")
	}
}

// Close 关闭浏览器池
func (p *Pool) Close() error {
	p.mu.Lock()
	p.closed = true
	for h := range p.active {
		_ = h.Close()
	}
	p.active = make(map[ControlHandle]bool)
	p.closeOnce.Do(func() { close(p.pool) })
	p.mu.Unlock()

	for h := range p.pool {
		_ = h.Close()
	}

	p.logger.Info("browser pool closed")
	return nil
}

// Stats 返回池统计信息
func (p *Pool) Stats() (idle, active, total int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	idle = len(p.pool)
	active = len(p.active)
	total = idle + active
	return
}

// placeholder 占用创建中的名额
type placeholder struct{ ControlHandle }

func (*placeholder) Close() error { return nil }
