package browser

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
)

// ErrNoPool 表示未配置本地浏览器池
var ErrNoPool = errors.New("local browser pool is not configured")

// lease 是从池中借出的句柄；Close 把浏览器归还池而不是关闭它
type lease struct {
	ControlHandle
	pool *Pool
	once sync.Once
}

func (l *lease) Close() error {
	l.once.Do(func() { l.pool.Release(l.ControlHandle) })
	return nil
}

// Lease 借出一个句柄，调用其 Close 即归还
func (p *Pool) Lease(ctx context.Context) (ControlHandle, error) {
	h, err := p.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	return &lease{ControlHandle: h, pool: p}, nil
}

// Attacher 连接到外部浏览器的 DevTools 端点
type Attacher func(wsURL, targetID string, config Config, logger *zap.Logger) (ControlHandle, error)

// ChromeDPAttacher 是默认的 Attacher
func ChromeDPAttacher(wsURL, targetID string, config Config, logger *zap.Logger) (ControlHandle, error) {
	return AttachChromeDPDriver(wsURL, targetID, config, logger)
}

// Controls 为自动化运行提供控制句柄：远程接管或从本地池借出
type Controls struct {
	config Config
	pool   *Pool
	attach Attacher
	logger *zap.Logger
}

// NewControls 创建 Controls；pool 为 nil 时 Launch 不可用，attach 为 nil 时使用 chromedp
func NewControls(config Config, pool *Pool, attach Attacher, logger *zap.Logger) *Controls {
	if logger == nil {
		logger = zap.NewNop()
	}
	if attach == nil {
		attach = ChromeDPAttacher
	}
	return &Controls{config: config, pool: pool, attach: attach, logger: logger}
}

// Attach 接管 wsURL 指向的浏览器
func (c *Controls) Attach(ctx context.Context, wsURL, targetID string) (ControlHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return c.attach(wsURL, targetID, c.config, c.logger)
}

// Launch 从本地池借出浏览器
func (c *Controls) Launch(ctx context.Context) (ControlHandle, error) {
	if c.pool == nil {
		return nil, ErrNoPool
	}
	return c.pool.Lease(ctx)
}

// Close 关闭本地池
func (c *Controls) Close() error {
	if c.pool == nil {
		return nil
	}
	return c.pool.Close()
}
