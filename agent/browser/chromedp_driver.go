package browser

import (
	"context"
	"fmt"
	"sync"

	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
)

// ChromeDPDriver 基于 chromedp 的 ControlHandle 实现
type ChromeDPDriver struct {
	allocCtx    context.Context
	allocCancel context.CancelFunc
	ctx         context.Context
	cancel      context.CancelFunc
	config      Config
	remote      bool
	logger      *zap.Logger
	mu          sync.Mutex
	closed      bool
}

// NewChromeDPDriver 本地启动浏览器
func NewChromeDPDriver(config Config, logger *zap.Logger) (*ChromeDPDriver, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", config.Headless),
		chromedp.WindowSize(config.ViewportWidth, config.ViewportHeight),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
	)
	if config.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(config.UserAgent))
	}
	if config.ProxyURL != "" {
		opts = append(opts, chromedp.ProxyServer(config.ProxyURL))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	d, err := newDriver(allocCtx, allocCancel, "", config, logger)
	if err != nil {
		return nil, err
	}
	d.logger.Info("chromedp browser started",
		zap.Bool("headless", config.Headless),
		zap.Int("viewport_w", config.ViewportWidth),
		zap.Int("viewport_h", config.ViewportHeight))
	return d, nil
}

// AttachChromeDPDriver 通过 DevTools WebSocket 地址连接已运行的浏览器；
// targetID 非空时接管该标签页，否则新开一个标签页。
func AttachChromeDPDriver(wsURL, targetID string, config Config, logger *zap.Logger) (*ChromeDPDriver, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	allocCtx, allocCancel := chromedp.NewRemoteAllocator(context.Background(), wsURL)
	d, err := newDriver(allocCtx, allocCancel, targetID, config, logger)
	if err != nil {
		return nil, err
	}
	d.remote = true
	d.logger.Info("attached to remote browser",
		zap.String("ws_url", wsURL),
		zap.String("target_id", targetID))
	return d, nil
}

func newDriver(allocCtx context.Context, allocCancel context.CancelFunc, targetID string, config Config, logger *zap.Logger) (*ChromeDPDriver, error) {
	ctxOpts := []chromedp.ContextOption{
		chromedp.WithLogf(func(format string, args ...any) {
			logger.Debug(fmt.Sprintf(format, args...))
		}),
	}
	if targetID != "" {
		ctxOpts = append(ctxOpts, chromedp.WithTargetID(target.ID(targetID)))
	}
	ctx, cancel := chromedp.NewContext(allocCtx, ctxOpts...)

	if err := chromedp.Run(ctx); err != nil {
		cancel()
		allocCancel()
		return nil, fmt.Errorf("failed to start browser: %w", err)
	}

	return &ChromeDPDriver{
		allocCtx:    allocCtx,
		allocCancel: allocCancel,
		ctx:         ctx,
		cancel:      cancel,
		config:      config,
		logger:      logger.With(zap.String("component", "chromedp_driver")),
	}, nil
}

// run 在浏览器上下文中执行动作；调用方 ctx 取消或超出 ActionTimeout 时中止动作，
// 不影响标签页本身。
func (d *ChromeDPDriver) run(ctx context.Context, actions ...chromedp.Action) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}

	runCtx, cancel := context.WithCancel(d.ctx)
	defer cancel()
	if ctx != nil {
		stop := context.AfterFunc(ctx, cancel)
		defer stop()
	}
	if d.config.ActionTimeout > 0 {
		var cancelTimeout context.CancelFunc
		runCtx, cancelTimeout = context.WithTimeout(runCtx, d.config.ActionTimeout)
		defer cancelTimeout()
	}
	return chromedp.Run(runCtx, actions...)
}

// CaptureFrame 截取当前视口的 JPEG 帧
func (d *ChromeDPDriver) CaptureFrame(ctx context.Context) ([]byte, error) {
	quality := d.config.FrameQuality
	if quality <= 0 || quality > 100 {
		quality = 70
	}
	var buf []byte
	err := d.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		buf, err = page.CaptureScreenshot().
			WithFormat(page.CaptureScreenshotFormatJpeg).
			WithQuality(int64(quality)).
			Do(ctx)
		return err
	}))
	if err != nil {
		return nil, fmt.Errorf("capture frame failed: %w", err)
	}
	return buf, nil
}

// Click 点击指定坐标
func (d *ChromeDPDriver) Click(ctx context.Context, x, y int) error {
	d.logger.Debug("clicking", zap.Int("x", x), zap.Int("y", y))
	return d.run(ctx,
		chromedp.ActionFunc(func(ctx context.Context) error {
			return input.DispatchMouseEvent(input.MousePressed, float64(x), float64(y)).
				WithButton(input.Left).WithClickCount(1).Do(ctx)
		}),
		chromedp.ActionFunc(func(ctx context.Context) error {
			return input.DispatchMouseEvent(input.MouseReleased, float64(x), float64(y)).
				WithButton(input.Left).WithClickCount(1).Do(ctx)
		}),
	)
}

// MoveMouse 移动鼠标
func (d *ChromeDPDriver) MoveMouse(ctx context.Context, x, y int) error {
	return d.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		return input.DispatchMouseEvent(input.MouseMoved, float64(x), float64(y)).Do(ctx)
	}))
}

// TypeText 输入文本
func (d *ChromeDPDriver) TypeText(ctx context.Context, text string) error {
	d.logger.Debug("typing", zap.Int("chars", len(text)))
	return d.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		for _, ch := range text {
			if err := input.DispatchKeyEvent(input.KeyChar).WithText(string(ch)).Do(ctx); err != nil {
				return err
			}
		}
		return nil
	}))
}

// PressKey 按下命名按键（Enter、Tab、ArrowDown 等）或单个字符
func (d *ChromeDPDriver) PressKey(ctx context.Context, key string) error {
	seq, err := KeySequence(key)
	if err != nil {
		return err
	}
	return d.run(ctx, chromedp.KeyEvent(seq))
}

// Scroll 在视口中心滚动
func (d *ChromeDPDriver) Scroll(ctx context.Context, deltaY int) error {
	vp := d.config.viewport()
	return d.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		return input.DispatchMouseEvent(input.MouseWheel, float64(vp.Width/2), float64(vp.Height/2)).
			WithDeltaX(0).
			WithDeltaY(float64(deltaY)).Do(ctx)
	}))
}

// Navigate 导航到 URL
func (d *ChromeDPDriver) Navigate(ctx context.Context, url string) error {
	d.logger.Debug("navigating", zap.String("url", url))
	return d.run(ctx, chromedp.Navigate(url))
}

func (d *ChromeDPDriver) GoBack(ctx context.Context) error {
	return d.run(ctx, chromedp.NavigateBack())
}

func (d *ChromeDPDriver) GoForward(ctx context.Context) error {
	return d.run(ctx, chromedp.NavigateForward())
}

func (d *ChromeDPDriver) Reload(ctx context.Context) error {
	return d.run(ctx, chromedp.Reload())
}

// CurrentURL 获取当前 URL
func (d *ChromeDPDriver) CurrentURL(ctx context.Context) (string, error) {
	var url string
	if err := d.run(ctx, chromedp.Location(&url)); err != nil {
		return "", fmt.Errorf("failed to get URL: %w", err)
	}
	return url, nil
}

// CurrentTitle 获取页面标题
func (d *ChromeDPDriver) CurrentTitle(ctx context.Context) (string, error) {
	var title string
	if err := d.run(ctx, chromedp.Title(&title)); err != nil {
		return "", fmt.Errorf("failed to get title: %w", err)
	}
	return title, nil
}

func (d *ChromeDPDriver) Viewport() Viewport {
	return d.config.viewport()
}

// Remote reports whether the driver is attached to an external browser.
func (d *ChromeDPDriver) Remote() bool { return d.remote }

// Close 关闭浏览器（远程模式只断开连接）
func (d *ChromeDPDriver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	d.logger.Info("closing chromedp browser", zap.Bool("remote", d.remote))
	d.cancel()
	d.allocCancel()
	return nil
}
