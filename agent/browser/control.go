package browser

import (
	"context"
	"errors"
	"time"
)

// ErrClosed 表示控制句柄已关闭.
var ErrClosed = errors.New("browser control handle closed")

// Viewport 是浏览器视口尺寸.
type Viewport struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// ControlHandle 是自动化运行的浏览器控制面，所有方法并发安全.
type ControlHandle interface {
	CaptureFrame(ctx context.Context) ([]byte, error)
	Click(ctx context.Context, x, y int) error
	MoveMouse(ctx context.Context, x, y int) error
	TypeText(ctx context.Context, text string) error
	PressKey(ctx context.Context, key string) error
	Scroll(ctx context.Context, deltaY int) error
	Navigate(ctx context.Context, url string) error
	GoBack(ctx context.Context) error
	GoForward(ctx context.Context) error
	Reload(ctx context.Context) error
	CurrentURL(ctx context.Context) (string, error)
	CurrentTitle(ctx context.Context) (string, error)
	Viewport() Viewport
	Close() error
}

// Config 配置浏览器驱动.
type Config struct {
	Headless       bool          `yaml:"headless" env:"HEADLESS" json:"headless"`
	ActionTimeout  time.Duration `yaml:"action_timeout" env:"ACTION_TIMEOUT" json:"action_timeout"`
	ViewportWidth  int           `yaml:"viewport_width" env:"VIEWPORT_WIDTH" json:"viewport_width"`
	ViewportHeight int           `yaml:"viewport_height" env:"VIEWPORT_HEIGHT" json:"viewport_height"`
	UserAgent      string        `yaml:"user_agent" env:"USER_AGENT" json:"user_agent,omitempty"`
	ProxyURL       string        `yaml:"proxy_url" env:"PROXY_URL" json:"proxy_url,omitempty"`
	// FrameQuality 是 JPEG 帧质量 (1-100)。
	FrameQuality int `yaml:"frame_quality" env:"FRAME_QUALITY" json:"frame_quality"`
	// PoolSize 是本地浏览器池上限，MinIdle 为预创建数量。
	PoolSize int `yaml:"pool_size" env:"POOL_SIZE" json:"pool_size"`
	MinIdle  int `yaml:"min_idle" env:"MIN_IDLE" json:"min_idle"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Headless:       true,
		ActionTimeout:  10 * time.Second,
		ViewportWidth:  1920,
		ViewportHeight: 1080,
		FrameQuality:   70,
		PoolSize:       4,
		MinIdle:        0,
	}
}

func (c Config) viewport() Viewport {
	return Viewport{Width: c.ViewportWidth, Height: c.ViewportHeight}
}
