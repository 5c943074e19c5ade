package handoff

import "time"

// Config 配置会话与推流.
type Config struct {
	// FrameInterval 是推帧周期.
	FrameInterval time.Duration `yaml:"frame_interval" env:"FRAME_INTERVAL" json:"frame_interval"`
	// PushDeadline 约束单帧推送，超时丢帧.
	PushDeadline time.Duration `yaml:"push_deadline" env:"PUSH_DEADLINE" json:"push_deadline"`
	// InputRate 是每秒允许转发的操作员事件数，InputBurst 为突发上限.
	InputRate  float64 `yaml:"input_rate" env:"INPUT_RATE" json:"input_rate"`
	InputBurst int     `yaml:"input_burst" env:"INPUT_BURST" json:"input_burst"`
	// GracePeriod 是会话关闭后保留在表中的时间.
	GracePeriod time.Duration `yaml:"grace_period" env:"GRACE_PERIOD" json:"grace_period"`
	// MessageTimeout 约束控制消息（initial_state、error、handoff_complete）的发送.
	MessageTimeout time.Duration `yaml:"message_timeout" env:"MESSAGE_TIMEOUT" json:"message_timeout"`
}

// DefaultConfig returns the default streaming settings.
func DefaultConfig() Config {
	return Config{
		FrameInterval:  33 * time.Millisecond,
		PushDeadline:   100 * time.Millisecond,
		InputRate:      60,
		InputBurst:     30,
		GracePeriod:    30 * time.Second,
		MessageTimeout: 2 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.FrameInterval <= 0 {
		c.FrameInterval = d.FrameInterval
	}
	if c.PushDeadline <= 0 {
		c.PushDeadline = d.PushDeadline
	}
	if c.InputRate <= 0 {
		c.InputRate = d.InputRate
	}
	if c.InputBurst <= 0 {
		c.InputBurst = d.InputBurst
	}
	if c.GracePeriod < 0 {
		c.GracePeriod = 0
	}
	if c.MessageTimeout <= 0 {
		c.MessageTimeout = d.MessageTimeout
	}
	return c
}
