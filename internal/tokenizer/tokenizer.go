package tokenizer

import (
	"fmt"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
	"go.uber.org/zap"
)

// Counter 计算文本的 token 数.
type Counter interface {
	CountTokens(text string) (int, error)
	Name() string
}

// 模型到 tiktoken 编码的映射。
var modelEncodings = map[string]string{
	"gpt-4o":        "o200k_base",
	"gpt-4o-mini":   "o200k_base",
	"gpt-4.1":       "o200k_base",
	"gpt-4-turbo":   "cl100k_base",
	"gpt-4":         "cl100k_base",
	"gpt-3.5-turbo": "cl100k_base",
}

// EncodingForModel 返回模型对应的编码，未知模型按前缀匹配，最后默认 cl100k_base。
func EncodingForModel(model string) string {
	if enc, ok := modelEncodings[model]; ok {
		return enc
	}
	best := ""
	for prefix := range modelEncodings {
		if strings.HasPrefix(model, prefix) && len(prefix) > len(best) {
			best = prefix
		}
	}
	if best != "" {
		return modelEncodings[best]
	}
	return "cl100k_base"
}

// TiktokenCounter lazily loads a tiktoken encoding.
type TiktokenCounter struct {
	encoding string
	enc      *tiktoken.Tiktoken
	once     sync.Once
	initErr  error
}

// NewTiktokenCounter 为编码名创建计数器，编码在第一次使用时加载.
func NewTiktokenCounter(encoding string) *TiktokenCounter {
	return &TiktokenCounter{encoding: encoding}
}

func (t *TiktokenCounter) init() error {
	t.once.Do(func() {
		enc, err := tiktoken.GetEncoding(t.encoding)
		if err != nil {
			t.initErr = fmt.Errorf("init tiktoken encoding %s: %w", t.encoding, err)
			return
		}
		t.enc = enc
	})
	return t.initErr
}

func (t *TiktokenCounter) CountTokens(text string) (int, error) {
	if err := t.init(); err != nil {
		return 0, err
	}
	return len(t.enc.Encode(text, nil, nil)), nil
}

func (t *TiktokenCounter) Name() string {
	return fmt.Sprintf("tiktoken[%s]", t.encoding)
}

// EstimatorCounter 按字符估算 token：CJK 约 1.5 字符/token，其余约 4 字符/token.
type EstimatorCounter struct{}

func (EstimatorCounter) CountTokens(text string) (int, error) {
	if text == "" {
		return 0, nil
	}
	total := utf8.RuneCountInString(text)
	cjk := 0
	for _, r := range text {
		if isCJK(r) {
			cjk++
		}
	}
	estimated := int(float64(cjk)/1.5 + float64(total-cjk)/4.0)
	if estimated == 0 {
		estimated = 1
	}
	return estimated, nil
}

func (EstimatorCounter) Name() string { return "estimator" }

func isCJK(r rune) bool {
	return (r >= 0x4E00 && r <= 0x9FFF) ||
		(r >= 0x3400 && r <= 0x4DBF) ||
		(r >= 0x3040 && r <= 0x30FF) ||
		(r >= 0xAC00 && r <= 0xD7AF)
}

// fallbackCounter 先用 primary，失败后永久切换到 secondary。
type fallbackCounter struct {
	primary   Counter
	secondary Counter
	logger    *zap.Logger
	once      sync.Once
	failed    bool
	mu        sync.RWMutex
}

// New 返回模型对应的计数器；tiktoken 加载失败时自动降级为估算器.
func New(model string, logger *zap.Logger) Counter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &fallbackCounter{
		primary:   NewTiktokenCounter(EncodingForModel(model)),
		secondary: EstimatorCounter{},
		logger:    logger.With(zap.String("component", "tokenizer")),
	}
}

func (f *fallbackCounter) CountTokens(text string) (int, error) {
	f.mu.RLock()
	failed := f.failed
	f.mu.RUnlock()
	if !failed {
		n, err := f.primary.CountTokens(text)
		if err == nil {
			return n, nil
		}
		f.once.Do(func() {
			f.logger.Warn("tiktoken unavailable, falling back to estimator",
				zap.String("counter", f.primary.Name()), zap.Error(err))
			f.mu.Lock()
			f.failed = true
			f.mu.Unlock()
		})
	}
	return f.secondary.CountTokens(text)
}

func (f *fallbackCounter) Name() string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.failed {
		return f.secondary.Name()
	}
	return f.primary.Name()
}
