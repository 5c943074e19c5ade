package escalation

import "sync"

const (
	confidenceSeed         = 0.5
	confidenceSuccessBonus = 0.3
	confidenceProvenBonus  = 0.2
	confidenceModelPenalty = 0.1
)

// SuccessBook 记录各领域中成功过的策略，跨任务共享.
type SuccessBook struct {
	mu   sync.RWMutex
	wins map[Domain]map[string]int
}

// NewSuccessBook creates an empty book.
func NewSuccessBook() *SuccessBook {
	return &SuccessBook{wins: make(map[Domain]map[string]int)}
}

// Record 记一次成功.
func (b *SuccessBook) Record(domain Domain, strategy string) {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	m, ok := b.wins[domain]
	if !ok {
		m = make(map[string]int)
		b.wins[domain] = m
	}
	m[strategy]++
}

// Succeeded reports whether strategy has succeeded for domain before.
func (b *SuccessBook) Succeeded(domain Domain, strategy string) bool {
	if b == nil {
		return false
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.wins[domain][strategy] > 0
}

// Score 计算一次尝试的置信度，结果截断到 [0,1].
func Score(succeeded, strategyProven, modelFailedBefore bool) float64 {
	c := confidenceSeed
	if succeeded {
		c += confidenceSuccessBonus
	}
	if strategyProven {
		c += confidenceProvenBonus
	}
	if modelFailedBefore {
		c -= confidenceModelPenalty
	}
	switch {
	case c < 0:
		return 0
	case c > 1:
		return 1
	}
	return c
}
