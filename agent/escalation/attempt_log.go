package escalation

import (
	"sync"
	"time"
)

// AttemptLog 是单个任务的只追加尝试记录。单写者（该任务的 Engine），
// 监控与遥测可以并发读取。
type AttemptLog struct {
	mu       sync.RWMutex
	records  []AttemptRecord
	counts   map[ErrorClass]int
	failures int
	released bool
}

// NewAttemptLog 创建空日志.
func NewAttemptLog() *AttemptLog {
	return &AttemptLog{counts: make(map[ErrorClass]int)}
}

// Append 追加一条记录并返回带序号的副本。已释放的日志忽略写入。
func (l *AttemptLog) Append(rec AttemptRecord) AttemptRecord {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec.Sequence = len(l.records)
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	if l.released {
		return rec
	}
	l.records = append(l.records, rec)
	if rec.Outcome == OutcomeFailure {
		l.failures++
		l.counts[rec.Classification]++
	}
	return rec
}

// History 返回按追加顺序排列的记录副本.
func (l *AttemptLog) History() []AttemptRecord {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]AttemptRecord, len(l.records))
	copy(out, l.records)
	return out
}

// CountByClassification 返回某分类的失败次数.
func (l *AttemptLog) CountByClassification(kind ErrorClass) int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.counts[kind]
}

// MostRepeated 返回出现次数最多的失败分类及次数；平局时按 Classes 顺序取前者。
func (l *AttemptLog) MostRepeated() (ErrorClass, int) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var best ErrorClass
	n := 0
	for _, c := range Classes {
		if l.counts[c] > n {
			best, n = c, l.counts[c]
		}
	}
	return best, n
}

// Failures returns the number of failed attempts.
func (l *AttemptLog) Failures() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.failures
}

// Len returns the number of records.
func (l *AttemptLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.records)
}

// ModelFailed reports whether model already has a failed record.
func (l *AttemptLog) ModelFailed(model string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, r := range l.records {
		if r.Outcome == OutcomeFailure && r.Model == model {
			return true
		}
	}
	return false
}

// Reset 丢弃当前升级上下文的记录（人工响应已被消费）。
func (l *AttemptLog) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = nil
	l.failures = 0
	l.counts = make(map[ErrorClass]int)
}

// Release 在任务结束时释放日志，之后的 Append 被忽略。
func (l *AttemptLog) Release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = nil
	l.failures = 0
	l.counts = make(map[ErrorClass]int)
	l.released = true
}
