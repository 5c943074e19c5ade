package hitl

import (
	"context"
	"sync"
)

// Notifier 为每个请求 ID 提供一次性信号。Await 可以在 Resolve 之前或之后
// 调用，多个等待者看到同一个响应。
type Notifier struct {
	mu      sync.Mutex
	signals map[string]*signal
}

type signal struct {
	done chan struct{}
	once sync.Once
	resp *HumanResponse
	err  error
}

// NewNotifier creates an empty notifier.
func NewNotifier() *Notifier {
	return &Notifier{signals: make(map[string]*signal)}
}

func (n *Notifier) get(id string) *signal {
	n.mu.Lock()
	defer n.mu.Unlock()
	s, ok := n.signals[id]
	if !ok {
		s = &signal{done: make(chan struct{})}
		n.signals[id] = s
	}
	return s
}

// Resolve 完成信号；只有第一次调用生效，返回是否由本次完成.
func (n *Notifier) Resolve(id string, resp *HumanResponse) bool {
	s := n.get(id)
	fired := false
	s.once.Do(func() {
		s.resp = resp
		close(s.done)
		fired = true
	})
	return fired
}

// Await 阻塞直到信号完成或 ctx 结束.
func (n *Notifier) Await(ctx context.Context, id string) (*HumanResponse, error) {
	s := n.get(id)
	select {
	case <-s.done:
		if s.err != nil {
			return nil, s.err
		}
		resp := *s.resp
		return &resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Done 返回一个在信号完成时关闭的 channel.
func (n *Notifier) Done(id string) <-chan struct{} {
	return n.get(id).done
}

// Release 丢弃 ID 对应的信号；仍在等待的调用方收到 ErrReleased.
func (n *Notifier) Release(id string) {
	n.mu.Lock()
	s, ok := n.signals[id]
	delete(n.signals, id)
	n.mu.Unlock()
	if !ok {
		return
	}
	s.once.Do(func() {
		s.err = ErrReleased
		close(s.done)
	})
}

// Len returns the number of tracked signals.
func (n *Notifier) Len() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.signals)
}
