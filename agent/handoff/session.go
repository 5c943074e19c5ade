package handoff

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/BaSui01/handoffd/agent/browser"
)

// State 会话状态.
type State string

const (
	StatePending State = "pending"
	StateActive  State = "active"
	StateClosing State = "closing"
	StateClosed  State = "closed"
)

// Session 绑定一个接管请求与自动化运行的控制句柄.
type Session struct {
	id        string
	handoffID string
	runID     string
	reason    string
	control   browser.ControlHandle
	createdAt time.Time
	limiter   *rate.Limiter

	ctx      context.Context
	cancel   context.CancelFunc
	loopDone chan struct{}

	mu           sync.Mutex
	state        State
	op           *attachment
	lastActivity time.Time
	resolution   string
	closedAt     time.Time
	frames       int64
	removal      *time.Timer
}

// attachment 是一次操作员连接.
type attachment struct {
	conn       OperatorConn
	operatorID string
	attachedAt time.Time
	cancel     context.CancelFunc
	done       chan struct{}
}

// SessionInfo 是会话快照.
type SessionInfo struct {
	ID                string    `json:"id"`
	HandoffID         string    `json:"handoff_id"`
	RunID             string    `json:"run_id"`
	Reason            string    `json:"reason,omitempty"`
	State             State     `json:"state"`
	Active            bool      `json:"active"`
	OperatorConnected bool      `json:"operator_connected"`
	OperatorID        string    `json:"operator_id,omitempty"`
	FramesPushed      int64     `json:"frames_pushed"`
	Resolution        string    `json:"resolution,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
	LastActivity      time.Time `json:"last_activity"`
	ClosedAt          time.Time `json:"closed_at,omitzero"`
}

func (s *Session) info() SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	si := SessionInfo{
		ID:           s.id,
		HandoffID:    s.handoffID,
		RunID:        s.runID,
		Reason:       s.reason,
		State:        s.state,
		Active:       s.state == StatePending || s.state == StateActive,
		FramesPushed: s.frames,
		Resolution:   s.resolution,
		CreatedAt:    s.createdAt,
		LastActivity: s.lastActivity,
		ClosedAt:     s.closedAt,
	}
	if s.op != nil {
		si.OperatorConnected = true
		si.OperatorID = s.op.operatorID
	}
	return si
}

// current 返回当前操作员连接；无操作员或会话不再活跃时为 nil.
func (s *Session) current() *attachment {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateActive {
		return nil
	}
	return s.op
}

func (s *Session) touch(now time.Time) {
	s.mu.Lock()
	s.lastActivity = now
	s.mu.Unlock()
}

func (s *Session) open() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StatePending || s.state == StateActive
}
