package handoff

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Frame outcomes reported to MetricsRecorder.
const (
	FramePushed        = "pushed"
	FrameDropped       = "dropped"
	FrameCaptureFailed = "capture_failed"
)

// stream 是会话的推流循环，会话关闭时退出.
func (m *Manager) stream(s *Session) {
	defer close(s.loopDone)
	ticker := time.NewTicker(m.cfg.FrameInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			m.tick(s)
		}
	}
}

// tick 推送一帧；没有操作员时什么也不做.
func (m *Manager) tick(s *Session) {
	att := s.current()
	if att == nil {
		return
	}

	capCtx, capCancel := context.WithTimeout(s.ctx, m.captureTimeout())
	data, err := s.control.CaptureFrame(capCtx)
	capCancel()
	if err != nil {
		if s.ctx.Err() == nil {
			m.logger.Debug("frame capture failed", zap.String("session_id", s.id), zap.Error(err))
			m.recordFrame(FrameCaptureFailed)
		}
		return
	}

	ctx, cancel := context.WithTimeout(s.ctx, m.cfg.PushDeadline)
	defer cancel()
	now := m.now()
	if err := att.conn.Send(ctx, frameMessage(data, now)); err != nil {
		if s.ctx.Err() == nil {
			m.logger.Debug("frame dropped", zap.String("session_id", s.id),
				zap.Error(&TransportError{Op: "push_frame", Err: err}))
			m.recordFrame(FrameDropped)
		}
		return
	}

	s.mu.Lock()
	s.frames++
	s.lastActivity = now
	s.mu.Unlock()
	m.recordFrame(FramePushed)
}

// captureTimeout 限制单次截帧，不超过一个推帧周期与推送时限之和.
func (m *Manager) captureTimeout() time.Duration {
	return m.cfg.FrameInterval + m.cfg.PushDeadline
}

func (m *Manager) recordFrame(outcome string) {
	if m.metrics != nil {
		m.metrics.RecordFrame(outcome)
	}
}

// readLoop 按到达顺序处理操作员事件，直到连接断开或被替换.
func (m *Manager) readLoop(ctx context.Context, s *Session, att *attachment) {
	defer close(att.done)
	for {
		ev, err := att.conn.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, ErrMalformedEvent) {
				m.reportError(s, att, err.Error())
				continue
			}
			m.logger.Debug("operator connection lost", zap.String("session_id", s.id), zap.Error(err))
			m.detach(s.id, att, "connection lost")
			return
		}
		// 已被替换的连接在关闭前收到的事件直接丢弃
		if s.current() != att {
			continue
		}

		if err := s.limiter.Wait(ctx); err != nil {
			return
		}
		s.touch(m.now())

		err = m.handleEvent(ctx, s, att, ev)
		if m.metrics != nil {
			m.metrics.RecordOperatorEvent(string(ev.Type), err != nil)
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			m.logger.Debug("operator event failed",
				zap.String("session_id", s.id),
				zap.String("event", string(ev.Type)),
				zap.Error(err))
			m.reportError(s, att, err.Error())
		}
	}
}

// handleEvent 把事件转发到控制句柄.
func (m *Manager) handleEvent(ctx context.Context, s *Session, att *attachment, ev Event) error {
	var err error
	switch ev.Type {
	case EventMove:
		err = s.control.MoveMouse(ctx, ev.X, ev.Y)
	case EventClick:
		err = s.control.Click(ctx, ev.X, ev.Y)
	case EventScroll:
		err = s.control.Scroll(ctx, ev.DeltaY)
	case EventText:
		err = s.control.TypeText(ctx, ev.Text)
	case EventKey:
		if ev.Key == "" {
			return fmt.Errorf("key event requires a key")
		}
		err = s.control.PressKey(ctx, ev.Key)
	case EventNavigate:
		if ev.URL == "" {
			return fmt.Errorf("navigate event requires a url")
		}
		err = s.control.Navigate(ctx, ev.URL)
	case EventBack:
		err = s.control.GoBack(ctx)
	case EventForward:
		err = s.control.GoForward(ctx)
	case EventRefresh:
		err = s.control.Reload(ctx)
	case EventCompleteHandoff:
		return m.complete(ctx, s, att, ev)
	default:
		return fmt.Errorf("unknown event type %q", ev.Type)
	}
	if err != nil {
		return &TransportError{Op: string(ev.Type), Err: err}
	}
	return nil
}

// complete 以操作员身份响应接管请求；请求进入终态后由 handleResolved 关闭会话.
func (m *Manager) complete(ctx context.Context, s *Session, att *attachment, ev Event) error {
	if ev.Resolution == "" {
		return fmt.Errorf("complete_handoff requires a resolution")
	}
	_, err := m.registry.Respond(ctx, s.handoffID, ev.Resolution, ev.Comment, att.operatorID)
	if err != nil {
		return err
	}
	m.logger.Info("operator completed handoff",
		zap.String("session_id", s.id),
		zap.String("handoff_id", s.handoffID),
		zap.String("resolution", ev.Resolution),
		zap.String("operator_id", att.operatorID))
	return nil
}

func (m *Manager) reportError(s *Session, att *attachment, msg string) {
	ctx, cancel := context.WithTimeout(s.ctx, m.cfg.MessageTimeout)
	defer cancel()
	if err := att.conn.Send(ctx, errorMessage(msg)); err != nil {
		m.logger.Debug("error message not delivered", zap.String("session_id", s.id),
			zap.Error(&TransportError{Op: "error", Err: err}))
	}
}
