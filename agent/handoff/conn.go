package handoff

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"
)

// OperatorConn 是操作员的双工连接。Send 可被多个 goroutine 调用；
// Receive 只由会话的读循环调用.
type OperatorConn interface {
	Send(ctx context.Context, msg Message) error
	Receive(ctx context.Context) (Event, error)
	Close(reason string) error
}

const defaultWriteTimeout = 10 * time.Second

// WSConn 将 coder/websocket 连接适配为 OperatorConn。
// 写操作串行化；Send 的 ctx 只约束等待，超时返回后已开始的写入在后台完成，
// 因此慢连接上的帧会被丢弃而不是排队.
type WSConn struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
	logger       *zap.Logger

	sem       chan struct{}
	closed    chan struct{}
	closeOnce sync.Once
}

// NewWSConn 从已建立的 WebSocket 连接创建适配器.
func NewWSConn(conn *websocket.Conn, logger *zap.Logger) *WSConn {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WSConn{
		conn:         conn,
		writeTimeout: defaultWriteTimeout,
		logger:       logger.With(zap.String("component", "operator_ws_conn")),
		sem:          make(chan struct{}, 1),
		closed:       make(chan struct{}),
	}
}

// Send 将消息编码为 JSON 文本帧发送.
func (w *WSConn) Send(ctx context.Context, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	select {
	case <-w.closed:
		return ErrConnClosed
	default:
	}

	select {
	case w.sem <- struct{}{}:
	case <-w.closed:
		return ErrConnClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	errc := make(chan error, 1)
	go func() {
		defer func() { <-w.sem }()
		wctx, cancel := context.WithTimeout(context.Background(), w.writeTimeout)
		defer cancel()
		errc <- w.conn.Write(wctx, websocket.MessageText, data)
	}()

	select {
	case err := <-errc:
		if err != nil {
			return fmt.Errorf("websocket write: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Receive 读取并解码一个操作员事件.
func (w *WSConn) Receive(ctx context.Context) (Event, error) {
	typ, data, err := w.conn.Read(ctx)
	if err != nil {
		return Event{}, fmt.Errorf("websocket read: %w", err)
	}
	if typ != websocket.MessageText {
		return Event{}, fmt.Errorf("%w: unexpected message type %s", ErrMalformedEvent, typ)
	}
	return DecodeEvent(data)
}

// Close 关闭 WebSocket 连接，可重复调用.
func (w *WSConn) Close(reason string) error {
	var err error
	w.closeOnce.Do(func() {
		close(w.closed)
		err = w.conn.Close(websocket.StatusNormalClosure, reason)
	})
	return err
}
