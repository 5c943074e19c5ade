package handoff

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/BaSui01/handoffd/agent/browser"
)

// MessageType 服务端发往操作员的消息类型.
type MessageType string

const (
	MessageInitialState    MessageType = "initial_state"
	MessageFrame           MessageType = "frame"
	MessageError           MessageType = "error"
	MessageHandoffComplete MessageType = "handoff_complete"
)

// Message 是服务端发往操作员的消息；按 Type 使用对应字段.
type Message struct {
	Type MessageType `json:"type"`

	// initial_state
	URL      string            `json:"url,omitempty"`
	Title    string            `json:"title,omitempty"`
	Viewport *browser.Viewport `json:"viewport,omitempty"`
	Reason   string            `json:"reason,omitempty"`

	// frame：Data 以 base64 编码，Timestamp 为 Unix 毫秒
	Data      []byte `json:"data,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`

	// error
	Message string `json:"message,omitempty"`

	// handoff_complete
	Resolution string `json:"resolution,omitempty"`
}

func initialStateMessage(url, title string, vp browser.Viewport, reason string) Message {
	return Message{Type: MessageInitialState, URL: url, Title: title, Viewport: &vp, Reason: reason}
}

func frameMessage(data []byte, at time.Time) Message {
	return Message{Type: MessageFrame, Data: data, Timestamp: at.UnixMilli()}
}

func errorMessage(msg string) Message {
	return Message{Type: MessageError, Message: msg}
}

func completeMessage(resolution string) Message {
	return Message{Type: MessageHandoffComplete, Resolution: resolution}
}

// EventType 操作员发往服务端的事件类型.
type EventType string

const (
	EventMove            EventType = "move"
	EventClick           EventType = "click"
	EventScroll          EventType = "scroll"
	EventText            EventType = "type"
	EventKey             EventType = "key"
	EventNavigate        EventType = "navigate"
	EventBack            EventType = "back"
	EventForward         EventType = "forward"
	EventRefresh         EventType = "refresh"
	EventCompleteHandoff EventType = "complete_handoff"
)

// Event 是操作员输入事件.
type Event struct {
	Type       EventType `json:"type"`
	X          int       `json:"x,omitempty"`
	Y          int       `json:"y,omitempty"`
	DeltaY     int       `json:"deltaY,omitempty"`
	Text       string    `json:"text,omitempty"`
	Key        string    `json:"key,omitempty"`
	URL        string    `json:"url,omitempty"`
	Resolution string    `json:"resolution,omitempty"`
	Comment    string    `json:"comment,omitempty"`
}

// ErrMalformedEvent 表示无法解析的操作员事件；连接保持打开.
var ErrMalformedEvent = errors.New("malformed operator event")

// DecodeEvent parses one operator frame.
func DecodeEvent(data []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if ev.Type == "" {
		return Event{}, fmt.Errorf("%w: missing type", ErrMalformedEvent)
	}
	return ev, nil
}
