package handoff

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func readMessage(t *testing.T, ctx context.Context, c *websocket.Conn, typ MessageType) Message {
	t.Helper()
	for {
		_, data, err := c.Read(ctx)
		require.NoError(t, err)
		var msg Message
		require.NoError(t, json.Unmarshal(data, &msg))
		if msg.Type == typ {
			return msg
		}
	}
}

func writeEvent(t *testing.T, ctx context.Context, c *websocket.Conn, ev Event) {
	t.Helper()
	data, err := json.Marshal(ev)
	require.NoError(t, err)
	require.NoError(t, c.Write(ctx, websocket.MessageText, data))
}

func TestWSConn_EndToEnd(t *testing.T) {
	f := newFixture(t, testConfig())
	info, _ := f.open(t, "run-ws")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		_ = f.manager.ServeOperator(r.Context(), info.ID, NewWSConn(c, zap.NewNop()), "alice")
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer client.CloseNow()

	initial := readMessage(t, ctx, client, MessageInitialState)
	assert.Equal(t, "Sign in", initial.Title)

	frame := readMessage(t, ctx, client, MessageFrame)
	assert.Equal(t, []byte{0xff, 0xd8, 0xff}, frame.Data)

	writeEvent(t, ctx, client, Event{Type: EventMove, X: 10, Y: 20})
	writeEvent(t, ctx, client, Event{Type: EventClick, X: 100, Y: 200})
	require.Eventually(t, func() bool { return len(f.control.Calls()) == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"move 10 20", "click 100 200"}, f.control.Calls())

	require.NoError(t, client.Write(ctx, websocket.MessageText, []byte("not json")))
	errMsg := readMessage(t, ctx, client, MessageError)
	assert.Contains(t, errMsg.Message, "malformed")

	writeEvent(t, ctx, client, Event{Type: EventCompleteHandoff, Resolution: "continue"})
	done := readMessage(t, ctx, client, MessageHandoffComplete)
	assert.Equal(t, "continue", done.Resolution)
}

func TestDecodeEvent(t *testing.T) {
	ev, err := DecodeEvent([]byte(`{"type":"scroll","deltaY":-120}`))
	require.NoError(t, err)
	assert.Equal(t, EventScroll, ev.Type)
	assert.Equal(t, -120, ev.DeltaY)

	ev, err = DecodeEvent([]byte(`{"type":"complete_handoff","resolution":"abort","comment":"gave up"}`))
	require.NoError(t, err)
	assert.Equal(t, "abort", ev.Resolution)
	assert.Equal(t, "gave up", ev.Comment)

	_, err = DecodeEvent([]byte(`{}`))
	assert.ErrorIs(t, err, ErrMalformedEvent)
	_, err = DecodeEvent([]byte(`{`))
	assert.ErrorIs(t, err, ErrMalformedEvent)
}

func TestMessageEncoding(t *testing.T) {
	data, err := json.Marshal(frameMessage([]byte("jpeg"), time.UnixMilli(1700000000000)))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"frame","data":"anBlZw==","timestamp":1700000000000}`, string(data))

	data, err = json.Marshal(completeMessage("expired"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"handoff_complete","resolution":"expired"}`, string(data))
}

func TestWSConn_EvictedOperatorReceivesNotice(t *testing.T) {
	f := newFixture(t, testConfig())
	info, _ := f.open(t, "run-ws")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		conn := NewWSConn(c, zap.NewNop())
		_ = f.manager.ServeOperator(r.Context(), info.ID, conn, r.URL.Query().Get("operator"))
		_ = conn.Close("session ended")
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	dial := func(operator string) *websocket.Conn {
		c, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"?operator="+operator, nil)
		require.NoError(t, err)
		t.Cleanup(func() { c.CloseNow() })
		return c
	}

	alice := dial("alice")
	readMessage(t, ctx, alice, MessageInitialState)
	require.Eventually(t, func() bool {
		got, err := f.manager.Get(info.ID)
		return err == nil && got.OperatorID == "alice"
	}, 2*time.Second, 5*time.Millisecond)

	bob := dial("bob")
	readMessage(t, ctx, bob, MessageInitialState)

	notice := readMessage(t, ctx, alice, MessageError)
	assert.Contains(t, notice.Message, "another operator took over")

	// 通知之后连接被关闭
	for {
		if _, _, err := alice.Read(ctx); err != nil {
			assert.NoError(t, ctx.Err())
			break
		}
	}

	got, err := f.manager.Get(info.ID)
	require.NoError(t, err)
	assert.Equal(t, "bob", got.OperatorID)
}
