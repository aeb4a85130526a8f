package ws

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/moonpointer/xschat/apperr"
	"github.com/moonpointer/xschat/auth"
	"github.com/moonpointer/xschat/gateway"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func nop() *zap.Logger { return zap.NewNop() }

// newConn creates a socketless Conn whose output is read from SendChan.
func newConn(userID int64) *gateway.Conn {
	return gateway.NewConn(auth.Identity{UserID: userID, Role: "USER"}, nil, 32, nop())
}

func makePacket(t *testing.T, seq uint64, msgType string, payload interface{}) []byte {
	t.Helper()
	p, _ := json.Marshal(payload)
	pkt := gateway.Packet{Seq: seq, Type: msgType, Payload: p}
	b, err := json.Marshal(pkt)
	require.NoError(t, err)
	return b
}

func next(t *testing.T, c *gateway.Conn) gateway.Packet {
	t.Helper()
	select {
	case raw := <-c.SendChan:
		var pkt gateway.Packet
		require.NoError(t, json.Unmarshal(raw, &pkt))
		return pkt
	case <-time.After(time.Second):
		t.Fatal("no packet sent")
		return gateway.Packet{}
	}
}

func noPacket(t *testing.T, c *gateway.Conn) {
	t.Helper()
	select {
	case raw := <-c.SendChan:
		t.Fatalf("unexpected packet %s", raw)
	default:
	}
}

func TestRouter_On_Dispatch_Basic(t *testing.T) {
	r := NewRouter(nop())
	called := false
	r.On("hello", func(ctx context.Context, c *gateway.Conn, payload json.RawMessage) error {
		called = true
		return nil
	})

	c := newConn(1)
	r.Dispatch(c, makePacket(t, 1, "hello", nil))
	assert.True(t, called)
	noPacket(t, c)
}

func TestRouter_Ping(t *testing.T) {
	r := NewRouter(nop())
	c := newConn(1)
	r.Dispatch(c, makePacket(t, 0, "ping", nil))
	assert.Equal(t, "pong", next(t, c).Type)
}

func TestRouter_Dispatch_MalformedJSON(t *testing.T) {
	r := NewRouter(nop())
	c := newConn(1)
	r.Dispatch(c, []byte("not json"))
	pkt := next(t, c)
	assert.Equal(t, TypeError, pkt.Type)
}

func TestRouter_Dispatch_UnknownType(t *testing.T) {
	r := NewRouter(nop())
	called := false
	r.On("known", func(_ context.Context, _ *gateway.Conn, _ json.RawMessage) error {
		called = true
		return nil
	})
	c := newConn(1)
	r.Dispatch(c, makePacket(t, 1, "unknown", nil))
	assert.False(t, called)

	var body ErrorPayload
	pkt := next(t, c)
	require.NoError(t, json.Unmarshal(pkt.Payload, &body))
	assert.Equal(t, "unknown", body.Type)
	assert.Equal(t, apperr.CodeBadRequest, body.Code)
}

func TestRouter_Dispatch_AntiReplay_RejectsOldSeq(t *testing.T) {
	r := NewRouter(nop())
	var callCount int
	r.On("msg", func(_ context.Context, _ *gateway.Conn, _ json.RawMessage) error {
		callCount++
		return nil
	})
	c := newConn(1)

	r.Dispatch(c, makePacket(t, 5, "msg", nil))
	assert.Equal(t, 1, callCount)

	// replay
	r.Dispatch(c, makePacket(t, 5, "msg", nil))
	assert.Equal(t, 1, callCount)

	r.Dispatch(c, makePacket(t, 3, "msg", nil))
	assert.Equal(t, 1, callCount)
}

func TestRouter_Dispatch_AntiReplay_AcceptsNewSeq(t *testing.T) {
	r := NewRouter(nop())
	var callCount int
	r.On("msg", func(_ context.Context, _ *gateway.Conn, _ json.RawMessage) error {
		callCount++
		return nil
	})
	c := newConn(1)

	r.Dispatch(c, makePacket(t, 10, "msg", nil))
	r.Dispatch(c, makePacket(t, 11, "msg", nil))
	r.Dispatch(c, makePacket(t, 100, "msg", nil))
	assert.Equal(t, 3, callCount)
}

func TestRouter_Dispatch_SeqZero_SkipsAntiReplay(t *testing.T) {
	r := NewRouter(nop())
	var callCount int
	r.On("msg", func(_ context.Context, _ *gateway.Conn, _ json.RawMessage) error {
		callCount++
		return nil
	})
	c := newConn(1)
	c.LastSeq = 100

	r.Dispatch(c, makePacket(t, 0, "msg", nil))
	r.Dispatch(c, makePacket(t, 0, "msg", nil))
	assert.Equal(t, 2, callCount)
}

func TestRouter_Dispatch_PayloadPassed(t *testing.T) {
	r := NewRouter(nop())
	var got map[string]interface{}
	r.On("data", func(_ context.Context, _ *gateway.Conn, raw json.RawMessage) error {
		return json.Unmarshal(raw, &got)
	})
	r.Dispatch(newConn(1), makePacket(t, 1, "data", map[string]interface{}{"key": "value"}))
	assert.Equal(t, "value", got["key"])
}

func TestRouter_Dispatch_HandlerErrorBecomesErrorPacket(t *testing.T) {
	r := NewRouter(nop())
	r.On("send", func(_ context.Context, _ *gateway.Conn, _ json.RawMessage) error {
		return apperr.Forbidden("you can only message friends")
	})
	c := newConn(1)
	r.Dispatch(c, makePacket(t, 1, "send", nil))

	pkt := next(t, c)
	assert.Equal(t, TypeError, pkt.Type)
	var body ErrorPayload
	require.NoError(t, json.Unmarshal(pkt.Payload, &body))
	assert.Equal(t, apperr.CodeForbidden, body.Code)
	assert.Equal(t, "you can only message friends", body.Error)
	assert.NotEmpty(t, body.TraceID)
}

func TestRouter_Dispatch_PanicIsContained(t *testing.T) {
	r := NewRouter(nop())
	r.On("boom", func(_ context.Context, _ *gateway.Conn, _ json.RawMessage) error {
		panic("bug")
	})
	c := newConn(1)
	r.Dispatch(c, makePacket(t, 1, "boom", nil))

	var body ErrorPayload
	require.NoError(t, json.Unmarshal(next(t, c).Payload, &body))
	assert.Equal(t, apperr.CodeInternal, body.Code)
	assert.Equal(t, "internal error", body.Error)
}

func TestRouter_TraceIDFromCtx_Present(t *testing.T) {
	r := NewRouter(nop())
	var traceID string
	r.On("trace", func(ctx context.Context, _ *gateway.Conn, _ json.RawMessage) error {
		traceID = TraceIDFromCtx(ctx)
		return nil
	})
	r.Dispatch(newConn(1), makePacket(t, 1, "trace", nil))
	assert.NotEmpty(t, traceID)
}

func TestTraceIDFromCtx_Missing(t *testing.T) {
	assert.Equal(t, "", TraceIDFromCtx(context.Background()))
}

func TestRouter_ReplaceHandler(t *testing.T) {
	r := NewRouter(nop())
	var calls []string
	r.On("msg", func(_ context.Context, _ *gateway.Conn, _ json.RawMessage) error {
		calls = append(calls, "first")
		return nil
	})
	r.On("msg", func(_ context.Context, _ *gateway.Conn, _ json.RawMessage) error {
		calls = append(calls, "second")
		return nil
	})
	r.Dispatch(newConn(1), makePacket(t, 1, "msg", nil))
	assert.Equal(t, []string{"second"}, calls)
}
