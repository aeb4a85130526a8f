package ws

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/moonpointer/xschat/apperr"
	"github.com/moonpointer/xschat/gateway"
	"go.uber.org/zap"
)

// TypeError is the packet type sent back when a handler fails.
const TypeError = "error"

// HandlerFunc processes a decoded WS message payload.
type HandlerFunc func(ctx context.Context, c *gateway.Conn, payload json.RawMessage) error

// ErrorPayload is the body of an error packet.
type ErrorPayload struct {
	Type    string `json:"type"` // the request type that failed
	Code    string `json:"code"`
	Error   string `json:"error"`
	TraceID string `json:"trace_id,omitempty"`
}

// Router dispatches incoming WS packets to registered handlers.
type Router struct {
	handlers map[string]HandlerFunc
	logger   *zap.Logger
}

// NewRouter creates a new Router with the ping handler installed.
func NewRouter(logger *zap.Logger) *Router {
	r := &Router{
		handlers: make(map[string]HandlerFunc),
		logger:   logger,
	}
	r.On("ping", func(_ context.Context, c *gateway.Conn, _ json.RawMessage) error {
		c.Send(&gateway.Packet{Type: "pong"})
		return nil
	})
	return r
}

// On registers a HandlerFunc for the given message type.
func (r *Router) On(msgType string, fn HandlerFunc) {
	r.handlers[msgType] = fn
}

// Dispatch decodes raw bytes, validates seq, and invokes the appropriate
// handler. Handler errors are reported to the connection as error packets.
func (r *Router) Dispatch(c *gateway.Conn, raw []byte) {
	var pkt gateway.Packet
	if err := json.Unmarshal(raw, &pkt); err != nil {
		r.logger.Warn("malformed packet",
			zap.Int64("user_id", c.UserID),
			zap.Error(err))
		r.reply(c, "", apperr.BadRequest("malformed packet"), "")
		return
	}

	// Monotonic seq check (anti-replay). Seq == 0 means no seq tracking.
	if pkt.Seq != 0 && pkt.Seq <= c.LastSeq {
		r.logger.Warn("replayed or out-of-order packet",
			zap.Int64("user_id", c.UserID),
			zap.Uint64("seq", pkt.Seq),
			zap.Uint64("last_seq", c.LastSeq))
		return
	}
	if pkt.Seq != 0 {
		c.LastSeq = pkt.Seq
	}

	traceID := uuid.NewString()
	ctx := context.WithValue(context.Background(), ctxKeyTraceID{}, traceID)

	fn, ok := r.handlers[pkt.Type]
	if !ok {
		r.logger.Debug("unhandled message type",
			zap.String("type", pkt.Type),
			zap.Int64("user_id", c.UserID))
		r.reply(c, pkt.Type, apperr.BadRequest("unknown message type"), traceID)
		return
	}

	if err := r.call(ctx, fn, c, pkt.Payload); err != nil {
		r.logger.Warn("handler error",
			zap.String("type", pkt.Type),
			zap.Int64("user_id", c.UserID),
			zap.String("trace_id", traceID),
			zap.Error(err))
		r.reply(c, pkt.Type, err, traceID)
	}
}

func (r *Router) call(ctx context.Context, fn HandlerFunc, c *gateway.Conn, payload json.RawMessage) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = apperr.Internal(fmt.Errorf("handler panic: %v", rec))
		}
	}()
	return fn(ctx, c, payload)
}

func (r *Router) reply(c *gateway.Conn, reqType string, err error, traceID string) {
	ae := apperr.From(err)
	pkt, _ := gateway.NewPacket(TypeError, ErrorPayload{
		Type:    reqType,
		Code:    ae.Code,
		Error:   ae.Message,
		TraceID: traceID,
	})
	c.Send(pkt)
}

type ctxKeyTraceID struct{}

// TraceIDFromCtx extracts the trace ID from a handler context.
func TraceIDFromCtx(ctx context.Context) string {
	if v, ok := ctx.Value(ctxKeyTraceID{}).(string); ok {
		return v
	}
	return ""
}
