package chat

import (
	"context"
	"encoding/json"

	"github.com/moonpointer/xschat/apperr"
	"github.com/moonpointer/xschat/gateway"
	"go.uber.org/zap"
)

// Handler handles the chat WS messages.
type Handler struct {
	engine *Engine
	logger *zap.Logger
}

// NewHandler creates a new chat Handler.
func NewHandler(e *Engine, logger *zap.Logger) *Handler {
	return &Handler{engine: e, logger: logger}
}

type chatSendReq struct {
	ReceiverID int64  `json:"receiver_id"`
	Content    string `json:"content"`
	Type       string `json:"type,omitempty"` // TEXT | IMAGE
}

type chatReadReq struct {
	FriendID int64 `json:"friend_id"`
}

// HandleSend processes a chat_send WS message. The sender's connections
// receive the stored message through the engine echo, which doubles as the ack.
func (h *Handler) HandleSend(ctx context.Context, c *gateway.Conn, raw json.RawMessage) error {
	var req chatSendReq
	if err := json.Unmarshal(raw, &req); err != nil {
		return apperr.BadRequest("malformed chat_send")
	}
	if req.ReceiverID <= 0 {
		return apperr.BadRequest("receiver_id is required")
	}
	_, err := h.engine.Send(ctx, c.UserID, req.ReceiverID, req.Content, req.Type)
	return err
}

// HandleRead processes a chat_read WS message and replies with the number
// of messages marked read.
func (h *Handler) HandleRead(ctx context.Context, c *gateway.Conn, raw json.RawMessage) error {
	var req chatReadReq
	if err := json.Unmarshal(raw, &req); err != nil {
		return apperr.BadRequest("malformed chat_read")
	}
	if req.FriendID <= 0 {
		return apperr.BadRequest("friend_id is required")
	}
	n, err := h.engine.MarkRead(ctx, c.UserID, req.FriendID)
	if err != nil {
		return err
	}
	pkt, _ := gateway.NewPacket("chat_read_ack", map[string]int64{
		"friend_id": req.FriendID,
		"updated":   n,
	})
	c.Send(pkt)
	return nil
}
