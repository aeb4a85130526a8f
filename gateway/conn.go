package gateway

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/moonpointer/xschat/auth"
	"go.uber.org/zap"
)

const (
	defaultSendBuf = 256
	writeDeadline  = 10 * time.Second
	readDeadline   = 60 * time.Second
	pingInterval   = 30 * time.Second // server-side WS ping
)

// Packet is the unified WS message envelope.
type Packet struct {
	Seq     uint64          `json:"seq"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewPacket marshals payload into a Packet of type typ.
func NewPacket(typ string, payload interface{}) (*Packet, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Packet{Type: typ, Payload: raw}, nil
}

// Conn is one live connection of an authenticated identity. A user may hold
// several at once (tabs, devices).
type Conn struct {
	ID     string
	UserID int64
	Role   string

	WS       *websocket.Conn
	SendChan chan []byte
	Done     chan struct{}
	LastSeq  uint64 // highest client seq seen, owned by the read loop

	// counted is set while the connection holds a presence reference;
	// guarded by the gateway's per-identity lock
	counted bool

	closeOnce sync.Once
	logger    *zap.Logger
}

// NewConn wraps ws for id and starts its write goroutine. ws may be nil for
// in-process consumers that drain SendChan themselves.
func NewConn(id auth.Identity, ws *websocket.Conn, sendBuf int, logger *zap.Logger) *Conn {
	if sendBuf <= 0 {
		sendBuf = defaultSendBuf
	}
	c := &Conn{
		ID:       uuid.NewString(),
		UserID:   id.UserID,
		Role:     id.Role,
		WS:       ws,
		SendChan: make(chan []byte, sendBuf),
		Done:     make(chan struct{}),
		logger:   logger,
	}
	if ws != nil {
		go c.writePump()
	}
	return c
}

// writePump drains SendChan and writes to the WebSocket connection.
// Also sends periodic WebSocket pings to detect dead connections quickly.
func (c *Conn) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	defer c.WS.Close()
	for {
		select {
		case data := <-c.SendChan:
			_ = c.WS.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.WS.WriteMessage(websocket.TextMessage, data); err != nil {
				c.log().Warn("ws write error", zap.Int64("user_id", c.UserID), zap.String("conn_id", c.ID), zap.Error(err))
				c.Close()
				return
			}
		case <-ticker.C:
			_ = c.WS.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.WS.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		case <-c.Done:
			_ = c.WS.SetWriteDeadline(time.Now().Add(writeDeadline))
			_ = c.WS.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// Send encodes pkt and enqueues it without blocking. It reports whether the
// packet was queued; a closed or saturated connection drops it.
func (c *Conn) Send(pkt *Packet) bool {
	data, err := json.Marshal(pkt)
	if err != nil {
		c.log().Error("marshal packet failed", zap.String("type", pkt.Type), zap.Error(err))
		return false
	}
	return c.SendRaw(data)
}

// SendRaw enqueues pre-encoded bytes without blocking.
func (c *Conn) SendRaw(data []byte) bool {
	if c.IsClosed() {
		return false
	}
	select {
	case c.SendChan <- data:
		return true
	case <-c.Done:
		return false
	default:
		c.log().Warn("send channel full, dropping packet",
			zap.Int64("user_id", c.UserID), zap.String("conn_id", c.ID))
		return false
	}
}

// Close signals the writePump to shut down. Safe to call repeatedly.
func (c *Conn) Close() {
	c.closeOnce.Do(func() { close(c.Done) })
}

// IsClosed returns true if the connection has been closed.
func (c *Conn) IsClosed() bool {
	select {
	case <-c.Done:
		return true
	default:
		return false
	}
}

// SetReadDeadline pushes the read deadline 60 s into the future.
func (c *Conn) SetReadDeadline() {
	if c.WS != nil {
		_ = c.WS.SetReadDeadline(time.Now().Add(readDeadline))
	}
}

func (c *Conn) log() *zap.Logger {
	if c.logger == nil {
		return zap.NewNop()
	}
	return c.logger
}
