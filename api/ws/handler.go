package ws

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/moonpointer/xschat/apperr"
	"github.com/moonpointer/xschat/config"
	"github.com/moonpointer/xschat/gateway"
	"go.uber.org/zap"
)

const maxMessageBytes = 16 << 10

// Handler is the Gin handler for GET /ws.
type Handler struct {
	gw       *gateway.Gateway
	router   *Router
	logger   *zap.Logger
	upgrader websocket.Upgrader
}

// NewHandler creates a new WebSocket Handler.
// sec.AllowedOrigins controls which WebSocket origins are accepted.
// An empty slice permits all origins (development only).
func NewHandler(gw *gateway.Gateway, router *Router, sec config.SecurityConfig, logger *zap.Logger) *Handler {
	h := &Handler{gw: gw, router: router, logger: logger}
	allowed := sec.AllowedOrigins
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowed) == 0 {
				return true // dev mode: allow all
			}
			origin := r.Header.Get("Origin")
			for _, o := range allowed {
				if o == origin {
					return true
				}
			}
			return false
		},
	}
	return h
}

// tokenFrom reads the bearer token from the Authorization header, falling
// back to ?token= for browser clients that cannot set headers on upgrade.
func tokenFrom(c *gin.Context) string {
	if h := c.GetHeader("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	return c.Query("token")
}

// ServeWS handles GET /ws. The token is validated before the upgrade so a
// refused client gets a plain 401.
func (h *Handler) ServeWS(c *gin.Context) {
	token := tokenFrom(c)
	if token == "" {
		apperr.Write(c, h.logger, apperr.Unauthenticated("missing token"))
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	id, err := h.gw.Authenticate(ctx, token)
	cancel()
	if err != nil {
		apperr.Write(c, h.logger, err)
		return
	}

	ws, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("ws upgrade failed", zap.Error(err))
		return
	}
	ws.SetReadLimit(maxMessageBytes)

	conn := h.gw.NewConn(id, ws)
	ctx, cancel = context.WithTimeout(context.Background(), 3*time.Second)
	err = h.gw.Register(ctx, conn, token)
	cancel()
	if err != nil {
		// the write pump closes the socket once conn is closed
		return
	}
	h.logger.Info("ws connected",
		zap.Int64("user_id", conn.UserID),
		zap.String("conn_id", conn.ID))
	h.readPump(conn)
}

// readPump reads messages from the WebSocket connection and dispatches them
// until the socket fails, then releases the connection.
func (h *Handler) readPump(conn *gateway.Conn) {
	defer func() {
		h.gw.OnDisconnect(context.Background(), conn)
		h.logger.Info("ws disconnected",
			zap.Int64("user_id", conn.UserID),
			zap.String("conn_id", conn.ID))
	}()

	conn.SetReadDeadline()
	conn.WS.SetPongHandler(func(string) error {
		conn.SetReadDeadline()
		return nil
	})

	for {
		_, raw, err := conn.WS.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseNormalClosure,
				websocket.CloseNoStatusReceived) {
				h.logger.Warn("ws unexpected close",
					zap.Int64("user_id", conn.UserID),
					zap.Error(err))
			}
			return
		}
		conn.SetReadDeadline()
		h.router.Dispatch(conn, raw)
	}
}
