package sse

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/moonpointer/xschat/apperr"
	"github.com/moonpointer/xschat/cache"
	"github.com/moonpointer/xschat/config"
	"github.com/moonpointer/xschat/gateway"
	"go.uber.org/zap"
)

const keepaliveInterval = 30 * time.Second

// Handler handles the SSE endpoint.
type Handler struct {
	pubsub    cache.PubSub
	validator gateway.Validator
	notice    string
	announce  string
	keepalive time.Duration
	logger    *zap.Logger
}

// NewHandler creates a new SSE Handler streaming the configured notice and
// announce channels.
func NewHandler(pubsub cache.PubSub, v gateway.Validator, chat config.ChatConfig, logger *zap.Logger) *Handler {
	h := &Handler{
		pubsub:    pubsub,
		validator: v,
		notice:    chat.NoticeChannel,
		announce:  chat.AnnounceChannel,
		keepalive: keepaliveInterval,
		logger:    logger,
	}
	if h.notice == "" {
		h.notice = "notice"
	}
	if h.announce == "" {
		h.announce = "announce"
	}
	return h
}

func token(c *gin.Context) string {
	if h := c.GetHeader("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	return c.Query("token")
}

// writeEvent writes one SSE event. Multi-line data is split into several
// data fields as the format requires.
func writeEvent(w io.Writer, event, data string) {
	fmt.Fprintf(w, "event: %s\n", event)
	for _, line := range strings.Split(data, "\n") {
		fmt.Fprintf(w, "data: %s\n", line)
	}
	fmt.Fprint(w, "\n")
}

// ServeSSE handles GET /sse. It streams presence notices (event: notice) and
// announcements (event: announce) to authenticated clients.
func (h *Handler) ServeSSE(c *gin.Context) {
	tok := token(c)
	if tok == "" {
		apperr.Write(c, h.logger, apperr.Unauthenticated("missing token"))
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	id, err := h.validator.Validate(ctx, tok)
	cancel()
	if err != nil {
		apperr.Write(c, h.logger, err)
		return
	}

	subCtx, subCancel := context.WithCancel(c.Request.Context())
	defer subCancel()

	msgCh, unsub, err := h.pubsub.Subscribe(subCtx, h.notice, h.announce)
	if err != nil {
		h.logger.Error("sse subscribe failed", zap.Error(err))
		apperr.Write(c, h.logger, apperr.Unavailable(err))
		return
	}
	defer unsub()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	writeEvent(c.Writer, "connected", fmt.Sprintf(`{"user_id":%d}`, id.UserID))
	c.Writer.Flush()

	ticker := time.NewTicker(h.keepalive)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-msgCh:
			if !ok {
				return
			}
			event := "notice"
			if msg.Channel == h.announce {
				event = "announce"
			}
			writeEvent(c.Writer, event, msg.Payload)
			c.Writer.Flush()

		case <-ticker.C:
			// Keepalive comment to prevent proxy timeouts.
			fmt.Fprintf(c.Writer, ": keepalive\n\n")
			c.Writer.Flush()

		case <-c.Request.Context().Done():
			return
		}
	}
}

// Announce publishes an announcement to every SSE and WS subscriber.
func (h *Handler) Announce(ctx context.Context, message string) error {
	return h.pubsub.Publish(ctx, h.announce, message)
}
