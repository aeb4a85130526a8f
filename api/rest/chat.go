package rest

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/moonpointer/xschat/apperr"
	"github.com/moonpointer/xschat/chat"
	"github.com/moonpointer/xschat/friend"
	mw "github.com/moonpointer/xschat/middleware"
	"go.uber.org/zap"
)

// ChatHandler exposes the delivery engine over HTTP for history, read state
// and clients that cannot hold a websocket.
type ChatHandler struct {
	engine  *chat.Engine
	friends *friend.Service
	logger  *zap.Logger
}

// NewChatHandler creates a new ChatHandler.
func NewChatHandler(engine *chat.Engine, friends *friend.Service, logger *zap.Logger) *ChatHandler {
	return &ChatHandler{engine: engine, friends: friends, logger: logger}
}

// History handles GET /api/chat/history?friendId=&page=&size=.
func (h *ChatHandler) History(c *gin.Context) {
	friendID, err := int64Param(c.Query("friendId"))
	if err != nil {
		apperr.Write(c, h.logger, err)
		return
	}
	page, err := h.engine.History(c.Request.Context(), mw.GetUserID(c), friendID,
		intQuery(c, "page", 1), intQuery(c, "size", 0))
	if err != nil {
		apperr.Write(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

type readBody struct {
	FriendID int64 `json:"friendId" binding:"required,gt=0"`
}

// Read handles PUT /api/chat/read {friendId}.
func (h *ChatHandler) Read(c *gin.Context) {
	var req readBody
	if !bindJSON(c, h.logger, &req) {
		return
	}
	n, err := h.engine.MarkRead(c.Request.Context(), mw.GetUserID(c), req.FriendID)
	if err != nil {
		apperr.Write(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"updated": n})
}

type sendBody struct {
	ReceiverID int64  `json:"receiverId" binding:"required,gt=0"`
	Content    string `json:"content" binding:"required"`
	Type       string `json:"type"`
}

// Send handles POST /api/chat/send, the HTTP form of chat_send.
func (h *ChatHandler) Send(c *gin.Context) {
	var req sendBody
	if !bindJSON(c, h.logger, &req) {
		return
	}
	res, err := h.engine.Send(c.Request.Context(), mw.GetUserID(c), req.ReceiverID, req.Content, req.Type)
	if err != nil {
		apperr.Write(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, res)
}

// Online handles GET /api/chat/online: online users who are not yet friends.
func (h *ChatHandler) Online(c *gin.Context) {
	users, err := h.friends.DiscoverOnline(c.Request.Context(), mw.GetUserID(c))
	if err != nil {
		apperr.Write(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"users": users})
}

// Unread handles GET /api/chat/unread.
func (h *ChatHandler) Unread(c *gin.Context) {
	counts, err := h.engine.UnreadCounts(c.Request.Context(), mw.GetUserID(c))
	if err != nil {
		apperr.Write(c, h.logger, err)
		return
	}
	total := int64(0)
	for _, n := range counts {
		total += n
	}
	c.JSON(http.StatusOK, gin.H{"total": total, "by_sender": counts})
}
