package rest

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/moonpointer/xschat/apperr"
	"github.com/moonpointer/xschat/audit"
	"github.com/moonpointer/xschat/friend"
	mw "github.com/moonpointer/xschat/middleware"
	"go.uber.org/zap"
)

// FriendHandler handles the friendship graph endpoints.
type FriendHandler struct {
	svc    *friend.Service
	audit  auditor
	logger *zap.Logger
}

// NewFriendHandler creates a new FriendHandler. auditSvc may be nil.
func NewFriendHandler(svc *friend.Service, auditSvc *audit.Service, logger *zap.Logger) *FriendHandler {
	return &FriendHandler{svc: svc, audit: auditor{auditSvc}, logger: logger}
}

// Search handles GET /api/friend/search?keyword=.
func (h *FriendHandler) Search(c *gin.Context) {
	res, err := h.svc.SearchUsers(c.Request.Context(), mw.GetUserID(c), c.Query("keyword"))
	if err != nil {
		apperr.Write(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"users": res})
}

// List handles GET /api/friend/list.
func (h *FriendHandler) List(c *gin.Context) {
	res, err := h.svc.ListFriends(c.Request.Context(), mw.GetUserID(c))
	if err != nil {
		apperr.Write(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"friends": res})
}

// Requests handles GET /api/friend/requests.
func (h *FriendHandler) Requests(c *gin.Context) {
	res, err := h.svc.ListPending(c.Request.Context(), mw.GetUserID(c))
	if err != nil {
		apperr.Write(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"requests": res})
}

type friendRequestBody struct {
	FriendID int64 `json:"friendId" binding:"required,gt=0"`
}

// Request handles POST /api/friend/request {friendId}.
func (h *FriendHandler) Request(c *gin.Context) {
	var req friendRequestBody
	if !bindJSON(c, h.logger, &req) {
		return
	}
	edge, err := h.svc.SendRequest(c.Request.Context(), mw.GetUserID(c), req.FriendID)
	if err != nil {
		apperr.Write(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"request_id": edge.ID})
}

// flexString accepts a JSON string or number.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = flexString(n.String())
	return nil
}

type processBody struct {
	RequestID int64      `json:"requestId" binding:"required,gt=0"`
	Action    flexString `json:"action" binding:"required"`
}

// Process handles POST /api/friend/process {requestId, action}.
func (h *FriendHandler) Process(c *gin.Context) {
	start := time.Now()
	var req processBody
	if !bindJSON(c, h.logger, &req) {
		return
	}
	action, err := friend.ParseAction(string(req.Action))
	if err != nil {
		apperr.Write(c, h.logger, err)
		return
	}
	err = h.svc.ProcessRequest(c.Request.Context(), mw.GetUserID(c), req.RequestID, action)
	h.audit.log(c, start, audit.Entry{
		Action:  audit.ActionFriendProcess,
		Request: gin.H{"request_id": req.RequestID, "action": action},
		Error:   errText(err),
	})
	if err != nil {
		apperr.Write(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// Remove handles DELETE /api/friend/:friendId.
func (h *FriendHandler) Remove(c *gin.Context) {
	start := time.Now()
	friendID, err := int64Param(c.Param("friendId"))
	if err != nil {
		apperr.Write(c, h.logger, err)
		return
	}
	err = h.svc.Unfriend(c.Request.Context(), mw.GetUserID(c), friendID)
	h.audit.log(c, start, audit.Entry{
		TargetID: friendID,
		Action:   audit.ActionUnfriend,
		Error:    errText(err),
	})
	if err != nil {
		apperr.Write(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}
