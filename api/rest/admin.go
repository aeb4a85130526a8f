package rest

import (
	"context"
	"errors"
	"net/http"
	"runtime"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/moonpointer/xschat/apperr"
	"github.com/moonpointer/xschat/audit"
	"github.com/moonpointer/xschat/auth"
	"github.com/moonpointer/xschat/gateway"
	mw "github.com/moonpointer/xschat/middleware"
	"github.com/moonpointer/xschat/model"
	"github.com/moonpointer/xschat/presence"
	"github.com/moonpointer/xschat/scheduler"
	"github.com/moonpointer/xschat/user"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Announcer publishes a system announcement to every connected client.
type Announcer interface {
	Announce(ctx context.Context, message string) error
}

// AdminHandler handles admin-only REST endpoints. /api/admin routes are
// protected by Auth + RequireRole(ADMIN); /api/ops routes by AdminKey.
type AdminHandler struct {
	db        *gorm.DB
	users     *user.Store
	authority *auth.Authority
	gw        *gateway.Gateway
	tracker   *presence.Tracker
	sched     *scheduler.Scheduler
	auditSvc  *audit.Service
	audit     auditor
	announcer Announcer
	started   time.Time
	logger    *zap.Logger
}

// NewAdminHandler creates an AdminHandler. auditSvc and announcer may be nil.
func NewAdminHandler(
	db *gorm.DB,
	users *user.Store,
	authority *auth.Authority,
	gw *gateway.Gateway,
	tracker *presence.Tracker,
	sched *scheduler.Scheduler,
	auditSvc *audit.Service,
	announcer Announcer,
	logger *zap.Logger,
) *AdminHandler {
	return &AdminHandler{
		db:        db,
		users:     users,
		authority: authority,
		gw:        gw,
		tracker:   tracker,
		sched:     sched,
		auditSvc:  auditSvc,
		audit:     auditor{auditSvc},
		announcer: announcer,
		started:   time.Now(),
		logger:    logger,
	}
}

// ListUsers returns a page of users.
// GET /api/admin/users?page=&size=
func (h *AdminHandler) ListUsers(c *gin.Context) {
	size := intQuery(c, "size", 20)
	if size > 100 {
		size = 100
	}
	page, err := h.users.List(c.Request.Context(), intQuery(c, "page", 1), size)
	if err != nil {
		apperr.Write(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

func parseStatus(s string) (string, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case model.StatusActive, "1":
		return model.StatusActive, nil
	case model.StatusBanned, "0":
		return model.StatusBanned, nil
	}
	return "", apperr.BadRequest("status must be ACTIVE or BANNED")
}

type statusBody struct {
	Status flexString `json:"status" binding:"required"`
}

// SetStatus bans or unbans a user. A ban updates the status and revokes the
// session marker in one transaction, so a failed revoke leaves the account
// untouched; live connections are closed after commit.
// PUT /api/admin/user/:id/status
func (h *AdminHandler) SetStatus(c *gin.Context) {
	start := time.Now()
	id, err := int64Param(c.Param("id"))
	if err != nil {
		apperr.Write(c, h.logger, err)
		return
	}
	var req statusBody
	if !bindJSON(c, h.logger, &req) {
		return
	}
	status, err := parseStatus(string(req.Status))
	if err != nil {
		apperr.Write(c, h.logger, err)
		return
	}
	if status == model.StatusBanned && id == mw.GetUserID(c) {
		apperr.Write(c, h.logger, apperr.InvalidOperation("cannot ban yourself"))
		return
	}

	ctx := c.Request.Context()
	err = h.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := h.users.SetStatus(ctx, tx, id, status); err != nil {
			return err
		}
		if status == model.StatusBanned {
			return h.authority.Revoke(ctx, id)
		}
		return nil
	})

	action := audit.ActionUserUnban
	if status == model.StatusBanned {
		action = audit.ActionUserBan
	}
	h.audit.log(c, start, audit.Entry{
		TargetID: id,
		Action:   action,
		Request:  gin.H{"status": status},
		Error:    errText(err),
	})
	if err != nil {
		apperr.Write(c, h.logger, err)
		return
	}

	closed := 0
	if status == model.StatusBanned {
		closed = h.gw.DisconnectUser(id)
	}
	h.logger.Info("admin changed user status",
		zap.Int64("admin_id", mw.GetUserID(c)),
		zap.Int64("user_id", id),
		zap.String("status", status),
		zap.Int("closed", closed))
	c.JSON(http.StatusOK, gin.H{"ok": true, "status": status, "closed": closed})
}

// Kick revokes a user's session and closes their live connections.
// POST /api/admin/kick/:id
func (h *AdminHandler) Kick(c *gin.Context) {
	start := time.Now()
	id, err := int64Param(c.Param("id"))
	if err != nil {
		apperr.Write(c, h.logger, err)
		return
	}
	ctx := c.Request.Context()
	ok, err := h.users.Exists(ctx, id)
	if err == nil && !ok {
		err = apperr.NotFound("user not found")
	}
	if err == nil {
		err = h.authority.Revoke(ctx, id)
	}
	h.audit.log(c, start, audit.Entry{TargetID: id, Action: audit.ActionUserKick, Error: errText(err)})
	if err != nil {
		apperr.Write(c, h.logger, err)
		return
	}
	closed := h.gw.DisconnectUser(id)
	h.logger.Info("admin kicked user", zap.Int64("user_id", id), zap.Int("closed", closed))
	c.JSON(http.StatusOK, gin.H{"ok": true, "closed": closed})
}

type announceBody struct {
	Message string `json:"message" binding:"required,max=2000"`
}

// Announce publishes a system announcement.
// POST /api/admin/announce
func (h *AdminHandler) Announce(c *gin.Context) {
	if h.announcer == nil {
		apperr.Write(c, h.logger, apperr.Unavailable(errors.New("announcements not configured")))
		return
	}
	var req announceBody
	if !bindJSON(c, h.logger, &req) {
		return
	}
	if err := h.announcer.Announce(c.Request.Context(), req.Message); err != nil {
		apperr.Write(c, h.logger, apperr.Unavailable(err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// AuditLogs returns recent audit rows.
// GET /api/admin/audit?action=&limit=
func (h *AdminHandler) AuditLogs(c *gin.Context) {
	if h.auditSvc == nil {
		c.JSON(http.StatusOK, gin.H{"logs": []model.AuditLog{}})
		return
	}
	logs, err := h.auditSvc.Recent(c.Request.Context(), c.Query("action"), intQuery(c, "limit", 100))
	if err != nil {
		apperr.Write(c, h.logger, apperr.Internal(err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"logs": logs})
}

// Metrics returns server health metrics.
// GET /api/ops/metrics
func (h *AdminHandler) Metrics(c *gin.Context) {
	body := gin.H{
		"uptime_s":        int64(time.Since(h.started).Seconds()),
		"goroutines":      runtime.NumGoroutine(),
		"local_users":     h.gw.OnlineCount(),
		"local_conns":     h.gw.ConnectionCount(),
		"online_users":    len(h.tracker.OnlineIDs(c.Request.Context())),
		"scheduler_tasks": h.sched.ListTickers(),
	}
	if h.auditSvc != nil {
		body["audit"] = h.auditSvc.Stats()
	}
	c.JSON(http.StatusOK, body)
}

// ListSchedulerTasks returns every registered task with its run stats.
// GET /api/ops/scheduler
func (h *AdminHandler) ListSchedulerTasks(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"tasks": h.sched.Tasks()})
}

// RunSchedulerTask runs a task immediately.
// POST /api/ops/scheduler/:name/run
func (h *AdminHandler) RunSchedulerTask(c *gin.Context) {
	err := h.sched.RunNow(c.Param("name"))
	switch {
	case errors.Is(err, scheduler.ErrUnknownTask):
		apperr.Write(c, h.logger, apperr.NotFound("unknown task"))
	case err != nil:
		c.JSON(http.StatusOK, gin.H{"ok": false, "error": err.Error()})
	default:
		c.JSON(http.StatusOK, gin.H{"ok": true})
	}
}
