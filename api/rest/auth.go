package rest

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/moonpointer/xschat/apperr"
	"github.com/moonpointer/xschat/audit"
	"github.com/moonpointer/xschat/auth"
	"github.com/moonpointer/xschat/config"
	mw "github.com/moonpointer/xschat/middleware"
	"github.com/moonpointer/xschat/model"
	"github.com/moonpointer/xschat/plugin/hook"
	"github.com/moonpointer/xschat/user"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

// AuthHandler handles registration, login and profile endpoints.
type AuthHandler struct {
	users     *user.Store
	authority *auth.Authority
	audit     auditor
	hooks     *hook.HookCenter
	sec       config.SecurityConfig
	logger    *zap.Logger
}

// NewAuthHandler creates a new AuthHandler. auditSvc and hooks may be nil.
func NewAuthHandler(users *user.Store, authority *auth.Authority, auditSvc *audit.Service, hooks *hook.HookCenter, sec config.SecurityConfig, logger *zap.Logger) *AuthHandler {
	if sec.BcryptCost == 0 {
		sec.BcryptCost = bcrypt.DefaultCost
	}
	if hooks == nil {
		hooks = hook.NewHookCenter(logger)
	}
	return &AuthHandler{users: users, authority: authority, audit: auditor{auditSvc}, hooks: hooks, sec: sec, logger: logger}
}

type registerRequest struct {
	Username string `json:"username" binding:"required,min=2,max=32"`
	Password string `json:"password" binding:"required,min=6,max=64"`
	Nickname string `json:"nickname" binding:"max=64"`
}

type loginRequest struct {
	Username string `json:"username" binding:"required,max=32"`
	Password string `json:"password" binding:"required,max=64"`
}

type loginResponse struct {
	Token     string      `json:"token"`
	ExpiresIn int64       `json:"expires_in"`
	User      *model.User `json:"user"`
}

func (h *AuthHandler) isAdminName(username string) bool {
	for _, n := range h.sec.AdminUsernames {
		if strings.EqualFold(n, username) {
			return true
		}
	}
	return false
}

// Register handles POST /api/auth/register.
func (h *AuthHandler) Register(c *gin.Context) {
	start := time.Now()
	var req registerRequest
	if !bindJSON(c, h.logger, &req) {
		return
	}
	req.Username = strings.TrimSpace(req.Username)

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), h.sec.BcryptCost)
	if err != nil {
		apperr.Write(c, h.logger, apperr.Internal(err))
		return
	}
	u := &model.User{
		Username:     req.Username,
		PasswordHash: string(hash),
		Role:         model.RoleUser,
		Status:       model.StatusActive,
	}
	if nick := strings.TrimSpace(req.Nickname); nick != "" {
		u.Nickname = &nick
	}
	if h.isAdminName(u.Username) {
		u.Role = model.RoleAdmin
	}
	err = h.users.Create(c.Request.Context(), u)
	h.audit.log(c, start, audit.Entry{
		ActorID: u.ID,
		Action:  audit.ActionRegister,
		Request: gin.H{"username": req.Username},
		Error:   errText(err),
	})
	if err != nil {
		apperr.Write(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, u)
}

// Login handles POST /api/auth/login. The password is checked before the
// ban so a wrong password never reveals the account state.
func (h *AuthHandler) Login(c *gin.Context) {
	start := time.Now()
	var req loginRequest
	if !bindJSON(c, h.logger, &req) {
		return
	}
	ctx := c.Request.Context()
	fail := func(actor int64, err error) {
		h.audit.log(c, start, audit.Entry{
			ActorID: actor,
			Action:  audit.ActionLogin,
			Request: gin.H{"username": req.Username},
			Error:   err.Error(),
		})
		apperr.Write(c, h.logger, err)
	}

	u, err := h.users.ByUsername(ctx, strings.TrimSpace(req.Username))
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			err = apperr.Unauthenticated("invalid username or password")
		}
		fail(0, err)
		return
	}
	if bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(req.Password)) != nil {
		fail(u.ID, apperr.Unauthenticated("invalid username or password"))
		return
	}
	if u.Banned() {
		fail(u.ID, apperr.Forbidden("account banned"))
		return
	}

	token, err := h.authority.Issue(ctx, u.ID, u.Role)
	if err != nil {
		fail(u.ID, err)
		return
	}
	if err := h.users.RecordLogin(ctx, u, c.ClientIP()); err != nil {
		h.logger.Warn("record login failed", zap.Int64("user_id", u.ID), zap.Error(err))
	}
	h.hooks.Fire(ctx, hook.OnUserLogin, u.ID)
	h.audit.log(c, start, audit.Entry{
		ActorID: u.ID,
		Action:  audit.ActionLogin,
		Request: gin.H{"username": req.Username},
	})

	c.JSON(http.StatusOK, loginResponse{
		Token:     token,
		ExpiresIn: int64(h.authority.TTL().Seconds()),
		User:      u,
	})
}

// Logout handles POST /api/auth/logout. Every token of the caller stops
// validating, not only the one presented.
func (h *AuthHandler) Logout(c *gin.Context) {
	start := time.Now()
	uid := mw.GetUserID(c)
	err := h.authority.Revoke(c.Request.Context(), uid)
	h.audit.log(c, start, audit.Entry{Action: audit.ActionLogout, Error: errText(err)})
	if err != nil {
		apperr.Write(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "logged out"})
}

// Refresh handles POST /api/auth/refresh. With single_session on, the
// presented token stops validating.
func (h *AuthHandler) Refresh(c *gin.Context) {
	token, err := h.authority.Issue(c.Request.Context(), mw.GetUserID(c), mw.GetRole(c))
	if err != nil {
		apperr.Write(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": token, "expires_in": int64(h.authority.TTL().Seconds())})
}

// Me handles GET /api/user/me.
func (h *AuthHandler) Me(c *gin.Context) {
	u, err := h.users.ByID(c.Request.Context(), mw.GetUserID(c))
	if err != nil {
		apperr.Write(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, u)
}

type updateProfileRequest struct {
	Nickname    *string `json:"nickname" binding:"omitempty,max=64"`
	Avatar      *string `json:"avatar" binding:"omitempty,max=255"`
	OldPassword string  `json:"oldPassword"`
	Password    *string `json:"password" binding:"omitempty,min=6,max=64"`
}

// UpdateProfile handles PUT /api/user/update. Changing the password
// requires the current one.
func (h *AuthHandler) UpdateProfile(c *gin.Context) {
	var req updateProfileRequest
	if !bindJSON(c, h.logger, &req) {
		return
	}
	ctx := c.Request.Context()
	uid := mw.GetUserID(c)

	upd := user.ProfileUpdate{Nickname: req.Nickname, Avatar: req.Avatar}
	if req.Nickname != nil {
		nick := strings.TrimSpace(*req.Nickname)
		upd.Nickname = &nick
	}
	if req.Password != nil {
		u, err := h.users.ByID(ctx, uid)
		if err != nil {
			apperr.Write(c, h.logger, err)
			return
		}
		if bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(req.OldPassword)) != nil {
			apperr.Write(c, h.logger, apperr.Forbidden("current password is wrong"))
			return
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(*req.Password), h.sec.BcryptCost)
		if err != nil {
			apperr.Write(c, h.logger, apperr.Internal(err))
			return
		}
		s := string(hash)
		upd.PasswordHash = &s
	}

	u, err := h.users.UpdateProfile(ctx, uid, upd)
	if err != nil {
		apperr.Write(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, u)
}
