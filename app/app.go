// Package app wires every service of the chat server together and builds
// the HTTP router. main and the integration tests share it.
package app

import (
	"context"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	apirest "github.com/moonpointer/xschat/api/rest"
	"github.com/moonpointer/xschat/api/sse"
	apows "github.com/moonpointer/xschat/api/ws"
	"github.com/moonpointer/xschat/audit"
	"github.com/moonpointer/xschat/auth"
	"github.com/moonpointer/xschat/cache"
	"github.com/moonpointer/xschat/chat"
	"github.com/moonpointer/xschat/config"
	"github.com/moonpointer/xschat/friend"
	"github.com/moonpointer/xschat/gateway"
	mw "github.com/moonpointer/xschat/middleware"
	"github.com/moonpointer/xschat/model"
	"github.com/moonpointer/xschat/plugin/hook"
	"github.com/moonpointer/xschat/presence"
	"github.com/moonpointer/xschat/scheduler"
	"github.com/moonpointer/xschat/user"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"gorm.io/gorm"
)

// TaskPresenceRefresh is the scheduler task re-adding local identities to
// the presence set.
const TaskPresenceRefresh = "presence_refresh"

// App holds the wired services.
type App struct {
	Config    *config.Config
	DB        *gorm.DB
	Cache     cache.Cache
	PubSub    cache.PubSub
	Hooks     *hook.HookCenter
	Users     *user.Store
	Authority *auth.Authority
	Presence  *presence.Tracker
	Friends   *friend.Service
	Gateway   *gateway.Gateway
	Chat      *chat.Engine
	Audit     *audit.Service
	Scheduler *scheduler.Scheduler
	SSE       *sse.Handler
	WSRouter  *apows.Router

	logger   *zap.Logger
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New wires the services on top of an opened database and cache.
func New(cfg *config.Config, db *gorm.DB, c cache.Cache, ps cache.PubSub, logger *zap.Logger) *App {
	a := &App{Config: cfg, DB: db, Cache: c, PubSub: ps, logger: logger}

	a.Hooks = hook.NewHookCenter(logger)
	a.Users = user.NewStore(db)
	a.Authority = auth.NewAuthority(c, cfg.Security, logger)
	a.Presence = presence.NewTracker(c, logger)
	a.Friends = friend.NewService(db, a.Users, a.Presence, a.Hooks, logger)
	a.Gateway = gateway.New(a.Authority, a.Presence, ps, a.Hooks, gateway.Options{
		NoticeChannel:   cfg.Chat.NoticeChannel,
		AnnounceChannel: cfg.Chat.AnnounceChannel,
		SendBuffer:      cfg.Chat.SendBuffer,
	}, logger)
	a.Chat = chat.NewEngine(db, a.Users, a.Gateway, a.Friends, a.Hooks, cfg.Chat, logger)
	a.Audit = audit.New(db, logger)
	a.Scheduler = scheduler.New(logger)
	a.SSE = sse.NewHandler(ps, a.Authority, cfg.Chat, logger)

	a.WSRouter = apows.NewRouter(logger)
	chatH := chat.NewHandler(a.Chat, logger)
	a.WSRouter.On("chat_send", chatH.HandleSend)
	a.WSRouter.On("chat_read", chatH.HandleRead)

	a.registerHooks()
	return a
}

// TypeFriendAccepted is pushed to both users when a request is accepted so
// their clients can refresh the friend list.
const TypeFriendAccepted = "friend_accepted"

func (a *App) registerHooks() {
	presenceLog := func(_ context.Context, event string, data interface{}) (interface{}, error) {
		if uid, ok := data.(int64); ok {
			a.logger.Debug("presence changed", zap.String("event", event), zap.Int64("user_id", uid))
		}
		return data, nil
	}
	a.Hooks.Register(hook.OnUserOnline, 100, "presence_log", presenceLog)
	a.Hooks.Register(hook.OnUserOffline, 100, "presence_log", presenceLog)

	a.Hooks.Register(hook.OnFriendAccepted, 0, "friend_push", func(_ context.Context, _ string, data interface{}) (interface{}, error) {
		ev, ok := data.(hook.FriendEvent)
		if !ok {
			return data, nil
		}
		for _, pair := range [][2]int64{{ev.RequesterID, ev.TargetID}, {ev.TargetID, ev.RequesterID}} {
			pkt, err := gateway.NewPacket(TypeFriendAccepted, map[string]int64{
				"request_id": ev.RequestID,
				"friend_id":  pair[1],
			})
			if err == nil {
				a.Gateway.RouteToUser(pair[0], pkt)
			}
		}
		return data, nil
	})
}

// Migrate creates or updates the schema.
func (a *App) Migrate() error {
	return model.AutoMigrate(a.DB)
}

// Start launches the background loops: the pub/sub fan-out of the gateway
// and the scheduler tasks. They stop on Stop or when ctx is done.
func (a *App) Start(ctx context.Context) {
	ctx, a.cancel = context.WithCancel(ctx)

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.Gateway.Run(ctx); err != nil {
			a.logger.Error("gateway fan-out stopped", zap.Error(err))
		}
	}()

	if iv := a.Config.Chat.PresenceRefresh; iv > 0 {
		a.Scheduler.AddTicker(TaskPresenceRefresh, iv, a.Gateway.RefreshPresence)
	}
}

// Stop closes live connections, stops background work and flushes audit
// rows. It does not close the database or cache.
func (a *App) Stop() {
	a.stopOnce.Do(func() {
		a.Gateway.Shutdown()
		if a.cancel != nil {
			a.cancel()
		}
		a.Scheduler.Stop()
		a.wg.Wait()
		a.Audit.Stop()
	})
}

// Router builds the gin engine with every route mounted.
func (a *App) Router() *gin.Engine {
	cfg := a.Config
	logger := a.logger

	r := gin.New()
	r.Use(mw.TraceID(), mw.Logger(logger), mw.Recovery(logger))
	if cfg.Security.RateLimitRPS > 0 {
		r.Use(mw.RateLimit(rate.Limit(cfg.Security.RateLimitRPS), cfg.Security.RateLimitBurst))
	}

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	authH := apirest.NewAuthHandler(a.Users, a.Authority, a.Audit, a.Hooks, cfg.Security, logger)
	friendH := apirest.NewFriendHandler(a.Friends, a.Audit, logger)
	chatH := apirest.NewChatHandler(a.Chat, a.Friends, logger)
	adminH := apirest.NewAdminHandler(a.DB, a.Users, a.Authority, a.Gateway, a.Presence,
		a.Scheduler, a.Audit, a.SSE, logger)
	requireAuth := mw.Auth(a.Authority, logger)

	api := r.Group("/api")
	{
		authG := api.Group("/auth")
		authG.POST("/register", authH.Register)
		authG.POST("/login", authH.Login)
		authG.POST("/logout", requireAuth, authH.Logout)
		authG.POST("/refresh", requireAuth, authH.Refresh)

		userG := api.Group("/user", requireAuth)
		userG.GET("/me", authH.Me)
		userG.PUT("/update", authH.UpdateProfile)

		friendG := api.Group("/friend", requireAuth)
		friendG.GET("/search", friendH.Search)
		friendG.GET("/list", friendH.List)
		friendG.GET("/requests", friendH.Requests)
		friendG.POST("/request", friendH.Request)
		friendG.POST("/process", friendH.Process)
		friendG.DELETE("/:friendId", friendH.Remove)

		chatG := api.Group("/chat", requireAuth)
		chatG.GET("/history", chatH.History)
		chatG.PUT("/read", chatH.Read)
		chatG.POST("/send", chatH.Send)
		chatG.GET("/online", chatH.Online)
		chatG.GET("/unread", chatH.Unread)

		adminG := api.Group("/admin",
			mw.IPWhitelist(cfg.Security.AdminIPs),
			requireAuth,
			mw.RequireRole(model.RoleAdmin, logger))
		adminG.GET("/users", adminH.ListUsers)
		adminG.PUT("/user/:id/status", adminH.SetStatus)
		adminG.POST("/kick/:id", adminH.Kick)
		adminG.POST("/announce", adminH.Announce)
		adminG.GET("/audit", adminH.AuditLogs)

		opsG := api.Group("/ops", mw.AdminKey(cfg.Server.AdminKey, logger))
		opsG.GET("/metrics", adminH.Metrics)
		opsG.GET("/scheduler", adminH.ListSchedulerTasks)
		opsG.POST("/scheduler/:name/run", adminH.RunSchedulerTask)
	}

	wsH := apows.NewHandler(a.Gateway, a.WSRouter, cfg.Security, logger)
	r.GET("/ws", wsH.ServeWS)
	r.GET("/sse", a.SSE.ServeSSE)

	return r
}
