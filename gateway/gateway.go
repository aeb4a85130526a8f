// Package gateway owns the live connections: it maps each identity to its
// open connections, drives presence transitions and fans packets out.
package gateway

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/moonpointer/xschat/apperr"
	"github.com/moonpointer/xschat/auth"
	"github.com/moonpointer/xschat/cache"
	"github.com/moonpointer/xschat/plugin/hook"
	"github.com/moonpointer/xschat/presence"
	"go.uber.org/zap"
)

// Notice statuses published on the notice channel.
const (
	NoticeOnline  = "online"
	NoticeOffline = "offline"
)

// Packet types pushed by the gateway itself.
const (
	TypeNotice   = "notice"
	TypeAnnounce = "announce"
)

const stripes = 64

// Notice is the coarse presence signal clients use to refresh their lists.
type Notice struct {
	Status string `json:"status"`
	UserID int64  `json:"user_id"`
}

// Validator authenticates a bearer token.
type Validator interface {
	Validate(ctx context.Context, token string) (auth.Identity, error)
}

// Options configures a Gateway.
type Options struct {
	NoticeChannel   string
	AnnounceChannel string
	SendBuffer      int
}

// Gateway is the routing table identity → live connections.
type Gateway struct {
	mu     sync.RWMutex
	routes map[int64]map[*Conn]struct{}
	// transitions for one identity are serialized so an online/offline pair
	// cannot be applied out of order
	locks [stripes]sync.Mutex

	validator Validator
	presence  *presence.Tracker
	pubsub    cache.PubSub
	hooks     *hook.HookCenter
	opts      Options
	logger    *zap.Logger
}

// New creates a Gateway. hooks may be nil.
func New(v Validator, tracker *presence.Tracker, ps cache.PubSub, hooks *hook.HookCenter, opts Options, logger *zap.Logger) *Gateway {
	if opts.NoticeChannel == "" {
		opts.NoticeChannel = "notice"
	}
	if opts.AnnounceChannel == "" {
		opts.AnnounceChannel = "announce"
	}
	if hooks == nil {
		hooks = hook.NewHookCenter(logger)
	}
	return &Gateway{
		routes:    make(map[int64]map[*Conn]struct{}),
		validator: v,
		presence:  tracker,
		pubsub:    ps,
		hooks:     hooks,
		opts:      opts,
		logger:    logger,
	}
}

func (g *Gateway) lockFor(userID int64) *sync.Mutex {
	i := userID % stripes
	if i < 0 {
		i = -i
	}
	return &g.locks[i]
}

// Authenticate validates token. On failure nothing is registered and the
// caller must refuse the connection.
func (g *Gateway) Authenticate(ctx context.Context, token string) (auth.Identity, error) {
	id, err := g.validator.Validate(ctx, token)
	if err != nil {
		g.logger.Info("ws connection rejected", zap.Error(err))
		return auth.Identity{}, err
	}
	return id, nil
}

// NewConn builds a connection for id using the gateway's buffer size.
func (g *Gateway) NewConn(id auth.Identity, ws *websocket.Conn) *Conn {
	return NewConn(id, ws, g.opts.SendBuffer, g.logger)
}

// Register adds c to its identity's routing entry and counts it in the
// cluster-wide presence. The user comes online, with an online notice, when
// this is their first connection on any node.
//
// token is validated again once c is routable: a revoke racing the upgrade
// either fails this check or runs its disconnect after c is visible to it.
// On failure c is closed and nothing stays registered.
func (g *Gateway) Register(ctx context.Context, c *Conn, token string) error {
	l := g.lockFor(c.UserID)
	l.Lock()
	defer l.Unlock()

	g.mu.Lock()
	set, ok := g.routes[c.UserID]
	if !ok {
		set = make(map[*Conn]struct{})
		g.routes[c.UserID] = set
	}
	set[c] = struct{}{}
	first := len(set) == 1
	g.mu.Unlock()

	id, err := g.validator.Validate(ctx, token)
	if err == nil && id.UserID != c.UserID {
		err = apperr.Unauthenticated("token does not match connection")
	}
	if err != nil {
		g.remove(c)
		c.Close()
		g.logger.Info("connection refused after upgrade",
			zap.Int64("user_id", c.UserID), zap.String("conn_id", c.ID), zap.Error(err))
		return err
	}

	online := first
	if n, err := g.presence.Connect(ctx, c.UserID); err != nil {
		g.logger.Error("presence: connect failed", zap.Int64("user_id", c.UserID), zap.Error(err))
	} else {
		c.counted = true
		online = first && n == 1
	}

	g.logger.Info("connection registered",
		zap.Int64("user_id", c.UserID), zap.String("conn_id", c.ID),
		zap.Bool("first", first), zap.Bool("online", online))
	if online {
		g.publishNotice(ctx, NoticeOnline, c.UserID)
		g.hooks.Fire(ctx, hook.OnUserOnline, c.UserID)
	}
	return nil
}

// remove drops c from the routing table and reports whether it was there
// and whether it was the identity's last local connection.
func (g *Gateway) remove(c *Conn) (found, last bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	set := g.routes[c.UserID]
	if _, ok := set[c]; !ok {
		return false, false
	}
	delete(set, c)
	if len(set) == 0 {
		delete(g.routes, c.UserID)
		return true, true
	}
	return true, false
}

// OnDisconnect removes c and closes it. The user goes offline, with an
// offline notice, only when no node holds a connection for them any more.
// Calling it twice for the same connection is harmless.
func (g *Gateway) OnDisconnect(ctx context.Context, c *Conn) {
	c.Close()
	// the request context is usually already cancelled here
	ctx = context.WithoutCancel(ctx)

	l := g.lockFor(c.UserID)
	l.Lock()
	defer l.Unlock()

	found, last := g.remove(c)
	if !found {
		return
	}

	offline := last
	if c.counted {
		c.counted = false
		if n, err := g.presence.Disconnect(ctx, c.UserID); err != nil {
			g.logger.Error("presence: disconnect failed", zap.Int64("user_id", c.UserID), zap.Error(err))
		} else {
			offline = last && n == 0
		}
	}

	g.logger.Info("connection unregistered",
		zap.Int64("user_id", c.UserID), zap.String("conn_id", c.ID),
		zap.Bool("last", last), zap.Bool("offline", offline))
	if offline {
		g.publishNotice(ctx, NoticeOffline, c.UserID)
		g.hooks.Fire(ctx, hook.OnUserOffline, c.UserID)
	}
}

func (g *Gateway) publishNotice(ctx context.Context, status string, userID int64) {
	if g.pubsub == nil {
		return
	}
	data, _ := json.Marshal(Notice{Status: status, UserID: userID})
	if err := g.pubsub.Publish(ctx, g.opts.NoticeChannel, string(data)); err != nil {
		g.logger.Warn("notice publish failed", zap.String("status", status), zap.Error(err))
	}
}

func (g *Gateway) conns(userID int64) []*Conn {
	g.mu.RLock()
	defer g.mu.RUnlock()
	set := g.routes[userID]
	out := make([]*Conn, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	return out
}

// RouteToUser pushes pkt to every live connection of userID. It reports
// whether at least one connection accepted it. Never blocks on a slow peer.
func (g *Gateway) RouteToUser(userID int64, pkt *Packet) bool {
	conns := g.conns(userID)
	if len(conns) == 0 {
		return false
	}
	data, err := json.Marshal(pkt)
	if err != nil {
		g.logger.Error("marshal packet failed", zap.String("type", pkt.Type), zap.Error(err))
		return false
	}
	delivered := false
	for _, c := range conns {
		if c.SendRaw(data) {
			delivered = true
		}
	}
	return delivered
}

// Broadcast pushes pkt to every local connection.
func (g *Gateway) Broadcast(pkt *Packet) int {
	data, err := json.Marshal(pkt)
	if err != nil {
		return 0
	}
	g.mu.RLock()
	all := make([]*Conn, 0, len(g.routes))
	for _, set := range g.routes {
		for c := range set {
			all = append(all, c)
		}
	}
	g.mu.RUnlock()

	n := 0
	for _, c := range all {
		if c.SendRaw(data) {
			n++
		}
	}
	return n
}

// DisconnectUser closes every connection of userID, e.g. after a ban. The
// read loops notice and run OnDisconnect. Returns the number closed.
func (g *Gateway) DisconnectUser(userID int64) int {
	conns := g.conns(userID)
	for _, c := range conns {
		c.Close()
	}
	if len(conns) > 0 {
		g.logger.Info("user connections closed", zap.Int64("user_id", userID), zap.Int("count", len(conns)))
	}
	return len(conns)
}

// IsConnected reports whether userID has a live connection on this node.
func (g *Gateway) IsConnected(userID int64) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.routes[userID]) > 0
}

// OnlineCount is the number of identities connected to this node.
func (g *Gateway) OnlineCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.routes)
}

// ConnectionCount is the number of live connections on this node.
func (g *Gateway) ConnectionCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n := 0
	for _, set := range g.routes {
		n += len(set)
	}
	return n
}

// LocalIdentities lists the identities connected to this node, ascending.
func (g *Gateway) LocalIdentities() []int64 {
	g.mu.RLock()
	ids := make([]int64, 0, len(g.routes))
	for id := range g.routes {
		ids = append(ids, id)
	}
	g.mu.RUnlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// RefreshPresence re-adds every local identity to the presence set. Run
// periodically it heals a flushed or restarted cache. Each identity is
// checked under its lock so a user who just left is not brought back.
func (g *Gateway) RefreshPresence(ctx context.Context) error {
	var firstErr error
	for _, id := range g.LocalIdentities() {
		l := g.lockFor(id)
		l.Lock()
		if g.IsConnected(id) {
			if err := g.presence.MarkOnline(ctx, id); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		l.Unlock()
	}
	return firstErr
}

// Run forwards notice and announce messages from the pub/sub bus to every
// local connection until ctx is done.
func (g *Gateway) Run(ctx context.Context) error {
	if g.pubsub == nil {
		<-ctx.Done()
		return nil
	}
	ch, cancel, err := g.pubsub.Subscribe(ctx, g.opts.NoticeChannel, g.opts.AnnounceChannel)
	if err != nil {
		return err
	}
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			typ := TypeNotice
			if msg.Channel == g.opts.AnnounceChannel {
				typ = TypeAnnounce
			}
			payload := json.RawMessage(msg.Payload)
			if !json.Valid(payload) {
				payload, _ = json.Marshal(msg.Payload)
			}
			g.Broadcast(&Packet{Type: typ, Payload: payload})
		}
	}
}

// Shutdown closes every local connection.
func (g *Gateway) Shutdown() {
	g.mu.RLock()
	var all []*Conn
	for _, set := range g.routes {
		for c := range set {
			all = append(all, c)
		}
	}
	g.mu.RUnlock()
	g.logger.Info("closing all connections", zap.Int("count", len(all)))
	for _, c := range all {
		c.Close()
	}
}
