package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/moonpointer/xschat/apperr"
	"github.com/moonpointer/xschat/auth"
	"github.com/moonpointer/xschat/cache"
	"github.com/moonpointer/xschat/plugin/hook"
	"github.com/moonpointer/xschat/presence"
	"github.com/moonpointer/xschat/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// stubValidator accepts "tok-<id>" for any id that was not revoked.
type stubValidator struct {
	mu      sync.Mutex
	revoked map[int64]bool
}

func tokenFor(userID int64) string { return fmt.Sprintf("tok-%d", userID) }

func (s *stubValidator) Validate(_ context.Context, token string) (auth.Identity, error) {
	var id int64
	if _, err := fmt.Sscanf(token, "tok-%d", &id); err != nil {
		return auth.Identity{}, apperr.Unauthenticated("bad token")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.revoked[id] {
		return auth.Identity{}, apperr.Unauthenticated("session revoked")
	}
	return auth.Identity{UserID: id, Role: "USER"}, nil
}

func (s *stubValidator) revoke(userID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.revoked[userID] = true
}

type fixture struct {
	gw        *Gateway
	cache     cache.Cache
	tracker   *presence.Tracker
	pubsub    cache.PubSub
	hooks     *hook.HookCenter
	validator *stubValidator
}

func setup(t *testing.T) *fixture {
	t.Helper()
	c, ps := testutil.SetupTestCache(t)
	return newNode(c, ps)
}

// newNode builds one gateway over a cache that may be shared with other
// nodes, the way several servers share one Redis.
func newNode(c cache.Cache, ps cache.PubSub) *fixture {
	tracker := presence.NewTracker(c, zap.NewNop())
	hooks := hook.NewHookCenter(nil)
	v := &stubValidator{revoked: map[int64]bool{}}
	return &fixture{
		gw:        New(v, tracker, ps, hooks, Options{SendBuffer: 8}, zap.NewNop()),
		cache:     c,
		tracker:   tracker,
		pubsub:    ps,
		hooks:     hooks,
		validator: v,
	}
}

func (f *fixture) register(t *testing.T, c *Conn) {
	t.Helper()
	require.NoError(t, f.gw.Register(context.Background(), c, tokenFor(c.UserID)))
}

func newConn(userID int64) *Conn {
	return NewConn(auth.Identity{UserID: userID, Role: "USER"}, nil, 8, zap.NewNop())
}

func recvPacket(t *testing.T, c *Conn) *Packet {
	t.Helper()
	select {
	case data := <-c.SendChan:
		var pkt Packet
		require.NoError(t, json.Unmarshal(data, &pkt))
		return &pkt
	case <-time.After(time.Second):
		t.Fatal("no packet received")
		return nil
	}
}

func TestAuthenticate(t *testing.T) {
	f := setup(t)
	id, err := f.gw.Authenticate(context.Background(), "tok-1001")
	require.NoError(t, err)
	assert.Equal(t, int64(1001), id.UserID)

	_, err = f.gw.Authenticate(context.Background(), "nope")
	assert.ErrorIs(t, err, apperr.ErrUnauthenticated)
	assert.Equal(t, 0, f.gw.ConnectionCount())
}

func TestPresenceFollowsConnectionCount(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	c1, c2 := newConn(1001), newConn(1001)

	f.register(t, c1)
	assert.True(t, f.tracker.IsOnline(ctx, 1001))
	f.register(t, c2)
	assert.Equal(t, 2, f.gw.ConnectionCount())
	assert.Equal(t, 1, f.gw.OnlineCount())

	f.gw.OnDisconnect(ctx, c1)
	assert.True(t, f.tracker.IsOnline(ctx, 1001), "still online with one connection left")
	assert.True(t, c1.IsClosed())

	f.gw.OnDisconnect(ctx, c2)
	assert.False(t, f.tracker.IsOnline(ctx, 1001))
	assert.False(t, f.gw.IsConnected(1001))
	assert.Equal(t, 0, f.gw.OnlineCount())
}

func TestOnDisconnect_Idempotent(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	c1, c2 := newConn(7), newConn(7)
	f.register(t, c1)
	f.register(t, c2)

	f.gw.OnDisconnect(ctx, c1)
	f.gw.OnDisconnect(ctx, c1) // must not drop c2's presence
	assert.True(t, f.tracker.IsOnline(ctx, 7))
	assert.Equal(t, 1, f.gw.ConnectionCount())
}

func TestNoticesOnlyOnFirstAndLast(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	ch, cancel, err := f.pubsub.Subscribe(ctx, "notice")
	require.NoError(t, err)
	defer cancel()

	c1, c2 := newConn(5), newConn(5)
	f.register(t, c1)
	f.register(t, c2)
	f.gw.OnDisconnect(ctx, c1)
	f.gw.OnDisconnect(ctx, c2)

	var got []Notice
	timeout := time.After(time.Second)
	for len(got) < 2 {
		select {
		case msg := <-ch:
			var n Notice
			require.NoError(t, json.Unmarshal([]byte(msg.Payload), &n))
			got = append(got, n)
		case <-timeout:
			t.Fatalf("expected 2 notices, got %v", got)
		}
	}
	assert.Equal(t, []Notice{{Status: NoticeOnline, UserID: 5}, {Status: NoticeOffline, UserID: 5}}, got)
	select {
	case msg := <-ch:
		t.Fatalf("unexpected extra notice %s", msg.Payload)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHooksFireOnTransitions(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	var mu sync.Mutex
	var events []string
	record := func(_ context.Context, ev string, d interface{}) (interface{}, error) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
		return d, nil
	}
	f.hooks.Register(hook.OnUserOnline, 0, "t", record)
	f.hooks.Register(hook.OnUserOffline, 0, "t", record)

	c := newConn(3)
	f.register(t, c)
	f.gw.OnDisconnect(ctx, c)
	assert.Equal(t, []string{hook.OnUserOnline, hook.OnUserOffline}, events)
}

func TestRouteToUser_FansOutToAllConnections(t *testing.T) {
	f := setup(t)
	c1, c2, other := newConn(1002), newConn(1002), newConn(1003)
	f.register(t, c1)
	f.register(t, c2)
	f.register(t, other)

	pkt, err := NewPacket("chat_message", map[string]string{"content": "hi"})
	require.NoError(t, err)
	assert.True(t, f.gw.RouteToUser(1002, pkt))

	for _, c := range []*Conn{c1, c2} {
		got := recvPacket(t, c)
		assert.Equal(t, "chat_message", got.Type)
		assert.JSONEq(t, `{"content":"hi"}`, string(got.Payload))
	}
	assert.Empty(t, other.SendChan)
}

func TestRouteToUser_NoConnections(t *testing.T) {
	f := setup(t)
	assert.False(t, f.gw.RouteToUser(404, &Packet{Type: "x"}))
}

func TestRouteToUser_ClosedConnNotDelivered(t *testing.T) {
	f := setup(t)
	c := newConn(9)
	f.register(t, c)
	c.Close()
	assert.False(t, f.gw.RouteToUser(9, &Packet{Type: "x"}))
}

func TestDisconnectUser(t *testing.T) {
	f := setup(t)
	c1, c2 := newConn(11), newConn(11)
	f.register(t, c1)
	f.register(t, c2)

	assert.Equal(t, 2, f.gw.DisconnectUser(11))
	assert.True(t, c1.IsClosed())
	assert.True(t, c2.IsClosed())
	assert.Equal(t, 0, f.gw.DisconnectUser(12))
}

func TestRefreshPresence(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.register(t, newConn(21))
	f.register(t, newConn(22))
	require.NoError(t, f.cache.Del(ctx, presence.Key)) // simulate a flushed cache

	require.NoError(t, f.gw.RefreshPresence(ctx))
	assert.True(t, f.tracker.IsOnline(ctx, 21))
	assert.Equal(t, []int64{21, 22}, f.gw.LocalIdentities())
}

func TestRun_ForwardsNotices(t *testing.T) {
	f := setup(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	listener := newConn(31)
	f.register(t, listener)
	done := make(chan error, 1)
	go func() { done <- f.gw.Run(ctx) }()
	time.Sleep(20 * time.Millisecond)

	f.register(t, newConn(32))

	deadline := time.After(time.Second)
	for {
		select {
		case data := <-listener.SendChan:
			var pkt Packet
			require.NoError(t, json.Unmarshal(data, &pkt))
			if pkt.Type != TypeNotice {
				continue
			}
			var n Notice
			require.NoError(t, json.Unmarshal(pkt.Payload, &n))
			if n.UserID == 32 {
				assert.Equal(t, NoticeOnline, n.Status)
				cancel()
				assert.NoError(t, <-done)
				return
			}
		case <-deadline:
			t.Fatal("notice for user 32 not forwarded")
		}
	}
}

func TestRun_WrapsPlainAnnouncements(t *testing.T) {
	f := setup(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c := newConn(41)
	f.register(t, c)
	go func() { _ = f.gw.Run(ctx) }()
	time.Sleep(20 * time.Millisecond)

	require.NoError(t, f.pubsub.Publish(ctx, "announce", "maintenance at noon"))
	deadline := time.After(time.Second)
	for {
		select {
		case data := <-c.SendChan:
			var pkt Packet
			require.NoError(t, json.Unmarshal(data, &pkt))
			if pkt.Type == TypeAnnounce {
				assert.JSONEq(t, `"maintenance at noon"`, string(pkt.Payload))
				return
			}
		case <-deadline:
			t.Fatal("announcement not forwarded")
		}
	}
}

func TestConcurrentConnectDisconnect(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c := newConn(77)
			assert.NoError(t, f.gw.Register(ctx, c, tokenFor(77)))
			f.gw.OnDisconnect(ctx, c)
		}()
	}
	wg.Wait()
	assert.False(t, f.gw.IsConnected(77))
	assert.False(t, f.tracker.IsOnline(ctx, 77))
}

func TestConnSend_FullBufferDrops(t *testing.T) {
	c := NewConn(auth.Identity{UserID: 1}, nil, 1, zap.NewNop())
	assert.True(t, c.Send(&Packet{Type: "a"}))
	assert.False(t, c.Send(&Packet{Type: "b"}))
	c.Close()
	c.Close()
	assert.False(t, c.Send(&Packet{Type: "c"}))
}

func TestPresenceSpansNodes(t *testing.T) {
	c, ps := testutil.SetupTestCache(t)
	nodeA, nodeB := newNode(c, ps), newNode(c, ps)
	ctx := context.Background()

	sub, cancel, err := ps.Subscribe(ctx, "notice")
	require.NoError(t, err)
	defer cancel()

	tabA, tabB := newConn(7), newConn(7)
	nodeA.register(t, tabA)
	nodeB.register(t, tabB)

	nodeB.gw.OnDisconnect(ctx, tabB)
	assert.True(t, nodeA.gw.IsConnected(7))
	assert.True(t, nodeA.tracker.IsOnline(ctx, 7), "tab on node A is still live")

	nodeA.gw.OnDisconnect(ctx, tabA)
	assert.False(t, nodeA.tracker.IsOnline(ctx, 7))

	var got []Notice
	timeout := time.After(time.Second)
	for len(got) < 2 {
		select {
		case msg := <-sub:
			var n Notice
			require.NoError(t, json.Unmarshal([]byte(msg.Payload), &n))
			got = append(got, n)
		case <-timeout:
			t.Fatalf("expected 2 notices, got %v", got)
		}
	}
	assert.Equal(t, []Notice{{Status: NoticeOnline, UserID: 7}, {Status: NoticeOffline, UserID: 7}}, got)
	select {
	case msg := <-sub:
		t.Fatalf("unexpected extra notice %s", msg.Payload)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRegister_RevokedAfterAuthenticate(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	id, err := f.gw.Authenticate(ctx, tokenFor(51))
	require.NoError(t, err)
	// a ban lands between the upgrade check and registration
	f.validator.revoke(51)
	assert.Equal(t, 0, f.gw.DisconnectUser(51))

	c := f.gw.NewConn(id, nil)
	err = f.gw.Register(ctx, c, tokenFor(51))
	assert.ErrorIs(t, err, apperr.ErrUnauthenticated)
	assert.True(t, c.IsClosed())
	assert.False(t, f.gw.IsConnected(51))
	assert.False(t, f.tracker.IsOnline(ctx, 51))
}

func TestRegister_TokenForAnotherUser(t *testing.T) {
	f := setup(t)
	c := newConn(61)
	err := f.gw.Register(context.Background(), c, tokenFor(62))
	assert.ErrorIs(t, err, apperr.ErrUnauthenticated)
	assert.True(t, c.IsClosed())
	assert.Equal(t, 0, f.gw.ConnectionCount())
}
