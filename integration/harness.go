package integration

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/moonpointer/xschat/app"
	"github.com/moonpointer/xschat/config"
	"github.com/moonpointer/xschat/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// AdminKey is the ops key every test server is configured with.
const AdminKey = "ops-test-key"

// AdminUsername registers with the ADMIN role.
const AdminUsername = "root"

// TestServer wraps a real HTTP server with every service wired together.
type TestServer struct {
	App    *app.App
	Server *httptest.Server
	URL    string // http://127.0.0.1:<port>
	WSURL  string // ws://127.0.0.1:<port>/ws
}

// NewTestServer creates a fully wired chat server for integration testing.
// It goes through app.New exactly like main.go.
func NewTestServer(t *testing.T, opts ...func(*config.Config)) *TestServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db := testutil.SetupTestDB(t)
	c, pubsub := testutil.SetupTestCache(t)
	cfg := testutil.SetupTestConfig()
	cfg.Server.AdminKey = AdminKey
	cfg.Security.AdminUsernames = []string{AdminUsername}
	cfg.Security.RateLimitRPS = 10000
	cfg.Security.RateLimitBurst = 10000
	cfg.Chat.PresenceRefresh = time.Hour
	for _, o := range opts {
		o(cfg)
	}

	a := app.New(cfg, db, c, pubsub, zap.NewNop())
	a.Start(context.Background())
	// let the gateway subscribe to the notice channel
	time.Sleep(50 * time.Millisecond)

	server := httptest.NewServer(a.Router())
	url := server.URL
	return &TestServer{
		App:    a,
		Server: server,
		URL:    url,
		WSURL:  "ws" + url[len("http"):] + "/ws",
	}
}

// Close stops the services and the HTTP server. Open event streams are cut
// first, otherwise Server.Close waits on them forever.
func (ts *TestServer) Close() {
	ts.App.Stop()
	ts.Server.CloseClientConnections()
	ts.Server.Close()
}

// --- HTTP helpers ---

func (ts *TestServer) do(t *testing.T, method, path string, body interface{}, token string) *http.Response {
	t.Helper()
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		bodyReader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, ts.URL+path, bodyReader)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

// PostJSON sends a POST request with JSON body and optional Bearer token.
func (ts *TestServer) PostJSON(t *testing.T, path string, body interface{}, token string) *http.Response {
	t.Helper()
	return ts.do(t, http.MethodPost, path, body, token)
}

// Get sends a GET request with optional Bearer token.
func (ts *TestServer) Get(t *testing.T, path string, token string) *http.Response {
	t.Helper()
	return ts.do(t, http.MethodGet, path, nil, token)
}

// Put sends a PUT request with JSON body and optional Bearer token.
func (ts *TestServer) Put(t *testing.T, path string, body interface{}, token string) *http.Response {
	t.Helper()
	return ts.do(t, http.MethodPut, path, body, token)
}

// Delete sends a DELETE request with optional Bearer token.
func (ts *TestServer) Delete(t *testing.T, path string, token string) *http.Response {
	t.Helper()
	return ts.do(t, http.MethodDelete, path, nil, token)
}

// ReadJSON reads and decodes a JSON response body into the given target.
func ReadJSON(t *testing.T, resp *http.Response, target interface{}) {
	t.Helper()
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, target), "body: %s", string(data))
}

// ExpectStatus asserts the status code and discards the body.
func ExpectStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	defer resp.Body.Close()
	if resp.StatusCode != want {
		data, _ := io.ReadAll(resp.Body)
		t.Fatalf("status = %d, want %d, body: %s", resp.StatusCode, want, data)
	}
}

// --- Auth helpers ---

// Register creates an account and returns its id.
func (ts *TestServer) Register(t *testing.T, username, password string) int64 {
	t.Helper()
	resp := ts.PostJSON(t, "/api/auth/register", map[string]string{
		"username": username,
		"password": password,
	}, "")
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var u struct {
		ID int64 `json:"id"`
	}
	ReadJSON(t, resp, &u)
	return u.ID
}

// Login logs in and returns the token and user id.
func (ts *TestServer) Login(t *testing.T, username, password string) (token string, userID int64) {
	t.Helper()
	resp := ts.PostJSON(t, "/api/auth/login", map[string]string{
		"username": username,
		"password": password,
	}, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var result struct {
		Token string `json:"token"`
		User  struct {
			ID int64 `json:"id"`
		} `json:"user"`
	}
	ReadJSON(t, resp, &result)
	return result.Token, result.User.ID
}

// NewUser registers a fresh account and logs it in.
func (ts *TestServer) NewUser(t *testing.T, prefix string) (token string, userID int64) {
	t.Helper()
	name := UniqueID(prefix)
	ts.Register(t, name, name+"pass")
	return ts.Login(t, name, name+"pass")
}

// MakeFriends sends a request from a to b and accepts it as b.
func (ts *TestServer) MakeFriends(t *testing.T, tokenA, tokenB string, idB int64) {
	t.Helper()
	resp := ts.PostJSON(t, "/api/friend/request", map[string]int64{"friendId": idB}, tokenA)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var created struct {
		RequestID int64 `json:"request_id"`
	}
	ReadJSON(t, resp, &created)
	ExpectStatus(t, ts.PostJSON(t, "/api/friend/process", map[string]interface{}{
		"requestId": created.RequestID,
		"action":    "ACCEPT",
	}, tokenB), http.StatusOK)
}

// --- WebSocket client ---

// WSClient wraps a gorilla/websocket connection for integration testing.
// A background readLoop feeds readCh so a timed-out receive never poisons
// the connection.
type WSClient struct {
	Conn   *websocket.Conn
	t      *testing.T
	seq    uint64
	readCh chan readResult
}

type readResult struct {
	data []byte
	err  error
}

// Packet is a decoded server frame.
type Packet struct {
	Seq     uint64          `json:"seq"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Decode unmarshals the payload into v.
func (p Packet) Decode(t *testing.T, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(p.Payload, v), "payload: %s", string(p.Payload))
}

// ConnectWS dials the WS endpoint presenting token as a Bearer header. It
// returns once a ping round trip proves the connection is registered.
func (ts *TestServer) ConnectWS(t *testing.T, token string) *WSClient {
	t.Helper()
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	conn, resp, err := websocket.DefaultDialer.Dial(ts.WSURL, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	require.NoError(t, err, "WS dial failed")
	wc := &WSClient{Conn: conn, t: t, readCh: make(chan readResult, 256)}
	go wc.readLoop()
	t.Cleanup(wc.Close)
	wc.Send("ping", nil)
	wc.RecvType("pong", 3*time.Second)
	return wc
}

// DialWS dials without failing the test and returns the handshake status.
func (ts *TestServer) DialWS(t *testing.T, query string) (int, error) {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(ts.WSURL+query, nil)
	status := 0
	if resp != nil {
		status = resp.StatusCode
		if resp.Body != nil {
			resp.Body.Close()
		}
	}
	if conn != nil {
		_ = conn.Close()
	}
	return status, err
}

func (wc *WSClient) readLoop() {
	for {
		_, data, err := wc.Conn.ReadMessage()
		wc.readCh <- readResult{data, err}
		if err != nil {
			return
		}
	}
}

// Send writes one packet with the next sequence number.
func (wc *WSClient) Send(msgType string, payload interface{}) {
	wc.t.Helper()
	seq := atomic.AddUint64(&wc.seq, 1)
	body, err := json.Marshal(payload)
	require.NoError(wc.t, err)
	data, err := json.Marshal(Packet{Seq: seq, Type: msgType, Payload: body})
	require.NoError(wc.t, err)
	require.NoError(wc.t, wc.Conn.WriteMessage(websocket.TextMessage, data))
}

// RecvAny reads one packet, returning an error on timeout or read failure.
func (wc *WSClient) RecvAny(timeout time.Duration) (Packet, error) {
	select {
	case res := <-wc.readCh:
		if res.err != nil {
			return Packet{}, res.err
		}
		var pkt Packet
		err := json.Unmarshal(res.data, &pkt)
		return pkt, err
	case <-time.After(timeout):
		return Packet{}, errTimeout
	}
}

var errTimeout = fmt.Errorf("read timeout")

// RecvType reads packets until one of msgType arrives.
func (wc *WSClient) RecvType(msgType string, timeout time.Duration) Packet {
	wc.t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			wc.t.Fatalf("timed out waiting for packet type %q", msgType)
		}
		pkt, err := wc.RecvAny(remaining)
		if err != nil {
			wc.t.Fatalf("WS recv failed while waiting for %q: %v", msgType, err)
		}
		if pkt.Type == msgType {
			return pkt
		}
	}
}

// RecvNotice reads packets until a notice with the given status and user
// arrives.
func (wc *WSClient) RecvNotice(status string, userID int64, timeout time.Duration) {
	wc.t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		pkt := wc.RecvType("notice", time.Until(deadline))
		var n struct {
			Status string `json:"status"`
			UserID int64  `json:"user_id"`
		}
		pkt.Decode(wc.t, &n)
		if n.Status == status && n.UserID == userID {
			return
		}
	}
}

// ExpectClosed waits for the server to close the connection.
func (wc *WSClient) ExpectClosed(timeout time.Duration) {
	wc.t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			wc.t.Fatal("connection still open")
		}
		_, err := wc.RecvAny(remaining)
		if err == errTimeout {
			wc.t.Fatal("connection still open")
		}
		if err != nil {
			return
		}
	}
}

// Close closes the WebSocket connection.
func (wc *WSClient) Close() {
	_ = wc.Conn.Close()
}

// --- SSE client ---

// SSEEvent is one parsed server-sent event.
type SSEEvent struct {
	Name string
	Data string
}

// SSEClient reads events from an open /sse stream.
type SSEClient struct {
	resp   *http.Response
	events chan SSEEvent
}

// ConnectSSE opens the event stream for token.
func (ts *TestServer) ConnectSSE(t *testing.T, token string) *SSEClient {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, ts.URL+"/sse", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	sc := &SSEClient{resp: resp, events: make(chan SSEEvent, 64)}
	go sc.readLoop()
	t.Cleanup(func() { _ = resp.Body.Close() })
	return sc
}

func (sc *SSEClient) readLoop() {
	defer close(sc.events)
	scanner := bufio.NewScanner(sc.resp.Body)
	var ev SSEEvent
	var data []string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if ev.Name != "" || len(data) > 0 {
				ev.Data = strings.Join(data, "\n")
				sc.events <- ev
			}
			ev, data = SSEEvent{}, nil
		case strings.HasPrefix(line, "event:"):
			ev.Name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
}

// Next waits for the next event named name.
func (sc *SSEClient) Next(t *testing.T, name string, timeout time.Duration) SSEEvent {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case ev, ok := <-sc.events:
			require.True(t, ok, "stream closed while waiting for %q", name)
			if ev.Name == name {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for event %q", name)
		}
	}
}

var testCounter uint64

// UniqueID returns a short unique string suitable for usernames.
func UniqueID(prefix string) string {
	n := atomic.AddUint64(&testCounter, 1)
	return fmt.Sprintf("%s%d_%d", prefix, time.Now().UnixNano()%100000, n)
}
