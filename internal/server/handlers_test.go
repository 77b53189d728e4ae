package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Tyrowin/gochat-relay/internal/chat"
	"github.com/Tyrowin/gochat-relay/internal/config"
)

func testConfig() config.Config {
	cfg := config.Default()
	cfg.AllowedOrigins = []string{"*"}
	cfg.Auth.JWTSecret = "test-secret"
	return cfg
}

// startTestServer serves the full route table over httptest.
func startTestServer(t *testing.T, cfg config.Config) (*httptest.Server, *Hub) {
	t.Helper()

	env := newTestEnv(t, Options{MaxContentLength: cfg.MaxContentLength})
	reg := prometheus.NewRegistry()
	mux := SetupRoutes(env.hub, cfg, reg, zaptest.NewLogger(t))

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, env.hub
}

func wsURL(t *testing.T, srv *httptest.Server, token string) string {
	t.Helper()
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	u.Scheme = "ws"
	u.Path = "/ws"
	if token != "" {
		u.RawQuery = url.Values{"token": {token}}.Encode()
	}
	return u.String()
}

func dial(t *testing.T, srv *httptest.Server, token string, header http.Header) *websocket.Conn {
	t.Helper()
	if header == nil {
		header = http.Header{"Origin": {srv.URL}}
	}
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL(t, srv, token), header)
	require.NoError(t, err)
	_ = resp.Body.Close()
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) wireFrame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, payload, err := conn.ReadMessage()
	require.NoError(t, err)

	var f wireFrame
	require.NoError(t, json.Unmarshal(payload, &f), string(payload))
	return f
}

func writeEnvelope(t *testing.T, conn *websocket.Conn, action string, data any) {
	t.Helper()
	raw, err := json.Marshal(map[string]any{"action": action, "data": data})
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, raw))
}

// TestWebSocketChat exercises two real clients exchanging a private
// message through the HTTP endpoint.
func TestWebSocketChat(t *testing.T) {
	srv, _ := startTestServer(t, testConfig())

	alice := dial(t, srv, "token-alice", nil)
	welcome := readFrame(t, alice)
	assert.Equal(t, FrameWelcome, welcome.Type)
	assert.Equal(t, chat.Identity("alice"), welcome.Identity)

	bob := dial(t, srv, "", http.Header{
		"Origin":        {srv.URL},
		"Authorization": {"Bearer token-bob"},
	})
	assert.Equal(t, chat.Identity("bob"), readFrame(t, bob).Identity)

	writeEnvelope(t, alice, "join_private", map[string]any{"peer": "bob"})
	history := readFrame(t, alice)
	require.Equal(t, FrameHistory, history.Type)

	writeEnvelope(t, bob, "join_private", map[string]any{"peer": "alice"})
	assert.Equal(t, history.ChatID, readFrame(t, bob).ChatID)

	writeEnvelope(t, alice, "send_private", map[string]any{"chat_id": history.ChatID.String(), "content": "over the wire"})
	ack := readFrame(t, alice)
	assert.Equal(t, FrameSent, ack.Type)
	assert.Equal(t, 1, ack.Delivered)

	msg := readFrame(t, bob)
	assert.Equal(t, FrameMessage, msg.Type)
	assert.Equal(t, "over the wire", msg.Content)
	assert.Equal(t, chat.Identity("alice"), msg.Sender)
}

// TestWebSocketRejectsBadCredential verifies the upgrade completes but the
// connection is closed with the authentication close code before any frame.
func TestWebSocketRejectsBadCredential(t *testing.T) {
	srv, hub := startTestServer(t, testConfig())

	for _, token := range []string{"", "not-a-token"} {
		conn := dial(t, srv, token, nil)
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		_, _, err := conn.ReadMessage()

		var closeErr *websocket.CloseError
		require.ErrorAs(t, err, &closeErr)
		assert.Equal(t, CloseAuthFailed, closeErr.Code)
		assert.Equal(t, ReasonAuthFailed, closeErr.Text)
	}
	assert.Equal(t, 0, hub.Registry().Count())
}

// TestWebSocketCSRFTokenParameter verifies the csrf_token query parameter
// older clients send is accepted as the credential.
func TestWebSocketCSRFTokenParameter(t *testing.T) {
	srv, _ := startTestServer(t, testConfig())

	u, err := url.Parse(wsURL(t, srv, ""))
	require.NoError(t, err)
	u.RawQuery = url.Values{"csrf_token": {"token-carol"}}.Encode()

	conn, resp, err := websocket.DefaultDialer.Dial(u.String(), http.Header{"Origin": {srv.URL}})
	require.NoError(t, err)
	_ = resp.Body.Close()
	defer func() { _ = conn.Close() }()

	assert.Equal(t, chat.Identity("carol"), readFrame(t, conn).Identity)
}

// TestWebSocketRateLimit verifies a client over its burst gets a
// rate_limited error and stays connected.
func TestWebSocketRateLimit(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimit.Burst = 1
	cfg.RateLimit.RefillInterval = time.Hour
	srv, _ := startTestServer(t, cfg)

	conn := dial(t, srv, "token-alice", nil)
	readFrame(t, conn)

	writeEnvelope(t, conn, "create_group", map[string]any{"group_name": "one"})
	writeEnvelope(t, conn, "create_group", map[string]any{"group_name": "two"})

	assert.Equal(t, FrameGroupCreated, readFrame(t, conn).Type)
	throttled := readFrame(t, conn)
	assert.Equal(t, FrameError, throttled.Type)
	assert.Equal(t, chat.CodeRateLimited, throttled.Code)
}

// TestWebSocketShutdown verifies connected clients receive a going-away
// close frame when the hub shuts down.
func TestWebSocketShutdown(t *testing.T) {
	srv, hub := startTestServer(t, testConfig())

	conn := dial(t, srv, "token-alice", nil)
	readFrame(t, conn)

	require.NoError(t, hub.Shutdown(2*time.Second))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, CloseGoingAway, closeErr.Code)
}

// TestWebSocketDisconnectUnregisters verifies a client that goes away is
// removed from the registry.
func TestWebSocketDisconnectUnregisters(t *testing.T) {
	srv, hub := startTestServer(t, testConfig())

	conn := dial(t, srv, "token-alice", nil)
	readFrame(t, conn)
	require.Equal(t, 1, hub.Registry().Count())

	require.NoError(t, conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	_ = conn.Close()

	assert.Eventually(t, func() bool { return hub.Registry().Count() == 0 },
		2*time.Second, 10*time.Millisecond)
}

// TestWebSocketHandlerMethodNotAllowed verifies that only GET reaches the
// upgrader.
func TestWebSocketHandlerMethodNotAllowed(t *testing.T) {
	srv, _ := startTestServer(t, testConfig())

	for _, method := range []string{http.MethodPost, http.MethodPut, http.MethodDelete} {
		req, err := http.NewRequestWithContext(context.Background(), method, srv.URL+"/ws", nil)
		require.NoError(t, err)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		_ = resp.Body.Close()
		assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode, method)
	}
}

// TestWebSocketOriginRejected verifies origins outside the allow list
// cannot upgrade.
func TestWebSocketOriginRejected(t *testing.T) {
	cfg := testConfig()
	cfg.AllowedOrigins = []string{"https://chat.example.com"}
	srv, _ := startTestServer(t, cfg)

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(t, srv, "token-alice"),
		http.Header{"Origin": {"https://evil.example.com"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

// TestHealthAndMetricsRoutes verifies the plain HTTP routes.
func TestHealthAndMetricsRoutes(t *testing.T) {
	srv, _ := startTestServer(t, testConfig())

	resp, err := http.Get(srv.URL + "/")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/plain", resp.Header.Get("Content-Type"))
	assert.Equal(t, "GoChat server is running!", string(body))

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestCredentialFromRequest(t *testing.T) {
	tests := []struct {
		name   string
		target string
		header string
		want   string
	}{
		{"query token", "/ws?token=abc", "", "abc"},
		{"csrf token", "/ws?csrf_token=def", "", "def"},
		{"query wins", "/ws?token=abc", "Bearer xyz", "abc"},
		{"bearer", "/ws", "Bearer xyz", "xyz"},
		{"bearer lowercase", "/ws", "bearer xyz", "xyz"},
		{"basic ignored", "/ws", "Basic xyz", ""},
		{"none", "/ws", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.target, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			assert.Equal(t, tt.want, credentialFromRequest(req))
		})
	}
}

func TestCreateServerDefaults(t *testing.T) {
	srv := CreateServer(":0", http.NewServeMux())
	assert.Equal(t, ":0", srv.Addr)
	assert.Positive(t, srv.ReadHeaderTimeout)
	assert.Zero(t, srv.WriteTimeout)
	assert.True(t, strings.HasPrefix(srv.Addr, ":"))
}
