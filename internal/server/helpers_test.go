package server

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Tyrowin/gochat-relay/internal/auth"
	"github.com/Tyrowin/gochat-relay/internal/chat"
	"github.com/Tyrowin/gochat-relay/internal/directory"
	"github.com/Tyrowin/gochat-relay/internal/store"
)

// fakeConn records queued frames in memory.
type fakeConn struct {
	addr string

	mu          sync.Mutex
	frames      [][]byte
	closed      bool
	closeCode   int
	closeReason string
	failSends   bool
}

func newFakeConn(addr string) *fakeConn {
	return &fakeConn{addr: addr}
}

func (c *fakeConn) Send(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrConnClosed
	}
	if c.failSends {
		return ErrSendBufferFull
	}
	c.frames = append(c.frames, append([]byte(nil), payload...))
	return nil
}

func (c *fakeConn) Close(code int, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	c.closeCode = code
	c.closeReason = reason
	return nil
}

func (c *fakeConn) RemoteAddr() string { return c.addr }

func (c *fakeConn) setFailSends(fail bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failSends = fail
}

func (c *fakeConn) isClosed() (bool, int, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed, c.closeCode, c.closeReason
}

// wireFrame is the union of every outbound frame's fields.
type wireFrame struct {
	Type      string               `json:"type"`
	Code      string               `json:"code"`
	Action    string               `json:"action"`
	Message   json.RawMessage      `json:"message"`
	Identity  chat.Identity        `json:"identity"`
	Token     string               `json:"correlation_token"`
	ChatID    chat.ChatID          `json:"chat_id"`
	Peer      chat.Identity        `json:"peer"`
	GroupName string               `json:"group_name"`
	Admin     chat.Identity        `json:"admin"`
	Sender    chat.Identity        `json:"sender"`
	Content   string               `json:"content"`
	History   []chat.MessageRecord `json:"history"`
	Delivered int                  `json:"delivered"`
	Added     bool                 `json:"added"`
}

// take drains the recorded frames.
func (c *fakeConn) take(t *testing.T) []wireFrame {
	t.Helper()

	c.mu.Lock()
	raw := c.frames
	c.frames = nil
	c.mu.Unlock()

	frames := make([]wireFrame, 0, len(raw))
	for _, payload := range raw {
		var f wireFrame
		require.NoError(t, json.Unmarshal(payload, &f), string(payload))
		frames = append(frames, f)
	}
	return frames
}

// only drains the recorded frames and requires exactly one.
func (c *fakeConn) only(t *testing.T) wireFrame {
	t.Helper()
	frames := c.take(t)
	require.Len(t, frames, 1, "frames: %+v", frames)
	return frames[0]
}

func (c *fakeConn) messages(t *testing.T) []wireFrame {
	t.Helper()
	var out []wireFrame
	for _, f := range c.take(t) {
		if f.Type == FrameMessage {
			out = append(out, f)
		}
	}
	return out
}

// tokenVerifier accepts "token-<identity>" and rejects everything else.
func tokenVerifier() auth.Verifier {
	return auth.VerifierFunc(func(_ context.Context, token string) (auth.Principal, error) {
		if token == "" {
			return auth.Principal{}, auth.ErrMissingToken
		}
		identity, ok := strings.CutPrefix(token, "token-")
		if !ok || identity == "" {
			return auth.Principal{}, auth.ErrInvalidToken
		}
		return auth.Principal{
			Identity:  chat.Identity(identity),
			TokenID:   "jti-" + identity,
			ExpiresAt: time.Now().Add(time.Hour),
		}, nil
	})
}

type testEnv struct {
	hub  *Hub
	dir  *directory.Directory
	repo *store.Repository
}

func newTestEnv(t *testing.T, opts Options) *testEnv {
	t.Helper()

	db, err := store.Open(":memory:")
	require.NoError(t, err)
	repo := store.NewRepository(db)
	t.Cleanup(func() { _ = repo.Close() })

	logger := zaptest.NewLogger(t)
	dir := directory.New(repo, directory.WithLogger(logger), directory.WithHistoryLimit(50))

	if opts.Logger == nil {
		opts.Logger = logger
	}
	if opts.MaxContentLength == 0 {
		opts.MaxContentLength = 200
	}
	hub := NewHub(tokenVerifier(), dir, opts)
	t.Cleanup(func() { _ = hub.Shutdown(time.Second) })

	return &testEnv{hub: hub, dir: dir, repo: repo}
}

// connect accepts a fake connection for identity and discards its welcome.
func (e *testEnv) connect(t *testing.T, identity chat.Identity) *fakeConn {
	t.Helper()

	conn := newFakeConn(fmt.Sprintf("%s-%d", identity, time.Now().UnixNano()))
	got, err := e.hub.Accept(context.Background(), conn, "token-"+string(identity))
	require.NoError(t, err)
	require.Equal(t, identity, got)

	welcome := conn.only(t)
	require.Equal(t, FrameWelcome, welcome.Type)
	return conn
}

// send dispatches one envelope from conn.
func (e *testEnv) send(t *testing.T, conn *fakeConn, action string, data any) {
	t.Helper()

	env := map[string]any{"action": action}
	if data != nil {
		env["data"] = data
	}
	raw, err := json.Marshal(env)
	require.NoError(t, err)
	e.hub.Dispatch(context.Background(), conn, raw)
}
