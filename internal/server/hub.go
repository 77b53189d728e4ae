// Package server accepts WebSocket connections, binds each to a verified
// identity, and routes chat envelopes between them via the Hub type.
package server

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/Tyrowin/gochat-relay/internal/auth"
	"github.com/Tyrowin/gochat-relay/internal/chat"
)

// Options configures a Hub.
type Options struct {
	Logger             *zap.Logger
	Metrics            *Metrics
	MaxContentLength   int
	RequireCorrelation bool
}

// Hub ties the session registry, the room index, and the message router
// together and owns the lifetime of every connection's goroutines.
type Hub struct {
	registry *Registry
	rooms    *RoomIndex
	router   *Router
	logger   *zap.Logger
	metrics  *Metrics

	wg       sync.WaitGroup
	ctx      context.Context
	cancel   context.CancelFunc
	closing  atomic.Bool
	trackMu  sync.Mutex
	shutdown sync.Once
}

// NewHub creates a hub that verifies credentials with verifier and
// authorizes chat actions against directory.
func NewHub(verifier auth.Verifier, directory Directory, opts Options) *Hub {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		logger:  logger,
		metrics: opts.Metrics,
		ctx:     ctx,
		cancel:  cancel,
	}
	h.rooms = NewRoomIndex(logger.Named("rooms"), opts.Metrics, h.evict)
	h.registry = NewRegistry(verifier, h.rooms, logger.Named("registry"), opts.Metrics)
	h.registry.admit = directory.EnsureUser
	h.router = NewRouter(directory, h.rooms, h.registry, logger.Named("router"), opts.Metrics, RouterOptions{
		MaxContentLength:   opts.MaxContentLength,
		RequireCorrelation: opts.RequireCorrelation,
	})
	return h
}

// Registry returns the hub's session registry.
func (h *Hub) Registry() *Registry { return h.registry }

// Rooms returns the hub's room index.
func (h *Hub) Rooms() *RoomIndex { return h.rooms }

// Context is cancelled when the hub shuts down.
func (h *Hub) Context() context.Context { return h.ctx }

// Accept authenticates conn with credential. The identity is recorded in
// the directory before the welcome frame is queued, so peers can address it
// as soon as the client sees its welcome. A rejected connection has already
// been closed on return.
func (h *Hub) Accept(ctx context.Context, conn Conn, credential string) (chat.Identity, error) {
	if h.closing.Load() {
		_ = conn.Close(CloseGoingAway, ReasonShutdown)
		return "", errors.New("hub is shutting down")
	}

	identity, err := h.registry.Register(ctx, conn, credential)
	if err != nil {
		if !errors.Is(err, chat.ErrAuth) {
			h.registry.Unregister(conn)
			_ = conn.Close(CloseInternalError, "internal error")
		}
		return "", err
	}
	return identity, nil
}

// Dispatch routes one raw inbound message from conn. Messages from
// connections the registry no longer knows are dropped.
func (h *Hub) Dispatch(ctx context.Context, conn Conn, raw []byte) {
	entry, err := h.registry.Lookup(conn)
	if err != nil {
		h.logger.Debug("dropping message from unregistered connection",
			zap.String("addr", conn.RemoteAddr()))
		return
	}
	h.router.Handle(ctx, entry, raw)
}

// Disconnect removes conn after its peer went away.
func (h *Hub) Disconnect(conn Conn) {
	if h.registry.Unregister(conn) {
		h.metrics.evicted("disconnect")
	}
}

// evict removes a connection whose send failed during a broadcast.
func (h *Hub) evict(conn Conn, cause error) {
	if !h.registry.Unregister(conn) {
		h.rooms.LeaveAll(conn)
		return
	}
	h.metrics.evicted("send_failed")

	code := CloseInternalError
	if errors.Is(cause, ErrSendBufferFull) {
		code = CloseTryAgainLater
	}
	if err := conn.Close(code, ReasonDeliveryFailed); err != nil && !isExpectedCloseError(err) {
		h.logger.Debug("close evicted connection",
			zap.String("addr", conn.RemoteAddr()),
			zap.Error(err))
	}
}

// Go runs fn on a goroutine the hub waits for at shutdown. It reports false,
// without running fn, once shutdown has begun.
func (h *Hub) Go(fn func()) bool {
	h.trackMu.Lock()
	defer h.trackMu.Unlock()

	if h.closing.Load() {
		return false
	}
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		fn()
	}()
	return true
}

// Shutdown closes every connection with a going-away frame and waits for
// connection goroutines to finish, or until timeout elapses.
func (h *Hub) Shutdown(timeout time.Duration) error {
	var err error
	h.shutdown.Do(func() {
		h.logger.Info("initiating hub shutdown")

		h.trackMu.Lock()
		h.closing.Store(true)
		h.trackMu.Unlock()
		h.cancel()

		conns := h.registry.snapshot()
		for _, conn := range conns {
			h.registry.Unregister(conn)
			if cerr := conn.Close(CloseGoingAway, ReasonShutdown); cerr != nil && !isExpectedCloseError(cerr) {
				h.logger.Debug("close connection at shutdown",
					zap.String("addr", conn.RemoteAddr()),
					zap.Error(cerr))
			}
		}
		h.logger.Info("closed client connections", zap.Int("count", len(conns)))

		done := make(chan struct{})
		go func() {
			h.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
			h.logger.Info("hub shutdown completed")
		case <-time.After(timeout):
			h.logger.Warn("hub shutdown timeout reached, some goroutines may still be running")
			err = context.DeadlineExceeded
		}
	})
	return err
}
