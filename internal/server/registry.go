package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Tyrowin/gochat-relay/internal/auth"
	"github.com/Tyrowin/gochat-relay/internal/chat"
)

// SessionEntry binds a live connection to the identity verified when it was
// accepted.
type SessionEntry struct {
	Conn     Conn
	Identity chat.Identity
	// CorrelationToken is an opaque value minted by the auth layer. It is
	// compared against envelopes that carry one; it is never re-verified.
	CorrelationToken string
	ConnectedAt      time.Time
}

// Registry owns every connection-keyed session. It is the only component
// holding the connection to identity mapping.
type Registry struct {
	verifier auth.Verifier
	rooms    *RoomIndex
	logger   *zap.Logger
	metrics  *Metrics
	now      func() time.Time
	// admit runs after verification and before the session is stored.
	admit func(ctx context.Context, identity chat.Identity) error

	mu       sync.RWMutex
	sessions map[Conn]*SessionEntry
}

// NewRegistry creates a registry that verifies credentials with verifier
// and evicts unregistered connections from rooms.
func NewRegistry(verifier auth.Verifier, rooms *RoomIndex, logger *zap.Logger, metrics *Metrics) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		verifier: verifier,
		rooms:    rooms,
		logger:   logger,
		metrics:  metrics,
		now:      time.Now,
		sessions: make(map[Conn]*SessionEntry),
	}
}

// Register verifies credential exactly once and binds the resulting identity
// to conn. On failure conn is closed with CloseAuthFailed and nothing is
// stored. On success a welcome frame is queued to conn.
func (r *Registry) Register(ctx context.Context, conn Conn, credential string) (chat.Identity, error) {
	r.mu.RLock()
	_, exists := r.sessions[conn]
	r.mu.RUnlock()
	if exists {
		return "", fmt.Errorf("connection %s already registered: %w", conn.RemoteAddr(), chat.ErrValidation)
	}

	principal, err := r.verifier.Verify(ctx, credential)
	if err != nil {
		r.reject(conn, err)
		if !errors.Is(err, chat.ErrAuth) {
			err = fmt.Errorf("%w: %w", chat.ErrAuth, err)
		}
		return "", err
	}

	if r.admit != nil {
		if err := r.admit(ctx, principal.Identity); err != nil {
			r.logger.Error("admit session",
				zap.String("addr", conn.RemoteAddr()),
				zap.String("identity", string(principal.Identity)),
				zap.Error(err))
			_ = conn.Close(CloseInternalError, "internal error")
			return "", fmt.Errorf("admit %s: %w", principal.Identity, err)
		}
	}

	token := principal.TokenID
	if token == "" {
		token = uuid.NewString()
	}
	entry := &SessionEntry{
		Conn:             conn,
		Identity:         principal.Identity,
		CorrelationToken: token,
		ConnectedAt:      r.now().UTC(),
	}

	r.mu.Lock()
	if _, exists := r.sessions[conn]; exists {
		r.mu.Unlock()
		return "", fmt.Errorf("connection %s already registered: %w", conn.RemoteAddr(), chat.ErrValidation)
	}
	r.sessions[conn] = entry
	total := len(r.sessions)
	r.mu.Unlock()

	r.metrics.connectionOpened()
	r.logger.Info("client registered",
		zap.String("addr", conn.RemoteAddr()),
		zap.String("identity", string(entry.Identity)),
		zap.Int("total_clients", total))

	welcome, err := json.Marshal(welcomeFrame{
		Type:             FrameWelcome,
		Identity:         entry.Identity,
		CorrelationToken: entry.CorrelationToken,
		ConnectedAt:      entry.ConnectedAt,
	})
	if err != nil {
		return "", fmt.Errorf("encode welcome: %w", err)
	}
	if err := conn.Send(welcome); err != nil {
		r.Unregister(conn)
		return "", fmt.Errorf("send welcome: %w", err)
	}

	return entry.Identity, nil
}

// reject closes conn without revealing why the credential was refused.
func (r *Registry) reject(conn Conn, cause error) {
	reason := "invalid"
	switch {
	case errors.Is(cause, auth.ErrMissingToken):
		reason = "missing"
	case errors.Is(cause, auth.ErrExpiredToken):
		reason = "expired"
	case errors.Is(cause, auth.ErrRevokedToken):
		reason = "revoked"
	}
	r.metrics.authFailed(reason)
	r.logger.Warn("authentication failed",
		zap.String("addr", conn.RemoteAddr()),
		zap.String("reason", reason),
		zap.Error(cause))

	if err := conn.Close(CloseAuthFailed, ReasonAuthFailed); err != nil && !isExpectedCloseError(err) {
		r.logger.Debug("close after failed authentication", zap.Error(err))
	}
}

// Lookup returns the session bound to conn.
func (r *Registry) Lookup(conn Conn) (SessionEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.sessions[conn]
	if !ok {
		return SessionEntry{}, fmt.Errorf("session for %s: %w", conn.RemoteAddr(), chat.ErrNotFound)
	}
	return *entry, nil
}

// Unregister removes conn's session and evicts it from every room. It
// reports whether a session was removed; unregistering an absent connection
// is a no-op.
func (r *Registry) Unregister(conn Conn) bool {
	r.mu.Lock()
	entry, ok := r.sessions[conn]
	if ok {
		delete(r.sessions, conn)
	}
	total := len(r.sessions)
	r.mu.Unlock()

	if r.rooms != nil {
		r.rooms.LeaveAll(conn)
	}
	if !ok {
		return false
	}

	r.metrics.connectionClosed()
	r.logger.Info("client unregistered",
		zap.String("addr", conn.RemoteAddr()),
		zap.String("identity", string(entry.Identity)),
		zap.Int("total_clients", total))
	return true
}

// Count returns the number of registered connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Connections returns the connections bound to identity.
func (r *Registry) Connections(identity chat.Identity) []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var conns []Conn
	for conn, entry := range r.sessions {
		if entry.Identity == identity {
			conns = append(conns, conn)
		}
	}
	return conns
}

// snapshot returns every registered connection.
func (r *Registry) snapshot() []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns := make([]Conn, 0, len(r.sessions))
	for conn := range r.sessions {
		conns = append(conns, conn)
	}
	return conns
}
