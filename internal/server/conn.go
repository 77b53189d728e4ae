package server

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/Tyrowin/gochat-relay/internal/chat"
)

// Conn is a live bidirectional connection as seen by the registry, the room
// index, and the router.
type Conn interface {
	// Send queues payload for delivery. It never blocks; a connection that
	// cannot accept the payload returns an error wrapping chat.ErrTransport.
	Send(payload []byte) error
	// Close shuts the connection down with a close code and reason.
	// Closing an already-closed connection is a no-op.
	Close(code int, reason string) error
	// RemoteAddr identifies the peer for logging.
	RemoteAddr() string
}

var (
	// ErrSendBufferFull is returned by Send when the peer is not draining
	// its queue fast enough.
	ErrSendBufferFull = fmt.Errorf("send buffer full: %w", chat.ErrTransport)
	// ErrConnClosed is returned by Send after Close.
	ErrConnClosed = fmt.Errorf("connection closed: %w", chat.ErrTransport)
)

// Close codes sent to clients.
const (
	CloseNormal        = websocket.CloseNormalClosure
	CloseGoingAway     = websocket.CloseGoingAway
	CloseInternalError = websocket.CloseInternalServerErr
	CloseTryAgainLater = websocket.CloseTryAgainLater
	// CloseAuthFailed is sent when the credential presented at connect time
	// is rejected.
	CloseAuthFailed = 4001
)

// Close reasons sent to clients.
const (
	ReasonAuthFailed     = "authentication failed"
	ReasonShutdown       = "server shutting down"
	ReasonDeliveryFailed = "delivery failed"
)

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, websocket.ErrCloseSent) {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe")
}
