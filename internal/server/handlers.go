// Package server exposes HTTP handlers, including WebSocket upgrades and
// health checks.
package server

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Tyrowin/gochat-relay/internal/config"
)

// WebSocketHandler upgrades requests on the chat endpoint and hands each
// connection to the hub.
type WebSocketHandler struct {
	hub      *Hub
	cfg      config.Config
	logger   *zap.Logger
	upgrader websocket.Upgrader
}

// NewWebSocketHandler creates the handler for the chat endpoint.
func NewWebSocketHandler(hub *Hub, cfg config.Config, logger *zap.Logger) *WebSocketHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = config.Sanitize(cfg)
	policy := newOriginPolicy(cfg.AllowedOrigins, logger.Named("origin"))

	return &WebSocketHandler{
		hub:    hub,
		cfg:    cfg,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:   1024,
			WriteBufferSize:  1024,
			HandshakeTimeout: cfg.WebSocket.HandshakeTimeout,
			CheckOrigin:      policy.checkOrigin,
		},
	}
}

// ServeHTTP validates that the request uses GET, upgrades it, starts the
// write pump, authenticates the credential, and then runs the read pump
// until the connection ends.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}

	credential := credentialFromRequest(r)

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Info("websocket upgrade failed",
			zap.String("addr", r.RemoteAddr),
			zap.Error(err))
		return
	}

	client := NewClient(conn, h.hub, r.RemoteAddr, h.cfg, h.logger.Named("client"))

	// The write pump must run before Accept so the welcome frame, or the
	// close frame of a rejected credential, reaches the peer.
	if !h.hub.Go(client.writePump) {
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(CloseGoingAway, ReasonShutdown))
		_ = conn.Close()
		return
	}

	if _, err := h.hub.Accept(r.Context(), client, credential); err != nil {
		return
	}

	if !h.hub.Go(client.readPump) {
		h.hub.Disconnect(client)
		_ = client.Close(CloseGoingAway, ReasonShutdown)
	}
}

// credentialFromRequest reads the bearer credential from the token query
// parameter, the csrf_token parameter older clients send, or the
// Authorization header.
func credentialFromRequest(r *http.Request) string {
	query := r.URL.Query()
	if token := strings.TrimSpace(query.Get("token")); token != "" {
		return token
	}
	if token := strings.TrimSpace(query.Get("csrf_token")); token != "" {
		return token
	}

	header := r.Header.Get("Authorization")
	if scheme, token, ok := strings.Cut(header, " "); ok && strings.EqualFold(scheme, "Bearer") {
		return strings.TrimSpace(token)
	}
	return ""
}

// HealthHandler provides a simple health check endpoint that returns server status.
// It responds with a plain text message indicating the server is running.
func HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprintf(w, "GoChat server is running!")
}
