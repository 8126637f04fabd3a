package api

import (
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/taskwire-io/taskwire/internal/auth"
	"github.com/taskwire-io/taskwire/internal/notify"
)

// WSHandler handles the WebSocket upgrade endpoint GET /api/v1/ws.
// Authentication uses a JWT passed as the `token` query parameter instead of
// the Authorization header — browsers cannot set custom headers on WebSocket
// connections opened via the native WebSocket API.
//
// Every connection is addressed by the user ID from the token claims; there
// is no topic negotiation. The server pushes lifecycle envelopes for the
// user's own tasks and devices and nothing else.
//
// Example connection URL:
//
//	ws://host/api/v1/ws?token=<jwt>
type WSHandler struct {
	hub    *notify.Hub
	svc    *auth.Service
	logger *zap.Logger
}

// NewWSHandler creates a new WSHandler.
func NewWSHandler(hub *notify.Hub, svc *auth.Service, logger *zap.Logger) *WSHandler {
	return &WSHandler{
		hub:    hub,
		svc:    svc,
		logger: logger.Named("ws_handler"),
	}
}

// ServeWS handles GET /api/v1/ws.
// It authenticates the request, upgrades the connection, and starts the
// client pumps. The handler blocks until the connection closes — this is
// expected for WebSocket handlers. The token has the same short TTL as
// Bearer tokens; clients reconnect with a fresh one after expiry.
func (h *WSHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	tokenStr := r.URL.Query().Get("token")
	if tokenStr == "" {
		ErrUnauthorized(w)
		return
	}

	claims, err := h.svc.ValidateAccessToken(tokenStr)
	if err != nil {
		ErrUnauthorized(w)
		return
	}

	userID, err := uuid.Parse(claims.UserID)
	if err != nil {
		ErrUnauthorized(w)
		return
	}

	client, err := notify.NewClient(h.hub, w, r, userID, h.logger)
	if err != nil {
		// The upgrader has already written its own error response.
		h.logger.Warn("ws upgrade failed",
			zap.String("user_id", claims.UserID),
			zap.Error(err),
		)
		return
	}

	h.logger.Info("notification stream connected",
		zap.String("user_id", claims.UserID),
		zap.String("remote_addr", r.RemoteAddr),
	)

	// Run blocks until the connection closes; the pumps handle hub
	// unregistration internally.
	client.Run()

	h.logger.Info("notification stream disconnected",
		zap.String("user_id", claims.UserID),
	)
}
