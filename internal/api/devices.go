package api

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/taskwire-io/taskwire/internal/auth"
	"github.com/taskwire-io/taskwire/internal/db"
	"github.com/taskwire-io/taskwire/internal/presence"
	"github.com/taskwire-io/taskwire/internal/protocol"
	"github.com/taskwire-io/taskwire/internal/registry"
	"github.com/taskwire-io/taskwire/internal/repositories"
)

// idemEndpointEnroll scopes idempotency keys for device enrollment. The
// scope string is part of the unique index, not a routable path.
const idemEndpointEnroll = "devices/enroll"

// DeviceHandler groups the device (agent) HTTP handlers: enrollment, listing
// and revocation. The websocket channel itself lives in internal/channel;
// this handler only manages the rows and tokens behind it.
type DeviceHandler struct {
	repo     repositories.AgentRepository
	idem     repositories.IdempotencyKeyRepository
	manager  *auth.TokenManager
	presence presence.Store
	registry *registry.Registry
	logger   *zap.Logger
}

// NewDeviceHandler creates a new DeviceHandler.
func NewDeviceHandler(
	repo repositories.AgentRepository,
	idem repositories.IdempotencyKeyRepository,
	manager *auth.TokenManager,
	store presence.Store,
	reg *registry.Registry,
	logger *zap.Logger,
) *DeviceHandler {
	return &DeviceHandler{
		repo:     repo,
		idem:     idem,
		manager:  manager,
		presence: store,
		registry: reg,
		logger:   logger.Named("device_handler"),
	}
}

// -----------------------------------------------------------------------------
// Response types
// -----------------------------------------------------------------------------

// deviceResponse is the JSON representation of an enrolled device.
type deviceResponse struct {
	ID           string  `json:"id"`
	Name         string  `json:"name"`
	Platform     string  `json:"platform"`
	Capabilities string  `json:"capabilities"`
	Status       string  `json:"status"`
	LastSeenAt   *string `json:"last_seen_at"`
	RevokedAt    *string `json:"revoked_at,omitempty"`
	CreatedAt    string  `json:"created_at"`
}

// enrollDeviceResponse extends deviceResponse with the channel token. The
// token is minted per enrollment (and per idempotent replay) and is never
// persisted, so this response is the only place it appears.
type enrollDeviceResponse struct {
	deviceResponse
	AgentToken string `json:"agent_token"`
}

// deviceToResponse converts a db.Agent to a deviceResponse.
func deviceToResponse(a *db.Agent) deviceResponse {
	resp := deviceResponse{
		ID:           a.ID.String(),
		Name:         a.Name,
		Platform:     a.Platform,
		Capabilities: a.Capabilities,
		Status:       a.Status,
		CreatedAt:    a.CreatedAt.UTC().String(),
	}
	if a.LastSeenAt != nil {
		s := a.LastSeenAt.UTC().String()
		resp.LastSeenAt = &s
	}
	if a.RevokedAt != nil {
		s := a.RevokedAt.UTC().String()
		resp.RevokedAt = &s
	}
	return resp
}

// listDevicesResponse wraps a paginated list of devices.
type listDevicesResponse struct {
	Items []deviceResponse `json:"items"`
	Total int64            `json:"total"`
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// enrollDeviceRequest is the JSON body expected by POST /api/v1/devices/enroll.
type enrollDeviceRequest struct {
	Name         string            `json:"name"`
	Platform     string            `json:"platform"`
	Capabilities map[string]string `json:"capabilities"`
}

// Enroll handles POST /api/v1/devices/enroll.
// Registers a device under the authenticated owner and mints its channel
// token. An Idempotency-Key header makes the enrollment replayable: the
// device row is created exactly once, and a retry with the same key and
// body returns that row with a freshly minted token (the original token is
// not recoverable — it was never stored).
func (h *DeviceHandler) Enroll(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUserID(r.Context())
	if !ok {
		ErrUnauthorized(w)
		return
	}

	var req enrollDeviceRequest
	body, ok := decodeJSONRaw(w, r, &req)
	if !ok {
		return
	}

	if req.Name == "" {
		ErrBadRequest(w, "name is required")
		return
	}

	capabilities := "{}"
	if len(req.Capabilities) > 0 {
		raw, err := json.Marshal(req.Capabilities)
		if err != nil {
			ErrBadRequest(w, "invalid capabilities")
			return
		}
		capabilities = string(raw)
	}

	// Pre-generate the device ID so an idempotency reservation can point at
	// the row before it exists. BeforeCreate honors a pre-set ID.
	agentID, err := uuid.NewV7()
	if err != nil {
		h.logger.Error("failed to generate device id", zap.Error(err))
		ErrInternal(w)
		return
	}

	if key := r.Header.Get("Idempotency-Key"); key != "" {
		reservation := &db.IdempotencyKey{
			UserID:       userID,
			Endpoint:     idemEndpointEnroll,
			Key:          key,
			BodyHash:     hashBody(body),
			ResourceType: "agent",
			ResourceID:   agentID,
		}
		if err := h.idem.Create(r.Context(), reservation); err != nil {
			if errors.Is(err, repositories.ErrConflict) {
				h.replayEnroll(w, r, userID, key, hashBody(body))
				return
			}
			h.logger.Error("failed to reserve idempotency key", zap.Error(err))
			ErrInternal(w)
			return
		}
	}

	agent := &db.Agent{
		OwnerID:      userID,
		Name:         req.Name,
		Platform:     req.Platform,
		Capabilities: capabilities,
		Status:       "offline",
	}
	agent.ID = agentID

	if err := h.repo.Create(r.Context(), agent); err != nil {
		h.logger.Error("failed to create device", zap.Error(err))
		ErrInternal(w)
		return
	}

	token, ok := h.mintToken(w, r, agent.ID)
	if !ok {
		return
	}

	h.logger.Info("device enrolled",
		zap.String("agent_id", agent.ID.String()),
		zap.String("owner_id", userID.String()))

	Created(w, enrollDeviceResponse{
		deviceResponse: deviceToResponse(agent),
		AgentToken:     token,
	})
}

// replayEnroll serves an enrollment retry that lost the idempotency-key
// race or repeats a completed one. A matching body replays the reserved
// device; a different body under the same key is a 409.
func (h *DeviceHandler) replayEnroll(w http.ResponseWriter, r *http.Request, userID uuid.UUID, key, hash string) {
	winner, err := h.idem.Get(r.Context(), userID, idemEndpointEnroll, key)
	if err != nil {
		h.logger.Error("failed to load idempotency key", zap.Error(err))
		ErrInternal(w)
		return
	}
	if winner.BodyHash != hash {
		ErrConflict(w, "idempotency key was already used with a different request body")
		return
	}

	agent, err := h.repo.GetByID(r.Context(), winner.ResourceID)
	if errors.Is(err, repositories.ErrNotFound) {
		// The reservation landed but the row never did (crash between the
		// two writes). The reserved ID is the primary key, so creating it
		// here converges with any concurrent attempt.
		agent = &db.Agent{
			OwnerID: userID,
			Name:    "recovered-device",
			Status:  "offline",
		}
		agent.ID = winner.ResourceID
		if err := h.repo.Create(r.Context(), agent); err != nil {
			if !errors.Is(err, repositories.ErrConflict) {
				h.logger.Error("failed to recover device enrollment", zap.Error(err))
				ErrInternal(w)
				return
			}
			agent, err = h.repo.GetByID(r.Context(), winner.ResourceID)
			if err != nil {
				h.logger.Error("failed to load recovered device", zap.Error(err))
				ErrInternal(w)
				return
			}
		}
	} else if err != nil {
		h.logger.Error("failed to load device for replay", zap.Error(err))
		ErrInternal(w)
		return
	}

	if agent.Revoked() {
		ErrConflict(w, "device has been revoked")
		return
	}

	token, ok := h.mintToken(w, r, agent.ID)
	if !ok {
		return
	}

	Created(w, enrollDeviceResponse{
		deviceResponse: deviceToResponse(agent),
		AgentToken:     token,
	})
}

// mintToken generates a channel token for the device and registers its jti
// with the presence layer so revocation can find it later. Writes a 500 and
// returns false on failure.
func (h *DeviceHandler) mintToken(w http.ResponseWriter, r *http.Request, agentID uuid.UUID) (string, bool) {
	token, jti, err := h.manager.GenerateAgentToken(agentID)
	if err != nil {
		h.logger.Error("failed to mint agent token", zap.String("agent_id", agentID.String()), zap.Error(err))
		ErrInternal(w)
		return "", false
	}
	if err := h.presence.RegisterToken(r.Context(), agentID, jti, auth.AgentTokenDuration); err != nil {
		h.logger.Warn("failed to register token for revocation",
			zap.String("agent_id", agentID.String()),
			zap.Error(err))
	}
	return token, true
}

// List handles GET /api/v1/devices.
// Returns the authenticated owner's devices, paginated.
func (h *DeviceHandler) List(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUserID(r.Context())
	if !ok {
		ErrUnauthorized(w)
		return
	}

	opts := paginationOpts(r)

	agents, total, err := h.repo.ListByOwner(r.Context(), userID, opts)
	if err != nil {
		h.logger.Error("failed to list devices", zap.Error(err))
		ErrInternal(w)
		return
	}

	items := make([]deviceResponse, len(agents))
	for i := range agents {
		items[i] = deviceToResponse(&agents[i])
	}

	Ok(w, listDevicesResponse{Items: items, Total: total})
}

// GetByID handles GET /api/v1/devices/{id}.
// Other owners' devices look nonexistent, not forbidden.
func (h *DeviceHandler) GetByID(w http.ResponseWriter, r *http.Request) {
	agent, ok := h.loadOwned(w, r)
	if !ok {
		return
	}
	Ok(w, deviceToResponse(agent))
}

// Revoke handles POST /api/v1/devices/{id}/revoke.
// Stamps the row, pushes every active token onto the deny list and closes a
// live channel with the unauthorized close code. The row is retained.
func (h *DeviceHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	agent, ok := h.loadOwned(w, r)
	if !ok {
		return
	}

	if err := h.repo.Revoke(r.Context(), agent.ID); err != nil {
		h.logger.Error("failed to revoke device", zap.String("agent_id", agent.ID.String()), zap.Error(err))
		ErrInternal(w)
		return
	}

	// New handshakes already fail on the revoked row; the deny list catches
	// tokens minted before the stamp. A presence failure here only widens
	// the window for an open channel, which the close below ends anyway.
	if err := h.presence.RevokeAgentTokens(r.Context(), agent.ID); err != nil {
		h.logger.Warn("failed to deny-list agent tokens",
			zap.String("agent_id", agent.ID.String()),
			zap.Error(err))
	}

	if conn, live := h.registry.Lookup(agent.ID); live {
		conn.Close(protocol.CloseUnauthorized, "device revoked")
	}

	updated, err := h.repo.GetByID(r.Context(), agent.ID)
	if err != nil {
		h.logger.Error("failed to reload device", zap.String("agent_id", agent.ID.String()), zap.Error(err))
		ErrInternal(w)
		return
	}

	h.logger.Info("device revoked",
		zap.String("agent_id", agent.ID.String()),
		zap.String("owner_id", agent.OwnerID.String()))

	Ok(w, deviceToResponse(updated))
}

// loadOwned fetches the device in the path and enforces visibility: owners
// and admins see it, everyone else gets a 404. Writes the error response
// and returns false when the caller should stop.
func (h *DeviceHandler) loadOwned(w http.ResponseWriter, r *http.Request) (*db.Agent, bool) {
	userID, ok := currentUserID(r.Context())
	if !ok {
		ErrUnauthorized(w)
		return nil, false
	}

	id, ok := parseUUID(w, r, "id")
	if !ok {
		return nil, false
	}

	agent, err := h.repo.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return nil, false
		}
		h.logger.Error("failed to get device", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return nil, false
	}

	if agent.OwnerID != userID && !isAdmin(r.Context()) {
		ErrNotFound(w)
		return nil, false
	}

	return agent, true
}

// -----------------------------------------------------------------------------
// Shared handler helpers
// -----------------------------------------------------------------------------

// parseUUID extracts and parses a UUID path parameter by name.
// Writes a 400 and returns false if the parameter is missing or malformed.
func parseUUID(w http.ResponseWriter, r *http.Request, param string) (uuid.UUID, bool) {
	raw := chi.URLParam(r, param)
	id, err := uuid.Parse(raw)
	if err != nil {
		ErrBadRequest(w, "invalid "+param+": must be a valid UUID")
		return uuid.UUID{}, false
	}
	return id, true
}

// paginationOpts reads limit and offset query parameters from the request.
// Defaults: limit=20, offset=0. Max limit is capped at 100.
func paginationOpts(r *http.Request) repositories.ListOptions {
	limit := 20
	offset := 0

	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > 100 {
		limit = 100
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}

	return repositories.ListOptions{Limit: limit, Offset: offset}
}

// hashBody returns the SHA-256 hex of the raw request body, the comparison
// value stored with an idempotency key.
func hashBody(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}
