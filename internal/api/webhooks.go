package api

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"net/http"
	"net/url"

	"go.uber.org/zap"

	"github.com/taskwire-io/taskwire/internal/db"
	"github.com/taskwire-io/taskwire/internal/repositories"
	"github.com/taskwire-io/taskwire/internal/types"
)

// knownEventTypes is the set of event types a webhook may subscribe to.
// Kept here rather than in types so adding an internal-only event does not
// silently widen the subscription surface.
var knownEventTypes = map[types.EventType]struct{}{
	types.EventTaskAssigned:         {},
	types.EventTaskCompleted:        {},
	types.EventTaskFailed:           {},
	types.EventTaskCancelled:        {},
	types.EventApprovalNeeded:       {},
	types.EventTaskApproved:         {},
	types.EventTaskRejected:         {},
	types.EventTaskAutoCancelled:    {},
	types.EventScheduledTaskBlocked: {},
	types.EventDeviceOnline:         {},
	types.EventDeviceOffline:        {},
}

// WebhookHandler groups the webhook subscription handlers. Delivery lives
// in internal/webhook; this handler only manages the subscription rows.
type WebhookHandler struct {
	repo   repositories.WebhookRepository
	logger *zap.Logger
}

// NewWebhookHandler creates a new WebhookHandler.
func NewWebhookHandler(repo repositories.WebhookRepository, logger *zap.Logger) *WebhookHandler {
	return &WebhookHandler{
		repo:   repo,
		logger: logger.Named("webhook_handler"),
	}
}

// -----------------------------------------------------------------------------
// Response types
// -----------------------------------------------------------------------------

// webhookResponse is the JSON representation of a webhook subscription.
// The shared secret is intentionally excluded — it is only shown once at
// creation time via createWebhookResponse.
type webhookResponse struct {
	ID        string            `json:"id"`
	URL       string            `json:"url"`
	Events    []types.EventType `json:"events"`
	IsActive  bool              `json:"is_active"`
	CreatedAt string            `json:"created_at"`
}

// createWebhookResponse extends webhookResponse with the signing secret,
// shown only once at creation. The secret cannot be recovered after this.
type createWebhookResponse struct {
	webhookResponse
	Secret string `json:"secret"`
}

// webhookToResponse converts a db.Webhook to a webhookResponse.
func webhookToResponse(wh *db.Webhook) webhookResponse {
	resp := webhookResponse{
		ID:        wh.ID.String(),
		URL:       wh.URL,
		IsActive:  wh.IsActive,
		CreatedAt: wh.CreatedAt.UTC().String(),
	}
	if events, err := wh.GetEvents(); err == nil {
		resp.Events = events
	}
	return resp
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// createWebhookRequest is the JSON body expected by POST /api/v1/webhooks.
// Secret is optional — when omitted, the server generates one and returns
// it in the response.
type createWebhookRequest struct {
	URL    string            `json:"url"`
	Events []types.EventType `json:"events"`
	Secret string            `json:"secret"`
}

// Create handles POST /api/v1/webhooks.
func (h *WebhookHandler) Create(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUserID(r.Context())
	if !ok {
		ErrUnauthorized(w)
		return
	}

	var req createWebhookRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	target, err := url.Parse(req.URL)
	if err != nil || (target.Scheme != "http" && target.Scheme != "https") || target.Host == "" {
		ErrBadRequest(w, "url must be an absolute http(s) URL")
		return
	}

	if len(req.Events) == 0 {
		ErrBadRequest(w, "at least one event type is required")
		return
	}
	for _, ev := range req.Events {
		if _, known := knownEventTypes[ev]; !known {
			ErrBadRequest(w, "unknown event type: "+string(ev))
			return
		}
	}

	secret := req.Secret
	if secret == "" {
		secret, err = generateSecret()
		if err != nil {
			h.logger.Error("failed to generate webhook secret", zap.Error(err))
			ErrInternal(w)
			return
		}
	}

	wh := &db.Webhook{
		OwnerID:  userID,
		URL:      req.URL,
		Secret:   db.EncryptedString(secret),
		IsActive: true,
	}
	if err := wh.SetEvents(req.Events); err != nil {
		ErrBadRequest(w, "invalid events")
		return
	}

	if err := h.repo.Create(r.Context(), wh); err != nil {
		h.logger.Error("failed to create webhook", zap.Error(err))
		ErrInternal(w)
		return
	}

	h.logger.Info("webhook created",
		zap.String("webhook_id", wh.ID.String()),
		zap.String("owner_id", userID.String()))

	Created(w, createWebhookResponse{
		webhookResponse: webhookToResponse(wh),
		Secret:          secret,
	})
}

// List handles GET /api/v1/webhooks.
func (h *WebhookHandler) List(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUserID(r.Context())
	if !ok {
		ErrUnauthorized(w)
		return
	}

	webhooks, err := h.repo.ListByOwner(r.Context(), userID)
	if err != nil {
		h.logger.Error("failed to list webhooks", zap.Error(err))
		ErrInternal(w)
		return
	}

	items := make([]webhookResponse, len(webhooks))
	for i := range webhooks {
		items[i] = webhookToResponse(&webhooks[i])
	}

	Ok(w, items)
}

// Delete handles DELETE /api/v1/webhooks/{id}.
// Other owners' webhooks look nonexistent, not forbidden.
func (h *WebhookHandler) Delete(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUserID(r.Context())
	if !ok {
		ErrUnauthorized(w)
		return
	}

	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}

	wh, err := h.repo.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to get webhook", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}
	if wh.OwnerID != userID && !isAdmin(r.Context()) {
		ErrNotFound(w)
		return
	}

	if err := h.repo.Delete(r.Context(), id); err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to delete webhook", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}

	NoContent(w)
}

// generateSecret generates a cryptographically secure 32-byte random hex
// string for webhook signing.
func generateSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
