package api

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/taskwire-io/taskwire/internal/artifacts"
	"github.com/taskwire-io/taskwire/internal/repositories"
)

// ArtifactHandler exposes presigned artifact uploads. The service is nil
// when no artifact store is configured, in which case the endpoint degrades
// to a 503 rather than disappearing from the route table.
type ArtifactHandler struct {
	svc    *artifacts.Service
	tasks  repositories.TaskRepository
	logger *zap.Logger
}

// NewArtifactHandler creates a new ArtifactHandler. svc may be nil.
func NewArtifactHandler(svc *artifacts.Service, tasks repositories.TaskRepository, logger *zap.Logger) *ArtifactHandler {
	return &ArtifactHandler{
		svc:    svc,
		tasks:  tasks,
		logger: logger.Named("artifact_handler"),
	}
}

// presignRequest is the JSON body expected by POST /api/v1/artifacts/presign.
type presignRequest struct {
	TaskID      string `json:"task_id"`
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
}

// presignResponse is the one-time upload grant returned to the client.
type presignResponse struct {
	URL       string            `json:"url"`
	Method    string            `json:"method"`
	Headers   map[string]string `json:"headers,omitempty"`
	Key       string            `json:"key"`
	ExpiresAt string            `json:"expires_at"`
}

// Presign handles POST /api/v1/artifacts/presign.
// Issues a short-lived presigned PUT scoped to the task's artifact prefix.
// The upload itself goes straight to the object store.
func (h *ArtifactHandler) Presign(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUserID(r.Context())
	if !ok {
		ErrUnauthorized(w)
		return
	}

	if h.svc == nil {
		ErrUnavailable(w, "artifact store is not configured")
		return
	}

	var req presignRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	taskID, err := uuid.Parse(req.TaskID)
	if err != nil {
		ErrBadRequest(w, "invalid task_id: must be a valid UUID")
		return
	}
	if req.Filename == "" {
		ErrBadRequest(w, "filename is required")
		return
	}

	task, err := h.tasks.GetByID(r.Context(), taskID)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to get task for presign", zap.String("task_id", req.TaskID), zap.Error(err))
		ErrInternal(w)
		return
	}
	if task.OwnerID != userID && !isAdmin(r.Context()) {
		ErrNotFound(w)
		return
	}

	upload, err := h.svc.PresignUpload(r.Context(), artifacts.PresignInput{
		OwnerID:     task.OwnerID,
		TaskID:      task.ID,
		Filename:    req.Filename,
		ContentType: req.ContentType,
	})
	if err != nil {
		h.logger.Error("failed to presign upload",
			zap.String("task_id", task.ID.String()),
			zap.Error(err))
		ErrUnavailable(w, "artifact store did not accept the presign request")
		return
	}

	Ok(w, presignResponse{
		URL:       upload.URL,
		Method:    upload.Method,
		Headers:   upload.Headers,
		Key:       upload.Key,
		ExpiresAt: upload.ExpiresAt.UTC().String(),
	})
}
