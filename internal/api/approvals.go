package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/taskwire-io/taskwire/internal/approval"
	"github.com/taskwire-io/taskwire/internal/db"
	"github.com/taskwire-io/taskwire/internal/repositories"
)

// decisionFunc is the shared shape of Service.Approve and Service.Reject.
type decisionFunc func(ctx context.Context, taskID, actorID uuid.UUID, admin bool) (*db.Task, error)

// ApprovalHandler exposes the approval gate: approving releases a held task
// into the delivery pipeline, rejecting cancels it. Only tasks in
// awaiting_confirmation respond to either.
type ApprovalHandler struct {
	svc    *approval.Service
	logger *zap.Logger
}

// NewApprovalHandler creates a new ApprovalHandler.
func NewApprovalHandler(svc *approval.Service, logger *zap.Logger) *ApprovalHandler {
	return &ApprovalHandler{
		svc:    svc,
		logger: logger.Named("approval_handler"),
	}
}

// Approve handles POST /api/v1/approvals/{task_id}/approve.
func (h *ApprovalHandler) Approve(w http.ResponseWriter, r *http.Request) {
	h.decide(w, r, h.svc.Approve)
}

// Reject handles POST /api/v1/approvals/{task_id}/reject.
func (h *ApprovalHandler) Reject(w http.ResponseWriter, r *http.Request) {
	h.decide(w, r, h.svc.Reject)
}

// decide runs one of the two gate decisions and maps its failures onto the
// HTTP surface. Unlike cancellation, acting on someone else's held task is
// an explicit 403 — the task id was already disclosed by the notification.
func (h *ApprovalHandler) decide(w http.ResponseWriter, r *http.Request, fn decisionFunc) {
	userID, ok := currentUserID(r.Context())
	if !ok {
		ErrUnauthorized(w)
		return
	}

	taskID, ok := parseUUID(w, r, "task_id")
	if !ok {
		return
	}

	task, err := fn(r.Context(), taskID, userID, isAdmin(r.Context()))
	if err != nil {
		switch {
		case errors.Is(err, repositories.ErrNotFound):
			ErrNotFound(w)
		case errors.Is(err, approval.ErrForbidden):
			ErrForbidden(w)
		case errors.Is(err, repositories.ErrConflict):
			ErrConflict(w, "task is not awaiting confirmation")
		default:
			h.logger.Error("approval decision failed",
				zap.String("task_id", taskID.String()),
				zap.Error(err))
			ErrInternal(w)
		}
		return
	}

	Ok(w, taskToResponse(task))
}
