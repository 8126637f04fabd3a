package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/taskwire-io/taskwire/internal/db"
	"github.com/taskwire-io/taskwire/internal/protocol"
	"github.com/taskwire-io/taskwire/internal/repositories"
	"github.com/taskwire-io/taskwire/internal/risk"
	"github.com/taskwire-io/taskwire/internal/router"
	"github.com/taskwire-io/taskwire/internal/types"
)

// idemEndpointTasks scopes idempotency keys for task creation.
const idemEndpointTasks = "tasks/create"

// TaskHandler groups the task HTTP handlers. Creation and cancellation go
// through the intake router so risk gating and the cancel frame live in one
// place; reads hit the repository directly.
type TaskHandler struct {
	router *router.Router
	tasks  repositories.TaskRepository
	idem   repositories.IdempotencyKeyRepository
	logger *zap.Logger
}

// NewTaskHandler creates a new TaskHandler.
func NewTaskHandler(taskRouter *router.Router, tasks repositories.TaskRepository, idem repositories.IdempotencyKeyRepository, logger *zap.Logger) *TaskHandler {
	return &TaskHandler{
		router: taskRouter,
		tasks:  tasks,
		idem:   idem,
		logger: logger.Named("task_handler"),
	}
}

// -----------------------------------------------------------------------------
// Response types
// -----------------------------------------------------------------------------

// taskResponse is the JSON representation of a task. Actions and the risk
// verdict come out of the payload document; Result is the raw JSON the agent
// reported, present only once the task is terminal.
type taskResponse struct {
	ID              string            `json:"id"`
	AgentID         string            `json:"agent_id"`
	Title           string            `json:"title"`
	Description     string            `json:"description,omitempty"`
	Status          string            `json:"status"`
	Actions         []protocol.Action `json:"actions,omitempty"`
	RiskAnalysis    *risk.Analysis    `json:"risk_analysis,omitempty"`
	ScheduledTaskID string            `json:"scheduled_task_id,omitempty"`
	Result          json.RawMessage   `json:"result,omitempty"`
	CompletedAt     *string           `json:"completed_at,omitempty"`
	CreatedAt       string            `json:"created_at"`
}

// taskToResponse converts a db.Task to a taskResponse. A payload that fails
// to decode leaves the action fields empty rather than failing the read.
func taskToResponse(t *db.Task) taskResponse {
	resp := taskResponse{
		ID:          t.ID.String(),
		AgentID:     t.AgentID.String(),
		Title:       t.Title,
		Description: t.Description,
		Status:      t.Status,
		CreatedAt:   t.CreatedAt.UTC().String(),
	}
	if payload, err := t.GetPayload(); err == nil {
		resp.Actions = payload.Actions
		analysis := payload.RiskAnalysis
		resp.RiskAnalysis = &analysis
		resp.ScheduledTaskID = payload.ScheduledTaskID
	}
	if t.Result != "" {
		resp.Result = json.RawMessage(t.Result)
	}
	if t.CompletedAt != nil {
		s := t.CompletedAt.UTC().String()
		resp.CompletedAt = &s
	}
	return resp
}

// listTasksResponse wraps a paginated list of tasks.
type listTasksResponse struct {
	Items []taskResponse `json:"items"`
	Total int64          `json:"total"`
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// createTaskRequest is the JSON body expected by POST /api/v1/tasks.
type createTaskRequest struct {
	AgentID     string            `json:"agent_id"`
	Title       string            `json:"title"`
	Description string            `json:"description"`
	Actions     []protocol.Action `json:"actions"`
}

// Create handles POST /api/v1/tasks.
// Runs the intake pipeline: returns 201 with the task in status queued or
// awaiting_confirmation, 403 when the risk policy blocks it outright, and
// honors an Idempotency-Key header so retries do not mint duplicate tasks.
func (h *TaskHandler) Create(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUserID(r.Context())
	if !ok {
		ErrUnauthorized(w)
		return
	}

	var req createTaskRequest
	body, ok := decodeJSONRaw(w, r, &req)
	if !ok {
		return
	}

	agentID, err := uuid.Parse(req.AgentID)
	if err != nil {
		ErrBadRequest(w, "invalid agent_id: must be a valid UUID")
		return
	}
	if req.Title == "" {
		ErrBadRequest(w, "title is required")
		return
	}

	key := r.Header.Get("Idempotency-Key")
	hash := hashBody(body)

	if key != "" {
		existing, err := h.idem.Get(r.Context(), userID, idemEndpointTasks, key)
		if err == nil {
			h.replayTask(w, r, existing, hash)
			return
		}
		if !errors.Is(err, repositories.ErrNotFound) {
			h.logger.Error("failed to look up idempotency key", zap.Error(err))
			ErrInternal(w)
			return
		}
	}

	task, err := h.router.CreateTask(r.Context(), router.CreateTaskInput{
		OwnerID:     userID,
		AgentID:     agentID,
		Title:       req.Title,
		Description: req.Description,
		Actions:     req.Actions,
	})
	if err != nil {
		h.writeCreateError(w, req, err)
		return
	}

	if key != "" {
		record := &db.IdempotencyKey{
			UserID:       userID,
			Endpoint:     idemEndpointTasks,
			Key:          key,
			BodyHash:     hash,
			ResourceType: "task",
			ResourceID:   task.ID,
		}
		if err := h.idem.Create(r.Context(), record); err != nil {
			if errors.Is(err, repositories.ErrConflict) {
				// A concurrent request with the same key won the index race.
				// Void our duplicate and serve the winner so exactly one
				// live task exists for the key.
				if cancelErr := h.tasks.UpdateStatus(r.Context(), task.ID, types.TaskStatusCancelled); cancelErr != nil {
					h.logger.Warn("failed to void duplicate task",
						zap.String("task_id", task.ID.String()),
						zap.Error(cancelErr))
				}
				winner, err := h.idem.Get(r.Context(), userID, idemEndpointTasks, key)
				if err != nil {
					h.logger.Error("failed to load winning idempotency key", zap.Error(err))
					ErrInternal(w)
					return
				}
				h.replayTask(w, r, winner, hash)
				return
			}
			h.logger.Error("failed to record idempotency key", zap.Error(err))
			ErrInternal(w)
			return
		}
	}

	Created(w, taskToResponse(task))
}

// replayTask serves a repeated idempotent creation: the stored body hash
// must match, and the response is the task the first request created.
func (h *TaskHandler) replayTask(w http.ResponseWriter, r *http.Request, record *db.IdempotencyKey, hash string) {
	if record.BodyHash != hash {
		ErrConflict(w, "idempotency key was already used with a different request body")
		return
	}

	task, err := h.tasks.GetByID(r.Context(), record.ResourceID)
	if err != nil {
		h.logger.Error("failed to load task for replay",
			zap.String("task_id", record.ResourceID.String()),
			zap.Error(err))
		ErrInternal(w)
		return
	}

	Created(w, taskToResponse(task))
}

// writeCreateError maps intake pipeline failures onto the HTTP surface.
func (h *TaskHandler) writeCreateError(w http.ResponseWriter, req createTaskRequest, err error) {
	var blocked *router.BlockedError
	switch {
	case errors.As(err, &blocked):
		ErrForbiddenRisk(w, blocked.Error())
	case errors.Is(err, router.ErrInvalidActions):
		ErrBadRequest(w, err.Error())
	case errors.Is(err, router.ErrUnknownAgent):
		// The task URL space has no device segment, so a bad target is a
		// validation failure rather than a 404.
		ErrBadRequest(w, "agent_id does not refer to one of your devices")
	case errors.Is(err, router.ErrAgentRevoked):
		ErrConflict(w, "device has been revoked")
	default:
		h.logger.Error("failed to create task", zap.String("agent_id", req.AgentID), zap.Error(err))
		ErrInternal(w)
	}
}

// List handles GET /api/v1/tasks.
// Returns the authenticated owner's tasks, paginated, newest first.
func (h *TaskHandler) List(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUserID(r.Context())
	if !ok {
		ErrUnauthorized(w)
		return
	}

	opts := paginationOpts(r)

	tasks, total, err := h.tasks.ListByOwner(r.Context(), userID, opts)
	if err != nil {
		h.logger.Error("failed to list tasks", zap.Error(err))
		ErrInternal(w)
		return
	}

	items := make([]taskResponse, len(tasks))
	for i := range tasks {
		items[i] = taskToResponse(&tasks[i])
	}

	Ok(w, listTasksResponse{Items: items, Total: total})
}

// GetByID handles GET /api/v1/tasks/{id}.
// Other owners' tasks look nonexistent, not forbidden.
func (h *TaskHandler) GetByID(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUserID(r.Context())
	if !ok {
		ErrUnauthorized(w)
		return
	}

	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}

	task, err := h.tasks.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to get task", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}

	if task.OwnerID != userID && !isAdmin(r.Context()) {
		ErrNotFound(w)
		return
	}

	Ok(w, taskToResponse(task))
}

// Cancel handles POST /api/v1/tasks/{id}/cancel.
// Moves any non-terminal task to cancelled; a terminal task is a 409.
func (h *TaskHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUserID(r.Context())
	if !ok {
		ErrUnauthorized(w)
		return
	}

	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}

	task, err := h.router.Cancel(r.Context(), id, userID, isAdmin(r.Context()))
	if err != nil {
		switch {
		case errors.Is(err, repositories.ErrNotFound), errors.Is(err, router.ErrForbidden):
			// Ownership failures are indistinguishable from missing rows.
			ErrNotFound(w)
		case errors.Is(err, repositories.ErrConflict):
			ErrConflict(w, "task is already in a terminal state")
		default:
			h.logger.Error("failed to cancel task", zap.String("id", id.String()), zap.Error(err))
			ErrInternal(w)
		}
		return
	}

	Ok(w, taskToResponse(task))
}
