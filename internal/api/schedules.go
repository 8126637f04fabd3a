package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/taskwire-io/taskwire/internal/db"
	"github.com/taskwire-io/taskwire/internal/protocol"
	"github.com/taskwire-io/taskwire/internal/repositories"
)

// ScheduleHandler groups the scheduled-task definition handlers. The cron
// expression is validated here so a definition that reaches the scheduler
// tick is always parseable; the risk verdict is deliberately not evaluated
// at write time because classification happens at every firing.
type ScheduleHandler struct {
	repo   repositories.ScheduledTaskRepository
	agents repositories.AgentRepository
	logger *zap.Logger
}

// NewScheduleHandler creates a new ScheduleHandler.
func NewScheduleHandler(repo repositories.ScheduledTaskRepository, agents repositories.AgentRepository, logger *zap.Logger) *ScheduleHandler {
	return &ScheduleHandler{
		repo:   repo,
		agents: agents,
		logger: logger.Named("schedule_handler"),
	}
}

// -----------------------------------------------------------------------------
// Response types
// -----------------------------------------------------------------------------

// scheduleResponse is the JSON representation of a scheduled task definition.
type scheduleResponse struct {
	ID        string            `json:"id"`
	AgentID   string            `json:"agent_id"`
	Name      string            `json:"name"`
	CronExpr  string            `json:"cron_expr"`
	Actions   []protocol.Action `json:"actions,omitempty"`
	IsActive  bool              `json:"is_active"`
	LastRunAt *string           `json:"last_run_at"`
	NextRunAt *string           `json:"next_run_at"`
	RunCount  int64             `json:"run_count"`
	CreatedAt string            `json:"created_at"`
}

// scheduleToResponse converts a db.ScheduledTask to a scheduleResponse.
func scheduleToResponse(st *db.ScheduledTask) scheduleResponse {
	resp := scheduleResponse{
		ID:        st.ID.String(),
		AgentID:   st.AgentID.String(),
		Name:      st.Name,
		CronExpr:  st.CronExpr,
		IsActive:  st.IsActive,
		RunCount:  st.RunCount,
		CreatedAt: st.CreatedAt.UTC().String(),
	}
	if actions, err := st.GetActions(); err == nil {
		resp.Actions = actions
	}
	if st.LastRunAt != nil {
		s := st.LastRunAt.UTC().String()
		resp.LastRunAt = &s
	}
	if st.NextRunAt != nil {
		s := st.NextRunAt.UTC().String()
		resp.NextRunAt = &s
	}
	return resp
}

// listSchedulesResponse wraps a paginated list of schedule definitions.
type listSchedulesResponse struct {
	Items []scheduleResponse `json:"items"`
	Total int64              `json:"total"`
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// createScheduleRequest is the JSON body expected by POST /api/v1/schedules.
type createScheduleRequest struct {
	AgentID  string            `json:"agent_id"`
	Name     string            `json:"name"`
	CronExpr string            `json:"cron_expr"`
	Actions  []protocol.Action `json:"actions"`
	IsActive *bool             `json:"is_active"`
}

// Create handles POST /api/v1/schedules.
// Validates the cron expression and action template up front and computes
// the first next_run_at so the definition is immediately tickable.
func (h *ScheduleHandler) Create(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUserID(r.Context())
	if !ok {
		ErrUnauthorized(w)
		return
	}

	var req createScheduleRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	if req.Name == "" {
		ErrBadRequest(w, "name is required")
		return
	}

	agent, ok := h.resolveAgent(w, r, userID, req.AgentID)
	if !ok {
		return
	}

	sched, err := cron.ParseStandard(req.CronExpr)
	if err != nil {
		ErrBadRequest(w, "invalid cron_expr: "+err.Error())
		return
	}

	if err := protocol.ValidateActions(req.Actions); err != nil {
		ErrBadRequest(w, "invalid actions: "+err.Error())
		return
	}

	st := &db.ScheduledTask{
		OwnerID:  userID,
		AgentID:  agent.ID,
		Name:     req.Name,
		CronExpr: req.CronExpr,
		IsActive: true,
	}
	if req.IsActive != nil {
		st.IsActive = *req.IsActive
	}
	if err := st.SetActions(req.Actions); err != nil {
		ErrBadRequest(w, "invalid actions: "+err.Error())
		return
	}

	next := sched.Next(time.Now().UTC())
	st.NextRunAt = &next

	if err := h.repo.Create(r.Context(), st); err != nil {
		h.logger.Error("failed to create schedule", zap.Error(err))
		ErrInternal(w)
		return
	}

	h.logger.Info("schedule created",
		zap.String("schedule_id", st.ID.String()),
		zap.String("agent_id", st.AgentID.String()),
		zap.String("cron", st.CronExpr))

	Created(w, scheduleToResponse(st))
}

// List handles GET /api/v1/schedules.
func (h *ScheduleHandler) List(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUserID(r.Context())
	if !ok {
		ErrUnauthorized(w)
		return
	}

	opts := paginationOpts(r)

	schedules, total, err := h.repo.ListByOwner(r.Context(), userID, opts)
	if err != nil {
		h.logger.Error("failed to list schedules", zap.Error(err))
		ErrInternal(w)
		return
	}

	items := make([]scheduleResponse, len(schedules))
	for i := range schedules {
		items[i] = scheduleToResponse(&schedules[i])
	}

	Ok(w, listSchedulesResponse{Items: items, Total: total})
}

// GetByID handles GET /api/v1/schedules/{id}.
func (h *ScheduleHandler) GetByID(w http.ResponseWriter, r *http.Request) {
	st, ok := h.loadOwned(w, r)
	if !ok {
		return
	}
	Ok(w, scheduleToResponse(st))
}

// updateScheduleRequest is the JSON body expected by PATCH /api/v1/schedules/{id}.
// All fields are optional — only provided values are applied.
type updateScheduleRequest struct {
	Name     *string           `json:"name"`
	CronExpr *string           `json:"cron_expr"`
	Actions  []protocol.Action `json:"actions"`
	IsActive *bool             `json:"is_active"`
}

// Update handles PATCH /api/v1/schedules/{id}.
// Changing the cron expression or re-activating a paused definition
// recomputes next_run_at from now, so a definition never fires for slots
// that passed while it was paused.
func (h *ScheduleHandler) Update(w http.ResponseWriter, r *http.Request) {
	st, ok := h.loadOwned(w, r)
	if !ok {
		return
	}

	var req updateScheduleRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	recompute := false

	if req.Name != nil {
		if *req.Name == "" {
			ErrBadRequest(w, "name cannot be empty")
			return
		}
		st.Name = *req.Name
	}

	if req.CronExpr != nil {
		if _, err := cron.ParseStandard(*req.CronExpr); err != nil {
			ErrBadRequest(w, "invalid cron_expr: "+err.Error())
			return
		}
		st.CronExpr = *req.CronExpr
		recompute = true
	}

	if req.Actions != nil {
		if err := protocol.ValidateActions(req.Actions); err != nil {
			ErrBadRequest(w, "invalid actions: "+err.Error())
			return
		}
		if err := st.SetActions(req.Actions); err != nil {
			ErrBadRequest(w, "invalid actions: "+err.Error())
			return
		}
	}

	if req.IsActive != nil {
		if *req.IsActive && !st.IsActive {
			recompute = true
		}
		st.IsActive = *req.IsActive
	}

	if recompute {
		sched, err := cron.ParseStandard(st.CronExpr)
		if err != nil {
			// Only reachable for rows written before expression validation;
			// refuse rather than persist an unparseable definition.
			ErrBadRequest(w, "stored cron_expr is invalid, provide a new one")
			return
		}
		next := sched.Next(time.Now().UTC())
		st.NextRunAt = &next
	}

	if err := h.repo.Update(r.Context(), st); err != nil {
		h.logger.Error("failed to update schedule", zap.String("id", st.ID.String()), zap.Error(err))
		ErrInternal(w)
		return
	}

	Ok(w, scheduleToResponse(st))
}

// Delete handles DELETE /api/v1/schedules/{id}.
// Soft-deletes the definition — run history lives on the tasks it minted.
func (h *ScheduleHandler) Delete(w http.ResponseWriter, r *http.Request) {
	st, ok := h.loadOwned(w, r)
	if !ok {
		return
	}

	if err := h.repo.Delete(r.Context(), st.ID); err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to delete schedule", zap.String("id", st.ID.String()), zap.Error(err))
		ErrInternal(w)
		return
	}

	NoContent(w)
}

// -----------------------------------------------------------------------------
// Internal helpers
// -----------------------------------------------------------------------------

// resolveAgent validates the target device reference on a definition:
// it must parse, exist, belong to the caller and not be revoked. Writes a
// 400 and returns false otherwise — the schedule URL space has no device
// segment, so a bad target is a validation failure.
func (h *ScheduleHandler) resolveAgent(w http.ResponseWriter, r *http.Request, userID uuid.UUID, raw string) (*db.Agent, bool) {
	agentID, err := uuid.Parse(raw)
	if err != nil {
		ErrBadRequest(w, "invalid agent_id: must be a valid UUID")
		return nil, false
	}

	agent, err := h.agents.GetByID(r.Context(), agentID)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrBadRequest(w, "agent_id does not refer to one of your devices")
			return nil, false
		}
		h.logger.Error("failed to resolve agent", zap.String("agent_id", raw), zap.Error(err))
		ErrInternal(w)
		return nil, false
	}
	if agent.OwnerID != userID {
		ErrBadRequest(w, "agent_id does not refer to one of your devices")
		return nil, false
	}
	if agent.Revoked() {
		ErrBadRequest(w, "device has been revoked")
		return nil, false
	}

	return agent, true
}

// loadOwned fetches the definition in the path and enforces visibility the
// same way devices do: owners and admins see it, everyone else gets a 404.
func (h *ScheduleHandler) loadOwned(w http.ResponseWriter, r *http.Request) (*db.ScheduledTask, bool) {
	userID, ok := currentUserID(r.Context())
	if !ok {
		ErrUnauthorized(w)
		return nil, false
	}

	id, ok := parseUUID(w, r, "id")
	if !ok {
		return nil, false
	}

	st, err := h.repo.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return nil, false
		}
		h.logger.Error("failed to get schedule", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return nil, false
	}

	if st.OwnerID != userID && !isAdmin(r.Context()) {
		ErrNotFound(w)
		return nil, false
	}

	return st, true
}
