// Package types defines shared domain types used across the control plane:
// agent connection states, the task lifecycle state machine, risk levels,
// and the fan-out event vocabulary.
package types

// ─── Agent ───────────────────────────────────────────────────────────────────

// AgentStatus represents the current connection state of an agent.
type AgentStatus string

const (
	AgentStatusOffline AgentStatus = "offline"
	AgentStatusOnline  AgentStatus = "online"
	AgentStatusStale   AgentStatus = "stale"
)

// ─── Task ────────────────────────────────────────────────────────────────────

// TaskStatus represents the lifecycle state of a task.
type TaskStatus string

const (
	TaskStatusCreated              TaskStatus = "created"
	TaskStatusQueued               TaskStatus = "queued"
	TaskStatusAssigned             TaskStatus = "assigned"
	TaskStatusInProgress           TaskStatus = "in_progress"
	TaskStatusAwaitingConfirmation TaskStatus = "awaiting_confirmation"
	TaskStatusCompleted            TaskStatus = "completed"
	TaskStatusFailed               TaskStatus = "failed"
	TaskStatusCancelled            TaskStatus = "cancelled"
)

// taskTransitions is the complete set of permitted state transitions.
// Cancellation from any non-terminal state is encoded directly in each row.
var taskTransitions = map[TaskStatus][]TaskStatus{
	TaskStatusCreated:              {TaskStatusQueued, TaskStatusAwaitingConfirmation, TaskStatusCancelled},
	TaskStatusQueued:               {TaskStatusAssigned, TaskStatusCancelled},
	TaskStatusAssigned:             {TaskStatusInProgress, TaskStatusCancelled},
	TaskStatusInProgress:           {TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled},
	TaskStatusAwaitingConfirmation: {TaskStatusQueued, TaskStatusCancelled},
	TaskStatusCompleted:            {},
	TaskStatusFailed:               {},
	TaskStatusCancelled:            {},
}

// IsTerminal reports whether s admits no further transitions.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed || s == TaskStatusCancelled
}

// CanTransitionTo reports whether the transition s → to is permitted.
func (s TaskStatus) CanTransitionTo(to TaskStatus) bool {
	for _, next := range taskTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// TransitionSources returns every status from which the given status is
// reachable in one step. Used by the store to build guarded updates.
func TransitionSources(to TaskStatus) []TaskStatus {
	var from []TaskStatus
	for s, nexts := range taskTransitions {
		for _, next := range nexts {
			if next == to {
				from = append(from, s)
				break
			}
		}
	}
	return from
}

// ─── Risk ────────────────────────────────────────────────────────────────────

// RiskLevel is the classifier output governing gating and approval.
type RiskLevel string

const (
	RiskLevelLow      RiskLevel = "low"
	RiskLevelMedium   RiskLevel = "medium"
	RiskLevelHigh     RiskLevel = "high"
	RiskLevelCritical RiskLevel = "critical"
)

// Severity maps a level onto a total order so lists aggregate by maximum.
// Unknown levels rank lowest.
func (l RiskLevel) Severity() int {
	switch l {
	case RiskLevelCritical:
		return 3
	case RiskLevelHigh:
		return 2
	case RiskLevelMedium:
		return 1
	default:
		return 0
	}
}

// ─── Auth ────────────────────────────────────────────────────────────────────

// AuthProvider identifies the authentication method used by a user.
type AuthProvider string

const (
	AuthProviderLocal AuthProvider = "local"
	AuthProviderOIDC  AuthProvider = "oidc"
)

// UserRole represents the permission level of a user. Admins may act on
// resources they do not own (approval override, device revocation).
type UserRole string

const (
	UserRoleAdmin UserRole = "admin"
	UserRoleUser  UserRole = "user"
)

// ─── Events ──────────────────────────────────────────────────────────────────

// EventType identifies a lifecycle event emitted to the fan-out plane
// (in-process notifications and webhook subscriptions).
type EventType string

const (
	EventTaskAssigned  EventType = "task.assigned"
	EventTaskCompleted EventType = "task.completed"
	EventTaskFailed    EventType = "task.failed"
	EventTaskCancelled EventType = "task.cancelled"

	EventApprovalNeeded    EventType = "approval_needed"
	EventTaskApproved      EventType = "approved"
	EventTaskRejected      EventType = "rejected"
	EventTaskAutoCancelled EventType = "auto_cancelled"

	EventScheduledTaskBlocked EventType = "scheduled_task_blocked"

	EventDeviceOnline  EventType = "device.online"
	EventDeviceOffline EventType = "device.offline"
)
