package protocol

import (
	"fmt"

	"github.com/google/uuid"
)

// ActionType identifies the kind of operation an action performs on the
// agent machine. Unknown types are rejected at the API boundary rather than
// forwarded — the variant set is closed.
type ActionType string

const (
	ActionNoop       ActionType = "noop"
	ActionShell      ActionType = "shell"
	ActionFileRead   ActionType = "file_read"
	ActionFileWrite  ActionType = "file_write"
	ActionFileDelete ActionType = "file_delete"
	ActionHTTPFetch  ActionType = "http_fetch"
	ActionScreenshot ActionType = "screenshot"
	ActionInput      ActionType = "input"
)

// Action is one step of a task. Params carries the type-specific arguments;
// Validate enforces the required keys per variant.
type Action struct {
	ActionID string            `json:"action_id"`
	Type     ActionType        `json:"type"`
	Params   map[string]string `json:"params,omitempty"`
}

// requiredParams lists the param keys each action type must carry.
// Types absent from the map take no required params.
var requiredParams = map[ActionType][]string{
	ActionShell:      {"command"},
	ActionFileRead:   {"path"},
	ActionFileWrite:  {"path"},
	ActionFileDelete: {"path"},
	ActionHTTPFetch:  {"url"},
}

// knownActionTypes is the closed variant set accepted on the wire.
var knownActionTypes = map[ActionType]struct{}{
	ActionNoop:       {},
	ActionShell:      {},
	ActionFileRead:   {},
	ActionFileWrite:  {},
	ActionFileDelete: {},
	ActionHTTPFetch:  {},
	ActionScreenshot: {},
	ActionInput:      {},
}

// Validate checks the action against the closed variant set and its
// per-type required params. An empty ActionID is filled with a fresh UUID
// so callers may omit it.
func (a *Action) Validate() error {
	if a.ActionID == "" {
		a.ActionID = uuid.NewString()
	}
	if _, ok := knownActionTypes[a.Type]; !ok {
		return fmt.Errorf("protocol: unknown action type %q", a.Type)
	}
	for _, key := range requiredParams[a.Type] {
		if a.Params[key] == "" {
			return fmt.Errorf("protocol: action %s (%s) missing required param %q", a.ActionID, a.Type, key)
		}
	}
	return nil
}

// ValidateActions validates a task's full action list in order and rejects
// empty lists — a task with nothing to execute is a validation error.
func ValidateActions(actions []Action) error {
	if len(actions) == 0 {
		return fmt.Errorf("protocol: actions list is empty")
	}
	for i := range actions {
		if err := actions[i].Validate(); err != nil {
			return err
		}
	}
	return nil
}

// ActionResult statuses reported by agents in task.result frames.
const (
	ResultStatusDone  = "done"
	ResultStatusError = "error"
)

// ActionResult is the per-action outcome reported in a task.result frame.
type ActionResult struct {
	ActionID    string `json:"action_id"`
	Status      string `json:"status"`
	Output      string `json:"output,omitempty"`
	Error       string `json:"error,omitempty"`
	ArtifactURL string `json:"artifact_url,omitempty"`
}

// ResultsFailed reports whether a result set should mark the task failed:
// any single action reporting an error fails the whole task.
func ResultsFailed(results []ActionResult) bool {
	for _, r := range results {
		if r.Status == ResultStatusError {
			return true
		}
	}
	return false
}
