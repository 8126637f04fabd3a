// Package protocol defines the agent channel wire vocabulary: the JSON
// frames exchanged over /ws/agent, the task action variants, and the signed
// task envelope. Every frame is a JSON object with a "type" discriminator.
//
// Server → agent:
//
//	task.exec     {task_id, issued_at, actions, signature} — execute a task
//	task.cancel   {task_id}                                — drop in-flight work
//	token.revoked {}                                       — channel closes shortly after
//
// Agent → server:
//
//	heartbeat   {ts, capabilities}            — refresh presence
//	task.ack    {task_id}                     — assigned → in_progress
//	task.result {task_id, results, signature} — terminal outcome
//
// Envelope and result frames are HMAC-signed; see envelope.go.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrMalformed reports bytes that are not valid JSON at all. Receiving it
// means the peer is not speaking the protocol; the channel closes on it,
// while frame-level validation failures are logged and skipped.
var ErrMalformed = errors.New("protocol: malformed frame")

// FrameType identifies the kind of frame carried on the agent channel.
type FrameType string

const (
	// Server → agent.
	FrameTaskExec     FrameType = "task.exec"
	FrameTaskCancel   FrameType = "task.cancel"
	FrameTokenRevoked FrameType = "token.revoked"

	// Agent → server.
	FrameHeartbeat  FrameType = "heartbeat"
	FrameTaskAck    FrameType = "task.ack"
	FrameTaskResult FrameType = "task.result"
)

// WebSocket close codes used on the agent channel.
const (
	// CloseNormal is sent on orderly server shutdown or revocation follow-up.
	CloseNormal = 1000
	// CloseSuperseded is sent to the older of two channels racing for the
	// same agent_id.
	CloseSuperseded = 4000
	// CloseUnauthorized is sent when the handshake token is missing, invalid,
	// expired, or revoked.
	CloseUnauthorized = 4401
)

// TaskEnvelope is the signed wire form of a task instruction (type
// "task.exec"). Signature is hex HMAC-SHA256 over the canonical JSON of the
// envelope minus the signature field.
type TaskEnvelope struct {
	Type      FrameType `json:"type"`
	TaskID    string    `json:"task_id"`
	IssuedAt  time.Time `json:"issued_at"`
	Actions   []Action  `json:"actions"`
	Signature string    `json:"signature,omitempty"`
}

// NewTaskEnvelope builds an unsigned task.exec envelope stamped with the
// current UTC time.
func NewTaskEnvelope(taskID string, actions []Action) *TaskEnvelope {
	return &TaskEnvelope{
		Type:     FrameTaskExec,
		TaskID:   taskID,
		IssuedAt: time.Now().UTC(),
		Actions:  actions,
	}
}

// CancelFrame instructs the agent to drop an in-flight task (type "task.cancel").
type CancelFrame struct {
	Type   FrameType `json:"type"`
	TaskID string    `json:"task_id"`
}

// NewCancelFrame builds a task.cancel frame.
func NewCancelFrame(taskID string) *CancelFrame {
	return &CancelFrame{Type: FrameTaskCancel, TaskID: taskID}
}

// RevokedFrame tells the agent its token was revoked (type "token.revoked").
// The server closes the channel shortly after sending it.
type RevokedFrame struct {
	Type FrameType `json:"type"`
}

// NewRevokedFrame builds a token.revoked frame.
func NewRevokedFrame() *RevokedFrame {
	return &RevokedFrame{Type: FrameTokenRevoked}
}

// HeartbeatFrame refreshes presence (type "heartbeat").
type HeartbeatFrame struct {
	Type         FrameType         `json:"type"`
	TS           time.Time         `json:"ts"`
	Capabilities map[string]string `json:"capabilities,omitempty"`
}

// AckFrame acknowledges receipt of a task.exec (type "task.ack") and moves
// the task to in_progress.
type AckFrame struct {
	Type   FrameType `json:"type"`
	TaskID string    `json:"task_id"`
}

// ResultEnvelope is the terminal outcome of a task (type "task.result"),
// signed the same way as TaskEnvelope.
type ResultEnvelope struct {
	Type      FrameType      `json:"type"`
	TaskID    string         `json:"task_id"`
	Results   []ActionResult `json:"results"`
	Signature string         `json:"signature,omitempty"`
}

// ParseAgentFrame decodes a frame received from an agent and returns one of
// *HeartbeatFrame, *AckFrame, or *ResultEnvelope. Unknown or server-only
// frame types are a validation error — they are never silently forwarded.
func ParseAgentFrame(data []byte) (any, error) {
	var head struct {
		Type FrameType `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	switch head.Type {
	case FrameHeartbeat:
		var f HeartbeatFrame
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("protocol: malformed heartbeat frame: %w", err)
		}
		return &f, nil

	case FrameTaskAck:
		var f AckFrame
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("protocol: malformed task.ack frame: %w", err)
		}
		if f.TaskID == "" {
			return nil, fmt.Errorf("protocol: task.ack frame missing task_id")
		}
		return &f, nil

	case FrameTaskResult:
		var f ResultEnvelope
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("protocol: malformed task.result frame: %w", err)
		}
		if f.TaskID == "" {
			return nil, fmt.Errorf("protocol: task.result frame missing task_id")
		}
		return &f, nil

	default:
		return nil, fmt.Errorf("protocol: unknown agent frame type %q", head.Type)
	}
}
