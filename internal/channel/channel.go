// Package channel implements the agent side of the control plane: the
// WebSocket endpoint GET /ws/agent. A channel is authenticated once at the
// handshake, registered as the agent's single live connection, and then
// serves two directions until it dies — outbound frames go through the
// registry Conn's write pump, inbound frames (heartbeat, ack, result) are
// consumed by the read loop here.
//
// The read loop is the only place agent-reported task outcomes enter the
// state machine. Every transition goes through the guarded repository
// update, so a duplicate or late frame loses the compare-and-set instead of
// corrupting state.
package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/taskwire-io/taskwire/internal/auth"
	"github.com/taskwire-io/taskwire/internal/db"
	"github.com/taskwire-io/taskwire/internal/events"
	"github.com/taskwire-io/taskwire/internal/metrics"
	"github.com/taskwire-io/taskwire/internal/presence"
	"github.com/taskwire-io/taskwire/internal/protocol"
	"github.com/taskwire-io/taskwire/internal/registry"
	"github.com/taskwire-io/taskwire/internal/repositories"
	"github.com/taskwire-io/taskwire/internal/types"
)

const (
	// heartbeatInterval is the cadence agents are expected to report at.
	heartbeatInterval = 30 * time.Second

	// readWait is the inbound deadline: two heartbeat intervals plus slack,
	// so one dropped beat never kills the channel. Only heartbeats reset
	// it — a busy agent streaming results must still prove liveness.
	readWait = 2*heartbeatInterval + 15*time.Second

	// maxMessageSize bounds inbound frames. Result frames carry action
	// outputs, so the limit is generous compared to control traffic.
	maxMessageSize = 512 * 1024

	// teardownTimeout bounds the presence and DB writes that run after the
	// socket is already gone.
	teardownTimeout = 5 * time.Second
)

// upgrader performs the HTTP → WebSocket protocol upgrade.
// CheckOrigin always returns true — agents are not browsers, and origin
// validation is the responsibility of the reverse proxy in deployments
// that terminate browser traffic on the same host.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Handler serves GET /ws/agent.
type Handler struct {
	manager  *auth.TokenManager
	registry *registry.Registry
	presence presence.Store
	agents   repositories.AgentRepository
	tasks    repositories.TaskRepository
	events   events.Publisher
	logger   *zap.Logger
}

func NewHandler(
	manager *auth.TokenManager,
	reg *registry.Registry,
	store presence.Store,
	agents repositories.AgentRepository,
	tasks repositories.TaskRepository,
	pub events.Publisher,
	logger *zap.Logger,
) *Handler {
	return &Handler{
		manager:  manager,
		registry: reg,
		presence: store,
		agents:   agents,
		tasks:    tasks,
		events:   pub,
		logger:   logger.Named("channel"),
	}
}

// handshake is the identity established for a channel: the agent row plus
// the token id and key id it authenticated with.
type handshake struct {
	agent *db.Agent
	jti   string
	kid   string
}

// ServeHTTP handles GET /ws/agent?token=<agent_token>. The connection is
// upgraded first and authenticated second: a rejected handshake is answered
// with close code 4401 on the socket rather than an HTTP status, so agents
// observe one rejection surface regardless of where validation failed.
// The handler blocks until the channel closes.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already written the HTTP error response.
		h.logger.Warn("upgrade failed", zap.String("remote_addr", r.RemoteAddr), zap.Error(err))
		return
	}

	hs, err := h.authenticate(r.Context(), r)
	if err != nil {
		h.logger.Info("handshake rejected",
			zap.String("remote_addr", r.RemoteAddr),
			zap.Error(err))
		closeWith(ws, protocol.CloseUnauthorized, "unauthorized")
		return
	}

	logger := h.logger.With(zap.String("agent_id", hs.agent.ID.String()))

	conn := registry.NewConn(hs.agent.ID, hs.jti, hs.kid, ws, h.logger)
	go conn.WritePump()
	h.registry.Register(conn)

	h.markConnected(r.Context(), hs.agent)
	logger.Info("agent connected", zap.String("remote_addr", r.RemoteAddr))

	demoteTo := h.readLoop(r.Context(), conn, ws, hs.agent)

	h.teardown(conn, hs.agent, demoteTo)
	logger.Info("agent disconnected", zap.String("status", string(demoteTo)))
}

// authenticate validates the handshake token and resolves the agent row.
// Every failure collapses to 4401 at the caller; the distinct reasons only
// reach the log.
func (h *Handler) authenticate(ctx context.Context, r *http.Request) (*handshake, error) {
	tokenStr := r.URL.Query().Get("token")
	if tokenStr == "" {
		return nil, errors.New("channel: missing token")
	}

	claims, kid, err := h.manager.ValidateAgentToken(tokenStr)
	if err != nil {
		return nil, fmt.Errorf("channel: validate token: %w", err)
	}
	agentID, err := claims.AgentID()
	if err != nil {
		return nil, fmt.Errorf("channel: token subject: %w", err)
	}

	revoked, err := h.presence.TokenRevoked(ctx, claims.ID)
	if err != nil {
		return nil, fmt.Errorf("channel: revocation check: %w", err)
	}
	if revoked {
		return nil, fmt.Errorf("channel: token %s revoked", claims.ID)
	}

	agent, err := h.agents.GetByID(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("channel: load agent: %w", err)
	}
	if agent.Revoked() {
		return nil, fmt.Errorf("channel: agent %s revoked", agentID)
	}

	return &handshake{agent: agent, jti: claims.ID, kid: kid}, nil
}

// markConnected records the fresh channel in the presence layer and the
// agent row, and announces it. Failures degrade delivery accuracy but never
// reject an authenticated channel.
func (h *Handler) markConnected(ctx context.Context, agent *db.Agent) {
	meta := presence.Meta{
		Platform:     agent.Platform,
		Capabilities: parseCapabilities(agent.Capabilities),
	}
	if err := h.presence.MarkOnline(ctx, agent.ID, meta); err != nil {
		h.logger.Warn("mark online", zap.String("agent_id", agent.ID.String()), zap.Error(err))
	}
	if err := h.agents.UpdateStatus(ctx, agent.ID, types.AgentStatusOnline, time.Now().UTC()); err != nil {
		h.logger.Warn("update agent status", zap.String("agent_id", agent.ID.String()), zap.Error(err))
	}
	h.events.Publish(ctx, events.Event{
		Type:    types.EventDeviceOnline,
		UserID:  agent.OwnerID,
		AgentID: agent.ID,
		Data:    map[string]any{"name": agent.Name, "platform": agent.Platform},
	})
}

// readLoop consumes agent frames until the connection dies and returns the
// status the agent should be demoted to: stale when the read deadline
// expired (the agent went silent), offline for every other exit.
func (h *Handler) readLoop(ctx context.Context, conn *registry.Conn, ws *websocket.Conn, agent *db.Agent) types.AgentStatus {
	logger := h.logger.With(zap.String("agent_id", agent.ID.String()))

	ws.SetReadLimit(maxMessageSize)
	if err := ws.SetReadDeadline(time.Now().Add(readWait)); err != nil {
		logger.Warn("set read deadline", zap.Error(err))
		return types.AgentStatusOffline
	}

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				// Two missed heartbeats. The presence TTL demotes delivery
				// eligibility on its own; stale here keeps the DB row honest.
				logger.Warn("read deadline expired")
				return types.AgentStatusStale
			}
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseNormalClosure,
				websocket.CloseNoStatusReceived,
			) {
				logger.Warn("unexpected close", zap.Error(err))
			}
			return types.AgentStatusOffline
		}

		frame, err := protocol.ParseAgentFrame(data)
		if err != nil {
			if errors.Is(err, protocol.ErrMalformed) {
				// Not JSON at all: the peer is not speaking the protocol.
				logger.Warn("malformed frame, closing channel", zap.Error(err))
				conn.Close(websocket.CloseProtocolError, "malformed frame")
				return types.AgentStatusOffline
			}
			// Unknown type or missing fields: drop the frame, keep the
			// channel.
			logger.Warn("invalid frame", zap.Error(err))
			continue
		}

		switch f := frame.(type) {
		case *protocol.HeartbeatFrame:
			metrics.AgentFrames.WithLabelValues(string(protocol.FrameHeartbeat)).Inc()
			h.handleHeartbeat(ctx, agent, f)
			if err := ws.SetReadDeadline(time.Now().Add(readWait)); err != nil {
				logger.Warn("reset read deadline", zap.Error(err))
				return types.AgentStatusOffline
			}
		case *protocol.AckFrame:
			metrics.AgentFrames.WithLabelValues(string(protocol.FrameTaskAck)).Inc()
			h.handleAck(ctx, logger, f)
		case *protocol.ResultEnvelope:
			metrics.AgentFrames.WithLabelValues(string(protocol.FrameTaskResult)).Inc()
			h.handleResult(ctx, logger, conn, agent, f)
		}
	}
}

// handleHeartbeat refreshes the presence window and the agent row. The
// frame's capabilities replace the stored ones in presence; an agent that
// omits them keeps advertising what it enrolled with.
func (h *Handler) handleHeartbeat(ctx context.Context, agent *db.Agent, f *protocol.HeartbeatFrame) {
	meta := presence.Meta{Platform: agent.Platform, Capabilities: f.Capabilities}
	if len(f.Capabilities) == 0 {
		meta.Capabilities = parseCapabilities(agent.Capabilities)
	}
	if err := h.presence.Heartbeat(ctx, agent.ID, meta); err != nil {
		h.logger.Warn("presence heartbeat", zap.String("agent_id", agent.ID.String()), zap.Error(err))
	}
	if err := h.agents.UpdateStatus(ctx, agent.ID, types.AgentStatusOnline, time.Now().UTC()); err != nil {
		h.logger.Warn("refresh agent status", zap.String("agent_id", agent.ID.String()), zap.Error(err))
	}
}

// handleAck moves the task through assigned → in_progress. A stale ack —
// the task already progressed, or a cancel got there first — loses the
// state guard and is dropped.
func (h *Handler) handleAck(ctx context.Context, logger *zap.Logger, f *protocol.AckFrame) {
	taskID, err := uuid.Parse(f.TaskID)
	if err != nil {
		logger.Warn("ack with unparseable task id", zap.String("task_id", f.TaskID))
		return
	}

	err = h.tasks.UpdateStatus(ctx, taskID, types.TaskStatusInProgress)
	switch {
	case err == nil:
		logger.Debug("task acked", zap.String("task_id", f.TaskID))
	case errors.Is(err, repositories.ErrConflict):
		logger.Debug("stale ack dropped", zap.String("task_id", f.TaskID))
	case errors.Is(err, repositories.ErrNotFound):
		logger.Warn("ack for unknown task", zap.String("task_id", f.TaskID))
	default:
		logger.Error("ack transition", zap.String("task_id", f.TaskID), zap.Error(err))
	}
}

// handleResult verifies and applies a task.result frame. The terminal
// transition carries the result document atomically; the first result to
// land wins and later duplicates lose the state guard. Unsigned or
// tampered results are dropped without touching the task.
func (h *Handler) handleResult(ctx context.Context, logger *zap.Logger, conn *registry.Conn, agent *db.Agent, env *protocol.ResultEnvelope) {
	logger = logger.With(zap.String("task_id", env.TaskID))

	secret, ok := h.manager.KeySet().Secret(conn.Kid())
	if !ok {
		// The handshake validated this kid; losing it means the key set
		// changed underneath the live channel.
		logger.Error("no verification key for channel", zap.String("kid", conn.Kid()))
		return
	}
	if !env.Verify(secret) {
		logger.Warn("result signature rejected")
		return
	}

	taskID, err := uuid.Parse(env.TaskID)
	if err != nil {
		logger.Warn("result with unparseable task id")
		return
	}
	task, err := h.tasks.GetByID(ctx, taskID)
	if err != nil {
		logger.Warn("result for unknown task", zap.Error(err))
		return
	}

	resultJSON, err := json.Marshal(env.Results)
	if err != nil {
		logger.Error("marshal results", zap.Error(err))
		return
	}

	to := types.TaskStatusCompleted
	if protocol.ResultsFailed(env.Results) {
		to = types.TaskStatusFailed
	}

	err = h.tasks.Complete(ctx, taskID, to, string(resultJSON))
	switch {
	case err == nil:
		h.publishTerminal(ctx, agent, task, to)
		logger.Info("task result recorded", zap.String("status", string(to)))
	case errors.Is(err, repositories.ErrConflict):
		h.resolveResultConflict(ctx, logger, agent, task, to, string(resultJSON))
	case errors.Is(err, repositories.ErrNotFound):
		logger.Warn("task vanished before completion")
	default:
		logger.Error("record result", zap.Error(err))
	}
}

// resolveResultConflict handles a Complete that lost the state guard. The
// current status decides the outcome: an assigned task means the agent
// skipped its ack, so the result acks implicitly by stepping through
// in_progress; a cancelled task retains the late result without a status
// change; any terminal status means a duplicate that is dropped.
func (h *Handler) resolveResultConflict(ctx context.Context, logger *zap.Logger, agent *db.Agent, stale *db.Task, to types.TaskStatus, resultJSON string) {
	task, err := h.tasks.GetByID(ctx, stale.ID)
	if err != nil {
		logger.Warn("re-read after completion conflict", zap.Error(err))
		return
	}

	switch task.TaskStatusValue() {
	case types.TaskStatusAssigned:
		if err := h.tasks.UpdateStatus(ctx, task.ID, types.TaskStatusInProgress); err != nil {
			logger.Debug("implicit ack lost race", zap.Error(err))
			return
		}
		if err := h.tasks.Complete(ctx, task.ID, to, resultJSON); err != nil {
			logger.Debug("completion lost race", zap.Error(err))
			return
		}
		h.publishTerminal(ctx, agent, task, to)
		logger.Info("task result recorded without ack", zap.String("status", string(to)))

	case types.TaskStatusCancelled:
		if err := h.tasks.RecordLateResult(ctx, task.ID, resultJSON); err != nil {
			logger.Warn("record late result", zap.Error(err))
			return
		}
		logger.Info("late result retained on cancelled task")

	default:
		logger.Debug("duplicate result dropped", zap.String("status", task.Status))
	}
}

// publishTerminal announces a completed or failed task.
func (h *Handler) publishTerminal(ctx context.Context, agent *db.Agent, task *db.Task, to types.TaskStatus) {
	evType := types.EventTaskCompleted
	if to == types.TaskStatusFailed {
		evType = types.EventTaskFailed
	}
	h.events.Publish(ctx, events.Event{
		Type:    evType,
		UserID:  task.OwnerID,
		AgentID: agent.ID,
		TaskID:  task.ID,
		Data:    map[string]any{"title": task.Title, "status": string(to)},
	})
}

// teardown demotes the agent after its channel closes. The compare-and-
// remove guard keeps a superseded predecessor from demoting the agent its
// replacement just brought online. Runs on a fresh context — the socket,
// and with it the request, is already gone.
func (h *Handler) teardown(conn *registry.Conn, agent *db.Agent, demoteTo types.AgentStatus) {
	conn.Close(protocol.CloseNormal, "")

	if !h.registry.Remove(conn) {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
	defer cancel()

	if err := h.presence.MarkOffline(ctx, agent.ID); err != nil {
		h.logger.Warn("mark offline", zap.String("agent_id", agent.ID.String()), zap.Error(err))
	}
	if err := h.agents.UpdateStatus(ctx, agent.ID, demoteTo, time.Now().UTC()); err != nil {
		h.logger.Warn("demote agent status", zap.String("agent_id", agent.ID.String()), zap.Error(err))
	}
	h.events.Publish(ctx, events.Event{
		Type:    types.EventDeviceOffline,
		UserID:  agent.OwnerID,
		AgentID: agent.ID,
		Data:    map[string]any{"name": agent.Name, "status": string(demoteTo)},
	})
}

// closeWith sends a best-effort close frame on a bare socket that never
// made it into the registry, then drops it.
func closeWith(ws *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	_ = ws.Close()
}

// parseCapabilities decodes the stored capabilities document. A corrupt
// document degrades to no advertised capabilities rather than failing the
// handshake.
func parseCapabilities(raw string) map[string]string {
	if raw == "" || raw == "{}" {
		return nil
	}
	caps := make(map[string]string)
	if err := json.Unmarshal([]byte(raw), &caps); err != nil {
		return nil
	}
	return caps
}
