package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// writeWait is the maximum time allowed to write a frame to the peer.
	// A stalled agent that cannot drain its socket within this window is
	// disconnected rather than allowed to block the write pump.
	writeWait = 10 * time.Second

	// enqueueWait bounds how long Send blocks on a full outbound buffer
	// before reporting the connection as undeliverable.
	enqueueWait = 5 * time.Second

	// sendBufferSize is the capacity of the per-connection outbound queue.
	// Task envelopes are small and infrequent; a full buffer means the
	// agent has stopped draining and the sender should treat it as gone.
	sendBufferSize = 32
)

var (
	// ErrClosed is returned by Send once the connection has been closed.
	ErrClosed = errors.New("registry: connection closed")

	// ErrSendTimeout is returned by Send when the outbound buffer stays
	// full for the whole enqueue window.
	ErrSendTimeout = errors.New("registry: send buffer full")
)

// Conn is one live agent channel: a WebSocket connection plus the identity
// established during the handshake. All outbound traffic goes through Send,
// which hands frames to the single write pump — gorilla connections do not
// allow concurrent writers.
type Conn struct {
	agentID uuid.UUID
	jti     string
	kid     string

	ws     *websocket.Conn
	send   chan []byte
	done   chan struct{}
	once   sync.Once
	logger *zap.Logger
}

// NewConn wraps an upgraded WebSocket connection. The caller must run
// WritePump in its own goroutine before the first Send.
func NewConn(agentID uuid.UUID, jti, kid string, ws *websocket.Conn, logger *zap.Logger) *Conn {
	return &Conn{
		agentID: agentID,
		jti:     jti,
		kid:     kid,
		ws:      ws,
		send:    make(chan []byte, sendBufferSize),
		done:    make(chan struct{}),
		logger:  logger.With(zap.String("agent_id", agentID.String())),
	}
}

// AgentID returns the authenticated agent identity of this channel.
func (c *Conn) AgentID() uuid.UUID { return c.agentID }

// Jti returns the token id the channel authenticated with.
func (c *Conn) Jti() string { return c.jti }

// Kid returns the key id of the token, used to sign envelopes delivered on
// this channel so the agent can always verify under its own key.
func (c *Conn) Kid() string { return c.kid }

// Done is closed when the connection shuts down.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Send marshals the frame and enqueues it for the write pump. It returns
// ErrClosed if the connection is gone and ErrSendTimeout if the buffer
// stays full past the enqueue window. A failed Send is the caller's cue to
// treat the agent as undeliverable; the registry itself never probes.
func (c *Conn) Send(frame any) error {
	buf, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("registry: marshal frame: %w", err)
	}

	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	timer := time.NewTimer(enqueueWait)
	defer timer.Stop()

	select {
	case c.send <- buf:
		return nil
	case <-c.done:
		return ErrClosed
	case <-timer.C:
		return ErrSendTimeout
	}
}

// WritePump serialises queued frames onto the wire. It is the only
// goroutine writing data frames; it exits when the connection closes or a
// write fails. Control frames (close) go through WriteControl, which
// gorilla allows concurrently with the writer.
func (c *Conn) WritePump() {
	defer c.shutdown()

	for {
		select {
		case buf := <-c.send:
			if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.logger.Warn("channel: set write deadline", zap.Error(err))
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, buf); err != nil {
				c.logger.Warn("channel: write frame", zap.Error(err))
				return
			}
		case <-c.done:
			return
		}
	}
}

// Close sends a close frame with the given code and reason, then tears the
// connection down. Safe to call more than once and from any goroutine.
func (c *Conn) Close(code int, reason string) {
	c.once.Do(func() {
		msg := websocket.FormatCloseMessage(code, reason)
		if err := c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait)); err != nil &&
			!errors.Is(err, websocket.ErrCloseSent) {
			c.logger.Debug("channel: write close frame", zap.Error(err))
		}
		close(c.done)
		_ = c.ws.Close()
	})
}

// shutdown closes the underlying socket without a close frame; used when
// the write pump dies on a broken wire.
func (c *Conn) shutdown() {
	c.once.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}
