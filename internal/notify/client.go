package notify

import (
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// writeWait is the maximum time allowed to write a frame to the peer.
	// A stalled client is closed rather than allowed to block the pump.
	writeWait = 10 * time.Second

	// pongWait is how long the server waits for a pong reply after a ping.
	pongWait = 60 * time.Second

	// pingPeriod is how often the server pings the client. Must be less
	// than pongWait so the client has time to reply.
	pingPeriod = (pongWait * 9) / 10

	// maxMessageSize caps inbound frames. The stream is server-push only;
	// clients send nothing but control frames.
	maxMessageSize = 512

	// sendBufferSize is the capacity of the per-client envelope channel.
	// A client that lets it fill is disconnected by Publish.
	sendBufferSize = 32
)

// allowedOrigins restricts which browser origins may open a stream. Set
// once at startup, before the server accepts connections. Empty means any
// origin is accepted, for deployments where the reverse proxy filters
// origins instead.
var allowedOrigins []string

// SetAllowedOrigins installs the Origin allowlist used by the upgrade check.
func SetAllowedOrigins(origins []string) {
	allowedOrigins = origins
}

// upgrader performs the HTTP → WebSocket protocol upgrade. Requests without
// an Origin header (non-browser clients) always pass the check.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || len(allowedOrigins) == 0 {
			return true
		}
		for _, allowed := range allowedOrigins {
			if strings.EqualFold(origin, allowed) {
				return true
			}
		}
		return false
	},
}

// Client is one connected notification stream. Each client runs two
// goroutines: readPump (detects disconnection, handles pongs) and writePump
// (serializes outgoing frames onto the wire).
//
// The send channel is the handoff between Publish and the writePump. The
// hub closes it on unregister, which makes writePump drain and exit.
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan Envelope
	userID uuid.UUID
	logger *zap.Logger
}

// NewClient upgrades the HTTP connection and returns the client, not yet
// registered. Returns an error if the request is not a valid WebSocket
// handshake; the upgrader has already written the response in that case.
func NewClient(hub *Hub, w http.ResponseWriter, r *http.Request, userID uuid.UUID, logger *zap.Logger) (*Client, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}

	return &Client{
		hub:    hub,
		conn:   conn,
		send:   make(chan Envelope, sendBufferSize),
		userID: userID,
		logger: logger.With(zap.String("remote_addr", r.RemoteAddr)),
	}, nil
}

// Run registers the client and starts the pumps. It blocks until the
// connection closes, which is the expected shape for a WebSocket handler.
func (c *Client) Run() {
	c.hub.Subscribe(c)

	go c.writePump()
	c.readPump()
}

// readPump watches the connection for disconnects and pong frames. Clients
// never send application data on this stream, so the content of any inbound
// message is discarded.
func (c *Client) readPump() {
	defer func() {
		c.hub.Unsubscribe(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.logger.Warn("notify: set read deadline failed", zap.Error(err))
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseNormalClosure,
				websocket.CloseNoStatusReceived,
			) {
				c.logger.Warn("notify: unexpected close", zap.Error(err))
			}
			return
		}
	}
}

// writePump forwards envelopes from the send channel to the wire and sends
// periodic pings. It is the only goroutine that writes to conn —
// gorilla/websocket connections are not safe for concurrent writes.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case env, ok := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.logger.Warn("notify: set write deadline failed", zap.Error(err))
				return
			}
			if !ok {
				// The hub closed the channel. Say goodbye and exit.
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(env); err != nil {
				c.logger.Warn("notify: write failed", zap.Error(err))
				return
			}

		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
