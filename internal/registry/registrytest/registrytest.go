// Package registrytest provides real WebSocket connection pairs for tests
// that exercise agent channels: the server side wrapped as a registry.Conn
// with its write pump running, the client side as a raw gorilla connection.
package registrytest

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/taskwire-io/taskwire/internal/protocol"
	"github.com/taskwire-io/taskwire/internal/registry"
)

// Pair returns a connected (server Conn, client websocket) pair for the
// agent id. Both sides are torn down by t.Cleanup.
func Pair(t *testing.T, agentID uuid.UUID) (*registry.Conn, *websocket.Conn) {
	t.Helper()
	conn, client, _ := PairWithKid(t, agentID, "k1")
	return conn, client
}

// PairWithKid is Pair with an explicit token key id bound to the server
// conn, returning the jti as well.
func PairWithKid(t *testing.T, agentID uuid.UUID, kid string) (*registry.Conn, *websocket.Conn, string) {
	t.Helper()

	upgrader := websocket.Upgrader{}
	serverSide := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		serverSide <- ws
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	var ws *websocket.Conn
	select {
	case ws = <-serverSide:
	case <-time.After(2 * time.Second):
		t.Fatal("server side connection never arrived")
	}

	jti := uuid.NewString()
	conn := registry.NewConn(agentID, jti, kid, ws, zap.NewNop())
	go conn.WritePump()
	t.Cleanup(func() { conn.Close(protocol.CloseNormal, "test done") })
	return conn, client, jti
}
