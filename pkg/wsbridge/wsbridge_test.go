package wsbridge

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// bridgedPair returns a server-side Conn and the raw client WebSocket
func bridgedPair(t *testing.T) (*Conn, *websocket.Conn) {
	t.Helper()
	accepted := make(chan *Conn, 1)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		accepted <- New(ws, 1024)
	}))
	t.Cleanup(srv.Close)

	client, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	select {
	case conn := <-accepted:
		t.Cleanup(func() { conn.Close() })
		return conn, client
	case <-time.After(2 * time.Second):
		t.Fatal("upgrade never completed")
		return nil, nil
	}
}

func TestInboundBinaryMessages(t *testing.T) {
	conn, client := bridgedPair(t)

	require.NoError(t, client.WriteMessage(websocket.BinaryMessage, []byte("hello ")))
	require.NoError(t, client.WriteMessage(websocket.TextMessage, []byte("ignored")))
	require.NoError(t, client.WriteMessage(websocket.BinaryMessage, []byte("world")))

	buf := make([]byte, 11)
	_, err := io.ReadFull(conn, buf)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(buf))
}

func TestOutboundWrites(t *testing.T) {
	conn, client := bridgedPair(t)

	go conn.Write([]byte("pong"))

	typ, data, err := client.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.BinaryMessage, typ)
	assert.Equal(t, "pong", string(data))
}

func TestReadDeadlineKeepsConnUsable(t *testing.T) {
	conn, client := bridgedPair(t)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(20*time.Millisecond)))
	_, err := conn.Read(make([]byte, 1))
	require.Error(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Time{}))
	require.NoError(t, client.WriteMessage(websocket.BinaryMessage, []byte("x")))

	buf := make([]byte, 1)
	_, err = io.ReadFull(conn, buf)
	require.NoError(t, err)
	assert.Equal(t, "x", string(buf))
}

func TestClosingLocalEndClosesWebSocket(t *testing.T) {
	conn, client := bridgedPair(t)

	require.NoError(t, conn.Close())

	_, _, err := client.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)

	select {
	case <-conn.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("pumps did not exit")
	}
}

func TestPeerCloseIsEOF(t *testing.T) {
	conn, client := bridgedPair(t)

	client.Close()

	_, err := conn.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)
}

func TestOversizedMessageDropsConnection(t *testing.T) {
	conn, client := bridgedPair(t)

	require.NoError(t, client.WriteMessage(websocket.BinaryMessage, make([]byte, 4096)))

	_, err := io.ReadAll(conn)
	assert.NoError(t, err, "the pipe ends cleanly once the read limit trips")
}
