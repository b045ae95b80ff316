package api

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ernie/blockbridge/internal/domain"
	"github.com/ernie/blockbridge/internal/relay"
)

func dial(t *testing.T, srv *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + path
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readJSON(t *testing.T, conn *websocket.Conn, v interface{}) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, v), string(data))
}

type wireEvent struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

func TestHubRelaysQueuedMessages(t *testing.T) {
	env := newTestEnv(t)
	env.router.StartWebSocketHub()
	srv := httptest.NewServer(env.router)
	defer srv.Close()

	conn := dial(t, srv, "/ws")
	require.Eventually(t, func() bool { return env.router.Hub().ClientCount() == 1 }, 3*time.Second, 10*time.Millisecond)

	chat := relay.NewQueue("chat")
	chat.SetSink(env.router.Hub().Sink(domain.EventChat))
	chat.Enqueue("Steve: hello")
	chat.Flush()

	var ev wireEvent
	readJSON(t, conn, &ev)
	assert.Equal(t, domain.EventChat, ev.Event)
	assert.JSONEq(t, `{"text":"Steve: hello"}`, string(ev.Data))

	env.router.Hub().BroadcastPresence(domain.Presence{Online: true, Count: "1/20"})
	readJSON(t, conn, &ev)
	assert.Equal(t, domain.EventPresence, ev.Event)
	assert.JSONEq(t, `{"online":true,"count":"1/20"}`, string(ev.Data))
}

func TestHubSinkFailsAfterStop(t *testing.T) {
	hub := NewWebSocketHub()
	go hub.Run()
	hub.Stop()

	err := hub.Sink(domain.EventActivity).Deliver(context.Background(), "Steve joined the server")
	assert.ErrorIs(t, err, ErrHubClosed)
}

func TestLogStreamRequiresAdminToken(t *testing.T) {
	env := newTestEnv(t)
	user := env.addUser(t, "alex", "password123", false)
	srv := httptest.NewServer(env.router)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/logs"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	assert.Equal(t, 401, resp.StatusCode)

	_, resp, err = websocket.DefaultDialer.Dial(url+"?token="+user, nil)
	require.Error(t, err)
	assert.Equal(t, 403, resp.StatusCode)
}

func TestLogStreamSendsBacklogAndNewLines(t *testing.T) {
	env := newTestEnv(t)
	admin := env.addUser(t, "admin", "password123", true)
	logPath := env.router.deps.LogPath
	require.NoError(t, os.WriteFile(logPath, []byte("[12:00:00] [Server thread/INFO]: Done (3.2s)!\n"), 0o644))

	srv := httptest.NewServer(env.router)
	defer srv.Close()
	conn := dial(t, srv, "/ws/logs?token="+admin)

	var msg LogMessage
	readJSON(t, conn, &msg)
	assert.Equal(t, "initial", msg.Type)
	assert.Equal(t, []string{"[12:00:00] [Server thread/INFO]: Done (3.2s)!"}, msg.Lines)
	require.Eventually(t, func() bool { return env.router.logStream.Subscribers() == 1 }, 3*time.Second, 10*time.Millisecond)

	f, err := os.OpenFile(logPath, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("[12:00:05] [Server thread/INFO]: Steve joined the game\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	readJSON(t, conn, &msg)
	assert.Equal(t, "lines", msg.Type)
	assert.Equal(t, []string{"[12:00:05] [Server thread/INFO]: Steve joined the game"}, msg.Lines)

	conn.Close()
	require.Eventually(t, func() bool { return env.router.logStream.Subscribers() == 0 }, 3*time.Second, 10*time.Millisecond)
}
