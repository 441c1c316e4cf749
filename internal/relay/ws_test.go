package relay

import (
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Тесты на настоящем websocket-транспорте: дедлайны handshake и судьба
// исходящей очереди при закрытии живут в Conn и фейками не покрываются.

func newWSServer(t *testing.T, env *testEnv) string {
	t.Helper()
	r := chi.NewRouter()
	env.ns.Mount(r, "/socket.io")
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/socket.io"
}

func dialWS(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func writeEnvelope(t *testing.T, conn *websocket.Conn, event string, data interface{}) {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	frame, err := json.Marshal(Envelope{Event: event, Data: raw})
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, frame))
}

func readEnvelope(t *testing.T, conn *websocket.Conn, timeout time.Duration) Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(timeout)))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	var env Envelope
	require.NoError(t, json.Unmarshal(raw, &env))
	return env
}

func TestHandshakeTimeoutClosesSilentConnection(t *testing.T) {
	cfg := testRelayConfig()
	cfg.HandshakeTimeout = 100 * time.Millisecond
	env := newTestEnvWithConfig("test", cfg)
	base := newWSServer(t, env)

	for _, channel := range []string{"/agent", "/console"} {
		conn := dialWS(t, base+channel)

		// Молчим: полуоткрытое соединение обязано быть разорвано по grace period
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		_, _, err := conn.ReadMessage()
		assert.Error(t, err, channel)
	}
}

func TestAuthErrorDeliveredBeforeClose(t *testing.T) {
	env := newTestEnv("test")
	env.computers.upsertErr = errors.New("db down")
	base := newWSServer(t, env)

	conn := dialWS(t, base+"/agent")
	writeEnvelope(t, conn, EvAuth, AuthPayload{MachineID: "m1", Hostname: "host1"})

	// Отказ регистрации приезжает явным auth_error, а не голым close
	got := readEnvelope(t, conn, 5*time.Second)
	assert.Equal(t, EvAuthError, got.Event)
}

func TestMalformedFrameOverWebsocket(t *testing.T) {
	env := newTestEnv("test")
	base := newWSServer(t, env)

	conn := dialWS(t, base+"/agent")
	writeEnvelope(t, conn, EvAuth, AuthPayload{MachineID: "m1", Hostname: "host1"})

	got := readEnvelope(t, conn, 2*time.Second)
	require.Equal(t, EvAuthSuccess, got.Event)
	var ack AuthSuccessPayload
	require.NoError(t, json.Unmarshal(got.Data, &ack))

	// Синтаксический мусор: явная ошибка, соединение живо
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	got = readEnvelope(t, conn, 2*time.Second)
	assert.Equal(t, EvError, got.Event)
	assert.True(t, env.ns.Online(ack.ComputerID))
}
