package websocket

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trainsync-relay/auth"
	"trainsync-relay/hub"
	"trainsync-relay/protocol"
)

const readTimeout = 2 * time.Second

type testServer struct {
	*httptest.Server
	hub      *hub.Hub
	verifier *auth.Verifier
}

func newTestServer(t *testing.T, opts Options) *testServer {
	t.Helper()
	verifier, err := auth.NewVerifier("test-secret")
	require.NoError(t, err)

	registry := hub.New()
	handler := protocol.NewHandler(registry, verifier)
	srv := httptest.NewServer(Handler(handler, opts))
	t.Cleanup(srv.Close)

	return &testServer{Server: srv, hub: registry, verifier: verifier}
}

func (s *testServer) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(s.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func (s *testServer) token(t *testing.T, identity string) string {
	t.Helper()
	token, err := s.verifier.Sign(auth.TokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   identity,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	require.NoError(t, err)
	return token
}

func (s *testServer) identify(t *testing.T, conn *websocket.Conn, identity, role string) {
	t.Helper()
	write(t, conn, map[string]string{"token": s.token(t, identity), "role": role})
}

func write(t *testing.T, conn *websocket.Conn, v interface{}) {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

func read(t *testing.T, conn *websocket.Conn) string {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(readTimeout))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	return string(data)
}

func TestConn_RelayScenario(t *testing.T) {
	srv := newTestServer(t, Options{AllowedOrigins: []string{"*"}})

	admin := srv.dial(t)
	srv.identify(t, admin, "admin-1", "admin")
	assert.JSONEq(t, `{"connectedUsers":[]}`, read(t, admin))

	trainee := srv.dial(t)
	srv.identify(t, trainee, "trainee-1", "user")
	assert.JSONEq(t, `{"userId":"trainee-1"}`, read(t, admin))

	write(t, admin, map[string]interface{}{"action": "play", "userId": "trainee-1", "videoTime": 12})
	assert.JSONEq(t, `{"action":"play","videoTime":12}`, read(t, trainee))

	write(t, trainee, map[string]interface{}{"action": "pause", "videoTime": 45})
	assert.JSONEq(t, `{"action":"pause","userId":"trainee-1","videoTime":45}`, read(t, admin))
}

func TestConn_ReconnectSupersedesOldDevice(t *testing.T) {
	srv := newTestServer(t, Options{AllowedOrigins: []string{"*"}})

	admin := srv.dial(t)
	srv.identify(t, admin, "admin-1", "admin")
	read(t, admin)

	oldDevice := srv.dial(t)
	srv.identify(t, oldDevice, "trainee-1", "user")
	read(t, admin)

	newDevice := srv.dial(t)
	srv.identify(t, newDevice, "trainee-1", "user")

	assert.JSONEq(t, `{"error":"Another device connected. You have been logged out."}`, read(t, oldDevice))
	oldDevice.SetReadDeadline(time.Now().Add(readTimeout))
	_, _, err := oldDevice.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "expected close frame, got %v", err)

	assert.JSONEq(t, `{"userId":"trainee-1"}`, read(t, admin))

	write(t, admin, map[string]interface{}{"action": "seek", "userId": "trainee-1", "videoTime": 90})
	assert.JSONEq(t, `{"action":"seek","videoTime":90}`, read(t, newDevice))

	_, users := srv.hub.Stats()
	assert.Equal(t, 1, users)
}

func TestConn_DisconnectDeregisters(t *testing.T) {
	srv := newTestServer(t, Options{AllowedOrigins: []string{"*"}})

	admin := srv.dial(t)
	srv.identify(t, admin, "admin-1", "admin")
	read(t, admin)

	trainee := srv.dial(t)
	srv.identify(t, trainee, "trainee-1", "user")
	read(t, admin)

	require.NoError(t, trainee.Close())

	assert.JSONEq(t, `{"userId":"trainee-1","offline":true}`, read(t, admin))
	assert.Eventually(t, func() bool {
		return srv.hub.LookupUser("trainee-1") == nil
	}, readTimeout, 10*time.Millisecond)
}

func TestConn_AuthFailureKeepsConnectionOpen(t *testing.T) {
	srv := newTestServer(t, Options{AllowedOrigins: []string{"*"}})

	conn := srv.dial(t)
	write(t, conn, map[string]string{"token": "garbage", "role": "user"})
	assert.JSONEq(t, `{"error":"Authentication failed"}`, read(t, conn))

	srv.identify(t, conn, "trainee-1", "user")
	assert.Eventually(t, func() bool {
		return srv.hub.LookupUser("trainee-1") != nil
	}, readTimeout, 10*time.Millisecond)
}

func TestConn_RateLimited(t *testing.T) {
	srv := newTestServer(t, Options{AllowedOrigins: []string{"*"}, MessageRate: 0.001, MessageBurst: 1})

	conn := srv.dial(t)
	write(t, conn, map[string]string{})
	assert.JSONEq(t, `{"error":"Invalid message"}`, read(t, conn))

	write(t, conn, map[string]string{})
	assert.JSONEq(t, `{"error":"Too many messages"}`, read(t, conn))
}

func TestHandler_OriginCheck(t *testing.T) {
	srv := newTestServer(t, Options{AllowedOrigins: []string{"https://app.example.com"}})
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	header := http.Header{}
	header.Set("Origin", "https://evil.example.com")
	_, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	header.Set("Origin", "https://app.example.com")
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	conn.Close()
}

func TestConn_SendAfterClose(t *testing.T) {
	c := NewConn("c1", nil, nil, nil)
	require.NoError(t, c.Send([]byte("queued")))
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	assert.ErrorIs(t, c.Send([]byte("late")), ErrClosed)
	assert.False(t, c.Live())
}

func TestConn_SendQueueFull(t *testing.T) {
	c := NewConn("c1", nil, nil, nil)
	for i := 0; i < sendQueueSize; i++ {
		require.NoError(t, c.Send([]byte("x")))
	}
	assert.ErrorIs(t, c.Send([]byte("x")), ErrQueueFull)
}
