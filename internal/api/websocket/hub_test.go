package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/KevinKickass/MiniDiffCore/internal/auth"
	"github.com/KevinKickass/MiniDiffCore/internal/config"
	"github.com/KevinKickass/MiniDiffCore/internal/events"
	"github.com/KevinKickass/MiniDiffCore/internal/interfaces"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type phaseEvent struct {
	Phase string `json:"phase"`
}

func (phaseEvent) Kind() string { return "minidiffPhaseChanged" }

type fixedStatus struct{}

func (fixedStatus) GetCurrentStatus() interfaces.SystemStatus {
	return interfaces.SystemStatus{State: "RUNNING", Phase: "Transfer"}
}

func startHub(t *testing.T, authService *auth.AuthService) (*Hub, string) {
	t.Helper()
	hub := NewHub(zaptest.NewLogger(t), authService, fixedStatus{})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ServeWs(hub, w, r)
	}))
	t.Cleanup(srv.Close)

	return hub, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var msg map[string]any
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func TestHub_ForwardsEventsWithoutAuth(t *testing.T) {
	hub, url := startHub(t, nil)
	conn := dial(t, url)
	require.Eventually(t, func() bool { return hub.GetClientCount() == 1 }, time.Second, 5*time.Millisecond)

	bus := events.NewBus("diffractometer")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go hub.Forward(ctx, events.NewMux(bus))

	// Publish until the forwarder's stream is attached and one event lands.
	go func() {
		ticker := time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				bus.Publish(phaseEvent{Phase: "Centring"})
			}
		}
	}()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var msg struct {
		Type   string `json:"type"`
		Source string `json:"source"`
		Data   struct {
			Kind    string         `json:"kind"`
			Payload map[string]any `json:"payload"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(data, &msg))
	assert.Equal(t, "event", msg.Type)
	assert.Equal(t, "diffractometer", msg.Source)
	assert.Equal(t, "minidiffPhaseChanged", msg.Data.Kind)
	assert.Equal(t, "Centring", msg.Data.Payload["phase"])
}

func TestHub_StatusAndPing(t *testing.T) {
	hub, url := startHub(t, nil)
	conn := dial(t, url)
	require.Eventually(t, func() bool { return hub.GetClientCount() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, conn.WriteJSON(ClientMessage{Type: MessageTypeStatus}))
	msg := readMessage(t, conn)
	assert.Equal(t, "system_status", msg["type"])
	data := msg["data"].(map[string]any)
	assert.Equal(t, "RUNNING", data["state"])
	assert.Equal(t, "Transfer", data["phase"])

	require.NoError(t, conn.WriteJSON(ClientMessage{Type: MessageTypePing}))
	assert.Equal(t, "pong", readMessage(t, conn)["type"])

	require.NoError(t, conn.WriteJSON(ClientMessage{Type: "subscribe"}))
	assert.Equal(t, "error", readMessage(t, conn)["type"])
}

func authService(t *testing.T) *auth.AuthService {
	t.Helper()
	t.Setenv("MDC_WS_TEST_SECRET", "0123456789abcdef0123456789abcdef")
	return auth.NewAuthService(config.AuthConfig{
		Enabled:        true,
		JWTSecretEnv:   "MDC_WS_TEST_SECRET",
		AccessTokenTTL: time.Minute,
		Issuer:         "minidiff-test",
	}, nil, zaptest.NewLogger(t))
}

func TestHub_RequiresAuthMessage(t *testing.T) {
	hub, url := startHub(t, authService(t))
	conn := dial(t, url)

	require.NoError(t, conn.WriteJSON(ClientMessage{Type: MessageTypeStatus}))
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()

	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, websocket.ClosePolicyViolation, closeErr.Code)
	assert.Equal(t, 0, hub.GetClientCount())
}

func TestHub_RejectsBadToken(t *testing.T) {
	_, url := startHub(t, authService(t))
	conn := dial(t, url)

	require.NoError(t, conn.WriteJSON(ClientMessage{Type: MessageTypeAuth, Token: "not-a-jwt"}))
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()

	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Contains(t, closeErr.Text, "invalid or expired token")
}

func TestHub_AuthenticatesOnce(t *testing.T) {
	svc := authService(t)
	hub, url := startHub(t, svc)
	conn := dial(t, url)

	token, err := svc.JWT().GenerateAccessToken("eve", "operator", 0)
	require.NoError(t, err)

	require.NoError(t, conn.WriteJSON(ClientMessage{Type: MessageTypeAuth, Token: token}))
	msg := readMessage(t, conn)
	assert.Equal(t, "auth_success", msg["type"])
	data := msg["data"].(map[string]any)
	assert.Equal(t, "eve", data["username"])
	assert.Equal(t, []any{"operator"}, data["permissions"])
	assert.Equal(t, 1, hub.GetClientCount())

	hub.Broadcast(NewMessage(MessageTypeSystemStatus, map[string]string{"state": "RUNNING"}))
	assert.Equal(t, "system_status", readMessage(t, conn)["type"])
}

func TestHub_UnregistersOnClose(t *testing.T) {
	hub, url := startHub(t, nil)
	conn := dial(t, url)
	require.Eventually(t, func() bool { return hub.GetClientCount() == 1 }, time.Second, 5*time.Millisecond)

	conn.Close()
	require.Eventually(t, func() bool { return hub.GetClientCount() == 0 }, 2*time.Second, 5*time.Millisecond)
}
