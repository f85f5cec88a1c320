package websocket

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/KevinKickass/OpenLabRig/internal/auth"
	"github.com/KevinKickass/OpenLabRig/internal/config"
	"github.com/gorilla/websocket"
	"go.uber.org/zap/zaptest"
)

func startHub(t *testing.T, svc *auth.Service) (*Hub, string) {
	t.Helper()

	hub := NewHub(zaptest.NewLogger(t), svc)
	go hub.Run()
	t.Cleanup(hub.Stop)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ServeWs(hub, w, r)
	}))
	t.Cleanup(srv.Close)

	return hub, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg Message
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read failed: %v", err)
	}
	return msg
}

func waitForClients(t *testing.T, hub *Hub, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for hub.GetClientCount() != n {
		if time.Now().After(deadline) {
			t.Fatalf("expected %d clients, have %d", n, hub.GetClientCount())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func machineTokenService(t *testing.T, perms ...string) (*auth.Service, string) {
	t.Helper()
	token, hash, err := auth.GenerateMachineToken()
	if err != nil {
		t.Fatalf("token generation failed: %v", err)
	}
	t.Setenv("OLR_TEST_JWT", "0123456789abcdef0123456789abcdef")
	svc := auth.NewService(config.AuthConfig{
		Enabled:        true,
		JWTSecretEnv:   "OLR_TEST_JWT",
		AccessTokenTTL: time.Hour,
		MachineTokens: []config.MachineTokenConfig{
			{Name: "monitor", TokenHash: hash, Permissions: perms},
		},
	}, zaptest.NewLogger(t))
	return svc, token
}

func TestBroadcastWithoutAuth(t *testing.T) {
	svc := auth.NewService(config.AuthConfig{Enabled: false}, zaptest.NewLogger(t))
	hub, url := startHub(t, svc)

	conn := dial(t, url)
	waitForClients(t, hub, 1)

	hub.Broadcast(NewMessage(MessageTypeWheelMoved, map[string]any{"wheel": "bp1", "slot": 3}))

	msg := readMessage(t, conn)
	if msg.Type != MessageTypeWheelMoved {
		t.Fatalf("expected wheel_moved, got %s", msg.Type)
	}
	data, _ := msg.Data.(map[string]any)
	if data["wheel"] != "bp1" || data["slot"] != float64(3) {
		t.Fatalf("unexpected payload %v", msg.Data)
	}
}

func TestAuthRequiredBeforeEvents(t *testing.T) {
	svc, token := machineTokenService(t, "read")
	hub, url := startHub(t, svc)

	conn := dial(t, url)
	if err := conn.WriteJSON(map[string]string{"type": "auth", "token": token}); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	msg := readMessage(t, conn)
	if msg.Type != MessageTypeAuthSuccess {
		t.Fatalf("expected auth_success, got %s (%v)", msg.Type, msg.Data)
	}
	waitForClients(t, hub, 1)

	hub.Broadcast(NewMessage(MessageTypeShutterChanged, map[string]string{"state": "open"}))
	if msg := readMessage(t, conn); msg.Type != MessageTypeShutterChanged {
		t.Fatalf("expected shutter_changed, got %s", msg.Type)
	}
}

func TestAuthFailures(t *testing.T) {
	svc, _ := machineTokenService(t, "read")
	hub, url := startHub(t, svc)

	tests := []struct {
		name  string
		first map[string]string
	}{
		{"wrong type", map[string]string{"type": "status"}},
		{"missing token", map[string]string{"type": "auth"}},
		{"bad token", map[string]string{"type": "auth", "token": "olr_nope"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn := dial(t, url)
			if err := conn.WriteJSON(tt.first); err != nil {
				t.Fatalf("write failed: %v", err)
			}
			msg := readMessage(t, conn)
			if msg.Type != MessageTypeAuthFailed {
				t.Fatalf("expected auth_failed, got %s", msg.Type)
			}

			conn.SetReadDeadline(time.Now().Add(2 * time.Second))
			if _, _, err := conn.ReadMessage(); err == nil {
				t.Fatalf("expected connection to be closed")
			}
		})
	}

	if n := hub.GetClientCount(); n != 0 {
		t.Fatalf("rejected clients must not be registered, have %d", n)
	}
}

func TestStatusRequest(t *testing.T) {
	svc := auth.NewService(config.AuthConfig{Enabled: false}, zaptest.NewLogger(t))
	hub, url := startHub(t, svc)
	hub.SetStatusProvider(func() any {
		return map[string]string{"state": "RUNNING"}
	})

	conn := dial(t, url)
	waitForClients(t, hub, 1)

	if err := conn.WriteJSON(map[string]string{"type": "status"}); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	msg := readMessage(t, conn)
	if msg.Type != MessageTypeSystemStatus {
		t.Fatalf("expected system_status, got %s", msg.Type)
	}

	if err := conn.WriteJSON(map[string]string{"type": "subscribe"}); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if msg := readMessage(t, conn); msg.Type != MessageTypeError {
		t.Fatalf("expected error for unknown type, got %s", msg.Type)
	}
}

func TestStopClosesClients(t *testing.T) {
	svc := auth.NewService(config.AuthConfig{Enabled: false}, zaptest.NewLogger(t))
	hub, url := startHub(t, svc)

	conn := dial(t, url)
	waitForClients(t, hub, 1)

	hub.Stop()
	hub.Stop()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatalf("expected close after Stop")
	}
}

func TestMessageEncoding(t *testing.T) {
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	data, err := json.Marshal(NewEventMessage(MessageTypeSelection, at, map[string]int{"slot": 2}))
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	want := `{"type":"selection","timestamp":"2024-05-01T12:00:00Z","data":{"slot":2}}`
	if string(data) != want {
		t.Fatalf("got %s, want %s", data, want)
	}
}
