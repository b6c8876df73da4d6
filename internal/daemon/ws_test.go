package daemon

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/devcell/devcell/internal/hub"
)

func dialTestSocket(t *testing.T, s *Server) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/ws"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { ws.Close() })
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	return ws
}

func TestWebsocketMalformedFrameRejectedThenClosed(t *testing.T) {
	s := testServer(t, newFakeEnvs(), newFakeEngine(), &fakePipeline{})
	ws := dialTestSocket(t, s)

	if err := ws.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatalf("write: %v", err)
	}

	var env hub.Envelope
	if err := ws.ReadJSON(&env); err != nil {
		t.Fatalf("no rejection before close: %v", err)
	}
	if env.Type != hub.TypeError {
		t.Errorf("envelope type = %q, want %q", env.Type, hub.TypeError)
	}

	if _, _, err := ws.ReadMessage(); err == nil {
		t.Error("connection still open after malformed frame")
	}
}

func TestWebsocketUnknownActionRejectedThenClosed(t *testing.T) {
	s := testServer(t, newFakeEnvs(), newFakeEngine(), &fakePipeline{})
	ws := dialTestSocket(t, s)

	if err := ws.WriteJSON(wsCommand{Action: "shout", EnvironmentID: "env-1"}); err != nil {
		t.Fatalf("write: %v", err)
	}

	var env hub.Envelope
	if err := ws.ReadJSON(&env); err != nil {
		t.Fatalf("no rejection before close: %v", err)
	}
	if env.Type != hub.TypeError {
		t.Errorf("envelope type = %q, want %q", env.Type, hub.TypeError)
	}

	if _, _, err := ws.ReadMessage(); err == nil {
		t.Error("connection still open after unknown action")
	}
}

func TestWebsocketSubscribeAck(t *testing.T) {
	s := testServer(t, newFakeEnvs(), newFakeEngine(), &fakePipeline{})
	ws := dialTestSocket(t, s)

	if err := ws.WriteJSON(wsCommand{Action: "subscribe", EnvironmentID: "env-1"}); err != nil {
		t.Fatalf("write: %v", err)
	}

	var env hub.Envelope
	if err := ws.ReadJSON(&env); err != nil {
		t.Fatalf("read ack: %v", err)
	}
	if env.Type != hub.TypeStatus || env.EnvironmentID != "env-1" {
		t.Errorf("ack = %+v", env)
	}
}
