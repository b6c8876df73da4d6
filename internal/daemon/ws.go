package daemon

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/devcell/devcell/internal/hub"
	"github.com/devcell/devcell/internal/logs"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The daemon sits behind a trusted front proxy.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsCommand is a client control frame on the event socket.
type wsCommand struct {
	Action        string `json:"action"` // "subscribe" | "unsubscribe" | "tail" | "untail"
	EnvironmentID string `json:"environment_id"`
}

// handleWebsocket upgrades the connection and serves the subscription
// protocol. No event flows to a client before its subscribe passes the
// access check.
func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "error", err)
		return
	}

	clientID := uuid.New().String()
	user := userID(r)
	conn := hub.NewWSConn(ws)
	s.hub.Register(clientID, conn)
	tails := map[string]func(){}
	defer func() {
		for _, detach := range tails {
			detach()
		}
		s.hub.Unregister(clientID)
		conn.Close()
	}()

	slog.Debug("websocket client connected", "client_id", clientID, "user_id", user)

	for {
		var cmd wsCommand
		if err := ws.ReadJSON(&cmd); err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					slog.Debug("websocket read failed", "client_id", clientID, "error", err)
				}
				return
			}
			// A frame that does not decode gets an explicit rejection
			// before the socket is torn down.
			s.hub.SendError(clientID, "malformed command: "+err.Error())
			return
		}

		switch cmd.Action {
		case "subscribe":
			if err := s.hub.Subscribe(r.Context(), clientID, user, cmd.EnvironmentID); err != nil {
				s.hub.SendError(clientID, err.Error())
				continue
			}
			conn.Send(hub.Envelope{
				Type:          hub.TypeStatus,
				EnvironmentID: cmd.EnvironmentID,
				Payload:       "subscribed",
			})
		case "unsubscribe":
			s.hub.Unsubscribe(clientID, cmd.EnvironmentID)
		case "tail":
			envID := cmd.EnvironmentID
			if _, ok := tails[envID]; ok {
				continue
			}
			detach, err := s.pipeline.StreamLogs(r.Context(), user, envID, func(e logs.Entry) {
				conn.Send(hub.Envelope{
					Type:          hub.TypeLog,
					EnvironmentID: envID,
					Payload:       e,
				})
			})
			if err != nil {
				s.hub.SendError(clientID, err.Error())
				continue
			}
			tails[envID] = detach
		case "untail":
			if detach, ok := tails[cmd.EnvironmentID]; ok {
				detach()
				delete(tails, cmd.EnvironmentID)
			}
		default:
			s.hub.SendError(clientID, "unknown action: "+cmd.Action)
			return
		}
	}
}
