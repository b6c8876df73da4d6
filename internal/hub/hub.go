package hub

import (
	"context"
	"log/slog"
	"sync"

	"github.com/devcell/devcell/internal/domain"
)

// EnvelopeType tags a hub message.
type EnvelopeType string

const (
	TypeLog    EnvelopeType = "log"
	TypeStatus EnvelopeType = "status"
	TypeError  EnvelopeType = "error"
)

// Envelope is the wire frame delivered to subscribers.
type Envelope struct {
	Type          EnvelopeType `json:"type"`
	EnvironmentID string       `json:"environment_id,omitempty"`
	Payload       any          `json:"payload"`
}

// Conn is a client transport. Send must be safe for concurrent use; IsOpen
// reports whether the transport can still accept frames.
type Conn interface {
	Send(Envelope) error
	IsOpen() bool
}

// AccessChecker answers whether a user may subscribe to an environment.
type AccessChecker interface {
	CanAccess(ctx context.Context, userID, envID string) error
}

type client struct {
	conn Conn
	envs map[string]struct{}
}

// Hub fans environment events out to subscribed clients. Subscriptions are
// authorized once, at subscribe time; broadcasts deliver without re-checking.
type Hub struct {
	access AccessChecker

	mu      sync.RWMutex
	clients map[string]*client
	// subs indexes subscriber ids per environment; the per-client envs set
	// is the reverse index, and the two stay in sync under mu.
	subs map[string]map[string]struct{}
}

func New(access AccessChecker) *Hub {
	return &Hub{
		access:  access,
		clients: make(map[string]*client),
		subs:    make(map[string]map[string]struct{}),
	}
}

// Register adds a connected client. Re-registering an id replaces the old
// connection and drops its subscriptions.
func (h *Hub) Register(clientID string, conn Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if old, ok := h.clients[clientID]; ok {
		h.dropSubscriptionsLocked(clientID, old)
	}
	h.clients[clientID] = &client{conn: conn, envs: make(map[string]struct{})}
	slog.Debug("hub client registered", "client_id", clientID)
}

// Unregister removes a client and every subscription it holds.
func (h *Hub) Unregister(clientID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.clients[clientID]
	if !ok {
		return
	}
	h.dropSubscriptionsLocked(clientID, c)
	delete(h.clients, clientID)
	slog.Debug("hub client unregistered", "client_id", clientID)
}

func (h *Hub) dropSubscriptionsLocked(clientID string, c *client) {
	for envID := range c.envs {
		if set, ok := h.subs[envID]; ok {
			delete(set, clientID)
			if len(set) == 0 {
				delete(h.subs, envID)
			}
		}
	}
}

// Subscribe attaches a registered client to an environment's event feed.
// Authorization runs here and only here.
func (h *Hub) Subscribe(ctx context.Context, clientID, userID, envID string) error {
	if err := h.access.CanAccess(ctx, userID, envID); err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.clients[clientID]
	if !ok {
		return domain.NotFound("client %s is not connected", clientID)
	}
	c.envs[envID] = struct{}{}
	if h.subs[envID] == nil {
		h.subs[envID] = make(map[string]struct{})
	}
	h.subs[envID][clientID] = struct{}{}
	return nil
}

// Unsubscribe detaches a client from one environment. Unknown pairs are a
// no-op.
func (h *Hub) Unsubscribe(clientID, envID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c, ok := h.clients[clientID]; ok {
		delete(c.envs, envID)
	}
	if set, ok := h.subs[envID]; ok {
		delete(set, clientID)
		if len(set) == 0 {
			delete(h.subs, envID)
		}
	}
}

// Subscriptions returns the environments a client is attached to.
func (h *Hub) Subscriptions(clientID string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.clients[clientID]
	if !ok {
		return nil
	}
	envs := make([]string, 0, len(c.envs))
	for envID := range c.envs {
		envs = append(envs, envID)
	}
	return envs
}

// BroadcastLog delivers a log payload to every subscriber of an environment.
func (h *Hub) BroadcastLog(envID string, payload any) {
	h.broadcast(Envelope{Type: TypeLog, EnvironmentID: envID, Payload: payload})
}

// BroadcastStatus delivers a status payload to every subscriber of an
// environment.
func (h *Hub) BroadcastStatus(envID string, payload any) {
	h.broadcast(Envelope{Type: TypeStatus, EnvironmentID: envID, Payload: payload})
}

// SendError delivers an error envelope to a single client.
func (h *Hub) SendError(clientID, message string) {
	h.mu.RLock()
	c, ok := h.clients[clientID]
	h.mu.RUnlock()
	if !ok || !c.conn.IsOpen() {
		return
	}
	if err := c.conn.Send(Envelope{Type: TypeError, Payload: message}); err != nil {
		slog.Warn("hub error delivery failed", "client_id", clientID, "error", err)
	}
}

// broadcast snapshots the subscriber set under the read lock, then delivers
// outside it. A failing or closed connection is skipped; one bad subscriber
// never blocks delivery to the rest.
func (h *Hub) broadcast(env Envelope) {
	type target struct {
		id   string
		conn Conn
	}
	h.mu.RLock()
	set := h.subs[env.EnvironmentID]
	targets := make([]target, 0, len(set))
	for clientID := range set {
		if c, ok := h.clients[clientID]; ok {
			targets = append(targets, target{id: clientID, conn: c.conn})
		}
	}
	h.mu.RUnlock()

	for _, t := range targets {
		if !t.conn.IsOpen() {
			continue
		}
		if err := t.conn.Send(env); err != nil {
			slog.Warn("hub delivery failed",
				"client_id", t.id,
				"environment_id", env.EnvironmentID,
				"type", env.Type,
				"error", err)
		}
	}
}
