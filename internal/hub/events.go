package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/devcell/devcell/internal/container"
	"github.com/devcell/devcell/internal/execution"
	"github.com/devcell/devcell/internal/logs"
)

// DefaultExchange is the fanout exchange execution events publish to.
const DefaultExchange = "devcell.events"

// Connection manages the RabbitMQ connection with automatic reconnection.
type Connection struct {
	url        string
	exchange   string
	conn       *amqp.Connection
	channel    *amqp.Channel
	mu         sync.RWMutex
	closed     bool
	reconnects int
}

// NewConnection dials RabbitMQ and declares the event exchange.
func NewConnection(url, exchange string) (*Connection, error) {
	if exchange == "" {
		exchange = DefaultExchange
	}
	c := &Connection{url: url, exchange: exchange}
	if err := c.connect(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Connection) connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var err error
	c.conn, err = amqp.Dial(c.url)
	if err != nil {
		return fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	c.channel, err = c.conn.Channel()
	if err != nil {
		c.conn.Close()
		return fmt.Errorf("failed to open channel: %w", err)
	}

	err = c.channel.ExchangeDeclare(
		c.exchange,
		"topic",
		true,  // durable
		false, // auto-delete
		false, // internal
		false, // no-wait
		nil,
	)
	if err != nil {
		c.channel.Close()
		c.conn.Close()
		return fmt.Errorf("failed to declare exchange: %w", err)
	}

	go c.handleReconnect()

	slog.Info("connected to RabbitMQ", "exchange", c.exchange)
	return nil
}

// handleReconnect listens for connection close and attempts to reconnect
// with exponential backoff.
func (c *Connection) handleReconnect() {
	notifyClose := c.conn.NotifyClose(make(chan *amqp.Error, 1))

	err := <-notifyClose
	if err == nil {
		return // normal close
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	slog.Warn("RabbitMQ connection closed, attempting to reconnect",
		"error", err,
		"reconnects", c.reconnects,
	)

	for i := 0; i < 10; i++ {
		c.reconnects++
		backoff := time.Duration(1<<i) * time.Second
		if backoff > 30*time.Second {
			backoff = 30 * time.Second
		}
		time.Sleep(backoff)

		if err := c.connect(); err != nil {
			slog.Error("reconnection failed", "error", err, "attempt", i+1)
			continue
		}

		slog.Info("reconnected to RabbitMQ", "attempts", i+1)
		return
	}

	slog.Error("failed to reconnect to RabbitMQ after 10 attempts")
}

// Publish sends an envelope to the event exchange. The routing key is
// "<type>.<environment id>" so consumers can bind to one event type, one
// environment, or everything.
func (c *Connection) Publish(ctx context.Context, env Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	c.mu.RLock()
	ch := c.channel
	c.mu.RUnlock()

	return ch.PublishWithContext(
		ctx,
		c.exchange,
		fmt.Sprintf("%s.%s", env.Type, env.EnvironmentID),
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Transient,
			Body:         body,
		},
	)
}

// Raw opens a fresh channel on the underlying connection, for consumers
// that bind their own queues to the exchange.
func (c *Connection) Raw() (*amqp.Channel, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn.Channel()
}

// IsConnected checks if the connection is active.
func (c *Connection) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn != nil && !c.conn.IsClosed()
}

// Close closes the connection.
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closed = true

	if c.channel != nil {
		c.channel.Close()
	}
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// LogEvent is the payload of a log envelope.
type LogEvent struct {
	ExecutionID string    `json:"execution_id,omitempty"`
	Stream      string    `json:"stream"`
	Message     string    `json:"message"`
	Timestamp   time.Time `json:"timestamp"`
}

// StatusEvent is the payload of a status envelope.
type StatusEvent struct {
	ExecutionID string `json:"execution_id"`
	Status      string `json:"status"`
	ExitCode    *int   `json:"exit_code,omitempty"`
}

// Recorder persists execution output as queryable log entries.
type Recorder interface {
	Ingest(ctx context.Context, entry logs.Entry) error
}

// Relay fans execution events out to connected hub clients and, when an AMQP
// connection is configured, to the event exchange for external consumers.
// With a recorder attached, every output line is also persisted.
type Relay struct {
	hub      *Hub
	amqp     *Connection // nil when events are hub-only
	recorder Recorder    // nil when output is not persisted
}

func NewRelay(h *Hub, conn *Connection, rec Recorder) *Relay {
	return &Relay{hub: h, amqp: conn, recorder: rec}
}

// ExecutionOutput delivers one output line.
func (r *Relay) ExecutionOutput(envID, execID string, line container.LogLine) {
	ts := line.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	if r.recorder != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := r.recorder.Ingest(ctx, logs.Entry{
			EnvironmentID: envID,
			Timestamp:     ts,
			Stream:        line.Stream,
			Message:       line.Message,
		})
		cancel()
		if err != nil {
			slog.Warn("output persist failed",
				"environment_id", envID,
				"execution_id", execID,
				"error", err)
		}
	}
	payload := LogEvent{
		ExecutionID: execID,
		Stream:      string(line.Stream),
		Message:     line.Message,
		Timestamp:   ts,
	}
	r.hub.BroadcastLog(envID, payload)
	r.publish(Envelope{Type: TypeLog, EnvironmentID: envID, Payload: payload})
}

// ExecutionStatus delivers a status transition.
func (r *Relay) ExecutionStatus(envID, execID string, status execution.Status, exitCode *int) {
	payload := StatusEvent{
		ExecutionID: execID,
		Status:      string(status),
		ExitCode:    exitCode,
	}
	r.hub.BroadcastStatus(envID, payload)
	r.publish(Envelope{Type: TypeStatus, EnvironmentID: envID, Payload: payload})
}

func (r *Relay) publish(env Envelope) {
	if r.amqp == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.amqp.Publish(ctx, env); err != nil {
		slog.Warn("event publish failed",
			"environment_id", env.EnvironmentID,
			"type", env.Type,
			"error", err)
	}
}

var _ execution.EventSink = (*Relay)(nil)
