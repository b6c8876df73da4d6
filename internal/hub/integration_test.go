//go:build integration

package hub_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/rabbitmq"

	"github.com/devcell/devcell/internal/container"
	"github.com/devcell/devcell/internal/hub"
)

type allowAll struct{}

func (allowAll) CanAccess(context.Context, string, string) error { return nil }

// setupRabbitMQ creates a RabbitMQ container for testing.
func setupRabbitMQ(t *testing.T) string {
	t.Helper()
	ctx := context.Background()

	rmq, err := rabbitmq.Run(ctx, "rabbitmq:3.12-management")
	if err != nil {
		t.Skipf("skipping: could not start RabbitMQ container: %v", err)
	}
	t.Cleanup(func() {
		if err := testcontainers.TerminateContainer(rmq); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})

	amqpURL, err := rmq.AmqpURL(ctx)
	if err != nil {
		t.Fatalf("failed to get AMQP URL: %v", err)
	}
	return amqpURL
}

func TestIntegration_Connection_ConnectAndClose(t *testing.T) {
	amqpURL := setupRabbitMQ(t)

	conn, err := hub.NewConnection(amqpURL, "")
	if err != nil {
		t.Fatalf("failed to create connection: %v", err)
	}
	if !conn.IsConnected() {
		t.Error("expected connection to be active")
	}
	if err := conn.Close(); err != nil {
		t.Errorf("failed to close connection: %v", err)
	}
}

func TestIntegration_Connection_InvalidURL(t *testing.T) {
	_, err := hub.NewConnection("amqp://invalid:5672", "")
	if err == nil {
		t.Error("expected error for invalid URL")
	}
}

func TestIntegration_Relay_PublishesExecutionEvents(t *testing.T) {
	amqpURL := setupRabbitMQ(t)

	conn, err := hub.NewConnection(amqpURL, "devcell.events.test")
	if err != nil {
		t.Fatalf("failed to create connection: %v", err)
	}
	defer conn.Close()

	// Bind a queue to the exchange to observe relay output.
	raw, err := conn.Raw()
	if err != nil {
		t.Fatalf("failed to open observer channel: %v", err)
	}
	q, err := raw.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		t.Fatalf("failed to declare observer queue: %v", err)
	}
	if err := raw.QueueBind(q.Name, "#", "devcell.events.test", false, nil); err != nil {
		t.Fatalf("failed to bind observer queue: %v", err)
	}
	deliveries, err := raw.Consume(q.Name, "", true, true, false, false, nil)
	if err != nil {
		t.Fatalf("failed to consume: %v", err)
	}

	relay := hub.NewRelay(hub.New(allowAll{}), conn, nil)
	relay.ExecutionOutput("env-1", "exec-1", container.LogLine{
		Stream:  container.StreamStdout,
		Message: "hello from relay",
	})

	select {
	case d := <-deliveries:
		var env hub.Envelope
		if err := json.Unmarshal(d.Body, &env); err != nil {
			t.Fatalf("unmarshal envelope: %v", err)
		}
		if env.Type != hub.TypeLog || env.EnvironmentID != "env-1" {
			t.Errorf("envelope = %+v", env)
		}
		if d.RoutingKey != "log.env-1" {
			t.Errorf("routing key = %q; want log.env-1", d.RoutingKey)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("timeout waiting for relayed event")
	}
}
