package hub

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/devcell/devcell/internal/container"
	"github.com/devcell/devcell/internal/execution"
	"github.com/devcell/devcell/internal/logs"
)

type fakeRecorder struct {
	mu      sync.Mutex
	entries []logs.Entry
}

func (r *fakeRecorder) Ingest(_ context.Context, entry logs.Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, entry)
	return nil
}

func (r *fakeRecorder) all() []logs.Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]logs.Entry(nil), r.entries...)
}

func TestRelayPersistsAndBroadcastsOutput(t *testing.T) {
	h := New(allowAccess{})
	conn := newFakeConn()
	h.Register("c1", conn)
	if err := h.Subscribe(context.Background(), "c1", "user", "env-1"); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	rec := &fakeRecorder{}
	relay := NewRelay(h, nil, rec)

	ts := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	relay.ExecutionOutput("env-1", "exec-1", container.LogLine{
		Stream:    container.StreamStdout,
		Message:   "hello",
		Timestamp: ts,
	})

	entries := rec.all()
	if len(entries) != 1 {
		t.Fatalf("persisted %d entries, want 1", len(entries))
	}
	if entries[0].EnvironmentID != "env-1" || entries[0].Message != "hello" {
		t.Errorf("entry = %+v", entries[0])
	}
	if !entries[0].Timestamp.Equal(ts) {
		t.Errorf("timestamp = %v, want line timestamp preserved", entries[0].Timestamp)
	}

	sent := conn.envelopes()
	if len(sent) != 1 || sent[0].Type != TypeLog {
		t.Fatalf("broadcast = %+v", sent)
	}
	payload, ok := sent[0].Payload.(LogEvent)
	if !ok {
		t.Fatalf("payload type %T", sent[0].Payload)
	}
	if payload.ExecutionID != "exec-1" || payload.Stream != "stdout" {
		t.Errorf("payload = %+v", payload)
	}
}

func TestRelayStampsMissingTimestamp(t *testing.T) {
	rec := &fakeRecorder{}
	relay := NewRelay(New(allowAccess{}), nil, rec)

	before := time.Now().UTC()
	relay.ExecutionOutput("env-1", "exec-1", container.LogLine{
		Stream:  container.StreamStderr,
		Message: "oops",
	})

	entries := rec.all()
	if len(entries) != 1 {
		t.Fatalf("persisted %d entries, want 1", len(entries))
	}
	if entries[0].Timestamp.Before(before) {
		t.Errorf("zero timestamp not stamped: %v", entries[0].Timestamp)
	}
}

func TestRelayWithoutRecorderOrBroker(t *testing.T) {
	h := New(allowAccess{})
	conn := newFakeConn()
	h.Register("c1", conn)
	if err := h.Subscribe(context.Background(), "c1", "user", "env-1"); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	relay := NewRelay(h, nil, nil)
	code := 0
	relay.ExecutionStatus("env-1", "exec-1", execution.StatusCompleted, &code)

	sent := conn.envelopes()
	if len(sent) != 1 || sent[0].Type != TypeStatus {
		t.Fatalf("broadcast = %+v", sent)
	}
	payload, ok := sent[0].Payload.(StatusEvent)
	if !ok {
		t.Fatalf("payload type %T", sent[0].Payload)
	}
	if payload.Status != "completed" || payload.ExitCode == nil || *payload.ExitCode != 0 {
		t.Errorf("payload = %+v", payload)
	}
}
