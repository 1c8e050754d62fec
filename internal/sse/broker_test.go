package sse

import (
	"bytes"
	"errors"
	"io"
	"testing"
	"time"

	"log/slog"
)

type failingWriter struct {
	failAfter int
	writes    int
}

func (f *failingWriter) Write(p []byte) (int, error) {
	f.writes++
	if f.writes > f.failAfter {
		return 0, errors.New("broken pipe")
	}
	return len(p), nil
}

func newTestBroker() *Broker {
	return NewBroker(time.Minute, slog.New(slog.NewJSONHandler(io.Discard, nil)))
}

func TestSubscribeWritesConnectedPreamble(t *testing.T) {
	b := newTestBroker()
	var buf bytes.Buffer

	id, err := b.Subscribe(&buf, nil)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if id == "" {
		t.Fatalf("empty subscriber id")
	}
	want := "event: connected\ndata: {\"type\":\"connected\"}\n\n"
	if buf.String() != want {
		t.Fatalf("preamble = %q, want %q", buf.String(), want)
	}
	if b.ClientCount() != 1 {
		t.Fatalf("client count = %d", b.ClientCount())
	}
}

func TestPublishFramesEventExactly(t *testing.T) {
	b := newTestBroker()
	var buf bytes.Buffer
	if _, err := b.Subscribe(&buf, nil); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	buf.Reset()

	b.Publish("env-status", map[string]string{"id": "my-app", "status": "running"})

	want := "event: env-status\ndata: {\"id\":\"my-app\",\"status\":\"running\"}\n\n"
	if buf.String() != want {
		t.Fatalf("frame = %q, want %q", buf.String(), want)
	}
}

func TestFailedSubscriberIsIsolated(t *testing.T) {
	b := newTestBroker()
	bad := &failingWriter{failAfter: 1} // preamble succeeds, first publish fails
	var good bytes.Buffer

	if _, err := b.Subscribe(bad, nil); err != nil {
		t.Fatalf("subscribe bad: %v", err)
	}
	if _, err := b.Subscribe(&good, nil); err != nil {
		t.Fatalf("subscribe good: %v", err)
	}
	good.Reset()

	b.Publish("registry-update", map[string]string{"type": "registry-update"})

	if !bytes.Contains(good.Bytes(), []byte("event: registry-update\n")) {
		t.Fatalf("healthy subscriber missed the event: %q", good.String())
	}
	if b.ClientCount() != 1 {
		t.Fatalf("client count = %d, want 1 after eviction", b.ClientCount())
	}

	// The evicted stream must not be written again.
	writesBefore := bad.writes
	b.Publish("registry-update", map[string]string{"type": "registry-update"})
	if bad.writes != writesBefore {
		t.Fatalf("evicted subscriber still receiving writes")
	}
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	b := newTestBroker()
	var buf bytes.Buffer
	id, err := b.Subscribe(&buf, nil)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	b.Unsubscribe(id)
	b.Unsubscribe(id)
	b.Unsubscribe("never-existed")

	if b.ClientCount() != 0 {
		t.Fatalf("client count = %d", b.ClientCount())
	}

	buf.Reset()
	b.Publish("env-status", map[string]string{"id": "x"})
	if buf.Len() != 0 {
		t.Fatalf("unsubscribed stream received %q", buf.String())
	}
}

func TestHeartbeatIsCommentFrame(t *testing.T) {
	b := newTestBroker()
	fixed := time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return fixed }

	var buf bytes.Buffer
	if _, err := b.Subscribe(&buf, nil); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	buf.Reset()

	b.emitHeartbeat()

	want := ": heartbeat 2026-08-28T12:00:00Z\n\n"
	if buf.String() != want {
		t.Fatalf("heartbeat = %q, want %q", buf.String(), want)
	}
}

func TestHeartbeatEvictsDeadStreams(t *testing.T) {
	b := newTestBroker()
	bad := &failingWriter{failAfter: 1}
	if _, err := b.Subscribe(bad, nil); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	b.emitHeartbeat()

	if b.ClientCount() != 0 {
		t.Fatalf("client count = %d, want 0", b.ClientCount())
	}
}

func TestPublishSkipsUnmarshalablePayload(t *testing.T) {
	b := newTestBroker()
	var buf bytes.Buffer
	if _, err := b.Subscribe(&buf, nil); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	buf.Reset()

	b.Publish("env-status", make(chan int))

	if buf.Len() != 0 {
		t.Fatalf("subscriber received frame for bad payload: %q", buf.String())
	}
	if b.ClientCount() != 1 {
		t.Fatalf("subscriber evicted for a publisher-side error")
	}
}
