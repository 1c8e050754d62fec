package sse

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"log/slog"

	"github.com/google/uuid"
)

// Broker fans out named events to every subscribed SSE stream. Subscriber-set
// mutations and broadcast writes are guarded by one mutex; Publish snapshots
// the set before iterating so removal during a broadcast cannot corrupt it.
type Broker struct {
	mu        sync.Mutex
	subs      map[string]*subscriber
	logger    *slog.Logger
	heartbeat time.Duration
	now       func() time.Time
}

type subscriber struct {
	id      string
	mu      sync.Mutex
	writer  io.Writer
	flusher http.Flusher
	closed  bool
}

// NewBroker creates a broker with the given heartbeat interval.
func NewBroker(heartbeat time.Duration, logger *slog.Logger) *Broker {
	if heartbeat <= 0 {
		heartbeat = 15 * time.Second
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Broker{
		subs:      make(map[string]*subscriber),
		logger:    logger.With("component", "sse"),
		heartbeat: heartbeat,
		now:       time.Now,
	}
}

// Subscribe registers a stream, writes the connected preamble, and returns an
// opaque handle for Unsubscribe.
func (b *Broker) Subscribe(writer io.Writer, flusher http.Flusher) (string, error) {
	sub := &subscriber{id: uuid.NewString(), writer: writer, flusher: flusher}
	if err := sub.send("connected", []byte(`{"type":"connected"}`)); err != nil {
		return "", fmt.Errorf("write connected event: %w", err)
	}
	b.mu.Lock()
	b.subs[sub.id] = sub
	count := len(b.subs)
	b.mu.Unlock()
	b.logger.Info("sse client connected", "client_id", sub.id, "clients", count)
	return sub.id, nil
}

// Unsubscribe removes a stream. Safe to call repeatedly or with an unknown id.
func (b *Broker) Unsubscribe(id string) {
	b.mu.Lock()
	sub, ok := b.subs[id]
	if ok {
		delete(b.subs, id)
	}
	count := len(b.subs)
	b.mu.Unlock()
	if !ok {
		return
	}
	sub.close()
	b.logger.Info("sse client disconnected", "client_id", id, "clients", count)
}

// Publish serializes the payload as JSON and delivers an event frame to every
// subscriber. A failed write unsubscribes that stream only.
func (b *Broker) Publish(event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		b.logger.Error("sse payload marshal failed", "event", event, "error", err)
		return
	}
	for _, sub := range b.snapshot() {
		if err := sub.send(event, data); err != nil {
			b.logger.Warn("sse send failed", "client_id", sub.id, "event", event, "error", err)
			b.Unsubscribe(sub.id)
		}
	}
}

// Run emits heartbeat comment frames until the context is cancelled.
func (b *Broker) Run(ctx context.Context) {
	ticker := time.NewTicker(b.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.emitHeartbeat()
		}
	}
}

func (b *Broker) emitHeartbeat() {
	stamp := b.now().UTC().Format(time.RFC3339)
	for _, sub := range b.snapshot() {
		if err := sub.heartbeat(stamp); err != nil {
			b.logger.Warn("sse heartbeat failed", "client_id", sub.id, "error", err)
			b.Unsubscribe(sub.id)
		}
	}
}

// ClientCount reports the number of connected streams.
func (b *Broker) ClientCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

func (b *Broker) snapshot() []*subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := make([]*subscriber, 0, len(b.subs))
	for _, sub := range b.subs {
		subs = append(subs, sub)
	}
	return subs
}

func (s *subscriber) send(event string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return io.EOF
	}
	if _, err := fmt.Fprintf(s.writer, "event: %s\ndata: %s\n\n", event, data); err != nil {
		s.closed = true
		return err
	}
	s.flush()
	return nil
}

func (s *subscriber) heartbeat(stamp string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return io.EOF
	}
	if _, err := fmt.Fprintf(s.writer, ": heartbeat %s\n\n", stamp); err != nil {
		s.closed = true
		return err
	}
	s.flush()
	return nil
}

func (s *subscriber) flush() {
	if s.flusher != nil {
		s.flusher.Flush()
	}
}

func (s *subscriber) close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}
