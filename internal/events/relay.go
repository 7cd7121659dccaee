package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"escrowline/internal/domain"
	"escrowline/internal/metrics"
	"escrowline/internal/resilience"
)

// Source reads committed events in id order.
type Source interface {
	EventsAfter(ctx context.Context, cursor int64, limit int) ([]domain.Event, error)
}

// Publisher delivers one encoded event to subject.
type Publisher interface {
	Publish(ctx context.Context, subject string, evt domain.Event, data []byte) error
}

// Relay forwards committed events to a message bus. Delivery is at least
// once: the cursor only advances past events the publisher accepted.
type Relay struct {
	Source    Source
	Publisher Publisher
	Prefix    string
	Interval  time.Duration
	BatchSize int
	Breaker   *resilience.Breaker
	Metrics   *metrics.Metrics
	Logger    *slog.Logger

	cursor int64
}

// Envelope is the message body published for each event.
type Envelope struct {
	ID         int64           `json:"id"`
	TS         string          `json:"ts"`
	Type       string          `json:"type"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	ActorID    string          `json:"actor_id"`
	Payload    json.RawMessage `json:"payload"`
}

// StartAt sets the id after which events are relayed.
func (r *Relay) StartAt(cursor int64) { r.cursor = cursor }

// Cursor is the id of the last relayed event.
func (r *Relay) Cursor() int64 { return r.cursor }

// Subject returns the bus subject of an event type.
func (r *Relay) Subject(evtType string) string {
	if r.Prefix == "" {
		return evtType
	}
	return r.Prefix + "." + evtType
}

// Run polls until ctx is done.
func (r *Relay) Run(ctx context.Context) error {
	interval := r.Interval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := r.RunOnce(ctx); err != nil && ctx.Err() == nil {
			r.logger().Warn("event relay", "error", err, "cursor", r.cursor)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// RunOnce relays one batch and returns how many events were published.
func (r *Relay) RunOnce(ctx context.Context) (int, error) {
	limit := r.BatchSize
	if limit <= 0 {
		limit = 100
	}
	batch, err := r.Source.EventsAfter(ctx, r.cursor, limit)
	if err != nil {
		return 0, fmt.Errorf("read events: %w", err)
	}
	sent := 0
	defer func() { r.Metrics.Relayed(ctx, sent) }()
	for _, evt := range batch {
		data, err := Encode(evt)
		if err != nil {
			return sent, err
		}
		subject := r.Subject(evt.Type)
		publish := func(ctx context.Context) error {
			return r.Publisher.Publish(ctx, subject, evt, data)
		}
		if r.Breaker != nil {
			err = r.Breaker.Do(ctx, publish)
		} else {
			err = publish(ctx)
		}
		if err != nil {
			r.Metrics.RelayFailed(ctx)
			return sent, fmt.Errorf("publish event %d to %s: %w", evt.ID, subject, err)
		}
		r.cursor = evt.ID
		sent++
	}
	return sent, nil
}

func (r *Relay) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}

// Encode renders evt as an Envelope.
func Encode(evt domain.Event) ([]byte, error) {
	payload := json.RawMessage(evt.Payload)
	if len(payload) == 0 || !json.Valid(payload) {
		payload = json.RawMessage(`{}`)
	}
	return json.Marshal(Envelope{
		ID:         evt.ID,
		TS:         evt.TS,
		Type:       evt.Type,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
		Payload:    payload,
	})
}
