package events

import (
	"context"
	"fmt"
	"strconv"

	"github.com/nats-io/nats.go"

	"escrowline/internal/domain"
)

// EventIDHeader carries the event id so consumers can deduplicate redeliveries.
const EventIDHeader = "Escrowline-Event-Id"

// NATSPublisher publishes events on core NATS subjects.
type NATSPublisher struct {
	nc *nats.Conn
}

// ConnectNATS dials url. The connection reconnects on its own after drops.
func ConnectNATS(url, name string) (*NATSPublisher, error) {
	nc, err := nats.Connect(url, nats.Name(name), nats.MaxReconnects(-1))
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	return &NATSPublisher{nc: nc}, nil
}

func (p *NATSPublisher) Publish(ctx context.Context, subject string, evt domain.Event, data []byte) error {
	msg := nats.NewMsg(subject)
	msg.Data = data
	msg.Header.Set(EventIDHeader, strconv.FormatInt(evt.ID, 10))
	if err := p.nc.PublishMsg(msg); err != nil {
		return fmt.Errorf("nats publish %s: %w", subject, err)
	}
	return p.nc.FlushWithContext(ctx)
}

// Close drains pending messages and closes the connection.
func (p *NATSPublisher) Close() error {
	return p.nc.Drain()
}
