// Package metrics holds the OpenTelemetry instruments of the marketplace.
package metrics

import (
	"context"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "escrowline"

// Settlement kinds.
const (
	SettleRelease = "release"
	SettleRefund  = "refund"
	SettlePayout  = "insurance_payout"
)

// Metrics holds all escrowline instruments. A nil *Metrics records nothing.
type Metrics struct {
	TasksCreated     metric.Int64Counter
	Settlements      metric.Int64Counter
	EscrowLocked     metric.Float64Counter
	DisputesOpened   metric.Int64Counter
	DisputesResolved metric.Int64Counter
	EventsRelayed    metric.Int64Counter
	RelayFailures    metric.Int64Counter
}

// New creates all instruments on provider, or on the global provider when nil.
func New(provider metric.MeterProvider) (*Metrics, error) {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}
	meter := provider.Meter(meterName)
	m := &Metrics{}
	var err error

	m.TasksCreated, err = meter.Int64Counter("escrowline.tasks.created",
		metric.WithDescription("Number of tasks created with escrowed rewards"))
	if err != nil {
		return nil, err
	}
	m.Settlements, err = meter.Int64Counter("escrowline.escrow.settlements",
		metric.WithDescription("Number of escrow settlements by kind"))
	if err != nil {
		return nil, err
	}
	m.EscrowLocked, err = meter.Float64Counter("escrowline.escrow.locked",
		metric.WithDescription("Amount locked into escrow by token"))
	if err != nil {
		return nil, err
	}
	m.DisputesOpened, err = meter.Int64Counter("escrowline.disputes.opened",
		metric.WithDescription("Number of disputes opened"))
	if err != nil {
		return nil, err
	}
	m.DisputesResolved, err = meter.Int64Counter("escrowline.disputes.resolved",
		metric.WithDescription("Number of disputes resolved by outcome"))
	if err != nil {
		return nil, err
	}
	m.EventsRelayed, err = meter.Int64Counter("escrowline.relay.published",
		metric.WithDescription("Number of events published to the message bus"))
	if err != nil {
		return nil, err
	}
	m.RelayFailures, err = meter.Int64Counter("escrowline.relay.failures",
		metric.WithDescription("Number of failed relay publish attempts"))
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Metrics) TaskCreated(ctx context.Context, token string, reward decimal.Decimal, insured bool) {
	if m == nil {
		return
	}
	m.TasksCreated.Add(ctx, 1, metric.WithAttributes(
		attribute.String("token", token),
		attribute.Bool("insured", insured),
	))
	amount, _ := reward.Float64()
	m.EscrowLocked.Add(ctx, amount, metric.WithAttributes(attribute.String("token", token)))
}

func (m *Metrics) Settled(ctx context.Context, kind, token string) {
	if m == nil {
		return
	}
	m.Settlements.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("token", token),
	))
}

func (m *Metrics) DisputeOpened(ctx context.Context) {
	if m == nil {
		return
	}
	m.DisputesOpened.Add(ctx, 1)
}

func (m *Metrics) DisputeResolved(ctx context.Context, favorsCreator bool) {
	if m == nil {
		return
	}
	outcome := "assignee"
	if favorsCreator {
		outcome = "creator"
	}
	m.DisputesResolved.Add(ctx, 1, metric.WithAttributes(attribute.String("favors", outcome)))
}

func (m *Metrics) Relayed(ctx context.Context, n int) {
	if m == nil || n == 0 {
		return
	}
	m.EventsRelayed.Add(ctx, int64(n))
}

func (m *Metrics) RelayFailed(ctx context.Context) {
	if m == nil {
		return
	}
	m.RelayFailures.Add(ctx, 1)
}
