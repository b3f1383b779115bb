// Package auction implements the tree-lot bidding engine: the lot registry,
// the bid ledger, ranking and finalization. Every mutation of a lot's bids
// runs inside a store.UnitOfWork scoped to that lot.
package auction

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"

	"github.com/agrimarket/treelot/internal/notify"
)

const instrumentationName = "github.com/agrimarket/treelot/internal/auction"

// Notifier receives fire-and-forget notifications after a state change has
// been committed. Implementations must not block.
type Notifier interface {
	Notify(ctx context.Context, e notify.Event)
}

// NopNotifier discards every notification.
type NopNotifier struct{}

// Notify implements Notifier.
func (NopNotifier) Notify(context.Context, notify.Event) {}

type instruments struct {
	accepted  metric.Int64Counter
	rejected  metric.Int64Counter
	finalized metric.Int64Counter
}

func newInstruments(mp metric.MeterProvider, logger *slog.Logger) *instruments {
	meter := mp.Meter(instrumentationName)
	counter := func(name, desc string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(desc))
		if err != nil {
			logger.Warn("creating counter", slog.String("name", name), slog.Any("error", err))
			return metricnoop.Int64Counter{}
		}
		return c
	}
	return &instruments{
		accepted:  counter("treelot.bids.accepted", "Bids accepted, including amendments."),
		rejected:  counter("treelot.bids.rejected", "Bids rejected by validation."),
		finalized: counter("treelot.lots.finalized", "Lots finalized."),
	}
}

func (i *instruments) bidRejected(ctx context.Context, err error) {
	i.rejected.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", Reason(err))))
}
