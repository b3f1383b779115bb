package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	instrumentationName = "github.com/agrimarket/treelot/internal/notify"
	drainTimeout        = 5 * time.Second
)

type envelope struct {
	event Event
	link  trace.SpanContext
}

// Dispatcher queues notifications and hands them to every Publisher from a
// single worker. When the queue is full new notifications are dropped.
type Dispatcher struct {
	queue      chan envelope
	publishers []Publisher
	maxRetries uint
	newBackOff func() backoff.BackOff
	logger     *slog.Logger
	tracer     trace.Tracer

	mu      sync.Mutex
	dropped int
}

// NewDispatcher returns a Dispatcher with room for bufferSize pending
// notifications. Each publish is retried up to maxRetries times.
func NewDispatcher(bufferSize int, maxRetries uint, logger *slog.Logger, tp trace.TracerProvider, publishers ...Publisher) *Dispatcher {
	if bufferSize < 1 {
		bufferSize = 1
	}
	return &Dispatcher{
		queue:      make(chan envelope, bufferSize),
		publishers: publishers,
		maxRetries: maxRetries,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 200 * time.Millisecond
			b.MaxInterval = 5 * time.Second
			return b
		},
		logger: logger,
		tracer: tp.Tracer(instrumentationName),
	}
}

// Notify enqueues e without blocking.
func (d *Dispatcher) Notify(ctx context.Context, e Event) {
	select {
	case d.queue <- envelope{event: e, link: trace.SpanContextFromContext(ctx)}:
	default:
		d.mu.Lock()
		d.dropped++
		d.mu.Unlock()
		d.logger.WarnContext(ctx, "notification queue full, dropping",
			slog.String("kind", string(e.Kind)),
			slog.String("lot_id", e.LotID),
		)
	}
}

// Dropped returns how many notifications were discarded so far.
func (d *Dispatcher) Dropped() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dropped
}

// Run delivers queued notifications until ctx is done, then flushes what is
// still buffered without retrying.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			d.drain(context.WithoutCancel(ctx))
			return
		}
		select {
		case env := <-d.queue:
			d.dispatch(ctx, env, d.maxRetries)
		case <-ctx.Done():
		}
	}
}

func (d *Dispatcher) drain(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, drainTimeout)
	defer cancel()
	for {
		select {
		case env := <-d.queue:
			d.dispatch(ctx, env, 0)
		default:
			return
		}
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, env envelope, retries uint) {
	ctx, span := d.tracer.Start(ctx, "Dispatcher.dispatch",
		trace.WithNewRoot(),
		trace.WithLinks(trace.Link{SpanContext: env.link}),
		trace.WithAttributes(
			attribute.String("kind", string(env.event.Kind)),
			attribute.String("lot_id", env.event.LotID),
		),
	)
	defer span.End()

	for _, p := range d.publishers {
		if err := d.publish(ctx, p, env.event, retries); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			d.logger.WarnContext(ctx, "notification not delivered",
				slog.String("sink", p.Name()),
				slog.String("kind", string(env.event.Kind)),
				slog.String("lot_id", env.event.LotID),
				slog.Any("error", err),
			)
		}
	}
}

func (d *Dispatcher) publish(ctx context.Context, p Publisher, e Event, retries uint) error {
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, p.Publish(ctx, e)
	},
		backoff.WithBackOff(d.newBackOff()),
		backoff.WithMaxTries(retries+1),
		backoff.WithNotify(func(err error, next time.Duration) {
			d.logger.DebugContext(ctx, "retrying notification",
				slog.String("sink", p.Name()),
				slog.Duration("next", next),
				slog.Any("error", err),
			)
		}),
	)
	if err != nil {
		return fmt.Errorf("publishing to %s: %w", p.Name(), err)
	}
	return nil
}
