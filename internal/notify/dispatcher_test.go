package notify_test

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/agrimarket/treelot/internal/notify"
)

type fakePublisher struct {
	name  string
	fails int

	mu       sync.Mutex
	attempts int
	got      []notify.Event
}

func (p *fakePublisher) Name() string { return p.name }

func (p *fakePublisher) Publish(_ context.Context, e notify.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.attempts++
	if p.attempts <= p.fails {
		return errors.New("sink unavailable")
	}
	p.got = append(p.got, e)
	return nil
}

func (p *fakePublisher) delivered() []notify.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]notify.Event(nil), p.got...)
}

func (p *fakePublisher) tries() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.attempts
}

func newDispatcher(buffer int, retries uint, pubs ...notify.Publisher) *notify.Dispatcher {
	return notify.WithoutDelay(notify.NewDispatcher(buffer, retries, slog.Default(), noop.NewTracerProvider(), pubs...))
}

func outbid(lotID string) notify.Event {
	return notify.Event{
		Kind:       notify.BidOutbid,
		LotID:      lotID,
		BidID:      "bid-1",
		BidderID:   "broker-a",
		Amount:     decimal.NewFromInt(50000),
		OccurredAt: time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC),
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestDispatcher_DeliversToEveryPublisher(t *testing.T) {
	a := &fakePublisher{name: "a"}
	b := &fakePublisher{name: "b"}
	d := newDispatcher(8, 0, a, b)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	d.Notify(ctx, outbid("lot-1"))
	d.Notify(ctx, outbid("lot-2"))

	waitFor(t, func() bool { return len(a.delivered()) == 2 && len(b.delivered()) == 2 })
	if got := a.delivered(); got[0].LotID != "lot-1" || got[1].LotID != "lot-2" {
		t.Errorf("delivery order = %s, %s", got[0].LotID, got[1].LotID)
	}
}

func TestDispatcher_Retries(t *testing.T) {
	tests := []struct {
		name      string
		fails     int
		retries   uint
		delivered int
		attempts  int
	}{
		{name: "recovers within budget", fails: 2, retries: 3, delivered: 1, attempts: 3},
		{name: "gives up", fails: 10, retries: 2, delivered: 0, attempts: 3},
		{name: "no retries", fails: 1, retries: 0, delivered: 0, attempts: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			flaky := &fakePublisher{name: "flaky", fails: tt.fails}
			healthy := &fakePublisher{name: "healthy"}
			d := newDispatcher(4, tt.retries, flaky, healthy)

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			go d.Run(ctx)

			d.Notify(ctx, outbid("lot-1"))
			waitFor(t, func() bool { return len(healthy.delivered()) == 1 })

			if got := len(flaky.delivered()); got != tt.delivered {
				t.Errorf("delivered %d, want %d", got, tt.delivered)
			}
			if got := flaky.tries(); got != tt.attempts {
				t.Errorf("attempts = %d, want %d", got, tt.attempts)
			}
		})
	}
}

func TestDispatcher_DropsWhenFull(t *testing.T) {
	p := &fakePublisher{name: "p"}
	d := newDispatcher(2, 0, p)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		d.Notify(ctx, outbid("lot-1"))
	}
	if got := d.Dropped(); got != 3 {
		t.Errorf("Dropped() = %d, want 3", got)
	}
}

func TestDispatcher_FlushesOnShutdown(t *testing.T) {
	p := &fakePublisher{name: "p"}
	d := newDispatcher(8, 0, p)

	ctx, cancel := context.WithCancel(context.Background())
	for i := 0; i < 3; i++ {
		d.Notify(ctx, outbid("lot-1"))
	}
	cancel()
	d.Run(ctx)

	if got := len(p.delivered()); got != 3 {
		t.Errorf("delivered %d after shutdown, want 3", got)
	}
}

func TestEvent_Key(t *testing.T) {
	a := outbid("lot-1")
	b := outbid("lot-1")
	if a.Key() != b.Key() {
		t.Errorf("equal events have different keys")
	}
	b.OccurredAt = b.OccurredAt.Add(time.Millisecond)
	if a.Key() == b.Key() {
		t.Errorf("events at different times share key %s", a.Key())
	}
}
