package notify

import (
	"context"
	"log/slog"
)

// Publisher delivers notifications to one sink.
type Publisher interface {
	// Name identifies the sink in logs and spans.
	Name() string
	Publish(ctx context.Context, e Event) error
}

// LogPublisher writes every notification to the structured log.
type LogPublisher struct {
	logger *slog.Logger
}

// NewLogPublisher returns a LogPublisher.
func NewLogPublisher(logger *slog.Logger) *LogPublisher {
	return &LogPublisher{logger: logger}
}

func (p *LogPublisher) Name() string { return "log" }

func (p *LogPublisher) Publish(ctx context.Context, e Event) error {
	p.logger.InfoContext(ctx, "notification",
		slog.String("kind", string(e.Kind)),
		slog.String("lot_id", e.LotID),
		slog.String("bid_id", e.BidID),
		slog.String("bidder_id", e.BidderID),
		slog.String("amount", e.Amount.String()),
	)
	return nil
}
