package auction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/agrimarket/treelot/internal/clock"
	"github.com/agrimarket/treelot/internal/store"
)

// Sweeper finalizes lots whose bidding window has ended.
type Sweeper struct {
	lots      store.LotRepository
	finalizer *Finalizer
	interval  time.Duration
	logger    *slog.Logger
	clock     clock.Clock
}

// NewSweeper returns a Sweeper that runs every interval.
func NewSweeper(lots store.LotRepository, finalizer *Finalizer, interval time.Duration, logger *slog.Logger, clk clock.Clock) *Sweeper {
	return &Sweeper{lots: lots, finalizer: finalizer, interval: interval, logger: logger, clock: clk}
}

// Run sweeps immediately and then on every tick until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	s.logger.InfoContext(ctx, "finalization sweeper started", slog.Duration("interval", s.interval))
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
			s.logger.ErrorContext(ctx, "finalization sweep failed", slog.Any("error", err))
		}
		select {
		case <-ctx.Done():
			s.logger.InfoContext(ctx, "finalization sweeper stopped")
			return
		case <-ticker.C:
		}
	}
}

// Sweep finalizes every due lot once and returns how many changed. A lot
// that fails is logged and skipped.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	due, err := s.lots.ListDue(ctx, s.clock.Now())
	if err != nil {
		return 0, fmt.Errorf("listing due lots: %w", err)
	}

	finalized := 0
	for _, l := range due {
		if err := ctx.Err(); err != nil {
			return finalized, err
		}
		res, err := s.finalizer.Finalize(ctx, l.ID)
		switch {
		case err == nil && !res.AlreadyFinalized:
			finalized++
		case err == nil:
		case errors.Is(err, ErrInvalidState):
			s.logger.DebugContext(ctx, "lot not finalizable", slog.String("lot_id", l.ID), slog.Any("error", err))
		default:
			s.logger.WarnContext(ctx, "finalizing lot failed", slog.String("lot_id", l.ID), slog.Any("error", err))
		}
	}
	return finalized, nil
}
