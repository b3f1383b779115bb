package postgres

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/agrimarket/treelot/internal/clock"
	"github.com/agrimarket/treelot/internal/event"
)

// EventStore implements event.Store backed by Postgres.
type EventStore struct {
	db    sqlx.ExtContext
	clock clock.Clock
}

// NewEventStore returns a new EventStore.
func NewEventStore(db sqlx.ExtContext, clk clock.Clock) *EventStore {
	return &EventStore{db: db, clock: clk}
}

// Append inserts events atomically: in their own transaction when the store
// wraps the pool, or as part of the enclosing transaction otherwise.
func (s *EventStore) Append(ctx context.Context, events ...event.Event) error {
	db, ok := s.db.(*sqlx.DB)
	if !ok {
		return s.insert(ctx, s.db, events)
	}

	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := s.insert(ctx, tx, events); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *EventStore) insert(ctx context.Context, db sqlx.ExtContext, events []event.Event) error {
	now := s.clock.Now().UTC()
	for _, e := range events {
		if e.ID == "" {
			e.ID = event.NewID(now)
		}
		if e.CreatedAt.IsZero() {
			e.CreatedAt = now
		}
		if _, err := db.ExecContext(ctx,
			`INSERT INTO events (id, aggregate_id, type, data, version, created_at) VALUES ($1, $2, $3, $4, $5, $6)`,
			e.ID, e.AggregateID, e.Type, string(e.Data), e.Version, e.CreatedAt,
		); err != nil {
			return fmt.Errorf("inserting event (aggregate=%s, version=%d): %w", e.AggregateID, e.Version, err)
		}
	}
	return nil
}

func (s *EventStore) Load(ctx context.Context, aggregateID string) ([]event.Event, error) {
	var events []event.Event
	err := sqlx.SelectContext(ctx, s.db, &events,
		`SELECT id, aggregate_id, type, data, version, created_at
		 FROM events WHERE aggregate_id = $1 ORDER BY version ASC`, aggregateID)
	if err != nil {
		return nil, fmt.Errorf("loading events: %w", err)
	}
	return events, nil
}

func (s *EventStore) LoadByType(ctx context.Context, eventType event.Type) ([]event.Event, error) {
	var events []event.Event
	err := sqlx.SelectContext(ctx, s.db, &events,
		`SELECT id, aggregate_id, type, data, version, created_at
		 FROM events WHERE type = $1 ORDER BY id ASC`, eventType)
	if err != nil {
		return nil, fmt.Errorf("loading events by type: %w", err)
	}
	return events, nil
}
