package mysql

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/agrimarket/treelot/internal/clock"
	"github.com/agrimarket/treelot/internal/event"
)

// EventStore implements event.Store using database/sql.
type EventStore struct {
	db    querier
	clock clock.Clock
}

// NewEventStore returns a new EventStore.
func NewEventStore(db querier, clk clock.Clock) *EventStore {
	return &EventStore{db: db, clock: clk}
}

// Append inserts events atomically: in their own transaction when the store
// wraps the pool, or as part of the enclosing transaction otherwise.
func (s *EventStore) Append(ctx context.Context, events ...event.Event) error {
	db, ok := s.db.(*sql.DB)
	if !ok {
		return s.insert(ctx, s.db, events)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := s.insert(ctx, tx, events); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *EventStore) insert(ctx context.Context, db querier, events []event.Event) error {
	now := s.clock.Now().UTC()
	for _, e := range events {
		if e.ID == "" {
			e.ID = event.NewID(now)
		}
		if e.CreatedAt.IsZero() {
			e.CreatedAt = now
		}
		if _, err := db.ExecContext(ctx,
			`INSERT INTO events (id, aggregate_id, type, data, version, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
			e.ID, e.AggregateID, e.Type, string(e.Data), e.Version, e.CreatedAt,
		); err != nil {
			return fmt.Errorf("inserting event (aggregate=%s, version=%d): %w", e.AggregateID, e.Version, err)
		}
	}
	return nil
}

func (s *EventStore) Load(ctx context.Context, aggregateID string) ([]event.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, aggregate_id, type, data, version, created_at
		 FROM events WHERE aggregate_id = ? ORDER BY version ASC`, aggregateID)
	if err != nil {
		return nil, fmt.Errorf("loading events: %w", err)
	}
	return collectEvents(rows)
}

func (s *EventStore) LoadByType(ctx context.Context, eventType event.Type) ([]event.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, aggregate_id, type, data, version, created_at
		 FROM events WHERE type = ? ORDER BY id ASC`, eventType)
	if err != nil {
		return nil, fmt.Errorf("loading events by type: %w", err)
	}
	return collectEvents(rows)
}

func collectEvents(rows *sql.Rows) ([]event.Event, error) {
	defer rows.Close()

	var events []event.Event
	for rows.Next() {
		var e event.Event
		var data []byte
		if err := rows.Scan(&e.ID, &e.AggregateID, &e.Type, &data, &e.Version, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning event row: %w", err)
		}
		e.Data = json.RawMessage(data)
		events = append(events, e)
	}
	return events, rows.Err()
}
