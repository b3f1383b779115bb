package memory

import (
	"context"
	"fmt"
	"sort"

	"github.com/agrimarket/treelot/internal/event"
)

// EventStore implements event.Store in memory.
type EventStore struct {
	v *view
}

func (s *EventStore) Append(_ context.Context, events ...event.Event) error {
	defer s.v.lock()()

	for i, e := range events {
		for _, existing := range s.v.d.events {
			if existing.AggregateID == e.AggregateID && existing.Version == e.Version {
				return fmt.Errorf("inserting event (aggregate=%s, version=%d): duplicate version", e.AggregateID, e.Version)
			}
		}
		for _, pending := range events[:i] {
			if pending.AggregateID == e.AggregateID && pending.Version == e.Version {
				return fmt.Errorf("inserting event (aggregate=%s, version=%d): duplicate version", e.AggregateID, e.Version)
			}
		}
	}

	now := s.v.clock.Now().UTC()
	for _, e := range events {
		if e.ID == "" {
			e.ID = event.NewID(now)
		}
		if e.CreatedAt.IsZero() {
			e.CreatedAt = now
		}
		s.v.d.events = append(s.v.d.events, e)
	}
	return nil
}

func (s *EventStore) Load(_ context.Context, aggregateID string) ([]event.Event, error) {
	defer s.v.rlock()()

	var events []event.Event
	for _, e := range s.v.d.events {
		if e.AggregateID == aggregateID {
			events = append(events, e)
		}
	}
	sort.SliceStable(events, func(i, j int) bool { return events[i].Version < events[j].Version })
	return events, nil
}

func (s *EventStore) LoadByType(_ context.Context, eventType event.Type) ([]event.Event, error) {
	defer s.v.rlock()()

	var events []event.Event
	for _, e := range s.v.d.events {
		if e.Type == eventType {
			events = append(events, e)
		}
	}
	sort.SliceStable(events, func(i, j int) bool { return events[i].ID < events[j].ID })
	return events, nil
}
