// Package memory provides an in-process store.Driver. It keeps every record
// in maps guarded by a mutex and serializes units of work with one mutex per
// lot; staged writes are applied only when the unit of work succeeds.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/agrimarket/treelot/internal/clock"
	"github.com/agrimarket/treelot/internal/config"
	"github.com/agrimarket/treelot/internal/event"
	"github.com/agrimarket/treelot/internal/store"
)

func init() {
	store.Register("memory", openMemory)
}

func openMemory(_ context.Context, _ config.DatabaseConfig, clk clock.Clock) (*store.Repositories, error) {
	return New(clk).Repositories(), nil
}

// data is one set of records: either the committed state or the staging
// area of a unit of work.
type data struct {
	lots    map[string]store.Lot
	bids    map[string]store.Bid
	history map[string][]store.BidRevision
	events  []event.Event
}

func newData() *data {
	return &data{
		lots:    make(map[string]store.Lot),
		bids:    make(map[string]store.Bid),
		history: make(map[string][]store.BidRevision),
	}
}

// view binds repositories to a data set. mu is nil for staged data, which
// belongs to the goroutine running the unit of work.
type view struct {
	mu    *sync.RWMutex
	d     *data
	clock clock.Clock
	lotID string
}

func (v *view) rlock() func() {
	if v.mu == nil {
		return func() {}
	}
	v.mu.RLock()
	return v.mu.RUnlock
}

func (v *view) lock() func() {
	if v.mu == nil {
		return func() {}
	}
	v.mu.Lock()
	return v.mu.Unlock
}

func (v *view) scoped(lotID string) error {
	if v.lotID != "" && v.lotID != lotID {
		return fmt.Errorf("lot %s is outside the unit of work for lot %s", lotID, v.lotID)
	}
	return nil
}

// Store is the in-memory backend.
type Store struct {
	mu    sync.RWMutex
	d     *data
	locks sync.Map // lot id -> *sync.Mutex
	clock clock.Clock
}

// New returns an empty Store.
func New(clk clock.Clock) *Store {
	return &Store{d: newData(), clock: clk}
}

func (s *Store) committed() *view {
	return &view{mu: &s.mu, d: s.d, clock: s.clock}
}

// Repositories returns repositories over the committed state.
func (s *Store) Repositories() *store.Repositories {
	v := s.committed()
	return &store.Repositories{
		Lots:   &LotRepo{v: v},
		Bids:   &BidRepo{v: v},
		Events: &EventStore{v: v},
		Units:  s,
		Closer: store.CloserFunc(func() error { return nil }),
		Ping:   func(context.Context) error { return nil },
	}
}

type tx struct {
	v *view
}

func (t *tx) Lots() store.LotRepository { return &LotRepo{v: t.v} }
func (t *tx) Bids() store.BidRepository { return &BidRepo{v: t.v} }
func (t *tx) Events() event.Store       { return &EventStore{v: t.v} }

// WithinLot implements store.UnitOfWork.
func (s *Store) WithinLot(ctx context.Context, lotID string, fn func(ctx context.Context, tx store.Tx) error) error {
	m, _ := s.locks.LoadOrStore(lotID, &sync.Mutex{})
	mu := m.(*sync.Mutex)
	mu.Lock()
	defer mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	staged, base, err := s.stage(lotID)
	if err != nil {
		return err
	}
	if err := fn(ctx, &tx{v: &view{d: staged, clock: s.clock, lotID: lotID}}); err != nil {
		return err
	}
	s.commit(lotID, staged, base)
	return nil
}

// CreateLot implements store.UnitOfWork.
func (s *Store) CreateLot(ctx context.Context, l *store.Lot, fn func(ctx context.Context, tx store.Tx) error) error {
	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	m, _ := s.locks.LoadOrStore(l.ID, &sync.Mutex{})
	mu := m.(*sync.Mutex)
	mu.Lock()
	defer mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.RLock()
	_, exists := s.d.lots[l.ID]
	s.mu.RUnlock()
	if exists {
		return fmt.Errorf("lot %s already exists", l.ID)
	}

	staged := newData()
	t := &tx{v: &view{d: staged, clock: s.clock, lotID: l.ID}}
	if err := t.Lots().Create(ctx, l); err != nil {
		return err
	}
	if err := fn(ctx, t); err != nil {
		return err
	}
	s.commit(l.ID, staged, 0)
	return nil
}

// stage copies every record of lotID out of the committed state.
func (s *Store) stage(lotID string) (*data, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	l, ok := s.d.lots[lotID]
	if !ok {
		return nil, 0, fmt.Errorf("lot %s: %w", lotID, store.ErrNotFound)
	}
	staged := newData()
	staged.lots[lotID] = l
	for id, b := range s.d.bids {
		if b.LotID != lotID {
			continue
		}
		staged.bids[id] = b
		staged.history[id] = append([]store.BidRevision(nil), s.d.history[id]...)
	}
	for _, e := range s.d.events {
		if e.AggregateID == lotID {
			staged.events = append(staged.events, e)
		}
	}
	return staged, len(staged.events), nil
}

func (s *Store) commit(lotID string, staged *data, base int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.d.lots[lotID] = staged.lots[lotID]
	for id, b := range staged.bids {
		s.d.bids[id] = b
		s.d.history[id] = staged.history[id]
	}
	s.d.events = append(s.d.events, staged.events[base:]...)
}
