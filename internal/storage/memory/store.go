// internal/storage/memory/store.go

// Package memory provides an in-memory implementation of the lending repositories.
// Sessions work on a cloned copy of the committed state and are serialized, so every
// transaction observes the effects of those committed before it.
package memory

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"libralend/internal/loan"
)

var (
	ErrSessionClosed = errors.New("session already closed")
)

// Compile-time contract assertions.
var (
	_ loan.TransactionManager = (*Store)(nil)
	_ loan.LoanRepository     = (*Loans)(nil)
	_ loan.ItemRepository     = (*Items)(nil)
)

type state struct {
	items map[uuid.UUID]loan.Item
	loans map[uuid.UUID]loan.Loan
}

func newState() state {
	return state{
		items: make(map[uuid.UUID]loan.Item),
		loans: make(map[uuid.UUID]loan.Loan),
	}
}

func (s state) clone() state {
	c := newState()
	for id, item := range s.items {
		c.items[id] = item
	}
	for id, l := range s.loans {
		if l.ReturnDate != nil {
			rd := *l.ReturnDate
			l.ReturnDate = &rd
		}
		l.Item = nil
		c.loans[id] = l
	}
	return c
}

type session struct {
	id    uuid.UUID
	state state
	done  bool
}

func (s *session) SessionID() uuid.UUID { return s.id }

// Store holds the committed state and hands out sessions one at a time.
type Store struct {
	sem       chan struct{}
	mu        sync.RWMutex
	committed state
	nowFn     func() time.Time

	loans    *Loans
	items    *Items
	settings *Settings
}

// NewStore returns an empty store.
func NewStore() *Store {
	s := &Store{
		sem:       make(chan struct{}, 1),
		committed: newState(),
		nowFn:     func() time.Time { return time.Now().UTC() },
	}
	s.loans = &Loans{store: s}
	s.items = &Items{store: s}
	s.settings = newSettings(s)
	return s
}

// SetNowFunc overrides the clock used for record timestamps.
func (s *Store) SetNowFunc(fn func() time.Time) {
	if fn != nil {
		s.nowFn = fn
	}
}

func (s *Store) Loans() *Loans       { return s.loans }
func (s *Store) Items() *Items       { return s.items }
func (s *Store) Settings() *Settings { return s.settings }

// CreateSession waits until no other session is open, then snapshots the committed state.
func (s *Store) CreateSession(ctx context.Context) (loan.Session, error) {
	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, &loan.StorageError{Op: "create session", Err: ctx.Err()}
	}

	s.mu.RLock()
	snapshot := s.committed.clone()
	s.mu.RUnlock()

	return &session{id: uuid.New(), state: snapshot}, nil
}

// CommitTransaction publishes the session's state.
func (s *Store) CommitTransaction(_ context.Context, sess loan.Session) error {
	ms, err := s.own(sess)
	if err != nil {
		return &loan.StorageError{Op: "commit", Err: err}
	}

	s.mu.Lock()
	s.committed = ms.state
	s.mu.Unlock()

	s.release(ms)
	return nil
}

// AbortTransaction discards the session's state. Aborting a closed session is a no-op.
func (s *Store) AbortTransaction(_ context.Context, sess loan.Session) error {
	ms, ok := sess.(*session)
	if !ok {
		return &loan.StorageError{Op: "abort", Err: loan.ErrForeignSession}
	}
	if ms.done {
		return nil
	}
	s.release(ms)
	return nil
}

func (s *Store) release(ms *session) {
	ms.done = true
	ms.state = state{}
	<-s.sem
}

func (s *Store) own(sess loan.Session) (*session, error) {
	ms, ok := sess.(*session)
	if !ok {
		return nil, loan.ErrForeignSession
	}
	if ms.done {
		return nil, ErrSessionClosed
	}
	return ms, nil
}

// read runs fn against the session's state, or the committed state without a session.
func (s *Store) read(opts loan.Options, fn func(st *state) error) error {
	if opts.Session == nil {
		s.mu.RLock()
		defer s.mu.RUnlock()
		return fn(&s.committed)
	}
	ms, err := s.own(opts.Session)
	if err != nil {
		return &loan.StorageError{Op: "read", Err: err}
	}
	return fn(&ms.state)
}

// write runs fn against the session's state. Without a session fn runs in its own
// transaction that commits when fn succeeds.
func (s *Store) write(ctx context.Context, opts loan.Options, fn func(st *state) error) error {
	if opts.Session != nil {
		ms, err := s.own(opts.Session)
		if err != nil {
			return &loan.StorageError{Op: "write", Err: err}
		}
		return fn(&ms.state)
	}

	sess, err := s.CreateSession(ctx)
	if err != nil {
		return err
	}
	if err := fn(&sess.(*session).state); err != nil {
		_ = s.AbortTransaction(ctx, sess)
		return err
	}
	return s.CommitTransaction(ctx, sess)
}

// StockDrift sums, over all committed items, the distance between the stored stock
// and the stock derived from open loans. A consistent store reports zero.
func (s *Store) StockDrift(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	open := make(map[uuid.UUID]int)
	for _, l := range s.committed.loans {
		if l.IsOpen() {
			open[l.ItemID]++
		}
	}

	drift := 0
	for id, item := range s.committed.items {
		d := item.Stock - loan.DeriveStock(item.TotalCopies, open[id])
		if d < 0 {
			d = -d
		}
		drift += d
	}
	return drift, nil
}

func notFound(entity string, id uuid.UUID) error {
	return &loan.NotFoundError{Entity: entity, ID: id.String()}
}

