// Package memory is an in-process PassRepository used by tests and by the
// server when no database is configured.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/hostel-outpass/internal/errs"
	"github.com/and161185/hostel-outpass/internal/model"
	"github.com/and161185/hostel-outpass/internal/repository"
)

// Store keeps passes in a map guarded by a single mutex. Transitions run
// their closure under the lock, so each pass is changed by one caller at a time.
type Store struct {
	mu     sync.Mutex
	passes map[uuid.UUID]model.Pass
	order  []uuid.UUID
	events map[uuid.UUID][]model.Transition
}

var _ repository.PassRepository = (*Store)(nil)

// New returns an empty store.
func New() *Store {
	return &Store{
		passes: map[uuid.UUID]model.Pass{},
		events: map[uuid.UUID][]model.Transition{},
	}
}

// Create inserts p unless the student already has a live pass.
func (s *Store) Create(_ context.Context, p model.Pass, actor string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, dup := s.passes[p.ID]; dup {
		return fmt.Errorf("pass %s already stored", p.ID)
	}
	if p.Status.IsLive() {
		for _, q := range s.passes {
			if q.StudentID == p.StudentID && q.Status.IsLive() {
				return fmt.Errorf("student %s: %w", p.StudentID, errs.ErrActivePassExists)
			}
		}
	}
	s.passes[p.ID] = p
	s.order = append(s.order, p.ID)
	s.appendEvent(model.Transition{
		PassID: p.ID, Event: model.EventSubmit, To: p.Status,
		Generation: p.Credential.Generation, Actor: actor, At: p.CreatedAt,
	})
	return nil
}

// Get returns the pass with the given id.
func (s *Store) Get(_ context.Context, id uuid.UUID) (model.Pass, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.passes[id]
	if !ok {
		return model.Pass{}, fmt.Errorf("pass %s: %w", id, errs.ErrNotFound)
	}
	return p, nil
}

// Transition applies fn to the stored pass while holding the lock.
func (s *Store) Transition(
	_ context.Context, id uuid.UUID, ev model.Event, actor string, fn repository.TransitionFunc,
) (model.Pass, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.passes[id]
	if !ok {
		return model.Pass{}, fmt.Errorf("pass %s: %w", id, errs.ErrNotFound)
	}
	next, err := fn(cur)
	if err != nil {
		return model.Pass{}, err
	}
	s.passes[id] = next
	s.appendEvent(model.Transition{
		PassID: id, Event: ev, From: cur.Status, To: next.Status,
		Generation: next.Credential.Generation, Actor: actor, At: next.UpdatedAt,
	})
	return next, nil
}

// ListByStudent returns the student's passes in statuses, newest first.
func (s *Store) ListByStudent(_ context.Context, studentID string, statuses []model.Status) ([]model.Pass, error) {
	return s.filter(func(p model.Pass) bool {
		return p.StudentID == studentID && slices.Contains(statuses, p.Status)
	}), nil
}

// ListByStatus returns passes in statuses, newest first.
func (s *Store) ListByStatus(_ context.Context, statuses []model.Status) ([]model.Pass, error) {
	return s.filter(func(p model.Pass) bool { return slices.Contains(statuses, p.Status) }), nil
}

// CountApprovedSince counts the student's passes created since that left pending.
func (s *Store) CountApprovedSince(_ context.Context, studentID string, since time.Time) (int64, error) {
	n := len(s.filter(func(p model.Pass) bool {
		return p.StudentID == studentID && !p.CreatedAt.Before(since) &&
			p.Status != model.StatusPending && p.Status != model.StatusRejected
	}))
	return int64(n), nil
}

// Events returns a copy of the pass audit trail.
func (s *Store) Events(_ context.Context, passID uuid.UUID) ([]model.Transition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.events[passID]), nil
}

// Stats counts passes per status.
func (s *Store) Stats(_ context.Context, dayStart time.Time) (model.Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := model.Stats{ByStatus: map[model.Status]int64{}}
	for _, p := range s.passes {
		st.ByStatus[p.Status]++
		if p.Status == model.StatusReturned && p.ReturnedAt != nil && !p.ReturnedAt.Before(dayStart) {
			st.ReturnedSince++
		}
	}
	return st, nil
}

func (s *Store) filter(keep func(model.Pass) bool) []model.Pass {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []model.Pass
	for i := len(s.order) - 1; i >= 0; i-- {
		if p := s.passes[s.order[i]]; keep(p) {
			out = append(out, p)
		}
	}
	return out
}

// appendEvent records t; the caller holds mu.
func (s *Store) appendEvent(t model.Transition) {
	t.ID = uuid.Must(uuid.NewV4())
	s.events[t.PassID] = append(s.events[t.PassID], t)
}
