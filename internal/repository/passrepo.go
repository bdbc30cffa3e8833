// Package repository defines storage interfaces implemented by concrete backends.
package repository

import (
	"context"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/hostel-outpass/internal/model"
)

// TransitionFunc computes the next state of a pass that the repository
// holds exclusively. Returning an error discards the change.
type TransitionFunc func(cur model.Pass) (model.Pass, error)

// PassRepository stores passes and their audit trail.
type PassRepository interface {
	// Create inserts a new pass. It fails with errs.ErrActivePassExists when
	// the student already holds a live pass; the check and the insert are atomic.
	Create(ctx context.Context, p model.Pass, actor string) error

	// Get loads a pass by ID.
	Get(ctx context.Context, id uuid.UUID) (model.Pass, error)

	// Transition locks the pass, runs fn and persists its result together
	// with an audit entry. A concurrent change of status or generation
	// surfaces as errs.ErrStaleCredential.
	Transition(ctx context.Context, id uuid.UUID, ev model.Event, actor string, fn TransitionFunc) (model.Pass, error)

	// ListByStudent returns the student's passes in the given statuses, newest first.
	ListByStudent(ctx context.Context, studentID string, statuses []model.Status) ([]model.Pass, error)

	// ListByStatus returns passes in the given statuses, newest first.
	ListByStatus(ctx context.Context, statuses []model.Status) ([]model.Pass, error)

	// CountApprovedSince counts the student's passes created at or after since
	// that were approved at some point.
	CountApprovedSince(ctx context.Context, studentID string, since time.Time) (int64, error)

	// Events returns the audit trail of a pass in order.
	Events(ctx context.Context, passID uuid.UUID) ([]model.Transition, error)

	// Stats counts passes per status and returns since dayStart.
	Stats(ctx context.Context, dayStart time.Time) (model.Stats, error)
}
