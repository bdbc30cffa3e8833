package lifecycle

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/hostel-outpass/internal/errs"
	"github.com/and161185/hostel-outpass/internal/model"
)

// DefaultLateWindow is how long a late re-issued departure credential stays
// valid.
const DefaultLateWindow = time.Hour

// MintFunc produces the credential payload for a pass generation.
type MintFunc func(passID uuid.UUID, generation int64) (string, error)

// Event is a lifecycle trigger together with the data it carries.
// Payload and Generation are only read for scans.
type Event struct {
	Kind       model.Event
	Actor      string
	Payload    string
	Generation int64
}

// Draft is a validated-shape submission before it becomes a Pass.
type Draft struct {
	ID           uuid.UUID
	StudentID    string
	Departure    time.Time
	Return       time.Time
	Reason       string
	StudentName  string
	StudentPhone string
	ParentPhone  string
}

// Machine applies the transition table. LateWindow bounds the re-armed
// departure window after a late re-issue.
type Machine struct {
	LateWindow time.Duration
}

var defaultMachine = Machine{LateWindow: DefaultLateWindow}

// Apply runs ev against p with the default late window.
func Apply(p model.Pass, ev Event, now time.Time, mint MintFunc) (model.Pass, error) {
	return defaultMachine.Apply(p, ev, now, mint)
}

// CanSubmit fails with errs.ErrActivePassExists if any of passes is live.
func CanSubmit(passes []model.Pass) error {
	for _, p := range passes {
		if p.Status.IsLive() {
			return fmt.Errorf("student %s holds pass %s (%s): %w", p.StudentID, p.ID, p.Status, errs.ErrActivePassExists)
		}
	}
	return nil
}

// Submit builds the pending pass for d. The generation 0 credential it mints
// is inert: pending passes accept no scans.
func Submit(d Draft, now time.Time, mint MintFunc) (model.Pass, error) {
	if d.ID == uuid.Nil || strings.TrimSpace(d.StudentID) == "" {
		return model.Pass{}, fmt.Errorf("pass id and student id required: %w", errs.ErrValidation)
	}
	if strings.TrimSpace(d.Reason) == "" {
		return model.Pass{}, fmt.Errorf("reason required: %w", errs.ErrValidation)
	}
	cat, err := Classify(d.Departure, d.Return)
	if err != nil {
		return model.Pass{}, err
	}
	cred, err := mintCredential(mint, d.ID, 0, now)
	if err != nil {
		return model.Pass{}, err
	}
	return model.Pass{
		ID:                 d.ID,
		StudentID:          d.StudentID,
		Category:           cat,
		ScheduledDeparture: d.Departure.UTC(),
		ScheduledReturn:    d.Return.UTC(),
		Reason:             d.Reason,
		StudentName:        d.StudentName,
		StudentPhone:       d.StudentPhone,
		ParentPhone:        d.ParentPhone,
		Status:             model.StatusPending,
		Credential:         cred,
		CreatedAt:          now,
		UpdatedAt:          now,
	}, nil
}

// Apply returns the pass that results from ev, or an error. p is never
// modified; on error the returned pass equals p.
func (m Machine) Apply(p model.Pass, ev Event, now time.Time, mint MintFunc) (model.Pass, error) {
	if p.Status.IsTerminal() {
		return p, illegal(p.Status, ev.Kind)
	}
	next := p
	next.UpdatedAt = now
	at := now

	switch ev.Kind {
	case model.EventApprove:
		if p.Status != model.StatusPending {
			return p, illegal(p.Status, ev.Kind)
		}
		cred, err := mintCredential(mint, p.ID, p.Credential.Generation+1, now)
		if err != nil {
			return p, err
		}
		next.Status = model.StatusApproved
		next.Credential = cred
		next.DecidedBy, next.DecidedAt = ev.Actor, &at

	case model.EventReject:
		if p.Status != model.StatusPending {
			return p, illegal(p.Status, ev.Kind)
		}
		next.Status = model.StatusRejected
		next.DecidedBy, next.DecidedAt = ev.Actor, &at

	case model.EventScanOut:
		if err := checkPresented(p, ev); err != nil {
			return p, err
		}
		if p.Status != model.StatusApproved && p.Status != model.StatusOverdueDeparture {
			return p, illegal(p.Status, ev.Kind)
		}
		next.Status = model.StatusDeparted
		next.DepartedAt = &at

	case model.EventScanIn:
		if err := checkPresented(p, ev); err != nil {
			return p, err
		}
		if p.Status != model.StatusDeparted && p.Status != model.StatusOverdueReturn {
			return p, illegal(p.Status, ev.Kind)
		}
		if IsExpired(p, now) {
			return p, fmt.Errorf("return window closed, regenerate: %w", errs.ErrCredentialExpired)
		}
		next.Status = model.StatusReturned
		next.ReturnedAt = &at

	case model.EventRegenerate:
		if !IsExpired(p, now) {
			return p, fmt.Errorf("%s credential has not expired: %w", p.Status, errs.ErrIllegalTransition)
		}
		switch {
		case p.Status == model.StatusApproved && !p.LateDeparture:
			deadline := now.Add(m.lateWindow())
			next.LateDeparture = true
			next.ReissueDeadline = &deadline
		case p.Status == model.StatusApproved:
			next.Status = model.StatusOverdueDeparture
		case p.Status == model.StatusDeparted:
			next.Status = model.StatusOverdueReturn
		default:
			return p, illegal(p.Status, ev.Kind)
		}
		cred, err := mintCredential(mint, p.ID, p.Credential.Generation+1, now)
		if err != nil {
			return p, err
		}
		next.Credential = cred
		next.RegeneratedAt = &at

	default:
		return p, illegal(p.Status, ev.Kind)
	}
	return next, nil
}

func (m Machine) lateWindow() time.Duration {
	if m.LateWindow <= 0 {
		return DefaultLateWindow
	}
	return m.LateWindow
}

// IsCurrent reports whether generation and payload name the stored credential of p.
func IsCurrent(p model.Pass, generation int64, payload string) bool {
	return generation == p.Credential.Generation &&
		subtle.ConstantTimeCompare([]byte(payload), []byte(p.Credential.Payload)) == 1
}

// Scannable reports whether a gate would accept the current credential of p at now.
// Departure scans carry no time limit; a return scan past the boundary needs a re-issue.
func Scannable(p model.Pass, now time.Time) bool {
	switch p.Status {
	case model.StatusApproved, model.StatusOverdueDeparture:
		return true
	case model.StatusDeparted, model.StatusOverdueReturn:
		return !IsExpired(p, now)
	}
	return false
}

// checkPresented rejects any credential other than the current one.
func checkPresented(p model.Pass, ev Event) error {
	if !IsCurrent(p, ev.Generation, ev.Payload) {
		return fmt.Errorf("pass %s: presented generation %d, current %d: %w",
			p.ID, ev.Generation, p.Credential.Generation, errs.ErrStaleCredential)
	}
	return nil
}

func mintCredential(mint MintFunc, id uuid.UUID, gen int64, now time.Time) (model.Credential, error) {
	if mint == nil {
		return model.Credential{}, fmt.Errorf("no issuer: %w", errs.ErrIssuanceUnavailable)
	}
	payload, err := mint(id, gen)
	if err != nil {
		if !errors.Is(err, errs.ErrIssuanceUnavailable) {
			err = fmt.Errorf("%w: %v", errs.ErrIssuanceUnavailable, err)
		}
		return model.Credential{}, fmt.Errorf("mint generation %d: %w", gen, err)
	}
	return model.Credential{Payload: payload, Generation: gen, IssuedAt: now}, nil
}

func illegal(from model.Status, ev model.Event) error {
	return fmt.Errorf("%s from %s: %w", ev, from, errs.ErrIllegalTransition)
}
