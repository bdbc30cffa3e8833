// Package service contains the pass lifecycle application service.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/and161185/hostel-outpass/internal/auth"
	"github.com/and161185/hostel-outpass/internal/clock"
	"github.com/and161185/hostel-outpass/internal/credential"
	"github.com/and161185/hostel-outpass/internal/errs"
	"github.com/and161185/hostel-outpass/internal/lifecycle"
	"github.com/and161185/hostel-outpass/internal/limiter"
	"github.com/and161185/hostel-outpass/internal/model"
	"github.com/and161185/hostel-outpass/internal/repository"
)

// DefaultMonthlyQuota is the number of approved passes a student may use per calendar month.
const DefaultMonthlyQuota = 6

// activeStatuses are shown on the security dashboard.
var activeStatuses = []model.Status{
	model.StatusApproved,
	model.StatusDeparted,
	model.StatusOverdueDeparture,
	model.StatusOverdueReturn,
}

// SubmitRequest is a student's leave request.
type SubmitRequest struct {
	StudentID    string
	Departure    time.Time
	Return       time.Time
	Reason       string
	StudentName  string
	StudentPhone string
	ParentPhone  string
}

// Verification is the read-only outcome of inspecting a credential.
type Verification struct {
	Pass      model.Pass
	Current   bool // presented credential is the pass's current one
	Expired   bool // the boundary it waits for has lapsed
	Scannable bool // a gate scan would be accepted now
}

// ActivePass is a dashboard row.
type ActivePass struct {
	Pass model.Pass
	Late bool // boundary lapsed or already overdue
}

// Issuer mints and opens credentials.
type Issuer interface {
	Mint(passID uuid.UUID, generation int64) (string, error)
	Parse(payload string) (credential.Claims, error)
}

// PassService defines the pass lifecycle operations.
type PassService interface {
	// Submit creates a pending pass for the student.
	Submit(ctx context.Context, req SubmitRequest) (model.Pass, error)
	// Approve moves a pending pass to approved and issues its first active credential.
	Approve(ctx context.Context, passID uuid.UUID, adminID string) (model.Pass, error)
	// Reject moves a pending pass to rejected.
	Reject(ctx context.Context, passID uuid.UUID, adminID string) (model.Pass, error)
	// ScanOut records a departure for the presented credential.
	ScanOut(ctx context.Context, payload string) (model.Pass, error)
	// ScanIn records a return for the presented credential.
	ScanIn(ctx context.Context, payload string) (model.Pass, error)
	// Regenerate re-issues an expired credential for the owning student.
	Regenerate(ctx context.Context, passID uuid.UUID, studentID string) (model.Pass, error)
	// Get returns a pass by ID.
	Get(ctx context.Context, passID uuid.UUID) (model.Pass, error)
	// Events returns the audit trail of a pass.
	Events(ctx context.Context, passID uuid.UUID) ([]model.Transition, error)
	// Verify inspects a credential without changing anything.
	Verify(ctx context.Context, payload string) (Verification, error)
	// CanSubmit reports whether the student holds no live pass.
	CanSubmit(ctx context.Context, studentID string) (bool, error)
	// ListCurrent returns the student's live passes.
	ListCurrent(ctx context.Context, studentID string) ([]model.Pass, error)
	// ListHistory returns the student's finished passes.
	ListHistory(ctx context.Context, studentID string) ([]model.Pass, error)
	// ListPending returns passes awaiting a decision.
	ListPending(ctx context.Context) ([]model.Pass, error)
	// ListActive returns approved, departed and overdue passes.
	ListActive(ctx context.Context) ([]ActivePass, error)
	// Stats counts passes per status and returns since dayStart.
	Stats(ctx context.Context, dayStart time.Time) (model.Stats, error)
}

// Options tune the lifecycle policy.
type Options struct {
	LateWindow   time.Duration
	MonthlyQuota int // 0 disables the quota
}

type PassServiceImpl struct {
	repo    repository.PassRepository
	issuer  Issuer
	clock   clock.Clock
	lim     limiter.Limiter
	log     *zap.Logger
	machine lifecycle.Machine
	quota   int
}

// NewPassService constructs PassService with required dependencies.
// A nil limiter disables scan lockouts.
func NewPassService(
	repo repository.PassRepository, issuer Issuer, clk clock.Clock, lim limiter.Limiter, log *zap.Logger, opts Options,
) *PassServiceImpl {
	if lim == nil {
		lim = limiter.Nop{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	if opts.MonthlyQuota < 0 {
		opts.MonthlyQuota = 0
	}
	return &PassServiceImpl{
		repo:    repo,
		issuer:  issuer,
		clock:   clk,
		lim:     lim,
		log:     log,
		machine: lifecycle.Machine{LateWindow: opts.LateWindow},
		quota:   opts.MonthlyQuota,
	}
}

// Submit validates the request, enforces the monthly quota and stores the
// pending pass. The live-pass guard is re-checked atomically by the repository.
func (s *PassServiceImpl) Submit(ctx context.Context, req SubmitRequest) (model.Pass, error) {
	studentID := strings.TrimSpace(req.StudentID)
	if studentID == "" {
		return model.Pass{}, fmt.Errorf("empty student id: %w", errs.ErrValidation)
	}
	live, err := s.repo.ListByStudent(ctx, studentID, model.LiveStatuses)
	if err != nil {
		return model.Pass{}, err
	}
	if err := lifecycle.CanSubmit(live); err != nil {
		return model.Pass{}, err
	}

	now := s.clock.Now()
	if s.quota > 0 {
		n, err := s.repo.CountApprovedSince(ctx, studentID, monthStart(now))
		if err != nil {
			return model.Pass{}, err
		}
		if n >= int64(s.quota) {
			return model.Pass{}, fmt.Errorf("%d of %d passes used this month: %w", n, s.quota, errs.ErrQuotaExceeded)
		}
	}

	id, err := uuid.NewV4()
	if err != nil {
		return model.Pass{}, err
	}
	p, err := lifecycle.Submit(lifecycle.Draft{
		ID:           id,
		StudentID:    studentID,
		Departure:    req.Departure,
		Return:       req.Return,
		Reason:       strings.TrimSpace(req.Reason),
		StudentName:  strings.TrimSpace(req.StudentName),
		StudentPhone: strings.TrimSpace(req.StudentPhone),
		ParentPhone:  strings.TrimSpace(req.ParentPhone),
	}, now, s.issuer.Mint)
	if err != nil {
		return model.Pass{}, err
	}
	if err := s.repo.Create(ctx, p, studentID); err != nil {
		return model.Pass{}, err
	}
	s.log.Info("pass submitted",
		zap.Stringer("pass_id", p.ID),
		zap.String("student_id", studentID),
		zap.String("category", string(p.Category)),
	)
	return p, nil
}

// Approve decides a pending pass.
func (s *PassServiceImpl) Approve(ctx context.Context, passID uuid.UUID, adminID string) (model.Pass, error) {
	return s.decide(ctx, passID, adminID, model.EventApprove)
}

// Reject decides a pending pass.
func (s *PassServiceImpl) Reject(ctx context.Context, passID uuid.UUID, adminID string) (model.Pass, error) {
	return s.decide(ctx, passID, adminID, model.EventReject)
}

func (s *PassServiceImpl) decide(ctx context.Context, passID uuid.UUID, adminID string, ev model.Event) (model.Pass, error) {
	if passID == uuid.Nil || strings.TrimSpace(adminID) == "" {
		return model.Pass{}, fmt.Errorf("empty pass id/admin id: %w", errs.ErrValidation)
	}
	return s.transition(ctx, passID, lifecycle.Event{Kind: ev, Actor: adminID}, nil)
}

// Regenerate re-issues the credential of an expired pass. Passes owned by
// someone else are reported as not found.
func (s *PassServiceImpl) Regenerate(ctx context.Context, passID uuid.UUID, studentID string) (model.Pass, error) {
	if passID == uuid.Nil || strings.TrimSpace(studentID) == "" {
		return model.Pass{}, fmt.Errorf("empty pass id/student id: %w", errs.ErrValidation)
	}
	owner := func(cur model.Pass) error {
		if cur.StudentID != studentID {
			return fmt.Errorf("pass %s: %w", passID, errs.ErrNotFound)
		}
		return nil
	}
	return s.transition(ctx, passID, lifecycle.Event{Kind: model.EventRegenerate, Actor: studentID}, owner)
}

// ScanOut applies a gate departure scan.
func (s *PassServiceImpl) ScanOut(ctx context.Context, payload string) (model.Pass, error) {
	return s.scan(ctx, model.EventScanOut, payload)
}

// ScanIn applies a gate return scan.
func (s *PassServiceImpl) ScanIn(ctx context.Context, payload string) (model.Pass, error) {
	return s.scan(ctx, model.EventScanIn, payload)
}

func (s *PassServiceImpl) scan(ctx context.Context, kind model.Event, payload string) (model.Pass, error) {
	gate := gateFrom(ctx)
	src := limiter.HashSource(gate.Source)

	allowed, retry, err := s.lim.Allow(ctx, gate.Subject, src)
	if err != nil {
		return model.Pass{}, err
	}
	if !allowed {
		return model.Pass{}, fmt.Errorf("gate %s locked for %s: %w", gate.Subject, retry.Round(time.Second), errs.ErrRateLimited)
	}

	claims, err := s.issuer.Parse(payload)
	if err != nil {
		s.rejected(ctx, gate, src, kind, uuid.Nil, payload, err)
		return model.Pass{}, err
	}
	ev := lifecycle.Event{Kind: kind, Actor: gate.Subject, Payload: payload, Generation: claims.Generation}
	p, err := s.transition(ctx, claims.PassID, ev, nil)
	if err != nil {
		if errors.Is(err, errs.ErrStaleCredential) || errors.Is(err, errs.ErrNotFound) {
			s.rejected(ctx, gate, src, kind, claims.PassID, payload, err)
		}
		return model.Pass{}, err
	}
	// Best-effort reset; the scan itself already committed.
	if err := s.lim.Success(ctx, gate.Subject, src); err != nil {
		s.log.Warn("limiter reset failed", zap.String("gate", gate.Subject), zap.Error(err))
	}
	return p, nil
}

// transition runs the state machine under the repository's per-pass lock.
func (s *PassServiceImpl) transition(
	ctx context.Context, passID uuid.UUID, ev lifecycle.Event, check func(model.Pass) error,
) (model.Pass, error) {
	var from model.Status
	next, err := s.repo.Transition(ctx, passID, ev.Kind, ev.Actor, func(cur model.Pass) (model.Pass, error) {
		if check != nil {
			if err := check(cur); err != nil {
				return model.Pass{}, err
			}
		}
		from = cur.Status
		return s.machine.Apply(cur, ev, s.clock.Now(), s.issuer.Mint)
	})
	if err != nil {
		return model.Pass{}, err
	}
	s.log.Info("pass transition",
		zap.Stringer("pass_id", passID),
		zap.String("event", string(ev.Kind)),
		zap.String("from", string(from)),
		zap.String("to", string(next.Status)),
		zap.Int64("generation", next.Credential.Generation),
		zap.String("actor", ev.Actor),
	)
	return next, nil
}

// rejected logs a refused credential and counts it against the gate.
func (s *PassServiceImpl) rejected(
	ctx context.Context, gate auth.Principal, src []byte, kind model.Event, passID uuid.UUID, payload string, cause error,
) {
	fields := []zap.Field{
		zap.String("event", string(kind)),
		zap.String("gate", gate.Subject),
		zap.String("credential", credential.Fingerprint(payload)),
		zap.Error(cause),
	}
	if passID != uuid.Nil {
		fields = append(fields, zap.Stringer("pass_id", passID))
	}
	s.log.Warn("credential rejected", fields...)

	blocked, dur, err := s.lim.Failure(ctx, gate.Subject, src)
	if err != nil {
		s.log.Warn("limiter failure not recorded", zap.String("gate", gate.Subject), zap.Error(err))
		return
	}
	if blocked {
		s.log.Warn("gate locked out", zap.String("gate", gate.Subject), zap.Duration("for", dur))
	}
}

// Get returns a pass by ID.
func (s *PassServiceImpl) Get(ctx context.Context, passID uuid.UUID) (model.Pass, error) {
	if passID == uuid.Nil {
		return model.Pass{}, fmt.Errorf("empty pass id: %w", errs.ErrValidation)
	}
	return s.repo.Get(ctx, passID)
}

// Events returns the audit trail of an existing pass.
func (s *PassServiceImpl) Events(ctx context.Context, passID uuid.UUID) ([]model.Transition, error) {
	if _, err := s.Get(ctx, passID); err != nil {
		return nil, err
	}
	return s.repo.Events(ctx, passID)
}

// Verify resolves a credential and reports whether a gate would accept it now.
func (s *PassServiceImpl) Verify(ctx context.Context, payload string) (Verification, error) {
	claims, err := s.issuer.Parse(payload)
	if err != nil {
		return Verification{}, err
	}
	p, err := s.repo.Get(ctx, claims.PassID)
	if err != nil {
		return Verification{}, err
	}
	now := s.clock.Now()
	v := Verification{
		Pass:    p,
		Current: lifecycle.IsCurrent(p, claims.Generation, payload),
		Expired: lifecycle.IsExpired(p, now),
	}
	v.Scannable = v.Current && lifecycle.Scannable(p, now)
	if !v.Current {
		s.log.Warn("stale credential verified",
			zap.Stringer("pass_id", p.ID),
			zap.String("credential", credential.Fingerprint(payload)),
			zap.Int64("presented", claims.Generation),
			zap.Int64("current", p.Credential.Generation),
		)
	}
	return v, nil
}

// CanSubmit reports whether studentID holds no live pass.
func (s *PassServiceImpl) CanSubmit(ctx context.Context, studentID string) (bool, error) {
	live, err := s.ListCurrent(ctx, studentID)
	if err != nil {
		return false, err
	}
	return lifecycle.CanSubmit(live) == nil, nil
}

// ListCurrent returns the student's live passes.
func (s *PassServiceImpl) ListCurrent(ctx context.Context, studentID string) ([]model.Pass, error) {
	if strings.TrimSpace(studentID) == "" {
		return nil, fmt.Errorf("empty student id: %w", errs.ErrValidation)
	}
	return s.repo.ListByStudent(ctx, studentID, model.LiveStatuses)
}

// ListHistory returns the student's rejected and returned passes.
func (s *PassServiceImpl) ListHistory(ctx context.Context, studentID string) ([]model.Pass, error) {
	if strings.TrimSpace(studentID) == "" {
		return nil, fmt.Errorf("empty student id: %w", errs.ErrValidation)
	}
	return s.repo.ListByStudent(ctx, studentID, model.TerminalStatuses)
}

// ListPending returns passes awaiting an administrator.
func (s *PassServiceImpl) ListPending(ctx context.Context) ([]model.Pass, error) {
	return s.repo.ListByStatus(ctx, []model.Status{model.StatusPending})
}

// ListActive returns passes the gate may still see, flagging late ones.
func (s *PassServiceImpl) ListActive(ctx context.Context) ([]ActivePass, error) {
	ps, err := s.repo.ListByStatus(ctx, activeStatuses)
	if err != nil {
		return nil, err
	}
	now := s.clock.Now()
	out := make([]ActivePass, 0, len(ps))
	for _, p := range ps {
		late := lifecycle.IsExpired(p, now) ||
			p.Status == model.StatusOverdueDeparture || p.Status == model.StatusOverdueReturn
		out = append(out, ActivePass{Pass: p, Late: late})
	}
	return out, nil
}

// Stats returns dashboard counters.
func (s *PassServiceImpl) Stats(ctx context.Context, dayStart time.Time) (model.Stats, error) {
	if dayStart.IsZero() {
		now := s.clock.Now()
		dayStart = time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	}
	return s.repo.Stats(ctx, dayStart)
}

func monthStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// gateFrom returns the calling gate, or an anonymous one for in-process callers.
func gateFrom(ctx context.Context) auth.Principal {
	if p, ok := auth.FromContext(ctx); ok {
		return p
	}
	return auth.Principal{Subject: "gate", Role: auth.RoleGate}
}
