package service

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/and161185/hostel-outpass/internal/auth"
	"github.com/and161185/hostel-outpass/internal/clock"
	"github.com/and161185/hostel-outpass/internal/credential"
	"github.com/and161185/hostel-outpass/internal/errs"
	"github.com/and161185/hostel-outpass/internal/model"
	"github.com/and161185/hostel-outpass/internal/repository/memory"
)

var t0 = time.Date(2025, 9, 15, 18, 0, 0, 0, time.UTC)

type harness struct {
	svc   *PassServiceImpl
	repo  *memory.Store
	clock *clock.FakeClock
	iss   *credential.Issuer
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	iss, err := credential.NewIssuer(bytes.Repeat([]byte{1}, credential.SecretLen), nil)
	if err != nil {
		t.Fatalf("NewIssuer: %v", err)
	}
	repo := memory.New()
	clk := clock.Fake(t0.Add(-6 * time.Hour))
	return &harness{
		svc:   NewPassService(repo, iss, clk, nil, zaptest.NewLogger(t), opts),
		repo:  repo,
		clock: clk,
		iss:   iss,
	}
}

func gateCtx() context.Context {
	return auth.WithPrincipal(context.Background(), auth.Principal{Subject: "gate-north", Role: auth.RoleGate, Source: "10.1.1.1:4000"})
}

func (h *harness) submit(t *testing.T, student string, dep, ret time.Time) model.Pass {
	t.Helper()
	p, err := h.svc.Submit(context.Background(), SubmitRequest{StudentID: student, Departure: dep, Return: ret, Reason: "family"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	return p
}

func TestScenarioA_OnTimeRoundTrip(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Options{})
	ctx := context.Background()

	p := h.submit(t, "stu-a", t0, t0.Add(2*time.Hour))
	if p.Category != model.CategoryShortLeave || p.Status != model.StatusPending {
		t.Fatalf("submit: %s %s", p.Category, p.Status)
	}

	p, err := h.svc.Approve(ctx, p.ID, "warden")
	if err != nil || p.Status != model.StatusApproved || p.Credential.Generation != 1 {
		t.Fatalf("approve: %+v %v", p.Status, err)
	}

	h.clock.Set(t0.Add(-10 * time.Minute))
	p, err = h.svc.ScanOut(gateCtx(), p.Credential.Payload)
	if err != nil || p.Status != model.StatusDeparted {
		t.Fatalf("scan-out: %s %v", p.Status, err)
	}

	h.clock.Set(t0.Add(90 * time.Minute))
	p, err = h.svc.ScanIn(gateCtx(), p.Credential.Payload)
	if err != nil || p.Status != model.StatusReturned {
		t.Fatalf("scan-in: %s %v", p.Status, err)
	}

	if _, err := h.svc.ScanIn(gateCtx(), p.Credential.Payload); !errors.Is(err, errs.ErrIllegalTransition) {
		t.Fatalf("scan after return: want ErrIllegalTransition, got %v", err)
	}
	if _, err := h.svc.ScanOut(gateCtx(), p.Credential.Payload); !errors.Is(err, errs.ErrIllegalTransition) {
		t.Fatalf("scan-out after return: want ErrIllegalTransition, got %v", err)
	}

	evs, err := h.svc.Events(ctx, p.ID)
	if err != nil || len(evs) != 4 {
		t.Fatalf("events: %d %v", len(evs), err)
	}
	if ok, _ := h.svc.CanSubmit(ctx, "stu-a"); !ok {
		t.Fatalf("returned pass must not block a new submission")
	}
}

func TestScenarioB_LateDepartureReissue(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Options{LateWindow: time.Hour})
	ctx := context.Background()

	p := h.submit(t, "stu-b", t0, t0.Add(48*time.Hour))
	if p.Category != model.CategoryExtendedLeave {
		t.Fatalf("category %s", p.Category)
	}
	p, err := h.svc.Approve(ctx, p.ID, "warden")
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	old := p.Credential.Payload

	h.clock.Set(t0.Add(time.Hour))
	v, err := h.svc.Verify(ctx, old)
	if err != nil || !v.Expired || !v.Scannable {
		t.Fatalf("past departure: %+v %v", v, err)
	}

	p, err = h.svc.Regenerate(ctx, p.ID, "stu-b")
	if err != nil {
		t.Fatalf("regenerate: %v", err)
	}
	if p.Credential.Generation != 2 || p.Status != model.StatusApproved || !p.LateDeparture {
		t.Fatalf("after regenerate: %s gen %d late %v", p.Status, p.Credential.Generation, p.LateDeparture)
	}

	if _, err := h.svc.ScanOut(gateCtx(), old); !errors.Is(err, errs.ErrStaleCredential) {
		t.Fatalf("old credential: want ErrStaleCredential, got %v", err)
	}
	p, err = h.svc.ScanOut(gateCtx(), p.Credential.Payload)
	if err != nil || p.Status != model.StatusDeparted {
		t.Fatalf("late scan-out: %s %v", p.Status, err)
	}
}

func TestScenarioC_ConcurrentSubmitsOneWins(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Options{})

	const n = 20
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		ok   int
		dup  int
		gate = make(chan struct{})
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-gate
			_, err := h.svc.Submit(context.Background(), SubmitRequest{
				StudentID: "stu-c", Departure: t0, Return: t0.Add(time.Hour), Reason: "errand",
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, errs.ErrActivePassExists):
				dup++
			default:
				t.Errorf("unexpected: %v", err)
			}
		}()
	}
	close(gate)
	wg.Wait()
	if ok != 1 || dup != n-1 {
		t.Fatalf("ok=%d dup=%d", ok, dup)
	}
}

func TestSubmit_GuardLeavesFirstPassUntouched(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Options{})
	ctx := context.Background()

	first := h.submit(t, "stu-d", t0, t0.Add(time.Hour))
	_, err := h.svc.Submit(ctx, SubmitRequest{StudentID: "stu-d", Departure: t0.Add(24 * time.Hour), Return: t0.Add(25 * time.Hour), Reason: "x"})
	if !errors.Is(err, errs.ErrActivePassExists) {
		t.Fatalf("want ErrActivePassExists, got %v", err)
	}
	got, _ := h.svc.Get(ctx, first.ID)
	if got.Status != model.StatusPending || got.Credential != first.Credential {
		t.Fatalf("first pass changed")
	}
	if ok, _ := h.svc.CanSubmit(ctx, "stu-d"); ok {
		t.Fatalf("CanSubmit must be false with a live pass")
	}
}

func TestSubmit_Validation(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Options{})
	ctx := context.Background()

	cases := []struct {
		name string
		req  SubmitRequest
		want error
	}{
		{"no student", SubmitRequest{Departure: t0, Return: t0.Add(time.Hour), Reason: "r"}, errs.ErrValidation},
		{"no reason", SubmitRequest{StudentID: "s", Departure: t0, Return: t0.Add(time.Hour)}, errs.ErrValidation},
		{"inverted", SubmitRequest{StudentID: "s", Departure: t0, Return: t0.Add(-time.Hour), Reason: "r"}, errs.ErrInvalidInterval},
	}
	for _, tc := range cases {
		if _, err := h.svc.Submit(ctx, tc.req); !errors.Is(err, tc.want) {
			t.Errorf("%s: want %v, got %v", tc.name, tc.want, err)
		}
	}
}

func TestSubmit_MonthlyQuota(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Options{MonthlyQuota: 2})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		p := h.submit(t, "stu-q", t0, t0.Add(time.Hour))
		if _, err := h.svc.Approve(ctx, p.ID, "warden"); err != nil {
			t.Fatalf("approve: %v", err)
		}
		h.clock.Set(t0.Add(-time.Minute))
		if _, err := h.svc.ScanOut(gateCtx(), mustGet(t, h, p.ID).Credential.Payload); err != nil {
			t.Fatalf("scan-out: %v", err)
		}
		if _, err := h.svc.ScanIn(gateCtx(), mustGet(t, h, p.ID).Credential.Payload); err != nil {
			t.Fatalf("scan-in: %v", err)
		}
	}

	_, err := h.svc.Submit(ctx, SubmitRequest{StudentID: "stu-q", Departure: t0, Return: t0.Add(time.Hour), Reason: "third"})
	if !errors.Is(err, errs.ErrQuotaExceeded) {
		t.Fatalf("want ErrQuotaExceeded, got %v", err)
	}

	// Rejections do not consume the quota.
	h2 := newHarness(t, Options{MonthlyQuota: 1})
	p := h2.submit(t, "stu-r", t0, t0.Add(time.Hour))
	if _, err := h2.svc.Reject(ctx, p.ID, "warden"); err != nil {
		t.Fatalf("reject: %v", err)
	}
	h2.submit(t, "stu-r", t0, t0.Add(time.Hour))
}

func mustGet(t *testing.T, h *harness, id uuid.UUID) model.Pass {
	t.Helper()
	p, err := h.svc.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	return p
}

func TestRegenerate_OwnershipAndTiming(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Options{})
	ctx := context.Background()

	p := h.submit(t, "stu-e", t0, t0.Add(3*time.Hour))
	p, _ = h.svc.Approve(ctx, p.ID, "warden")

	if _, err := h.svc.Regenerate(ctx, p.ID, "stu-e"); !errors.Is(err, errs.ErrIllegalTransition) {
		t.Fatalf("not expired: want ErrIllegalTransition, got %v", err)
	}
	h.clock.Set(t0.Add(time.Minute))
	if _, err := h.svc.Regenerate(ctx, p.ID, "intruder"); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("non-owner: want ErrNotFound, got %v", err)
	}
	if got := mustGet(t, h, p.ID); got.Credential.Generation != 1 {
		t.Fatalf("failed regenerate mutated generation: %d", got.Credential.Generation)
	}
	if _, err := h.svc.Regenerate(ctx, uuid.Must(uuid.NewV4()), "stu-e"); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("unknown pass: %v", err)
	}
}

func TestDecide_IllegalAndValidation(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Options{})
	ctx := context.Background()

	p := h.submit(t, "stu-f", t0, t0.Add(time.Hour))
	if _, err := h.svc.Reject(ctx, p.ID, "warden"); err != nil {
		t.Fatalf("reject: %v", err)
	}
	if _, err := h.svc.Approve(ctx, p.ID, "warden"); !errors.Is(err, errs.ErrIllegalTransition) {
		t.Fatalf("approve rejected: want ErrIllegalTransition, got %v", err)
	}
	if _, err := h.svc.Approve(ctx, p.ID, " "); !errors.Is(err, errs.ErrValidation) {
		t.Fatalf("empty admin: %v", err)
	}
	if _, err := h.svc.Approve(ctx, uuid.Nil, "warden"); !errors.Is(err, errs.ErrValidation) {
		t.Fatalf("nil id: %v", err)
	}
}

func TestScan_UnknownCredential(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Options{})
	if _, err := h.svc.ScanOut(gateCtx(), "OP1.definitely-not-ours"); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
	forged, _ := h.iss.Mint(uuid.Must(uuid.NewV4()), 1)
	if _, err := h.svc.ScanOut(gateCtx(), forged); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("unknown pass: want ErrNotFound, got %v", err)
	}
}

func TestScan_StaleIsLoggedWithFingerprintOnly(t *testing.T) {
	t.Parallel()
	core, logs := observer.New(zapcore.WarnLevel)
	h := newHarness(t, Options{})
	h.svc.log = zap.New(core)
	ctx := context.Background()

	p := h.submit(t, "stu-g", t0, t0.Add(time.Hour))
	p, _ = h.svc.Approve(ctx, p.ID, "warden")
	stale := p.Credential.Payload
	h.clock.Set(t0.Add(time.Minute))
	if _, err := h.svc.Regenerate(ctx, p.ID, "stu-g"); err != nil {
		t.Fatalf("regenerate: %v", err)
	}
	before := mustGet(t, h, p.ID)

	if _, err := h.svc.ScanOut(gateCtx(), stale); !errors.Is(err, errs.ErrStaleCredential) {
		t.Fatalf("want ErrStaleCredential, got %v", err)
	}
	if after := mustGet(t, h, p.ID); after.Status != before.Status || after.Credential != before.Credential {
		t.Fatalf("stale scan mutated pass")
	}

	entries := logs.FilterMessage("credential rejected").All()
	if len(entries) != 1 {
		t.Fatalf("want one warn entry, got %d", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["credential"] != credential.Fingerprint(stale) || fields["gate"] != "gate-north" {
		t.Fatalf("fields: %v", fields)
	}
	for _, e := range logs.All() {
		for _, v := range e.ContextMap() {
			if s, ok := v.(string); ok && strings.Contains(s, stale) {
				t.Fatalf("raw payload leaked into logs")
			}
		}
	}
}

type countingLimiter struct {
	mu       sync.Mutex
	fails    int
	max      int
	resets   int
	subjects []string
}

func (l *countingLimiter) Allow(_ context.Context, subject string, _ []byte) (bool, time.Duration, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.subjects = append(l.subjects, subject)
	if l.fails >= l.max {
		return false, time.Minute, nil
	}
	return true, 0, nil
}

func (l *countingLimiter) Success(context.Context, string, []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.fails, l.resets = 0, l.resets+1
	return nil
}

func (l *countingLimiter) Failure(context.Context, string, []byte) (bool, time.Duration, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.fails++
	return l.fails >= l.max, time.Minute, nil
}

func TestScan_LockoutAfterRepeatedRejections(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Options{})
	lim := &countingLimiter{max: 3}
	h.svc.lim = lim

	for i := 0; i < 3; i++ {
		if _, err := h.svc.ScanOut(gateCtx(), "OP1.junk"); !errors.Is(err, errs.ErrNotFound) {
			t.Fatalf("attempt %d: %v", i, err)
		}
	}
	if _, err := h.svc.ScanOut(gateCtx(), "OP1.junk"); !errors.Is(err, errs.ErrRateLimited) {
		t.Fatalf("want ErrRateLimited, got %v", err)
	}
	if lim.subjects[0] != "gate-north" {
		t.Fatalf("limiter keyed by %q", lim.subjects[0])
	}
}

func TestScan_SuccessResetsLimiter(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Options{})
	lim := &countingLimiter{max: 5}
	h.svc.lim = lim
	ctx := context.Background()

	p := h.submit(t, "stu-h", t0, t0.Add(time.Hour))
	p, _ = h.svc.Approve(ctx, p.ID, "warden")
	_, _ = h.svc.ScanOut(gateCtx(), "OP1.junk")
	if _, err := h.svc.ScanOut(gateCtx(), p.Credential.Payload); err != nil {
		t.Fatalf("scan-out: %v", err)
	}
	if lim.fails != 0 || lim.resets != 1 {
		t.Fatalf("fails=%d resets=%d", lim.fails, lim.resets)
	}
}

func TestVerify(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Options{})
	ctx := context.Background()

	p := h.submit(t, "stu-v", t0, t0.Add(time.Hour))
	v, err := h.svc.Verify(ctx, p.Credential.Payload)
	if err != nil || !v.Current || v.Scannable {
		t.Fatalf("pending: %+v %v", v, err)
	}

	p, _ = h.svc.Approve(ctx, p.ID, "warden")
	v, _ = h.svc.Verify(ctx, p.Credential.Payload)
	if !v.Current || v.Expired || !v.Scannable {
		t.Fatalf("approved: %+v", v)
	}

	h.clock.Set(t0.Add(time.Minute))
	v, _ = h.svc.Verify(ctx, p.Credential.Payload)
	if !v.Expired || !v.Scannable {
		t.Fatalf("past departure: %+v", v)
	}
	old := p.Credential.Payload
	if _, err := h.svc.Regenerate(ctx, p.ID, "stu-v"); err != nil {
		t.Fatalf("regenerate: %v", err)
	}
	v, _ = h.svc.Verify(ctx, old)
	if v.Current || v.Scannable {
		t.Fatalf("stale: %+v", v)
	}
	p, _ = h.svc.Get(ctx, p.ID)
	if p, err = h.svc.ScanOut(gateCtx(), p.Credential.Payload); err != nil {
		t.Fatalf("scan-out: %v", err)
	}
	h.clock.Set(t0.Add(2 * time.Hour))
	v, _ = h.svc.Verify(ctx, p.Credential.Payload)
	if !v.Current || !v.Expired || v.Scannable {
		t.Fatalf("past return: %+v", v)
	}
	if _, err := h.svc.Verify(ctx, "garbage"); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("garbage: %v", err)
	}
}

func TestListsAndStats(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Options{})
	ctx := context.Background()

	a := h.submit(t, "stu-1", t0, t0.Add(time.Hour))
	b := h.submit(t, "stu-2", t0, t0.Add(time.Hour))
	c := h.submit(t, "stu-3", t0, t0.Add(time.Hour))
	_, _ = h.svc.Approve(ctx, a.ID, "warden")
	_, _ = h.svc.Reject(ctx, b.ID, "warden")

	pending, _ := h.svc.ListPending(ctx)
	if len(pending) != 1 || pending[0].ID != c.ID {
		t.Fatalf("pending: %+v", pending)
	}
	active, _ := h.svc.ListActive(ctx)
	if len(active) != 1 || active[0].Pass.ID != a.ID || active[0].Late {
		t.Fatalf("active: %+v", active)
	}
	h.clock.Set(t0.Add(time.Minute))
	active, _ = h.svc.ListActive(ctx)
	if !active[0].Late {
		t.Fatalf("approved pass past departure must be late")
	}

	hist, _ := h.svc.ListHistory(ctx, "stu-2")
	if len(hist) != 1 || hist[0].Status != model.StatusRejected {
		t.Fatalf("history: %+v", hist)
	}
	cur, _ := h.svc.ListCurrent(ctx, "stu-1")
	if len(cur) != 1 {
		t.Fatalf("current: %+v", cur)
	}
	if _, err := h.svc.ListCurrent(ctx, ""); !errors.Is(err, errs.ErrValidation) {
		t.Fatalf("empty student: %v", err)
	}

	st, err := h.svc.Stats(ctx, time.Time{})
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if st.ByStatus[model.StatusApproved] != 1 || st.ByStatus[model.StatusRejected] != 1 || st.ByStatus[model.StatusPending] != 1 {
		t.Fatalf("stats: %+v", st.ByStatus)
	}
}

type brokenIssuer struct{ *credential.Issuer }

func (brokenIssuer) Mint(uuid.UUID, int64) (string, error) {
	return "", errs.ErrIssuanceUnavailable
}

func TestApprove_IssuanceFailureLeavesPending(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Options{})
	ctx := context.Background()
	p := h.submit(t, "stu-i", t0, t0.Add(time.Hour))

	h.svc.issuer = brokenIssuer{h.iss}
	if _, err := h.svc.Approve(ctx, p.ID, "warden"); !errors.Is(err, errs.ErrIssuanceUnavailable) {
		t.Fatalf("want ErrIssuanceUnavailable, got %v", err)
	}
	got := mustGet(t, h, p.ID)
	if got.Status != model.StatusPending || got.Credential != p.Credential || got.DecidedAt != nil {
		t.Fatalf("pass mutated: %+v", got)
	}
}
