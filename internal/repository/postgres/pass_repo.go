package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"

	"github.com/and161185/hostel-outpass/internal/errs"
	"github.com/and161185/hostel-outpass/internal/model"
	"github.com/and161185/hostel-outpass/internal/repository"
)

// liveIndex is the partial unique index enforcing one live pass per student.
const liveIndex = "passes_one_live_per_student"

const passColumns = `id, student_id, category, scheduled_departure, scheduled_return, reason,
student_name, student_phone, parent_phone, status, credential, generation, credential_issued_at,
late_departure, reissue_deadline, regenerated_at, decided_by, decided_at, departed_at, returned_at,
created_at, updated_at`

// PassRepo implements PassRepository using PostgreSQL.
type PassRepo struct{ db *DB }

var _ repository.PassRepository = (*PassRepo)(nil)

// NewPassRepo constructs a pass repository.
func NewPassRepo(db *DB) *PassRepo { return &PassRepo{db: db} }

// Create inserts the pass and its submit event in one transaction.
func (r *PassRepo) Create(ctx context.Context, p model.Pass, actor string) (err error) {
	tx, err := r.db.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
			return
		}
		if e := tx.Commit(ctx); e != nil {
			err = e
		}
	}()

	const ins = `
INSERT INTO passes (` + passColumns + `)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22)`
	_, err = tx.Exec(ctx, ins,
		p.ID, p.StudentID, string(p.Category), p.ScheduledDeparture, p.ScheduledReturn, p.Reason,
		p.StudentName, p.StudentPhone, p.ParentPhone, string(p.Status), p.Credential.Payload,
		p.Credential.Generation, p.Credential.IssuedAt, p.LateDeparture, p.ReissueDeadline,
		p.RegeneratedAt, p.DecidedBy, p.DecidedAt, p.DepartedAt, p.ReturnedAt, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		if name, ok := uniqueViolation(err); ok && name == liveIndex {
			return fmt.Errorf("student %s: %w", p.StudentID, errs.ErrActivePassExists)
		}
		return err
	}
	return insertEvent(ctx, tx, model.Transition{
		PassID: p.ID, Event: model.EventSubmit, To: p.Status,
		Generation: p.Credential.Generation, Actor: actor, At: p.CreatedAt,
	})
}

// Get loads a single pass.
func (r *PassRepo) Get(ctx context.Context, id uuid.UUID) (model.Pass, error) {
	p, err := scanPass(r.db.Pool.QueryRow(ctx, `SELECT `+passColumns+` FROM passes WHERE id=$1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Pass{}, fmt.Errorf("pass %s: %w", id, errs.ErrNotFound)
	}
	return p, err
}

// Transition locks the row, applies fn and writes the result guarded by the
// previous status and generation.
func (r *PassRepo) Transition(
	ctx context.Context, id uuid.UUID, ev model.Event, actor string, fn repository.TransitionFunc,
) (next model.Pass, err error) {
	tx, err := r.db.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return model.Pass{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
			return
		}
		if e := tx.Commit(ctx); e != nil {
			err = e
		}
	}()

	cur, err := scanPass(tx.QueryRow(ctx, `SELECT `+passColumns+` FROM passes WHERE id=$1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Pass{}, fmt.Errorf("pass %s: %w", id, errs.ErrNotFound)
		}
		return model.Pass{}, err
	}
	if next, err = fn(cur); err != nil {
		return model.Pass{}, err
	}

	const upd = `
UPDATE passes SET status=$2, credential=$3, generation=$4, credential_issued_at=$5,
late_departure=$6, reissue_deadline=$7, regenerated_at=$8, decided_by=$9, decided_at=$10,
departed_at=$11, returned_at=$12, updated_at=$13
WHERE id=$1 AND generation=$14 AND status=$15`
	tag, err := tx.Exec(ctx, upd,
		id, string(next.Status), next.Credential.Payload, next.Credential.Generation,
		next.Credential.IssuedAt, next.LateDeparture, next.ReissueDeadline, next.RegeneratedAt,
		next.DecidedBy, next.DecidedAt, next.DepartedAt, next.ReturnedAt, next.UpdatedAt,
		cur.Credential.Generation, string(cur.Status),
	)
	if err != nil {
		return model.Pass{}, err
	}
	if tag.RowsAffected() == 0 {
		return model.Pass{}, fmt.Errorf("pass %s changed concurrently: %w", id, errs.ErrStaleCredential)
	}
	err = insertEvent(ctx, tx, model.Transition{
		PassID: id, Event: ev, From: cur.Status, To: next.Status,
		Generation: next.Credential.Generation, Actor: actor, At: next.UpdatedAt,
	})
	if err != nil {
		return model.Pass{}, err
	}
	return next, nil
}

// ListByStudent returns a student's passes filtered by status.
func (r *PassRepo) ListByStudent(ctx context.Context, studentID string, statuses []model.Status) ([]model.Pass, error) {
	const q = `SELECT ` + passColumns + ` FROM passes
WHERE student_id=$1 AND status = ANY($2) ORDER BY created_at DESC`
	return r.list(ctx, q, studentID, statusStrings(statuses))
}

// ListByStatus returns all passes in the given statuses.
func (r *PassRepo) ListByStatus(ctx context.Context, statuses []model.Status) ([]model.Pass, error) {
	const q = `SELECT ` + passColumns + ` FROM passes
WHERE status = ANY($1) ORDER BY created_at DESC`
	return r.list(ctx, q, statusStrings(statuses))
}

// CountApprovedSince counts passes that got past the pending state.
func (r *PassRepo) CountApprovedSince(ctx context.Context, studentID string, since time.Time) (int64, error) {
	const q = `
SELECT COUNT(*) FROM passes
WHERE student_id=$1 AND created_at >= $2 AND status NOT IN ('pending','rejected')`
	var n int64
	if err := r.db.Pool.QueryRow(ctx, q, studentID, since).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// Events returns the audit trail of a pass.
func (r *PassRepo) Events(ctx context.Context, passID uuid.UUID) ([]model.Transition, error) {
	const q = `
SELECT id, pass_id, event, from_status, to_status, generation, actor, at
FROM pass_events WHERE pass_id=$1 ORDER BY at ASC, generation ASC`
	rows, err := r.db.Pool.Query(ctx, q, passID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Transition
	for rows.Next() {
		var (
			t            model.Transition
			ev, from, to string
		)
		if err = rows.Scan(&t.ID, &t.PassID, &ev, &from, &to, &t.Generation, &t.Actor, &t.At); err != nil {
			return nil, err
		}
		t.Event, t.From, t.To = model.Event(ev), model.Status(from), model.Status(to)
		out = append(out, t)
	}
	return out, rows.Err()
}

// Stats counts passes per status plus returns since dayStart.
func (r *PassRepo) Stats(ctx context.Context, dayStart time.Time) (model.Stats, error) {
	rows, err := r.db.Pool.Query(ctx, `SELECT status, COUNT(*) FROM passes GROUP BY status`)
	if err != nil {
		return model.Stats{}, err
	}
	defer rows.Close()

	st := model.Stats{ByStatus: map[model.Status]int64{}}
	for rows.Next() {
		var (
			s string
			n int64
		)
		if err = rows.Scan(&s, &n); err != nil {
			return model.Stats{}, err
		}
		st.ByStatus[model.Status(s)] = n
	}
	if err = rows.Err(); err != nil {
		return model.Stats{}, err
	}

	const q = `SELECT COUNT(*) FROM passes WHERE status='returned' AND returned_at >= $1`
	if err = r.db.Pool.QueryRow(ctx, q, dayStart).Scan(&st.ReturnedSince); err != nil {
		return model.Stats{}, err
	}
	return st, nil
}

func (r *PassRepo) list(ctx context.Context, q string, args ...any) ([]model.Pass, error) {
	rows, err := r.db.Pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Pass
	for rows.Next() {
		p, err := scanPass(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func scanPass(row pgx.Row) (model.Pass, error) {
	var (
		p                model.Pass
		category, status string
		reissue, regen   *time.Time
		decided, dep     *time.Time
		ret              *time.Time
	)
	err := row.Scan(
		&p.ID, &p.StudentID, &category, &p.ScheduledDeparture, &p.ScheduledReturn, &p.Reason,
		&p.StudentName, &p.StudentPhone, &p.ParentPhone, &status, &p.Credential.Payload,
		&p.Credential.Generation, &p.Credential.IssuedAt, &p.LateDeparture, &reissue, &regen,
		&p.DecidedBy, &decided, &dep, &ret, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return model.Pass{}, err
	}
	p.Category, p.Status = model.Category(category), model.Status(status)
	if !p.Status.Valid() {
		return model.Pass{}, fmt.Errorf("pass %s: unknown status %q", p.ID, status)
	}
	p.ReissueDeadline, p.RegeneratedAt = reissue, regen
	p.DecidedAt, p.DepartedAt, p.ReturnedAt = decided, dep, ret
	return p, nil
}

func insertEvent(ctx context.Context, tx pgx.Tx, t model.Transition) error {
	const q = `
INSERT INTO pass_events (id, pass_id, event, from_status, to_status, generation, actor, at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`
	id, err := uuid.NewV4()
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, q, id, t.PassID, string(t.Event), string(t.From), string(t.To), t.Generation, t.Actor, t.At)
	return err
}

func statusStrings(ss []model.Status) []string {
	out := make([]string, len(ss))
	for i, s := range ss {
		out[i] = string(s)
	}
	return out
}
