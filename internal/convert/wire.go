// Package convert maps domain values to api messages and back.
package convert

import (
	"fmt"
	"strings"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/hostel-outpass/internal/api"
	"github.com/and161185/hostel-outpass/internal/errs"
	"github.com/and161185/hostel-outpass/internal/model"
	"github.com/and161185/hostel-outpass/internal/service"
)

func utc(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}

// ToPass converts a pass. With redact set the credential payload is dropped
// and only its generation is kept.
func ToPass(p model.Pass, redact bool) api.Pass {
	out := api.Pass{
		ID:                 p.ID.String(),
		StudentID:          p.StudentID,
		Category:           string(p.Category),
		ScheduledDeparture: p.ScheduledDeparture.UTC(),
		ScheduledReturn:    p.ScheduledReturn.UTC(),
		Reason:             p.Reason,
		StudentName:        p.StudentName,
		StudentPhone:       p.StudentPhone,
		ParentPhone:        p.ParentPhone,
		Status:             string(p.Status),
		Credential: api.Credential{
			Payload:    p.Credential.Payload,
			Generation: p.Credential.Generation,
			IssuedAt:   p.Credential.IssuedAt.UTC(),
		},
		LateDeparture:   p.LateDeparture,
		ReissueDeadline: utc(p.ReissueDeadline),
		RegeneratedAt:   utc(p.RegeneratedAt),
		DecidedBy:       p.DecidedBy,
		DecidedAt:       utc(p.DecidedAt),
		DepartedAt:      utc(p.DepartedAt),
		ReturnedAt:      utc(p.ReturnedAt),
		CreatedAt:       p.CreatedAt.UTC(),
		UpdatedAt:       p.UpdatedAt.UTC(),
	}
	if redact {
		out.Credential.Payload = ""
	}
	return out
}

// ToPasses converts a slice of passes.
func ToPasses(ps []model.Pass, redact bool) []api.Pass {
	out := make([]api.Pass, 0, len(ps))
	for _, p := range ps {
		out = append(out, ToPass(p, redact))
	}
	return out
}

// ToActive converts dashboard rows; payloads are always redacted.
func ToActive(rows []service.ActivePass) []api.ActivePass {
	out := make([]api.ActivePass, 0, len(rows))
	for _, r := range rows {
		out = append(out, api.ActivePass{Pass: ToPass(r.Pass, true), Late: r.Late})
	}
	return out
}

// ToEvents converts an audit trail.
func ToEvents(ts []model.Transition) []api.Event {
	out := make([]api.Event, 0, len(ts))
	for _, t := range ts {
		out = append(out, api.Event{
			Event:      string(t.Event),
			From:       string(t.From),
			To:         string(t.To),
			Generation: t.Generation,
			Actor:      t.Actor,
			At:         t.At.UTC(),
		})
	}
	return out
}

// ToVerify converts a verification; the payload was supplied by the caller
// and is not echoed back.
func ToVerify(v service.Verification) api.VerifyResponse {
	return api.VerifyResponse{
		Pass:      ToPass(v.Pass, true),
		Current:   v.Current,
		Expired:   v.Expired,
		Scannable: v.Scannable,
	}
}

// ToStats converts dashboard counters.
func ToStats(st model.Stats) api.StatsResponse {
	out := api.StatsResponse{ByStatus: map[string]int64{}, ReturnedSince: st.ReturnedSince}
	for s, n := range st.ByStatus {
		out.ByStatus[string(s)] = n
	}
	return out
}

// FromSubmit builds the service request for studentID.
func FromSubmit(studentID string, in api.SubmitRequest) service.SubmitRequest {
	return service.SubmitRequest{
		StudentID:    studentID,
		Departure:    in.Departure,
		Return:       in.Return,
		Reason:       in.Reason,
		StudentName:  in.StudentName,
		StudentPhone: in.StudentPhone,
		ParentPhone:  in.ParentPhone,
	}
}

// PassID parses a pass ID; malformed IDs are validation errors.
func PassID(s string) (uuid.UUID, error) {
	id, err := uuid.FromString(strings.TrimSpace(s))
	if err != nil || id == uuid.Nil {
		return uuid.Nil, fmt.Errorf("bad pass id %q: %w", s, errs.ErrValidation)
	}
	return id, nil
}
