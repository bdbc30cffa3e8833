// Package model defines domain entities used by services and repositories.
package model

import (
	"time"

	"github.com/gofrs/uuid/v5"
)

// Category is derived from the requested interval at submission.
type Category string

const (
	CategoryShortLeave    Category = "short-leave"
	CategoryExtendedLeave Category = "extended-leave"
)

// Status is the lifecycle position of a pass.
type Status string

const (
	StatusPending          Status = "pending"
	StatusApproved         Status = "approved"
	StatusRejected         Status = "rejected"
	StatusDeparted         Status = "departed"
	StatusOverdueDeparture Status = "overdue-departure"
	StatusOverdueReturn    Status = "overdue-return"
	StatusReturned         Status = "returned"
)

// LiveStatuses are the statuses counted by the one-live-pass-per-student rule.
var LiveStatuses = []Status{
	StatusPending,
	StatusApproved,
	StatusDeparted,
	StatusOverdueDeparture,
	StatusOverdueReturn,
}

// TerminalStatuses accept no further events.
var TerminalStatuses = []Status{StatusRejected, StatusReturned}

// IsLive reports whether s counts against the one-live-pass rule.
func (s Status) IsLive() bool {
	for _, l := range LiveStatuses {
		if s == l {
			return true
		}
	}
	return false
}

// IsTerminal reports whether s is final.
func (s Status) IsTerminal() bool { return s == StatusRejected || s == StatusReturned }

// Valid reports whether s is a known status.
func (s Status) Valid() bool { return s.IsLive() || s.IsTerminal() }

// Credential is the current scannable payload of a pass.
type Credential struct {
	Payload    string    // opaque, sealed by credential.Issuer
	Generation int64     // 0 at submission, +1 on approval and on every regeneration
	IssuedAt   time.Time // when this generation was minted
}

// Pass is one leave request and its full lifecycle.
type Pass struct {
	ID        uuid.UUID
	StudentID string
	Category  Category

	ScheduledDeparture time.Time
	ScheduledReturn    time.Time
	Reason             string

	// Contact details captured by the request form; stored and echoed only.
	StudentName  string
	StudentPhone string
	ParentPhone  string

	Status     Status
	Credential Credential

	LateDeparture   bool       // re-issued once after missing the departure window
	ReissueDeadline *time.Time // end of the re-armed departure window
	RegeneratedAt   *time.Time

	DecidedBy  string
	DecidedAt  *time.Time
	DepartedAt *time.Time
	ReturnedAt *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Event names a lifecycle trigger.
type Event string

const (
	EventSubmit     Event = "submit"
	EventApprove    Event = "approve"
	EventReject     Event = "reject"
	EventScanOut    Event = "scan-out"
	EventScanIn     Event = "scan-in"
	EventRegenerate Event = "regenerate"
)

// Transition is one audit entry appended for every successful state change.
type Transition struct {
	ID         uuid.UUID
	PassID     uuid.UUID
	Event      Event
	From       Status // empty for submit
	To         Status
	Generation int64
	Actor      string
	At         time.Time
}

// Stats aggregates counters for the security dashboard.
type Stats struct {
	ByStatus      map[Status]int64
	ReturnedSince int64 // returned at or after the requested day start
}
