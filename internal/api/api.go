// Package api holds the request and response messages of the outpass.v1
// service. The same structs travel as CBOR over gRPC and as JSON over HTTP.
package api

import "time"

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "outpass.v1.Outpass"

// Method names.
const (
	MethodSubmit      = "Submit"
	MethodApprove     = "Approve"
	MethodReject      = "Reject"
	MethodScanOut     = "ScanOut"
	MethodScanIn      = "ScanIn"
	MethodRegenerate  = "Regenerate"
	MethodGetPass     = "GetPass"
	MethodGetEvents   = "GetEvents"
	MethodVerify      = "Verify"
	MethodCanSubmit   = "CanSubmit"
	MethodListCurrent = "ListCurrent"
	MethodListHistory = "ListHistory"
	MethodListPending = "ListPending"
	MethodListActive  = "ListActive"
	MethodStats       = "Stats"
)

// FullMethod returns "/outpass.v1.Outpass/<name>".
func FullMethod(name string) string { return "/" + ServiceName + "/" + name }

type Credential struct {
	Payload    string    `json:"payload,omitempty"`
	Generation int64     `json:"generation"`
	IssuedAt   time.Time `json:"issued_at"`
}

type Pass struct {
	ID                 string     `json:"id"`
	StudentID          string     `json:"student_id"`
	Category           string     `json:"category"`
	ScheduledDeparture time.Time  `json:"scheduled_departure"`
	ScheduledReturn    time.Time  `json:"scheduled_return"`
	Reason             string     `json:"reason"`
	StudentName        string     `json:"student_name,omitempty"`
	StudentPhone       string     `json:"student_phone,omitempty"`
	ParentPhone        string     `json:"parent_phone,omitempty"`
	Status             string     `json:"status"`
	Credential         Credential `json:"credential"`
	LateDeparture      bool       `json:"late_departure,omitempty"`
	ReissueDeadline    *time.Time `json:"reissue_deadline,omitempty"`
	RegeneratedAt      *time.Time `json:"regenerated_at,omitempty"`
	DecidedBy          string     `json:"decided_by,omitempty"`
	DecidedAt          *time.Time `json:"decided_at,omitempty"`
	DepartedAt         *time.Time `json:"departed_at,omitempty"`
	ReturnedAt         *time.Time `json:"returned_at,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

type Event struct {
	Event      string    `json:"event"`
	From       string    `json:"from,omitempty"`
	To         string    `json:"to"`
	Generation int64     `json:"generation"`
	Actor      string    `json:"actor"`
	At         time.Time `json:"at"`
}

type ActivePass struct {
	Pass Pass `json:"pass"`
	Late bool `json:"late"`
}

type SubmitRequest struct {
	Departure    time.Time `json:"departure"`
	Return       time.Time `json:"return"`
	Reason       string    `json:"reason"`
	StudentName  string    `json:"student_name,omitempty"`
	StudentPhone string    `json:"student_phone,omitempty"`
	ParentPhone  string    `json:"parent_phone,omitempty"`
}

type PassIDRequest struct {
	ID string `json:"id"`
}

type ScanRequest struct {
	Payload string `json:"payload"`
}

type PassResponse struct {
	Pass Pass `json:"pass"`
}

type PassListResponse struct {
	Passes []Pass `json:"passes"`
}

type ActiveListResponse struct {
	Passes []ActivePass `json:"passes"`
}

type EventsResponse struct {
	Events []Event `json:"events"`
}

type VerifyResponse struct {
	Pass      Pass `json:"pass"`
	Current   bool `json:"current"`
	Expired   bool `json:"expired"`
	Scannable bool `json:"scannable"`
}

type CanSubmitResponse struct {
	Allowed bool `json:"allowed"`
}

type StatsRequest struct {
	DayStart time.Time `json:"day_start,omitempty"`
}

type StatsResponse struct {
	ByStatus      map[string]int64 `json:"by_status"`
	ReturnedSince int64            `json:"returned_since"`
}

type Empty struct{}
