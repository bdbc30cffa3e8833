package lifecycle

import (
	"time"

	"github.com/and161185/hostel-outpass/internal/model"
)

// IsExpired reports whether the boundary p is currently waiting for has
// lapsed. Overdue statuses never report expiry, so each boundary can be
// re-issued at most once.
func IsExpired(p model.Pass, now time.Time) bool {
	switch p.Status {
	case model.StatusApproved:
		if p.LateDeparture && p.ReissueDeadline != nil {
			return now.After(*p.ReissueDeadline)
		}
		return now.After(p.ScheduledDeparture)
	case model.StatusDeparted:
		return now.After(p.ScheduledReturn)
	default:
		return false
	}
}
