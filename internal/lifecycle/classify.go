// Package lifecycle holds the pure rules of a pass: interval classification,
// expiry evaluation and the transition table. Nothing here touches storage
// or reads the wall clock.
package lifecycle

import (
	"fmt"
	"time"

	"github.com/and161185/hostel-outpass/internal/errs"
	"github.com/and161185/hostel-outpass/internal/model"
)

// ShortLeaveMax is the longest interval still classified as short-leave.
const ShortLeaveMax = 24 * time.Hour

// Classify derives the category of a requested interval.
func Classify(departure, ret time.Time) (model.Category, error) {
	if !ret.After(departure) {
		return "", fmt.Errorf("return %s not after departure %s: %w",
			ret.Format(time.RFC3339), departure.Format(time.RFC3339), errs.ErrInvalidInterval)
	}
	if ret.Sub(departure) <= ShortLeaveMax {
		return model.CategoryShortLeave, nil
	}
	return model.CategoryExtendedLeave, nil
}
