package unlock

import (
	"fmt"
	"time"

	"github.com/atmx/yield-engine/internal/calendar"
	"github.com/atmx/yield-engine/internal/model"
)

// HoldPolicy holds commissions for a number of calendar days that depends
// on the commission type. Direct-referral commissions use DirectDays;
// team, binary and leadership commissions use TeamDays.
type HoldPolicy struct {
	DirectDays int
	TeamDays   int
}

// DefaultHoldPolicy is D+9 for direct and D+18 for team commissions.
var DefaultHoldPolicy = HoldPolicy{DirectDays: 9, TeamDays: 18}

// Validate rejects non-positive holds and a team hold shorter than the
// direct hold.
func (h HoldPolicy) Validate() error {
	if h.DirectDays < 1 || h.TeamDays < 1 {
		return fmt.Errorf("unlock: hold days must be positive (direct=%d team=%d)", h.DirectDays, h.TeamDays)
	}
	if h.TeamDays < h.DirectDays {
		return fmt.Errorf("unlock: team hold %d is shorter than direct hold %d", h.TeamDays, h.DirectDays)
	}
	return nil
}

// Days returns the hold for a commission type.
func (h HoldPolicy) Days(t model.CommissionType) int {
	if t.IsDirect() {
		return h.DirectDays
	}
	return h.TeamDays
}

// UnlockDate is midnight of the creation day in the reference timezone
// plus the hold for t.
func (h HoldPolicy) UnlockDate(t model.CommissionType, createdAt time.Time, cal calendar.Calendar) time.Time {
	return cal.AddDays(createdAt, h.Days(t))
}

// Stamp sets c.UnlockDate from its type and creation time.
func (h HoldPolicy) Stamp(c *model.Commission, cal calendar.Calendar) {
	c.UnlockDate = h.UnlockDate(c.Type, c.CreatedAt, cal)
}
