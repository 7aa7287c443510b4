package model

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// AccrualSlot is the (cycle, day) a position occupies on a given day.
// Exhausted means every cycle of the plan has been paid.
type AccrualSlot struct {
	Cycle     int
	Day       int
	Exhausted bool
}

// Validate rejects plans that cannot produce a schedule.
func (p BenefitPlan) Validate() error {
	switch {
	case !p.DailyRate.IsPositive():
		return fmt.Errorf("%w: daily rate %s", ErrInvalidPlan, p.DailyRate)
	case p.DaysPerCycle < 1:
		return fmt.Errorf("%w: days per cycle %d", ErrInvalidPlan, p.DaysPerCycle)
	case p.TotalCycles < 1:
		return fmt.Errorf("%w: total cycles %d", ErrInvalidPlan, p.TotalCycles)
	}
	return nil
}

// TotalDays is the number of entries a position on this plan pays.
func (p BenefitPlan) TotalDays() int { return p.DaysPerCycle * p.TotalCycles }

// SlotFor maps whole days since activation onto the plan. Day 0 (the
// activation day) is cycle 1, day 1.
func (p BenefitPlan) SlotFor(daysSinceActivation int) AccrualSlot {
	cycle := daysSinceActivation/p.DaysPerCycle + 1
	day := daysSinceActivation%p.DaysPerCycle + 1
	return AccrualSlot{
		Cycle:     cycle,
		Day:       day,
		Exhausted: cycle > p.TotalCycles,
	}
}

// DailyAmount is principal * dailyRate rounded to scale decimal places.
func (p BenefitPlan) DailyAmount(principal decimal.Decimal, scale int32) decimal.Decimal {
	return principal.Mul(p.DailyRate).Round(scale)
}
