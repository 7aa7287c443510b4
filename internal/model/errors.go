package model

import "errors"

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("ledger: not found")

	// ErrAlreadyExists is returned when creating a record whose unique key
	// is taken.
	ErrAlreadyExists = errors.New("ledger: already exists")

	// ErrAlreadyCompleted is returned when a daily run for the date has
	// already finished successfully.
	ErrAlreadyCompleted = errors.New("ledger: run already completed")

	// ErrRunInProgress is returned when another runner opened the daily
	// run recently enough that it is not considered stale.
	ErrRunInProgress = errors.New("ledger: run in progress")

	// ErrNoRunState is returned when closing a run that was never opened.
	ErrNoRunState = errors.New("ledger: no run state")

	// ErrLockNotAcquired is returned when another instance holds a job lock.
	ErrLockNotAcquired = errors.New("ledger: job lock not acquired")

	// ErrNoWalletsAvailable is returned when a pool has no available wallet.
	ErrNoWalletsAvailable = errors.New("ledger: no wallets available")

	// ErrDuplicateEntry is returned when a benefit entry with the same
	// (position, cycle, day, date) already exists.
	ErrDuplicateEntry = errors.New("ledger: duplicate benefit entry")

	// ErrCommissionNotPending is returned when unlocking a commission that
	// has already left the pending state.
	ErrCommissionNotPending = errors.New("ledger: commission not pending")

	// ErrPositionNotActive is returned when posting against a position that
	// is no longer active.
	ErrPositionNotActive = errors.New("ledger: position not active")

	// ErrInvalidPlan is returned for a benefit plan that cannot accrue.
	ErrInvalidPlan = errors.New("ledger: invalid benefit plan")
)

// IsConcurrencySignal reports whether err means "someone else is doing or
// has done this work". These are skips, not failures.
func IsConcurrencySignal(err error) bool {
	return errors.Is(err, ErrLockNotAcquired) ||
		errors.Is(err, ErrRunInProgress) ||
		errors.Is(err, ErrAlreadyCompleted)
}
