package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// JobType names a scheduled batch. Each job type has its own daily record.
type JobType string

const (
	JobDailyAccrual     JobType = "daily_accrual"
	JobCommissionUnlock JobType = "commission_unlock"
	JobRotationCheck    JobType = "rotation_check"
)

// Valid reports whether j is a batch job with a daily processing record.
func (j JobType) Valid() bool {
	return j == JobDailyAccrual || j == JobCommissionUnlock
}

// RunStatus is the state of a daily processing record.
type RunStatus string

const (
	RunProcessing RunStatus = "processing"
	RunCompleted  RunStatus = "completed"
	RunFailed     RunStatus = "failed"
)

// RunStats are the aggregate counters of a batch run.
type RunStats struct {
	ProcessedCount int             `json:"processed_count"`
	SkippedCount   int             `json:"skipped_count"`
	ErrorCount     int             `json:"error_count"`
	TotalAmount    decimal.Decimal `json:"total_amount"`
	DurationMs     int64           `json:"duration_ms"`
}

// DailyRun is the per-day, per-job idempotency record of a batch.
type DailyRun struct {
	JobType      JobType           `json:"job_type" db:"job_type"`
	ProcessDate  string            `json:"process_date" db:"process_date"` // YYYY-MM-DD
	Status       RunStatus         `json:"status" db:"status"`
	StartedAt    time.Time         `json:"started_at" db:"started_at"`
	CompletedAt  *time.Time        `json:"completed_at,omitempty" db:"completed_at"`
	Stats        RunStats          `json:"stats"`
	ErrorMessage string            `json:"error_message,omitempty" db:"error_message"`
	Attempts     int               `json:"attempts" db:"attempts"`
	Metadata     map[string]string `json:"metadata,omitempty" db:"metadata"`
}

// RunClaim asks to open (or reopen) the record for one job and day.
type RunClaim struct {
	JobType     JobType
	ProcessDate string
	Now         time.Time
	// StaleBefore is now minus the staleness threshold. A processing run
	// started at or before it may be taken over.
	StaleBefore time.Time
	// Force reopens a processing run regardless of its age.
	Force    bool
	Metadata map[string]string
}

// CheckClaim decides whether an existing record can be reopened by claim.
// Completed records are terminal; a fresh processing record belongs to
// another runner.
func (r *DailyRun) CheckClaim(claim RunClaim) error {
	switch r.Status {
	case RunCompleted:
		return ErrAlreadyCompleted
	case RunProcessing:
		if !claim.Force && r.StartedAt.After(claim.StaleBefore) {
			return ErrRunInProgress
		}
	}
	return nil
}
