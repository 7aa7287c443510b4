// Package model defines the core domain types shared across the ledger engine.
// All monetary values use shopspring/decimal, never float64.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// PositionStatus is the lifecycle state of an investment position.
type PositionStatus string

const (
	PositionPendingPayment PositionStatus = "pending_payment"
	PositionConfirming     PositionStatus = "confirming"
	PositionActive         PositionStatus = "active"
	PositionCompleted      PositionStatus = "completed"
	PositionExpired        PositionStatus = "expired"
	PositionCancelled      PositionStatus = "cancelled"
)

// BenefitPlan describes how a position yields: DailyRate of the principal
// is paid every day for TotalCycles cycles of DaysPerCycle days each.
type BenefitPlan struct {
	DailyRate    decimal.Decimal `json:"daily_rate"`
	DaysPerCycle int             `json:"days_per_cycle"`
	TotalCycles  int             `json:"total_cycles"`
}

// Position is an investment whose daily yield is posted by the accrual
// engine. Only the accrual engine mutates a position once it is active.
type Position struct {
	ID           string          `json:"id" db:"id"`
	UserID       string          `json:"user_id" db:"user_id"`
	Principal    decimal.Decimal `json:"principal" db:"principal"`
	Currency     string          `json:"currency" db:"currency"`
	Status       PositionStatus  `json:"status" db:"status"`
	Plan         BenefitPlan     `json:"plan"`
	CurrentCycle int             `json:"current_cycle" db:"current_cycle"`
	CurrentDay   int             `json:"current_day" db:"current_day"`
	ActivatedAt  time.Time       `json:"activated_at" db:"activated_at"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty" db:"completed_at"`
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
}

// BenefitStatus is the state of a benefit ledger entry.
type BenefitStatus string

const (
	BenefitScheduled BenefitStatus = "scheduled"
	BenefitProcessed BenefitStatus = "processed"
)

// BenefitEntry is an immutable record of one daily payout.
// Once created, these are never modified or deleted.
type BenefitEntry struct {
	ID            string          `json:"id" db:"id"`
	PositionID    string          `json:"position_id" db:"position_id"`
	UserID        string          `json:"user_id" db:"user_id"`
	Cycle         int             `json:"cycle" db:"cycle"`
	Day           int             `json:"day" db:"day"`
	Amount        decimal.Decimal `json:"amount" db:"amount"`
	Currency      string          `json:"currency" db:"currency"`
	ScheduledDate string          `json:"scheduled_date" db:"scheduled_date"` // YYYY-MM-DD
	Status        BenefitStatus   `json:"status" db:"status"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
}

// Key returns the idempotency key of the entry.
func (e *BenefitEntry) Key() BenefitKey {
	return BenefitKey{
		PositionID:    e.PositionID,
		Cycle:         e.Cycle,
		Day:           e.Day,
		ScheduledDate: e.ScheduledDate,
	}
}

// BenefitKey identifies at most one benefit entry.
type BenefitKey struct {
	PositionID    string
	Cycle         int
	Day           int
	ScheduledDate string
}

// CommissionType is the referral relationship a commission was paid for.
type CommissionType string

const (
	CommissionDirect     CommissionType = "direct"
	CommissionTeam       CommissionType = "team"
	CommissionBinary     CommissionType = "binary"
	CommissionLeadership CommissionType = "leadership"
)

// IsDirect reports whether the short direct-referral hold applies.
func (t CommissionType) IsDirect() bool { return t == CommissionDirect }

// Valid reports whether t is a known commission type.
func (t CommissionType) Valid() bool {
	switch t {
	case CommissionDirect, CommissionTeam, CommissionBinary, CommissionLeadership:
		return true
	}
	return false
}

// CommissionStatus is the spendability state of a commission.
type CommissionStatus string

const (
	CommissionPending   CommissionStatus = "pending"
	CommissionAvailable CommissionStatus = "available"
	CommissionWithdrawn CommissionStatus = "withdrawn"
)

// Commission is a referral reward that becomes spendable once its hold
// period has elapsed.
type Commission struct {
	ID              string           `json:"id" db:"id"`
	RecipientUserID string           `json:"recipient_user_id" db:"recipient_user_id"`
	SourceUserID    string           `json:"source_user_id" db:"source_user_id"`
	PositionID      string           `json:"position_id" db:"position_id"`
	Type            CommissionType   `json:"type" db:"type"`
	Level           int              `json:"level" db:"level"`
	Amount          decimal.Decimal  `json:"amount" db:"amount"`
	Currency        string           `json:"currency" db:"currency"`
	Status          CommissionStatus `json:"status" db:"status"`
	CreatedAt       time.Time        `json:"created_at" db:"created_at"`
	UnlockDate      time.Time        `json:"unlock_date" db:"unlock_date"` // midnight, reference zone
	UnlockedAt      *time.Time       `json:"unlocked_at,omitempty" db:"unlocked_at"`
}

// WalletStatus is the availability of a receiving address.
type WalletStatus string

const (
	WalletAvailable WalletStatus = "available"
	WalletAssigned  WalletStatus = "assigned"
	WalletDisabled  WalletStatus = "disabled"
)

// Wallet is a payment-receiving address in the rotation pool. Wallets are
// never deleted, only disabled.
type Wallet struct {
	ID          string       `json:"id" db:"id"`
	Address     string       `json:"address" db:"address"`
	Network     string       `json:"network" db:"network"`
	Currency    string       `json:"currency" db:"currency"`
	Status      WalletStatus `json:"status" db:"status"`
	ShownCount  int64        `json:"shown_count" db:"shown_count"`
	LastShownAt *time.Time   `json:"last_shown_at,omitempty" db:"last_shown_at"`
	CreatedAt   time.Time    `json:"created_at" db:"created_at"`
}

// PoolStats summarizes the available wallets of one (network, currency) pool.
type PoolStats struct {
	Network   string `json:"network"`
	Currency  string `json:"currency"`
	Available int    `json:"available"`
	MinShown  int64  `json:"min_shown"`
	MaxShown  int64  `json:"max_shown"`
}

// RotationBalance is the spread between the most and least shown wallet.
func (p PoolStats) RotationBalance() int64 { return p.MaxShown - p.MinShown }

// Balance is a user's aggregate for one currency.
type Balance struct {
	UserID    string          `json:"user_id" db:"user_id"`
	Currency  string          `json:"currency" db:"currency"`
	Available decimal.Decimal `json:"available" db:"available"`
	Total     decimal.Decimal `json:"total" db:"total"`
	UpdatedAt time.Time       `json:"updated_at" db:"updated_at"`
}

// TransactionKind classifies a balance-change audit record.
type TransactionKind string

const (
	TxBenefitAccrual   TransactionKind = "benefit_accrual"
	TxCommissionUnlock TransactionKind = "commission_unlock"
)

// BalanceTransaction is the audit record appended alongside every balance
// increment. ReferenceID links it to the benefit entry or commission.
type BalanceTransaction struct {
	ID          string          `json:"id" db:"id"`
	UserID      string          `json:"user_id" db:"user_id"`
	Currency    string          `json:"currency" db:"currency"`
	Amount      decimal.Decimal `json:"amount" db:"amount"`
	Kind        TransactionKind `json:"kind" db:"kind"`
	ReferenceID string          `json:"reference_id" db:"reference_id"`
	Description string          `json:"description" db:"description"`
	ActorID     string          `json:"actor_id" db:"actor_id"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
}

// JobLock is a named, self-expiring mutex shared by all process instances.
type JobLock struct {
	Name      string    `json:"name" db:"name"`
	Owner     string    `json:"owner" db:"owner"`
	LockUntil time.Time `json:"lock_until" db:"lock_until"`
}
