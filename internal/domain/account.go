/**
 * @description
 * Ledger account models for the settlement-service. A user holds exactly one
 * spending wallet and optionally one of each auxiliary ledger (interest-bearing
 * flex savings, auto-save pot). Every balance mutation appends a LedgerEntry
 * carrying the post-mutation balance.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

// Account kinds.
const (
	AccountKindWallet      = "wallet"
	AccountKindFlexSavings = "flex_savings"
	AccountKindAutoSave    = "auto_save"
)

// Account represents one internal ledger account.
type Account struct {
	ID              uuid.UUID `json:"id"`
	UserID          uuid.UUID `json:"user_id"`
	Kind            string    `json:"kind"`
	AccountNumber   string    `json:"account_number"`
	AlternateNumber *string   `json:"alternate_account_number,omitempty"`
	Balance         int64     `json:"balance"` // in kobo
	Currency        string    `json:"currency"`
	Active          bool      `json:"active"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Ledger entry directions.
const (
	EntryDebit  = "debit"
	EntryCredit = "credit"
)

// LedgerEntry is one append-only balance mutation record.
type LedgerEntry struct {
	ID           uuid.UUID  `json:"id"`
	AccountID    uuid.UUID  `json:"account_id"`
	TransferID   *uuid.UUID `json:"transfer_id,omitempty"`
	Direction    string     `json:"direction"` // 'debit' or 'credit'
	Amount       int64      `json:"amount"`    // in kobo, always positive
	BalanceAfter int64      `json:"balance_after"`
	Narration    string     `json:"narration"`
	CreatedAt    time.Time  `json:"created_at"`
}

// Funding preferences for sourcing outbound transfers.
const (
	FundingWallet      = "wallet"
	FundingFlexSavings = "flex_savings"
	FundingAuto        = "auto"
)

// TransferPrefs holds a user's funding and auto-save preferences.
type TransferPrefs struct {
	UserID             uuid.UUID `json:"user_id"`
	FundingPreference  string    `json:"funding_preference"`
	AutoSaveEnabled    bool      `json:"auto_save_enabled"`
	AutoSavePercentage int       `json:"auto_save_percentage"` // 0-100
	AutoSaveMinAmount  int64     `json:"auto_save_min_amount"` // in kobo
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// SettlementPlan is the storage-layer instruction set produced by the engine
// for one atomic settlement: which accounts move, in what order, and the
// ledger narrations to record. All movements commit or none do.
type SettlementPlan struct {
	TransferID uuid.UUID
	Moves      []LedgerMove
	// CompleteTransfer flips the transfer processing -> completed inside the
	// settlement transaction. Left false for auxiliary sweeps (auto-save) that
	// reference an already-completed transfer.
	CompleteTransfer bool
}

// LedgerMove is one (debit, optional credit) pair inside a settlement plan.
// A nil CreditAccountID means the funds leave the platform (external leg,
// fees, levies).
type LedgerMove struct {
	DebitAccountID  uuid.UUID
	CreditAccountID *uuid.UUID
	Amount          int64 // in kobo
	Narration       string
}
