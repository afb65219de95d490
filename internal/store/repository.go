/**
 * @description
 * This file defines the `Repository` interface, which specifies the contract for all
 * data access operations required by the settlement-service. By defining an interface,
 * we decouple the engine's business logic from the specific database implementation
 * (e.g., PostgreSQL), making the code more modular and easier to test.
 *
 * @dependencies
 * - context, time: Standard Go libraries.
 * - github.com/google/uuid: For UUID generation and handling.
 * - internal/domain: For the service's domain models.
 */

package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/kudipay/settlement-service/internal/domain"
)

// Repository defines the set of methods for interacting with the database.
type Repository interface {
	// User and credential methods
	FindUserByID(ctx context.Context, userID uuid.UUID) (*domain.User, error)
	GetUserSecurityCredentialByUserID(ctx context.Context, userID uuid.UUID) (*domain.UserSecurityCredential, error)
	RecordFailedTransactionPINAttempt(ctx context.Context, userID uuid.UUID, maxAttempts int, lockoutDurationSeconds int) (*domain.UserSecurityCredential, error)
	ResetTransactionPINFailureState(ctx context.Context, userID uuid.UUID) error

	// Account methods
	FindWalletByUserID(ctx context.Context, userID uuid.UUID) (*domain.Account, error)
	FindAccountByUserAndKind(ctx context.Context, userID uuid.UUID, kind string) (*domain.Account, error)
	// FindAccountByNumber matches either the primary or the alternate account number.
	FindAccountByNumber(ctx context.Context, accountNumber string) (*domain.Account, error)

	// Preference methods
	FindOrCreateTransferPrefs(ctx context.Context, userID uuid.UUID) (*domain.TransferPrefs, error)
	UpdateTransferPrefs(ctx context.Context, prefs *domain.TransferPrefs) error

	// Guard settings methods
	FindGuardSettings(ctx context.Context, userID uuid.UUID, guard domain.GuardType) (*domain.GuardSettings, error)
	UpsertGuardSettings(ctx context.Context, settings *domain.GuardSettings) error
	SetFaceTemplate(ctx context.Context, userID uuid.UUID, guard domain.GuardType, templateHash, algorithm string) error

	// Transfer methods
	// InsertTransferIdempotent persists the transfer unless a row with the same
	// idempotency key exists; in that case it returns the existing row with
	// created=false and the new row is discarded.
	InsertTransferIdempotent(ctx context.Context, t *domain.Transfer) (created bool, existing *domain.Transfer, err error)
	FindTransferByID(ctx context.Context, transferID uuid.UUID) (*domain.Transfer, error)
	UpdateTransferStatus(ctx context.Context, transferID uuid.UUID, status string) error
	// SaveTransferRiskState persists the risk, 2FA and guard columns of a transfer.
	SaveTransferRiskState(ctx context.Context, t *domain.Transfer) error
	RecordSettlementAttempt(ctx context.Context, transferID uuid.UUID, retryCount, failureStreak int, breakerTripped bool) error
	SetTransferApproval(ctx context.Context, transferID uuid.UUID, status string, decidedBy uuid.UUID, note *string) error
	FindDueScheduledTransfers(ctx context.Context, now time.Time, limit int) ([]domain.Transfer, error)
	// FindVerificationExpired returns non-terminal transfers parked for
	// verification or approval since before the cutoff.
	FindVerificationExpired(ctx context.Context, cutoff time.Time, limit int) ([]domain.Transfer, error)

	// Risk history aggregates
	TransferStatsSince(ctx context.Context, userID uuid.UUID, since time.Time) (count int, totalAmount int64, err error)
	CompletedDebitTotalSince(ctx context.Context, userID uuid.UUID, since time.Time) (int64, error)
	CompletedAmountStats(ctx context.Context, userID uuid.UUID) (count int, mean float64, stddev float64, err error)
	CountTransfersToRecipient(ctx context.Context, userID uuid.UUID, destAccountNumber string, since time.Time) (int, error)
	HasPriorTransferToRecipient(ctx context.Context, userID uuid.UUID, destAccountNumber string) (bool, error)
	KnownDeviceFingerprint(ctx context.Context, userID uuid.UUID, fingerprint string) (bool, error)
	KnownClientIP(ctx context.Context, userID uuid.UUID, ip string) (bool, error)

	// Settlement
	// ExecuteSettlement applies every move in the plan atomically: accounts are
	// locked in deterministic order, balances re-validated under the lock, and
	// one ledger entry appended per move leg. When plan.CompleteTransfer is set
	// the transfer row is flipped processing -> completed inside the same
	// transaction, failing with ErrTransferNotProcessing if another worker got
	// there first. All moves commit or none do.
	ExecuteSettlement(ctx context.Context, plan domain.SettlementPlan) error
	FindLedgerEntriesByTransferID(ctx context.Context, transferID uuid.UUID) ([]domain.LedgerEntry, error)

	// Failure methods
	UpsertTransferFailure(ctx context.Context, failure *domain.TransferFailure) (*domain.TransferFailure, error)
	FindFailureByTransferID(ctx context.Context, transferID uuid.UUID) (*domain.TransferFailure, error)
	ListTransferFailures(ctx context.Context, opts domain.FailureListOptions) ([]domain.TransferFailure, error)
	ResolveTransferFailure(ctx context.Context, failureID uuid.UUID, resolvedBy uuid.UUID, note *string) (*domain.TransferFailure, error)
}
