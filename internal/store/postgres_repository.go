/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository` interface.
 * It contains all the necessary SQL queries to interact with the database tables
 * related to transfers, accounts, guard settings, ledger entries and failures.
 *
 * @dependencies
 * - context, time, errors: Standard Go libraries.
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - internal/domain: Contains the domain models used for data transfer.
 */

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kudipay/settlement-service/internal/domain"
)

var (
	ErrUserNotFound          = errors.New("user not found")
	ErrAccountNotFound       = errors.New("account not found")
	ErrInsufficientFunds     = errors.New("insufficient funds")
	ErrTransferNotFound      = errors.New("transfer not found")
	ErrTransferNotProcessing = errors.New("transfer is not in processing state")
	ErrTransactionPINNotSet  = errors.New("transaction pin not set")
	ErrGuardNotConfigured    = errors.New("guard not configured")
	ErrFailureNotFound       = errors.New("transfer failure not found")
)

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// FindUserByID retrieves a user from the database by their ID.
func (r *PostgresRepository) FindUserByID(ctx context.Context, userID uuid.UUID) (*domain.User, error) {
	var user domain.User
	query := `SELECT id, btrim(username), kyc_tier, active FROM users WHERE id = $1`
	err := r.db.QueryRow(ctx, query, userID).Scan(&user.ID, &user.Username, &user.KYCTier, &user.Active)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return &user, nil
}

// GetUserSecurityCredentialByUserID returns transaction PIN security metadata for a user.
func (r *PostgresRepository) GetUserSecurityCredentialByUserID(ctx context.Context, userID uuid.UUID) (*domain.UserSecurityCredential, error) {
	var credential domain.UserSecurityCredential
	query := `
		SELECT user_id, transaction_pin_hash, failed_attempts, locked_until
		FROM user_security_credentials
		WHERE user_id = $1
	`
	err := r.db.QueryRow(ctx, query, userID).Scan(
		&credential.UserID,
		&credential.TransactionPINHash,
		&credential.FailedAttempts,
		&credential.LockedUntil,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrTransactionPINNotSet
		}
		return nil, err
	}
	if credential.TransactionPINHash == "" {
		return nil, ErrTransactionPINNotSet
	}

	return &credential, nil
}

// RecordFailedTransactionPINAttempt atomically increments failed attempts and applies lockout.
func (r *PostgresRepository) RecordFailedTransactionPINAttempt(ctx context.Context, userID uuid.UUID, maxAttempts int, lockoutDurationSeconds int) (*domain.UserSecurityCredential, error) {
	var credential domain.UserSecurityCredential
	query := `
		UPDATE user_security_credentials
		SET
			failed_attempts = CASE
				WHEN (locked_until IS NOT NULL AND locked_until <= NOW())
					OR (locked_until IS NULL AND failed_attempts >= $2) THEN 1
				ELSE failed_attempts + 1
			END,
			last_failed_at = NOW(),
			locked_until = CASE
				WHEN (
					CASE
						WHEN (locked_until IS NOT NULL AND locked_until <= NOW())
							OR (locked_until IS NULL AND failed_attempts >= $2) THEN 1
						ELSE failed_attempts + 1
					END
				) >= $2 THEN NOW() + ($3 * INTERVAL '1 second')
				ELSE NULL
			END
		WHERE user_id = $1
		RETURNING user_id, transaction_pin_hash, failed_attempts, locked_until
	`
	err := r.db.QueryRow(ctx, query, userID, maxAttempts, lockoutDurationSeconds).Scan(
		&credential.UserID,
		&credential.TransactionPINHash,
		&credential.FailedAttempts,
		&credential.LockedUntil,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrTransactionPINNotSet
		}
		return nil, err
	}

	return &credential, nil
}

// ResetTransactionPINFailureState clears failed-attempt counters after a successful PIN verification.
func (r *PostgresRepository) ResetTransactionPINFailureState(ctx context.Context, userID uuid.UUID) error {
	query := `
		UPDATE user_security_credentials
		SET failed_attempts = 0, last_failed_at = NULL, locked_until = NULL
		WHERE user_id = $1
	`
	result, err := r.db.Exec(ctx, query, userID)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrTransactionPINNotSet
	}
	return nil
}

const accountColumns = `id, user_id, kind, account_number, alternate_account_number, balance, currency, active, created_at, updated_at`

func scanAccount(row pgx.Row) (*domain.Account, error) {
	var account domain.Account
	err := row.Scan(
		&account.ID,
		&account.UserID,
		&account.Kind,
		&account.AccountNumber,
		&account.AlternateNumber,
		&account.Balance,
		&account.Currency,
		&account.Active,
		&account.CreatedAt,
		&account.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	return &account, nil
}

// FindWalletByUserID retrieves a user's spending wallet.
func (r *PostgresRepository) FindWalletByUserID(ctx context.Context, userID uuid.UUID) (*domain.Account, error) {
	return r.FindAccountByUserAndKind(ctx, userID, domain.AccountKindWallet)
}

// FindAccountByUserAndKind retrieves one of a user's ledger accounts by kind.
func (r *PostgresRepository) FindAccountByUserAndKind(ctx context.Context, userID uuid.UUID, kind string) (*domain.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE user_id = $1 AND kind = $2 AND active = TRUE`
	return scanAccount(r.db.QueryRow(ctx, query, userID, kind))
}

// FindAccountByNumber resolves an account by its primary or alternate number.
func (r *PostgresRepository) FindAccountByNumber(ctx context.Context, accountNumber string) (*domain.Account, error) {
	query := `
		SELECT ` + accountColumns + `
		FROM accounts
		WHERE (account_number = $1 OR alternate_account_number = $1) AND active = TRUE
	`
	return scanAccount(r.db.QueryRow(ctx, query, strings.TrimSpace(accountNumber)))
}

// FindOrCreateTransferPrefs returns the user's transfer preferences, creating
// the default row on first access.
func (r *PostgresRepository) FindOrCreateTransferPrefs(ctx context.Context, userID uuid.UUID) (*domain.TransferPrefs, error) {
	var prefs domain.TransferPrefs
	query := `
		INSERT INTO user_transfer_prefs (user_id, funding_preference, auto_save_enabled, auto_save_percentage, auto_save_min_amount)
		VALUES ($1, 'wallet', FALSE, 0, 0)
		ON CONFLICT (user_id) DO UPDATE SET user_id = EXCLUDED.user_id
		RETURNING user_id, funding_preference, auto_save_enabled, auto_save_percentage, auto_save_min_amount, created_at, updated_at
	`
	err := r.db.QueryRow(ctx, query, userID).Scan(
		&prefs.UserID,
		&prefs.FundingPreference,
		&prefs.AutoSaveEnabled,
		&prefs.AutoSavePercentage,
		&prefs.AutoSaveMinAmount,
		&prefs.CreatedAt,
		&prefs.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &prefs, nil
}

// UpdateTransferPrefs persists funding and auto-save preferences.
func (r *PostgresRepository) UpdateTransferPrefs(ctx context.Context, prefs *domain.TransferPrefs) error {
	query := `
		UPDATE user_transfer_prefs
		SET funding_preference = $2, auto_save_enabled = $3, auto_save_percentage = $4,
		    auto_save_min_amount = $5, updated_at = NOW()
		WHERE user_id = $1
	`
	result, err := r.db.Exec(ctx, query,
		prefs.UserID, prefs.FundingPreference, prefs.AutoSaveEnabled,
		prefs.AutoSavePercentage, prefs.AutoSaveMinAmount)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrUserNotFound
	}
	return nil
}

// FindGuardSettings retrieves a user's configuration for one guard.
func (r *PostgresRepository) FindGuardSettings(ctx context.Context, userID uuid.UUID, guard domain.GuardType) (*domain.GuardSettings, error) {
	var s domain.GuardSettings
	query := `
		SELECT user_id, guard_type, enabled, window_start_min, window_end_min,
		       COALESCE(fallback_method, ''), per_txn_limit, daily_limit, monthly_limit,
		       allowed_regions, COALESCE(face_template_hash, ''), COALESCE(face_template_alg, ''),
		       face_enrolled_at, created_at, updated_at
		FROM guard_settings
		WHERE user_id = $1 AND guard_type = $2
	`
	err := r.db.QueryRow(ctx, query, userID, string(guard)).Scan(
		&s.UserID,
		&s.Guard,
		&s.Enabled,
		&s.WindowStartMin,
		&s.WindowEndMin,
		&s.FallbackMethod,
		&s.PerTxnLimit,
		&s.DailyLimit,
		&s.MonthlyLimit,
		&s.AllowedRegions,
		&s.FaceTemplateHash,
		&s.FaceTemplateAlg,
		&s.FaceEnrolledAt,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrGuardNotConfigured
		}
		return nil, err
	}
	return &s, nil
}

// UpsertGuardSettings creates or updates a user's guard configuration. Rows
// are never deleted; disabling a guard keeps enrollment data intact.
func (r *PostgresRepository) UpsertGuardSettings(ctx context.Context, settings *domain.GuardSettings) error {
	query := `
		INSERT INTO guard_settings (
			user_id, guard_type, enabled, window_start_min, window_end_min,
			fallback_method, per_txn_limit, daily_limit, monthly_limit, allowed_regions
		)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7, $8, $9, $10)
		ON CONFLICT (user_id, guard_type) DO UPDATE SET
			enabled = EXCLUDED.enabled,
			window_start_min = EXCLUDED.window_start_min,
			window_end_min = EXCLUDED.window_end_min,
			fallback_method = EXCLUDED.fallback_method,
			per_txn_limit = EXCLUDED.per_txn_limit,
			daily_limit = EXCLUDED.daily_limit,
			monthly_limit = EXCLUDED.monthly_limit,
			allowed_regions = EXCLUDED.allowed_regions,
			updated_at = NOW()
	`
	_, err := r.db.Exec(ctx, query,
		settings.UserID, string(settings.Guard), settings.Enabled,
		settings.WindowStartMin, settings.WindowEndMin, settings.FallbackMethod,
		settings.PerTxnLimit, settings.DailyLimit, settings.MonthlyLimit,
		settings.AllowedRegions)
	return err
}

// SetFaceTemplate stores the enrolled face template hash for a guard.
func (r *PostgresRepository) SetFaceTemplate(ctx context.Context, userID uuid.UUID, guard domain.GuardType, templateHash, algorithm string) error {
	query := `
		UPDATE guard_settings
		SET face_template_hash = $3, face_template_alg = $4, face_enrolled_at = NOW(), updated_at = NOW()
		WHERE user_id = $1 AND guard_type = $2
	`
	result, err := r.db.Exec(ctx, query, userID, string(guard), templateHash, algorithm)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrGuardNotConfigured
	}
	return nil
}

const transferColumns = `
	id, sender_id, source_account_id, destination_account_id,
	dest_account_number, dest_bank_code, COALESCE(dest_account_name, ''),
	kind, status, channel, amount, fee, vat, levy, currency,
	COALESCE(description, ''), reference, idempotency_key,
	risk_score, suspicious, flagged_for_review,
	requires_two_fa, two_fa_verified, COALESCE(two_fa_code_hash, ''), two_fa_expires_at,
	night_guard, shield, location_guard,
	COALESCE(declared_region, ''), COALESCE(device_fingerprint, ''),
	COALESCE(client_ip, ''), COALESCE(user_agent, ''),
	retry_count, max_retries, failure_streak, breaker_tripped,
	approval_note, approved_by, scheduled_for, completed_at,
	extensions, created_at, updated_at`

func scanTransfer(row pgx.Row) (*domain.Transfer, error) {
	var t domain.Transfer
	var nightGuard, shield, locationGuard, extensions []byte
	err := row.Scan(
		&t.ID, &t.SenderID, &t.SourceAccountID, &t.DestinationAccountID,
		&t.DestAccountNumber, &t.DestBankCode, &t.DestAccountName,
		&t.Kind, &t.Status, &t.Channel, &t.Amount, &t.Fee, &t.VAT, &t.Levy, &t.Currency,
		&t.Description, &t.Reference, &t.IdempotencyKey,
		&t.RiskScore, &t.Suspicious, &t.FlaggedForReview,
		&t.RequiresTwoFA, &t.TwoFAVerified, &t.TwoFACodeHash, &t.TwoFAExpiresAt,
		&nightGuard, &shield, &locationGuard,
		&t.DeclaredRegion, &t.DeviceFingerprint,
		&t.ClientIP, &t.UserAgent,
		&t.RetryCount, &t.MaxRetries, &t.FailureStreak, &t.BreakerTripped,
		&t.ApprovalNote, &t.ApprovedBy, &t.ScheduledFor, &t.CompletedAt,
		&extensions, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrTransferNotFound
		}
		return nil, err
	}
	for _, pair := range []struct {
		raw  []byte
		dest *domain.GuardState
	}{
		{nightGuard, &t.NightGuard},
		{shield, &t.Shield},
		{locationGuard, &t.LocationGuard},
	} {
		if len(pair.raw) > 0 {
			if err := json.Unmarshal(pair.raw, pair.dest); err != nil {
				return nil, fmt.Errorf("failed to decode guard state: %w", err)
			}
		}
	}
	if len(extensions) > 0 {
		if err := json.Unmarshal(extensions, &t.Extensions); err != nil {
			return nil, fmt.Errorf("failed to decode transfer extensions: %w", err)
		}
	}
	return &t, nil
}

func marshalGuardState(s domain.GuardState) ([]byte, error) {
	return json.Marshal(s)
}

// InsertTransferIdempotent persists a new transfer. If a transfer with the
// same idempotency key already exists, the insert is a no-op and the existing
// row is returned with created=false.
func (r *PostgresRepository) InsertTransferIdempotent(ctx context.Context, t *domain.Transfer) (bool, *domain.Transfer, error) {
	nightGuard, err := marshalGuardState(t.NightGuard)
	if err != nil {
		return false, nil, err
	}
	shield, err := marshalGuardState(t.Shield)
	if err != nil {
		return false, nil, err
	}
	locationGuard, err := marshalGuardState(t.LocationGuard)
	if err != nil {
		return false, nil, err
	}
	extensions, err := json.Marshal(t.Extensions)
	if err != nil {
		return false, nil, err
	}

	query := `
		INSERT INTO transfers (
			id, sender_id, source_account_id, destination_account_id,
			dest_account_number, dest_bank_code, dest_account_name,
			kind, status, channel, amount, fee, vat, levy, currency,
			description, reference, idempotency_key,
			risk_score, suspicious, flagged_for_review,
			requires_two_fa, two_fa_verified, two_fa_code_hash, two_fa_expires_at,
			night_guard, shield, location_guard,
			declared_region, device_fingerprint, client_ip, user_agent,
			retry_count, max_retries, failure_streak, breaker_tripped,
			scheduled_for, extensions
		)
		VALUES (
			$1, $2, $3, $4, $5, $6, NULLIF($7, ''), $8, $9, $10, $11, $12, $13, $14, $15,
			NULLIF($16, ''), $17, $18, $19, $20, $21, $22, $23, NULLIF($24, ''), $25,
			$26, $27, $28, NULLIF($29, ''), NULLIF($30, ''), NULLIF($31, ''), NULLIF($32, ''),
			$33, $34, $35, $36, $37, $38
		)
		ON CONFLICT (idempotency_key) DO NOTHING
	`
	result, err := r.db.Exec(ctx, query,
		t.ID, t.SenderID, t.SourceAccountID, t.DestinationAccountID,
		t.DestAccountNumber, t.DestBankCode, t.DestAccountName,
		t.Kind, t.Status, t.Channel, t.Amount, t.Fee, t.VAT, t.Levy, t.Currency,
		t.Description, t.Reference, t.IdempotencyKey,
		t.RiskScore, t.Suspicious, t.FlaggedForReview,
		t.RequiresTwoFA, t.TwoFAVerified, t.TwoFACodeHash, t.TwoFAExpiresAt,
		nightGuard, shield, locationGuard,
		t.DeclaredRegion, t.DeviceFingerprint, t.ClientIP, t.UserAgent,
		t.RetryCount, t.MaxRetries, t.FailureStreak, t.BreakerTripped,
		t.ScheduledFor, extensions)
	if err != nil {
		return false, nil, fmt.Errorf("failed to insert transfer: %w", err)
	}
	if result.RowsAffected() > 0 {
		inserted, err := r.FindTransferByID(ctx, t.ID)
		if err != nil {
			return false, nil, err
		}
		return true, inserted, nil
	}

	// A concurrent or earlier submission won the key. Return its row.
	existing, err := r.findTransferByIdempotencyKey(ctx, t.IdempotencyKey)
	if err != nil {
		return false, nil, err
	}
	return false, existing, nil
}

func (r *PostgresRepository) findTransferByIdempotencyKey(ctx context.Context, key string) (*domain.Transfer, error) {
	query := `SELECT ` + transferColumns + ` FROM transfers WHERE idempotency_key = $1`
	return scanTransfer(r.db.QueryRow(ctx, query, key))
}

// FindTransferByID retrieves a transfer by its ID.
func (r *PostgresRepository) FindTransferByID(ctx context.Context, transferID uuid.UUID) (*domain.Transfer, error) {
	query := `SELECT ` + transferColumns + ` FROM transfers WHERE id = $1`
	return scanTransfer(r.db.QueryRow(ctx, query, transferID))
}

// UpdateTransferStatus moves a transfer to a new status. completed_at is
// stamped when the status is terminal success.
func (r *PostgresRepository) UpdateTransferStatus(ctx context.Context, transferID uuid.UUID, status string) error {
	query := `
		UPDATE transfers
		SET status = $2,
		    completed_at = CASE WHEN $2 = 'completed' THEN NOW() ELSE completed_at END,
		    updated_at = NOW()
		WHERE id = $1
	`
	result, err := r.db.Exec(ctx, query, transferID, status)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrTransferNotFound
	}
	return nil
}

// SaveTransferRiskState persists risk, 2FA and guard columns after admission
// or a verification step.
func (r *PostgresRepository) SaveTransferRiskState(ctx context.Context, t *domain.Transfer) error {
	nightGuard, err := marshalGuardState(t.NightGuard)
	if err != nil {
		return err
	}
	shield, err := marshalGuardState(t.Shield)
	if err != nil {
		return err
	}
	locationGuard, err := marshalGuardState(t.LocationGuard)
	if err != nil {
		return err
	}
	query := `
		UPDATE transfers
		SET risk_score = $2, suspicious = $3, flagged_for_review = $4,
		    requires_two_fa = $5, two_fa_verified = $6,
		    two_fa_code_hash = NULLIF($7, ''), two_fa_expires_at = $8,
		    night_guard = $9, shield = $10, location_guard = $11,
		    updated_at = NOW()
		WHERE id = $1
	`
	result, err := r.db.Exec(ctx, query,
		t.ID, t.RiskScore, t.Suspicious, t.FlaggedForReview,
		t.RequiresTwoFA, t.TwoFAVerified, t.TwoFACodeHash, t.TwoFAExpiresAt,
		nightGuard, shield, locationGuard)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrTransferNotFound
	}
	return nil
}

// RecordSettlementAttempt updates retry bookkeeping after a settlement attempt.
func (r *PostgresRepository) RecordSettlementAttempt(ctx context.Context, transferID uuid.UUID, retryCount, failureStreak int, breakerTripped bool) error {
	query := `
		UPDATE transfers
		SET retry_count = $2, failure_streak = $3, breaker_tripped = $4, updated_at = NOW()
		WHERE id = $1
	`
	result, err := r.db.Exec(ctx, query, transferID, retryCount, failureStreak, breakerTripped)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrTransferNotFound
	}
	return nil
}

// SetTransferApproval records a staff approve/reject decision. Only transfers
// parked in approval_required move.
func (r *PostgresRepository) SetTransferApproval(ctx context.Context, transferID uuid.UUID, status string, decidedBy uuid.UUID, note *string) error {
	query := `
		UPDATE transfers
		SET status = $2, approved_by = $3, approval_note = $4, updated_at = NOW()
		WHERE id = $1 AND status = 'approval_required'
	`
	result, err := r.db.Exec(ctx, query, transferID, status, decidedBy, note)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrTransferNotFound
	}
	return nil
}

// FindDueScheduledTransfers returns pending scheduled transfers whose time has come.
func (r *PostgresRepository) FindDueScheduledTransfers(ctx context.Context, now time.Time, limit int) ([]domain.Transfer, error) {
	query := `
		SELECT ` + transferColumns + `
		FROM transfers
		WHERE status = 'pending' AND scheduled_for IS NOT NULL AND scheduled_for <= $1
		ORDER BY scheduled_for
		LIMIT $2
	`
	return r.queryTransfers(ctx, query, now, limit)
}

// FindVerificationExpired returns transfers still awaiting verification or
// approval that were created before the cutoff.
func (r *PostgresRepository) FindVerificationExpired(ctx context.Context, cutoff time.Time, limit int) ([]domain.Transfer, error) {
	query := `
		SELECT ` + transferColumns + `
		FROM transfers
		WHERE status IN ('pending', 'approval_required')
		  AND (requires_two_fa OR status = 'approval_required'
		       OR night_guard->>'status' NOT IN ('', 'face_passed', 'fallback_passed')
		       OR shield->>'status' NOT IN ('', 'face_passed', 'fallback_passed')
		       OR location_guard->>'status' NOT IN ('', 'face_passed', 'fallback_passed'))
		  AND GREATEST(created_at, COALESCE(scheduled_for, created_at)) < $1
		ORDER BY created_at
		LIMIT $2
	`
	return r.queryTransfers(ctx, query, cutoff, limit)
}

func (r *PostgresRepository) queryTransfers(ctx context.Context, query string, args ...interface{}) ([]domain.Transfer, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var transfers []domain.Transfer
	for rows.Next() {
		t, err := scanTransfer(rows)
		if err != nil {
			return nil, err
		}
		transfers = append(transfers, *t)
	}
	return transfers, rows.Err()
}

// TransferStatsSince returns the count and total amount of a user's transfers
// created since the given time, excluding terminal failures.
func (r *PostgresRepository) TransferStatsSince(ctx context.Context, userID uuid.UUID, since time.Time) (int, int64, error) {
	var count int
	var total int64
	query := `
		SELECT COUNT(*), COALESCE(SUM(amount), 0)
		FROM transfers
		WHERE sender_id = $1 AND created_at >= $2
		  AND status NOT IN ('failed', 'cancelled', 'rejected')
	`
	err := r.db.QueryRow(ctx, query, userID, since).Scan(&count, &total)
	if err != nil {
		return 0, 0, err
	}
	return count, total, nil
}

// CompletedDebitTotalSince sums a user's completed outbound transfers since
// the given time. Used by the Large-Transaction Shield daily/monthly caps.
func (r *PostgresRepository) CompletedDebitTotalSince(ctx context.Context, userID uuid.UUID, since time.Time) (int64, error) {
	var total int64
	query := `
		SELECT COALESCE(SUM(amount), 0)
		FROM transfers
		WHERE sender_id = $1 AND status = 'completed' AND created_at >= $2
	`
	err := r.db.QueryRow(ctx, query, userID, since).Scan(&total)
	if err != nil {
		return 0, err
	}
	return total, nil
}

// CompletedAmountStats returns count, mean and population stddev of a user's
// completed transfer amounts.
func (r *PostgresRepository) CompletedAmountStats(ctx context.Context, userID uuid.UUID) (int, float64, float64, error) {
	var count int
	var mean, stddev float64
	query := `
		SELECT COUNT(*), COALESCE(AVG(amount), 0), COALESCE(STDDEV_POP(amount), 0)
		FROM transfers
		WHERE sender_id = $1 AND status = 'completed'
	`
	err := r.db.QueryRow(ctx, query, userID).Scan(&count, &mean, &stddev)
	if err != nil {
		return 0, 0, 0, err
	}
	return count, mean, stddev, nil
}

// CountTransfersToRecipient counts transfers from a user to one destination
// account since the given time.
func (r *PostgresRepository) CountTransfersToRecipient(ctx context.Context, userID uuid.UUID, destAccountNumber string, since time.Time) (int, error) {
	var count int
	query := `
		SELECT COUNT(*)
		FROM transfers
		WHERE sender_id = $1 AND dest_account_number = $2 AND created_at >= $3
		  AND status NOT IN ('failed', 'cancelled', 'rejected')
	`
	err := r.db.QueryRow(ctx, query, userID, destAccountNumber, since).Scan(&count)
	if err != nil {
		return 0, err
	}
	return count, nil
}

// HasPriorTransferToRecipient reports whether the user has ever completed a
// transfer to the destination account.
func (r *PostgresRepository) HasPriorTransferToRecipient(ctx context.Context, userID uuid.UUID, destAccountNumber string) (bool, error) {
	var exists bool
	query := `
		SELECT EXISTS (
			SELECT 1 FROM transfers
			WHERE sender_id = $1 AND dest_account_number = $2 AND status = 'completed'
		)
	`
	err := r.db.QueryRow(ctx, query, userID, destAccountNumber).Scan(&exists)
	return exists, err
}

// KnownDeviceFingerprint reports whether the fingerprint appears on any of the
// user's prior completed transfers.
func (r *PostgresRepository) KnownDeviceFingerprint(ctx context.Context, userID uuid.UUID, fingerprint string) (bool, error) {
	var exists bool
	query := `
		SELECT EXISTS (
			SELECT 1 FROM transfers
			WHERE sender_id = $1 AND device_fingerprint = $2 AND status = 'completed'
		)
	`
	err := r.db.QueryRow(ctx, query, userID, fingerprint).Scan(&exists)
	return exists, err
}

// KnownClientIP reports whether the IP appears on any of the user's prior
// completed transfers.
func (r *PostgresRepository) KnownClientIP(ctx context.Context, userID uuid.UUID, ip string) (bool, error) {
	var exists bool
	query := `
		SELECT EXISTS (
			SELECT 1 FROM transfers
			WHERE sender_id = $1 AND client_ip = $2 AND status = 'completed'
		)
	`
	err := r.db.QueryRow(ctx, query, userID, ip).Scan(&exists)
	return exists, err
}

// ExecuteSettlement applies a settlement plan atomically.
func (r *PostgresRepository) ExecuteSettlement(ctx context.Context, plan domain.SettlementPlan) error {
	if len(plan.Moves) == 0 {
		return errors.New("settlement plan has no moves")
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	// 1. Collect the distinct accounts and lock them in deterministic order
	// to avoid deadlocks between concurrent settlements.
	accountSet := make(map[uuid.UUID]struct{})
	for _, move := range plan.Moves {
		accountSet[move.DebitAccountID] = struct{}{}
		if move.CreditAccountID != nil {
			accountSet[*move.CreditAccountID] = struct{}{}
		}
	}
	accountIDs := make([]uuid.UUID, 0, len(accountSet))
	for id := range accountSet {
		accountIDs = append(accountIDs, id)
	}
	sort.Slice(accountIDs, func(i, j int) bool {
		return accountIDs[i].String() < accountIDs[j].String()
	})

	balances := make(map[uuid.UUID]int64, len(accountIDs))
	opening := make(map[uuid.UUID]int64, len(accountIDs))
	for _, id := range accountIDs {
		var balance int64
		err := tx.QueryRow(ctx, `SELECT balance FROM accounts WHERE id = $1 AND active = TRUE FOR UPDATE`, id).Scan(&balance)
		if err != nil {
			if err == pgx.ErrNoRows {
				return ErrAccountNotFound
			}
			return fmt.Errorf("failed to lock account %s: %w", id, err)
		}
		balances[id] = balance
		opening[id] = balance
	}

	// 2. Re-validate and apply every move against the locked balances.
	for _, move := range plan.Moves {
		if move.Amount <= 0 {
			return fmt.Errorf("settlement move amount must be positive, got %d", move.Amount)
		}
		if balances[move.DebitAccountID] < move.Amount {
			return ErrInsufficientFunds
		}
		balances[move.DebitAccountID] -= move.Amount
		if move.CreditAccountID != nil {
			balances[*move.CreditAccountID] += move.Amount
		}
	}

	// 3. Persist the new balances.
	for _, id := range accountIDs {
		_, err := tx.Exec(ctx, `UPDATE accounts SET balance = $1, updated_at = NOW() WHERE id = $2`, balances[id], id)
		if err != nil {
			return fmt.Errorf("failed to update account %s: %w", id, err)
		}
	}

	// 4. Append one ledger entry per move leg, carrying the running balance.
	// Entries replay the moves from the locked opening balances so
	// balance_after reflects intermediate state when one account appears in
	// several moves.
	running := opening
	insertEntry := `
		INSERT INTO ledger_entries (id, account_id, transfer_id, direction, amount, balance_after, narration)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	for _, move := range plan.Moves {
		running[move.DebitAccountID] -= move.Amount
		_, err := tx.Exec(ctx, insertEntry,
			uuid.New(), move.DebitAccountID, plan.TransferID,
			domain.EntryDebit, move.Amount, running[move.DebitAccountID], move.Narration)
		if err != nil {
			return fmt.Errorf("failed to append debit entry: %w", err)
		}
		if move.CreditAccountID != nil {
			running[*move.CreditAccountID] += move.Amount
			_, err := tx.Exec(ctx, insertEntry,
				uuid.New(), *move.CreditAccountID, plan.TransferID,
				domain.EntryCredit, move.Amount, running[*move.CreditAccountID], move.Narration)
			if err != nil {
				return fmt.Errorf("failed to append credit entry: %w", err)
			}
		}
	}

	// 5. Flip the transfer to completed under the same lock scope so a second
	// worker cannot settle the same transfer twice.
	if plan.CompleteTransfer {
		result, err := tx.Exec(ctx, `
			UPDATE transfers
			SET status = 'completed', completed_at = NOW(), failure_streak = 0, updated_at = NOW()
			WHERE id = $1 AND status = 'processing'
		`, plan.TransferID)
		if err != nil {
			return fmt.Errorf("failed to complete transfer: %w", err)
		}
		if result.RowsAffected() == 0 {
			return ErrTransferNotProcessing
		}
	}

	return tx.Commit(ctx)
}

// FindLedgerEntriesByTransferID lists the ledger entries recorded for a transfer.
func (r *PostgresRepository) FindLedgerEntriesByTransferID(ctx context.Context, transferID uuid.UUID) ([]domain.LedgerEntry, error) {
	query := `
		SELECT id, account_id, transfer_id, direction, amount, balance_after, COALESCE(narration, ''), created_at
		FROM ledger_entries
		WHERE transfer_id = $1
		ORDER BY created_at, id
	`
	rows, err := r.db.Query(ctx, query, transferID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []domain.LedgerEntry
	for rows.Next() {
		var e domain.LedgerEntry
		err := rows.Scan(&e.ID, &e.AccountID, &e.TransferID, &e.Direction, &e.Amount, &e.BalanceAfter, &e.Narration, &e.CreatedAt)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

const failureColumns = `
	id, transfer_id, user_id, error_code, category, COALESCE(reason, ''),
	technical_details, retry_count, max_retries, resolved, resolved_at,
	resolved_by, resolution_note, created_at, updated_at`

func scanFailure(row pgx.Row) (*domain.TransferFailure, error) {
	var f domain.TransferFailure
	var details []byte
	err := row.Scan(
		&f.ID, &f.TransferID, &f.UserID, &f.ErrorCode, &f.Category, &f.Reason,
		&details, &f.RetryCount, &f.MaxRetries, &f.Resolved, &f.ResolvedAt,
		&f.ResolvedBy, &f.ResolutionNote, &f.CreatedAt, &f.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrFailureNotFound
		}
		return nil, err
	}
	if len(details) > 0 {
		if err := json.Unmarshal(details, &f.TechnicalDetails); err != nil {
			return nil, fmt.Errorf("failed to decode failure details: %w", err)
		}
	}
	return &f, nil
}

// UpsertTransferFailure records a failure for a transfer, updating the
// existing row when the transfer has failed before.
func (r *PostgresRepository) UpsertTransferFailure(ctx context.Context, failure *domain.TransferFailure) (*domain.TransferFailure, error) {
	details, err := json.Marshal(failure.TechnicalDetails)
	if err != nil {
		return nil, err
	}
	query := `
		INSERT INTO transfer_failures (
			id, transfer_id, user_id, error_code, category, reason,
			technical_details, retry_count, max_retries
		)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7, $8, $9)
		ON CONFLICT (transfer_id) DO UPDATE SET
			error_code = EXCLUDED.error_code,
			category = EXCLUDED.category,
			reason = EXCLUDED.reason,
			technical_details = EXCLUDED.technical_details,
			retry_count = EXCLUDED.retry_count,
			resolved = FALSE,
			resolved_at = NULL,
			resolved_by = NULL,
			resolution_note = NULL,
			updated_at = NOW()
		RETURNING ` + failureColumns + `
	`
	return scanFailure(r.db.QueryRow(ctx, query,
		uuid.New(), failure.TransferID, failure.UserID, failure.ErrorCode,
		failure.Category, failure.Reason, details, failure.RetryCount, failure.MaxRetries))
}

// FindFailureByTransferID retrieves the failure record for a transfer.
func (r *PostgresRepository) FindFailureByTransferID(ctx context.Context, transferID uuid.UUID) (*domain.TransferFailure, error) {
	query := `SELECT ` + failureColumns + ` FROM transfer_failures WHERE transfer_id = $1`
	return scanFailure(r.db.QueryRow(ctx, query, transferID))
}

// ListTransferFailures lists failure records with optional filters, newest first.
func (r *PostgresRepository) ListTransferFailures(ctx context.Context, opts domain.FailureListOptions) ([]domain.TransferFailure, error) {
	conditions := []string{"1=1"}
	args := []interface{}{}
	arg := 1
	if opts.Category != "" {
		conditions = append(conditions, fmt.Sprintf("category = $%d", arg))
		args = append(args, opts.Category)
		arg++
	}
	if opts.Code != "" {
		conditions = append(conditions, fmt.Sprintf("error_code = $%d", arg))
		args = append(args, opts.Code)
		arg++
	}
	if opts.Resolved != nil {
		conditions = append(conditions, fmt.Sprintf("resolved = $%d", arg))
		args = append(args, *opts.Resolved)
		arg++
	}
	if opts.UserID != nil {
		conditions = append(conditions, fmt.Sprintf("user_id = $%d", arg))
		args = append(args, *opts.UserID)
		arg++
	}
	limit := opts.Limit
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	offset := opts.Offset
	if offset < 0 {
		offset = 0
	}
	query := fmt.Sprintf(`
		SELECT `+failureColumns+`
		FROM transfer_failures
		WHERE %s
		ORDER BY created_at DESC
		LIMIT $%d OFFSET $%d
	`, strings.Join(conditions, " AND "), arg, arg+1)
	args = append(args, limit, offset)

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var failures []domain.TransferFailure
	for rows.Next() {
		f, err := scanFailure(rows)
		if err != nil {
			return nil, err
		}
		failures = append(failures, *f)
	}
	return failures, rows.Err()
}

// ResolveTransferFailure marks a failure resolved with an audit trail.
func (r *PostgresRepository) ResolveTransferFailure(ctx context.Context, failureID uuid.UUID, resolvedBy uuid.UUID, note *string) (*domain.TransferFailure, error) {
	query := `
		UPDATE transfer_failures
		SET resolved = TRUE, resolved_at = NOW(), resolved_by = $2, resolution_note = $3, updated_at = NOW()
		WHERE id = $1
		RETURNING ` + failureColumns + `
	`
	return scanFailure(r.db.QueryRow(ctx, query, failureID, resolvedBy, note))
}
