/**
 * @description
 * Transaction PIN verification with attempt tracking and lockout. PINs are
 * stored as bcrypt hashes in user_security_credentials; repeated failures
 * lock the credential for a configured duration.
 */

package app

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/kudipay/settlement-service/internal/domain"
	"github.com/kudipay/settlement-service/internal/store"
	"golang.org/x/crypto/bcrypt"
)

// PINVerifier checks transaction PINs against stored credentials.
type PINVerifier struct {
	repo           store.Repository
	maxAttempts    int
	lockoutSeconds int
}

// NewPINVerifier creates a verifier with the configured lockout policy.
func NewPINVerifier(repo store.Repository, maxAttempts, lockoutSeconds int) *PINVerifier {
	return &PINVerifier{repo: repo, maxAttempts: maxAttempts, lockoutSeconds: lockoutSeconds}
}

// Verify checks the submitted PIN for a user. A wrong PIN records a failed
// attempt; hitting the attempt limit locks the credential. A correct PIN
// clears the failure state.
func (v *PINVerifier) Verify(ctx context.Context, userID uuid.UUID, pin string) error {
	if pin == "" {
		return domain.NewTransferError(domain.CodeInvalidPIN, "transaction pin is required")
	}

	credential, err := v.repo.GetUserSecurityCredentialByUserID(ctx, userID)
	if err != nil {
		if err == store.ErrTransactionPINNotSet {
			return domain.NewTransferError(domain.CodeInvalidPIN, "transaction pin not set")
		}
		return domain.WrapTransferError(domain.CodeDatabaseError, "failed to load pin credential", err)
	}
	if credential.LockedUntil != nil && credential.LockedUntil.After(time.Now()) {
		return domain.NewTransferError(domain.CodePINLocked,
			"transaction pin locked until %s", credential.LockedUntil.UTC().Format(time.RFC3339))
	}

	if bcrypt.CompareHashAndPassword([]byte(credential.TransactionPINHash), []byte(pin)) != nil {
		updated, recErr := v.repo.RecordFailedTransactionPINAttempt(ctx, userID, v.maxAttempts, v.lockoutSeconds)
		if recErr == nil && updated.LockedUntil != nil && updated.LockedUntil.After(time.Now()) {
			return domain.NewTransferError(domain.CodePINLocked,
				"transaction pin locked until %s", updated.LockedUntil.UTC().Format(time.RFC3339))
		}
		return domain.NewTransferError(domain.CodeInvalidPIN, "incorrect transaction pin")
	}

	if err := v.repo.ResetTransactionPINFailureState(ctx, userID); err != nil && err != store.ErrTransactionPINNotSet {
		return domain.WrapTransferError(domain.CodeDatabaseError, "failed to reset pin failure state", err)
	}
	return nil
}
