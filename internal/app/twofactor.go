/**
 * @description
 * One-time two-factor codes for parked transfers. Codes are six digits from
 * crypto/rand, stored hashed on the transfer row and delivered out of band
 * through the event producer. Verification is constant-time over the hash.
 */

package app

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"math/big"
	"time"

	"github.com/kudipay/settlement-service/internal/domain"
)

// GenerateTwoFACode produces a random six-digit code.
func GenerateTwoFACode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
	if err != nil {
		return "", fmt.Errorf("failed to generate 2fa code: %w", err)
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}

// HashTwoFACode digests a code for storage on the transfer row.
func HashTwoFACode(code string) string {
	sum := sha256.Sum256([]byte(code))
	return hex.EncodeToString(sum[:])
}

// CheckTwoFACode validates a submitted code against the transfer's stored
// hash and expiry.
func CheckTwoFACode(t *domain.Transfer, code string, now time.Time) error {
	if !t.RequiresTwoFA {
		return domain.NewTransferError(domain.CodeInvalidTwoFA, "transfer does not require 2fa")
	}
	if t.TwoFAVerified {
		return nil
	}
	if t.TwoFACodeHash == "" {
		return domain.NewTransferError(domain.CodeInvalidTwoFA, "no 2fa code issued for transfer")
	}
	if t.TwoFAExpiresAt != nil && now.After(*t.TwoFAExpiresAt) {
		return domain.NewTransferError(domain.CodeExpiredTwoFA, "2fa code expired")
	}
	submitted := HashTwoFACode(code)
	if subtle.ConstantTimeCompare([]byte(submitted), []byte(t.TwoFACodeHash)) != 1 {
		return domain.NewTransferError(domain.CodeInvalidTwoFA, "incorrect 2fa code")
	}
	return nil
}
