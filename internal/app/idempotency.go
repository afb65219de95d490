/**
 * @description
 * Idempotency key derivation for transfer submissions. When the caller does
 * not supply a key, one is derived deterministically from the submission's
 * identifying fields plus a coarse time bucket, so an accidental double-tap
 * lands on the same key while a deliberate repeat a few minutes later does
 * not. Uniqueness is enforced at the storage layer, not here.
 */

package app

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// idempotencyBucket is the coarse time window inside which identical
// submissions collapse onto one key.
const idempotencyBucket = 5 * time.Minute

// DeriveIdempotencyKey returns the caller-supplied key when present, else a
// deterministic digest over (user, amount, destination account, bank code,
// time bucket).
func DeriveIdempotencyKey(supplied string, userID uuid.UUID, amount int64, destAccountNumber, destBankCode string, now time.Time) string {
	if key := strings.TrimSpace(supplied); key != "" {
		return key
	}
	bucket := now.UTC().Truncate(idempotencyBucket).Unix()
	payload := fmt.Sprintf("%s|%d|%s|%s|%d", userID, amount,
		strings.TrimSpace(destAccountNumber), strings.TrimSpace(destBankCode), bucket)
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])
}
