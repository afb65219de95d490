/**
 * @description
 * Face challenge issuance and biometric verification. A challenge is a
 * server-issued single-use nonce bound to one (transfer, guard) pair with a
 * short TTL; a verification attempt without a live matching nonce is rejected
 * as a replay. Matching compares the sha256 digest of the submitted sample
 * against the enrolled template hash. That is a placeholder-strength contract,
 * not a real biometric matcher; the ChallengeStore/matcher seams are where a
 * production matcher would plug in.
 */

package app

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/kudipay/settlement-service/internal/domain"
	"github.com/redis/go-redis/v9"
)

// ChallengeStore holds one-shot face challenge nonces.
type ChallengeStore interface {
	// Put stores the nonce under the (transfer, guard) slot, replacing any
	// live nonce for that slot.
	Put(ctx context.Context, transferID uuid.UUID, guard domain.GuardType, nonce string, ttl time.Duration) error
	// Take atomically retrieves and consumes the nonce for a slot. Returns
	// "" when no live nonce exists.
	Take(ctx context.Context, transferID uuid.UUID, guard domain.GuardType) (string, error)
}

// RedisChallengeStore keeps nonces in Redis so challenges survive process
// restarts and are shared across replicas.
type RedisChallengeStore struct {
	client *redis.Client
	prefix string
}

// NewRedisChallengeStore creates a challenge store on the given client.
func NewRedisChallengeStore(client *redis.Client, prefix string) *RedisChallengeStore {
	if prefix == "" {
		prefix = "settlement:face_challenge"
	}
	return &RedisChallengeStore{client: client, prefix: prefix}
}

func (s *RedisChallengeStore) key(transferID uuid.UUID, guard domain.GuardType) string {
	return fmt.Sprintf("%s:%s:%s", s.prefix, transferID, guard)
}

func (s *RedisChallengeStore) Put(ctx context.Context, transferID uuid.UUID, guard domain.GuardType, nonce string, ttl time.Duration) error {
	return s.client.Set(ctx, s.key(transferID, guard), nonce, ttl).Err()
}

func (s *RedisChallengeStore) Take(ctx context.Context, transferID uuid.UUID, guard domain.GuardType) (string, error) {
	nonce, err := s.client.GetDel(ctx, s.key(transferID, guard)).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return nonce, nil
}

// FaceVerifier issues challenges and verifies face samples against enrolled
// templates.
type FaceVerifier struct {
	challenges ChallengeStore
	ttl        time.Duration
}

// NewFaceVerifier creates a verifier with the given challenge TTL.
func NewFaceVerifier(challenges ChallengeStore, ttl time.Duration) *FaceVerifier {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &FaceVerifier{challenges: challenges, ttl: ttl}
}

// IssueChallenge mints a fresh nonce for a (transfer, guard) verification
// attempt. Re-issuing replaces the previous nonce.
func (v *FaceVerifier) IssueChallenge(ctx context.Context, transferID uuid.UUID, guard domain.GuardType) (*domain.FaceChallenge, error) {
	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("failed to generate challenge nonce: %w", err)
	}
	nonce := base64.RawURLEncoding.EncodeToString(raw)
	if v.challenges == nil {
		return nil, domain.NewTransferError(domain.CodeProcessingError, "challenge store is not configured")
	}
	if err := v.challenges.Put(ctx, transferID, guard, nonce, v.ttl); err != nil {
		return nil, fmt.Errorf("failed to store challenge nonce: %w", err)
	}
	return &domain.FaceChallenge{
		Challenge: nonce,
		Guard:     guard,
		ExpiresAt: time.Now().Add(v.ttl),
	}, nil
}

// Verify consumes the live challenge for the slot and compares the sample
// digest against the enrolled template hash. The nonce is consumed on every
// attempt, passing or failing, so each challenge covers exactly one attempt.
func (v *FaceVerifier) Verify(ctx context.Context, transferID uuid.UUID, guard domain.GuardType, settings *domain.GuardSettings, sampleB64, challenge string) error {
	if !settings.FaceEnrolled() {
		return domain.NewTransferError(domain.CodeGuardRequired, "no face template enrolled for %s", guard)
	}
	if v.challenges == nil {
		return domain.NewTransferError(domain.CodeProcessingError, "challenge store is not configured")
	}
	stored, err := v.challenges.Take(ctx, transferID, guard)
	if err != nil {
		return domain.WrapTransferError(domain.CodeProcessingError, "challenge store unavailable", err)
	}
	if stored == "" {
		return domain.NewTransferError(domain.CodeGuardRequired, "face challenge missing or expired")
	}
	if challenge == "" || challenge != stored {
		return domain.NewTransferError(domain.CodeGuardRequired, "face challenge mismatch")
	}
	if HashFaceSample(sampleB64) != settings.FaceTemplateHash {
		return domain.NewTransferError(domain.CodeGuardRequired, "face sample does not match enrolled template")
	}
	return nil
}

// HashFaceSample digests a base64 face sample for storage or comparison.
func HashFaceSample(sampleB64 string) string {
	sum := sha256.Sum256([]byte(sampleB64))
	return hex.EncodeToString(sum[:])
}
