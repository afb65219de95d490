package app

import (
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestDeriveIdempotencyKey(t *testing.T) {
	userID := uuid.New()
	base := time.Date(2026, 3, 10, 14, 2, 30, 0, time.UTC)

	t.Run("supplied key wins", func(t *testing.T) {
		key := DeriveIdempotencyKey("  client-key-9  ", userID, 100_000, "0011223344", "", base)
		if key != "client-key-9" {
			t.Fatalf("expected trimmed supplied key, got %q", key)
		}
	})

	t.Run("same bucket collapses", func(t *testing.T) {
		a := DeriveIdempotencyKey("", userID, 100_000, "0011223344", "058", base)
		b := DeriveIdempotencyKey("", userID, 100_000, "0011223344", "058", base.Add(90*time.Second))
		if a != b {
			t.Fatal("expected identical keys inside one bucket")
		}
	})

	t.Run("next bucket diverges", func(t *testing.T) {
		a := DeriveIdempotencyKey("", userID, 100_000, "0011223344", "058", base)
		b := DeriveIdempotencyKey("", userID, 100_000, "0011223344", "058", base.Add(idempotencyBucket))
		if a == b {
			t.Fatal("expected different keys across buckets")
		}
	})

	t.Run("fields change the key", func(t *testing.T) {
		a := DeriveIdempotencyKey("", userID, 100_000, "0011223344", "058", base)
		if b := DeriveIdempotencyKey("", userID, 100_001, "0011223344", "058", base); a == b {
			t.Fatal("expected amount to change the key")
		}
		if b := DeriveIdempotencyKey("", userID, 100_000, "0011223345", "058", base); a == b {
			t.Fatal("expected destination to change the key")
		}
		if b := DeriveIdempotencyKey("", uuid.New(), 100_000, "0011223344", "058", base); a == b {
			t.Fatal("expected user to change the key")
		}
	})
}
