package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kudipay/settlement-service/internal/domain"
)

func TestPINVerifier_CorrectPINResetsFailureState(t *testing.T) {
	repo := newEngineRepoStub()
	repo.cred.FailedAttempts = 2
	verifier := NewPINVerifier(repo, 3, 1800)

	if err := verifier.Verify(context.Background(), repo.user.ID, "123456"); err != nil {
		t.Fatalf("expected correct pin to pass, got %v", err)
	}
	if repo.cred.FailedAttempts != 0 {
		t.Fatalf("expected failure state cleared, got %d attempts", repo.cred.FailedAttempts)
	}
}

func TestPINVerifier_WrongPINCountsAttempts(t *testing.T) {
	repo := newEngineRepoStub()
	verifier := NewPINVerifier(repo, 3, 1800)

	err := verifier.Verify(context.Background(), repo.user.ID, "999999")
	var terr *domain.TransferError
	if !errors.As(err, &terr) || terr.Code != domain.CodeInvalidPIN {
		t.Fatalf("expected %s, got %v", domain.CodeInvalidPIN, err)
	}
	if repo.cred.FailedAttempts != 1 {
		t.Fatalf("expected one recorded attempt, got %d", repo.cred.FailedAttempts)
	}
}

func TestPINVerifier_LocksAtAttemptLimit(t *testing.T) {
	repo := newEngineRepoStub()
	verifier := NewPINVerifier(repo, 3, 1800)

	var terr *domain.TransferError
	for i := 0; i < 2; i++ {
		err := verifier.Verify(context.Background(), repo.user.ID, "999999")
		if !errors.As(err, &terr) || terr.Code != domain.CodeInvalidPIN {
			t.Fatalf("attempt %d: expected %s, got %v", i+1, domain.CodeInvalidPIN, err)
		}
	}
	// Third wrong attempt hits the limit and locks.
	err := verifier.Verify(context.Background(), repo.user.ID, "999999")
	if !errors.As(err, &terr) || terr.Code != domain.CodePINLocked {
		t.Fatalf("expected %s at the limit, got %v", domain.CodePINLocked, err)
	}
	// Even the correct pin is refused while locked.
	err = verifier.Verify(context.Background(), repo.user.ID, "123456")
	if !errors.As(err, &terr) || terr.Code != domain.CodePINLocked {
		t.Fatalf("expected %s while locked, got %v", domain.CodePINLocked, err)
	}
}

func TestPINVerifier_ExpiredLockAdmits(t *testing.T) {
	repo := newEngineRepoStub()
	past := time.Now().Add(-time.Minute)
	repo.cred.LockedUntil = &past
	verifier := NewPINVerifier(repo, 3, 1800)

	if err := verifier.Verify(context.Background(), repo.user.ID, "123456"); err != nil {
		t.Fatalf("expected expired lock to admit, got %v", err)
	}
}

func TestPINVerifier_MissingInputs(t *testing.T) {
	repo := newEngineRepoStub()
	verifier := NewPINVerifier(repo, 3, 1800)

	var terr *domain.TransferError
	err := verifier.Verify(context.Background(), repo.user.ID, "")
	if !errors.As(err, &terr) || terr.Code != domain.CodeInvalidPIN {
		t.Fatalf("expected empty pin rejection, got %v", err)
	}

	repo.cred = nil
	err = verifier.Verify(context.Background(), repo.user.ID, "123456")
	if !errors.As(err, &terr) || terr.Code != domain.CodeInvalidPIN {
		t.Fatalf("expected unset pin rejection, got %v", err)
	}
}
