package app

import (
	"errors"
	"testing"
	"time"

	"github.com/kudipay/settlement-service/internal/domain"
)

func TestGenerateTwoFACode(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 20; i++ {
		code, err := GenerateTwoFACode()
		if err != nil {
			t.Fatalf("generate failed: %v", err)
		}
		if len(code) != 6 {
			t.Fatalf("expected six digits, got %q", code)
		}
		for _, c := range code {
			if c < '0' || c > '9' {
				t.Fatalf("expected digits only, got %q", code)
			}
		}
		seen[code] = true
	}
	if len(seen) < 2 {
		t.Fatal("expected varied codes across generations")
	}
}

func TestCheckTwoFACode(t *testing.T) {
	now := time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)
	future := now.Add(10 * time.Minute)
	past := now.Add(-time.Minute)

	tests := []struct {
		name     string
		transfer domain.Transfer
		code     string
		wantCode string
	}{
		{
			name: "correct code passes",
			transfer: domain.Transfer{
				RequiresTwoFA:  true,
				TwoFACodeHash:  HashTwoFACode("482913"),
				TwoFAExpiresAt: &future,
			},
			code: "482913",
		},
		{
			name: "wrong code rejected",
			transfer: domain.Transfer{
				RequiresTwoFA:  true,
				TwoFACodeHash:  HashTwoFACode("482913"),
				TwoFAExpiresAt: &future,
			},
			code:     "000000",
			wantCode: domain.CodeInvalidTwoFA,
		},
		{
			name: "expired code rejected",
			transfer: domain.Transfer{
				RequiresTwoFA:  true,
				TwoFACodeHash:  HashTwoFACode("482913"),
				TwoFAExpiresAt: &past,
			},
			code:     "482913",
			wantCode: domain.CodeExpiredTwoFA,
		},
		{
			name:     "not required rejected",
			transfer: domain.Transfer{},
			code:     "482913",
			wantCode: domain.CodeInvalidTwoFA,
		},
		{
			name: "no code issued rejected",
			transfer: domain.Transfer{
				RequiresTwoFA: true,
			},
			code:     "482913",
			wantCode: domain.CodeInvalidTwoFA,
		},
		{
			name: "already verified is a no-op",
			transfer: domain.Transfer{
				RequiresTwoFA: true,
				TwoFAVerified: true,
			},
			code: "anything",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckTwoFACode(&tt.transfer, tt.code, now)
			if tt.wantCode == "" {
				if err != nil {
					t.Fatalf("expected pass, got %v", err)
				}
				return
			}
			var terr *domain.TransferError
			if !errors.As(err, &terr) || terr.Code != tt.wantCode {
				t.Fatalf("expected %s, got %v", tt.wantCode, err)
			}
		})
	}
}
