package app

import (
	"testing"

	"github.com/kudipay/settlement-service/internal/domain"
)

func testRates() RateConfig {
	return RateConfig{
		FeesEnabled:       true,
		LevyEnabled:       true,
		VATRatePercent:    7.5,
		FeeTier1Kobo:      1000,
		FeeTier2Kobo:      2500,
		FeeTier3Kobo:      5000,
		FeeTier1MaxKobo:   500_000,
		FeeTier2MaxKobo:   5_000_000,
		LevyKobo:          5000,
		LevyBlockKobo:     1_000_000,
		LevyMinAmountKobo: 1_000_000,
	}
}

func TestCalculateCharges(t *testing.T) {
	tests := []struct {
		name     string
		amount   int64
		kind     string
		rates    RateConfig
		wantFee  int64
		wantVAT  int64
		wantLevy int64
	}{
		{
			name:    "tier1 external below levy floor",
			amount:  300_000,
			kind:    domain.TransferKindExternal,
			rates:   testRates(),
			wantFee: 1000,
			wantVAT: 75,
		},
		{
			name:     "tier2 external with one levy block",
			amount:   1_000_000,
			kind:     domain.TransferKindExternal,
			rates:    testRates(),
			wantFee:  2500,
			wantVAT:  188,
			wantLevy: 5000,
		},
		{
			name:     "tier3 external with partial block rounded up",
			amount:   7_500_000,
			kind:     domain.TransferKindExternal,
			rates:    testRates(),
			wantFee:  5000,
			wantVAT:  375,
			wantLevy: 40_000,
		},
		{
			name:     "internal carries no fee but still pays levy",
			amount:   2_000_000,
			kind:     domain.TransferKindInternal,
			rates:    testRates(),
			wantLevy: 10_000,
		},
		{
			name:   "fees disabled",
			amount: 300_000,
			kind:   domain.TransferKindExternal,
			rates: func() RateConfig {
				r := testRates()
				r.FeesEnabled = false
				r.LevyEnabled = false
				return r
			}(),
		},
		{
			name:   "zero amount",
			amount: 0,
			kind:   domain.TransferKindExternal,
			rates:  testRates(),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := CalculateCharges(tt.amount, tt.kind, tt.rates)
			if got.Fee != tt.wantFee {
				t.Fatalf("expected fee %d, got %d", tt.wantFee, got.Fee)
			}
			if got.VAT != tt.wantVAT {
				t.Fatalf("expected vat %d, got %d", tt.wantVAT, got.VAT)
			}
			if got.Levy != tt.wantLevy {
				t.Fatalf("expected levy %d, got %d", tt.wantLevy, got.Levy)
			}
			if got.Total() != tt.wantFee+tt.wantVAT+tt.wantLevy {
				t.Fatalf("expected total %d, got %d", tt.wantFee+tt.wantVAT+tt.wantLevy, got.Total())
			}
		})
	}
}
