/**
 * @description
 * Fee, VAT and levy calculation for transfers. All charge math is pure and
 * driven by a RateConfig snapshot taken from configuration at request time,
 * so a rate change never affects an in-flight transfer.
 */

package app

import (
	"math"

	"github.com/kudipay/settlement-service/internal/config"
	"github.com/kudipay/settlement-service/internal/domain"
)

// RateConfig is the charge schedule applied to one transfer.
type RateConfig struct {
	FeesEnabled       bool
	LevyEnabled       bool
	VATRatePercent    float64
	FeeTier1Kobo      int64
	FeeTier2Kobo      int64
	FeeTier3Kobo      int64
	FeeTier1MaxKobo   int64
	FeeTier2MaxKobo   int64
	LevyKobo          int64
	LevyBlockKobo     int64
	LevyMinAmountKobo int64
}

// RateConfigFromConfig snapshots the charge schedule out of service config.
func RateConfigFromConfig(cfg config.Config) RateConfig {
	return RateConfig{
		FeesEnabled:       cfg.FeesEnabled,
		LevyEnabled:       cfg.LevyEnabled,
		VATRatePercent:    cfg.VATRatePercent,
		FeeTier1Kobo:      cfg.FeeTier1Kobo,
		FeeTier2Kobo:      cfg.FeeTier2Kobo,
		FeeTier3Kobo:      cfg.FeeTier3Kobo,
		FeeTier1MaxKobo:   cfg.FeeTier1MaxKobo,
		FeeTier2MaxKobo:   cfg.FeeTier2MaxKobo,
		LevyKobo:          cfg.LevyKobo,
		LevyBlockKobo:     cfg.LevyBlockKobo,
		LevyMinAmountKobo: cfg.LevyMinAmountKobo,
	}
}

// Charges is the result of fee calculation for one transfer.
type Charges struct {
	Fee  int64 // in kobo
	VAT  int64 // in kobo
	Levy int64 // in kobo
}

// Total returns the sum of all charges.
func (c Charges) Total() int64 { return c.Fee + c.VAT + c.Levy }

// CalculateCharges computes the fee, VAT and levy for a transfer amount.
// Internal transfers carry no fee and therefore no VAT. External transfers
// use the tiered fee schedule with VAT on the fee. The levy applies per
// started block above the levy floor regardless of kind, when enabled.
func CalculateCharges(amount int64, kind string, rates RateConfig) Charges {
	var charges Charges
	if amount <= 0 {
		return charges
	}

	if rates.FeesEnabled && kind == domain.TransferKindExternal {
		switch {
		case amount <= rates.FeeTier1MaxKobo:
			charges.Fee = rates.FeeTier1Kobo
		case amount <= rates.FeeTier2MaxKobo:
			charges.Fee = rates.FeeTier2Kobo
		default:
			charges.Fee = rates.FeeTier3Kobo
		}
		charges.VAT = int64(math.Round(float64(charges.Fee) * rates.VATRatePercent / 100))
	}

	if rates.LevyEnabled && rates.LevyKobo > 0 && rates.LevyBlockKobo > 0 && amount >= rates.LevyMinAmountKobo {
		blocks := amount / rates.LevyBlockKobo
		if amount%rates.LevyBlockKobo != 0 {
			blocks++
		}
		charges.Levy = blocks * rates.LevyKobo
	}

	return charges
}
