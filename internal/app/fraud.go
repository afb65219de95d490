/**
 * @description
 * Fraud risk scoring for outbound transfers. The scorer computes independent
 * weighted sub-scores over the user's recent transfer history (velocity,
 * amount anomaly, recipient anomaly, device/location anomaly), sums them into
 * a 0-100 score and derives the gating decisions from configured thresholds.
 *
 * A scorer failure never passes a transfer silently and never fails it
 * outright: the engine falls back to a medium-risk outcome that requires 2FA.
 */

package app

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/kudipay/settlement-service/internal/config"
	"github.com/kudipay/settlement-service/internal/domain"
	"github.com/kudipay/settlement-service/internal/store"
)

// Sub-score weights. The clamp keeps the final score on the 0-100 scale even
// when several heuristics fire together.
const (
	weightHourlyCount     = 20
	weightHourlyAmount    = 25
	weightDailyCount      = 15
	weightDailyAmount     = 20
	weightAmountAnomaly   = 20
	weightNewRecipient    = 10
	weightRepeatRecipient = 15
	weightUntrustedDevice = 10
	weightUnknownIP       = 15
	weightMissingDevice   = 5

	// fallbackRiskScore is used when scoring itself fails.
	fallbackRiskScore = 50
)

// RiskAssessment is the scorer output consumed by the transfer processor.
type RiskAssessment struct {
	Score            int
	Heuristics       []string
	RequiresTwoFA    bool
	Suspicious       bool
	RequiresApproval bool
	Blocked          bool
	ScorerDegraded   bool
}

// FraudScorer computes risk assessments from repository history.
type FraudScorer struct {
	repo store.Repository
	cfg  config.Config
}

// NewFraudScorer creates a scorer bound to a repository and config snapshot.
func NewFraudScorer(repo store.Repository, cfg config.Config) *FraudScorer {
	return &FraudScorer{repo: repo, cfg: cfg}
}

// Score assesses one transfer at admission time. now is injected so tests can
// pin the clock.
func (f *FraudScorer) Score(ctx context.Context, userID uuid.UUID, t *domain.Transfer, now time.Time) RiskAssessment {
	score := 0
	var heuristics []string
	degraded := false

	hit := func(name string, weight int) {
		heuristics = append(heuristics, name)
		score += weight
	}
	degrade := func(stage string, err error) {
		degraded = true
		log.Printf("level=warn component=fraud_scorer msg=\"sub-score unavailable\" stage=%s user_id=%s err=%v", stage, userID, err)
	}

	// Velocity: trailing 1h and 24h windows vs fixed caps.
	hourCount, hourAmount, err := f.repo.TransferStatsSince(ctx, userID, now.Add(-time.Hour))
	if err != nil {
		degrade("velocity_hourly", err)
	} else {
		if hourCount > f.cfg.HourlyCountLimit {
			hit("hourly_count_exceeded", weightHourlyCount)
		}
		if hourAmount+t.Amount > f.cfg.HourlyAmountLimitKobo {
			hit("hourly_amount_exceeded", weightHourlyAmount)
		}
	}
	dayCount, dayAmount, err := f.repo.TransferStatsSince(ctx, userID, now.Add(-24*time.Hour))
	if err != nil {
		degrade("velocity_daily", err)
	} else {
		if dayCount > f.cfg.DailyCountLimit {
			hit("daily_count_exceeded", weightDailyCount)
		}
		if dayAmount+t.Amount > f.cfg.DailyAmountLimitKobo {
			hit("daily_amount_exceeded", weightDailyAmount)
		}
	}

	// Amount anomaly: amount vs mean + 3*stddev of completed history, plus a
	// round-number heuristic on large amounts.
	count, mean, stddev, err := f.repo.CompletedAmountStats(ctx, userID)
	if err != nil {
		degrade("amount_stats", err)
	} else if count >= 5 && float64(t.Amount) > mean+3*stddev {
		hit("amount_anomaly", weightAmountAnomaly)
	}
	if t.Amount > f.cfg.RoundAmountFloorKobo && f.cfg.RoundAmountMultipleKobo > 0 &&
		t.Amount%f.cfg.RoundAmountMultipleKobo == 0 {
		// Reported for review context only. Weighting it would make the score
		// non-monotonic in amount: N round kobo would outscore N+1.
		heuristics = append(heuristics, "round_amount")
	}

	// Recipient anomaly: first transfer to this destination, or hammering the
	// same destination inside an hour.
	known, err := f.repo.HasPriorTransferToRecipient(ctx, userID, t.DestAccountNumber)
	if err != nil {
		degrade("recipient_history", err)
	} else if !known {
		hit("new_recipient", weightNewRecipient)
	}
	repeats, err := f.repo.CountTransfersToRecipient(ctx, userID, t.DestAccountNumber, now.Add(-time.Hour))
	if err != nil {
		degrade("recipient_velocity", err)
	} else if repeats > f.cfg.RecipientHourlyLimit {
		hit("repeat_recipient", weightRepeatRecipient)
	}

	// Device and location anomaly.
	if t.DeviceFingerprint == "" {
		hit("missing_device_fingerprint", weightMissingDevice)
	} else {
		trusted, err := f.repo.KnownDeviceFingerprint(ctx, userID, t.DeviceFingerprint)
		if err != nil {
			degrade("device_history", err)
		} else if !trusted {
			hit("untrusted_device", weightUntrustedDevice)
		}
	}
	if t.ClientIP != "" {
		seen, err := f.repo.KnownClientIP(ctx, userID, t.ClientIP)
		if err != nil {
			degrade("ip_history", err)
		} else if !seen {
			hit("unknown_ip", weightUnknownIP)
		}
	}

	if score > 100 {
		score = 100
	}
	if score < 0 {
		score = 0
	}
	if degraded && score < fallbackRiskScore {
		// Partial history must not soften the outcome below the conservative
		// fallback when any sub-score could not be computed.
		score = fallbackRiskScore
		heuristics = append(heuristics, "scorer_degraded")
	}

	return f.decide(score, heuristics, degraded)
}

// Fallback returns the conservative assessment used when scoring fails
// entirely.
func (f *FraudScorer) Fallback() RiskAssessment {
	return f.decide(fallbackRiskScore, []string{"scorer_error"}, true)
}

func (f *FraudScorer) decide(score int, heuristics []string, degraded bool) RiskAssessment {
	return RiskAssessment{
		Score:            score,
		Heuristics:       heuristics,
		RequiresTwoFA:    score >= f.cfg.RiskTwoFAThreshold,
		Suspicious:       score >= f.cfg.RiskSuspiciousThreshold,
		RequiresApproval: score >= f.cfg.RiskApprovalThreshold,
		Blocked:          score >= f.cfg.RiskBlockThreshold,
		ScorerDegraded:   degraded,
	}
}
