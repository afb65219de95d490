package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kudipay/settlement-service/internal/domain"
	"github.com/kudipay/settlement-service/internal/store"
)

// fraudRepoStub returns canned history for the scorer.
type fraudRepoStub struct {
	store.Repository

	now time.Time

	hourCount  int
	hourAmount int64
	dayCount   int
	dayAmount  int64

	statsCount  int
	statsMean   float64
	statsStddev float64
	statsErr    error

	prior       bool
	repeats     int
	knownDevice bool
	knownIP     bool
}

func (s *fraudRepoStub) TransferStatsSince(ctx context.Context, userID uuid.UUID, since time.Time) (int, int64, error) {
	if since.Equal(s.now.Add(-time.Hour)) {
		return s.hourCount, s.hourAmount, nil
	}
	return s.dayCount, s.dayAmount, nil
}

func (s *fraudRepoStub) CompletedAmountStats(ctx context.Context, userID uuid.UUID) (int, float64, float64, error) {
	return s.statsCount, s.statsMean, s.statsStddev, s.statsErr
}

func (s *fraudRepoStub) HasPriorTransferToRecipient(ctx context.Context, userID uuid.UUID, destAccountNumber string) (bool, error) {
	return s.prior, nil
}

func (s *fraudRepoStub) CountTransfersToRecipient(ctx context.Context, userID uuid.UUID, destAccountNumber string, since time.Time) (int, error) {
	return s.repeats, nil
}

func (s *fraudRepoStub) KnownDeviceFingerprint(ctx context.Context, userID uuid.UUID, fingerprint string) (bool, error) {
	return s.knownDevice, nil
}

func (s *fraudRepoStub) KnownClientIP(ctx context.Context, userID uuid.UUID, clientIP string) (bool, error) {
	return s.knownIP, nil
}

func cleanFraudStub(now time.Time) *fraudRepoStub {
	return &fraudRepoStub{
		now:         now,
		prior:       true,
		knownDevice: true,
		knownIP:     true,
	}
}

func scoringTransfer(amount int64) *domain.Transfer {
	return &domain.Transfer{
		Amount:            amount,
		DestAccountNumber: "9988776655",
		DeviceFingerprint: "device-1",
		ClientIP:          "10.0.0.1",
	}
}

func TestFraudScorer_CleanHistoryScoresZero(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	scorer := NewFraudScorer(cleanFraudStub(now), testConfig())

	got := scorer.Score(context.Background(), uuid.New(), scoringTransfer(100_000), now)
	if got.Score != 0 {
		t.Fatalf("expected score 0, got %d", got.Score)
	}
	if got.RequiresTwoFA || got.Suspicious || got.RequiresApproval {
		t.Fatalf("expected no gates on a clean transfer, got %+v", got)
	}
}

func TestFraudScorer_VelocityBreachRequiresTwoFA(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	cfg := testConfig()
	repo := cleanFraudStub(now)
	repo.hourCount = cfg.HourlyCountLimit + 1
	repo.hourAmount = cfg.HourlyAmountLimitKobo
	repo.dayAmount = cfg.DailyAmountLimitKobo
	scorer := NewFraudScorer(repo, cfg)

	got := scorer.Score(context.Background(), uuid.New(), scoringTransfer(100_000), now)
	// hourly count 20, hourly amount 25, daily amount 20.
	if got.Score != 65 {
		t.Fatalf("expected score 65, got %d (%v)", got.Score, got.Heuristics)
	}
	if !got.RequiresTwoFA {
		t.Fatal("expected 2fa at a score of 65")
	}
	if got.Suspicious || got.RequiresApproval {
		t.Fatalf("expected no approval park at 65, got %+v", got)
	}
}

func TestFraudScorer_EverySignalClampsAndParks(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	cfg := testConfig()
	repo := cleanFraudStub(now)
	repo.hourCount = cfg.HourlyCountLimit + 1
	repo.hourAmount = cfg.HourlyAmountLimitKobo
	repo.dayCount = cfg.DailyCountLimit + 1
	repo.dayAmount = cfg.DailyAmountLimitKobo
	repo.statsCount = 10
	repo.statsMean = 1000
	repo.statsStddev = 10
	repo.prior = false
	repo.repeats = cfg.RecipientHourlyLimit + 1
	repo.knownDevice = false
	repo.knownIP = false
	scorer := NewFraudScorer(repo, cfg)

	got := scorer.Score(context.Background(), uuid.New(), scoringTransfer(20_000_000), now)
	if got.Score != 100 {
		t.Fatalf("expected clamped score 100, got %d", got.Score)
	}
	if !got.RequiresTwoFA || !got.Suspicious || !got.RequiresApproval || !got.Blocked {
		t.Fatalf("expected every gate at 100, got %+v", got)
	}
}

// riskTier collapses an assessment into an ordered severity rank.
func riskTier(a RiskAssessment) int {
	switch {
	case a.Blocked:
		return 4
	case a.RequiresApproval:
		return 3
	case a.Suspicious:
		return 2
	case a.RequiresTwoFA:
		return 1
	}
	return 0
}

func TestFraudScorer_TierMonotonicInSignals(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	cfg := testConfig()

	// Each step turns one more signal on, on top of everything before it.
	steps := []struct {
		name  string
		apply func(r *fraudRepoStub)
	}{
		{"clean", func(r *fraudRepoStub) {}},
		{"new recipient", func(r *fraudRepoStub) { r.prior = false }},
		{"unknown ip", func(r *fraudRepoStub) { r.knownIP = false }},
		{"untrusted device", func(r *fraudRepoStub) { r.knownDevice = false }},
		{"repeat recipient", func(r *fraudRepoStub) { r.repeats = cfg.RecipientHourlyLimit + 1 }},
		{"hourly count breach", func(r *fraudRepoStub) { r.hourCount = cfg.HourlyCountLimit + 1 }},
		{"hourly amount breach", func(r *fraudRepoStub) { r.hourAmount = cfg.HourlyAmountLimitKobo }},
		{"daily count breach", func(r *fraudRepoStub) { r.dayCount = cfg.DailyCountLimit + 1 }},
		{"daily amount breach", func(r *fraudRepoStub) { r.dayAmount = cfg.DailyAmountLimitKobo }},
		{"amount anomaly", func(r *fraudRepoStub) {
			r.statsCount = 10
			r.statsMean = 1000
			r.statsStddev = 10
		}},
	}

	repo := cleanFraudStub(now)
	prevScore := -1
	prevTier := -1
	for _, step := range steps {
		step.apply(repo)
		scorer := NewFraudScorer(repo, cfg)
		got := scorer.Score(context.Background(), uuid.New(), scoringTransfer(100_000), now)
		if got.Score < prevScore {
			t.Fatalf("%s: score dropped from %d to %d after adding a signal", step.name, prevScore, got.Score)
		}
		if riskTier(got) < prevTier {
			t.Fatalf("%s: tier dropped from %d to %d after adding a signal", step.name, prevTier, riskTier(got))
		}
		prevScore = got.Score
		prevTier = riskTier(got)
	}

	// Every signal on must land in the top tier.
	if prevTier != 4 {
		t.Fatalf("expected the full signal set to block, got tier %d (score %d)", prevTier, prevScore)
	}
}

func TestFraudScorer_DegradedNeverSoftensBelowFloor(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	repo := cleanFraudStub(now)
	repo.statsErr = errors.New("stats view unavailable")
	scorer := NewFraudScorer(repo, testConfig())

	got := scorer.Score(context.Background(), uuid.New(), scoringTransfer(100_000), now)
	if got.Score != fallbackRiskScore {
		t.Fatalf("expected floor %d when degraded, got %d", fallbackRiskScore, got.Score)
	}
	if !got.ScorerDegraded {
		t.Fatal("expected degraded flag")
	}
	if !got.RequiresTwoFA {
		t.Fatal("a degraded scorer must still require 2fa")
	}
}

func TestFraudScorer_RoundAmountIsReportedNotWeighted(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	cfg := testConfig()
	scorer := NewFraudScorer(cleanFraudStub(now), cfg)

	round := scorer.Score(context.Background(), uuid.New(), scoringTransfer(20_000_000), now)
	odd := scorer.Score(context.Background(), uuid.New(), scoringTransfer(20_000_001), now)
	if round.Score != odd.Score {
		t.Fatalf("round amount must not change the score: %d vs %d", round.Score, odd.Score)
	}
	found := false
	for _, h := range round.Heuristics {
		if h == "round_amount" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected round_amount heuristic, got %v", round.Heuristics)
	}
}

func TestFraudScorer_Fallback(t *testing.T) {
	scorer := NewFraudScorer(cleanFraudStub(time.Now()), testConfig())
	got := scorer.Fallback()
	if got.Score != fallbackRiskScore {
		t.Fatalf("expected fallback score %d, got %d", fallbackRiskScore, got.Score)
	}
	if !got.RequiresTwoFA || !got.ScorerDegraded {
		t.Fatalf("expected conservative fallback, got %+v", got)
	}
}
