/**
 * @description
 * Guard policy evaluation. Each guard independently decides whether an
 * app-initiated transfer needs biometric (or fallback) verification before
 * settlement, based on the user's per-guard settings and the transfer
 * context. A triggered guard parks the transfer in a verification sub-state
 * and forces 2FA on it.
 *
 * Guards never apply to scheduled, bulk or bare API transfers.
 */

package app

import (
	"context"
	"strings"
	"time"

	"github.com/kudipay/settlement-service/internal/domain"
	"github.com/kudipay/settlement-service/internal/store"
)

// GuardDecision is the outcome of one guard's required() check.
type GuardDecision struct {
	Required bool
	Detail   string
	// Fallback is the configured fallback method when the face check fails.
	Fallback string
}

// Guard is one policy evaluator.
type Guard interface {
	Type() domain.GuardType
	// Evaluate decides whether this guard blocks the transfer. A nil settings
	// row or a disabled guard never blocks.
	Evaluate(ctx context.Context, t *domain.Transfer, settings *domain.GuardSettings, now time.Time) GuardDecision
}

// GuardSet evaluates every registered guard against a transfer.
type GuardSet struct {
	repo   store.Repository
	guards []Guard
}

// NewGuardSet registers the three built-in guards.
func NewGuardSet(repo store.Repository) *GuardSet {
	return &GuardSet{
		repo: repo,
		guards: []Guard{
			NightGuard{},
			LargeTransactionShield{repo: repo},
			LocationGuard{},
		},
	}
}

// Apply evaluates all guards for a transfer and writes pending guard states
// onto it. Returns the guards that triggered. Guard settings lookups that
// fail are treated as not-configured rather than blocking admission.
func (gs *GuardSet) Apply(ctx context.Context, t *domain.Transfer, now time.Time) ([]domain.GuardType, error) {
	if !t.AppInitiated() {
		return nil, nil
	}

	var triggered []domain.GuardType
	for _, guard := range gs.guards {
		settings, err := gs.repo.FindGuardSettings(ctx, t.SenderID, guard.Type())
		if err != nil {
			if err == store.ErrGuardNotConfigured {
				continue
			}
			return nil, err
		}
		if settings == nil || !settings.Enabled {
			continue
		}
		decision := guard.Evaluate(ctx, t, settings, now)
		if !decision.Required {
			continue
		}
		state := t.GuardStateFor(guard.Type())
		requiredAt := now
		state.Status = domain.GuardStatusPending
		state.RequiredAt = &requiredAt
		state.FallbackMethod = decision.Fallback
		t.RequiresTwoFA = true
		triggered = append(triggered, guard.Type())
	}
	return triggered, nil
}

// NightGuard blocks app transfers inside a configured time-of-day window.
type NightGuard struct{}

func (NightGuard) Type() domain.GuardType { return domain.GuardNightGuard }

func (NightGuard) Evaluate(_ context.Context, _ *domain.Transfer, settings *domain.GuardSettings, now time.Time) GuardDecision {
	if !inWindow(minutesOfDay(now), settings.WindowStartMin, settings.WindowEndMin) {
		return GuardDecision{}
	}
	return GuardDecision{
		Required: true,
		Detail:   "transfer initiated inside night guard window",
		Fallback: fallbackOrDefault(settings.FallbackMethod),
	}
}

// LargeTransactionShield blocks transfers over a per-transaction limit, or
// when running completed daily/monthly totals plus the new amount exceed
// their caps.
type LargeTransactionShield struct {
	repo store.Repository
}

func (LargeTransactionShield) Type() domain.GuardType { return domain.GuardLargeTxShield }

func (s LargeTransactionShield) Evaluate(ctx context.Context, t *domain.Transfer, settings *domain.GuardSettings, now time.Time) GuardDecision {
	fallback := fallbackOrDefault(settings.FallbackMethod)
	if settings.PerTxnLimit > 0 && t.Amount > settings.PerTxnLimit {
		return GuardDecision{Required: true, Detail: "amount exceeds per-transaction limit", Fallback: fallback}
	}
	if settings.DailyLimit > 0 {
		dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
		total, err := s.repo.CompletedDebitTotalSince(ctx, t.SenderID, dayStart)
		if err == nil && total+t.Amount > settings.DailyLimit {
			return GuardDecision{Required: true, Detail: "amount exceeds daily limit", Fallback: fallback}
		}
	}
	if settings.MonthlyLimit > 0 {
		monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())
		total, err := s.repo.CompletedDebitTotalSince(ctx, t.SenderID, monthStart)
		if err == nil && total+t.Amount > settings.MonthlyLimit {
			return GuardDecision{Required: true, Detail: "amount exceeds monthly limit", Fallback: fallback}
		}
	}
	return GuardDecision{}
}

// LocationGuard blocks transfers declared from outside the user's allow-list,
// or when the declared region disagrees with the IP-derived region.
type LocationGuard struct{}

func (LocationGuard) Type() domain.GuardType { return domain.GuardLocationGuard }

func (LocationGuard) Evaluate(_ context.Context, t *domain.Transfer, settings *domain.GuardSettings, _ time.Time) GuardDecision {
	if len(settings.AllowedRegions) == 0 {
		return GuardDecision{}
	}
	fallback := fallbackOrDefault(settings.FallbackMethod)
	declared := normalizeRegion(t.DeclaredRegion)
	if declared == "" {
		return GuardDecision{Required: true, Detail: "transfer region not declared", Fallback: fallback}
	}
	if !regionAllowed(declared, settings.AllowedRegions) {
		return GuardDecision{Required: true, Detail: "declared region outside allow-list", Fallback: fallback}
	}
	if ipRegion := normalizeRegion(t.Extensions["ip_region"]); ipRegion != "" && ipRegion != declared {
		return GuardDecision{Required: true, Detail: "declared region disagrees with ip-derived region", Fallback: fallback}
	}
	return GuardDecision{}
}

func regionAllowed(region string, allowed []string) bool {
	for _, a := range allowed {
		if normalizeRegion(a) == region {
			return true
		}
	}
	return false
}

func normalizeRegion(region string) string {
	return strings.ToLower(strings.TrimSpace(region))
}

func fallbackOrDefault(method string) string {
	switch method {
	case domain.FallbackTwoFA, domain.FallbackPIN, domain.FallbackNone:
		return method
	}
	return domain.FallbackTwoFA
}

func minutesOfDay(t time.Time) int {
	return t.Hour()*60 + t.Minute()
}

// inWindow reports whether a minute-of-day falls inside [start, end],
// supporting windows that cross midnight (start > end).
func inWindow(now, start, end int) bool {
	if start == end {
		return false
	}
	if start < end {
		return now >= start && now <= end
	}
	return now >= start || now <= end
}
