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

func (s *engineRepoStub) FindVerificationExpired(ctx context.Context, cutoff time.Time, limit int) ([]domain.Transfer, error) {
	return s.staleTransfers, nil
}

func (s *engineRepoStub) FindDueScheduledTransfers(ctx context.Context, now time.Time, limit int) ([]domain.Transfer, error) {
	return s.dueTransfers, nil
}

func seedPendingTransfer(repo *engineRepoStub, maxRetries int) *domain.Transfer {
	destID := uuid.New()
	transfer := &domain.Transfer{
		ID:                   uuid.New(),
		SenderID:             repo.user.ID,
		SourceAccountID:      repo.wallet.ID,
		DestinationAccountID: &destID,
		DestAccountNumber:    "9988776655",
		DestAccountName:      "JANE DOE",
		Kind:                 domain.TransferKindInternal,
		Status:               domain.StatusPending,
		Channel:              domain.ChannelApp,
		Amount:               100_000,
		Currency:             "NGN",
		Reference:            "STL-1-test",
		IdempotencyKey:       uuid.NewString(),
		MaxRetries:           maxRetries,
	}
	repo.transfers[transfer.ID] = transfer
	repo.byKey[transfer.IdempotencyKey] = transfer.ID
	return transfer
}

func TestProcessTransfer_RetriesThenExhausts(t *testing.T) {
	repo := newEngineRepoStub()
	cfg := testConfig()
	cfg.MaxRetries = 3
	transfer := seedPendingTransfer(repo, cfg.MaxRetries)
	repo.settleErrs = []error{
		errors.New("ledger timeout"),
		errors.New("ledger timeout"),
		errors.New("ledger timeout"),
	}
	service, producer := newTestService(repo, cfg)

	err := service.ProcessTransfer(context.Background(), transfer.ID)

	var terr *domain.TransferError
	if !errors.As(err, &terr) || terr.Code != domain.CodeMaxRetries {
		t.Fatalf("expected %s, got %v", domain.CodeMaxRetries, err)
	}
	if transfer.Status != domain.StatusFailed {
		t.Fatalf("expected failed, got %s", transfer.Status)
	}
	if transfer.RetryCount != cfg.MaxRetries {
		t.Fatalf("expected retry count %d, got %d", cfg.MaxRetries, transfer.RetryCount)
	}
	failure := repo.failures[transfer.ID]
	if failure == nil {
		t.Fatal("expected a failure record")
	}
	if failure.ErrorCode != domain.CodeMaxRetries {
		t.Fatalf("expected failure code %s, got %s", domain.CodeMaxRetries, failure.ErrorCode)
	}
	if failure.CanRetry() {
		t.Fatal("exhausted failure must not be retryable")
	}
	if !producer.published(domain.EventTransferFailed) {
		t.Fatal("expected failed event")
	}
}

func TestProcessTransfer_NonRetryableFailsImmediately(t *testing.T) {
	repo := newEngineRepoStub()
	cfg := testConfig()
	transfer := seedPendingTransfer(repo, cfg.MaxRetries)
	repo.settleErrs = []error{store.ErrInsufficientFunds}
	service, _ := newTestService(repo, cfg)

	err := service.ProcessTransfer(context.Background(), transfer.ID)

	var terr *domain.TransferError
	if !errors.As(err, &terr) || terr.Code != domain.CodeInsufficientFunds {
		t.Fatalf("expected %s, got %v", domain.CodeInsufficientFunds, err)
	}
	if transfer.RetryCount != 0 {
		t.Fatalf("business failures must not consume retries, got %d", transfer.RetryCount)
	}
	if transfer.Status != domain.StatusFailed {
		t.Fatalf("expected failed, got %s", transfer.Status)
	}
}

func TestProcessTransfer_BreakerTripsAndManualRetryResets(t *testing.T) {
	repo := newEngineRepoStub()
	cfg := testConfig()
	cfg.MaxRetries = 10
	cfg.BreakerFailureLimit = 2
	transfer := seedPendingTransfer(repo, cfg.MaxRetries)
	repo.settleErrs = []error{
		errors.New("ledger timeout"),
		errors.New("ledger timeout"),
	}
	service, _ := newTestService(repo, cfg)

	err := service.ProcessTransfer(context.Background(), transfer.ID)
	var terr *domain.TransferError
	if !errors.As(err, &terr) || terr.Code != domain.CodeBreakerOpen {
		t.Fatalf("expected %s, got %v", domain.CodeBreakerOpen, err)
	}
	if !transfer.BreakerTripped {
		t.Fatal("expected breaker tripped after consecutive failures")
	}

	// Reprocessing a tripped transfer is refused without a manual reset.
	transfer.Status = domain.StatusPending
	err = service.ProcessTransfer(context.Background(), transfer.ID)
	if !errors.As(err, &terr) || terr.Code != domain.CodeBreakerOpen {
		t.Fatalf("expected breaker to hold, got %v", err)
	}

	// Privileged retry resets the breaker and counters, then settles.
	transfer.Status = domain.StatusFailed
	retried, err := service.RetryTransfer(context.Background(), transfer.ID)
	if err != nil {
		t.Fatalf("expected retry to succeed, got %v", err)
	}
	if retried.Status != domain.StatusCompleted {
		t.Fatalf("expected completed after retry, got %s", retried.Status)
	}
	if retried.BreakerTripped {
		t.Fatal("expected breaker reset on privileged retry")
	}
}

func TestVerifyTwoFA_ResumesSettlement(t *testing.T) {
	repo := newEngineRepoStub()
	cfg := testConfig()
	transfer := seedPendingTransfer(repo, cfg.MaxRetries)
	expires := time.Now().Add(10 * time.Minute)
	transfer.RequiresTwoFA = true
	transfer.TwoFACodeHash = HashTwoFACode("654321")
	transfer.TwoFAExpiresAt = &expires
	service, producer := newTestService(repo, cfg)

	if _, err := service.VerifyTwoFA(context.Background(), repo.user.ID, transfer.ID, "000000"); err == nil {
		t.Fatal("expected wrong code to be rejected")
	}
	if transfer.TwoFAVerified {
		t.Fatal("wrong code must not mark the transfer verified")
	}

	verified, err := service.VerifyTwoFA(context.Background(), repo.user.ID, transfer.ID, "654321")
	if err != nil {
		t.Fatalf("expected verification to succeed, got %v", err)
	}
	if verified.Status != domain.StatusCompleted {
		t.Fatalf("expected settlement on verification, got %s", verified.Status)
	}
	if !producer.published(domain.EventTransferSettled) {
		t.Fatal("expected settled event")
	}
}

func TestApprove_WaitsForOpenGates(t *testing.T) {
	repo := newEngineRepoStub()
	cfg := testConfig()
	transfer := seedPendingTransfer(repo, cfg.MaxRetries)
	expires := time.Now().Add(10 * time.Minute)
	transfer.Status = domain.StatusApprovalRequired
	transfer.RequiresTwoFA = true
	transfer.TwoFACodeHash = HashTwoFACode("654321")
	transfer.TwoFAExpiresAt = &expires
	service, _ := newTestService(repo, cfg)

	operator := uuid.New()
	approved, err := service.Approve(context.Background(), transfer.ID, operator, nil)
	if err != nil {
		t.Fatalf("expected approval to succeed, got %v", err)
	}
	if approved.Status != domain.StatusApproved {
		t.Fatalf("expected approved while 2fa is outstanding, got %s", approved.Status)
	}
	if len(repo.executedPlans) != 0 {
		t.Fatal("approval must not settle past an open 2fa gate")
	}

	verified, err := service.VerifyTwoFA(context.Background(), repo.user.ID, transfer.ID, "654321")
	if err != nil {
		t.Fatalf("expected verification to succeed, got %v", err)
	}
	if verified.Status != domain.StatusCompleted {
		t.Fatalf("expected settlement once both gates cleared, got %s", verified.Status)
	}
}

func TestReject_RecordsFailure(t *testing.T) {
	repo := newEngineRepoStub()
	cfg := testConfig()
	transfer := seedPendingTransfer(repo, cfg.MaxRetries)
	transfer.Status = domain.StatusApprovalRequired
	service, producer := newTestService(repo, cfg)

	note := "sanctions screen hit"
	rejected, err := service.Reject(context.Background(), transfer.ID, uuid.New(), &note)
	if err != nil {
		t.Fatalf("expected rejection to succeed, got %v", err)
	}
	if rejected.Status != domain.StatusRejected {
		t.Fatalf("expected rejected, got %s", rejected.Status)
	}
	failure := repo.failures[transfer.ID]
	if failure == nil || failure.ErrorCode != domain.CodeApprovalRejected {
		t.Fatalf("expected %s failure record, got %+v", domain.CodeApprovalRejected, failure)
	}
	if !producer.published(domain.EventTransferFailed) {
		t.Fatal("expected failed event on rejection")
	}
}

func TestVerifyGuardFallback_ClearsGuardAndSettles(t *testing.T) {
	repo := newEngineRepoStub()
	cfg := testConfig()
	transfer := seedPendingTransfer(repo, cfg.MaxRetries)
	transfer.NightGuard = domain.GuardState{
		Status:         domain.GuardStatusPending,
		FallbackMethod: domain.FallbackPIN,
	}
	service, _ := newTestService(repo, cfg)

	cleared, err := service.VerifyGuardFallback(context.Background(), repo.user.ID, transfer.ID, domain.GuardNightGuard, domain.VerifyFallbackRequest{PIN: "123456"})
	if err != nil {
		t.Fatalf("expected fallback verification to succeed, got %v", err)
	}
	if cleared.NightGuard.Status != domain.GuardStatusFallbackPassed {
		t.Fatalf("expected fallback_passed, got %s", cleared.NightGuard.Status)
	}
	if cleared.Status != domain.StatusCompleted {
		t.Fatalf("expected settlement once the guard cleared, got %s", cleared.Status)
	}
}

func TestExpireStaleVerifications_CancelsAndRecordsFailure(t *testing.T) {
	repo := newEngineRepoStub()
	cfg := testConfig()
	transfer := seedPendingTransfer(repo, cfg.MaxRetries)
	transfer.RequiresTwoFA = true
	repo.staleTransfers = []domain.Transfer{*transfer}
	service, producer := newTestService(repo, cfg)

	expired, err := service.ExpireStaleVerifications(context.Background(), 100)
	if err != nil {
		t.Fatalf("expected sweep to succeed, got %v", err)
	}
	if expired != 1 {
		t.Fatalf("expected 1 expired transfer, got %d", expired)
	}
	if repo.transfers[transfer.ID].Status != domain.StatusCancelled {
		t.Fatalf("expected cancelled, got %s", repo.transfers[transfer.ID].Status)
	}
	failure := repo.failures[transfer.ID]
	if failure == nil || failure.ErrorCode != domain.CodeExpired {
		t.Fatalf("expected %s failure record, got %+v", domain.CodeExpired, failure)
	}
	if !producer.published(domain.EventTransferFailed) {
		t.Fatal("expected failed event for the expired transfer")
	}
}

func TestGuardVerification_PassedGuardShortCircuits(t *testing.T) {
	repo := newEngineRepoStub()
	cfg := testConfig()
	transfer := seedPendingTransfer(repo, cfg.MaxRetries)
	transfer.NightGuard = domain.GuardState{
		Status:         domain.GuardStatusFallbackPassed,
		FallbackMethod: domain.FallbackPIN,
	}
	service, _ := newTestService(repo, cfg)

	if _, err := service.IssueFaceChallenge(context.Background(), repo.user.ID, transfer.ID, domain.GuardNightGuard); err == nil {
		t.Fatal("expected no challenge for an already passed guard")
	}

	got, err := service.VerifyGuardFallback(context.Background(), repo.user.ID, transfer.ID, domain.GuardNightGuard, domain.VerifyFallbackRequest{PIN: "123456"})
	if err != nil {
		t.Fatalf("expected a passed guard to be a no-op, got %v", err)
	}
	if got.NightGuard.Status != domain.GuardStatusFallbackPassed {
		t.Fatalf("expected the passed state preserved, got %s", got.NightGuard.Status)
	}
}

func TestExpireStaleVerifications_CoversParkedScheduledTransfers(t *testing.T) {
	repo := newEngineRepoStub()
	cfg := testConfig()
	service, _ := newTestService(repo, cfg)
	now := time.Now()

	// Gates never cleared; the due time came and went a full window ago.
	stale := seedPendingTransfer(repo, cfg.MaxRetries)
	stale.RequiresTwoFA = true
	staleDue := now.Add(-2 * time.Hour)
	stale.ScheduledFor = &staleDue

	// Also gated, but the due time is inside the verification window.
	fresh := seedPendingTransfer(repo, cfg.MaxRetries)
	fresh.RequiresTwoFA = true
	freshDue := now.Add(-5 * time.Minute)
	fresh.ScheduledFor = &freshDue
	fresh.CreatedAt = now.Add(-2 * time.Hour)

	repo.staleTransfers = []domain.Transfer{*stale, *fresh}

	expired, err := service.ExpireStaleVerifications(context.Background(), 100)
	if err != nil {
		t.Fatalf("expected sweep to succeed, got %v", err)
	}
	if expired != 1 {
		t.Fatalf("expected only the long-overdue scheduled transfer to expire, got %d", expired)
	}
	if repo.transfers[stale.ID].Status != domain.StatusCancelled {
		t.Fatalf("expected cancelled, got %s", repo.transfers[stale.ID].Status)
	}
	if repo.transfers[fresh.ID].Status != domain.StatusPending {
		t.Fatalf("expected the recently due transfer untouched, got %s", repo.transfers[fresh.ID].Status)
	}
}

func TestRunDueScheduledTransfers_SettlesClearedOnly(t *testing.T) {
	repo := newEngineRepoStub()
	cfg := testConfig()
	ready := seedPendingTransfer(repo, cfg.MaxRetries)
	blocked := seedPendingTransfer(repo, cfg.MaxRetries)
	blocked.RequiresTwoFA = true
	repo.dueTransfers = []domain.Transfer{*ready, *blocked}
	service, _ := newTestService(repo, cfg)

	ran, err := service.RunDueScheduledTransfers(context.Background(), 100)
	if err != nil {
		t.Fatalf("expected run to succeed, got %v", err)
	}
	if ran != 1 {
		t.Fatalf("expected 1 executed transfer, got %d", ran)
	}
	if repo.transfers[ready.ID].Status != domain.StatusCompleted {
		t.Fatalf("expected due transfer completed, got %s", repo.transfers[ready.ID].Status)
	}
	if repo.transfers[blocked.ID].Status != domain.StatusPending {
		t.Fatalf("expected gated transfer untouched, got %s", repo.transfers[blocked.ID].Status)
	}
}
