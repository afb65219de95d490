/**
 * @description
 * Transfer execution and verification entrypoints. ProcessTransfer moves a
 * fully-gated transfer through settlement with bounded retries and a
 * per-transfer circuit breaker. The Verify* methods clear 2FA and guard
 * gates and resume execution once every gate is satisfied. Approve, Reject
 * and RetryTransfer back the privileged endpoints.
 *
 * @dependencies
 * - context, errors, fmt, log, time: Standard Go libraries.
 * - github.com/google/uuid: Transfer identifiers.
 * - internal/domain, internal/store: Engine wiring.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/kudipay/settlement-service/internal/domain"
	"github.com/kudipay/settlement-service/internal/store"
)

// ProcessTransfer executes a transfer whose gates have all cleared. It is
// safe to call more than once: a transfer that already reached a terminal
// state is left untouched.
func (s *Service) ProcessTransfer(ctx context.Context, transferID uuid.UUID) error {
	transfer, err := s.repo.FindTransferByID(ctx, transferID)
	if err != nil {
		return err
	}
	if transfer.Terminal() {
		return nil
	}
	if transfer.Status != domain.StatusPending && transfer.Status != domain.StatusApproved {
		return domain.NewTransferError(domain.CodeProcessingError, "transfer is not ready for processing (status %s)", transfer.Status)
	}
	if !gatesCleared(transfer) {
		return domain.NewTransferError(domain.CodeGuardRequired, "verification gates are still open")
	}
	if transfer.BreakerTripped {
		return domain.NewTransferError(domain.CodeBreakerOpen, "circuit breaker is open for this transfer")
	}

	if err := s.repo.UpdateTransferStatus(ctx, transfer.ID, domain.StatusProcessing); err != nil {
		return domain.WrapTransferError(domain.CodeDatabaseError, "failed to mark transfer processing", err)
	}
	transfer.Status = domain.StatusProcessing

	return s.settleWithRetry(ctx, transfer)
}

// settleWithRetry attempts settlement, spacing retries with capped
// exponential backoff. Business failures (insufficient funds at execution
// time) fail immediately; only technical faults are retried.
func (s *Service) settleWithRetry(ctx context.Context, transfer *domain.Transfer) error {
	for {
		err := s.Settle(ctx, transfer)
		if err == nil {
			transfer.Status = domain.StatusCompleted
			s.publishEvent(ctx, domain.EventTransferSettled, transfer, "")
			return nil
		}
		if errors.Is(err, store.ErrTransferNotProcessing) {
			// Another worker already completed or failed this transfer.
			log.Printf("level=info component=processor msg=\"transfer settled elsewhere\" transfer_id=%s", transfer.ID)
			return nil
		}

		terr := asTransferError(err)
		if !retryableCategory(terr.Category()) {
			s.recordFailure(ctx, transfer, terr, nil)
			return terr
		}

		transfer.RetryCount++
		transfer.FailureStreak++
		if transfer.FailureStreak >= s.cfg.BreakerFailureLimit {
			transfer.BreakerTripped = true
		}
		if err := s.repo.RecordSettlementAttempt(ctx, transfer.ID, transfer.RetryCount, transfer.FailureStreak, transfer.BreakerTripped); err != nil {
			log.Printf("level=error component=processor msg=\"failed to record settlement attempt\" transfer_id=%s err=%v", transfer.ID, err)
		}

		if transfer.BreakerTripped {
			breakerErr := domain.WrapTransferError(domain.CodeBreakerOpen,
				fmt.Sprintf("circuit breaker tripped after %d consecutive failures", transfer.FailureStreak), terr)
			s.recordFailure(ctx, transfer, breakerErr, nil)
			return breakerErr
		}
		if transfer.RetryCount >= transfer.MaxRetries {
			exhausted := domain.WrapTransferError(domain.CodeMaxRetries,
				fmt.Sprintf("settlement failed after %d attempts", transfer.RetryCount), terr)
			s.recordFailure(ctx, transfer, exhausted, nil)
			return exhausted
		}

		delay := backoffDelay(transfer.RetryCount, s.cfg.RetryBackoffBaseMS, s.cfg.RetryBackoffMaxMS)
		log.Printf("level=warn component=processor msg=\"settlement attempt failed, retrying\" transfer_id=%s attempt=%d delay=%s err=%v",
			transfer.ID, transfer.RetryCount, delay, terr)
		select {
		case <-ctx.Done():
			canceled := domain.WrapTransferError(domain.CodeProcessingError, "settlement interrupted", ctx.Err())
			s.recordFailure(ctx, transfer, canceled, nil)
			return canceled
		case <-time.After(delay):
		}
	}
}

// VerifyTwoFA checks the submitted code against the transfer and resumes
// execution when every other gate has also cleared.
func (s *Service) VerifyTwoFA(ctx context.Context, userID, transferID uuid.UUID, code string) (*domain.Transfer, error) {
	transfer, err := s.GetTransfer(ctx, userID, transferID)
	if err != nil {
		return nil, err
	}
	if err := CheckTwoFACode(transfer, code, s.now()); err != nil {
		return nil, err
	}
	transfer.TwoFAVerified = true
	if err := s.repo.SaveTransferRiskState(ctx, transfer); err != nil {
		return nil, domain.WrapTransferError(domain.CodeDatabaseError, "failed to save verification", err)
	}
	return s.resumeIfCleared(ctx, transfer)
}

// IssueFaceChallenge mints a single-use challenge for a pending guard.
func (s *Service) IssueFaceChallenge(ctx context.Context, userID, transferID uuid.UUID, guard domain.GuardType) (*domain.FaceChallenge, error) {
	transfer, err := s.GetTransfer(ctx, userID, transferID)
	if err != nil {
		return nil, err
	}
	state := transfer.GuardStateFor(guard)
	if state == nil || state.Passed() || state.Status == domain.GuardStatusNotRequired {
		return nil, domain.NewTransferError(domain.CodeGuardRequired, "guard %s has no open verification", guard)
	}
	settings, err := s.repo.FindGuardSettings(ctx, userID, guard)
	if err != nil {
		return nil, domain.NewTransferError(domain.CodeGuardRequired, "guard %s is not configured", guard)
	}
	if !settings.FaceEnrolled() {
		return nil, domain.NewTransferError(domain.CodeGuardRequired, "no face template enrolled for guard %s", guard)
	}
	return s.faces.IssueChallenge(ctx, transferID, guard)
}

// VerifyGuardFace verifies a face sample against the enrolled template. A
// mismatch is recorded on the guard state so the fallback path opens.
func (s *Service) VerifyGuardFace(ctx context.Context, userID, transferID uuid.UUID, guard domain.GuardType, req domain.VerifyFaceRequest) (*domain.Transfer, error) {
	transfer, err := s.GetTransfer(ctx, userID, transferID)
	if err != nil {
		return nil, err
	}
	state := transfer.GuardStateFor(guard)
	if state == nil || state.Status == domain.GuardStatusNotRequired {
		return nil, domain.NewTransferError(domain.CodeGuardRequired, "guard %s has no open verification", guard)
	}
	if state.Passed() {
		return transfer, nil
	}
	settings, err := s.repo.FindGuardSettings(ctx, userID, guard)
	if err != nil {
		return nil, domain.NewTransferError(domain.CodeGuardRequired, "guard %s is not configured", guard)
	}

	if err := s.faces.Verify(ctx, transferID, guard, settings, req.SampleB64, req.Challenge); err != nil {
		state.Status = domain.GuardStatusFaceFailed
		if saveErr := s.repo.SaveTransferRiskState(ctx, transfer); saveErr != nil {
			log.Printf("level=error component=processor msg=\"failed to save guard state\" transfer_id=%s err=%v", transferID, saveErr)
		}
		return nil, err
	}

	now := s.now()
	state.Status = domain.GuardStatusFacePassed
	state.VerifiedAt = &now
	if err := s.repo.SaveTransferRiskState(ctx, transfer); err != nil {
		return nil, domain.WrapTransferError(domain.CodeDatabaseError, "failed to save verification", err)
	}
	return s.resumeIfCleared(ctx, transfer)
}

// VerifyGuardFallback clears a guard through its configured fallback method
// after a face failure (or instead of face when none is enrolled).
func (s *Service) VerifyGuardFallback(ctx context.Context, userID, transferID uuid.UUID, guard domain.GuardType, req domain.VerifyFallbackRequest) (*domain.Transfer, error) {
	transfer, err := s.GetTransfer(ctx, userID, transferID)
	if err != nil {
		return nil, err
	}
	state := transfer.GuardStateFor(guard)
	if state == nil || state.Status == domain.GuardStatusNotRequired {
		return nil, domain.NewTransferError(domain.CodeGuardRequired, "guard %s has no open verification", guard)
	}
	if state.Passed() {
		return transfer, nil
	}

	switch state.FallbackMethod {
	case domain.FallbackTwoFA:
		if err := CheckTwoFACode(transfer, req.Code, s.now()); err != nil {
			return nil, err
		}
		transfer.TwoFAVerified = true
	case domain.FallbackPIN:
		if err := s.pins.Verify(ctx, userID, req.PIN); err != nil {
			return nil, err
		}
	default:
		return nil, domain.NewTransferError(domain.CodeGuardRequired, "guard %s has no fallback method", guard)
	}

	now := s.now()
	state.Status = domain.GuardStatusFallbackPassed
	state.VerifiedAt = &now
	if err := s.repo.SaveTransferRiskState(ctx, transfer); err != nil {
		return nil, domain.WrapTransferError(domain.CodeDatabaseError, "failed to save verification", err)
	}
	return s.resumeIfCleared(ctx, transfer)
}

// Approve releases a transfer parked for staff review and settles it.
func (s *Service) Approve(ctx context.Context, transferID uuid.UUID, decidedBy uuid.UUID, note *string) (*domain.Transfer, error) {
	transfer, err := s.repo.FindTransferByID(ctx, transferID)
	if err != nil {
		return nil, err
	}
	if transfer.Status != domain.StatusApprovalRequired {
		return nil, domain.NewTransferError(domain.CodeProcessingError, "transfer is not awaiting approval (status %s)", transfer.Status)
	}
	if err := s.repo.SetTransferApproval(ctx, transferID, domain.StatusApproved, decidedBy, note); err != nil {
		return nil, domain.WrapTransferError(domain.CodeDatabaseError, "failed to record approval", err)
	}
	transfer.Status = domain.StatusApproved
	// Settlement still waits on any open 2FA or guard gate; the user's next
	// successful verification resumes it.
	if gatesCleared(transfer) {
		if err := s.ProcessTransfer(ctx, transferID); err != nil {
			return nil, err
		}
	}
	return s.repo.FindTransferByID(ctx, transferID)
}

// Reject declines a parked transfer and records the failure.
func (s *Service) Reject(ctx context.Context, transferID uuid.UUID, decidedBy uuid.UUID, note *string) (*domain.Transfer, error) {
	transfer, err := s.repo.FindTransferByID(ctx, transferID)
	if err != nil {
		return nil, err
	}
	if transfer.Status != domain.StatusApprovalRequired {
		return nil, domain.NewTransferError(domain.CodeProcessingError, "transfer is not awaiting approval (status %s)", transfer.Status)
	}
	if err := s.repo.SetTransferApproval(ctx, transferID, domain.StatusRejected, decidedBy, note); err != nil {
		return nil, domain.WrapTransferError(domain.CodeDatabaseError, "failed to record rejection", err)
	}
	transfer.Status = domain.StatusRejected
	reason := "transfer rejected by reviewer"
	if note != nil && *note != "" {
		reason = *note
	}
	terr := domain.NewTransferError(domain.CodeApprovalRejected, "%s", reason)
	failure := &domain.TransferFailure{
		TransferID: transfer.ID,
		UserID:     transfer.SenderID,
		ErrorCode:  terr.Code,
		Category:   terr.Category(),
		Reason:     terr.Message,
		RetryCount: transfer.RetryCount,
		MaxRetries: transfer.MaxRetries,
	}
	if _, err := s.repo.UpsertTransferFailure(ctx, failure); err != nil {
		log.Printf("level=error component=processor msg=\"failed to record rejection failure\" transfer_id=%s err=%v", transferID, err)
	}
	s.publishEvent(ctx, domain.EventTransferFailed, transfer, terr.Message)
	return s.repo.FindTransferByID(ctx, transferID)
}

// RetryTransfer re-runs a failed transfer from the privileged surface. It
// resets the breaker and failure streak, which is the manual reset the
// breaker waits for.
func (s *Service) RetryTransfer(ctx context.Context, transferID uuid.UUID) (*domain.Transfer, error) {
	transfer, err := s.repo.FindTransferByID(ctx, transferID)
	if err != nil {
		return nil, err
	}
	if transfer.Status != domain.StatusFailed {
		return nil, domain.NewTransferError(domain.CodeProcessingError, "only failed transfers can be retried (status %s)", transfer.Status)
	}
	failure, err := s.repo.FindFailureByTransferID(ctx, transferID)
	if err != nil {
		return nil, domain.WrapTransferError(domain.CodeDatabaseError, "failed to load failure record", err)
	}
	if !failure.CanRetry() && !transfer.BreakerTripped {
		return nil, domain.NewTransferError(domain.CodeMaxRetries, "failure is not retryable (%s)", failure.ErrorCode)
	}

	transfer.RetryCount = 0
	transfer.FailureStreak = 0
	transfer.BreakerTripped = false
	if err := s.repo.RecordSettlementAttempt(ctx, transfer.ID, 0, 0, false); err != nil {
		return nil, domain.WrapTransferError(domain.CodeDatabaseError, "failed to reset retry state", err)
	}
	if err := s.repo.UpdateTransferStatus(ctx, transfer.ID, domain.StatusPending); err != nil {
		return nil, domain.WrapTransferError(domain.CodeDatabaseError, "failed to reset transfer", err)
	}
	transfer.Status = domain.StatusPending
	if err := s.ProcessTransfer(ctx, transferID); err != nil {
		return nil, err
	}
	return s.repo.FindTransferByID(ctx, transferID)
}

// expiryAnchor is the instant a transfer's verification window counts from.
// Scheduled transfers keep their gates open until the scheduled time, so
// their grace is measured from the later of creation and that time.
func expiryAnchor(t *domain.Transfer) time.Time {
	if t.ScheduledFor != nil && t.ScheduledFor.After(t.CreatedAt) {
		return *t.ScheduledFor
	}
	return t.CreatedAt
}

// ExpireStaleVerifications cancels transfers whose verification window has
// lapsed. Covers scheduled transfers too, once the window past their due
// time has run out. Called by the scheduler.
func (s *Service) ExpireStaleVerifications(ctx context.Context, limit int) (int, error) {
	cutoff := s.now().Add(-time.Duration(s.cfg.PendingVerifyTTLMinutes) * time.Minute)
	stale, err := s.repo.FindVerificationExpired(ctx, cutoff, limit)
	if err != nil {
		return 0, err
	}
	expired := 0
	for i := range stale {
		transfer := &stale[i]
		if !expiryAnchor(transfer).Before(cutoff) {
			continue
		}
		if err := s.repo.UpdateTransferStatus(ctx, transfer.ID, domain.StatusCancelled); err != nil {
			log.Printf("level=error component=processor msg=\"failed to cancel stale transfer\" transfer_id=%s err=%v", transfer.ID, err)
			continue
		}
		transfer.Status = domain.StatusCancelled
		failure := &domain.TransferFailure{
			TransferID: transfer.ID,
			UserID:     transfer.SenderID,
			ErrorCode:  domain.CodeExpired,
			Category:   domain.CategoryForCode(domain.CodeExpired),
			Reason:     "verification window expired",
			RetryCount: transfer.RetryCount,
			MaxRetries: transfer.MaxRetries,
		}
		if _, err := s.repo.UpsertTransferFailure(ctx, failure); err != nil {
			log.Printf("level=error component=processor msg=\"failed to record expiry failure\" transfer_id=%s err=%v", transfer.ID, err)
		}
		s.publishEvent(ctx, domain.EventTransferFailed, transfer, "verification window expired")
		expired++
	}
	return expired, nil
}

// RunDueScheduledTransfers executes transfers whose scheduled time has
// arrived. Called by the scheduler.
func (s *Service) RunDueScheduledTransfers(ctx context.Context, limit int) (int, error) {
	due, err := s.repo.FindDueScheduledTransfers(ctx, s.now(), limit)
	if err != nil {
		return 0, err
	}
	ran := 0
	for i := range due {
		transfer := &due[i]
		if !gatesCleared(transfer) {
			continue
		}
		if err := s.ProcessTransfer(ctx, transfer.ID); err != nil {
			log.Printf("level=warn component=processor msg=\"scheduled transfer failed\" transfer_id=%s err=%v", transfer.ID, err)
			continue
		}
		ran++
	}
	return ran, nil
}

// resumeIfCleared settles the transfer when no verification gate remains.
func (s *Service) resumeIfCleared(ctx context.Context, transfer *domain.Transfer) (*domain.Transfer, error) {
	if transfer.Status != domain.StatusPending && transfer.Status != domain.StatusApproved {
		return transfer, nil
	}
	if !gatesCleared(transfer) {
		return transfer, nil
	}
	if transfer.ScheduledFor != nil && transfer.ScheduledFor.After(s.now()) {
		return transfer, nil
	}
	if err := s.ProcessTransfer(ctx, transfer.ID); err != nil {
		return nil, err
	}
	return s.repo.FindTransferByID(ctx, transfer.ID)
}

func asTransferError(err error) *domain.TransferError {
	var terr *domain.TransferError
	if errors.As(err, &terr) {
		return terr
	}
	if errors.Is(err, store.ErrInsufficientFunds) {
		return domain.WrapTransferError(domain.CodeInsufficientFunds, "insufficient funds at settlement", err)
	}
	return domain.WrapTransferError(domain.CodeProcessingError, "settlement failed", err)
}

func retryableCategory(category string) bool {
	return category == domain.CategoryTechnical || category == domain.CategoryExternalService
}

func backoffDelay(attempt, baseMS, maxMS int) time.Duration {
	if baseMS <= 0 {
		baseMS = 1000
	}
	delay := baseMS
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxMS {
			delay = maxMS
			break
		}
	}
	if maxMS > 0 && delay > maxMS {
		delay = maxMS
	}
	return time.Duration(delay) * time.Millisecond
}
