/**
 * @description
 * This file contains the core business logic for the settlement-service. The
 * `Service` struct orchestrates transfer admission: idempotency, charges,
 * balance and KYC-tier checks, PIN verification, fraud scoring, guard
 * evaluation and approval parking. Execution (settlement, retries, breaker)
 * lives in processor.go; plan construction in settlement.go.
 *
 * Key features:
 * - Early validation failures return typed errors without persisting a transfer.
 * - Duplicate submissions short-circuit to the original transfer.
 * - Publishes lifecycle events to RabbitMQ for asynchronous processing.
 *
 * @dependencies
 * - context, errors, fmt, log, time: Standard Go libraries.
 * - github.com/google/uuid: For UUID generation.
 * - internal/config, internal/domain, internal/store: Engine wiring.
 * - pkg/rabbitmq: Event publishing.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kudipay/settlement-service/internal/config"
	"github.com/kudipay/settlement-service/internal/domain"
	"github.com/kudipay/settlement-service/internal/store"
	"github.com/kudipay/settlement-service/pkg/rabbitmq"
)

// BankDirectory resolves account names at the external verification provider.
type BankDirectory interface {
	ResolveAccountName(ctx context.Context, bankCode, accountNumber string) (string, error)
}

// SettledHandler consumes post-settlement events (auto-save, notifications).
type SettledHandler interface {
	HandleTransferSettled(ctx context.Context, event domain.TransferEvent) error
}

// RequestContext carries per-request device and network context captured by
// the API layer for risk evaluation.
type RequestContext struct {
	Channel           string
	DeviceFingerprint string
	ClientIP          string
	UserAgent         string
}

// Service provides the core business logic for transfers.
type Service struct {
	repo     store.Repository
	cfg      config.Config
	producer rabbitmq.Publisher
	bankDir  BankDirectory
	scorer   *FraudScorer
	guards   *GuardSet
	faces    *FaceVerifier
	pins     *PINVerifier

	// localSettled runs settled events in-process when no broker consumer is
	// attached. Nil when the RabbitMQ consumer handles them.
	localSettled SettledHandler

	// rateLimiter is optional; when unset, admission is not rate limited.
	rateLimiter *RedisTransferRateLimiter

	// now is injected for tests.
	now func() time.Time
}

// NewService creates a new settlement service instance.
func NewService(repo store.Repository, cfg config.Config, producer rabbitmq.Publisher, bankDir BankDirectory, challenges ChallengeStore) *Service {
	return &Service{
		repo:     repo,
		cfg:      cfg,
		producer: producer,
		bankDir:  bankDir,
		scorer:   NewFraudScorer(repo, cfg),
		guards:   NewGuardSet(repo),
		faces:    NewFaceVerifier(challenges, time.Duration(cfg.FaceChallengeTTLSeconds)*time.Second),
		pins:     NewPINVerifier(repo, cfg.PINMaxAttempts, cfg.PINLockoutSeconds),
		now:      time.Now,
	}
}

// SetLocalSettledHandler attaches an in-process settled-event handler, used
// when the message broker is unavailable so auto-save still runs.
func (s *Service) SetLocalSettledHandler(h SettledHandler) { s.localSettled = h }

// SetTransferRateLimiter attaches the distributed admission rate limiter.
func (s *Service) SetTransferRateLimiter(limiter *RedisTransferRateLimiter) {
	s.rateLimiter = limiter
}

// CreateTransfer admits a new transfer through the full gate sequence. When
// every gate clears synchronously the transfer is settled before returning;
// otherwise the result names the verification step the caller must complete.
func (s *Service) CreateTransfer(ctx context.Context, senderID uuid.UUID, req domain.CreateTransferRequest, reqCtx RequestContext) (*domain.CreateTransferResult, error) {
	now := s.now()

	if s.rateLimiter != nil {
		count, retryAfter, err := s.rateLimiter.ConsumeRateLimit(ctx, "create_transfer", senderID.String(), s.cfg.CreateRateLimitPerMinute, time.Minute)
		if err != nil {
			// Fail open: the limiter must never block admissions by itself.
			log.Printf("level=warn component=service msg=\"rate limiter unavailable\" user_id=%s err=%v", senderID, err)
		} else if count > s.cfg.CreateRateLimitPerMinute {
			return nil, domain.NewTransferError(domain.CodeRateLimited, "too many transfer requests, retry in %ds", retryAfter)
		}
	}

	if req.Amount <= 0 {
		return nil, domain.NewTransferError(domain.CodeInvalidAccount, "amount must be positive")
	}
	if req.DestAccountNumber == "" {
		return nil, domain.NewTransferError(domain.CodeInvalidAccount, "destination account number is required")
	}

	sender, err := s.repo.FindUserByID(ctx, senderID)
	if err != nil {
		if err == store.ErrUserNotFound {
			return nil, domain.NewTransferError(domain.CodeInvalidAccount, "sender not found")
		}
		return nil, domain.WrapTransferError(domain.CodeDatabaseError, "failed to load sender", err)
	}
	if !sender.Active {
		return nil, domain.NewTransferError(domain.CodeInvalidAccount, "sender account is not active")
	}

	wallet, err := s.repo.FindWalletByUserID(ctx, senderID)
	if err != nil {
		if err == store.ErrAccountNotFound {
			return nil, domain.NewTransferError(domain.CodeWalletNotFound, "sender has no wallet")
		}
		return nil, domain.WrapTransferError(domain.CodeDatabaseError, "failed to load wallet", err)
	}

	// Resolve the destination. An internal match settles ledger-to-ledger;
	// anything else goes out through the bank rail after a directory lookup.
	kind := domain.TransferKindInternal
	var destAccountID *uuid.UUID
	destName := ""
	destination, err := s.repo.FindAccountByNumber(ctx, req.DestAccountNumber)
	switch {
	case err == nil:
		if destination.UserID == senderID {
			return nil, domain.NewTransferError(domain.CodeSelfTransfer, "destination account belongs to the sender")
		}
		destAccountID = &destination.ID
	case err == store.ErrAccountNotFound:
		kind = domain.TransferKindExternal
		if req.DestBankCode == "" {
			return nil, domain.NewTransferError(domain.CodeInvalidAccount, "destination bank code is required for external transfers")
		}
		destName, err = s.bankDir.ResolveAccountName(ctx, req.DestBankCode, req.DestAccountNumber)
		if err != nil {
			log.Printf("level=warn component=service msg=\"bank directory lookup failed\" bank_code=%s err=%v", req.DestBankCode, err)
			return nil, domain.WrapTransferError(domain.CodeBankUnavailable, "could not verify destination account", err)
		}
	default:
		return nil, domain.WrapTransferError(domain.CodeDatabaseError, "failed to resolve destination", err)
	}

	charges := CalculateCharges(req.Amount, kind, RateConfigFromConfig(s.cfg))
	total := req.Amount + charges.Total()

	// Early balance check against every funding source the user's preference
	// can draw on. Settlement re-validates under the account locks.
	if available, err := s.availableFunds(ctx, senderID, wallet); err != nil {
		return nil, err
	} else if available < total {
		return nil, domain.NewTransferError(domain.CodeInsufficientFunds,
			"insufficient funds: need %d, available %d", total, available)
	}

	if sender.KYCTier == "" {
		return nil, domain.NewTransferError(domain.CodeKYCRequired,
			"identity verification is required before transfers")
	}
	if limit := s.kycLimit(sender.KYCTier); req.Amount > limit {
		return nil, domain.NewTransferError(domain.CodeLimitExceeded,
			"amount exceeds %s transfer limit of %d", sender.KYCTier, limit)
	}

	if err := s.pins.Verify(ctx, senderID, req.TransactionPIN); err != nil {
		return nil, err
	}

	transfer := &domain.Transfer{
		ID:                   uuid.New(),
		SenderID:             senderID,
		SourceAccountID:      wallet.ID,
		DestinationAccountID: destAccountID,
		DestAccountNumber:    req.DestAccountNumber,
		DestBankCode:         req.DestBankCode,
		DestAccountName:      destName,
		Kind:                 kind,
		Status:               domain.StatusPending,
		Channel:              reqCtx.Channel,
		Amount:               req.Amount,
		Fee:                  charges.Fee,
		VAT:                  charges.VAT,
		Levy:                 charges.Levy,
		Currency:             s.cfg.Currency,
		Description:          req.Description,
		Reference:            fmt.Sprintf("STL-%d-%s", now.UnixMilli(), shortID()),
		IdempotencyKey:       DeriveIdempotencyKey(req.IdempotencyKey, senderID, req.Amount, req.DestAccountNumber, req.DestBankCode, now),
		DeclaredRegion:       req.DeclaredRegion,
		DeviceFingerprint:    reqCtx.DeviceFingerprint,
		ClientIP:             reqCtx.ClientIP,
		UserAgent:            reqCtx.UserAgent,
		MaxRetries:           s.cfg.MaxRetries,
		ScheduledFor:         req.ScheduledFor,
	}

	created, persisted, err := s.repo.InsertTransferIdempotent(ctx, transfer)
	if err != nil {
		return nil, domain.WrapTransferError(domain.CodeDatabaseError, "failed to persist transfer", err)
	}
	if !created {
		// Same key already admitted: hand back the original outcome.
		return &domain.CreateTransferResult{
			Transfer:      persisted,
			Duplicate:     true,
			NextAction:    nextActionFor(persisted),
			PendingGuards: persisted.PendingGuards(),
		}, nil
	}
	transfer = persisted

	// Fraud scoring. The scorer degrades internally; a panic falls back to
	// the conservative medium-risk outcome rather than failing admission.
	assessment := s.scoreWithRecovery(ctx, senderID, transfer, now)
	transfer.RiskScore = assessment.Score
	transfer.Suspicious = assessment.Suspicious
	transfer.FlaggedForReview = assessment.Suspicious
	transfer.RequiresTwoFA = assessment.RequiresTwoFA
	if len(assessment.Heuristics) > 0 {
		transfer.Extensions = boundedExtensions(transfer.Extensions, "risk_heuristics", joinHeuristics(assessment.Heuristics))
	}

	if assessment.Blocked {
		return nil, s.failTransfer(ctx, transfer, domain.NewTransferError(domain.CodeFraudBlocked,
			"risk score %d exceeds the block threshold", assessment.Score))
	}

	// Guard evaluation may add pending states and force 2FA.
	if _, err := s.guards.Apply(ctx, transfer, now); err != nil {
		return nil, s.failTransfer(ctx, transfer, domain.WrapTransferError(domain.CodeDatabaseError, "guard evaluation failed", err))
	}

	if transfer.RequiresTwoFA && !transfer.TwoFAVerified {
		if err := s.issueTwoFACode(ctx, transfer, now); err != nil {
			return nil, s.failTransfer(ctx, transfer, err)
		}
	}

	if assessment.RequiresApproval {
		transfer.Status = domain.StatusApprovalRequired
	}

	if err := s.repo.SaveTransferRiskState(ctx, transfer); err != nil {
		return nil, s.failTransfer(ctx, transfer, domain.WrapTransferError(domain.CodeDatabaseError, "failed to save risk state", err))
	}
	if transfer.Status == domain.StatusApprovalRequired {
		if err := s.repo.UpdateTransferStatus(ctx, transfer.ID, domain.StatusApprovalRequired); err != nil {
			return nil, s.failTransfer(ctx, transfer, domain.WrapTransferError(domain.CodeDatabaseError, "failed to park for approval", err))
		}
		s.publishEvent(ctx, domain.EventApprovalRequested, transfer, "risk score requires staff approval")
		return &domain.CreateTransferResult{Transfer: transfer, NextAction: "await_approval"}, nil
	}

	// Scheduled transfers wait for the scheduler even when no gate is open.
	if transfer.ScheduledFor != nil && transfer.ScheduledFor.After(now) {
		return &domain.CreateTransferResult{Transfer: transfer, NextAction: "scheduled", PendingGuards: transfer.PendingGuards()}, nil
	}

	if gatesCleared(transfer) {
		if err := s.ProcessTransfer(ctx, transfer.ID); err != nil {
			return nil, err
		}
		settled, err := s.repo.FindTransferByID(ctx, transfer.ID)
		if err != nil {
			return nil, domain.WrapTransferError(domain.CodeDatabaseError, "failed to reload transfer", err)
		}
		return &domain.CreateTransferResult{Transfer: settled}, nil
	}

	s.publishEvent(ctx, domain.EventTransferParked, transfer, "awaiting verification")
	return &domain.CreateTransferResult{
		Transfer:      transfer,
		NextAction:    nextActionFor(transfer),
		PendingGuards: transfer.PendingGuards(),
	}, nil
}

// GetTransfer returns a transfer owned by the user.
func (s *Service) GetTransfer(ctx context.Context, userID, transferID uuid.UUID) (*domain.Transfer, error) {
	transfer, err := s.repo.FindTransferByID(ctx, transferID)
	if err != nil {
		return nil, err
	}
	if transfer.SenderID != userID {
		return nil, store.ErrTransferNotFound
	}
	return transfer, nil
}

// availableFunds reports what the user's funding preference can actually
// bring to bear on a settlement. It mirrors the prefund rule: the strict
// savings preference draws the full total from savings only when savings
// alone covers, so combining the two balances would admit transfers the
// plan can never fund.
func (s *Service) availableFunds(ctx context.Context, userID uuid.UUID, wallet *domain.Account) (int64, error) {
	prefs, err := s.repo.FindOrCreateTransferPrefs(ctx, userID)
	if err != nil {
		return 0, domain.WrapTransferError(domain.CodeDatabaseError, "failed to load transfer preferences", err)
	}
	available := wallet.Balance
	if prefs.FundingPreference == domain.FundingFlexSavings || prefs.FundingPreference == domain.FundingAuto {
		flex, err := s.repo.FindAccountByUserAndKind(ctx, userID, domain.AccountKindFlexSavings)
		if err != nil {
			if err != store.ErrAccountNotFound {
				return 0, domain.WrapTransferError(domain.CodeDatabaseError, "failed to load savings ledger", err)
			}
			return available, nil
		}
		switch prefs.FundingPreference {
		case domain.FundingFlexSavings:
			if flex.Balance > available {
				available = flex.Balance
			}
		case domain.FundingAuto:
			available += flex.Balance
		}
	}
	return available, nil
}

func (s *Service) kycLimit(tier string) int64 {
	switch tier {
	case domain.KYCTier1:
		return s.cfg.KYCTier1LimitKobo
	case domain.KYCTier2:
		return s.cfg.KYCTier2LimitKobo
	case domain.KYCTier3:
		return s.cfg.KYCTier3LimitKobo
	}
	// Unknown tiers get the most restrictive limit.
	return s.cfg.KYCTier1LimitKobo
}

func (s *Service) scoreWithRecovery(ctx context.Context, userID uuid.UUID, t *domain.Transfer, now time.Time) (assessment RiskAssessment) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("level=error component=fraud_scorer msg=\"scorer panicked; using conservative fallback\" transfer_id=%s panic=%v", t.ID, r)
			assessment = s.scorer.Fallback()
		}
	}()
	return s.scorer.Score(ctx, userID, t, now)
}

// issueTwoFACode mints and stores a code on the transfer and hands the clear
// code to the notification pipeline.
func (s *Service) issueTwoFACode(ctx context.Context, t *domain.Transfer, now time.Time) error {
	code, err := GenerateTwoFACode()
	if err != nil {
		return domain.WrapTransferError(domain.CodeProcessingError, "failed to issue 2fa code", err)
	}
	expires := now.Add(time.Duration(s.cfg.TwoFACodeTTLSeconds) * time.Second)
	t.TwoFACodeHash = HashTwoFACode(code)
	t.TwoFAExpiresAt = &expires

	payload := domain.TwoFACodePayload{
		TransferID: t.ID,
		UserID:     t.SenderID,
		Code:       code,
		ExpiresAt:  expires,
	}
	if err := s.producer.PublishTransferEvent(ctx, domain.EventTwoFACodeIssued, payload); err != nil {
		log.Printf("level=warn component=service msg=\"failed to publish 2fa code event\" transfer_id=%s err=%v", t.ID, err)
	}
	return nil
}

// failTransfer records a failure for an already-persisted transfer and
// returns the typed error for the caller. Transfers are never left pending
// after an admission-stage fault.
func (s *Service) failTransfer(ctx context.Context, t *domain.Transfer, cause error) error {
	var terr *domain.TransferError
	if !errors.As(cause, &terr) {
		terr = domain.WrapTransferError(domain.CodeProcessingError, "unexpected failure", cause)
	}
	s.recordFailure(ctx, t, terr, nil)
	return terr
}

// recordFailure upserts the failure row, marks the transfer failed and emits
// the failed event.
func (s *Service) recordFailure(ctx context.Context, t *domain.Transfer, terr *domain.TransferError, details map[string]string) {
	if details == nil {
		details = map[string]string{}
	}
	if terr.Wrapped != nil {
		details["cause"] = terr.Wrapped.Error()
	}
	failure := &domain.TransferFailure{
		TransferID:       t.ID,
		UserID:           t.SenderID,
		ErrorCode:        terr.Code,
		Category:         terr.Category(),
		Reason:           terr.Message,
		TechnicalDetails: details,
		RetryCount:       t.RetryCount,
		MaxRetries:       t.MaxRetries,
	}
	if _, err := s.repo.UpsertTransferFailure(ctx, failure); err != nil {
		log.Printf("level=error component=service msg=\"failed to record transfer failure\" transfer_id=%s err=%v", t.ID, err)
	}
	if err := s.repo.UpdateTransferStatus(ctx, t.ID, domain.StatusFailed); err != nil {
		log.Printf("level=error component=service msg=\"failed to mark transfer failed\" transfer_id=%s err=%v", t.ID, err)
	}
	t.Status = domain.StatusFailed
	s.publishEvent(ctx, domain.EventTransferFailed, t, terr.Message)
}

func (s *Service) publishEvent(ctx context.Context, eventType string, t *domain.Transfer, reason string) {
	event := domain.TransferEvent{
		EventID:    uuid.New(),
		EventType:  eventType,
		TransferID: t.ID,
		SenderID:   t.SenderID,
		Status:     t.Status,
		Kind:       t.Kind,
		Amount:     t.Amount,
		Fee:        t.Fee,
		Currency:   t.Currency,
		Reason:     reason,
		OccurredAt: s.now(),
	}
	if err := s.producer.PublishTransferEvent(ctx, eventType, event); err != nil {
		log.Printf("level=warn component=service msg=\"event publish failed\" event=%s transfer_id=%s err=%v", eventType, t.ID, err)
	}
	if eventType == domain.EventTransferSettled && s.localSettled != nil {
		if err := s.localSettled.HandleTransferSettled(ctx, event); err != nil {
			log.Printf("level=warn component=service msg=\"local settled handler failed\" transfer_id=%s err=%v", t.ID, err)
		}
	}
}

// gatesCleared reports whether every verification gate on the transfer is
// satisfied. Settlement must never run while this is false.
func gatesCleared(t *domain.Transfer) bool {
	if t.RequiresTwoFA && !t.TwoFAVerified {
		return false
	}
	return t.GuardsCleared()
}

func nextActionFor(t *domain.Transfer) string {
	switch {
	case t.Terminal():
		return ""
	case t.Status == domain.StatusApprovalRequired:
		return "await_approval"
	case len(t.PendingGuards()) > 0:
		return "verify_guards"
	case t.RequiresTwoFA && !t.TwoFAVerified:
		return "verify_2fa"
	case t.ScheduledFor != nil:
		return "scheduled"
	}
	return ""
}

func joinHeuristics(list []string) string {
	return strings.Join(list, ",")
}

// boundedExtensions sets a key on the extension map without letting it grow
// past the schema bound.
func boundedExtensions(m map[string]string, key, value string) map[string]string {
	if m == nil {
		m = make(map[string]string, 1)
	}
	if _, exists := m[key]; !exists && len(m) >= domain.MaxExtensionKeys {
		return m
	}
	m[key] = value
	return m
}

func shortID() string {
	id := uuid.New().String()
	return id[:8]
}
