/**
 * @description
 * Guard settings management: reading and updating per-user guard
 * configuration and enrolling the face template used for guard
 * verification.
 *
 * @dependencies
 * - context: Standard Go library.
 * - github.com/google/uuid: User identifiers.
 * - internal/domain, internal/store: Settings persistence.
 */

package app

import (
	"context"

	"github.com/google/uuid"
	"github.com/kudipay/settlement-service/internal/domain"
	"github.com/kudipay/settlement-service/internal/store"
)

// GetGuardSettings returns the stored settings for one guard, or a disabled
// default when the user never configured it.
func (s *Service) GetGuardSettings(ctx context.Context, userID uuid.UUID, guard domain.GuardType) (*domain.GuardSettings, error) {
	settings, err := s.repo.FindGuardSettings(ctx, userID, guard)
	if err == store.ErrGuardNotConfigured {
		return &domain.GuardSettings{
			UserID:         userID,
			Guard:          guard,
			FallbackMethod: domain.FallbackTwoFA,
		}, nil
	}
	if err != nil {
		return nil, domain.WrapTransferError(domain.CodeDatabaseError, "failed to load guard settings", err)
	}
	return settings, nil
}

// UpdateGuardSettings applies a partial update and persists the result.
func (s *Service) UpdateGuardSettings(ctx context.Context, userID uuid.UUID, guard domain.GuardType, req domain.UpdateGuardSettingsRequest) (*domain.GuardSettings, error) {
	settings, err := s.GetGuardSettings(ctx, userID, guard)
	if err != nil {
		return nil, err
	}

	if req.Enabled != nil {
		settings.Enabled = *req.Enabled
	}
	if req.WindowStartMin != nil {
		if *req.WindowStartMin < 0 || *req.WindowStartMin >= 24*60 {
			return nil, domain.NewTransferError(domain.CodeInvalidAccount, "window start must be within a day")
		}
		settings.WindowStartMin = *req.WindowStartMin
	}
	if req.WindowEndMin != nil {
		if *req.WindowEndMin < 0 || *req.WindowEndMin >= 24*60 {
			return nil, domain.NewTransferError(domain.CodeInvalidAccount, "window end must be within a day")
		}
		settings.WindowEndMin = *req.WindowEndMin
	}
	if req.FallbackMethod != nil {
		switch *req.FallbackMethod {
		case domain.FallbackTwoFA, domain.FallbackPIN, domain.FallbackNone:
			settings.FallbackMethod = *req.FallbackMethod
		default:
			return nil, domain.NewTransferError(domain.CodeInvalidAccount, "unknown fallback method %q", *req.FallbackMethod)
		}
	}
	if req.PerTxnLimit != nil {
		if *req.PerTxnLimit < 0 {
			return nil, domain.NewTransferError(domain.CodeInvalidAccount, "per-transaction limit cannot be negative")
		}
		settings.PerTxnLimit = *req.PerTxnLimit
	}
	if req.DailyLimit != nil {
		if *req.DailyLimit < 0 {
			return nil, domain.NewTransferError(domain.CodeInvalidAccount, "daily limit cannot be negative")
		}
		settings.DailyLimit = *req.DailyLimit
	}
	if req.MonthlyLimit != nil {
		if *req.MonthlyLimit < 0 {
			return nil, domain.NewTransferError(domain.CodeInvalidAccount, "monthly limit cannot be negative")
		}
		settings.MonthlyLimit = *req.MonthlyLimit
	}
	if req.AllowedRegions != nil {
		if len(req.AllowedRegions) > domain.MaxAllowedRegions {
			return nil, domain.NewTransferError(domain.CodeInvalidAccount, "at most %d allowed regions", domain.MaxAllowedRegions)
		}
		regions := make([]string, 0, len(req.AllowedRegions))
		for _, region := range req.AllowedRegions {
			if normalized := normalizeRegion(region); normalized != "" {
				regions = append(regions, normalized)
			}
		}
		settings.AllowedRegions = regions
	}

	if err := s.repo.UpsertGuardSettings(ctx, settings); err != nil {
		return nil, domain.WrapTransferError(domain.CodeDatabaseError, "failed to save guard settings", err)
	}
	return settings, nil
}

// EnrollFace stores the face template hash used by guard verification. The
// raw sample is hashed immediately and never persisted.
func (s *Service) EnrollFace(ctx context.Context, userID uuid.UUID, guard domain.GuardType, req domain.EnrollFaceRequest) error {
	if req.SampleB64 == "" {
		return domain.NewTransferError(domain.CodeInvalidAccount, "face sample is required")
	}
	algorithm := req.Algorithm
	if algorithm == "" {
		algorithm = "sha256"
	}
	if err := s.repo.SetFaceTemplate(ctx, userID, guard, HashFaceSample(req.SampleB64), algorithm); err != nil {
		return domain.WrapTransferError(domain.CodeDatabaseError, "failed to store face template", err)
	}
	return nil
}

// ListFailures returns failure records for the privileged surface.
func (s *Service) ListFailures(ctx context.Context, opts domain.FailureListOptions) ([]domain.TransferFailure, error) {
	return s.repo.ListTransferFailures(ctx, opts)
}

// ResolveFailure marks a failure record as handled.
func (s *Service) ResolveFailure(ctx context.Context, failureID, resolvedBy uuid.UUID, note *string) (*domain.TransferFailure, error) {
	return s.repo.ResolveTransferFailure(ctx, failureID, resolvedBy, note)
}
