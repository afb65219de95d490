/**
 * @description
 * This file defines the core domain models for the settlement-service.
 * These structs represent the main entities and data transfer objects (DTOs)
 * used throughout the service's business logic, database interactions, and API layers.
 *
 * @notes
 * - Using distinct types for API requests, database models, and event
 *   payloads ensures clear separation of concerns and type safety.
 * - Amounts are stored as `int64` to represent the value in the smallest currency
 *   unit (kobo), which avoids floating-point inaccuracies with financial data.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

// Transfer lifecycle statuses.
const (
	StatusPending          = "pending"
	StatusProcessing       = "processing"
	StatusCompleted        = "completed"
	StatusFailed           = "failed"
	StatusCancelled        = "cancelled"
	StatusApprovalRequired = "approval_required"
	StatusApproved         = "approved"
	StatusRejected         = "rejected"
)

// Transfer kinds. Internal transfers settle between two ledger accounts held
// by this service; external transfers leave through a partner bank rail.
const (
	TransferKindInternal = "internal"
	TransferKindExternal = "external"
)

// Channels a transfer can originate from. Guard policies only apply to
// transfers initiated interactively from the mobile/web app.
const (
	ChannelApp       = "app"
	ChannelAPI       = "api"
	ChannelScheduled = "scheduled"
	ChannelBulk      = "bulk"
)

// GuardStatus tracks per-guard verification progress on a transfer.
type GuardStatus string

const (
	GuardStatusNotRequired    GuardStatus = ""
	GuardStatusPending        GuardStatus = "pending"
	GuardStatusFacePassed     GuardStatus = "face_passed"
	GuardStatusFaceFailed     GuardStatus = "face_failed"
	GuardStatusFallbackPassed GuardStatus = "fallback_passed"
)

// Passed reports whether the status unblocks settlement.
func (s GuardStatus) Passed() bool {
	return s == GuardStatusFacePassed || s == GuardStatusFallbackPassed
}

// GuardType identifies one of the configurable transfer guards.
type GuardType string

const (
	GuardNightGuard    GuardType = "night_guard"
	GuardLargeTxShield GuardType = "large_tx_shield"
	GuardLocationGuard GuardType = "location_guard"
)

// ValidGuardType reports whether t names a known guard.
func ValidGuardType(t GuardType) bool {
	switch t {
	case GuardNightGuard, GuardLargeTxShield, GuardLocationGuard:
		return true
	}
	return false
}

// Fallback verification methods a guard can fall back to when the primary
// face check is unavailable or fails.
const (
	FallbackTwoFA = "2fa"
	FallbackPIN   = "pin"
	FallbackNone  = "none"
)

// GuardState is the typed per-transfer verification record for one guard.
// Settlement is blocked until every required guard reaches a passed status.
type GuardState struct {
	Status         GuardStatus `json:"status"`
	RequiredAt     *time.Time  `json:"required_at,omitempty"`
	VerifiedAt     *time.Time  `json:"verified_at,omitempty"`
	FallbackMethod string      `json:"fallback_method,omitempty"`
}

// Passed reports whether this guard's verification unblocks settlement.
func (s *GuardState) Passed() bool {
	return s != nil && s.Status.Passed()
}

// Transfer represents one money movement instruction and its full risk and
// settlement state. Maps to the `transfers` table.
type Transfer struct {
	ID                   uuid.UUID  `json:"id"`
	SenderID             uuid.UUID  `json:"sender_id"`
	SourceAccountID      uuid.UUID  `json:"source_account_id"`
	DestinationAccountID *uuid.UUID `json:"destination_account_id,omitempty"`
	DestAccountNumber    string     `json:"destination_account_number"`
	DestBankCode         string     `json:"destination_bank_code"`
	DestAccountName      string     `json:"destination_account_name,omitempty"`
	Kind                 string     `json:"kind"`   // 'internal' or 'external'
	Status               string     `json:"status"` // see Status* constants
	Channel              string     `json:"channel"`
	Amount               int64      `json:"amount"` // in kobo
	Fee                  int64      `json:"fee"`    // in kobo
	VAT                  int64      `json:"vat"`    // in kobo
	Levy                 int64      `json:"levy"`   // in kobo
	Currency             string     `json:"currency"`
	Description          string     `json:"description"`
	Reference            string     `json:"reference"`
	IdempotencyKey       string     `json:"-"`

	// Risk state.
	RiskScore        int        `json:"risk_score"`
	Suspicious       bool       `json:"suspicious"`
	FlaggedForReview bool       `json:"flagged_for_review"`
	RequiresTwoFA    bool       `json:"requires_2fa"`
	TwoFAVerified    bool       `json:"two_fa_verified"`
	TwoFACodeHash    string     `json:"-"`
	TwoFAExpiresAt   *time.Time `json:"-"`

	// Guard state, one slot per guard. Empty status means the guard did not
	// trigger for this transfer.
	NightGuard    GuardState `json:"night_guard"`
	Shield        GuardState `json:"large_tx_shield"`
	LocationGuard GuardState `json:"location_guard"`

	// Request context captured at admission for risk evaluation.
	DeclaredRegion    string `json:"declared_region,omitempty"`
	DeviceFingerprint string `json:"-"`
	ClientIP          string `json:"-"`
	UserAgent         string `json:"-"`

	// Retry bookkeeping for the settlement state machine.
	RetryCount     int        `json:"retry_count"`
	MaxRetries     int        `json:"max_retries"`
	FailureStreak  int        `json:"-"`
	BreakerTripped bool       `json:"breaker_tripped"`
	ApprovalNote   *string    `json:"approval_note,omitempty"`
	ApprovedBy     *uuid.UUID `json:"approved_by,omitempty"`
	ScheduledFor   *time.Time `json:"scheduled_for,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`

	// Bounded string extension map for auxiliary request context. Capped at
	// MaxExtensionKeys entries; structured state lives in typed fields above.
	Extensions map[string]string `json:"extensions,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// MaxExtensionKeys bounds the Transfer.Extensions map.
const MaxExtensionKeys = 16

// Terminal reports whether the transfer has reached a final status.
func (t *Transfer) Terminal() bool {
	switch t.Status {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusRejected:
		return true
	}
	return false
}

// GuardStateFor returns a pointer to the state slot for the given guard.
func (t *Transfer) GuardStateFor(g GuardType) *GuardState {
	switch g {
	case GuardNightGuard:
		return &t.NightGuard
	case GuardLargeTxShield:
		return &t.Shield
	case GuardLocationGuard:
		return &t.LocationGuard
	}
	return nil
}

// GuardsCleared reports whether every guard that triggered has passed.
func (t *Transfer) GuardsCleared() bool {
	for _, s := range []GuardState{t.NightGuard, t.Shield, t.LocationGuard} {
		if s.Status != GuardStatusNotRequired && !s.Status.Passed() {
			return false
		}
	}
	return true
}

// PendingGuards lists the guards still awaiting verification.
func (t *Transfer) PendingGuards() []GuardType {
	var out []GuardType
	if t.NightGuard.Status != GuardStatusNotRequired && !t.NightGuard.Status.Passed() {
		out = append(out, GuardNightGuard)
	}
	if t.Shield.Status != GuardStatusNotRequired && !t.Shield.Status.Passed() {
		out = append(out, GuardLargeTxShield)
	}
	if t.LocationGuard.Status != GuardStatusNotRequired && !t.LocationGuard.Status.Passed() {
		out = append(out, GuardLocationGuard)
	}
	return out
}

// AppInitiated reports whether the transfer came from an interactive app
// session. Scheduled and bulk channels are never app-initiated; when the
// channel is unset we fall back to the presence of device context.
func (t *Transfer) AppInitiated() bool {
	switch t.Channel {
	case ChannelScheduled, ChannelBulk:
		return false
	case ChannelApp:
		return true
	}
	return t.DeviceFingerprint != "" || t.UserAgent != ""
}

// CreateTransferRequest is the DTO for incoming transfer API requests.
type CreateTransferRequest struct {
	Amount            int64      `json:"amount"` // in kobo
	DestAccountNumber string     `json:"destination_account_number"`
	DestBankCode      string     `json:"destination_bank_code"`
	Description       string     `json:"description"`
	TransactionPIN    string     `json:"transaction_pin"`
	DeclaredRegion    string     `json:"declared_region,omitempty"`
	IdempotencyKey    string     `json:"idempotency_key,omitempty"`
	ScheduledFor      *time.Time `json:"scheduled_for,omitempty"`
}

// CreateTransferResult is returned to the caller after admission. When the
// transfer parked for verification or approval, NextAction tells the client
// what to do.
type CreateTransferResult struct {
	Transfer      *Transfer   `json:"transfer"`
	Duplicate     bool        `json:"duplicate,omitempty"`
	NextAction    string      `json:"next_action,omitempty"` // e.g. 'verify_2fa', 'verify_guards', 'await_approval'
	PendingGuards []GuardType `json:"pending_guards,omitempty"`
}

// VerifyTwoFARequest carries the 6-digit code for a parked transfer.
type VerifyTwoFARequest struct {
	Code string `json:"code"`
}

// VerifyFaceRequest carries a face sample against an issued challenge.
type VerifyFaceRequest struct {
	SampleB64 string `json:"sample_b64"`
	Challenge string `json:"challenge"`
}

// VerifyFallbackRequest carries a fallback credential for a guard.
type VerifyFallbackRequest struct {
	Code string `json:"code,omitempty"`
	PIN  string `json:"pin,omitempty"`
}

// FaceChallenge is the server-issued nonce a client must echo back with its
// face sample. Single use, short TTL.
type FaceChallenge struct {
	Challenge string    `json:"challenge"`
	Guard     GuardType `json:"guard"`
	ExpiresAt time.Time `json:"expires_at"`
}

// UpdateGuardSettingsRequest carries a partial guard settings update. Nil
// fields leave the stored value untouched.
type UpdateGuardSettingsRequest struct {
	Enabled        *bool    `json:"enabled,omitempty"`
	WindowStartMin *int     `json:"window_start_min,omitempty"`
	WindowEndMin   *int     `json:"window_end_min,omitempty"`
	FallbackMethod *string  `json:"fallback_method,omitempty"`
	PerTxnLimit    *int64   `json:"per_txn_limit,omitempty"`
	DailyLimit     *int64   `json:"daily_limit,omitempty"`
	MonthlyLimit   *int64   `json:"monthly_limit,omitempty"`
	AllowedRegions []string `json:"allowed_regions,omitempty"`
}

// EnrollFaceRequest registers a face template for guard verification.
type EnrollFaceRequest struct {
	SampleB64 string `json:"sample_b64"`
	Algorithm string `json:"algorithm,omitempty"`
}

// ApprovalDecisionRequest carries a staff approve/reject decision.
type ApprovalDecisionRequest struct {
	Note string `json:"note,omitempty"`
}

// User is the simplified view of a user this service needs.
type User struct {
	ID       uuid.UUID `json:"id"`
	Username string    `json:"username"`
	KYCTier  string    `json:"kyc_tier"` // 'tier_1', 'tier_2', 'tier_3'
	Active   bool      `json:"active"`
}

// KYC tiers recognised for transfer limits.
const (
	KYCTier1 = "tier_1"
	KYCTier2 = "tier_2"
	KYCTier3 = "tier_3"
)

// UserSecurityCredential stores server-owned transaction PIN security metadata.
type UserSecurityCredential struct {
	UserID             uuid.UUID  `json:"user_id"`
	TransactionPINHash string     `json:"-"`
	FailedAttempts     int        `json:"failed_attempts"`
	LockedUntil        *time.Time `json:"locked_until,omitempty"`
}

// GuardSettings is a user's configuration for one guard. Rows are disabled,
// never deleted, so enrollment history survives toggling.
type GuardSettings struct {
	UserID  uuid.UUID `json:"user_id"`
	Guard   GuardType `json:"guard"`
	Enabled bool      `json:"enabled"`

	// Night Guard: active window as minutes-of-day, window may cross midnight.
	WindowStartMin int    `json:"window_start_min,omitempty"`
	WindowEndMin   int    `json:"window_end_min,omitempty"`
	FallbackMethod string `json:"fallback_method,omitempty"`

	// Large-Transaction Shield limits, in kobo. Zero disables a limit.
	PerTxnLimit  int64 `json:"per_txn_limit,omitempty"`
	DailyLimit   int64 `json:"daily_limit,omitempty"`
	MonthlyLimit int64 `json:"monthly_limit,omitempty"`

	// Location Guard allow-list, max MaxAllowedRegions entries.
	AllowedRegions []string `json:"allowed_regions,omitempty"`

	// Face enrollment shared by guards that use the face check.
	FaceTemplateHash string     `json:"-"`
	FaceTemplateAlg  string     `json:"face_template_alg,omitempty"`
	FaceEnrolledAt   *time.Time `json:"face_enrolled_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// MaxAllowedRegions bounds the Location Guard allow-list.
const MaxAllowedRegions = 6

// FaceEnrolled reports whether a template is registered.
func (g *GuardSettings) FaceEnrolled() bool { return g.FaceTemplateHash != "" }
