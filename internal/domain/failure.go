/**
 * @description
 * Typed failure taxonomy for the settlement-service. Every transfer failure
 * is recorded as a TransferFailure row (one per transfer, upserted) carrying a
 * machine code, a category derived from the code, a user-safe reason and a
 * technical detail blob for privileged inspection.
 */

package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Failure categories.
const (
	CategoryValidation      = "validation"
	CategoryBusinessLogic   = "business_logic"
	CategoryTechnical       = "technical"
	CategoryExternalService = "external_service"
	CategoryFraudDetection  = "fraud_detection"
	CategorySecurity        = "security"
)

// Failure codes.
const (
	CodeSelfTransfer      = "SELF_TRANSFER_ATTEMPT"
	CodeInvalidAccount    = "INVALID_ACCOUNT"
	CodeInsufficientFunds = "INSUFFICIENT_FUNDS"
	CodeLimitExceeded     = "LIMIT_EXCEEDED"
	CodeWalletNotFound    = "WALLET_NOT_FOUND"
	CodeKYCRequired       = "KYC_REQUIRED"
	CodeGuardRequired     = "GUARD_VERIFICATION_REQUIRED"
	CodeInvalidPIN        = "INVALID_PIN"
	CodePINLocked         = "PIN_LOCKED"
	CodeInvalidTwoFA      = "INVALID_2FA"
	CodeExpiredTwoFA      = "EXPIRED_2FA"
	CodeFraudBlocked      = "FRAUD_BLOCKED"
	CodeApprovalRequired  = "APPROVAL_REQUIRED"
	CodeApprovalRejected  = "APPROVAL_REJECTED"
	CodeProcessingError   = "PROCESSING_ERROR"
	CodeDatabaseError     = "DATABASE_ERROR"
	CodeBankUnavailable   = "BANK_UNAVAILABLE"
	CodeRateLimited       = "RATE_LIMITED"
	CodeExpired           = "VERIFICATION_EXPIRED"
	CodeBreakerOpen       = "CIRCUIT_BREAKER_OPEN"
	CodeMaxRetries        = "MAX_RETRIES_EXCEEDED"
)

var codeCategories = map[string]string{
	CodeSelfTransfer:      CategoryValidation,
	CodeInvalidAccount:    CategoryValidation,
	CodeInsufficientFunds: CategoryBusinessLogic,
	CodeLimitExceeded:     CategoryBusinessLogic,
	CodeWalletNotFound:    CategoryBusinessLogic,
	CodeKYCRequired:       CategoryBusinessLogic,
	CodeGuardRequired:     CategorySecurity,
	CodeInvalidPIN:        CategorySecurity,
	CodePINLocked:         CategorySecurity,
	CodeInvalidTwoFA:      CategorySecurity,
	CodeExpiredTwoFA:      CategorySecurity,
	CodeExpired:           CategorySecurity,
	CodeFraudBlocked:      CategoryFraudDetection,
	CodeApprovalRequired:  CategoryFraudDetection,
	CodeApprovalRejected:  CategoryFraudDetection,
	CodeProcessingError:   CategoryTechnical,
	CodeDatabaseError:     CategoryTechnical,
	CodeBreakerOpen:       CategoryTechnical,
	CodeMaxRetries:        CategoryTechnical,
	CodeBankUnavailable:   CategoryExternalService,
	CodeRateLimited:       CategoryBusinessLogic,
}

// CategoryForCode maps a failure code to its category. Unknown codes fall
// back to the technical category so nothing escapes the taxonomy.
func CategoryForCode(code string) string {
	if c, ok := codeCategories[code]; ok {
		return c
	}
	return CategoryTechnical
}

// TransferError is the typed error business flows return instead of free-form
// errors. It carries the failure code so callers can map it to an HTTP status
// and a failure record without string matching.
type TransferError struct {
	Code    string
	Message string
	Wrapped error
}

func (e *TransferError) Error() string {
	if e.Wrapped != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Wrapped)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *TransferError) Unwrap() error { return e.Wrapped }

// Category returns the failure category for the error's code.
func (e *TransferError) Category() string { return CategoryForCode(e.Code) }

// NewTransferError builds a TransferError for a code with a formatted message.
func NewTransferError(code, format string, args ...interface{}) *TransferError {
	return &TransferError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WrapTransferError attaches an underlying cause.
func WrapTransferError(code, message string, cause error) *TransferError {
	return &TransferError{Code: code, Message: message, Wrapped: cause}
}

// TransferFailure is the persisted failure record for a transfer. At most one
// row per transfer; repeated failures update the existing row in place.
type TransferFailure struct {
	ID         uuid.UUID `json:"id"`
	TransferID uuid.UUID `json:"transfer_id"`
	UserID     uuid.UUID `json:"user_id"`
	ErrorCode  string    `json:"error_code"`
	Category   string    `json:"category"`
	Reason     string    `json:"reason"`
	// TechnicalDetails is only exposed on privileged endpoints.
	TechnicalDetails map[string]string `json:"technical_details,omitempty"`
	RetryCount       int               `json:"retry_count"`
	MaxRetries       int               `json:"max_retries"`
	Resolved         bool              `json:"resolved"`
	ResolvedAt       *time.Time        `json:"resolved_at,omitempty"`
	ResolvedBy       *uuid.UUID        `json:"resolved_by,omitempty"`
	ResolutionNote   *string           `json:"resolution_note,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
}

// CanRetry reports whether the failed transfer is eligible for another
// settlement attempt. Only technical and external failures retry; business
// and security outcomes need user or staff action, not a replay.
func (f *TransferFailure) CanRetry() bool {
	if f.Resolved {
		return false
	}
	if f.RetryCount >= f.MaxRetries {
		return false
	}
	switch f.Category {
	case CategoryTechnical, CategoryExternalService:
		return f.ErrorCode != CodeMaxRetries && f.ErrorCode != CodeBreakerOpen
	}
	return false
}

// FailureListOptions controls filtering for privileged failure listings.
type FailureListOptions struct {
	Category string
	Code     string
	Resolved *bool
	UserID   *uuid.UUID
	Limit    int
	Offset   int
}

// ResolveFailureRequest is the privileged resolution payload.
type ResolveFailureRequest struct {
	Note string `json:"note,omitempty"`
}
