package domain

import (
	"time"

	"github.com/google/uuid"
)

// Event types published on the transfer events exchange.
const (
	EventTransferSettled   = "transfer.settled"
	EventTransferFailed    = "transfer.failed"
	EventTransferParked    = "transfer.parked"
	EventApprovalRequested = "transfer.approval_requested"
	EventTwoFACodeIssued   = "transfer.two_fa_code"
	EventAutoSaveExecuted  = "transfer.auto_save_executed"
)

// TransferEvent is the envelope published after a transfer changes state.
// Settlement side effects (auto-save, notifications) consume these events
// instead of hooking into the settlement transaction.
type TransferEvent struct {
	EventID    uuid.UUID `json:"event_id"`
	EventType  string    `json:"event_type"`
	TransferID uuid.UUID `json:"transfer_id"`
	SenderID   uuid.UUID `json:"sender_id"`
	Status     string    `json:"status"`
	Kind       string    `json:"kind"`
	Amount     int64     `json:"amount"`
	Fee        int64     `json:"fee"`
	Currency   string    `json:"currency"`
	Reason     string    `json:"reason,omitempty"`
	ErrorCode  string    `json:"error_code,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// TwoFACodePayload is delivered to the notification pipeline so the user
// receives their verification code out of band. The code itself never lands
// in the transfers table; only its hash does.
type TwoFACodePayload struct {
	TransferID uuid.UUID `json:"transfer_id"`
	UserID     uuid.UUID `json:"user_id"`
	Code       string    `json:"code"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// AutoSavePayload records an executed auto-save sweep for downstream
// consumers.
type AutoSavePayload struct {
	TransferID uuid.UUID `json:"transfer_id"`
	UserID     uuid.UUID `json:"user_id"`
	Amount     int64     `json:"amount"`
	Percentage int       `json:"percentage"`
	Source     string    `json:"source"` // funding account kind
}
