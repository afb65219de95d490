/**
 * @description
 * This file contains the HTTP handlers for the settlement-service's API
 * endpoints. Handlers parse incoming requests, call the appropriate methods
 * on the application service, and write the HTTP response. They act as the
 * bridge between the web layer and the business logic layer.
 *
 * @dependencies
 * - encoding/json, errors, log, net/http: Standard Go libraries.
 * - github.com/go-chi/chi/v5: URL parameter extraction.
 * - internal/app, internal/domain, internal/store: For service logic, models, and custom errors.
 */

package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/kudipay/settlement-service/internal/app"
	"github.com/kudipay/settlement-service/internal/domain"
	"github.com/kudipay/settlement-service/internal/store"
	"github.com/kudipay/settlement-service/pkg/bankdirectory"
)

// BankLister lists the destination banks supported by the directory provider.
type BankLister interface {
	ListBanks(ctx context.Context) ([]bankdirectory.Bank, error)
}

// TransferHandlers holds the application service that handlers will use.
type TransferHandlers struct {
	service *app.Service
	banks   BankLister
}

// NewTransferHandlers creates a new instance of TransferHandlers.
func NewTransferHandlers(service *app.Service, banks BankLister) *TransferHandlers {
	return &TransferHandlers{service: service, banks: banks}
}

// transferResponse is the wire shape for a transfer returned to clients.
type transferResponse struct {
	TransferID    string   `json:"transfer_id"`
	Status        string   `json:"status"`
	Kind          string   `json:"kind"`
	Amount        int64    `json:"amount"`
	Fee           int64    `json:"fee"`
	VAT           int64    `json:"vat"`
	Levy          int64    `json:"levy"`
	Currency      string   `json:"currency"`
	Reference     string   `json:"reference"`
	RiskScore     int      `json:"risk_score"`
	NextAction    string   `json:"next_action,omitempty"`
	PendingGuards []string `json:"pending_guards,omitempty"`
	Message       string   `json:"message,omitempty"`
	Duplicate     bool     `json:"duplicate,omitempty"`
}

func buildTransferResponse(t *domain.Transfer, nextAction string, pendingGuards []domain.GuardType, duplicate bool, message string) transferResponse {
	guards := make([]string, 0, len(pendingGuards))
	for _, g := range pendingGuards {
		guards = append(guards, string(g))
	}
	return transferResponse{
		TransferID:    t.ID.String(),
		Status:        t.Status,
		Kind:          t.Kind,
		Amount:        t.Amount,
		Fee:           t.Fee,
		VAT:           t.VAT,
		Levy:          t.Levy,
		Currency:      t.Currency,
		Reference:     t.Reference,
		RiskScore:     t.RiskScore,
		NextAction:    nextAction,
		PendingGuards: guards,
		Message:       message,
		Duplicate:     duplicate,
	}
}

// CreateTransferHandler handles requests to initiate a transfer.
func (h *TransferHandlers) CreateTransferHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.authUserID(w, r)
	if !ok {
		return
	}

	var req domain.CreateTransferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		log.Printf("level=warn component=api endpoint=create_transfer outcome=reject reason=invalid_json err=%v", err)
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	reqCtx := app.RequestContext{
		Channel:           domain.ChannelApp,
		DeviceFingerprint: r.Header.Get("X-Device-Fingerprint"),
		ClientIP:          clientIP(r),
		UserAgent:         r.UserAgent(),
	}
	if r.Header.Get("X-Api-Channel") == domain.ChannelAPI {
		reqCtx.Channel = domain.ChannelAPI
	}

	result, err := h.service.CreateTransfer(r.Context(), userID, req, reqCtx)
	if err != nil {
		h.writeTransferError(w, r, "create_transfer", err)
		return
	}

	status := http.StatusCreated
	message := "Transfer completed"
	if result.Duplicate {
		status = http.StatusOK
		message = "Duplicate request, returning original transfer"
	} else if result.NextAction != "" {
		status = http.StatusAccepted
		message = "Transfer accepted, verification required"
	}
	log.Printf("level=info component=api endpoint=create_transfer outcome=accepted sender_id=%s transfer_id=%s status=%s", userID, result.Transfer.ID, result.Transfer.Status)
	h.writeJSON(w, status, buildTransferResponse(result.Transfer, result.NextAction, result.PendingGuards, result.Duplicate, message))
}

// GetTransferHandler returns a single transfer owned by the caller.
func (h *TransferHandlers) GetTransferHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.authUserID(w, r)
	if !ok {
		return
	}
	transferID, ok := h.pathUUID(w, r, "transferID")
	if !ok {
		return
	}

	transfer, err := h.service.GetTransfer(r.Context(), userID, transferID)
	if err != nil {
		if errors.Is(err, store.ErrTransferNotFound) {
			h.writeError(w, http.StatusNotFound, "Transfer not found")
			return
		}
		h.writeTransferError(w, r, "get_transfer", err)
		return
	}
	h.writeJSON(w, http.StatusOK, buildTransferResponse(transfer, "", transfer.PendingGuards(), false, ""))
}

// VerifyTwoFAHandler checks a submitted 2FA code and resumes the transfer.
func (h *TransferHandlers) VerifyTwoFAHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.authUserID(w, r)
	if !ok {
		return
	}
	transferID, ok := h.pathUUID(w, r, "transferID")
	if !ok {
		return
	}

	var req domain.VerifyTwoFARequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	transfer, err := h.service.VerifyTwoFA(r.Context(), userID, transferID, req.Code)
	if err != nil {
		h.writeTransferError(w, r, "verify_2fa", err)
		return
	}
	h.writeJSON(w, http.StatusOK, buildTransferResponse(transfer, nextActionOf(transfer), transfer.PendingGuards(), false, "Verification accepted"))
}

// FaceChallengeHandler mints a single-use face challenge for one guard.
func (h *TransferHandlers) FaceChallengeHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.authUserID(w, r)
	if !ok {
		return
	}
	transferID, ok := h.pathUUID(w, r, "transferID")
	if !ok {
		return
	}
	guard, ok := h.pathGuard(w, r)
	if !ok {
		return
	}

	challenge, err := h.service.IssueFaceChallenge(r.Context(), userID, transferID, guard)
	if err != nil {
		h.writeTransferError(w, r, "face_challenge", err)
		return
	}
	h.writeJSON(w, http.StatusOK, challenge)
}

// VerifyFaceHandler verifies a face sample against the enrolled template.
func (h *TransferHandlers) VerifyFaceHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.authUserID(w, r)
	if !ok {
		return
	}
	transferID, ok := h.pathUUID(w, r, "transferID")
	if !ok {
		return
	}
	guard, ok := h.pathGuard(w, r)
	if !ok {
		return
	}

	var req domain.VerifyFaceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	transfer, err := h.service.VerifyGuardFace(r.Context(), userID, transferID, guard, req)
	if err != nil {
		h.writeTransferError(w, r, "verify_face", err)
		return
	}
	h.writeJSON(w, http.StatusOK, buildTransferResponse(transfer, nextActionOf(transfer), transfer.PendingGuards(), false, "Face verification accepted"))
}

// VerifyFallbackHandler clears a guard through its fallback method.
func (h *TransferHandlers) VerifyFallbackHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.authUserID(w, r)
	if !ok {
		return
	}
	transferID, ok := h.pathUUID(w, r, "transferID")
	if !ok {
		return
	}
	guard, ok := h.pathGuard(w, r)
	if !ok {
		return
	}

	var req domain.VerifyFallbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	transfer, err := h.service.VerifyGuardFallback(r.Context(), userID, transferID, guard, req)
	if err != nil {
		h.writeTransferError(w, r, "verify_fallback", err)
		return
	}
	h.writeJSON(w, http.StatusOK, buildTransferResponse(transfer, nextActionOf(transfer), transfer.PendingGuards(), false, "Fallback verification accepted"))
}

// GetGuardSettingsHandler returns the caller's settings for one guard.
func (h *TransferHandlers) GetGuardSettingsHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.authUserID(w, r)
	if !ok {
		return
	}
	guard, ok := h.pathGuard(w, r)
	if !ok {
		return
	}

	settings, err := h.service.GetGuardSettings(r.Context(), userID, guard)
	if err != nil {
		h.writeTransferError(w, r, "get_guard_settings", err)
		return
	}
	h.writeJSON(w, http.StatusOK, settings)
}

// UpdateGuardSettingsHandler applies a partial guard settings update.
func (h *TransferHandlers) UpdateGuardSettingsHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.authUserID(w, r)
	if !ok {
		return
	}
	guard, ok := h.pathGuard(w, r)
	if !ok {
		return
	}

	var req domain.UpdateGuardSettingsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	settings, err := h.service.UpdateGuardSettings(r.Context(), userID, guard, req)
	if err != nil {
		h.writeTransferError(w, r, "update_guard_settings", err)
		return
	}
	h.writeJSON(w, http.StatusOK, settings)
}

// EnrollFaceHandler registers the face template used by guard verification.
func (h *TransferHandlers) EnrollFaceHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.authUserID(w, r)
	if !ok {
		return
	}
	guard, ok := h.pathGuard(w, r)
	if !ok {
		return
	}

	var req domain.EnrollFaceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if err := h.service.EnrollFace(r.Context(), userID, guard, req); err != nil {
		h.writeTransferError(w, r, "enroll_face", err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"message": "Face template enrolled"})
}

// ListBanksHandler returns the banks supported for external destinations.
func (h *TransferHandlers) ListBanksHandler(w http.ResponseWriter, r *http.Request) {
	if h.banks == nil {
		h.writeError(w, http.StatusServiceUnavailable, "Bank directory is not configured")
		return
	}
	banks, err := h.banks.ListBanks(r.Context())
	if err != nil {
		log.Printf("level=warn component=api endpoint=list_banks msg=\"bank directory unavailable\" err=%v", err)
		h.writeError(w, http.StatusBadGateway, "Bank directory is unavailable")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"banks": banks})
}

// HealthHandler reports liveness.
func (h *TransferHandlers) HealthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("healthy"))
}

// authUserID pulls the authenticated user id from the request context.
func (h *TransferHandlers) authUserID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	userIDStr, ok := GetAuthUserID(r.Context())
	if !ok {
		h.writeError(w, http.StatusInternalServerError, "Could not get user ID from context")
		return uuid.Nil, false
	}
	userID, err := uuid.Parse(userIDStr)
	if err != nil {
		log.Printf("level=warn component=api outcome=reject reason=invalid_user_id user_id=%s", userIDStr)
		h.writeError(w, http.StatusBadRequest, "Invalid user ID format")
		return uuid.Nil, false
	}
	return userID, true
}

func (h *TransferHandlers) pathUUID(w http.ResponseWriter, r *http.Request, param string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, param))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid identifier in URL")
		return uuid.Nil, false
	}
	return id, true
}

func (h *TransferHandlers) pathGuard(w http.ResponseWriter, r *http.Request) (domain.GuardType, bool) {
	guard := domain.GuardType(chi.URLParam(r, "guard"))
	if !domain.ValidGuardType(guard) {
		h.writeError(w, http.StatusBadRequest, "Unknown guard type")
		return "", false
	}
	return guard, true
}

// writeTransferError maps engine errors onto HTTP statuses. Technical detail
// stays in the logs; clients get the code and the public message.
func (h *TransferHandlers) writeTransferError(w http.ResponseWriter, r *http.Request, endpoint string, err error) {
	var terr *domain.TransferError
	if !errors.As(err, &terr) {
		if errors.Is(err, store.ErrTransferNotFound) {
			h.writeError(w, http.StatusNotFound, "Transfer not found")
			return
		}
		log.Printf("level=error component=api endpoint=%s outcome=error err=%v", endpoint, err)
		h.writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	status := statusForCode(terr.Code)
	if status >= http.StatusInternalServerError {
		log.Printf("level=error component=api endpoint=%s outcome=error code=%s err=%v", endpoint, terr.Code, terr)
	} else {
		log.Printf("level=warn component=api endpoint=%s outcome=reject code=%s msg=%q", endpoint, terr.Code, terr.Message)
	}
	h.writeJSON(w, status, map[string]string{
		"error": terr.Message,
		"code":  terr.Code,
	})
}

func statusForCode(code string) int {
	switch code {
	case domain.CodeSelfTransfer, domain.CodeInvalidAccount:
		return http.StatusBadRequest
	case domain.CodeInsufficientFunds:
		return http.StatusPaymentRequired
	case domain.CodeWalletNotFound:
		return http.StatusPreconditionFailed
	case domain.CodeKYCRequired, domain.CodeLimitExceeded, domain.CodeFraudBlocked, domain.CodeGuardRequired, domain.CodeApprovalRequired:
		return http.StatusForbidden
	case domain.CodeInvalidPIN, domain.CodeInvalidTwoFA, domain.CodeExpiredTwoFA:
		return http.StatusUnauthorized
	case domain.CodePINLocked:
		return http.StatusLocked
	case domain.CodeApprovalRejected, domain.CodeBreakerOpen, domain.CodeMaxRetries, domain.CodeExpired:
		return http.StatusConflict
	case domain.CodeRateLimited:
		return http.StatusTooManyRequests
	case domain.CodeBankUnavailable:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func nextActionOf(t *domain.Transfer) string {
	switch {
	case t.Terminal():
		return ""
	case t.Status == domain.StatusApprovalRequired:
		return "await_approval"
	case len(t.PendingGuards()) > 0:
		return "verify_guards"
	case t.RequiresTwoFA && !t.TwoFAVerified:
		return "verify_2fa"
	}
	return ""
}

func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		return strings.TrimSpace(parts[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// writeJSON is a helper for writing JSON responses.
func (h *TransferHandlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// writeError is a helper for writing JSON error responses.
func (h *TransferHandlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
