/**
 * @description
 * Privileged handlers for the back-office surface: failure record listing
 * and resolution, manual retry, and approval decisions for transfers parked
 * by the risk policy. These routes sit behind the internal API key
 * middleware, so responses may include technical failure detail.
 *
 * @dependencies
 * - encoding/json, net/http, strconv: Standard Go libraries.
 * - github.com/google/uuid: Identifier parsing.
 * - internal/domain: Request and response models.
 */

package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/kudipay/settlement-service/internal/domain"
)

// ListFailuresHandler returns failure records with optional filters.
func (h *TransferHandlers) ListFailuresHandler(w http.ResponseWriter, r *http.Request) {
	opts := domain.FailureListOptions{
		Category: r.URL.Query().Get("category"),
		Code:     r.URL.Query().Get("code"),
	}
	if resolved := r.URL.Query().Get("resolved"); resolved != "" {
		value, err := strconv.ParseBool(resolved)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "resolved must be true or false")
			return
		}
		opts.Resolved = &value
	}
	if userIDStr := r.URL.Query().Get("user_id"); userIDStr != "" {
		userID, err := uuid.Parse(userIDStr)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "Invalid user_id filter")
			return
		}
		opts.UserID = &userID
	}
	if limit := r.URL.Query().Get("limit"); limit != "" {
		if value, err := strconv.Atoi(limit); err == nil {
			opts.Limit = value
		}
	}
	if offset := r.URL.Query().Get("offset"); offset != "" {
		if value, err := strconv.Atoi(offset); err == nil {
			opts.Offset = value
		}
	}

	failures, err := h.service.ListFailures(r.Context(), opts)
	if err != nil {
		h.writeTransferError(w, r, "list_failures", err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"failures": failures,
		"count":    len(failures),
	})
}

// ResolveFailureHandler marks a failure record as handled by an operator.
func (h *TransferHandlers) ResolveFailureHandler(w http.ResponseWriter, r *http.Request) {
	failureID, ok := h.pathUUID(w, r, "failureID")
	if !ok {
		return
	}

	var req domain.ResolveFailureRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	var note *string
	if req.Note != "" {
		note = &req.Note
	}
	failure, err := h.service.ResolveFailure(r.Context(), failureID, operatorID(r), note)
	if err != nil {
		h.writeTransferError(w, r, "resolve_failure", err)
		return
	}
	h.writeJSON(w, http.StatusOK, failure)
}

// RetryTransferHandler re-runs a failed transfer and resets its breaker.
func (h *TransferHandlers) RetryTransferHandler(w http.ResponseWriter, r *http.Request) {
	transferID, ok := h.pathUUID(w, r, "transferID")
	if !ok {
		return
	}

	transfer, err := h.service.RetryTransfer(r.Context(), transferID)
	if err != nil {
		h.writeTransferError(w, r, "retry_transfer", err)
		return
	}
	h.writeJSON(w, http.StatusOK, buildTransferResponse(transfer, nextActionOf(transfer), transfer.PendingGuards(), false, "Retry executed"))
}

// ApproveTransferHandler releases a transfer parked for review.
func (h *TransferHandlers) ApproveTransferHandler(w http.ResponseWriter, r *http.Request) {
	transferID, ok := h.pathUUID(w, r, "transferID")
	if !ok {
		return
	}

	var req domain.ApprovalDecisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	var note *string
	if req.Note != "" {
		note = &req.Note
	}
	transfer, err := h.service.Approve(r.Context(), transferID, operatorID(r), note)
	if err != nil {
		h.writeTransferError(w, r, "approve_transfer", err)
		return
	}
	h.writeJSON(w, http.StatusOK, buildTransferResponse(transfer, nextActionOf(transfer), transfer.PendingGuards(), false, "Transfer approved"))
}

// RejectTransferHandler declines a transfer parked for review.
func (h *TransferHandlers) RejectTransferHandler(w http.ResponseWriter, r *http.Request) {
	transferID, ok := h.pathUUID(w, r, "transferID")
	if !ok {
		return
	}

	var req domain.ApprovalDecisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	var note *string
	if req.Note != "" {
		note = &req.Note
	}
	transfer, err := h.service.Reject(r.Context(), transferID, operatorID(r), note)
	if err != nil {
		h.writeTransferError(w, r, "reject_transfer", err)
		return
	}
	h.writeJSON(w, http.StatusOK, buildTransferResponse(transfer, "", nil, false, "Transfer rejected"))
}

// operatorID identifies the back-office caller for the audit trail. A
// missing or malformed header yields the nil UUID.
func operatorID(r *http.Request) uuid.UUID {
	operator, err := uuid.Parse(r.Header.Get("X-Operator-Id"))
	if err != nil {
		return uuid.Nil
	}
	return operator
}
