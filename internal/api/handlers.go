/**
 * @description
 * This file contains the HTTP handlers for the escrow engine's API endpoints.
 * Handlers parse incoming requests, call the escrow, token and reconciliation
 * services, and translate domain errors into HTTP status codes.
 *
 * @dependencies
 * - encoding/json, log, net/http: Standard Go libraries.
 * - internal/app, internal/domain, internal/store: service logic, models and sentinel errors.
 */

package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rg4amia/monartisanpro-app-sub001/internal/app"
	"github.com/rg4amia/monartisanpro-app-sub001/internal/domain"
	"github.com/rg4amia/monartisanpro-app-sub001/internal/store"
)

const maxBodyBytes = 1 << 20

// EscrowOperations is the escrow lifecycle surface used by the ops endpoints.
type EscrowOperations interface {
	Open(ctx context.Context, req domain.OpenEscrowRequest) (*domain.EscrowView, error)
	Get(ctx context.Context, escrowID uuid.UUID) (*domain.EscrowView, error)
	Ledger(ctx context.Context, escrowID uuid.UUID) ([]domain.LedgerEntry, error)
	ReleaseLabor(ctx context.Context, escrowID uuid.UUID, req domain.ReleaseLaborRequest) (*domain.MovementResult, error)
	Refund(ctx context.Context, escrowID uuid.UUID, req domain.RefundRequest) (*domain.MovementResult, error)
	Freeze(ctx context.Context, escrowID uuid.UUID, reason string) (*domain.Escrow, error)
	Unfreeze(ctx context.Context, escrowID uuid.UUID) (*domain.Escrow, error)
}

// TokenOperations is the redemption surface used by supplier points of sale.
type TokenOperations interface {
	Redeem(ctx context.Context, req domain.RedeemTokenRequest) (*domain.RedeemTokenResult, error)
	RequestFallbackCode(ctx context.Context, tokenCode string) (time.Time, error)
}

type ReconcileRunner interface {
	RunOnce(ctx context.Context) (app.ReconcileReport, error)
}

// StatusApplier settles a ledger record from a provider callback.
type StatusApplier interface {
	Apply(ctx context.Context, event domain.ProviderStatusEvent, source string) (*domain.LedgerEntry, error)
}

// Handlers holds the services the HTTP layer delegates to.
type Handlers struct {
	escrows    EscrowOperations
	tokens     TokenOperations
	reconciler ReconcileRunner
	statuses   StatusApplier
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(escrows EscrowOperations, tokens TokenOperations, reconciler ReconcileRunner, statuses StatusApplier) *Handlers {
	return &Handlers{escrows: escrows, tokens: tokens, reconciler: reconciler, statuses: statuses}
}

type fallbackCodeResponse struct {
	Status    string    `json:"status"`
	ExpiresAt time.Time `json:"expires_at"`
}

type webhookResponse struct {
	Applied bool                `json:"applied"`
	Ledger  *domain.LedgerEntry `json:"ledger_entry,omitempty"`
}

// OpenEscrowHandler blocks the quote amount, fragments it and mints the materials token.
func (h *Handlers) OpenEscrowHandler(w http.ResponseWriter, r *http.Request) {
	var req domain.OpenEscrowRequest
	if !h.decode(w, r, "open_escrow", &req) {
		return
	}

	view, err := h.escrows.Open(r.Context(), req)
	if err != nil {
		log.Printf("level=warn component=api endpoint=open_escrow outcome=failed job_id=%s err=%v", req.JobID, err)
		h.writeServiceError(w, err)
		return
	}
	log.Printf("level=info component=api endpoint=open_escrow outcome=opened job_id=%s escrow_id=%s", req.JobID, view.Escrow.ID)
	h.writeJSON(w, http.StatusCreated, view)
}

func (h *Handlers) GetEscrowHandler(w http.ResponseWriter, r *http.Request) {
	escrowID, ok := h.escrowID(w, r)
	if !ok {
		return
	}
	view, err := h.escrows.Get(r.Context(), escrowID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, view)
}

// GetLedgerHandler returns every ledger row attached to the escrow, oldest first.
func (h *Handlers) GetLedgerHandler(w http.ResponseWriter, r *http.Request) {
	escrowID, ok := h.escrowID(w, r)
	if !ok {
		return
	}
	entries, err := h.escrows.Ledger(r.Context(), escrowID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	if entries == nil {
		entries = []domain.LedgerEntry{}
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"entries": entries})
}

// ReleaseLaborHandler pays part of the labor fragment to the artisan.
func (h *Handlers) ReleaseLaborHandler(w http.ResponseWriter, r *http.Request) {
	escrowID, ok := h.escrowID(w, r)
	if !ok {
		return
	}
	var req domain.ReleaseLaborRequest
	if !h.decode(w, r, "release_labor", &req) {
		return
	}

	result, err := h.escrows.ReleaseLabor(r.Context(), escrowID, req)
	if err != nil {
		log.Printf("level=warn component=api endpoint=release_labor outcome=failed escrow_id=%s amount=%d err=%v", escrowID, req.Amount, err)
		h.writeServiceError(w, err)
		return
	}
	log.Printf("level=info component=api endpoint=release_labor outcome=%s escrow_id=%s amount=%d", strings.ToLower(string(result.Ledger.Status)), escrowID, req.Amount)
	h.writeMovement(w, result)
}

// RefundHandler returns funds to the payer.
func (h *Handlers) RefundHandler(w http.ResponseWriter, r *http.Request) {
	escrowID, ok := h.escrowID(w, r)
	if !ok {
		return
	}
	var req domain.RefundRequest
	if !h.decode(w, r, "refund", &req) {
		return
	}

	result, err := h.escrows.Refund(r.Context(), escrowID, req)
	if err != nil {
		log.Printf("level=warn component=api endpoint=refund outcome=failed escrow_id=%s amount=%d err=%v", escrowID, req.Amount, err)
		h.writeServiceError(w, err)
		return
	}
	log.Printf("level=info component=api endpoint=refund outcome=%s escrow_id=%s amount=%d", strings.ToLower(string(result.Ledger.Status)), escrowID, req.Amount)
	h.writeMovement(w, result)
}

func (h *Handlers) FreezeHandler(w http.ResponseWriter, r *http.Request) {
	escrowID, ok := h.escrowID(w, r)
	if !ok {
		return
	}
	var req domain.FreezeRequest
	if !h.decode(w, r, "freeze", &req) {
		return
	}

	escrow, err := h.escrows.Freeze(r.Context(), escrowID, req.Reason)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	log.Printf("level=info component=api endpoint=freeze outcome=frozen escrow_id=%s", escrowID)
	h.writeJSON(w, http.StatusOK, escrow)
}

func (h *Handlers) UnfreezeHandler(w http.ResponseWriter, r *http.Request) {
	escrowID, ok := h.escrowID(w, r)
	if !ok {
		return
	}
	escrow, err := h.escrows.Unfreeze(r.Context(), escrowID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	log.Printf("level=info component=api endpoint=unfreeze outcome=unfrozen escrow_id=%s", escrowID)
	h.writeJSON(w, http.StatusOK, escrow)
}

// RedeemTokenHandler debits a materials token at a supplier point of sale.
func (h *Handlers) RedeemTokenHandler(w http.ResponseWriter, r *http.Request) {
	var req domain.RedeemTokenRequest
	if !h.decode(w, r, "redeem_token", &req) {
		return
	}

	result, err := h.tokens.Redeem(r.Context(), req)
	if err != nil {
		log.Printf("level=warn component=api endpoint=redeem_token outcome=rejected supplier_id=%s amount=%d err=%v", req.SupplierID, req.Amount, err)
		h.writeServiceError(w, err)
		return
	}
	log.Printf("level=info component=api endpoint=redeem_token outcome=%s token_id=%s supplier_id=%s amount=%d", strings.ToLower(string(result.Ledger.Status)), result.Token.ID, req.SupplierID, req.Amount)

	status := http.StatusOK
	if result.Ledger != nil && result.Ledger.Status == domain.LedgerPending {
		status = http.StatusAccepted
	}
	h.writeJSON(w, status, result)
}

// FallbackCodeHandler sends a one-time code to the beneficiary when GPS cannot be trusted.
func (h *Handlers) FallbackCodeHandler(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")
	expiresAt, err := h.tokens.RequestFallbackCode(r.Context(), code)
	if err != nil {
		log.Printf("level=warn component=api endpoint=fallback_code outcome=rejected err=%v", err)
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusAccepted, fallbackCodeResponse{Status: "sent", ExpiresAt: expiresAt})
}

// ReconcileHandler triggers one reconciliation pass on demand.
func (h *Handlers) ReconcileHandler(w http.ResponseWriter, r *http.Request) {
	report, err := h.reconciler.RunOnce(r.Context())
	if err != nil {
		log.Printf("level=error component=api endpoint=reconcile outcome=failed err=%v", err)
		h.writeError(w, http.StatusInternalServerError, "Reconciliation failed")
		return
	}
	h.writeJSON(w, http.StatusOK, report)
}

// ProviderWebhookHandler applies a provider status callback to the ledger.
func (h *Handlers) ProviderWebhookHandler(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")
	if claimed, ok := WebhookProviderFromContext(r.Context()); ok && !strings.EqualFold(claimed, provider) {
		log.Printf("level=warn component=api endpoint=provider_webhook outcome=reject reason=provider_mismatch route=%s token=%s", provider, claimed)
		h.writeError(w, http.StatusForbidden, "Token is not valid for this provider")
		return
	}

	var event domain.ProviderStatusEvent
	if !h.decode(w, r, "provider_webhook", &event) {
		return
	}
	if event.Provider == "" {
		event.Provider = provider
	} else if !strings.EqualFold(event.Provider, provider) {
		h.writeError(w, http.StatusBadRequest, "Provider does not match the webhook route")
		return
	}

	next, err := h.statuses.Apply(r.Context(), event, "webhook")
	switch {
	case errors.Is(err, app.ErrUnknownProviderStatus), errors.Is(err, app.ErrInvalidRequest):
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, app.ErrStatusAmountMismatch):
		log.Printf("level=warn component=api endpoint=provider_webhook outcome=reject reason=amount_mismatch provider=%s ptx=%s", provider, event.ProviderTransactionID)
		h.writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	case err != nil:
		log.Printf("level=error component=api endpoint=provider_webhook outcome=failed provider=%s ptx=%s err=%v", provider, event.ProviderTransactionID, err)
		h.writeError(w, http.StatusInternalServerError, "Failed to apply provider status")
		return
	}

	log.Printf("level=info component=api endpoint=provider_webhook outcome=accepted provider=%s ptx=%s applied=%t", provider, event.ProviderTransactionID, next != nil)
	h.writeJSON(w, http.StatusOK, webhookResponse{Applied: next != nil, Ledger: next})
}

func (h *Handlers) escrowID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid escrow ID")
		return uuid.Nil, false
	}
	return id, true
}

// decode reads a JSON body. An empty body leaves dst untouched.
func (h *Handlers) decode(w http.ResponseWriter, r *http.Request, endpoint string, dst interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		log.Printf("level=warn component=api endpoint=%s outcome=reject reason=invalid_json err=%v", endpoint, err)
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return false
	}
	return true
}

// writeMovement answers 202 while the provider has not confirmed the movement.
func (h *Handlers) writeMovement(w http.ResponseWriter, result *domain.MovementResult) {
	status := http.StatusOK
	if result.Ledger != nil && result.Ledger.Status == domain.LedgerPending {
		status = http.StatusAccepted
	}
	h.writeJSON(w, status, result)
}

// writeServiceError maps service and domain errors onto HTTP responses.
func (h *Handlers) writeServiceError(w http.ResponseWriter, err error) {
	var rateErr *app.RateLimitError
	if errors.As(err, &rateErr) {
		w.Header().Set("Retry-After", strconv.Itoa(rateErr.RetryAfterSeconds))
		h.writeError(w, http.StatusTooManyRequests, err.Error())
		return
	}
	var payErr *app.PaymentError
	if errors.As(err, &payErr) {
		h.writeJSON(w, http.StatusBadGateway, map[string]interface{}{
			"error":        payErr.Message,
			"code":         payErr.Code,
			"attempts":     payErr.Attempts,
			"ledger_entry": payErr.Entry,
		})
		return
	}

	switch {
	case errors.Is(err, app.ErrPaymentPending):
		h.writeError(w, http.StatusAccepted, err.Error())
	case errors.Is(err, store.ErrNotFound), errors.Is(err, app.ErrPartyNotFound):
		h.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrInvalidAmount),
		errors.Is(err, domain.ErrInvalidTokenCode),
		errors.Is(err, domain.ErrInvalidFragmentationRule),
		errors.Is(err, app.ErrInvalidRequest):
		h.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, app.ErrDuplicateRequest),
		errors.Is(err, domain.ErrInvalidTransition),
		errors.Is(err, domain.ErrAlreadyFragmented),
		errors.Is(err, store.ErrConflict):
		h.writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, domain.ErrEscrowFrozen):
		h.writeError(w, http.StatusLocked, err.Error())
	case errors.Is(err, domain.ErrTokenExpired):
		h.writeError(w, http.StatusGone, err.Error())
	case errors.Is(err, domain.ErrUnauthorizedSupplier),
		errors.Is(err, domain.ErrProximityExceeded),
		errors.Is(err, domain.ErrFallbackVerificationFailed):
		h.writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, domain.ErrInsufficientBalance),
		errors.Is(err, domain.ErrInsufficientTokenBalance),
		errors.Is(err, domain.ErrNotFragmented),
		errors.Is(err, domain.ErrLocationUnavailable):
		h.writeError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		log.Printf("level=error component=api outcome=internal_error err=%v", err)
		h.writeError(w, http.StatusInternalServerError, "Internal server error")
	}
}

// writeJSON is a helper for writing JSON responses.
func (h *Handlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// writeError is a helper for writing JSON error responses.
func (h *Handlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
