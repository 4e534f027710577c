package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/pvelkov/tokenledger/internal/models"
	"github.com/pvelkov/tokenledger/internal/service"
)

// maxWebhookBody bounds inbound webhook payloads, per processor guidance.
const maxWebhookBody = int64(65536)

// Ledger is the slice of the ledger service the HTTP layer uses.
type Ledger interface {
	GetBalance(ctx context.Context, accountID string) (*models.Balance, error)
	GetHistory(ctx context.Context, accountID string, limit int) ([]models.LedgerEntry, error)
	Credit(ctx context.Context, accountID string, amount int64, source models.Source, opts service.CreditOptions) (*models.LedgerResult, error)
	Consume(ctx context.Context, accountID string, amount int64, opts service.ConsumeOptions) (*models.LedgerResult, error)
	Reserve(ctx context.Context, accountID string, amount int64, opts service.ReserveOptions) (*models.LedgerResult, error)
	Release(ctx context.Context, accountID string, amount int64, reservationID uuid.UUID) (*models.LedgerResult, error)
}

// Referrals is the slice of the referral service the HTTP layer uses.
type Referrals interface {
	GenerateCode(ctx context.Context, ownerAccountID string, opts service.GenerateCodeOptions) (*models.ReferralCode, error)
	ValidateCode(ctx context.Context, code string) (*models.ReferralCode, error)
	Attribute(ctx context.Context, referralCode, referredAccountID string) (*models.ReferralAttribution, error)
	Convert(ctx context.Context, referredAccountID string, rewardTokens int64) (*models.ConvertResult, error)
	DeactivateCode(ctx context.Context, code, ownerAccountID string) error
	GetStats(ctx context.Context, ownerAccountID string) (*models.ReferralStats, error)
}

// Payments is the slice of the payment service the HTTP layer uses.
type Payments interface {
	CreateCheckoutSession(ctx context.Context, accountID string, tokens, priceInCents int64, currency, successURL, cancelURL string) (*models.CheckoutSession, error)
	HandleWebhook(ctx context.Context, payload []byte, signature string) (*models.WebhookResult, error)
}

type Handler struct {
	ledger    Ledger
	referrals Referrals
	payments  Payments
	ready     func(ctx context.Context) error
}

func NewHandler(ledger Ledger, referrals Referrals, payments Payments, ready func(ctx context.Context) error) *Handler {
	return &Handler{ledger: ledger, referrals: referrals, payments: payments, ready: ready}
}

// envelope is the uniform response shape. Business failures ride in it with
// HTTP 200; callers branch on success, not on the status code.
type envelope struct {
	Success bool     `json:"success"`
	Data    any      `json:"data,omitempty"`
	Error   *errBody `json:"error,omitempty"`
}

type errBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func respond(w http.ResponseWriter, status int, body envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func respondData(w http.ResponseWriter, data any) {
	respond(w, http.StatusOK, envelope{Success: true, Data: data})
}

// respondBadRequest covers transport-level problems (malformed JSON, missing
// required header). These are the only business-path responses that use a
// non-200 status.
func respondBadRequest(w http.ResponseWriter, message string) {
	respond(w, http.StatusBadRequest, envelope{Success: false, Error: &errBody{Code: "INVALID_REQUEST", Message: message}})
}

// respondErr maps a service error into the envelope: coded business errors
// get HTTP 200 with success=false, anything else is an internal failure.
func respondErr(w http.ResponseWriter, err error) {
	if e, ok := service.AsError(err); ok {
		respond(w, http.StatusOK, envelope{Success: false, Error: &errBody{Code: e.Code, Message: e.Message}})
		return
	}
	log.Printf("internal error: %v", err)
	respond(w, http.StatusInternalServerError, envelope{Success: false, Error: &errBody{Code: "INTERNAL_ERROR", Message: "internal server error"}})
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		respondBadRequest(w, "malformed JSON body")
		return false
	}
	return true
}

// idempotencyKey prefers the Idempotency-Key header, falling back to the
// body-supplied value.
func idempotencyKey(r *http.Request, bodyKey string) string {
	if key := r.Header.Get("Idempotency-Key"); key != "" {
		return key
	}
	return bodyKey
}

func (h *Handler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	respondData(w, map[string]string{"status": "ok"})
}

func (h *Handler) ReadyHandler(w http.ResponseWriter, r *http.Request) {
	if err := h.ready(r.Context()); err != nil {
		respond(w, http.StatusServiceUnavailable, envelope{Success: false, Error: &errBody{Code: "NOT_READY", Message: err.Error()}})
		return
	}
	respondData(w, map[string]string{"status": "ready"})
}

func (h *Handler) GetBalanceHandler(w http.ResponseWriter, r *http.Request) {
	balance, err := h.ledger.GetBalance(r.Context(), mux.Vars(r)["accountId"])
	if err != nil {
		respondErr(w, err)
		return
	}
	respondData(w, balance)
}

func (h *Handler) GetHistoryHandler(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			respondBadRequest(w, "limit must be an integer")
			return
		}
		limit = n
	}
	entries, err := h.ledger.GetHistory(r.Context(), mux.Vars(r)["accountId"], limit)
	if err != nil {
		respondErr(w, err)
		return
	}
	if entries == nil {
		entries = []models.LedgerEntry{}
	}
	respondData(w, map[string]any{"entries": entries})
}

type creditRequest struct {
	AccountID       string          `json:"account_id"`
	Amount          int64           `json:"amount"`
	SourceReference string          `json:"source_reference"`
	IdempotencyKey  string          `json:"idempotency_key"`
	Metadata        json.RawMessage `json:"metadata"`
}

func (h *Handler) CreditHandler(w http.ResponseWriter, r *http.Request) {
	var req creditRequest
	if !decodeBody(w, r, &req) {
		return
	}
	result, err := h.ledger.Credit(r.Context(), req.AccountID, req.Amount, models.SourceApp, service.CreditOptions{
		SourceReference: req.SourceReference,
		IdempotencyKey:  idempotencyKey(r, req.IdempotencyKey),
		Metadata:        req.Metadata,
	})
	if err != nil {
		respondErr(w, err)
		return
	}
	respondData(w, result)
}

type consumeRequest struct {
	AccountID      string          `json:"account_id"`
	Amount         int64           `json:"amount"`
	Description    string          `json:"description"`
	IdempotencyKey string          `json:"idempotency_key"`
	Metadata       json.RawMessage `json:"metadata"`
}

func (h *Handler) ConsumeHandler(w http.ResponseWriter, r *http.Request) {
	var req consumeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	key := idempotencyKey(r, req.IdempotencyKey)
	if key == "" {
		respondBadRequest(w, "Idempotency-Key is required for consume")
		return
	}
	result, err := h.ledger.Consume(r.Context(), req.AccountID, req.Amount, service.ConsumeOptions{
		IdempotencyKey: key,
		Description:    req.Description,
		Metadata:       req.Metadata,
	})
	if err != nil {
		respondErr(w, err)
		return
	}
	respondData(w, result)
}

type reserveRequest struct {
	AccountID      string `json:"account_id"`
	Amount         int64  `json:"amount"`
	JobID          string `json:"job_id"`
	IdempotencyKey string `json:"idempotency_key"`
}

func (h *Handler) ReserveHandler(w http.ResponseWriter, r *http.Request) {
	var req reserveRequest
	if !decodeBody(w, r, &req) {
		return
	}
	key := idempotencyKey(r, req.IdempotencyKey)
	if key == "" {
		respondBadRequest(w, "Idempotency-Key is required for reserve")
		return
	}
	result, err := h.ledger.Reserve(r.Context(), req.AccountID, req.Amount, service.ReserveOptions{
		IdempotencyKey: key,
		JobID:          req.JobID,
	})
	if err != nil {
		respondErr(w, err)
		return
	}
	respondData(w, result)
}

type releaseRequest struct {
	AccountID     string `json:"account_id"`
	Amount        int64  `json:"amount"`
	ReservationID string `json:"reservation_id"`
}

func (h *Handler) ReleaseHandler(w http.ResponseWriter, r *http.Request) {
	var req releaseRequest
	if !decodeBody(w, r, &req) {
		return
	}
	reservationID, err := uuid.Parse(req.ReservationID)
	if err != nil {
		respondBadRequest(w, "reservation_id must be a valid id")
		return
	}
	result, err := h.ledger.Release(r.Context(), req.AccountID, req.Amount, reservationID)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondData(w, result)
}

type checkoutRequest struct {
	AccountID    string `json:"account_id"`
	Tokens       int64  `json:"tokens"`
	PriceInCents int64  `json:"price_in_cents"`
	Currency     string `json:"currency"`
	SuccessURL   string `json:"success_url"`
	CancelURL    string `json:"cancel_url"`
}

func (h *Handler) CreateCheckoutHandler(w http.ResponseWriter, r *http.Request) {
	var req checkoutRequest
	if !decodeBody(w, r, &req) {
		return
	}
	sess, err := h.payments.CreateCheckoutSession(r.Context(), req.AccountID, req.Tokens, req.PriceInCents, req.Currency, req.SuccessURL, req.CancelURL)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondData(w, sess)
}

// StripeWebhookHandler is the one endpoint where a failure must be non-2xx:
// the processor retries delivery only on error statuses, and an unverifiable
// event has to be retried, not acknowledged.
func (h *Handler) StripeWebhookHandler(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		respondBadRequest(w, "could not read payload")
		return
	}
	result, err := h.payments.HandleWebhook(r.Context(), payload, r.Header.Get("Stripe-Signature"))
	if err != nil {
		if errors.Is(err, service.ErrInvalidSignature) {
			respond(w, http.StatusBadRequest, envelope{Success: false, Error: &errBody{Code: "INVALID_SIGNATURE", Message: "signature verification failed"}})
			return
		}
		respondErr(w, err)
		return
	}
	respondData(w, result)
}

type generateCodeRequest struct {
	OwnerAccountID string `json:"owner_account_id"`
	Campaign       string `json:"campaign"`
	RewardTokens   int64  `json:"reward_tokens"`
}

func (h *Handler) GenerateCodeHandler(w http.ResponseWriter, r *http.Request) {
	var req generateCodeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	code, err := h.referrals.GenerateCode(r.Context(), req.OwnerAccountID, service.GenerateCodeOptions{
		Campaign:     req.Campaign,
		RewardTokens: req.RewardTokens,
	})
	if err != nil {
		respondErr(w, err)
		return
	}
	respondData(w, code)
}

func (h *Handler) GetCodeHandler(w http.ResponseWriter, r *http.Request) {
	code, err := h.referrals.ValidateCode(r.Context(), mux.Vars(r)["code"])
	if err != nil {
		respondErr(w, err)
		return
	}
	respondData(w, code)
}

type deactivateCodeRequest struct {
	OwnerAccountID string `json:"owner_account_id"`
}

func (h *Handler) DeactivateCodeHandler(w http.ResponseWriter, r *http.Request) {
	var req deactivateCodeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := h.referrals.DeactivateCode(r.Context(), mux.Vars(r)["code"], req.OwnerAccountID); err != nil {
		respondErr(w, err)
		return
	}
	respondData(w, map[string]bool{"deactivated": true})
}

type attributeRequest struct {
	ReferralCode      string `json:"referral_code"`
	ReferredAccountID string `json:"referred_account_id"`
}

func (h *Handler) AttributeHandler(w http.ResponseWriter, r *http.Request) {
	var req attributeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	attribution, err := h.referrals.Attribute(r.Context(), req.ReferralCode, req.ReferredAccountID)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondData(w, attribution)
}

type convertRequest struct {
	ReferredAccountID string `json:"referred_account_id"`
	RewardTokens      int64  `json:"reward_tokens"`
}

func (h *Handler) ConvertHandler(w http.ResponseWriter, r *http.Request) {
	var req convertRequest
	if !decodeBody(w, r, &req) {
		return
	}
	result, err := h.referrals.Convert(r.Context(), req.ReferredAccountID, req.RewardTokens)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondData(w, result)
}

func (h *Handler) StatsHandler(w http.ResponseWriter, r *http.Request) {
	stats, err := h.referrals.GetStats(r.Context(), mux.Vars(r)["accountId"])
	if err != nil {
		respondErr(w, err)
		return
	}
	respondData(w, stats)
}
