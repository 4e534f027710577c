package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strconv"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/checkout/session"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/pvelkov/tokenledger/internal/models"
	"github.com/pvelkov/tokenledger/internal/store"
)

// ErrInvalidSignature means an inbound event could not be authenticated
// against the webhook secret. Such events are discarded unprocessed and the
// HTTP layer answers non-2xx so the processor retries delivery.
var ErrInvalidSignature = errors.New("webhook signature verification failed")

// StripeService reconciles payment-processor events into ledger credits and
// refunds. It never touches wallet rows directly; every balance movement
// goes through the ledger.
type StripeService struct {
	ledger        *LedgerService
	webhookSecret string

	// Swapped out in tests to avoid network calls.
	createSession func(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
}

func NewStripeService(ledger *LedgerService, secretKey, webhookSecret string) *StripeService {
	stripe.Key = secretKey
	return &StripeService{
		ledger:        ledger,
		webhookSecret: webhookSecret,
		createSession: session.New,
	}
}

// CreateCheckoutSession opens a payment-processor checkout for a token
// purchase. account_id and tokens ride along in both session and
// payment-intent metadata so webhook reconciliation can find them later.
func (s *StripeService) CreateCheckoutSession(ctx context.Context, accountID string, tokens, priceInCents int64, currency, successURL, cancelURL string) (*models.CheckoutSession, error) {
	if accountID == "" {
		return nil, errMissingAccount
	}
	if tokens <= 0 {
		return nil, errInvalidTokens
	}
	if priceInCents <= 0 {
		return nil, errInvalidAmount
	}
	if currency == "" {
		currency = "usd"
	}

	metadata := map[string]string{
		"account_id": accountID,
		"tokens":     strconv.FormatInt(tokens, 10),
	}
	params := &stripe.CheckoutSessionParams{
		Mode:       stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL: stripe.String(successURL),
		CancelURL:  stripe.String(cancelURL),
		LineItems: []*stripe.CheckoutSessionLineItemParams{{
			Quantity: stripe.Int64(1),
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency:   stripe.String(currency),
				UnitAmount: stripe.Int64(priceInCents),
				ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
					Name: stripe.String(fmt.Sprintf("%d tokens", tokens)),
				},
			},
		}},
		PaymentIntentData: &stripe.CheckoutSessionPaymentIntentDataParams{
			Metadata: metadata,
		},
	}
	params.Context = ctx
	for k, v := range metadata {
		params.AddMetadata(k, v)
	}

	sess, err := s.createSession(params)
	if err != nil {
		log.Printf("stripe checkout session for %s failed: %v", accountID, err)
		return nil, newError(CodeStripeError, "could not create checkout session")
	}
	return &models.CheckoutSession{SessionID: sess.ID, URL: sess.URL}, nil
}

// HandleWebhook verifies and processes one inbound payment event. Fails
// closed: an event that does not verify against the webhook secret is
// discarded without any side effect.
func (s *StripeService) HandleWebhook(ctx context.Context, payload []byte, signature string) (*models.WebhookResult, error) {
	// Events arrive with whatever API version the Stripe account pins, which
	// need not match the SDK's; the mismatch is not a verification failure.
	event, err := webhook.ConstructEventWithOptions(payload, signature, s.webhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		log.Printf("webhook signature rejected: %v", err)
		webhookEventsTotal.WithLabelValues("unknown", "bad_signature").Inc()
		return nil, ErrInvalidSignature
	}

	eventType := string(event.Type)
	result, err := s.processEvent(ctx, eventType, event.Data.Raw)
	outcome := "ok"
	switch {
	case err != nil:
		outcome = "error"
	case !result.Handled:
		outcome = "ignored"
	}
	webhookEventsTotal.WithLabelValues(eventType, outcome).Inc()
	return result, err
}

func (s *StripeService) processEvent(ctx context.Context, eventType string, raw json.RawMessage) (*models.WebhookResult, error) {
	result := &models.WebhookResult{EventType: eventType}

	switch eventType {
	case "checkout.session.completed":
		var sess stripe.CheckoutSession
		if err := json.Unmarshal(raw, &sess); err != nil {
			return nil, fmt.Errorf("decode checkout session: %w", err)
		}
		paymentIntentID := ""
		if sess.PaymentIntent != nil {
			paymentIntentID = sess.PaymentIntent.ID
		}
		return s.creditFromMetadata(ctx, result, sess.Metadata, paymentIntentID)

	case "payment_intent.succeeded":
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(raw, &pi); err != nil {
			return nil, fmt.Errorf("decode payment intent: %w", err)
		}
		// Shares the idempotency key with checkout.session.completed for the
		// same payment intent, so whichever event lands second is a replay.
		return s.creditFromMetadata(ctx, result, pi.Metadata, pi.ID)

	case "charge.refunded":
		var charge stripe.Charge
		if err := json.Unmarshal(raw, &charge); err != nil {
			return nil, fmt.Errorf("decode charge: %w", err)
		}
		return s.refundCharge(ctx, result, &charge)

	default:
		return result, nil
	}
}

// creditFromMetadata extracts account_id and tokens (both placed there at
// checkout-creation time) and credits the ledger under a key derived from
// the payment intent, so redelivery is a no-op after the first credit.
func (s *StripeService) creditFromMetadata(ctx context.Context, result *models.WebhookResult, metadata map[string]string, paymentIntentID string) (*models.WebhookResult, error) {
	accountID := metadata["account_id"]
	tokens, parseErr := strconv.ParseInt(metadata["tokens"], 10, 64)
	if accountID == "" || parseErr != nil || tokens <= 0 {
		// Not a token purchase we created (or corrupted metadata); nothing
		// to reconcile.
		log.Printf("payment event %s for intent %q carries no usable metadata", result.EventType, paymentIntentID)
		return result, nil
	}
	if paymentIntentID == "" {
		return nil, newError(CodeStripeError, "payment event has no payment intent id")
	}

	_, err := s.ledger.Credit(ctx, accountID, tokens, models.SourceStripe, CreditOptions{
		SourceReference: paymentIntentID,
		IdempotencyKey:  "stripe-" + paymentIntentID,
	})
	if err != nil {
		return nil, err
	}

	result.Handled = true
	result.AccountID = accountID
	result.Tokens = tokens
	return result, nil
}

// refundCharge resolves the original credit by payment-intent reference and
// routes a compensating refund through the ledger. The deduction clamps to
// the wallet's current balance; partial refunds are not distinguished from
// full ones beyond that clamp.
func (s *StripeService) refundCharge(ctx context.Context, result *models.WebhookResult, charge *stripe.Charge) (*models.WebhookResult, error) {
	if charge.PaymentIntent == nil || charge.PaymentIntent.ID == "" {
		log.Printf("charge.refunded %s has no payment intent, skipping", charge.ID)
		return result, nil
	}
	paymentIntentID := charge.PaymentIntent.ID

	credit, err := s.ledger.FindCreditBySourceReference(ctx, paymentIntentID)
	if err != nil {
		if errors.Is(err, store.ErrEntryNotFound) {
			log.Printf("charge.refunded %s references unknown payment intent %s, skipping", charge.ID, paymentIntentID)
			return result, nil
		}
		return nil, err
	}

	accountID, err := s.ledger.AccountForWallet(ctx, credit.WalletID)
	if err != nil {
		return nil, err
	}

	// The refund request is denominated in tokens: the charge metadata if the
	// processor echoed it back, otherwise the full original credit.
	requested := credit.Amount
	if v, err := strconv.ParseInt(charge.Metadata["tokens"], 10, 64); err == nil && v > 0 {
		requested = v
	}

	refund, err := s.ledger.Refund(ctx, accountID, requested, paymentIntentID, "stripe-refund-"+charge.ID)
	if err != nil {
		return nil, err
	}

	result.Handled = true
	result.AccountID = accountID
	result.Tokens = refund.Refunded
	return result, nil
}
