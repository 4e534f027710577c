package service

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v82"

	"github.com/pvelkov/tokenledger/internal/store/storetest"
)

const testWebhookSecret = "whsec_test_secret"

func newStripeFixture(t *testing.T) (*StripeService, *LedgerService) {
	t.Helper()
	st := storetest.New()
	ledger := NewLedgerService(st)
	return NewStripeService(ledger, "sk_test_123", testWebhookSecret), ledger
}

// signPayload produces a Stripe-Signature header for a payload, the same
// t=...,v1=... scheme the processor uses.
func signPayload(payload []byte, secret string) string {
	ts := time.Now().Unix()
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.%s", ts, payload)
	return fmt.Sprintf("t=%d,v1=%s", ts, hex.EncodeToString(mac.Sum(nil)))
}

func eventPayload(eventType, object string) []byte {
	return []byte(fmt.Sprintf(`{"id":"evt_1","type":%q,"data":{"object":%s}}`, eventType, object))
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	svc, _ := newStripeFixture(t)

	payload := eventPayload("checkout.session.completed", `{"id":"cs_1"}`)
	_, err := svc.HandleWebhook(context.Background(), payload, signPayload(payload, "whsec_wrong"))
	require.ErrorIs(t, err, ErrInvalidSignature)

	_, err = svc.HandleWebhook(context.Background(), payload, "garbage")
	require.ErrorIs(t, err, ErrInvalidSignature)
}

func TestWebhookCheckoutCompletedCreditsOnce(t *testing.T) {
	svc, ledger := newStripeFixture(t)
	ctx := context.Background()

	object := `{"id":"cs_1","payment_intent":"pi_42","metadata":{"account_id":"acct-1","tokens":"500"}}`
	payload := eventPayload("checkout.session.completed", object)

	result, err := svc.HandleWebhook(ctx, payload, signPayload(payload, testWebhookSecret))
	require.NoError(t, err)
	assert.True(t, result.Handled)
	assert.Equal(t, "acct-1", result.AccountID)
	assert.Equal(t, int64(500), result.Tokens)

	balance, err := ledger.GetBalance(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, int64(500), balance.Balance)

	// Redelivery of the same event replays the cached credit.
	result, err = svc.HandleWebhook(ctx, payload, signPayload(payload, testWebhookSecret))
	require.NoError(t, err)
	assert.True(t, result.Handled)

	balance, err = ledger.GetBalance(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, int64(500), balance.Balance, "redelivered webhook must not double-credit")
}

func TestWebhookPaymentIntentSharesKeyWithCheckout(t *testing.T) {
	svc, ledger := newStripeFixture(t)
	ctx := context.Background()

	checkout := eventPayload("checkout.session.completed",
		`{"id":"cs_1","payment_intent":"pi_42","metadata":{"account_id":"acct-1","tokens":"500"}}`)
	_, err := svc.HandleWebhook(ctx, checkout, signPayload(checkout, testWebhookSecret))
	require.NoError(t, err)

	// The payment_intent.succeeded event for the same purchase carries the
	// same metadata and derives the same idempotency key.
	intent := eventPayload("payment_intent.succeeded",
		`{"id":"pi_42","metadata":{"account_id":"acct-1","tokens":"500"}}`)
	result, err := svc.HandleWebhook(ctx, intent, signPayload(intent, testWebhookSecret))
	require.NoError(t, err)
	assert.True(t, result.Handled)

	balance, err := ledger.GetBalance(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, int64(500), balance.Balance)
}

func TestWebhookIgnoresEventsWithoutMetadata(t *testing.T) {
	svc, _ := newStripeFixture(t)

	payload := eventPayload("payment_intent.succeeded", `{"id":"pi_99","metadata":{}}`)
	result, err := svc.HandleWebhook(context.Background(), payload, signPayload(payload, testWebhookSecret))
	require.NoError(t, err)
	assert.False(t, result.Handled)
}

func TestWebhookUnknownEventTypeIgnored(t *testing.T) {
	svc, _ := newStripeFixture(t)

	payload := eventPayload("customer.created", `{"id":"cus_1"}`)
	result, err := svc.HandleWebhook(context.Background(), payload, signPayload(payload, testWebhookSecret))
	require.NoError(t, err)
	assert.False(t, result.Handled)
}

func TestWebhookRefundDeductsUpToBalance(t *testing.T) {
	svc, ledger := newStripeFixture(t)
	ctx := context.Background()

	checkout := eventPayload("checkout.session.completed",
		`{"id":"cs_1","payment_intent":"pi_42","metadata":{"account_id":"acct-1","tokens":"500"}}`)
	_, err := svc.HandleWebhook(ctx, checkout, signPayload(checkout, testWebhookSecret))
	require.NoError(t, err)

	// Spend most of it before the refund arrives.
	_, err = ledger.Consume(ctx, "acct-1", 400, ConsumeOptions{IdempotencyKey: "use-1"})
	require.NoError(t, err)

	refund := eventPayload("charge.refunded", `{"id":"ch_7","payment_intent":"pi_42","metadata":{}}`)
	result, err := svc.HandleWebhook(ctx, refund, signPayload(refund, testWebhookSecret))
	require.NoError(t, err)
	assert.True(t, result.Handled)
	assert.Equal(t, int64(100), result.Tokens, "refund clamps to the remaining balance")

	balance, err := ledger.GetBalance(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), balance.Balance)

	// Redelivered refund is a no-op.
	result, err = svc.HandleWebhook(ctx, refund, signPayload(refund, testWebhookSecret))
	require.NoError(t, err)
	assert.Equal(t, int64(100), result.Tokens)
	balance, err = ledger.GetBalance(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), balance.Balance)
}

func TestWebhookRefundForUnknownPaymentSkipped(t *testing.T) {
	svc, _ := newStripeFixture(t)

	refund := eventPayload("charge.refunded", `{"id":"ch_7","payment_intent":"pi_unknown","metadata":{}}`)
	result, err := svc.HandleWebhook(context.Background(), refund, signPayload(refund, testWebhookSecret))
	require.NoError(t, err)
	assert.False(t, result.Handled)
}

func TestCreateCheckoutSessionEmbedsMetadata(t *testing.T) {
	svc, _ := newStripeFixture(t)

	var captured *stripe.CheckoutSessionParams
	svc.createSession = func(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error) {
		captured = params
		return &stripe.CheckoutSession{ID: "cs_new", URL: "https://checkout.example/cs_new"}, nil
	}

	sess, err := svc.CreateCheckoutSession(context.Background(), "acct-1", 500, 999, "usd",
		"https://app.example/success", "https://app.example/cancel")
	require.NoError(t, err)
	assert.Equal(t, "cs_new", sess.SessionID)
	assert.Equal(t, "https://checkout.example/cs_new", sess.URL)

	require.NotNil(t, captured)
	assert.Equal(t, "acct-1", captured.Metadata["account_id"])
	assert.Equal(t, "500", captured.Metadata["tokens"])
	require.NotNil(t, captured.PaymentIntentData)
	assert.Equal(t, "acct-1", captured.PaymentIntentData.Metadata["account_id"])
	require.Len(t, captured.LineItems, 1)
	assert.Equal(t, int64(999), *captured.LineItems[0].PriceData.UnitAmount)
}

func TestCreateCheckoutSessionValidation(t *testing.T) {
	svc, _ := newStripeFixture(t)
	ctx := context.Background()

	_, err := svc.CreateCheckoutSession(ctx, "", 500, 999, "usd", "s", "c")
	e, ok := AsError(err)
	require.True(t, ok)
	assert.Equal(t, CodeMissingAccount, e.Code)

	_, err = svc.CreateCheckoutSession(ctx, "acct-1", 0, 999, "usd", "s", "c")
	e, ok = AsError(err)
	require.True(t, ok)
	assert.Equal(t, CodeInvalidTokens, e.Code)

	_, err = svc.CreateCheckoutSession(ctx, "acct-1", 500, 0, "usd", "s", "c")
	e, ok = AsError(err)
	require.True(t, ok)
	assert.Equal(t, CodeInvalidAmount, e.Code)
}
