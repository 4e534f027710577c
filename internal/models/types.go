package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EntryType classifies a ledger entry.
type EntryType string

const (
	EntryCredit  EntryType = "credit"
	EntryDebit   EntryType = "debit"
	EntryReserve EntryType = "reserve"
	EntryRelease EntryType = "release"
	EntryRefund  EntryType = "refund"
)

// Source identifies which subsystem originated a ledger entry.
type Source string

const (
	SourceStripe   Source = "stripe"
	SourceReferral Source = "referral"
	SourceApp      Source = "app"
)

// Wallet is the per-account balance record. One row per account, created
// lazily on first access. Available tokens are derived, never stored.
type Wallet struct {
	ID        uuid.UUID `json:"id"`
	AccountID string    `json:"account_id"`
	Balance   int64     `json:"balance"`
	Reserved  int64     `json:"reserved"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Available returns the balance not currently held by reservations.
func (w *Wallet) Available() int64 {
	return w.Balance - w.Reserved
}

// LedgerEntry is the immutable record of one balance- or reservation-affecting
// event. Amount is signed: positive for credit/reserve, negative for
// debit/release/refund. Replaying credit/debit/refund amounts in creation
// order reconstructs the wallet balance; reserve/release entries carry
// balance_after equal to the unchanged balance.
type LedgerEntry struct {
	ID              uuid.UUID       `json:"id"`
	WalletID        uuid.UUID       `json:"wallet_id"`
	EntryType       EntryType       `json:"entry_type"`
	Amount          int64           `json:"amount"`
	BalanceAfter    int64           `json:"balance_after"`
	Source          Source          `json:"source"`
	SourceReference string          `json:"source_reference,omitempty"`
	IdempotencyKey  string          `json:"idempotency_key,omitempty"`
	Metadata        json.RawMessage `json:"metadata,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
}

// ReferralCode is a short random token owned by an account.
type ReferralCode struct {
	ID             uuid.UUID `json:"id"`
	Code           string    `json:"code"`
	OwnerAccountID string    `json:"owner_account_id"`
	Campaign       string    `json:"campaign,omitempty"`
	RewardTokens   int64     `json:"reward_tokens"`
	IsActive       bool      `json:"is_active"`
	CreatedAt      time.Time `json:"created_at"`
}

// AttributionStatus is the referral attribution lifecycle state.
type AttributionStatus string

const (
	AttributionPending   AttributionStatus = "pending"
	AttributionConverted AttributionStatus = "converted"
	AttributionRewarded  AttributionStatus = "rewarded"
)

// ReferralAttribution links a referred account to the code that brought it
// in. At most one attribution per referred account, ever.
type ReferralAttribution struct {
	ID                uuid.UUID         `json:"id"`
	ReferralCodeID    uuid.UUID         `json:"referral_code_id"`
	ReferredAccountID string            `json:"referred_account_id"`
	Status            AttributionStatus `json:"status"`
	ConvertedAt       *time.Time        `json:"converted_at,omitempty"`
	RewardPaidAt      *time.Time        `json:"reward_paid_at,omitempty"`
	CreatedAt         time.Time         `json:"created_at"`
}

// Balance is the read model returned by balance-affecting operations.
type Balance struct {
	AccountID string `json:"account_id"`
	Balance   int64  `json:"balance"`
	Reserved  int64  `json:"reserved"`
	Available int64  `json:"available"`
}

// LedgerResult is the response of a successful ledger mutation. It is also
// the value cached under an idempotency key, so a replayed request returns
// the original entry id and balance verbatim.
type LedgerResult struct {
	Balance
	EntryID       uuid.UUID `json:"entry_id"`
	EntryType     EntryType `json:"entry_type"`
	Amount        int64     `json:"amount"`
	ReservationID uuid.UUID `json:"reservation_id,omitzero"`
	Replayed      bool      `json:"-"`
}

// RefundResult reports how many tokens a refund actually deducted after
// clamping to the wallet balance.
type RefundResult struct {
	Balance
	EntryID   uuid.UUID `json:"entry_id,omitzero"`
	Requested int64     `json:"requested"`
	Refunded  int64     `json:"refunded"`
}

// ConvertResult reports whether a referral conversion paid a reward.
type ConvertResult struct {
	Rewarded      bool      `json:"rewarded"`
	RewardTokens  int64     `json:"reward_tokens,omitempty"`
	ReferrerID    string    `json:"referrer_account_id,omitempty"`
	AttributionID uuid.UUID `json:"attribution_id,omitzero"`
}

// ReferralStats aggregates attribution outcomes across all codes owned by an
// account.
type ReferralStats struct {
	OwnerAccountID string `json:"owner_account_id"`
	TotalCodes     int64  `json:"total_codes"`
	TotalReferred  int64  `json:"total_referred"`
	Pending        int64  `json:"pending"`
	Converted      int64  `json:"converted"`
	Rewarded       int64  `json:"rewarded"`
	TokensEarned   int64  `json:"tokens_earned"`
}

// CheckoutSession is the subset of the payment-processor session the API
// returns to callers.
type CheckoutSession struct {
	SessionID string `json:"session_id"`
	URL       string `json:"url"`
}

// WebhookResult summarizes what processing an inbound payment event did.
type WebhookResult struct {
	EventType string `json:"event_type"`
	Handled   bool   `json:"handled"`
	AccountID string `json:"account_id,omitempty"`
	Tokens    int64  `json:"tokens,omitempty"`
}
