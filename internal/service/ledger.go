package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/pvelkov/tokenledger/internal/models"
	"github.com/pvelkov/tokenledger/internal/store"
)

// IdempotencyTTL is how long a cached response keeps replaying for its key.
// After expiry a retried key executes fresh side effects.
const IdempotencyTTL = 24 * time.Hour

// LedgerStore is the persistence surface the ledger needs. *store.Store is
// the production implementation; tests inject an in-memory fake.
type LedgerStore interface {
	GetWallet(ctx context.Context, accountID string) (*models.Wallet, error)
	GetWalletByID(ctx context.Context, walletID uuid.UUID) (*models.Wallet, error)
	GetOrCreateWallet(ctx context.Context, accountID string) (*models.Wallet, error)
	AdjustBalance(ctx context.Context, walletID uuid.UUID, delta int64) (*models.Wallet, error)
	AdjustReserved(ctx context.Context, walletID uuid.UUID, delta int64) (*models.Wallet, error)
	ApplyRefund(ctx context.Context, walletID uuid.UUID, requested int64) (*models.Wallet, int64, error)
	InsertEntry(ctx context.Context, e *models.LedgerEntry) error
	GetEntry(ctx context.Context, id uuid.UUID) (*models.LedgerEntry, error)
	GetEntries(ctx context.Context, walletID uuid.UUID, limit int) ([]models.LedgerEntry, error)
	GetCreditBySourceReference(ctx context.Context, sourceReference string) (*models.LedgerEntry, error)
	ClaimIdempotencyKey(ctx context.Context, key string, ttl time.Duration) ([]byte, bool, error)
	StoreIdempotentResponse(ctx context.Context, key string, response []byte) error
	DeleteIdempotencyKey(ctx context.Context, key string) error
}

// LedgerService is the single place wallet balances are mutated. Every
// balance- or reservation-affecting operation is one guarded atomic update
// plus one immutable entry append, with the idempotency store consulted
// first.
type LedgerService struct {
	store LedgerStore
}

func NewLedgerService(s LedgerStore) *LedgerService {
	return &LedgerService{store: s}
}

// CreditOptions carries the optional parts of a credit.
type CreditOptions struct {
	SourceReference string
	IdempotencyKey  string
	Metadata        json.RawMessage
}

// ConsumeOptions carries the parameters of a consume. IdempotencyKey is
// mandatory: consumption is always triggered by a specific retryable caller
// action.
type ConsumeOptions struct {
	IdempotencyKey string
	Description    string
	Metadata       json.RawMessage
}

// ReserveOptions carries the parameters of a reserve. IdempotencyKey is
// mandatory for the same reason as ConsumeOptions.
type ReserveOptions struct {
	IdempotencyKey string
	JobID          string
}

// claimKey claims an idempotency key before executing side effects. A cached
// response means the operation already ran: return it verbatim. A live claim
// held by a concurrent identical request surfaces as a retryable conflict.
func (s *LedgerService) claimKey(ctx context.Context, key string) ([]byte, error) {
	cached, claimed, err := s.store.ClaimIdempotencyKey(ctx, key, IdempotencyTTL)
	if err != nil {
		return nil, fmt.Errorf("idempotency claim: %w", err)
	}
	if cached != nil {
		return cached, nil
	}
	if !claimed {
		return nil, errUpdateFailed
	}
	return nil, nil
}

// finalizeKey stores the response a future replay of key should return.
func (s *LedgerService) finalizeKey(ctx context.Context, key string, response any) {
	body, err := json.Marshal(response)
	if err == nil {
		err = s.store.StoreIdempotentResponse(ctx, key, body)
	}
	if err != nil {
		// The operation itself succeeded; a replay within the TTL will see a
		// held claim and get a retryable conflict instead of a duplicate.
		log.Printf("finalize idempotency key %s: %v", key, err)
	}
}

// releaseKey drops a claim whose operation failed before any side effect, so
// the caller's retry can run fresh.
func (s *LedgerService) releaseKey(ctx context.Context, key string) {
	if err := s.store.DeleteIdempotencyKey(ctx, key); err != nil {
		log.Printf("release idempotency key %s: %v", key, err)
	}
}

func balanceOf(w *models.Wallet) models.Balance {
	return models.Balance{
		AccountID: w.AccountID,
		Balance:   w.Balance,
		Reserved:  w.Reserved,
		Available: w.Available(),
	}
}

// GetBalance returns the current balance view for an account, creating the
// wallet on first access. No other side effects.
func (s *LedgerService) GetBalance(ctx context.Context, accountID string) (*models.Balance, error) {
	if accountID == "" {
		return nil, errMissingAccount
	}
	w, err := s.store.GetOrCreateWallet(ctx, accountID)
	if err != nil {
		return nil, err
	}
	b := balanceOf(w)
	return &b, nil
}

// Credit adds tokens to an account. The idempotency key is optional; when
// present, a repeated delivery (webhook redelivery, client retry) replays the
// original response without further side effects.
func (s *LedgerService) Credit(ctx context.Context, accountID string, amount int64, source models.Source, opts CreditOptions) (res *models.LedgerResult, err error) {
	defer func() { observeOp("credit", err) }()

	if accountID == "" {
		return nil, errMissingAccount
	}
	if amount <= 0 {
		return nil, errInvalidAmount
	}

	if opts.IdempotencyKey != "" {
		cached, err := s.claimKey(ctx, opts.IdempotencyKey)
		if err != nil {
			return nil, err
		}
		if cached != nil {
			return replayResult(cached, "credit")
		}
	}

	wallet, err := s.store.GetOrCreateWallet(ctx, accountID)
	if err != nil {
		if opts.IdempotencyKey != "" {
			s.releaseKey(ctx, opts.IdempotencyKey)
		}
		return nil, err
	}

	updated, err := s.store.AdjustBalance(ctx, wallet.ID, amount)
	if err != nil {
		if opts.IdempotencyKey != "" {
			s.releaseKey(ctx, opts.IdempotencyKey)
		}
		if errors.Is(err, store.ErrConditionFailed) {
			return nil, errUpdateFailed
		}
		return nil, err
	}

	entry := &models.LedgerEntry{
		ID:              uuid.New(),
		WalletID:        wallet.ID,
		EntryType:       models.EntryCredit,
		Amount:          amount,
		BalanceAfter:    updated.Balance,
		Source:          source,
		SourceReference: opts.SourceReference,
		IdempotencyKey:  opts.IdempotencyKey,
		Metadata:        opts.Metadata,
	}
	if err := s.store.InsertEntry(ctx, entry); err != nil {
		// Balance changed but the audit append failed. The claim stays held
		// so a retry cannot double-credit; the gap needs reconciliation.
		return nil, newError(CodeLedgerError, "ledger entry append failed after balance update")
	}

	res = &models.LedgerResult{
		Balance:   balanceOf(updated),
		EntryID:   entry.ID,
		EntryType: models.EntryCredit,
		Amount:    amount,
	}
	if opts.IdempotencyKey != "" {
		s.finalizeKey(ctx, opts.IdempotencyKey, res)
	}
	return res, nil
}

// Consume debits tokens against the available amount (balance minus
// reserved). The guarded update rejects overdraw atomically; the pre-read is
// only used to distinguish INSUFFICIENT_BALANCE from a genuine conflict.
func (s *LedgerService) Consume(ctx context.Context, accountID string, amount int64, opts ConsumeOptions) (res *models.LedgerResult, err error) {
	defer func() { observeOp("consume", err) }()

	if accountID == "" {
		return nil, errMissingAccount
	}
	if amount <= 0 {
		return nil, errInvalidAmount
	}
	if opts.IdempotencyKey == "" {
		return nil, fmt.Errorf("consume requires an idempotency key")
	}

	cached, err := s.claimKey(ctx, opts.IdempotencyKey)
	if err != nil {
		return nil, err
	}
	if cached != nil {
		return replayResult(cached, "consume")
	}

	wallet, err := s.store.GetOrCreateWallet(ctx, accountID)
	if err != nil {
		s.releaseKey(ctx, opts.IdempotencyKey)
		return nil, err
	}
	if wallet.Available() < amount {
		s.releaseKey(ctx, opts.IdempotencyKey)
		return nil, errInsufficientBalance
	}

	updated, err := s.store.AdjustBalance(ctx, wallet.ID, -amount)
	if err != nil {
		s.releaseKey(ctx, opts.IdempotencyKey)
		if errors.Is(err, store.ErrConditionFailed) {
			// The pre-read said sufficient; a concurrent debit won the race.
			return nil, errInsufficientBalance
		}
		return nil, err
	}

	entry := &models.LedgerEntry{
		ID:             uuid.New(),
		WalletID:       wallet.ID,
		EntryType:      models.EntryDebit,
		Amount:         -amount,
		BalanceAfter:   updated.Balance,
		Source:         models.SourceApp,
		IdempotencyKey: opts.IdempotencyKey,
		Metadata:       metadataWithDescription(opts.Metadata, opts.Description),
	}
	if err := s.store.InsertEntry(ctx, entry); err != nil {
		return nil, newError(CodeLedgerError, "ledger entry append failed after balance update")
	}

	res = &models.LedgerResult{
		Balance:   balanceOf(updated),
		EntryID:   entry.ID,
		EntryType: models.EntryDebit,
		Amount:    -amount,
	}
	s.finalizeKey(ctx, opts.IdempotencyKey, res)
	return res, nil
}

// Reserve holds tokens against future consumption without changing balance.
// The returned reservation id is the reserve entry's id; callers hand it back
// to Release to abort, or Consume independently to settle.
func (s *LedgerService) Reserve(ctx context.Context, accountID string, amount int64, opts ReserveOptions) (res *models.LedgerResult, err error) {
	defer func() { observeOp("reserve", err) }()

	if accountID == "" {
		return nil, errMissingAccount
	}
	if amount <= 0 {
		return nil, errInvalidAmount
	}
	if opts.IdempotencyKey == "" {
		return nil, fmt.Errorf("reserve requires an idempotency key")
	}

	cached, err := s.claimKey(ctx, opts.IdempotencyKey)
	if err != nil {
		return nil, err
	}
	if cached != nil {
		return replayResult(cached, "reserve")
	}

	wallet, err := s.store.GetOrCreateWallet(ctx, accountID)
	if err != nil {
		s.releaseKey(ctx, opts.IdempotencyKey)
		return nil, err
	}
	if wallet.Available() < amount {
		s.releaseKey(ctx, opts.IdempotencyKey)
		return nil, errInsufficientBalance
	}

	updated, err := s.store.AdjustReserved(ctx, wallet.ID, amount)
	if err != nil {
		s.releaseKey(ctx, opts.IdempotencyKey)
		if errors.Is(err, store.ErrConditionFailed) {
			return nil, errInsufficientBalance
		}
		return nil, err
	}

	var metadata json.RawMessage
	if opts.JobID != "" {
		metadata, _ = json.Marshal(map[string]string{"job_id": opts.JobID})
	}
	entry := &models.LedgerEntry{
		ID:             uuid.New(),
		WalletID:       wallet.ID,
		EntryType:      models.EntryReserve,
		Amount:         amount,
		BalanceAfter:   updated.Balance,
		Source:         models.SourceApp,
		IdempotencyKey: opts.IdempotencyKey,
		Metadata:       metadata,
	}
	if err := s.store.InsertEntry(ctx, entry); err != nil {
		return nil, newError(CodeLedgerError, "ledger entry append failed after reserve update")
	}

	res = &models.LedgerResult{
		Balance:       balanceOf(updated),
		EntryID:       entry.ID,
		EntryType:     models.EntryReserve,
		Amount:        amount,
		ReservationID: entry.ID,
	}
	s.finalizeKey(ctx, opts.IdempotencyKey, res)
	return res, nil
}

// Release returns reserved tokens to the available pool. Callable once per
// reservation by its owner; the reservation id must name a reserve entry on
// the same wallet and the amount must not exceed the outstanding reserved
// total.
func (s *LedgerService) Release(ctx context.Context, accountID string, amount int64, reservationID uuid.UUID) (res *models.LedgerResult, err error) {
	defer func() { observeOp("release", err) }()

	if accountID == "" {
		return nil, errMissingAccount
	}
	if amount <= 0 {
		return nil, errInvalidAmount
	}

	wallet, err := s.store.GetWallet(ctx, accountID)
	if err != nil {
		if errors.Is(err, store.ErrWalletNotFound) {
			return nil, errWalletNotFound
		}
		return nil, err
	}

	reservation, err := s.store.GetEntry(ctx, reservationID)
	if err != nil {
		if errors.Is(err, store.ErrEntryNotFound) {
			return nil, errInvalidRelease
		}
		return nil, err
	}
	if reservation.WalletID != wallet.ID || reservation.EntryType != models.EntryReserve {
		return nil, errInvalidRelease
	}
	if amount > wallet.Reserved {
		return nil, errInvalidRelease
	}

	updated, err := s.store.AdjustReserved(ctx, wallet.ID, -amount)
	if err != nil {
		if errors.Is(err, store.ErrConditionFailed) {
			return nil, errInvalidRelease
		}
		return nil, err
	}

	entry := &models.LedgerEntry{
		ID:              uuid.New(),
		WalletID:        wallet.ID,
		EntryType:       models.EntryRelease,
		Amount:          -amount,
		BalanceAfter:    updated.Balance,
		Source:          models.SourceApp,
		SourceReference: reservationID.String(),
	}
	if err := s.store.InsertEntry(ctx, entry); err != nil {
		return nil, newError(CodeLedgerError, "ledger entry append failed after release update")
	}

	res = &models.LedgerResult{
		Balance:       balanceOf(updated),
		EntryID:       entry.ID,
		EntryType:     models.EntryRelease,
		Amount:        -amount,
		ReservationID: reservationID,
	}
	return res, nil
}

// Refund deducts previously credited tokens, clamped to what the wallet
// still holds: refunding more than the current balance deducts the balance
// and no further. Goes through the same guarded update discipline as every
// other mutation.
func (s *LedgerService) Refund(ctx context.Context, accountID string, requested int64, sourceReference, idempotencyKey string) (res *models.RefundResult, err error) {
	defer func() { observeOp("refund", err) }()

	if accountID == "" {
		return nil, errMissingAccount
	}
	if requested <= 0 {
		return nil, errInvalidAmount
	}

	if idempotencyKey != "" {
		cached, err := s.claimKey(ctx, idempotencyKey)
		if err != nil {
			return nil, err
		}
		if cached != nil {
			var r models.RefundResult
			if err := json.Unmarshal(cached, &r); err != nil {
				return nil, fmt.Errorf("decode cached refund response: %w", err)
			}
			idempotentReplaysTotal.WithLabelValues("refund").Inc()
			return &r, nil
		}
	}

	wallet, err := s.store.GetWallet(ctx, accountID)
	if err != nil {
		if idempotencyKey != "" {
			s.releaseKey(ctx, idempotencyKey)
		}
		if errors.Is(err, store.ErrWalletNotFound) {
			return nil, errWalletNotFound
		}
		return nil, err
	}

	updated, refunded, err := s.store.ApplyRefund(ctx, wallet.ID, requested)
	if err != nil {
		if idempotencyKey != "" {
			s.releaseKey(ctx, idempotencyKey)
		}
		return nil, err
	}

	res = &models.RefundResult{
		Balance:   balanceOf(updated),
		Requested: requested,
		Refunded:  refunded,
	}
	if refunded > 0 {
		entry := &models.LedgerEntry{
			ID:              uuid.New(),
			WalletID:        wallet.ID,
			EntryType:       models.EntryRefund,
			Amount:          -refunded,
			BalanceAfter:    updated.Balance,
			Source:          models.SourceStripe,
			SourceReference: sourceReference,
			IdempotencyKey:  idempotencyKey,
		}
		if err := s.store.InsertEntry(ctx, entry); err != nil {
			return nil, newError(CodeLedgerError, "ledger entry append failed after refund update")
		}
		res.EntryID = entry.ID
	}

	if idempotencyKey != "" {
		s.finalizeKey(ctx, idempotencyKey, res)
	}
	return res, nil
}

// GetHistory returns the most recent ledger entries for an account, newest
// first. Read-only.
func (s *LedgerService) GetHistory(ctx context.Context, accountID string, limit int) ([]models.LedgerEntry, error) {
	if accountID == "" {
		return nil, errMissingAccount
	}
	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}
	wallet, err := s.store.GetOrCreateWallet(ctx, accountID)
	if err != nil {
		return nil, err
	}
	return s.store.GetEntries(ctx, wallet.ID, limit)
}

// FindCreditBySourceReference resolves the credit entry recorded against an
// external payment reference. Used by payment reconciliation to route a
// refund back to the wallet it credited.
func (s *LedgerService) FindCreditBySourceReference(ctx context.Context, sourceReference string) (*models.LedgerEntry, error) {
	return s.store.GetCreditBySourceReference(ctx, sourceReference)
}

// AccountForWallet maps a wallet id back to its external account id.
func (s *LedgerService) AccountForWallet(ctx context.Context, walletID uuid.UUID) (string, error) {
	w, err := s.store.GetWalletByID(ctx, walletID)
	if err != nil {
		return "", err
	}
	return w.AccountID, nil
}

func replayResult(cached []byte, op string) (*models.LedgerResult, error) {
	var r models.LedgerResult
	if err := json.Unmarshal(cached, &r); err != nil {
		return nil, fmt.Errorf("decode cached response: %w", err)
	}
	r.Replayed = true
	idempotentReplaysTotal.WithLabelValues(op).Inc()
	return &r, nil
}

func metadataWithDescription(metadata json.RawMessage, description string) json.RawMessage {
	if description == "" || len(metadata) > 0 {
		return metadata
	}
	m, _ := json.Marshal(map[string]string{"description": description})
	return m
}
