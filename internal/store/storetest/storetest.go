// Package storetest provides an in-memory Store implementation with the same
// guard semantics as the Postgres store, for service and handler tests.
package storetest

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pvelkov/tokenledger/internal/models"
	"github.com/pvelkov/tokenledger/internal/store"
)

type idemRecord struct {
	response  []byte
	expiresAt time.Time
}

type Store struct {
	mu sync.Mutex

	wallets      map[string]*models.Wallet              // by account id
	entries      []*models.LedgerEntry
	idempotency  map[string]*idemRecord
	codes        map[string]*models.ReferralCode        // by code
	attributions map[string]*models.ReferralAttribution // by referred account id

	// ForceDuplicateCode makes every CreateReferralCode fail with
	// ErrDuplicateCode, to exercise bounded retry.
	ForceDuplicateCode bool
	// FailEntryInsert makes InsertEntry fail, to exercise the partial-failure
	// path after a balance update.
	FailEntryInsert bool
}

func New() *Store {
	return &Store{
		wallets:      make(map[string]*models.Wallet),
		idempotency:  make(map[string]*idemRecord),
		codes:        make(map[string]*models.ReferralCode),
		attributions: make(map[string]*models.ReferralAttribution),
	}
}

func copyWallet(w *models.Wallet) *models.Wallet {
	c := *w
	return &c
}

func (s *Store) GetWallet(_ context.Context, accountID string) (*models.Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.wallets[accountID]
	if !ok {
		return nil, store.ErrWalletNotFound
	}
	return copyWallet(w), nil
}

func (s *Store) GetWalletByID(_ context.Context, walletID uuid.UUID) (*models.Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, w := range s.wallets {
		if w.ID == walletID {
			return copyWallet(w), nil
		}
	}
	return nil, store.ErrWalletNotFound
}

func (s *Store) GetOrCreateWallet(_ context.Context, accountID string) (*models.Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.wallets[accountID]
	if !ok {
		now := time.Now().UTC()
		w = &models.Wallet{ID: uuid.New(), AccountID: accountID, CreatedAt: now, UpdatedAt: now}
		s.wallets[accountID] = w
	}
	return copyWallet(w), nil
}

func (s *Store) findByID(walletID uuid.UUID) *models.Wallet {
	for _, w := range s.wallets {
		if w.ID == walletID {
			return w
		}
	}
	return nil
}

func (s *Store) AdjustBalance(_ context.Context, walletID uuid.UUID, delta int64) (*models.Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w := s.findByID(walletID)
	if w == nil || w.Balance+delta < w.Reserved {
		return nil, store.ErrConditionFailed
	}
	w.Balance += delta
	w.UpdatedAt = time.Now().UTC()
	return copyWallet(w), nil
}

func (s *Store) AdjustReserved(_ context.Context, walletID uuid.UUID, delta int64) (*models.Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w := s.findByID(walletID)
	if w == nil || w.Reserved+delta < 0 || w.Reserved+delta > w.Balance {
		return nil, store.ErrConditionFailed
	}
	w.Reserved += delta
	w.UpdatedAt = time.Now().UTC()
	return copyWallet(w), nil
}

func (s *Store) ApplyRefund(_ context.Context, walletID uuid.UUID, requested int64) (*models.Wallet, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w := s.findByID(walletID)
	if w == nil {
		return nil, 0, store.ErrWalletNotFound
	}
	refunded := requested
	if refunded > w.Balance {
		refunded = w.Balance
	}
	w.Balance -= refunded
	if w.Reserved > w.Balance {
		w.Reserved = w.Balance
	}
	w.UpdatedAt = time.Now().UTC()
	return copyWallet(w), refunded, nil
}

func (s *Store) InsertEntry(_ context.Context, e *models.LedgerEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailEntryInsert {
		return context.DeadlineExceeded
	}
	e.CreatedAt = time.Now().UTC()
	c := *e
	s.entries = append(s.entries, &c)
	return nil
}

func (s *Store) GetEntry(_ context.Context, id uuid.UUID) (*models.LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		if e.ID == id {
			c := *e
			return &c, nil
		}
	}
	return nil, store.ErrEntryNotFound
}

func (s *Store) GetEntries(_ context.Context, walletID uuid.UUID, limit int) ([]models.LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.LedgerEntry
	for i := len(s.entries) - 1; i >= 0 && len(out) < limit; i-- {
		if s.entries[i].WalletID == walletID {
			out = append(out, *s.entries[i])
		}
	}
	return out, nil
}

func (s *Store) GetCreditBySourceReference(_ context.Context, sourceReference string) (*models.LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.entries) - 1; i >= 0; i-- {
		e := s.entries[i]
		if e.EntryType == models.EntryCredit && e.SourceReference == sourceReference {
			c := *e
			return &c, nil
		}
	}
	return nil, store.ErrEntryNotFound
}

func (s *Store) ClaimIdempotencyKey(_ context.Context, key string, ttl time.Duration) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.idempotency[key]
	if ok && rec.expiresAt.After(time.Now()) {
		return rec.response, false, nil
	}
	s.idempotency[key] = &idemRecord{expiresAt: time.Now().Add(ttl)}
	return nil, true, nil
}

func (s *Store) StoreIdempotentResponse(_ context.Context, key string, response []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.idempotency[key]; ok {
		rec.response = response
	}
	return nil
}

func (s *Store) DeleteIdempotencyKey(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.idempotency, key)
	return nil
}

func (s *Store) DeleteExpiredIdempotencyKeys(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for k, rec := range s.idempotency {
		if !rec.expiresAt.After(time.Now()) {
			delete(s.idempotency, k)
			n++
		}
	}
	return n, nil
}

func (s *Store) CreateReferralCode(_ context.Context, c *models.ReferralCode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ForceDuplicateCode {
		return store.ErrDuplicateCode
	}
	if _, ok := s.codes[c.Code]; ok {
		return store.ErrDuplicateCode
	}
	c.CreatedAt = time.Now().UTC()
	cp := *c
	s.codes[c.Code] = &cp
	return nil
}

func (s *Store) GetReferralCode(_ context.Context, code string) (*models.ReferralCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.codes[code]
	if !ok {
		return nil, store.ErrCodeNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *Store) GetReferralCodeByID(_ context.Context, id uuid.UUID) (*models.ReferralCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.codes {
		if c.ID == id {
			cp := *c
			return &cp, nil
		}
	}
	return nil, store.ErrCodeNotFound
}

func (s *Store) DeactivateReferralCode(_ context.Context, code, ownerAccountID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.codes[code]
	if !ok || c.OwnerAccountID != ownerAccountID {
		return store.ErrCodeNotFound
	}
	c.IsActive = false
	return nil
}

func (s *Store) CreateAttribution(_ context.Context, a *models.ReferralAttribution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.attributions[a.ReferredAccountID]; ok {
		return store.ErrAlreadyAttributed
	}
	a.CreatedAt = time.Now().UTC()
	cp := *a
	s.attributions[a.ReferredAccountID] = &cp
	return nil
}

func (s *Store) GetAttributionByReferred(_ context.Context, referredAccountID string) (*models.ReferralAttribution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.attributions[referredAccountID]
	if !ok {
		return nil, store.ErrAttributionNotFound
	}
	cp := *a
	return &cp, nil
}

func (s *Store) TransitionAttribution(_ context.Context, id uuid.UUID, from, to models.AttributionStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.attributions {
		if a.ID == id {
			if a.Status != from {
				return false, nil
			}
			a.Status = to
			now := time.Now().UTC()
			switch to {
			case models.AttributionConverted:
				a.ConvertedAt = &now
			case models.AttributionRewarded:
				a.RewardPaidAt = &now
			}
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) GetReferralStats(_ context.Context, ownerAccountID string) (*models.ReferralStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := &models.ReferralStats{OwnerAccountID: ownerAccountID}
	owned := make(map[uuid.UUID]bool)
	for _, c := range s.codes {
		if c.OwnerAccountID == ownerAccountID {
			owned[c.ID] = true
			stats.TotalCodes++
		}
	}
	for _, a := range s.attributions {
		if !owned[a.ReferralCodeID] {
			continue
		}
		stats.TotalReferred++
		switch a.Status {
		case models.AttributionPending:
			stats.Pending++
		case models.AttributionConverted:
			stats.Converted++
		case models.AttributionRewarded:
			stats.Rewarded++
		}
	}
	if w, ok := s.wallets[ownerAccountID]; ok {
		for _, e := range s.entries {
			if e.WalletID == w.ID && e.Source == models.SourceReferral && e.EntryType == models.EntryCredit {
				stats.TokensEarned += e.Amount
			}
		}
	}
	return stats, nil
}
