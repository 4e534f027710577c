package service

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/pvelkov/tokenledger/internal/models"
	"github.com/pvelkov/tokenledger/internal/store"
)

const (
	codeLength      = 8
	codeAlphabet    = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789" // no 0/O/1/I
	codeMaxAttempts = 5

	defaultRewardTokens = 100
)

// ReferralStore is the persistence surface of the referral program.
type ReferralStore interface {
	CreateReferralCode(ctx context.Context, c *models.ReferralCode) error
	GetReferralCode(ctx context.Context, code string) (*models.ReferralCode, error)
	GetReferralCodeByID(ctx context.Context, id uuid.UUID) (*models.ReferralCode, error)
	DeactivateReferralCode(ctx context.Context, code, ownerAccountID string) error
	CreateAttribution(ctx context.Context, a *models.ReferralAttribution) error
	GetAttributionByReferred(ctx context.Context, referredAccountID string) (*models.ReferralAttribution, error)
	TransitionAttribution(ctx context.Context, id uuid.UUID, from, to models.AttributionStatus) (bool, error)
	GetReferralStats(ctx context.Context, ownerAccountID string) (*models.ReferralStats, error)
}

// ReferralService attributes new accounts to referrers and converts pending
// attributions into ledger credits. All balance movement goes through the
// ledger; this service only orchestrates.
type ReferralService struct {
	store  ReferralStore
	ledger *LedgerService
}

func NewReferralService(s ReferralStore, ledger *LedgerService) *ReferralService {
	return &ReferralService{store: s, ledger: ledger}
}

// GenerateCodeOptions carries the optional parts of code generation.
type GenerateCodeOptions struct {
	Campaign     string
	RewardTokens int64
}

func randomCode() string {
	buf := make([]byte, codeLength)
	rand.Read(buf)
	for i := range buf {
		buf[i] = codeAlphabet[int(buf[i])%len(codeAlphabet)]
	}
	return string(buf)
}

// GenerateCode creates a short random unique code for an account. Collisions
// regenerate up to a bounded number of attempts before failing.
func (s *ReferralService) GenerateCode(ctx context.Context, ownerAccountID string, opts GenerateCodeOptions) (*models.ReferralCode, error) {
	if ownerAccountID == "" {
		return nil, errMissingAccount
	}
	if opts.RewardTokens < 0 {
		return nil, errInvalidTokens
	}
	reward := opts.RewardTokens
	if reward == 0 {
		reward = defaultRewardTokens
	}

	for attempt := 0; attempt < codeMaxAttempts; attempt++ {
		code := &models.ReferralCode{
			ID:             uuid.New(),
			Code:           randomCode(),
			OwnerAccountID: ownerAccountID,
			Campaign:       opts.Campaign,
			RewardTokens:   reward,
			IsActive:       true,
		}
		err := s.store.CreateReferralCode(ctx, code)
		if err == nil {
			return code, nil
		}
		if !errors.Is(err, store.ErrDuplicateCode) {
			return nil, err
		}
	}
	return nil, newError(CodeCreateFailed,
		fmt.Sprintf("could not generate a unique referral code in %d attempts", codeMaxAttempts))
}

// ValidateCode returns the code record if it exists and is active.
func (s *ReferralService) ValidateCode(ctx context.Context, code string) (*models.ReferralCode, error) {
	if code == "" {
		return nil, errInvalidCode
	}
	rc, err := s.store.GetReferralCode(ctx, code)
	if err != nil {
		if errors.Is(err, store.ErrCodeNotFound) {
			return nil, errInvalidCode
		}
		return nil, err
	}
	if !rc.IsActive {
		return nil, errInvalidCode
	}
	return rc, nil
}

// Attribute records that a new account arrived via a referral code. An
// account can be attributed at most once, ever, and never to its own code.
func (s *ReferralService) Attribute(ctx context.Context, referralCode, referredAccountID string) (*models.ReferralAttribution, error) {
	if referredAccountID == "" {
		return nil, errMissingAccount
	}
	rc, err := s.ValidateCode(ctx, referralCode)
	if err != nil {
		return nil, err
	}
	if rc.OwnerAccountID == referredAccountID {
		return nil, errSelfReferral
	}

	attribution := &models.ReferralAttribution{
		ID:                uuid.New(),
		ReferralCodeID:    rc.ID,
		ReferredAccountID: referredAccountID,
		Status:            models.AttributionPending,
	}
	if err := s.store.CreateAttribution(ctx, attribution); err != nil {
		if errors.Is(err, store.ErrAlreadyAttributed) {
			return nil, errAlreadyReferred
		}
		return nil, newError(CodeAttributionFailed, "could not record attribution")
	}
	return attribution, nil
}

// Convert settles a pending attribution after a qualifying event (e.g. the
// referred account's first purchase): the attribution moves to converted, the
// referrer is credited once, and the attribution moves to rewarded. Accounts
// without a pending attribution convert as a no-op — not everyone arrives via
// referral.
func (s *ReferralService) Convert(ctx context.Context, referredAccountID string, rewardTokens int64) (*models.ConvertResult, error) {
	if referredAccountID == "" {
		return nil, errMissingAccount
	}
	if rewardTokens < 0 {
		return nil, errInvalidTokens
	}

	attribution, err := s.store.GetAttributionByReferred(ctx, referredAccountID)
	if err != nil {
		if errors.Is(err, store.ErrAttributionNotFound) {
			return &models.ConvertResult{Rewarded: false}, nil
		}
		return nil, err
	}
	if attribution.Status != models.AttributionPending {
		return &models.ConvertResult{Rewarded: false}, nil
	}

	return s.convertPending(ctx, attribution, rewardTokens)
}

func (s *ReferralService) convertPending(ctx context.Context, attribution *models.ReferralAttribution, rewardTokens int64) (*models.ConvertResult, error) {
	code, err := s.store.GetReferralCodeByID(ctx, attribution.ReferralCodeID)
	if err != nil {
		return nil, err
	}

	reward := rewardTokens
	if reward == 0 {
		reward = code.RewardTokens
	}

	ok, err := s.store.TransitionAttribution(ctx, attribution.ID, models.AttributionPending, models.AttributionConverted)
	if err != nil {
		return nil, err
	}
	if !ok {
		// A concurrent conversion won; its credit carries the idempotency
		// key, so there is nothing left to do here.
		return &models.ConvertResult{Rewarded: false}, nil
	}

	_, err = s.ledger.Credit(ctx, code.OwnerAccountID, reward, models.SourceReferral, CreditOptions{
		IdempotencyKey:  "referral-reward-" + attribution.ID.String(),
		SourceReference: attribution.ID.String(),
	})
	if err != nil {
		return nil, err
	}

	if _, err := s.store.TransitionAttribution(ctx, attribution.ID, models.AttributionConverted, models.AttributionRewarded); err != nil {
		return nil, err
	}

	return &models.ConvertResult{
		Rewarded:      true,
		RewardTokens:  reward,
		ReferrerID:    code.OwnerAccountID,
		AttributionID: attribution.ID,
	}, nil
}

// DeactivateCode disables a code so it can no longer be validated or used
// for new attributions. Owner-checked.
func (s *ReferralService) DeactivateCode(ctx context.Context, code, ownerAccountID string) error {
	if ownerAccountID == "" {
		return errMissingAccount
	}
	err := s.store.DeactivateReferralCode(ctx, code, ownerAccountID)
	if errors.Is(err, store.ErrCodeNotFound) {
		return errInvalidCode
	}
	return err
}

// GetStats aggregates attribution counts and referral earnings for all codes
// owned by an account.
func (s *ReferralService) GetStats(ctx context.Context, ownerAccountID string) (*models.ReferralStats, error) {
	if ownerAccountID == "" {
		return nil, errMissingAccount
	}
	return s.store.GetReferralStats(ctx, ownerAccountID)
}
