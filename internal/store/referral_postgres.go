package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pvelkov/tokenledger/internal/models"
)

var (
	// ErrDuplicateCode is returned when a generated code collides with an
	// existing one; callers regenerate and retry.
	ErrDuplicateCode = errors.New("referral code already exists")
	// ErrCodeNotFound is returned when a referral code lookup finds nothing.
	ErrCodeNotFound = errors.New("referral code not found")
	// ErrAlreadyAttributed is returned when the referred account already has
	// an attribution, in any state.
	ErrAlreadyAttributed = errors.New("account already attributed")
	// ErrAttributionNotFound is returned when no attribution exists for an
	// account.
	ErrAttributionNotFound = errors.New("attribution not found")
)

const uniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// CreateReferralCode inserts a new code. A collision on the code column
// surfaces as ErrDuplicateCode.
func (s *Store) CreateReferralCode(ctx context.Context, c *models.ReferralCode) error {
	var campaign *string
	if c.Campaign != "" {
		campaign = &c.Campaign
	}
	err := s.Db.QueryRow(ctx, `
INSERT INTO referral_codes (id, code, owner_account_id, campaign, reward_tokens, is_active)
VALUES ($1, $2, $3, $4, $5, $6)
RETURNING created_at`,
		c.ID, c.Code, c.OwnerAccountID, campaign, c.RewardTokens, c.IsActive).Scan(&c.CreatedAt)
	if isUniqueViolation(err) {
		return ErrDuplicateCode
	}
	if err != nil {
		return fmt.Errorf("insert referral code: %w", err)
	}
	return nil
}

func scanReferralCode(row pgx.Row) (*models.ReferralCode, error) {
	var c models.ReferralCode
	err := row.Scan(&c.ID, &c.Code, &c.OwnerAccountID, &c.Campaign, &c.RewardTokens, &c.IsActive, &c.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// GetReferralCode retrieves a code record regardless of active state.
func (s *Store) GetReferralCode(ctx context.Context, code string) (*models.ReferralCode, error) {
	c, err := scanReferralCode(s.Db.QueryRow(ctx, `
SELECT id, code, owner_account_id, COALESCE(campaign, ''), reward_tokens, is_active, created_at
FROM referral_codes WHERE code = $1`, code))
	if err == pgx.ErrNoRows {
		return nil, ErrCodeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get referral code: %w", err)
	}
	return c, nil
}

// GetReferralCodeByID retrieves a code record by primary key.
func (s *Store) GetReferralCodeByID(ctx context.Context, id uuid.UUID) (*models.ReferralCode, error) {
	c, err := scanReferralCode(s.Db.QueryRow(ctx, `
SELECT id, code, owner_account_id, COALESCE(campaign, ''), reward_tokens, is_active, created_at
FROM referral_codes WHERE id = $1`, id))
	if err == pgx.ErrNoRows {
		return nil, ErrCodeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get referral code by id: %w", err)
	}
	return c, nil
}

// DeactivateReferralCode marks a code inactive. The owner check prevents one
// account from disabling another's code.
func (s *Store) DeactivateReferralCode(ctx context.Context, code, ownerAccountID string) error {
	tag, err := s.Db.Exec(ctx,
		"UPDATE referral_codes SET is_active = FALSE WHERE code = $1 AND owner_account_id = $2",
		code, ownerAccountID)
	if err != nil {
		return fmt.Errorf("deactivate referral code: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrCodeNotFound
	}
	return nil
}

// CreateAttribution inserts a pending attribution. The unique constraint on
// referred_account_id enforces at most one attribution per account, ever.
func (s *Store) CreateAttribution(ctx context.Context, a *models.ReferralAttribution) error {
	err := s.Db.QueryRow(ctx, `
INSERT INTO referral_attributions (id, referral_code_id, referred_account_id, status)
VALUES ($1, $2, $3, $4)
RETURNING created_at`,
		a.ID, a.ReferralCodeID, a.ReferredAccountID, a.Status).Scan(&a.CreatedAt)
	if isUniqueViolation(err) {
		return ErrAlreadyAttributed
	}
	if err != nil {
		return fmt.Errorf("insert attribution: %w", err)
	}
	return nil
}

// GetAttributionByReferred retrieves the attribution for a referred account,
// whatever its state.
func (s *Store) GetAttributionByReferred(ctx context.Context, referredAccountID string) (*models.ReferralAttribution, error) {
	var a models.ReferralAttribution
	err := s.Db.QueryRow(ctx, `
SELECT id, referral_code_id, referred_account_id, status, converted_at, reward_paid_at, created_at
FROM referral_attributions WHERE referred_account_id = $1`, referredAccountID).
		Scan(&a.ID, &a.ReferralCodeID, &a.ReferredAccountID, &a.Status, &a.ConvertedAt, &a.RewardPaidAt, &a.CreatedAt)
	if err == pgx.ErrNoRows {
		return nil, ErrAttributionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get attribution: %w", err)
	}
	return &a, nil
}

// TransitionAttribution moves an attribution from one lifecycle state to the
// next. The conditional update makes each transition happen at most once even
// under concurrent conversions; ok=false means the row was not in the
// expected state.
func (s *Store) TransitionAttribution(ctx context.Context, id uuid.UUID, from, to models.AttributionStatus) (bool, error) {
	tag, err := s.Db.Exec(ctx, `
UPDATE referral_attributions
SET status = $3,
    converted_at = CASE WHEN $3 = 'converted' THEN now() ELSE converted_at END,
    reward_paid_at = CASE WHEN $3 = 'rewarded' THEN now() ELSE reward_paid_at END
WHERE id = $1 AND status = $2`, id, from, to)
	if err != nil {
		return false, fmt.Errorf("transition attribution: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// GetReferralStats aggregates attribution counts across all codes owned by
// an account, plus tokens earned from referral-sourced credits.
func (s *Store) GetReferralStats(ctx context.Context, ownerAccountID string) (*models.ReferralStats, error) {
	stats := models.ReferralStats{OwnerAccountID: ownerAccountID}

	err := s.Db.QueryRow(ctx, `
SELECT
    (SELECT count(*) FROM referral_codes WHERE owner_account_id = $1),
    count(a.id),
    count(a.id) FILTER (WHERE a.status = 'pending'),
    count(a.id) FILTER (WHERE a.status = 'converted'),
    count(a.id) FILTER (WHERE a.status = 'rewarded')
FROM referral_attributions a
JOIN referral_codes c ON c.id = a.referral_code_id
WHERE c.owner_account_id = $1`, ownerAccountID).
		Scan(&stats.TotalCodes, &stats.TotalReferred, &stats.Pending, &stats.Converted, &stats.Rewarded)
	if err != nil {
		return nil, fmt.Errorf("referral stats: %w", err)
	}

	err = s.Db.QueryRow(ctx, `
SELECT COALESCE(SUM(e.amount), 0)
FROM ledger_entries e
JOIN wallets w ON w.id = e.wallet_id
WHERE w.account_id = $1 AND e.source = 'referral' AND e.entry_type = 'credit'`, ownerAccountID).
		Scan(&stats.TokensEarned)
	if err != nil {
		return nil, fmt.Errorf("referral earnings: %w", err)
	}

	return &stats, nil
}
