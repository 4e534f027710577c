package store_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pvelkov/tokenledger/internal/models"
	"github.com/pvelkov/tokenledger/internal/store"
)

// newTestStore connects to the database named by TEST_DB_SOURCE. Without it
// the integration tests skip; the guard semantics themselves are also covered
// against the in-memory store in the service tests.
func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	source := os.Getenv("TEST_DB_SOURCE")
	if source == "" {
		t.Skip("TEST_DB_SOURCE not set, skipping database integration test")
	}
	st, err := store.NewStore(source)
	require.NoError(t, err)
	t.Cleanup(st.Close)
	return st
}

func testAccountID(t *testing.T) string {
	t.Helper()
	return fmt.Sprintf("test-%s-%s", t.Name(), uuid.NewString()[:8])
}

func TestGetOrCreateWalletIsIdempotent(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	accountID := testAccountID(t)

	w1, err := st.GetOrCreateWallet(ctx, accountID)
	require.NoError(t, err)
	assert.EqualValues(t, 0, w1.Balance)
	assert.EqualValues(t, 0, w1.Reserved)

	w2, err := st.GetOrCreateWallet(ctx, accountID)
	require.NoError(t, err)
	assert.Equal(t, w1.ID, w2.ID)

	byID, err := st.GetWalletByID(ctx, w1.ID)
	require.NoError(t, err)
	assert.Equal(t, accountID, byID.AccountID)
}

func TestAdjustBalanceGuardsAvailable(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	w, err := st.GetOrCreateWallet(ctx, testAccountID(t))
	require.NoError(t, err)

	w, err = st.AdjustBalance(ctx, w.ID, 100)
	require.NoError(t, err)
	assert.EqualValues(t, 100, w.Balance)

	w, err = st.AdjustReserved(ctx, w.ID, 40)
	require.NoError(t, err)
	assert.EqualValues(t, 40, w.Reserved)

	// Debiting into the reserved region matches no row.
	_, err = st.AdjustBalance(ctx, w.ID, -70)
	assert.ErrorIs(t, err, store.ErrConditionFailed)

	w, err = st.AdjustBalance(ctx, w.ID, -60)
	require.NoError(t, err)
	assert.EqualValues(t, 40, w.Balance)
	assert.EqualValues(t, 40, w.Reserved)

	// Reserved can never exceed balance or go negative.
	_, err = st.AdjustReserved(ctx, w.ID, 1)
	assert.ErrorIs(t, err, store.ErrConditionFailed)
	_, err = st.AdjustReserved(ctx, w.ID, -41)
	assert.ErrorIs(t, err, store.ErrConditionFailed)
}

func TestApplyRefundClamps(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	w, err := st.GetOrCreateWallet(ctx, testAccountID(t))
	require.NoError(t, err)
	w, err = st.AdjustBalance(ctx, w.ID, 50)
	require.NoError(t, err)
	_, err = st.AdjustReserved(ctx, w.ID, 30)
	require.NoError(t, err)

	// Requested exceeds balance: deduct everything, re-clamp reserved.
	after, refunded, err := st.ApplyRefund(ctx, w.ID, 80)
	require.NoError(t, err)
	assert.EqualValues(t, 50, refunded)
	assert.EqualValues(t, 0, after.Balance)
	assert.EqualValues(t, 0, after.Reserved)

	// A second refund against the empty wallet deducts nothing.
	after, refunded, err = st.ApplyRefund(ctx, w.ID, 10)
	require.NoError(t, err)
	assert.EqualValues(t, 0, refunded)
	assert.EqualValues(t, 0, after.Balance)
}

func TestEntriesNewestFirstAndSourceLookup(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	w, err := st.GetOrCreateWallet(ctx, testAccountID(t))
	require.NoError(t, err)

	ref := "pi_" + uuid.NewString()[:8]
	first := &models.LedgerEntry{
		ID: uuid.New(), WalletID: w.ID, EntryType: models.EntryCredit,
		Amount: 100, BalanceAfter: 100, Source: models.SourceStripe, SourceReference: ref,
	}
	require.NoError(t, st.InsertEntry(ctx, first))
	second := &models.LedgerEntry{
		ID: uuid.New(), WalletID: w.ID, EntryType: models.EntryDebit,
		Amount: -30, BalanceAfter: 70, Source: models.SourceApp, IdempotencyKey: uuid.NewString(),
	}
	require.NoError(t, st.InsertEntry(ctx, second))

	entries, err := st.GetEntries(ctx, w.ID, 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, second.ID, entries[0].ID)
	assert.Equal(t, first.ID, entries[1].ID)

	credit, err := st.GetCreditBySourceReference(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, first.ID, credit.ID)

	_, err = st.GetCreditBySourceReference(ctx, "pi_nonexistent")
	assert.ErrorIs(t, err, store.ErrEntryNotFound)
}

func TestIdempotencyKeyLifecycle(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	key := "test-key-" + uuid.NewString()

	response, claimed, err := st.ClaimIdempotencyKey(ctx, key, time.Hour)
	require.NoError(t, err)
	assert.True(t, claimed)
	assert.Nil(t, response)

	// Second claim while in flight: not claimed, no cached response yet.
	response, claimed, err = st.ClaimIdempotencyKey(ctx, key, time.Hour)
	require.NoError(t, err)
	assert.False(t, claimed)
	assert.Nil(t, response)

	require.NoError(t, st.StoreIdempotentResponse(ctx, key, []byte(`{"ok":true}`)))

	response, claimed, err = st.ClaimIdempotencyKey(ctx, key, time.Hour)
	require.NoError(t, err)
	assert.False(t, claimed)
	assert.JSONEq(t, `{"ok":true}`, string(response))

	// Releasing the key makes it claimable again.
	require.NoError(t, st.DeleteIdempotencyKey(ctx, key))
	_, claimed, err = st.ClaimIdempotencyKey(ctx, key, time.Hour)
	require.NoError(t, err)
	assert.True(t, claimed)
	require.NoError(t, st.DeleteIdempotencyKey(ctx, key))
}

func TestExpiredKeyIsReclaimed(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	key := "test-key-" + uuid.NewString()

	_, claimed, err := st.ClaimIdempotencyKey(ctx, key, -time.Minute)
	require.NoError(t, err)
	require.True(t, claimed)
	require.NoError(t, st.StoreIdempotentResponse(ctx, key, []byte(`{}`)))

	// The row exists but is past expiry, so a new claim takes it over.
	response, claimed, err := st.ClaimIdempotencyKey(ctx, key, time.Hour)
	require.NoError(t, err)
	assert.True(t, claimed)
	assert.Nil(t, response)
	require.NoError(t, st.DeleteIdempotencyKey(ctx, key))
}

func TestReferralCodeAndAttributionLifecycle(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	owner := testAccountID(t)

	code := &models.ReferralCode{
		ID: uuid.New(), Code: "T" + uuid.NewString()[:7], OwnerAccountID: owner,
		RewardTokens: 100, IsActive: true,
	}
	require.NoError(t, st.CreateReferralCode(ctx, code))
	assert.ErrorIs(t, st.CreateReferralCode(ctx, &models.ReferralCode{
		ID: uuid.New(), Code: code.Code, OwnerAccountID: owner, RewardTokens: 100, IsActive: true,
	}), store.ErrDuplicateCode)

	referred := testAccountID(t) + "-referred"
	attribution := &models.ReferralAttribution{
		ID: uuid.New(), ReferralCodeID: code.ID, ReferredAccountID: referred,
		Status: models.AttributionPending,
	}
	require.NoError(t, st.CreateAttribution(ctx, attribution))
	assert.ErrorIs(t, st.CreateAttribution(ctx, &models.ReferralAttribution{
		ID: uuid.New(), ReferralCodeID: code.ID, ReferredAccountID: referred,
		Status: models.AttributionPending,
	}), store.ErrAlreadyAttributed)

	ok, err := st.TransitionAttribution(ctx, attribution.ID, models.AttributionPending, models.AttributionConverted)
	require.NoError(t, err)
	assert.True(t, ok)

	// Replaying the same transition is a no-op.
	ok, err = st.TransitionAttribution(ctx, attribution.ID, models.AttributionPending, models.AttributionConverted)
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := st.GetAttributionByReferred(ctx, referred)
	require.NoError(t, err)
	assert.Equal(t, models.AttributionConverted, got.Status)
	assert.NotNil(t, got.ConvertedAt)

	require.NoError(t, st.DeactivateReferralCode(ctx, code.Code, owner))
	deactivated, err := st.GetReferralCode(ctx, code.Code)
	require.NoError(t, err)
	assert.False(t, deactivated.IsActive)

	assert.ErrorIs(t, st.DeactivateReferralCode(ctx, code.Code, "someone-else"),
		store.ErrCodeNotFound)

	stats, err := st.GetReferralStats(ctx, owner)
	require.NoError(t, err)
	assert.EqualValues(t, 1, stats.TotalCodes)
	assert.EqualValues(t, 1, stats.TotalReferred)
	assert.EqualValues(t, 1, stats.Converted)
}
