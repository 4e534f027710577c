package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pvelkov/tokenledger/internal/models"
)

var (
	// ErrWalletNotFound is returned when no wallet row exists for an account.
	ErrWalletNotFound = errors.New("wallet not found")
	// ErrConditionFailed is returned when a guarded balance/reserved update
	// matched no row: the guard (sufficient available tokens, reserved bounds)
	// did not hold at execution time.
	ErrConditionFailed = errors.New("conditional update affected no rows")
	// ErrEntryNotFound is returned when a ledger entry lookup finds nothing.
	ErrEntryNotFound = errors.New("ledger entry not found")
)

type Store struct {
	Db *pgxpool.Pool
}

func NewStore(connString string) (*Store, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(context.Background(), config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	return &Store{Db: pool}, nil
}

func (s *Store) Close() {
	s.Db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.Db.Ping(ctx)
}

const walletColumns = "id, account_id, balance, reserved, created_at, updated_at"

func scanWallet(row pgx.Row) (*models.Wallet, error) {
	var w models.Wallet
	err := row.Scan(&w.ID, &w.AccountID, &w.Balance, &w.Reserved, &w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &w, nil
}

// GetWallet retrieves a wallet by external account id.
func (s *Store) GetWallet(ctx context.Context, accountID string) (*models.Wallet, error) {
	w, err := scanWallet(s.Db.QueryRow(ctx,
		"SELECT "+walletColumns+" FROM wallets WHERE account_id = $1", accountID))
	if err == pgx.ErrNoRows {
		return nil, ErrWalletNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get wallet: %w", err)
	}
	return w, nil
}

// GetWalletByID retrieves a wallet by its primary key.
func (s *Store) GetWalletByID(ctx context.Context, walletID uuid.UUID) (*models.Wallet, error) {
	w, err := scanWallet(s.Db.QueryRow(ctx,
		"SELECT "+walletColumns+" FROM wallets WHERE id = $1", walletID))
	if err == pgx.ErrNoRows {
		return nil, ErrWalletNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get wallet by id: %w", err)
	}
	return w, nil
}

// GetOrCreateWallet returns the wallet for an account, creating an empty one
// on first access. The unique constraint on account_id makes concurrent
// first-creation safe: the loser of the insert race falls through to the read.
func (s *Store) GetOrCreateWallet(ctx context.Context, accountID string) (*models.Wallet, error) {
	_, err := s.Db.Exec(ctx,
		"INSERT INTO wallets (id, account_id) VALUES ($1, $2) ON CONFLICT (account_id) DO NOTHING",
		uuid.New(), accountID)
	if err != nil {
		return nil, fmt.Errorf("create wallet: %w", err)
	}
	return s.GetWallet(ctx, accountID)
}

// AdjustBalance applies a signed delta to a wallet balance in one atomic
// statement. The guard keeps balance >= reserved, so a debit that would
// overdraw the available amount affects no row and returns
// ErrConditionFailed. There is no read-then-write window to race through.
func (s *Store) AdjustBalance(ctx context.Context, walletID uuid.UUID, delta int64) (*models.Wallet, error) {
	w, err := scanWallet(s.Db.QueryRow(ctx, `
UPDATE wallets
SET balance = balance + $2, updated_at = now()
WHERE id = $1 AND balance + $2 >= reserved
RETURNING `+walletColumns, walletID, delta))
	if err == pgx.ErrNoRows {
		return nil, ErrConditionFailed
	}
	if err != nil {
		return nil, fmt.Errorf("adjust balance: %w", err)
	}
	return w, nil
}

// AdjustReserved applies a signed delta to a wallet's reserved amount,
// leaving balance untouched. Guarded so 0 <= reserved <= balance always
// holds.
func (s *Store) AdjustReserved(ctx context.Context, walletID uuid.UUID, delta int64) (*models.Wallet, error) {
	w, err := scanWallet(s.Db.QueryRow(ctx, `
UPDATE wallets
SET reserved = reserved + $2, updated_at = now()
WHERE id = $1 AND reserved + $2 >= 0 AND reserved + $2 <= balance
RETURNING `+walletColumns, walletID, delta))
	if err == pgx.ErrNoRows {
		return nil, ErrConditionFailed
	}
	if err != nil {
		return nil, fmt.Errorf("adjust reserved: %w", err)
	}
	return w, nil
}

// ApplyRefund deducts up to min(requested, balance) from a wallet and
// reports how much was actually deducted. Reserved is re-clamped in the same
// statement so the reserved <= balance invariant survives a refund that
// undercuts an outstanding reservation.
func (s *Store) ApplyRefund(ctx context.Context, walletID uuid.UUID, requested int64) (*models.Wallet, int64, error) {
	var w models.Wallet
	var prevBalance int64
	err := s.Db.QueryRow(ctx, `
UPDATE wallets w
SET balance = w.balance - LEAST($2::bigint, w.balance),
    reserved = LEAST(w.reserved, w.balance - LEAST($2::bigint, w.balance)),
    updated_at = now()
FROM (SELECT id, balance AS prev_balance FROM wallets WHERE id = $1 FOR UPDATE) p
WHERE w.id = p.id
RETURNING w.id, w.account_id, w.balance, w.reserved, w.created_at, w.updated_at, p.prev_balance`,
		walletID, requested).
		Scan(&w.ID, &w.AccountID, &w.Balance, &w.Reserved, &w.CreatedAt, &w.UpdatedAt, &prevBalance)
	if err == pgx.ErrNoRows {
		return nil, 0, ErrWalletNotFound
	}
	if err != nil {
		return nil, 0, fmt.Errorf("apply refund: %w", err)
	}
	return &w, prevBalance - w.Balance, nil
}

const entryColumns = "id, wallet_id, entry_type, amount, balance_after, source, source_reference, COALESCE(idempotency_key, ''), metadata, created_at"

func scanEntry(row pgx.Row) (*models.LedgerEntry, error) {
	var e models.LedgerEntry
	err := row.Scan(&e.ID, &e.WalletID, &e.EntryType, &e.Amount, &e.BalanceAfter,
		&e.Source, &e.SourceReference, &e.IdempotencyKey, &e.Metadata, &e.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// InsertEntry appends an immutable ledger entry. Entries are never updated or
// deleted afterwards.
func (s *Store) InsertEntry(ctx context.Context, e *models.LedgerEntry) error {
	metadata := e.Metadata
	if len(metadata) == 0 {
		metadata = []byte("{}")
	}
	var key *string
	if e.IdempotencyKey != "" {
		key = &e.IdempotencyKey
	}
	err := s.Db.QueryRow(ctx, `
INSERT INTO ledger_entries (id, wallet_id, entry_type, amount, balance_after, source, source_reference, idempotency_key, metadata)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
RETURNING created_at`,
		e.ID, e.WalletID, e.EntryType, e.Amount, e.BalanceAfter, e.Source,
		e.SourceReference, key, metadata).Scan(&e.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert ledger entry: %w", err)
	}
	return nil
}

// GetEntry retrieves a single ledger entry by id.
func (s *Store) GetEntry(ctx context.Context, id uuid.UUID) (*models.LedgerEntry, error) {
	e, err := scanEntry(s.Db.QueryRow(ctx,
		"SELECT "+entryColumns+" FROM ledger_entries WHERE id = $1", id))
	if err == pgx.ErrNoRows {
		return nil, ErrEntryNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get ledger entry: %w", err)
	}
	return e, nil
}

// GetEntries retrieves the most recent entries for a wallet, newest first.
func (s *Store) GetEntries(ctx context.Context, walletID uuid.UUID, limit int) ([]models.LedgerEntry, error) {
	rows, err := s.Db.Query(ctx,
		"SELECT "+entryColumns+" FROM ledger_entries WHERE wallet_id = $1 ORDER BY created_at DESC, id LIMIT $2",
		walletID, limit)
	if err != nil {
		return nil, fmt.Errorf("query ledger entries: %w", err)
	}
	defer rows.Close()

	var entries []models.LedgerEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan ledger entry: %w", err)
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}

// GetCreditBySourceReference finds the most recent credit entry recorded
// against an external reference (e.g. a payment-intent id). Used to resolve
// refunds back to the wallet they credited.
func (s *Store) GetCreditBySourceReference(ctx context.Context, sourceReference string) (*models.LedgerEntry, error) {
	e, err := scanEntry(s.Db.QueryRow(ctx,
		"SELECT "+entryColumns+` FROM ledger_entries
WHERE entry_type = 'credit' AND source_reference = $1
ORDER BY created_at DESC LIMIT 1`, sourceReference))
	if err == pgx.ErrNoRows {
		return nil, ErrEntryNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get credit by source reference: %w", err)
	}
	return e, nil
}

// ClaimIdempotencyKey atomically claims a key for the caller. The insert
// relies on the primary key; an expired row is reclaimed in the same
// statement. Returns the cached response when the key was already finalized,
// or claimed=false with no response when another request holds the claim.
func (s *Store) ClaimIdempotencyKey(ctx context.Context, key string, ttl time.Duration) ([]byte, bool, error) {
	var claimed string
	err := s.Db.QueryRow(ctx, `
INSERT INTO idempotency_keys (key, response, expires_at)
VALUES ($1, NULL, $2)
ON CONFLICT (key) DO UPDATE SET response = NULL, expires_at = EXCLUDED.expires_at
WHERE idempotency_keys.expires_at <= now()
RETURNING key`, key, time.Now().UTC().Add(ttl)).Scan(&claimed)
	if err == nil {
		return nil, true, nil
	}
	if err != pgx.ErrNoRows {
		return nil, false, fmt.Errorf("claim idempotency key: %w", err)
	}

	// Live key already exists: either finalized (cached response) or still
	// being processed by a concurrent request.
	var response []byte
	err = s.Db.QueryRow(ctx,
		"SELECT response FROM idempotency_keys WHERE key = $1 AND expires_at > now()", key).
		Scan(&response)
	if err == pgx.ErrNoRows {
		// Expired or deleted between the two statements; treat as contention.
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read idempotency key: %w", err)
	}
	return response, false, nil
}

// StoreIdempotentResponse finalizes a claimed key with the response to replay.
func (s *Store) StoreIdempotentResponse(ctx context.Context, key string, response []byte) error {
	_, err := s.Db.Exec(ctx,
		"UPDATE idempotency_keys SET response = $2 WHERE key = $1", key, response)
	if err != nil {
		return fmt.Errorf("store idempotent response: %w", err)
	}
	return nil
}

// DeleteIdempotencyKey releases a claim whose operation failed, so a retry
// can execute fresh side effects.
func (s *Store) DeleteIdempotencyKey(ctx context.Context, key string) error {
	_, err := s.Db.Exec(ctx, "DELETE FROM idempotency_keys WHERE key = $1", key)
	if err != nil {
		return fmt.Errorf("delete idempotency key: %w", err)
	}
	return nil
}

// DeleteExpiredIdempotencyKeys removes keys past their expiry. Run
// periodically by the API process.
func (s *Store) DeleteExpiredIdempotencyKeys(ctx context.Context) (int64, error) {
	tag, err := s.Db.Exec(ctx, "DELETE FROM idempotency_keys WHERE expires_at <= now()")
	if err != nil {
		return 0, fmt.Errorf("delete expired idempotency keys: %w", err)
	}
	return tag.RowsAffected(), nil
}
