// Package pgstore implements wallet.Store directly on a pgx connection
// pool, for deployments that run against PostgreSQL without the ORM.
package pgstore

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MarkoPoloResearchLab/streampay/pkg/wallet"
)

const (
	pgUniqueViolationCode = "23505"
	errorOperationStore   = "store"
	errorSubjectAccount   = "account"
	errorSubjectEntry     = "entry"
	errorSubjectTxn       = "transaction"
	errorCodeBegin        = "begin"
	errorCodeCommit       = "commit"
	errorCodeCreate       = "create"
	errorCodeDuplicate    = "duplicate"
	errorCodeGet          = "get"
	errorCodeInsert       = "insert"
	errorCodeInvalid      = "invalid"
	errorCodeList         = "list"
	errorCodeUpdate       = "update"
	errorCodeUpdateStatus = "update_status"

	sqlSchema = `
		create table if not exists accounts (
			user_id text primary key,
			email text not null,
			username text not null,
			profile_picture_url text not null default '',
			subscription_tier text not null,
			coins bigint not null,
			is_live boolean not null default false,
			created_at timestamptz not null default now()
		);
		create index if not exists idx_accounts_is_live on accounts(is_live);
		create table if not exists payment_transactions (
			merchant_reference text primary key,
			user_id text not null,
			package_id text not null,
			amount_cents bigint not null,
			coins bigint not null,
			status text not null,
			tracking_id text not null default '',
			metadata jsonb not null default '{}',
			created_at timestamptz not null default now(),
			processed_at timestamptz
		);
		create index if not exists idx_payment_transactions_status on payment_transactions(status);
		create index if not exists idx_payment_transactions_tracking on payment_transactions(tracking_id);
		create index if not exists idx_payment_transactions_user_created on payment_transactions(user_id, created_at);
		create table if not exists coin_entries (
			entry_id uuid primary key default gen_random_uuid(),
			user_id text not null,
			delta_coins bigint not null,
			reason text not null,
			metadata jsonb not null default '{}',
			created_at timestamptz not null default now()
		);
		create index if not exists idx_coin_entries_user_created on coin_entries(user_id, created_at);
	`

	sqlInsertAccount = `
		insert into accounts(user_id, email, username, profile_picture_url, subscription_tier, coins, is_live, created_at)
		values($1, $2, $3, $4, $5, $6, $7, coalesce(to_timestamp(nullif($8::bigint, 0)), now()))
	`

	sqlSelectAccount = `
		select user_id, email, username, profile_picture_url, subscription_tier, coins, is_live,
			extract(epoch from created_at)::bigint
		from accounts
		where user_id = $1
	`

	sqlSelectAccountForUpdate = sqlSelectAccount + ` for update`

	sqlUpdateAccountCoins = `
		update accounts set coins = $2 where user_id = $1
	`

	sqlUpdateAccountLive = `
		update accounts set is_live = $2 where user_id = $1
	`

	sqlListLiveAccounts = `
		select user_id, email, username, profile_picture_url, subscription_tier, coins, is_live,
			extract(epoch from created_at)::bigint
		from accounts
		where is_live
		order by created_at asc
	`

	sqlInsertCoinEntry = `
		insert into coin_entries(entry_id, user_id, delta_coins, reason, metadata, created_at)
		values(
			coalesce(nullif($1, '')::uuid, gen_random_uuid()),
			$2, $3, $4,
			coalesce(nullif($5, ''), '{}')::jsonb,
			coalesce(to_timestamp(nullif($6::bigint, 0)), now())
		)
	`

	sqlInsertTransaction = `
		insert into payment_transactions(
			merchant_reference, user_id, package_id, amount_cents, coins, status, tracking_id, metadata, created_at
		)
		values(
			$1, $2, $3, $4, $5, $6, $7,
			coalesce(nullif($8, ''), '{}')::jsonb,
			coalesce(to_timestamp(nullif($9::bigint, 0)), now())
		)
	`

	sqlSelectTransaction = `
		select merchant_reference, user_id, package_id, amount_cents, coins, status, tracking_id,
			metadata::text,
			extract(epoch from created_at)::bigint,
			coalesce(extract(epoch from processed_at)::bigint, 0)
		from payment_transactions
		where merchant_reference = $1
	`

	sqlSelectTransactionForUpdate = sqlSelectTransaction + ` for update`

	sqlUpdateTransactionTracking = `
		update payment_transactions set tracking_id = $2 where merchant_reference = $1
	`

	sqlUpdateTransactionStatus = `
		update payment_transactions
		set status = $3, processed_at = to_timestamp($4::bigint)
		where merchant_reference = $1 and status = $2
	`
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store implements wallet.Store using a pgx connection pool (autocommit
// outside WithTx).
type Store struct {
	pool   *pgxpool.Pool
	runner querier
}

// New returns a Store backed by a pgx pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, runner: pool}
}

// Migrate creates the schema when it does not exist yet.
func (store *Store) Migrate(ctx context.Context) error {
	if _, err := store.runner.Exec(ctx, sqlSchema); err != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeCreate, err)
	}
	return nil
}

// WithTx executes fn within a database transaction. Calls on an already
// transactional store reuse the open transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore wallet.Store) error) error {
	if store.pool == nil {
		return fn(ctx, store)
	}
	tx, err := store.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return wrapStoreError(errorSubjectTxn, errorCodeBegin, err)
	}
	transactionStore := &Store{runner: tx}
	if err := fn(ctx, transactionStore); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapStoreError(errorSubjectTxn, errorCodeCommit, err)
	}
	return nil
}

func (store *Store) CreateAccount(ctx context.Context, account wallet.Account) error {
	_, err := store.runner.Exec(ctx, sqlInsertAccount,
		account.UserID,
		account.Email,
		account.Username,
		account.ProfilePictureURL,
		string(account.SubscriptionTier),
		account.Coins,
		account.IsLive,
		account.CreatedUnixUTC,
	)
	if isUniqueViolation(err) {
		return wrapStoreError(errorSubjectAccount, errorCodeDuplicate, wallet.ErrAccountExists)
	}
	if err != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeCreate, err)
	}
	return nil
}

func (store *Store) GetAccount(ctx context.Context, userID string) (wallet.Account, error) {
	return store.selectAccount(ctx, sqlSelectAccount, userID)
}

func (store *Store) GetAccountForUpdate(ctx context.Context, userID string) (wallet.Account, error) {
	return store.selectAccount(ctx, sqlSelectAccountForUpdate, userID)
}

func (store *Store) selectAccount(ctx context.Context, query string, userID string) (wallet.Account, error) {
	account, err := scanAccount(store.runner.QueryRow(ctx, query, userID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return wallet.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, wallet.ErrAccountNotFound)
		}
		return wallet.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, err)
	}
	return account, nil
}

func (store *Store) SetCoins(ctx context.Context, userID string, coins int64) error {
	tag, err := store.runner.Exec(ctx, sqlUpdateAccountCoins, userID, coins)
	if err != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeUpdate, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectAccount, errorCodeUpdate, wallet.ErrAccountNotFound)
	}
	return nil
}

func (store *Store) SetLive(ctx context.Context, userID string, live bool) error {
	tag, err := store.runner.Exec(ctx, sqlUpdateAccountLive, userID, live)
	if err != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeUpdate, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectAccount, errorCodeUpdate, wallet.ErrAccountNotFound)
	}
	return nil
}

func (store *Store) ListLive(ctx context.Context) ([]wallet.Account, error) {
	rows, err := store.runner.Query(ctx, sqlListLiveAccounts)
	if err != nil {
		return nil, wrapStoreError(errorSubjectAccount, errorCodeList, err)
	}
	defer rows.Close()
	accounts := make([]wallet.Account, 0, 16)
	for rows.Next() {
		account, err := scanAccount(rows)
		if err != nil {
			return nil, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
		}
		accounts = append(accounts, account)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectAccount, errorCodeList, err)
	}
	return accounts, nil
}

func (store *Store) InsertCoinEntry(ctx context.Context, entry wallet.CoinEntry) error {
	_, err := store.runner.Exec(ctx, sqlInsertCoinEntry,
		entry.EntryID,
		entry.UserID,
		entry.DeltaCoins,
		entry.Reason,
		entry.MetadataJSON,
		entry.CreatedUnixUTC,
	)
	if err != nil {
		return wrapStoreError(errorSubjectEntry, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) CreateTransaction(ctx context.Context, transaction wallet.Transaction) error {
	_, err := store.runner.Exec(ctx, sqlInsertTransaction,
		transaction.MerchantReference,
		transaction.UserID,
		transaction.PackageID,
		transaction.AmountCents,
		transaction.Coins,
		transaction.Status.String(),
		transaction.TrackingID,
		transaction.MetadataJSON,
		transaction.CreatedUnixUTC,
	)
	if isUniqueViolation(err) {
		return wrapStoreError(errorSubjectTxn, errorCodeDuplicate, wallet.ErrTransactionExists)
	}
	if err != nil {
		return wrapStoreError(errorSubjectTxn, errorCodeCreate, err)
	}
	return nil
}

func (store *Store) GetTransaction(ctx context.Context, reference string) (wallet.Transaction, error) {
	return store.selectTransaction(ctx, sqlSelectTransaction, reference)
}

func (store *Store) GetTransactionForUpdate(ctx context.Context, reference string) (wallet.Transaction, error) {
	return store.selectTransaction(ctx, sqlSelectTransactionForUpdate, reference)
}

func (store *Store) selectTransaction(ctx context.Context, query string, reference string) (wallet.Transaction, error) {
	transaction, err := scanTransaction(store.runner.QueryRow(ctx, query, reference))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return wallet.Transaction{}, wrapStoreError(errorSubjectTxn, errorCodeGet, wallet.ErrTransactionNotFound)
		}
		return wallet.Transaction{}, wrapStoreError(errorSubjectTxn, errorCodeGet, err)
	}
	return transaction, nil
}

func (store *Store) SetTransactionTracking(ctx context.Context, reference string, trackingID string) error {
	tag, err := store.runner.Exec(ctx, sqlUpdateTransactionTracking, reference, trackingID)
	if err != nil {
		return wrapStoreError(errorSubjectTxn, errorCodeUpdate, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectTxn, errorCodeUpdate, wallet.ErrTransactionNotFound)
	}
	return nil
}

func (store *Store) UpdateTransactionStatus(ctx context.Context, reference string, from wallet.TransactionStatus, to wallet.TransactionStatus, processedUnixUTC int64) error {
	tag, err := store.runner.Exec(ctx, sqlUpdateTransactionStatus, reference, from.String(), to.String(), processedUnixUTC)
	if err != nil {
		return wrapStoreError(errorSubjectTxn, errorCodeUpdateStatus, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectTxn, errorCodeUpdateStatus, wallet.ErrTransactionClosed)
	}
	return nil
}

func scanAccount(row pgx.Row) (wallet.Account, error) {
	var (
		account wallet.Account
		tier    string
	)
	if err := row.Scan(
		&account.UserID,
		&account.Email,
		&account.Username,
		&account.ProfilePictureURL,
		&tier,
		&account.Coins,
		&account.IsLive,
		&account.CreatedUnixUTC,
	); err != nil {
		return wallet.Account{}, err
	}
	account.SubscriptionTier = wallet.SubscriptionTier(tier)
	return account, nil
}

func scanTransaction(row pgx.Row) (wallet.Transaction, error) {
	var (
		transaction wallet.Transaction
		statusValue string
	)
	if err := row.Scan(
		&transaction.MerchantReference,
		&transaction.UserID,
		&transaction.PackageID,
		&transaction.AmountCents,
		&transaction.Coins,
		&statusValue,
		&transaction.TrackingID,
		&transaction.MetadataJSON,
		&transaction.CreatedUnixUTC,
		&transaction.ProcessedUnixUTC,
	); err != nil {
		return wallet.Transaction{}, err
	}
	status, err := wallet.ParseTransactionStatus(statusValue)
	if err != nil {
		return wallet.Transaction{}, err
	}
	transaction.Status = status
	return transaction, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return wallet.WrapError(errorOperationStore, subject, code, err)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode
	}
	return false
}
