package wallet

import (
	"context"
	"testing"
)

type stubStore struct {
	accounts     map[string]Account
	transactions map[string]Transaction
	entries      []CoinEntry
}

func newStubStore(test *testing.T) *stubStore {
	test.Helper()
	return &stubStore{
		accounts:     make(map[string]Account),
		transactions: make(map[string]Transaction),
	}
}

func (store *stubStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	return fn(ctx, store)
}

func (store *stubStore) CreateAccount(ctx context.Context, account Account) error {
	if _, exists := store.accounts[account.UserID]; exists {
		return ErrAccountExists
	}
	store.accounts[account.UserID] = account
	return nil
}

func (store *stubStore) GetAccount(ctx context.Context, userID string) (Account, error) {
	account, ok := store.accounts[userID]
	if !ok {
		return Account{}, ErrAccountNotFound
	}
	return account, nil
}

func (store *stubStore) GetAccountForUpdate(ctx context.Context, userID string) (Account, error) {
	return store.GetAccount(ctx, userID)
}

func (store *stubStore) SetCoins(ctx context.Context, userID string, coins int64) error {
	account, ok := store.accounts[userID]
	if !ok {
		return ErrAccountNotFound
	}
	account.Coins = coins
	store.accounts[userID] = account
	return nil
}

func (store *stubStore) SetLive(ctx context.Context, userID string, live bool) error {
	account, ok := store.accounts[userID]
	if !ok {
		return ErrAccountNotFound
	}
	account.IsLive = live
	store.accounts[userID] = account
	return nil
}

func (store *stubStore) ListLive(ctx context.Context) ([]Account, error) {
	var live []Account
	for _, account := range store.accounts {
		if account.IsLive {
			live = append(live, account)
		}
	}
	return live, nil
}

func (store *stubStore) InsertCoinEntry(ctx context.Context, entry CoinEntry) error {
	store.entries = append(store.entries, entry)
	return nil
}

func (store *stubStore) CreateTransaction(ctx context.Context, transaction Transaction) error {
	if _, exists := store.transactions[transaction.MerchantReference]; exists {
		return ErrTransactionExists
	}
	store.transactions[transaction.MerchantReference] = transaction
	return nil
}

func (store *stubStore) GetTransaction(ctx context.Context, reference string) (Transaction, error) {
	transaction, ok := store.transactions[reference]
	if !ok {
		return Transaction{}, ErrTransactionNotFound
	}
	return transaction, nil
}

func (store *stubStore) GetTransactionForUpdate(ctx context.Context, reference string) (Transaction, error) {
	return store.GetTransaction(ctx, reference)
}

func (store *stubStore) SetTransactionTracking(ctx context.Context, reference string, trackingID string) error {
	transaction, ok := store.transactions[reference]
	if !ok {
		return ErrTransactionNotFound
	}
	transaction.TrackingID = trackingID
	store.transactions[reference] = transaction
	return nil
}

func (store *stubStore) UpdateTransactionStatus(ctx context.Context, reference string, from TransactionStatus, to TransactionStatus, processedUnixUTC int64) error {
	transaction, ok := store.transactions[reference]
	if !ok {
		return ErrTransactionNotFound
	}
	if transaction.Status != from {
		return ErrTransactionClosed
	}
	transaction.Status = to
	transaction.ProcessedUnixUTC = processedUnixUTC
	store.transactions[reference] = transaction
	return nil
}

func (store *stubStore) mustAccount(test *testing.T, userID string) Account {
	test.Helper()
	account, ok := store.accounts[userID]
	if !ok {
		test.Fatalf("account %s not found", userID)
	}
	return account
}

func (store *stubStore) mustSetCoins(test *testing.T, userID string, coins int64) {
	test.Helper()
	if err := store.SetCoins(context.Background(), userID, coins); err != nil {
		test.Fatalf("set coins: %v", err)
	}
}

func (store *stubStore) mustTransaction(test *testing.T, reference string) Transaction {
	test.Helper()
	transaction, ok := store.transactions[reference]
	if !ok {
		test.Fatalf("transaction %s not found", reference)
	}
	return transaction
}

func seedAccount(test *testing.T, store *stubStore, userID string, coins int64) UserID {
	test.Helper()
	id := mustUserID(test, userID)
	if err := store.CreateAccount(context.Background(), Account{
		UserID:           id.String(),
		Email:            userID + "@example.com",
		Username:         defaultUsername,
		SubscriptionTier: TierNone,
		Coins:            coins,
	}); err != nil {
		test.Fatalf("seed account: %v", err)
	}
	return id
}

func seedTransaction(test *testing.T, store *stubStore, reference string, userID string, coins int64, status TransactionStatus) MerchantReference {
	test.Helper()
	merchantReference := mustMerchantReference(test, reference)
	if err := store.CreateTransaction(context.Background(), Transaction{
		MerchantReference: reference,
		UserID:            userID,
		PackageID:         "pack1",
		AmountCents:       100,
		Coins:             coins,
		Status:            TransactionPending,
		MetadataJSON:      "{}",
		CreatedUnixUTC:    100,
	}); err != nil {
		test.Fatalf("seed transaction: %v", err)
	}
	if status != TransactionPending {
		if err := store.UpdateTransactionStatus(context.Background(), reference, TransactionPending, status, 100); err != nil {
			test.Fatalf("seed transaction status: %v", err)
		}
	}
	return merchantReference
}

func mustNewService(test *testing.T, store Store) *Service {
	test.Helper()
	service, err := NewService(store, func() int64 { return 100 })
	if err != nil {
		test.Fatalf("new service: %v", err)
	}
	return service
}

func mustNewServiceWithOptions(test *testing.T, store Store, options ...ServiceOption) *Service {
	test.Helper()
	service, err := NewService(store, func() int64 { return 100 }, options...)
	if err != nil {
		test.Fatalf("new service: %v", err)
	}
	return service
}

func mustUserID(test *testing.T, raw string) UserID {
	test.Helper()
	value, err := NewUserID(raw)
	if err != nil {
		test.Fatalf("user id: %v", err)
	}
	return value
}

func mustMerchantReference(test *testing.T, raw string) MerchantReference {
	test.Helper()
	value, err := NewMerchantReference(raw)
	if err != nil {
		test.Fatalf("merchant reference: %v", err)
	}
	return value
}

func mustCoinAmount(test *testing.T, raw int64) CoinAmount {
	test.Helper()
	value, err := NewCoinAmount(raw)
	if err != nil {
		test.Fatalf("coin amount: %v", err)
	}
	return value
}

func mustMetadata(test *testing.T, raw string) MetadataJSON {
	test.Helper()
	value, err := NewMetadataJSON(raw)
	if err != nil {
		test.Fatalf("metadata: %v", err)
	}
	return value
}
