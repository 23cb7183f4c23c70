package wallet

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// DebitPolicy selects how a debit larger than the current balance behaves.
type DebitPolicy string

const (
	// DebitClampToZero debits at most the current balance and reports success.
	DebitClampToZero DebitPolicy = "clamp"
	// DebitReject fails the debit and leaves the balance untouched.
	DebitReject DebitPolicy = "reject"
)

// ParseDebitPolicy validates a configured policy value.
func ParseDebitPolicy(raw string) (DebitPolicy, error) {
	switch DebitPolicy(raw) {
	case DebitClampToZero, DebitReject:
		return DebitPolicy(raw), nil
	default:
		return "", fmt.Errorf("%w: unknown debit policy %q", ErrInvalidServiceConfig, raw)
	}
}

// DebitResult reports the outcome of a debit.
type DebitResult struct {
	RequestedCoins int64
	DebitedCoins   int64
	RemainingCoins int64
}

// Service contains the domain logic over a Store.
type Service struct {
	store              Store
	nowFn              func() int64
	logger             OperationLogger
	startingBonusCoins int64
	debitPolicy        DebitPolicy
}

// NewService wires a Service.
func NewService(store Store, now func() int64, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{
		store:              store,
		nowFn:              now,
		startingBonusCoins: DefaultStartingBonusCoins,
		debitPolicy:        DebitClampToZero,
	}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	if service.startingBonusCoins < 0 {
		return nil, fmt.Errorf("%w: starting bonus must not be negative", ErrInvalidServiceConfig)
	}
	if _, err := ParseDebitPolicy(string(service.debitPolicy)); err != nil {
		return nil, err
	}
	return service, nil
}

// Bootstrap creates the account with the starting bonus if it does not exist yet.
// An existing account is left untouched and reported with created=false.
func (service *Service) Bootstrap(ctx context.Context, userID UserID, email string) (bool, error) {
	created := false
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		_, err := transactionStore.GetAccount(ctx, userID.String())
		if err == nil {
			return nil
		}
		if !isNotFound(err) {
			return err
		}
		nowUnixUTC := service.nowFn()
		account := Account{
			UserID:           userID.String(),
			Email:            email,
			Username:         defaultUsername,
			SubscriptionTier: TierNone,
			Coins:            service.startingBonusCoins,
			IsLive:           false,
			CreatedUnixUTC:   nowUnixUTC,
		}
		if err := transactionStore.CreateAccount(ctx, account); err != nil {
			return err
		}
		created = true
		if service.startingBonusCoins == 0 {
			return nil
		}
		return transactionStore.InsertCoinEntry(ctx, CoinEntry{
			EntryID:        uuid.NewString(),
			UserID:         userID.String(),
			DeltaCoins:     service.startingBonusCoins,
			Reason:         EntryReasonBootstrap,
			MetadataJSON:   "{}",
			CreatedUnixUTC: nowUnixUTC,
		})
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationBootstrap,
		UserID:    userID,
		Amount:    service.startingBonusCoins,
		Reason:    EntryReasonBootstrap,
		Error:     operationError,
	})
	return created, operationError
}

// StartingBonusCoins reports the bonus granted at profile creation.
func (service *Service) StartingBonusCoins() int64 {
	return service.startingBonusCoins
}

// Balance returns the current coin balance.
func (service *Service) Balance(ctx context.Context, userID UserID) (int64, error) {
	account, err := service.store.GetAccount(ctx, userID.String())
	if err != nil {
		return 0, err
	}
	if account.Coins < 0 {
		return 0, WrapError("service", "balance", "negative_balance", ErrInvalidBalance)
	}
	return account.Coins, nil
}

// Profile returns the stored account.
func (service *Service) Profile(ctx context.Context, userID UserID) (Account, error) {
	return service.store.GetAccount(ctx, userID.String())
}

// Credit atomically increments the balance and appends an audit entry.
func (service *Service) Credit(ctx context.Context, userID UserID, amount CoinAmount, reason string, metadata MetadataJSON) error {
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		return service.creditLocked(ctx, transactionStore, userID, amount, reason, metadata)
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationCredit,
		UserID:    userID,
		Amount:    amount.Int64(),
		Reason:    reason,
		Error:     operationError,
	})
	return operationError
}

// Debit atomically decrements the balance according to the configured policy.
func (service *Service) Debit(ctx context.Context, userID UserID, amount CoinAmount, reason string, metadata MetadataJSON) (DebitResult, error) {
	var result DebitResult
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		debitResult, err := service.debitLocked(ctx, transactionStore, userID, amount, reason, metadata)
		if err != nil {
			return err
		}
		result = debitResult
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationDebit,
		UserID:    userID,
		Amount:    amount.Int64(),
		Reason:    reason,
		Error:     operationError,
	})
	if operationError != nil {
		return DebitResult{}, operationError
	}
	return result, nil
}

// SetLive flips the livestream presence flag.
func (service *Service) SetLive(ctx context.Context, userID UserID, live bool) error {
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		if _, err := transactionStore.GetAccount(ctx, userID.String()); err != nil {
			return err
		}
		return transactionStore.SetLive(ctx, userID.String(), live)
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationSetLive,
		UserID:    userID,
		Error:     operationError,
	})
	return operationError
}

// ListLive returns accounts currently marked live.
func (service *Service) ListLive(ctx context.Context) ([]Account, error) {
	return service.store.ListLive(ctx)
}

func (service *Service) creditLocked(ctx context.Context, transactionStore Store, userID UserID, amount CoinAmount, reason string, metadata MetadataJSON) error {
	account, err := transactionStore.GetAccountForUpdate(ctx, userID.String())
	if err != nil {
		return err
	}
	if err := transactionStore.SetCoins(ctx, userID.String(), account.Coins+amount.Int64()); err != nil {
		return err
	}
	return transactionStore.InsertCoinEntry(ctx, CoinEntry{
		EntryID:        uuid.NewString(),
		UserID:         userID.String(),
		DeltaCoins:     amount.Int64(),
		Reason:         reason,
		MetadataJSON:   metadata.String(),
		CreatedUnixUTC: service.nowFn(),
	})
}

func (service *Service) debitLocked(ctx context.Context, transactionStore Store, userID UserID, amount CoinAmount, reason string, metadata MetadataJSON) (DebitResult, error) {
	account, err := transactionStore.GetAccountForUpdate(ctx, userID.String())
	if err != nil {
		return DebitResult{}, err
	}
	debited := amount.Int64()
	if debited > account.Coins {
		if service.debitPolicy == DebitReject {
			return DebitResult{}, ErrInsufficientFunds
		}
		debited = account.Coins
	}
	remaining := account.Coins - debited
	if err := transactionStore.SetCoins(ctx, userID.String(), remaining); err != nil {
		return DebitResult{}, err
	}
	if debited > 0 {
		entry := CoinEntry{
			EntryID:        uuid.NewString(),
			UserID:         userID.String(),
			DeltaCoins:     -debited,
			Reason:         reason,
			MetadataJSON:   metadata.String(),
			CreatedUnixUTC: service.nowFn(),
		}
		if err := transactionStore.InsertCoinEntry(ctx, entry); err != nil {
			return DebitResult{}, err
		}
	}
	return DebitResult{
		RequestedCoins: amount.Int64(),
		DebitedCoins:   debited,
		RemainingCoins: remaining,
	}, nil
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}
