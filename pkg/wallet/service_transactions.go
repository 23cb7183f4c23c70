package wallet

import (
	"context"
	"errors"
	"fmt"
)

// ReconcileOutcome is the verdict a reconciliation decision returns.
type ReconcileOutcome string

const (
	// ReconcileComplete settles the transaction and credits the coins.
	ReconcileComplete ReconcileOutcome = "complete"
	// ReconcileFail settles the transaction without crediting.
	ReconcileFail ReconcileOutcome = "fail"
	// ReconcileDefer leaves the transaction pending for a later delivery.
	ReconcileDefer ReconcileOutcome = "defer"
)

// ReconcileResult reports what a reconciliation attempt did.
type ReconcileResult struct {
	Transaction    Transaction
	AlreadySettled bool
	Outcome        ReconcileOutcome
	CreditedCoins  int64
}

// ReconcileDecision inspects a still-pending transaction and decides its fate.
// It runs inside the settling transaction, between the locked read and the
// status transition, so the decision and its consequences commit together.
type ReconcileDecision func(ctx context.Context, transaction Transaction) (ReconcileOutcome, error)

// CreateTransaction persists a new PENDING payment attempt.
func (service *Service) CreateTransaction(ctx context.Context, transaction Transaction) error {
	if transaction.MerchantReference == "" {
		return fmt.Errorf("%w: empty value", ErrInvalidMerchantReference)
	}
	if transaction.Status == "" {
		transaction.Status = TransactionPending
	}
	if transaction.Status != TransactionPending {
		return fmt.Errorf("%w: new transactions must be pending", ErrInvalidTransactionStatus)
	}
	if transaction.CreatedUnixUTC == 0 {
		transaction.CreatedUnixUTC = service.nowFn()
	}
	return service.store.CreateTransaction(ctx, transaction)
}

// Transaction returns the stored payment attempt.
func (service *Service) Transaction(ctx context.Context, reference MerchantReference) (Transaction, error) {
	return service.store.GetTransaction(ctx, reference.String())
}

// AttachTracking records the gateway-assigned tracking id.
func (service *Service) AttachTracking(ctx context.Context, reference MerchantReference, trackingID string) error {
	return service.store.SetTransactionTracking(ctx, reference.String(), trackingID)
}

// MarkTransactionFailed moves a pending transaction to FAILED.
// Returns ErrTransactionClosed when the transaction already settled.
func (service *Service) MarkTransactionFailed(ctx context.Context, reference MerchantReference) error {
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		return transactionStore.UpdateTransactionStatus(ctx, reference.String(), TransactionPending, TransactionFailed, service.nowFn())
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationReconcile,
		Reference: reference.String(),
		Status:    string(TransactionFailed),
		Error:     operationError,
	})
	return operationError
}

// ReconcileTransaction settles a pending transaction exactly once.
//
// The transaction row is re-read under a row lock; a terminal status makes
// the whole call an idempotent no-op. Otherwise the decision callback runs
// and its outcome is applied: ReconcileComplete transitions the row to
// COMPLETED and credits the owner's balance in the same store transaction,
// ReconcileFail transitions to FAILED without a credit, ReconcileDefer
// leaves the row pending.
func (service *Service) ReconcileTransaction(ctx context.Context, reference MerchantReference, decide ReconcileDecision) (ReconcileResult, error) {
	var result ReconcileResult
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		transaction, err := transactionStore.GetTransactionForUpdate(ctx, reference.String())
		if err != nil {
			return err
		}
		result.Transaction = transaction
		if transaction.Status.Terminal() {
			result.AlreadySettled = true
			return nil
		}
		outcome, err := decide(ctx, transaction)
		if err != nil {
			return err
		}
		result.Outcome = outcome
		switch outcome {
		case ReconcileDefer:
			return nil
		case ReconcileComplete:
			if err := transactionStore.UpdateTransactionStatus(ctx, transaction.MerchantReference, TransactionPending, TransactionCompleted, service.nowFn()); err != nil {
				return err
			}
			userID, err := NewUserID(transaction.UserID)
			if err != nil {
				return err
			}
			coins, err := NewCoinAmount(transaction.Coins)
			if err != nil {
				return err
			}
			metadata, err := NewMetadataJSON(fmt.Sprintf(`{"merchant_reference":%q,"package_id":%q}`, transaction.MerchantReference, transaction.PackageID))
			if err != nil {
				return err
			}
			if err := service.creditLocked(ctx, transactionStore, userID, coins, EntryReasonRecharge, metadata); err != nil {
				return err
			}
			result.CreditedCoins = coins.Int64()
			return nil
		case ReconcileFail:
			return transactionStore.UpdateTransactionStatus(ctx, transaction.MerchantReference, TransactionPending, TransactionFailed, service.nowFn())
		default:
			return fmt.Errorf("%w: %q", ErrInvalidReconcileOutcome, outcome)
		}
	})
	logEntry := OperationLog{
		Operation: operationReconcile,
		Reference: reference.String(),
		Amount:    result.CreditedCoins,
		Reason:    EntryReasonRecharge,
		Error:     operationError,
	}
	if result.Transaction.UserID != "" {
		if userID, err := NewUserID(result.Transaction.UserID); err == nil {
			logEntry.UserID = userID
		}
	}
	service.logOperation(ctx, logEntry)
	if operationError != nil {
		return ReconcileResult{}, operationError
	}
	return result, nil
}

func isNotFound(err error) bool {
	return errors.Is(err, ErrAccountNotFound) || errors.Is(err, ErrTransactionNotFound)
}
