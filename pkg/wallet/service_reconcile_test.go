package wallet

import (
	"context"
	"errors"
	"testing"
)

func completeDecision(ctx context.Context, transaction Transaction) (ReconcileOutcome, error) {
	return ReconcileComplete, nil
}

func TestReconcileCompletesAndCreditsOnce(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store)
	userID := seedAccount(test, store, "payer", 0)
	reference := seedTransaction(test, store, "ref-1", userID.String(), 100, TransactionPending)

	result, err := service.ReconcileTransaction(context.Background(), reference, completeDecision)
	if err != nil {
		test.Fatalf("reconcile: %v", err)
	}
	if result.AlreadySettled {
		test.Fatalf("expected first reconciliation to apply")
	}
	if result.CreditedCoins != 100 {
		test.Fatalf("expected 100 coins credited, got %d", result.CreditedCoins)
	}
	if got := store.mustAccount(test, userID.String()).Coins; got != 100 {
		test.Fatalf("expected balance 100, got %d", got)
	}
	if got := store.mustTransaction(test, reference.String()).Status; got != TransactionCompleted {
		test.Fatalf("expected COMPLETED, got %s", got)
	}
}

func TestReconcileDuplicateDeliveriesAreNoOps(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store)
	userID := seedAccount(test, store, "payer", 0)
	reference := seedTransaction(test, store, "ref-dup", userID.String(), 100, TransactionPending)

	decisions := 0
	decide := func(ctx context.Context, transaction Transaction) (ReconcileOutcome, error) {
		decisions++
		return ReconcileComplete, nil
	}
	for delivery := 0; delivery < 5; delivery++ {
		if _, err := service.ReconcileTransaction(context.Background(), reference, decide); err != nil {
			test.Fatalf("reconcile delivery %d: %v", delivery, err)
		}
	}
	if decisions != 1 {
		test.Fatalf("expected decision to run once, ran %d times", decisions)
	}
	if got := store.mustAccount(test, userID.String()).Coins; got != 100 {
		test.Fatalf("expected exactly one credit of 100, got balance %d", got)
	}
}

func TestReconcileFailDoesNotCredit(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store)
	userID := seedAccount(test, store, "payer", 0)
	reference := seedTransaction(test, store, "ref-fail", userID.String(), 100, TransactionPending)

	result, err := service.ReconcileTransaction(context.Background(), reference, func(ctx context.Context, transaction Transaction) (ReconcileOutcome, error) {
		return ReconcileFail, nil
	})
	if err != nil {
		test.Fatalf("reconcile: %v", err)
	}
	if result.Outcome != ReconcileFail {
		test.Fatalf("unexpected outcome: %s", result.Outcome)
	}
	if got := store.mustAccount(test, userID.String()).Coins; got != 0 {
		test.Fatalf("expected no credit, got balance %d", got)
	}
	if got := store.mustTransaction(test, reference.String()).Status; got != TransactionFailed {
		test.Fatalf("expected FAILED, got %s", got)
	}
}

func TestReconcileDeferLeavesTransactionPending(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store)
	userID := seedAccount(test, store, "payer", 0)
	reference := seedTransaction(test, store, "ref-defer", userID.String(), 100, TransactionPending)

	if _, err := service.ReconcileTransaction(context.Background(), reference, func(ctx context.Context, transaction Transaction) (ReconcileOutcome, error) {
		return ReconcileDefer, nil
	}); err != nil {
		test.Fatalf("reconcile: %v", err)
	}
	if got := store.mustTransaction(test, reference.String()).Status; got != TransactionPending {
		test.Fatalf("expected PENDING, got %s", got)
	}

	// A later delivery can still settle it.
	if _, err := service.ReconcileTransaction(context.Background(), reference, completeDecision); err != nil {
		test.Fatalf("second reconcile: %v", err)
	}
	if got := store.mustAccount(test, userID.String()).Coins; got != 100 {
		test.Fatalf("expected credit after deferred settlement, got %d", got)
	}
}

func TestReconcileDecisionErrorRollsBack(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store)
	userID := seedAccount(test, store, "payer", 0)
	reference := seedTransaction(test, store, "ref-err", userID.String(), 100, TransactionPending)

	decisionError := errors.New("gateway unreachable")
	_, err := service.ReconcileTransaction(context.Background(), reference, func(ctx context.Context, transaction Transaction) (ReconcileOutcome, error) {
		return "", decisionError
	})
	if !errors.Is(err, decisionError) {
		test.Fatalf("expected decision error to propagate, got %v", err)
	}
	if got := store.mustTransaction(test, reference.String()).Status; got != TransactionPending {
		test.Fatalf("expected transaction still PENDING, got %s", got)
	}
}

func TestReconcileUnknownReference(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store)

	_, err := service.ReconcileTransaction(context.Background(), mustMerchantReference(test, "ghost"), completeDecision)
	if !errors.Is(err, ErrTransactionNotFound) {
		test.Fatalf("expected ErrTransactionNotFound, got %v", err)
	}
}

func TestCreateTransactionRejectsDuplicates(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store)

	transaction := Transaction{
		MerchantReference: "ref-unique",
		UserID:            "payer",
		PackageID:         "pack1",
		AmountCents:       100,
		Coins:             100,
		MetadataJSON:      "{}",
	}
	if err := service.CreateTransaction(context.Background(), transaction); err != nil {
		test.Fatalf("create transaction: %v", err)
	}
	if err := service.CreateTransaction(context.Background(), transaction); !errors.Is(err, ErrTransactionExists) {
		test.Fatalf("expected ErrTransactionExists, got %v", err)
	}
}

func TestCreateTransactionRejectsNonPendingStatus(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store)

	err := service.CreateTransaction(context.Background(), Transaction{
		MerchantReference: "ref-status",
		UserID:            "payer",
		Status:            TransactionCompleted,
	})
	if !errors.Is(err, ErrInvalidTransactionStatus) {
		test.Fatalf("expected ErrInvalidTransactionStatus, got %v", err)
	}
}

func TestMarkTransactionFailed(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store)
	reference := seedTransaction(test, store, "ref-mark", "payer", 100, TransactionPending)

	if err := service.MarkTransactionFailed(context.Background(), reference); err != nil {
		test.Fatalf("mark failed: %v", err)
	}
	if got := store.mustTransaction(test, reference.String()).Status; got != TransactionFailed {
		test.Fatalf("expected FAILED, got %s", got)
	}
	if err := service.MarkTransactionFailed(context.Background(), reference); !errors.Is(err, ErrTransactionClosed) {
		test.Fatalf("expected ErrTransactionClosed on settled transaction, got %v", err)
	}
}
