package recharge

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/MarkoPoloResearchLab/streampay/internal/pesapal"
	"github.com/MarkoPoloResearchLab/streampay/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/streampay/pkg/wallet"
	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type stubGateway struct {
	mutex       sync.Mutex
	submitErr   error
	statusErr   error
	status      string
	statusCalls int
	submitted   []pesapal.OrderRequest
	trackingID  string
	redirectURL string
}

func (gateway *stubGateway) SubmitOrder(ctx context.Context, order pesapal.OrderRequest) (pesapal.OrderResponse, error) {
	gateway.mutex.Lock()
	gateway.submitted = append(gateway.submitted, order)
	gateway.mutex.Unlock()
	if gateway.submitErr != nil {
		return pesapal.OrderResponse{}, gateway.submitErr
	}
	trackingID := gateway.trackingID
	if trackingID == "" {
		trackingID = "trk-1"
	}
	redirectURL := gateway.redirectURL
	if redirectURL == "" {
		redirectURL = "https://pay.example/checkout/" + trackingID
	}
	return pesapal.OrderResponse{
		OrderTrackingID:   trackingID,
		MerchantReference: order.ID,
		RedirectURL:       redirectURL,
	}, nil
}

func (gateway *stubGateway) TransactionStatus(ctx context.Context, trackingID string) (string, error) {
	gateway.mutex.Lock()
	gateway.statusCalls++
	gateway.mutex.Unlock()
	if gateway.statusErr != nil {
		return "", gateway.statusErr
	}
	return gateway.status, nil
}

type fixture struct {
	store   *gormstore.Store
	wallet  *wallet.Service
	gateway *stubGateway
	service *Service
}

func newFixture(test *testing.T) *fixture {
	test.Helper()
	return newFixtureWithDSN(test, ":memory:")
}

func newFixtureWithDSN(test *testing.T, dsn string) *fixture {
	test.Helper()
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		test.Fatalf("open sqlite: %v", err)
	}
	if err := gormstore.Migrate(db); err != nil {
		test.Fatalf("migrate: %v", err)
	}
	store := gormstore.New(db)
	walletService, err := wallet.NewService(store, func() int64 { return 100 })
	if err != nil {
		test.Fatalf("wallet service: %v", err)
	}
	gateway := &stubGateway{status: "completed"}
	service, err := NewService(walletService, gateway, Config{
		CallbackURL: "https://app.example/api/recharge/webhook",
	}, zap.NewNop(), WithReferenceGenerator(sequentialReferences()))
	if err != nil {
		test.Fatalf("recharge service: %v", err)
	}
	return &fixture{store: store, wallet: walletService, gateway: gateway, service: service}
}

func sequentialReferences() func() string {
	counter := 0
	return func() string {
		counter++
		return "ref-" + string(rune('0'+counter))
	}
}

func (f *fixture) bootstrapUser(test *testing.T, raw string) wallet.UserID {
	test.Helper()
	userID, err := wallet.NewUserID(raw)
	if err != nil {
		test.Fatalf("user id: %v", err)
	}
	if _, err := f.wallet.Bootstrap(context.Background(), userID, raw+"@example.com"); err != nil {
		test.Fatalf("bootstrap: %v", err)
	}
	return userID
}

func (f *fixture) balance(test *testing.T, userID wallet.UserID) int64 {
	test.Helper()
	coins, err := f.wallet.Balance(context.Background(), userID)
	if err != nil {
		test.Fatalf("balance: %v", err)
	}
	return coins
}

func TestInitiateUnknownPackageCreatesNoTransaction(test *testing.T) {
	test.Parallel()
	f := newFixture(test)
	userID := f.bootstrapUser(test, "payer")

	_, err := f.service.Initiate(context.Background(), userID, "payer@example.com", "pack99", "")
	if !errors.Is(err, ErrUnknownPackage) {
		test.Fatalf("expected ErrUnknownPackage, got %v", err)
	}
	if len(f.gateway.submitted) != 0 {
		test.Fatalf("expected no gateway order, got %d", len(f.gateway.submitted))
	}
}

func TestInitiateSubmitsOrderAndReturnsRedirect(test *testing.T) {
	test.Parallel()
	f := newFixture(test)
	userID := f.bootstrapUser(test, "payer")

	result, err := f.service.Initiate(context.Background(), userID, "payer@example.com", "pack2", "+254700000000")
	if err != nil {
		test.Fatalf("initiate: %v", err)
	}
	if result.RedirectURL == "" || result.TrackingID != "trk-1" {
		test.Fatalf("unexpected result: %+v", result)
	}

	reference, err := wallet.NewMerchantReference(result.MerchantReference)
	if err != nil {
		test.Fatalf("reference: %v", err)
	}
	transaction, err := f.wallet.Transaction(context.Background(), reference)
	if err != nil {
		test.Fatalf("transaction: %v", err)
	}
	if transaction.Status != wallet.TransactionPending {
		test.Fatalf("expected PENDING, got %s", transaction.Status)
	}
	if transaction.Coins != 550 || transaction.AmountCents != 500 {
		test.Fatalf("unexpected transaction amounts: %+v", transaction)
	}
	if transaction.TrackingID != "trk-1" {
		test.Fatalf("expected tracking id trk-1, got %q", transaction.TrackingID)
	}

	order := f.gateway.submitted[0]
	if order.Amount != 5.00 || order.Currency != "USD" {
		test.Fatalf("unexpected order pricing: %+v", order)
	}
	if order.Billing.PhoneNumber != "+254700000000" {
		test.Fatalf("expected phone forwarded, got %q", order.Billing.PhoneNumber)
	}
}

func TestInitiateGatewayFailureMarksTransactionFailed(test *testing.T) {
	test.Parallel()
	f := newFixture(test)
	userID := f.bootstrapUser(test, "payer")
	f.gateway.submitErr = pesapal.ErrGatewayRequest

	_, err := f.service.Initiate(context.Background(), userID, "payer@example.com", "pack2", "")
	if !errors.Is(err, ErrInitiationFailed) {
		test.Fatalf("expected ErrInitiationFailed, got %v", err)
	}

	reference, refErr := wallet.NewMerchantReference("ref-1")
	if refErr != nil {
		test.Fatalf("reference: %v", refErr)
	}
	transaction, txErr := f.wallet.Transaction(context.Background(), reference)
	if txErr != nil {
		test.Fatalf("transaction: %v", txErr)
	}
	if transaction.Status != wallet.TransactionFailed {
		test.Fatalf("expected FAILED, got %s", transaction.Status)
	}
	if got := f.balance(test, userID); got != wallet.DefaultStartingBonusCoins {
		test.Fatalf("expected balance untouched, got %d", got)
	}
}

func TestHandleNotificationIgnoresOtherTypes(test *testing.T) {
	test.Parallel()
	f := newFixture(test)
	userID := f.bootstrapUser(test, "payer")
	result, err := f.service.Initiate(context.Background(), userID, "payer@example.com", "pack1", "")
	if err != nil {
		test.Fatalf("initiate: %v", err)
	}

	notificationResult, err := f.service.HandleNotification(context.Background(), Notification{
		Type:              "RECURRING",
		TrackingID:        result.TrackingID,
		MerchantReference: result.MerchantReference,
	})
	if err != nil {
		test.Fatalf("handle notification: %v", err)
	}
	if !notificationResult.Ignored {
		test.Fatalf("expected notification to be ignored")
	}
	if f.gateway.statusCalls != 0 {
		test.Fatalf("expected no status query, got %d", f.gateway.statusCalls)
	}
	if got := f.balance(test, userID); got != wallet.DefaultStartingBonusCoins {
		test.Fatalf("expected balance untouched, got %d", got)
	}
}

func TestHandleNotificationUnknownReferenceIsAcknowledged(test *testing.T) {
	test.Parallel()
	f := newFixture(test)
	result, err := f.service.HandleNotification(context.Background(), Notification{
		Type:              NotificationTypeChange,
		TrackingID:        "trk-x",
		MerchantReference: "never-issued",
	})
	if err != nil {
		test.Fatalf("expected acknowledged no-op, got %v", err)
	}
	if !result.Ignored {
		test.Fatalf("expected notification to be ignored")
	}
}

func TestHandleNotificationCompletedCreditsExactlyOnce(test *testing.T) {
	test.Parallel()
	f := newFixture(test)
	userID := f.bootstrapUser(test, "payer")
	initResult, err := f.service.Initiate(context.Background(), userID, "payer@example.com", "pack1", "")
	if err != nil {
		test.Fatalf("initiate: %v", err)
	}

	notification := Notification{
		Type:              NotificationTypeChange,
		TrackingID:        initResult.TrackingID,
		MerchantReference: initResult.MerchantReference,
	}
	for delivery := 0; delivery < 4; delivery++ {
		if _, err := f.service.HandleNotification(context.Background(), notification); err != nil {
			test.Fatalf("delivery %d: %v", delivery, err)
		}
	}

	if got := f.balance(test, userID); got != wallet.DefaultStartingBonusCoins+100 {
		test.Fatalf("expected exactly one credit of 100, got balance %d", got)
	}
	if f.gateway.statusCalls != 1 {
		test.Fatalf("expected one authoritative status query, got %d", f.gateway.statusCalls)
	}
}

func TestHandleNotificationConcurrentDeliveriesCreditOnce(test *testing.T) {
	test.Parallel()
	// Shared cache keeps one database across pool connections so the two
	// deliveries contend on the same rows.
	f := newFixtureWithDSN(test, "file:recharge_concurrent?mode=memory&cache=shared&_pragma=busy_timeout(5000)")
	userID := f.bootstrapUser(test, "payer")
	initResult, err := f.service.Initiate(context.Background(), userID, "payer@example.com", "pack1", "")
	if err != nil {
		test.Fatalf("initiate: %v", err)
	}

	notification := Notification{
		Type:              NotificationTypeChange,
		TrackingID:        initResult.TrackingID,
		MerchantReference: initResult.MerchantReference,
	}

	// Both deliveries race for the row lock; the loser must either see the
	// closed transaction or surface an error for a later redelivery, but the
	// credit lands exactly once.
	start := make(chan struct{})
	outcomes := make(chan error, 2)
	var group sync.WaitGroup
	for delivery := 0; delivery < 2; delivery++ {
		group.Add(1)
		go func() {
			defer group.Done()
			<-start
			_, deliveryErr := f.service.HandleNotification(context.Background(), notification)
			outcomes <- deliveryErr
		}()
	}
	close(start)
	group.Wait()
	close(outcomes)

	settled := 0
	for deliveryErr := range outcomes {
		if deliveryErr == nil {
			settled++
		}
	}
	if settled == 0 {
		test.Fatal("expected at least one delivery to settle")
	}
	if got := f.balance(test, userID); got != wallet.DefaultStartingBonusCoins+100 {
		test.Fatalf("expected a single credit, got balance %d", got)
	}
	transaction, err := f.store.GetTransaction(context.Background(), initResult.MerchantReference)
	if err != nil {
		test.Fatalf("transaction: %v", err)
	}
	if transaction.Status != wallet.TransactionCompleted {
		test.Fatalf("expected completed transaction, got %s", transaction.Status)
	}
}

func TestHandleNotificationFailedStatusDoesNotCredit(test *testing.T) {
	test.Parallel()
	for _, status := range []string{"failed", "invalid", "cancelled", "reversed"} {
		status := status
		test.Run(status, func(test *testing.T) {
			test.Parallel()
			f := newFixture(test)
			userID := f.bootstrapUser(test, "payer")
			initResult, err := f.service.Initiate(context.Background(), userID, "payer@example.com", "pack3", "")
			if err != nil {
				test.Fatalf("initiate: %v", err)
			}
			f.gateway.status = status

			result, err := f.service.HandleNotification(context.Background(), Notification{
				Type:              NotificationTypeChange,
				TrackingID:        initResult.TrackingID,
				MerchantReference: initResult.MerchantReference,
			})
			if err != nil {
				test.Fatalf("handle notification: %v", err)
			}
			if result.Status != wallet.TransactionFailed {
				test.Fatalf("expected FAILED, got %s", result.Status)
			}
			if got := f.balance(test, userID); got != wallet.DefaultStartingBonusCoins {
				test.Fatalf("expected no credit, got balance %d", got)
			}
		})
	}
}

func TestHandleNotificationPendingStatusDefers(test *testing.T) {
	test.Parallel()
	f := newFixture(test)
	userID := f.bootstrapUser(test, "payer")
	initResult, err := f.service.Initiate(context.Background(), userID, "payer@example.com", "pack1", "")
	if err != nil {
		test.Fatalf("initiate: %v", err)
	}

	notification := Notification{
		Type:              NotificationTypeChange,
		TrackingID:        initResult.TrackingID,
		MerchantReference: initResult.MerchantReference,
	}
	f.gateway.status = "pending"
	if _, err := f.service.HandleNotification(context.Background(), notification); err != nil {
		test.Fatalf("pending delivery: %v", err)
	}
	if got := f.balance(test, userID); got != wallet.DefaultStartingBonusCoins {
		test.Fatalf("expected no credit while pending, got %d", got)
	}

	f.gateway.status = "completed"
	if _, err := f.service.HandleNotification(context.Background(), notification); err != nil {
		test.Fatalf("completed delivery: %v", err)
	}
	if got := f.balance(test, userID); got != wallet.DefaultStartingBonusCoins+100 {
		test.Fatalf("expected credit after completion, got %d", got)
	}
}

func TestHandleNotificationGatewayErrorPropagates(test *testing.T) {
	test.Parallel()
	f := newFixture(test)
	userID := f.bootstrapUser(test, "payer")
	initResult, err := f.service.Initiate(context.Background(), userID, "payer@example.com", "pack1", "")
	if err != nil {
		test.Fatalf("initiate: %v", err)
	}

	f.gateway.statusErr = pesapal.ErrGatewayRequest
	_, err = f.service.HandleNotification(context.Background(), Notification{
		Type:              NotificationTypeChange,
		TrackingID:        initResult.TrackingID,
		MerchantReference: initResult.MerchantReference,
	})
	if !errors.Is(err, pesapal.ErrGatewayRequest) {
		test.Fatalf("expected gateway error to propagate, got %v", err)
	}

	reference, refErr := wallet.NewMerchantReference(initResult.MerchantReference)
	if refErr != nil {
		test.Fatalf("reference: %v", refErr)
	}
	transaction, txErr := f.wallet.Transaction(context.Background(), reference)
	if txErr != nil {
		test.Fatalf("transaction: %v", txErr)
	}
	if transaction.Status != wallet.TransactionPending {
		test.Fatalf("expected transaction still PENDING, got %s", transaction.Status)
	}
}
