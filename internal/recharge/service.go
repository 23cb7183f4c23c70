// Package recharge orchestrates coin purchases against the payment gateway
// and reconciles its asynchronous payment notifications.
package recharge

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/MarkoPoloResearchLab/streampay/internal/pesapal"
	"github.com/MarkoPoloResearchLab/streampay/pkg/wallet"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// NotificationTypeChange is the only IPN type this service acts on.
const NotificationTypeChange = "IPNCHANGE"

// Authoritative gateway statuses, as reported by the status endpoint.
const (
	gatewayStatusCompleted = "completed"
	gatewayStatusFailed    = "failed"
	gatewayStatusInvalid   = "invalid"
	gatewayStatusCancelled = "cancelled"
	gatewayStatusReversed  = "reversed"
)

// Domain-level error values returned by the recharge service.
var (
	ErrUnknownPackage       = errors.New("unknown coin package")
	ErrInitiationFailed     = errors.New("recharge initiation failed")
	ErrInvalidServiceConfig = errors.New("invalid recharge service config")
)

// Gateway is the payment gateway contract used by Service.
// (pesapal.Client implements this already.)
type Gateway interface {
	SubmitOrder(ctx context.Context, order pesapal.OrderRequest) (pesapal.OrderResponse, error)
	TransactionStatus(ctx context.Context, trackingID string) (string, error)
}

// Config aggregates recharge settings.
type Config struct {
	Catalog        Catalog
	Currency       string
	CountryCode    string
	CallbackURL    string
	NotificationID string
}

// Validate ensures the configuration contains sane values.
func (cfg *Config) Validate() error {
	if len(cfg.Catalog) == 0 {
		cfg.Catalog = DefaultCatalog()
	}
	if strings.TrimSpace(cfg.Currency) == "" {
		cfg.Currency = "USD"
	}
	if strings.TrimSpace(cfg.CountryCode) == "" {
		cfg.CountryCode = "KE"
	}
	if strings.TrimSpace(cfg.CallbackURL) == "" {
		return fmt.Errorf("%w: callback url is required", ErrInvalidServiceConfig)
	}
	return nil
}

// Service creates pending recharges and settles gateway notifications.
type Service struct {
	wallet       *wallet.Service
	gateway      Gateway
	cfg          Config
	logger       *zap.Logger
	newReference func() string
}

// ServiceOption configures a Service instance.
type ServiceOption func(*Service)

// WithReferenceGenerator overrides merchant reference generation.
func WithReferenceGenerator(generate func() string) ServiceOption {
	return func(service *Service) {
		service.newReference = generate
	}
}

// NewService wires a Service.
func NewService(walletService *wallet.Service, gateway Gateway, cfg Config, logger *zap.Logger, options ...ServiceOption) (*Service, error) {
	if walletService == nil {
		return nil, fmt.Errorf("%w: wallet dependency is nil", ErrInvalidServiceConfig)
	}
	if gateway == nil {
		return nil, fmt.Errorf("%w: gateway dependency is nil", ErrInvalidServiceConfig)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	service := &Service{
		wallet:       walletService,
		gateway:      gateway,
		cfg:          cfg,
		logger:       logger,
		newReference: uuid.NewString,
	}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// InitiateResult is returned to the caller for checkout redirection.
type InitiateResult struct {
	MerchantReference string
	TrackingID        string
	RedirectURL       string
}

// Initiate creates a pending transaction and submits the order to the gateway.
//
// Gateway failures after the transaction row exists mark it FAILED on a
// best-effort basis; a failed mark is logged and does not change the error
// returned to the caller.
func (service *Service) Initiate(ctx context.Context, userID wallet.UserID, email string, packageID string, phoneNumber string) (InitiateResult, error) {
	coinPackage, err := service.cfg.Catalog.Lookup(packageID)
	if err != nil {
		return InitiateResult{}, err
	}

	referenceValue := service.newReference()
	reference, err := wallet.NewMerchantReference(referenceValue)
	if err != nil {
		return InitiateResult{}, err
	}
	if err := service.wallet.CreateTransaction(ctx, wallet.Transaction{
		MerchantReference: reference.String(),
		UserID:            userID.String(),
		PackageID:         packageID,
		AmountCents:       coinPackage.PriceCents,
		Coins:             coinPackage.Coins,
		Status:            wallet.TransactionPending,
		MetadataJSON:      fmt.Sprintf(`{"package_id":%q}`, packageID),
	}); err != nil {
		return InitiateResult{}, err
	}

	ack, err := service.gateway.SubmitOrder(ctx, pesapal.OrderRequest{
		ID:             reference.String(),
		Currency:       service.cfg.Currency,
		Amount:         float64(coinPackage.PriceCents) / 100,
		Description:    fmt.Sprintf("%d coins (%s)", coinPackage.Coins, packageID),
		CallbackURL:    service.cfg.CallbackURL,
		NotificationID: service.cfg.NotificationID,
		Billing: pesapal.BillingAddress{
			EmailAddress: email,
			PhoneNumber:  phoneNumber,
			CountryCode:  service.cfg.CountryCode,
		},
	})
	if err != nil {
		service.failPending(ctx, reference)
		service.logger.Error("recharge order submission failed",
			zap.String("merchant_reference", reference.String()),
			zap.String("package_id", packageID),
			zap.Error(err))
		return InitiateResult{}, fmt.Errorf("%w: %v", ErrInitiationFailed, err)
	}

	if err := service.wallet.AttachTracking(ctx, reference, ack.OrderTrackingID); err != nil {
		service.failPending(ctx, reference)
		service.logger.Error("recharge tracking attach failed",
			zap.String("merchant_reference", reference.String()),
			zap.Error(err))
		return InitiateResult{}, fmt.Errorf("%w: %v", ErrInitiationFailed, err)
	}

	return InitiateResult{
		MerchantReference: reference.String(),
		TrackingID:        ack.OrderTrackingID,
		RedirectURL:       ack.RedirectURL,
	}, nil
}

// Notification is a gateway IPN delivery.
type Notification struct {
	Type              string
	TrackingID        string
	MerchantReference string
}

// NotificationResult reports what a delivery did.
type NotificationResult struct {
	Ignored        bool
	AlreadySettled bool
	Status         wallet.TransactionStatus
	CreditedCoins  int64
}

// HandleNotification reconciles one IPN delivery.
//
// The gateway delivers at least once with no ordering guarantee; the
// transaction's terminal status is the duplicate guard, and the payload's
// status claims are never trusted — the gateway's status endpoint is the
// single source of truth. A returned error tells the HTTP layer to answer
// 500 so the gateway redelivers.
func (service *Service) HandleNotification(ctx context.Context, notification Notification) (NotificationResult, error) {
	if !strings.EqualFold(notification.Type, NotificationTypeChange) {
		service.logger.Info("ignoring gateway notification",
			zap.String("type", notification.Type),
			zap.String("merchant_reference", notification.MerchantReference))
		return NotificationResult{Ignored: true}, nil
	}
	reference, err := wallet.NewMerchantReference(notification.MerchantReference)
	if err != nil {
		service.logger.Warn("gateway notification without merchant reference",
			zap.String("tracking_id", notification.TrackingID))
		return NotificationResult{Ignored: true}, nil
	}
	if _, err := service.wallet.Transaction(ctx, reference); err != nil {
		if errors.Is(err, wallet.ErrTransactionNotFound) {
			service.logger.Warn("gateway notification for unknown transaction",
				zap.String("merchant_reference", reference.String()),
				zap.String("tracking_id", notification.TrackingID))
			return NotificationResult{Ignored: true}, nil
		}
		return NotificationResult{}, err
	}

	reconcileResult, err := service.wallet.ReconcileTransaction(ctx, reference, func(ctx context.Context, transaction wallet.Transaction) (wallet.ReconcileOutcome, error) {
		trackingID := notification.TrackingID
		if trackingID == "" {
			trackingID = transaction.TrackingID
		}
		status, err := service.gateway.TransactionStatus(ctx, trackingID)
		if err != nil {
			return "", err
		}
		switch status {
		case gatewayStatusCompleted:
			return wallet.ReconcileComplete, nil
		case gatewayStatusFailed, gatewayStatusInvalid, gatewayStatusCancelled, gatewayStatusReversed:
			return wallet.ReconcileFail, nil
		default:
			// Still pending at the gateway; a later delivery retries.
			return wallet.ReconcileDefer, nil
		}
	})
	if err != nil {
		return NotificationResult{}, err
	}

	result := NotificationResult{
		AlreadySettled: reconcileResult.AlreadySettled,
		Status:         reconcileResult.Transaction.Status,
		CreditedCoins:  reconcileResult.CreditedCoins,
	}
	switch reconcileResult.Outcome {
	case wallet.ReconcileComplete:
		result.Status = wallet.TransactionCompleted
	case wallet.ReconcileFail:
		result.Status = wallet.TransactionFailed
	}
	service.logger.Info("gateway notification reconciled",
		zap.String("merchant_reference", reference.String()),
		zap.String("status", result.Status.String()),
		zap.Bool("already_settled", result.AlreadySettled),
		zap.Int64("credited_coins", result.CreditedCoins))
	return result, nil
}

// failPending is the best-effort compensating action for a failed initiation.
func (service *Service) failPending(ctx context.Context, reference wallet.MerchantReference) {
	if err := service.wallet.MarkTransactionFailed(ctx, reference); err != nil {
		service.logger.Warn("could not mark transaction failed",
			zap.String("merchant_reference", reference.String()),
			zap.Error(err))
	}
}
