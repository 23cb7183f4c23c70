package wallet

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// CoinAmount is a strictly positive amount of coins.
type CoinAmount int64

// UserID identifies an account owner.
type UserID struct {
	value string
}

// MerchantReference correlates a local transaction with a gateway order.
type MerchantReference struct {
	value string
}

// MetadataJSON stores arbitrary operation metadata.
type MetadataJSON struct {
	value string
}

// SubscriptionTier gates privileged account actions.
type SubscriptionTier string

const (
	TierNone SubscriptionTier = "none"
	TierVIP  SubscriptionTier = "vip"
)

// TransactionStatus defines the payment-attempt lifecycle.
type TransactionStatus string

const (
	TransactionPending   TransactionStatus = "PENDING"
	TransactionCompleted TransactionStatus = "COMPLETED"
	TransactionFailed    TransactionStatus = "FAILED"
)

// Terminal reports whether no further transitions are allowed.
func (transactionStatus TransactionStatus) Terminal() bool {
	return transactionStatus == TransactionCompleted || transactionStatus == TransactionFailed
}

// String returns the stored status value.
func (transactionStatus TransactionStatus) String() string {
	return string(transactionStatus)
}

// ParseTransactionStatus validates a stored status value.
func ParseTransactionStatus(raw string) (TransactionStatus, error) {
	switch TransactionStatus(raw) {
	case TransactionPending, TransactionCompleted, TransactionFailed:
		return TransactionStatus(raw), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidTransactionStatus, raw)
	}
}

// NewUserID validates and normalizes a user id.
func NewUserID(raw string) (UserID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return UserID{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	return UserID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id UserID) String() string {
	return id.value
}

// NewMerchantReference validates and normalizes a merchant reference.
func NewMerchantReference(raw string) (MerchantReference, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return MerchantReference{}, fmt.Errorf("%w: empty value", ErrInvalidMerchantReference)
	}
	return MerchantReference{value: trimmed}, nil
}

// String returns the normalized reference.
func (reference MerchantReference) String() string {
	return reference.value
}

// NewMetadataJSON validates metadata string (defaulting to "{}" for empty inputs).
func NewMetadataJSON(raw string) (MetadataJSON, error) {
	normalized := strings.TrimSpace(raw)
	if normalized == "" {
		normalized = "{}"
	}
	if !json.Valid([]byte(normalized)) {
		return MetadataJSON{}, fmt.Errorf("%w: must be valid json", ErrInvalidMetadataJSON)
	}
	return MetadataJSON{value: normalized}, nil
}

// String returns the normalized JSON blob.
func (metadata MetadataJSON) String() string {
	return metadata.value
}

// NewCoinAmount validates an amount and ensures it is strictly positive.
func NewCoinAmount(raw int64) (CoinAmount, error) {
	if raw <= 0 {
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidCoinAmount)
	}
	return CoinAmount(raw), nil
}

// Int64 returns the raw amount.
func (amount CoinAmount) Int64() int64 {
	return int64(amount)
}

// Account is the stored user profile and coin balance.
type Account struct {
	UserID            string
	Email             string
	Username          string
	ProfilePictureURL string
	SubscriptionTier  SubscriptionTier
	Coins             int64
	IsLive            bool
	CreatedUnixUTC    int64
}

// Transaction records a single payment attempt against the gateway.
type Transaction struct {
	MerchantReference string
	UserID            string
	PackageID         string
	AmountCents       int64
	Coins             int64
	Status            TransactionStatus
	TrackingID        string
	MetadataJSON      string
	CreatedUnixUTC    int64
	ProcessedUnixUTC  int64
}

// CoinEntry is an append-only audit line for a balance mutation.
type CoinEntry struct {
	EntryID        string
	UserID         string
	DeltaCoins     int64
	Reason         string
	MetadataJSON   string
	CreatedUnixUTC int64
}

// Store is the persistence contract used by Service.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	CreateAccount(ctx context.Context, account Account) error
	GetAccount(ctx context.Context, userID string) (Account, error)
	GetAccountForUpdate(ctx context.Context, userID string) (Account, error)
	SetCoins(ctx context.Context, userID string, coins int64) error
	SetLive(ctx context.Context, userID string, live bool) error
	ListLive(ctx context.Context) ([]Account, error)
	InsertCoinEntry(ctx context.Context, entry CoinEntry) error
	CreateTransaction(ctx context.Context, transaction Transaction) error
	GetTransaction(ctx context.Context, reference string) (Transaction, error)
	GetTransactionForUpdate(ctx context.Context, reference string) (Transaction, error)
	SetTransactionTracking(ctx context.Context, reference string, trackingID string) error
	UpdateTransactionStatus(ctx context.Context, reference string, from TransactionStatus, to TransactionStatus, processedUnixUTC int64) error
}
