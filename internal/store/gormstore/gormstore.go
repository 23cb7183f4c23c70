package gormstore

import (
	"context"
	"errors"
	"time"

	"github.com/MarkoPoloResearchLab/streampay/pkg/wallet"
	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	defaultMetadataJSON   = "{}"
	pgUniqueViolationCode = "23505"
	sqliteConstraintCode  = 19
	errorOperationStore   = "store"
	errorSubjectAccount   = "account"
	errorSubjectEntry     = "entry"
	errorSubjectTxn       = "transaction"
	errorCodeCreate       = "create"
	errorCodeDuplicate    = "duplicate"
	errorCodeGet          = "get"
	errorCodeInsert       = "insert"
	errorCodeInvalid      = "invalid"
	errorCodeList         = "list"
	errorCodeUpdate       = "update"
	errorCodeUpdateStatus = "update_status"
)

// Store implements wallet.Store using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Migrate creates or updates the schema.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&Account{}, &PaymentTransaction{}, &CoinEntry{})
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore wallet.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
}

func (store *Store) CreateAccount(ctx context.Context, account wallet.Account) error {
	model := Account{
		UserID:            account.UserID,
		Email:             account.Email,
		Username:          account.Username,
		ProfilePictureURL: account.ProfilePictureURL,
		SubscriptionTier:  string(account.SubscriptionTier),
		Coins:             account.Coins,
		IsLive:            account.IsLive,
		CreatedAt:         timeFromUnix(account.CreatedUnixUTC),
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isUniqueViolation(err) {
		return wrapStoreError(errorSubjectAccount, errorCodeDuplicate, wallet.ErrAccountExists)
	}
	if err != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeCreate, err)
	}
	return nil
}

func (store *Store) GetAccount(ctx context.Context, userID string) (wallet.Account, error) {
	var model Account
	err := store.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return wallet.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, wallet.ErrAccountNotFound)
		}
		return wallet.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, err)
	}
	return mapAccount(model), nil
}

func (store *Store) GetAccountForUpdate(ctx context.Context, userID string) (wallet.Account, error) {
	var model Account
	err := store.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("user_id = ?", userID).
		Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return wallet.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, wallet.ErrAccountNotFound)
		}
		return wallet.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, err)
	}
	return mapAccount(model), nil
}

func (store *Store) SetCoins(ctx context.Context, userID string, coins int64) error {
	result := store.db.WithContext(ctx).
		Model(&Account{}).
		Where("user_id = ?", userID).
		Update("coins", coins)
	if result.Error != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectAccount, errorCodeUpdate, wallet.ErrAccountNotFound)
	}
	return nil
}

func (store *Store) SetLive(ctx context.Context, userID string, live bool) error {
	result := store.db.WithContext(ctx).
		Model(&Account{}).
		Where("user_id = ?", userID).
		Update("is_live", live)
	if result.Error != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectAccount, errorCodeUpdate, wallet.ErrAccountNotFound)
	}
	return nil
}

func (store *Store) ListLive(ctx context.Context) ([]wallet.Account, error) {
	var rows []Account
	err := store.db.WithContext(ctx).
		Where("is_live = ?", true).
		Order("created_at ASC").
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectAccount, errorCodeList, err)
	}
	accounts := make([]wallet.Account, 0, len(rows))
	for _, row := range rows {
		accounts = append(accounts, mapAccount(row))
	}
	return accounts, nil
}

func (store *Store) InsertCoinEntry(ctx context.Context, entry wallet.CoinEntry) error {
	model := CoinEntry{
		EntryID:    entry.EntryID,
		UserID:     entry.UserID,
		DeltaCoins: entry.DeltaCoins,
		Reason:     entry.Reason,
		Metadata:   datatypesJSON(entry.MetadataJSON),
		CreatedAt:  timeFromUnix(entry.CreatedUnixUTC),
	}
	if err := store.db.WithContext(ctx).Create(&model).Error; err != nil {
		return wrapStoreError(errorSubjectEntry, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) CreateTransaction(ctx context.Context, transaction wallet.Transaction) error {
	model := PaymentTransaction{
		MerchantReference: transaction.MerchantReference,
		UserID:            transaction.UserID,
		PackageID:         transaction.PackageID,
		AmountCents:       transaction.AmountCents,
		Coins:             transaction.Coins,
		Status:            transaction.Status.String(),
		TrackingID:        transaction.TrackingID,
		Metadata:          datatypesJSON(transaction.MetadataJSON),
		CreatedAt:         timeFromUnix(transaction.CreatedUnixUTC),
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isUniqueViolation(err) {
		return wrapStoreError(errorSubjectTxn, errorCodeDuplicate, wallet.ErrTransactionExists)
	}
	if err != nil {
		return wrapStoreError(errorSubjectTxn, errorCodeCreate, err)
	}
	return nil
}

func (store *Store) GetTransaction(ctx context.Context, reference string) (wallet.Transaction, error) {
	var model PaymentTransaction
	err := store.db.WithContext(ctx).
		Where("merchant_reference = ?", reference).
		Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return wallet.Transaction{}, wrapStoreError(errorSubjectTxn, errorCodeGet, wallet.ErrTransactionNotFound)
		}
		return wallet.Transaction{}, wrapStoreError(errorSubjectTxn, errorCodeGet, err)
	}
	return mapTransaction(model)
}

func (store *Store) GetTransactionForUpdate(ctx context.Context, reference string) (wallet.Transaction, error) {
	var model PaymentTransaction
	err := store.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("merchant_reference = ?", reference).
		Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return wallet.Transaction{}, wrapStoreError(errorSubjectTxn, errorCodeGet, wallet.ErrTransactionNotFound)
		}
		return wallet.Transaction{}, wrapStoreError(errorSubjectTxn, errorCodeGet, err)
	}
	return mapTransaction(model)
}

func (store *Store) SetTransactionTracking(ctx context.Context, reference string, trackingID string) error {
	result := store.db.WithContext(ctx).
		Model(&PaymentTransaction{}).
		Where("merchant_reference = ?", reference).
		Update("tracking_id", trackingID)
	if result.Error != nil {
		return wrapStoreError(errorSubjectTxn, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectTxn, errorCodeUpdate, wallet.ErrTransactionNotFound)
	}
	return nil
}

func (store *Store) UpdateTransactionStatus(ctx context.Context, reference string, from wallet.TransactionStatus, to wallet.TransactionStatus, processedUnixUTC int64) error {
	processedAt := timeFromUnix(processedUnixUTC)
	result := store.db.WithContext(ctx).
		Model(&PaymentTransaction{}).
		Where("merchant_reference = ? AND status = ?", reference, from.String()).
		Updates(map[string]interface{}{
			"status":       to.String(),
			"processed_at": &processedAt,
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectTxn, errorCodeUpdateStatus, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectTxn, errorCodeUpdateStatus, wallet.ErrTransactionClosed)
	}
	return nil
}

func wrapStoreError(subject string, code string, err error) error {
	return wallet.WrapError(errorOperationStore, subject, code, err)
}

func mapAccount(model Account) wallet.Account {
	return wallet.Account{
		UserID:            model.UserID,
		Email:             model.Email,
		Username:          model.Username,
		ProfilePictureURL: model.ProfilePictureURL,
		SubscriptionTier:  wallet.SubscriptionTier(model.SubscriptionTier),
		Coins:             model.Coins,
		IsLive:            model.IsLive,
		CreatedUnixUTC:    model.CreatedAt.Unix(),
	}
}

func mapTransaction(model PaymentTransaction) (wallet.Transaction, error) {
	status, err := wallet.ParseTransactionStatus(model.Status)
	if err != nil {
		return wallet.Transaction{}, wrapStoreError(errorSubjectTxn, errorCodeInvalid, err)
	}
	return wallet.Transaction{
		MerchantReference: model.MerchantReference,
		UserID:            model.UserID,
		PackageID:         model.PackageID,
		AmountCents:       model.AmountCents,
		Coins:             model.Coins,
		Status:            status,
		TrackingID:        model.TrackingID,
		MetadataJSON:      string(model.Metadata),
		CreatedUnixUTC:    model.CreatedAt.Unix(),
		ProcessedUnixUTC:  timeOrZero(model.ProcessedAt),
	}, nil
}

func timeFromUnix(unixUTC int64) time.Time {
	if unixUTC == 0 {
		return time.Now().UTC()
	}
	return time.Unix(unixUTC, 0).UTC()
}

func timeOrZero(value *time.Time) int64 {
	if value == nil {
		return 0
	}
	return value.Unix()
}

func datatypesJSON(raw string) datatypes.JSON {
	if raw == "" {
		return datatypes.JSON([]byte(defaultMetadataJSON))
	}
	return datatypes.JSON([]byte(raw))
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}
