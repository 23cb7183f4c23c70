package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Account represents the accounts table.
type Account struct {
	UserID            string    `gorm:"primaryKey"`
	Email             string    `gorm:"not null"`
	Username          string    `gorm:"not null"`
	ProfilePictureURL string    `gorm:""`
	SubscriptionTier  string    `gorm:"not null"`
	Coins             int64     `gorm:"not null"`
	IsLive            bool      `gorm:"not null;index"`
	CreatedAt         time.Time `gorm:"not null"`
}

func (Account) TableName() string { return "accounts" }

// PaymentTransaction mirrors the payment_transactions table.
type PaymentTransaction struct {
	MerchantReference string         `gorm:"primaryKey"`
	UserID            string         `gorm:"not null;index:idx_payment_transactions_user_created,priority:1"`
	PackageID         string         `gorm:"not null"`
	AmountCents       int64          `gorm:"not null"`
	Coins             int64          `gorm:"not null"`
	Status            string         `gorm:"not null;index"`
	TrackingID        string         `gorm:"index"`
	Metadata          datatypes.JSON `gorm:"not null"`
	CreatedAt         time.Time      `gorm:"not null;index:idx_payment_transactions_user_created,priority:2"`
	ProcessedAt       *time.Time     `gorm:""`
}

func (PaymentTransaction) TableName() string { return "payment_transactions" }

// CoinEntry mirrors the coin_entries audit table.
type CoinEntry struct {
	EntryID    string         `gorm:"type:uuid;primaryKey"`
	UserID     string         `gorm:"not null;index:idx_coin_entries_user_created,priority:1"`
	DeltaCoins int64          `gorm:"not null"`
	Reason     string         `gorm:"not null"`
	Metadata   datatypes.JSON `gorm:"not null"`
	CreatedAt  time.Time      `gorm:"not null;index:idx_coin_entries_user_created,priority:2"`
}

func (CoinEntry) TableName() string { return "coin_entries" }

func (entry *CoinEntry) BeforeCreate(tx *gorm.DB) error {
	if entry.EntryID == "" {
		entry.EntryID = uuid.NewString()
	}
	return nil
}
