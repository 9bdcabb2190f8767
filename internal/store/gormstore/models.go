package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Account represents the accounts table.
type Account struct {
	AccountID    string    `gorm:"type:uuid;primaryKey"`
	UserID       string    `gorm:"not null;uniqueIndex:idx_accounts_user"`
	TokenBalance int64     `gorm:"not null;default:0"`
	USDCents     *int64    `gorm:""`
	CreatedAt    time.Time `gorm:"not null"`
}

func (Account) TableName() string { return "accounts" }

func (account *Account) BeforeCreate(tx *gorm.DB) error {
	if account.AccountID == "" {
		account.AccountID = uuid.NewString()
	}
	return nil
}

// Transaction mirrors the transactions table. Sequence orders rows written within the same second.
type Transaction struct {
	Sequence                  int64          `gorm:"primaryKey;autoIncrement"`
	TransactionID             string         `gorm:"type:uuid;not null;uniqueIndex:idx_transactions_id"`
	AccountID                 string         `gorm:"type:uuid;not null;index:idx_transactions_account_created,priority:1"`
	Kind                      string         `gorm:"not null"`
	Amount                    int64          `gorm:"not null"`
	Status                    string         `gorm:"not null"`
	CounterpartyAccountID     *string        `gorm:""`
	CounterpartyTransactionID *string        `gorm:""`
	ExternalPaymentID         *string        `gorm:"index:idx_transactions_external_payment"`
	IdempotencyKey            string         `gorm:"not null;uniqueIndex:uniq_transactions_idem"`
	PlatformFee               int64          `gorm:"not null;default:0"`
	AgencyFee                 int64          `gorm:"not null;default:0"`
	Metadata                  datatypes.JSON `gorm:"type:jsonb;not null"`
	CreatedAt                 time.Time      `gorm:"not null;index:idx_transactions_account_created,priority:2"`
}

func (Transaction) TableName() string { return "transactions" }

// ContentAsset mirrors the content_assets table.
type ContentAsset struct {
	ContentID        string `gorm:"primaryKey"`
	CreatorID        string `gorm:"not null;index:idx_content_assets_creator"`
	Visibility       string `gorm:"not null"`
	Price            int64  `gorm:"not null;default:0"`
	ViewLimit        int64  `gorm:"not null;default:0"`
	CurrentViews     int64  `gorm:"not null;default:0"`
	OriginURL        string `gorm:"not null;default:''"`
	WatermarkEnabled bool   `gorm:"not null;default:false"`
	DRMEnabled       bool   `gorm:"not null;default:false"`
}

func (ContentAsset) TableName() string { return "content_assets" }

// Subscription mirrors the subscriptions table.
type Subscription struct {
	FanID     string    `gorm:"primaryKey"`
	CreatorID string    `gorm:"primaryKey"`
	Active    bool      `gorm:"not null"`
	ExpiresAt time.Time `gorm:"not null"`
}

func (Subscription) TableName() string { return "subscriptions" }

// Purchase mirrors the purchases table.
type Purchase struct {
	FanID     string    `gorm:"primaryKey"`
	ContentID string    `gorm:"primaryKey"`
	Unlocked  bool      `gorm:"not null"`
	ViewCount int64     `gorm:"not null;default:0"`
	CreatedAt time.Time `gorm:"not null"`
}

func (Purchase) TableName() string { return "purchases" }

// Models lists every table managed by this package in migration order.
func Models() []any {
	return []any{&Account{}, &Transaction{}, &ContentAsset{}, &Subscription{}, &Purchase{}}
}

// Migrate creates or updates the schema.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(Models()...)
}
