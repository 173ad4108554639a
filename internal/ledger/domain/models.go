package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// TransactionKind classifies a ledger mutation.
type TransactionKind string

const (
	TransactionKindDeduction           TransactionKind = "deduction"
	TransactionKindRefund              TransactionKind = "refund"
	TransactionKindBonus               TransactionKind = "bonus"
	TransactionKindPurchase            TransactionKind = "purchase"
	TransactionKindSubscriptionGrant   TransactionKind = "subscription_grant"
	TransactionKindSubscriptionExpired TransactionKind = "subscription_expired"
)

// Bucket names the origin of credits. Subscription credits expire with the
// billing period; package credits never expire.
type Bucket string

const (
	BucketSubscription Bucket = "subscription"
	BucketPackage      Bucket = "package"
)

// BucketForGrant returns the bucket a grant of the given kind lands in.
func BucketForGrant(kind TransactionKind) (Bucket, bool) {
	switch kind {
	case TransactionKindSubscriptionGrant:
		return BucketSubscription, true
	case TransactionKindPurchase, TransactionKindBonus:
		return BucketPackage, true
	default:
		return "", false
	}
}

// Ledger is the per-account balance. Version is bumped on every mutation and
// guards compare-and-swap updates.
type Ledger struct {
	AccountID           snowflake.ID `gorm:"primaryKey;autoIncrement:false"`
	SubscriptionCredits int64        `gorm:"not null;default:0;check:chk_credit_ledgers_subscription_non_negative,subscription_credits >= 0"`
	PackageCredits      int64        `gorm:"not null;default:0;check:chk_credit_ledgers_package_non_negative,package_credits >= 0"`
	Version             int64        `gorm:"not null;default:0"`
	CreatedAt           time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt           time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Ledger) TableName() string { return "credit_ledgers" }

func (l Ledger) Total() int64 {
	return l.SubscriptionCredits + l.PackageCredits
}

// Transaction is an immutable log row written in the same database
// transaction as the ledger mutation it describes.
type Transaction struct {
	ID                snowflake.ID      `gorm:"primaryKey;autoIncrement:false"`
	AccountID         snowflake.ID      `gorm:"not null;index:ix_credit_transactions_account_created,priority:1"`
	Amount            int64             `gorm:"not null"`
	Kind              TransactionKind   `gorm:"type:varchar(32);not null;uniqueIndex:ux_credit_transactions_kind_key,priority:1"`
	JobID             *snowflake.ID     `gorm:"index"`
	IdempotencyKey    string            `gorm:"type:varchar(128);not null;uniqueIndex:ux_credit_transactions_kind_key,priority:2"`
	SubscriptionDelta int64             `gorm:"not null;default:0"`
	PackageDelta      int64             `gorm:"not null;default:0"`
	Reason            string            `gorm:"type:text"`
	Metadata          datatypes.JSONMap
	CreatedAt         time.Time         `gorm:"not null;index;index:ix_credit_transactions_account_created,priority:2"`
}

// TableName sets the database table name.
func (Transaction) TableName() string { return "credit_transactions" }

// Balance is a point-in-time view of a ledger.
type Balance struct {
	AccountID           snowflake.ID `json:"account_id"`
	SubscriptionCredits int64        `json:"subscription_credits"`
	PackageCredits      int64        `json:"package_credits"`
	Total               int64        `json:"total"`
	Version             int64        `json:"version"`
}

func BalanceOf(l Ledger) Balance {
	return Balance{
		AccountID:           l.AccountID,
		SubscriptionCredits: l.SubscriptionCredits,
		PackageCredits:      l.PackageCredits,
		Total:               l.Total(),
		Version:             l.Version,
	}
}

// Result describes the outcome of a ledger mutation. Duplicate is set when the
// idempotency key had already been applied and nothing changed.
type Result struct {
	TransactionID    snowflake.ID    `json:"transaction_id"`
	Kind             TransactionKind `json:"kind"`
	Amount           int64           `json:"amount"`
	FromSubscription int64           `json:"from_subscription"`
	FromPackage      int64           `json:"from_package"`
	Balance          Balance         `json:"balance"`
	Duplicate        bool            `json:"duplicate"`
}

type GrantRequest struct {
	AccountID      snowflake.ID
	Amount         int64
	Kind           TransactionKind
	IdempotencyKey string
	Reason         string
	Metadata       map[string]any
}

type ListTransactionsRequest struct {
	AccountID snowflake.ID
	Since     *time.Time
	PageToken string
	PageSize  int
}

type ListTransactionsResponse struct {
	Transactions  []Transaction `json:"transactions"`
	NextPageToken string        `json:"next_page_token"`
	HasMore       bool          `json:"has_more"`
}

// SplitDebit draws amount from subscription credits first and the remainder
// from package credits.
func SplitDebit(subscription, pkg, amount int64) (fromSubscription, fromPackage int64, err error) {
	if amount <= 0 {
		return 0, 0, ErrInvalidAmount
	}
	available := subscription + pkg
	if available < amount {
		return 0, 0, &InsufficientCreditsError{
			Required:  amount,
			Available: available,
			Shortfall: amount - available,
		}
	}
	fromSubscription = min(subscription, amount)
	fromPackage = amount - fromSubscription
	return fromSubscription, fromPackage, nil
}
