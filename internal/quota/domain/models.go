package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

const yearMonthLayout = "2006-01"

// YearMonth returns the quota period key for t. A new month is simply a key
// with no row yet, which is how usage resets.
func YearMonth(t time.Time) string {
	return t.UTC().Format(yearMonthLayout)
}

// Usage counts included generations consumed per account, month and model variant.
type Usage struct {
	AccountID snowflake.ID `gorm:"primaryKey;autoIncrement:false"`
	YearMonth string       `gorm:"primaryKey;type:varchar(7)"`
	Model     string       `gorm:"primaryKey;type:varchar(64)"`
	Variant   string       `gorm:"primaryKey;type:varchar(64)"`
	UsedCount int64        `gorm:"not null;default:0;check:chk_quota_usages_used_non_negative,used_count >= 0"`
	Version   int64        `gorm:"not null;default:0"`
	CreatedAt time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Usage) TableName() string { return "quota_usages" }

type Key struct {
	AccountID snowflake.ID
	YearMonth string
	Model     string
	Variant   string
}

func (k Key) Valid() bool {
	return k.AccountID != 0 && k.YearMonth != "" && k.Model != "" && k.Variant != ""
}

// Entitlement is a plan's monthly allotment for one model variant.
type Entitlement struct {
	PlanID              string
	Model               string
	Variant             string
	IncludedPerMonth    int64
	OveragePriceCredits int64
}

// Resolution is the pricing decision for one generation.
type Resolution struct {
	Key       Key
	Included  bool
	Charge    int64
	Limit     int64
	Used      int64
	Entitled  bool
	BasePrice int64
}

// EntitlementSource is the read-only plan and price catalog.
type EntitlementSource interface {
	GetEntitlement(planID, model, variant string) (Entitlement, bool)
	BasePrice(model, variant string) (int64, bool)
}
