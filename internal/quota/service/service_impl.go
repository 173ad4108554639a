package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/genledger/internal/clock"
	obsmetrics "github.com/smallbiznis/genledger/internal/observability/metrics"
	quotadomain "github.com/smallbiznis/genledger/internal/quota/domain"
	pkgdb "github.com/smallbiznis/genledger/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB           *gorm.DB
	Log          *zap.Logger
	Entitlements quotadomain.EntitlementSource
	Clock        clock.Clock         `optional:"true"`
	ObsMetrics   *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db           *gorm.DB
	log          *zap.Logger
	entitlements quotadomain.EntitlementSource
	clock        clock.Clock
	obsMetrics   *obsmetrics.Metrics
	cas          pkgdb.CASOptions
}

func NewService(p Params) quotadomain.Service {
	return newService(p)
}

func newService(p Params) *Service {
	clk := p.Clock
	if clk == nil {
		clk = clock.NewSystemClock()
	}
	return &Service{
		db:           p.DB,
		log:          p.Log.Named("quota.service"),
		entitlements: p.Entitlements,
		clock:        clk,
		obsMetrics:   p.ObsMetrics,
		cas:          pkgdb.DefaultCASOptions(),
	}
}

// Resolve prices one generation for the account in the current month.
// Without an entitlement the base price applies; with one, the job is
// included while usage is below the allotment and billed at the overage
// price after that.
func (s *Service) Resolve(ctx context.Context, accountID snowflake.ID, planID, model, variant string) (quotadomain.Resolution, error) {
	model = strings.TrimSpace(model)
	variant = strings.TrimSpace(variant)
	key := quotadomain.Key{
		AccountID: accountID,
		YearMonth: quotadomain.YearMonth(s.clock.Now()),
		Model:     model,
		Variant:   variant,
	}
	if !key.Valid() {
		return quotadomain.Resolution{}, quotadomain.ErrInvalidKey
	}

	basePrice, ok := s.entitlements.BasePrice(model, variant)
	if !ok {
		return quotadomain.Resolution{}, quotadomain.ErrUnknownModel
	}

	res := quotadomain.Resolution{Key: key, BasePrice: basePrice}
	ent, ok := s.entitlements.GetEntitlement(planID, model, variant)
	if !ok {
		res.Charge = basePrice
		return res, nil
	}

	usage, err := s.Usage(ctx, key)
	if err != nil {
		return quotadomain.Resolution{}, err
	}
	res.Entitled = true
	res.Limit = ent.IncludedPerMonth
	res.Used = usage.UsedCount
	if usage.UsedCount < ent.IncludedPerMonth {
		res.Included = true
		return res, nil
	}
	res.Charge = ent.OveragePriceCredits
	return res, nil
}

func (s *Service) Reserve(ctx context.Context, key quotadomain.Key, limit int64) (quotadomain.Usage, error) {
	if !key.Valid() {
		return quotadomain.Usage{}, quotadomain.ErrInvalidKey
	}
	usage, err := s.adjust(ctx, key, 1, func(current quotadomain.Usage) error {
		if current.UsedCount >= limit {
			return quotadomain.ErrQuotaExhausted
		}
		return nil
	})
	if err != nil {
		return quotadomain.Usage{}, err
	}
	s.obsMetrics.RecordQuotaConsumed(ctx, key.Model, key.Variant, 1)
	return usage, nil
}

func (s *Service) Increment(ctx context.Context, key quotadomain.Key) (quotadomain.Usage, error) {
	if !key.Valid() {
		return quotadomain.Usage{}, quotadomain.ErrInvalidKey
	}
	usage, err := s.adjust(ctx, key, 1, nil)
	if err != nil {
		return quotadomain.Usage{}, err
	}
	s.obsMetrics.RecordQuotaConsumed(ctx, key.Model, key.Variant, 1)
	return usage, nil
}

func (s *Service) Release(ctx context.Context, key quotadomain.Key) (quotadomain.Usage, error) {
	if !key.Valid() {
		return quotadomain.Usage{}, quotadomain.ErrInvalidKey
	}

	var (
		usage    quotadomain.Usage
		released bool
	)
	err := s.retry(ctx, func(ctx context.Context) error {
		current, found, err := loadUsage(s.db.WithContext(ctx), key)
		if err != nil {
			return err
		}
		if !found || current.UsedCount == 0 {
			usage = current
			released = false
			return nil
		}
		next, err := s.swap(ctx, current, -1)
		if err != nil {
			return err
		}
		usage = next
		released = true
		return nil
	})
	if err != nil {
		return quotadomain.Usage{}, err
	}
	if released {
		s.obsMetrics.RecordQuotaConsumed(ctx, key.Model, key.Variant, -1)
	}
	return usage, nil
}

func (s *Service) Usage(ctx context.Context, key quotadomain.Key) (quotadomain.Usage, error) {
	if !key.Valid() {
		return quotadomain.Usage{}, quotadomain.ErrInvalidKey
	}
	usage, _, err := loadUsage(s.db.WithContext(ctx), key)
	return usage, err
}

func (s *Service) adjust(ctx context.Context, key quotadomain.Key, delta int64, check func(quotadomain.Usage) error) (quotadomain.Usage, error) {
	var usage quotadomain.Usage
	err := s.retry(ctx, func(ctx context.Context) error {
		current, found, err := loadUsage(s.db.WithContext(ctx), key)
		if err != nil {
			return err
		}
		if check != nil {
			if err := check(current); err != nil {
				return err
			}
		}
		if !found {
			created, err := s.insert(ctx, key, delta)
			if err != nil {
				return err
			}
			usage = created
			return nil
		}
		next, err := s.swap(ctx, current, delta)
		if err != nil {
			return err
		}
		usage = next
		return nil
	})
	return usage, err
}

func (s *Service) retry(ctx context.Context, attempt func(ctx context.Context) error) error {
	err := pkgdb.RetryCAS(ctx, s.cas, attempt)
	if errors.Is(err, pkgdb.ErrCASExhausted) {
		s.log.Warn("quota compare-and-swap exhausted", zap.Error(err))
		return fmt.Errorf("%w: quota", quotadomain.ErrConcurrencyExhausted)
	}
	return err
}

// insert creates the month's first row. A concurrent first use surfaces as a
// duplicate key and is retried against the row that won.
func (s *Service) insert(ctx context.Context, key quotadomain.Key, count int64) (quotadomain.Usage, error) {
	now := s.clock.Now()
	usage := quotadomain.Usage{
		AccountID: key.AccountID,
		YearMonth: key.YearMonth,
		Model:     key.Model,
		Variant:   key.Variant,
		UsedCount: count,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.db.WithContext(ctx).Create(&usage).Error; err != nil {
		return quotadomain.Usage{}, err
	}
	return usage, nil
}

func (s *Service) swap(ctx context.Context, current quotadomain.Usage, delta int64) (quotadomain.Usage, error) {
	next := current
	next.UsedCount += delta
	next.Version++
	next.UpdatedAt = s.clock.Now()
	if next.UsedCount < 0 {
		next.UsedCount = 0
	}

	res := s.db.WithContext(ctx).Exec(
		`UPDATE quota_usages
		SET used_count = ?, version = ?, updated_at = ?
		WHERE account_id = ? AND year_month = ? AND model = ? AND variant = ? AND version = ?`,
		next.UsedCount,
		next.Version,
		next.UpdatedAt,
		current.AccountID,
		current.YearMonth,
		current.Model,
		current.Variant,
		current.Version,
	)
	if res.Error != nil {
		return quotadomain.Usage{}, res.Error
	}
	if res.RowsAffected == 0 {
		return quotadomain.Usage{}, pkgdb.ErrVersionConflict
	}
	return next, nil
}

func loadUsage(db *gorm.DB, key quotadomain.Key) (quotadomain.Usage, bool, error) {
	var rows []quotadomain.Usage
	if err := db.Raw(
		`SELECT account_id, year_month, model, variant, used_count, version, created_at, updated_at
		FROM quota_usages
		WHERE account_id = ? AND year_month = ? AND model = ? AND variant = ?`,
		key.AccountID,
		key.YearMonth,
		key.Model,
		key.Variant,
	).Scan(&rows).Error; err != nil {
		return quotadomain.Usage{}, false, err
	}
	if len(rows) == 0 {
		return quotadomain.Usage{
			AccountID: key.AccountID,
			YearMonth: key.YearMonth,
			Model:     key.Model,
			Variant:   key.Variant,
		}, false, nil
	}
	return rows[0], true, nil
}
