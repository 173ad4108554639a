package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/genledger/internal/clock"
	ledgerdomain "github.com/smallbiznis/genledger/internal/ledger/domain"
	obsmetrics "github.com/smallbiznis/genledger/internal/observability/metrics"
	pkgdb "github.com/smallbiznis/genledger/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock         `optional:"true"`
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	obsMetrics *obsmetrics.Metrics
	cas        pkgdb.CASOptions
}

func NewService(p Params) ledgerdomain.Service {
	return newService(p)
}

func newService(p Params) *Service {
	clk := p.Clock
	if clk == nil {
		clk = clock.NewSystemClock()
	}
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("ledger.service"),
		genID:      p.GenID,
		clock:      clk,
		obsMetrics: p.ObsMetrics,
		cas:        pkgdb.DefaultCASOptions(),
	}
}

// Debit draws amount from the account, subscription credits first, and records
// a deduction keyed by the job. A second debit for the same job returns the
// original deduction untouched.
func (s *Service) Debit(ctx context.Context, accountID snowflake.ID, amount int64, jobID snowflake.ID) (ledgerdomain.Result, error) {
	if accountID == 0 {
		return ledgerdomain.Result{}, ledgerdomain.ErrInvalidAccount
	}
	if jobID == 0 {
		return ledgerdomain.Result{}, ledgerdomain.ErrInvalidJob
	}
	if amount <= 0 {
		return ledgerdomain.Result{}, ledgerdomain.ErrInvalidAmount
	}

	key := jobID.String()
	result, err := s.mutate(ctx, "debit", func(tx *gorm.DB) (ledgerdomain.Result, error) {
		existing, err := findTransaction(tx, ledgerdomain.TransactionKindDeduction, key)
		if err != nil {
			return ledgerdomain.Result{}, err
		}
		if existing != nil {
			if existing.AccountID != accountID {
				return ledgerdomain.Result{}, ledgerdomain.ErrInvalidAccount
			}
			return duplicateResult(tx, *existing)
		}

		ledger, err := loadLedger(tx, accountID)
		if err != nil {
			return ledgerdomain.Result{}, err
		}
		fromSub, fromPkg, err := ledgerdomain.SplitDebit(ledger.SubscriptionCredits, ledger.PackageCredits, amount)
		if err != nil {
			return ledgerdomain.Result{}, err
		}

		now := s.clock.Now()
		updated, err := s.swap(tx, ledger, -fromSub, -fromPkg, now)
		if err != nil {
			return ledgerdomain.Result{}, err
		}

		txn := ledgerdomain.Transaction{
			ID:                s.genID.Generate(),
			AccountID:         accountID,
			Amount:            -amount,
			Kind:              ledgerdomain.TransactionKindDeduction,
			JobID:             &jobID,
			IdempotencyKey:    key,
			SubscriptionDelta: -fromSub,
			PackageDelta:      -fromPkg,
			CreatedAt:         now,
		}
		if err := tx.Create(&txn).Error; err != nil {
			return ledgerdomain.Result{}, err
		}
		return resultOf(txn, updated, false), nil
	})
	if err != nil {
		return ledgerdomain.Result{}, err
	}

	if !result.Duplicate {
		s.obsMetrics.RecordLedgerTransaction(ctx, string(ledgerdomain.TransactionKindDeduction))
	}
	return result, nil
}

// Refund returns up to the deducted amount of a job to the package bucket.
// It is keyed by the job, so repeated calls after the first are no-ops.
func (s *Service) Refund(ctx context.Context, accountID snowflake.ID, amount int64, jobID snowflake.ID, reason string) (ledgerdomain.Result, error) {
	if accountID == 0 {
		return ledgerdomain.Result{}, ledgerdomain.ErrInvalidAccount
	}
	if jobID == 0 {
		return ledgerdomain.Result{}, ledgerdomain.ErrInvalidJob
	}
	if amount < 0 {
		return ledgerdomain.Result{}, ledgerdomain.ErrInvalidAmount
	}
	if amount == 0 {
		balance, err := s.Balance(ctx, accountID)
		if err != nil {
			return ledgerdomain.Result{}, err
		}
		return ledgerdomain.Result{Kind: ledgerdomain.TransactionKindRefund, Balance: balance}, nil
	}

	key := jobID.String()
	reason = strings.TrimSpace(reason)
	result, err := s.mutate(ctx, "refund", func(tx *gorm.DB) (ledgerdomain.Result, error) {
		existing, err := findTransaction(tx, ledgerdomain.TransactionKindRefund, key)
		if err != nil {
			return ledgerdomain.Result{}, err
		}
		if existing != nil {
			return duplicateResult(tx, *existing)
		}

		debit, err := findTransaction(tx, ledgerdomain.TransactionKindDeduction, key)
		if err != nil {
			return ledgerdomain.Result{}, err
		}
		if debit == nil {
			return ledgerdomain.Result{}, ledgerdomain.ErrDebitNotFound
		}
		if debit.AccountID != accountID {
			return ledgerdomain.Result{}, ledgerdomain.ErrInvalidAccount
		}
		if amount > -debit.Amount {
			return ledgerdomain.Result{}, ledgerdomain.ErrRefundExceedsDebit
		}

		ledger, err := loadLedger(tx, accountID)
		if err != nil {
			return ledgerdomain.Result{}, err
		}

		now := s.clock.Now()
		updated, err := s.swap(tx, ledger, 0, amount, now)
		if err != nil {
			return ledgerdomain.Result{}, err
		}

		txn := ledgerdomain.Transaction{
			ID:             s.genID.Generate(),
			AccountID:      accountID,
			Amount:         amount,
			Kind:           ledgerdomain.TransactionKindRefund,
			JobID:          &jobID,
			IdempotencyKey: key,
			PackageDelta:   amount,
			Reason:         reason,
			CreatedAt:      now,
		}
		if err := tx.Create(&txn).Error; err != nil {
			return ledgerdomain.Result{}, err
		}
		return resultOf(txn, updated, false), nil
	})
	if err != nil {
		s.obsMetrics.RecordRefund(ctx, refundReasonLabel(reason), "error")
		return ledgerdomain.Result{}, err
	}

	if result.Duplicate {
		s.obsMetrics.RecordRefund(ctx, refundReasonLabel(reason), "duplicate")
		return result, nil
	}
	s.obsMetrics.RecordRefund(ctx, refundReasonLabel(reason), "refunded")
	s.obsMetrics.RecordLedgerTransaction(ctx, string(ledgerdomain.TransactionKindRefund))
	s.log.Info("credits refunded",
		zap.String("account_id", accountID.String()),
		zap.String("job_id", jobID.String()),
		zap.Int64("amount", amount),
		zap.String("reason", reason),
	)
	return result, nil
}

// Grant adds credits to the bucket implied by the grant kind.
func (s *Service) Grant(ctx context.Context, req ledgerdomain.GrantRequest) (ledgerdomain.Result, error) {
	if req.AccountID == 0 {
		return ledgerdomain.Result{}, ledgerdomain.ErrInvalidAccount
	}
	if req.Amount <= 0 {
		return ledgerdomain.Result{}, ledgerdomain.ErrInvalidAmount
	}
	bucket, ok := ledgerdomain.BucketForGrant(req.Kind)
	if !ok {
		return ledgerdomain.Result{}, ledgerdomain.ErrInvalidKind
	}
	key := strings.TrimSpace(req.IdempotencyKey)
	if key == "" {
		return ledgerdomain.Result{}, ledgerdomain.ErrInvalidIdempotencyKey
	}

	var subDelta, pkgDelta int64
	switch bucket {
	case ledgerdomain.BucketSubscription:
		subDelta = req.Amount
	default:
		pkgDelta = req.Amount
	}

	result, err := s.mutate(ctx, "grant", func(tx *gorm.DB) (ledgerdomain.Result, error) {
		existing, err := findTransaction(tx, req.Kind, key)
		if err != nil {
			return ledgerdomain.Result{}, err
		}
		if existing != nil {
			return duplicateResult(tx, *existing)
		}

		now := s.clock.Now()
		if err := ensureLedger(tx, req.AccountID, now); err != nil {
			return ledgerdomain.Result{}, err
		}
		ledger, err := loadLedger(tx, req.AccountID)
		if err != nil {
			return ledgerdomain.Result{}, err
		}
		updated, err := s.swap(tx, ledger, subDelta, pkgDelta, now)
		if err != nil {
			return ledgerdomain.Result{}, err
		}

		txn := ledgerdomain.Transaction{
			ID:                s.genID.Generate(),
			AccountID:         req.AccountID,
			Amount:            req.Amount,
			Kind:              req.Kind,
			IdempotencyKey:    key,
			SubscriptionDelta: subDelta,
			PackageDelta:      pkgDelta,
			Reason:            strings.TrimSpace(req.Reason),
			Metadata:          datatypes.JSONMap(req.Metadata),
			CreatedAt:         now,
		}
		if err := tx.Create(&txn).Error; err != nil {
			return ledgerdomain.Result{}, err
		}
		return resultOf(txn, updated, false), nil
	})
	if err != nil {
		return ledgerdomain.Result{}, err
	}
	if !result.Duplicate {
		s.obsMetrics.RecordLedgerTransaction(ctx, string(req.Kind))
	}
	return result, nil
}

// ExpireSubscriptionCredits zeroes the subscription bucket for the period
// ending at periodEnd. Package credits are left untouched.
func (s *Service) ExpireSubscriptionCredits(ctx context.Context, accountID snowflake.ID, periodEnd time.Time) (ledgerdomain.Result, error) {
	if accountID == 0 {
		return ledgerdomain.Result{}, ledgerdomain.ErrInvalidAccount
	}
	key := fmt.Sprintf("%s:%s", accountID.String(), periodEnd.UTC().Format(time.RFC3339))

	result, err := s.mutate(ctx, "expire", func(tx *gorm.DB) (ledgerdomain.Result, error) {
		existing, err := findTransaction(tx, ledgerdomain.TransactionKindSubscriptionExpired, key)
		if err != nil {
			return ledgerdomain.Result{}, err
		}
		if existing != nil {
			return duplicateResult(tx, *existing)
		}

		now := s.clock.Now()
		if err := ensureLedger(tx, accountID, now); err != nil {
			return ledgerdomain.Result{}, err
		}
		ledger, err := loadLedger(tx, accountID)
		if err != nil {
			return ledgerdomain.Result{}, err
		}
		expired := ledger.SubscriptionCredits
		updated, err := s.swap(tx, ledger, -expired, 0, now)
		if err != nil {
			return ledgerdomain.Result{}, err
		}

		txn := ledgerdomain.Transaction{
			ID:                s.genID.Generate(),
			AccountID:         accountID,
			Amount:            -expired,
			Kind:              ledgerdomain.TransactionKindSubscriptionExpired,
			IdempotencyKey:    key,
			SubscriptionDelta: -expired,
			Reason:            "subscription period ended",
			Metadata:          datatypes.JSONMap{"period_end": periodEnd.UTC().Format(time.RFC3339)},
			CreatedAt:         now,
		}
		if err := tx.Create(&txn).Error; err != nil {
			return ledgerdomain.Result{}, err
		}
		return resultOf(txn, updated, false), nil
	})
	if err != nil {
		return ledgerdomain.Result{}, err
	}
	if !result.Duplicate {
		s.obsMetrics.RecordLedgerTransaction(ctx, string(ledgerdomain.TransactionKindSubscriptionExpired))
	}
	return result, nil
}

func (s *Service) Balance(ctx context.Context, accountID snowflake.ID) (ledgerdomain.Balance, error) {
	if accountID == 0 {
		return ledgerdomain.Balance{}, ledgerdomain.ErrInvalidAccount
	}
	ledger, err := loadLedger(s.db.WithContext(ctx), accountID)
	if err != nil {
		return ledgerdomain.Balance{}, err
	}
	return ledgerdomain.BalanceOf(ledger), nil
}

func (s *Service) mutate(ctx context.Context, op string, fn func(tx *gorm.DB) (ledgerdomain.Result, error)) (ledgerdomain.Result, error) {
	var result ledgerdomain.Result
	err := pkgdb.RetryCAS(ctx, s.cas, func(ctx context.Context) error {
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			res, err := fn(tx)
			if err != nil {
				return err
			}
			result = res
			return nil
		})
	})
	if err != nil {
		if errors.Is(err, pkgdb.ErrCASExhausted) {
			s.log.Warn("ledger compare-and-swap exhausted", zap.String("operation", op), zap.Error(err))
			return ledgerdomain.Result{}, fmt.Errorf("%w: %s", ledgerdomain.ErrConcurrencyExhausted, op)
		}
		return ledgerdomain.Result{}, err
	}
	return result, nil
}

// swap applies the deltas only if the row still carries the version that was read.
func (s *Service) swap(tx *gorm.DB, ledger ledgerdomain.Ledger, subDelta, pkgDelta int64, now time.Time) (ledgerdomain.Ledger, error) {
	next := ledger
	next.SubscriptionCredits += subDelta
	next.PackageCredits += pkgDelta
	next.Version++
	next.UpdatedAt = now
	if next.SubscriptionCredits < 0 || next.PackageCredits < 0 {
		return ledgerdomain.Ledger{}, &ledgerdomain.InsufficientCreditsError{
			Required:  -(subDelta + pkgDelta),
			Available: ledger.Total(),
			Shortfall: -(next.Total()),
		}
	}

	res := tx.Exec(
		`UPDATE credit_ledgers
		SET subscription_credits = ?, package_credits = ?, version = ?, updated_at = ?
		WHERE account_id = ? AND version = ?`,
		next.SubscriptionCredits,
		next.PackageCredits,
		next.Version,
		now,
		ledger.AccountID,
		ledger.Version,
	)
	if res.Error != nil {
		return ledgerdomain.Ledger{}, res.Error
	}
	if res.RowsAffected == 0 {
		return ledgerdomain.Ledger{}, pkgdb.ErrVersionConflict
	}
	return next, nil
}

func ensureLedger(tx *gorm.DB, accountID snowflake.ID, now time.Time) error {
	return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&ledgerdomain.Ledger{
		AccountID: accountID,
		CreatedAt: now,
		UpdatedAt: now,
	}).Error
}

// loadLedger reads the account ledger. A missing row reads as an empty ledger
// at version 0 so debits fail with insufficient credits rather than not found.
func loadLedger(tx *gorm.DB, accountID snowflake.ID) (ledgerdomain.Ledger, error) {
	var rows []ledgerdomain.Ledger
	if err := tx.Raw(
		`SELECT account_id, subscription_credits, package_credits, version, created_at, updated_at
		FROM credit_ledgers
		WHERE account_id = ?`,
		accountID,
	).Scan(&rows).Error; err != nil {
		return ledgerdomain.Ledger{}, err
	}
	if len(rows) == 0 {
		return ledgerdomain.Ledger{AccountID: accountID}, nil
	}
	return rows[0], nil
}

func findTransaction(tx *gorm.DB, kind ledgerdomain.TransactionKind, key string) (*ledgerdomain.Transaction, error) {
	var rows []ledgerdomain.Transaction
	if err := tx.
		Where("kind = ? AND idempotency_key = ?", kind, key).
		Limit(1).
		Find(&rows).Error; err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

func duplicateResult(tx *gorm.DB, txn ledgerdomain.Transaction) (ledgerdomain.Result, error) {
	ledger, err := loadLedger(tx, txn.AccountID)
	if err != nil {
		return ledgerdomain.Result{}, err
	}
	return resultOf(txn, ledger, true), nil
}

func resultOf(txn ledgerdomain.Transaction, ledger ledgerdomain.Ledger, duplicate bool) ledgerdomain.Result {
	amount := txn.Amount
	if amount < 0 {
		amount = -amount
	}
	res := ledgerdomain.Result{
		TransactionID: txn.ID,
		Kind:          txn.Kind,
		Amount:        amount,
		Balance:       ledgerdomain.BalanceOf(ledger),
		Duplicate:     duplicate,
	}
	if txn.Kind == ledgerdomain.TransactionKindDeduction {
		res.FromSubscription = -txn.SubscriptionDelta
		res.FromPackage = -txn.PackageDelta
	}
	return res
}

// refundReasonPrefixes maps the reasons written by the failure paths to a
// fixed set of metric labels.
var refundReasonPrefixes = []struct {
	prefix string
	label  string
}{
	{"provider submit failed", "submit_failure"},
	{"job not created", "submit_failure"},
	{"provider reported failure", "provider_failure"},
	{"timeoutexceeded", "timeout"},
	{"cancelled", "cancelled"},
	{"failed by operator", "operator"},
}

func refundReasonLabel(reason string) string {
	reason = strings.ToLower(strings.TrimSpace(reason))
	for _, r := range refundReasonPrefixes {
		if strings.HasPrefix(reason, r.prefix) {
			return r.label
		}
	}
	return "other"
}
