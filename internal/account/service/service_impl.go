package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/genledger/internal/account/domain"
	"github.com/smallbiznis/genledger/internal/clock"
	"github.com/smallbiznis/genledger/internal/config"
	ledgerdomain "github.com/smallbiznis/genledger/internal/ledger/domain"
	pkgdb "github.com/smallbiznis/genledger/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB        *gorm.DB
	Log       *zap.Logger
	GenID     *snowflake.Node
	Repo      domain.Repository
	Ledger    ledgerdomain.Service
	Catalog   *config.GenerationConfigHolder
	Clock     clock.Clock      `optional:"true"`
	PlanCache domain.PlanCache `optional:"true"`
}

type Service struct {
	db        *gorm.DB
	log       *zap.Logger
	genID     *snowflake.Node
	repo      domain.Repository
	ledger    ledgerdomain.Service
	catalog   *config.GenerationConfigHolder
	clock     clock.Clock
	planCache domain.PlanCache
}

func New(p Params) domain.Service {
	clk := p.Clock
	if clk == nil {
		clk = clock.NewSystemClock()
	}
	return &Service{
		db:        p.DB,
		log:       p.Log.Named("account.service"),
		genID:     p.GenID,
		repo:      p.Repo,
		ledger:    p.Ledger,
		catalog:   p.Catalog,
		clock:     clk,
		planCache: p.PlanCache,
	}
}

func (s *Service) Create(ctx context.Context, req domain.CreateAccountRequest) (domain.Account, error) {
	id := req.ID
	if id == 0 {
		id = s.genID.Generate()
	}

	now := s.clock.Now()
	account := domain.Account{
		ID:        id,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.repo.Insert(ctx, s.db, &account); err != nil {
		if pkgdb.IsDuplicateKeyErr(err) {
			return domain.Account{}, domain.ErrAccountExists
		}
		return domain.Account{}, err
	}
	return account, nil
}

func (s *Service) Get(ctx context.Context, id snowflake.ID) (domain.Account, error) {
	if id == 0 {
		return domain.Account{}, domain.ErrInvalidAccount
	}
	account, err := s.repo.FindByID(ctx, s.db, id)
	if err != nil {
		return domain.Account{}, err
	}
	if account == nil {
		return domain.Account{}, domain.ErrAccountNotFound
	}
	return *account, nil
}

// ActivePlan returns the account's plan in force now. Lookups are served from
// the plan cache when one is configured.
func (s *Service) ActivePlan(ctx context.Context, id snowflake.ID) (domain.ActivePlan, bool, error) {
	now := s.clock.Now()
	if s.planCache != nil {
		if plan, ok := s.planCache.Get(ctx, id); ok && now.Before(plan.PeriodEnd) {
			return plan, true, nil
		}
	}

	account, err := s.Get(ctx, id)
	if err != nil {
		return domain.ActivePlan{}, false, err
	}
	plan, ok := account.ActivePlan(now)
	if ok && s.planCache != nil {
		s.planCache.Set(ctx, plan)
	}
	return plan, ok, nil
}

func (s *Service) AssignPlan(ctx context.Context, req domain.AssignPlanRequest) (domain.Account, error) {
	if req.AccountID == 0 {
		return domain.Account{}, domain.ErrInvalidAccount
	}
	planID := strings.TrimSpace(req.PlanID)
	if !s.planExists(planID) {
		return domain.Account{}, domain.ErrUnknownPlan
	}
	now := s.clock.Now()
	periodEnd := req.PeriodEnd.UTC()
	if !periodEnd.After(now) {
		return domain.Account{}, domain.ErrInvalidPeriodEnd
	}
	if req.Credits < 0 {
		return domain.Account{}, domain.ErrInvalidCredits
	}

	updated, err := s.repo.UpdatePlan(ctx, s.db, req.AccountID, planID, domain.PlanStatusActive, periodEnd, now)
	if err != nil {
		return domain.Account{}, err
	}
	if !updated {
		return domain.Account{}, domain.ErrAccountNotFound
	}
	if s.planCache != nil {
		s.planCache.Invalidate(ctx, req.AccountID)
	}

	if req.Credits > 0 {
		_, err := s.ledger.Grant(ctx, ledgerdomain.GrantRequest{
			AccountID:      req.AccountID,
			Amount:         req.Credits,
			Kind:           ledgerdomain.TransactionKindSubscriptionGrant,
			IdempotencyKey: fmt.Sprintf("plan:%s:%s", req.AccountID.String(), periodEnd.Format(time.RFC3339)),
			Reason:         "plan period started",
			Metadata: map[string]any{
				"plan_id":    planID,
				"period_end": periodEnd.Format(time.RFC3339),
			},
		})
		if err != nil {
			return domain.Account{}, err
		}
	}

	s.log.Info("plan assigned",
		zap.String("account_id", req.AccountID.String()),
		zap.String("plan_id", planID),
		zap.Time("period_end", periodEnd),
		zap.Int64("credits", req.Credits),
	)
	return s.Get(ctx, req.AccountID)
}

func (s *Service) ExpirePlan(ctx context.Context, id snowflake.ID, periodEnd time.Time) (bool, error) {
	expired, err := s.repo.MarkExpired(ctx, s.db, id, periodEnd, s.clock.Now())
	if err != nil {
		return false, err
	}
	if expired && s.planCache != nil {
		s.planCache.Invalidate(ctx, id)
	}
	return expired, nil
}

func (s *Service) planExists(planID string) bool {
	if planID == "" || s.catalog == nil {
		return false
	}
	for _, plan := range s.catalog.Get().Plans {
		if plan.ID == planID {
			return true
		}
	}
	return false
}
