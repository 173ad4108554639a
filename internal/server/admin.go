package server

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	accountdomain "github.com/smallbiznis/genledger/internal/account/domain"
	ledgerdomain "github.com/smallbiznis/genledger/internal/ledger/domain"
	"github.com/smallbiznis/genledger/internal/observability/logger"
	"go.uber.org/zap"
)

const exportPageSize = 500

type grantCreditsRequest struct {
	Amount         int64          `json:"amount"`
	Kind           string         `json:"kind"`
	IdempotencyKey string         `json:"idempotency_key"`
	Reason         string         `json:"reason"`
	Metadata       map[string]any `json:"metadata"`
}

// GrantCredits adds purchased or bonus credits to the package bucket.
func (s *Server) GrantCredits(c *gin.Context) {
	accountID, ok := paramID(c, "account_id")
	if !ok {
		return
	}
	var req grantCreditsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	kind := ledgerdomain.TransactionKind(strings.TrimSpace(req.Kind))
	if kind == "" {
		kind = ledgerdomain.TransactionKindPurchase
	}
	if kind != ledgerdomain.TransactionKindPurchase && kind != ledgerdomain.TransactionKindBonus {
		AbortWithError(c, newValidationError("kind", "invalid_kind", "kind must be purchase or bonus"))
		return
	}
	if strings.TrimSpace(req.IdempotencyKey) == "" {
		AbortWithError(c, newValidationError("idempotency_key", "required", "idempotency_key is required"))
		return
	}

	ctx := c.Request.Context()
	if _, err := s.accounts.Get(ctx, accountID); err != nil {
		AbortWithError(c, err)
		return
	}
	result, err := s.ledger.Grant(ctx, ledgerdomain.GrantRequest{
		AccountID:      accountID,
		Amount:         req.Amount,
		Kind:           kind,
		IdempotencyKey: strings.TrimSpace(req.IdempotencyKey),
		Reason:         strings.TrimSpace(req.Reason),
		Metadata:       req.Metadata,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	logger.WithContext(ctx, s.log).Info("credits granted",
		zap.String("account_id", accountID.String()),
		zap.String("kind", string(kind)),
		zap.Int64("amount", req.Amount),
		zap.Bool("duplicate", result.Duplicate),
	)
	status := http.StatusCreated
	if result.Duplicate {
		status = http.StatusOK
	}
	c.JSON(status, gin.H{"data": result})
}

type assignPlanRequest struct {
	PlanID    string    `json:"plan_id"`
	PeriodEnd time.Time `json:"period_end"`
	Credits   int64     `json:"credits"`
}

// AssignPlan starts a plan period and grants its subscription credits.
func (s *Server) AssignPlan(c *gin.Context) {
	accountID, ok := paramID(c, "account_id")
	if !ok {
		return
	}
	var req assignPlanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	account, err := s.accounts.AssignPlan(c.Request.Context(), accountdomain.AssignPlanRequest{
		AccountID: accountID,
		PlanID:    strings.TrimSpace(req.PlanID),
		PeriodEnd: req.PeriodEnd,
		Credits:   req.Credits,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": account})
}

// ExportTransactions streams the transaction log as NDJSON, one transaction
// per line, walking keyset pages until the log is exhausted.
func (s *Server) ExportTransactions(c *gin.Context) {
	var query struct {
		AccountID string `form:"account_id"`
		Since     string `form:"since"`
	}
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	req := ledgerdomain.ListTransactionsRequest{PageSize: exportPageSize}
	if strings.TrimSpace(query.AccountID) != "" {
		accountID, err := parseSnowflakeID(query.AccountID)
		if err != nil {
			AbortWithError(c, newValidationError("account_id", "invalid_account_id", "invalid account_id"))
			return
		}
		req.AccountID = accountID
	}
	since, err := parseOptionalTime(query.Since, false)
	if err != nil {
		AbortWithError(c, newValidationError("since", "invalid_since", "invalid since"))
		return
	}
	req.Since = since

	ctx := c.Request.Context()
	page, err := s.ledger.ListTransactions(ctx, req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.Header("Content-Type", "application/x-ndjson")
	c.Status(http.StatusOK)
	enc := json.NewEncoder(c.Writer)
	written := 0
	for {
		for _, txn := range page.Transactions {
			if err := enc.Encode(txn); err != nil {
				logger.WithContext(ctx, s.log).Warn("transaction export aborted", zap.Int("written", written), zap.Error(err))
				return
			}
			written++
		}
		c.Writer.Flush()
		if !page.HasMore || page.NextPageToken == "" {
			return
		}
		req.PageToken = page.NextPageToken
		page, err = s.ledger.ListTransactions(ctx, req)
		if err != nil {
			// Headers are gone; the truncated stream is the only signal left.
			logger.WithContext(ctx, s.log).Error("transaction export page failed", zap.Int("written", written), zap.Error(err))
			return
		}
	}
}

func (s *Server) SweepNow(c *gin.Context) {
	if s.scheduler == nil {
		AbortWithError(c, ErrServiceUnavailable)
		return
	}

	reports, err := s.scheduler.SweepNow(c.Request.Context())
	if err != nil {
		logger.WithContext(c.Request.Context(), s.log).Warn("manual sweep finished with errors", zap.Error(err))
	}
	c.JSON(http.StatusOK, gin.H{"data": reports, "ok": err == nil})
}

type requeueJobRequest struct {
	Force  bool   `json:"force"`
	Reason string `json:"reason"`
}

func (s *Server) RequeueJob(c *gin.Context) {
	if s.scheduler == nil {
		AbortWithError(c, ErrServiceUnavailable)
		return
	}
	jobID, ok := paramID(c, "job_id")
	if !ok {
		return
	}
	c.Set(logger.JobIDKey, jobID.String())

	var req requeueJobRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			AbortWithError(c, invalidRequestError())
			return
		}
	}

	job, err := s.scheduler.RequeueJob(c.Request.Context(), jobID, req.Force, req.Reason)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": job})
}
