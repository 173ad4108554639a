package server

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/genledger/internal/dispatch"
	"github.com/smallbiznis/genledger/internal/observability/logger"
	"github.com/smallbiznis/genledger/internal/reconcile"
)

type submitJobRequest struct {
	AccountID string          `json:"account_id"`
	Model     string          `json:"model"`
	Variant   string          `json:"variant"`
	Payload   json.RawMessage `json:"payload"`
}

func (s *Server) SubmitJob(c *gin.Context) {
	var req submitJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	accountID, err := parseSnowflakeID(req.AccountID)
	if err != nil {
		AbortWithError(c, newValidationError("account_id", "invalid_account_id", "invalid account_id"))
		return
	}
	c.Request = c.Request.WithContext(withAccount(c, accountID.String()))

	job, err := s.dispatcher.Submit(c.Request.Context(), dispatch.SubmitRequest{
		AccountID: accountID,
		Model:     strings.TrimSpace(req.Model),
		Variant:   strings.TrimSpace(req.Variant),
		Payload:   req.Payload,
	})
	if err != nil {
		if job == nil {
			AbortWithError(c, err)
			return
		}
		// The job exists and was refunded; return it alongside the error.
		c.Set(logger.JobIDKey, job.ID.String())
		_ = c.Error(err)
		status, payload := mapError(err)
		c.AbortWithStatusJSON(status, gin.H{"data": job, "error": payload})
		return
	}

	c.Set(logger.JobIDKey, job.ID.String())
	c.JSON(http.StatusAccepted, gin.H{"data": job})
}

func (s *Server) GetJob(c *gin.Context) {
	jobID, ok := paramID(c, "job_id")
	if !ok {
		return
	}
	c.Set(logger.JobIDKey, jobID.String())

	job, err := s.dispatcher.GetJob(c.Request.Context(), jobID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": job})
}

func (s *Server) CancelJob(c *gin.Context) {
	jobID, ok := paramID(c, "job_id")
	if !ok {
		return
	}
	c.Set(logger.JobIDKey, jobID.String())

	job, err := s.dispatcher.CancelJob(c.Request.Context(), jobID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": job})
}

func (s *Server) ListJobs(c *gin.Context) {
	accountID, ok := paramID(c, "account_id")
	if !ok {
		return
	}
	limit, err := parseOptionalInt(c.Query("limit"))
	if err != nil {
		AbortWithError(c, newValidationError("limit", "invalid_limit", "invalid limit"))
		return
	}
	size := 0
	if limit != nil {
		size = *limit
	}

	jobs, err := s.dispatcher.ListJobs(c.Request.Context(), accountID, size)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": jobs})
}

type providerCallbackRequest struct {
	TaskID      string `json:"task_id"`
	Status      string `json:"status"`
	ResultRef   string `json:"result_ref"`
	ErrorDetail string `json:"error"`
}

// ProviderCallback applies a pushed status report. Unknown tasks are
// acknowledged so providers stop retrying deliveries for jobs we never created.
func (s *Server) ProviderCallback(c *gin.Context) {
	var req providerCallbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	if strings.TrimSpace(req.TaskID) == "" {
		AbortWithError(c, newValidationError("task_id", "required", "task_id is required"))
		return
	}

	providerName := strings.TrimSpace(c.Param("provider"))
	result, err := s.reconciler.ApplyReport(c.Request.Context(), providerName, reconcile.CallbackReport{
		TaskID:      strings.TrimSpace(req.TaskID),
		Status:      req.Status,
		ResultRef:   strings.TrimSpace(req.ResultRef),
		ErrorDetail: req.ErrorDetail,
	})
	if err != nil {
		if isNotFoundError(err) {
			c.JSON(http.StatusAccepted, gin.H{"status": "ignored"})
			return
		}
		AbortWithError(c, err)
		return
	}

	c.Set(logger.JobIDKey, result.Job.ID.String())
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"changed": result.Changed,
		"job":     result.Job,
	})
}
