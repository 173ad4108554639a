package server

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	accountdomain "github.com/smallbiznis/genledger/internal/account/domain"
	obscontext "github.com/smallbiznis/genledger/internal/observability/context"
)

type createAccountRequest struct {
	ID string `json:"id"`
}

func (s *Server) CreateAccount(c *gin.Context) {
	var req createAccountRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			AbortWithError(c, invalidRequestError())
			return
		}
	}

	var create accountdomain.CreateAccountRequest
	if id := strings.TrimSpace(req.ID); id != "" {
		parsed, err := parseSnowflakeID(id)
		if err != nil {
			AbortWithError(c, newValidationError("id", "invalid_id", "invalid id"))
			return
		}
		create.ID = parsed
	}

	account, err := s.accounts.Create(c.Request.Context(), create)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"data": account})
}

func (s *Server) GetAccount(c *gin.Context) {
	accountID, ok := paramID(c, "account_id")
	if !ok {
		return
	}

	account, err := s.accounts.Get(c.Request.Context(), accountID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": account})
}

func (s *Server) GetBalance(c *gin.Context) {
	accountID, ok := paramID(c, "account_id")
	if !ok {
		return
	}
	ctx := c.Request.Context()

	if _, err := s.accounts.Get(ctx, accountID); err != nil {
		AbortWithError(c, err)
		return
	}
	balance, err := s.ledger.Balance(ctx, accountID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": balance})
}

func withAccount(c *gin.Context, accountID string) context.Context {
	return obscontext.WithAccountID(c.Request.Context(), accountID)
}
