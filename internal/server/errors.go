package server

import (
	"errors"
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	accountdomain "github.com/smallbiznis/genledger/internal/account/domain"
	"github.com/smallbiznis/genledger/internal/dispatch"
	jobdomain "github.com/smallbiznis/genledger/internal/job/domain"
	ledgerdomain "github.com/smallbiznis/genledger/internal/ledger/domain"
	providerdomain "github.com/smallbiznis/genledger/internal/provider/domain"
	quotadomain "github.com/smallbiznis/genledger/internal/quota/domain"
	"github.com/smallbiznis/genledger/internal/ratelimit"
	"github.com/smallbiznis/genledger/pkg/db/pagination"
	"gorm.io/gorm"
)

type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ValidationErrors struct {
	Errors []ValidationError `json:"errors"`
}

func (v ValidationErrors) Error() string {
	return "validation error"
}

type errorPayload struct {
	Type      string            `json:"type"`
	Message   string            `json:"message"`
	Errors    []ValidationError `json:"errors,omitempty"`
	Required  *int64            `json:"required,omitempty"`
	Available *int64            `json:"available,omitempty"`
	Shortfall *int64            `json:"shortfall,omitempty"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var (
	ErrUnauthorized       = errors.New("unauthorized")
	ErrConflict           = errors.New("conflict")
	ErrInternal           = errors.New("internal_error")
	ErrNotFound           = errors.New("not_found")
	ErrInvalidRequest     = errors.New("invalid_request")
	ErrServiceUnavailable = errors.New("service_unavailable")
)

func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}

		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		var limited *ratelimit.LimitedError
		if errors.As(lastErr.Err, &limited) && limited.RetryAfter > 0 {
			c.Header("Retry-After", strconv.Itoa(int(math.Ceil(limited.RetryAfter.Seconds()))))
		}

		status, payload := mapError(lastErr.Err)
		c.Header("Content-Type", "application/json")
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func invalidRequestError() error {
	return newValidationError("request", "invalid_request", "invalid request")
}

func newValidationError(field, code, message string) error {
	return &ValidationErrors{
		Errors: []ValidationError{
			{
				Field:   field,
				Code:    code,
				Message: message,
			},
		},
	}
}

func mapError(err error) (int, errorPayload) {
	if err == nil {
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}

	if vErr := asValidationErrors(err); vErr != nil {
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors:  vErr.Errors,
		}
	}

	if isValidationError(err) {
		code := validationErrorCode(err)
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors: []ValidationError{
				{
					Field:   validationErrorField(code),
					Code:    code,
					Message: validationErrorMessage(code),
				},
			},
		}
	}

	var insufficient *ledgerdomain.InsufficientCreditsError
	switch {
	case errors.As(err, &insufficient):
		return http.StatusPaymentRequired, errorPayload{
			Type:      "insufficient_credits",
			Message:   "insufficient credits",
			Required:  &insufficient.Required,
			Available: &insufficient.Available,
			Shortfall: &insufficient.Shortfall,
		}
	case errors.Is(err, ledgerdomain.ErrInsufficientCredits):
		return http.StatusPaymentRequired, errorPayload{
			Type:    "insufficient_credits",
			Message: "insufficient credits",
		}
	case errors.Is(err, ratelimit.ErrRateLimited):
		return http.StatusTooManyRequests, errorPayload{
			Type:    "rate_limited",
			Message: "too many requests",
		}
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized, errorPayload{
			Type:    "unauthorized",
			Message: "unauthorized",
		}
	case errors.Is(err, jobdomain.ErrJobNotCancellable):
		return http.StatusConflict, errorPayload{
			Type:    "job_not_cancellable",
			Message: "job is already processing",
		}
	case errors.Is(err, ErrConflict),
		errors.Is(err, accountdomain.ErrAccountExists),
		errors.Is(err, ratelimit.ErrLockHeld),
		errors.Is(err, ledgerdomain.ErrRefundExceedsDebit):
		return http.StatusConflict, errorPayload{
			Type:    "conflict",
			Message: "conflict",
		}
	case isNotFoundError(err):
		return http.StatusNotFound, errorPayload{
			Type:    "not_found",
			Message: "not found",
		}
	case errors.Is(err, providerdomain.ErrProviderRejected):
		return http.StatusUnprocessableEntity, errorPayload{
			Type:    "provider_rejected",
			Message: "provider rejected the request",
		}
	case errors.Is(err, providerdomain.ErrProviderUnavailable):
		return http.StatusBadGateway, errorPayload{
			Type:    "provider_unavailable",
			Message: "provider unavailable",
		}
	case errors.Is(err, ledgerdomain.ErrConcurrencyExhausted),
		errors.Is(err, quotadomain.ErrConcurrencyExhausted),
		errors.Is(err, ErrServiceUnavailable):
		return http.StatusServiceUnavailable, errorPayload{
			Type:    "service_unavailable",
			Message: "service unavailable, retry later",
		}
	default:
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}
}

func asValidationErrors(err error) *ValidationErrors {
	var vErr *ValidationErrors
	if errors.As(err, &vErr) && vErr != nil {
		return vErr
	}
	return nil
}

func isValidationError(err error) bool {
	switch {
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, dispatch.ErrInvalidModel),
		errors.Is(err, dispatch.ErrInvalidPayload),
		errors.Is(err, quotadomain.ErrUnknownModel),
		errors.Is(err, quotadomain.ErrInvalidKey),
		errors.Is(err, ledgerdomain.ErrInvalidAmount),
		errors.Is(err, ledgerdomain.ErrInvalidAccount),
		errors.Is(err, ledgerdomain.ErrInvalidKind),
		errors.Is(err, ledgerdomain.ErrInvalidIdempotencyKey),
		errors.Is(err, accountdomain.ErrInvalidAccount),
		errors.Is(err, accountdomain.ErrUnknownPlan),
		errors.Is(err, accountdomain.ErrInvalidPeriodEnd),
		errors.Is(err, accountdomain.ErrInvalidCredits),
		errors.Is(err, providerdomain.ErrUnknownStatus),
		errors.Is(err, providerdomain.ErrUnknownProvider),
		errors.Is(err, pagination.ErrInvalidPageToken):
		return true
	default:
		return false
	}
}

func isNotFoundError(err error) bool {
	switch {
	case errors.Is(err, ErrNotFound),
		errors.Is(err, jobdomain.ErrJobNotFound),
		errors.Is(err, accountdomain.ErrAccountNotFound),
		errors.Is(err, gorm.ErrRecordNotFound):
		return true
	default:
		return false
	}
}

// validationErrorCode returns the sentinel text of the first known cause.
func validationErrorCode(err error) string {
	for _, sentinel := range []error{
		ErrInvalidRequest,
		dispatch.ErrInvalidModel,
		dispatch.ErrInvalidPayload,
		quotadomain.ErrUnknownModel,
		quotadomain.ErrInvalidKey,
		ledgerdomain.ErrInvalidAmount,
		ledgerdomain.ErrInvalidAccount,
		ledgerdomain.ErrInvalidKind,
		ledgerdomain.ErrInvalidIdempotencyKey,
		accountdomain.ErrInvalidAccount,
		accountdomain.ErrUnknownPlan,
		accountdomain.ErrInvalidPeriodEnd,
		accountdomain.ErrInvalidCredits,
		providerdomain.ErrUnknownStatus,
		providerdomain.ErrUnknownProvider,
		pagination.ErrInvalidPageToken,
	} {
		if errors.Is(err, sentinel) {
			return sentinel.Error()
		}
	}
	return err.Error()
}

func validationErrorField(code string) string {
	switch code {
	case "invalid_request":
		return "request"
	case "unknown_model_variant":
		return "variant"
	case "unknown_plan":
		return "plan_id"
	case "unknown_provider_status":
		return "status"
	case "unknown_provider":
		return "provider"
	case "invalid_transaction_kind":
		return "kind"
	}
	if strings.HasPrefix(code, "invalid_") {
		return strings.TrimPrefix(code, "invalid_")
	}
	return ""
}

func validationErrorMessage(code string) string {
	switch code {
	case "invalid_request":
		return "invalid request"
	case "unknown_model_variant", "invalid_model":
		return "unknown model or variant"
	case "unknown_plan":
		return "unknown plan"
	default:
		return "invalid value"
	}
}

// classifyErrorForLog feeds the request logger's error_type and error_code.
func classifyErrorForLog(err error) (string, string) {
	status, payload := mapError(err)
	code := payload.Type
	if len(payload.Errors) > 0 {
		code = payload.Errors[0].Code
	}
	switch {
	case status >= http.StatusInternalServerError:
		return "server", code
	default:
		return "client", code
	}
}
