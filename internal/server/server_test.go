package server

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/genledger/internal/config"
	"github.com/smallbiznis/genledger/internal/dispatch"
	"github.com/smallbiznis/genledger/internal/enginetest"
	jobdomain "github.com/smallbiznis/genledger/internal/job/domain"
	ledgerdomain "github.com/smallbiznis/genledger/internal/ledger/domain"
	providerdomain "github.com/smallbiznis/genledger/internal/provider/domain"
	quotadomain "github.com/smallbiznis/genledger/internal/quota/domain"
	"github.com/smallbiznis/genledger/internal/ratelimit"
	"github.com/smallbiznis/genledger/internal/scheduler"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testAdminToken = "s3cret"

type testServer struct {
	*enginetest.Engine
	srv *Server
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	e := enginetest.New(t, config.DefaultGenerationConfig())
	dispatcher := dispatch.NewService(dispatch.Params{
		DB:         e.DB,
		Log:        e.Log,
		GenID:      e.Node,
		Jobs:       e.Jobs,
		Accounts:   e.Accounts,
		Ledger:     e.Ledger,
		Quota:      e.Quota,
		Providers:  e.Providers,
		Reconciler: e.Reconciler,
		Catalog:    e.Catalog,
		Clock:      e.Clock,
	})
	sched, err := scheduler.New(scheduler.Params{
		DB:         e.DB,
		Log:        e.Log,
		GenID:      e.Node,
		Jobs:       e.Jobs,
		Reconciler: e.Reconciler,
		Ledger:     e.Ledger,
		Accounts:   e.Accounts,
		Catalog:    e.Catalog,
		Clock:      e.Clock,
	})
	require.NoError(t, err)

	srv := NewServer(ServerParams{
		Gin:        NewEngine(false),
		Cfg:        config.Config{Environment: "test", AdminToken: testAdminToken},
		Log:        e.Log,
		Dispatcher: dispatcher,
		Reconciler: e.Reconciler,
		Accounts:   e.Accounts,
		Ledger:     e.Ledger,
		Scheduler:  sched,
	})
	return &testServer{Engine: e, srv: srv}
}

func (ts *testServer) do(t *testing.T, method, path string, body any, admin bool) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if admin {
		req.Header.Set(HeaderAuthorization, "Bearer "+testAdminToken)
	}
	rec := httptest.NewRecorder()
	ts.srv.Engine().ServeHTTP(rec, req)
	return rec
}

type jobEnvelope struct {
	Data  jobdomain.Job `json:"data"`
	Error *errorPayload `json:"error"`
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodGet, "/health", nil, false)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestSubmitAndGetJob(t *testing.T) {
	ts := newTestServer(t)
	accountID := ts.Account(t, "", 0, 40)

	rec := ts.do(t, http.MethodPost, "/v1/jobs", map[string]any{
		"account_id": accountID.String(),
		"model":      "nano-banana-pro",
		"variant":    "4k",
		"payload":    map[string]any{"prompt": "a lighthouse at dusk"},
	}, false)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	submitted := decode[jobEnvelope](t, rec)
	assert.Equal(t, jobdomain.StatusQueued, submitted.Data.Status)
	assert.Equal(t, int64(25), submitted.Data.ChargedCredits)

	rec = ts.do(t, http.MethodGet, "/v1/jobs/"+submitted.Data.ID.String(), nil, false)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, submitted.Data.ID, decode[jobEnvelope](t, rec).Data.ID)

	rec = ts.do(t, http.MethodGet, "/v1/accounts/"+accountID.String()+"/balance", nil, false)
	require.Equal(t, http.StatusOK, rec.Code)
	balance := decode[struct {
		Data ledgerdomain.Balance `json:"data"`
	}](t, rec)
	assert.Equal(t, int64(15), balance.Data.Total)

	rec = ts.do(t, http.MethodGet, "/v1/accounts/"+accountID.String()+"/jobs", nil, false)
	require.Equal(t, http.StatusOK, rec.Code)
	jobs := decode[struct {
		Data []jobdomain.Job `json:"data"`
	}](t, rec)
	assert.Len(t, jobs.Data, 1)
}

func TestSubmitInsufficientCreditsReturnsShortfall(t *testing.T) {
	ts := newTestServer(t)
	accountID := ts.Account(t, "", 0, 10)

	rec := ts.do(t, http.MethodPost, "/v1/jobs", map[string]any{
		"account_id": accountID.String(),
		"model":      "nano-banana-pro",
		"variant":    "1k_2k",
	}, false)
	require.Equal(t, http.StatusPaymentRequired, rec.Code)
	body := decode[errorResponse](t, rec)
	assert.Equal(t, "insufficient_credits", body.Error.Type)
	require.NotNil(t, body.Error.Shortfall)
	assert.Equal(t, int64(7), *body.Error.Shortfall)
}

func TestSubmitValidation(t *testing.T) {
	ts := newTestServer(t)
	accountID := ts.Account(t, "", 0, 10)

	rec := ts.do(t, http.MethodPost, "/v1/jobs", map[string]any{
		"account_id": accountID.String(),
		"model":      "nope",
		"variant":    "x",
	}, false)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodPost, "/v1/jobs", map[string]any{
		"account_id": "abc",
		"model":      "nano-banana-pro",
		"variant":    "4k",
	}, false)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "account_id", decode[errorResponse](t, rec).Error.Errors[0].Field)

	rec = ts.do(t, http.MethodGet, "/v1/jobs/123", nil, false)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = ts.do(t, http.MethodGet, "/v1/jobs/zzz", nil, false)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSubmitProviderRejectionReturnsRefundedJob(t *testing.T) {
	ts := newTestServer(t)
	accountID := ts.Account(t, "", 0, 40)
	ts.Adapters["imagegen"].FailSubmits(providerdomain.ErrProviderRejected)

	rec := ts.do(t, http.MethodPost, "/v1/jobs", map[string]any{
		"account_id": accountID.String(),
		"model":      "nano-banana-pro",
		"variant":    "4k",
	}, false)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code, rec.Body.String())
	body := decode[jobEnvelope](t, rec)
	assert.Equal(t, jobdomain.StatusFailed, body.Data.Status)
	require.NotNil(t, body.Error)
	assert.Equal(t, "provider_rejected", body.Error.Type)
	assert.Equal(t, int64(40), ts.Balance(t, accountID).Total)
}

func TestCancelJob(t *testing.T) {
	ts := newTestServer(t)
	accountID := ts.Account(t, "", 0, 40)

	rec := ts.do(t, http.MethodPost, "/v1/jobs", map[string]any{
		"account_id": accountID.String(),
		"model":      "nano-banana-pro",
		"variant":    "1k_2k",
	}, false)
	require.Equal(t, http.StatusAccepted, rec.Code)
	jobID := decode[jobEnvelope](t, rec).Data.ID

	rec = ts.do(t, http.MethodPost, "/v1/jobs/"+jobID.String()+"/cancel", nil, false)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, jobdomain.StatusFailed, decode[jobEnvelope](t, rec).Data.Status)
	assert.Equal(t, int64(40), ts.Balance(t, accountID).Total)
}

func TestProviderCallback(t *testing.T) {
	ts := newTestServer(t)
	accountID := ts.Account(t, "", 0, 40)

	rec := ts.do(t, http.MethodPost, "/v1/jobs", map[string]any{
		"account_id": accountID.String(),
		"model":      "nano-banana-pro",
		"variant":    "1k_2k",
	}, false)
	require.Equal(t, http.StatusAccepted, rec.Code)
	job := decode[jobEnvelope](t, rec).Data
	require.NotNil(t, job.ProviderTaskID)

	rec = ts.do(t, http.MethodPost, "/v1/providers/imagegen/callback", map[string]any{
		"task_id":    *job.ProviderTaskID,
		"status":     "success",
		"result_ref": "s3://bucket/out.png",
	}, false)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	got := ts.Job(t, job.ID)
	assert.Equal(t, jobdomain.StatusSuccess, got.Status)
	require.NotNil(t, got.ResultRef)
	assert.Equal(t, "s3://bucket/out.png", *got.ResultRef)

	rec = ts.do(t, http.MethodPost, "/v1/providers/imagegen/callback", map[string]any{
		"task_id": "unknown-task",
		"status":  "success",
	}, false)
	assert.Equal(t, http.StatusAccepted, rec.Code)

	rec = ts.do(t, http.MethodPost, "/v1/providers/imagegen/callback", map[string]any{
		"task_id": *job.ProviderTaskID,
		"status":  "exploded",
	}, false)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAdminRequiresToken(t *testing.T) {
	ts := newTestServer(t)
	accountID := ts.Account(t, "", 0, 0)
	path := "/admin/accounts/" + accountID.String() + "/credits"
	body := map[string]any{"amount": 100, "kind": "purchase", "idempotency_key": "order-1"}

	rec := ts.do(t, http.MethodPost, path, body, false)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = ts.do(t, http.MethodPost, path, body, true)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	rec = ts.do(t, http.MethodPost, path, body, true)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(100), ts.Balance(t, accountID).PackageCredits)

	rec = ts.do(t, http.MethodPost, path, map[string]any{"amount": 5, "kind": "refund", "idempotency_key": "x"}, true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAdminAssignPlan(t *testing.T) {
	ts := newTestServer(t)
	accountID := ts.Account(t, "", 0, 0)

	rec := ts.do(t, http.MethodPost, "/admin/accounts/"+accountID.String()+"/plan", map[string]any{
		"plan_id":    "creator_plus",
		"period_end": enginetest.Start.Add(30 * 24 * time.Hour).Format(time.RFC3339),
		"credits":    500,
	}, true)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, int64(500), ts.Balance(t, accountID).SubscriptionCredits)

	rec = ts.do(t, http.MethodPost, "/admin/accounts/"+accountID.String()+"/plan", map[string]any{
		"plan_id":    "platinum",
		"period_end": enginetest.Start.Add(time.Hour).Format(time.RFC3339),
	}, true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAdminExportTransactionsStreamsNDJSON(t *testing.T) {
	ts := newTestServer(t)
	accountID := ts.Account(t, "", 30, 20)
	_, err := ts.Ledger.Debit(t.Context(), accountID, 40, ts.Node.Generate())
	require.NoError(t, err)

	rec := ts.do(t, http.MethodGet, "/admin/transactions?account_id="+accountID.String(), nil, true)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/x-ndjson", rec.Header().Get("Content-Type"))

	var kinds []ledgerdomain.TransactionKind
	scanner := bufio.NewScanner(bytes.NewReader(rec.Body.Bytes()))
	for scanner.Scan() {
		var txn ledgerdomain.Transaction
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &txn))
		kinds = append(kinds, txn.Kind)
	}
	assert.Equal(t, []ledgerdomain.TransactionKind{
		ledgerdomain.TransactionKindSubscriptionGrant,
		ledgerdomain.TransactionKindPurchase,
		ledgerdomain.TransactionKindDeduction,
	}, kinds)
}

func TestAdminRequeueAndSweep(t *testing.T) {
	ts := newTestServer(t)
	accountID := ts.Account(t, "", 0, 200)

	rec := ts.do(t, http.MethodPost, "/v1/jobs", map[string]any{
		"account_id": accountID.String(),
		"model":      "veo-3",
		"variant":    "fast",
	}, false)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	job := decode[jobEnvelope](t, rec).Data
	ts.Adapters["videogen"].SetStatus(*job.ProviderTaskID, providerdomain.StatusProcessing, "", "")

	rec = ts.do(t, http.MethodPost, "/admin/sweep", nil, true)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodPost, "/admin/jobs/"+job.ID.String()+"/requeue", map[string]any{
		"force":  true,
		"reason": "operator abort",
	}, true)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, jobdomain.StatusFailed, decode[jobEnvelope](t, rec).Data.Status)
	assert.Equal(t, int64(200), ts.Balance(t, accountID).Total)
}

func TestMapError(t *testing.T) {
	cases := []struct {
		err    error
		status int
	}{
		{fmt.Errorf("debit: %w", ledgerdomain.ErrInsufficientCredits), http.StatusPaymentRequired},
		{ledgerdomain.ErrConcurrencyExhausted, http.StatusServiceUnavailable},
		{quotadomain.ErrConcurrencyExhausted, http.StatusServiceUnavailable},
		{fmt.Errorf("submit job 1: %w", providerdomain.ErrProviderUnavailable), http.StatusBadGateway},
		{providerdomain.ErrProviderRejected, http.StatusUnprocessableEntity},
		{jobdomain.ErrJobNotFound, http.StatusNotFound},
		{jobdomain.ErrJobNotCancellable, http.StatusConflict},
		{dispatch.ErrInvalidModel, http.StatusBadRequest},
		{ledgerdomain.ErrInvalidAmount, http.StatusBadRequest},
		{&ratelimit.LimitedError{RetryAfter: time.Second}, http.StatusTooManyRequests},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		status, _ := mapError(tc.err)
		assert.Equal(t, tc.status, status, tc.err.Error())
	}
}

func TestRateLimitedSetsRetryAfter(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(ErrorHandlingMiddleware())
	r.GET("/limited", func(c *gin.Context) {
		AbortWithError(c, &ratelimit.LimitedError{RetryAfter: 1500 * time.Millisecond})
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/limited", nil))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "2", rec.Header().Get("Retry-After"))
}
