package httptask

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/smallbiznis/genledger/internal/config"
	"github.com/smallbiznis/genledger/internal/provider/domain"
	"github.com/smallbiznis/genledger/pkg/telemetry/correlation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAdapter(t *testing.T, handler http.HandlerFunc) *Adapter {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	a, err := New(config.ProviderConfig{
		Name:      "videogen",
		Kind:      config.ProviderKindHTTP,
		BaseURL:   srv.URL + "/",
		APIKey:    "secret",
		StatusMap: map[string]string{"rendering": "processing"},
	}, srv.Client())
	require.NoError(t, err)
	return a
}

func TestSubmitSendsJobAsIdempotencyKey(t *testing.T) {
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/tasks", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		assert.Equal(t, "77", r.Header.Get("Idempotency-Key"))
		assert.Equal(t, "run-9", r.Header.Get(correlation.Header))

		var body createTaskRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "veo-3", body.Model)
		assert.JSONEq(t, `{"prompt":"waves"}`, string(body.Input))

		_ = json.NewEncoder(w).Encode(map[string]any{"task_id": "t-1", "status": "queued", "estimated_seconds": 90})
	})

	ctx := correlation.ContextWithCorrelationID(context.Background(), "run-9")
	res, err := a.Submit(ctx, domain.SubmitRequest{
		JobID:   77,
		Model:   "veo-3",
		Variant: "fast",
		Payload: json.RawMessage(`{"prompt":"waves"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, "t-1", res.TaskID)
	assert.Equal(t, 90, res.EstimatedSeconds)
}

func TestSubmitClassifiesHTTPErrors(t *testing.T) {
	cases := []struct {
		code int
		want error
	}{
		{http.StatusBadGateway, domain.ErrProviderUnavailable},
		{http.StatusTooManyRequests, domain.ErrProviderUnavailable},
		{http.StatusUnprocessableEntity, domain.ErrProviderRejected},
		{http.StatusUnauthorized, domain.ErrProviderRejected},
	}
	for _, tc := range cases {
		a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.code)
		})
		_, err := a.Submit(context.Background(), domain.SubmitRequest{JobID: 1})
		require.ErrorIs(t, err, tc.want, "status %d", tc.code)
	}
}

func TestGetStatusUsesProviderVocabulary(t *testing.T) {
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/tasks/t-9", r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]any{"id": "t-9", "status": "Rendering"})
	})

	report, err := a.GetStatus(context.Background(), "t-9")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusProcessing, report.Status)
}

func TestGetStatusMissingTask(t *testing.T) {
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	_, err := a.GetStatus(context.Background(), "gone")
	require.ErrorIs(t, err, domain.ErrTaskNotFound)
}

func TestNewRequiresBaseURL(t *testing.T) {
	_, err := New(config.ProviderConfig{Name: "videogen"}, nil)
	require.Error(t, err)
}
