// Package httptask talks to providers exposing a generic JSON task API:
// POST {base}/tasks to create and GET {base}/tasks/{id} to poll.
package httptask

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/smallbiznis/genledger/internal/config"
	"github.com/smallbiznis/genledger/internal/provider/domain"
	"github.com/smallbiznis/genledger/pkg/telemetry/correlation"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

const defaultTimeout = 25 * time.Second

type createTaskRequest struct {
	JobID   string          `json:"job_id"`
	Model   string          `json:"model"`
	Variant string          `json:"variant"`
	Input   json.RawMessage `json:"input,omitempty"`
}

type taskResponse struct {
	ID               string `json:"id"`
	TaskID           string `json:"task_id"`
	Status           string `json:"status"`
	EstimatedSeconds int    `json:"estimated_seconds"`
	ResultURL        string `json:"result_url"`
	Error            string `json:"error"`
}

func (r taskResponse) taskID() string {
	if r.ID != "" {
		return r.ID
	}
	return r.TaskID
}

type Adapter struct {
	name      string
	baseURL   string
	apiKey    string
	statusMap map[string]string
	client    *http.Client
}

func New(cfg config.ProviderConfig, client *http.Client) (*Adapter, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, fmt.Errorf("provider %s: base url is required", cfg.Name)
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("provider %s: %w", cfg.Name, err)
	}
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		client = &http.Client{Timeout: timeout}
	}
	return &Adapter{
		name:      cfg.Name,
		baseURL:   base,
		apiKey:    strings.TrimSpace(cfg.APIKey),
		statusMap: cfg.StatusMap,
		client:    client,
	}, nil
}

func (a *Adapter) Name() string { return a.name }

func (a *Adapter) Submit(ctx context.Context, req domain.SubmitRequest) (domain.SubmitResult, error) {
	body, err := json.Marshal(createTaskRequest{
		JobID:   req.JobID.String(),
		Model:   req.Model,
		Variant: req.Variant,
		Input:   req.Payload,
	})
	if err != nil {
		return domain.SubmitResult{}, fmt.Errorf("%w: %v", domain.ErrProviderRejected, err)
	}

	var resp taskResponse
	if err := a.do(ctx, http.MethodPost, "/tasks", body, req.JobID.String(), &resp); err != nil {
		return domain.SubmitResult{}, err
	}
	if resp.taskID() == "" {
		return domain.SubmitResult{}, fmt.Errorf("%w: response carried no task id", domain.ErrProviderUnavailable)
	}
	return domain.SubmitResult{TaskID: resp.taskID(), EstimatedSeconds: resp.EstimatedSeconds}, nil
}

func (a *Adapter) GetStatus(ctx context.Context, taskID string) (domain.StatusReport, error) {
	var resp taskResponse
	if err := a.do(ctx, http.MethodGet, "/tasks/"+url.PathEscape(taskID), nil, "", &resp); err != nil {
		return domain.StatusReport{}, err
	}
	status, err := domain.NormalizeStatus(resp.Status, a.statusMap)
	if err != nil {
		return domain.StatusReport{}, fmt.Errorf("%w: %q", err, resp.Status)
	}
	return domain.StatusReport{
		TaskID:      taskID,
		Status:      status,
		ResultRef:   resp.ResultURL,
		ErrorDetail: resp.Error,
	}, nil
}

func (a *Adapter) do(ctx context.Context, method, path string, body []byte, idempotencyKey string, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrProviderRejected, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if a.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+a.apiKey)
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))
	correlation.Inject(ctx, req.Header)

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound && method == http.MethodGet:
		return domain.ErrTaskNotFound
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError:
		return fmt.Errorf("%w: http %d", domain.ErrProviderUnavailable, resp.StatusCode)
	case resp.StatusCode >= http.StatusBadRequest:
		return fmt.Errorf("%w: http %d: %s", domain.ErrProviderRejected, resp.StatusCode, readSnippet(resp.Body))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("%w: empty response", domain.ErrProviderUnavailable)
		}
		return fmt.Errorf("%w: %v", domain.ErrProviderUnavailable, err)
	}
	return nil
}

func readSnippet(r io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(r, 256))
	return strings.TrimSpace(string(b))
}
