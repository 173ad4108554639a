package domain

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/bwmarrin/snowflake"
)

// Status is the closed vocabulary every provider status is mapped into.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusSuccess    Status = "success"
	StatusFailed     Status = "failed"
)

type SubmitRequest struct {
	JobID   snowflake.ID
	Model   string
	Variant string
	Payload json.RawMessage
}

type SubmitResult struct {
	TaskID           string
	EstimatedSeconds int
}

type StatusReport struct {
	TaskID      string
	Status      Status
	ResultRef   string
	ErrorDetail string
}

// Adapter is the boundary to one external generation provider.
type Adapter interface {
	Name() string
	// Submit returns ErrProviderUnavailable for transient failures and
	// ErrProviderRejected when the request will never be accepted.
	Submit(ctx context.Context, req SubmitRequest) (SubmitResult, error)
	GetStatus(ctx context.Context, taskID string) (StatusReport, error)
}

var defaultVocabulary = map[string]Status{
	"queued":      StatusQueued,
	"pending":     StatusQueued,
	"waiting":     StatusQueued,
	"submitted":   StatusQueued,
	"processing":  StatusProcessing,
	"running":     StatusProcessing,
	"generating":  StatusProcessing,
	"in_progress": StatusProcessing,
	"success":     StatusSuccess,
	"succeeded":   StatusSuccess,
	"completed":   StatusSuccess,
	"done":        StatusSuccess,
	"failed":      StatusFailed,
	"error":       StatusFailed,
	"cancelled":   StatusFailed,
	"canceled":    StatusFailed,
	"timeout":     StatusFailed,
}

// NormalizeStatus maps a provider-specific status string into Status. The
// provider's own vocabulary wins over the built-in one.
func NormalizeStatus(raw string, vocabulary map[string]string) (Status, error) {
	key := strings.ToLower(strings.TrimSpace(raw))
	if key == "" {
		return "", ErrUnknownStatus
	}
	for from, to := range vocabulary {
		if strings.ToLower(strings.TrimSpace(from)) != key {
			continue
		}
		if status, ok := defaultVocabulary[strings.ToLower(strings.TrimSpace(to))]; ok {
			return status, nil
		}
		return "", ErrUnknownStatus
	}
	if status, ok := defaultVocabulary[key]; ok {
		return status, nil
	}
	return "", ErrUnknownStatus
}
