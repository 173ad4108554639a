package domain

import (
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusSuccess    Status = "success"
	StatusFailed     Status = "failed"
)

// NonTerminalStatuses lists the states the sweeper scans, oldest first.
var NonTerminalStatuses = []Status{StatusPending, StatusQueued, StatusProcessing}

func (s Status) IsTerminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusQueued, StatusProcessing, StatusSuccess, StatusFailed:
		return true
	default:
		return false
	}
}

func ParseStatus(raw string) (Status, bool) {
	status := Status(strings.ToLower(strings.TrimSpace(raw)))
	return status, status.Valid()
}

// allowedSources maps a target status to the statuses it may be entered from.
// Terminal statuses never appear as a source, so a finished job cannot move.
var allowedSources = map[Status][]Status{
	StatusQueued:     {StatusPending},
	StatusProcessing: {StatusPending, StatusQueued},
	StatusSuccess:    {StatusPending, StatusQueued, StatusProcessing},
	StatusFailed:     {StatusPending, StatusQueued, StatusProcessing},
}

// AllowedSources returns the statuses a job may be in for a move to target.
func AllowedSources(target Status) []Status {
	return allowedSources[target]
}

func CanTransition(from, to Status) bool {
	for _, src := range allowedSources[to] {
		if src == from {
			return true
		}
	}
	return false
}

// Job captures one paid generation request and its provider lifecycle.
type Job struct {
	ID              snowflake.ID   `gorm:"primaryKey;autoIncrement:false" json:"id"`
	AccountID       snowflake.ID   `gorm:"not null;index" json:"account_id"`
	Model           string         `gorm:"type:varchar(64);not null" json:"model"`
	Variant         string         `gorm:"type:varchar(64);not null" json:"variant"`
	Provider        string         `gorm:"type:varchar(64);not null;uniqueIndex:ux_generation_jobs_provider_task,priority:1" json:"provider"`
	Status          Status         `gorm:"type:varchar(16);not null;index:ix_generation_jobs_status_updated,priority:1" json:"status"`
	ProviderTaskID  *string        `gorm:"type:varchar(255);uniqueIndex:ux_generation_jobs_provider_task,priority:2" json:"provider_task_id,omitempty"`
	ChargedCredits  int64          `gorm:"not null;default:0" json:"charged_credits"`
	IncludedByQuota bool           `gorm:"not null;default:false" json:"included_by_quota"`
	QuotaMonth      string         `gorm:"type:varchar(7)" json:"quota_month,omitempty"`
	Payload         datatypes.JSON `json:"payload,omitempty"`
	ResultRef       *string        `gorm:"type:text" json:"result_ref,omitempty"`
	Error           *string        `gorm:"type:text" json:"error,omitempty"`
	QuotaReleasedAt *time.Time     `json:"quota_released_at,omitempty"`
	CreatedAt       time.Time      `gorm:"not null" json:"created_at"`
	UpdatedAt       time.Time      `gorm:"not null;index:ix_generation_jobs_status_updated,priority:2" json:"updated_at"`
}

// TableName sets the database table name.
func (Job) TableName() string { return "generation_jobs" }

// NeedsQuotaRelease reports whether a failed included job still holds its quota unit.
func (j Job) NeedsQuotaRelease() bool {
	return j.Status == StatusFailed && j.IncludedByQuota && j.QuotaReleasedAt == nil && j.QuotaMonth != ""
}

// TransitionRequest moves a job to To if it is still in an allowed source
// status. Optional fields are written in the same update.
type TransitionRequest struct {
	JobID          snowflake.ID
	To             Status
	ProviderTaskID *string
	ResultRef      *string
	Error          *string
	At             time.Time
}
