package scheduler

import (
	"time"

	"github.com/smallbiznis/genledger/internal/config"
)

const (
	JobSweepStaleJobs      = "sweep_stale_jobs"
	JobRefundRepair        = "refund_repair"
	JobOrphanedDebitRepair = "orphaned_debit_repair"
	JobQuotaReleaseRepair  = "quota_release_repair"
	JobExpireSubscriptions = "expire_subscription_credits"
)

// OrphanedDebitGrace is how long a deduction may exist without its job row
// before it is treated as the remains of an interrupted submit.
const OrphanedDebitGrace = 10 * time.Minute

// Config controls scheduler intervals and batch sizes.
type Config struct {
	Enabled     bool
	RunInterval time.Duration
	// BatchSize caps the rows claimed per status and per pass in one run.
	BatchSize   int
	JobTimeout  time.Duration
	LockTTL     time.Duration
	EnabledJobs []string
}

func DefaultConfig() Config {
	return Config{
		Enabled:     true,
		RunInterval: time.Minute,
		BatchSize:   100,
		JobTimeout:  2 * time.Minute,
		LockTTL:     time.Minute,
	}
}

func ProvideConfig(cfg config.Config) Config {
	return Config{
		Enabled:     cfg.Scheduler.Enabled,
		RunInterval: cfg.Scheduler.Interval,
		BatchSize:   cfg.Scheduler.BatchSize,
		EnabledJobs: cfg.Scheduler.EnabledJobs,
	}.withDefaults()
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.RunInterval <= 0 {
		c.RunInterval = defaults.RunInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaults.BatchSize
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = defaults.JobTimeout
	}
	if c.LockTTL <= 0 {
		c.LockTTL = defaults.LockTTL
	}
	return c
}
