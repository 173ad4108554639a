// Package guard decides when a non-terminal generation job has been stuck
// long enough to be rechecked or failed.
package guard

import (
	"fmt"
	"time"

	"github.com/smallbiznis/genledger/internal/config"
	jobdomain "github.com/smallbiznis/genledger/internal/job/domain"
)

// Policy is the two-phase timeout for one (provider, status) pair. A job older
// than Recheck gets its provider status polled; a job still stuck past
// HardCeiling is failed.
type Policy struct {
	Recheck     time.Duration
	HardCeiling time.Duration
	Extended    bool
}

// PolicyFor returns the provider's extended policy when the catalog defines
// one and the job is already with the provider, and otherwise the status
// timeout for both phases.
func PolicyFor(catalog config.GenerationConfig, provider string, status jobdomain.Status) Policy {
	if !HasProviderTask(status) {
		timeout := StatusTimeout(catalog.Timeouts, status)
		return Policy{Recheck: timeout, HardCeiling: timeout}
	}
	if p, ok := catalog.ProviderPolicy(provider); ok {
		return Policy{Recheck: p.Recheck, HardCeiling: p.HardCeiling, Extended: true}
	}
	timeout := StatusTimeout(catalog.Timeouts, status)
	return Policy{Recheck: timeout, HardCeiling: timeout}
}

// HasProviderTask reports whether a job in status has been handed to its
// provider. Pending jobs have not, so provider latency does not apply to them.
func HasProviderTask(status jobdomain.Status) bool {
	return status == jobdomain.StatusQueued || status == jobdomain.StatusProcessing
}

func StatusTimeout(timeouts config.TimeoutConfig, status jobdomain.Status) time.Duration {
	switch status {
	case jobdomain.StatusPending:
		return timeouts.Pending
	case jobdomain.StatusQueued:
		return timeouts.Queued
	case jobdomain.StatusProcessing:
		return timeouts.Processing
	default:
		return 0
	}
}

type Decision int

const (
	// DecisionSkip means the job is younger than its recheck window.
	DecisionSkip Decision = iota
	DecisionRecheck
	DecisionFail
)

// Decide applies policy to a job of the given age. Terminal jobs are always skipped.
func Decide(policy Policy, status jobdomain.Status, age time.Duration) Decision {
	if status.IsTerminal() || policy.Recheck <= 0 {
		return DecisionSkip
	}
	if age >= policy.HardCeiling {
		return DecisionFail
	}
	if age >= policy.Recheck {
		return DecisionRecheck
	}
	return DecisionSkip
}

// TimeoutReason is the error stored on a job failed by the sweeper.
func TimeoutReason(status jobdomain.Status, policy Policy) string {
	return fmt.Sprintf("%s: stuck in %s for over %d minutes",
		jobdomain.ErrTimeoutExceeded.Error(), status, int64(policy.HardCeiling/time.Minute))
}
