package metrics

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	ledgerdomain "github.com/smallbiznis/genledger/internal/ledger/domain"
	providerdomain "github.com/smallbiznis/genledger/internal/provider/domain"
	"gorm.io/gorm"
)

func TestClassifySchedulerJobReason(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want string
	}{
		{
			name: "deadline",
			err:  context.DeadlineExceeded,
			want: SchedulerJobReasonDeadlineExceeded,
		},
		{
			name: "concurrency_exhausted",
			err:  fmt.Errorf("debit: %w", ledgerdomain.ErrConcurrencyExhausted),
			want: SchedulerJobReasonConcurrencyExhausted,
		},
		{
			name: "provider_unavailable",
			err:  providerdomain.ErrProviderUnavailable,
			want: SchedulerJobReasonProviderUnavailable,
		},
		{
			name: "db_lock_timeout",
			err:  &pgconn.PgError{Code: "55P03"},
			want: SchedulerJobReasonDBLockTimeout,
		},
		{
			name: "serialization_failure",
			err:  &pgconn.PgError{Code: "40001"},
			want: SchedulerJobReasonSerializationFailure,
		},
		{
			name: "unique_violation",
			err:  gorm.ErrDuplicatedKey,
			want: SchedulerJobReasonUniqueViolation,
		},
		{
			name: "unknown",
			err:  errors.New("boom"),
			want: SchedulerJobReasonUnknown,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ClassifySchedulerJobReason(tc.err); got != tc.want {
				t.Fatalf("expected reason %q, got %q", tc.want, got)
			}
		})
	}
}

func TestClassifySchedulerErrorType(t *testing.T) {
	if got := ClassifySchedulerErrorType(providerdomain.ErrProviderRejected); got != SchedulerErrorTypeProvider {
		t.Fatalf("expected provider, got %q", got)
	}
	if got := ClassifySchedulerErrorType(gorm.ErrRecordNotFound); got != SchedulerErrorTypeBusinessRule {
		t.Fatalf("expected business_rule for not found, got %q", got)
	}
	if !IsSchedulerErrorRetryable(ledgerdomain.ErrConcurrencyExhausted) {
		t.Fatalf("expected concurrency exhaustion to be retryable")
	}
}

func TestAddBatchProcessed(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := newSchedulerMetrics(registry, Config{
		ServiceName: "genledger",
		Environment: "test",
	})

	metrics.AddBatchProcessed("sweep_stuck_jobs", "generation_jobs", 3)

	got := testutil.ToFloat64(metrics.batchProcessed.WithLabelValues("sweep_stuck_jobs", "generation_jobs"))
	if got != 3 {
		t.Fatalf("expected processed count 3, got %v", got)
	}
}

func TestIncSweptJob(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := newSchedulerMetrics(registry, Config{ServiceName: "genledger", Environment: "test"})

	metrics.IncSweptJob("processing", SweepOutcomeTimedOut)
	metrics.IncSweptJob("processing", SweepOutcomeTimedOut)

	got := testutil.ToFloat64(metrics.sweptJobs.WithLabelValues("processing", SweepOutcomeTimedOut))
	if got != 2 {
		t.Fatalf("expected 2 timed out jobs, got %v", got)
	}
}
