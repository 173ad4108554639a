package guard

import (
	"testing"
	"time"

	"github.com/smallbiznis/genledger/internal/config"
	jobdomain "github.com/smallbiznis/genledger/internal/job/domain"
	"github.com/stretchr/testify/assert"
)

func TestPolicyForUsesStatusTimeoutsByDefault(t *testing.T) {
	catalog := config.DefaultGenerationConfig()

	policy := PolicyFor(catalog, "imagegen", jobdomain.StatusQueued)
	assert.Equal(t, Policy{Recheck: time.Hour, HardCeiling: time.Hour}, policy)

	policy = PolicyFor(catalog, "imagegen", jobdomain.StatusPending)
	assert.Equal(t, 30*time.Minute, policy.HardCeiling)
}

func TestPolicyForExtendedProvider(t *testing.T) {
	policy := PolicyFor(config.DefaultGenerationConfig(), "videogen", jobdomain.StatusProcessing)
	assert.True(t, policy.Extended)
	assert.Equal(t, 15*time.Minute, policy.Recheck)
	assert.Equal(t, 90*time.Minute, policy.HardCeiling)
}

func TestPolicyForPendingIgnoresExtendedProvider(t *testing.T) {
	policy := PolicyFor(config.DefaultGenerationConfig(), "videogen", jobdomain.StatusPending)
	assert.False(t, policy.Extended)
	assert.Equal(t, Policy{Recheck: 30 * time.Minute, HardCeiling: 30 * time.Minute}, policy)

	policy = PolicyFor(config.DefaultGenerationConfig(), "videogen", jobdomain.StatusQueued)
	assert.True(t, policy.Extended)
}

func TestDecide(t *testing.T) {
	policy := Policy{Recheck: 15 * time.Minute, HardCeiling: 90 * time.Minute}

	cases := []struct {
		name   string
		status jobdomain.Status
		age    time.Duration
		want   Decision
	}{
		{"fresh", jobdomain.StatusProcessing, time.Minute, DecisionSkip},
		{"recheck window", jobdomain.StatusProcessing, 20 * time.Minute, DecisionRecheck},
		{"hard ceiling", jobdomain.StatusProcessing, 90 * time.Minute, DecisionFail},
		{"terminal", jobdomain.StatusSuccess, 5 * time.Hour, DecisionSkip},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Decide(policy, tc.status, tc.age))
		})
	}
}

func TestTimeoutReason(t *testing.T) {
	reason := TimeoutReason(jobdomain.StatusProcessing, Policy{HardCeiling: 90 * time.Minute})
	assert.Equal(t, "TimeoutExceeded: stuck in processing for over 90 minutes", reason)
}
