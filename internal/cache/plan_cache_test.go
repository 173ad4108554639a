package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestNewPlanCacheWithoutRedisIsNilInterface(t *testing.T) {
	c := NewPlanCache(PlanCacheParams{Log: zap.NewNop()})
	assert.True(t, c == nil)
}

func TestPlanKey(t *testing.T) {
	assert.Equal(t, "genledger:plan:42", planKey(42))
}
