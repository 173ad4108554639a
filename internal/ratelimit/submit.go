package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/genledger/internal/config"
	"go.uber.org/fx"
)

const keySubmitAccount = "genledger:submit:account:%s"

var ErrRateLimited = errors.New("rate_limited")

// SubmitLimiter throttles job submission per account.
type SubmitLimiter struct {
	bucket *TokenBucket
	limit  Limit
}

type SubmitLimiterParams struct {
	fx.In

	Config config.Config
	Redis  redis.UniversalClient `optional:"true"`
}

// NewSubmitLimiter returns nil when limiting is disabled or redis is not
// configured; a nil limiter allows everything.
func NewSubmitLimiter(p SubmitLimiterParams) (*SubmitLimiter, error) {
	limitCfg := p.Config.RateLimit
	if !limitCfg.Enabled || p.Redis == nil {
		return nil, nil
	}
	if limitCfg.SubmitPerMinute <= 0 || limitCfg.SubmitBurst <= 0 {
		return nil, errors.New("submit rate limit must be positive")
	}
	return &SubmitLimiter{
		bucket: NewTokenBucket(p.Redis),
		limit: Limit{
			PerSecond: float64(limitCfg.SubmitPerMinute) / 60,
			Burst:     limitCfg.SubmitBurst,
		},
	}, nil
}

func (l *SubmitLimiter) Enabled() bool {
	return l != nil && l.bucket != nil
}

func (l *SubmitLimiter) AllowSubmit(ctx context.Context, accountID string) (*RateLimitResult, error) {
	if !l.Enabled() {
		return &RateLimitResult{Allowed: true}, nil
	}
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return nil, errors.New("rate limiter account is empty")
	}
	return l.bucket.Take(ctx, fmt.Sprintf(keySubmitAccount, accountID), l.limit)
}

// LimitedError reports a denied request and when a token will be available.
type LimitedError struct {
	RetryAfter time.Duration
}

func (e *LimitedError) Error() string {
	return fmt.Sprintf("rate_limited: retry after %s", e.RetryAfter)
}

func (e *LimitedError) Is(target error) bool {
	return target == ErrRateLimited
}
