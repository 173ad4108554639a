package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
)

type Service interface {
	Debit(ctx context.Context, accountID snowflake.ID, amount int64, jobID snowflake.ID) (Result, error)
	Refund(ctx context.Context, accountID snowflake.ID, amount int64, jobID snowflake.ID, reason string) (Result, error)
	Grant(ctx context.Context, req GrantRequest) (Result, error)
	ExpireSubscriptionCredits(ctx context.Context, accountID snowflake.ID, periodEnd time.Time) (Result, error)
	Balance(ctx context.Context, accountID snowflake.ID) (Balance, error)
	ListTransactions(ctx context.Context, req ListTransactionsRequest) (ListTransactionsResponse, error)
}
