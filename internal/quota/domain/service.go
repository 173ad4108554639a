package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
)

type Service interface {
	Resolve(ctx context.Context, accountID snowflake.ID, planID, model, variant string) (Resolution, error)
	// Reserve consumes one included unit only while usage is below limit.
	Reserve(ctx context.Context, key Key, limit int64) (Usage, error)
	Increment(ctx context.Context, key Key) (Usage, error)
	// Release returns one unit. Usage never drops below zero.
	Release(ctx context.Context, key Key) (Usage, error)
	Usage(ctx context.Context, key Key) (Usage, error)
}
