package db

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"gorm.io/gorm"
)

func TestIsDuplicateKeyErr(t *testing.T) {
	assert.False(t, IsDuplicateKeyErr(nil))
	assert.False(t, IsDuplicateKeyErr(errors.New("boom")))
	assert.True(t, IsDuplicateKeyErr(fmt.Errorf("insert: %w", gorm.ErrDuplicatedKey)))
	assert.True(t, IsDuplicateKeyErr(&pgconn.PgError{Code: "23505"}))
	assert.True(t, IsDuplicateKeyErr(errors.New("Error 1062: Duplicate entry")))
	assert.True(t, IsDuplicateKeyErr(errors.New("UNIQUE constraint failed: credit_transactions.kind")))
}

func TestContentionErrors(t *testing.T) {
	wrapped := fmt.Errorf("debit: %w", &pgconn.PgError{Code: "40001"})
	assert.True(t, IsSerializationFailure(wrapped))
	assert.False(t, IsLockNotAvailable(wrapped))

	assert.True(t, IsLockNotAvailable(&pgconn.PgError{Code: "55P03"}))
	assert.True(t, IsLockNotAvailable(errors.New("database is locked (5) (SQLITE_BUSY)")))
	assert.False(t, IsLockNotAvailable(nil))
}

func TestIsDBError(t *testing.T) {
	assert.False(t, IsDBError(nil))
	assert.False(t, IsDBError(gorm.ErrRecordNotFound))
	assert.False(t, IsDBError(errors.New("insufficient_credits")))
	assert.True(t, IsDBError(fmt.Errorf("tx: %w", gorm.ErrInvalidTransaction)))
	assert.True(t, IsDBError(&pgconn.PgError{Code: "08006"}))
}
