package db

import (
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
)

// SQLSTATE codes the ledger and scheduler react to.
const (
	codeUniqueViolation      = "23505"
	codeSerializationFailure = "40001"
	codeLockNotAvailable     = "55P03"
)

// IsDuplicateKeyErr reports a unique constraint violation on any supported
// dialect. Idempotent ledger inserts use it to detect replays.
func IsDuplicateKeyErr(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) || hasPGCode(err, codeUniqueViolation) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "duplicate key value violates unique constraint") ||
		strings.Contains(msg, "Error 1062") ||
		strings.Contains(msg, "UNIQUE constraint failed")
}

// IsSerializationFailure reports a transaction aborted by a concurrent writer.
func IsSerializationFailure(err error) bool {
	return hasPGCode(err, codeSerializationFailure)
}

// IsLockNotAvailable reports a row lock that could not be taken in time.
func IsLockNotAvailable(err error) bool {
	if hasPGCode(err, codeLockNotAvailable) {
		return true
	}
	return err != nil && strings.Contains(err.Error(), "database is locked")
}

// IsDBError reports whether err came from the database layer rather than
// from domain logic. A missing row is not a database error.
func IsDBError(err error) bool {
	if err == nil || errors.Is(err, gorm.ErrRecordNotFound) {
		return false
	}
	for _, target := range []error{
		gorm.ErrInvalidDB,
		gorm.ErrInvalidTransaction,
		gorm.ErrInvalidField,
		gorm.ErrInvalidData,
		gorm.ErrMissingWhereClause,
		gorm.ErrUnsupportedDriver,
		gorm.ErrInvalidValue,
		gorm.ErrNotImplemented,
		gorm.ErrDuplicatedKey,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr)
}

func hasPGCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == code
}
