package postgres

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

const (
	CodeUniqueViolation      = "23505"
	CodeCheckViolation       = "23514"
	CodeUndefinedTable       = "42P01"
	CodeDuplicateTable       = "42P07"
	CodeSerializationFailure = "40001"
	CodeDeadlockDetected     = "40P01"
	CodeLockNotAvailable     = "55P03"
)

// SQLState returns the Postgres error code of err, or "" if err did not come
// from the server.
func SQLState(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

// IsUndefinedTable reports a statement against a missing table.
func IsUndefinedTable(err error) bool {
	return SQLState(err) == CodeUndefinedTable
}

// IsMissingPartition reports an insert into a missing table or into a
// partitioned parent without a child covering the row.
func IsMissingPartition(err error) bool {
	switch SQLState(err) {
	case CodeUndefinedTable, CodeCheckViolation:
		return true
	}
	return false
}

// IsTransient reports errors that succeed when the transaction is retried.
func IsTransient(err error) bool {
	switch SQLState(err) {
	case CodeSerializationFailure, CodeDeadlockDetected, CodeLockNotAvailable:
		return true
	}
	return false
}
