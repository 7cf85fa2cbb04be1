package connector

import (
	"errors"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/lib/pq"
)

// errorCoder is implemented by database errors that expose a string error
// code (pq.Error, pgx, modernc.org/sqlite wrappers).
type errorCoder interface {
	Code() string
}

// sqlStateError is implemented by errors that expose a SQLSTATE code.
type sqlStateError interface {
	SQLState() string
}

// PostgreSQL SQLSTATE codes for constraint violations (Class 23).
const (
	pgNotNullViolation    = "23502"
	pgForeignKeyViolation = "23503"
	pgUniqueViolation     = "23505"
)

// MySQL error numbers for constraint violations.
const (
	mysqlNotNullViolation = 1048
	mysqlDuplicateEntry   = 1062
	mysqlForeignKeyParent = 1451 // cannot delete or update a parent row
	mysqlForeignKeyChild  = 1452 // cannot add or update a child row
)

// IsConstraintError reports whether the error resulted from any database
// constraint violation.
func IsConstraintError(err error) bool {
	return IsUniqueConstraintError(err) ||
		IsForeignKeyConstraintError(err) ||
		IsNotNullConstraintError(err)
}

// IsUniqueConstraintError reports whether the error resulted from a
// uniqueness constraint violation, e.g. a duplicate value in a unique index.
func IsUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	if e, ok := asError[*pq.Error](err); ok {
		return string(e.Code) == pgUniqueViolation
	}
	if e, ok := asError[*mysql.MySQLError](err); ok {
		return e.Number == mysqlDuplicateEntry
	}
	if matchCode(err, pgUniqueViolation) {
		return true
	}
	return containsAny(err.Error(),
		"Error 1062",                 // MySQL (string fallback)
		"violates unique constraint", // Postgres (string fallback)
		"UNIQUE constraint failed",   // SQLite
	)
}

// IsForeignKeyConstraintError reports whether the error resulted from a
// foreign-key constraint violation, e.g. a referenced row does not exist.
func IsForeignKeyConstraintError(err error) bool {
	if err == nil {
		return false
	}
	if e, ok := asError[*pq.Error](err); ok {
		return string(e.Code) == pgForeignKeyViolation
	}
	if e, ok := asError[*mysql.MySQLError](err); ok {
		return e.Number == mysqlForeignKeyParent || e.Number == mysqlForeignKeyChild
	}
	if matchCode(err, pgForeignKeyViolation) {
		return true
	}
	return containsAny(err.Error(),
		"Error 1451",                      // MySQL (parent row)
		"Error 1452",                      // MySQL (child row)
		"violates foreign key constraint", // Postgres
		"FOREIGN KEY constraint failed",   // SQLite
	)
}

// IsNotNullConstraintError reports whether the error resulted from a
// required (NOT NULL) column receiving no value.
func IsNotNullConstraintError(err error) bool {
	if err == nil {
		return false
	}
	if e, ok := asError[*pq.Error](err); ok {
		return string(e.Code) == pgNotNullViolation
	}
	if e, ok := asError[*mysql.MySQLError](err); ok {
		return e.Number == mysqlNotNullViolation
	}
	if matchCode(err, pgNotNullViolation) {
		return true
	}
	return containsAny(err.Error(),
		"Error 1048",                    // MySQL
		"violates not-null constraint",  // Postgres
		"NOT NULL constraint failed",    // SQLite
		"cannot be null",                // MySQL (string fallback)
	)
}

// matchCode checks the SQLSTATE/code interfaces implemented by drivers not
// imported here (pgx, modernc.org/sqlite wrappers).
func matchCode(err error, code string) bool {
	if e, ok := asError[sqlStateError](err); ok && e.SQLState() == code {
		return true
	}
	if e, ok := asError[errorCoder](err); ok && e.Code() == code {
		return true
	}
	return false
}

// asError extracts an error implementing T from the error chain.
func asError[T any](err error) (T, bool) {
	var target T
	for err != nil {
		if e, ok := err.(T); ok {
			return e, true
		}
		err = errors.Unwrap(err)
	}
	return target, false
}

// containsAny returns true if s contains any of the substrings.
func containsAny(s string, substrings ...string) bool {
	for _, sub := range substrings {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
