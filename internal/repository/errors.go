// Package repository defines error types that are reused across multiple
// repositories. These sentinel values allow higher layers such as the
// booking lifecycle to distinguish between different failure scenarios.
// For example, ErrStaleState signals that a conditional update lost a
// race against another writer, while ErrNotFound means the row does not
// exist at all.
package repository

import (
	"errors"
	"strings"

	"github.com/go-sql-driver/mysql"
)

// ErrConflict is returned when a write cannot be performed because of
// conflicting state, such as a duplicate booking id.
var ErrConflict = errors.New("conflict")

// ErrNotFound is returned when a lookup yields no rows.
var ErrNotFound = errors.New("not found")

// ErrStaleState is returned by conditional updates whose WHERE clause on
// the current status no longer matches.  Callers should reload and
// decide again.
var ErrStaleState = errors.New("stale state")

// ErrVehicleNotFound is returned when a vehicle id is unknown.
var ErrVehicleNotFound = errors.New("vehicle not found")

// ErrLayoutNotFound is returned when a vehicle has no active layout.
var ErrLayoutNotFound = errors.New("layout not found")

const (
	mysqlDuplicateEntry   = 1062
	mysqlLockWaitTimeout  = 1205
	mysqlDeadlockDetected = 1213
)

// IsDuplicate reports whether err is a MySQL unique-key violation.
func IsDuplicate(err error) bool {
	return mysqlErrorNumber(err) == mysqlDuplicateEntry
}

// IsRetryable reports whether the failed unit of work can be retried from
// the start: a unique-key collision with a concurrent writer, a deadlock
// victim or a lock wait timeout.
func IsRetryable(err error) bool {
	switch mysqlErrorNumber(err) {
	case mysqlDuplicateEntry, mysqlLockWaitTimeout, mysqlDeadlockDetected:
		return true
	}
	return false
}

func mysqlErrorNumber(err error) uint16 {
	if err == nil {
		return 0
	}
	var me *mysql.MySQLError
	if errors.As(err, &me) {
		return me.Number
	}
	// Wrapped or proxied drivers only keep the message.
	msg := err.Error()
	switch {
	case strings.Contains(msg, "1062"):
		return mysqlDuplicateEntry
	case strings.Contains(msg, "1213"):
		return mysqlDeadlockDetected
	case strings.Contains(msg, "1205"):
		return mysqlLockWaitTimeout
	}
	return 0
}
