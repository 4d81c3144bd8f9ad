// Package datastore provides helper functions for logging and metrics
package datastore

import (
	"errors"
	"regexp"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/mattn/go-sqlite3"
)

// sqlUnknown is used when SQL operation or table cannot be determined.
const sqlUnknown = "unknown"

// SQL operation regex patterns
var (
	selectPattern = regexp.MustCompile(`(?i)^\s*SELECT\s+.*?\s+FROM\s+['"\x60]?(\w+)['"\x60]?`)
	insertPattern = regexp.MustCompile(`(?i)^\s*INSERT\s+INTO\s+['"\x60]?(\w+)['"\x60]?`)
	updatePattern = regexp.MustCompile(`(?i)^\s*UPDATE\s+['"\x60]?(\w+)['"\x60]?`)
	deletePattern = regexp.MustCompile(`(?i)^\s*DELETE\s+FROM\s+['"\x60]?(\w+)['"\x60]?`)
	createPattern = regexp.MustCompile(`(?i)^\s*CREATE\s+TABLE\s+(?:IF\s+NOT\s+EXISTS\s+)?['"\x60]?(\w+)['"\x60]?`)
	dropPattern   = regexp.MustCompile(`(?i)^\s*DROP\s+TABLE\s+(?:IF\s+EXISTS\s+)?['"\x60]?(\w+)['"\x60]?`)
	alterPattern  = regexp.MustCompile(`(?i)^\s*ALTER\s+TABLE\s+['"\x60]?(\w+)['"\x60]?`)
)

// parseSQLOperation extracts the operation type and table name from a
// SQL query for metric labels.
func parseSQLOperation(sql string) (operation, table string) {
	sql = strings.TrimSpace(sql)

	if matches := selectPattern.FindStringSubmatch(sql); len(matches) > 1 {
		return "select", matches[1]
	}
	if matches := insertPattern.FindStringSubmatch(sql); len(matches) > 1 {
		return "insert", matches[1]
	}
	if matches := updatePattern.FindStringSubmatch(sql); len(matches) > 1 {
		return "update", matches[1]
	}
	if matches := deletePattern.FindStringSubmatch(sql); len(matches) > 1 {
		return "delete", matches[1]
	}
	if matches := createPattern.FindStringSubmatch(sql); len(matches) > 1 {
		return "create", matches[1]
	}
	if matches := dropPattern.FindStringSubmatch(sql); len(matches) > 1 {
		return "drop", matches[1]
	}
	if matches := alterPattern.FindStringSubmatch(sql); len(matches) > 1 {
		return "alter", matches[1]
	}

	return sqlUnknown, sqlUnknown
}

// categorizeError buckets database errors for metrics.
func categorizeError(err error) string {
	if err == nil {
		return "none"
	}

	errStr := strings.ToLower(err.Error())

	switch {
	case strings.Contains(errStr, "unique constraint") || strings.Contains(errStr, "duplicate key") ||
		strings.Contains(errStr, "duplicate entry"):
		return "constraint_violation"
	case strings.Contains(errStr, "deadlock"):
		return "deadlock"
	case strings.Contains(errStr, "foreign key"):
		return "foreign_key_violation"
	case strings.Contains(errStr, "not null"):
		return "null_violation"
	case strings.Contains(errStr, "database is locked"):
		return "database_locked"
	case strings.Contains(errStr, "connection"):
		return "connection_error"
	case strings.Contains(errStr, "timeout"):
		return "timeout"
	case strings.Contains(errStr, "syntax"):
		return "syntax_error"
	case strings.Contains(errStr, "permission") || strings.Contains(errStr, "denied"):
		return "permission_denied"
	case strings.Contains(errStr, "disk full") || strings.Contains(errStr, "no space"):
		return "disk_full"
	default:
		return "other"
	}
}

// isUniqueConstraintViolation reports whether an error comes from a
// unique index, covering both SQLite and MySQL backends. Typed driver
// errors are checked first, string matching is the fallback for errors
// gorm has already wrapped into plain text.
func isUniqueConstraintViolation(err error) bool {
	if err == nil {
		return false
	}

	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) {
		// 1062 is ER_DUP_ENTRY
		return mysqlErr.Number == 1062
	}

	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}

	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "unique constraint") ||
		strings.Contains(errStr, "duplicate key") ||
		strings.Contains(errStr, "duplicate entry")
}

// isDatabaseLocked reports whether an error indicates SQLite lock
// contention, used to decide on retries.
func isDatabaseLocked(err error) bool {
	if err == nil {
		return false
	}
	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "database is locked") ||
		strings.Contains(errStr, "database table is locked")
}
