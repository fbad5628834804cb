package db

import (
	"strings"
	"time"

	"github.com/teranos/bookenrich/errors"
)

// ErrDatabaseClosed is returned when operations are attempted on a closed database.
// This typically occurs during graceful shutdown when the database connection
// is closed before the job sweeper or an in-flight job has finished.
var ErrDatabaseClosed = errors.New("database is closed")

// IsDatabaseClosed checks if an error indicates the database connection is closed.
// The string matching fallback covers raw driver errors we cannot wrap at the source.
func IsDatabaseClosed(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrDatabaseClosed) {
		return true
	}
	return strings.Contains(err.Error(), "database is closed")
}

// UnixMilli converts a stored INTEGER timestamp column into a time value
func UnixMilli(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
