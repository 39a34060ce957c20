package store

import (
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// Dialect captures the few places where Postgres and SQLite disagree.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

// sqliteTimeLayout sorts lexicographically and shares its prefix with
// CURRENT_TIMESTAMP values written by older databases.
const sqliteTimeLayout = "2006-01-02 15:04:05.000000"

func ParseDialect(name string) (Dialect, error) {
	switch Dialect(name) {
	case DialectPostgres, "pgx", "postgresql":
		return DialectPostgres, nil
	case DialectSQLite, "sqlite3":
		return DialectSQLite, nil
	default:
		return "", fmt.Errorf("unknown database driver %q", name)
	}
}

func (d Dialect) driverName() string {
	if d == DialectPostgres {
		return "pgx"
	}
	return "sqlite"
}

var dollarParam = regexp.MustCompile(`\$(\d+)`)

// rebind rewrites $N placeholders into ?N for SQLite.
func (d Dialect) rebind(query string) string {
	if d != DialectSQLite {
		return query
	}
	return dollarParam.ReplaceAllString(query, "?$1")
}

// time encodes a timestamp for a query argument.
func (d Dialect) time(t time.Time) any {
	t = t.UTC()
	if d == DialectSQLite {
		return t.Format(sqliteTimeLayout)
	}
	return t
}

// lockSession returns the row-lock suffix for the session lookup inside
// a version transaction. SQLite serializes writers on its single connection.
func (d Dialect) lockSession() string {
	if d == DialectPostgres {
		return " FOR UPDATE"
	}
	return ""
}

func (d Dialect) likeOperator() string {
	if d == DialectPostgres {
		return "ILIKE"
	}
	return "LIKE"
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		switch liteErr.Code() {
		case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			return true
		}
	}
	return false
}

// dbTime scans timestamps written by either dialect, including the
// second-resolution text values of older SQLite files.
type dbTime struct {
	Time time.Time
}

var textTimeLayouts = []string{
	sqliteTimeLayout,
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
}

func (t *dbTime) Scan(value any) error {
	switch v := value.(type) {
	case time.Time:
		t.Time = v.UTC()
		return nil
	case string:
		return t.parse(v)
	case []byte:
		return t.parse(string(v))
	case int64:
		t.Time = time.UnixMicro(v).UTC()
		return nil
	case nil:
		t.Time = time.Time{}
		return nil
	default:
		return fmt.Errorf("unsupported timestamp type %T", value)
	}
}

func (t *dbTime) parse(value string) error {
	for _, layout := range textTimeLayouts {
		parsed, err := time.ParseInLocation(layout, value, time.UTC)
		if err == nil {
			t.Time = parsed.UTC()
			return nil
		}
	}
	return fmt.Errorf("parse timestamp %q", value)
}
