package sessions

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/lib/pq"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// Dialect captures the differences between the supported SQL engines.
type Dialect struct {
	// Name is the config name ("postgres", "cockroach", "sqlite").
	Name string
	// Driver is the database/sql driver name.
	Driver string

	numbered   bool
	isConflict func(error) bool
}

var (
	// Postgres targets PostgreSQL through lib/pq.
	Postgres = Dialect{Name: "postgres", Driver: "postgres", numbered: true, isConflict: isPostgresConflict}

	// Cockroach targets CockroachDB through lib/pq. Serializable retries
	// (40001) are treated as sequence conflicts.
	Cockroach = Dialect{Name: "cockroach", Driver: "postgres", numbered: true, isConflict: isPostgresConflict}

	// SQLite targets the pure-Go modernc.org/sqlite driver.
	SQLite = Dialect{Name: "sqlite", Driver: "sqlite", isConflict: isSQLiteConflict}
)

// DialectByName resolves a configured dialect name.
func DialectByName(name string) (Dialect, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "postgres", "postgresql":
		return Postgres, nil
	case "cockroach", "cockroachdb":
		return Cockroach, nil
	case "sqlite", "sqlite3":
		return SQLite, nil
	default:
		return Dialect{}, fmt.Errorf("unsupported database dialect %q", name)
	}
}

// MigrationsDir is the embedded directory holding this dialect's migrations.
func (d Dialect) MigrationsDir() string {
	if d.Driver == "postgres" {
		return "migrations/postgres"
	}
	return "migrations/sqlite"
}

// rebind rewrites '?' placeholders into $N for numbered dialects.
func (d Dialect) rebind(query string) string {
	if !d.numbered {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func isPostgresConflict(err error) bool {
	if err == nil {
		return false
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505" || pqErr.Code == "40001"
	}
	return strings.Contains(strings.ToLower(err.Error()), "duplicate key")
}

func isSQLiteConflict(err error) bool {
	if err == nil {
		return false
	}
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		code := sqliteErr.Code()
		switch code & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			// Includes extended codes such as SQLITE_BUSY_SNAPSHOT.
			return true
		}
		return code == sqlite3.SQLITE_CONSTRAINT_UNIQUE ||
			code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "SQLITE_BUSY")
}
