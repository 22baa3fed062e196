// Package storage provides the shared SQLite plumbing for Homie's stores:
// opening a database file with WAL and busy-timeout settings, and running
// ordered, guarded migrations. Each domain store owns its own database file
// and obtains its own handle; writes are serialized by SQLite itself.
package storage

import (
	"database/sql"
	"fmt"
	"log/slog"

	_ "github.com/mattn/go-sqlite3" // SQLite driver with FTS5 support.
)

// Open opens (or creates) a SQLite database with WAL journaling and a busy
// timeout, suitable for concurrent readers with short write transactions.
func Open(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// A single writer connection avoids SQLITE_BUSY churn between goroutines.
	db.SetMaxOpenConns(1)
	return db, nil
}

// Migration is one schema evolution step. Apply runs only when Guard (if
// set) reports the step has not been applied yet.
type Migration struct {
	// Name identifies the step in logs.
	Name string

	// Guard returns true when the migration still needs to run. Nil means
	// always run (the SQL must be idempotent, e.g. CREATE TABLE IF NOT EXISTS).
	Guard func(db *sql.DB) (bool, error)

	// SQL is the statement batch to execute.
	SQL string
}

// Migrate applies the ordered migration list. Failure is fatal to startup;
// migrations never run at steady state.
func Migrate(db *sql.DB, migrations []Migration, logger *slog.Logger) error {
	for _, m := range migrations {
		if m.Guard != nil {
			needed, err := m.Guard(db)
			if err != nil {
				return fmt.Errorf("migration %s guard: %w", m.Name, err)
			}
			if !needed {
				continue
			}
		}
		if _, err := db.Exec(m.SQL); err != nil {
			return fmt.Errorf("migration %s: %w", m.Name, err)
		}
		if logger != nil {
			logger.Debug("migration applied", "name", m.Name)
		}
	}
	return nil
}

// ColumnMissing returns a Guard that fires when table.column does not exist
// yet. This is the standard guard for ALTER TABLE ... ADD COLUMN steps.
func ColumnMissing(table, column string) func(db *sql.DB) (bool, error) {
	return func(db *sql.DB) (bool, error) {
		has, err := HasColumn(db, table, column)
		return !has, err
	}
}

// HasColumn reports whether the table has the named column.
func HasColumn(db *sql.DB, table, column string) (bool, error) {
	rows, err := db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid       int
			name      string
			colType   string
			notNull   int
			dfltValue sql.NullString
			pk        int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &dfltValue, &pk); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}
