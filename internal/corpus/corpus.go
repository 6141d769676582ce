// Package corpus records optimizer benchmark runs — one row per module
// per build, before/after bytecode size and wall time — behind
// database/sql, the same blank-import-every-driver idiom the rest of
// this codebase uses to talk to whatever store an operator points it
// at.
package corpus

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	_ "github.com/denisenkom/go-mssqldb"
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// Run is one optimizer pass over one module, as recorded by Store.
type Run struct {
	ID           uuid.UUID
	Module       string
	BytesBefore  int
	BytesAfter   int
	Duration     time.Duration
	RulesApplied int
	CreatedAt    time.Time
}

// Store persists Runs to a SQL database. The zero value is not usable;
// construct one with Open.
type Store struct {
	db     *sql.DB
	driver string
}

// Open connects to dsn using driver (one of "sqlite3", "postgres",
// "mysql", "sqlserver") and ensures the runs table exists.
func Open(driver, dsn string) (*Store, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("corpus: open %s: %w", driver, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("corpus: ping %s: %w", driver, err)
	}
	s := &Store{db: db, driver: driver}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS optimizer_runs (
			id TEXT PRIMARY KEY,
			module TEXT NOT NULL,
			bytes_before INTEGER NOT NULL,
			bytes_after INTEGER NOT NULL,
			duration_ms INTEGER NOT NULL,
			rules_applied INTEGER NOT NULL,
			created_at TIMESTAMP NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("corpus: migrate: %w", err)
	}
	return nil
}

// Record inserts a benchmark run and returns any insert error, wrapped.
// Builder logs such an error and continues the build.
func (s *Store) Record(r Run) error {
	_, err := s.db.Exec(
		`INSERT INTO optimizer_runs (id, module, bytes_before, bytes_after, duration_ms, rules_applied, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		r.ID.String(), r.Module, r.BytesBefore, r.BytesAfter, r.Duration.Milliseconds(), r.RulesApplied, r.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("corpus: record: %w", err)
	}
	return nil
}

// Recent returns the last n runs for module, most recent first.
func (s *Store) Recent(module string, n int) ([]Run, error) {
	rows, err := s.db.Query(
		`SELECT id, module, bytes_before, bytes_after, duration_ms, rules_applied, created_at
		 FROM optimizer_runs WHERE module = $1 ORDER BY created_at DESC LIMIT $2`,
		module, n,
	)
	if err != nil {
		return nil, fmt.Errorf("corpus: recent: %w", err)
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		var r Run
		var id string
		var durationMS int64
		if err := rows.Scan(&id, &r.Module, &r.BytesBefore, &r.BytesAfter, &durationMS, &r.RulesApplied, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("corpus: scan: %w", err)
		}
		parsed, err := uuid.Parse(id)
		if err != nil {
			return nil, fmt.Errorf("corpus: parse run id: %w", err)
		}
		r.ID = parsed
		r.Duration = time.Duration(durationMS) * time.Millisecond
		out = append(out, r)
	}
	return out, rows.Err()
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
