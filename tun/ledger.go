package tun

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Lease records an interface created by some daemon process.
type Lease struct {
	Name      string
	PID       int
	CreatedAt time.Time
}

// Ledger persists leases so a restarted daemon can clean up after a crash.
type Ledger interface {
	Record(ctx context.Context, l Lease) error
	Remove(ctx context.Context, name string) error
	List(ctx context.Context) ([]Lease, error)
	Close() error
}

const leaseSchema = `
CREATE TABLE IF NOT EXISTS leases (
	name       TEXT PRIMARY KEY,
	pid        INTEGER NOT NULL,
	created_at INTEGER NOT NULL
)`

// SQLiteLedger stores leases in a single-table SQLite database.
type SQLiteLedger struct {
	db *sql.DB
}

// OpenSQLiteLedger opens (and creates if needed) the ledger at path.
func OpenSQLiteLedger(path string) (*SQLiteLedger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create ledger directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(leaseSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init ledger: %w", err)
	}
	return &SQLiteLedger{db: db}, nil
}

// Record inserts or replaces a lease.
func (l *SQLiteLedger) Record(ctx context.Context, lease Lease) error {
	_, err := l.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO leases (name, pid, created_at) VALUES (?, ?, ?)`,
		lease.Name, lease.PID, lease.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("record lease %s: %w", lease.Name, err)
	}
	return nil
}

// Remove deletes a lease. Unknown names are ignored.
func (l *SQLiteLedger) Remove(ctx context.Context, name string) error {
	if _, err := l.db.ExecContext(ctx, `DELETE FROM leases WHERE name = ?`, name); err != nil {
		return fmt.Errorf("remove lease %s: %w", name, err)
	}
	return nil
}

// List returns all leases, oldest first.
func (l *SQLiteLedger) List(ctx context.Context) ([]Lease, error) {
	rows, err := l.db.QueryContext(ctx, `SELECT name, pid, created_at FROM leases ORDER BY created_at, name`)
	if err != nil {
		return nil, fmt.Errorf("list leases: %w", err)
	}
	defer rows.Close()

	var leases []Lease
	for rows.Next() {
		var (
			lease Lease
			ts    int64
		)
		if err := rows.Scan(&lease.Name, &lease.PID, &ts); err != nil {
			return nil, fmt.Errorf("scan lease: %w", err)
		}
		lease.CreatedAt = time.Unix(ts, 0)
		leases = append(leases, lease)
	}
	return leases, rows.Err()
}

// Close closes the database.
func (l *SQLiteLedger) Close() error {
	return l.db.Close()
}
