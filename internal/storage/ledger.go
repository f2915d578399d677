package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"kepler-edge-go/internal/models"
)

// Ledger is an append-mostly audit trail of completed deliveries. It backs
// the /history endpoint and is never consulted to decide whether an artifact
// still needs transferring.
type Ledger struct {
	conn *sql.DB
	mu   sync.Mutex
}

// Delivery is one row of the ledger.
type Delivery struct {
	ArtifactID    string              `json:"artifact_id"`
	Destination   string              `json:"destination"`
	RemoteFiles   []models.RemoteFile `json:"remote_files"`
	Attempts      map[string]int      `json:"attempts"`
	TotalAttempts int                 `json:"total_attempts"`
	DiscoveredAt  time.Time           `json:"discovered_at"`
	DeliveredAt   time.Time           `json:"delivered_at"`
	Duration      time.Duration       `json:"duration_ns"`
	Redelivered   int                 `json:"redelivered"`
}

func OpenLedger(path string) (*Ledger, error) {
	conn, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger: %w", err)
	}

	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	conn.SetConnMaxLifetime(0)

	l := &Ledger{conn: conn}
	if err := l.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to migrate ledger: %w", err)
	}
	return l, nil
}

func (l *Ledger) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS deliveries (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		artifact_id TEXT NOT NULL UNIQUE,
		destination TEXT NOT NULL DEFAULT '',
		remote_files TEXT NOT NULL DEFAULT '[]',
		attempts TEXT NOT NULL DEFAULT '{}',
		total_attempts INTEGER NOT NULL DEFAULT 0,
		discovered_at DATETIME NOT NULL,
		delivered_at DATETIME NOT NULL,
		duration_ms INTEGER NOT NULL DEFAULT 0,
		redelivered INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_deliveries_delivered_at ON deliveries(delivered_at);
	`

	_, err := l.conn.Exec(schema)
	return err
}

// RecordDelivery stores rec. Delivering the same artifact again (after a
// crash before cleanup) updates the row and bumps its redelivered count.
func (l *Ledger) RecordDelivery(rec models.TransferRecord) error {
	files, err := json.Marshal(rec.RemoteFiles)
	if err != nil {
		return err
	}
	attempts, err := json.Marshal(rec.Attempts)
	if err != nil {
		return err
	}
	delivered := rec.UpdatedAt
	if delivered.IsZero() {
		delivered = time.Now().UTC()
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	_, err = l.conn.Exec(`
		INSERT INTO deliveries (artifact_id, destination, remote_files, attempts, total_attempts, discovered_at, delivered_at, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(artifact_id) DO UPDATE SET
			destination = excluded.destination,
			remote_files = excluded.remote_files,
			attempts = excluded.attempts,
			total_attempts = excluded.total_attempts,
			delivered_at = excluded.delivered_at,
			duration_ms = excluded.duration_ms,
			redelivered = deliveries.redelivered + 1
	`, rec.ArtifactID, rec.Destination, string(files), string(attempts), rec.TotalAttempts,
		rec.DiscoveredAt.UTC(), delivered.UTC(), delivered.Sub(rec.DiscoveredAt).Milliseconds())
	if err != nil {
		return fmt.Errorf("failed to record delivery: %w", err)
	}
	return nil
}

// Recent returns up to limit deliveries, newest first.
func (l *Ledger) Recent(limit int) ([]Delivery, error) {
	if limit <= 0 {
		limit = 50
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	rows, err := l.conn.Query(`
		SELECT artifact_id, destination, remote_files, attempts, total_attempts, discovered_at, delivered_at, duration_ms, redelivered
		FROM deliveries
		ORDER BY delivered_at DESC, id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query deliveries: %w", err)
	}
	defer rows.Close()

	var out []Delivery
	for rows.Next() {
		var (
			d          Delivery
			files      string
			attempts   string
			durationMs int64
		)
		if err := rows.Scan(&d.ArtifactID, &d.Destination, &files, &attempts, &d.TotalAttempts,
			&d.DiscoveredAt, &d.DeliveredAt, &durationMs, &d.Redelivered); err != nil {
			return nil, fmt.Errorf("failed to scan delivery: %w", err)
		}
		if err := json.Unmarshal([]byte(files), &d.RemoteFiles); err != nil {
			return nil, fmt.Errorf("corrupt remote_files for %s: %w", d.ArtifactID, err)
		}
		if err := json.Unmarshal([]byte(attempts), &d.Attempts); err != nil {
			return nil, fmt.Errorf("corrupt attempts for %s: %w", d.ArtifactID, err)
		}
		d.Duration = time.Duration(durationMs) * time.Millisecond
		out = append(out, d)
	}
	return out, rows.Err()
}

// Count returns the number of recorded deliveries.
func (l *Ledger) Count() (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var n int
	err := l.conn.QueryRow(`SELECT COUNT(*) FROM deliveries`).Scan(&n)
	return n, err
}

func (l *Ledger) Close() error {
	return l.conn.Close()
}
