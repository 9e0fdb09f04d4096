// Package sqlite implements the station's persistence layer backed by a
// SQLite database.  It keeps per-callsign connection history across
// restarts; live session state never touches the database.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/geogram-dev/station/internal/domain"
)

// ErrNoHistory is returned when a callsign has never connected.
var ErrNoHistory = errors.New("no history for callsign")

// Store wraps a SQLite database connection.
type Store struct {
	db *sql.DB
}

const defaultMaxOpenConns = 4

// Open creates or opens the SQLite database at path, runs migrations, and
// enables WAL mode for concurrent reads.
func Open(path string) (*Store, error) {
	if err := ensureParentDir(path); err != nil {
		return nil, err
	}
	// Append per-connection PRAGMAs to the DSN so every pooled connection gets them.
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	dsn := path + sep + "_pragma=foreign_keys(1)&_pragma=synchronous(normal)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(defaultMaxOpenConns)
	db.SetMaxIdleConns(defaultMaxOpenConns)

	// journal_mode and busy_timeout are database-wide; set them once here.
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlite setup (%s): %w", pragma, err)
		}
	}

	s := &Store{db: db}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS devices (
	callsign TEXT PRIMARY KEY,
	npub TEXT NOT NULL DEFAULT '',
	nickname TEXT NOT NULL DEFAULT '',
	first_seen DATETIME NOT NULL,
	last_seen DATETIME NOT NULL,
	connect_count INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_devices_last_seen ON devices(last_seen);
`
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// RecordConnect upserts a device row when its identity is bound, bumping
// the connect counter and refreshing npub/nickname when present.
func (s *Store) RecordConnect(ctx context.Context, id domain.Identity, at time.Time) error {
	const q = `
INSERT INTO devices (callsign, npub, nickname, first_seen, last_seen, connect_count)
VALUES (?, ?, ?, ?, ?, 1)
ON CONFLICT(callsign) DO UPDATE SET
	npub = CASE WHEN excluded.npub != '' THEN excluded.npub ELSE devices.npub END,
	nickname = CASE WHEN excluded.nickname != '' THEN excluded.nickname ELSE devices.nickname END,
	last_seen = excluded.last_seen,
	connect_count = devices.connect_count + 1`
	_, err := s.db.ExecContext(ctx, q, id.Callsign, id.Npub, id.Nickname, at.UTC(), at.UTC())
	if err != nil {
		return fmt.Errorf("record connect %s: %w", id.Callsign, err)
	}
	return nil
}

// RecordDisconnect refreshes last_seen when a bound session ends.
func (s *Store) RecordDisconnect(ctx context.Context, callsign string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE devices SET last_seen = ? WHERE callsign = ?`, at.UTC(), callsign)
	if err != nil {
		return fmt.Errorf("record disconnect %s: %w", callsign, err)
	}
	return nil
}

// DeviceHistory returns the persisted record for one callsign.
func (s *Store) DeviceHistory(ctx context.Context, callsign string) (domain.DeviceHistory, error) {
	const q = `SELECT callsign, npub, nickname, first_seen, last_seen, connect_count
FROM devices WHERE callsign = ?`
	var h domain.DeviceHistory
	err := s.db.QueryRowContext(ctx, q, callsign).Scan(
		&h.Callsign, &h.Npub, &h.Nickname, &h.FirstSeen, &h.LastSeen, &h.ConnectCount)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.DeviceHistory{}, ErrNoHistory
	}
	if err != nil {
		return domain.DeviceHistory{}, fmt.Errorf("device history %s: %w", callsign, err)
	}
	return h, nil
}

// ListDevices returns up to limit device records ordered by recency.
func (s *Store) ListDevices(ctx context.Context, limit int) ([]domain.DeviceHistory, error) {
	if limit <= 0 {
		limit = 100
	}
	const q = `SELECT callsign, npub, nickname, first_seen, last_seen, connect_count
FROM devices ORDER BY last_seen DESC LIMIT ?`
	rows, err := s.db.QueryContext(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []domain.DeviceHistory
	for rows.Next() {
		var h domain.DeviceHistory
		if err := rows.Scan(&h.Callsign, &h.Npub, &h.Nickname, &h.FirstSeen, &h.LastSeen, &h.ConnectCount); err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

func ensureParentDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "" || dir == "." {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
