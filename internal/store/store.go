// Package store persists moderation state in SQLite: host bans, so they
// survive restarts, and an audit trail of admin actions.
//
// Schema changes are appended to the migrations slice; each entry's index
// plus one is its version, recorded in schema_migrations.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const maxAuditEntries = 10000

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS bans (
		host       TEXT PRIMARY KEY,
		reason     TEXT NOT NULL DEFAULT '',
		banned_by  TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS audit_log (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		actor      TEXT NOT NULL,
		action     TEXT NOT NULL,
		target     TEXT NOT NULL DEFAULT '',
		detail     TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_log_action ON audit_log(action, id)`,
}

type Ban struct {
	Host      string
	Reason    string
	BannedBy  string
	CreatedAt time.Time
}

type AuditEntry struct {
	ID        int64
	Actor     string
	Action    string
	Target    string
	Detail    string
	CreatedAt time.Time
}

type Store struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

// New opens (or creates) the database at path and applies pending
// migrations. ":memory:" gives a private in-process database.
func New(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	memory := path == ":memory:"
	if !memory {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if memory {
		// every connection would otherwise see its own empty database
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(4)
		db.SetMaxIdleConns(2)
	}

	s := &Store{db: db, logger: logger.With("component", "store"), now: time.Now}

	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		s.logger.Warn("WAL mode unavailable", "error", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=5000`); err != nil {
		s.logger.Warn("busy_timeout not applied", "error", err)
	}

	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	s.logger.Info("sqlite store opened", "path", path)
	return s, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version    INTEGER PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`)
	if err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var current int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`,
	).Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for i, stmt := range migrations {
		v := i + 1
		if v <= current {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d: %w", v, err)
		}
		if _, err := s.db.ExecContext(ctx,
			`INSERT INTO schema_migrations(version) VALUES(?)`, v,
		); err != nil {
			return fmt.Errorf("record migration %d: %w", v, err)
		}
		s.logger.Debug("applied migration", "version", v)
	}
	return nil
}

// AddBan records a ban on host, replacing any earlier one.
func (s *Store) AddBan(ctx context.Context, host, reason, bannedBy string) error {
	if strings.TrimSpace(host) == "" {
		return fmt.Errorf("ban host is required")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO bans(host, reason, banned_by, created_at) VALUES(?,?,?,?)`,
		host, reason, bannedBy, s.now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("insert ban: %w", err)
	}
	return nil
}

// RemoveBan deletes the ban on host and reports whether one existed.
func (s *Store) RemoveBan(ctx context.Context, host string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM bans WHERE host = ?`, host)
	if err != nil {
		return false, fmt.Errorf("delete ban: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Bans returns every ban ordered by host.
func (s *Store) Bans(ctx context.Context) ([]Ban, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT host, reason, banned_by, created_at FROM bans ORDER BY host`)
	if err != nil {
		return nil, fmt.Errorf("query bans: %w", err)
	}
	defer rows.Close()

	var bans []Ban
	for rows.Next() {
		var b Ban
		var created int64
		if err := rows.Scan(&b.Host, &b.Reason, &b.BannedBy, &created); err != nil {
			return nil, err
		}
		b.CreatedAt = time.UnixMilli(created)
		bans = append(bans, b)
	}
	return bans, rows.Err()
}

// AppendAudit records an admin action. Only the newest maxAuditEntries rows
// are kept.
func (s *Store) AppendAudit(ctx context.Context, actor, action, target, detail string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_log(actor, action, target, detail, created_at) VALUES(?,?,?,?,?)`,
		actor, action, target, detail, s.now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`DELETE FROM audit_log WHERE id NOT IN (SELECT id FROM audit_log ORDER BY id DESC LIMIT ?)`,
		maxAuditEntries,
	)
	return err
}

// RecentAudit returns up to limit entries, newest first. An empty action
// matches every action.
func (s *Store) RecentAudit(ctx context.Context, action string, limit int) ([]AuditEntry, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if action != "" {
		rows, err = s.db.QueryContext(ctx,
			`SELECT id, actor, action, target, detail, created_at FROM audit_log WHERE action = ? ORDER BY id DESC LIMIT ?`,
			action, limit)
	} else {
		rows, err = s.db.QueryContext(ctx,
			`SELECT id, actor, action, target, detail, created_at FROM audit_log ORDER BY id DESC LIMIT ?`,
			limit)
	}
	if err != nil {
		return nil, fmt.Errorf("query audit log: %w", err)
	}
	defer rows.Close()

	var entries []AuditEntry
	for rows.Next() {
		var e AuditEntry
		var created int64
		if err := rows.Scan(&e.ID, &e.Actor, &e.Action, &e.Target, &e.Detail, &created); err != nil {
			return nil, err
		}
		e.CreatedAt = time.UnixMilli(created)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
