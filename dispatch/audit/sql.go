// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Dialect selects the SQL flavor used by SQLStore.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
	DialectMySQL    Dialect = "mysql"
)

// ParseDialect maps a configured driver name to a dialect.
func ParseDialect(driver string) (Dialect, error) {
	switch strings.ToLower(driver) {
	case "sqlite", "sqlite3", "":
		return DialectSQLite, nil
	case "postgres", "postgresql":
		return DialectPostgres, nil
	case "mysql":
		return DialectMySQL, nil
	default:
		return "", fmt.Errorf("unsupported audit driver %q", driver)
	}
}

var schemas = map[Dialect][]string{
	DialectSQLite: {
		`CREATE TABLE IF NOT EXISTS task_audit_log (
			row_id INTEGER PRIMARY KEY AUTOINCREMENT,
			entry_id TEXT NOT NULL UNIQUE,
			request_id TEXT NOT NULL,
			task_id TEXT NOT NULL,
			event_type TEXT NOT NULL,
			data TEXT,
			ts_unix_nano INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_task_audit_log_task ON task_audit_log(task_id, ts_unix_nano)`,
	},
	DialectPostgres: {
		`CREATE TABLE IF NOT EXISTS task_audit_log (
			row_id BIGSERIAL PRIMARY KEY,
			entry_id VARCHAR(64) NOT NULL UNIQUE,
			request_id VARCHAR(64) NOT NULL,
			task_id VARCHAR(128) NOT NULL,
			event_type VARCHAR(32) NOT NULL,
			data TEXT,
			ts_unix_nano BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_task_audit_log_task ON task_audit_log(task_id, ts_unix_nano)`,
	},
	DialectMySQL: {
		`CREATE TABLE IF NOT EXISTS task_audit_log (
			row_id BIGINT AUTO_INCREMENT PRIMARY KEY,
			entry_id VARCHAR(64) NOT NULL UNIQUE,
			request_id VARCHAR(64) NOT NULL,
			task_id VARCHAR(128) NOT NULL,
			event_type VARCHAR(32) NOT NULL,
			data TEXT,
			ts_unix_nano BIGINT NOT NULL,
			INDEX idx_task_audit_log_task (task_id, ts_unix_nano)
		)`,
	},
}

// SQLStore persists entries in a relational database.
type SQLStore struct {
	db          *sql.DB
	dialect     Dialect
	insertQuery string
	selectQuery string
}

// NewSQLStore wraps an open database. Call Migrate before first use unless
// the table already exists.
func NewSQLStore(db *sql.DB, dialect Dialect) *SQLStore {
	s := &SQLStore{db: db, dialect: dialect}
	s.insertQuery = s.rebind(`INSERT INTO task_audit_log
		(entry_id, request_id, task_id, event_type, data, ts_unix_nano)
		VALUES (?, ?, ?, ?, ?, ?)`)
	s.selectQuery = s.rebind(`SELECT entry_id, request_id, task_id, event_type, data, ts_unix_nano
		FROM task_audit_log WHERE task_id = ? ORDER BY ts_unix_nano, row_id`)
	return s
}

// OpenSQLStore opens the database for driver and dsn and creates the audit
// table if needed.
func OpenSQLStore(ctx context.Context, driver, dsn string) (*SQLStore, error) {
	dialect, err := ParseDialect(driver)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(string(dialect), dsn)
	if err != nil {
		return nil, fmt.Errorf("open audit database: %w", err)
	}
	if dialect == DialectSQLite {
		// sqlite allows a single writer.
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
	}

	s := NewSQLStore(db, dialect)
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// rebind converts ? placeholders to $n for postgres.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Migrate creates the audit table and its index.
func (s *SQLStore) Migrate(ctx context.Context) error {
	for _, stmt := range schemas[s.dialect] {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create audit tables: %w", err)
		}
	}
	return nil
}

// Append writes entries in a single transaction.
func (s *SQLStore) Append(ctx context.Context, entries ...*Entry) error {
	if len(entries) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin audit transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, s.insertQuery)
	if err != nil {
		return fmt.Errorf("prepare audit insert: %w", err)
	}
	defer stmt.Close()

	for _, e := range entries {
		var data []byte
		if e.Data != nil {
			data, err = json.Marshal(e.Data)
			if err != nil {
				return fmt.Errorf("marshal audit data for %s: %w", e.ID, err)
			}
		}
		if _, err := stmt.ExecContext(ctx, e.ID, e.RequestID, e.TaskID, string(e.EventType),
			nullString(data), e.Timestamp.UnixNano()); err != nil {
			return fmt.Errorf("insert audit entry %s: %w", e.ID, err)
		}
	}
	return tx.Commit()
}

func nullString(b []byte) sql.NullString {
	if b == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: string(b), Valid: true}
}

// QueryByTask returns a task's entries ordered by timestamp then insertion.
func (s *SQLStore) QueryByTask(ctx context.Context, taskID string) ([]*Entry, error) {
	rows, err := s.db.QueryContext(ctx, s.selectQuery, taskID)
	if err != nil {
		return nil, fmt.Errorf("query audit log: %w", err)
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		var (
			e     Entry
			event string
			data  sql.NullString
			nanos int64
		)
		if err := rows.Scan(&e.ID, &e.RequestID, &e.TaskID, &event, &data, &nanos); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		e.EventType = EventType(event)
		e.Timestamp = time.Unix(0, nanos).UTC()
		if data.Valid && data.String != "" {
			if err := json.Unmarshal([]byte(data.String), &e.Data); err != nil {
				return nil, fmt.Errorf("decode audit data for %s: %w", e.ID, err)
			}
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}
