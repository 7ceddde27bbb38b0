package convlog

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"chatrelay/internal/domain"
)

// SQLiteSink stores records in the logs table of a SQLite database.
type SQLiteSink struct {
	db     *sql.DB
	path   string
	logger zerolog.Logger
}

func NewSQLiteSink(ctx context.Context, dbPath string, logger zerolog.Logger) (*SQLiteSink, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}

	// single connection for SQLite
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	logger = logger.With().Str("component", "convlog_sqlite").Logger()
	if err := RunMigrations(ctx, db, logger); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}

	return &SQLiteSink{db: db, path: dbPath, logger: logger}, nil
}

func (s *SQLiteSink) Write(ctx context.Context, rec domain.LogRecord) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO logs (client_name, phone_number, question, answer, reference_index, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		rec.ClientName, rec.PhoneNumber, rec.Question, rec.Answer,
		nullable(rec.ReferenceIndex), formatTime(rec.Timestamp),
	)
	if err != nil {
		return &domain.StorageError{Op: "insert log record", Path: s.path, Err: err}
	}
	if id, err := res.LastInsertId(); err == nil {
		s.logger.Debug().Int64("id", id).Msg("log entry saved")
	}
	return nil
}

// Recent returns up to limit records, newest first.
func (s *SQLiteSink) Recent(ctx context.Context, limit int) ([]domain.LogRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT client_name, phone_number, question, answer, reference_index, timestamp
		 FROM logs ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, &domain.StorageError{Op: "query log records", Path: s.path, Err: err}
	}
	defer rows.Close()

	var out []domain.LogRecord
	for rows.Next() {
		var (
			rec           domain.LogRecord
			client, phone sql.NullString
			question, ans sql.NullString
			index, stamp  sql.NullString
		)
		if err := rows.Scan(&client, &phone, &question, &ans, &index, &stamp); err != nil {
			return nil, &domain.StorageError{Op: "scan log record", Path: s.path, Err: err}
		}
		rec.ClientName = client.String
		rec.PhoneNumber = phone.String
		rec.Question = question.String
		rec.Answer = ans.String
		rec.ReferenceIndex = index.String
		if ts, err := time.Parse(time.RFC3339Nano, stamp.String); err == nil {
			rec.Timestamp = ts
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, &domain.StorageError{Op: "iterate log records", Path: s.path, Err: err}
	}
	return out, nil
}

// Count returns the number of stored records.
func (s *SQLiteSink) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM logs").Scan(&n); err != nil {
		return 0, &domain.StorageError{Op: "count log records", Path: s.path, Err: err}
	}
	return n, nil
}

func (s *SQLiteSink) Close() error {
	return s.db.Close()
}

func (s *SQLiteSink) String() string { return fmt.Sprintf("sqlite(%s)", s.path) }

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
