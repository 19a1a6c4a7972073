package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"whatsapp-agent/internal/domain"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS turns (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	thread_id TEXT NOT NULL,
	sender TEXT NOT NULL,
	text TEXT NOT NULL,
	answer TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_turns_thread_id ON turns(thread_id, id);

CREATE TABLE IF NOT EXISTS threads (
	thread_id TEXT PRIMARY KEY,
	sender TEXT NOT NULL,
	last_activity TEXT NOT NULL,
	turns INTEGER NOT NULL DEFAULT 0
);`

// SQLiteStore keeps threads in a local SQLite file. It is meant for
// single-node deployments and local development.
type SQLiteStore struct {
	db *sql.DB
}

var _ ReadWriter = (*SQLiteStore)(nil)

// OpenSQLite opens (or creates) the database at path and applies the schema.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, errors.New("repository: sqlite path must not be empty")
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("repository: create db directory %s: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("repository: open sqlite at %s: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("repository: ping sqlite at %s: %w", path, err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("repository: init sqlite schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) GetHistory(ctx context.Context, threadID string, limit int) ([]domain.Turn, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT sender, text, answer, status, created_at
		FROM turns
		WHERE thread_id = ?
		ORDER BY id DESC
		LIMIT ?`, threadID, limit)
	if err != nil {
		return nil, fmt.Errorf("repository: GetHistory query: %w", err)
	}
	defer rows.Close()

	var turns []domain.Turn
	for rows.Next() {
		var (
			t         domain.Turn
			createdAt string
		)
		if err := rows.Scan(&t.Sender, &t.Text, &t.Answer, &t.Status, &createdAt); err != nil {
			return nil, fmt.Errorf("repository: GetHistory scan: %w", err)
		}
		t.PK = threadPK(threadID)
		t.SK = skPrefixMsg + createdAt
		t.ThreadID = threadID
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("repository: GetHistory rows: %w", err)
	}
	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	return turns, nil
}

func (s *SQLiteStore) GetTurnCount(ctx context.Context, threadID string) (int, error) {
	var turns int
	err := s.db.QueryRowContext(ctx, `SELECT turns FROM threads WHERE thread_id = ?`, threadID).Scan(&turns)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("repository: GetTurnCount: %w", err)
	}
	return turns, nil
}

// SaveCompletedTurn inserts the turn and upserts the thread row in one transaction.
func (s *SQLiteStore) SaveCompletedTurn(ctx context.Context, threadID, sender, text, answer string, turns int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("repository: SaveCompletedTurn begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO turns (thread_id, sender, text, answer, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		threadID, sender, text, answer, StatusComplete, now.Format(time.RFC3339Nano)); err != nil {
		return fmt.Errorf("repository: SaveCompletedTurn insert turn: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO threads (thread_id, sender, last_activity, turns)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(thread_id) DO UPDATE SET
			sender = excluded.sender,
			last_activity = excluded.last_activity,
			turns = excluded.turns`,
		threadID, sender, now.Format(time.RFC3339), turns); err != nil {
		return fmt.Errorf("repository: SaveCompletedTurn upsert thread: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("repository: SaveCompletedTurn commit: %w", err)
	}
	return nil
}
