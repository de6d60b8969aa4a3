// Package sqlitestore is the single-node counterpart of the DynamoDB
// repository: contexts, profiles, decision history and tasks in one SQLite
// file.
package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"pediatric-assistant/internal/domain"
)

const timeFormat = "2006-01-02T15:04:05.000000000Z"

// Store implements the entity store, profile and task repositories.
type Store struct {
	db *sql.DB
}

// Open opens or creates the database at path and runs migrations. Use
// ":memory:" for a throwaway store.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("sqlitestore: create directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: open: %w", err)
	}
	// One connection: SQLite serializes writers anyway and :memory: databases
	// are per connection.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlitestore: ping: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlitestore: migrate: %w", err)
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	PRAGMA journal_mode = WAL;

	CREATE TABLE IF NOT EXISTS contexts (
		conversation_id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		version INTEGER NOT NULL,
		body TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS triage_history (
		conversation_id TEXT NOT NULL,
		decided_at TEXT NOT NULL,
		level TEXT NOT NULL,
		reason TEXT NOT NULL,
		action TEXT NOT NULL,
		rule_id TEXT NOT NULL,
		PRIMARY KEY (conversation_id, decided_at)
	);

	CREATE TABLE IF NOT EXISTS profiles (
		user_id TEXT PRIMARY KEY,
		facts TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		conversation_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		payload TEXT NOT NULL,
		status TEXT NOT NULL,
		attempts INTEGER NOT NULL,
		last_error TEXT NOT NULL,
		run_after TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_tasks_due ON tasks(status, run_after);
	`
	_, err := s.db.Exec(schema)
	return err
}

// GetContext returns nil, nil for an unknown conversation.
func (s *Store) GetContext(ctx context.Context, conversationID string) (*domain.ConversationContext, error) {
	var body string
	err := s.db.QueryRowContext(ctx,
		`SELECT body FROM contexts WHERE conversation_id = ?`, conversationID).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: GetContext: %w", err)
	}
	var cc domain.ConversationContext
	if err := json.Unmarshal([]byte(body), &cc); err != nil {
		return nil, fmt.Errorf("sqlitestore: GetContext decode body: %w", err)
	}
	return &cc, nil
}

// PutContext writes cc only if the stored version equals prevVersion.
func (s *Store) PutContext(ctx context.Context, cc *domain.ConversationContext, prevVersion int64) error {
	if cc == nil || cc.ConversationID == "" {
		return errors.New("sqlitestore: PutContext: conversation id is required")
	}
	body, err := json.Marshal(cc)
	if err != nil {
		return fmt.Errorf("sqlitestore: PutContext encode: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlitestore: PutContext begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var res sql.Result
	if prevVersion == 0 {
		res, err = tx.ExecContext(ctx, `
			INSERT INTO contexts (conversation_id, user_id, version, body, updated_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(conversation_id) DO NOTHING`,
			cc.ConversationID, cc.UserID, cc.Version, string(body), formatTime(cc.UpdatedAt))
	} else {
		res, err = tx.ExecContext(ctx, `
			UPDATE contexts SET user_id = ?, version = ?, body = ?, updated_at = ?
			WHERE conversation_id = ? AND version = ?`,
			cc.UserID, cc.Version, string(body), formatTime(cc.UpdatedAt), cc.ConversationID, prevVersion)
	}
	if err != nil {
		return fmt.Errorf("sqlitestore: PutContext: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrVersionConflict
	}

	if t := cc.Triage; t != nil {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO triage_history (conversation_id, decided_at, level, reason, action, rule_id)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(conversation_id, decided_at) DO NOTHING`,
			cc.ConversationID, formatTime(t.DecidedAt), string(t.Level), t.Reason, t.Action, t.RuleID)
		if err != nil {
			return fmt.Errorf("sqlitestore: PutContext history: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlitestore: PutContext commit: %w", err)
	}
	return nil
}

// TriageHistory returns up to limit past decisions, newest first.
func (s *Store) TriageHistory(ctx context.Context, conversationID string, limit int) ([]domain.TriageSnapshot, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT decided_at, level, reason, action, rule_id FROM triage_history
		WHERE conversation_id = ? ORDER BY decided_at DESC LIMIT ?`, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: TriageHistory: %w", err)
	}
	defer rows.Close()

	var out []domain.TriageSnapshot
	for rows.Next() {
		var (
			decided, level string
			snap           domain.TriageSnapshot
		)
		if err := rows.Scan(&decided, &level, &snap.Reason, &snap.Action, &snap.RuleID); err != nil {
			return nil, fmt.Errorf("sqlitestore: TriageHistory scan: %w", err)
		}
		snap.Level = domain.TriageLevel(level)
		if snap.DecidedAt, err = parseTime(decided); err != nil {
			return nil, fmt.Errorf("sqlitestore: TriageHistory: %w", err)
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

// GetProfile returns nil, nil when the user has no profile.
func (s *Store) GetProfile(ctx context.Context, userID string) (*domain.Profile, error) {
	var facts, updated string
	err := s.db.QueryRowContext(ctx,
		`SELECT facts, updated_at FROM profiles WHERE user_id = ?`, userID).Scan(&facts, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: GetProfile: %w", err)
	}
	p := &domain.Profile{UserID: userID}
	if err := json.Unmarshal([]byte(facts), &p.Facts); err != nil {
		return nil, fmt.Errorf("sqlitestore: GetProfile decode facts: %w", err)
	}
	if p.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, fmt.Errorf("sqlitestore: GetProfile: %w", err)
	}
	return p, nil
}

// PutProfile writes or replaces a profile.
func (s *Store) PutProfile(ctx context.Context, p domain.Profile) error {
	if p.UserID == "" {
		return errors.New("sqlitestore: PutProfile: user id is required")
	}
	facts, err := json.Marshal(p.Facts)
	if err != nil {
		return fmt.Errorf("sqlitestore: PutProfile encode: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO profiles (user_id, facts, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET facts = excluded.facts, updated_at = excluded.updated_at`,
		p.UserID, string(facts), formatTime(p.UpdatedAt))
	if err != nil {
		return fmt.Errorf("sqlitestore: PutProfile: %w", err)
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeFormat, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time %q: %w", s, err)
	}
	return t, nil
}
