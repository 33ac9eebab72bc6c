package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ashureev/guestgate/internal/domain"
	"github.com/ashureev/guestgate/internal/shared"
	_ "modernc.org/sqlite"
)

var _ Repository = (*SQLiteStore)(nil)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db    *sql.DB
	retry shared.RetryPolicy
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db, retry: shared.DefaultRetryPolicy}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS users (
		user_id TEXT PRIMARY KEY,
		phase TEXT NOT NULL DEFAULT 'discovery',
		clarity_json TEXT,
		phase_updated_at INTEGER,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		mode TEXT NOT NULL DEFAULT '',
		captured_name TEXT NOT NULL DEFAULT '',
		captured_intent TEXT NOT NULL DEFAULT '',
		non_engagement_strikes INTEGER NOT NULL DEFAULT 0,
		honest_attempt_strikes INTEGER NOT NULL DEFAULT 0,
		invalid_name_count INTEGER NOT NULL DEFAULT 0,
		message_history TEXT NOT NULL DEFAULT '[]',
		repetition_count INTEGER NOT NULL DEFAULT 0,
		turn_count INTEGER NOT NULL DEFAULT 0,
		depth_value REAL NOT NULL DEFAULT 0,
		depth_updated_at INTEGER NOT NULL DEFAULT 0,
		depth_enabled INTEGER NOT NULL DEFAULT 1,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_conversations_user ON conversations(user_id);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// EnsureUser creates the user record if it does not exist yet.
func (s *SQLiteStore) EnsureUser(ctx context.Context, userID string) error {
	now := time.Now().Unix()
	return s.exec(ctx, "ensure user", `
		INSERT INTO users (user_id, phase, created_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id) DO NOTHING`,
		userID, string(domain.PhaseDiscovery), now, now)
}

// CreateConversation inserts a new conversation.
func (s *SQLiteStore) CreateConversation(ctx context.Context, conv *domain.Conversation) error {
	history, err := encodeHistory(conv.MessageHistory)
	if err != nil {
		return err
	}
	return s.exec(ctx, "create conversation", `
		INSERT INTO conversations (
			id, user_id, mode, captured_name, captured_intent,
			non_engagement_strikes, honest_attempt_strikes, invalid_name_count,
			message_history, repetition_count, turn_count,
			depth_value, depth_updated_at, depth_enabled, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		conv.ID, conv.UserID, conv.Mode, conv.CapturedName, conv.CapturedIntent,
		conv.Engagement.NonEngagementStrikes, conv.Engagement.HonestAttemptStrikes, conv.Engagement.InvalidNameCount,
		history, conv.RepetitionCount, conv.TurnCount,
		conv.Depth.Value, toMillis(conv.Depth.LastUpdatedAt), conv.Depth.Enabled,
		conv.CreatedAt.Unix(), conv.UpdatedAt.Unix(),
	)
}

// GetConversation returns the conversation or ErrNotFound.
func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*domain.Conversation, error) {
	query := `
		SELECT id, user_id, mode, captured_name, captured_intent,
		       non_engagement_strikes, honest_attempt_strikes, invalid_name_count,
		       message_history, repetition_count, turn_count,
		       depth_value, depth_updated_at, depth_enabled, created_at, updated_at
		FROM conversations WHERE id = ?`

	var conv domain.Conversation
	var history string
	var depthUpdated, createdAt, updatedAt int64

	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&conv.ID, &conv.UserID, &conv.Mode, &conv.CapturedName, &conv.CapturedIntent,
		&conv.Engagement.NonEngagementStrikes, &conv.Engagement.HonestAttemptStrikes, &conv.Engagement.InvalidNameCount,
		&history, &conv.RepetitionCount, &conv.TurnCount,
		&conv.Depth.Value, &depthUpdated, &conv.Depth.Enabled, &createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan conversation row: %w", err)
	}

	if err := json.Unmarshal([]byte(history), &conv.MessageHistory); err != nil {
		return nil, fmt.Errorf("unmarshal message history: %w", err)
	}
	conv.Depth.LastUpdatedAt = fromMillis(depthUpdated)
	conv.CreatedAt = time.Unix(createdAt, 0)
	conv.UpdatedAt = time.Unix(updatedAt, 0)
	return &conv, nil
}

// SaveConversationSignals persists captured metadata, message history and
// engagement state.
func (s *SQLiteStore) SaveConversationSignals(ctx context.Context, conv *domain.Conversation) error {
	history, err := encodeHistory(conv.MessageHistory)
	if err != nil {
		return err
	}
	return s.execOne(ctx, "save conversation signals", `
		UPDATE conversations SET
			captured_name = ?, captured_intent = ?,
			non_engagement_strikes = ?, honest_attempt_strikes = ?, invalid_name_count = ?,
			message_history = ?, repetition_count = ?, turn_count = ?,
			updated_at = ?
		WHERE id = ?`,
		conv.CapturedName, conv.CapturedIntent,
		conv.Engagement.NonEngagementStrikes, conv.Engagement.HonestAttemptStrikes, conv.Engagement.InvalidNameCount,
		history, conv.RepetitionCount, conv.TurnCount,
		time.Now().Unix(), conv.ID,
	)
}

func encodeHistory(history []string) (string, error) {
	if history == nil {
		return "[]", nil
	}
	b, err := json.Marshal(history)
	if err != nil {
		return "", fmt.Errorf("marshal message history: %w", err)
	}
	return string(b), nil
}

// LoadDepth returns the stored depth of a conversation.
func (s *SQLiteStore) LoadDepth(ctx context.Context, conversationID string) (domain.ConversationDepth, error) {
	var d domain.ConversationDepth
	var updated int64
	err := s.db.QueryRowContext(ctx,
		`SELECT depth_value, depth_updated_at, depth_enabled FROM conversations WHERE id = ?`,
		conversationID,
	).Scan(&d.Value, &updated, &d.Enabled)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ConversationDepth{}, ErrNotFound
	}
	if err != nil {
		return domain.ConversationDepth{}, fmt.Errorf("scan depth: %w", err)
	}
	d.LastUpdatedAt = fromMillis(updated)
	return d, nil
}

// SaveDepth overwrites the stored depth of a conversation.
func (s *SQLiteStore) SaveDepth(ctx context.Context, conversationID string, d domain.ConversationDepth) error {
	return s.execOne(ctx, "save depth", `
		UPDATE conversations SET depth_value = ?, depth_updated_at = ?, depth_enabled = ?, updated_at = ?
		WHERE id = ?`,
		d.Value, toMillis(d.LastUpdatedAt), d.Enabled, time.Now().Unix(), conversationID,
	)
}

// GetPhaseState returns the user's phase; found is false for unknown users.
func (s *SQLiteStore) GetPhaseState(ctx context.Context, userID string) (domain.PhaseState, bool, error) {
	var st domain.PhaseState
	var phase string
	var clarityJSON sql.NullString
	var updated sql.NullInt64

	err := s.db.QueryRowContext(ctx,
		`SELECT user_id, phase, clarity_json, phase_updated_at FROM users WHERE user_id = ?`,
		userID,
	).Scan(&st.UserID, &phase, &clarityJSON, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.PhaseState{}, false, nil
	}
	if err != nil {
		return domain.PhaseState{}, false, fmt.Errorf("scan phase state: %w", err)
	}

	st.Phase = domain.Phase(phase)
	if clarityJSON.Valid && clarityJSON.String != "" {
		if err := json.Unmarshal([]byte(clarityJSON.String), &st.Metrics); err != nil {
			return domain.PhaseState{}, false, fmt.Errorf("decode clarity metrics: %w", err)
		}
	}
	if updated.Valid {
		st.UpdatedAt = fromMillis(updated.Int64)
	}
	return st, true, nil
}

// SavePhaseState upserts the user's phase.
func (s *SQLiteStore) SavePhaseState(ctx context.Context, st domain.PhaseState) error {
	clarity, err := json.Marshal(st.Metrics)
	if err != nil {
		return fmt.Errorf("encode clarity metrics: %w", err)
	}
	now := time.Now().Unix()
	return s.exec(ctx, "save phase state", `
		INSERT INTO users (user_id, phase, clarity_json, phase_updated_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			phase = excluded.phase,
			clarity_json = excluded.clarity_json,
			phase_updated_at = excluded.phase_updated_at,
			updated_at = excluded.updated_at`,
		st.UserID, string(st.Phase), string(clarity), toMillis(st.UpdatedAt), now, now,
	)
}

func (s *SQLiteStore) exec(ctx context.Context, op, query string, args ...any) error {
	return shared.RetryOnConflict(ctx, op, s.retry, func() error {
		_, err := s.db.ExecContext(ctx, query, args...)
		return err
	})
}

// execOne is exec for single-row updates; zero affected rows is ErrNotFound.
func (s *SQLiteStore) execOne(ctx context.Context, op, query string, args ...any) error {
	return shared.RetryOnConflict(ctx, op, s.retry, func() error {
		res, err := s.db.ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
