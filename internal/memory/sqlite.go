package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists memory in a local SQLite database file.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer keeps SQLite from returning SQLITE_BUSY under concurrent saves.
	db.SetMaxOpenConns(1)

	if err := initSQLiteSchema(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

func initSQLiteSchema(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS user_profiles (
			user_id TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			age TEXT NOT NULL DEFAULT '',
			interests TEXT NOT NULL DEFAULT '[]',
			preferences TEXT NOT NULL DEFAULT '{}',
			emotional_patterns TEXT NOT NULL DEFAULT '{}',
			last_updated TEXT NOT NULL DEFAULT ''
		);`,
		`CREATE TABLE IF NOT EXISTS conversation_turns (
			user_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			id TEXT NOT NULL,
			created_at TEXT NOT NULL,
			user_input TEXT NOT NULL,
			ai_response TEXT NOT NULL,
			emotion TEXT NOT NULL DEFAULT '',
			pii_redacted INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (user_id, seq)
		);`,
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init sqlite schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *SQLiteStore) Load(ctx context.Context, userID string) (State, bool, error) {
	st := State{UserID: userID}
	var interests, preferences, patterns, lastUpdated string
	err := s.db.QueryRowContext(ctx,
		`SELECT name, age, interests, preferences, emotional_patterns, last_updated
		 FROM user_profiles WHERE user_id = ?`, userID,
	).Scan(&st.Profile.Name, &st.Profile.Age, &interests, &preferences, &patterns, &lastUpdated)
	if errors.Is(err, sql.ErrNoRows) {
		return State{}, false, nil
	}
	if err != nil {
		return State{}, false, fmt.Errorf("query profile: %w", err)
	}
	if err := decodeProfileColumns(&st, interests, preferences, patterns); err != nil {
		return State{}, false, err
	}
	if st.Profile.LastUpdated, err = parseStoredTime(lastUpdated); err != nil {
		return State{}, false, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, created_at, user_input, ai_response, emotion, pii_redacted
		 FROM conversation_turns WHERE user_id = ? ORDER BY seq`, userID)
	if err != nil {
		return State{}, false, fmt.Errorf("query turns: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			t       Turn
			created string
		)
		if err := rows.Scan(&t.ID, &created, &t.UserInput, &t.AIResponse, &t.Emotion, &t.PIIRedacted); err != nil {
			return State{}, false, fmt.Errorf("scan turn row: %w", err)
		}
		if t.Timestamp, err = parseStoredTime(created); err != nil {
			return State{}, false, err
		}
		st.Turns = append(st.Turns, t)
	}
	if err := rows.Err(); err != nil {
		return State{}, false, fmt.Errorf("iterate turn rows: %w", err)
	}

	st.normalize()
	return st, true, nil
}

func (s *SQLiteStore) Save(ctx context.Context, userID string, state State) error {
	interests, preferences, patterns, err := encodeProfileColumns(state)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO user_profiles (user_id, name, age, interests, preferences, emotional_patterns, last_updated)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (user_id) DO UPDATE SET
			name=excluded.name,
			age=excluded.age,
			interests=excluded.interests,
			preferences=excluded.preferences,
			emotional_patterns=excluded.emotional_patterns,
			last_updated=excluded.last_updated`,
		userID,
		state.Profile.Name,
		state.Profile.Age,
		interests,
		preferences,
		patterns,
		formatStoredTime(state.Profile.LastUpdated),
	)
	if err != nil {
		return fmt.Errorf("upsert profile: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM conversation_turns WHERE user_id = ?`, userID); err != nil {
		return fmt.Errorf("clear turns: %w", err)
	}
	for i, t := range state.Turns {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO conversation_turns (user_id, seq, id, created_at, user_input, ai_response, emotion, pii_redacted)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			userID, i, t.ID, formatStoredTime(t.Timestamp), t.UserInput, t.AIResponse, t.Emotion, t.PIIRedacted,
		)
		if err != nil {
			return fmt.Errorf("insert turn %d: %w", i, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit memory: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func encodeProfileColumns(state State) (interests, preferences, patterns string, err error) {
	st := state.Clone()
	st.normalize()
	b, err := json.Marshal(st.Profile.Interests)
	if err != nil {
		return "", "", "", fmt.Errorf("encode interests: %w", err)
	}
	interests = string(b)
	if b, err = json.Marshal(st.Profile.Preferences); err != nil {
		return "", "", "", fmt.Errorf("encode preferences: %w", err)
	}
	preferences = string(b)
	if b, err = json.Marshal(st.EmotionalPatterns); err != nil {
		return "", "", "", fmt.Errorf("encode emotional patterns: %w", err)
	}
	patterns = string(b)
	return interests, preferences, patterns, nil
}

func decodeProfileColumns(st *State, interests, preferences, patterns string) error {
	if err := json.Unmarshal([]byte(interests), &st.Profile.Interests); err != nil {
		return fmt.Errorf("%w: interests: %v", ErrCorrupt, err)
	}
	if err := json.Unmarshal([]byte(preferences), &st.Profile.Preferences); err != nil {
		return fmt.Errorf("%w: preferences: %v", ErrCorrupt, err)
	}
	if err := json.Unmarshal([]byte(patterns), &st.EmotionalPatterns); err != nil {
		return fmt.Errorf("%w: emotional patterns: %v", ErrCorrupt, err)
	}
	return nil
}

func formatStoredTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseStoredTime(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: timestamp %q: %v", ErrCorrupt, v, err)
	}
	return t.UTC(), nil
}
