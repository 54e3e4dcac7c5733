package memory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists conversational memory in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, strings.TrimSpace(databaseURL))
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS user_profiles (
			user_id TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			age TEXT NOT NULL DEFAULT '',
			interests JSONB NOT NULL DEFAULT '[]'::jsonb,
			preferences JSONB NOT NULL DEFAULT '{}'::jsonb,
			emotional_patterns JSONB NOT NULL DEFAULT '{}'::jsonb,
			last_updated TIMESTAMPTZ NULL
		);`,
		`CREATE TABLE IF NOT EXISTS conversation_turns (
			user_id TEXT NOT NULL REFERENCES user_profiles(user_id) ON DELETE CASCADE,
			seq INTEGER NOT NULL,
			id TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			user_input TEXT NOT NULL,
			ai_response TEXT NOT NULL,
			emotion TEXT NOT NULL DEFAULT '',
			pii_redacted BOOLEAN NOT NULL DEFAULT FALSE,
			PRIMARY KEY (user_id, seq)
		);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) Load(ctx context.Context, userID string) (State, bool, error) {
	st := State{UserID: userID}
	var (
		interests, preferences, patterns string
		lastUpdated                      *time.Time
	)
	err := s.pool.QueryRow(ctx,
		`SELECT name, age, interests::text, preferences::text, emotional_patterns::text, last_updated
		 FROM user_profiles WHERE user_id=$1`,
		userID,
	).Scan(&st.Profile.Name, &st.Profile.Age, &interests, &preferences, &patterns, &lastUpdated)
	if errors.Is(err, pgx.ErrNoRows) {
		return State{}, false, nil
	}
	if err != nil {
		return State{}, false, fmt.Errorf("query profile: %w", err)
	}
	if err := decodeProfileColumns(&st, interests, preferences, patterns); err != nil {
		return State{}, false, err
	}
	if lastUpdated != nil {
		st.Profile.LastUpdated = *lastUpdated
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, created_at, user_input, ai_response, emotion, pii_redacted
		 FROM conversation_turns WHERE user_id=$1 ORDER BY seq`,
		userID,
	)
	if err != nil {
		return State{}, false, fmt.Errorf("query turns: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var t Turn
		if err := rows.Scan(&t.ID, &t.Timestamp, &t.UserInput, &t.AIResponse, &t.Emotion, &t.PIIRedacted); err != nil {
			return State{}, false, fmt.Errorf("scan turn row: %w", err)
		}
		st.Turns = append(st.Turns, t)
	}
	if err := rows.Err(); err != nil {
		return State{}, false, fmt.Errorf("iterate turn rows: %w", err)
	}

	st.normalize()
	return st, true, nil
}

func (s *PostgresStore) Save(ctx context.Context, userID string, state State) error {
	interests, preferences, patterns, err := encodeProfileColumns(state)
	if err != nil {
		return err
	}

	var lastUpdated *time.Time
	if !state.Profile.LastUpdated.IsZero() {
		t := state.Profile.LastUpdated.UTC()
		lastUpdated = &t
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx,
		`INSERT INTO user_profiles (user_id, name, age, interests, preferences, emotional_patterns, last_updated)
		 VALUES ($1, $2, $3, $4::jsonb, $5::jsonb, $6::jsonb, $7)
		 ON CONFLICT (user_id) DO UPDATE SET
			name=EXCLUDED.name,
			age=EXCLUDED.age,
			interests=EXCLUDED.interests,
			preferences=EXCLUDED.preferences,
			emotional_patterns=EXCLUDED.emotional_patterns,
			last_updated=EXCLUDED.last_updated`,
		userID,
		state.Profile.Name,
		state.Profile.Age,
		interests,
		preferences,
		patterns,
		lastUpdated,
	)
	if err != nil {
		return fmt.Errorf("upsert profile: %w", err)
	}

	batch := &pgx.Batch{}
	batch.Queue(`DELETE FROM conversation_turns WHERE user_id=$1`, userID)
	for i, t := range state.Turns {
		batch.Queue(
			`INSERT INTO conversation_turns (user_id, seq, id, created_at, user_input, ai_response, emotion, pii_redacted)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			userID, i, t.ID, t.Timestamp.UTC(), t.UserInput, t.AIResponse, t.Emotion, t.PIIRedacted,
		)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("write turns: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit memory: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
