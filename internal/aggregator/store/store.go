// Package store persists in-progress conversations in Postgres. Each
// conversation is a root row plus one row per utterance, keyed by the
// utterance's original entry index so redelivered messages overwrite instead
// of duplicating.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Utterance is one stored conversation turn.
type Utterance struct {
	ConversationID     string
	OriginalEntryIndex int
	Text               string
	Role               string
	UserID             string
	StartTimestampUsec int64
	ReceivedAt         time.Time
}

// ConversationRoot is the per-conversation bookkeeping row.
type ConversationRoot struct {
	ConversationID         string
	UtteranceCount         int
	LastUtteranceTimestamp int64
	ExpireAt               time.Time
}

// Store is the aggregator's persistence boundary.
type Store interface {
	// UpsertUtterance writes the utterance and bumps the conversation root.
	// The root's utterance_count increases only when the (conversation, index)
	// pair was not stored before, so redeliveries do not inflate it. It
	// reports whether the row was a fresh insert.
	UpsertUtterance(ctx context.Context, u Utterance, ttl time.Duration) (bool, error)
	// GetRoot returns the conversation root, or nil when the conversation has
	// no rows.
	GetRoot(ctx context.Context, conversationID string) (*ConversationRoot, error)
	// ListUtterances returns the conversation's utterances ordered by
	// original entry index.
	ListUtterances(ctx context.Context, conversationID string) ([]Utterance, error)
	// DeleteConversation removes the utterances and the root in one
	// transaction.
	DeleteConversation(ctx context.Context, conversationID string) error
}

// DB is the slice of pgxpool.Pool the store uses.
type DB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type pgStore struct {
	db DB
}

// New creates a Postgres-backed Store.
func New(db DB) Store {
	return &pgStore{db: db}
}

// xmax = 0 distinguishes a fresh insert from a conflict-update.
const upsertUtteranceSQL = `
INSERT INTO utterances
  (conversation_id, original_entry_index, text, role, user_id, start_timestamp_usec, received_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (conversation_id, original_entry_index) DO UPDATE
  SET text = EXCLUDED.text,
      role = EXCLUDED.role,
      user_id = EXCLUDED.user_id,
      start_timestamp_usec = EXCLUDED.start_timestamp_usec,
      received_at = EXCLUDED.received_at
RETURNING (xmax = 0) AS inserted`

const upsertRootSQL = `
INSERT INTO conversations_in_progress
  (conversation_id, utterance_count, last_utterance_timestamp, expire_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (conversation_id) DO UPDATE
  SET utterance_count = conversations_in_progress.utterance_count + $2,
      last_utterance_timestamp = GREATEST(conversations_in_progress.last_utterance_timestamp, $3),
      expire_at = $4`

func (s *pgStore) UpsertUtterance(ctx context.Context, u Utterance, ttl time.Duration) (bool, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var inserted bool
	err = tx.QueryRow(ctx, upsertUtteranceSQL,
		u.ConversationID, u.OriginalEntryIndex, u.Text, u.Role, u.UserID,
		u.StartTimestampUsec, u.ReceivedAt,
	).Scan(&inserted)
	if err != nil {
		return false, fmt.Errorf("upsert utterance: %w", err)
	}

	increment := 0
	if inserted {
		increment = 1
	}
	expireAt := time.Now().Add(ttl)
	if _, err := tx.Exec(ctx, upsertRootSQL,
		u.ConversationID, increment, u.StartTimestampUsec, expireAt,
	); err != nil {
		return false, fmt.Errorf("upsert conversation root: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	return inserted, nil
}

const getRootSQL = `
SELECT conversation_id, utterance_count, last_utterance_timestamp, expire_at
FROM conversations_in_progress
WHERE conversation_id = $1`

func (s *pgStore) GetRoot(ctx context.Context, conversationID string) (*ConversationRoot, error) {
	var root ConversationRoot
	err := s.db.QueryRow(ctx, getRootSQL, conversationID).Scan(
		&root.ConversationID, &root.UtteranceCount,
		&root.LastUtteranceTimestamp, &root.ExpireAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation root: %w", err)
	}
	return &root, nil
}

const listUtterancesSQL = `
SELECT conversation_id, original_entry_index, text, role, user_id, start_timestamp_usec, received_at
FROM utterances
WHERE conversation_id = $1
ORDER BY original_entry_index`

func (s *pgStore) ListUtterances(ctx context.Context, conversationID string) ([]Utterance, error) {
	rows, err := s.db.Query(ctx, listUtterancesSQL, conversationID)
	if err != nil {
		return nil, fmt.Errorf("list utterances: %w", err)
	}
	defer rows.Close()

	var out []Utterance
	for rows.Next() {
		var u Utterance
		if err := rows.Scan(
			&u.ConversationID, &u.OriginalEntryIndex, &u.Text, &u.Role,
			&u.UserID, &u.StartTimestampUsec, &u.ReceivedAt,
		); err != nil {
			return nil, fmt.Errorf("scan utterance: %w", err)
		}
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate utterances: %w", err)
	}
	return out, nil
}

func (s *pgStore) DeleteConversation(ctx context.Context, conversationID string) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM utterances WHERE conversation_id = $1`, conversationID); err != nil {
		return fmt.Errorf("delete utterances: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM conversations_in_progress WHERE conversation_id = $1`, conversationID); err != nil {
		return fmt.Errorf("delete conversation root: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}
