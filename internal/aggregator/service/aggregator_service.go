// Package service implements conversation aggregation: per-utterance writes
// into the document store, and finalization into a single transcript artifact
// when the conversation ends.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/iyngr/context-based-pii/internal/aggregator/blob"
	"github.com/iyngr/context-based-pii/internal/aggregator/store"
	"github.com/iyngr/context-based-pii/pkg/retry"
)

// ErrBadEvent marks structurally invalid events. HTTP callers map it to a
// 400, the bus consumers terminate the message; either way it is never
// redelivered.
var ErrBadEvent = errors.New("bad event")

// eventConversationEnded is the only lifecycle event type that triggers
// finalization.
const eventConversationEnded = "conversation_ended"

// UtteranceEvent is a redacted utterance arriving from the dispatcher.
type UtteranceEvent struct {
	ConversationID     string `json:"conversation_id"`
	OriginalEntryIndex int    `json:"original_entry_index"`
	ParticipantRole    string `json:"participant_role"`
	Text               string `json:"text"`
	UserID             string `json:"user_id,omitempty"`
	StartTimestampUsec int64  `json:"start_timestamp_usec"`
}

// LifecycleEvent signals a conversation state change. TotalUtteranceCount is
// a pointer: producers that know the final turn count send it, the rest omit
// it and the aggregator falls back to a settling delay.
type LifecycleEvent struct {
	ConversationID      string `json:"conversation_id"`
	EventType           string `json:"event_type"`
	TotalUtteranceCount *int   `json:"total_utterance_count,omitempty"`
}

// CloseOutcome reports what finalization did with an event.
type CloseOutcome string

const (
	// OutcomeIgnored means the event was not a conversation end.
	OutcomeIgnored CloseOutcome = "ignored"
	// OutcomeSkipped means the conversation had nothing to aggregate.
	OutcomeSkipped CloseOutcome = "skipped"
	// OutcomeAggregated means the artifact was written and the working rows
	// deleted.
	OutcomeAggregated CloseOutcome = "aggregated"
)

// Options carries the tunables the aggregator reads at startup.
type Options struct {
	ContextTTL       time.Duration
	PollingInterval  time.Duration
	MaxPollAttempts  int
	AggregationDelay time.Duration
	BufferEnabled    bool
	BufferSize       int

	// Retry bounds the store and blob retries. Zero value means
	// retry.DefaultPolicy.
	Retry retry.Policy
}

// AggregatorService owns the conversation working set.
type AggregatorService struct {
	store  store.Store
	blobs  blob.BlobStore
	rdb    *redis.Client // nil unless the streaming buffer is enabled
	opts   Options
	logger *zap.Logger
}

// NewAggregatorService constructs an AggregatorService. rdb may be nil when
// the streaming buffer is disabled.
func NewAggregatorService(st store.Store, blobs blob.BlobStore, rdb *redis.Client, opts Options, logger *zap.Logger) *AggregatorService {
	if opts.BufferSize <= 0 {
		opts.BufferSize = 5
	}
	if opts.Retry.Attempts <= 0 {
		opts.Retry = retry.DefaultPolicy
	}
	return &AggregatorService{store: st, blobs: blobs, rdb: rdb, opts: opts, logger: logger}
}

// Ingest stores one redacted utterance. Store failures are retried with
// bounded backoff; the final error is returned for redelivery.
func (s *AggregatorService) Ingest(ctx context.Context, ev UtteranceEvent) error {
	if ev.ConversationID == "" {
		return fmt.Errorf("%w: missing conversation_id", ErrBadEvent)
	}
	if ev.OriginalEntryIndex < 0 {
		return fmt.Errorf("%w: negative original_entry_index %d", ErrBadEvent, ev.OriginalEntryIndex)
	}
	if ev.ParticipantRole == "" || ev.Text == "" || ev.StartTimestampUsec == 0 {
		s.logger.Warn("missing_fields_error: rejecting incomplete utterance",
			zap.String("conversation_id", ev.ConversationID),
			zap.Int("original_entry_index", ev.OriginalEntryIndex),
		)
		return fmt.Errorf("%w: utterance %s[%d] missing participant_role, text or start_timestamp_usec",
			ErrBadEvent, ev.ConversationID, ev.OriginalEntryIndex)
	}

	u := store.Utterance{
		ConversationID:     ev.ConversationID,
		OriginalEntryIndex: ev.OriginalEntryIndex,
		Text:               ev.Text,
		Role:               ev.ParticipantRole,
		UserID:             ev.UserID,
		StartTimestampUsec: ev.StartTimestampUsec,
		ReceivedAt:         time.Now().UTC(),
	}

	var fresh bool
	err := retry.Do(ctx, s.opts.Retry, func(ctx context.Context) error {
		var err error
		fresh, err = s.store.UpsertUtterance(ctx, u, s.opts.ContextTTL)
		if err != nil {
			return retry.Transient(err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("store utterance %s[%d]: %w", ev.ConversationID, ev.OriginalEntryIndex, err)
	}

	s.logger.Info("utterance stored",
		zap.String("conversation_id", ev.ConversationID),
		zap.Int("original_entry_index", ev.OriginalEntryIndex),
		zap.Bool("fresh_insert", fresh),
	)

	s.buffer(ctx, ev)
	return nil
}

// buffer mirrors the utterance into a capped Redis list for live consumers.
// Strictly best-effort: the artifact is built from the document store alone,
// so buffer failures are logged and dropped.
func (s *AggregatorService) buffer(ctx context.Context, ev UtteranceEvent) {
	if !s.opts.BufferEnabled || s.rdb == nil {
		return
	}

	raw, err := json.Marshal(ev)
	if err != nil {
		s.logger.Warn("utterance buffer marshal failed", zap.Error(err))
		return
	}

	key := "utterances:" + ev.ConversationID
	pipe := s.rdb.Pipeline()
	pipe.RPush(ctx, key, raw)
	pipe.LTrim(ctx, key, int64(-s.opts.BufferSize), -1)
	pipe.Expire(ctx, key, s.opts.ContextTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		s.logger.Warn("utterance buffer update failed",
			zap.String("conversation_id", ev.ConversationID), zap.Error(err))
	}
}

// artifactEntry is one transcript line in the finalized artifact.
type artifactEntry struct {
	Text   string `json:"text"`
	Role   string `json:"role"`
	UserID string `json:"user_id"`
}

type artifact struct {
	Entries []artifactEntry `json:"entries"`
}

// Close finalizes a conversation on its end-of-life event: wait for the
// expected utterances to settle, write the ordered transcript artifact and
// drop the working rows.
func (s *AggregatorService) Close(ctx context.Context, ev LifecycleEvent) (CloseOutcome, error) {
	if ev.ConversationID == "" {
		return "", fmt.Errorf("%w: missing conversation_id", ErrBadEvent)
	}
	if ev.EventType != eventConversationEnded {
		s.logger.Info("ignoring lifecycle event",
			zap.String("conversation_id", ev.ConversationID),
			zap.String("event_type", ev.EventType),
		)
		return OutcomeIgnored, nil
	}

	log := s.logger.With(zap.String("conversation_id", ev.ConversationID))

	if ev.TotalUtteranceCount != nil {
		if *ev.TotalUtteranceCount == 0 {
			log.Info("conversation ended with zero utterances, skipping")
			return OutcomeSkipped, nil
		}
		if err := s.waitForCount(ctx, ev.ConversationID, *ev.TotalUtteranceCount, log); err != nil {
			return "", err
		}
	} else {
		// No count to reconcile against; give in-flight utterances a fixed
		// settling window instead.
		log.Info("no utterance count on end event, applying settling delay",
			zap.Duration("delay", s.opts.AggregationDelay))
		select {
		case <-time.After(s.opts.AggregationDelay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	utterances, err := s.store.ListUtterances(ctx, ev.ConversationID)
	if err != nil {
		return "", fmt.Errorf("list utterances: %w", err)
	}
	if len(utterances) == 0 {
		log.Warn("conversation ended with no stored utterances, skipping")
		return OutcomeSkipped, nil
	}

	doc := artifact{Entries: make([]artifactEntry, 0, len(utterances))}
	for _, u := range utterances {
		userID := u.UserID
		if userID == "" {
			userID = "default_user"
		}
		doc.Entries = append(doc.Entries, artifactEntry{
			Text:   u.Text,
			Role:   u.Role,
			UserID: userID,
		})
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("marshal transcript artifact: %w", err)
	}

	objectName := ev.ConversationID + "_transcript.json"
	err = retry.Do(ctx, s.opts.Retry, func(ctx context.Context) error {
		if err := s.blobs.WriteObject(ctx, objectName, "application/json", raw); err != nil {
			return retry.Transient(err)
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("write transcript artifact %s: %w", objectName, err)
	}

	if err := s.store.DeleteConversation(ctx, ev.ConversationID); err != nil {
		return "", fmt.Errorf("delete conversation working set: %w", err)
	}

	log.Info("conversation aggregated",
		zap.String("object", objectName),
		zap.Int("utterances", len(doc.Entries)),
	)
	return OutcomeAggregated, nil
}

// waitForCount polls the conversation root until the stored count reaches
// expected or the attempt budget runs out. A timeout with partial rows is
// not fatal: the artifact is written from whatever arrived, with a warning.
func (s *AggregatorService) waitForCount(ctx context.Context, conversationID string, expected int, log *zap.Logger) error {
	for attempt := 0; attempt < s.opts.MaxPollAttempts; attempt++ {
		root, err := s.store.GetRoot(ctx, conversationID)
		if err != nil {
			return fmt.Errorf("poll conversation root: %w", err)
		}
		if root != nil && root.UtteranceCount >= expected {
			return nil
		}

		select {
		case <-time.After(s.opts.PollingInterval):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	log.Warn("partial_utterances: proceeding before all utterances arrived",
		zap.Int("expected", expected),
		zap.Int("poll_attempts", s.opts.MaxPollAttempts),
	)
	return nil
}
