// Package service implements the redactor's two concerns: the short-lived
// per-conversation redaction context in Redis, and the context-aware
// detection-request assembly against the PII detection engine.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// contextKeyFmt keys the redaction context by conversation id.
const contextKeyFmt = "context:%s"

// RedactionContext is the advisory hint left behind by an agent turn that
// solicited a specific class of PII. It is consulted by the next customer
// turn and expires after the context TTL.
type RedactionContext struct {
	ExpectedPIIType string  `json:"expected_pii_type"`
	Timestamp       float64 `json:"timestamp"`
}

// ContextStore owns the redaction-context records in Redis. No other
// component reads or writes these keys.
type ContextStore struct {
	rdb    *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// NewContextStore constructs a ContextStore with the given context TTL.
func NewContextStore(rdb *redis.Client, ttl time.Duration, logger *zap.Logger) *ContextStore {
	return &ContextStore{rdb: rdb, ttl: ttl, logger: logger}
}

// Save overwrites the context for the conversation. Each agent match replaces
// whatever hint was armed before.
func (s *ContextStore) Save(ctx context.Context, conversationID, piiType string) error {
	val, err := json.Marshal(RedactionContext{
		ExpectedPIIType: piiType,
		Timestamp:       float64(time.Now().UnixMicro()) / 1e6,
	})
	if err != nil {
		return fmt.Errorf("marshal redaction context: %w", err)
	}

	key := fmt.Sprintf(contextKeyFmt, conversationID)
	if err := s.rdb.Set(ctx, key, val, s.ttl).Err(); err != nil {
		return fmt.Errorf("redis SET %s: %w", key, err)
	}

	s.logger.Info("redaction context stored",
		zap.String("conversation_id", conversationID),
		zap.String("expected_pii_type", piiType),
		zap.Duration("ttl", s.ttl),
	)
	return nil
}

// Fetch returns the armed context for the conversation, or nil when none is
// armed. Absence, TTL expiry, Redis failures and undecodable payloads all
// degrade to nil; redaction then proceeds at default sensitivity, it never
// fails on a missing hint.
func (s *ContextStore) Fetch(ctx context.Context, conversationID string) *RedactionContext {
	key := fmt.Sprintf(contextKeyFmt, conversationID)

	val, err := s.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		s.logger.Error("redis GET failed, proceeding without context",
			zap.String("key", key), zap.Error(err))
		return nil
	}

	var rc RedactionContext
	if err := json.Unmarshal([]byte(val), &rc); err != nil {
		s.logger.Warn("undecodable redaction context, proceeding without",
			zap.String("key", key), zap.Error(err))
		return nil
	}

	s.logger.Info("redaction context retrieved",
		zap.String("conversation_id", conversationID),
		zap.String("expected_pii_type", rc.ExpectedPIIType),
	)
	return &rc
}
