// Package service drives the final pipeline stage: a finalized transcript
// artifact appears in the bucket, and the conversation is ingested into the
// analytics sink via a long-running operation.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/iyngr/context-based-pii/internal/uploader/insights"
)

// pollInterval is the spacing between operation status checks.
const pollInterval = 10 * time.Second

// ErrBadEvent marks blob notifications the uploader can never act on.
var ErrBadEvent = errors.New("bad blob event")

// UploaderService uploads finalized transcripts to the analytics sink.
type UploaderService struct {
	sink      insights.Client
	projectID string
	location  string
	deadline  time.Duration
	logger    *zap.Logger
}

// NewUploaderService constructs an UploaderService. deadline bounds the
// whole operation wait, not a single poll.
func NewUploaderService(sink insights.Client, projectID, location string, deadline time.Duration, logger *zap.Logger) *UploaderService {
	return &UploaderService{
		sink:      sink,
		projectID: projectID,
		location:  location,
		deadline:  deadline,
		logger:    logger,
	}
}

// ConversationIDFromObject recovers the conversation id from an artifact
// object name, undoing the aggregator's "_transcript.json" naming.
func ConversationIDFromObject(name string) string {
	name = strings.TrimSuffix(name, ".json")
	return strings.TrimSuffix(name, "_transcript")
}

// HandleBlobCreated ingests the artifact at bucket/object. An
// already-ingested conversation is a success; any other terminal failure is
// returned so the event is redelivered. The artifact itself is never touched.
func (s *UploaderService) HandleBlobCreated(ctx context.Context, bucket, object string) error {
	if bucket == "" || object == "" {
		return fmt.Errorf("%w: missing bucket or object name", ErrBadEvent)
	}

	conversationID := ConversationIDFromObject(object)
	log := s.logger.With(
		zap.String("conversation_id", conversationID),
		zap.String("object", object),
	)

	opName, err := s.sink.UploadConversation(ctx, &insights.UploadRequest{
		ProjectID:      s.projectID,
		Location:       s.location,
		ConversationID: conversationID,
		TranscriptURI:  fmt.Sprintf("gs://%s/%s", bucket, object),
	})
	if err != nil {
		return fmt.Errorf("start conversation upload: %w", err)
	}
	log.Info("conversation upload started", zap.String("operation", opName))

	if err := s.awaitOperation(ctx, opName); err != nil {
		if errors.Is(err, insights.ErrAlreadyExists) {
			log.Warn("conversation already ingested, treating as success", zap.Error(err))
			return nil
		}
		return err
	}

	log.Info("conversation ingested")
	return nil
}

// awaitOperation polls the operation until done or the deadline lapses.
func (s *UploaderService) awaitOperation(ctx context.Context, name string) error {
	ctx, cancel := context.WithTimeout(ctx, s.deadline)
	defer cancel()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		op, err := s.sink.GetOperation(ctx, name)
		if err != nil {
			return fmt.Errorf("poll operation %s: %w", name, err)
		}
		if op.Done {
			return op.Failed()
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return fmt.Errorf("operation %s did not finish within %s: %w", name, s.deadline, ctx.Err())
		}
	}
}
