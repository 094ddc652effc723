package natsclient

import (
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

const (
	// StreamConversations is the durable stream carrying all conversation
	// traffic: redacted utterances and lifecycle events.
	StreamConversations = "CONVERSATIONS"
	// SubjectConversations is the wildcard subject hierarchy captured by the stream.
	SubjectConversations = "CONVERSATIONS.>"

	// SubjectRedacted carries per-utterance redacted transcripts published by
	// the dispatcher and consumed by the aggregator.
	SubjectRedacted = "CONVERSATIONS.transcripts.redacted"
	// SubjectLifecycle carries conversation_started / conversation_ended events.
	SubjectLifecycle = "CONVERSATIONS.lifecycle"
)

// ProvisionStreams idempotently creates the required JetStream streams.
func (c *Client) ProvisionStreams() error {
	_, err := c.JS.StreamInfo(StreamConversations)
	if err == nil {
		c.Log.Info("NATS stream exists", zap.String("stream", StreamConversations))
		return nil
	}

	if err != nats.ErrStreamNotFound {
		return fmt.Errorf("failed to check stream info: %w", err)
	}

	cfg := &nats.StreamConfig{
		Name:      StreamConversations,
		Subjects:  []string{SubjectConversations},
		Storage:   nats.FileStorage,
		Retention: nats.LimitsPolicy,
	}

	_, err = c.JS.AddStream(cfg)
	if err != nil {
		return fmt.Errorf("failed to create stream: %w", err)
	}

	c.Log.Info("NATS stream provisioned", zap.String("stream", StreamConversations))
	return nil
}
