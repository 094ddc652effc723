// Package consumer contains the NATS JetStream pull consumers that feed the
// aggregator: one on the redacted-utterance subject, one on the conversation
// lifecycle subject. Both share the push endpoints' service layer.
//
//   - Pull-based subscription for backpressure control.
//   - msg.Ack() is called ONLY after the store commit (or artifact write).
//   - msg.Term() discards poison-pill messages (malformed JSON, missing ids).
//   - msg.Nak() requeues transient failures (store down, blob write failed).
package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/iyngr/context-based-pii/internal/aggregator/service"
	"github.com/iyngr/context-based-pii/pkg/natsclient"
)

const (
	durableUtterances = "aggregator-utterance-consumer"
	durableLifecycle  = "aggregator-lifecycle-consumer"

	fetchBatch = 10
)

// AggregatorConsumer pulls utterance and lifecycle events from JetStream.
type AggregatorConsumer struct {
	nats   *natsclient.Client
	svc    *service.AggregatorService
	logger *zap.Logger
	tracer trace.Tracer
}

// NewAggregatorConsumer constructs an AggregatorConsumer.
func NewAggregatorConsumer(n *natsclient.Client, svc *service.AggregatorService, logger *zap.Logger) *AggregatorConsumer {
	return &AggregatorConsumer{
		nats:   n,
		svc:    svc,
		logger: logger,
		tracer: otel.Tracer("aggregator-consumer"),
	}
}

// Start initialises both durable pull subscriptions and launches their
// processing loops in background goroutines. Returns immediately.
func (c *AggregatorConsumer) Start(ctx context.Context) error {
	utterSub, err := c.nats.JS.PullSubscribe(
		natsclient.SubjectRedacted,
		durableUtterances,
		nats.BindStream(natsclient.StreamConversations),
	)
	if err != nil {
		return fmt.Errorf("aggregator consumer: PullSubscribe %s: %w", natsclient.SubjectRedacted, err)
	}

	lifeSub, err := c.nats.JS.PullSubscribe(
		natsclient.SubjectLifecycle,
		durableLifecycle,
		nats.BindStream(natsclient.StreamConversations),
	)
	if err != nil {
		return fmt.Errorf("aggregator consumer: PullSubscribe %s: %w", natsclient.SubjectLifecycle, err)
	}

	c.logger.Info("aggregator consumers initialised",
		zap.String("stream", natsclient.StreamConversations),
		zap.String("utterance_durable", durableUtterances),
		zap.String("lifecycle_durable", durableLifecycle),
	)

	go c.loop(ctx, utterSub, c.processUtterance)
	go c.loop(ctx, lifeSub, c.processLifecycle)
	return nil
}

func (c *AggregatorConsumer) loop(ctx context.Context, sub *nats.Subscription, handle func(context.Context, []byte) error) {
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("aggregator consumer stopping")
			return
		default:
			msgs, err := sub.Fetch(fetchBatch, nats.Context(ctx))
			if err != nil {
				// nats.ErrTimeout means the queue is empty, not an error.
				continue
			}
			for _, msg := range msgs {
				c.dispatch(ctx, msg, handle)
			}
		}
	}
}

// dispatch owns the Ack / Nak / Term decision and keeps the handlers pure.
func (c *AggregatorConsumer) dispatch(ctx context.Context, msg *nats.Msg, handle func(context.Context, []byte) error) {
	err := handle(ctx, msg.Data)
	if err != nil {
		if errors.Is(err, service.ErrBadEvent) {
			c.logger.Warn("terminating poison-pill event", zap.Error(err))
			msg.Term()
		} else {
			c.logger.Error("NAK event (transient error)", zap.Error(err))
			msg.Nak()
		}
		return
	}
	// Ack ONLY after the service layer committed.
	msg.Ack()
}

func (c *AggregatorConsumer) processUtterance(ctx context.Context, data []byte) error {
	var ev service.UtteranceEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return fmt.Errorf("%w: unmarshal utterance: %v", service.ErrBadEvent, err)
	}

	ctx, span := c.tracer.Start(ctx, "aggregator.utterance.ingest")
	defer span.End()

	if err := c.svc.Ingest(ctx, ev); err != nil {
		span.RecordError(err)
		return err
	}
	return nil
}

func (c *AggregatorConsumer) processLifecycle(ctx context.Context, data []byte) error {
	var ev service.LifecycleEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return fmt.Errorf("%w: unmarshal lifecycle event: %v", service.ErrBadEvent, err)
	}

	ctx, span := c.tracer.Start(ctx, "aggregator.conversation.close")
	defer span.End()

	if _, err := c.svc.Close(ctx, ev); err != nil {
		span.RecordError(err)
		return err
	}
	return nil
}
