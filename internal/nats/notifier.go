package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"github.com/AllWorkNoPlay/CalendarAgents/internal/model"
	"github.com/AllWorkNoPlay/CalendarAgents/pkg/logger"
	"github.com/AllWorkNoPlay/CalendarAgents/pkg/metrics"
)

const (
	// StreamName is the name of the scheduling stream.
	StreamName = "SCHEDULING"

	// SubjectPrefix is the prefix for all scheduling subjects.
	SubjectPrefix = "sched"
)

// EnvelopeSubject returns the subject an envelope is mirrored to.
func EnvelopeSubject(conversationID, recipient string) string {
	return fmt.Sprintf("%s.%s.envelope.%s", SubjectPrefix, conversationID, recipient)
}

// TurnSubject returns the subject turn results are published to.
func TurnSubject(conversationID string) string {
	return fmt.Sprintf("%s.%s.turn", SubjectPrefix, conversationID)
}

// ConversationFilter returns the filter subject for everything in a conversation.
func ConversationFilter(conversationID string) string {
	return fmt.Sprintf("%s.%s.>", SubjectPrefix, conversationID)
}

// TurnEvent is the payload published for every finished turn.
type TurnEvent struct {
	ConversationID string           `json:"conversation_id"`
	Operation      string           `json:"operation"`
	Result         model.TurnResult `json:"result"`
	At             time.Time        `json:"at"`
}

// Notifier mirrors router traffic and turn results to JetStream so other
// services can follow a conversation.
type Notifier struct {
	client *Client
	logger *logger.Logger
}

// NewNotifier creates a notifier.
func NewNotifier(client *Client, log *logger.Logger) *Notifier {
	return &Notifier{client: client, logger: log.Named("notifier")}
}

// EnsureStream ensures the scheduling stream exists.
func (n *Notifier) EnsureStream(ctx context.Context) error {
	js := n.client.JetStream()

	if _, err := js.Stream(ctx, StreamName); err == nil {
		return nil
	}

	_, err := js.CreateStream(ctx, jetstream.StreamConfig{
		Name:        StreamName,
		Subjects:    []string{SubjectPrefix + ".>"},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      7 * 24 * time.Hour,
		MaxBytes:    1024 * 1024 * 1024,
		Storage:     jetstream.FileStorage,
		Replicas:    1,
		Compression: jetstream.S2Compression,
		Description: "Calendar agent envelopes and turn results",
	})
	if err != nil {
		return fmt.Errorf("failed to create stream: %w", err)
	}
	return nil
}

// PublishEnvelope mirrors env without waiting for the acknowledgement. It is
// meant to be installed as a router tap.
func (n *Notifier) PublishEnvelope(env model.Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		n.logger.Error("failed to marshal envelope", zap.Error(err))
		return
	}
	if _, err := n.client.JetStream().PublishAsync(EnvelopeSubject(env.ConversationID, env.Recipient), data); err != nil {
		metrics.NotificationsPublished.WithLabelValues("envelope", "error").Inc()
		n.logger.Warn("failed to publish envelope",
			zap.String("message_id", env.MessageID),
			zap.Error(err),
		)
		return
	}
	metrics.NotificationsPublished.WithLabelValues("envelope", "ok").Inc()
}

// PublishTurn publishes the result of a turn.
func (n *Notifier) PublishTurn(ctx context.Context, ev TurnEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal turn: %w", err)
	}
	if _, err := n.client.JetStream().Publish(ctx, TurnSubject(ev.ConversationID), data); err != nil {
		metrics.NotificationsPublished.WithLabelValues("turn", "error").Inc()
		return fmt.Errorf("failed to publish turn: %w", err)
	}
	metrics.NotificationsPublished.WithLabelValues("turn", "ok").Inc()
	return nil
}

// turnFetchBatch bounds one pull request when reading the turn log.
const turnFetchBatch = 256

// Turns returns the latest limit turn results of a conversation, oldest
// first.
func (n *Notifier) Turns(ctx context.Context, conversationID string, limit int) ([]TurnEvent, error) {
	consumer, err := n.client.JetStream().CreateConsumer(ctx, StreamName, jetstream.ConsumerConfig{
		FilterSubject: TurnSubject(conversationID),
		AckPolicy:     jetstream.AckNonePolicy,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer: %w", err)
	}
	info, err := consumer.Info(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read consumer info: %w", err)
	}

	// Messages carry no count of what follows them, so the whole log is
	// read and only the tail is kept.
	pending := int(info.NumPending)
	out := make([]TurnEvent, 0, min(pending, max(limit, 0)))
	for pending > 0 {
		batch, err := consumer.Fetch(min(pending, turnFetchBatch), jetstream.FetchMaxWait(2*time.Second))
		if err != nil {
			return nil, fmt.Errorf("failed to fetch turns: %w", err)
		}
		got := 0
		for msg := range batch.Messages() {
			got++
			var ev TurnEvent
			if err := json.Unmarshal(msg.Data(), &ev); err != nil {
				n.logger.Warn("skipping malformed turn event", zap.Error(err))
				continue
			}
			out = keepLatest(append(out, ev), limit)
		}
		if err := batch.Error(); err != nil && !errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("batch error: %w", err)
		}
		if got == 0 {
			break
		}
		pending -= got
	}
	return out, nil
}

// keepLatest drops the oldest events beyond limit. A limit of zero or less
// keeps everything.
func keepLatest(events []TurnEvent, limit int) []TurnEvent {
	if limit <= 0 || len(events) <= limit {
		return events
	}
	return append(events[:0], events[len(events)-limit:]...)
}
