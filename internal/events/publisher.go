package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/adolago/tiara/internal/model"
)

const (
	// StreamName is the JetStream stream holding every swarm subject
	StreamName = "SWARM"

	// SubjectPrefix prefixes every subject the engine publishes on
	SubjectPrefix = "swarm"

	streamMaxAge   = 24 * time.Hour
	publishTimeout = 5 * time.Second
)

// SubjectAlert returns the subject an alert of the given type is published on
func SubjectAlert(t model.AlertType) string {
	return SubjectPrefix + ".alert." + string(t)
}

// SubjectMetrics is the subject system metric samples are published on
const SubjectMetrics = SubjectPrefix + ".metrics.system"

// EventSubject returns the subject of a lifecycle event, e.g. swarm.task.completed
func EventSubject(eventType string) string {
	return SubjectPrefix + "." + eventType
}

// EnsureStream creates the SWARM stream when it does not exist yet
func EnsureStream(ctx context.Context, js nats.JetStreamContext, logger *zap.Logger) error {
	ctx, cancel := withDeadline(ctx)
	defer cancel()

	_, err := js.StreamInfo(StreamName, nats.Context(ctx))
	if err == nil {
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("failed to get stream info: %w", err)
	}

	_, err = js.AddStream(&nats.StreamConfig{
		Name:     StreamName,
		Subjects: []string{SubjectPrefix + ".>"},
		Storage:  nats.FileStorage,
		MaxAge:   streamMaxAge,
	}, nats.Context(ctx))
	if err != nil && !errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
		return fmt.Errorf("failed to create stream: %w", err)
	}

	logger.Info("Stream created", zap.String("stream", StreamName))
	return nil
}

// Publisher publishes lifecycle events, alerts and metric samples on JetStream
type Publisher struct {
	logger *zap.Logger
	js     nats.JetStreamContext
}

// NewPublisher creates a publisher
func NewPublisher(logger *zap.Logger, js nats.JetStreamContext) *Publisher {
	return &Publisher{
		logger: logger.Named("events"),
		js:     js,
	}
}

// Publish publishes a lifecycle event on swarm.<type>
func (p *Publisher) Publish(ctx context.Context, event *model.Event) error {
	return p.PublishJSON(ctx, EventSubject(event.Type), event)
}

// PublishJSON publishes v as JSON on subject
func (p *Publisher) PublishJSON(ctx context.Context, subject string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", subject, err)
	}

	ctx, cancel := withDeadline(ctx)
	defer cancel()
	if _, err := p.js.Publish(subject, data, nats.Context(ctx)); err != nil {
		return fmt.Errorf("failed to publish %s: %w", subject, err)
	}
	p.logger.Debug("Published", zap.String("subject", subject), zap.Int("size", len(data)))
	return nil
}

// withDeadline bounds ctx by publishTimeout unless it already has a deadline
func withDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, publishTimeout)
}
