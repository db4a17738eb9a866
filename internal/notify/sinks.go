package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"go.uber.org/zap"

	"github.com/pitabwire/peerflow/model"
)

// Message metadata keys set on every published event.
const (
	MetadataEventKind    = "event_kind"
	MetadataWorkflowType = "workflow_type"
	MetadataInstanceID   = "instance_id"
)

// WatermillSink publishes events as JSON messages on one topic.
type WatermillSink struct {
	publisher message.Publisher
	topic     string
}

// NewWatermillSink wraps a watermill publisher.
func NewWatermillSink(publisher message.Publisher, topic string) *WatermillSink {
	return &WatermillSink{publisher: publisher, topic: topic}
}

// NewGoChannel builds the in-process pub/sub used when no broker is
// configured. It is both publisher and subscriber.
func NewGoChannel(logger *zap.Logger) *gochannel.GoChannel {
	return gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer:            1000,
		Persistent:                     false,
		BlockPublishUntilSubscriberAck: false,
	}, NewWatermillLogger(logger))
}

// Name implements Sink.
func (s *WatermillSink) Name() string { return "watermill" }

// Publish implements Sink.
func (s *WatermillSink) Publish(ctx context.Context, event model.TransitionEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("notify: encode event: %w", err)
	}

	id := event.ID
	if id == "" {
		id = watermill.NewUUID()
	}
	msg := message.NewMessage(id, payload)
	msg.SetContext(ctx)
	msg.Metadata.Set(MetadataEventKind, event.Kind)
	msg.Metadata.Set(MetadataWorkflowType, string(event.WorkflowType))
	msg.Metadata.Set(MetadataInstanceID, event.InstanceID)

	if err := s.publisher.Publish(s.topic, msg); err != nil {
		return fmt.Errorf("notify: publish to %s: %w", s.topic, err)
	}
	return nil
}

// Close closes the underlying publisher.
func (s *WatermillSink) Close() error {
	return s.publisher.Close()
}

// LogSink writes each event as a structured log line.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink creates a LogSink.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Name implements Sink.
func (s *LogSink) Name() string { return "log" }

// Publish implements Sink.
func (s *LogSink) Publish(_ context.Context, event model.TransitionEvent) error {
	fields := []zap.Field{
		zap.String("event_id", event.ID),
		zap.String("kind", event.Kind),
		zap.String("workflow_type", string(event.WorkflowType)),
		zap.String("instance_id", event.InstanceID),
		zap.String("from", string(event.From)),
		zap.String("to", string(event.To)),
		zap.String("actor_kind", string(event.ActorKind)),
		zap.Bool("derived", event.Derived),
	}
	if event.ChildID != "" {
		fields = append(fields, zap.String("child_id", event.ChildID))
	}
	s.logger.Info("workflow transition", fields...)
	return nil
}

// watermillLogger adapts zap to watermill.LoggerAdapter.
type watermillLogger struct {
	logger *zap.Logger
}

// NewWatermillLogger returns a watermill logger that writes through zap.
func NewWatermillLogger(logger *zap.Logger) watermill.LoggerAdapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &watermillLogger{logger: logger.Named("watermill")}
}

func (l *watermillLogger) Error(msg string, err error, fields watermill.LogFields) {
	l.logger.Error(msg, append(zapFields(fields), zap.Error(err))...)
}

func (l *watermillLogger) Info(msg string, fields watermill.LogFields) {
	l.logger.Info(msg, zapFields(fields)...)
}

func (l *watermillLogger) Debug(msg string, fields watermill.LogFields) {
	l.logger.Debug(msg, zapFields(fields)...)
}

func (l *watermillLogger) Trace(msg string, fields watermill.LogFields) {
	l.logger.Debug(msg, zapFields(fields)...)
}

func (l *watermillLogger) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return &watermillLogger{logger: l.logger.With(zapFields(fields)...)}
}

func zapFields(fields watermill.LogFields) []zap.Field {
	out := make([]zap.Field, 0, len(fields))
	for k, v := range fields {
		out = append(out, zap.Any(k, v))
	}
	return out
}
