package observability

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/pitabwire/peerflow/internal/config"
	"github.com/pitabwire/peerflow/model"
)

type loggerKey struct{}

// NewLogger builds the process logger: JSON on stdout, stamped with the
// service name and build version.
//
// Level conventions:
//   - error: store failures, recovered panics, 5xx responses
//   - warn:  rejected transitions, failed verification, breaker changes
//   - info:  applied transitions and cascades, startup and shutdown
//   - debug: replay cache hits, transaction retries, redacted guest payloads
func NewLogger(cfg config.ObservabilityConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zapcore.InfoLevel
	}

	enc := zap.NewProductionEncoderConfig()
	enc.TimeKey = "timestamp"
	enc.EncodeTime = zapcore.ISO8601TimeEncoder
	enc.EncodeDuration = zapcore.MillisDurationEncoder

	zapCfg := zap.NewProductionConfig()
	zapCfg.Level = zap.NewAtomicLevelAt(level)
	zapCfg.EncoderConfig = enc
	zapCfg.Sampling = nil
	zapCfg.InitialFields = map[string]any{
		"service": serviceName,
		"version": Version,
	}
	return zapCfg.Build()
}

// WithLogger stores a logger in the context.
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// LoggerFrom returns the context logger, then fallback, then a no-op logger.
func LoggerFrom(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	if l, ok := ctx.Value(loggerKey{}).(*zap.Logger); ok && l != nil {
		return l
	}
	if fallback == nil {
		return zap.NewNop()
	}
	return fallback
}

// RequestLogger returns a logger carrying the authenticated caller. Without
// a RequestContext the logger is returned unchanged.
func RequestLogger(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	logger := LoggerFrom(ctx, fallback)
	rctx := model.RequestContextFrom(ctx)
	if rctx == nil {
		return logger
	}

	fields := []zap.Field{
		zap.String("subject_id", rctx.SubjectID),
		zap.String("correlation_id", rctx.CorrelationID),
	}
	if rctx.TraceID != "" {
		fields = append(fields, zap.String("trace_id", rctx.TraceID))
	}
	return logger.With(fields...)
}

// ActionFields describes a requested transition. Guest actors are logged by
// kind only; their ID is an email address.
func ActionFields(instanceID string, wt model.WorkflowType, action model.Action, actor model.Actor) []zap.Field {
	fields := []zap.Field{
		zap.String("instance_id", instanceID),
		zap.String("workflow_type", string(wt)),
		zap.String("action", string(action.Kind)),
		zap.String("state", string(action.State)),
		zap.String("actor_kind", string(actor.Kind)),
	}
	if action.ChildID != "" {
		fields = append(fields, zap.String("child_id", action.ChildID))
	}
	if actor.Kind != model.ActorGuest {
		fields = append(fields, zap.String("actor_id", actor.ID))
	}
	return fields
}

// OutcomeFields summarizes an applied transition.
func OutcomeFields(outcome model.TransitionOutcome) []zap.Field {
	fields := []zap.Field{
		zap.Bool("noop", outcome.Noop),
		zap.String("instance_state", string(outcome.InstanceState)),
		zap.Int("version", outcome.Version),
	}
	if outcome.Cascade != nil {
		fields = append(fields, zap.String("cascade_from", string(outcome.Cascade.From)),
			zap.String("cascade_to", string(outcome.Cascade.To)))
	}
	return fields
}

// defaultSensitiveFields is the default set of field names that should be
// redacted in debug logging output.
var defaultSensitiveFields = map[string]bool{
	"password":           true,
	"secret":             true,
	"token":              true,
	"verification_token": true,
	"guest_token":        true,
	"authorization":      true,
	"content":            true,
}

// RedactBody returns a copy of body with sensitive fields replaced by
// "[REDACTED]". The sensitiveFields list is merged with default sensitive
// field names. This is intended for debug-level logging only.
func RedactBody(body map[string]any, sensitiveFields []string) map[string]any {
	if body == nil {
		return nil
	}

	redactSet := make(map[string]bool, len(defaultSensitiveFields)+len(sensitiveFields))
	for k, v := range defaultSensitiveFields {
		redactSet[k] = v
	}
	for _, f := range sensitiveFields {
		redactSet[f] = true
	}

	result := make(map[string]any, len(body))
	for k, v := range body {
		if redactSet[k] {
			result[k] = "[REDACTED]"
		} else if nested, ok := v.(map[string]any); ok {
			result[k] = RedactBody(nested, sensitiveFields)
		} else {
			result[k] = v
		}
	}
	return result
}
