package observability

import (
	"context"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/pitabwire/leadflow/internal/config"
	"github.com/pitabwire/leadflow/model"
)

const redacted = "[REDACTED]"

type loggerKey struct{}

// NewLogger builds the service's JSON logger on top of zap's production
// preset, writing to stdout. Sampling is off so that every instance
// transition is logged.
//
// Levels:
//   - error: store or bus failures, panics, 5xx responses
//   - warn:  lead service failures, rejected events, open breaker
//   - info:  transitions, approval decisions, activations
//   - debug: unmatched events, duplicate deliveries, payloads
func NewLogger(cfg config.ObservabilityConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zapcore.InfoLevel
	}

	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(level)
	zc.Sampling = nil
	zc.OutputPaths = []string{"stdout"}
	zc.EncoderConfig.TimeKey = "timestamp"
	zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	zc.EncoderConfig.EncodeDuration = zapcore.MillisDurationEncoder
	zc.InitialFields = map[string]any{"service": "leadflow"}
	return zc.Build()
}

// WithLogger stores a logger in the context.
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// LoggerFrom returns the context's logger, or fallback.
func LoggerFrom(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	if l, ok := ctx.Value(loggerKey{}).(*zap.Logger); ok && l != nil {
		return l
	}
	return fallback
}

// RequestLogger tags the context's logger with the caller identity and
// correlation ids of an API request. Empty values are omitted.
func RequestLogger(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	logger := LoggerFrom(ctx, fallback)
	rctx := model.RequestContextFrom(ctx)
	if rctx == nil {
		return logger
	}

	var fields []zap.Field
	add := func(key, val string) {
		if val != "" {
			fields = append(fields, zap.String(key, val))
		}
	}
	add("subject_id", rctx.SubjectID)
	add("organization_id", rctx.OrganizationID)
	add("correlation_id", rctx.CorrelationID)
	add("trace_id", firstSet(rctx.TraceID, TraceIDFromContext(ctx)))
	return logger.With(fields...)
}

// EventFields are the log fields identifying a domain event. The payload is
// left out; use RedactPayload for that.
func EventFields(evt model.Event) []zap.Field {
	fields := []zap.Field{
		zap.String("event_id", evt.ID),
		zap.String("event_type", evt.Type),
		zap.String("entity_id", evt.EntityID),
	}
	add := func(key, val string) {
		if val != "" {
			fields = append(fields, zap.String(key, val))
		}
	}
	add("line_of_business", evt.LineOfBusiness)
	add("organization_id", evt.OrganizationID)
	add("approval_id", evt.ApprovalID)
	return fields
}

// piiKeys are lead payload keys whose values never reach the logs. Keys
// are compared case-insensitively.
var piiKeys = map[string]bool{
	"phone":          true,
	"phone_number":   true,
	"msisdn":         true,
	"email":          true,
	"national_id":    true,
	"id_number":      true,
	"passport":       true,
	"date_of_birth":  true,
	"dob":            true,
	"bank_account":   true,
	"account_number": true,
	"card_number":    true,
	"password":       true,
	"token":          true,
	"api_key":        true,
	"authorization":  true,
}

// RedactPayload returns a copy of an event payload with lead PII replaced.
// Nested objects and arrays of objects are walked. extra adds keys for the
// call site.
func RedactPayload(data map[string]any, extra ...string) map[string]any {
	if data == nil {
		return nil
	}
	keys := piiKeys
	if len(extra) > 0 {
		keys = make(map[string]bool, len(piiKeys)+len(extra))
		for k := range piiKeys {
			keys[k] = true
		}
		for _, k := range extra {
			keys[strings.ToLower(k)] = true
		}
	}
	return redactMap(data, keys)
}

func redactMap(m map[string]any, keys map[string]bool) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		if keys[strings.ToLower(k)] {
			out[k] = redacted
			continue
		}
		out[k] = redactValue(v, keys)
	}
	return out
}

func redactValue(v any, keys map[string]bool) any {
	switch t := v.(type) {
	case map[string]any:
		return redactMap(t, keys)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = redactValue(e, keys)
		}
		return out
	default:
		return v
	}
}

func firstSet(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
