package observability

import (
	"context"
	"reflect"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/pitabwire/leadflow/internal/config"
	"github.com/pitabwire/leadflow/model"
)

func observed() (*zap.Logger, *observer.ObservedLogs) {
	core, logs := observer.New(zapcore.DebugLevel)
	return zap.New(core), logs
}

func TestNewLogger_levels(t *testing.T) {
	tests := []struct {
		level     string
		wantDebug bool
		wantInfo  bool
	}{
		{"debug", true, true},
		{"info", false, true},
		{"warn", false, false},
		{"", false, true},
		{"verbose", false, true},
	}
	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			logger, err := NewLogger(config.ObservabilityConfig{LogLevel: tt.level})
			if err != nil {
				t.Fatalf("NewLogger() error = %v", err)
			}
			core := logger.Core()
			if core.Enabled(zapcore.DebugLevel) != tt.wantDebug {
				t.Errorf("debug enabled = %v, want %v", !tt.wantDebug, tt.wantDebug)
			}
			if core.Enabled(zapcore.InfoLevel) != tt.wantInfo {
				t.Errorf("info enabled = %v, want %v", !tt.wantInfo, tt.wantInfo)
			}
			if !core.Enabled(zapcore.ErrorLevel) {
				t.Error("error level must always be enabled")
			}
		})
	}
}

func TestLoggerFrom(t *testing.T) {
	fallback := zap.NewNop()
	if got := LoggerFrom(context.Background(), fallback); got != fallback {
		t.Error("expected fallback without a stored logger")
	}

	stored, _ := observed()
	ctx := WithLogger(context.Background(), stored)
	if got := LoggerFrom(ctx, fallback); got != stored {
		t.Error("expected the stored logger")
	}
}

func TestRequestLogger_adminCaller(t *testing.T) {
	logger, logs := observed()
	ctx := model.WithRequestContext(context.Background(), &model.RequestContext{
		SubjectID:      "underwriter-7",
		OrganizationID: "acme",
		Roles:          []string{"underwriter"},
		CorrelationID:  "req-1f2e",
		TraceID:        "4bf92f3577b34da6a3ce929d0e0e4736",
	})

	RequestLogger(ctx, logger).Info("approval decided")

	got := logs.All()[0].ContextMap()
	want := map[string]any{
		"subject_id":      "underwriter-7",
		"organization_id": "acme",
		"correlation_id":  "req-1f2e",
		"trace_id":        "4bf92f3577b34da6a3ce929d0e0e4736",
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("fields = %v, want %v", got, want)
	}
}

func TestRequestLogger_traceFromSpan(t *testing.T) {
	recordSpans(t)
	logger, logs := observed()

	ctx, span := StartSpan(context.Background(), "GET /v1/instances/{id}")
	defer span.End()
	ctx = model.WithRequestContext(ctx, &model.RequestContext{SubjectID: "svc-sweeper"})

	RequestLogger(ctx, logger).Info("instance read")

	fields := logs.All()[0].ContextMap()
	if fields["trace_id"] != span.SpanContext().TraceID().String() {
		t.Errorf("trace_id = %v", fields["trace_id"])
	}
	if _, ok := fields["organization_id"]; ok {
		t.Error("empty organization_id should be omitted")
	}
}

func TestRequestLogger_anonymous(t *testing.T) {
	logger, logs := observed()
	RequestLogger(context.Background(), logger).Info("healthz")

	if n := len(logs.All()[0].Context); n != 0 {
		t.Errorf("fields = %d, want none without a caller", n)
	}
}

func TestEventFields(t *testing.T) {
	logger, logs := observed()
	evt := model.Event{
		ID:             "evt-9",
		Type:           model.EventApprovalDecided,
		EntityID:       "lead-1",
		LineOfBusiness: "asset_finance",
		ApprovalID:     "ap-3",
		Data:           map[string]any{"phone": "+254700000000"},
	}

	logger.Info("delivery received", EventFields(evt)...)

	got := logs.All()[0].ContextMap()
	want := map[string]any{
		"event_id":         "evt-9",
		"event_type":       model.EventApprovalDecided,
		"entity_id":        "lead-1",
		"line_of_business": "asset_finance",
		"approval_id":      "ap-3",
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("fields = %v, want %v", got, want)
	}
}

func TestRedactPayload_leadPII(t *testing.T) {
	payload := map[string]any{
		"stage":  "quoted",
		"amount": 125000.0,
		"Phone":  "+254700000000",
		"applicant": map[string]any{
			"name":          "Wanjiru",
			"national_id":   "12345678",
			"DATE_OF_BIRTH": "1990-02-01",
		},
		"guarantors": []any{
			map[string]any{"name": "Otieno", "id_number": "87654321"},
			"unstructured note",
		},
		"documents": []any{"payslip.pdf"},
	}

	got := RedactPayload(payload)
	want := map[string]any{
		"stage":  "quoted",
		"amount": 125000.0,
		"Phone":  redacted,
		"applicant": map[string]any{
			"name":          "Wanjiru",
			"national_id":   redacted,
			"DATE_OF_BIRTH": redacted,
		},
		"guarantors": []any{
			map[string]any{"name": "Otieno", "id_number": redacted},
			"unstructured note",
		},
		"documents": []any{"payslip.pdf"},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("RedactPayload() = %v\nwant %v", got, want)
	}

	applicant := payload["applicant"].(map[string]any)
	if applicant["national_id"] != "12345678" {
		t.Error("input payload must not be modified")
	}
}

func TestRedactPayload_extraKeys(t *testing.T) {
	got := RedactPayload(map[string]any{"kra_pin": "A001", "stage": "new"}, "KRA_PIN")
	if got["kra_pin"] != redacted {
		t.Errorf("kra_pin = %v", got["kra_pin"])
	}
	if got["stage"] != "new" {
		t.Errorf("stage = %v", got["stage"])
	}
	if RedactPayload(map[string]any{"kra_pin": "A001"})["kra_pin"] != "A001" {
		t.Error("extra keys must not leak into later calls")
	}
}

func TestRedactPayload_nil(t *testing.T) {
	if RedactPayload(nil) != nil {
		t.Error("nil payload should stay nil")
	}
}
