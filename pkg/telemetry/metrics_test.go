package telemetry

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics_NilAndDisabledAreNoOps(t *testing.T) {
	var nilMetrics *Metrics
	nilMetrics.RecordOperationStarted("build")
	nilMetrics.RecordCandidateFallback("aws")
	nilMetrics.RecordError("permanent", "CONFIGURATION_ERROR")

	disabled, err := NewMetrics(MetricsConfig{Enabled: false})
	if err != nil {
		t.Fatalf("failed to create metrics: %v", err)
	}
	disabled.RecordOperationStarted("build")
	disabled.RecordOperationCompleted("build", "success", time.Second)
	if disabled.Registry() != nil {
		t.Error("expected no registry when metrics are disabled")
	}
}

func TestMetrics_Record(t *testing.T) {
	m, err := NewMetrics(DefaultConfig().Metrics)
	if err != nil {
		t.Fatalf("failed to create metrics: %v", err)
	}

	m.RecordOperationStarted("build")
	if got := testutil.ToFloat64(m.activeOperations); got != 1 {
		t.Errorf("expected 1 active operation, got %v", got)
	}
	m.RecordOperationCompleted("build", "failure", time.Second)
	if got := testutil.ToFloat64(m.activeOperations); got != 0 {
		t.Errorf("expected 0 active operations, got %v", got)
	}
	if got := testutil.ToFloat64(m.operationsCompleted.WithLabelValues("build", "failure")); got != 1 {
		t.Errorf("expected 1 failed build, got %v", got)
	}

	m.RecordCandidateFallback("aws")
	m.RecordCandidateFallback("aws")
	if got := testutil.ToFloat64(m.candidateFallbacks.WithLabelValues("aws")); got != 2 {
		t.Errorf("expected 2 fallbacks, got %v", got)
	}

	m.RecordError("transient", "")
	if got := testutil.ToFloat64(m.errorsByClass.WithLabelValues("transient")); got != 1 {
		t.Errorf("expected 1 transient error, got %v", got)
	}
	if got := testutil.CollectAndCount(m.errorsByCode); got != 0 {
		t.Errorf("expected no error codes, got %d", got)
	}
}

func TestLogger_DomainFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(LoggingConfig{Level: "debug", Format: "json"}, &buf)

	logger.NewComponentLogger("builder").
		WithEnvironment("env-1").
		WithStack("shop-prod-web").
		WithProvider("heat").
		Info("stack submitted")

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("failed to decode log line: %v", err)
	}
	for key, want := range map[string]string{
		"component":      "builder",
		"environment_id": "env-1",
		"stack":          "shop-prod-web",
		"provider":       "heat",
		"message":        "stack submitted",
	} {
		if entry[key] != want {
			t.Errorf("expected %s=%q, got %v", key, want, entry[key])
		}
	}
}

func TestConfig_Validate(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected default config to be valid: %v", err)
	}

	cfg.Logging.Level = "verbose"
	if err := cfg.Validate(); err == nil {
		t.Error("expected invalid log level to fail validation")
	}

	cfg = DefaultConfig()
	cfg.Tracing.Enabled = true
	cfg.Tracing.Exporter = "jaeger"
	if err := cfg.Validate(); err == nil {
		t.Error("expected unknown exporter to fail validation")
	}
}

func TestConfigFor(t *testing.T) {
	dev, err := ConfigFor("development")
	if err != nil || dev.Logging.Level != "debug" || dev.Metrics.Enabled {
		t.Errorf("expected the development preset, got %+v (%v)", dev, err)
	}
	prod, err := ConfigFor("production")
	if err != nil || prod.Environment != "production" || prod.Logging.Format != "json" {
		t.Errorf("expected the production preset, got %+v (%v)", prod, err)
	}
	if cfg, err := ConfigFor(""); err != nil || cfg.Logging.Level != "info" {
		t.Errorf("expected defaults for an empty environment, got %v", err)
	}
	if _, err := ConfigFor("staging"); err == nil {
		t.Error("expected unknown environment to fail")
	}
}

func TestResult(t *testing.T) {
	if Result(nil) != "success" {
		t.Error("expected success for nil error")
	}
	if Result(bytes.ErrTooLarge) != "failure" {
		t.Error("expected failure for non-nil error")
	}
}
