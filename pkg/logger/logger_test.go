package logger

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
)

func captureLogger(level string) (*Logger, *bytes.Buffer) {
	log := New(LoggingConfig{Level: level, Format: "json"})
	buf := &bytes.Buffer{}
	log.entry.Logger.SetOutput(buf)
	return log, buf
}

func TestNewDefaultsToInfo(t *testing.T) {
	log, buf := captureLogger("not-a-level")

	log.Debug("hidden")
	if buf.Len() != 0 {
		t.Fatalf("debug line emitted at default level: %q", buf.String())
	}

	log.Info("visible")
	if buf.Len() == 0 {
		t.Fatal("info line not emitted at default level")
	}
}

func TestInlineKeyValuePairs(t *testing.T) {
	log, buf := captureLogger("debug")

	log.Info("deposit seen", "request_id", "abc", "confirmations", 3)

	var line map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("log line is not JSON: %v", err)
	}
	if line["request_id"] != "abc" {
		t.Errorf("request_id = %v, want abc", line["request_id"])
	}
	if line["confirmations"] != float64(3) {
		t.Errorf("confirmations = %v, want 3", line["confirmations"])
	}
	if line["msg"] != "deposit seen" {
		t.Errorf("msg = %v, want %q", line["msg"], "deposit seen")
	}
}

func TestOddArgsKeepTrailingValue(t *testing.T) {
	log, buf := captureLogger("debug")

	log.Warn("partial", "only-value")

	if !strings.Contains(buf.String(), "only-value") {
		t.Errorf("trailing value dropped: %q", buf.String())
	}
}

func TestWithFieldAndWithError(t *testing.T) {
	log, buf := captureLogger("debug")

	log.WithField("wallet_id", "w1").WithError(errTest).Error("debit failed")

	var line map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("log line is not JSON: %v", err)
	}
	if line["wallet_id"] != "w1" {
		t.Errorf("wallet_id = %v, want w1", line["wallet_id"])
	}
	if line["error"] != "boom" {
		t.Errorf("error = %v, want boom", line["error"])
	}
}

func TestNewDefaultTagsService(t *testing.T) {
	log := NewDefault("engine")
	buf := &bytes.Buffer{}
	log.entry.Logger.SetOutput(buf)
	log.entry.Logger.SetFormatter(&logrus.JSONFormatter{})

	log.Info("up")

	var line map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("log line is not JSON: %v", err)
	}
	if line["service"] != "engine" {
		t.Errorf("service = %v, want engine", line["service"])
	}
}

var errTest = errBoom{}

type errBoom struct{}

func (errBoom) Error() string { return "boom" }
