package pipeline_test

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/wayneeseguin/omnipipe/pkg/pipeline"
)

func sampleError() pipeline.LogError {
	return pipeline.LogError{
		Timestamp:   time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
		Level:       pipeline.ErrorLevelHigh,
		Operation:   "send",
		Destination: "loki:localhost:3100",
		Message:     "batch delivery failed",
		Err:         errors.New("connection refused"),
	}
}

func TestLogError(t *testing.T) {
	le := sampleError()
	want := "[2024-03-01 12:00:00] send error in loki:localhost:3100: batch delivery failed - connection refused"
	if got := le.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
	if !errors.Is(le, le.Err) {
		t.Error("LogError should unwrap to its cause")
	}

	le.Destination = ""
	if got := le.Error(); strings.Contains(got, " in ") {
		t.Errorf("Error() without destination = %q", got)
	}
}

func TestErrorLevel_String(t *testing.T) {
	tests := []struct {
		level pipeline.ErrorLevel
		want  string
	}{
		{pipeline.ErrorLevelLow, "low"},
		{pipeline.ErrorLevelMedium, "medium"},
		{pipeline.ErrorLevelHigh, "high"},
		{pipeline.ErrorLevelCritical, "critical"},
		{pipeline.ErrorLevel(42), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.level.String(); got != tt.want {
			t.Errorf("String() = %s, want %s", got, tt.want)
		}
	}
}

func TestZerologErrorHandler(t *testing.T) {
	tests := []struct {
		name      string
		level     pipeline.ErrorLevel
		wantLevel string
	}{
		{"critical", pipeline.ErrorLevelCritical, "error"},
		{"high", pipeline.ErrorLevelHigh, "error"},
		{"medium", pipeline.ErrorLevelMedium, "warn"},
		{"low", pipeline.ErrorLevelLow, "info"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			handler := pipeline.ZerologErrorHandler(zerolog.New(&buf))

			le := sampleError()
			le.Level = tt.level
			handler(le)

			var out map[string]interface{}
			if err := json.Unmarshal(buf.Bytes(), &out); err != nil {
				t.Fatalf("output %q is not JSON: %v", buf.String(), err)
			}
			if out["level"] != tt.wantLevel {
				t.Errorf("level = %v, want %s", out["level"], tt.wantLevel)
			}
			if out["destination"] != "loki:localhost:3100" || out["operation"] != "send" {
				t.Errorf("fields = %v", out)
			}
			if out["error"] != "connection refused" || out["message"] != "batch delivery failed" {
				t.Errorf("fields = %v", out)
			}
		})
	}
}

func TestChannelAndMultiErrorHandler(t *testing.T) {
	ch := make(chan pipeline.LogError, 1)
	var count int
	counting := func(pipeline.LogError) { count++ }

	handler := pipeline.MultiErrorHandler(pipeline.ChannelErrorHandler(ch), nil, counting)
	handler(sampleError())

	select {
	case le := <-ch:
		if le.Operation != "send" {
			t.Errorf("Operation = %s", le.Operation)
		}
	default:
		t.Fatal("channel handler did not deliver")
	}
	if count != 1 {
		t.Errorf("counting handler called %d times, want 1", count)
	}
}
