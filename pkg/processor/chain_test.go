package processor

import (
	"io"
	"strings"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/pkg/errors"

	"github.com/wayneeseguin/omnipipe/pkg/features"
	"github.com/wayneeseguin/omnipipe/pkg/formatters"
	"github.com/wayneeseguin/omnipipe/pkg/types"
)

var enqueued = time.Date(2024, 1, 15, 10, 30, 0, 123000000, time.UTC)

func newTestChain(t *testing.T, sampler *features.Sampler) *Chain {
	t.Helper()
	return NewChain(Config{
		Enricher: features.NewEnricher(features.HostInfo{Hostname: "10.0.0.5", PID: 99}, nil),
		Redactor: features.NewFieldRedactor([]features.RedactionRule{features.FieldRule("password")}),
		PII:      features.NewPIIDetector(true, nil),
		Sampler:  sampler,
	})
}

func TestChain_FullPipeline(t *testing.T) {
	c := newTestChain(t, nil)
	original := types.Event{
		"message":  "login for bob@example.com",
		"password": "x",
		"level":    "WARNING",
	}

	rec, err := c.Process(types.QueueItem{Event: original, EnqueuedAt: enqueued})
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}

	if rec.Level != "warn" {
		t.Errorf("Level = %s, want warn", rec.Level)
	}
	if !rec.Timestamp.Equal(enqueued) {
		t.Errorf("Timestamp = %s, want %s", rec.Timestamp, enqueued)
	}
	if rec.Event["password"] != "REDACTED" {
		t.Errorf("password = %v", rec.Event["password"])
	}
	if rec.Event["message"] != "login for REDACTED" {
		t.Errorf("message = %v", rec.Event["message"])
	}

	// The hostname looks like an IPv4 address but was added by enrichment.
	if rec.Event["hostname"] != "10.0.0.5" {
		t.Errorf("enriched hostname was redacted: %v", rec.Event["hostname"])
	}

	// The caller's event is untouched.
	if original["password"] != "x" || original["level"] != "WARNING" {
		t.Errorf("caller event mutated: %v", original)
	}
	if _, ok := original["hostname"]; ok {
		t.Error("enrichment leaked into caller event")
	}

	var decoded map[string]interface{}
	if err := json.Unmarshal(rec.JSON, &decoded); err != nil {
		t.Fatalf("JSON line invalid: %v", err)
	}
	if decoded["timestamp"] != "2024-01-15T10:30:00.123Z" {
		t.Errorf("timestamp = %v", decoded["timestamp"])
	}
	if string(rec.Line) != string(rec.JSON) {
		t.Error("expected Line to equal JSON when no formatter is set")
	}
}

func TestChain_CallerSuppliedFieldsAreScanned(t *testing.T) {
	c := newTestChain(t, nil)

	// A caller-supplied hostname is not protected by enrichment.
	rec, err := c.Process(types.QueueItem{
		Event:      types.Event{"message": "m", "hostname": "192.168.0.1"},
		EnqueuedAt: enqueued,
	})
	if err != nil {
		t.Fatal(err)
	}
	if rec.Event["hostname"] != "REDACTED" {
		t.Errorf("hostname = %v, want REDACTED", rec.Event["hostname"])
	}
}

func TestChain_PasswordRoundTripLeavesOthersAlone(t *testing.T) {
	c := NewChain(Config{
		Redactor: features.NewFieldRedactor([]features.RedactionRule{features.FieldRule("password")}),
	})

	rec, err := c.Process(types.QueueItem{
		Event:      types.Event{"password": "x", "user": "alice", "level": "info", "timestamp": "2024-01-15T10:30:00Z"},
		EnqueuedAt: enqueued,
	})
	if err != nil {
		t.Fatal(err)
	}

	want := `{"level":"info","password":"REDACTED","timestamp":"2024-01-15T10:30:00Z","user":"alice"}` + "\n"
	if string(rec.JSON) != want {
		t.Errorf("JSON = %s, want %s", rec.JSON, want)
	}
}

func TestChain_SamplingGate(t *testing.T) {
	none, _ := features.NewSampler(0, nil)
	c := newTestChain(t, none)

	_, err := c.Process(types.QueueItem{Event: types.Event{"message": "m"}, EnqueuedAt: enqueued})
	if !errors.Is(err, ErrSampled) {
		t.Errorf("Process() error = %v, want ErrSampled", err)
	}
}

func TestChain_TextFormatter(t *testing.T) {
	c := NewChain(Config{Formatter: formatters.NewTextFormatter(formatters.DefaultFormatOptions())})

	rec, err := c.Process(types.QueueItem{
		Event:      types.Event{"message": "hello", "level": 4},
		EnqueuedAt: enqueued,
	})
	if err != nil {
		t.Fatal(err)
	}
	if want := "2024-01-15T10:30:00.123Z ERROR hello\n"; string(rec.Line) != want {
		t.Errorf("Line = %q, want %q", rec.Line, want)
	}
	if !strings.HasPrefix(string(rec.JSON), "{") {
		t.Errorf("JSON rendering missing: %q", rec.JSON)
	}
}

func TestChain_CyclicEvent(t *testing.T) {
	c := newTestChain(t, nil)
	nested := map[string]interface{}{"note": "n"}
	nested["loop"] = nested

	rec, err := c.Process(types.QueueItem{
		Event:      types.Event{"message": "m", "nested": nested},
		EnqueuedAt: enqueued,
	})
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	inner := rec.Event["nested"].(types.Event)
	if inner["loop"] != types.CircularMarker {
		t.Errorf("loop = %v, want circular marker", inner["loop"])
	}
}

func TestNormalizeLevel(t *testing.T) {
	tests := []struct {
		name  string
		input interface{}
		want  string
	}{
		{"missing", nil, "info"},
		{"empty", "", "info"},
		{"upper", "ERROR", "error"},
		{"alias", "warning", "warn"},
		{"critical", "critical", "fatal"},
		{"numeric", 1, "debug"},
		{"float", float64(3), "warn"},
		{"unknown kept", "Audit", "audit"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := types.Event{}
			if tt.input != nil {
				ev["level"] = tt.input
			}
			if got := NormalizeLevel(ev, "info"); got != tt.want {
				t.Errorf("NormalizeLevel() = %s, want %s", got, tt.want)
			}
			if ev["level"] != tt.want {
				t.Errorf("level field = %v, want %s", ev["level"], tt.want)
			}
		})
	}
}

func TestStampTimestamp(t *testing.T) {
	tests := []struct {
		name      string
		input     interface{}
		wantField string
		wantTime  time.Time
	}{
		{"missing", nil, "2024-01-15T10:30:00.123Z", enqueued},
		{"time value", time.Date(2023, 5, 1, 12, 0, 0, 0, time.FixedZone("X", 3600)), "2023-05-01T11:00:00Z", time.Date(2023, 5, 1, 11, 0, 0, 0, time.UTC)},
		{"rfc3339 kept", "2023-05-01T11:00:00Z", "2023-05-01T11:00:00Z", time.Date(2023, 5, 1, 11, 0, 0, 0, time.UTC)},
		{"unparsable kept", "yesterday", "yesterday", enqueued},
		{"epoch seconds", int64(1700000000), "2023-11-14T22:13:20Z", time.Unix(1700000000, 0).UTC()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := types.Event{}
			if tt.input != nil {
				ev["timestamp"] = tt.input
			}
			got := StampTimestamp(ev, enqueued)
			if !got.Equal(tt.wantTime) {
				t.Errorf("StampTimestamp() = %s, want %s", got, tt.wantTime)
			}
			if ev["timestamp"] != tt.wantField {
				t.Errorf("timestamp field = %v, want %s", ev["timestamp"], tt.wantField)
			}
		})
	}
}

func TestFormatExceptions(t *testing.T) {
	wrapped := errors.Wrap(io.ErrUnexpectedEOF, "reading body")
	ev := types.Event{
		"error":   wrapped,
		"cause":   errors.New("plain"),
		"details": map[string]interface{}{"inner": io.EOF},
	}

	FormatExceptions(ev)

	if ev["error"] != "reading body: unexpected EOF" {
		t.Errorf("error = %v", ev["error"])
	}
	if ev["error_type"] != "*errors.errorString" {
		t.Errorf("error_type = %v", ev["error_type"])
	}
	trace, _ := ev["stack_trace"].(string)
	if !strings.Contains(trace, "TestFormatExceptions") {
		t.Errorf("stack_trace missing test frame: %q", trace)
	}
	if ev["cause"] != "plain" {
		t.Errorf("cause = %v", ev["cause"])
	}
	if inner := ev["details"].(map[string]interface{})["inner"]; inner != "EOF" {
		t.Errorf("nested error = %v, want EOF", inner)
	}
}

func TestFormatExceptions_KeepsCallerFields(t *testing.T) {
	ev := types.Event{
		"err":        errors.New("boom"),
		"error_type": "custom",
	}
	FormatExceptions(ev)
	if ev["error_type"] != "custom" {
		t.Errorf("error_type overwritten: %v", ev["error_type"])
	}
	if _, ok := ev["stack_trace"]; !ok {
		t.Error("expected stack_trace for pkg/errors error")
	}
}
