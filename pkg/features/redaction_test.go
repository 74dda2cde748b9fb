package features

import (
	"testing"

	"github.com/wayneeseguin/omnipipe/pkg/types"
)

func TestFieldRedactor_PasswordRoundTrip(t *testing.T) {
	r := NewFieldRedactor([]RedactionRule{FieldRule("password")})
	ev := types.Event{
		"password": "x",
		"user":     "alice",
		"attempt":  3,
	}

	if n := r.Redact(ev, nil); n != 1 {
		t.Errorf("Redact() = %d, want 1", n)
	}
	if ev["password"] != Placeholder {
		t.Errorf("password = %v, want %s", ev["password"], Placeholder)
	}
	if ev["user"] != "alice" || ev["attempt"] != 3 {
		t.Errorf("other fields altered: %v", ev)
	}
}

func TestFieldRedactor_Rules(t *testing.T) {
	pattern, err := PatternRule(`(?i)^x-api-.*`)
	if err != nil {
		t.Fatalf("PatternRule() error = %v", err)
	}

	tests := []struct {
		name  string
		rules []RedactionRule
		event types.Event
		check func(t *testing.T, ev types.Event)
	}{
		{
			name:  "exact match is case sensitive",
			rules: []RedactionRule{FieldRule("token")},
			event: types.Event{"token": "abc", "TOKEN": "def", "Token": "ghi", "token_type": "bearer"},
			check: func(t *testing.T, ev types.Event) {
				if ev["token"] != Placeholder {
					t.Errorf("token = %v", ev["token"])
				}
				if ev["TOKEN"] != "def" || ev["Token"] != "ghi" {
					t.Errorf("differently cased names altered: %v", ev)
				}
				if ev["token_type"] != "bearer" {
					t.Errorf("token_type altered: %v", ev["token_type"])
				}
			},
		},
		{
			name:  "pattern match",
			rules: []RedactionRule{pattern},
			event: types.Event{"X-Api-Key": "k1", "path": "/"},
			check: func(t *testing.T, ev types.Event) {
				if ev["X-Api-Key"] != Placeholder {
					t.Errorf("X-Api-Key = %v", ev["X-Api-Key"])
				}
			},
		},
		{
			name:  "nested maps and slices",
			rules: []RedactionRule{FieldRule("secret")},
			event: types.Event{
				"outer": map[string]interface{}{
					"secret": "s1",
					"list":   []interface{}{map[string]interface{}{"secret": "s2"}},
				},
			},
			check: func(t *testing.T, ev types.Event) {
				outer := ev["outer"].(map[string]interface{})
				if outer["secret"] != Placeholder {
					t.Errorf("outer.secret = %v", outer["secret"])
				}
				inner := outer["list"].([]interface{})[0].(map[string]interface{})
				if inner["secret"] != Placeholder {
					t.Errorf("outer.list[0].secret = %v", inner["secret"])
				}
			},
		},
		{
			name:  "non-string values replaced whole",
			rules: []RedactionRule{FieldRule("card")},
			event: types.Event{"card": map[string]interface{}{"number": "4111"}},
			check: func(t *testing.T, ev types.Event) {
				if ev["card"] != Placeholder {
					t.Errorf("card = %v", ev["card"])
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			NewFieldRedactor(tt.rules).Redact(tt.event, nil)
			tt.check(t, tt.event)
		})
	}
}

func TestPatternRule_Invalid(t *testing.T) {
	if _, err := PatternRule("(unclosed"); err == nil {
		t.Error("expected error for invalid pattern")
	}
}

func TestPIIDetector_BuiltIns(t *testing.T) {
	d := NewPIIDetector(true, nil)

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"email", "contact alice@example.com now", "contact REDACTED now"},
		{"credit card", "card 4111 1111 1111 1111 used", "card REDACTED used"},
		{"credit card compact", "4111111111111111", "REDACTED"},
		{"phone", "call 555-123-4567", "call REDACTED"},
		{"phone with area parens", "call (555) 123-4567", "call REDACTED"},
		{"ipv4", "from 192.168.1.10", "from REDACTED"},
		{"no pii", "user logged in", "user logged in"},
		{"version string", "v1.2.3", "v1.2.3"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, _ := d.RedactString(tt.input)
			if got != tt.want {
				t.Errorf("RedactString(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestPIIDetector_PlaceholderNeverMatches(t *testing.T) {
	for _, p := range BuiltInPIIPatterns() {
		if p.Regexp.MatchString(Placeholder) {
			t.Errorf("pattern %s matches the placeholder", p.Name)
		}
	}
}

func TestPIIDetector_Idempotent(t *testing.T) {
	d := NewPIIDetector(true, nil)
	ev := types.Event{
		"msg":  "mail bob@example.org from 10.0.0.1",
		"list": []interface{}{"555-123-4567", 42},
	}

	first := d.Scan(ev, nil)
	if first != 2 {
		t.Errorf("first Scan() = %d, want 2", first)
	}
	snapshot := ev.Clone()

	if second := d.Scan(ev, nil); second != 0 {
		t.Errorf("second Scan() = %d, want 0", second)
	}
	if ev["msg"] != snapshot["msg"] {
		t.Errorf("second scan changed msg: %v -> %v", snapshot["msg"], ev["msg"])
	}
}

func TestPIIDetector_SkipAndDisable(t *testing.T) {
	ev := types.Event{"hostname": "10.1.2.3", "peer": "10.1.2.3"}
	d := NewPIIDetector(true, nil)
	d.Scan(ev, map[string]bool{"hostname": true})

	if ev["hostname"] != "10.1.2.3" {
		t.Errorf("skipped field altered: %v", ev["hostname"])
	}
	if ev["peer"] != "REDACTED" {
		t.Errorf("peer = %v, want REDACTED", ev["peer"])
	}

	off := NewPIIDetector(false, nil)
	ev2 := types.Event{"email": "a@b.io"}
	if n := off.Scan(ev2, nil); n != 0 || ev2["email"] != "a@b.io" {
		t.Errorf("disabled detector changed event: %v", ev2)
	}
}

func TestPIIDetector_CustomPatternsAppend(t *testing.T) {
	custom, err := CompilePIIPatterns([]string{`EMP-\d{5}`})
	if err != nil {
		t.Fatalf("CompilePIIPatterns() error = %v", err)
	}
	d := NewPIIDetector(true, custom)

	patterns := d.Patterns()
	if len(patterns) != len(BuiltInPIIPatterns())+1 {
		t.Fatalf("expected built-ins plus one custom pattern, got %d", len(patterns))
	}
	if patterns[len(patterns)-1].Name != "custom_1" {
		t.Errorf("custom pattern not appended last: %s", patterns[len(patterns)-1].Name)
	}

	got, _ := d.RedactString("EMP-12345 wrote to x@y.com")
	if got != "REDACTED wrote to REDACTED" {
		t.Errorf("RedactString() = %q", got)
	}
}

func TestCompilePIIPatterns_Errors(t *testing.T) {
	tests := []struct {
		name string
		expr string
	}{
		{"invalid regex", "([a-z"},
		{"matches placeholder", "RED.*"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := CompilePIIPatterns([]string{tt.expr}); err == nil {
				t.Errorf("expected error for %q", tt.expr)
			}
		})
	}
}

func TestPIIDetector_Cycles(t *testing.T) {
	inner := map[string]interface{}{"email": "c@d.io"}
	inner["self"] = inner
	list := []interface{}{"e@f.io", nil}
	list[1] = list

	ev := types.Event{"inner": inner, "list": list}
	d := NewPIIDetector(true, nil)

	done := make(chan int, 1)
	go func() { done <- d.Scan(ev, nil) }()

	if n := <-done; n != 2 {
		t.Errorf("Scan() = %d, want 2", n)
	}
	if inner["email"] != Placeholder {
		t.Errorf("inner.email = %v", inner["email"])
	}
}
