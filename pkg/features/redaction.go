package features

import (
	"fmt"
	"reflect"
	"regexp"

	"github.com/wayneeseguin/omnipipe/pkg/types"
)

// Placeholder replaces redacted values. It must not match any PII pattern.
const Placeholder = "REDACTED"

// RedactionRule selects fields to redact, either by exact name or by a
// regular expression over the field name.
type RedactionRule struct {
	Field       string
	Pattern     *regexp.Regexp
	Replacement string
}

// FieldRule redacts every field named exactly name. Use PatternRule with
// (?i) for case-insensitive names.
func FieldRule(name string) RedactionRule {
	return RedactionRule{Field: name, Replacement: Placeholder}
}

// PatternRule redacts every field whose name matches expr.
func PatternRule(expr string) (RedactionRule, error) {
	re, err := regexp.Compile(expr)
	if err != nil {
		return RedactionRule{}, fmt.Errorf("invalid redaction pattern %q: %w", expr, err)
	}
	return RedactionRule{Pattern: re, Replacement: Placeholder}, nil
}

// FieldRedactor applies redaction rules to event fields at any depth.
// It is immutable after construction and safe for concurrent use.
type FieldRedactor struct {
	exact    map[string]string
	patterns []RedactionRule
}

// NewFieldRedactor builds a redactor from rules.
func NewFieldRedactor(rules []RedactionRule) *FieldRedactor {
	r := &FieldRedactor{exact: make(map[string]string)}
	for _, rule := range rules {
		if rule.Replacement == "" {
			rule.Replacement = Placeholder
		}
		switch {
		case rule.Pattern != nil:
			r.patterns = append(r.patterns, rule)
		case rule.Field != "":
			r.exact[rule.Field] = rule.Replacement
		}
	}
	return r
}

// Empty reports whether the redactor has no rules.
func (r *FieldRedactor) Empty() bool {
	return len(r.exact) == 0 && len(r.patterns) == 0
}

func (r *FieldRedactor) replacementFor(key string) (string, bool) {
	if rep, ok := r.exact[key]; ok {
		return rep, true
	}
	for _, rule := range r.patterns {
		if rule.Pattern.MatchString(key) {
			return rule.Replacement, true
		}
	}
	return "", false
}

// Redact replaces matching fields in ev and returns how many were replaced.
// Fields in skip are left alone at the top level.
func (r *FieldRedactor) Redact(ev types.Event, skip map[string]bool) int {
	if r.Empty() {
		return 0
	}
	return r.redactMap(ev, skip, make(map[uintptr]bool))
}

func (r *FieldRedactor) redactMap(m map[string]interface{}, skip map[string]bool, visited map[uintptr]bool) int {
	ptr := reflect.ValueOf(m).Pointer()
	if visited[ptr] {
		return 0
	}
	visited[ptr] = true

	count := 0
	for k, v := range m {
		if skip[k] {
			continue
		}
		if rep, ok := r.replacementFor(k); ok {
			if s, isString := v.(string); !isString || s != rep {
				m[k] = rep
				count++
			}
			continue
		}
		count += r.redactValue(v, visited)
	}
	return count
}

func (r *FieldRedactor) redactValue(v interface{}, visited map[uintptr]bool) int {
	switch val := v.(type) {
	case types.Event:
		return r.redactMap(val, nil, visited)
	case map[string]interface{}:
		return r.redactMap(val, nil, visited)
	case []interface{}:
		if len(val) == 0 {
			return 0
		}
		ptr := reflect.ValueOf(val).Pointer()
		if visited[ptr] {
			return 0
		}
		visited[ptr] = true
		count := 0
		for _, item := range val {
			count += r.redactValue(item, visited)
		}
		return count
	}
	return 0
}

// PIIPattern is a named regular expression for sensitive values.
type PIIPattern struct {
	Name   string
	Regexp *regexp.Regexp
}

// builtInPIIPatterns are applied in order. Credit cards run before phone
// numbers so long digit runs are consumed whole.
var builtInPIIPatterns = []PIIPattern{
	{"email", regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)},
	{"credit_card", regexp.MustCompile(`\b(?:\d[ -]?){12,18}\d\b`)},
	{"phone", regexp.MustCompile(`(?:\+\d{1,3}[ .-]?)?(?:\(\d{3}\)\s?|\b\d{3}[ .-]?)\d{3}[ .-]?\d{4}\b`)},
	{"ipv4", regexp.MustCompile(`\b(?:(?:25[0-5]|2[0-4]\d|1?\d?\d)\.){3}(?:25[0-5]|2[0-4]\d|1?\d?\d)\b`)},
}

// BuiltInPIIPatterns returns the default patterns: email, credit card,
// phone and IPv4.
func BuiltInPIIPatterns() []PIIPattern {
	out := make([]PIIPattern, len(builtInPIIPatterns))
	copy(out, builtInPIIPatterns)
	return out
}

// CompilePIIPatterns compiles custom expressions, naming them custom_N.
func CompilePIIPatterns(exprs []string) ([]PIIPattern, error) {
	patterns := make([]PIIPattern, 0, len(exprs))
	for i, expr := range exprs {
		re, err := regexp.Compile(expr)
		if err != nil {
			return nil, fmt.Errorf("invalid PII pattern %q: %w", expr, err)
		}
		if re.MatchString(Placeholder) {
			return nil, fmt.Errorf("PII pattern %q matches the placeholder %q", expr, Placeholder)
		}
		patterns = append(patterns, PIIPattern{Name: fmt.Sprintf("custom_%d", i+1), Regexp: re})
	}
	return patterns, nil
}

// PIIDetector rewrites sensitive substrings in every string leaf of an event.
type PIIDetector struct {
	patterns []PIIPattern
	enabled  bool
}

// NewPIIDetector creates a detector using the built-in patterns followed by custom.
func NewPIIDetector(enabled bool, custom []PIIPattern) *PIIDetector {
	patterns := BuiltInPIIPatterns()
	patterns = append(patterns, custom...)
	return &PIIDetector{patterns: patterns, enabled: enabled}
}

// Enabled reports whether the detector rewrites anything.
func (d *PIIDetector) Enabled() bool { return d.enabled }

// Patterns returns the active patterns in application order.
func (d *PIIDetector) Patterns() []PIIPattern {
	out := make([]PIIPattern, len(d.patterns))
	copy(out, d.patterns)
	return out
}

// RedactString replaces every match in s with the placeholder.
func (d *PIIDetector) RedactString(s string) (string, bool) {
	if !d.enabled || s == "" || s == Placeholder {
		return s, false
	}
	out := s
	for _, p := range d.patterns {
		out = p.Regexp.ReplaceAllString(out, Placeholder)
	}
	return out, out != s
}

// Scan walks ev recursively and rewrites matching string leaves. Top-level
// keys in skip are not inspected. It returns the number of leaves changed.
// Maps and slices reachable more than once are visited once.
func (d *PIIDetector) Scan(ev types.Event, skip map[string]bool) int {
	if !d.enabled {
		return 0
	}
	return d.scanMap(ev, skip, make(map[uintptr]bool))
}

func (d *PIIDetector) scanMap(m map[string]interface{}, skip map[string]bool, visited map[uintptr]bool) int {
	ptr := reflect.ValueOf(m).Pointer()
	if visited[ptr] {
		return 0
	}
	visited[ptr] = true

	count := 0
	for k, v := range m {
		if skip[k] {
			continue
		}
		if s, ok := v.(string); ok {
			if red, changed := d.RedactString(s); changed {
				m[k] = red
				count++
			}
			continue
		}
		count += d.scanValue(v, visited)
	}
	return count
}

func (d *PIIDetector) scanValue(v interface{}, visited map[uintptr]bool) int {
	switch val := v.(type) {
	case types.Event:
		return d.scanMap(val, nil, visited)
	case map[string]interface{}:
		return d.scanMap(val, nil, visited)
	case []interface{}:
		if len(val) == 0 {
			return 0
		}
		ptr := reflect.ValueOf(val).Pointer()
		if visited[ptr] {
			return 0
		}
		visited[ptr] = true
		count := 0
		for i, item := range val {
			if s, ok := item.(string); ok {
				if red, changed := d.RedactString(s); changed {
					val[i] = red
					count++
				}
				continue
			}
			count += d.scanValue(item, visited)
		}
		return count
	}
	return 0
}
