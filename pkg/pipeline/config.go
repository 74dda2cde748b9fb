package pipeline

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/wayneeseguin/omnipipe/pkg/backends"
	"github.com/wayneeseguin/omnipipe/pkg/features"
	"github.com/wayneeseguin/omnipipe/pkg/formatters"
	"github.com/wayneeseguin/omnipipe/pkg/types"
)

// Defaults applied by DefaultConfig.
const (
	DefaultQueueSize    = 1000
	DefaultFlushTimeout = 10 * time.Second
	DefaultSinkTimeout  = 5 * time.Second
	DefaultSink         = "console://stdout"
)

// Config contains all configuration options for a Worker
type Config struct {
	// Queue settings
	QueueSize int            // Queue capacity; 0 makes every enqueue overflow
	Overflow  OverflowPolicy // Behavior when the queue is full

	// Processing settings
	SamplingRate   float64                // Keep probability of the chain's sampling gate
	DefaultLevel   string                 // Level for events that carry none
	StaticFields   map[string]interface{} // Added to every event unless present
	HostFields     bool                   // Add hostname and pid
	RedactFields   []string               // Field names replaced with the placeholder
	RedactPatterns []string               // Regular expressions over field names
	PIIDetection   bool                   // Scan string values for PII
	PIIPatterns    []string               // Extra PII expressions, appended to the built-ins

	// Rendering settings
	Render        formatters.Mode
	FormatOptions formatters.FormatOptions
	Formatter     string              // Registered formatter name; overrides Render when set
	Formatters    *formatters.Factory // nil selects formatters.DefaultFactory

	// Sink settings
	Sinks         []string     // Sink descriptor URIs
	SinkInstances []types.Sink // Pre-built sinks, dispatched after the URI sinks
	SinkEnv       backends.Env // Collaborators for URI sinks
	SinkTimeout   time.Duration

	// Shutdown settings
	FlushTimeout time.Duration // Grace period used when Shutdown's context has no deadline

	// Error handling
	ErrorHandler ErrorHandler

	// Random source for both sampling points; nil selects math/rand.
	Rand func() float64
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		QueueSize:     DefaultQueueSize,
		Overflow:      Drop(),
		SamplingRate:  1.0,
		DefaultLevel:  "info",
		HostFields:    true,
		PIIDetection:  true,
		Render:        formatters.ModeAuto,
		FormatOptions: formatters.DefaultFormatOptions(),
		SinkTimeout:   DefaultSinkTimeout,
		FlushTimeout:  DefaultFlushTimeout,
		ErrorHandler:  defaultErrorHandler(),
	}
}

// Validate checks the configuration eagerly: every sink descriptor is
// parsed and every pattern compiled, so a bad value fails here rather than
// at first dispatch.
func (c *Config) Validate() error {
	if c.QueueSize < 0 {
		return errors.Wrapf(ErrInvalidConfig, "queue size must not be negative, got %d", c.QueueSize)
	}
	if err := c.Overflow.Validate(); err != nil {
		return errors.Wrapf(ErrInvalidConfig, "overflow: %v", err)
	}
	if c.SamplingRate < 0 || c.SamplingRate > 1 {
		return errors.Wrapf(ErrInvalidConfig, "sampling rate must be within [0, 1], got %v", c.SamplingRate)
	}
	if c.FlushTimeout <= 0 {
		return errors.Wrapf(ErrInvalidConfig, "flush timeout must be positive, got %s", c.FlushTimeout)
	}
	if c.SinkTimeout <= 0 {
		return errors.Wrapf(ErrInvalidConfig, "sink timeout must be positive, got %s", c.SinkTimeout)
	}
	if _, err := c.redactionRules(); err != nil {
		return errors.Wrap(ErrInvalidConfig, err.Error())
	}
	if _, err := features.CompilePIIPatterns(c.PIIPatterns); err != nil {
		return errors.Wrap(ErrInvalidConfig, err.Error())
	}
	if _, err := backends.ParseAll(c.sinkURIs()); err != nil {
		return errors.Wrap(ErrInvalidConfig, err.Error())
	}
	if c.Formatter != "" && !c.hasFormatter(c.Formatter) {
		return errors.Wrapf(ErrInvalidConfig, "unknown formatter %q, have %v", c.Formatter, c.formatterFactory().ListFormatters())
	}
	for i, sink := range c.SinkInstances {
		if sink == nil {
			return errors.Wrapf(ErrInvalidConfig, "sink instance %d is nil", i)
		}
	}
	if c.ErrorHandler == nil {
		c.ErrorHandler = defaultErrorHandler()
	}
	if c.DefaultLevel == "" {
		c.DefaultLevel = "info"
	}
	if c.FormatOptions.TimestampFormat == "" {
		c.FormatOptions = formatters.DefaultFormatOptions()
	}
	return nil
}

func (c *Config) formatterFactory() *formatters.Factory {
	if c.Formatters != nil {
		return c.Formatters
	}
	return formatters.DefaultFactory
}

func (c *Config) hasFormatter(name string) bool {
	for _, registered := range c.formatterFactory().ListFormatters() {
		if registered == name {
			return true
		}
	}
	return false
}

// sinkURIs returns the configured URIs, falling back to the console when
// no sink of any kind is configured.
func (c *Config) sinkURIs() []string {
	if len(c.Sinks) == 0 && len(c.SinkInstances) == 0 {
		return []string{DefaultSink}
	}
	return c.Sinks
}

func (c *Config) redactionRules() ([]features.RedactionRule, error) {
	rules := make([]features.RedactionRule, 0, len(c.RedactFields)+len(c.RedactPatterns))
	for _, field := range c.RedactFields {
		if field = strings.TrimSpace(field); field != "" {
			rules = append(rules, features.FieldRule(field))
		}
	}
	for _, expr := range c.RedactPatterns {
		rule, err := features.PatternRule(expr)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

// ConfigFromEnv starts from DefaultConfig and applies PREFIX_* variables:
// QUEUE_SIZE, OVERFLOW, SAMPLING_RATE, SINKS, REDACT_FIELDS, PII_PATTERNS,
// PII_DETECTION, RENDER and FLUSH_TIMEOUT.
func ConfigFromEnv(prefix string) (*Config, error) {
	c := DefaultConfig()
	get := func(name string) (string, bool) {
		v, ok := os.LookupEnv(prefix + name)
		return strings.TrimSpace(v), ok && strings.TrimSpace(v) != ""
	}

	if v, ok := get("QUEUE_SIZE"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, errors.Wrapf(ErrInvalidConfig, "%sQUEUE_SIZE: %v", prefix, err)
		}
		c.QueueSize = n
	}
	if v, ok := get("OVERFLOW"); ok {
		p, err := ParseOverflowPolicy(v)
		if err != nil {
			return nil, errors.Wrapf(ErrInvalidConfig, "%sOVERFLOW: %v", prefix, err)
		}
		c.Overflow = p
	}
	if v, ok := get("SAMPLING_RATE"); ok {
		rate, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, errors.Wrapf(ErrInvalidConfig, "%sSAMPLING_RATE: %v", prefix, err)
		}
		c.SamplingRate = rate
	}
	if v, ok := get("SINKS"); ok {
		c.Sinks = splitSinks(v)
	}
	if v, ok := get("REDACT_FIELDS"); ok {
		c.RedactFields = splitList(v)
	}
	if v, ok := get("PII_PATTERNS"); ok {
		// Patterns may contain commas, so they are separated by newlines or semicolons.
		c.PIIPatterns = strings.FieldsFunc(v, func(r rune) bool { return r == '\n' || r == ';' })
	}
	if v, ok := get("PII_DETECTION"); ok {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return nil, errors.Wrapf(ErrInvalidConfig, "%sPII_DETECTION: %v", prefix, err)
		}
		c.PIIDetection = enabled
	}
	if v, ok := get("RENDER"); ok {
		mode, err := formatters.ParseMode(v)
		if err != nil {
			return nil, errors.Wrapf(ErrInvalidConfig, "%sRENDER: %v", prefix, err)
		}
		c.Render = mode
	}
	if v, ok := get("FORMATTER"); ok {
		c.Formatter = v
	}
	if v, ok := get("FLUSH_TIMEOUT"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, errors.Wrapf(ErrInvalidConfig, "%sFLUSH_TIMEOUT: %v", prefix, err)
		}
		c.FlushTimeout = d
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// splitSinks splits a comma separated URI list. A comma only starts a new
// URI when the next part looks like one, so label lists such as
// labels=app:api,env:prod stay intact. Relative file paths need file://.
func splitSinks(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		startsURI := strings.Contains(trimmed, "://") ||
			strings.HasPrefix(trimmed, "/") ||
			strings.HasPrefix(trimmed, "console:")
		if len(out) == 0 || startsURI {
			out = append(out, trimmed)
			continue
		}
		out[len(out)-1] += "," + trimmed
	}
	return out
}
