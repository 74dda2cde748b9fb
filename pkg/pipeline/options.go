package pipeline

import (
	"time"

	"github.com/pkg/errors"

	"github.com/wayneeseguin/omnipipe/pkg/formatters"
	"github.com/wayneeseguin/omnipipe/pkg/types"
)

// Option is a functional option for configuring a Worker
type Option func(*Config) error

// WithQueueSize sets the queue capacity.
func WithQueueSize(size int) Option {
	return func(c *Config) error {
		if size < 0 {
			return errors.Wrapf(ErrInvalidConfig, "queue size must not be negative, got %d", size)
		}
		c.QueueSize = size
		return nil
	}
}

// WithOverflow sets the overflow policy.
func WithOverflow(policy OverflowPolicy) Option {
	return func(c *Config) error {
		if err := policy.Validate(); err != nil {
			return errors.Wrap(ErrInvalidConfig, err.Error())
		}
		c.Overflow = policy
		return nil
	}
}

// WithSamplingRate sets the keep probability of the chain's sampling gate.
// It compounds with a Sample overflow policy.
func WithSamplingRate(rate float64) Option {
	return func(c *Config) error {
		if rate < 0 || rate > 1 {
			return errors.Wrapf(ErrInvalidConfig, "sampling rate must be within [0, 1], got %v", rate)
		}
		c.SamplingRate = rate
		return nil
	}
}

// WithSink adds a sink descriptor URI.
func WithSink(uri string) Option {
	return func(c *Config) error {
		c.Sinks = append(c.Sinks, uri)
		return nil
	}
}

// WithSinkInstance adds a pre-built sink.
func WithSinkInstance(sink types.Sink) Option {
	return func(c *Config) error {
		if sink == nil {
			return errors.Wrap(ErrInvalidConfig, "sink cannot be nil")
		}
		c.SinkInstances = append(c.SinkInstances, sink)
		return nil
	}
}

// WithRedactFields redacts the named fields at any depth.
func WithRedactFields(fields ...string) Option {
	return func(c *Config) error {
		c.RedactFields = append(c.RedactFields, fields...)
		return nil
	}
}

// WithRedactPatterns redacts fields whose names match any expression.
func WithRedactPatterns(exprs ...string) Option {
	return func(c *Config) error {
		c.RedactPatterns = append(c.RedactPatterns, exprs...)
		return nil
	}
}

// WithPIIPatterns appends custom PII expressions to the built-in set.
func WithPIIPatterns(exprs ...string) Option {
	return func(c *Config) error {
		c.PIIPatterns = append(c.PIIPatterns, exprs...)
		return nil
	}
}

// WithPIIDetection enables or disables PII auto-detection.
func WithPIIDetection(enabled bool) Option {
	return func(c *Config) error {
		c.PIIDetection = enabled
		return nil
	}
}

// WithStaticFields adds fields to every event that does not already carry them.
func WithStaticFields(fields map[string]interface{}) Option {
	return func(c *Config) error {
		if c.StaticFields == nil {
			c.StaticFields = make(map[string]interface{}, len(fields))
		}
		for k, v := range fields {
			c.StaticFields[k] = v
		}
		return nil
	}
}

// WithHostFields controls hostname and pid enrichment.
func WithHostFields(enabled bool) Option {
	return func(c *Config) error {
		c.HostFields = enabled
		return nil
	}
}

// WithRender selects the rendering mode.
func WithRender(mode formatters.Mode) Option {
	return func(c *Config) error {
		c.Render = mode
		return nil
	}
}

// WithJSON renders compact JSON everywhere.
func WithJSON() Option {
	return WithRender(formatters.ModeJSON)
}

// WithText renders human-readable text on console sinks.
func WithText() Option {
	return WithRender(formatters.ModeText)
}

// WithFormatter renders with the formatter registered under name. A non-nil
// constructor registers it first, on a copy of the factory so other
// configurations are unaffected.
func WithFormatter(name string, constructor formatters.FormatterConstructor) Option {
	return func(c *Config) error {
		if constructor != nil {
			factory := c.formatterFactory().Clone()
			if err := factory.Register(name, constructor); err != nil {
				return errors.Wrap(ErrInvalidConfig, err.Error())
			}
			c.Formatters = factory
		}
		if name == "" {
			return errors.Wrap(ErrInvalidConfig, "formatter name cannot be empty")
		}
		c.Formatter = name
		return nil
	}
}

// WithFlushTimeout sets the shutdown grace period.
func WithFlushTimeout(d time.Duration) Option {
	return func(c *Config) error {
		if d <= 0 {
			return errors.Wrapf(ErrInvalidConfig, "flush timeout must be positive, got %s", d)
		}
		c.FlushTimeout = d
		return nil
	}
}

// WithSinkTimeout bounds how long one event may wait on one sink.
func WithSinkTimeout(d time.Duration) Option {
	return func(c *Config) error {
		if d <= 0 {
			return errors.Wrapf(ErrInvalidConfig, "sink timeout must be positive, got %s", d)
		}
		c.SinkTimeout = d
		return nil
	}
}

// WithErrorHandler sets the handler for failures that cannot reach a caller.
func WithErrorHandler(handler ErrorHandler) Option {
	return func(c *Config) error {
		c.ErrorHandler = handler
		return nil
	}
}

// WithRand injects the random source used by both sampling points.
func WithRand(rnd func() float64) Option {
	return func(c *Config) error {
		c.Rand = rnd
		return nil
	}
}
