// Package processor turns queued events into rendered records. The steps
// run in a fixed order: level, timestamp, exceptions, enrichment, field
// redaction, PII detection, sampling, rendering.
package processor

import (
	"errors"
	"fmt"
	"time"

	"github.com/wayneeseguin/omnipipe/pkg/features"
	"github.com/wayneeseguin/omnipipe/pkg/formatters"
	"github.com/wayneeseguin/omnipipe/pkg/types"
)

// ErrSampled is returned when the sampling gate drops an event.
var ErrSampled = errors.New("event dropped by sampling")

// Config wires the chain's collaborators. Nil steps are skipped.
type Config struct {
	DefaultLevel string
	Enricher     *features.Enricher
	Redactor     *features.FieldRedactor
	PII          *features.PIIDetector
	Sampler      *features.Sampler
	Formatter    formatters.Formatter // renders Record.Line; JSON when nil
}

// Chain is immutable after construction and safe for concurrent use.
type Chain struct {
	defaultLevel string
	enricher     *features.Enricher
	redactor     *features.FieldRedactor
	pii          *features.PIIDetector
	sampler      *features.Sampler
	json         *formatters.JSONFormatter
	formatter    formatters.Formatter
}

// NewChain builds a chain from cfg.
func NewChain(cfg Config) *Chain {
	c := &Chain{
		defaultLevel: cfg.DefaultLevel,
		enricher:     cfg.Enricher,
		redactor:     cfg.Redactor,
		pii:          cfg.PII,
		sampler:      cfg.Sampler,
		json:         formatters.NewJSONFormatter(),
		formatter:    cfg.Formatter,
	}
	if c.defaultLevel == "" {
		c.defaultLevel = "info"
	}
	return c
}

// Process runs every step on a copy of the item's event. The caller's event
// is never modified. A panic inside a step is returned as an error.
func (c *Chain) Process(item types.QueueItem) (rec *types.Record, err error) {
	defer func() {
		if r := recover(); r != nil {
			rec = nil
			err = fmt.Errorf("processor panic: %v", r)
		}
	}()

	ev := item.Event.Clone()
	enqueuedAt := item.EnqueuedAt
	if enqueuedAt.IsZero() {
		enqueuedAt = time.Now()
	}

	level := NormalizeLevel(ev, c.defaultLevel)
	ts := StampTimestamp(ev, enqueuedAt)
	FormatExceptions(ev)

	skip := map[string]bool{
		types.FieldTimestamp: true,
		types.FieldLevel:     true,
	}
	if c.enricher != nil {
		for _, key := range c.enricher.Enrich(ev) {
			skip[key] = true
		}
	}

	if c.redactor != nil {
		c.redactor.Redact(ev, nil)
	}
	if c.pii != nil {
		c.pii.Scan(ev, skip)
	}

	if c.sampler != nil && !c.sampler.Keep() {
		return nil, ErrSampled
	}

	jsonLine, err := c.json.Format(ev)
	if err != nil {
		return nil, fmt.Errorf("rendering json: %w", err)
	}

	line := jsonLine
	if c.formatter != nil && c.formatter.Name() != "json" {
		if line, err = c.formatter.Format(ev); err != nil {
			return nil, fmt.Errorf("rendering %s: %w", c.formatter.Name(), err)
		}
	}

	return &types.Record{
		Event:     ev,
		Timestamp: ts,
		Level:     level,
		JSON:      jsonLine,
		Line:      line,
	}, nil
}
