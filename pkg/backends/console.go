package backends

import (
	"context"
	"io"
	"sync"

	"github.com/wayneeseguin/omnipipe/pkg/types"
)

// ConsoleSink writes the rendered line of each record to a stream.
type ConsoleSink struct {
	name string
	mu   sync.Mutex
	w    io.Writer
}

// NewConsoleSink creates a console sink writing to w.
func NewConsoleSink(name string, w io.Writer) *ConsoleSink {
	return &ConsoleSink{name: name, w: w}
}

func (c *ConsoleSink) Name() string { return c.name }

// Accept writes rec.Line as a single write call.
func (c *ConsoleSink) Accept(ctx context.Context, rec *types.Record) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := c.w.Write(rec.Line)
	return err
}

// Flush syncs the stream when it supports it.
func (c *ConsoleSink) Flush(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if f, ok := c.w.(interface{ Flush() error }); ok {
		return f.Flush()
	}
	return nil
}

// Close flushes; the stream itself is not owned by the sink.
func (c *ConsoleSink) Close(ctx context.Context) error {
	return c.Flush(ctx)
}
