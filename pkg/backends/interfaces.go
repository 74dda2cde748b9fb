// Package backends implements the sinks records are delivered to and the
// registry that builds them from descriptor URIs.
package backends

import (
	"context"

	"github.com/wayneeseguin/omnipipe/internal/buffer"
)

// ErrorHandler receives failures that cannot be returned to a caller.
type ErrorHandler func(source, dest, msg string, err error)

// MetricsHandler receives named sink events such as "rotation_completed".
type MetricsHandler func(event string)

// Payload is an encoded batch. It is built once and resent unchanged on
// every retry.
type Payload struct {
	ID    string   // unique per batch
	Key   string   // object key for archive transports
	Body  []byte   // request body for single-request transports
	Items [][]byte // per-line messages for list and bus transports
	Lines int
}

// Transport encodes batches and delivers them to a remote system.
type Transport interface {
	// Name identifies the transport kind, e.g. "loki".
	Name() string

	// Encode serializes a batch. It must not retain the batch.
	Encode(b *buffer.Batch) (*Payload, error)

	// Send performs one delivery attempt. Errors wrapped with
	// retry.Permanent are not retried.
	Send(ctx context.Context, p *Payload) error

	// Close releases connections.
	Close() error
}
