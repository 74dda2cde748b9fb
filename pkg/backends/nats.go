package backends

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/wayneeseguin/omnipipe/internal/buffer"
)

// natsFlushTimeout bounds a flush when the caller's context has no deadline.
const natsFlushTimeout = 10 * time.Second

// NATSTransport publishes every line of a batch to a subject and waits for
// the server to acknowledge the flush.
type NATSTransport struct {
	cfg  NATSConfig
	conn *nats.Conn
}

// NewNATSTransport connects to the server. The connection keeps trying in
// the background when the server is not yet reachable.
func NewNATSTransport(cfg NATSConfig) (*NATSTransport, error) {
	conn, err := nats.Connect(cfg.URL,
		nats.Name("omnipipe"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return &NATSTransport{cfg: cfg, conn: conn}, nil
}

func (t *NATSTransport) Name() string { return "nats" }

func (t *NATSTransport) Encode(b *buffer.Batch) (*Payload, error) {
	return &Payload{Items: b.Lines(), Lines: b.Len()}, nil
}

// Send publishes the items once. A disconnected client fails the attempt
// instead of buffering, so the retry policy decides the batch's fate.
func (t *NATSTransport) Send(ctx context.Context, p *Payload) error {
	if !t.conn.IsConnected() {
		return fmt.Errorf("NATS connection not established (status %s)", t.conn.Status())
	}
	for _, item := range p.Items {
		if err := t.conn.Publish(t.cfg.Subject, item); err != nil {
			return fmt.Errorf("failed to publish: %w", err)
		}
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, natsFlushTimeout)
		defer cancel()
	}
	if err := t.conn.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("failed to flush: %w", err)
	}
	return nil
}

func (t *NATSTransport) Close() error {
	t.conn.Close()
	return nil
}
