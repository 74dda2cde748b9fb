package backends

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/wayneeseguin/omnipipe/internal/buffer"
	"github.com/wayneeseguin/omnipipe/internal/retry"
	"github.com/wayneeseguin/omnipipe/pkg/features"
)

// maxErrorBody bounds how much of an error response is kept.
const maxErrorBody = 4 * 1024

type lokiPush struct {
	Streams []lokiStream `json:"streams"`
}

type lokiStream struct {
	Stream map[string]string `json:"stream"`
	Values [][2]string       `json:"values"`
}

// LokiTransport posts batches to a Loki push endpoint as label-keyed
// streams of [nanosecond timestamp, line] pairs.
type LokiTransport struct {
	cfg    LokiConfig
	client *http.Client
}

// NewLokiTransport creates a transport. A nil client gets one with cfg.Timeout.
func NewLokiTransport(cfg LokiConfig, client *http.Client) *LokiTransport {
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &LokiTransport{cfg: cfg, client: client}
}

func (t *LokiTransport) Name() string { return "loki" }

// Encode builds the push document, gzipped when configured.
func (t *LokiTransport) Encode(b *buffer.Batch) (*Payload, error) {
	streams := b.Streams()
	push := lokiPush{Streams: make([]lokiStream, 0, len(streams))}
	for _, s := range streams {
		values := make([][2]string, len(s.Entries))
		for i, e := range s.Entries {
			values[i] = [2]string{strconv.FormatInt(e.Timestamp.UnixNano(), 10), string(e.Line)}
		}
		push.Streams = append(push.Streams, lokiStream{Stream: s.Labels, Values: values})
	}

	body, err := json.Marshal(push)
	if err != nil {
		return nil, fmt.Errorf("encoding loki push: %w", err)
	}
	if t.cfg.Gzip {
		if body, err = features.GzipBytes(body); err != nil {
			return nil, fmt.Errorf("compressing loki push: %w", err)
		}
	}
	return &Payload{ID: uuid.NewString(), Body: body, Lines: b.Len()}, nil
}

// Send posts the payload once. 429 and 5xx responses are retryable; any
// other non-2xx status is permanent.
func (t *LokiTransport) Send(ctx context.Context, p *Payload) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.cfg.Endpoint, bytes.NewReader(p.Body))
	if err != nil {
		return retry.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if t.cfg.Gzip {
		req.Header.Set("Content-Encoding", "gzip")
	}
	if t.cfg.Tenant != "" {
		req.Header.Set("X-Scope-OrgID", t.cfg.Tenant)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	detail, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	statusErr := fmt.Errorf("loki push returned %d: %s", resp.StatusCode, bytes.TrimSpace(detail))
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return statusErr
	}
	return retry.Permanent(statusErr)
}

func (t *LokiTransport) Close() error {
	t.client.CloseIdleConnections()
	return nil
}
