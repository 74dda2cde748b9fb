package backends

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/wayneeseguin/omnipipe/internal/buffer"
)

// RedisEntry is the msgpack form of one line pushed to a Redis list.
type RedisEntry struct {
	Timestamp int64             `msgpack:"ts"`
	Labels    map[string]string `msgpack:"labels"`
	Line      string            `msgpack:"line"`
}

// RedisTransport appends each line of a batch to a Redis list in one
// MULTI/EXEC, optionally trimming the list to its newest max_len entries.
type RedisTransport struct {
	cfg    RedisConfig
	client *redis.Client
}

// NewRedisTransport creates a transport. The client connects lazily.
func NewRedisTransport(cfg RedisConfig) *RedisTransport {
	client := redis.NewClient(&redis.Options{
		Addr:       cfg.Addr,
		Username:   cfg.Username,
		Password:   cfg.Password,
		DB:         cfg.DB,
		MaxRetries: -1,
	})
	return &RedisTransport{cfg: cfg, client: client}
}

func (t *RedisTransport) Name() string { return "redis" }

// Encode produces one list item per line: the JSON line itself, or a
// msgpack RedisEntry.
func (t *RedisTransport) Encode(b *buffer.Batch) (*Payload, error) {
	entries := b.Entries()
	items := make([][]byte, 0, len(entries))
	for _, e := range entries {
		if t.cfg.Format != "msgpack" {
			items = append(items, e.Line)
			continue
		}
		item, err := msgpack.Marshal(&RedisEntry{
			Timestamp: e.Timestamp.UnixNano(),
			Labels:    e.Labels,
			Line:      string(e.Line),
		})
		if err != nil {
			return nil, fmt.Errorf("encoding redis entry: %w", err)
		}
		items = append(items, item)
	}
	return &Payload{Items: items, Lines: len(items)}, nil
}

// Send pushes all items atomically.
func (t *RedisTransport) Send(ctx context.Context, p *Payload) error {
	if len(p.Items) == 0 {
		return nil
	}
	values := make([]interface{}, len(p.Items))
	for i, item := range p.Items {
		values[i] = item
	}

	_, err := t.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, t.cfg.Key, values...)
		if t.cfg.MaxLen > 0 {
			pipe.LTrim(ctx, t.cfg.Key, -t.cfg.MaxLen, -1)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("pushing to %s: %w", t.cfg.Key, err)
	}
	return nil
}

func (t *RedisTransport) Close() error {
	return t.client.Close()
}
