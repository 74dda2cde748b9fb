package pipeline

import (
	"context"

	"github.com/wayneeseguin/omnipipe/pkg/types"
)

// Producer is the call surface application code logs through. It builds a
// fresh event per call, so callers never share maps with the pipeline.
type Producer struct {
	w      *Worker
	fields map[string]interface{}
}

// Producer returns a producer with no default fields.
func (w *Worker) Producer() *Producer {
	return &Producer{w: w}
}

// With returns a child producer whose events carry fields in addition to
// the parent's. Fields given to a log call win over defaults.
func (p *Producer) With(fields map[string]interface{}) *Producer {
	merged := make(map[string]interface{}, len(p.fields)+len(fields))
	for k, v := range p.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	return &Producer{w: p.w, fields: merged}
}

// Log enqueues one event with the given level and message. Fields are
// layered producer defaults, then context fields, then the call's fields.
func (p *Producer) Log(ctx context.Context, level, msg string, fields map[string]interface{}) error {
	ctxFields := FieldsFromContext(ctx)
	ev := make(types.Event, len(p.fields)+len(ctxFields)+len(fields)+2)
	for _, layer := range []map[string]interface{}{p.fields, ctxFields, fields} {
		for k, v := range layer {
			ev[k] = types.CloneValue(v)
		}
	}
	ev[types.FieldLevel] = level
	ev[types.FieldMessage] = msg
	return p.w.Enqueue(ctx, ev)
}

// Debug logs at debug level.
func (p *Producer) Debug(ctx context.Context, msg string, fields map[string]interface{}) error {
	return p.Log(ctx, "debug", msg, fields)
}

// Info logs at info level.
func (p *Producer) Info(ctx context.Context, msg string, fields map[string]interface{}) error {
	return p.Log(ctx, "info", msg, fields)
}

// Warn logs at warn level.
func (p *Producer) Warn(ctx context.Context, msg string, fields map[string]interface{}) error {
	return p.Log(ctx, "warn", msg, fields)
}

// Error logs at error level.
func (p *Producer) Error(ctx context.Context, msg string, fields map[string]interface{}) error {
	return p.Log(ctx, "error", msg, fields)
}
