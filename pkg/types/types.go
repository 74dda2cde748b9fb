package types

import (
	"context"
	"fmt"
	"reflect"
	"time"
)

// Event is one structured log record: a mapping from field name to a
// dynamically typed value (string, number, bool, nil, nested Event or
// map[string]interface{}, or []interface{}). Field order is not kept;
// renderers emit keys sorted so output is deterministic.
type Event map[string]interface{}

// Well-known field names used by the processor chain.
const (
	FieldTimestamp  = "timestamp"
	FieldLevel      = "level"
	FieldMessage    = "message"
	FieldStackTrace = "stack_trace"
	FieldErrorType  = "error_type"
)

// QueueItem wraps an event with the time it entered the queue.
// It is owned by the queue until the worker dequeues it.
type QueueItem struct {
	Event      Event
	EnqueuedAt time.Time
}

// Record is the fully processed, rendered form of an event handed to sinks.
// Sinks must treat a Record as read-only; the same Record is shared by
// every sink an event fans out to.
type Record struct {
	Event     Event     // processed and redacted fields
	Timestamp time.Time // normalized event time
	Level     string    // normalized level name
	JSON      []byte    // compact JSON rendering, newline terminated
	Line      []byte    // rendering in the configured mode (JSON or text)
}

// Sink is a terminal destination for rendered records.
type Sink interface {
	// Name identifies the sink in diagnostics and metrics.
	Name() string

	// Accept takes one record. It must not perform unbounded blocking I/O.
	Accept(ctx context.Context, rec *Record) error

	// Flush delivers anything the sink has buffered.
	Flush(ctx context.Context) error

	// Close performs a final flush and releases resources.
	Close(ctx context.Context) error
}

// StatsReporter is implemented by sinks that buffer data.
type StatsReporter interface {
	Stats() SinkStats
}

// SinkStats describes the buffered state of a sink.
type SinkStats struct {
	BufferedLines  int
	PendingBatches int
	SentBatches    uint64
	LostLines      uint64
}

// Outcome is the result of delivering one record to one sink.
type Outcome struct {
	Sink     string
	Err      error
	Duration time.Duration
}

// OK reports whether the sink accepted the record.
func (o Outcome) OK() bool {
	return o.Err == nil
}

// Log level constants
const (
	LevelTrace = 0
	LevelDebug = 1
	LevelInfo  = 2
	LevelWarn  = 3
	LevelError = 4
	LevelFatal = 5
)

// LevelName returns the canonical lowercase name of a level.
func LevelName(level int) string {
	switch level {
	case LevelTrace:
		return "trace"
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	case LevelFatal:
		return "fatal"
	default:
		return "info"
	}
}

// Clone returns a deep copy of the event as a tree of Event, []interface{}
// and leaf values. Typed maps and slices are converted to their generic form.
// A map or slice reachable from itself is replaced with a marker string, so
// the result is always acyclic.
func (e Event) Clone() Event {
	if e == nil {
		return Event{}
	}
	visited := make(map[uintptr]bool)
	out, _ := cloneValue(map[string]interface{}(e), visited).(Event)
	if out == nil {
		return Event{}
	}
	return out
}

// CloneValue deep-copies a single field value the same way Clone does.
func CloneValue(v interface{}) interface{} {
	return cloneValue(v, make(map[uintptr]bool))
}

// CircularMarker replaces values that refer back to one of their ancestors.
const CircularMarker = "[circular reference]"

func cloneValue(v interface{}, visited map[uintptr]bool) interface{} {
	switch val := v.(type) {
	case nil, string, bool, int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64, float32, float64, time.Time, time.Duration:
		return val
	case error:
		// Exception formatting handles top-level errors; keep them intact.
		return val
	case Event:
		return cloneMap(map[string]interface{}(val), visited)
	case map[string]interface{}:
		return cloneMap(val, visited)
	case map[string]string:
		out := make(Event, len(val))
		for k, s := range val {
			out[k] = s
		}
		return out
	case []interface{}:
		return cloneSlice(val, visited)
	case []string:
		out := make([]interface{}, len(val))
		for i, s := range val {
			out[i] = s
		}
		return out
	case fmt.Stringer:
		return val.String()
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return fmt.Sprintf("%v", v)
		}
		if rv.IsNil() {
			return nil
		}
		ptr := rv.Pointer()
		if visited[ptr] {
			return CircularMarker
		}
		visited[ptr] = true
		defer delete(visited, ptr)
		out := make(Event, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			out[iter.Key().String()] = cloneValue(iter.Value().Interface(), visited)
		}
		return out
	case reflect.Slice, reflect.Array:
		if rv.Kind() == reflect.Slice && rv.Type().Elem().Kind() == reflect.Uint8 {
			return string(rv.Bytes())
		}
		out := make([]interface{}, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			out[i] = cloneValue(rv.Index(i).Interface(), visited)
		}
		return out
	case reflect.Ptr:
		if rv.IsNil() {
			return nil
		}
		return cloneValue(rv.Elem().Interface(), visited)
	}
	return v
}

func cloneMap(m map[string]interface{}, visited map[uintptr]bool) interface{} {
	if m == nil {
		return nil
	}
	ptr := reflect.ValueOf(m).Pointer()
	if visited[ptr] {
		return CircularMarker
	}
	visited[ptr] = true
	defer delete(visited, ptr)

	out := make(Event, len(m))
	for k, v := range m {
		out[k] = cloneValue(v, visited)
	}
	return out
}

func cloneSlice(s []interface{}, visited map[uintptr]bool) interface{} {
	if s == nil {
		return []interface{}(nil)
	}
	if len(s) > 0 {
		ptr := reflect.ValueOf(s).Pointer()
		if visited[ptr] {
			return CircularMarker
		}
		visited[ptr] = true
		defer delete(visited, ptr)
	}
	out := make([]interface{}, len(s))
	for i, v := range s {
		out[i] = cloneValue(v, visited)
	}
	return out
}
