package buffer

import (
	"sort"
	"strings"
	"time"
)

// Entry is one rendered line held by a Batch.
type Entry struct {
	Timestamp time.Time
	Line      []byte
	Labels    map[string]string // static labels merged with per-line labels
}

// Stream groups the entries of a batch that share one label set.
type Stream struct {
	Key     string
	Labels  map[string]string
	Entries []Entry
}

// Batch accumulates rendered lines for a single network sink. It is not
// safe for concurrent use; the owning sink serializes access.
type Batch struct {
	static    map[string]string
	entries   []Entry
	size      int // total bytes of buffered lines
	createdAt time.Time
}

// NewBatch creates an empty batch. static labels are applied to every line.
func NewBatch(static map[string]string, capacity int) *Batch {
	if capacity < 0 {
		capacity = 0
	}
	labels := make(map[string]string, len(static))
	for k, v := range static {
		labels[k] = v
	}
	return &Batch{
		static:  labels,
		entries: make([]Entry, 0, capacity),
	}
}

// Add appends a line and returns the number of buffered lines. The line is
// copied so callers may reuse their buffer. extra labels override static ones.
func (b *Batch) Add(ts time.Time, line []byte, extra map[string]string) int {
	if len(b.entries) == 0 {
		b.createdAt = time.Now()
	}

	lineCopy := make([]byte, len(line))
	copy(lineCopy, line)

	labels := b.static
	if len(extra) > 0 {
		labels = make(map[string]string, len(b.static)+len(extra))
		for k, v := range b.static {
			labels[k] = v
		}
		for k, v := range extra {
			labels[k] = v
		}
	}

	b.entries = append(b.entries, Entry{Timestamp: ts, Line: lineCopy, Labels: labels})
	b.size += len(lineCopy)
	return len(b.entries)
}

// Len returns the number of buffered lines.
func (b *Batch) Len() int { return len(b.entries) }

// Size returns the total bytes of buffered lines.
func (b *Batch) Size() int { return b.size }

// Age returns how long the oldest line has been buffered.
func (b *Batch) Age() time.Duration {
	if len(b.entries) == 0 {
		return 0
	}
	return time.Since(b.createdAt)
}

// Entries returns the buffered entries in insertion order.
func (b *Batch) Entries() []Entry { return b.entries }

// Lines returns the buffered lines in insertion order.
func (b *Batch) Lines() [][]byte {
	lines := make([][]byte, len(b.entries))
	for i, e := range b.entries {
		lines[i] = e.Line
	}
	return lines
}

// Streams groups entries by label set. Streams appear in the order their
// first line was added and entries keep insertion order within a stream.
func (b *Batch) Streams() []Stream {
	var streams []Stream
	index := make(map[string]int)
	for _, e := range b.entries {
		key := LabelKey(e.Labels)
		i, ok := index[key]
		if !ok {
			i = len(streams)
			index[key] = i
			streams = append(streams, Stream{Key: key, Labels: e.Labels})
		}
		streams[i].Entries = append(streams[i].Entries, e)
	}
	return streams
}

// LabelKey renders a label set in canonical form, e.g. {app="api",env="prod"}.
func LabelKey(labels map[string]string) string {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	sb.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(k)
		sb.WriteString(`="`)
		sb.WriteString(strings.ReplaceAll(labels[k], `"`, `\"`))
		sb.WriteByte('"')
	}
	sb.WriteByte('}')
	return sb.String()
}
