package formatters

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/wayneeseguin/omnipipe/internal/buffer"
	"github.com/wayneeseguin/omnipipe/pkg/types"
)

// ANSI color codes per level.
const (
	colorReset   = "\x1b[0m"
	colorGray    = "\x1b[90m"
	colorCyan    = "\x1b[36m"
	colorGreen   = "\x1b[32m"
	colorYellow  = "\x1b[33m"
	colorRed     = "\x1b[31m"
	colorMagenta = "\x1b[35m"
)

// TextFormatter renders "TIMESTAMP LEVEL message key=value ..." lines.
type TextFormatter struct {
	Options FormatOptions
}

// NewTextFormatter creates a new text formatter
func NewTextFormatter(opts FormatOptions) *TextFormatter {
	if opts.FieldSeparator == "" {
		opts.FieldSeparator = " "
	}
	return &TextFormatter{Options: opts}
}

// Name returns "text".
func (f *TextFormatter) Name() string { return "text" }

// Format renders ev as one text line. Remaining fields follow the message
// in sorted key order.
func (f *TextFormatter) Format(ev types.Event) ([]byte, error) {
	buf := buffer.GetBuffer()
	defer buffer.PutBuffer(buf)

	sep := f.Options.FieldSeparator

	if ts, ok := ev[types.FieldTimestamp]; ok {
		buf.WriteString(fmt.Sprintf("%v", ts))
		buf.WriteString(sep)
	}

	level, _ := ev[types.FieldLevel].(string)
	if level == "" {
		level = "info"
	}
	label := fmt.Sprintf("%-5s", strings.ToUpper(level))
	if f.Options.Color {
		buf.WriteString(levelColor(level))
		buf.WriteString(label)
		buf.WriteString(colorReset)
	} else {
		buf.WriteString(label)
	}

	if msg, ok := ev[types.FieldMessage]; ok {
		buf.WriteString(sep)
		buf.WriteString(fmt.Sprintf("%v", msg))
	}

	keys := make([]string, 0, len(ev))
	for k := range ev {
		switch k {
		case types.FieldTimestamp, types.FieldLevel, types.FieldMessage:
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		buf.WriteString(sep)
		buf.WriteString(k)
		buf.WriteByte('=')
		buf.WriteString(formatValue(ev[k]))
	}
	buf.WriteByte('\n')

	out := make([]byte, buf.Len())
	copy(out, buf.Bytes())
	return out, nil
}

func formatValue(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return "null"
	case string:
		if val == "" || strings.ContainsAny(val, " =\"\n\t") {
			return strconv.Quote(val)
		}
		return val
	case bool, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
		return fmt.Sprintf("%v", val)
	case error:
		return strconv.Quote(val.Error())
	default:
		return MarshalValue(val)
	}
}

func levelColor(level string) string {
	switch strings.ToLower(level) {
	case "trace":
		return colorGray
	case "debug":
		return colorCyan
	case "info":
		return colorGreen
	case "warn", "warning":
		return colorYellow
	case "error":
		return colorRed
	case "fatal", "critical":
		return colorMagenta
	default:
		return colorReset
	}
}
