package formatters

import (
	"fmt"
	"io"
	"math"
	"reflect"

	json "github.com/goccy/go-json"

	"github.com/wayneeseguin/omnipipe/internal/buffer"
	"github.com/wayneeseguin/omnipipe/pkg/types"
)

// JSONFormatter renders events as compact JSON with keys in sorted order.
type JSONFormatter struct{}

// NewJSONFormatter creates a new JSON formatter
func NewJSONFormatter() *JSONFormatter {
	return &JSONFormatter{}
}

// Name returns "json".
func (f *JSONFormatter) Name() string { return "json" }

// Format renders ev as a single JSON line.
func (f *JSONFormatter) Format(ev types.Event) ([]byte, error) {
	buf := buffer.GetBuffer()
	defer buffer.PutBuffer(buf)

	if err := encodeJSON(buf, map[string]interface{}(ev)); err != nil {
		// Values the encoder rejects (NaN, channels, funcs) are stringified.
		buf.Reset()
		if err := encodeJSON(buf, makeSafe(map[string]interface{}(ev))); err != nil {
			return nil, fmt.Errorf("encoding event: %w", err)
		}
	}

	out := make([]byte, buf.Len())
	copy(out, buf.Bytes())
	return out, nil
}

func encodeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	return enc.Encode(v)
}

// MarshalValue encodes a single value compactly, used for nested fields in text output.
func MarshalValue(v interface{}) string {
	data, err := json.Marshal(v)
	if err != nil {
		data, err = json.Marshal(makeSafe(v))
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
	}
	return string(data)
}

func makeSafe(v interface{}) interface{} {
	switch val := v.(type) {
	case nil, string, bool, int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64:
		return val
	case float64:
		if math.IsNaN(val) || math.IsInf(val, 0) {
			return fmt.Sprintf("%v", val)
		}
		return val
	case float32:
		return makeSafe(float64(val))
	case error:
		return val.Error()
	case types.Event:
		return makeSafe(map[string]interface{}(val))
	case map[string]interface{}:
		safe := make(map[string]interface{}, len(val))
		for k, item := range val {
			safe[k] = makeSafe(item)
		}
		return safe
	case []interface{}:
		safe := make([]interface{}, len(val))
		for i, item := range val {
			safe[i] = makeSafe(item)
		}
		return safe
	}

	switch reflect.ValueOf(v).Kind() {
	case reflect.Func, reflect.Chan, reflect.UnsafePointer, reflect.Complex64, reflect.Complex128:
		return fmt.Sprintf("[%s]", reflect.ValueOf(v).Kind())
	}
	if _, err := json.Marshal(v); err != nil {
		return fmt.Sprintf("%v", v)
	}
	return v
}
