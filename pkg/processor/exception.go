package processor

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"github.com/wayneeseguin/omnipipe/pkg/types"
)

// exceptionKeys name the fields whose error values gain type and stack fields.
var exceptionKeys = map[string]bool{
	"error":     true,
	"err":       true,
	"exception": true,
}

type stackTracer interface {
	StackTrace() errors.StackTrace
}

// FormatExceptions replaces error values with their messages. For errors
// stored under error, err or exception it also adds error_type and, when
// the error carries a stack, stack_trace, unless those fields exist.
func FormatExceptions(ev types.Event) {
	for k, v := range ev {
		err, ok := v.(error)
		if !ok {
			stringifyNested(v)
			continue
		}
		ev[k] = err.Error()

		if !exceptionKeys[strings.ToLower(k)] {
			continue
		}
		if _, exists := ev[types.FieldErrorType]; !exists {
			ev[types.FieldErrorType] = fmt.Sprintf("%T", errors.Cause(err))
		}
		if _, exists := ev[types.FieldStackTrace]; !exists {
			if trace := StackTrace(err); trace != "" {
				ev[types.FieldStackTrace] = trace
			}
		}
	}
}

// StackTrace returns the innermost stack recorded by github.com/pkg/errors.
func StackTrace(err error) string {
	var deepest stackTracer
	for e := err; e != nil; e = errors.Unwrap(e) {
		if st, ok := e.(stackTracer); ok {
			deepest = st
		}
	}
	if deepest == nil {
		return ""
	}
	return strings.TrimPrefix(fmt.Sprintf("%+v", deepest.StackTrace()), "\n")
}

func stringifyNested(v interface{}) {
	switch val := v.(type) {
	case types.Event:
		stringifyMap(val)
	case map[string]interface{}:
		stringifyMap(val)
	case []interface{}:
		for i, item := range val {
			if err, ok := item.(error); ok {
				val[i] = err.Error()
				continue
			}
			stringifyNested(item)
		}
	}
}

func stringifyMap(m map[string]interface{}) {
	for k, v := range m {
		if err, ok := v.(error); ok {
			m[k] = err.Error()
			continue
		}
		stringifyNested(v)
	}
}
