package processor

import (
	"math"
	"time"

	"github.com/wayneeseguin/omnipipe/pkg/types"
)

// TimestampFormat is the rendering of stamped timestamps.
const TimestampFormat = time.RFC3339Nano

// StampTimestamp ensures the event carries a timestamp and returns it as a
// time. Missing timestamps take the enqueue time. time.Time values and
// numeric epoch seconds are rewritten as UTC RFC3339 strings. Strings that
// do not parse are kept and fallback is returned.
func StampTimestamp(ev types.Event, fallback time.Time) time.Time {
	fallback = fallback.UTC()

	switch v := ev[types.FieldTimestamp].(type) {
	case nil:
		ev[types.FieldTimestamp] = fallback.Format(TimestampFormat)
		return fallback
	case time.Time:
		ts := v.UTC()
		ev[types.FieldTimestamp] = ts.Format(TimestampFormat)
		return ts
	case string:
		if v == "" {
			ev[types.FieldTimestamp] = fallback.Format(TimestampFormat)
			return fallback
		}
		if ts, err := time.Parse(time.RFC3339Nano, v); err == nil {
			return ts.UTC()
		}
		return fallback
	case int64:
		return stampEpoch(ev, float64(v))
	case int:
		return stampEpoch(ev, float64(v))
	case float64:
		return stampEpoch(ev, v)
	default:
		return fallback
	}
}

func stampEpoch(ev types.Event, seconds float64) time.Time {
	sec, frac := math.Modf(seconds)
	ts := time.Unix(int64(sec), int64(frac*1e9)).UTC()
	ev[types.FieldTimestamp] = ts.Format(TimestampFormat)
	return ts
}
