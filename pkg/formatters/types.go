package formatters

import (
	"fmt"
	"strings"
	"time"
)

// Mode selects how records are rendered for human-facing sinks.
type Mode int

const (
	// ModeAuto renders text on a terminal and JSON otherwise
	ModeAuto Mode = iota
	// ModeJSON renders compact JSON lines
	ModeJSON
	// ModeText renders human-readable text
	ModeText
)

// String returns the configuration name of the mode.
func (m Mode) String() string {
	switch m {
	case ModeJSON:
		return "json"
	case ModeText:
		return "text"
	default:
		return "auto"
	}
}

// ParseMode parses "json", "text" or "auto". An empty string means auto.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "auto":
		return ModeAuto, nil
	case "json":
		return ModeJSON, nil
	case "text", "console":
		return ModeText, nil
	default:
		return ModeAuto, fmt.Errorf("unknown render mode %q", s)
	}
}

// FormatOptions controls text output.
type FormatOptions struct {
	TimestampFormat string
	TimeZone        *time.Location
	Color           bool
	FieldSeparator  string
}

// DefaultFormatOptions returns default formatting options
func DefaultFormatOptions() FormatOptions {
	return FormatOptions{
		TimestampFormat: time.RFC3339Nano,
		TimeZone:        time.UTC,
		FieldSeparator:  " ",
	}
}
