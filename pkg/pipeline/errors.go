package pipeline

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Errors returned to producers and callers of New.
var (
	// ErrQueueFull is returned by Enqueue when the queue has no room under
	// the Drop or Sample policies.
	ErrQueueFull = errors.New("queue is full")

	// ErrSampledOut is returned by Enqueue when the Sample policy discarded
	// the event before it reached the queue.
	ErrSampledOut = errors.New("event sampled out")

	// ErrClosed is returned once shutdown has begun.
	ErrClosed = errors.New("pipeline is closed")

	// ErrSinkTimeout is the outcome of a delivery abandoned after the sink
	// timeout.
	ErrSinkTimeout = errors.New("sink timed out")

	// ErrInvalidConfig wraps every configuration failure.
	ErrInvalidConfig = errors.New("invalid pipeline configuration")
)

// ErrorLevel ranks reported failures.
type ErrorLevel int

const (
	ErrorLevelLow ErrorLevel = iota
	ErrorLevelMedium
	ErrorLevelHigh
	ErrorLevelCritical
)

func (l ErrorLevel) String() string {
	switch l {
	case ErrorLevelLow:
		return "low"
	case ErrorLevelMedium:
		return "medium"
	case ErrorLevelHigh:
		return "high"
	case ErrorLevelCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// LogError represents a failure inside the pipeline that cannot be returned
// to a producer.
type LogError struct {
	Timestamp   time.Time
	Level       ErrorLevel
	Operation   string // "process", "dispatch", "send", "rotation", ...
	Destination string // sink name, when the failure belongs to one
	Message     string
	Err         error
}

// Error returns the string representation of the LogError
func (le LogError) Error() string {
	if le.Destination != "" {
		return fmt.Sprintf("[%s] %s error in %s: %s - %v",
			le.Timestamp.Format("2006-01-02 15:04:05"),
			le.Operation, le.Destination, le.Message, le.Err)
	}
	return fmt.Sprintf("[%s] %s error: %s - %v",
		le.Timestamp.Format("2006-01-02 15:04:05"),
		le.Operation, le.Message, le.Err)
}

func (le LogError) Unwrap() error { return le.Err }

// ErrorHandler receives pipeline failures. It must not block.
type ErrorHandler func(LogError)

// ZerologErrorHandler writes failures to logger.
func ZerologErrorHandler(logger zerolog.Logger) ErrorHandler {
	return func(le LogError) {
		var ev *zerolog.Event
		switch le.Level {
		case ErrorLevelCritical:
			ev = logger.Error().Bool("critical", true)
		case ErrorLevelHigh:
			ev = logger.Error()
		case ErrorLevelMedium:
			ev = logger.Warn()
		default:
			ev = logger.Info()
		}
		if le.Destination != "" {
			ev = ev.Str("destination", le.Destination)
		}
		ev.Str("operation", le.Operation).
			Err(le.Err).
			Time("at", le.Timestamp).
			Msg(le.Message)
	}
}

var stderrLogger = zerolog.New(os.Stderr).With().Timestamp().Str("component", "omnipipe").Logger()

// StderrErrorHandler writes errors to stderr as JSON (default behavior)
func StderrErrorHandler(le LogError) {
	ZerologErrorHandler(stderrLogger)(le)
}

// SilentErrorHandler discards all errors
func SilentErrorHandler(LogError) {}

// ChannelErrorHandler returns an error handler that sends errors to a channel
func ChannelErrorHandler(ch chan<- LogError) ErrorHandler {
	return func(le LogError) {
		select {
		case ch <- le:
		default:
			// Channel full, fallback to stderr
			StderrErrorHandler(le)
		}
	}
}

// MultiErrorHandler combines multiple error handlers
func MultiErrorHandler(handlers ...ErrorHandler) ErrorHandler {
	return func(le LogError) {
		for _, handler := range handlers {
			if handler != nil {
				handler(le)
			}
		}
	}
}

// isTestMode detects if we're running under go test
func isTestMode() bool {
	for _, arg := range os.Args {
		if strings.HasPrefix(arg, "-test.") {
			return true
		}
	}
	if exe, err := os.Executable(); err == nil {
		if strings.HasSuffix(filepath.Base(exe), ".test") {
			return true
		}
	}
	return false
}

// defaultErrorHandler returns the appropriate error handler based on environment
func defaultErrorHandler() ErrorHandler {
	if isTestMode() {
		return SilentErrorHandler
	}
	return StderrErrorHandler
}
