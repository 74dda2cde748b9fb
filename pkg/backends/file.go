package backends

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/gofrs/flock"

	"github.com/wayneeseguin/omnipipe/pkg/features"
	"github.com/wayneeseguin/omnipipe/pkg/types"
)

// DefaultBufferSize for file operations
const DefaultBufferSize = 32 * 1024

// fileWriteAttempts bounds how often a failed write reopens the file.
const fileWriteAttempts = 3

// FileSink appends JSON lines to a file and rotates it by size.
type FileSink struct {
	name    string
	path    string
	useLock bool

	mu             sync.Mutex
	file           *os.File
	writer         *bufio.Writer
	lock           *flock.Flock
	size           int64
	closed         bool
	rotator        *features.Rotator
	errorHandler   ErrorHandler
	metricsHandler MetricsHandler
}

// NewFileSink opens (creating if needed) the file described by cfg.
func NewFileSink(name string, cfg FileConfig) (*FileSink, error) {
	rotator := features.NewRotator(cfg.MaxBytes, cfg.Backups)
	if cfg.Compress {
		if err := rotator.SetCompression(features.CompressionGzip); err != nil {
			return nil, err
		}
	}

	fs := &FileSink{
		name:    name,
		path:    filepath.Clean(cfg.Path),
		useLock: cfg.Lock,
		rotator: rotator,
	}
	if err := fs.open(); err != nil {
		return nil, err
	}
	return fs, nil
}

func (fs *FileSink) open() error {
	// #nosec G301 - log directories need to be accessible by other processes
	if err := os.MkdirAll(filepath.Dir(fs.path), 0755); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}

	file, err := os.OpenFile(fs.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644) // #nosec G302 - log files need to be readable
	if err != nil {
		return fmt.Errorf("open file: %w", err)
	}

	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return fmt.Errorf("stat file: %w", err)
	}

	fs.file = file
	fs.writer = bufio.NewWriterSize(file, DefaultBufferSize)
	fs.size = info.Size()
	if fs.useLock {
		fs.lock = flock.New(fs.path)
	}
	return nil
}

func (fs *FileSink) closeFile() error {
	if fs.file == nil {
		return nil
	}
	var errs []error
	if err := fs.writer.Flush(); err != nil {
		errs = append(errs, fmt.Errorf("flush: %w", err))
	}
	if err := fs.file.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close file: %w", err))
	}
	fs.file = nil
	fs.writer = nil
	if len(errs) > 0 {
		return fmt.Errorf("close errors: %v", errs)
	}
	return nil
}

// SetErrorHandler sets the error handler function
func (fs *FileSink) SetErrorHandler(handler ErrorHandler) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.errorHandler = handler
	fs.rotator.SetErrorHandler(handler)
}

// SetMetricsHandler sets the metrics tracking function
func (fs *FileSink) SetMetricsHandler(handler MetricsHandler) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.metricsHandler = handler
	fs.rotator.SetMetricsHandler(handler)
}

func (fs *FileSink) Name() string { return fs.name }

// Path returns the path of the active file.
func (fs *FileSink) Path() string { return fs.path }

// Size returns the size of the active file including buffered bytes.
func (fs *FileSink) Size() int64 {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.size
}

// Accept appends the JSON rendering of rec, rotating first when the line
// would push the file past its size threshold.
func (fs *FileSink) Accept(ctx context.Context, rec *types.Record) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if fs.closed {
		return fmt.Errorf("file sink %s is closed", fs.name)
	}

	if fs.rotator.ShouldRotate(fs.size, int64(len(rec.JSON))) {
		if err := fs.rotateLocked(); err != nil {
			fs.reportError("rotation", "rotation failed, continuing with current file", err)
			if fs.file == nil {
				if reopenErr := fs.open(); reopenErr != nil {
					return reopenErr
				}
			}
		}
	}

	var lastErr error
	for attempt := 1; attempt <= fileWriteAttempts; attempt++ {
		if fs.file == nil {
			if err := fs.open(); err != nil {
				lastErr = err
				continue
			}
		}

		err := fs.writeLocked(rec.JSON)
		if err == nil {
			return nil
		}
		lastErr = err

		if attempt < fileWriteAttempts {
			msg := fmt.Sprintf("write failed, reopening file (retry %d/%d)", attempt, fileWriteAttempts-1)
			if isDiskFullError(err) {
				msg = fmt.Sprintf("disk full, rotating (retry %d/%d)", attempt, fileWriteAttempts-1)
				if rotErr := fs.rotateLocked(); rotErr != nil {
					fs.reportError("rotation", "rotation during disk full failed", rotErr)
				}
			} else {
				_ = fs.closeFile()
			}
			fs.reportError("write", msg, err)
		}
	}
	return fmt.Errorf("write failed after %d attempts: %w", fileWriteAttempts, lastErr)
}

// writeLocked writes and flushes one line under the inter-process lock.
func (fs *FileSink) writeLocked(line []byte) error {
	if fs.lock != nil {
		if err := fs.lock.Lock(); err != nil {
			return fmt.Errorf("acquire lock: %w", err)
		}
		defer func() {
			_ = fs.lock.Unlock()
		}()
	}

	n, err := fs.writer.Write(line)
	if err != nil {
		return err
	}
	if fs.lock != nil {
		// Other processes must see whole lines before the lock is released.
		if err := fs.writer.Flush(); err != nil {
			return err
		}
	}
	fs.size += int64(n)
	return nil
}

func (fs *FileSink) rotateLocked() error {
	if err := fs.closeFile(); err != nil && !isDiskFullError(err) {
		return fmt.Errorf("close before rotation: %w", err)
	}
	rotateErr := fs.rotator.Rotate(fs.path)
	if err := fs.open(); err != nil {
		return fmt.Errorf("reopen file after rotation: %w", err)
	}
	return rotateErr
}

// Rotate forces a rotation of the active file.
func (fs *FileSink) Rotate() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.closed {
		return fmt.Errorf("file sink %s is closed", fs.name)
	}
	return fs.rotateLocked()
}

// Flush flushes buffered data to disk
func (fs *FileSink) Flush(ctx context.Context) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.writer == nil {
		return nil
	}
	if err := fs.writer.Flush(); err != nil {
		return err
	}
	return fs.file.Sync()
}

// Close flushes and closes the file. It is safe to call more than once.
func (fs *FileSink) Close(ctx context.Context) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.closed {
		return nil
	}
	fs.closed = true
	return fs.closeFile()
}

func (fs *FileSink) reportError(source, msg string, err error) {
	if fs.errorHandler != nil {
		fs.errorHandler(source, fs.path, msg, err)
	}
}

// isDiskFullError checks if an error indicates disk is full
func isDiskFullError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, syscall.ENOSPC) {
		return true
	}
	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "no space left") ||
		strings.Contains(errStr, "disk full")
}
