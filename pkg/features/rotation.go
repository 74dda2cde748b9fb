package features

import (
	"fmt"
	"os"
	"strconv"
	"sync"
)

// Rotator rotates a file to numbered backups: path.1 is the newest, path.N
// the oldest. Backups beyond the retention count are removed.
type Rotator struct {
	mu             sync.RWMutex
	maxBytes       int64
	backups        int
	compression    *CompressionManager
	errorHandler   func(source, dest, msg string, err error)
	metricsHandler func(string)
}

// NewRotator creates a rotator. maxBytes <= 0 disables size-based rotation.
func NewRotator(maxBytes int64, backups int) *Rotator {
	if backups < 0 {
		backups = 0
	}
	return &Rotator{
		maxBytes:    maxBytes,
		backups:     backups,
		compression: NewCompressionManager(),
	}
}

// SetCompression enables or disables gzip compression of backups.
func (r *Rotator) SetCompression(compressionType CompressionType) error {
	return r.compression.SetCompression(compressionType)
}

// SetErrorHandler sets the error handling function
func (r *Rotator) SetErrorHandler(handler func(source, dest, msg string, err error)) {
	r.mu.Lock()
	r.errorHandler = handler
	r.mu.Unlock()
	r.compression.SetErrorHandler(handler)
}

// SetMetricsHandler sets the metrics tracking function
func (r *Rotator) SetMetricsHandler(handler func(string)) {
	r.mu.Lock()
	r.metricsHandler = handler
	r.mu.Unlock()
	r.compression.SetMetricsHandler(handler)
}

// MaxBytes returns the rotation threshold.
func (r *Rotator) MaxBytes() int64 { return r.maxBytes }

// Backups returns the number of retained backups.
func (r *Rotator) Backups() int { return r.backups }

// ShouldRotate reports whether writing incoming bytes to a file of the given
// size would cross the threshold. An empty file never rotates, so a single
// oversized line is still written.
func (r *Rotator) ShouldRotate(size, incoming int64) bool {
	return r.maxBytes > 0 && size > 0 && size+incoming > r.maxBytes
}

// BackupName returns the name of backup index for path.
func (r *Rotator) BackupName(path string, index int) string {
	return path + "." + strconv.Itoa(index) + r.compression.Extension()
}

// Rotate shifts existing backups up by one and moves path to path.1.
// The caller must have closed path before calling.
func (r *Rotator) Rotate(path string) error {
	r.mu.RLock()
	errorHandler := r.errorHandler
	metricsHandler := r.metricsHandler
	r.mu.RUnlock()

	if r.backups == 0 {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("removing log file for rotation: %w", err)
		}
		if metricsHandler != nil {
			metricsHandler("rotation_completed")
		}
		return nil
	}

	// Drop the oldest backup in either form.
	for _, ext := range []string{"", GzipExtension} {
		oldest := path + "." + strconv.Itoa(r.backups) + ext
		if err := os.Remove(oldest); err != nil && !os.IsNotExist(err) && errorHandler != nil {
			errorHandler("rotation", oldest, "failed to remove oldest backup", err)
		}
	}

	for i := r.backups - 1; i >= 1; i-- {
		for _, ext := range []string{"", GzipExtension} {
			from := path + "." + strconv.Itoa(i) + ext
			to := path + "." + strconv.Itoa(i+1) + ext
			if err := os.Rename(from, to); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("shifting backup %s: %w", from, err)
			}
		}
	}

	first := path + ".1"
	if err := os.Rename(path, first); err != nil {
		return fmt.Errorf("renaming log file for rotation: %w", err)
	}

	if metricsHandler != nil {
		metricsHandler("rotation_completed")
	}

	// A compression failure leaves an uncompressed backup, which is still valid.
	_ = r.compression.CompressFile(first)
	return nil
}
