package features

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/klauspost/compress/gzip"
)

// CompressionType defines the compression algorithm used for rotated files and payloads.
type CompressionType int

const (
	// CompressionNone disables compression
	CompressionNone CompressionType = iota
	// CompressionGzip enables gzip compression
	CompressionGzip
)

// GzipExtension is appended to gzip-compressed files.
const GzipExtension = ".gz"

// CompressionManager compresses rotated log files.
type CompressionManager struct {
	mu              sync.RWMutex
	compressionType CompressionType
	level           int
	errorHandler    func(source, dest, msg string, err error)
	metricsHandler  func(string)
}

// NewCompressionManager creates a manager with compression disabled.
func NewCompressionManager() *CompressionManager {
	return &CompressionManager{
		compressionType: CompressionNone,
		level:           gzip.DefaultCompression,
	}
}

// SetErrorHandler sets the error handling function
func (c *CompressionManager) SetErrorHandler(handler func(source, dest, msg string, err error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errorHandler = handler
}

// SetMetricsHandler sets the metrics tracking function
func (c *CompressionManager) SetMetricsHandler(handler func(string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.metricsHandler = handler
}

// SetCompression selects the compression algorithm.
func (c *CompressionManager) SetCompression(compressionType CompressionType) error {
	if compressionType != CompressionNone && compressionType != CompressionGzip {
		return fmt.Errorf("invalid compression type: %d", compressionType)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.compressionType = compressionType
	return nil
}

// GetType returns the configured compression type.
func (c *CompressionManager) GetType() CompressionType {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.compressionType
}

// Extension returns the suffix added to compressed files, or "" when disabled.
func (c *CompressionManager) Extension() string {
	if c.GetType() == CompressionGzip {
		return GzipExtension
	}
	return ""
}

// CompressFile compresses path to path+".gz" and removes the original.
// It is a no-op when compression is disabled or the file is missing.
func (c *CompressionManager) CompressFile(path string) (err error) {
	c.mu.RLock()
	compressionType := c.compressionType
	level := c.level
	errorHandler := c.errorHandler
	metricsHandler := c.metricsHandler
	c.mu.RUnlock()

	if compressionType == CompressionNone {
		return nil
	}

	defer func() {
		if err != nil && errorHandler != nil {
			errorHandler("compression", path, "failed to compress rotated file", err)
		}
	}()

	cleanPath := filepath.Clean(path)
	if _, statErr := os.Stat(cleanPath); os.IsNotExist(statErr) {
		return nil
	}
	compressedPath := cleanPath + GzipExtension

	src, err := os.Open(cleanPath)
	if err != nil {
		return fmt.Errorf("opening source file for compression: %w", err)
	}
	defer src.Close()

	dst, err := os.OpenFile(compressedPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644) // #nosec G302 - compressed log files
	if err != nil {
		return fmt.Errorf("creating compressed file: %w", err)
	}

	if err = writeGzip(dst, src, level); err != nil {
		_ = dst.Close()
		_ = os.Remove(compressedPath)
		return err
	}
	if err = dst.Close(); err != nil {
		_ = os.Remove(compressedPath)
		return fmt.Errorf("closing compressed file: %w", err)
	}

	if err = os.Remove(cleanPath); err != nil {
		_ = os.Remove(compressedPath)
		return fmt.Errorf("removing original file after compression: %w", err)
	}

	if metricsHandler != nil {
		metricsHandler("compression_completed")
	}
	return nil
}

func writeGzip(dst io.Writer, src io.Reader, level int) error {
	gw, err := gzip.NewWriterLevel(dst, level)
	if err != nil {
		return fmt.Errorf("creating gzip writer: %w", err)
	}
	if _, err := io.Copy(gw, src); err != nil {
		_ = gw.Close()
		return fmt.Errorf("compressing data: %w", err)
	}
	if err := gw.Close(); err != nil {
		return fmt.Errorf("closing gzip writer: %w", err)
	}
	return nil
}

// GzipBytes compresses data in memory. Network transports use it for
// request bodies and archive objects.
func GzipBytes(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(len(data) / 2)
	if err := writeGzip(&buf, bytes.NewReader(data), gzip.DefaultCompression); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// GunzipBytes reverses GzipBytes.
func GunzipBytes(data []byte) ([]byte, error) {
	gr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer gr.Close()
	return io.ReadAll(gr)
}

// CompressionTypeString returns a string representation of compression type.
func CompressionTypeString(ct CompressionType) string {
	switch ct {
	case CompressionNone:
		return "none"
	case CompressionGzip:
		return "gzip"
	default:
		return "unknown"
	}
}
