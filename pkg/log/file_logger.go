package log

import (
	"io"
	"os"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"gopkg.in/natefinch/lumberjack.v2"
)

// FileLogger appends CBOR encoded events to a file. Connections served by
// different workers may share one FileLogger.
type FileLogger struct {
	w       io.WriteCloser
	encoder *cbor.Encoder
	mu      sync.Mutex
	closed  bool
}

// NewFileLogger opens path for appending, creating it with mode 0644.
func NewFileLogger(path string) (*FileLogger, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}
	return newFileLogger(f), nil
}

// RotationConfig controls log file rotation.
type RotationConfig struct {
	// MaxSizeMB is the size at which the file is rotated.
	MaxSizeMB int

	// MaxBackups is the number of rotated files kept (0 keeps all).
	MaxBackups int

	// MaxAgeDays removes rotated files older than this (0 keeps all).
	MaxAgeDays int

	// Compress gzips rotated files.
	Compress bool
}

// NewRotatingFileLogger creates a FileLogger that rotates path once it
// reaches the configured size. Events never span two files, so every file
// can be read on its own.
func NewRotatingFileLogger(path string, rc RotationConfig) *FileLogger {
	return newFileLogger(&lumberjack.Logger{
		Filename:   path,
		MaxSize:    rc.MaxSizeMB,
		MaxBackups: rc.MaxBackups,
		MaxAge:     rc.MaxAgeDays,
		Compress:   rc.Compress,
	})
}

func newFileLogger(w io.WriteCloser) *FileLogger {
	return &FileLogger{
		w:       w,
		encoder: newEncoder(w),
	}
}

// Log encodes event. Encoding and write errors are dropped.
func (l *FileLogger) Log(event Event) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return
	}

	_ = l.encoder.Encode(event)
}

// Close closes the underlying file. Later calls to Close return nil and
// later events are discarded.
func (l *FileLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}

	l.closed = true
	return l.w.Close()
}

var _ Logger = (*FileLogger)(nil)
