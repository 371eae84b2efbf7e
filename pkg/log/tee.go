package log

import (
	"errors"
	"io"
)

// MultiLogger fans events out to several loggers in order, typically a
// FileLogger and a SlogAdapter.
type MultiLogger struct {
	loggers []Logger
}

// NewMultiLogger combines loggers. Nil entries are skipped and nested
// MultiLoggers are flattened.
func NewMultiLogger(loggers ...Logger) *MultiLogger {
	m := &MultiLogger{}
	for _, l := range loggers {
		switch l := l.(type) {
		case nil:
		case *MultiLogger:
			m.loggers = append(m.loggers, l.loggers...)
		default:
			m.loggers = append(m.loggers, l)
		}
	}
	return m
}

// Log forwards event to every logger.
func (m *MultiLogger) Log(event Event) {
	for _, l := range m.loggers {
		l.Log(event)
	}
}

// Len returns the number of loggers events are forwarded to.
func (m *MultiLogger) Len() int {
	return len(m.loggers)
}

// Close closes every logger that is an io.Closer and reports all failures.
func (m *MultiLogger) Close() error {
	var errs []error
	for _, l := range m.loggers {
		if c, ok := l.(io.Closer); ok {
			errs = append(errs, c.Close())
		}
	}
	return errors.Join(errs...)
}

var (
	_ Logger    = (*MultiLogger)(nil)
	_ io.Closer = (*MultiLogger)(nil)
)
