package log

// Logger receives protocol events. Connections call Log from their worker
// goroutines, possibly concurrently, so implementations must be safe for
// concurrent use and should not block.
type Logger interface {
	Log(event Event)
}

// LoggerFunc adapts a function to Logger.
type LoggerFunc func(Event)

// Log calls f(event).
func (f LoggerFunc) Log(event Event) { f(event) }

// Discard drops every event.
var Discard Logger = LoggerFunc(func(Event) {})
