package log

import (
	"context"
	"log/slog"
)

// SlogAdapter mirrors protocol events to an slog.Logger, mostly for
// watching a connection on the console. Events are logged at debug level
// with the payload in a group named after it. Fatal errors are logged at
// warn level so they stay visible with the default handler level.
type SlogAdapter struct {
	logger *slog.Logger
}

// NewSlogAdapter returns an adapter writing to logger.
func NewSlogAdapter(logger *slog.Logger) *SlogAdapter {
	return &SlogAdapter{logger: logger}
}

// Log writes one line for event.
func (a *SlogAdapter) Log(event Event) {
	level := slog.LevelDebug
	attrs := []slog.Attr{
		slog.String("conn", event.ConnectionID),
		slog.String("role", event.LocalRole.String()),
		slog.String("dir", event.Direction.String()),
		slog.String("layer", event.Layer.String()),
	}
	if event.RemoteAddr != "" {
		attrs = append(attrs, slog.String("peer", event.RemoteAddr))
	}

	if payload, ok := payloadAttr(event); ok {
		attrs = append(attrs, payload)
	}
	if event.Error != nil && event.Error.Fatal {
		level = slog.LevelWarn
	}

	a.logger.LogAttrs(context.Background(), level, "conduit "+event.Category.String(), attrs...)
}

func payloadAttr(event Event) (slog.Attr, bool) {
	switch {
	case event.Record != nil:
		r := event.Record
		return slog.Group("record",
			slog.Int("size", r.Size),
			slog.Int("type", int(r.ContentType)),
			slog.Bool("truncated", r.Truncated),
		), true

	case event.Handshake != nil:
		h := event.Handshake
		args := []any{slog.String("status", h.Status), slog.String("phase", h.Phase)}
		if h.Result != "" {
			args = append(args,
				slog.String("result", h.Result),
				slog.Int("consumed", h.Consumed),
				slog.Int("produced", h.Produced),
			)
		}
		return slog.Group("handshake", args...), true

	case event.StateChange != nil:
		s := event.StateChange
		args := []any{
			slog.String("entity", s.Entity.String()),
			slog.String("from", s.OldState),
			slog.String("to", s.NewState),
		}
		if s.Reason != "" {
			args = append(args, slog.String("reason", s.Reason))
		}
		return slog.Group("state", args...), true

	case event.Resize != nil:
		r := event.Resize
		args := []any{
			slog.String("buffer", r.Buffer.String()),
			slog.Int("from", r.OldCapacity),
			slog.Int("to", r.NewCapacity),
		}
		if r.Required > 0 {
			args = append(args, slog.Int("required", r.Required))
		}
		return slog.Group("resize", args...), true

	case event.Error != nil:
		e := event.Error
		return slog.Group("error",
			slog.String("layer", e.Layer.String()),
			slog.String("msg", e.Message),
			slog.String("op", e.Context),
			slog.Bool("fatal", e.Fatal),
		), true
	}
	return slog.Attr{}, false
}

var _ Logger = (*SlogAdapter)(nil)
