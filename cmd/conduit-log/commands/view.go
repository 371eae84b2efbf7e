// Package commands implements the conduit-log CLI commands.
package commands

import (
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"github.com/mash-protocol/tlsconduit/pkg/log"
)

// ViewFilter specifies criteria for filtering events in the view command.
type ViewFilter struct {
	ConnID    string
	Layer     *log.Layer
	Direction *log.Direction
	Category  *log.Category
}

func (f ViewFilter) logFilter() log.Filter {
	return log.Filter{
		ConnectionID: f.ConnID,
		Layer:        f.Layer,
		Direction:    f.Direction,
		Category:     f.Category,
	}
}

// formatEvent writes a human-readable representation of the event to w.
func formatEvent(w io.Writer, event log.Event) {
	// Header line: timestamp [conn:id] ROLE DIRECTION LAYER Type
	ts := event.Timestamp.UTC().Format("2006-01-02T15:04:05.000000Z")
	connID := shortenConnID(event.ConnectionID)

	var typeLabel string
	switch {
	case event.Record != nil:
		typeLabel = "Record"
	case event.Handshake != nil:
		typeLabel = "Handshake"
	case event.StateChange != nil:
		typeLabel = "State"
	case event.Resize != nil:
		typeLabel = "Resize"
	case event.Error != nil:
		typeLabel = "Error"
	default:
		typeLabel = "Unknown"
	}

	fmt.Fprintf(w, "%s [conn:%s] %-6s %-3s %s %s\n",
		ts, connID, event.LocalRole, event.Direction, event.Layer, typeLabel)

	switch {
	case event.Record != nil:
		formatRecordDetails(w, event.Record)
	case event.Handshake != nil:
		formatHandshakeDetails(w, event.Handshake)
	case event.StateChange != nil:
		formatStateChangeDetails(w, event.StateChange)
	case event.Resize != nil:
		formatResizeDetails(w, event.Resize)
	case event.Error != nil:
		formatErrorDetails(w, event.Error)
	}
	if event.RemoteAddr != "" {
		fmt.Fprintf(w, "  Peer: %s\n", event.RemoteAddr)
	}

	fmt.Fprintln(w) // Blank line between events
}

// shortenConnID returns the first 8 characters of the connection ID.
func shortenConnID(id string) string {
	if len(id) >= 8 {
		return id[:8]
	}
	return id
}

// contentTypeName names a TLS record content type.
func contentTypeName(t uint8) string {
	switch t {
	case 20:
		return "change_cipher_spec"
	case 21:
		return "alert"
	case 22:
		return "handshake"
	case 23:
		return "application_data"
	default:
		return fmt.Sprintf("unknown(%d)", t)
	}
}

func formatRecordDetails(w io.Writer, rec *log.RecordEvent) {
	fmt.Fprintf(w, "  Size: %d bytes\n", rec.Size)
	if rec.ContentType != 0 {
		fmt.Fprintf(w, "  Content: %s\n", contentTypeName(rec.ContentType))
	}
	if len(rec.Data) > 0 {
		fmt.Fprintf(w, "  Data: %s", hex.EncodeToString(rec.Data))
		if rec.Truncated {
			fmt.Fprintf(w, " (truncated)")
		}
		fmt.Fprintln(w)
	}
}

func formatHandshakeDetails(w io.Writer, hs *log.HandshakeEvent) {
	fmt.Fprintf(w, "  Status: %s\n", hs.Status)
	fmt.Fprintf(w, "  Phase: %s\n", hs.Phase)
	if hs.Result != "" {
		fmt.Fprintf(w, "  Result: %s (consumed %d, produced %d)\n", hs.Result, hs.Consumed, hs.Produced)
	}
}

func formatStateChangeDetails(w io.Writer, sc *log.StateChangeEvent) {
	fmt.Fprintf(w, "  Entity: %s\n", sc.Entity.String())
	if sc.OldState != "" {
		fmt.Fprintf(w, "  %s -> %s\n", sc.OldState, sc.NewState)
	} else {
		fmt.Fprintf(w, "  -> %s\n", sc.NewState)
	}
	if sc.Reason != "" {
		fmt.Fprintf(w, "  Reason: %s\n", sc.Reason)
	}
}

func formatResizeDetails(w io.Writer, rs *log.ResizeEvent) {
	fmt.Fprintf(w, "  Buffer: %s\n", rs.Buffer)
	fmt.Fprintf(w, "  Capacity: %d -> %d\n", rs.OldCapacity, rs.NewCapacity)
	if rs.Required > 0 {
		fmt.Fprintf(w, "  Required: %d\n", rs.Required)
	}
}

func formatErrorDetails(w io.Writer, err *log.ErrorEventData) {
	fmt.Fprintf(w, "  Layer: %s\n", err.Layer.String())
	fmt.Fprintf(w, "  Message: %s\n", err.Message)
	if err.Context != "" {
		fmt.Fprintf(w, "  Context: %s\n", err.Context)
	}
	if err.Fatal {
		fmt.Fprintln(w, "  Fatal: yes")
	}
}

// ParseLayerFlag parses a layer string from command-line flag (case-insensitive).
func ParseLayerFlag(s string) (log.Layer, error) {
	switch strings.ToLower(s) {
	case "channel":
		return log.LayerChannel, nil
	case "record":
		return log.LayerRecord, nil
	case "conduit":
		return log.LayerConduit, nil
	default:
		return 0, fmt.Errorf("invalid layer: %s (must be channel, record, or conduit)", s)
	}
}

// ParseDirectionFlag parses a direction string from command-line flag (case-insensitive).
func ParseDirectionFlag(s string) (log.Direction, error) {
	switch strings.ToLower(s) {
	case "in":
		return log.DirectionIn, nil
	case "out":
		return log.DirectionOut, nil
	default:
		return 0, fmt.Errorf("invalid direction: %s (must be in or out)", s)
	}
}

// ParseCategoryFlag parses a category string from command-line flag (case-insensitive).
func ParseCategoryFlag(s string) (log.Category, error) {
	switch strings.ToLower(s) {
	case "data":
		return log.CategoryData, nil
	case "handshake":
		return log.CategoryHandshake, nil
	case "state":
		return log.CategoryState, nil
	case "error":
		return log.CategoryError, nil
	case "buffer":
		return log.CategoryBuffer, nil
	default:
		return 0, fmt.Errorf("invalid category: %s (must be data, handshake, state, error, or buffer)", s)
	}
}

// RunView executes the view command.
func RunView(path string, filter ViewFilter, output io.Writer) error {
	reader, err := log.NewFilteredReader(path, filter.logFilter())
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	defer reader.Close()

	for event, err := range reader.All() {
		if err != nil {
			return fmt.Errorf("failed to read event: %w", err)
		}
		formatEvent(output, event)
	}
	return nil
}
