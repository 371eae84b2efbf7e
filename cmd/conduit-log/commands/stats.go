package commands

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/mash-protocol/tlsconduit/pkg/log"
)

// Stats holds aggregate statistics about a log file.
type Stats struct {
	TotalEvents      int
	EventsByLayer    map[log.Layer]int
	EventsByCategory map[log.Category]int
	Connections      map[string]*ConnectionStats
	Errors           int
	// Truncated is set when the file ends inside an event.
	Truncated bool
	TimeRange struct {
		Start time.Time
		End   time.Time
	}
}

// ConnectionStats holds statistics for a single connection.
type ConnectionStats struct {
	FirstSeen time.Time
	LastSeen  time.Time
	Events    int
	Role      log.Role
	Remote    string

	BytesIn  int
	BytesOut int

	HandshakeSteps int
	Resizes        int
	// PeakCapacity is the largest capacity seen per buffer.
	PeakCapacity map[log.BufferKind]int

	FinalState string
	FatalError string
}

// RunStats analyzes the log file and prints statistics.
func RunStats(path string, w io.Writer) error {
	reader, err := log.NewReader(path)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	defer reader.Close()

	stats := &Stats{
		EventsByLayer:    make(map[log.Layer]int),
		EventsByCategory: make(map[log.Category]int),
		Connections:      make(map[string]*ConnectionStats),
	}

	for event, err := range reader.All() {
		if errors.Is(err, log.ErrTruncated) {
			stats.Truncated = true
			break
		}
		if err != nil {
			return fmt.Errorf("failed to read event: %w", err)
		}
		stats.add(event)
	}

	printStats(w, stats)
	return nil
}

func (s *Stats) add(event log.Event) {
	s.TotalEvents++
	s.EventsByLayer[event.Layer]++
	s.EventsByCategory[event.Category]++

	if s.TimeRange.Start.IsZero() || event.Timestamp.Before(s.TimeRange.Start) {
		s.TimeRange.Start = event.Timestamp
	}
	if event.Timestamp.After(s.TimeRange.End) {
		s.TimeRange.End = event.Timestamp
	}

	conn, ok := s.Connections[event.ConnectionID]
	if !ok {
		conn = &ConnectionStats{
			FirstSeen:    event.Timestamp,
			LastSeen:     event.Timestamp,
			Role:         event.LocalRole,
			PeakCapacity: make(map[log.BufferKind]int),
		}
		s.Connections[event.ConnectionID] = conn
	}
	conn.Events++
	if event.Timestamp.After(conn.LastSeen) {
		conn.LastSeen = event.Timestamp
	}
	if event.RemoteAddr != "" && conn.Remote == "" {
		conn.Remote = event.RemoteAddr
	}

	switch {
	case event.Record != nil:
		if event.Direction == log.DirectionIn {
			conn.BytesIn += event.Record.Size
		} else {
			conn.BytesOut += event.Record.Size
		}
	case event.Handshake != nil:
		conn.HandshakeSteps++
	case event.Resize != nil:
		conn.Resizes++
		if event.Resize.NewCapacity > conn.PeakCapacity[event.Resize.Buffer] {
			conn.PeakCapacity[event.Resize.Buffer] = event.Resize.NewCapacity
		}
	case event.StateChange != nil:
		if event.StateChange.Entity == log.StateEntityConnection {
			conn.FinalState = event.StateChange.NewState
		}
	case event.Error != nil:
		s.Errors++
		if event.Error.Fatal {
			conn.FatalError = event.Error.Message
		}
	}
}

func printStats(w io.Writer, stats *Stats) {
	fmt.Fprintln(w, "=== Conduit Protocol Log Statistics ===")
	fmt.Fprintln(w)

	if stats.TotalEvents > 0 {
		fmt.Fprintf(w, "Time Range: %s to %s\n",
			stats.TimeRange.Start.Format(time.RFC3339),
			stats.TimeRange.End.Format(time.RFC3339))
		fmt.Fprintf(w, "Duration:   %s\n", stats.TimeRange.End.Sub(stats.TimeRange.Start).Round(time.Second))
		fmt.Fprintln(w)
	}

	fmt.Fprintf(w, "Total Events: %d\n", stats.TotalEvents)
	if stats.Truncated {
		fmt.Fprintln(w, "Warning: log ends with a partial event")
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Events by Layer:")
	for _, layer := range []log.Layer{log.LayerChannel, log.LayerRecord, log.LayerConduit} {
		if count := stats.EventsByLayer[layer]; count > 0 {
			fmt.Fprintf(w, "  %-12s %d\n", layer.String()+":", count)
		}
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Events by Category:")
	for _, cat := range []log.Category{log.CategoryData, log.CategoryHandshake, log.CategoryState, log.CategoryBuffer, log.CategoryError} {
		if count := stats.EventsByCategory[cat]; count > 0 {
			fmt.Fprintf(w, "  %-12s %d\n", cat.String()+":", count)
		}
	}
	fmt.Fprintln(w)

	fmt.Fprintf(w, "Connections: %d\n", len(stats.Connections))
	if len(stats.Connections) > 0 {
		type connInfo struct {
			id    string
			stats *ConnectionStats
		}
		conns := make([]connInfo, 0, len(stats.Connections))
		for id, cs := range stats.Connections {
			conns = append(conns, connInfo{id, cs})
		}
		sort.Slice(conns, func(i, j int) bool {
			return conns[i].stats.FirstSeen.Before(conns[j].stats.FirstSeen)
		})

		fmt.Fprintln(w)
		for _, c := range conns {
			cs := c.stats
			duration := cs.LastSeen.Sub(cs.FirstSeen).Round(time.Millisecond)
			fmt.Fprintf(w, "  [%s] %s, %d events, duration %s\n", shortenConnID(c.id), cs.Role, cs.Events, duration)
			if cs.Remote != "" {
				fmt.Fprintf(w, "           Peer: %s\n", cs.Remote)
			}
			fmt.Fprintf(w, "           Bytes: %d in, %d out\n", cs.BytesIn, cs.BytesOut)
			if cs.HandshakeSteps > 0 {
				fmt.Fprintf(w, "           Handshake steps: %d\n", cs.HandshakeSteps)
			}
			if cs.Resizes > 0 {
				fmt.Fprintf(w, "           Resizes: %d", cs.Resizes)
				for _, kind := range []log.BufferKind{log.BufferInboundNetwork, log.BufferInboundApplication, log.BufferOutboundNetwork} {
					if peak, ok := cs.PeakCapacity[kind]; ok {
						fmt.Fprintf(w, " %s<=%d", kind, peak)
					}
				}
				fmt.Fprintln(w)
			}
			if cs.FinalState != "" {
				fmt.Fprintf(w, "           State: %s\n", cs.FinalState)
			}
			if cs.FatalError != "" {
				fmt.Fprintf(w, "           Failed: %s\n", cs.FatalError)
			}
		}
	}

	if stats.Errors > 0 {
		fmt.Fprintln(w)
		fmt.Fprintf(w, "Errors: %d\n", stats.Errors)
	}
}
