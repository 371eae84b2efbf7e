package commands

import (
	"bytes"
	"encoding/csv"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mash-protocol/tlsconduit/pkg/log"
)

// createTestLogFile writes events to a fresh log file.
func createTestLogFile(t *testing.T, events []log.Event) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.cbor")

	logger, err := log.NewFileLogger(path)
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	for _, e := range events {
		logger.Log(e)
	}
	logger.Close()

	return path
}

// sessionEvents is a short server-side connection that ends in a fatal
// record overflow.
func sessionEvents() []log.Event {
	ts := time.Date(2026, 1, 28, 10, 0, 0, 0, time.UTC)
	const id = "abc12345-6789-0123-4567-890abcdef012"
	return []log.Event{
		{
			Timestamp: ts, ConnectionID: id, Layer: log.LayerConduit, Category: log.CategoryState,
			RemoteAddr:  "127.0.0.1:50000",
			StateChange: &log.StateChangeEvent{Entity: log.StateEntityConnection, OldState: "NEW", NewState: "HANDSHAKING"},
		},
		{
			Timestamp: ts.Add(time.Millisecond), ConnectionID: id, Direction: log.DirectionIn,
			Layer: log.LayerChannel, Category: log.CategoryData,
			Record: log.NewRecordEvent([]byte{0x16, 0x03, 0x03, 0x71, 0x41}),
		},
		{
			Timestamp: ts.Add(2 * time.Millisecond), ConnectionID: id, Layer: log.LayerRecord, Category: log.CategoryHandshake,
			Handshake: &log.HandshakeEvent{Status: "NEED_UNWRAP", Phase: "UNWRAP", Result: "CLOSED", Consumed: 5},
		},
		{
			Timestamp: ts.Add(3 * time.Millisecond), ConnectionID: id, Layer: log.LayerConduit, Category: log.CategoryBuffer,
			Resize: &log.ResizeEvent{Buffer: log.BufferInboundNetwork, OldCapacity: 512, NewCapacity: 1024, Required: 900},
		},
		{
			Timestamp: ts.Add(4 * time.Millisecond), ConnectionID: id, Layer: log.LayerRecord, Category: log.CategoryError,
			Error: &log.ErrorEventData{Layer: log.LayerRecord, Message: "tls protocol violation: record overflow", Fatal: true, Context: "handshake"},
		},
		{
			Timestamp: ts.Add(5 * time.Millisecond), ConnectionID: id, Direction: log.DirectionOut,
			Layer: log.LayerChannel, Category: log.CategoryData,
			Record: log.NewRecordEvent([]byte{0x15, 0x03, 0x03, 0x00, 0x02, 0x02, 0x16}),
		},
		{
			Timestamp: ts.Add(6 * time.Millisecond), ConnectionID: id, Layer: log.LayerConduit, Category: log.CategoryState,
			StateChange: &log.StateChangeEvent{Entity: log.StateEntityConnection, OldState: "HANDSHAKING", NewState: "CLOSED", Reason: "handshake"},
		},
	}
}

func TestFormatRecordEvent(t *testing.T) {
	var buf bytes.Buffer
	formatEvent(&buf, sessionEvents()[1])
	output := buf.String()

	for _, want := range []string{"2026-01-28T10:00:00.001000Z", "[conn:abc12345]", "IN", "CHANNEL", "Record", "5 bytes", "handshake", "1603037141"} {
		if !strings.Contains(output, want) {
			t.Errorf("expected %q in output:\n%s", want, output)
		}
	}
}

func TestFormatResizeEvent(t *testing.T) {
	var buf bytes.Buffer
	formatEvent(&buf, sessionEvents()[3])
	output := buf.String()

	if !strings.Contains(output, "INBOUND_NETWORK") {
		t.Errorf("expected buffer name, got: %s", output)
	}
	if !strings.Contains(output, "512 -> 1024") {
		t.Errorf("expected capacity change, got: %s", output)
	}
	if !strings.Contains(output, "Required: 900") {
		t.Errorf("expected required size, got: %s", output)
	}
}

func TestRunViewFilters(t *testing.T) {
	path := createTestLogFile(t, sessionEvents())

	category := log.CategoryError
	var buf bytes.Buffer
	if err := RunView(path, ViewFilter{Category: &category}, &buf); err != nil {
		t.Fatalf("RunView failed: %v", err)
	}
	output := buf.String()

	if strings.Count(output, "[conn:") != 1 {
		t.Errorf("expected exactly one event, got:\n%s", output)
	}
	if !strings.Contains(output, "Fatal: yes") {
		t.Errorf("expected fatal marker, got:\n%s", output)
	}
}

func TestRunStats(t *testing.T) {
	path := createTestLogFile(t, sessionEvents())

	var buf bytes.Buffer
	if err := RunStats(path, &buf); err != nil {
		t.Fatalf("RunStats failed: %v", err)
	}
	output := buf.String()

	for _, want := range []string{
		"Total Events: 7",
		"CHANNEL:",
		"Connections: 1",
		"Bytes: 5 in, 7 out",
		"Handshake steps: 1",
		"INBOUND_NETWORK<=1024",
		"State: CLOSED",
		"Failed: tls protocol violation: record overflow",
		"Errors: 1",
	} {
		if !strings.Contains(output, want) {
			t.Errorf("expected %q in output:\n%s", want, output)
		}
	}
}

func TestRunFilter(t *testing.T) {
	path := createTestLogFile(t, sessionEvents())
	out := filepath.Join(t.TempDir(), "filtered.cbor")

	n, err := RunFilter(path, FilterOptions{Output: out, Layer: "channel"})
	if err != nil {
		t.Fatalf("RunFilter failed: %v", err)
	}
	if n != 2 {
		t.Errorf("filtered %d events, want 2", n)
	}

	reader, err := log.NewReader(out)
	if err != nil {
		t.Fatalf("NewReader failed: %v", err)
	}
	defer reader.Close()
	event, err := reader.Next()
	if err != nil {
		t.Fatalf("Next failed: %v", err)
	}
	if event.Record == nil || event.Record.Size != 5 {
		t.Errorf("first filtered event = %+v, want the 5-byte record", event)
	}
}

func TestRunFilterInvalidOptions(t *testing.T) {
	path := createTestLogFile(t, sessionEvents())
	out := filepath.Join(t.TempDir(), "filtered.cbor")

	tests := []FilterOptions{
		{Output: out, Layer: "wire"},
		{Output: out, Direction: "sideways"},
		{Output: out, Category: "message"},
		{Output: out, TimeStart: "yesterday"},
	}
	for _, opts := range tests {
		if _, err := RunFilter(path, opts); err == nil {
			t.Errorf("RunFilter(%+v) succeeded, want error", opts)
		}
	}
}

func TestExportCSV(t *testing.T) {
	path := createTestLogFile(t, sessionEvents())
	out := filepath.Join(t.TempDir(), "events.csv")

	if err := RunExport(path, "csv", out); err != nil {
		t.Fatalf("RunExport failed: %v", err)
	}

	f, err := os.Open(out)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("parse csv: %v", err)
	}
	if len(rows) != 8 {
		t.Fatalf("rows = %d, want header + 7", len(rows))
	}
	if rows[2][6] != "record" || rows[2][8] != "handshake" {
		t.Errorf("record row = %v", rows[2])
	}
	if rows[4][6] != "resize" || rows[4][7] != "1024" {
		t.Errorf("resize row = %v", rows[4])
	}
}

func TestExportUnknownFormat(t *testing.T) {
	path := createTestLogFile(t, sessionEvents())
	out := filepath.Join(t.TempDir(), "x")
	if err := RunExport(path, "xml", out); err == nil {
		t.Error("expected error for unknown format")
	}
	if _, err := os.Stat(out); !os.IsNotExist(err) {
		t.Errorf("output file created for unknown format: %v", err)
	}
}
