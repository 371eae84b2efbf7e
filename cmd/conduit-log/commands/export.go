package commands

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"slices"
	"strconv"

	"github.com/mash-protocol/tlsconduit/pkg/log"
)

// exporters maps an output format to its writer.
var exporters = map[string]func(*log.Reader, io.Writer) error{
	"jsonl": exportJSONL,
	"csv":   exportCSV,
}

// csvHeader lists the columns written by the csv format.
var csvHeader = []string{"timestamp", "connection_id", "role", "direction", "layer", "category", "type", "size", "detail"}

// RunExport converts the log at path to format, writing to output or to
// stdout when output is empty.
func RunExport(path, format, output string) error {
	export, ok := exporters[format]
	if !ok {
		formats := make([]string, 0, len(exporters))
		for name := range exporters {
			formats = append(formats, name)
		}
		slices.Sort(formats)
		return fmt.Errorf("unknown format %q (supported: %v)", format, formats)
	}

	reader, err := log.NewReader(path)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	defer reader.Close()

	if output == "" {
		return export(reader, os.Stdout)
	}
	f, err := os.Create(output)
	if err != nil {
		return fmt.Errorf("failed to create output file: %w", err)
	}
	if err := export(reader, f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func exportJSONL(reader *log.Reader, w io.Writer) error {
	enc := json.NewEncoder(w)
	for event, err := range reader.All() {
		if err != nil {
			return fmt.Errorf("failed to read event: %w", err)
		}
		if err := enc.Encode(event); err != nil {
			return err
		}
	}
	return nil
}

func exportCSV(reader *log.Reader, w io.Writer) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}
	for event, err := range reader.All() {
		if err != nil {
			return fmt.Errorf("failed to read event: %w", err)
		}
		if err := cw.Write(csvRow(event)); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func csvRow(event log.Event) []string {
	kind, size, detail := "unknown", "", ""
	switch {
	case event.Record != nil:
		kind, size, detail = "record", strconv.Itoa(event.Record.Size), contentTypeName(event.Record.ContentType)
	case event.Handshake != nil:
		kind, detail = "handshake", event.Handshake.Status+" "+event.Handshake.Phase
	case event.StateChange != nil:
		kind, detail = "state", event.StateChange.NewState
	case event.Resize != nil:
		kind, size, detail = "resize", strconv.Itoa(event.Resize.NewCapacity), event.Resize.Buffer.String()
	case event.Error != nil:
		kind, detail = "error", event.Error.Message
	}

	return []string{
		event.Timestamp.UTC().Format("2006-01-02T15:04:05.000000Z"),
		event.ConnectionID,
		event.LocalRole.String(),
		event.Direction.String(),
		event.Layer.String(),
		event.Category.String(),
		kind,
		size,
		detail,
	}
}
