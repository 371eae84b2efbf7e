// Command conduit-log reads the protocol event logs written by conduit
// connections.
//
// Log files are written by conduit-server and conduit-client when started
// with -protocol-log (or protocol_log.path in the config file).
//
// Usage:
//
//	conduit-log <command> [flags] <file.cbor>
//
// Commands:
//
//	view     Print events, one block per event
//	export   Convert events to JSON lines or CSV
//	filter   Copy matching events into a new log
//	stats    Summarize traffic, resizes and failures per connection
//
// Examples:
//
//	# View only handshake steps
//	conduit-log view -category handshake server.cbor
//
//	# View one connection
//	conduit-log view -conn-id abc12345-... server.cbor
//
//	# Per-connection summary
//	conduit-log stats server.cbor
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/mash-protocol/tlsconduit/cmd/conduit-log/commands"
)

const usage = `conduit-log - Conduit Protocol Log Analyzer

Usage:
  conduit-log <command> [flags] <file.cbor>

Commands:
  view     Print events, one block per event
  export   Convert events to JSON lines or CSV
  filter   Copy matching events into a new log
  stats    Summarize traffic, resizes and failures per connection

Use "conduit-log <command> -help" for more information about a command.
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "view":
		runView(args)
	case "export":
		runExport(args)
	case "filter":
		runFilter(args)
	case "stats":
		runStats(args)
	case "-h", "-help", "--help", "help":
		fmt.Print(usage)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		fmt.Fprint(os.Stderr, usage)
		os.Exit(1)
	}
}

func fail(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}

// parseFile parses flags and returns the log file argument.
func parseFile(fs *flag.FlagSet, args []string) string {
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "Error: log file path required")
		fs.Usage()
		os.Exit(1)
	}
	return fs.Arg(0)
}

func newFlagSet(name, summary string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "conduit-log %s - %s\n\nUsage:\n  conduit-log %s [flags] <file.cbor>\n\nFlags:\n", name, summary, name)
		fs.PrintDefaults()
	}
	return fs
}

func runView(args []string) {
	fs := newFlagSet("view", "View log file in human-readable format")
	connID := fs.String("conn-id", "", "Filter by connection ID")
	layer := fs.String("layer", "", "Filter by layer (channel, record, conduit)")
	direction := fs.String("direction", "", "Filter by direction (in, out)")
	category := fs.String("category", "", "Filter by category (data, handshake, state, error, buffer)")
	path := parseFile(fs, args)

	filter := commands.ViewFilter{ConnID: *connID}
	if *layer != "" {
		l, err := commands.ParseLayerFlag(*layer)
		if err != nil {
			fail(err)
		}
		filter.Layer = &l
	}
	if *direction != "" {
		d, err := commands.ParseDirectionFlag(*direction)
		if err != nil {
			fail(err)
		}
		filter.Direction = &d
	}
	if *category != "" {
		c, err := commands.ParseCategoryFlag(*category)
		if err != nil {
			fail(err)
		}
		filter.Category = &c
	}

	if err := commands.RunView(path, filter, os.Stdout); err != nil {
		fail(err)
	}
}

func runExport(args []string) {
	fs := newFlagSet("export", "Export log file to JSONL or CSV format")
	format := fs.String("format", "jsonl", "Output format (jsonl, csv)")
	output := fs.String("o", "", "Output file (default: stdout)")
	path := parseFile(fs, args)

	if err := commands.RunExport(path, *format, *output); err != nil {
		fail(err)
	}
}

func runFilter(args []string) {
	fs := newFlagSet("filter", "Filter log file and write to new file")
	output := fs.String("o", "", "Output file (required)")
	connID := fs.String("conn-id", "", "Filter by connection ID")
	remote := fs.String("remote", "", "Filter by peer address")
	timeStart := fs.String("time-start", "", "Filter by start time (RFC3339)")
	timeEnd := fs.String("time-end", "", "Filter by end time (RFC3339)")
	layer := fs.String("layer", "", "Filter by layer (channel, record, conduit)")
	direction := fs.String("direction", "", "Filter by direction (in, out)")
	category := fs.String("category", "", "Filter by category (data, handshake, state, error, buffer)")
	path := parseFile(fs, args)

	if *output == "" {
		fmt.Fprintln(os.Stderr, "Error: output file (-o) required")
		fs.Usage()
		os.Exit(1)
	}

	n, err := commands.RunFilter(path, commands.FilterOptions{
		Output:    *output,
		ConnID:    *connID,
		Remote:    *remote,
		TimeStart: *timeStart,
		TimeEnd:   *timeEnd,
		Layer:     *layer,
		Direction: *direction,
		Category:  *category,
	})
	if err != nil {
		fail(err)
	}
	fmt.Printf("Filtered %d events to %s\n", n, *output)
}

func runStats(args []string) {
	fs := newFlagSet("stats", "Show per-connection statistics")
	path := parseFile(fs, args)

	if err := commands.RunStats(path, os.Stdout); err != nil {
		fail(err)
	}
}
