package commands

import (
	"fmt"
	"time"

	"github.com/mash-protocol/tlsconduit/pkg/log"
)

// FilterOptions are the filter command's flags. Empty strings leave a
// criterion unset.
type FilterOptions struct {
	Output    string
	ConnID    string
	Remote    string
	TimeStart string
	TimeEnd   string
	Layer     string
	Direction string
	Category  string
}

// optional parses s with parse unless it is empty.
func optional[T any](s, name string, parse func(string) (T, error)) (*T, error) {
	if s == "" {
		return nil, nil
	}
	v, err := parse(s)
	if err != nil {
		return nil, fmt.Errorf("invalid %s: %w", name, err)
	}
	return &v, nil
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339, s)
}

func buildFilter(opts FilterOptions) (log.Filter, error) {
	f := log.Filter{ConnectionID: opts.ConnID, RemoteAddr: opts.Remote}

	var err error
	if f.TimeStart, err = optional(opts.TimeStart, "time-start", parseTime); err != nil {
		return f, err
	}
	if f.TimeEnd, err = optional(opts.TimeEnd, "time-end", parseTime); err != nil {
		return f, err
	}
	if f.Layer, err = optional(opts.Layer, "layer", ParseLayerFlag); err != nil {
		return f, err
	}
	if f.Direction, err = optional(opts.Direction, "direction", ParseDirectionFlag); err != nil {
		return f, err
	}
	if f.Category, err = optional(opts.Category, "category", ParseCategoryFlag); err != nil {
		return f, err
	}
	return f, nil
}

// RunFilter copies the events of path that match opts into opts.Output and
// returns how many were copied.
func RunFilter(path string, opts FilterOptions) (int, error) {
	filter, err := buildFilter(opts)
	if err != nil {
		return 0, err
	}

	reader, err := log.NewFilteredReader(path, filter)
	if err != nil {
		return 0, fmt.Errorf("failed to open log file: %w", err)
	}
	defer reader.Close()

	out, err := log.NewFileLogger(opts.Output)
	if err != nil {
		return 0, fmt.Errorf("failed to create output file: %w", err)
	}

	n := 0
	for event, err := range reader.All() {
		if err != nil {
			out.Close()
			return n, fmt.Errorf("failed to read event: %w", err)
		}
		out.Log(event)
		n++
	}
	return n, out.Close()
}
