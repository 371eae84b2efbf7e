package log

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileLoggerAppendsAcrossRuns(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.clog")

	for run := range 2 {
		fl, err := NewFileLogger(path)
		require.NoError(t, err)
		fl.Log(Event{Timestamp: time.Now(), ConnectionID: fmt.Sprintf("run-%d", run)})
		require.NoError(t, fl.Close())
	}

	assert.Equal(t, []string{"run-0", "run-1"}, readAll(t, path, Filter{}))
}

func TestFileLoggerConcurrentConnections(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.clog")
	fl, err := NewFileLogger(path)
	require.NoError(t, err)

	const conns, perConn = 8, 50
	var wg sync.WaitGroup
	for c := range conns {
		wg.Go(func() {
			for i := range perConn {
				fl.Log(Event{
					Timestamp:    time.Now(),
					ConnectionID: fmt.Sprintf("conn-%d", c),
					Category:     CategoryData,
					Record:       &RecordEvent{Size: i},
				})
			}
		})
	}
	wg.Wait()
	require.NoError(t, fl.Close())

	perID := make(map[string]int)
	for _, id := range readAll(t, path, Filter{}) {
		perID[id]++
	}
	assert.Len(t, perID, conns)
	for id, n := range perID {
		assert.Equal(t, perConn, n, id)
	}
}

func TestFileLoggerIgnoresEventsAfterClose(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.clog")
	fl, err := NewFileLogger(path)
	require.NoError(t, err)

	fl.Log(Event{ConnectionID: "before"})
	require.NoError(t, fl.Close())
	assert.NoError(t, fl.Close())
	fl.Log(Event{ConnectionID: "after"})

	assert.Equal(t, []string{"before"}, readAll(t, path, Filter{}))
}

func TestNewFileLoggerBadPath(t *testing.T) {
	_, err := NewFileLogger(filepath.Join(t.TempDir(), "missing", "dir", "x.clog"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestRotatingFileLogger(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rotating.clog")

	fl := NewRotatingFileLogger(path, RotationConfig{MaxSizeMB: 1, MaxBackups: 2})
	for i := range 3 {
		fl.Log(Event{Timestamp: time.Now(), ConnectionID: "rot", Record: &RecordEvent{Size: i}})
	}
	require.NoError(t, fl.Close())

	r, err := NewReader(path)
	require.NoError(t, err)
	defer r.Close()

	var sizes []int
	for ev, err := range r.All() {
		require.NoError(t, err)
		require.NotNil(t, ev.Record)
		sizes = append(sizes, ev.Record.Size)
	}
	assert.Equal(t, []int{0, 1, 2}, sizes)
}
