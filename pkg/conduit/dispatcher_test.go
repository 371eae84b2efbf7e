package conduit

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDispatcherRunsSubmittedWork(t *testing.T) {
	d := NewDispatcher(3)

	var n atomic.Int32
	var wg sync.WaitGroup
	wg.Add(100)
	for i := 0; i < 100; i++ {
		require.True(t, d.Submit(func() {
			n.Add(1)
			wg.Done()
		}))
	}
	wg.Wait()

	d.Close()
	d.Wait()
	assert.Equal(t, int32(100), n.Load())
	assert.False(t, d.Submit(func() {}), "submit after close")
}

func TestDispatcherCloseRunsQueuedWork(t *testing.T) {
	d := NewDispatcher(1)

	release := make(chan struct{})
	var n atomic.Int32
	require.True(t, d.Submit(func() {
		<-release
		n.Add(1)
	}))
	for i := 0; i < 5; i++ {
		require.True(t, d.Submit(func() { n.Add(1) }))
	}

	d.Close()
	close(release)
	d.Wait()
	assert.Equal(t, int32(6), n.Load())
}

func TestDispatcherSubmitFromWorker(t *testing.T) {
	d := NewDispatcher(1)
	defer func() {
		d.Close()
		d.Wait()
	}()

	done := make(chan struct{})
	require.True(t, d.Submit(func() {
		d.Submit(func() { close(done) })
	}))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("nested submit did not run")
	}
}

func TestDispatcherCloseFromWorker(t *testing.T) {
	d := NewDispatcher(2)
	require.True(t, d.Submit(d.Close))
	d.Wait()
	assert.False(t, d.Submit(func() {}))
}

func TestLaneCoalescesSchedules(t *testing.T) {
	d := NewDispatcher(4)
	defer func() {
		d.Close()
		d.Wait()
	}()

	started := make(chan struct{})
	release := make(chan struct{})
	var runs, active atomic.Int32
	var overlap atomic.Bool

	l := newLane(d, func() {
		if active.Add(1) > 1 {
			overlap.Store(true)
		}
		if runs.Add(1) == 1 {
			close(started)
			<-release
		}
		active.Add(-1)
	})

	l.schedule()
	<-started
	l.schedule()
	l.schedule()
	l.schedule()
	close(release)

	assert.Eventually(t, func() bool { return runs.Load() == 2 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(2), runs.Load(), "schedules during a run coalesce into one")
	assert.False(t, overlap.Load(), "runs never overlap")
}

func TestLaneScheduleAfterClose(t *testing.T) {
	d := NewDispatcher(1)
	d.Close()
	d.Wait()

	var runs atomic.Int32
	l := newLane(d, func() { runs.Add(1) })
	l.schedule()
	l.schedule()
	assert.Equal(t, int32(0), runs.Load())
}
