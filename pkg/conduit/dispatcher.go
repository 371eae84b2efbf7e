package conduit

import (
	"sync"
)

// Dispatcher is a fixed pool of workers fed by an unbounded FIFO queue.
// Submit never blocks, so handlers may submit more work from inside a
// worker without deadlocking the pool.
type Dispatcher struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []func()
	closed bool
	wg     sync.WaitGroup
}

// NewDispatcher starts a dispatcher with the given number of workers.
func NewDispatcher(workers int) *Dispatcher {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	d := &Dispatcher{}
	d.cond = sync.NewCond(&d.mu)
	d.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go d.worker()
	}
	return d
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for {
		d.mu.Lock()
		for len(d.queue) == 0 && !d.closed {
			d.cond.Wait()
		}
		if len(d.queue) == 0 {
			d.mu.Unlock()
			return
		}
		fn := d.queue[0]
		d.queue[0] = nil
		d.queue = d.queue[1:]
		d.mu.Unlock()

		fn()
	}
}

// Submit queues fn. It reports false once the dispatcher is closed.
func (d *Dispatcher) Submit(fn func()) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return false
	}
	d.queue = append(d.queue, fn)
	d.cond.Signal()
	return true
}

// Close stops accepting work. Queued work still runs; workers exit once
// the queue is empty. Close does not wait and may be called from a worker.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	d.closed = true
	d.cond.Broadcast()
	d.mu.Unlock()
}

// Wait blocks until all workers have exited. It must not be called from a
// worker.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// lane serializes runs of one handler on a Dispatcher. A schedule request
// that arrives while the handler runs results in exactly one more run.
type lane struct {
	d   *Dispatcher
	run func()

	mu      sync.Mutex
	running bool
	pending bool
}

func newLane(d *Dispatcher, run func()) *lane {
	return &lane{d: d, run: run}
}

func (l *lane) schedule() {
	l.mu.Lock()
	if l.running {
		l.pending = true
		l.mu.Unlock()
		return
	}
	l.running = true
	l.mu.Unlock()

	if !l.d.Submit(l.loop) {
		l.mu.Lock()
		l.running = false
		l.mu.Unlock()
	}
}

func (l *lane) loop() {
	l.run()

	l.mu.Lock()
	if !l.pending {
		l.running = false
		l.mu.Unlock()
		return
	}
	l.pending = false
	l.mu.Unlock()

	// Requeue rather than loop so other connections get a turn.
	if !l.d.Submit(l.loop) {
		l.mu.Lock()
		l.running = false
		l.mu.Unlock()
	}
}
