// Package runloop provides the single-goroutine task executor that
// data-flow stages run on.
//
// All flow state lives on one loop. Stages mutate it only from tasks
// executing on that loop, so none of the flow packages need locks. Blocking
// work (dialing, socket reads and writes, resolution) happens on helper
// goroutines that post their completions back to the loop.
package runloop

import "sync"

// Runloop executes posted tasks one at a time on the goroutine that called
// Run. Post is safe to call from any goroutine.
type Runloop struct {
	mu      sync.Mutex
	wake    *sync.Cond
	tasks   []func()
	stopped bool
	quit    chan struct{}
}

// New returns a loop ready to accept tasks. Nothing executes until Run is
// called.
func New() *Runloop {
	l := &Runloop{quit: make(chan struct{})}
	l.wake = sync.NewCond(&l.mu)
	return l
}

// Post queues task for execution on the loop goroutine. Tasks run in the
// order they were posted. Posting after Stop drops the task.
func (l *Runloop) Post(task func()) {
	l.mu.Lock()
	if !l.stopped {
		l.tasks = append(l.tasks, task)
	}
	l.mu.Unlock()
	l.wake.Signal()
}

// Run executes tasks until Stop is called. It blocks and is normally
// invoked on a dedicated goroutine:
//
//	loop := runloop.New()
//	go loop.Run()
func (l *Runloop) Run() {
	for {
		l.mu.Lock()
		for len(l.tasks) == 0 && !l.stopped {
			l.wake.Wait()
		}
		if l.stopped {
			l.tasks = nil
			l.mu.Unlock()
			return
		}
		task := l.tasks[0]
		l.tasks = l.tasks[1:]
		l.mu.Unlock()

		task()
	}
}

// Stop makes Run return after the currently executing task finishes.
// Queued tasks that have not started are dropped. Stop is idempotent and
// safe to call from any goroutine, including from a task on the loop.
func (l *Runloop) Stop() {
	l.mu.Lock()
	if !l.stopped {
		l.stopped = true
		close(l.quit)
	}
	l.mu.Unlock()
	l.wake.Broadcast()
}

// Do posts task and blocks until it has run. It bridges synchronous code
// (command-line tools, tests) onto the loop.
//
// Do must not be called from a task already running on the loop; that
// deadlocks. If the loop stops first, Do returns without the task having
// run.
func (l *Runloop) Do(task func()) {
	done := make(chan struct{})
	l.Post(func() {
		defer close(done)
		task()
	})
	select {
	case <-done:
	case <-l.quit:
	}
}
