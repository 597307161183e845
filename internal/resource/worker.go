package resource

import (
	"sync"
)

// Worker runs queued work one item at a time in submission order. The
// queue is unbounded so that producers holding locks never block on it.
type Worker struct {
	name string

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []*workItem
	busy    bool
	stopped bool
	exited  chan struct{}
}

type workItem struct {
	fn   func()
	done chan struct{}
}

// NewWorker starts a worker goroutine.
func NewWorker(name string) *Worker {
	w := &Worker{name: name, exited: make(chan struct{})}
	w.cond = sync.NewCond(&w.mu)
	go w.run()
	return w
}

func (w *Worker) run() {
	defer close(w.exited)
	for {
		w.mu.Lock()
		for len(w.queue) == 0 && !w.stopped {
			w.cond.Wait()
		}
		if len(w.queue) == 0 {
			w.mu.Unlock()
			return
		}
		it := w.queue[0]
		w.queue[0] = nil
		w.queue = w.queue[1:]
		w.busy = true
		w.mu.Unlock()

		it.fn()
		w.mu.Lock()
		w.busy = false
		w.mu.Unlock()
		close(it.done)
	}
}

// Queue appends fn and returns a channel closed once fn has run. Work
// queued after Stop is dropped and its channel is closed immediately.
func (w *Worker) Queue(fn func()) <-chan struct{} {
	it := &workItem{fn: fn, done: make(chan struct{})}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		close(it.done)
		return it.done
	}
	w.queue = append(w.queue, it)
	w.cond.Signal()
	return it.done
}

// Flush waits until everything queued so far has run. It must not be
// called from queued work.
func (w *Worker) Flush() {
	<-w.Queue(func() {})
}

// Settle waits until the worker is idle, including work that queued
// work queued in turn. It must not be called from queued work.
func (w *Worker) Settle() {
	for {
		w.Flush()
		w.mu.Lock()
		idle := len(w.queue) == 0 && !w.busy
		w.mu.Unlock()
		if idle {
			return
		}
	}
}

// Pending returns the number of queued items not yet started.
func (w *Worker) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.queue)
}

// Stop runs the remaining queue and joins the goroutine.
func (w *Worker) Stop() {
	w.mu.Lock()
	w.stopped = true
	w.cond.Signal()
	w.mu.Unlock()
	<-w.exited
}
