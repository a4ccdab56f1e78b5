// ABOUTME: Single-goroutine mailbox that serializes event handling.
// ABOUTME: Substrate signals and public calls post closures; they run strictly in order.

package cluster

import "sync"

// loop runs posted functions one at a time on its own goroutine. The queue is
// unbounded so posting never blocks, including from the loop itself.
type loop struct {
	mu      sync.Mutex
	cond    *sync.Cond
	queue   []func()
	stopped bool
	done    chan struct{}
}

func newLoop() *loop {
	l := &loop{done: make(chan struct{})}
	l.cond = sync.NewCond(&l.mu)
	go l.run()
	return l
}

// post enqueues fn. It returns false once the loop is stopping.
func (l *loop) post(fn func()) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.stopped {
		return false
	}
	l.queue = append(l.queue, fn)
	l.cond.Signal()
	return true
}

// stop rejects further posts. Already queued functions still run.
func (l *loop) stop() {
	l.mu.Lock()
	l.stopped = true
	l.cond.Signal()
	l.mu.Unlock()
}

// wait blocks until the loop has drained and exited. Must not be called from the loop.
func (l *loop) wait() {
	<-l.done
}

func (l *loop) run() {
	defer close(l.done)

	for {
		l.mu.Lock()
		for len(l.queue) == 0 && !l.stopped {
			l.cond.Wait()
		}
		if len(l.queue) == 0 {
			l.mu.Unlock()
			return
		}
		fn := l.queue[0]
		l.queue[0] = nil
		l.queue = l.queue[1:]
		l.mu.Unlock()

		fn()
	}
}
