// ABOUTME: Hand-written fakes for the process substrate and the parent channel.
// ABOUTME: Tests drive worker lifecycle signals explicitly and inspect what was sent.

package cluster

import (
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/2389/coven-cluster/internal/substrate"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeProcess is a worker process that never runs.
type fakeProcess struct {
	id int

	mu                    sync.Mutex
	sent                  []any
	connected             bool
	exitedAfterDisconnect bool
	killed                bool
	errFns                map[int]func(error)
	nextErr               int
}

func (p *fakeProcess) ID() int  { return p.id }
func (p *fakeProcess) Pid() int { return 1000 + p.id }

func (p *fakeProcess) Send(message any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.connected {
		return substrate.ErrChannelClosed
	}
	p.sent = append(p.sent, message)
	return nil
}

func (p *fakeProcess) Connected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}

func (p *fakeProcess) Disconnect() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connected = false
	p.exitedAfterDisconnect = true
	return nil
}

func (p *fakeProcess) Kill() error {
	p.Disconnect()
	p.mu.Lock()
	defer p.mu.Unlock()
	p.killed = true
	return nil
}

func (p *fakeProcess) ExitedAfterDisconnect() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitedAfterDisconnect
}

func (p *fakeProcess) OnError(fn func(error)) func() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextErr++
	id := p.nextErr
	p.errFns[id] = fn
	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		delete(p.errFns, id)
	}
}

// fail reports an internal process error to registered listeners.
func (p *fakeProcess) fail(err error) {
	p.mu.Lock()
	fns := make([]func(error), 0, len(p.errFns))
	for _, fn := range p.errFns {
		fns = append(fns, fn)
	}
	p.mu.Unlock()
	for _, fn := range fns {
		fn(err)
	}
}

func (p *fakeProcess) sentMessages() []any {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]any(nil), p.sent...)
}

// fakeSubstrate records forks and lets tests emit signals.
type fakeSubstrate struct {
	mu                 sync.Mutex
	nextID             int
	procs              map[int]*fakeProcess
	listeners          map[int]substrate.Listener
	nextSub            int
	forkErr            error
	forks              int
	disconnectAllCalls int
}

func newFakeSubstrate() *fakeSubstrate {
	return &fakeSubstrate{
		procs:     make(map[int]*fakeProcess),
		listeners: make(map[int]substrate.Listener),
	}
}

func (s *fakeSubstrate) Subscribe(l substrate.Listener) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextSub++
	id := s.nextSub
	s.listeners[id] = l
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.listeners, id)
	}
}

func (s *fakeSubstrate) each(fn func(l substrate.Listener)) {
	s.mu.Lock()
	ids := make([]int, 0, len(s.listeners))
	for id := range s.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	ls := make([]substrate.Listener, 0, len(ids))
	for _, id := range ids {
		ls = append(ls, s.listeners[id])
	}
	s.mu.Unlock()

	for _, l := range ls {
		fn(l)
	}
}

func (s *fakeSubstrate) Fork() (substrate.Process, error) {
	s.mu.Lock()
	if s.forkErr != nil {
		err := s.forkErr
		s.mu.Unlock()
		return nil, err
	}
	s.forks++
	s.nextID++
	p := &fakeProcess{id: s.nextID, connected: true, errFns: make(map[int]func(error))}
	s.procs[p.id] = p
	s.mu.Unlock()

	s.each(func(l substrate.Listener) {
		if l.Fork != nil {
			l.Fork(p)
		}
	})
	return p, nil
}

// DisconnectAll disconnects every live process and confirms asynchronously.
func (s *fakeSubstrate) DisconnectAll(done func()) {
	s.mu.Lock()
	s.disconnectAllCalls++
	procs := make([]*fakeProcess, 0, len(s.procs))
	for _, p := range s.procs {
		procs = append(procs, p)
	}
	s.mu.Unlock()

	sort.Slice(procs, func(i, j int) bool { return procs[i].id < procs[j].id })
	for _, p := range procs {
		if p.Connected() {
			p.Disconnect()
			s.disconnect(p)
		}
	}
	go done()
}

func (s *fakeSubstrate) proc(t *testing.T, id int) *fakeProcess {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.procs[id]
	require.True(t, ok, "no process %d", id)
	return p
}

func (s *fakeSubstrate) forkCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.forks
}

func (s *fakeSubstrate) online(p *fakeProcess) {
	s.each(func(l substrate.Listener) {
		if l.Online != nil {
			l.Online(p)
		}
	})
}

func (s *fakeSubstrate) message(p *fakeProcess, message any) {
	s.each(func(l substrate.Listener) {
		if l.Message != nil {
			l.Message(p, message)
		}
	})
}

func (s *fakeSubstrate) listening(p *fakeProcess, addr substrate.Address) {
	s.each(func(l substrate.Listener) {
		if l.Listening != nil {
			l.Listening(p, addr)
		}
	})
}

func (s *fakeSubstrate) disconnect(p *fakeProcess) {
	p.mu.Lock()
	p.connected = false
	p.mu.Unlock()
	s.each(func(l substrate.Listener) {
		if l.Disconnect != nil {
			l.Disconnect(p)
		}
	})
}

func (s *fakeSubstrate) exit(p *fakeProcess, code int, signal string) {
	s.mu.Lock()
	delete(s.procs, p.id)
	s.mu.Unlock()
	p.mu.Lock()
	p.connected = false
	p.mu.Unlock()
	s.each(func(l substrate.Listener) {
		if l.Exit != nil {
			l.Exit(p, code, signal)
		}
	})
}

// ready brings p online and sends the readiness token.
func (s *fakeSubstrate) ready(p *fakeProcess) {
	s.online(p)
	s.message(p, ReadyToken)
}

// flush waits until everything posted to the loop so far has run.
func flush(t *testing.T, l *loop) {
	t.Helper()
	done := make(chan struct{})
	require.True(t, l.post(func() { close(done) }), "loop stopped")
	<-done
}

// eventLog records "on X" / "after X" entries for the given events.
type eventLog struct {
	mu      sync.Mutex
	entries []string
	events  []*Event
}

func recordEvents(o Observable, names ...string) *eventLog {
	log := &eventLog{}
	for _, name := range names {
		o.On(name, func(e *Event) { log.add("on " + e.Name) })
		o.After(name, func(e *Event) {
			log.add("after " + e.Name)
			log.mu.Lock()
			log.events = append(log.events, e)
			log.mu.Unlock()
		})
	}
	return log
}

func (l *eventLog) add(entry string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, entry)
}

func (l *eventLog) Entries() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.entries...)
}

// Events returns the events seen in their After phase.
func (l *eventLog) Events(name string) []*Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []*Event
	for _, e := range l.events {
		if e.Name == name {
			out = append(out, e)
		}
	}
	return out
}

func (l *eventLog) reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = nil
	l.events = nil
}

// fakeParent is a ParentChannel backed by memory.
type fakeParent struct {
	mu          sync.Mutex
	sent        []any
	listening   []substrate.Address
	listeners   map[int]substrate.ParentListener
	nextSub     int
	closed      bool
	disconnects int
	sendErr     error
}

func newFakeParent() *fakeParent {
	return &fakeParent{listeners: make(map[int]substrate.ParentListener)}
}

func (p *fakeParent) Send(message any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sendErr != nil {
		return p.sendErr
	}
	if p.closed {
		return substrate.ErrChannelClosed
	}
	p.sent = append(p.sent, message)
	return nil
}

func (p *fakeParent) Subscribe(l substrate.ParentListener) func() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextSub++
	id := p.nextSub
	p.listeners[id] = l
	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		delete(p.listeners, id)
	}
}

func (p *fakeParent) NotifyListening(addr substrate.Address) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return substrate.ErrChannelClosed
	}
	p.listening = append(p.listening, addr)
	return nil
}

func (p *fakeParent) Disconnect() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.disconnects++
	return nil
}

func (p *fakeParent) snapshot() []substrate.ParentListener {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]substrate.ParentListener, 0, len(p.listeners))
	for _, l := range p.listeners {
		out = append(out, l)
	}
	return out
}

// deliver simulates a message from the primary.
func (p *fakeParent) deliver(message any) {
	for _, l := range p.snapshot() {
		if l.Message != nil {
			l.Message(message)
		}
	}
}

// hangUp simulates the primary closing the channel.
func (p *fakeParent) hangUp() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	for _, l := range p.snapshot() {
		if l.Disconnect != nil {
			l.Disconnect()
		}
	}
}

func (p *fakeParent) sentMessages() []any {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]any(nil), p.sent...)
}

func (p *fakeParent) subscriberCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.listeners)
}
