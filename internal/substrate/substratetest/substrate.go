// ABOUTME: In-memory Substrate for tests outside the cluster package
// ABOUTME: Forked workers come online and report ready immediately; tests can crash them at will

// Package substratetest provides a Substrate whose workers never run a process.
package substratetest

import (
	"errors"
	"sort"
	"sync"

	"github.com/2389/coven-cluster/internal/substrate"
)

// ReadyToken is what forked workers send once online.
const ReadyToken = "ready"

// Process is a fake worker process.
type Process struct {
	id int

	mu                    sync.Mutex
	sent                  []any
	connected             bool
	exitedAfterDisconnect bool
	reply                 func(p *Process, message any)
}

func (p *Process) ID() int  { return p.id }
func (p *Process) Pid() int { return 4000 + p.id }

func (p *Process) Send(message any) error {
	p.mu.Lock()
	if !p.connected {
		p.mu.Unlock()
		return substrate.ErrChannelClosed
	}
	p.sent = append(p.sent, message)
	reply := p.reply
	p.mu.Unlock()

	if reply != nil {
		reply(p, message)
	}
	return nil
}

func (p *Process) Connected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}

func (p *Process) Disconnect() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connected = false
	p.exitedAfterDisconnect = true
	return nil
}

func (p *Process) Kill() error { return p.Disconnect() }

func (p *Process) ExitedAfterDisconnect() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitedAfterDisconnect
}

func (p *Process) OnError(func(error)) func() { return func() {} }

// Sent returns the messages delivered to this process so far.
func (p *Process) Sent() []any {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]any(nil), p.sent...)
}

// Substrate is an in-memory substrate.Substrate.
type Substrate struct {
	// Reply, if set, is called for every message sent to a worker. It may
	// answer through Substrate.Message.
	Reply func(p *Process, message any)

	mu        sync.Mutex
	nextID    int
	procs     map[int]*Process
	listeners map[int]substrate.Listener
	nextSub   int
	forkErr   error
}

// New returns an empty Substrate.
func New() *Substrate {
	return &Substrate{
		procs:     make(map[int]*Process),
		listeners: make(map[int]substrate.Listener),
	}
}

// FailForks makes every later Fork return err. Pass nil to recover.
func (s *Substrate) FailForks(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.forkErr = err
}

func (s *Substrate) Subscribe(l substrate.Listener) func() {
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

func (s *Substrate) each(fn func(l substrate.Listener)) {
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

// Fork creates a process, then signals fork, online and the readiness token.
func (s *Substrate) Fork() (substrate.Process, error) {
	s.mu.Lock()
	if s.forkErr != nil {
		err := s.forkErr
		s.mu.Unlock()
		return nil, err
	}
	s.nextID++
	p := &Process{id: s.nextID, connected: true, reply: s.Reply}
	s.procs[p.id] = p
	s.mu.Unlock()

	s.each(func(l substrate.Listener) {
		if l.Fork != nil {
			l.Fork(p)
		}
	})
	s.each(func(l substrate.Listener) {
		if l.Online != nil {
			l.Online(p)
		}
	})
	s.Message(p, ReadyToken)
	return p, nil
}

// DisconnectAll disconnects and exits every live process, then calls done.
func (s *Substrate) DisconnectAll(done func()) {
	for _, p := range s.Processes() {
		if !p.Connected() {
			continue
		}
		_ = p.Disconnect()
		s.each(func(l substrate.Listener) {
			if l.Disconnect != nil {
				l.Disconnect(p)
			}
		})
		s.Exit(p.id, 0, "")
	}
	go done()
}

// Processes returns live processes ordered by ID.
func (s *Substrate) Processes() []*Process {
	s.mu.Lock()
	defer s.mu.Unlock()
	procs := make([]*Process, 0, len(s.procs))
	for _, p := range s.procs {
		procs = append(procs, p)
	}
	sort.Slice(procs, func(i, j int) bool { return procs[i].id < procs[j].id })
	return procs
}

// Message delivers a message from p to the primary.
func (s *Substrate) Message(p *Process, message any) {
	s.each(func(l substrate.Listener) {
		if l.Message != nil {
			l.Message(p, message)
		}
	})
}

// Listening reports that p opened a listener.
func (s *Substrate) Listening(p *Process, addr substrate.Address) {
	s.each(func(l substrate.Listener) {
		if l.Listening != nil {
			l.Listening(p, addr)
		}
	})
}

// ErrNoProcess is returned by Exit for an unknown ID.
var ErrNoProcess = errors.New("no such process")

// Exit ends process id with the given code and signal.
func (s *Substrate) Exit(id, code int, signal string) error {
	s.mu.Lock()
	p, ok := s.procs[id]
	delete(s.procs, id)
	s.mu.Unlock()
	if !ok {
		return ErrNoProcess
	}

	p.mu.Lock()
	p.connected = false
	p.mu.Unlock()
	s.each(func(l substrate.Listener) {
		if l.Exit != nil {
			l.Exit(p, code, signal)
		}
	})
	return nil
}
