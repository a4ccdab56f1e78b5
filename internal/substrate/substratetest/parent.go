// ABOUTME: In-memory worker-side channel for tests outside the cluster package
// ABOUTME: Tests deliver primary messages and hang up; worker replies are recorded

package substratetest

import (
	"sort"
	"sync"

	"github.com/2389/coven-cluster/internal/substrate"
)

// Parent is an in-memory cluster.ParentChannel.
type Parent struct {
	mu        sync.Mutex
	sent      []any
	listening []substrate.Address
	listeners map[int]substrate.ParentListener
	nextSub   int
	closed    bool
}

// NewParent returns a connected Parent.
func NewParent() *Parent {
	return &Parent{listeners: make(map[int]substrate.ParentListener)}
}

func (p *Parent) Send(message any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return substrate.ErrChannelClosed
	}
	p.sent = append(p.sent, message)
	return nil
}

func (p *Parent) Subscribe(l substrate.ParentListener) func() {
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

func (p *Parent) NotifyListening(addr substrate.Address) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return substrate.ErrChannelClosed
	}
	p.listening = append(p.listening, addr)
	return nil
}

func (p *Parent) Disconnect() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

// Connected reports whether the channel is still open.
func (p *Parent) Connected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.closed
}

// Sent returns the messages the worker sent so far, readiness token included.
func (p *Parent) Sent() []any {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]any(nil), p.sent...)
}

func (p *Parent) subscribers() []substrate.ParentListener {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]int, 0, len(p.listeners))
	for id := range p.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	out := make([]substrate.ParentListener, 0, len(ids))
	for _, id := range ids {
		out = append(out, p.listeners[id])
	}
	return out
}

// Deliver simulates a message from the primary.
func (p *Parent) Deliver(message any) {
	for _, l := range p.subscribers() {
		if l.Message != nil {
			l.Message(message)
		}
	}
}

// HangUp simulates the primary closing the channel.
func (p *Parent) HangUp() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	for _, l := range p.subscribers() {
		if l.Disconnect != nil {
			l.Disconnect()
		}
	}
}
