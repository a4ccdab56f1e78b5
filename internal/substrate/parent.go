// ABOUTME: Worker-side end of the IPC channel, connected to the primary through inherited fds.
// ABOUTME: Delivers inbound messages and reports disconnect once the primary closes its side.

package substrate

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
)

// ParentListener receives signals from the primary. Nil fields are skipped.
type ParentListener struct {
	Message    func(message any)
	Disconnect func()
}

// Parent is the worker's channel to the primary.
type Parent struct {
	r io.ReadCloser

	mu        sync.Mutex
	w         io.WriteCloser
	connected bool

	lmu       sync.Mutex
	listeners map[int]ParentListener
	nextSub   int

	start sync.Once
	done  chan struct{}
}

var (
	parentOnce sync.Once
	parent     *Parent
	parentErr  error
)

// ConnectParent returns the process-wide channel to the primary. The first
// call announces the worker as online.
func ConnectParent() (*Parent, error) {
	parentOnce.Do(func() {
		if !IsWorker() {
			parentErr = ErrNotWorker
			return
		}

		r := os.NewFile(parentReadFD, "coven-cluster-ipc-in")
		w := os.NewFile(parentWriteFD, "coven-cluster-ipc-out")
		if r == nil || w == nil {
			parentErr = fmt.Errorf("ipc descriptors unavailable: %w", ErrNotWorker)
			return
		}

		p := NewParent(r, w)
		if err := p.write(frame{Kind: kindOnline}); err != nil {
			parentErr = fmt.Errorf("announcing worker online: %w", err)
			return
		}
		parent = p
	})
	return parent, parentErr
}

// NewParent wraps an existing pair of streams. Reading starts on the first Subscribe.
func NewParent(r io.ReadCloser, w io.WriteCloser) *Parent {
	return &Parent{
		r:         r,
		w:         w,
		connected: true,
		listeners: make(map[int]ParentListener),
		done:      make(chan struct{}),
	}
}

// Subscribe registers l and starts reading from the primary.
func (p *Parent) Subscribe(l ParentListener) func() {
	p.lmu.Lock()
	p.nextSub++
	id := p.nextSub
	p.listeners[id] = l
	p.lmu.Unlock()

	p.start.Do(func() { go p.run() })

	return func() {
		p.lmu.Lock()
		defer p.lmu.Unlock()
		delete(p.listeners, id)
	}
}

func (p *Parent) emit(fn func(l ParentListener)) {
	p.lmu.Lock()
	ls := make([]ParentListener, 0, len(p.listeners))
	for id := 1; id <= p.nextSub; id++ {
		if l, ok := p.listeners[id]; ok {
			ls = append(ls, l)
		}
	}
	p.lmu.Unlock()

	for _, l := range ls {
		fn(l)
	}
}

func (p *Parent) run() {
	defer close(p.done)

	reader := bufio.NewReader(p.r)
	for {
		f, err := readFrame(reader)
		if err != nil {
			break
		}
		if f.Kind != kindMessage {
			continue
		}
		p.emit(func(l ParentListener) {
			if l.Message != nil {
				l.Message(f.Payload)
			}
		})
	}

	p.closeWriter()
	p.r.Close()
	p.emit(func(l ParentListener) {
		if l.Disconnect != nil {
			l.Disconnect()
		}
	})
}

// Send transmits message to the primary.
func (p *Parent) Send(message any) error {
	return p.write(frame{Kind: kindMessage, Payload: message})
}

// NotifyListening tells the primary this worker opened a listener.
func (p *Parent) NotifyListening(addr Address) error {
	return p.write(frame{Kind: kindListening, Payload: addressPayload(addr)})
}

func (p *Parent) write(f frame) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.connected {
		return ErrChannelClosed
	}
	return writeFrame(p.w, f)
}

// Disconnect marks the exit as voluntary and closes the channel. The primary
// observes end of stream and reports the worker disconnected.
func (p *Parent) Disconnect() error {
	err := p.write(frame{Kind: kindDisconnecting})
	if errors.Is(err, ErrChannelClosed) {
		return nil
	}
	if cerr := p.closeWriter(); cerr != nil && err == nil {
		err = cerr
	}
	if rerr := p.r.Close(); rerr != nil && !errors.Is(rerr, os.ErrClosed) && err == nil {
		err = rerr
	}
	return err
}

func (p *Parent) closeWriter() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.connected {
		return nil
	}
	p.connected = false
	return p.w.Close()
}

// Done is closed after the channel is gone and disconnect listeners have run.
func (p *Parent) Done() <-chan struct{} {
	return p.done
}
