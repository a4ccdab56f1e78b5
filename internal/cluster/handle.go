// ABOUTME: WorkerHandle is the primary's view of one worker process.
// ABOUTME: Tracks liveness state and forwards send/disconnect/kill to the substrate process.

package cluster

import (
	"sync/atomic"

	"github.com/2389/coven-cluster/internal/substrate"
)

// State is the liveness of a worker as seen by the primary.
type State int32

const (
	StateForked State = iota
	StateOnline
	StateReady
	StateDisconnecting
	StateGone
)

func (s State) String() string {
	switch s {
	case StateForked:
		return "forked"
	case StateOnline:
		return "online"
	case StateReady:
		return "ready"
	case StateDisconnecting:
		return "disconnecting"
	case StateGone:
		return "gone"
	default:
		return "unknown"
	}
}

// WorkerHandle represents one forked worker.
type WorkerHandle struct {
	// ID is assigned by the substrate and never reused.
	ID int

	proc  substrate.Process
	state atomic.Int32

	// Loop-owned.
	hooks       []func(message any) (done bool)
	removeError func()
}

func newWorkerHandle(proc substrate.Process) *WorkerHandle {
	return &WorkerHandle{ID: proc.ID(), proc: proc}
}

// State returns the current liveness state.
func (h *WorkerHandle) State() State {
	return State(h.state.Load())
}

// advance moves the state forward. It never moves backwards.
func (h *WorkerHandle) advance(to State) {
	for {
		cur := h.state.Load()
		if State(cur) >= to {
			return
		}
		if h.state.CompareAndSwap(cur, int32(to)) {
			return
		}
	}
}

// Pid returns the operating system process id.
func (h *WorkerHandle) Pid() int {
	return h.proc.Pid()
}

// Send transmits message to the worker. It returns once the message is
// written, without waiting for the worker to handle it.
func (h *WorkerHandle) Send(message any) error {
	if err := h.proc.Send(message); err != nil {
		return &DeliveryError{Message: message, Destination: h, WorkerID: h.ID, Err: err}
	}
	return nil
}

// Disconnect asks the worker to exit once its channel is closed.
func (h *WorkerHandle) Disconnect() error {
	h.advance(StateDisconnecting)
	return h.proc.Disconnect()
}

// Kill disconnects and terminates the worker.
func (h *WorkerHandle) Kill() error {
	h.advance(StateDisconnecting)
	return h.proc.Kill()
}

// Connected reports whether the IPC channel is still open.
func (h *WorkerHandle) Connected() bool {
	return h.proc.Connected()
}

// ExitedAfterDisconnect reports whether a disconnect was requested before exit.
func (h *WorkerHandle) ExitedAfterDisconnect() bool {
	return h.proc.ExitedAfterDisconnect()
}

// onMessage adds a hook run after each workerMessage publish. Hooks returning
// true are removed.
func (h *WorkerHandle) onMessage(hook func(message any) bool) {
	h.hooks = append(h.hooks, hook)
}

func (h *WorkerHandle) runHooks(message any) {
	if len(h.hooks) == 0 {
		return
	}
	hooks := h.hooks
	h.hooks = nil
	for _, hook := range hooks {
		if !hook(message) {
			h.hooks = append(h.hooks, hook)
		}
	}
}
