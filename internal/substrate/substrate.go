// ABOUTME: Process substrate contracts shared by the primary and worker sides.
// ABOUTME: Defines Process, Substrate, Listener and the well-known environment/fd layout.

package substrate

import (
	"errors"
	"os"
	"strconv"
)

// EnvWorkerID marks a process as a worker and carries its identifier.
const EnvWorkerID = "COVEN_CLUSTER_WORKER_ID"

const (
	parentReadFD  = 3 // primary -> worker
	parentWriteFD = 4 // worker -> primary
)

// ErrChannelClosed indicates the IPC channel to the other side is closed.
var ErrChannelClosed = errors.New("ipc channel closed")

// ErrNotWorker indicates worker-side plumbing was requested outside a worker process.
var ErrNotWorker = errors.New("not running in a worker process")

// Address describes a network listener opened by a worker.
type Address struct {
	Network string
	Address string
	Port    int
}

// Process is one worker process as seen from the primary.
type Process interface {
	// ID is unique for the lifetime of the substrate and never reused.
	ID() int
	Pid() int
	// Send transmits a message to the worker. It returns once the frame is
	// written, not when the worker has processed it.
	Send(message any) error
	Connected() bool
	Disconnect() error
	// Kill disconnects and terminates the worker.
	Kill() error
	// ExitedAfterDisconnect reports whether a disconnect was requested by
	// either side before the process went away.
	ExitedAfterDisconnect() bool
	// OnError registers a listener for internal process errors.
	OnError(fn func(error)) (remove func())
}

// Listener receives substrate-wide lifecycle signals. Nil fields are skipped.
type Listener struct {
	Fork       func(p Process)
	Online     func(p Process)
	Message    func(p Process, message any)
	Listening  func(p Process, addr Address)
	Disconnect func(p Process)
	Exit       func(p Process, code int, signal string)
}

// Substrate creates worker processes and reports their lifecycle.
type Substrate interface {
	Fork() (Process, error)
	// DisconnectAll disconnects every live worker and calls done once all of
	// them have reported disconnect.
	DisconnectAll(done func())
	Subscribe(l Listener) (remove func())
}

// IsWorker reports whether the current process was started by a substrate.
func IsWorker() bool {
	_, ok := os.LookupEnv(EnvWorkerID)
	return ok
}

// WorkerID returns the identifier assigned to this worker, or 0 outside a worker.
func WorkerID() int {
	id, err := strconv.Atoi(os.Getenv(EnvWorkerID))
	if err != nil {
		return 0
	}
	return id
}
