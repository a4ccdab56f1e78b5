// ABOUTME: Error taxonomy for the cluster coordinator and worker agent.
// ABOUTME: Sentinel errors plus DeliveryError, EnvironmentError and WorkerFault.

package cluster

import (
	"errors"
	"fmt"

	"github.com/2389/coven-cluster/internal/substrate"
)

// ErrNoWorkers indicates no registered worker is available for selection.
var ErrNoWorkers = errors.New("no workers available")

// ErrInactive indicates the primary has begun shutting down.
var ErrInactive = errors.New("primary is shut down")

// ErrInvalidDestination indicates a send destination is not a live worker.
var ErrInvalidDestination = errors.New("invalid message destination")

// ErrNotWorkerProcess indicates worker-only functionality was used in the primary.
var ErrNotWorkerProcess = errors.New("not running in a worker process")

// ErrChannelClosed indicates the IPC channel to the other side is closed.
var ErrChannelClosed = substrate.ErrChannelClosed

// DeliveryError is returned when a message cannot be handed to its destination.
type DeliveryError struct {
	Message any
	// Destination is the value the caller asked to send to.
	Destination any
	// WorkerID is set once the destination resolved to a worker.
	WorkerID int
	Err      error
}

func (e *DeliveryError) Error() string {
	if e.WorkerID != 0 {
		return fmt.Sprintf("sending message to worker %d: %v", e.WorkerID, e.Err)
	}
	return fmt.Sprintf("sending message to %v: %v", e.Destination, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// EnvironmentError is returned when a Worker is constructed outside a worker process.
type EnvironmentError struct {
	Reason string
	Err    error
}

func (e *EnvironmentError) Error() string {
	if e.Err == nil {
		return e.Reason
	}
	return fmt.Sprintf("%s: %v", e.Reason, e.Err)
}

func (e *EnvironmentError) Unwrap() error { return e.Err }

// WorkerFault describes an internal process error or an abnormal exit.
type WorkerFault struct {
	// WorkerID is 0 when the worker process could not be started.
	WorkerID int
	Code     int
	Signal   string
	Err      error
}

func (e *WorkerFault) Error() string {
	switch {
	case e.Err != nil && e.WorkerID == 0:
		return fmt.Sprintf("starting worker: %v", e.Err)
	case e.Err != nil:
		return fmt.Sprintf("worker %d: %v", e.WorkerID, e.Err)
	case e.Signal != "":
		return fmt.Sprintf("worker %d killed by signal %s", e.WorkerID, e.Signal)
	default:
		return fmt.Sprintf("worker %d exited with code %d", e.WorkerID, e.Code)
	}
}

func (e *WorkerFault) Unwrap() error { return e.Err }
