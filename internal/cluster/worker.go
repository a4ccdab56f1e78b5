// ABOUTME: Worker agent that runs inside a forked process and talks to the primary.
// ABOUTME: Announces readiness once, dispatches typed messages and exits after destroy.

package cluster

import (
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/2389/coven-cluster/internal/substrate"
)

// DefaultKillGracePeriod is how long a destroyed worker waits to exit on its own.
const DefaultKillGracePeriod = 6765 * time.Millisecond

// ParentChannel is the worker's connection to the primary.
type ParentChannel interface {
	Send(message any) error
	Subscribe(l substrate.ParentListener) (remove func())
	NotifyListening(addr substrate.Address) error
	Disconnect() error
}

// WorkerOptions configures a Worker.
type WorkerOptions struct {
	// Parent defaults to the inherited IPC channel of a worker process.
	Parent          ParentChannel
	Logger          *slog.Logger
	MessageHandlers Handlers[*Worker]
	// On and After observers are registered before the readiness token is sent.
	On    map[string]Observer
	After map[string]Observer
	// KillGracePeriod defaults to DefaultKillGracePeriod.
	KillGracePeriod time.Duration
	// Exit terminates the process. Defaults to os.Exit.
	Exit func(code int)
}

// Worker is the worker-side agent.
type Worker struct {
	id          int
	parent      ParentChannel
	logger      *slog.Logger
	bus         *bus
	loop        *loop
	handlers    dispatcher[*Worker]
	unsubscribe func()
	grace       time.Duration
	exit        func(int)

	done        chan struct{}
	doneOnce    sync.Once
	destroyOnce sync.Once
}

// IsWorker reports whether the current process was forked by a Primary.
func IsWorker() bool {
	return substrate.IsWorker()
}

// WorkerID returns the id the primary assigned to this process, or 0 in the primary.
func WorkerID() int {
	return substrate.WorkerID()
}

// NewWorker connects to the primary and sends the readiness token. Outside a
// worker process it fails with an *EnvironmentError unless opts.Parent is set.
func NewWorker(opts WorkerOptions) (*Worker, error) {
	parent := opts.Parent
	if parent == nil {
		if !IsWorker() {
			return nil, &EnvironmentError{
				Reason: "cluster worker can not initialize in non-worker process",
				Err:    ErrNotWorkerProcess,
			}
		}
		pc, err := substrate.ConnectParent()
		if err != nil {
			return nil, &EnvironmentError{Reason: "connecting to primary", Err: err}
		}
		parent = pc
	}

	grace := opts.KillGracePeriod
	if grace <= 0 {
		grace = DefaultKillGracePeriod
	}
	exit := opts.Exit
	if exit == nil {
		exit = os.Exit
	}

	id := WorkerID()
	w := &Worker{
		id:       id,
		parent:   parent,
		logger:   loggerOrDefault(opts.Logger).With("component", "worker", "worker_id", id),
		loop:     newLoop(),
		handlers: newDispatcher(opts.MessageHandlers),
		grace:    grace,
		exit:     exit,
		done:     make(chan struct{}),
	}
	w.bus = newBus(map[string]eventSpec{
		EventPrimaryMessage:    {defaultFn: w.eventPrimaryMessage},
		EventPrimaryDisconnect: {defaultFn: w.eventPrimaryDisconnect, publishOnce: true},
	})

	for name, fn := range opts.On {
		w.On(name, fn)
	}
	for name, fn := range opts.After {
		w.After(name, fn)
	}

	w.logger.Info("initializing worker", "message_types", w.handlers.types())

	w.unsubscribe = parent.Subscribe(substrate.ParentListener{
		Message: func(message any) {
			w.loop.post(func() {
				w.bus.publish(&Event{Name: EventPrimaryMessage, Message: message})
			})
		},
		Disconnect: func() {
			w.loop.post(func() {
				w.bus.publish(&Event{Name: EventPrimaryDisconnect})
				w.closeDone()
			})
		},
	})

	if err := w.Send(ReadyToken); err != nil {
		w.unsubscribe()
		w.loop.stop()
		return nil, err
	}
	return w, nil
}

// ID returns the id the primary assigned to this worker.
func (w *Worker) ID() int {
	return w.id
}

// On registers fn to run before the default action of the named event.
func (w *Worker) On(name string, fn Observer) (remove func()) {
	return w.bus.subscribe(phaseOn, name, fn)
}

// After registers fn to run after the default action of the named event.
func (w *Worker) After(name string, fn Observer) (remove func()) {
	return w.bus.subscribe(phaseAfter, name, fn)
}

// Send transmits message to the primary.
func (w *Worker) Send(message any) error {
	if err := w.parent.Send(message); err != nil {
		return &DeliveryError{Message: message, Destination: "primary", Err: err}
	}
	return nil
}

// NotifyListening reports a listener opened by this worker to the primary.
func (w *Worker) NotifyListening(addr Address) error {
	if err := w.parent.NotifyListening(addr); err != nil {
		return &DeliveryError{Message: addr, Destination: "primary", Err: err}
	}
	return nil
}

// Listen opens a listener and reports it to the primary.
func (w *Worker) Listen(network, address string) (net.Listener, error) {
	ln, err := net.Listen(network, address)
	if err != nil {
		return nil, err
	}

	if err := w.NotifyListening(listenerAddress(ln.Addr())); err != nil {
		ln.Close()
		return nil, err
	}
	return ln, nil
}

func listenerAddress(addr net.Addr) Address {
	out := Address{Network: addr.Network(), Address: addr.String(), Port: -1}
	if tcp, ok := addr.(*net.TCPAddr); ok {
		out.Address = tcp.IP.String()
		out.Port = tcp.Port
	}
	return out
}

// Done is closed once the channel to the primary is gone: after the
// primaryDisconnect observers ran, or when Destroy is called.
func (w *Worker) Done() <-chan struct{} {
	return w.done
}

func (w *Worker) closeDone() {
	w.doneOnce.Do(func() { close(w.done) })
}

// Destroy detaches from the primary and disconnects. If the process is still
// running after the kill grace period it exits. Safe to call from observers.
func (w *Worker) Destroy() {
	w.destroyOnce.Do(func() {
		w.unsubscribe()
		if err := w.parent.Disconnect(); err != nil {
			w.logger.Warn("disconnecting from primary", "error", err)
		}
		w.loop.stop()
		w.closeDone()

		time.AfterFunc(w.grace, func() {
			w.logger.Warn("worker still running after disconnect, exiting", "grace_period", w.grace)
			w.exit(0)
		})
	})
}

func (w *Worker) eventPrimaryMessage(e *Event) {
	w.handlers.dispatch(w, e)
}

func (w *Worker) eventPrimaryDisconnect(_ *Event) {
	w.logger.Info("primary disconnected")
}
