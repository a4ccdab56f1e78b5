// ABOUTME: Primary coordinator: forks workers, tracks their lifecycle and relays messages.
// ABOUTME: Replaces lost workers while active and shuts the pool down exactly once.

package cluster

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/2389/coven-cluster/internal/substrate"
)

// PrimaryOptions configures a Primary.
type PrimaryOptions struct {
	// Exec is the worker executable. Defaults to the current executable.
	Exec string
	// Args are the worker arguments. Nil means the current process arguments.
	Args []string
	// Env is appended to the inherited environment of each worker.
	Env []string
	// Silent discards worker output unless Stdout/Stderr are set.
	Silent bool
	Stdout io.Writer
	Stderr io.Writer

	// Substrate replaces the exec-based process substrate. The fields above
	// are ignored when it is set.
	Substrate substrate.Substrate

	Logger          *slog.Logger
	MessageHandlers Handlers[*Primary]
}

// Primary supervises a pool of worker processes.
//
// All events are handled sequentially on one goroutine. Observers and message
// handlers run on that goroutine and must not call Close.
type Primary struct {
	sub         substrate.Substrate
	logger      *slog.Logger
	bus         *bus
	loop        *loop
	handlers    dispatcher[*Primary]
	unsubscribe func()

	active       atomic.Bool
	shutdownOnce sync.Once
	closeOnce    sync.Once
	done         chan struct{}
	doneOnce     sync.Once

	// handles tracks every known process by substrate id. Loop-owned.
	handles map[int]*WorkerHandle

	mu        sync.RWMutex
	workers   []*WorkerHandle
	byID      map[int]*WorkerHandle
	rotations map[string]map[int]time.Time
	lastStamp time.Time
}

// NewPrimary creates an active Primary. No workers are started until Fork.
func NewPrimary(opts PrimaryOptions) *Primary {
	logger := loggerOrDefault(opts.Logger)

	sub := opts.Substrate
	if sub == nil {
		sub = substrate.NewExec(substrate.Options{
			Exec:   opts.Exec,
			Args:   opts.Args,
			Env:    opts.Env,
			Silent: opts.Silent,
			Stdout: opts.Stdout,
			Stderr: opts.Stderr,
			Logger: logger,
		})
	}

	p := &Primary{
		sub:       sub,
		logger:    logger.With("component", "primary"),
		loop:      newLoop(),
		handlers:  newDispatcher(opts.MessageHandlers),
		done:      make(chan struct{}),
		handles:   make(map[int]*WorkerHandle),
		byID:      make(map[int]*WorkerHandle),
		rotations: make(map[string]map[int]time.Time),
	}
	p.active.Store(true)

	p.bus = newBus(map[string]eventSpec{
		EventFork:             {defaultFn: p.eventFork},
		EventWorkerFork:       {defaultFn: p.eventWorkerFork},
		EventWorkerOnline:     {defaultFn: p.eventWorkerOnline},
		EventWorkerReady:      {defaultFn: p.eventWorkerReady},
		EventAddWorker:        {defaultFn: p.eventAddWorker},
		EventRemoveWorker:     {defaultFn: p.eventRemoveWorker},
		EventWorkerMessage:    {defaultFn: p.eventWorkerMessage},
		EventWorkerListening:  {defaultFn: p.eventWorkerListening},
		EventWorkerDisconnect: {defaultFn: p.eventWorkerDisconnect},
		EventWorkerError:      {defaultFn: p.eventWorkerError},
		EventWorkerExit:       {defaultFn: p.eventWorkerExit},
		EventShutDown:         {defaultFn: p.eventShutDown, completeOnce: true},
		EventShutDownComplete: {defaultFn: p.eventShutDownComplete, publishOnce: true},
	})

	p.unsubscribe = sub.Subscribe(substrate.Listener{
		Fork: func(proc substrate.Process) {
			p.loop.post(func() {
				p.publish(&Event{Name: EventWorkerFork, Worker: p.track(proc)})
			})
		},
		Online: func(proc substrate.Process) {
			p.loop.post(func() {
				p.publish(&Event{Name: EventWorkerOnline, Worker: p.track(proc)})
			})
		},
		Message: func(proc substrate.Process, message any) {
			p.loop.post(func() {
				h := p.track(proc)
				p.publish(&Event{Name: EventWorkerMessage, Worker: h, Message: message})
				h.runHooks(message)
			})
		},
		Listening: func(proc substrate.Process, addr substrate.Address) {
			p.loop.post(func() {
				p.publish(&Event{Name: EventWorkerListening, Worker: p.track(proc), Address: addr})
			})
		},
		Disconnect: func(proc substrate.Process) {
			p.loop.post(func() {
				p.publish(&Event{Name: EventWorkerDisconnect, Worker: p.track(proc)})
			})
		},
		Exit: func(proc substrate.Process, code int, signal string) {
			p.loop.post(func() {
				h := p.track(proc)
				e := &Event{Name: EventWorkerExit, Worker: h, Code: code, Signal: signal}
				if !proc.ExitedAfterDisconnect() {
					e.Err = &WorkerFault{WorkerID: h.ID, Code: code, Signal: signal}
				}
				p.publish(e)
				p.untrack(h)
			})
		},
	})

	p.logger.Info("initializing primary", "message_types", p.handlers.types())
	return p
}

// On registers fn to run before the default action of the named event.
func (p *Primary) On(name string, fn Observer) (remove func()) {
	return p.bus.subscribe(phaseOn, name, fn)
}

// After registers fn to run after the default action of the named event.
func (p *Primary) After(name string, fn Observer) (remove func()) {
	return p.bus.subscribe(phaseAfter, name, fn)
}

func (p *Primary) publish(e *Event) {
	p.bus.publish(e)
}

// track returns the handle for proc, creating it on first sight. Loop only.
func (p *Primary) track(proc substrate.Process) *WorkerHandle {
	h, ok := p.handles[proc.ID()]
	if !ok {
		h = newWorkerHandle(proc)
		p.handles[proc.ID()] = h
	}
	return h
}

func (p *Primary) untrack(h *WorkerHandle) {
	if h.removeError != nil {
		h.removeError()
		h.removeError = nil
	}
	h.hooks = nil
	delete(p.handles, h.ID)
}

// Active reports whether the primary still forks and replaces workers.
func (p *Primary) Active() bool {
	return p.active.Load()
}

// Fork requests n more workers; n < 1 requests one. Workers become usable
// after their workerReady event. Returns ErrInactive once shutdown has begun.
func (p *Primary) Fork(n int) error {
	if n < 1 {
		n = 1
	}
	if !p.active.Load() {
		return ErrInactive
	}
	if !p.loop.post(func() { p.fork(n) }) {
		return ErrInactive
	}
	return nil
}

// fork publishes the fork event if still active. Loop only.
func (p *Primary) fork(n int) {
	if !p.active.Load() {
		return
	}
	p.publish(&Event{Name: EventFork, WorkerCount: n})
}

// Send delivers message to each destination and waits until every delivery
// was attempted. A destination is a *WorkerHandle, a worker id (int), or a
// slice of those. With no destinations the message goes to every registered
// worker. Failed destinations are reported as joined *DeliveryError values;
// they do not stop delivery to the others.
func (p *Primary) Send(ctx context.Context, message any, to ...any) error {
	var targets []any
	if len(to) == 0 {
		for _, h := range p.Workers() {
			targets = append(targets, h)
		}
	} else {
		targets = flattenDestinations(to)
	}

	errs := make([]error, len(targets))
	var wg sync.WaitGroup
	for i, dest := range targets {
		wg.Add(1)
		go func(i int, dest any) {
			defer wg.Done()
			errs[i] = p.deliver(ctx, message, dest)
		}(i, dest)
	}
	wg.Wait()

	return errors.Join(errs...)
}

func (p *Primary) deliver(ctx context.Context, message, dest any) error {
	h, ok := p.resolve(dest)
	if !ok {
		return &DeliveryError{Message: message, Destination: dest, Err: ErrInvalidDestination}
	}
	if err := ctx.Err(); err != nil {
		return &DeliveryError{Message: message, Destination: dest, WorkerID: h.ID, Err: err}
	}
	if err := h.Send(message); err != nil {
		var de *DeliveryError
		if errors.As(err, &de) {
			de.Destination = dest
		}
		return err
	}
	return nil
}

func (p *Primary) resolve(dest any) (*WorkerHandle, bool) {
	switch d := dest.(type) {
	case *WorkerHandle:
		return d, d != nil && d.proc != nil
	case int:
		return p.Worker(d)
	default:
		return nil, false
	}
}

func flattenDestinations(to []any) []any {
	out := make([]any, 0, len(to))
	for _, dest := range to {
		switch d := dest.(type) {
		case []any:
			out = append(out, flattenDestinations(d)...)
		case []int:
			for _, id := range d {
				out = append(out, id)
			}
		case []*WorkerHandle:
			for _, h := range d {
				out = append(out, h)
			}
		default:
			out = append(out, dest)
		}
	}
	return out
}

// ShutDown stops forking, disconnects every worker and returns a channel
// closed after shutDownComplete. Only the first call has any effect. If an
// observer prevents the shutDown default, the channel stays open.
func (p *Primary) ShutDown() <-chan struct{} {
	p.active.Store(false)
	p.shutdownOnce.Do(func() {
		if !p.loop.post(func() { p.publish(&Event{Name: EventShutDown}) }) {
			p.finish()
		}
	})
	return p.done
}

// Done is closed once shutdown has completed.
func (p *Primary) Done() <-chan struct{} {
	return p.done
}

func (p *Primary) finish() {
	p.doneOnce.Do(func() { close(p.done) })
}

// Close shuts down if needed, waits for completion or ctx, then detaches from
// the substrate and releases the registry. Must not be called from an observer.
func (p *Primary) Close(ctx context.Context) error {
	var err error
	select {
	case <-p.ShutDown():
	case <-ctx.Done():
		err = fmt.Errorf("waiting for worker shutdown: %w", ctx.Err())
	}

	p.closeOnce.Do(func() {
		p.unsubscribe()
		p.loop.stop()
		p.loop.wait()
		p.bus.reset()

		p.mu.Lock()
		p.workers = nil
		p.byID = make(map[int]*WorkerHandle)
		p.rotations = make(map[string]map[int]time.Time)
		p.mu.Unlock()

		p.logger.Debug("primary closed")
	})
	return err
}

// Workers returns the registered workers ordered by id.
func (p *Primary) Workers() []*WorkerHandle {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]*WorkerHandle(nil), p.workers...)
}

// Worker returns the registered worker with the given id.
func (p *Primary) Worker(id int) (*WorkerHandle, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	h, ok := p.byID[id]
	return h, ok
}

// WorkerByID returns a snapshot of the registry keyed by worker id.
func (p *Primary) WorkerByID() map[int]*WorkerHandle {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[int]*WorkerHandle, len(p.byID))
	for id, h := range p.byID {
		out[id] = h
	}
	return out
}

// WorkerCount returns the number of registered workers.
func (p *Primary) WorkerCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.workers)
}

func (p *Primary) removeWorker(h *WorkerHandle) {
	if _, ok := p.Worker(h.ID); ok {
		p.publish(&Event{Name: EventRemoveWorker, Worker: h})
	}
}

func (p *Primary) eventFork(e *Event) {
	for i := 0; i < e.WorkerCount; i++ {
		p.logger.Info("starting a new worker")

		if _, err := p.sub.Fork(); err != nil {
			p.publish(&Event{Name: EventWorkerError, Err: &WorkerFault{Code: -1, Err: err}})
		}
	}
}

func (p *Primary) eventWorkerFork(e *Event) {
	h := e.Worker
	p.logger.Info("starting new worker", "worker_id", h.ID, "pid", h.Pid())

	h.removeError = h.proc.OnError(func(err error) {
		p.loop.post(func() {
			p.publish(&Event{Name: EventWorkerError, Worker: h, Err: &WorkerFault{WorkerID: h.ID, Err: err}})
		})
	})
}

func (p *Primary) eventWorkerOnline(e *Event) {
	h := e.Worker
	h.advance(StateOnline)
	p.logger.Info("worker is now online", "worker_id", h.ID)

	h.onMessage(func(message any) bool {
		if s, ok := message.(string); !ok || s != ReadyToken {
			return false
		}
		p.publish(&Event{Name: EventWorkerReady, Worker: h})
		return true
	})
}

func (p *Primary) eventWorkerReady(e *Event) {
	h := e.Worker
	h.advance(StateReady)
	p.logger.Info("worker is ready to work", "worker_id", h.ID)

	p.publish(&Event{Name: EventAddWorker, Worker: h})
}

func (p *Primary) eventAddWorker(e *Event) {
	h := e.Worker

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.byID[h.ID]; ok {
		return
	}
	p.byID[h.ID] = h
	i := sort.Search(len(p.workers), func(i int) bool { return p.workers[i].ID > h.ID })
	p.workers = append(p.workers, nil)
	copy(p.workers[i+1:], p.workers[i:])
	p.workers[i] = h
}

func (p *Primary) eventRemoveWorker(e *Event) {
	h := e.Worker

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.byID[h.ID]; !ok {
		return
	}
	delete(p.byID, h.ID)
	for i, w := range p.workers {
		if w.ID == h.ID {
			p.workers = append(p.workers[:i], p.workers[i+1:]...)
			break
		}
	}
}

func (p *Primary) eventWorkerMessage(e *Event) {
	p.handlers.dispatch(p, e)
}

func (p *Primary) eventWorkerListening(e *Event) {
	p.logger.Info("worker is listening",
		"worker_id", e.Worker.ID,
		"network", e.Address.Network,
		"address", e.Address.Address,
		"port", e.Address.Port,
	)
}

func (p *Primary) eventWorkerDisconnect(e *Event) {
	h := e.Worker
	h.advance(StateDisconnecting)
	p.logger.Info("worker disconnected", "worker_id", h.ID)

	p.removeWorker(h)
}

func (p *Primary) eventWorkerError(e *Event) {
	if e.Worker == nil {
		p.logger.Log(context.Background(), LevelFatal, "worker error", "error", e.Err)
		return
	}

	p.logger.Log(context.Background(), LevelFatal, "worker error", "worker_id", e.Worker.ID, "error", e.Err)
	p.removeWorker(e.Worker)
}

func (p *Primary) eventWorkerExit(e *Event) {
	h := e.Worker
	h.advance(StateGone)

	level, msg := exitSeverity(h.ExitedAfterDisconnect(), e.Code, e.Signal)
	p.logger.Log(context.Background(), level, msg, "worker_id", h.ID, "code", e.Code, "signal", e.Signal)

	p.removeWorker(h)

	if p.active.Load() {
		p.logger.Info("replacing dead worker", "worker_id", h.ID)
		p.fork(1)
	}
}

// exitSeverity picks the log level and message for a worker exit. A signal
// exit has no exit code of its own and counts as a plain death.
func exitSeverity(voluntary bool, code int, signal string) (slog.Level, string) {
	switch {
	case voluntary:
		return slog.LevelInfo, "worker exited voluntarily"
	case signal == "" && code != 0:
		return LevelFatal, "worker died unexpectedly"
	default:
		return slog.LevelError, "worker died"
	}
}

func (p *Primary) eventShutDown(_ *Event) {
	p.logger.Info("shutting down workers")
	p.active.Store(false)

	p.sub.DisconnectAll(func() {
		if !p.loop.post(p.completeShutDown) {
			p.finish()
		}
	})
}

func (p *Primary) completeShutDown() {
	p.publish(&Event{Name: EventShutDownComplete})
	p.finish()
}

func (p *Primary) eventShutDownComplete(_ *Event) {
	p.logger.Info("worker shut down complete")
}
