// ABOUTME: Two-phase event bus: On observers, then the default action, then After observers.
// ABOUTME: Defines the lifecycle event names raised by the primary and the worker.

package cluster

import (
	"sync"

	"github.com/2389/coven-cluster/internal/substrate"
)

// Address describes a network listener opened by a worker.
type Address = substrate.Address

// Primary lifecycle events.
const (
	EventFork             = "fork"
	EventWorkerFork       = "workerFork"
	EventWorkerOnline     = "workerOnline"
	EventWorkerReady      = "workerReady"
	EventAddWorker        = "addWorker"
	EventRemoveWorker     = "removeWorker"
	EventWorkerMessage    = "workerMessage"
	EventWorkerListening  = "workerListening"
	EventWorkerDisconnect = "workerDisconnect"
	EventWorkerError      = "workerError"
	EventWorkerExit       = "workerExit"
	EventShutDown         = "shutDown"
	EventShutDownComplete = "shutDownComplete"
)

// Worker agent events.
const (
	EventPrimaryMessage    = "primaryMessage"
	EventPrimaryDisconnect = "primaryDisconnect"
)

// LifecycleEvents lists every event a Primary raises.
var LifecycleEvents = []string{
	EventFork,
	EventWorkerFork,
	EventWorkerOnline,
	EventWorkerReady,
	EventAddWorker,
	EventRemoveWorker,
	EventWorkerMessage,
	EventWorkerListening,
	EventWorkerDisconnect,
	EventWorkerError,
	EventWorkerExit,
	EventShutDown,
	EventShutDownComplete,
}

// Event carries the data for one published event. Fields not relevant to the
// event are left zero.
type Event struct {
	Name string
	// Worker is nil for pool-wide events and for spawn failures.
	Worker      *WorkerHandle
	WorkerCount int
	Message     any
	Address     Address
	Code        int
	Signal      string
	Err         error

	defaultPrevented bool
}

// PreventDefault skips the default action. Only meaningful from an On observer.
func (e *Event) PreventDefault() { e.defaultPrevented = true }

// DefaultPrevented reports whether an observer called PreventDefault.
func (e *Event) DefaultPrevented() bool { return e.defaultPrevented }

// Observer is called with a published event.
type Observer func(e *Event)

// Observable is implemented by Primary and Worker.
type Observable interface {
	On(name string, fn Observer) (remove func())
	After(name string, fn Observer) (remove func())
}

type eventSpec struct {
	defaultFn func(e *Event)
	// completeOnce ignores publishes after the default action has run once.
	completeOnce bool
	// publishOnce ignores every publish after the first.
	publishOnce bool
}

type observer struct {
	fn Observer
}

type phase int

const (
	phaseOn phase = iota
	phaseAfter
)

// bus dispatches events to observers registered per name and phase.
// Publishing is synchronous; a publish from inside a default action
// completes before the outer event's After phase.
type bus struct {
	mu        sync.Mutex
	specs     map[string]eventSpec
	observers [2]map[string][]*observer
	published map[string]bool
	completed map[string]bool
}

func newBus(specs map[string]eventSpec) *bus {
	return &bus{
		specs:     specs,
		observers: [2]map[string][]*observer{make(map[string][]*observer), make(map[string][]*observer)},
		published: make(map[string]bool),
		completed: make(map[string]bool),
	}
}

func (b *bus) subscribe(ph phase, name string, fn Observer) func() {
	o := &observer{fn: fn}

	b.mu.Lock()
	b.observers[ph][name] = append(b.observers[ph][name], o)
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()

			list := b.observers[ph][name]
			for i, cur := range list {
				if cur == o {
					b.observers[ph][name] = append(list[:i:i], list[i+1:]...)
					break
				}
			}
		})
	}
}

func (b *bus) snapshot(ph phase, name string) []*observer {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*observer(nil), b.observers[ph][name]...)
}

// publish runs e through both phases. It reports whether the event was
// published at all.
func (b *bus) publish(e *Event) bool {
	spec := b.specs[e.Name]

	b.mu.Lock()
	if (spec.publishOnce && b.published[e.Name]) || (spec.completeOnce && b.completed[e.Name]) {
		b.mu.Unlock()
		return false
	}
	b.published[e.Name] = true
	b.mu.Unlock()

	for _, o := range b.snapshot(phaseOn, e.Name) {
		o.fn(e)
	}

	if !e.defaultPrevented {
		if spec.completeOnce {
			b.mu.Lock()
			b.completed[e.Name] = true
			b.mu.Unlock()
		}
		if spec.defaultFn != nil {
			spec.defaultFn(e)
		}
	}

	for _, o := range b.snapshot(phaseAfter, e.Name) {
		o.fn(e)
	}
	return true
}

func (b *bus) reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.observers = [2]map[string][]*observer{make(map[string][]*observer), make(map[string][]*observer)}
}
