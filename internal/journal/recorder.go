// ABOUTME: Recorder attaches the journal to a primary's post-phase lifecycle observers
// ABOUTME: Entries are queued and written by a single goroutine so observers never block on disk

package journal

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/coven-cluster/internal/cluster"
)

// queueSize bounds entries waiting to be written; overflow is dropped with a warning.
const queueSize = 256

// writeTimeout bounds a single append.
const writeTimeout = 5 * time.Second

// Recorder writes lifecycle events to a Store.
type Recorder struct {
	store     *Store
	clusterID string
	logger    *slog.Logger

	mu      sync.Mutex
	closed  bool
	queue   chan *Entry
	removes []func()
	done    chan struct{}
}

// RecordedEvents lists the events Attach records: every lifecycle event
// except worker messages.
var RecordedEvents = recordedEvents()

func recordedEvents() []string {
	names := make([]string, 0, len(cluster.LifecycleEvents))
	for _, name := range cluster.LifecycleEvents {
		if name != cluster.EventWorkerMessage {
			names = append(names, name)
		}
	}
	return names
}

// Attach registers After observers on o for every recorded event.
// Call Close to detach and flush pending entries.
func Attach(o cluster.Observable, store *Store, clusterID string, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}

	r := &Recorder{
		store:     store,
		clusterID: clusterID,
		logger:    logger.With("component", "journal", "cluster_id", clusterID),
		queue:     make(chan *Entry, queueSize),
		done:      make(chan struct{}),
	}
	for _, name := range RecordedEvents {
		r.removes = append(r.removes, o.After(name, r.record))
	}

	go r.run()
	return r
}

func (r *Recorder) record(e *cluster.Event) {
	entry := entryFromEvent(e)
	entry.ClusterID = r.clusterID
	entry.Timestamp = time.Now().UTC()

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	select {
	case r.queue <- entry:
	default:
		r.logger.Warn("journal queue full, dropping entry", "event", entry.Event, "worker", entry.WorkerID)
	}
}

func (r *Recorder) run() {
	defer close(r.done)
	for entry := range r.queue {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		if err := r.store.Append(ctx, entry); err != nil {
			r.logger.Error("failed to append journal entry", "event", entry.Event, "error", err)
		}
		cancel()
	}
}

// Close detaches the observers and waits for queued entries to be written.
// It does not close the Store.
func (r *Recorder) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		<-r.done
		return
	}
	r.closed = true
	removes := r.removes
	r.removes = nil
	close(r.queue)
	r.mu.Unlock()

	for _, remove := range removes {
		remove()
	}
	<-r.done
}

func entryFromEvent(e *cluster.Event) *Entry {
	entry := &Entry{Event: e.Name}
	detail := map[string]any{}

	if e.Worker != nil {
		entry.WorkerID = e.Worker.ID
		entry.Pid = e.Worker.Pid()
		detail["state"] = e.Worker.State().String()
	}

	switch e.Name {
	case cluster.EventWorkerExit:
		detail["code"] = e.Code
		if e.Signal != "" {
			detail["signal"] = e.Signal
		}
		if e.Worker != nil {
			detail["voluntary"] = e.Worker.ExitedAfterDisconnect()
		}
	case cluster.EventWorkerListening:
		detail["network"] = e.Address.Network
		detail["address"] = e.Address.Address
		detail["port"] = e.Address.Port
	case cluster.EventFork:
		detail["count"] = e.WorkerCount
	}
	if e.Err != nil {
		detail["error"] = e.Err.Error()
	}

	if len(detail) > 0 {
		entry.Detail = detail
	}
	return entry
}
