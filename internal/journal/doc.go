// Package journal keeps an append-only SQLite record of cluster lifecycle events.
//
// The journal is for inspection only. A restarted primary never reads it back;
// worker registries are always rebuilt from live processes.
//
// # Recording
//
// Attach registers After observers on a Primary for every event in
// RecordedEvents and writes one Entry per event from a background goroutine:
//
//	store, err := journal.Open(cfg.Journal.Path, logger)
//	if err != nil {
//	    return err
//	}
//	defer store.Close()
//
//	rec := journal.Attach(primary, store, clusterID, logger)
//	defer rec.Close()
//
// # Listing
//
// List returns entries newest first, optionally filtered by time, cluster,
// event name and worker ID.
package journal
