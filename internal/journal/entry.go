// ABOUTME: Journal entry type and the append/list operations on the lifecycle_journal table
// ABOUTME: Entries are never read back to restore state, only listed for inspection

package journal

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Entry is one recorded lifecycle event.
type Entry struct {
	ID        string         // UUID v4
	ClusterID string         // primary instance that recorded the event
	Event     string         // event name, e.g. "workerExit"
	WorkerID  int            // 0 for pool-wide events
	Pid       int            // 0 when unknown
	Timestamp time.Time      // when it happened
	Detail    map[string]any // exit code, signal, error text, address...
}

// Filter specifies filtering options for listing entries.
type Filter struct {
	Since     *time.Time // entries at or after this time
	ClusterID *string
	Event     *string
	WorkerID  *int
	Limit     int // max results (default 100, max 1000)
}

// Append adds an entry to the journal, generating ID and Timestamp if not set.
func (s *Store) Append(ctx context.Context, e *Entry) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	var detailJSON *string
	if e.Detail != nil {
		data, err := json.Marshal(e.Detail)
		if err != nil {
			return fmt.Errorf("marshaling journal detail: %w", err)
		}
		str := string(data)
		detailJSON = &str
	}

	query := `
		INSERT INTO lifecycle_journal (entry_id, cluster_id, event, worker_id, pid, ts, detail_json)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		e.ID,
		e.ClusterID,
		e.Event,
		e.WorkerID,
		e.Pid,
		e.Timestamp.UnixNano(),
		detailJSON,
	)
	if err != nil {
		return fmt.Errorf("inserting journal entry: %w", err)
	}

	s.logger.Debug("appended journal entry", "id", e.ID, "event", e.Event, "worker", e.WorkerID)
	return nil
}

// normalizeLimit applies default (100) and cap (1000) to a list limit.
func normalizeLimit(limit int) int {
	switch {
	case limit <= 0:
		return 100
	case limit > 1000:
		return 1000
	default:
		return limit
	}
}

func scanEntry(scanner interface{ Scan(dest ...any) error }) (Entry, error) {
	var e Entry
	var ts int64
	var detailJSON *string

	if err := scanner.Scan(
		&e.ID,
		&e.ClusterID,
		&e.Event,
		&e.WorkerID,
		&e.Pid,
		&ts,
		&detailJSON,
	); err != nil {
		return e, fmt.Errorf("scanning journal entry: %w", err)
	}

	e.Timestamp = time.Unix(0, ts).UTC()
	if detailJSON != nil {
		if err := json.Unmarshal([]byte(*detailJSON), &e.Detail); err != nil {
			return e, fmt.Errorf("unmarshaling detail: %w", err)
		}
	}
	return e, nil
}

const listQuery = `
	SELECT entry_id, cluster_id, event, worker_id, pid, ts, detail_json
	FROM lifecycle_journal
	WHERE (? IS NULL OR ts >= ?)
	  AND (? IS NULL OR cluster_id = ?)
	  AND (? IS NULL OR event = ?)
	  AND (? IS NULL OR worker_id = ?)
	ORDER BY ts DESC, seq DESC
	LIMIT ?
`

// List returns entries matching the filter, newest first.
func (s *Store) List(ctx context.Context, f Filter) ([]Entry, error) {
	var since *int64
	if f.Since != nil {
		n := f.Since.UnixNano()
		since = &n
	}

	rows, err := s.db.QueryContext(ctx, listQuery,
		since, since,
		f.ClusterID, f.ClusterID,
		f.Event, f.Event,
		f.WorkerID, f.WorkerID,
		normalizeLimit(f.Limit),
	)
	if err != nil {
		return nil, fmt.Errorf("querying journal: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating journal entries: %w", err)
	}

	if entries == nil {
		entries = []Entry{}
	}
	return entries, nil
}
