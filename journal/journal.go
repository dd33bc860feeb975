// Package journal persists protocol state transitions to SQLite so an
// operator can reconstruct the reference-counting history of a worker
// after the fact.
package journal

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/tliron/commonlog"
	_ "modernc.org/sqlite"

	"github.com/chazu/tether/ref"
)

var log = commonlog.GetLogger("tether.journal")

// Journal is an append-only SQLite audit log. It implements
// ref.EventSink; Record never fails the caller, write errors are
// logged and counted.
type Journal struct {
	db     *sql.DB
	worker ref.WorkerID

	mu     sync.Mutex
	failed int64
}

// Open creates or opens the journal database at path.
func Open(path string, worker ref.WorkerID) (*Journal, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("journal: opening database: %w", err)
	}

	// Set busy timeout for concurrent access
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("journal: setting busy timeout: %w", err)
	}

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS events (
		seq    INTEGER PRIMARY KEY AUTOINCREMENT,
		at     INTEGER NOT NULL,
		worker INTEGER NOT NULL,
		kind   TEXT NOT NULL,
		rref   TEXT NOT NULL,
		fork   TEXT NOT NULL
	)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("journal: creating table: %w", err)
	}

	return &Journal{db: db, worker: worker}, nil
}

// Close closes the database connection.
func (j *Journal) Close() error {
	if j.db != nil {
		return j.db.Close()
	}
	return nil
}

// Record appends one protocol event.
func (j *Journal) Record(ev ref.Event) {
	j.mu.Lock()
	defer j.mu.Unlock()

	_, err := j.db.Exec(
		"INSERT INTO events (at, worker, kind, rref, fork) VALUES (?, ?, ?, ?, ?)",
		time.Now().UnixNano(), int32(j.worker), string(ev.Kind),
		ev.RRefID.String(), ev.ForkID.String(),
	)
	if err != nil {
		j.failed++
		log.Errorf("recording %s: %v", ev.Kind, err)
	}
}

// FailedWrites returns how many events could not be persisted.
func (j *Journal) FailedWrites() int64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.failed
}

// Entry is one persisted event row.
type Entry struct {
	Seq    int64
	At     time.Time
	Worker ref.WorkerID
	Kind   ref.EventKind
	RRefID string
	ForkID string
}

// History returns the persisted events in append order, newest last,
// capped at limit rows (0 means no cap).
func (j *Journal) History(limit int) ([]Entry, error) {
	q := "SELECT seq, at, worker, kind, rref, fork FROM events ORDER BY seq"
	args := []any{}
	if limit > 0 {
		q += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := j.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("journal: querying events: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var at int64
		var worker int32
		var kind string
		if err := rows.Scan(&e.Seq, &at, &worker, &kind, &e.RRefID, &e.ForkID); err != nil {
			return nil, fmt.Errorf("journal: scanning event: %w", err)
		}
		e.At = time.Unix(0, at)
		e.Worker = ref.WorkerID(worker)
		e.Kind = ref.EventKind(kind)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("journal: reading events: %w", err)
	}
	return out, nil
}
