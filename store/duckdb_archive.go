package store

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/marcboeker/go-duckdb"
)

// archiveQueueSize bounds the number of committed records buffered between
// Record and the background writer before new records are dropped.
const archiveQueueSize = 4096

type archiveEntry struct {
	path        string
	contentType string
	msg         Message
	committedAt time.Time
}

// DuckDBArchiveSink mirrors committed records into a DuckDB table for ad hoc
// SQL analytics over historical stream contents. It implements ArchiveSink
// and is meant to be attached to a Store via MemoryStoreConfig.Archive or
// FileStoreConfig.Archive. Record only enqueues onto an internal buffered
// channel and never touches the database itself, so it never blocks the
// append critical section callers hold while invoking it; a single
// background goroutine drains the queue and does the actual DuckDB writes.
type DuckDBArchiveSink struct {
	db      *sql.DB
	queue   chan archiveEntry
	done    chan struct{}
	wg      sync.WaitGroup
	dropped uint64
	mu      sync.Mutex
}

// NewDuckDBArchiveSink opens (creating if necessary) a DuckDB database at dsn
// and ensures the archive table exists. Pass "" for an in-memory database,
// or a file path for a persistent one.
func NewDuckDBArchiveSink(dsn string) (*DuckDBArchiveSink, error) {
	db, err := sql.Open("duckdb", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open duckdb: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS stream_archive (
			stream_path   VARCHAR NOT NULL,
			offset        VARCHAR NOT NULL,
			content_type  VARCHAR,
			data          BLOB,
			committed_at  TIMESTAMP
		)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create archive table: %w", err)
	}

	a := &DuckDBArchiveSink{
		db:    db,
		queue: make(chan archiveEntry, archiveQueueSize),
		done:  make(chan struct{}),
	}
	a.wg.Add(1)
	go a.run()
	return a, nil
}

// run is the sole goroutine that touches the database; it owns all writes
// so Record never has to synchronize with them.
func (a *DuckDBArchiveSink) run() {
	defer a.wg.Done()
	for {
		select {
		case entry, ok := <-a.queue:
			if !ok {
				return
			}
			a.write(entry)
		case <-a.done:
			// Drain whatever is already queued before exiting.
			for {
				select {
				case entry := <-a.queue:
					a.write(entry)
				default:
					return
				}
			}
		}
	}
}

func (a *DuckDBArchiveSink) write(entry archiveEntry) {
	a.db.Exec(
		`INSERT INTO stream_archive (stream_path, offset, content_type, data, committed_at) VALUES (?, ?, ?, ?, ?)`,
		entry.path, entry.msg.Offset.String(), entry.contentType, entry.msg.Data, entry.committedAt,
	)
}

// Record enqueues a committed message for archival. It never blocks: if the
// queue is full the record is dropped and counted, rather than stalling the
// caller's append path.
func (a *DuckDBArchiveSink) Record(path, contentType string, msg Message, committedAt time.Time) error {
	select {
	case a.queue <- archiveEntry{path: path, contentType: contentType, msg: msg, committedAt: committedAt}:
	default:
		a.mu.Lock()
		a.dropped++
		a.mu.Unlock()
	}
	return nil
}

// Dropped returns the number of records dropped because the archive queue
// was full.
func (a *DuckDBArchiveSink) Dropped() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.dropped
}

// Close stops accepting new writes, drains the queue, and closes the
// underlying DuckDB connection.
func (a *DuckDBArchiveSink) Close() error {
	close(a.done)
	a.wg.Wait()
	return a.db.Close()
}
