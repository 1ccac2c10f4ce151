package botflow

import (
	"database/sql"

	"github.com/petrijr/botflow/internal/taskqueue"
	workerpkg "github.com/petrijr/botflow/pkg/worker"
)

// WorkerBundle wires together a Runtime, a durable task queue, and a
// Worker that consumes tasks from that queue.
type WorkerBundle struct {
	Runtime *Runtime
	Worker  *workerpkg.Worker

	// queue is kept unexported; it is primarily useful for internal
	// inspection and tests.
	queue taskqueue.Queue
}

// NewSQLiteBundle constructs a durable Runtime + Queue + Worker combo
// sharing the same SQLite database. Executions, contact data, history
// and queued tasks all persist in the provided *sql.DB, so a restart
// picks up where the process left off.
//
// Typical usage:
//
//	db, _ := sql.Open("sqlite", "file:botflow.db?_journal=WAL")
//	bundle, err := botflow.NewSQLiteBundle(db, botflow.Options{Channel: ch})
//	// register flows and triggers on bundle.Runtime
//	// drain tasks via bundle.Worker.ProcessOne
func NewSQLiteBundle(db *sql.DB, opts Options) (*WorkerBundle, error) {
	q, err := taskqueue.NewSQLiteQueue(db)
	if err != nil {
		return nil, err
	}
	if opts.Scheduler == nil {
		opts.Scheduler = workerpkg.NewQueueScheduler(q)
	}

	rt, err := NewSQLiteEngine(db, opts)
	if err != nil {
		return nil, err
	}

	return &WorkerBundle{
		Runtime: rt,
		Worker:  workerpkg.New(rt.Engine, q),
		queue:   q,
	}, nil
}
