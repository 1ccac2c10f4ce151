package persistence

import (
	"context"
	"database/sql"
	"time"

	"github.com/petrijr/botflow/pkg/api"
)

// SQLiteLogStore stores execution and trigger history in SQLite.
type SQLiteLogStore struct {
	db *sql.DB
}

var (
	_ ExecutionLogStore = (*SQLiteLogStore)(nil)
	_ TriggerLogStore   = (*SQLiteLogStore)(nil)
)

func NewSQLiteLogStore(db *sql.DB) (*SQLiteLogStore, error) {
	s := &SQLiteLogStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteLogStore) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS execution_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			execution_id TEXT NOT NULL,
			node_id TEXT NOT NULL DEFAULT '',
			event TEXT NOT NULL,
			at INTEGER NOT NULL,
			detail TEXT NOT NULL DEFAULT ''
		);
		CREATE INDEX IF NOT EXISTS idx_execution_log_execution ON execution_log(execution_id, id);

		CREATE TABLE IF NOT EXISTS trigger_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			trigger_id TEXT NOT NULL,
			bot_id TEXT NOT NULL,
			event_type TEXT NOT NULL,
			contact_id TEXT NOT NULL DEFAULT '',
			matched INTEGER NOT NULL,
			at INTEGER NOT NULL,
			detail TEXT NOT NULL DEFAULT ''
		);
		CREATE INDEX IF NOT EXISTS idx_trigger_log_trigger ON trigger_log(trigger_id, id);
	`)
	return err
}

func (s *SQLiteLogStore) AppendExecutionLog(ctx context.Context, entry api.ExecutionLogEntry) error {
	at := entry.At
	if at.IsZero() {
		at = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO execution_log (execution_id, node_id, event, at, detail)
		VALUES (?, ?, ?, ?, ?)`,
		entry.ExecutionID,
		entry.NodeID,
		string(entry.Event),
		at.UnixNano(),
		entry.Detail,
	)
	return err
}

func (s *SQLiteLogStore) ListExecutionLog(ctx context.Context, executionID string) ([]api.ExecutionLogEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT execution_id, node_id, event, at, detail
		FROM execution_log
		WHERE execution_id = ?
		ORDER BY id ASC`, executionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []api.ExecutionLogEntry
	for rows.Next() {
		var (
			entry api.ExecutionLogEntry
			event string
			atN   int64
		)
		if err := rows.Scan(&entry.ExecutionID, &entry.NodeID, &event, &atN, &entry.Detail); err != nil {
			return nil, err
		}
		entry.Event = api.ExecutionEventType(event)
		entry.At = time.Unix(0, atN)
		out = append(out, entry)
	}
	return out, rows.Err()
}

func (s *SQLiteLogStore) AppendTriggerLog(ctx context.Context, entry api.TriggerLogEntry) error {
	at := entry.At
	if at.IsZero() {
		at = time.Now()
	}
	matched := 0
	if entry.Matched {
		matched = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO trigger_log (trigger_id, bot_id, event_type, contact_id, matched, at, detail)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.TriggerID,
		entry.BotID,
		string(entry.EventType),
		entry.ContactID,
		matched,
		at.UnixNano(),
		entry.Detail,
	)
	return err
}

func (s *SQLiteLogStore) ListTriggerLog(ctx context.Context, triggerID string) ([]api.TriggerLogEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT trigger_id, bot_id, event_type, contact_id, matched, at, detail
		FROM trigger_log
		WHERE trigger_id = ?
		ORDER BY id ASC`, triggerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []api.TriggerLogEntry
	for rows.Next() {
		var (
			entry     api.TriggerLogEntry
			eventType string
			matched   int
			atN       int64
		)
		if err := rows.Scan(&entry.TriggerID, &entry.BotID, &eventType, &entry.ContactID, &matched, &atN, &entry.Detail); err != nil {
			return nil, err
		}
		entry.EventType = api.EventType(eventType)
		entry.Matched = matched != 0
		entry.At = time.Unix(0, atN)
		out = append(out, entry)
	}
	return out, rows.Err()
}
