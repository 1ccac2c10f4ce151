package persistence

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/petrijr/botflow/pkg/api"
)

// SQLiteStore persists executions, contacts and contact attributes in
// SQLite.
//
// It expects an *sql.DB that uses a SQLite driver (for example,
// "modernc.org/sqlite"). The caller is responsible for importing
// the driver, e.g.:
//
//	import _ "modernc.org/sqlite"
//
// Flow and trigger definitions are authored data and stay in memory;
// compose a SQLiteStore with an InMemoryStore for those.
type SQLiteStore struct {
	db *sql.DB
}

var (
	_ ExecutionStore = (*SQLiteStore)(nil)
	_ ContactStore   = (*SQLiteStore)(nil)
	_ AttributeStore = (*SQLiteStore)(nil)
)

// NewSQLiteStore initializes the required schema in the given database
// and returns a new SQLiteStore.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS executions (
			id TEXT PRIMARY KEY,
			flow_id TEXT NOT NULL,
			bot_id TEXT NOT NULL,
			contact_id TEXT NOT NULL,
			current_node_id TEXT NOT NULL,
			status TEXT NOT NULL,
			state BLOB,
			error TEXT,
			failed_node_id TEXT,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			lease_owner TEXT NOT NULL DEFAULT '',
			lease_expires_at INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_executions_contact ON executions (contact_id, status);

		CREATE TABLE IF NOT EXISTS contacts (
			id TEXT PRIMARY KEY,
			phone_number TEXT NOT NULL,
			first_name TEXT,
			last_name TEXT,
			metadata BLOB,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_contacts_phone ON contacts (phone_number);

		CREATE TABLE IF NOT EXISTS contact_attributes (
			contact_id TEXT NOT NULL,
			key TEXT NOT NULL,
			value TEXT NOT NULL,
			value_type TEXT NOT NULL,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (contact_id, key)
		);`,
	)
	return err
}

func (s *SQLiteStore) SaveExecution(ctx context.Context, exec *api.FlowExecution) error {
	state, err := EncodeState(exec.State)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO executions (id, flow_id, bot_id, contact_id, current_node_id, status, state, error, failed_node_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		exec.ID,
		exec.FlowID,
		exec.BotID,
		exec.ContactID,
		exec.CurrentNodeID,
		string(exec.Status),
		state,
		exec.Error,
		exec.FailedNodeID,
		exec.CreatedAt.UnixNano(),
		exec.UpdatedAt.UnixNano(),
	)
	return err
}

func (s *SQLiteStore) UpdateExecution(ctx context.Context, exec *api.FlowExecution) error {
	state, err := EncodeState(exec.State)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE executions
		SET flow_id = ?, bot_id = ?, contact_id = ?, current_node_id = ?, status = ?, state = ?, error = ?, failed_node_id = ?, updated_at = ?
		WHERE id = ?`,
		exec.FlowID,
		exec.BotID,
		exec.ContactID,
		exec.CurrentNodeID,
		string(exec.Status),
		state,
		exec.Error,
		exec.FailedNodeID,
		exec.UpdatedAt.UnixNano(),
		exec.ID,
	)
	if err != nil {
		return err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrExecutionNotFound
	}
	return nil
}

const executionColumns = `id, flow_id, bot_id, contact_id, current_node_id, status, state, error, failed_node_id, created_at, updated_at`

func (s *SQLiteStore) GetExecution(ctx context.Context, id string) (*api.FlowExecution, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+executionColumns+`
		FROM executions
		WHERE id = ?`,
		id,
	)
	exec, err := scanExecution(row)
	if err == sql.ErrNoRows {
		return nil, ErrExecutionNotFound
	}
	return exec, err
}

func (s *SQLiteStore) ListExecutions(ctx context.Context, filter api.ExecutionFilter) ([]*api.FlowExecution, error) {
	query := `SELECT ` + executionColumns + ` FROM executions`
	var args []any
	var clauses []string

	if filter.FlowID != "" {
		clauses = append(clauses, "flow_id = ?")
		args = append(args, filter.FlowID)
	}
	if filter.ContactID != "" {
		clauses = append(clauses, "contact_id = ?")
		args = append(args, filter.ContactID)
	}
	if filter.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, string(filter.Status))
	}
	if !filter.UpdatedBefore.IsZero() {
		clauses = append(clauses, "updated_at < ?")
		args = append(args, filter.UpdatedBefore.UnixNano())
	}

	if len(clauses) > 0 {
		query = query + " WHERE " + strings.Join(clauses, " AND ")
	}
	query = query + " ORDER BY created_at ASC, id ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var execs []*api.FlowExecution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		execs = append(execs, exec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return execs, nil
}

func (s *SQLiteStore) ActiveExecutionForContact(ctx context.Context, contactID string) (*api.FlowExecution, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+executionColumns+`
		FROM executions
		WHERE contact_id = ? AND status NOT IN (?, ?, ?)
		ORDER BY created_at ASC
		LIMIT 1`,
		contactID,
		string(api.StatusCompleted),
		string(api.StatusFailed),
		string(api.StatusCancelled),
	)
	exec, err := scanExecution(row)
	if err == sql.ErrNoRows {
		return nil, ErrExecutionNotFound
	}
	return exec, err
}

func (s *SQLiteStore) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM executions
		WHERE status IN (?, ?, ?) AND updated_at < ?`,
		string(api.StatusCompleted),
		string(api.StatusFailed),
		string(api.StatusCancelled),
		cutoff.UnixNano(),
	)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanExecution(row rowScanner) (*api.FlowExecution, error) {
	var exec api.FlowExecution
	var statusStr string
	var state []byte
	var errStr, failedNode sql.NullString
	var createdAt, updatedAt int64

	if err := row.Scan(
		&exec.ID,
		&exec.FlowID,
		&exec.BotID,
		&exec.ContactID,
		&exec.CurrentNodeID,
		&statusStr,
		&state,
		&errStr,
		&failedNode,
		&createdAt,
		&updatedAt,
	); err != nil {
		return nil, err
	}

	exec.Status = api.Status(statusStr)
	exec.CreatedAt = time.Unix(0, createdAt)
	exec.UpdatedAt = time.Unix(0, updatedAt)
	if errStr.Valid {
		exec.Error = errStr.String
	}
	if failedNode.Valid {
		exec.FailedNodeID = failedNode.String
	}

	st, err := DecodeState(state)
	if err != nil {
		return nil, err
	}
	exec.State = st

	return &exec, nil
}

func (s *SQLiteStore) TryAcquireLease(ctx context.Context, executionID, owner string, ttl time.Duration) (bool, error) {
	now := time.Now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE executions
		SET lease_owner = ?, lease_expires_at = ?
		WHERE id = ?
		AND (
			lease_owner = ''
			OR lease_expires_at <= ?
			OR lease_owner = ?
		)`,
		owner, now.Add(ttl).UnixNano(), executionID, now.UnixNano(), owner,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n > 0 {
		return true, nil
	}

	// Zero rows updated means either the lease is held by someone else
	// or the execution does not exist. Callers need to tell these apart:
	// a held lease is a retryable conflict, a missing row is not.
	var one int
	switch err := s.db.QueryRowContext(ctx, `SELECT 1 FROM executions WHERE id = ?`, executionID).Scan(&one); err {
	case nil:
		return false, nil
	case sql.ErrNoRows:
		return false, ErrExecutionNotFound
	default:
		return false, err
	}
}

func (s *SQLiteStore) RenewLease(ctx context.Context, executionID, owner string, ttl time.Duration) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE executions
		SET lease_expires_at = ?
		WHERE id = ? AND lease_owner = ?`,
		time.Now().Add(ttl).UnixNano(), executionID, owner,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return api.ErrConcurrentStep
	}
	return nil
}

func (s *SQLiteStore) ReleaseLease(ctx context.Context, executionID, owner string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE executions
		SET lease_owner = '', lease_expires_at = 0
		WHERE id = ? AND (lease_owner = '' OR lease_owner = ?)`,
		executionID, owner,
	)
	return err
}

func (s *SQLiteStore) SaveContact(ctx context.Context, c *api.Contact) error {
	meta, err := EncodeState(c.Metadata)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO contacts (id, phone_number, first_name, last_name, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			phone_number = excluded.phone_number,
			first_name = excluded.first_name,
			last_name = excluded.last_name,
			metadata = excluded.metadata,
			updated_at = excluded.updated_at`,
		c.ID,
		c.PhoneNumber,
		c.FirstName,
		c.LastName,
		meta,
		c.CreatedAt.UnixNano(),
		c.UpdatedAt.UnixNano(),
	)
	return err
}

func (s *SQLiteStore) GetContact(ctx context.Context, id string) (*api.Contact, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, phone_number, first_name, last_name, metadata, created_at, updated_at
		FROM contacts
		WHERE id = ?`,
		id,
	)
	return scanContact(row)
}

func (s *SQLiteStore) GetContactByPhone(ctx context.Context, phone string) (*api.Contact, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, phone_number, first_name, last_name, metadata, created_at, updated_at
		FROM contacts
		WHERE phone_number = ?
		LIMIT 1`,
		phone,
	)
	return scanContact(row)
}

func scanContact(row rowScanner) (*api.Contact, error) {
	var c api.Contact
	var first, last sql.NullString
	var meta []byte
	var createdAt, updatedAt int64

	if err := row.Scan(&c.ID, &c.PhoneNumber, &first, &last, &meta, &createdAt, &updatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrContactNotFound
		}
		return nil, err
	}
	c.FirstName = first.String
	c.LastName = last.String
	c.CreatedAt = time.Unix(0, createdAt)
	c.UpdatedAt = time.Unix(0, updatedAt)

	m, err := DecodeState(meta)
	if err != nil {
		return nil, err
	}
	c.Metadata = m
	return &c, nil
}

func (s *SQLiteStore) SetAttribute(ctx context.Context, attr api.ContactAttribute) error {
	if attr.UpdatedAt.IsZero() {
		attr.UpdatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO contact_attributes (contact_id, key, value, value_type, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (contact_id, key) DO UPDATE SET
			value = excluded.value,
			value_type = excluded.value_type,
			updated_at = excluded.updated_at`,
		attr.ContactID,
		attr.Key,
		attr.Value,
		string(attr.Type),
		attr.UpdatedAt.UnixNano(),
	)
	return err
}

func (s *SQLiteStore) GetAttribute(ctx context.Context, contactID, key string) (api.ContactAttribute, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT contact_id, key, value, value_type, updated_at
		FROM contact_attributes
		WHERE contact_id = ? AND key = ?`,
		contactID, key,
	)
	attr, err := scanAttribute(row)
	if err == sql.ErrNoRows {
		return api.ContactAttribute{}, false, nil
	}
	if err != nil {
		return api.ContactAttribute{}, false, err
	}
	return attr, true, nil
}

func (s *SQLiteStore) ListAttributes(ctx context.Context, contactID string) (map[string]api.ContactAttribute, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT contact_id, key, value, value_type, updated_at
		FROM contact_attributes
		WHERE contact_id = ?`,
		contactID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]api.ContactAttribute)
	for rows.Next() {
		attr, err := scanAttribute(rows)
		if err != nil {
			return nil, err
		}
		out[attr.Key] = attr
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func scanAttribute(row rowScanner) (api.ContactAttribute, error) {
	var attr api.ContactAttribute
	var typeStr string
	var updatedAt int64
	if err := row.Scan(&attr.ContactID, &attr.Key, &attr.Value, &typeStr, &updatedAt); err != nil {
		return api.ContactAttribute{}, err
	}
	attr.Type = api.ValueType(typeStr)
	attr.UpdatedAt = time.Unix(0, updatedAt)
	return attr, nil
}
