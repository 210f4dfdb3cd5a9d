package huddlesync

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// ============================================================================
// SQLiteStore
// ============================================================================

const schemaVersion = "1"

// SQLiteStore is the durable LocalStore backed by an embedded SQLite file.
// Queue sequence numbers use AUTOINCREMENT so they stay monotonic across
// dequeues and process restarts.
type SQLiteStore struct {
	db *sql.DB
}

var _ LocalStore = (*SQLiteStore)(nil)

// NewSQLiteStore opens (creating if needed) the database at path and runs
// migrations. WAL keeps readers unblocked during drain writes; a single
// connection avoids SQLITE_BUSY between the engine's goroutines.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(on)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	const schema = `
CREATE TABLE IF NOT EXISTS records (
	store      TEXT NOT NULL,
	id         TEXT NOT NULL,
	payload    TEXT NOT NULL,
	version    INTEGER NOT NULL DEFAULT 0,
	origin     TEXT NOT NULL DEFAULT 'server',
	updated_at TEXT NOT NULL,
	PRIMARY KEY (store, id)
);

CREATE TABLE IF NOT EXISTS mutations (
	seq             INTEGER PRIMARY KEY AUTOINCREMENT,
	store           TEXT NOT NULL,
	op              TEXT NOT NULL,
	record_id       TEXT NOT NULL,
	payload         TEXT,
	idempotency_key TEXT NOT NULL,
	retries         INTEGER NOT NULL DEFAULT 0,
	created_at      TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_mutations_store ON mutations(store, seq);

CREATE TABLE IF NOT EXISTS chat_outbox (
	seq             INTEGER PRIMARY KEY AUTOINCREMENT,
	conversation_id TEXT NOT NULL,
	sender_id       TEXT NOT NULL,
	client_id       TEXT NOT NULL,
	content         TEXT NOT NULL,
	idempotency_key TEXT NOT NULL,
	retries         INTEGER NOT NULL DEFAULT 0,
	created_at      TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_chat_outbox_conversation ON chat_outbox(conversation_id, seq);

CREATE TABLE IF NOT EXISTS dead_letters (
	seq         INTEGER NOT NULL,
	source      TEXT NOT NULL,
	store       TEXT NOT NULL,
	op          TEXT NOT NULL,
	record_id   TEXT NOT NULL,
	payload     TEXT,
	reason      TEXT NOT NULL,
	status_code INTEGER NOT NULL DEFAULT 0,
	created_at  TEXT NOT NULL,
	failed_at   TEXT NOT NULL,
	PRIMARY KEY (source, seq)
);

CREATE TABLE IF NOT EXISTS metadata (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}
	_, err := s.db.Exec(
		`INSERT INTO metadata (key, value) VALUES (?, ?) ON CONFLICT(key) DO NOTHING`,
		MetaSchemaVersion, schemaVersion,
	)
	return err
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error { return s.db.Close() }

// ----------------------------------------------------------------------------
// Records
// ----------------------------------------------------------------------------

func (s *SQLiteStore) PutRecord(ctx context.Context, rec CachedRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO records (store, id, payload, version, origin, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(store, id) DO UPDATE SET
			payload = excluded.payload,
			version = excluded.version,
			origin = excluded.origin,
			updated_at = excluded.updated_at`,
		rec.Store, rec.ID, string(rec.Payload), rec.Version, string(rec.Origin), fmtTime(rec.UpdatedAt),
	)
	return storageErr("put record", err)
}

func (s *SQLiteStore) Record(ctx context.Context, store, id string) (CachedRecord, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT store, id, payload, version, origin, updated_at FROM records WHERE store = ? AND id = ?`,
		store, id,
	)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return CachedRecord{}, false, nil
	}
	if err != nil {
		return CachedRecord{}, false, storageErr("get record", err)
	}
	return rec, true, nil
}

func (s *SQLiteStore) DeleteRecord(ctx context.Context, store, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM records WHERE store = ? AND id = ?`, store, id)
	return storageErr("delete record", err)
}

func (s *SQLiteStore) Records(ctx context.Context, store string) ([]CachedRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT store, id, payload, version, origin, updated_at FROM records WHERE store = ? ORDER BY id`,
		store,
	)
	if err != nil {
		return nil, storageErr("list records", err)
	}
	defer rows.Close()

	var out []CachedRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, storageErr("scan record", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list records", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (CachedRecord, error) {
	var (
		rec       CachedRecord
		payload   string
		origin    string
		updatedAt string
	)
	if err := row.Scan(&rec.Store, &rec.ID, &payload, &rec.Version, &origin, &updatedAt); err != nil {
		return CachedRecord{}, err
	}
	rec.Payload = json.RawMessage(payload)
	rec.Origin = RecordOrigin(origin)
	rec.UpdatedAt = parseTime(updatedAt)
	return rec, nil
}

// ----------------------------------------------------------------------------
// Mutation Queue
// ----------------------------------------------------------------------------

func (s *SQLiteStore) Enqueue(ctx context.Context, e QueueEntry) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO mutations (store, op, record_id, payload, idempotency_key, retries, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.Store, string(e.Op), e.RecordID, string(e.Payload), e.IdempotencyKey, e.Retries, fmtTime(e.CreatedAt),
	)
	if err != nil {
		return 0, storageErr("enqueue", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return 0, storageErr("enqueue", err)
	}
	return seq, nil
}

func (s *SQLiteStore) Dequeue(ctx context.Context, seq int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM mutations WHERE seq = ?`, seq)
	if err != nil {
		return storageErr("dequeue", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("dequeue %d: %w", seq, ErrNotFound)
	}
	return nil
}

func (s *SQLiteStore) Queue(ctx context.Context) ([]QueueEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, store, op, record_id, payload, idempotency_key, retries, created_at
		FROM mutations ORDER BY seq`)
	if err != nil {
		return nil, storageErr("list queue", err)
	}
	defer rows.Close()

	var out []QueueEntry
	for rows.Next() {
		var (
			e         QueueEntry
			op        string
			payload   sql.NullString
			createdAt string
		)
		if err := rows.Scan(&e.Seq, &e.Store, &op, &e.RecordID, &payload, &e.IdempotencyKey, &e.Retries, &createdAt); err != nil {
			return nil, storageErr("scan queue", err)
		}
		e.Op = Op(op)
		if payload.Valid && payload.String != "" {
			e.Payload = json.RawMessage(payload.String)
		}
		e.CreatedAt = parseTime(createdAt)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list queue", err)
	}
	return out, nil
}

func (s *SQLiteStore) BumpRetry(ctx context.Context, seq int64) (int, error) {
	return s.bumpRetry(ctx, "mutations", seq)
}

func (s *SQLiteStore) bumpRetry(ctx context.Context, table string, seq int64) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, storageErr("bump retry", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `UPDATE `+table+` SET retries = retries + 1 WHERE seq = ?`, seq)
	if err != nil {
		return 0, storageErr("bump retry", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return 0, fmt.Errorf("bump retry %d: %w", seq, ErrNotFound)
	}
	var retries int
	if err := tx.QueryRowContext(ctx, `SELECT retries FROM `+table+` WHERE seq = ?`, seq).Scan(&retries); err != nil {
		return 0, storageErr("bump retry", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, storageErr("bump retry", err)
	}
	return retries, nil
}

// ----------------------------------------------------------------------------
// Chat Outbox
// ----------------------------------------------------------------------------

func (s *SQLiteStore) EnqueueMessage(ctx context.Context, m QueuedMessage) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO chat_outbox (conversation_id, sender_id, client_id, content, idempotency_key, retries, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.ConversationID, m.SenderID, m.ClientID, m.Content, m.IdempotencyKey, m.Retries, fmtTime(m.CreatedAt),
	)
	if err != nil {
		return 0, storageErr("enqueue message", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return 0, storageErr("enqueue message", err)
	}
	return seq, nil
}

func (s *SQLiteStore) DequeueMessage(ctx context.Context, seq int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM chat_outbox WHERE seq = ?`, seq)
	if err != nil {
		return storageErr("dequeue message", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("dequeue message %d: %w", seq, ErrNotFound)
	}
	return nil
}

func (s *SQLiteStore) MessageQueue(ctx context.Context) ([]QueuedMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, conversation_id, sender_id, client_id, content, idempotency_key, retries, created_at
		FROM chat_outbox ORDER BY seq`)
	if err != nil {
		return nil, storageErr("list message queue", err)
	}
	defer rows.Close()

	var out []QueuedMessage
	for rows.Next() {
		var (
			m         QueuedMessage
			createdAt string
		)
		if err := rows.Scan(&m.Seq, &m.ConversationID, &m.SenderID, &m.ClientID, &m.Content, &m.IdempotencyKey, &m.Retries, &createdAt); err != nil {
			return nil, storageErr("scan message queue", err)
		}
		m.CreatedAt = parseTime(createdAt)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list message queue", err)
	}
	return out, nil
}

func (s *SQLiteStore) BumpMessageRetry(ctx context.Context, seq int64) (int, error) {
	return s.bumpRetry(ctx, "chat_outbox", seq)
}

// ----------------------------------------------------------------------------
// Dead Letters
// ----------------------------------------------------------------------------

func (s *SQLiteStore) MoveToDeadLetter(ctx context.Context, d DeadLetter) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("dead-letter", err)
	}
	defer tx.Rollback()

	table := "mutations"
	if d.Source == DeadLetterChat {
		table = "chat_outbox"
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE seq = ?`, d.Seq)
	if err != nil {
		return storageErr("dead-letter", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("dead-letter %s/%d: %w", d.Source, d.Seq, ErrNotFound)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO dead_letters (seq, source, store, op, record_id, payload, reason, status_code, created_at, failed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.Seq, d.Source, d.Store, string(d.Op), d.RecordID, string(d.Payload), d.Reason, d.StatusCode,
		fmtTime(d.CreatedAt), fmtTime(d.FailedAt),
	)
	if err != nil {
		return storageErr("dead-letter", err)
	}
	if err := tx.Commit(); err != nil {
		return storageErr("dead-letter", err)
	}
	return nil
}

func (s *SQLiteStore) DeadLetters(ctx context.Context) ([]DeadLetter, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, source, store, op, record_id, payload, reason, status_code, created_at, failed_at
		FROM dead_letters ORDER BY failed_at, seq`)
	if err != nil {
		return nil, storageErr("list dead letters", err)
	}
	defer rows.Close()

	var out []DeadLetter
	for rows.Next() {
		d, err := scanDeadLetter(rows)
		if err != nil {
			return nil, storageErr("scan dead letter", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list dead letters", err)
	}
	return out, nil
}

func scanDeadLetter(row rowScanner) (DeadLetter, error) {
	var (
		d         DeadLetter
		op        string
		payload   sql.NullString
		createdAt string
		failedAt  string
	)
	if err := row.Scan(&d.Seq, &d.Source, &d.Store, &op, &d.RecordID, &payload, &d.Reason, &d.StatusCode, &createdAt, &failedAt); err != nil {
		return DeadLetter{}, err
	}
	d.Op = Op(op)
	if payload.Valid && payload.String != "" {
		d.Payload = json.RawMessage(payload.String)
	}
	d.CreatedAt = parseTime(createdAt)
	d.FailedAt = parseTime(failedAt)
	return d, nil
}

func (s *SQLiteStore) RetryDeadLetter(ctx context.Context, source string, seq int64) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, storageErr("retry dead letter", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `
		SELECT seq, source, store, op, record_id, payload, reason, status_code, created_at, failed_at
		FROM dead_letters WHERE source = ? AND seq = ?`, source, seq)
	d, err := scanDeadLetter(row)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("retry dead letter %s/%d: %w", source, seq, ErrNotFound)
	}
	if err != nil {
		return 0, storageErr("retry dead letter", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM dead_letters WHERE source = ? AND seq = ?`, source, seq); err != nil {
		return 0, storageErr("retry dead letter", err)
	}

	var res sql.Result
	if source == DeadLetterChat {
		var mp messagePayload
		if err := json.Unmarshal(d.Payload, &mp); err != nil {
			return 0, fmt.Errorf("retry dead letter %s/%d: decode payload: %w", source, seq, err)
		}
		res, err = tx.ExecContext(ctx, `
			INSERT INTO chat_outbox (conversation_id, sender_id, client_id, content, idempotency_key, retries, created_at)
			VALUES (?, ?, ?, ?, ?, 0, ?)`,
			mp.ConversationID, mp.SenderID, mp.ClientID, mp.Content, newIdempotencyKey(), fmtTime(d.CreatedAt),
		)
	} else {
		res, err = tx.ExecContext(ctx, `
			INSERT INTO mutations (store, op, record_id, payload, idempotency_key, retries, created_at)
			VALUES (?, ?, ?, ?, ?, 0, ?)`,
			d.Store, string(d.Op), d.RecordID, string(d.Payload), newIdempotencyKey(), fmtTime(d.CreatedAt),
		)
	}
	if err != nil {
		return 0, storageErr("retry dead letter", err)
	}
	newSeq, err := res.LastInsertId()
	if err != nil {
		return 0, storageErr("retry dead letter", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, storageErr("retry dead letter", err)
	}
	return newSeq, nil
}

// ----------------------------------------------------------------------------
// Counts and Metadata
// ----------------------------------------------------------------------------

func (s *SQLiteStore) QueueCounts(ctx context.Context) (int, int, error) {
	var mutations, messages int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM mutations`).Scan(&mutations); err != nil {
		return 0, 0, storageErr("count queue", err)
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chat_outbox`).Scan(&messages); err != nil {
		return 0, 0, storageErr("count queue", err)
	}
	return mutations, messages, nil
}

func (s *SQLiteStore) DeadLetterCount(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM dead_letters`).Scan(&n); err != nil {
		return 0, storageErr("count dead letters", err)
	}
	return n, nil
}

func (s *SQLiteStore) Metadata(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM metadata WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", storageErr("get metadata", err)
	}
	return value, nil
}

func (s *SQLiteStore) SetMetadata(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO metadata (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value,
	)
	return storageErr("set metadata", err)
}

// ----------------------------------------------------------------------------
// Time encoding
// ----------------------------------------------------------------------------

// Times are stored as RFC 3339 text in UTC so rows stay readable and sort
// lexically.
func fmtTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
