package action

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	_ "modernc.org/sqlite"
)

const actionSQLiteSchema = `
CREATE TABLE IF NOT EXISTS actions (
	id TEXT PRIMARY KEY,
	task_id TEXT NOT NULL,
	tool_id TEXT,
	name TEXT NOT NULL,
	seq INTEGER NOT NULL,
	status TEXT NOT NULL,
	payload BLOB,
	result TEXT,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_actions_task
ON actions(task_id, seq);

CREATE TABLE IF NOT EXISTS documents (
	id TEXT PRIMARY KEY,
	text TEXT NOT NULL,
	source TEXT,
	metadata_json BLOB NOT NULL,
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS action_documents (
	action_id TEXT NOT NULL,
	document_id TEXT NOT NULL,
	PRIMARY KEY (action_id, document_id),
	FOREIGN KEY(action_id) REFERENCES actions(id) ON DELETE CASCADE,
	FOREIGN KEY(document_id) REFERENCES documents(id) ON DELETE CASCADE
);`

// Store persists actions and their derived documents in SQLite.
type Store struct {
	db *sql.DB
}

// NewStore opens (or creates) a SQLite-backed action store.
func NewStore(dsn string) (*Store, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("action store sqlite dsn is required")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("action store open: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("action store set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("action store enable foreign keys: %w", err)
	}
	if _, err := db.Exec(actionSQLiteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("action store create schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB returns the underlying database connection for sharing with other stores.
func (s *Store) DB() *sql.DB {
	return s.db
}

// CreateAction validates and inserts a new action. A missing id is
// generated; a missing status defaults to pending; the sequence number
// is assigned per task inside the insert transaction.
func (s *Store) CreateAction(ctx context.Context, a Action) (Action, error) {
	if err := validateNewAction(a); err != nil {
		return Action{}, err
	}

	if strings.TrimSpace(a.ID) == "" {
		a.ID = uuid.NewString()
	}
	if a.Status == "" {
		a.Status = StatusPending
	}
	now := time.Now().UTC()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = a.CreatedAt

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Action{}, fmt.Errorf("action store begin create: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `
SELECT COALESCE(MAX(seq), 0) + 1 FROM actions WHERE task_id = ?`, a.TaskID)
	if err := row.Scan(&a.Seq); err != nil {
		return Action{}, fmt.Errorf("action store next seq: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
INSERT INTO actions (id, task_id, tool_id, name, seq, status, payload, result, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID,
		a.TaskID,
		nullIfEmpty(a.ToolID),
		a.Name,
		a.Seq,
		string(a.Status),
		normalizePayload(a.Payload),
		nullIfEmpty(a.Result),
		a.CreatedAt.Format(time.RFC3339Nano),
		a.UpdatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return Action{}, fmt.Errorf("action store create: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Action{}, fmt.Errorf("action store commit create: %w", err)
	}
	return a, nil
}

// UpdateAction sets the status and result of an action. A transition out
// of a terminal status is refused with ErrValidation. The updated-at
// marker is always stamped.
func (s *Store) UpdateAction(ctx context.Context, id string, status Status, result string) (Action, error) {
	if !status.valid() {
		return Action{}, fmt.Errorf("%w: unknown status %q", ErrValidation, status)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Action{}, fmt.Errorf("action store begin update: %w", err)
	}
	defer tx.Rollback()

	if err := updateActionTx(ctx, tx, id, status, result); err != nil {
		return Action{}, err
	}

	updated, err := getActionTx(ctx, tx, id)
	if err != nil {
		return Action{}, err
	}

	if err := tx.Commit(); err != nil {
		return Action{}, fmt.Errorf("action store commit update: %w", err)
	}
	return updated, nil
}

// GetAction returns one action together with its linked documents.
func (s *Store) GetAction(ctx context.Context, id string) (Action, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return Action{}, fmt.Errorf("action store begin get: %w", err)
	}
	defer tx.Rollback()

	a, err := getActionTx(ctx, tx, id)
	if err != nil {
		return Action{}, err
	}
	if err := tx.Commit(); err != nil {
		return Action{}, fmt.Errorf("action store commit get: %w", err)
	}
	return a, nil
}

// ListActions returns a task's actions in sequence order, without documents.
func (s *Store) ListActions(ctx context.Context, taskID string) ([]Action, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, task_id, tool_id, name, seq, status, payload, result, created_at, updated_at
FROM actions
WHERE task_id = ?
ORDER BY seq ASC`, taskID)
	if err != nil {
		return nil, fmt.Errorf("action store list: %w", err)
	}
	defer rows.Close()

	var actions []Action
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, err
		}
		actions = append(actions, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("action store list rows: %w", err)
	}
	return actions, nil
}

func updateActionTx(ctx context.Context, tx *sql.Tx, id string, status Status, result string) error {
	current, err := getActionStatusTx(ctx, tx, id)
	if err != nil {
		return err
	}
	if current.Terminal() {
		return fmt.Errorf("%w: action %s is already %s", ErrValidation, id, current)
	}

	_, err = tx.ExecContext(ctx, `
UPDATE actions
SET status = ?, result = ?, updated_at = ?
WHERE id = ?`,
		string(status),
		nullIfEmpty(result),
		time.Now().UTC().Format(time.RFC3339Nano),
		id,
	)
	if err != nil {
		return fmt.Errorf("action store update: %w", err)
	}
	return nil
}

func getActionStatusTx(ctx context.Context, tx *sql.Tx, id string) (Status, error) {
	var status string
	err := tx.QueryRowContext(ctx, `SELECT status FROM actions WHERE id = ?`, id).Scan(&status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return "", fmt.Errorf("action store read status: %w", err)
	}
	return Status(status), nil
}

func getActionTx(ctx context.Context, tx *sql.Tx, id string) (Action, error) {
	row := tx.QueryRowContext(ctx, `
SELECT id, task_id, tool_id, name, seq, status, payload, result, created_at, updated_at
FROM actions
WHERE id = ?`, id)

	a, err := scanAction(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Action{}, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return Action{}, err
	}

	docs, err := listDocumentsTx(ctx, tx, id)
	if err != nil {
		return Action{}, err
	}
	a.Documents = docs
	return a, nil
}

func listDocumentsTx(ctx context.Context, tx *sql.Tx, actionID string) ([]Document, error) {
	rows, err := tx.QueryContext(ctx, `
SELECT d.id, d.text, d.source, d.metadata_json, d.created_at
FROM documents d
JOIN action_documents ad ON ad.document_id = d.id
WHERE ad.action_id = ?
ORDER BY d.created_at ASC`, actionID)
	if err != nil {
		return nil, fmt.Errorf("action store list documents: %w", err)
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		var (
			doc       Document
			source    sql.NullString
			metaRaw   []byte
			createdAt string
		)
		if err := rows.Scan(&doc.ID, &doc.Text, &source, &metaRaw, &createdAt); err != nil {
			return nil, fmt.Errorf("action store scan document: %w", err)
		}
		doc.Source = source.String
		if len(metaRaw) > 0 {
			if err := json.Unmarshal(metaRaw, &doc.Metadata); err != nil {
				return nil, fmt.Errorf("action store unmarshal document metadata: %w", err)
			}
		}
		created, err := time.Parse(time.RFC3339Nano, createdAt)
		if err != nil {
			return nil, fmt.Errorf("action store parse document created_at: %w", err)
		}
		doc.CreatedAt = created
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("action store document rows: %w", err)
	}
	return docs, nil
}

func insertDocumentTx(ctx context.Context, tx *sql.Tx, actionID string, doc Document) error {
	if strings.TrimSpace(doc.ID) == "" {
		doc.ID = uuid.NewString()
	}
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = time.Now().UTC()
	}

	metaJSON, err := json.Marshal(doc.Metadata)
	if err != nil {
		return fmt.Errorf("action store marshal document metadata: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
INSERT INTO documents (id, text, source, metadata_json, created_at)
VALUES (?, ?, ?, ?, ?)`,
		doc.ID,
		doc.Text,
		nullIfEmpty(doc.Source),
		metaJSON,
		doc.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("action store insert document: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
INSERT INTO action_documents (action_id, document_id)
VALUES (?, ?)`, actionID, doc.ID)
	if err != nil {
		return fmt.Errorf("action store link document: %w", err)
	}
	return nil
}

type actionScanner interface {
	Scan(dest ...any) error
}

func scanAction(scanner actionScanner) (Action, error) {
	var (
		a         Action
		toolID    sql.NullString
		status    string
		payload   []byte
		result    sql.NullString
		createdAt string
		updatedAt string
	)
	if err := scanner.Scan(&a.ID, &a.TaskID, &toolID, &a.Name, &a.Seq, &status, &payload, &result, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Action{}, err
		}
		return Action{}, fmt.Errorf("action store scan: %w", err)
	}

	created, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return Action{}, fmt.Errorf("action store parse created_at: %w", err)
	}
	updated, err := time.Parse(time.RFC3339Nano, updatedAt)
	if err != nil {
		return Action{}, fmt.Errorf("action store parse updated_at: %w", err)
	}

	a.ToolID = toolID.String
	a.Status = Status(status)
	if len(payload) > 0 {
		a.Payload = json.RawMessage(append([]byte(nil), payload...))
	}
	a.Result = result.String
	a.CreatedAt = created
	a.UpdatedAt = updated
	return a, nil
}

func normalizePayload(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}

func nullIfEmpty(value string) any {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	return value
}
