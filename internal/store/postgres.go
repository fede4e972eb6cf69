package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) CreateDocument(ctx context.Context, doc Document) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO documents (id, title, content, revision, host_id, locked, join_password_hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, doc.ID, doc.Title, doc.Content, doc.Revision, doc.HostID, doc.Locked, doc.JoinPasswordHash)
	if err != nil {
		return fmt.Errorf("insert document: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetDocument(ctx context.Context, documentID string) (Document, error) {
	var doc Document
	err := s.db.QueryRowContext(ctx, `
		SELECT id, title, content, revision, host_id, locked, join_password_hash, created_at, updated_at
		FROM documents WHERE id = $1
	`, documentID).Scan(&doc.ID, &doc.Title, &doc.Content, &doc.Revision, &doc.HostID,
		&doc.Locked, &doc.JoinPasswordHash, &doc.CreatedAt, &doc.UpdatedAt)
	if err != nil {
		return Document{}, err
	}
	return doc, nil
}

func (s *PostgresStore) SetDocumentLocked(ctx context.Context, documentID string, locked bool) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE documents SET locked = $2, updated_at = NOW() WHERE id = $1
	`, documentID, locked)
	if err != nil {
		return fmt.Errorf("set document lock: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("set document lock: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *PostgresStore) CreateParticipant(ctx context.Context, p Participant) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO participants (id, document_id, display_name, color, active, is_host)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, p.ID, p.DocumentID, p.DisplayName, p.Color, p.Active, p.IsHost)
	if err != nil {
		return fmt.Errorf("insert participant: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetParticipant(ctx context.Context, documentID, participantID string) (Participant, error) {
	var p Participant
	err := s.db.QueryRowContext(ctx, `
		SELECT id, document_id, display_name, color, active, is_host, joined_at
		FROM participants WHERE document_id = $1 AND id = $2
	`, documentID, participantID).Scan(&p.ID, &p.DocumentID, &p.DisplayName, &p.Color,
		&p.Active, &p.IsHost, &p.JoinedAt)
	if err != nil {
		return Participant{}, err
	}
	return p, nil
}

func (s *PostgresStore) ListParticipants(ctx context.Context, documentID string) ([]Participant, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, document_id, display_name, color, active, is_host, joined_at
		FROM participants WHERE document_id = $1
		ORDER BY joined_at ASC
	`, documentID)
	if err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}
	defer rows.Close()

	items := make([]Participant, 0)
	for rows.Next() {
		var p Participant
		if err := rows.Scan(&p.ID, &p.DocumentID, &p.DisplayName, &p.Color,
			&p.Active, &p.IsHost, &p.JoinedAt); err != nil {
			return nil, fmt.Errorf("scan participant: %w", err)
		}
		items = append(items, p)
	}
	return items, rows.Err()
}

func (s *PostgresStore) SetParticipantActive(ctx context.Context, documentID, participantID string, active bool) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE participants SET active = $3 WHERE document_id = $1 AND id = $2
	`, documentID, participantID, active)
	if err != nil {
		return fmt.Errorf("set participant active: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("set participant active: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// AppendOperation commits a transformed operation: it assigns the next
// revision, appends the log row, and stores the mutated content, all
// in one transaction under a row lock on the document. Either the
// revision advances together with the durable log row or neither does.
func (s *PostgresStore) AppendOperation(ctx context.Context, documentID string, op Operation, newContent string) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin append: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var current int64
	err = tx.QueryRowContext(ctx, `
		SELECT revision FROM documents WHERE id = $1 FOR UPDATE
	`, documentID).Scan(&current)
	if err != nil {
		return 0, err
	}
	next := current + 1

	metadata, err := json.Marshal(op.Metadata)
	if err != nil {
		return 0, fmt.Errorf("marshal metadata: %w", err)
	}
	if op.Metadata == nil {
		metadata = []byte(`{}`)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO operations (document_id, revision, kind, position, content, length, old_length, base_revision, author_id, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, documentID, next, op.Kind, op.Position, op.Content, op.Length, op.OldLength,
		op.BaseRevision, op.AuthorID, metadata); err != nil {
		return 0, fmt.Errorf("append operation: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE documents SET content = $2, revision = $3, updated_at = NOW() WHERE id = $1
	`, documentID, newContent, next); err != nil {
		return 0, fmt.Errorf("store content: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit append: %w", err)
	}
	return next, nil
}

func (s *PostgresStore) ListOperationsSince(ctx context.Context, documentID string, sinceRevision int64) ([]Operation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT document_id, revision, kind, position, content, length, old_length, base_revision, author_id, metadata, created_at
		FROM operations
		WHERE document_id = $1 AND revision > $2
		ORDER BY revision ASC
	`, documentID, sinceRevision)
	if err != nil {
		return nil, fmt.Errorf("list operations: %w", err)
	}
	defer rows.Close()

	items := make([]Operation, 0)
	for rows.Next() {
		var op Operation
		var metadata []byte
		if err := rows.Scan(&op.DocumentID, &op.Revision, &op.Kind, &op.Position, &op.Content,
			&op.Length, &op.OldLength, &op.BaseRevision, &op.AuthorID, &metadata, &op.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan operation: %w", err)
		}
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &op.Metadata); err != nil {
				return nil, fmt.Errorf("unmarshal metadata: %w", err)
			}
		}
		items = append(items, op)
	}
	return items, rows.Err()
}

func (s *PostgresStore) OperationCountSince(ctx context.Context, documentID string, sinceRevision int64) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM operations WHERE document_id = $1 AND revision > $2
	`, documentID, sinceRevision).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count operations: %w", err)
	}
	return count, nil
}
