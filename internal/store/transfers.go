// ABOUTME: SQLite persistence for transfer requests and transcript messages
// ABOUTME: ResolveTransfer commits the request outcome and the conversation change in one transaction

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

type transferRow struct {
	ID             string         `db:"id"`
	ConversationID string         `db:"conversation_id"`
	FromAgentID    string         `db:"from_agent_id"`
	ToAgentID      string         `db:"to_agent_id"`
	State          string         `db:"state"`
	CreatedAt      string         `db:"created_at"`
	ExpiresAt      string         `db:"expires_at"`
	ResolvedAt     sql.NullString `db:"resolved_at"`
}

const transferColumns = `id, conversation_id, from_agent_id, to_agent_id, state, created_at, expires_at, resolved_at`

func (r *transferRow) toTransfer() (*TransferRequest, error) {
	tr := &TransferRequest{
		ID:             r.ID,
		ConversationID: r.ConversationID,
		FromAgentID:    r.FromAgentID,
		ToAgentID:      r.ToAgentID,
		State:          TransferState(r.State),
	}
	var err error
	if tr.CreatedAt, err = parseTime(r.CreatedAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if tr.ExpiresAt, err = parseTime(r.ExpiresAt); err != nil {
		return nil, fmt.Errorf("parsing expires_at: %w", err)
	}
	if tr.ResolvedAt, err = parseNullTime(r.ResolvedAt); err != nil {
		return nil, fmt.Errorf("parsing resolved_at: %w", err)
	}
	return tr, nil
}

// CreateTransferRequest stores a new pending transfer request.
// Returns ErrPendingTransferExists if the conversation already has one.
func (s *SQLiteStore) CreateTransferRequest(ctx context.Context, tr *TransferRequest) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO transfer_requests (`+transferColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		tr.ID,
		tr.ConversationID,
		tr.FromAgentID,
		tr.ToAgentID,
		string(tr.State),
		formatTime(tr.CreatedAt),
		formatTime(tr.ExpiresAt),
		formatTimePtr(tr.ResolvedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrPendingTransferExists
		}
		return fmt.Errorf("inserting transfer request: %w", err)
	}
	s.logger.Debug("created transfer request", "id", tr.ID, "conversation_id", tr.ConversationID, "to", tr.ToAgentID)
	return nil
}

// GetTransferRequest retrieves a transfer request by ID.
func (s *SQLiteStore) GetTransferRequest(ctx context.Context, id string) (*TransferRequest, error) {
	var row transferRow
	err := s.db.GetContext(ctx, &row, `SELECT `+transferColumns+` FROM transfer_requests WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying transfer request: %w", err)
	}
	return row.toTransfer()
}

// GetPendingTransfer returns the pending request for a conversation, or
// ErrNotFound.
func (s *SQLiteStore) GetPendingTransfer(ctx context.Context, conversationID string) (*TransferRequest, error) {
	var row transferRow
	err := s.db.GetContext(ctx, &row,
		`SELECT `+transferColumns+` FROM transfer_requests WHERE conversation_id = ? AND state = 'PENDING'`,
		conversationID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying pending transfer: %w", err)
	}
	return row.toTransfer()
}

// ListExpiredTransfers returns pending requests whose deadline is at or
// before now.
func (s *SQLiteStore) ListExpiredTransfers(ctx context.Context, now time.Time, limit int) ([]*TransferRequest, error) {
	var rows []transferRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+transferColumns+` FROM transfer_requests
		WHERE state = 'PENDING' AND expires_at <= ?
		ORDER BY expires_at ASC
		LIMIT ?`, formatTime(now), clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("querying expired transfers: %w", err)
	}
	out := make([]*TransferRequest, 0, len(rows))
	for i := range rows {
		tr, err := rows[i].toTransfer()
		if err != nil {
			return nil, err
		}
		out = append(out, tr)
	}
	return out, nil
}

// ResolveTransfer moves tr out of PENDING and, if conv is non-nil, applies
// the conversation update in the same transaction. msgs are inserted in
// that transaction too.
func (s *SQLiteStore) ResolveTransfer(ctx context.Context, tr *TransferRequest, conv *Conversation, msgs ...*Message) error {
	if !tr.State.Terminal() {
		return fmt.Errorf("resolve transfer %s: state %s is not terminal", tr.ID, tr.State)
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `
		UPDATE transfer_requests SET state = ?, resolved_at = ?
		WHERE id = ? AND state = 'PENDING'`,
		string(tr.State), formatTimePtr(tr.ResolvedAt), tr.ID)
	if err != nil {
		return fmt.Errorf("updating transfer request: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if n == 0 {
		var exists int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM transfer_requests WHERE id = ?`, tr.ID).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("checking transfer request: %w", err)
		}
		return ErrTransferResolved
	}

	var next *Conversation
	if conv != nil {
		next = conv.Clone()
		if err := updateConversation(ctx, tx, next); err != nil {
			return err
		}
	}
	for _, msg := range msgs {
		if err := insertMessage(ctx, tx, msg); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	if conv != nil {
		conv.Version = next.Version
	}

	s.logger.Debug("resolved transfer request", "id", tr.ID, "state", tr.State)
	return nil
}

type messageRow struct {
	ID             string         `db:"id"`
	ConversationID string         `db:"conversation_id"`
	Direction      string         `db:"direction"`
	Author         string         `db:"author"`
	Content        string         `db:"content"`
	ExternalID     sql.NullString `db:"external_id"`
	CreatedAt      string         `db:"created_at"`
}

// SaveMessage appends a transcript entry.
func (s *SQLiteStore) SaveMessage(ctx context.Context, msg *Message) error {
	return insertMessage(ctx, s.db, msg)
}

func insertMessage(ctx context.Context, db execer, msg *Message) error {
	var external any
	if msg.ExternalID != "" {
		external = msg.ExternalID
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, direction, author, content, external_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		msg.ID,
		msg.ConversationID,
		string(msg.Direction),
		msg.Author,
		msg.Content,
		external,
		formatTime(msg.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting message: %w", err)
	}
	return nil
}

func (r *messageRow) toMessage() (*Message, error) {
	created, err := parseTime(r.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	return &Message{
		ID:             r.ID,
		ConversationID: r.ConversationID,
		Direction:      MessageDirection(r.Direction),
		Author:         r.Author,
		Content:        r.Content,
		ExternalID:     r.ExternalID.String,
		CreatedAt:      created,
	}, nil
}

// GetMessage retrieves a transcript entry by ID.
func (s *SQLiteStore) GetMessage(ctx context.Context, id string) (*Message, error) {
	var row messageRow
	err := s.db.GetContext(ctx, &row, `
		SELECT id, conversation_id, direction, author, content, external_id, created_at
		FROM messages WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying message: %w", err)
	}
	return row.toMessage()
}

// ListMessages returns up to limit transcript entries for a conversation,
// oldest first.
func (s *SQLiteStore) ListMessages(ctx context.Context, conversationID string, limit int) ([]*Message, error) {
	var rows []messageRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, conversation_id, direction, author, content, external_id, created_at
		FROM messages
		WHERE conversation_id = ?
		ORDER BY created_at ASC, rowid ASC
		LIMIT ?`, conversationID, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}

	out := make([]*Message, 0, len(rows))
	for i := range rows {
		msg, err := rows[i].toMessage()
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	return out, nil
}
