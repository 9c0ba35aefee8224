// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite and sqlx
// ABOUTME: Provides conversation/transfer/transcript persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

// timeLayout is fixed-width UTC so stored timestamps compare correctly as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed. ":memory:" opens a private
// in-memory database restricted to a single connection.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	dsn := path
	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
		dsn = path + "?_pragma=busy_timeout(5000)"
	}

	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if path == ":memory:" {
		// Each connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS conversations (
			id                     TEXT PRIMARY KEY,
			channel_id             TEXT NOT NULL,
			patient_name           TEXT NOT NULL DEFAULT '',
			status                 TEXT NOT NULL,
			assigned_agent_id      TEXT,
			priority               TEXT NOT NULL DEFAULT 'MEDIUM',
			session_start_time     TEXT NOT NULL,
			session_expiry_time    TEXT NOT NULL,
			last_user_activity_at  TEXT,
			last_agent_activity_at TEXT,
			last_message_id        TEXT,
			close_reason           TEXT,
			version                INTEGER NOT NULL DEFAULT 1,
			created_at             TEXT NOT NULL,
			updated_at             TEXT NOT NULL,

			CHECK (status IN ('BOT_QUEUE', 'PRINCIPAL', 'EM_ATENDIMENTO', 'FECHADA')),
			CHECK (priority IN ('LOW', 'MEDIUM', 'HIGH', 'URGENT')),
			CHECK ((status = 'EM_ATENDIMENTO') = (assigned_agent_id IS NOT NULL))
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_conversations_open_channel
			ON conversations(channel_id) WHERE status != 'FECHADA';
		CREATE INDEX IF NOT EXISTS idx_conversations_status ON conversations(status);
		CREATE INDEX IF NOT EXISTS idx_conversations_agent ON conversations(assigned_agent_id);
		CREATE INDEX IF NOT EXISTS idx_conversations_expiry ON conversations(session_expiry_time);

		CREATE TABLE IF NOT EXISTS transfer_requests (
			id              TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL REFERENCES conversations(id),
			from_agent_id   TEXT NOT NULL,
			to_agent_id     TEXT NOT NULL,
			state           TEXT NOT NULL,
			created_at      TEXT NOT NULL,
			expires_at      TEXT NOT NULL,
			resolved_at     TEXT,

			CHECK (state IN ('PENDING', 'ACCEPTED', 'REJECTED', 'TIMED_OUT', 'CANCELLED'))
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_transfer_pending
			ON transfer_requests(conversation_id) WHERE state = 'PENDING';
		CREATE INDEX IF NOT EXISTS idx_transfer_expires ON transfer_requests(state, expires_at);

		CREATE TABLE IF NOT EXISTS messages (
			id              TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL REFERENCES conversations(id),
			direction       TEXT NOT NULL,
			author          TEXT NOT NULL,
			content         TEXT NOT NULL,
			external_id     TEXT,
			created_at      TEXT NOT NULL,

			CHECK (direction IN ('inbound', 'outbound', 'system'))
		);

		CREATE INDEX IF NOT EXISTS idx_messages_conversation_created
			ON messages(conversation_id, created_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// isUniqueViolation checks if the error is a SQLite UNIQUE constraint violation
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullStringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func stringPtrArg(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

// conversationRow mirrors the conversations table for sqlx scanning
type conversationRow struct {
	ID                  string         `db:"id"`
	ChannelID           string         `db:"channel_id"`
	PatientName         string         `db:"patient_name"`
	Status              string         `db:"status"`
	AssignedAgentID     sql.NullString `db:"assigned_agent_id"`
	Priority            string         `db:"priority"`
	SessionStartTime    string         `db:"session_start_time"`
	SessionExpiryTime   string         `db:"session_expiry_time"`
	LastUserActivityAt  sql.NullString `db:"last_user_activity_at"`
	LastAgentActivityAt sql.NullString `db:"last_agent_activity_at"`
	LastMessageID       sql.NullString `db:"last_message_id"`
	CloseReason         sql.NullString `db:"close_reason"`
	Version             int64          `db:"version"`
	CreatedAt           string         `db:"created_at"`
	UpdatedAt           string         `db:"updated_at"`
}

const conversationColumns = `id, channel_id, patient_name, status, assigned_agent_id, priority,
	session_start_time, session_expiry_time, last_user_activity_at, last_agent_activity_at,
	last_message_id, close_reason, version, created_at, updated_at`

func (r *conversationRow) toConversation() (*Conversation, error) {
	c := &Conversation{
		ID:              r.ID,
		ChannelID:       r.ChannelID,
		PatientName:     r.PatientName,
		Status:          Status(r.Status),
		AssignedAgentID: nullStringPtr(r.AssignedAgentID),
		Priority:        Priority(r.Priority),
		LastMessageID:   nullStringPtr(r.LastMessageID),
		CloseReason:     nullStringPtr(r.CloseReason),
		Version:         r.Version,
	}

	var err error
	if c.SessionStartTime, err = parseTime(r.SessionStartTime); err != nil {
		return nil, fmt.Errorf("parsing session_start_time: %w", err)
	}
	if c.SessionExpiryTime, err = parseTime(r.SessionExpiryTime); err != nil {
		return nil, fmt.Errorf("parsing session_expiry_time: %w", err)
	}
	if c.LastUserActivityAt, err = parseNullTime(r.LastUserActivityAt); err != nil {
		return nil, fmt.Errorf("parsing last_user_activity_at: %w", err)
	}
	if c.LastAgentActivityAt, err = parseNullTime(r.LastAgentActivityAt); err != nil {
		return nil, fmt.Errorf("parsing last_agent_activity_at: %w", err)
	}
	if c.CreatedAt, err = parseTime(r.CreatedAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if c.UpdatedAt, err = parseTime(r.UpdatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return c, nil
}

func rowsToConversations(rows []conversationRow) ([]*Conversation, error) {
	out := make([]*Conversation, 0, len(rows))
	for i := range rows {
		c, err := rows[i].toConversation()
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// CreateConversation inserts a new conversation with version 1.
// Returns ErrOpenConversationExists if the channel already has an open one.
func (s *SQLiteStore) CreateConversation(ctx context.Context, c *Conversation) error {
	if c.Version == 0 {
		c.Version = 1
	}
	if c.Priority == "" {
		c.Priority = PriorityMedium
	}

	query := `
		INSERT INTO conversations (` + conversationColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		c.ID,
		c.ChannelID,
		c.PatientName,
		string(c.Status),
		stringPtrArg(c.AssignedAgentID),
		string(c.Priority),
		formatTime(c.SessionStartTime),
		formatTime(c.SessionExpiryTime),
		formatTimePtr(c.LastUserActivityAt),
		formatTimePtr(c.LastAgentActivityAt),
		stringPtrArg(c.LastMessageID),
		stringPtrArg(c.CloseReason),
		c.Version,
		formatTime(c.CreatedAt),
		formatTime(c.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrOpenConversationExists
		}
		return fmt.Errorf("inserting conversation: %w", err)
	}

	s.logger.Debug("created conversation", "id", c.ID, "channel_id", c.ChannelID)
	return nil
}

// GetConversation retrieves a conversation by ID.
// Returns ErrNotFound if the conversation doesn't exist.
func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	var row conversationRow
	err := s.db.GetContext(ctx, &row, `SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying conversation: %w", err)
	}
	return row.toConversation()
}

// GetOpenConversationByChannel returns the conversation for channelID that
// is not closed. Returns ErrNotFound if there is none.
func (s *SQLiteStore) GetOpenConversationByChannel(ctx context.Context, channelID string) (*Conversation, error) {
	var row conversationRow
	err := s.db.GetContext(ctx, &row,
		`SELECT `+conversationColumns+` FROM conversations WHERE channel_id = ? AND status != 'FECHADA'`,
		channelID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying open conversation: %w", err)
	}
	return row.toConversation()
}

// execer is satisfied by both *sqlx.DB and *sqlx.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func updateConversation(ctx context.Context, db execer, c *Conversation) error {
	query := `
		UPDATE conversations
		SET patient_name = ?, status = ?, assigned_agent_id = ?, priority = ?,
			session_start_time = ?, session_expiry_time = ?,
			last_user_activity_at = ?, last_agent_activity_at = ?,
			last_message_id = ?, close_reason = ?, updated_at = ?,
			version = version + 1
		WHERE id = ? AND version = ?
	`
	result, err := db.ExecContext(ctx, query,
		c.PatientName,
		string(c.Status),
		stringPtrArg(c.AssignedAgentID),
		string(c.Priority),
		formatTime(c.SessionStartTime),
		formatTime(c.SessionExpiryTime),
		formatTimePtr(c.LastUserActivityAt),
		formatTimePtr(c.LastAgentActivityAt),
		stringPtrArg(c.LastMessageID),
		stringPtrArg(c.CloseReason),
		formatTime(c.UpdatedAt),
		c.ID,
		c.Version,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrOpenConversationExists
		}
		return fmt.Errorf("updating conversation: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		var exists int
		err := db.QueryRowContext(ctx, `SELECT 1 FROM conversations WHERE id = ?`, c.ID).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("checking conversation: %w", err)
		}
		return ErrVersionConflict
	}

	c.Version++
	return nil
}

// UpdateConversation performs a compare-and-swap on the conversation version.
// Any msgs are inserted in the same transaction.
func (s *SQLiteStore) UpdateConversation(ctx context.Context, c *Conversation, msgs ...*Message) error {
	if len(msgs) == 0 {
		if err := updateConversation(ctx, s.db, c); err != nil {
			return err
		}
		s.logger.Debug("updated conversation", "id", c.ID, "status", c.Status, "version", c.Version)
		return nil
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	next := c.Clone()
	if err := updateConversation(ctx, tx, next); err != nil {
		return err
	}
	for _, msg := range msgs {
		if err := insertMessage(ctx, tx, msg); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	c.Version = next.Version

	s.logger.Debug("updated conversation", "id", c.ID, "status", c.Status, "version", c.Version, "messages", len(msgs))
	return nil
}

// ListConversations returns conversations matching filter, highest
// priority first and oldest first within a priority.
// If limit is 0 or negative, a default limit of 100 is used.
func (s *SQLiteStore) ListConversations(ctx context.Context, filter ConversationFilter) ([]*Conversation, error) {
	limit := clampLimit(filter.Limit)

	var where []string
	var args []any
	if len(filter.Statuses) > 0 {
		placeholders := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			placeholders[i] = "?"
			args = append(args, string(st))
		}
		where = append(where, "status IN ("+strings.Join(placeholders, ", ")+")")
	}
	if filter.AssignedAgentID != "" {
		where = append(where, "assigned_agent_id = ?")
		args = append(args, filter.AssignedAgentID)
	}
	if filter.ChannelID != "" {
		where = append(where, "channel_id = ?")
		args = append(args, filter.ChannelID)
	}

	query := `SELECT ` + conversationColumns + ` FROM conversations`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += ` ORDER BY CASE priority
			WHEN 'URGENT' THEN 0 WHEN 'HIGH' THEN 1 WHEN 'MEDIUM' THEN 2 ELSE 3 END,
			created_at ASC
		LIMIT ?`
	args = append(args, limit)

	var rows []conversationRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("querying conversations: %w", err)
	}
	return rowsToConversations(rows)
}

// ListExpiredSessions returns open conversations whose session window
// ended at or before now.
func (s *SQLiteStore) ListExpiredSessions(ctx context.Context, now time.Time, limit int) ([]*Conversation, error) {
	var rows []conversationRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+conversationColumns+` FROM conversations
		WHERE status != 'FECHADA' AND session_expiry_time <= ?
		ORDER BY session_expiry_time ASC
		LIMIT ?`, formatTime(now), clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("querying expired sessions: %w", err)
	}
	return rowsToConversations(rows)
}

// ListIdleAssignments returns assigned conversations whose last agent
// activity is at or before cutoff.
func (s *SQLiteStore) ListIdleAssignments(ctx context.Context, cutoff time.Time, limit int) ([]*Conversation, error) {
	var rows []conversationRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+conversationColumns+` FROM conversations
		WHERE status = 'EM_ATENDIMENTO'
			AND last_agent_activity_at IS NOT NULL
			AND last_agent_activity_at <= ?
		ORDER BY last_agent_activity_at ASC
		LIMIT ?`, formatTime(cutoff), clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("querying idle assignments: %w", err)
	}
	return rowsToConversations(rows)
}

// CountByStatus returns the number of conversations in each status.
func (s *SQLiteStore) CountByStatus(ctx context.Context) (map[Status]int, error) {
	var rows []struct {
		Status string `db:"status"`
		Count  int    `db:"n"`
	}
	if err := s.db.SelectContext(ctx, &rows, `SELECT status, COUNT(*) AS n FROM conversations GROUP BY status`); err != nil {
		return nil, fmt.Errorf("counting conversations: %w", err)
	}
	counts := make(map[Status]int, len(AllStatuses))
	for _, st := range AllStatuses {
		counts[st] = 0
	}
	for _, r := range rows {
		counts[Status(r.Status)] = r.Count
	}
	return counts, nil
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return 100
	}
	if limit > 1000 {
		return 1000
	}
	return limit
}
