// ABOUTME: PostgreSQL implementation of store.Store backed by a pgx connection pool
// ABOUTME: Runs embedded migrations on open; version CAS and transfer resolution mirror the SQLite store

package postgres

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/2389/clinic-gateway/internal/store"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store is the PostgreSQL implementation of store.Store.
type Store struct {
	Pool *pgxpool.Pool
}

// Open opens a PostgreSQL connection pool and runs migrations. dsn may be empty to use DATABASE_URL env.
func Open(ctx context.Context, dsn string) (*Store, error) {
	if dsn == "" {
		dsn = os.Getenv("DATABASE_URL")
	}
	if dsn == "" {
		return nil, errors.New("postgres DSN or DATABASE_URL required")
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing dsn: %w", err)
	}
	cfg.MaxConns = 20
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("creating pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	s := &Store{Pool: pool}
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

// Close closes the connection pool.
func (s *Store) Close() error {
	if s == nil || s.Pool == nil {
		return nil
	}
	s.Pool.Close()
	return nil
}

// Migrate runs pending migrations (only those not already in schema_migrations).
func (s *Store) Migrate(ctx context.Context) error {
	applied := make(map[int]bool)
	rows, err := s.Pool.Query(ctx, `SELECT version FROM schema_migrations`)
	if err == nil {
		for rows.Next() {
			var v int
			if err := rows.Scan(&v); err != nil {
				break
			}
			applied[v] = true
		}
		rows.Close()
	}

	type migration struct {
		version int
		sql     string
	}
	var pending []migration
	files, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return err
	}
	for _, f := range files {
		if f.IsDir() || !strings.HasSuffix(f.Name(), ".sql") {
			continue
		}
		v, err := strconv.Atoi(strings.SplitN(strings.TrimSuffix(f.Name(), ".sql"), "_", 2)[0])
		if err != nil || applied[v] {
			continue
		}
		body, err := migrationsFS.ReadFile("migrations/" + f.Name())
		if err != nil {
			return err
		}
		pending = append(pending, migration{v, string(body)})
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].version < pending[j].version })

	for _, m := range pending {
		if _, err := s.Pool.Exec(ctx, m.sql); err != nil {
			return fmt.Errorf("migration %d: %w", m.version, err)
		}
		if _, err := s.Pool.Exec(ctx,
			`INSERT INTO schema_migrations(version, applied_at) VALUES($1, $2) ON CONFLICT (version) DO NOTHING`,
			m.version, time.Now().Unix()); err != nil {
			return err
		}
	}
	return nil
}

// querier is satisfied by *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

const conversationColumns = `id, channel_id, patient_name, status, assigned_agent_id, priority,
	session_start_time, session_expiry_time, last_user_activity_at, last_agent_activity_at,
	last_message_id, close_reason, version, created_at, updated_at`

func scanConversation(row pgx.Row) (*store.Conversation, error) {
	var c store.Conversation
	var status, priority string
	err := row.Scan(
		&c.ID, &c.ChannelID, &c.PatientName, &status, &c.AssignedAgentID, &priority,
		&c.SessionStartTime, &c.SessionExpiryTime, &c.LastUserActivityAt, &c.LastAgentActivityAt,
		&c.LastMessageID, &c.CloseReason, &c.Version, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	c.Status = store.Status(status)
	c.Priority = store.Priority(priority)
	return &c, nil
}

func collectConversations(rows pgx.Rows) ([]*store.Conversation, error) {
	defer rows.Close()
	var out []*store.Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// CreateConversation inserts a new conversation.
func (s *Store) CreateConversation(ctx context.Context, c *store.Conversation) error {
	if c.Version == 0 {
		c.Version = 1
	}
	if c.Priority == "" {
		c.Priority = store.PriorityMedium
	}
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO conversations (`+conversationColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		c.ID, c.ChannelID, c.PatientName, string(c.Status), c.AssignedAgentID, string(c.Priority),
		c.SessionStartTime, c.SessionExpiryTime, c.LastUserActivityAt, c.LastAgentActivityAt,
		c.LastMessageID, c.CloseReason, c.Version, c.CreatedAt, c.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return store.ErrOpenConversationExists
	}
	if err != nil {
		return fmt.Errorf("inserting conversation: %w", err)
	}
	return nil
}

// GetConversation retrieves a conversation by ID.
func (s *Store) GetConversation(ctx context.Context, id string) (*store.Conversation, error) {
	c, err := scanConversation(s.Pool.QueryRow(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying conversation: %w", err)
	}
	return c, nil
}

// GetOpenConversationByChannel returns the open conversation on a channel.
func (s *Store) GetOpenConversationByChannel(ctx context.Context, channelID string) (*store.Conversation, error) {
	c, err := scanConversation(s.Pool.QueryRow(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE channel_id = $1 AND status <> 'FECHADA'`, channelID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying open conversation: %w", err)
	}
	return c, nil
}

func updateConversation(ctx context.Context, q querier, c *store.Conversation) error {
	tag, err := q.Exec(ctx, `
		UPDATE conversations
		SET patient_name = $1, status = $2, assigned_agent_id = $3, priority = $4,
			session_start_time = $5, session_expiry_time = $6,
			last_user_activity_at = $7, last_agent_activity_at = $8,
			last_message_id = $9, close_reason = $10, updated_at = $11,
			version = version + 1
		WHERE id = $12 AND version = $13`,
		c.PatientName, string(c.Status), c.AssignedAgentID, string(c.Priority),
		c.SessionStartTime, c.SessionExpiryTime,
		c.LastUserActivityAt, c.LastAgentActivityAt,
		c.LastMessageID, c.CloseReason, c.UpdatedAt,
		c.ID, c.Version,
	)
	if isUniqueViolation(err) {
		return store.ErrOpenConversationExists
	}
	if err != nil {
		return fmt.Errorf("updating conversation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists int
		err := q.QueryRow(ctx, `SELECT 1 FROM conversations WHERE id = $1`, c.ID).Scan(&exists)
		if errors.Is(err, pgx.ErrNoRows) {
			return store.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("checking conversation: %w", err)
		}
		return store.ErrVersionConflict
	}
	c.Version++
	return nil
}

// UpdateConversation performs a compare-and-swap on the conversation version.
// Any msgs are inserted in the same transaction.
func (s *Store) UpdateConversation(ctx context.Context, c *store.Conversation, msgs ...*store.Message) error {
	if len(msgs) == 0 {
		return updateConversation(ctx, s.Pool, c)
	}

	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	next := c.Clone()
	if err := updateConversation(ctx, tx, next); err != nil {
		return err
	}
	for _, msg := range msgs {
		if err := insertMessage(ctx, tx, msg); err != nil {
			return err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	c.Version = next.Version
	return nil
}

// ListConversations returns conversations matching filter.
func (s *Store) ListConversations(ctx context.Context, filter store.ConversationFilter) ([]*store.Conversation, error) {
	var where []string
	var args []any
	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			statuses[i] = string(st)
		}
		args = append(args, statuses)
		where = append(where, fmt.Sprintf("status = ANY($%d)", len(args)))
	}
	if filter.AssignedAgentID != "" {
		args = append(args, filter.AssignedAgentID)
		where = append(where, fmt.Sprintf("assigned_agent_id = $%d", len(args)))
	}
	if filter.ChannelID != "" {
		args = append(args, filter.ChannelID)
		where = append(where, fmt.Sprintf("channel_id = $%d", len(args)))
	}

	query := `SELECT ` + conversationColumns + ` FROM conversations`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, clampLimit(filter.Limit))
	query += fmt.Sprintf(` ORDER BY CASE priority
			WHEN 'URGENT' THEN 0 WHEN 'HIGH' THEN 1 WHEN 'MEDIUM' THEN 2 ELSE 3 END,
			created_at ASC
		LIMIT $%d`, len(args))

	rows, err := s.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying conversations: %w", err)
	}
	return collectConversations(rows)
}

// ListExpiredSessions returns open conversations past their session expiry.
func (s *Store) ListExpiredSessions(ctx context.Context, now time.Time, limit int) ([]*store.Conversation, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT `+conversationColumns+` FROM conversations
		WHERE status <> 'FECHADA' AND session_expiry_time <= $1
		ORDER BY session_expiry_time ASC
		LIMIT $2`, now, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("querying expired sessions: %w", err)
	}
	return collectConversations(rows)
}

// ListIdleAssignments returns assigned conversations idle since cutoff.
func (s *Store) ListIdleAssignments(ctx context.Context, cutoff time.Time, limit int) ([]*store.Conversation, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT `+conversationColumns+` FROM conversations
		WHERE status = 'EM_ATENDIMENTO' AND last_agent_activity_at <= $1
		ORDER BY last_agent_activity_at ASC
		LIMIT $2`, cutoff, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("querying idle assignments: %w", err)
	}
	return collectConversations(rows)
}

// CountByStatus returns the number of conversations per status.
func (s *Store) CountByStatus(ctx context.Context) (map[store.Status]int, error) {
	rows, err := s.Pool.Query(ctx, `SELECT status, COUNT(*) FROM conversations GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("counting conversations: %w", err)
	}
	defer rows.Close()

	counts := make(map[store.Status]int, len(store.AllStatuses))
	for _, st := range store.AllStatuses {
		counts[st] = 0
	}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[store.Status(status)] = n
	}
	return counts, rows.Err()
}

const transferColumns = `id, conversation_id, from_agent_id, to_agent_id, state, created_at, expires_at, resolved_at`

func scanTransfer(row pgx.Row) (*store.TransferRequest, error) {
	var tr store.TransferRequest
	var state string
	if err := row.Scan(&tr.ID, &tr.ConversationID, &tr.FromAgentID, &tr.ToAgentID,
		&state, &tr.CreatedAt, &tr.ExpiresAt, &tr.ResolvedAt); err != nil {
		return nil, err
	}
	tr.State = store.TransferState(state)
	return &tr, nil
}

// CreateTransferRequest stores a pending transfer request.
func (s *Store) CreateTransferRequest(ctx context.Context, tr *store.TransferRequest) error {
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO transfer_requests (`+transferColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		tr.ID, tr.ConversationID, tr.FromAgentID, tr.ToAgentID, string(tr.State),
		tr.CreatedAt, tr.ExpiresAt, tr.ResolvedAt)
	if isUniqueViolation(err) {
		return store.ErrPendingTransferExists
	}
	if err != nil {
		return fmt.Errorf("inserting transfer request: %w", err)
	}
	return nil
}

// GetTransferRequest retrieves a transfer request by ID.
func (s *Store) GetTransferRequest(ctx context.Context, id string) (*store.TransferRequest, error) {
	tr, err := scanTransfer(s.Pool.QueryRow(ctx,
		`SELECT `+transferColumns+` FROM transfer_requests WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying transfer request: %w", err)
	}
	return tr, nil
}

// GetPendingTransfer returns the pending request for a conversation.
func (s *Store) GetPendingTransfer(ctx context.Context, conversationID string) (*store.TransferRequest, error) {
	tr, err := scanTransfer(s.Pool.QueryRow(ctx,
		`SELECT `+transferColumns+` FROM transfer_requests WHERE conversation_id = $1 AND state = 'PENDING'`,
		conversationID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying pending transfer: %w", err)
	}
	return tr, nil
}

// ListExpiredTransfers returns pending requests past their deadline.
func (s *Store) ListExpiredTransfers(ctx context.Context, now time.Time, limit int) ([]*store.TransferRequest, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT `+transferColumns+` FROM transfer_requests
		WHERE state = 'PENDING' AND expires_at <= $1
		ORDER BY expires_at ASC
		LIMIT $2`, now, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("querying expired transfers: %w", err)
	}
	defer rows.Close()

	var out []*store.TransferRequest
	for rows.Next() {
		tr, err := scanTransfer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, tr)
	}
	return out, rows.Err()
}

// ResolveTransfer moves tr out of PENDING and applies conv and msgs in the
// same transaction.
func (s *Store) ResolveTransfer(ctx context.Context, tr *store.TransferRequest, conv *store.Conversation, msgs ...*store.Message) error {
	if !tr.State.Terminal() {
		return fmt.Errorf("resolve transfer %s: state %s is not terminal", tr.ID, tr.State)
	}

	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `
		UPDATE transfer_requests SET state = $1, resolved_at = $2
		WHERE id = $3 AND state = 'PENDING'`, string(tr.State), tr.ResolvedAt, tr.ID)
	if err != nil {
		return fmt.Errorf("updating transfer request: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists int
		err := tx.QueryRow(ctx, `SELECT 1 FROM transfer_requests WHERE id = $1`, tr.ID).Scan(&exists)
		if errors.Is(err, pgx.ErrNoRows) {
			return store.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("checking transfer request: %w", err)
		}
		return store.ErrTransferResolved
	}

	var next *store.Conversation
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
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	if conv != nil {
		conv.Version = next.Version
	}
	return nil
}

// SaveMessage appends a transcript entry.
func (s *Store) SaveMessage(ctx context.Context, msg *store.Message) error {
	return insertMessage(ctx, s.Pool, msg)
}

func insertMessage(ctx context.Context, q querier, msg *store.Message) error {
	var external *string
	if msg.ExternalID != "" {
		external = &msg.ExternalID
	}
	_, err := q.Exec(ctx, `
		INSERT INTO messages (id, conversation_id, direction, author, content, external_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		msg.ID, msg.ConversationID, string(msg.Direction), msg.Author, msg.Content, external, msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting message: %w", err)
	}
	return nil
}

// GetMessage retrieves a transcript entry by ID.
func (s *Store) GetMessage(ctx context.Context, id string) (*store.Message, error) {
	var m store.Message
	var direction string
	err := s.Pool.QueryRow(ctx, `
		SELECT id, conversation_id, direction, author, content, COALESCE(external_id, ''), created_at
		FROM messages WHERE id = $1`, id).
		Scan(&m.ID, &m.ConversationID, &direction, &m.Author, &m.Content, &m.ExternalID, &m.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying message: %w", err)
	}
	m.Direction = store.MessageDirection(direction)
	return &m, nil
}

// ListMessages returns up to limit transcript entries, oldest first.
func (s *Store) ListMessages(ctx context.Context, conversationID string, limit int) ([]*store.Message, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT id, conversation_id, direction, author, content, COALESCE(external_id, ''), created_at
		FROM messages WHERE conversation_id = $1
		ORDER BY created_at ASC, seq ASC
		LIMIT $2`, conversationID, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var out []*store.Message
	for rows.Next() {
		var m store.Message
		var direction string
		if err := rows.Scan(&m.ID, &m.ConversationID, &direction, &m.Author, &m.Content, &m.ExternalID, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.Direction = store.MessageDirection(direction)
		out = append(out, &m)
	}
	return out, rows.Err()
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

var _ store.Store = (*Store)(nil)
