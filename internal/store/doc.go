// Package store provides persistent storage for conversations, transfer
// requests and transcripts.
//
// # Implementations
//
//   - SQLiteStore: the default, backed by modernc.org/sqlite through sqlx
//   - postgres.Store: a pgx pool for shared deployments
//   - MockStore: in-memory, for tests
//
// # Concurrency
//
// Every conversation row carries a Version. UpdateConversation and
// ResolveTransfer are conditional on the caller's Version and fail with
// ErrVersionConflict when another writer got there first, so two racing
// writers can never both succeed. The schema additionally enforces:
//
//   - status EM_ATENDIMENTO if and only if assigned_agent_id is set
//   - at most one non-closed conversation per channel_id
//   - at most one PENDING transfer request per conversation
//
// Timestamps are stored as fixed-width UTC text in SQLite so range queries
// used by the sweeper compare correctly.
package store
