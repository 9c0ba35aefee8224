// Package conversation is the conversation lifecycle engine: the queue state
// machine, the agent-to-agent transfer protocol, session expiry and the
// event fan-out that keeps agent screens in sync.
//
// # States
//
// A conversation is in exactly one of four states:
//
//	BOT_QUEUE       handled by the bot
//	PRINCIPAL       waiting for a human agent
//	EM_ATENDIMENTO  assigned to exactly one agent
//	FECHADA         closed
//
// The assignee is set if and only if the state is EM_ATENDIMENTO, and a
// channel has at most one conversation that is not FECHADA.
//
// # Transitions
//
// Every transition (Assume, ReturnToQueue, ReturnToBot, Close, Reopen,
// Transfer, the transfer protocol, inbound messages and the sweeper) runs
// the same way:
//
//  1. take the per-conversation lock
//  2. read the current row
//  3. compute the next row, or reject with a coded *Error
//  4. write it with a version compare-and-swap
//  5. queue the resulting events, still under the lock
//
// Events are published by a per-conversation dispatcher after the lock is
// released, so a slow subscriber never blocks a transition, while each
// recipient still sees events for one conversation in commit order.
//
// # Transfers
//
// RequestTransfer creates a PENDING request with a 30 second deadline.
// Accept, reject, cancel and timeout race on the PENDING state in the store;
// exactly one wins. Any other transition that changes the status or the
// assignee cancels a pending request in the same write.
//
// # Sessions
//
// A conversation carries a fixed 24h session window from its first patient
// message. Sweep closes conversations past the window, returns assignments
// idle longer than the inactivity timeout and times out overdue transfer
// requests. All of it is derived from stored timestamps, so nothing is lost
// across a restart.
//
// # Errors
//
// Operations return *Error. Use errors.Is with ErrConflict,
// ErrPreconditionFailed, ErrNotFound, ErrUnauthorized, ErrInvalid,
// ErrStoreUnavailable or ErrPublishUnavailable, and StatusCode to map an
// error to HTTP.
package conversation
