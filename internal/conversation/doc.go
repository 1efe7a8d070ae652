// Package conversation provides conversation lifecycle management and the
// archived event timeline.
//
// # Overview
//
// The conversation package sits between the HTTP handlers and the sandbox
// session layer. It owns conversation state transitions, turn execution,
// and the ordered event timeline that clients replay and stream.
//
// # Service
//
// The Service coordinates conversation operations:
//
//	svc := conversation.New(archive, registry, cloner, nil, broadcaster, logger)
//
// Key operations:
//
//   - CreateOrResume(ctx, req): Bind ids, start or reuse the sandbox
//   - SendMessage(ctx, wid, cid, msg): Archive the message and run a turn
//   - Stream(ctx, wid, cid, fromSeq): Gap-free ordered event channel
//   - Events(ctx, wid, cid, from, limit): Archived timeline page
//   - State(ctx, wid, cid): Persisted conversation snapshot
//
// # States
//
// Conversations move through:
//
//	created -> running -> awaiting_input -> running -> ... -> finished | failed
//
// finished and failed are terminal; sending into a terminal conversation is
// a state conflict. awaiting_input resumes on the next user message.
//
// # Archive-then-Publish
//
// Every event is appended to the archive first, receiving the next
// sequence number in a single transaction, and only then published to live
// subscribers. A subscriber can therefore treat the archive as the source
// of truth: anything it missed live is already readable by sequence
// number. Stream exploits this to deliver every event exactly once in
// order, replaying history before the live seam and backfilling any
// sequence gap the broadcaster's drop policy created.
//
// # Turn Execution
//
// SendMessage checks out its own session reference and runs the turn on a
// detached context, so client disconnects stop delivery but never the
// agent. The reference is released when the turn's event stream ends,
// which also re-arms the idle TTL.
package conversation
