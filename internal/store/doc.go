// Package store provides persistent storage for conversations and their
// event timelines using SQLite.
//
// # Architecture
//
// The Archive interface covers conversation records and the append-only
// event log. SQLiteArchive implements it on modernc.org/sqlite (pure Go,
// no cgo) with WAL journaling.
//
// # Sequence Numbers
//
// AppendEvent assigns sequence numbers transactionally: the conversation
// row's last_seq is incremented and the event inserted in one transaction,
// so the timeline is gap-free from 1 regardless of writer concurrency.
//
// # Errors
//
//   - ErrNotFound: conversation or event does not exist
//
// Use NewSQLiteArchive(":memory:") in tests.
package store
