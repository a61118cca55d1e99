// Package session holds in-memory conversation state and its JSONL archive.
//
// Invariants:
// - Sessions are append-only; existing messages are never rewritten.
// - Truncation events are recorded on the session that was truncated.
// - Close discards in-memory state; durability comes from the Store.
// - Session IDs are validated and path-safe.
//
// Usage:
//
//	sess := session.New("")
//	_ = sess.Append(core.NewMessage(core.RoleUser, "hello"))
//	store, _ := session.NewStore("/tmp/plinth/sessions", logger)
//	_ = store.Archive(context.Background(), sess)
package session
