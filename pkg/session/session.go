package session

import (
	"errors"
	"sync"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/harun/plinth/pkg/core"
)

// ErrSessionClosed is returned when appending to a closed session.
var ErrSessionClosed = errors.New("session is closed")

// TruncationEvent records one context-window truncation against a session.
type TruncationEvent struct {
	DroppedMessages int       `json:"dropped_messages"`
	DroppedTokens   int       `json:"dropped_tokens"`
	OldestPreview   string    `json:"oldest_preview"`
	Reason          string    `json:"reason"`
	Timestamp       time.Time `json:"timestamp"`
}

// Session is an append-only conversation log plus its truncation history.
// All methods are safe for concurrent use.
type Session struct {
	id        string
	createdAt time.Time

	mu          sync.RWMutex
	messages    []core.Message
	truncations []TruncationEvent
	closed      bool
}

// New creates a session. An empty id gets a generated one.
func New(id string) *Session {
	if id == "" {
		id, _ = gonanoid.New()
	}
	return &Session{
		id:        id,
		createdAt: time.Now().UTC(),
	}
}

// ID returns the session identifier.
func (s *Session) ID() string {
	return s.id
}

// CreatedAt returns the session creation time.
func (s *Session) CreatedAt() time.Time {
	return s.createdAt
}

// Append adds a message to the log. The message is cloned, so callers
// can keep mutating their copy.
func (s *Session) Append(msg core.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSessionClosed
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	s.messages = append(s.messages, msg.Clone())
	return nil
}

// Messages returns a copy of the message log in append order.
func (s *Session) Messages() []core.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]core.Message, len(s.messages))
	for i, m := range s.messages {
		out[i] = m.Clone()
	}
	return out
}

// Len returns the number of messages.
func (s *Session) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.messages)
}

// RecordTruncation appends a truncation event to the session history.
func (s *Session) RecordTruncation(ev TruncationEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSessionClosed
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	s.truncations = append(s.truncations, ev)
	return nil
}

// Truncations returns a copy of the truncation history.
func (s *Session) Truncations() []TruncationEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]TruncationEvent, len(s.truncations))
	copy(out, s.truncations)
	return out
}

// Closed reports whether the session has been closed.
func (s *Session) Closed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

// Close discards in-memory state. Archive the session first if the
// transcript should survive.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	s.messages = nil
	s.truncations = nil
}
