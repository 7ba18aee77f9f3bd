package transcript

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one conversation turn, in arrival order.
type Message struct {
	ID        string    `json:"id"`
	Seq       uint64    `json:"seq"`
	Role      Role      `json:"role"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// Reader is the read-only view handed to rendering code.
type Reader interface {
	Messages() []Message
	Len() int
}

// Store is an append-only log of the current session's turns.
// The session that owns it is the only writer.
type Store struct {
	mu       sync.RWMutex
	messages []Message
	seq      uint64
	now      func() time.Time
}

func NewStore() *Store {
	return &Store{now: func() time.Time { return time.Now().UTC() }}
}

// Append records a turn. Empty or whitespace-only text and unknown roles are
// rejected and leave the store unchanged.
func (s *Store) Append(role Role, text string) (Message, bool) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Message{}, false
	}
	if role != RoleUser && role != RoleAssistant {
		return Message{}, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	msg := Message{
		ID:        newMessageID(),
		Seq:       s.seq,
		Role:      role,
		Text:      text,
		Timestamp: s.now(),
	}
	s.messages = append(s.messages, msg)
	return msg, true
}

// Clear drops every message. Sequence numbers keep increasing across clears.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = nil
}

func (s *Store) Messages() []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Message, len(s.messages))
	copy(out, s.messages)
	return out
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.messages)
}

func newMessageID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
