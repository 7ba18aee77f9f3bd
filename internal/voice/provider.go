package voice

import (
	"context"
	"errors"
	"time"

	"github.com/ent0n29/carevoice/internal/tools"
	"github.com/ent0n29/carevoice/internal/visitcontext"
)

var ErrUnknownSession = errors.New("unknown voice session")

type AgentConfig struct {
	Name         string
	FirstMessage string
	Prompt       string
	Language     string
	Tools        []tools.Spec
}

// AgentHandle identifies a remote assistant instance. Provider names the
// backend that created it.
type AgentHandle struct {
	ID       string `json:"id"`
	Provider string `json:"provider"`
}

func (h AgentHandle) IsZero() bool { return h.ID == "" }

// ToolTable is what the remote assistant may call back into.
type ToolTable interface {
	Specs() []tools.Spec
	Dispatch(ctx context.Context, call tools.Call) tools.Result
}

type EventType string

const (
	EventUserTranscript EventType = "user_transcript"
	EventAgentResponse  EventType = "agent_response"
	EventToolCall       EventType = "tool_call"
	EventEnded          EventType = "ended"
	EventError          EventType = "error"
)

// Event is pushed by a live stream. Tool carries the dispatch result for
// EventToolCall.
type Event struct {
	Type   EventType
	Text   string
	Tool   *tools.Result
	Code   string
	Detail string
	Fatal  bool
	At     time.Time
}

type StatusState string

const (
	StatusInProgress StatusState = "in_progress"
	StatusProcessing StatusState = "processing"
	StatusDone       StatusState = "done"
	StatusFailed     StatusState = "failed"
)

// Terminal reports whether the remote conversation is over.
func (s StatusState) Terminal() bool {
	return s == StatusDone || s == StatusFailed
}

type StatusTurn struct {
	Role    string `json:"role"`
	Message string `json:"message"`
}

type Status struct {
	State           StatusState
	Transcript      []StatusTurn
	DurationSeconds int
	Summary         string
}

// Provider is the remote conversational voice service. The event channel
// closes when the stream ends.
type Provider interface {
	Name() string
	CreateAgent(ctx context.Context, cfg AgentConfig) (AgentHandle, error)
	StartSession(ctx context.Context, agent AgentHandle, payload visitcontext.Payload, table ToolTable) (string, <-chan Event, error)
	EndSession(ctx context.Context, sessionID string) error
	GetStatus(ctx context.Context, sessionID string) (Status, error)
}

// TextInput is implemented by providers that accept typed user turns in
// addition to captured audio.
type TextInput interface {
	SendUserText(ctx context.Context, sessionID, text string) error
}
