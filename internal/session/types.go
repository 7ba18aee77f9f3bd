package session

import (
	"errors"
	"time"
)

type State string

const (
	StateIdle       State = "idle"
	StateCreating   State = "creating"
	StateConnecting State = "connecting"
	StateActive     State = "active"
	StateEnding     State = "ending"
	StateError      State = "error"
)

var (
	ErrAlreadyActive    = errors.New("a session is already in progress")
	ErrPermissionDenied = errors.New("microphone permission denied")
	ErrConnect          = errors.New("could not connect to the assistant")
	ErrNotActive        = errors.New("no session in progress")
	ErrNotDismissable   = errors.New("session is not in an error state")
	ErrStartCancelled   = errors.New("session start cancelled")
	ErrClosed           = errors.New("session manager closed")
	ErrTextUnsupported  = errors.New("voice provider does not accept typed input")
)

// Snapshot is the externally visible view of one client's session.
type Snapshot struct {
	State          State      `json:"state"`
	ClientID       string     `json:"client_id"`
	PatientID      string     `json:"patient_id,omitempty"`
	SessionID      string     `json:"session_id,omitempty"`
	AgentID        string     `json:"agent_id,omitempty"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	ElapsedSeconds int        `json:"elapsed_seconds"`
	LastError      string     `json:"last_error,omitempty"`
	LastRecordID   string     `json:"last_record_id,omitempty"`
	Messages       int        `json:"messages"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// StartRequest is the payload for starting a session.
type StartRequest struct {
	PatientID string `json:"patient_id"`
}
