package memory

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("record not found")

const (
	SpeakerPatient   = "patient"
	SpeakerAssistant = "assistant"
)

// Turn is one labelled line of a persisted transcript.
type Turn struct {
	Speaker string    `json:"speaker"`
	Text    string    `json:"text"`
	At      time.Time `json:"at"`
}

// ConversationRecord is the durable artifact of one completed session.
// An empty Summary means no summary has been derived yet.
type ConversationRecord struct {
	ID              string    `json:"id"`
	PatientID       string    `json:"patient_id"`
	SessionID       string    `json:"session_id,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	Transcript      []Turn    `json:"transcript"`
	Summary         string    `json:"summary,omitempty"`
	DurationSeconds int       `json:"duration_seconds"`
}

type CheckIn struct {
	ID        string    `json:"id"`
	PatientID string    `json:"patient_id"`
	Note      string    `json:"note"`
	CreatedAt time.Time `json:"created_at"`
}

// Patient carries the current clinician assignment, resolved at read time.
type Patient struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	ClinicianID string `json:"clinician_id"`
}

// Store persists conversation history, check-ins and the patient roster.
type Store interface {
	LatestConversation(ctx context.Context, patientID string) (ConversationRecord, error)
	ListConversations(ctx context.Context, patientID string, limit int) ([]ConversationRecord, error)
	GetConversation(ctx context.Context, recordID string) (ConversationRecord, error)
	InsertConversation(ctx context.Context, record ConversationRecord) (ConversationRecord, error)
	SetConversationSummary(ctx context.Context, recordID, summary string) error
	InsertCheckIn(ctx context.Context, checkIn CheckIn) (CheckIn, error)
	UpsertPatient(ctx context.Context, patient Patient) error
	AssignedClinician(ctx context.Context, patientID string) (string, error)
	PatientsForClinician(ctx context.Context, clinicianID string) ([]Patient, error)
	Close() error
}

func cloneRecord(r ConversationRecord) ConversationRecord {
	out := r
	if r.Transcript != nil {
		out.Transcript = make([]Turn, len(r.Transcript))
		copy(out.Transcript, r.Transcript)
	}
	return out
}
