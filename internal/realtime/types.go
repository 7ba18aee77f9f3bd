package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

type EventKind string

const (
	KindCheckIn      EventKind = "check_in"
	KindConversation EventKind = "conversation"
)

const (
	TableConversations = "conversations"
	TableCheckIns      = "check_ins"
)

// NotifyChannel is the Postgres LISTEN/NOTIFY channel carrying RawEvent payloads.
const NotifyChannel = "patient_activity"

// RawEvent is what the storage push feed delivers. ClinicianID is the
// assignment at write time and may be stale by the time it is read.
type RawEvent struct {
	Table       string    `json:"table"`
	Type        string    `json:"type"`
	RecordID    string    `json:"record_id"`
	PatientID   string    `json:"patient_id"`
	ClinicianID string    `json:"clinician_id,omitempty"`
	OccurredAt  time.Time `json:"occurred_at"`
}

func (e RawEvent) Kind() EventKind {
	switch e.Table {
	case TableCheckIns:
		return KindCheckIn
	case TableConversations:
		return KindConversation
	default:
		return ""
	}
}

// Event is raised to dashboard subscribers after the ownership check.
type Event struct {
	PatientID  string    `json:"patient_id"`
	EventKind  EventKind `json:"event_kind"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Filter is the coarse, transport-level selection. Events without a write-time
// clinician pass through; the Notifier makes the final ownership decision.
type Filter struct {
	ClinicianID string
	Kinds       []EventKind
}

func (f Filter) Match(e RawEvent) bool {
	kind := e.Kind()
	if kind == "" {
		return false
	}
	if len(f.Kinds) > 0 {
		ok := false
		for _, k := range f.Kinds {
			if k == kind {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if f.ClinicianID != "" && e.ClinicianID != "" && e.ClinicianID != f.ClinicianID {
		return false
	}
	return true
}

// Feed is a standing, server-side filtered subscription source. The returned
// channel closes when the transport drops or cancel is called.
type Feed interface {
	Subscribe(ctx context.Context, filter Filter) (<-chan RawEvent, func(), error)
}

type Publisher interface {
	Publish(ctx context.Context, event RawEvent) error
}

func EncodeRawEvent(e RawEvent) ([]byte, error) {
	return json.Marshal(e)
}

func DecodeRawEvent(payload []byte) (RawEvent, error) {
	var e RawEvent
	if err := json.Unmarshal(payload, &e); err != nil {
		return RawEvent{}, fmt.Errorf("decode raw event: %w", err)
	}
	if e.PatientID == "" || e.Table == "" {
		return RawEvent{}, fmt.Errorf("decode raw event: missing table or patient_id")
	}
	return e, nil
}
