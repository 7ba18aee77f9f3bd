package memory

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ent0n29/carevoice/internal/realtime"
)

// InMemoryStore is a simple in-process store for local/dev use.
type InMemoryStore struct {
	mu            sync.RWMutex
	conversations []ConversationRecord
	checkIns      []CheckIn
	patients      map[string]Patient
	publisher     realtime.Publisher
	logger        zerolog.Logger
	now           func() time.Time
}

// NewInMemoryStore creates a store. publisher may be nil; when set, every
// insert is announced on it after the write.
func NewInMemoryStore(publisher realtime.Publisher) *InMemoryStore {
	return &InMemoryStore{
		patients:  make(map[string]Patient),
		publisher: publisher,
		logger:    zerolog.Nop(),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// WithLogger sets where failed announcements are reported.
func (s *InMemoryStore) WithLogger(logger zerolog.Logger) *InMemoryStore {
	s.logger = logger
	return s
}

func (s *InMemoryStore) LatestConversation(_ context.Context, patientID string) (ConversationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var (
		latest ConversationRecord
		found  bool
	)
	for _, r := range s.conversations {
		if r.PatientID != patientID {
			continue
		}
		// Ties keep the later insert.
		if !found || !r.CreatedAt.Before(latest.CreatedAt) {
			latest = r
			found = true
		}
	}
	if !found {
		return ConversationRecord{}, ErrNotFound
	}
	return cloneRecord(latest), nil
}

func (s *InMemoryStore) ListConversations(_ context.Context, patientID string, limit int) ([]ConversationRecord, error) {
	s.mu.RLock()
	out := make([]ConversationRecord, 0)
	for i := len(s.conversations) - 1; i >= 0; i-- {
		if s.conversations[i].PatientID == patientID {
			out = append(out, cloneRecord(s.conversations[i]))
		}
	}
	s.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *InMemoryStore) GetConversation(_ context.Context, recordID string) (ConversationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.conversations {
		if r.ID == recordID {
			return cloneRecord(r), nil
		}
	}
	return ConversationRecord{}, ErrNotFound
}

func (s *InMemoryStore) InsertConversation(ctx context.Context, record ConversationRecord) (ConversationRecord, error) {
	if strings.TrimSpace(record.PatientID) == "" {
		return ConversationRecord{}, errors.New("insert conversation: patient_id is required")
	}
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = s.now()
	}
	if record.Transcript == nil {
		record.Transcript = []Turn{}
	}
	record = cloneRecord(record)

	s.mu.Lock()
	s.conversations = append(s.conversations, record)
	clinician := s.patients[record.PatientID].ClinicianID
	s.mu.Unlock()

	s.announce(ctx, realtime.TableConversations, record.ID, record.PatientID, clinician, record.CreatedAt)
	return cloneRecord(record), nil
}

func (s *InMemoryStore) SetConversationSummary(_ context.Context, recordID, summary string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.conversations {
		if s.conversations[i].ID == recordID {
			s.conversations[i].Summary = summary
			return nil
		}
	}
	return ErrNotFound
}

func (s *InMemoryStore) InsertCheckIn(ctx context.Context, checkIn CheckIn) (CheckIn, error) {
	if strings.TrimSpace(checkIn.PatientID) == "" {
		return CheckIn{}, errors.New("insert check-in: patient_id is required")
	}
	if checkIn.ID == "" {
		checkIn.ID = uuid.NewString()
	}
	if checkIn.CreatedAt.IsZero() {
		checkIn.CreatedAt = s.now()
	}

	s.mu.Lock()
	s.checkIns = append(s.checkIns, checkIn)
	clinician := s.patients[checkIn.PatientID].ClinicianID
	s.mu.Unlock()

	s.announce(ctx, realtime.TableCheckIns, checkIn.ID, checkIn.PatientID, clinician, checkIn.CreatedAt)
	return checkIn, nil
}

func (s *InMemoryStore) UpsertPatient(_ context.Context, patient Patient) error {
	if strings.TrimSpace(patient.ID) == "" {
		return errors.New("upsert patient: id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.patients[patient.ID] = patient
	return nil
}

func (s *InMemoryStore) AssignedClinician(_ context.Context, patientID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.patients[patientID]
	if !ok {
		return "", ErrNotFound
	}
	return p.ClinicianID, nil
}

func (s *InMemoryStore) PatientsForClinician(_ context.Context, clinicianID string) ([]Patient, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Patient, 0)
	for _, p := range s.patients {
		if p.ClinicianID == clinicianID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *InMemoryStore) Close() error { return nil }

func (s *InMemoryStore) announce(ctx context.Context, table, recordID, patientID, clinicianID string, at time.Time) {
	if s.publisher == nil {
		return
	}
	// The write already succeeded; a lost announcement only delays the dashboard.
	err := s.publisher.Publish(ctx, realtime.RawEvent{
		Table:       table,
		Type:        "INSERT",
		RecordID:    recordID,
		PatientID:   patientID,
		ClinicianID: clinicianID,
		OccurredAt:  at,
	})
	if err != nil {
		s.logger.Warn().Err(err).Str("table", table).Str("record_id", recordID).Str("patient_id", patientID).Msg("insert announcement not published")
	}
}
