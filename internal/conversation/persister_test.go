package conversation

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ent0n29/carevoice/internal/memory"
	"github.com/ent0n29/carevoice/internal/reliability"
	"github.com/ent0n29/carevoice/internal/transcript"
)

func newTestPersister(store Store, redact bool) *Persister {
	return NewPersister(store, Options{
		Timeout:        time.Second,
		RedactPII:      redact,
		EnrichAttempts: 3,
		Backoff:        reliability.Backoff{Base: time.Millisecond, Cap: 2 * time.Millisecond},
	}, zerolog.Nop(), nil)
}

func TestPersistMapsSpeakersAndKeepsOrder(t *testing.T) {
	store := memory.NewInMemoryStore(nil)
	ts := transcript.NewStore()
	ts.Append(transcript.RoleAssistant, "How are you?")
	ts.Append(transcript.RoleUser, "Tired.")
	ts.Append(transcript.RoleUser, "And thirsty.")

	p := newTestPersister(store, false)
	rec, err := p.Persist(context.Background(), PersistRequest{PatientID: "p-1", SessionID: "s-1", Messages: ts.Messages(), DurationSeconds: 95})
	if err != nil {
		t.Fatalf("Persist() error = %v", err)
	}
	got, _ := store.LatestConversation(context.Background(), "p-1")
	if got.ID != rec.ID || got.DurationSeconds != 95 || got.Summary != "" {
		t.Fatalf("stored = %+v, want record with duration 95 and no summary", got)
	}
	wantSpeakers := []string{memory.SpeakerAssistant, memory.SpeakerPatient, memory.SpeakerPatient}
	if len(got.Transcript) != len(wantSpeakers) {
		t.Fatalf("len(Transcript) = %d, want %d", len(got.Transcript), len(wantSpeakers))
	}
	for i, turn := range got.Transcript {
		if turn.Speaker != wantSpeakers[i] {
			t.Fatalf("turn %d speaker = %q, want %q", i, turn.Speaker, wantSpeakers[i])
		}
	}
}

func TestPersistEmptyTranscriptStillWritesRecord(t *testing.T) {
	store := memory.NewInMemoryStore(nil)
	p := newTestPersister(store, false)
	if _, err := p.Persist(context.Background(), PersistRequest{PatientID: "p-1"}); err != nil {
		t.Fatalf("Persist() error = %v", err)
	}
	list, _ := store.ListConversations(context.Background(), "p-1", 10)
	if len(list) != 1 || len(list[0].Transcript) != 0 || list[0].DurationSeconds != 0 {
		t.Fatalf("records = %+v, want one empty zero-duration record", list)
	}
}

func TestPersistRedactsWhenEnabled(t *testing.T) {
	store := memory.NewInMemoryStore(nil)
	ts := transcript.NewStore()
	ts.Append(transcript.RoleUser, "email me at jane.doe@example.com")

	p := newTestPersister(store, true)
	if _, err := p.Persist(context.Background(), PersistRequest{PatientID: "p-1", Messages: ts.Messages()}); err != nil {
		t.Fatalf("Persist() error = %v", err)
	}
	got, _ := store.LatestConversation(context.Background(), "p-1")
	if strings.Contains(got.Transcript[0].Text, "jane.doe@example.com") {
		t.Fatalf("transcript not redacted: %q", got.Transcript[0].Text)
	}
}

type failingStore struct{ Store }

func (failingStore) InsertConversation(context.Context, memory.ConversationRecord) (memory.ConversationRecord, error) {
	return memory.ConversationRecord{}, errors.New("disk full")
}

func TestPersistReportsStoreFailure(t *testing.T) {
	p := newTestPersister(failingStore{}, false)
	if _, err := p.Persist(context.Background(), PersistRequest{PatientID: "p-1"}); err == nil {
		t.Fatalf("Persist() error = nil, want store failure")
	}
	if _, err := p.Persist(context.Background(), PersistRequest{}); err == nil {
		t.Fatalf("Persist() without patient error = nil, want error")
	}
}

func TestEnrichRetriesUntilSummaryReady(t *testing.T) {
	store := memory.NewInMemoryStore(nil)
	p := newTestPersister(store, false)
	rec, _ := p.Persist(context.Background(), PersistRequest{PatientID: "p-1"})

	calls := 0
	err := p.Enrich(context.Background(), rec.ID, func(context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", ErrAnalysisPending
		}
		return "Patient feels better.", nil
	})
	if err != nil {
		t.Fatalf("Enrich() error = %v", err)
	}
	got, _ := store.GetConversation(context.Background(), rec.ID)
	if got.Summary != "Patient feels better." || calls != 3 {
		t.Fatalf("summary = %q after %d calls, want enriched after 3", got.Summary, calls)
	}
}

func TestEnrichGivesUpAfterAttempts(t *testing.T) {
	store := memory.NewInMemoryStore(nil)
	p := newTestPersister(store, false)
	rec, _ := p.Persist(context.Background(), PersistRequest{PatientID: "p-1"})

	err := p.Enrich(context.Background(), rec.ID, func(context.Context) (string, error) { return "", nil })
	if !errors.Is(err, ErrAnalysisPending) {
		t.Fatalf("Enrich() error = %v, want ErrAnalysisPending", err)
	}
}

func TestEnrichKeepsExistingSummary(t *testing.T) {
	store := memory.NewInMemoryStore(nil)
	p := newTestPersister(store, false)
	rec, _ := p.Persist(context.Background(), PersistRequest{PatientID: "p-1"})
	_ = store.SetConversationSummary(context.Background(), rec.ID, "clinician note")

	if err := p.Enrich(context.Background(), rec.ID, func(context.Context) (string, error) { return "provider summary", nil }); err != nil {
		t.Fatalf("Enrich() error = %v", err)
	}
	got, _ := store.GetConversation(context.Background(), rec.ID)
	if got.Summary != "clinician note" {
		t.Fatalf("Summary = %q, want existing summary kept", got.Summary)
	}
}
