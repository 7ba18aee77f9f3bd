package realtime

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ent0n29/carevoice/internal/reliability"
)

type fakeRoster struct {
	mu     sync.Mutex
	owners map[string]string
	fail   map[string]bool
}

func newFakeRoster() *fakeRoster {
	return &fakeRoster{owners: map[string]string{}, fail: map[string]bool{}}
}

func (r *fakeRoster) set(patientID, clinicianID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.owners[patientID] = clinicianID
}

func (r *fakeRoster) AssignedClinician(_ context.Context, patientID string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail[patientID] {
		return "", errors.New("roster unavailable")
	}
	owner, ok := r.owners[patientID]
	if !ok {
		return "", errors.New("unknown patient")
	}
	return owner, nil
}

type eventSink struct {
	ch chan Event
}

func newSink() *eventSink { return &eventSink{ch: make(chan Event, 16)} }

func (s *eventSink) onEvent(e Event) { s.ch <- e }

func (s *eventSink) expect(t *testing.T, patientID string) Event {
	t.Helper()
	select {
	case e := <-s.ch:
		if e.PatientID != patientID {
			t.Fatalf("event patient = %q, want %q", e.PatientID, patientID)
		}
		return e
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for event for %s", patientID)
	}
	return Event{}
}

func (s *eventSink) expectNone(t *testing.T) {
	t.Helper()
	select {
	case e := <-s.ch:
		t.Fatalf("unexpected event %+v", e)
	case <-time.After(100 * time.Millisecond):
	}
}

func newTestNotifier(feed Feed, roster Roster) *Notifier {
	return NewNotifier(feed, roster, zerolog.Nop(), nil, NotifierOptions{
		Backoff: reliability.Backoff{Base: 5 * time.Millisecond, Cap: 20 * time.Millisecond},
	})
}

func TestNotifierDeliversOwnedEvents(t *testing.T) {
	b := NewBroker(8)
	roster := newFakeRoster()
	roster.set("p-1", "c-1")
	n := newTestNotifier(b, roster)
	defer n.Close()

	sink := newSink()
	if _, err := n.Subscribe(context.Background(), "c-1", sink.onEvent); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	at := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	_ = b.Publish(context.Background(), RawEvent{Table: TableCheckIns, PatientID: "p-1", ClinicianID: "c-1", OccurredAt: at})

	got := sink.expect(t, "p-1")
	if got.EventKind != KindCheckIn || !got.OccurredAt.Equal(at) {
		t.Fatalf("event = %+v, want check_in at %v", got, at)
	}
}

func TestNotifierRechecksOwnershipAfterReassignment(t *testing.T) {
	b := NewBroker(8)
	roster := newFakeRoster()
	roster.set("p-1", "c-1")
	n := newTestNotifier(b, roster)
	defer n.Close()

	sink := newSink()
	if _, err := n.Subscribe(context.Background(), "c-1", sink.onEvent); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	// The write-time clinician still says c-1, but p-1 now belongs to c-2.
	roster.set("p-1", "c-2")
	_ = b.Publish(context.Background(), RawEvent{Table: TableConversations, PatientID: "p-1", ClinicianID: "c-1"})
	sink.expectNone(t)
}

func TestNotifierDropsEventsWhenResolutionFails(t *testing.T) {
	b := NewBroker(8)
	roster := newFakeRoster()
	roster.set("p-1", "c-1")
	roster.set("p-2", "c-1")
	roster.fail["p-1"] = true
	n := newTestNotifier(b, roster)
	defer n.Close()

	sink := newSink()
	if _, err := n.Subscribe(context.Background(), "c-1", sink.onEvent); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	ctx := context.Background()
	_ = b.Publish(ctx, RawEvent{Table: TableCheckIns, PatientID: "p-1"})
	_ = b.Publish(ctx, RawEvent{Table: TableCheckIns, PatientID: "p-2"})
	sink.expect(t, "p-2")
	sink.expectNone(t)
}

func TestNotifierUnsubscribeIsIdempotent(t *testing.T) {
	b := NewBroker(8)
	roster := newFakeRoster()
	roster.set("p-1", "c-1")
	n := newTestNotifier(b, roster)
	defer n.Close()

	sink := newSink()
	h, err := n.Subscribe(context.Background(), "c-1", sink.onEvent)
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	n.Unsubscribe(h)
	n.Unsubscribe(h)
	n.Unsubscribe("")

	waitFor(t, func() bool { return b.SubscriberCount() == 0 })
	_ = b.Publish(context.Background(), RawEvent{Table: TableCheckIns, PatientID: "p-1"})
	sink.expectNone(t)
	if got := n.Active(); got != 0 {
		t.Fatalf("Active() = %d, want 0", got)
	}
}

func TestNotifierResubscribesAfterDrop(t *testing.T) {
	b := NewBroker(8)
	roster := newFakeRoster()
	roster.set("p-1", "c-1")
	n := newTestNotifier(b, roster)
	defer n.Close()

	sink := newSink()
	if _, err := n.Subscribe(context.Background(), "c-1", sink.onEvent); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	b.Disconnect()
	waitFor(t, func() bool { return b.SubscriberCount() == 1 })

	_ = b.Publish(context.Background(), RawEvent{Table: TableCheckIns, PatientID: "p-1"})
	sink.expect(t, "p-1")
}

func TestNotifierSubscriptionsAreIndependent(t *testing.T) {
	b := NewBroker(8)
	roster := newFakeRoster()
	roster.set("p-1", "c-1")
	n := newTestNotifier(b, roster)
	defer n.Close()

	first, second := newSink(), newSink()
	h1, _ := n.Subscribe(context.Background(), "c-1", first.onEvent)
	if _, err := n.Subscribe(context.Background(), "c-1", second.onEvent); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	n.Unsubscribe(h1)
	waitFor(t, func() bool { return b.SubscriberCount() == 1 })

	_ = b.Publish(context.Background(), RawEvent{Table: TableCheckIns, PatientID: "p-1"})
	second.expect(t, "p-1")
	first.expectNone(t)
}

func TestNotifierRejectsInvalidSubscribe(t *testing.T) {
	n := newTestNotifier(NewBroker(1), newFakeRoster())
	if _, err := n.Subscribe(context.Background(), " ", func(Event) {}); !errors.Is(err, ErrInvalidSubscribe) {
		t.Fatalf("Subscribe(blank) error = %v, want ErrInvalidSubscribe", err)
	}
	_ = n.Close()
	if _, err := n.Subscribe(context.Background(), "c-1", func(Event) {}); !errors.Is(err, ErrNotifierClosed) {
		t.Fatalf("Subscribe() after Close error = %v, want ErrNotifierClosed", err)
	}
}

func TestNotifierSurvivesPanickingCallback(t *testing.T) {
	b := NewBroker(8)
	roster := newFakeRoster()
	roster.set("p-1", "c-1")
	roster.set("p-2", "c-1")
	n := newTestNotifier(b, roster)
	defer n.Close()

	sink := newSink()
	_, err := n.Subscribe(context.Background(), "c-1", func(e Event) {
		if e.PatientID == "p-1" {
			panic("render failed")
		}
		sink.onEvent(e)
	})
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	ctx := context.Background()
	_ = b.Publish(ctx, RawEvent{Table: TableCheckIns, PatientID: "p-1"})
	_ = b.Publish(ctx, RawEvent{Table: TableCheckIns, PatientID: "p-2"})
	sink.expect(t, "p-2")
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}
