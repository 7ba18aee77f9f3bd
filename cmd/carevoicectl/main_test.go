package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/carevoice/internal/memory"
	"github.com/ent0n29/carevoice/internal/protocol"
)

func fakeServer(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/patients/p1/conversations", func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("limit"); got != "2" {
			t.Errorf("limit = %q, want %q", got, "2")
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"conversations": []memory.ConversationRecord{{
			ID:              "rec-1",
			PatientID:       "p1",
			CreatedAt:       time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
			DurationSeconds: 42,
			Summary:         "Knee pain improving",
			Transcript:      []memory.Turn{{Speaker: memory.SpeakerPatient, Text: "better"}},
		}}})
	})
	mux.HandleFunc("/v1/patients/p1", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		_ = json.NewEncoder(w).Encode(memory.Patient{ID: "p1", ClinicianID: body["clinician_id"], DisplayName: body["display_name"]})
	})
	mux.HandleFunc("/v1/patients/missing/conversations", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"boom","code":"store_error"}`))
	})
	mux.HandleFunc("/v1/clinicians/dr-1/notifications/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.WriteJSON(protocol.Notification{
			Type:       protocol.TypeNotification,
			PatientID:  "p1",
			EventKind:  "check_in",
			OccurredAt: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
		})
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))
	})
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestHistoryCommand(t *testing.T) {
	ts := fakeServer(t)
	out, err := run(t, "history", "--server", ts.URL, "--patient", "p1", "--limit", "2")
	if err != nil {
		t.Fatalf("history error = %v", err)
	}
	if !strings.Contains(out, "Knee pain improving") || !strings.Contains(out, "42s") {
		t.Fatalf("history output = %q", out)
	}
}

func TestHistoryCommandSurfacesServerError(t *testing.T) {
	ts := fakeServer(t)
	_, err := run(t, "history", "--server", ts.URL, "--patient", "missing")
	if err == nil || !strings.Contains(err.Error(), "store_error") {
		t.Fatalf("history error = %v, want store_error", err)
	}
}

func TestAssignCommand(t *testing.T) {
	ts := fakeServer(t)
	out, err := run(t, "assign", "--server", ts.URL, "--patient", "p1", "--clinician", "dr-1")
	if err != nil {
		t.Fatalf("assign error = %v", err)
	}
	if strings.TrimSpace(out) != "patient p1 assigned to dr-1" {
		t.Fatalf("assign output = %q", out)
	}
}

func TestAssignRequiresClinician(t *testing.T) {
	ts := fakeServer(t)
	if _, err := run(t, "assign", "--server", ts.URL, "--patient", "p1"); err == nil {
		t.Fatalf("expected error when --clinician is missing")
	}
}

func TestWatchCommandPrintsNotifications(t *testing.T) {
	ts := fakeServer(t)
	out, err := run(t, "watch", "--server", ts.URL, "--clinician", "dr-1", "--json")
	if err != nil {
		t.Fatalf("watch error = %v", err)
	}
	var got protocol.Notification
	if err := json.Unmarshal([]byte(strings.TrimSpace(out)), &got); err != nil {
		t.Fatalf("decode watch output %q: %v", out, err)
	}
	if got.PatientID != "p1" || got.EventKind != "check_in" {
		t.Fatalf("notification = %+v", got)
	}
}

func TestNewAPIClientAddsScheme(t *testing.T) {
	c, err := newAPIClient("localhost:9000/")
	if err != nil {
		t.Fatalf("newAPIClient() error = %v", err)
	}
	if got := c.endpoint("/healthz"); got != "http://localhost:9000/healthz" {
		t.Fatalf("endpoint = %q", got)
	}
	if _, err := newAPIClient("ftp://host"); err == nil {
		t.Fatalf("expected error for ftp scheme")
	}
}
