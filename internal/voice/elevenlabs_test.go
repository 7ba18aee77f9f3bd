package voice

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/ent0n29/carevoice/internal/reliability"
	"github.com/ent0n29/carevoice/internal/tools"
	"github.com/ent0n29/carevoice/internal/visitcontext"
)

type fakeConvai struct {
	t          *testing.T
	srv        *httptest.Server
	createHits atomic.Int32
	initiation chan map[string]any
	clientMsgs chan map[string]any
}

func newFakeConvai(t *testing.T) *fakeConvai {
	f := &fakeConvai{
		t:          t,
		initiation: make(chan map[string]any, 1),
		clientMsgs: make(chan map[string]any, 8),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/convai/agents/create", func(w http.ResponseWriter, r *http.Request) {
		if f.createHits.Add(1) == 1 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		if r.Header.Get("xi-api-key") != "test-key" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"agent_id": "agent-123"})
	})
	mux.HandleFunc("/v1/convai/conversation/get-signed-url", func(w http.ResponseWriter, r *http.Request) {
		wsURL := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/ws?agent_id=" + r.URL.Query().Get("agent_id")
		_ = json.NewEncoder(w).Encode(map[string]string{"signed_url": wsURL})
	})
	mux.HandleFunc("/v1/convai/conversations/conv-1", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{
			"status": "done",
			"transcript": [{"role":"agent","message":"Hello"},{"role":"user","message":"Hi"}],
			"metadata": {"call_duration_secs": 61},
			"analysis": {"transcript_summary": " Patient is doing well. "}
		}`))
	})
	mux.HandleFunc("/ws", f.serveConversation)
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeConvai) serveConversation(w http.ResponseWriter, r *http.Request) {
	up := websocket.Upgrader{}
	conn, err := up.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	var init map[string]any
	if err := conn.ReadJSON(&init); err != nil {
		return
	}
	f.initiation <- init

	send := func(v any) { _ = conn.WriteJSON(v) }
	send(map[string]any{"type": "conversation_initiation_metadata", "conversation_initiation_metadata_event": map[string]any{"conversation_id": "conv-1"}})
	send(map[string]any{"type": "ping", "ping_event": map[string]any{"event_id": 7}})
	send(map[string]any{"type": "user_transcript", "user_transcription_event": map[string]any{"user_transcript": "I feel dizzy"}})
	send(map[string]any{"type": "agent_response", "agent_response_event": map[string]any{"agent_response": "Let me check your battery."}})
	send(map[string]any{"type": "client_tool_call", "client_tool_call": map[string]any{
		"tool_name": "get_battery_level", "tool_call_id": "call-1", "parameters": map[string]any{},
	}})

	for {
		var msg map[string]any
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		f.clientMsgs <- msg
		if msg["type"] == "client_tool_result" {
			break
		}
	}
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))
	time.Sleep(50 * time.Millisecond)
}

func newTestElevenLabs(f *fakeConvai) *ElevenLabsProvider {
	return NewElevenLabsProvider(ElevenLabsConfig{
		APIKey:  "test-key",
		BaseURL: f.srv.URL,
		Prompt:  "You are a caring nurse.",
		Backoff: reliability.Backoff{Base: time.Millisecond, Cap: 5 * time.Millisecond},
	}, zerolog.Nop(), nil)
}

type batteryTable struct{}

func (batteryTable) Specs() []tools.Spec {
	return []tools.Spec{{Name: "get_battery_level"}}
}

func (batteryTable) Dispatch(_ context.Context, call tools.Call) tools.Result {
	return tools.Result{CallID: call.ID, Name: call.Name, Output: "72%"}
}

func TestElevenLabsCreateAgentRetriesRetryableStatus(t *testing.T) {
	f := newFakeConvai(t)
	p := newTestElevenLabs(f)

	h, err := p.CreateAgent(context.Background(), AgentConfig{Name: "care", Tools: batteryTable{}.Specs()})
	if err != nil {
		t.Fatalf("CreateAgent() error = %v", err)
	}
	if h.ID != "agent-123" || h.Provider != "elevenlabs" {
		t.Fatalf("handle = %+v, want agent-123/elevenlabs", h)
	}
	if got := f.createHits.Load(); got != 2 {
		t.Fatalf("create hits = %d, want 2", got)
	}
}

func TestElevenLabsConfiguredAgentSkipsCreate(t *testing.T) {
	f := newFakeConvai(t)
	p := NewElevenLabsProvider(ElevenLabsConfig{BaseURL: f.srv.URL, AgentID: "fixed"}, zerolog.Nop(), nil)
	h, err := p.CreateAgent(context.Background(), AgentConfig{})
	if err != nil || h.ID != "fixed" {
		t.Fatalf("CreateAgent() = %+v, %v; want fixed", h, err)
	}
	if f.createHits.Load() != 0 {
		t.Fatalf("create endpoint called for configured agent")
	}
}

func TestElevenLabsConversationStream(t *testing.T) {
	f := newFakeConvai(t)
	p := newTestElevenLabs(f)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	payload := visitcontext.Payload{
		PatientID:       "p-1",
		PreviousSummary: "Reported headaches.",
		Metadata:        map[string]string{"platform": "ios"},
	}
	id, events, err := p.StartSession(ctx, AgentHandle{ID: "agent-123", Provider: "elevenlabs"}, payload, batteryTable{})
	if err != nil {
		t.Fatalf("StartSession() error = %v", err)
	}
	if id != "conv-1" {
		t.Fatalf("session id = %q, want conv-1", id)
	}

	init := <-f.initiation
	vars, _ := init["dynamic_variables"].(map[string]any)
	if init["type"] != "conversation_initiation_client_data" || vars["previous_summary"] != "Reported headaches." || vars["platform"] != "ios" {
		t.Fatalf("initiation = %v, want context in dynamic variables", init)
	}
	if !strings.Contains(toJSON(init["conversation_config_override"]), "Reported headaches.") {
		t.Fatalf("prompt override missing previous summary: %v", init["conversation_config_override"])
	}

	var got []Event
	for ev := range events {
		got = append(got, ev)
	}
	types := make([]EventType, 0, len(got))
	for _, ev := range got {
		types = append(types, ev.Type)
	}
	want := []EventType{EventUserTranscript, EventAgentResponse, EventToolCall, EventEnded}
	if len(types) != len(want) {
		t.Fatalf("event types = %v, want %v", types, want)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("event types = %v, want %v", types, want)
		}
	}
	if got[0].Text != "I feel dizzy" || got[2].Tool == nil || got[2].Tool.Output != "72%" {
		t.Fatalf("events = %+v, want transcript and tool result", got)
	}

	var sawPong, sawResult bool
	for len(f.clientMsgs) > 0 {
		msg := <-f.clientMsgs
		switch msg["type"] {
		case "pong":
			sawPong = msg["event_id"] == float64(7)
		case "client_tool_result":
			sawResult = msg["tool_call_id"] == "call-1" && msg["result"] == "72%" && msg["is_error"] == false
		}
	}
	if !sawPong || !sawResult {
		t.Fatalf("pong = %v tool result = %v, want both", sawPong, sawResult)
	}
}

func TestElevenLabsGetStatus(t *testing.T) {
	f := newFakeConvai(t)
	p := newTestElevenLabs(f)
	st, err := p.GetStatus(context.Background(), "conv-1")
	if err != nil {
		t.Fatalf("GetStatus() error = %v", err)
	}
	if st.State != StatusDone || st.DurationSeconds != 61 || st.Summary != "Patient is doing well." {
		t.Fatalf("GetStatus() = %+v", st)
	}
	if len(st.Transcript) != 2 || st.Transcript[0].Role != "assistant" {
		t.Fatalf("transcript = %+v, want agent mapped to assistant", st.Transcript)
	}
}

func TestElevenLabsGetStatusDoesNotRetryNotFound(t *testing.T) {
	f := newFakeConvai(t)
	p := newTestElevenLabs(f)
	if _, err := p.GetStatus(context.Background(), "missing"); err == nil {
		t.Fatalf("GetStatus(missing) error = nil, want 404 error")
	}
}

func toJSON(v any) string {
	b, _ := json.Marshal(v)
	return string(b)
}
