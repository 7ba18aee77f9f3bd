package voice

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ent0n29/carevoice/internal/device"
	"github.com/ent0n29/carevoice/internal/tools"
	"github.com/ent0n29/carevoice/internal/visitcontext"
)

func nextEvent(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		if !ok {
			t.Fatalf("event channel closed")
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for event")
	}
	return Event{}
}

func TestMockProviderConversation(t *testing.T) {
	ctx := context.Background()
	host := device.NewSimulatedHost(0.5, 0.5)
	d := tools.NewDispatcher(time.Second, zerolog.Nop(), nil)
	if err := tools.RegisterDeviceTools(d, host, tools.DeviceToolNames, time.Millisecond); err != nil {
		t.Fatalf("RegisterDeviceTools() error = %v", err)
	}

	p := NewMockProvider()
	agent, err := p.CreateAgent(ctx, AgentConfig{Name: "care"})
	if err != nil {
		t.Fatalf("CreateAgent() error = %v", err)
	}
	payload := visitcontext.Payload{PatientID: "p-1", PreviousSummary: "Knee pain.", Metadata: map[string]string{}}
	id, events, err := p.StartSession(ctx, agent, payload, d)
	if err != nil {
		t.Fatalf("StartSession() error = %v", err)
	}

	greeting := nextEvent(t, events)
	if greeting.Type != EventAgentResponse || greeting.Text == "" {
		t.Fatalf("greeting = %+v, want agent response", greeting)
	}

	if err := p.SendUserText(ctx, id, "What is my battery level?"); err != nil {
		t.Fatalf("SendUserText() error = %v", err)
	}
	if ev := nextEvent(t, events); ev.Type != EventUserTranscript {
		t.Fatalf("event = %+v, want user transcript", ev)
	}
	tool := nextEvent(t, events)
	if tool.Type != EventToolCall || tool.Tool == nil || tool.Tool.Output != "50%" {
		t.Fatalf("event = %+v, want battery tool call", tool)
	}
	if ev := nextEvent(t, events); ev.Type != EventAgentResponse {
		t.Fatalf("event = %+v, want agent reply", ev)
	}

	st, err := p.GetStatus(ctx, id)
	if err != nil || st.State != StatusInProgress {
		t.Fatalf("GetStatus() = %+v, %v; want in progress", st, err)
	}

	p.Hangup(id)
	if ev := nextEvent(t, events); ev.Type != EventEnded {
		t.Fatalf("event = %+v, want ended", ev)
	}
	if _, ok := <-events; ok {
		t.Fatalf("events still open after hangup")
	}
	st, _ = p.GetStatus(ctx, id)
	if st.State != StatusDone || st.Summary == "" {
		t.Fatalf("GetStatus() after hangup = %+v, want done with summary", st)
	}
}

func TestToolForParsesBrightness(t *testing.T) {
	name, args := toolFor("set brightness to 40%")
	if name != tools.ToolChangeBrightness {
		t.Fatalf("tool = %q, want change_brightness", name)
	}
	if got, _ := args.Float("brightness"); got != 0.4 {
		t.Fatalf("brightness = %v, want 0.4", got)
	}
	if name, _ := toolFor("I slept fine"); name != "" {
		t.Fatalf("tool = %q, want none", name)
	}
}
