package voice

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ent0n29/carevoice/internal/tools"
	"github.com/ent0n29/carevoice/internal/visitcontext"
)

const mockName = "mock"

// MockProvider is an in-process scripted assistant used when ElevenLabs is
// not configured. Typed user turns get a canned reply; turns that mention a
// device capability trigger the matching tool first.
type MockProvider struct {
	mu       sync.Mutex
	sessions map[string]*mockSession
	agents   int

	// CreateErr and StartErr force failures, for failover tests.
	CreateErr error
	StartErr  error
}

type mockSession struct {
	id        string
	payload   visitcontext.Payload
	table     ToolTable
	events    chan Event
	started   time.Time
	ended     time.Time
	closed    bool
	userTurns []string
	turns     []StatusTurn
}

func NewMockProvider() *MockProvider {
	return &MockProvider{sessions: make(map[string]*mockSession)}
}

func (p *MockProvider) Name() string { return mockName }

func (p *MockProvider) CreateAgent(_ context.Context, cfg AgentConfig) (AgentHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.CreateErr != nil {
		return AgentHandle{}, p.CreateErr
	}
	p.agents++
	name := strings.TrimSpace(cfg.Name)
	if name == "" {
		name = "agent"
	}
	return AgentHandle{ID: fmt.Sprintf("mock-%s-%d", name, p.agents), Provider: mockName}, nil
}

func (p *MockProvider) StartSession(ctx context.Context, agent AgentHandle, payload visitcontext.Payload, table ToolTable) (string, <-chan Event, error) {
	if err := ctx.Err(); err != nil {
		return "", nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.StartErr != nil {
		return "", nil, p.StartErr
	}
	if agent.IsZero() {
		return "", nil, fmt.Errorf("start session: agent handle is required")
	}

	s := &mockSession{
		id:      "mock-conv-" + uuid.NewString(),
		payload: payload,
		table:   table,
		events:  make(chan Event, 64),
		started: time.Now().UTC(),
	}
	p.sessions[s.id] = s

	greeting := "Hi, how are you feeling today?"
	if !payload.FirstConversation {
		greeting = "Welcome back. Last time we talked about: " + payload.PreviousSummary + " How are you feeling today?"
	}
	s.say("agent", greeting)
	return s.id, s.events, nil
}

// SendUserText records a user turn and answers it.
func (p *MockProvider) SendUserText(ctx context.Context, sessionID, text string) error {
	p.mu.Lock()
	s, ok := p.sessions[sessionID]
	if !ok || s.closed {
		p.mu.Unlock()
		return ErrUnknownSession
	}
	text = strings.TrimSpace(text)
	if text == "" {
		p.mu.Unlock()
		return nil
	}
	s.say("user", text)
	s.userTurns = append(s.userTurns, text)
	table := s.table
	p.mu.Unlock()

	reply := "Thank you for sharing that. Is there anything else you would like to tell me?"
	if name, args := toolFor(text); name != "" && table != nil {
		res := table.Dispatch(ctx, tools.Call{ID: uuid.NewString(), Name: name, Args: args})
		p.mu.Lock()
		if !s.closed {
			s.emit(Event{Type: EventToolCall, Tool: &res})
		}
		p.mu.Unlock()
		if res.IsError {
			reply = "I wasn't able to do that: " + res.Output
		} else {
			reply = "Done. " + res.Output
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if s.closed {
		return nil
	}
	s.say("agent", reply)
	return nil
}

// Hangup ends the conversation from the remote side.
func (p *MockProvider) Hangup(sessionID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s, ok := p.sessions[sessionID]; ok && !s.closed {
		s.emit(Event{Type: EventEnded})
		s.close()
	}
}

func (p *MockProvider) EndSession(_ context.Context, sessionID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.sessions[sessionID]
	if !ok {
		return ErrUnknownSession
	}
	s.close()
	return nil
}

func (p *MockProvider) GetStatus(_ context.Context, sessionID string) (Status, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.sessions[sessionID]
	if !ok {
		return Status{}, ErrUnknownSession
	}
	st := Status{
		State:      StatusInProgress,
		Transcript: append([]StatusTurn(nil), s.turns...),
	}
	end := time.Now().UTC()
	if s.closed {
		st.State = StatusDone
		end = s.ended
		if len(s.userTurns) > 0 {
			st.Summary = "The patient reported: " + strings.Join(s.userTurns, " ")
		}
	}
	st.DurationSeconds = int(end.Sub(s.started).Seconds())
	return st, nil
}

func (s *mockSession) say(role, text string) {
	s.turns = append(s.turns, StatusTurn{Role: role, Message: text})
	typ := EventAgentResponse
	if role == "user" {
		typ = EventUserTranscript
	}
	s.emit(Event{Type: typ, Text: text})
}

// emit drops the event when the consumer has fallen behind.
func (s *mockSession) emit(ev Event) {
	if s.closed {
		return
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	select {
	case s.events <- ev:
	default:
	}
}

func (s *mockSession) close() {
	if s.closed {
		return
	}
	s.closed = true
	s.ended = time.Now().UTC()
	close(s.events)
}

func toolFor(text string) (string, tools.Args) {
	lower := strings.ToLower(text)
	switch {
	case strings.Contains(lower, "battery"):
		return tools.ToolBatteryLevel, nil
	case strings.Contains(lower, "flash"):
		return tools.ToolFlashScreen, nil
	case strings.Contains(lower, "brightness") || strings.Contains(lower, "brighter") || strings.Contains(lower, "dimmer"):
		level := 0.8
		if strings.Contains(lower, "dimmer") {
			level = 0.3
		}
		for _, field := range strings.Fields(lower) {
			if v, err := strconv.ParseFloat(strings.TrimSuffix(field, "%"), 64); err == nil {
				if strings.HasSuffix(field, "%") || v > 1 {
					v /= 100
				}
				level = v
				break
			}
		}
		return tools.ToolChangeBrightness, tools.Args{"brightness": level}
	default:
		return "", nil
	}
}
