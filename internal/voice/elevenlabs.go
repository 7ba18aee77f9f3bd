package voice

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/ent0n29/carevoice/internal/observability"
	"github.com/ent0n29/carevoice/internal/reliability"
	"github.com/ent0n29/carevoice/internal/tools"
	"github.com/ent0n29/carevoice/internal/visitcontext"
)

const elevenLabsName = "elevenlabs"

type ElevenLabsConfig struct {
	APIKey    string
	BaseURL   string
	WSBaseURL string
	// AgentID skips agent creation when set.
	AgentID string
	// Prompt is the base system prompt; when set, each session overrides it
	// with the visit context appended.
	Prompt      string
	HTTPClient  *http.Client
	MaxAttempts int
	Backoff     reliability.Backoff
}

// ElevenLabsProvider drives ElevenLabs conversational agents: REST for agent
// management and conversation status, a websocket per live conversation.
type ElevenLabsProvider struct {
	cfg     ElevenLabsConfig
	logger  zerolog.Logger
	metrics *observability.Metrics

	mu       sync.Mutex
	sessions map[string]*convaiStream
}

func NewElevenLabsProvider(cfg ElevenLabsConfig, logger zerolog.Logger, metrics *observability.Metrics) *ElevenLabsProvider {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = "https://api.elevenlabs.io"
	}
	if strings.TrimSpace(cfg.WSBaseURL) == "" {
		cfg.WSBaseURL = "wss://api.elevenlabs.io"
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 15 * time.Second}
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.Backoff.Base <= 0 {
		cfg.Backoff = reliability.Backoff{Base: 200 * time.Millisecond, Cap: 2 * time.Second}
	}
	return &ElevenLabsProvider{
		cfg:      cfg,
		logger:   logger,
		metrics:  metrics,
		sessions: make(map[string]*convaiStream),
	}
}

func (p *ElevenLabsProvider) Name() string { return elevenLabsName }

type apiError struct {
	Status int
	Body   string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("elevenlabs api status %d: %s", e.Status, e.Body)
}

// do issues one REST call, retrying transport errors and retryable statuses.
func (p *ElevenLabsProvider) do(ctx context.Context, method, path string, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return err
		}
	}

	var lastErr error
	for attempt := 0; attempt < p.cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			if err := p.cfg.Backoff.Wait(ctx, attempt-1); err != nil {
				return fmt.Errorf("%w (last error: %v)", err, lastErr)
			}
		}
		lastErr = p.doOnce(ctx, method, path, payload, out)
		if lastErr == nil {
			return nil
		}
		var apiErr *apiError
		if errors.As(lastErr, &apiErr) && !reliability.IsRetryableHTTPStatus(apiErr.Status) {
			break
		}
		if ctx.Err() != nil {
			break
		}
	}
	code := "transport"
	var apiErr *apiError
	if errors.As(lastErr, &apiErr) {
		code = strconv.Itoa(apiErr.Status)
	}
	p.metrics.ObserveProviderError(elevenLabsName, code)
	return lastErr
}

func (p *ElevenLabsProvider) doOnce(ctx context.Context, method, path string, payload []byte, out any) error {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(p.cfg.BaseURL, "/")+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("xi-api-key", p.cfg.APIKey)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := p.cfg.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("elevenlabs request %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("read elevenlabs response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &apiError{Status: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode elevenlabs response: %w", err)
	}
	return nil
}

func clientToolSchema(spec tools.Spec) map[string]any {
	props := make(map[string]any, len(spec.Parameters))
	required := make([]string, 0, len(spec.Parameters))
	for _, prm := range spec.Parameters {
		props[prm.Name] = map[string]any{"type": prm.Type, "description": prm.Description}
		if prm.Required {
			required = append(required, prm.Name)
		}
	}
	return map[string]any{
		"type":             "client",
		"name":             spec.Name,
		"description":      spec.Description,
		"expects_response": true,
		"parameters": map[string]any{
			"type":       "object",
			"properties": props,
			"required":   required,
		},
	}
}

func (p *ElevenLabsProvider) CreateAgent(ctx context.Context, cfg AgentConfig) (AgentHandle, error) {
	if id := strings.TrimSpace(p.cfg.AgentID); id != "" {
		return AgentHandle{ID: id, Provider: elevenLabsName}, nil
	}

	agentTools := make([]map[string]any, 0, len(cfg.Tools))
	for _, spec := range cfg.Tools {
		agentTools = append(agentTools, clientToolSchema(spec))
	}
	language := cfg.Language
	if language == "" {
		language = "en"
	}
	body := map[string]any{
		"name": cfg.Name,
		"conversation_config": map[string]any{
			"agent": map[string]any{
				"first_message": cfg.FirstMessage,
				"language":      language,
				"prompt": map[string]any{
					"prompt": cfg.Prompt,
					"tools":  agentTools,
				},
			},
		},
		"platform_settings": map[string]any{
			"overrides": map[string]any{
				"conversation_config_override": map[string]any{
					"agent": map[string]any{"prompt": map[string]any{"prompt": true}},
				},
			},
		},
	}

	var out struct {
		AgentID string `json:"agent_id"`
	}
	if err := p.do(ctx, http.MethodPost, "/v1/convai/agents/create", body, &out); err != nil {
		return AgentHandle{}, fmt.Errorf("create agent: %w", err)
	}
	if out.AgentID == "" {
		return AgentHandle{}, errors.New("create agent: empty agent_id in response")
	}
	p.logger.Info().Str("agent_id", out.AgentID).Int("tools", len(agentTools)).Msg("created conversational agent")
	return AgentHandle{ID: out.AgentID, Provider: elevenLabsName}, nil
}

// conversationURL asks for a signed URL when an API key is configured and
// falls back to the public agent endpoint.
func (p *ElevenLabsProvider) conversationURL(ctx context.Context, agentID string) (string, error) {
	if strings.TrimSpace(p.cfg.APIKey) != "" {
		var out struct {
			SignedURL string `json:"signed_url"`
		}
		err := p.do(ctx, http.MethodGet, "/v1/convai/conversation/get-signed-url?agent_id="+url.QueryEscape(agentID), nil, &out)
		if err == nil && out.SignedURL != "" {
			return out.SignedURL, nil
		}
		if err != nil {
			p.logger.Debug().Err(err).Msg("signed url unavailable, using public endpoint")
		}
	}
	u, err := url.Parse(strings.TrimRight(p.cfg.WSBaseURL, "/") + "/v1/convai/conversation")
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("agent_id", agentID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func initiationMessage(payload visitcontext.Payload, basePrompt string) map[string]any {
	vars := make(map[string]any, len(payload.Metadata)+3)
	for k, v := range payload.Metadata {
		vars[k] = v
	}
	vars["patient_id"] = payload.PatientID
	vars["previous_summary"] = payload.PreviousSummary
	vars["first_conversation"] = payload.FirstConversation

	msg := map[string]any{
		"type":              "conversation_initiation_client_data",
		"dynamic_variables": vars,
	}
	if strings.TrimSpace(basePrompt) != "" {
		prompt := basePrompt + "\n\nContext from the previous visit: " + payload.PreviousSummary
		msg["conversation_config_override"] = map[string]any{
			"agent": map[string]any{"prompt": map[string]any{"prompt": prompt}},
		}
	}
	return msg
}

func (p *ElevenLabsProvider) StartSession(ctx context.Context, agent AgentHandle, payload visitcontext.Payload, table ToolTable) (string, <-chan Event, error) {
	if agent.IsZero() {
		return "", nil, errors.New("start session: agent handle is required")
	}
	wsURL, err := p.conversationURL(ctx, agent.ID)
	if err != nil {
		return "", nil, fmt.Errorf("start session: %w", err)
	}

	headers := http.Header{}
	if p.cfg.APIKey != "" {
		headers.Set("xi-api-key", p.cfg.APIKey)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, headers)
	if err != nil {
		p.metrics.ObserveProviderError(elevenLabsName, "dial")
		return "", nil, fmt.Errorf("dial conversation websocket: %w", err)
	}

	s := &convaiStream{
		conn:   conn,
		table:  table,
		events: make(chan Event, 256),
		done:   make(chan struct{}),
		logger: p.logger,
	}
	if err := s.writeJSON(initiationMessage(payload, p.cfg.Prompt)); err != nil {
		_ = conn.Close()
		return "", nil, fmt.Errorf("send conversation initiation: %w", err)
	}

	conversationID, err := s.awaitMetadata(ctx)
	if err != nil {
		_ = conn.Close()
		p.metrics.ObserveProviderError(elevenLabsName, "handshake")
		return "", nil, err
	}
	s.id = conversationID

	p.mu.Lock()
	p.sessions[conversationID] = s
	p.mu.Unlock()

	go func() {
		s.readLoop()
		p.mu.Lock()
		delete(p.sessions, conversationID)
		p.mu.Unlock()
	}()
	p.logger.Info().Str("conversation_id", conversationID).Str("agent_id", agent.ID).Msg("conversation started")
	return conversationID, s.events, nil
}

func (p *ElevenLabsProvider) EndSession(_ context.Context, sessionID string) error {
	p.mu.Lock()
	s, ok := p.sessions[sessionID]
	p.mu.Unlock()
	if !ok {
		return ErrUnknownSession
	}
	return s.Close()
}

func (p *ElevenLabsProvider) SendUserText(_ context.Context, sessionID, text string) error {
	p.mu.Lock()
	s, ok := p.sessions[sessionID]
	p.mu.Unlock()
	if !ok {
		return ErrUnknownSession
	}
	return s.writeJSON(map[string]any{"type": "user_message", "text": text})
}

type conversationDetail struct {
	Status     string `json:"status"`
	Transcript []struct {
		Role    string `json:"role"`
		Message string `json:"message"`
	} `json:"transcript"`
	Metadata struct {
		CallDurationSecs int `json:"call_duration_secs"`
	} `json:"metadata"`
	Analysis *struct {
		TranscriptSummary string `json:"transcript_summary"`
	} `json:"analysis"`
}

func (p *ElevenLabsProvider) GetStatus(ctx context.Context, sessionID string) (Status, error) {
	var out conversationDetail
	if err := p.do(ctx, http.MethodGet, "/v1/convai/conversations/"+url.PathEscape(sessionID), nil, &out); err != nil {
		return Status{}, fmt.Errorf("get conversation status: %w", err)
	}

	st := Status{DurationSeconds: out.Metadata.CallDurationSecs}
	switch strings.ReplaceAll(strings.ToLower(out.Status), "-", "_") {
	case "done":
		st.State = StatusDone
	case "failed":
		st.State = StatusFailed
	case "processing":
		st.State = StatusProcessing
	default:
		st.State = StatusInProgress
	}
	for _, turn := range out.Transcript {
		role := turn.Role
		if role == "agent" {
			role = "assistant"
		}
		st.Transcript = append(st.Transcript, StatusTurn{Role: role, Message: turn.Message})
	}
	if out.Analysis != nil {
		st.Summary = strings.TrimSpace(out.Analysis.TranscriptSummary)
	}
	return st, nil
}

type convaiStream struct {
	id     string
	conn   *websocket.Conn
	table  ToolTable
	logger zerolog.Logger

	writeMu   sync.Mutex
	closeOnce sync.Once
	events    chan Event
	done      chan struct{}
	wg        sync.WaitGroup
}

type serverMessage struct {
	Type string `json:"type"`

	ConversationInitiationMetadataEvent *struct {
		ConversationID string `json:"conversation_id"`
	} `json:"conversation_initiation_metadata_event"`
	UserTranscriptionEvent *struct {
		UserTranscript string `json:"user_transcript"`
	} `json:"user_transcription_event"`
	AgentResponseEvent *struct {
		AgentResponse string `json:"agent_response"`
	} `json:"agent_response_event"`
	ClientToolCall *struct {
		ToolName   string         `json:"tool_name"`
		ToolCallID string         `json:"tool_call_id"`
		Parameters map[string]any `json:"parameters"`
	} `json:"client_tool_call"`
	PingEvent *struct {
		EventID int64 `json:"event_id"`
	} `json:"ping_event"`
	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (s *convaiStream) writeJSON(v any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return s.conn.WriteJSON(v)
}

func (s *convaiStream) awaitMetadata(ctx context.Context) (string, error) {
	if deadline, ok := ctx.Deadline(); ok {
		_ = s.conn.SetReadDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() { _ = s.conn.SetReadDeadline(time.Now()) })
	defer stop()

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return "", fmt.Errorf("conversation handshake: %w", ctx.Err())
			}
			return "", fmt.Errorf("conversation handshake: %w", err)
		}
		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		switch msg.Type {
		case "conversation_initiation_metadata":
			if msg.ConversationInitiationMetadataEvent == nil || msg.ConversationInitiationMetadataEvent.ConversationID == "" {
				return "", errors.New("conversation handshake: missing conversation_id")
			}
			_ = s.conn.SetReadDeadline(time.Time{})
			return msg.ConversationInitiationMetadataEvent.ConversationID, nil
		case "ping":
			s.pong(msg)
		case "error":
			return "", fmt.Errorf("conversation handshake rejected: %s", errorDetail(msg))
		}
	}
}

func errorDetail(msg serverMessage) string {
	if msg.Error == nil {
		return "unknown error"
	}
	if msg.Error.Message != "" {
		return msg.Error.Message
	}
	return msg.Error.Code
}

func (s *convaiStream) pong(msg serverMessage) {
	if msg.PingEvent == nil {
		return
	}
	_ = s.writeJSON(map[string]any{"type": "pong", "event_id": msg.PingEvent.EventID})
}

func (s *convaiStream) emit(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	select {
	case s.events <- ev:
	case <-s.done:
	}
}

func (s *convaiStream) readLoop() {
	defer func() {
		s.markDone()
		s.wg.Wait()
		select {
		case s.events <- Event{Type: EventEnded, At: time.Now().UTC()}:
		default:
		}
		close(s.events)
	}()

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) && !s.isDone() {
				s.logger.Debug().Err(err).Str("conversation_id", s.id).Msg("conversation stream closed")
			}
			return
		}
		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		switch msg.Type {
		case "user_transcript":
			if msg.UserTranscriptionEvent != nil {
				s.emit(Event{Type: EventUserTranscript, Text: msg.UserTranscriptionEvent.UserTranscript})
			}
		case "agent_response":
			if msg.AgentResponseEvent != nil {
				s.emit(Event{Type: EventAgentResponse, Text: msg.AgentResponseEvent.AgentResponse})
			}
		case "client_tool_call":
			if msg.ClientToolCall != nil {
				call := tools.Call{
					ID:   msg.ClientToolCall.ToolCallID,
					Name: msg.ClientToolCall.ToolName,
					Args: tools.Args(msg.ClientToolCall.Parameters),
				}
				s.wg.Add(1)
				go s.handleToolCall(call)
			}
		case "ping":
			s.pong(msg)
		case "error":
			code := ""
			if msg.Error != nil {
				code = msg.Error.Code
			}
			s.emit(Event{
				Type:   EventError,
				Code:   code,
				Detail: errorDetail(msg),
				Fatal:  !reliability.IsRetryableStreamError(code),
			})
		}
	}
}

func (s *convaiStream) handleToolCall(call tools.Call) {
	defer s.wg.Done()
	var res tools.Result
	if s.table == nil {
		res = tools.Result{CallID: call.ID, Name: call.Name, Output: "no tools available", IsError: true}
	} else {
		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			select {
			case <-s.done:
				cancel()
			case <-ctx.Done():
			}
		}()
		res = s.table.Dispatch(ctx, call)
		cancel()
	}
	s.emit(Event{Type: EventToolCall, Tool: &res})
	if err := s.writeJSON(map[string]any{
		"type":         "client_tool_result",
		"tool_call_id": call.ID,
		"result":       res.Output,
		"is_error":     res.IsError,
	}); err != nil && !s.isDone() {
		s.logger.Warn().Err(err).Str("tool", call.Name).Msg("failed to return tool result")
	}
}

func (s *convaiStream) markDone() {
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.conn.Close()
	})
}

func (s *convaiStream) isDone() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Close sends a normal close frame and tears the stream down.
func (s *convaiStream) Close() error {
	if s.isDone() {
		return nil
	}
	s.writeMu.Lock()
	_ = s.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session ended"),
		time.Now().Add(time.Second),
	)
	s.writeMu.Unlock()
	s.markDone()
	return nil
}
