package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ent0n29/carevoice/internal/conversation"
	"github.com/ent0n29/carevoice/internal/device"
	"github.com/ent0n29/carevoice/internal/memory"
	"github.com/ent0n29/carevoice/internal/observability"
	"github.com/ent0n29/carevoice/internal/transcript"
	"github.com/ent0n29/carevoice/internal/visitcontext"
	"github.com/ent0n29/carevoice/internal/voice"
)

// ContextBuilder supplies prior-visit context. It must not block past its
// own bound and never fails.
type ContextBuilder interface {
	Build(ctx context.Context, patientID string) visitcontext.Payload
}

type Persister interface {
	Persist(ctx context.Context, req conversation.PersistRequest) (memory.ConversationRecord, error)
	Enrich(ctx context.Context, recordID string, analysis conversation.AnalysisFunc) error
}

type Deps struct {
	Provider  voice.Provider
	Context   ContextBuilder
	Tools     voice.ToolTable
	Persister Persister
	Audio     device.AudioCapture
	Agent     voice.AgentConfig
	Logger    zerolog.Logger
	Metrics   *observability.Metrics
}

type Options struct {
	PermissionTimeout time.Duration
	ConnectTimeout    time.Duration
	EndGrace          time.Duration
	PersistTimeout    time.Duration
	TickInterval      time.Duration
	PollInterval      time.Duration
	// EnrichSummary asks the provider for its post-call analysis after the
	// record is written.
	EnrichSummary bool
}

func (o Options) withDefaults() Options {
	if o.PermissionTimeout <= 0 {
		o.PermissionTimeout = 3 * time.Second
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 10 * time.Second
	}
	if o.EndGrace <= 0 {
		o.EndGrace = 3 * time.Second
	}
	if o.PersistTimeout <= 0 {
		o.PersistTimeout = 5 * time.Second
	}
	if o.TickInterval <= 0 {
		o.TickInterval = time.Second
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 4 * time.Second
	}
	return o
}

// Manager runs the session state machine for one client. Every transition
// happens on the loop goroutine; public methods and background work post
// closures to it.
type Manager struct {
	clientID string
	deps     Deps
	opts     Options
	logger   zerolog.Logger
	store    *transcript.Store

	cmds chan func()
	done chan struct{}

	mu        sync.RWMutex
	snap      Snapshot
	observers map[uint64]chan Snapshot
	nextObs   uint64
	lastUsed  time.Time

	// Owned by the loop goroutine.
	state        State
	gen          uint64
	flowCancel   context.CancelFunc
	pendingStart chan error
	endWaiters   []chan error
	agent        voice.AgentHandle
	patientID    string
	sessionID    string
	events       <-chan voice.Event
	startedAt    time.Time
	elapsed      int
	lastError    string
	lastRecordID string
	audioHeld    bool
	ticker       *time.Ticker
	tickC        <-chan time.Time
	poller       *time.Ticker
	pollC        <-chan time.Time
	pollInFlight bool
	stopped      bool
}

func NewManager(clientID string, deps Deps, opts Options) *Manager {
	m := &Manager{
		clientID:  clientID,
		deps:      deps,
		opts:      opts.withDefaults(),
		logger:    deps.Logger.With().Str("client_id", clientID).Logger(),
		store:     transcript.NewStore(),
		cmds:      make(chan func()),
		done:      make(chan struct{}),
		observers: make(map[uint64]chan Snapshot),
		lastUsed:  time.Now(),
		state:     StateIdle,
	}
	m.snap = m.buildSnapshot()
	go m.loop()
	return m
}

func (m *Manager) ClientID() string { return m.clientID }

// Transcript is the read-only view of the current session's turns.
func (m *Manager) Transcript() transcript.Reader { return m.store }

func (m *Manager) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snap
}

func (m *Manager) State() State { return m.Snapshot().State }

// Subscribe streams snapshots. Slow readers only see the latest one.
func (m *Manager) Subscribe() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, 1)
	m.mu.Lock()
	m.nextObs++
	id := m.nextObs
	ch <- m.snap
	select {
	case <-m.done:
		m.mu.Unlock()
		close(ch)
		return ch, func() {}
	default:
	}
	m.observers[id] = ch
	m.lastUsed = time.Now()
	m.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			if _, ok := m.observers[id]; ok {
				delete(m.observers, id)
				close(ch)
			}
			m.mu.Unlock()
		})
	}
}

// post runs fn on the loop. It reports false once the loop has exited.
func (m *Manager) post(fn func()) bool {
	select {
	case m.cmds <- fn:
		return true
	case <-m.done:
		return false
	}
}

func (m *Manager) await(ctx context.Context, reply <-chan error) error {
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-m.done:
		select {
		case err := <-reply:
			return err
		default:
			return ErrClosed
		}
	}
}

// Start runs the start flow and returns once the session is active or the
// flow has failed or been cancelled. The flow itself is not bound to ctx.
func (m *Manager) Start(ctx context.Context, patientID string) error {
	patientID = strings.TrimSpace(patientID)
	if patientID == "" {
		return errors.New("patient id is required")
	}
	reply := make(chan error, 1)
	if !m.post(func() { m.handleStart(ctx, patientID, reply) }) {
		return ErrClosed
	}
	return m.await(ctx, reply)
}

// End finalizes the current session and returns after the record has been
// handed to the persister.
func (m *Manager) End(ctx context.Context) error {
	reply := make(chan error, 1)
	if !m.post(func() { m.handleEnd(reply, false) }) {
		return ErrClosed
	}
	return m.await(ctx, reply)
}

func (m *Manager) Dismiss() error {
	reply := make(chan error, 1)
	if !m.post(func() {
		if m.state != StateError {
			reply <- ErrNotDismissable
			return
		}
		m.lastError = ""
		m.transition(StateIdle)
		reply <- nil
	}) {
		return ErrClosed
	}
	return <-reply
}

// SendText forwards a typed user turn to the live conversation.
func (m *Manager) SendText(ctx context.Context, text string) error {
	snap := m.Snapshot()
	if snap.State != StateActive {
		return ErrNotActive
	}
	in, ok := m.deps.Provider.(voice.TextInput)
	if !ok {
		return ErrTextUnsupported
	}
	m.touch()
	return in.SendUserText(ctx, snap.SessionID, text)
}

// Close ends any session in progress and stops the loop.
func (m *Manager) Close(ctx context.Context) error {
	reply := make(chan error, 1)
	if m.post(func() { m.handleEnd(reply, true) }) {
		if err := m.await(ctx, reply); err != nil && !errors.Is(err, ErrNotActive) && !errors.Is(err, ErrClosed) {
			m.logger.Warn().Err(err).Msg("session not finalized before close")
		}
	}
	m.post(func() { m.stopped = true })
	select {
	case <-m.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IdleSince reports when the manager was last used, and false while it holds
// a session or has observers.
func (m *Manager) IdleSince() (time.Time, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.observers) > 0 {
		return time.Time{}, false
	}
	if m.snap.State != StateIdle && m.snap.State != StateError {
		return time.Time{}, false
	}
	return m.lastUsed, true
}

func (m *Manager) touch() {
	m.mu.Lock()
	m.lastUsed = time.Now()
	m.mu.Unlock()
}

func (m *Manager) loop() {
	defer func() {
		m.stopTimers()
		m.mu.Lock()
		for id, ch := range m.observers {
			close(ch)
			delete(m.observers, id)
		}
		m.mu.Unlock()
		close(m.done)
	}()

	for !m.stopped {
		select {
		case fn := <-m.cmds:
			fn()
		case ev, ok := <-m.events:
			m.handleEvent(ev, ok)
		case <-m.tickC:
			m.elapsed++
			m.publish()
		case <-m.pollC:
			m.startPoll()
		}
	}
}

func (m *Manager) transition(to State) {
	from := m.state
	if from == to {
		m.publish()
		return
	}
	m.state = to
	m.deps.Metrics.ObserveTransition(string(from), string(to))
	ev := m.logger.Info()
	if to == StateError {
		ev = m.logger.Warn().Str("error", m.lastError)
	}
	ev.Str("from", string(from)).Str("to", string(to)).Str("session_id", m.sessionID).Msg("session state changed")
	m.publish()
}

func (m *Manager) buildSnapshot() Snapshot {
	s := Snapshot{
		State:          m.state,
		ClientID:       m.clientID,
		PatientID:      m.patientID,
		SessionID:      m.sessionID,
		AgentID:        m.agent.ID,
		ElapsedSeconds: m.elapsed,
		LastError:      m.lastError,
		LastRecordID:   m.lastRecordID,
		Messages:       m.store.Len(),
		UpdatedAt:      time.Now().UTC(),
	}
	if !m.startedAt.IsZero() {
		t := m.startedAt
		s.StartedAt = &t
	}
	return s
}

func (m *Manager) publish() {
	snap := m.buildSnapshot()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snap = snap
	for _, ch := range m.observers {
		select {
		case <-ch:
		default:
		}
		ch <- snap
	}
}

func (m *Manager) handleStart(ctx context.Context, patientID string, reply chan error) {
	if m.state != StateIdle && m.state != StateError {
		reply <- ErrAlreadyActive
		return
	}
	m.touch()
	m.store.Clear()
	m.gen++
	m.patientID = patientID
	m.sessionID = ""
	m.startedAt = time.Time{}
	m.elapsed = 0
	m.lastError = ""
	m.pendingStart = reply

	flowCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	m.flowCancel = cancel
	m.transition(StateCreating)
	go m.runStart(flowCtx, m.gen, patientID, m.agent)
}

// runStart performs the suspending steps of a start off the loop and posts
// each outcome back tagged with gen.
func (m *Manager) runStart(ctx context.Context, gen uint64, patientID string, agent voice.AgentHandle) {
	begin := time.Now()
	metrics := m.deps.Metrics

	if m.deps.Audio != nil {
		step := time.Now()
		pctx, cancel := context.WithTimeout(ctx, m.opts.PermissionTimeout)
		err := m.deps.Audio.Acquire(pctx)
		cancel()
		metrics.ObserveStage(observability.StagePermission, time.Since(step))
		if err != nil {
			m.post(func() { m.onStartFailed(gen, fmt.Errorf("%w: %v", ErrPermissionDenied, err)) })
			return
		}
		if !m.post(func() { m.onAudioAcquired(gen) }) {
			m.deps.Audio.Release()
			return
		}
	}
	if ctx.Err() != nil {
		return
	}

	if agent.IsZero() {
		step := time.Now()
		cctx, cancel := context.WithTimeout(ctx, m.opts.ConnectTimeout)
		h, err := m.deps.Provider.CreateAgent(cctx, m.deps.Agent)
		cancel()
		metrics.ObserveStage(observability.StageAgentCreate, time.Since(step))
		if err != nil {
			m.post(func() { m.onStartFailed(gen, fmt.Errorf("%w: %v", ErrConnect, err)) })
			return
		}
		agent = h
	}
	if !m.post(func() { m.onAgentReady(gen, agent) }) || ctx.Err() != nil {
		return
	}

	step := time.Now()
	var payload visitcontext.Payload
	if m.deps.Context != nil {
		payload = m.deps.Context.Build(ctx, patientID)
	} else {
		payload = visitcontext.Payload{PatientID: patientID, PreviousSummary: visitcontext.FirstConversationSentinel, FirstConversation: true}
	}
	metrics.ObserveStage(observability.StageContextBuild, time.Since(step))
	if ctx.Err() != nil {
		return
	}

	step = time.Now()
	cctx, cancel := context.WithTimeout(ctx, m.opts.ConnectTimeout)
	sessionID, events, err := m.deps.Provider.StartSession(cctx, agent, payload, m.deps.Tools)
	cancel()
	metrics.ObserveStage(observability.StageConnect, time.Since(step))
	if err != nil {
		m.post(func() { m.onStartFailed(gen, fmt.Errorf("%w: %v", ErrConnect, err)) })
		return
	}
	if !m.post(func() { m.onConnected(gen, sessionID, events) }) {
		m.closeRemote(sessionID)
		return
	}
	metrics.ObserveStage(observability.StageStartTotal, time.Since(begin))
}

func (m *Manager) onAudioAcquired(gen uint64) {
	if gen != m.gen || m.state != StateCreating {
		m.deps.Audio.Release()
		return
	}
	m.audioHeld = true
}

func (m *Manager) onAgentReady(gen uint64, agent voice.AgentHandle) {
	if gen != m.gen || m.state != StateCreating {
		return
	}
	m.agent = agent
	m.transition(StateConnecting)
}

func (m *Manager) onConnected(gen uint64, sessionID string, events <-chan voice.Event) {
	if gen != m.gen || m.state != StateConnecting {
		m.logger.Info().Str("session_id", sessionID).Msg("start completed after cancellation, closing remote session")
		go m.closeRemote(sessionID)
		return
	}
	m.flowCancel = nil
	m.sessionID = sessionID
	m.events = events
	m.startedAt = time.Now().UTC()
	m.elapsed = 0
	m.startTimers()
	m.transition(StateActive)
	m.replyStart(nil)
}

func (m *Manager) onStartFailed(gen uint64, err error) {
	if gen != m.gen {
		return
	}
	if m.state != StateCreating && m.state != StateConnecting {
		return
	}
	m.flowCancel = nil
	m.releaseAudio()
	m.lastError = err.Error()
	m.transition(StateError)
	m.replyStart(err)
}

func (m *Manager) replyStart(err error) {
	if m.pendingStart != nil {
		m.pendingStart <- err
		m.pendingStart = nil
	}
}

func (m *Manager) releaseAudio() {
	if m.audioHeld {
		m.deps.Audio.Release()
		m.audioHeld = false
	}
}

func (m *Manager) closeRemote(sessionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), m.opts.EndGrace)
	defer cancel()
	if err := m.deps.Provider.EndSession(ctx, sessionID); err != nil {
		m.logger.Debug().Err(err).Str("session_id", sessionID).Msg("remote end not acknowledged")
	}
}

func (m *Manager) startTimers() {
	m.stopTimers()
	m.ticker = time.NewTicker(m.opts.TickInterval)
	m.tickC = m.ticker.C
	m.poller = time.NewTicker(m.opts.PollInterval)
	m.pollC = m.poller.C
	m.pollInFlight = false
}

// stopTimers cancels both the duration and the poll ticker.
func (m *Manager) stopTimers() {
	if m.ticker != nil {
		m.ticker.Stop()
		m.ticker = nil
	}
	if m.poller != nil {
		m.poller.Stop()
		m.poller = nil
	}
	m.tickC = nil
	m.pollC = nil
}

func (m *Manager) handleEvent(ev voice.Event, ok bool) {
	if !ok {
		m.events = nil
		if m.state == StateActive {
			m.logger.Info().Str("session_id", m.sessionID).Msg("event stream closed by provider")
			m.beginEnding(nil, nil)
		}
		return
	}
	if m.state != StateActive {
		return
	}

	switch ev.Type {
	case voice.EventUserTranscript:
		if _, ok := m.store.Append(transcript.RoleUser, ev.Text); ok {
			m.publish()
		}
	case voice.EventAgentResponse:
		if _, ok := m.store.Append(transcript.RoleAssistant, ev.Text); ok {
			m.publish()
		}
	case voice.EventToolCall:
		if ev.Tool != nil {
			m.logger.Debug().Str("tool", ev.Tool.Name).Bool("is_error", ev.Tool.IsError).Msg("assistant tool call served")
		}
	case voice.EventEnded:
		m.beginEnding(nil, nil)
	case voice.EventError:
		m.deps.Metrics.ObserveProviderError(m.deps.Provider.Name(), ev.Code)
		if !ev.Fatal {
			m.logger.Warn().Str("code", ev.Code).Str("detail", ev.Detail).Msg("recoverable stream error")
			return
		}
		detail := ev.Detail
		if detail == "" {
			detail = ev.Code
		}
		m.beginEnding(fmt.Errorf("%w: %s", ErrConnect, detail), nil)
	}
}

func (m *Manager) startPoll() {
	if m.pollInFlight || m.state != StateActive {
		return
	}
	m.pollInFlight = true
	gen, sessionID := m.gen, m.sessionID
	timeout := m.opts.PollInterval
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		st, err := m.deps.Provider.GetStatus(ctx, sessionID)
		cancel()
		m.post(func() { m.onPoll(gen, st, err) })
	}()
}

func (m *Manager) onPoll(gen uint64, st voice.Status, err error) {
	if gen != m.gen {
		return
	}
	m.pollInFlight = false
	if m.state != StateActive {
		return
	}
	if err != nil {
		m.logger.Debug().Err(err).Msg("status poll failed")
		return
	}
	if st.State.Terminal() {
		m.logger.Info().Str("session_id", m.sessionID).Str("status", string(st.State)).Msg("remote conversation finished")
		m.beginEnding(nil, nil)
	}
}

func (m *Manager) handleEnd(reply chan error, join bool) {
	switch m.state {
	case StateCreating, StateConnecting, StateActive:
		m.beginEnding(nil, reply)
	case StateEnding:
		if join {
			m.endWaiters = append(m.endWaiters, reply)
			return
		}
		reply <- ErrNotActive
	default:
		reply <- ErrNotActive
	}
}

// beginEnding moves to ending and finalizes in the background. A non-nil
// failure leaves the machine in error once finalized.
func (m *Manager) beginEnding(failure error, reply chan error) {
	prev := m.state
	m.gen++
	if m.flowCancel != nil {
		m.flowCancel()
		m.flowCancel = nil
	}
	if prev != StateActive {
		m.replyStart(ErrStartCancelled)
	}
	m.stopTimers()
	m.events = nil
	if reply != nil {
		m.endWaiters = append(m.endWaiters, reply)
	}

	elapsed := 0
	if prev == StateActive {
		elapsed = m.elapsed
	}
	req := conversation.PersistRequest{
		PatientID:       m.patientID,
		SessionID:       m.sessionID,
		Messages:        m.store.Messages(),
		DurationSeconds: elapsed,
	}
	m.transition(StateEnding)

	gen := m.gen
	go m.finalize(gen, req, failure)
}

func (m *Manager) finalize(gen uint64, req conversation.PersistRequest, failure error) {
	if req.SessionID != "" {
		step := time.Now()
		m.closeRemote(req.SessionID)
		m.deps.Metrics.ObserveStage(observability.StageEndGrace, time.Since(step))
	}

	var rec memory.ConversationRecord
	if m.deps.Persister != nil {
		step := time.Now()
		ctx, cancel := context.WithTimeout(context.Background(), m.opts.PersistTimeout)
		var err error
		rec, err = m.deps.Persister.Persist(ctx, req)
		cancel()
		m.deps.Metrics.ObserveStage(observability.StagePersist, time.Since(step))
		if err != nil {
			m.logger.Error().Err(err).Str("session_id", req.SessionID).Msg("conversation history for this session is missing")
		} else if m.opts.EnrichSummary && req.SessionID != "" {
			go m.enrich(rec.ID, req.SessionID)
		}
	}

	if !m.post(func() { m.onFinalized(gen, rec.ID, failure) }) && m.deps.Audio != nil {
		m.deps.Audio.Release()
	}
}

func (m *Manager) enrich(recordID, sessionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	err := m.deps.Persister.Enrich(ctx, recordID, func(ctx context.Context) (string, error) {
		st, err := m.deps.Provider.GetStatus(ctx, sessionID)
		if err != nil {
			return "", err
		}
		if st.State == voice.StatusInProgress || st.State == voice.StatusProcessing {
			return "", conversation.ErrAnalysisPending
		}
		return st.Summary, nil
	})
	if err != nil {
		m.logger.Debug().Err(err).Str("record_id", recordID).Msg("provider summary unavailable")
	}
}

func (m *Manager) onFinalized(gen uint64, recordID string, failure error) {
	m.releaseAudio()
	if gen != m.gen || m.state != StateEnding {
		return
	}
	if recordID != "" {
		m.lastRecordID = recordID
	}
	if failure != nil {
		m.lastError = failure.Error()
		m.transition(StateError)
	} else {
		m.transition(StateIdle)
	}
	for _, w := range m.endWaiters {
		w <- nil
	}
	m.endWaiters = nil
}
