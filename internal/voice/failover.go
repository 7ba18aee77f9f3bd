package voice

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/ent0n29/carevoice/internal/visitcontext"
)

// FailoverProvider prefers the primary backend and switches to the fallback
// when agent creation or session startup fails. Once the fallback succeeds it
// stays active until it fails itself; then the primary is retried.
type FailoverProvider struct {
	primary  Provider
	fallback Provider

	fallbackActive atomic.Bool

	mu        sync.Mutex
	agentCfg  AgentConfig
	agents    map[string]AgentHandle // provider name -> handle
	sessionOf map[string]Provider
}

func NewFailoverProvider(primary, fallback Provider) *FailoverProvider {
	return &FailoverProvider{
		primary:   primary,
		fallback:  fallback,
		agents:    make(map[string]AgentHandle),
		sessionOf: make(map[string]Provider),
	}
}

func (p *FailoverProvider) Name() string {
	return p.primary.Name() + "+" + p.fallback.Name()
}

// FallbackActive reports whether new work currently goes to the fallback.
func (p *FailoverProvider) FallbackActive() bool { return p.fallbackActive.Load() }

func (p *FailoverProvider) order() (Provider, Provider) {
	if p.fallbackActive.Load() {
		return p.fallback, p.primary
	}
	return p.primary, p.fallback
}

func (p *FailoverProvider) CreateAgent(ctx context.Context, cfg AgentConfig) (AgentHandle, error) {
	p.mu.Lock()
	p.agentCfg = cfg
	p.mu.Unlock()

	first, second := p.order()
	h, firstErr := p.createOn(ctx, first, cfg)
	if firstErr == nil {
		return h, nil
	}
	h, secondErr := p.createOn(ctx, second, cfg)
	if secondErr != nil {
		return AgentHandle{}, fmt.Errorf("%s create failed: %v; %s create failed: %w", first.Name(), firstErr, second.Name(), secondErr)
	}
	p.fallbackActive.Store(second == p.fallback)
	return h, nil
}

func (p *FailoverProvider) createOn(ctx context.Context, target Provider, cfg AgentConfig) (AgentHandle, error) {
	h, err := target.CreateAgent(ctx, cfg)
	if err != nil {
		return AgentHandle{}, err
	}
	p.mu.Lock()
	p.agents[target.Name()] = h
	p.mu.Unlock()
	return h, nil
}

// agentFor returns a handle usable on target, creating one when the cached
// handle belongs to the other backend.
func (p *FailoverProvider) agentFor(ctx context.Context, target Provider, given AgentHandle) (AgentHandle, error) {
	if given.Provider == target.Name() {
		return given, nil
	}
	p.mu.Lock()
	h, ok := p.agents[target.Name()]
	cfg := p.agentCfg
	p.mu.Unlock()
	if ok {
		return h, nil
	}
	return p.createOn(ctx, target, cfg)
}

func (p *FailoverProvider) StartSession(ctx context.Context, agent AgentHandle, payload visitcontext.Payload, table ToolTable) (string, <-chan Event, error) {
	first, second := p.order()
	id, events, firstErr := p.startOn(ctx, first, agent, payload, table)
	if firstErr == nil {
		return id, events, nil
	}
	if ctx.Err() != nil {
		return "", nil, firstErr
	}
	id, events, secondErr := p.startOn(ctx, second, agent, payload, table)
	if secondErr != nil {
		return "", nil, fmt.Errorf("%s start failed: %v; %s start failed: %w", first.Name(), firstErr, second.Name(), secondErr)
	}
	p.fallbackActive.Store(second == p.fallback)
	return id, events, nil
}

func (p *FailoverProvider) startOn(ctx context.Context, target Provider, agent AgentHandle, payload visitcontext.Payload, table ToolTable) (string, <-chan Event, error) {
	h, err := p.agentFor(ctx, target, agent)
	if err != nil {
		return "", nil, err
	}
	id, events, err := target.StartSession(ctx, h, payload, table)
	if err != nil {
		return "", nil, err
	}
	p.mu.Lock()
	p.sessionOf[id] = target
	p.mu.Unlock()
	return id, events, nil
}

func (p *FailoverProvider) route(sessionID string) (Provider, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	target, ok := p.sessionOf[sessionID]
	if !ok {
		return nil, ErrUnknownSession
	}
	return target, nil
}

func (p *FailoverProvider) EndSession(ctx context.Context, sessionID string) error {
	target, err := p.route(sessionID)
	if err != nil {
		return err
	}
	err = target.EndSession(ctx, sessionID)
	p.mu.Lock()
	delete(p.sessionOf, sessionID)
	p.mu.Unlock()
	return err
}

// GetStatus keeps answering for ended sessions on the backend that ran them.
func (p *FailoverProvider) GetStatus(ctx context.Context, sessionID string) (Status, error) {
	target, err := p.route(sessionID)
	if err != nil {
		for _, candidate := range []Provider{p.primary, p.fallback} {
			if st, cerr := candidate.GetStatus(ctx, sessionID); cerr == nil {
				return st, nil
			}
		}
		return Status{}, err
	}
	return target.GetStatus(ctx, sessionID)
}

func (p *FailoverProvider) SendUserText(ctx context.Context, sessionID, text string) error {
	target, err := p.route(sessionID)
	if err != nil {
		return err
	}
	in, ok := target.(TextInput)
	if !ok {
		return fmt.Errorf("%s does not accept typed input", target.Name())
	}
	return in.SendUserText(ctx, sessionID, text)
}
