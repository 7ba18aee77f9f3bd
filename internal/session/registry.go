package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var ErrInvalidClient = errors.New("client id is required")

// Factory builds the manager for a newly seen client.
type Factory func(clientID string) *Manager

// Registry holds one Manager per client, created on first use.
type Registry struct {
	mu       sync.RWMutex
	managers map[string]*Manager
	factory  Factory
	idleTTL  time.Duration
	logger   zerolog.Logger
	closed   bool
}

func NewRegistry(factory Factory, idleTTL time.Duration, logger zerolog.Logger) *Registry {
	if idleTTL <= 0 {
		idleTTL = 30 * time.Minute
	}
	return &Registry{
		managers: make(map[string]*Manager),
		factory:  factory,
		idleTTL:  idleTTL,
		logger:   logger,
	}
}

func (r *Registry) Get(clientID string) (*Manager, error) {
	clientID = strings.TrimSpace(clientID)
	if clientID == "" {
		return nil, ErrInvalidClient
	}

	r.mu.RLock()
	m, ok := r.managers[clientID]
	closed := r.closed
	r.mu.RUnlock()
	if ok {
		return m, nil
	}
	if closed {
		return nil, ErrClosed
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}
	if m, ok := r.managers[clientID]; ok {
		return m, nil
	}
	m = r.factory(clientID)
	r.managers[clientID] = m
	return m, nil
}

// Lookup returns an existing manager without creating one.
func (r *Registry) Lookup(clientID string) (*Manager, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.managers[clientID]
	return m, ok
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.managers)
}

// ActiveCount counts clients whose session is past idle.
func (r *Registry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	count := 0
	for _, m := range r.managers {
		switch m.State() {
		case StateIdle, StateError:
		default:
			count++
		}
	}
	return count
}

// StartJanitor evicts managers that have been idle longer than the TTL.
func (r *Registry) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.evictIdle(ctx)
			}
		}
	}()
}

func (r *Registry) evictIdle(ctx context.Context) {
	now := time.Now()
	var stale []*Manager

	r.mu.Lock()
	for id, m := range r.managers {
		since, idle := m.IdleSince()
		if idle && now.Sub(since) > r.idleTTL {
			delete(r.managers, id)
			stale = append(stale, m)
		}
	}
	r.mu.Unlock()

	for _, m := range stale {
		if err := m.Close(ctx); err != nil {
			r.logger.Warn().Err(err).Str("client_id", m.ClientID()).Msg("evicted manager did not close cleanly")
			continue
		}
		r.logger.Debug().Str("client_id", m.ClientID()).Msg("idle session manager evicted")
	}
}

// Close ends every live session and refuses new clients.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	all := make([]*Manager, 0, len(r.managers))
	for id, m := range r.managers {
		all = append(all, m)
		delete(r.managers, id)
	}
	r.mu.Unlock()

	var wg sync.WaitGroup
	errs := make([]error, len(all))
	for i, m := range all {
		wg.Add(1)
		go func(i int, m *Manager) {
			defer wg.Done()
			errs[i] = m.Close(ctx)
		}(i, m)
	}
	wg.Wait()
	return errors.Join(errs...)
}
