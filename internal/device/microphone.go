package device

import (
	"context"
	"sync"
)

// AudioCapture guards the microphone for the duration of a session.
type AudioCapture interface {
	Acquire(ctx context.Context) error
	Release()
}

// SimulatedMicrophone grants capture unless denied. Acquire blocks while
// Hold is set, to model an unanswered permission prompt.
type SimulatedMicrophone struct {
	mu       sync.Mutex
	deny     bool
	hold     chan struct{}
	held     int
	acquires int
}

func NewSimulatedMicrophone() *SimulatedMicrophone {
	return &SimulatedMicrophone{}
}

func (m *SimulatedMicrophone) Deny(deny bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deny = deny
}

// Hold makes Acquire wait until the returned release func is called or the
// caller's context ends.
func (m *SimulatedMicrophone) Hold() func() {
	ch := make(chan struct{})
	m.mu.Lock()
	m.hold = ch
	m.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			if m.hold == ch {
				m.hold = nil
			}
			m.mu.Unlock()
			close(ch)
		})
	}
}

func (m *SimulatedMicrophone) Acquire(ctx context.Context) error {
	m.mu.Lock()
	hold := m.hold
	m.mu.Unlock()
	if hold != nil {
		select {
		case <-hold:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.acquires++
	if m.deny {
		return ErrPermissionDenied
	}
	m.held++
	return nil
}

func (m *SimulatedMicrophone) Release() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.held > 0 {
		m.held--
	}
}

// Held reports how many acquisitions are outstanding.
func (m *SimulatedMicrophone) Held() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.held
}

func (m *SimulatedMicrophone) Acquires() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.acquires
}
