// Package session tracks the delivery channel's lifecycle state: whether the
// session is authenticated and able to send, plus the last pairing challenge
// seen. It is the scheduler's precondition gate.
package session

import (
	"sync"
	"time"

	"quotecast/internal/transport"
	logx "quotecast/pkg/logx"
)

type State struct {
	mu sync.RWMutex

	ready       bool
	lastChange  time.Time
	authReason  string
	qrChallenge string

	log logx.Logger
}

func New(log logx.Logger) *State {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &State{log: log}
}

// Ready reports whether the channel session can currently send.
func (s *State) Ready() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ready
}

// QRChallenge returns the most recent pairing payload, if any.
func (s *State) QRChallenge() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.qrChallenge
}

// LastChange returns when the ready flag last flipped.
func (s *State) LastChange() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastChange
}

// Apply transitions the state for a lifecycle event. Message events are not
// lifecycle transitions and are ignored.
func (s *State) Apply(e transport.Event) {
	switch e.Kind {
	case transport.EventReady:
		s.set(true, "")
		s.log.Info("session ready")
	case transport.EventAuthFailure:
		s.set(false, e.Reason)
		s.log.Warn("session auth failure", logx.String("reason", e.Reason))
	case transport.EventQRChallenge:
		s.mu.Lock()
		s.qrChallenge = e.Payload
		s.mu.Unlock()
		s.log.Info("pairing challenge received")
	}
}

func (s *State) set(ready bool, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ready != ready {
		s.lastChange = time.Now()
	}
	s.ready = ready
	s.authReason = reason
	if ready {
		s.qrChallenge = ""
	}
}
