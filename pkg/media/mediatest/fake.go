// Package mediatest provides an in-memory media.Adapter for tests. Sessions
// negotiate with placeholder SDP and never open a transport; tests drive
// connection state by hand.
package mediatest

import (
	"context"
	"fmt"
	"sync"

	"voicecall-backend/pkg/media"
)

// Adapter counts the sessions it creates and can be told to fail
type Adapter struct {
	mu        sync.Mutex
	name      string
	sessions  []*Session
	createErr error
	offerErr  error
	answerErr error
	applyErr  error
}

// NewAdapter creates a fake adapter; name tags the SDP it produces
func NewAdapter(name string) *Adapter {
	return &Adapter{name: name}
}

// FailCreate makes CreateSession return err
func (a *Adapter) FailCreate(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.createErr = err
}

// FailOffer makes CreateOffer return err on sessions created afterwards
func (a *Adapter) FailOffer(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.offerErr = err
}

// FailAnswer makes CreateAnswer return err on sessions created afterwards
func (a *Adapter) FailAnswer(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.answerErr = err
}

// FailApply makes ApplyRemoteOffer and ApplyRemoteAnswer return err on sessions created afterwards
func (a *Adapter) FailApply(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.applyErr = err
}

// CreateSession returns a new fake session
func (a *Adapter) CreateSession(_ context.Context) (media.Session, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.createErr != nil {
		return nil, a.createErr
	}
	s := &Session{
		id:        len(a.sessions) + 1,
		name:      a.name,
		offerErr:  a.offerErr,
		answerErr: a.answerErr,
		applyErr:  a.applyErr,
	}
	a.sessions = append(a.sessions, s)
	return s, nil
}

// Created returns how many sessions were created
func (a *Adapter) Created() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.sessions)
}

// Open returns how many sessions are not yet closed
func (a *Adapter) Open() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	open := 0
	for _, s := range a.sessions {
		if !s.Closed() {
			open++
		}
	}
	return open
}

// Last returns the most recently created session, or nil
func (a *Adapter) Last() *Session {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.sessions) == 0 {
		return nil
	}
	return a.sessions[len(a.sessions)-1]
}

// Session records what the core asked of it
type Session struct {
	id        int
	name      string
	offerErr  error
	answerErr error
	applyErr  error

	mu           sync.Mutex
	remoteOffer  string
	remoteAnswer string
	candidates   []media.Candidate
	onCandidate  func(media.Candidate)
	onState      func(media.ConnectionState)
	closed       bool
}

func (s *Session) CreateOffer(_ context.Context) (string, error) {
	if s.offerErr != nil {
		return "", s.offerErr
	}
	return fmt.Sprintf("offer:%s:%d", s.name, s.id), nil
}

func (s *Session) ApplyRemoteOffer(_ context.Context, offer string) error {
	if s.applyErr != nil {
		return s.applyErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.remoteOffer = offer
	return nil
}

func (s *Session) CreateAnswer(_ context.Context) (string, error) {
	if s.answerErr != nil {
		return "", s.answerErr
	}
	return fmt.Sprintf("answer:%s:%d", s.name, s.id), nil
}

func (s *Session) ApplyRemoteAnswer(_ context.Context, answer string) error {
	if s.applyErr != nil {
		return s.applyErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.remoteAnswer = answer
	return nil
}

func (s *Session) AddRemoteCandidate(candidate media.Candidate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.candidates = append(s.candidates, candidate)
	return nil
}

func (s *Session) OnLocalCandidate(fn func(media.Candidate)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onCandidate = fn
}

func (s *Session) OnConnectionStateChange(fn func(media.ConnectionState)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onState = fn
}

func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// SetState fires the connection state callback as the transport would
func (s *Session) SetState(state media.ConnectionState) {
	s.mu.Lock()
	fn := s.onState
	s.mu.Unlock()
	if fn != nil {
		fn(state)
	}
}

// EmitCandidate fires the local candidate callback
func (s *Session) EmitCandidate(candidate media.Candidate) {
	s.mu.Lock()
	fn := s.onCandidate
	s.mu.Unlock()
	if fn != nil {
		fn(candidate)
	}
}

// Closed reports whether Close was called
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// RemoteOffer returns the offer applied to the session
func (s *Session) RemoteOffer() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remoteOffer
}

// RemoteAnswer returns the answer applied to the session
func (s *Session) RemoteAnswer() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remoteAnswer
}
