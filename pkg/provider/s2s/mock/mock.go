// Package mock provides test doubles for the s2s package interfaces.
//
// Use Provider to verify Connect calls and feed controlled S2S sessions.
// Use Session to push backend events and inspect which methods were invoked
// by the gateway.
//
// Example:
//
//	sess := mock.NewSession()
//	p := &mock.Provider{Session: sess}
//	handle, _ := p.Connect(ctx, cfg)
//	sess.Emit(s2s.Event{Type: s2s.EventAudio, Audio: pcm})
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/voxgate/pkg/provider/s2s"
)

// ConnectCall records a single invocation of Provider.Connect.
type ConnectCall struct {
	// Ctx is the context passed to Connect.
	Ctx context.Context
	// Cfg is the SessionConfig passed to Connect.
	Cfg s2s.SessionConfig
}

// Provider is a mock implementation of s2s.Provider.
type Provider struct {
	mu sync.Mutex

	// Session is the SessionHandle returned by Connect. If nil, Connect returns
	// a fresh Session from NewSession.
	Session s2s.SessionHandle

	// ConnectErr, if non-nil, is returned as the error from Connect.
	ConnectErr error

	// ProviderCapabilities is returned by Capabilities.
	ProviderCapabilities s2s.Capabilities

	// ConnectCalls records every call to Connect in order.
	ConnectCalls []ConnectCall
}

// Connect records the call and returns Session, ConnectErr.
func (p *Provider) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.SessionHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ConnectCalls = append(p.ConnectCalls, ConnectCall{Ctx: ctx, Cfg: cfg})
	if p.ConnectErr != nil {
		return nil, p.ConnectErr
	}
	if p.Session != nil {
		return p.Session, nil
	}
	return NewSession(), nil
}

// Capabilities returns ProviderCapabilities.
func (p *Provider) Capabilities() s2s.Capabilities {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ProviderCapabilities
}

// Calls returns a copy of the recorded Connect calls. Thread-safe.
func (p *Provider) Calls() []ConnectCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]ConnectCall(nil), p.ConnectCalls...)
}

// Ensure Provider implements s2s.Provider at compile time.
var _ s2s.Provider = (*Provider)(nil)

// Session is a mock implementation of s2s.SessionHandle.
// Create it with NewSession; Emit pushes events and End terminates the event
// stream as if the backend had gone away.
type Session struct {
	mu sync.Mutex

	events chan s2s.Event
	closed bool
	err    error

	// SendAudioErr, if non-nil, is returned by every SendAudio call.
	SendAudioErr error

	// InterruptErr, if non-nil, is returned by every Interrupt call.
	InterruptErr error

	sendAudioCalls [][]byte
	interruptCalls int
	closeCalls     int
}

// NewSession returns a Session with a buffered event channel.
func NewSession() *Session {
	return &Session{events: make(chan s2s.Event, 64)}
}

// Emit delivers e to the consumer. It blocks while the buffer is full and is
// a no-op once the session has ended.
func (s *Session) Emit(e s2s.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.events <- e
}

// End closes the event stream and records err as the session's terminal
// error.
func (s *Session) End(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.err = err
	s.closed = true
	close(s.events)
}

// SendAudio records a copy of chunk and returns SendAudioErr, or
// s2s.ErrSessionClosed once the session has ended.
func (s *Session) SendAudio(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return s2s.ErrSessionClosed
	}
	s.sendAudioCalls = append(s.sendAudioCalls, append([]byte(nil), chunk...))
	return s.SendAudioErr
}

// Events returns the event channel.
func (s *Session) Events() <-chan s2s.Event { return s.events }

// Err returns the error passed to End.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Interrupt records the call and returns InterruptErr.
func (s *Session) Interrupt() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.interruptCalls++
	return s.InterruptErr
}

// Close records the call and ends the session. Safe to call repeatedly.
func (s *Session) Close() error {
	s.mu.Lock()
	s.closeCalls++
	s.mu.Unlock()
	s.End(nil)
	return nil
}

// SentAudio returns copies of every chunk passed to SendAudio, in order.
func (s *Session) SentAudio() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.sendAudioCalls...)
}

// InterruptCount returns how often Interrupt was called.
func (s *Session) InterruptCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interruptCalls
}

// CloseCount returns how often Close was called.
func (s *Session) CloseCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCalls
}

// Ensure Session implements s2s.SessionHandle at compile time.
var _ s2s.SessionHandle = (*Session)(nil)
