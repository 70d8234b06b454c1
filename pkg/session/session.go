package session

import (
	"sync"
	"sync/atomic"
)

// State is the lifecycle stage of an instrumentation session.
type State string

const (
	StateSpawned      State = "spawned"
	StateAttached     State = "attached"
	StateResumed      State = "resumed"
	StateScriptLoaded State = "script_loaded"
	StateActive       State = "active"
	StateTerminated   State = "terminated"
	StateFailed       State = "failed"
)

// Session is an attached, payload-carrying target process.
type Session struct {
	Target    string
	TargetPID int

	attachment Attachment
	script     Script

	messages chan Message
	detached chan string
	dropped  atomic.Int64

	mu    sync.Mutex
	state State
	// reason records why the session ended.
	reason string
}

func newSession(target string, buffer int) *Session {
	return &Session{
		Target:   target,
		messages: make(chan Message, buffer),
		detached: make(chan string, 1),
	}
}

// State returns the current lifecycle stage.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// EndReason returns why a terminated session ended.
func (s *Session) EndReason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// Dropped returns how many messages were discarded because the buffer was full.
func (s *Session) Dropped() int64 {
	return s.dropped.Load()
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

func (s *Session) finish(state State, reason string) {
	s.mu.Lock()
	s.state = state
	s.reason = reason
	s.mu.Unlock()
}

// deliver runs on the runtime's callback path and must not block.
func (s *Session) deliver(msg Message) {
	select {
	case s.messages <- msg:
	default:
		s.dropped.Add(1)
	}
}

func (s *Session) markDetached(reason string) {
	select {
	case s.detached <- reason:
	default:
	}
}
