// Package session tracks per-user conversation state across triage
// turns: rolling history, pending report completion, and safe-word
// cancellation.
package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
)

// State is the conversational state of a single user on a channel.
type State string

const (
	StateIdle             State = "IDLE"
	StateAwaitingLocation State = "AWAITING_LOCATION"
	StateCancelled        State = "CANCELLED"
)

// HistoryWindow caps the number of retained conversation entries per
// session. Older entries are evicted first-in first-out.
const HistoryWindow = 10

// DefaultCancelWindow is how long a safe-word cancellation suppresses
// all automated output for the session.
const DefaultCancelWindow = 60 * time.Second

// ErrCorrupt marks a pending report whose stored decision can no longer
// be decoded. Sessions recover from it by resetting to idle.
var ErrCorrupt = errors.New("session: corrupt pending report")

// Entry is a single turn of conversation history.
type Entry struct {
	Role    string    `json:"role"`
	Content string    `json:"content"`
	At      time.Time `json:"at"`
}

// PendingReport holds a high-risk decision that is waiting on the
// user's location before dispatch.
type PendingReport struct {
	CaseID    string          `json:"case_id"`
	Decision  json.RawMessage `json:"decision"`
	Email     string          `json:"email,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// DecodeDecision unmarshals the stored decision into v. A payload that
// fails to decode is reported as ErrCorrupt.
func (p *PendingReport) DecodeDecision(v any) error {
	if len(p.Decision) == 0 {
		return fmt.Errorf("%w: empty decision payload", ErrCorrupt)
	}
	if err := json.Unmarshal(p.Decision, v); err != nil {
		return fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return nil
}

// Session is the mutable state for one user on one channel. It is not
// safe for concurrent use on its own; access it through an Arena.
type Session struct {
	Channel        string
	UserID         string
	State          State
	History        []Entry
	Pending        *PendingReport
	LanguageHint   string
	LastLocation   string
	CancelledUntil time.Time
}

// IsCancelled reports whether the session is inside an active
// cancellation window.
func (s *Session) IsCancelled(now time.Time) bool {
	if s.State != StateCancelled {
		return false
	}
	if now.Before(s.CancelledUntil) {
		return true
	}
	// Window elapsed: fall back to idle lazily.
	s.State = StateIdle
	s.CancelledUntil = time.Time{}
	return false
}

// Cancel aborts any in-flight work for the session: pending reports are
// discarded and all output is suppressed until the window elapses.
func (s *Session) Cancel(now time.Time, window time.Duration) {
	s.State = StateCancelled
	s.CancelledUntil = now.Add(window)
	s.Pending = nil
}

// Append records a conversation turn, evicting the oldest entry once
// the history window is full.
func (s *Session) Append(role, content string, now time.Time) {
	s.History = append(s.History, Entry{Role: role, Content: content, At: now})
	if len(s.History) > HistoryWindow {
		s.History = s.History[len(s.History)-HistoryWindow:]
	}
}

// AwaitLocation parks a report and moves the session to
// AWAITING_LOCATION until the user answers the location prompt.
func (s *Session) AwaitLocation(p *PendingReport) {
	s.State = StateAwaitingLocation
	s.Pending = p
}

// CompleteLocation returns the parked report and moves the session back
// to idle. Returns nil when nothing was pending.
func (s *Session) CompleteLocation() *PendingReport {
	p := s.Pending
	s.Pending = nil
	s.State = StateIdle
	return p
}

// Reset returns the session to idle, dropping pending work but keeping
// history, language and location hints.
func (s *Session) Reset() {
	s.State = StateIdle
	s.Pending = nil
	s.CancelledUntil = time.Time{}
}

// Key identifies a session: one user on one channel.
type Key struct {
	Channel string
	UserID  string
}

func (k Key) String() string { return k.Channel + "/" + k.UserID }

type arenaEntry struct {
	mu      sync.Mutex
	session *Session
}

// Arena owns all live sessions. Each session has its own lock, so
// concurrent traffic from different users never contends.
type Arena struct {
	mu      sync.Mutex
	entries map[Key]*arenaEntry
}

// NewArena initializes an empty session arena.
func NewArena() *Arena {
	return &Arena{entries: make(map[Key]*arenaEntry)}
}

// With runs fn with exclusive access to the session for key, creating
// the session on first use. The arena map lock is released before fn
// runs; only the per-session lock is held.
func (a *Arena) With(key Key, fn func(*Session) error) error {
	a.mu.Lock()
	e, ok := a.entries[key]
	if !ok {
		e = &arenaEntry{session: &Session{
			Channel: key.Channel,
			UserID:  key.UserID,
			State:   StateIdle,
		}}
		a.entries[key] = e
	}
	a.mu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()
	return fn(e.session)
}

// Len returns the number of live sessions.
func (a *Arena) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.entries)
}
