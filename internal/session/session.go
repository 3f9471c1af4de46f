// Package session manages the lifecycle of one agent session: the state
// machine from Starting through Terminated and the host process behind it.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
	"unicode"
)

// State represents the current lifecycle state of a session.
type State string

const (
	StateStarting   State = "starting"
	StateReady      State = "ready"
	StateBusy       State = "busy"
	StateStopping   State = "stopping"
	StateTerminated State = "terminated"
)

// SystemIdentity is the reserved source identity for lifecycle records
// written by the orchestrator itself.
const SystemIdentity = "system"

const maxIdentityLen = 64

// Sentinel errors for session failures. Callers match them with errors.Is
// to classify what went wrong.
var (
	// ErrHostUnavailable: the host process could not be spawned, or it
	// exited before becoming ready.
	ErrHostUnavailable = errors.New("host unavailable")
	// ErrReadinessTimeout: the host started but never signaled readiness
	// within the configured window.
	ErrReadinessTimeout = errors.New("host readiness timeout")
	// ErrDeliveryFailed: a payload could not be handed to a ready host.
	ErrDeliveryFailed = errors.New("delivery failed")
	// ErrHostTerminated: the host died while the session was active.
	ErrHostTerminated = errors.New("host terminated")
	// ErrNotReady: the session is not in a state that accepts deliveries.
	ErrNotReady = errors.New("session not ready")
)

// allowedTransitions lists every legal state change. Terminated is final.
var allowedTransitions = map[State][]State{
	StateStarting: {StateReady, StateStopping, StateTerminated},
	StateReady:    {StateBusy, StateStopping, StateTerminated},
	StateBusy:     {StateReady, StateStopping, StateTerminated},
	StateStopping: {StateTerminated},
}

// CanTransition reports whether the lifecycle permits moving from one
// state to another.
func CanTransition(from, to State) bool {
	for _, s := range allowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ValidateIdentity checks that an identity can safely name a session.
// Identities appear in log records, file names, and CLI arguments, so they
// must be non-empty, contain no whitespace, and avoid the reserved ':'
// and '.' separators. The system identity is reserved.
func ValidateIdentity(identity string) error {
	if identity == "" {
		return errors.New("identity must not be empty")
	}
	if identity == SystemIdentity {
		return fmt.Errorf("identity %q is reserved", identity)
	}
	if len(identity) > maxIdentityLen {
		return fmt.Errorf("identity too long: %d chars (max %d)", len(identity), maxIdentityLen)
	}
	for _, r := range identity {
		switch {
		case unicode.IsSpace(r):
			return fmt.Errorf("identity %q contains whitespace", identity)
		case r == ':' || r == '.':
			return fmt.Errorf("identity %q contains reserved character %q", identity, r)
		}
	}
	return nil
}

// Options tune the timeouts applied to one session's host.
type Options struct {
	ReadinessTimeout time.Duration // max wait for the host to become ready
	SendTimeout      time.Duration // max wait for one delivery
	StopGrace        time.Duration // wait between SIGTERM and SIGKILL
}

// Info is a point-in-time copy of a session's observable state.
type Info struct {
	Identity     string    `json:"identity"`
	State        State     `json:"state"`
	PID          int       `json:"pid,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	LastActiveAt time.Time `json:"last_active_at"`
	Delivered    int       `json:"delivered"`
	Failed       int       `json:"failed"`
	LastError    string    `json:"last_error,omitempty"`
	StopReason   string    `json:"stop_reason,omitempty"`
}

// Session is one agent session. All exported methods are safe for
// concurrent use.
type Session struct {
	identity string
	host     Host
	opts     Options

	mu           sync.RWMutex
	state        State
	createdAt    time.Time
	lastActiveAt time.Time
	delivered    int
	failed       int
	lastErr      error
	stopReason   string
}

// New creates a session in the Starting state. The host is not launched
// until Start is called.
func New(identity string, host Host, opts Options) (*Session, error) {
	if err := ValidateIdentity(identity); err != nil {
		return nil, err
	}
	if host == nil {
		return nil, fmt.Errorf("session %s: host required", identity)
	}
	now := time.Now()
	return &Session{
		identity:     identity,
		host:         host,
		opts:         opts,
		state:        StateStarting,
		createdAt:    now,
		lastActiveAt: now,
	}, nil
}

// Identity returns the session's immutable identity.
func (s *Session) Identity() string {
	return s.identity
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Alive reports whether the session has not yet terminated.
func (s *Session) Alive() bool {
	return s.State() != StateTerminated
}

// Confirms reports whether the host confirms processing of deliveries.
func (s *Session) Confirms() bool {
	return s.host.Confirms()
}

// Snapshot returns a defensive copy of the session's observable state.
func (s *Session) Snapshot() Info {
	s.mu.RLock()
	defer s.mu.RUnlock()

	info := Info{
		Identity:     s.identity,
		State:        s.state,
		PID:          s.host.PID(),
		CreatedAt:    s.createdAt,
		LastActiveAt: s.lastActiveAt,
		Delivered:    s.delivered,
		Failed:       s.failed,
		StopReason:   s.stopReason,
	}
	if s.lastErr != nil {
		info.LastError = s.lastErr.Error()
	}
	return info
}

// IdleFor returns how long a Ready session has been idle, and zero for any
// other state.
func (s *Session) IdleFor() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state != StateReady {
		return 0
	}
	return time.Since(s.lastActiveAt)
}

// Start launches the host and waits for it to become ready, moving the
// session from Starting to Ready. On any failure the session terminates
// and the returned error wraps ErrHostUnavailable or ErrReadinessTimeout.
func (s *Session) Start(ctx context.Context) error {
	if st := s.State(); st != StateStarting {
		return fmt.Errorf("session %s: start from state %s", s.identity, st)
	}

	if err := s.host.Start(ctx); err != nil {
		werr := fmt.Errorf("session %s: %w: %w", s.identity, ErrHostUnavailable, err)
		s.terminate("spawn failed", werr)
		return werr
	}

	readyCtx := ctx
	if s.opts.ReadinessTimeout > 0 {
		var cancel context.CancelFunc
		readyCtx, cancel = context.WithTimeout(ctx, s.opts.ReadinessTimeout)
		defer cancel()
	}
	if err := s.host.AwaitReady(readyCtx); err != nil {
		s.host.Stop(s.opts.StopGrace)
		var werr error
		if errors.Is(err, context.DeadlineExceeded) {
			werr = fmt.Errorf("session %s: %w after %s", s.identity, ErrReadinessTimeout, s.opts.ReadinessTimeout)
		} else {
			werr = fmt.Errorf("session %s: %w: %w", s.identity, ErrHostUnavailable, err)
		}
		s.terminate("never became ready", werr)
		return werr
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateStarting {
		// Stopped while we were waiting for readiness.
		return fmt.Errorf("session %s: %w", s.identity, ErrHostTerminated)
	}
	s.state = StateReady
	s.lastActiveAt = time.Now()
	return nil
}

// Deliver hands one payload to a Ready host. The session is Busy for the
// duration of the attempt. On success it returns to Ready; on failure the
// host is stopped, the session terminates, and the error wraps
// ErrDeliveryFailed. A session that is not Ready refuses the payload with
// an error wrapping both ErrDeliveryFailed and ErrNotReady, and is left
// untouched.
func (s *Session) Deliver(ctx context.Context, payload string) error {
	s.mu.Lock()
	if s.state != StateReady {
		st := s.state
		s.mu.Unlock()
		return fmt.Errorf("session %s in state %s: %w: %w", s.identity, st, ErrDeliveryFailed, ErrNotReady)
	}
	s.state = StateBusy
	s.mu.Unlock()

	sendCtx := ctx
	if s.opts.SendTimeout > 0 {
		var cancel context.CancelFunc
		sendCtx, cancel = context.WithTimeout(ctx, s.opts.SendTimeout)
		defer cancel()
	}
	err := s.host.Deliver(sendCtx, payload)

	s.mu.Lock()
	defer s.mu.Unlock()

	if err != nil {
		s.failed++
		kind := ErrDeliveryFailed
		reason := "delivery failed"
		if errors.Is(err, ErrHostStopped) || !s.host.Alive() {
			kind = ErrHostTerminated
			reason = "host exited"
		}
		werr := fmt.Errorf("session %s: %w: %w", s.identity, kind, err)
		s.lastErr = werr
		if s.state == StateBusy {
			s.state = StateTerminated
			s.stopReason = reason
		}
		go s.host.Stop(s.opts.StopGrace)
		return werr
	}

	s.delivered++
	s.lastActiveAt = time.Now()
	if s.state == StateBusy {
		s.state = StateReady
	}
	return nil
}

// BeginIdleStop moves a Ready session that has been idle for longer than
// idle into Stopping, atomically with respect to Deliver. It returns false
// when the session is not Ready or not idle enough; on true the caller
// must complete the teardown with FinishStop.
func (s *Session) BeginIdleStop(idle time.Duration, reason string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateReady || time.Since(s.lastActiveAt) <= idle {
		return false
	}
	s.state = StateStopping
	if s.stopReason == "" {
		s.stopReason = reason
	}
	return true
}

// FinishStop tears down the host of a session placed in Stopping by
// BeginIdleStop and marks it Terminated.
func (s *Session) FinishStop() error {
	err := s.host.Stop(s.opts.StopGrace)

	s.mu.Lock()
	s.state = StateTerminated
	s.mu.Unlock()

	if err != nil {
		return fmt.Errorf("session %s stop: %w", s.identity, err)
	}
	return nil
}

// Stop terminates the session and its host. Safe to call from any state
// and idempotent: repeated calls return nil without side effects.
func (s *Session) Stop(reason string) error {
	s.mu.Lock()
	switch s.state {
	case StateTerminated, StateStopping:
		s.mu.Unlock()
		return nil
	}
	s.state = StateStopping
	if s.stopReason == "" {
		s.stopReason = reason
	}
	s.mu.Unlock()

	return s.FinishStop()
}

// terminate moves the session straight to Terminated and records why.
func (s *Session) terminate(reason string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateTerminated {
		return
	}
	s.state = StateTerminated
	if s.stopReason == "" {
		s.stopReason = reason
	}
	if err != nil {
		s.lastErr = err
	}
}
