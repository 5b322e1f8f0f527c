// Package session owns the lifecycle of one remote execution context:
// lazy creation, command dispatch, loss detection, and recovery.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"remotecell/internal/channel"
)

// State tracks the execution context lifecycle.
type State int

const (
	Uninitialized State = iota
	Creating
	Active
	Invalidated
	Recreating
	Destroyed
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Creating:
		return "creating"
	case Active:
		return "active"
	case Invalidated:
		return "invalidated"
	case Recreating:
		return "recreating"
	case Destroyed:
		return "destroyed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

const (
	// recreateBackoff is deliberately a fixed short delay, not exponential:
	// the only known cause of context loss is a transient cluster-side
	// hiccup, not sustained overload.
	recreateBackoff = time.Second

	createTimeout = 5 * time.Minute
	runTimeout    = 10 * time.Minute
)

// ErrConcurrentExecution rejects a Run while another is in flight. This
// system serializes execution; it does not queue it.
var ErrConcurrentExecution = errors.New("an execution is already in flight for this session")

// ErrDestroyed rejects operations after shutdown.
var ErrDestroyed = errors.New("session is destroyed")

// ClusterUnavailableError wraps a context-creation failure or timeout.
// Fatal for the request; never auto-retried.
type ClusterUnavailableError struct {
	ClusterID string
	Err       error
}

func (e *ClusterUnavailableError) Error() string {
	return fmt.Sprintf("cluster %s unavailable: %v", e.ClusterID, e.Err)
}

func (e *ClusterUnavailableError) Unwrap() error { return e.Err }

// ContextLostError signals that the remote execution context silently died.
// Internal to the recovery path: the facade consumes it and never surfaces
// it to callers.
type ContextLostError struct {
	Err error
}

func (e *ContextLostError) Error() string {
	return fmt.Sprintf("execution context lost: %v", e.Err)
}

func (e *ContextLostError) Unwrap() error { return e.Err }

// Session is the state machine for one logical kernel lifetime. The session
// id is generated once at startup and never changes; the remote context id
// is populated lazily on the first Run and cleared on invalidation.
type Session struct {
	id        string
	clusterID string
	ch        channel.Channel
	log       *slog.Logger

	mu        sync.Mutex
	state     State
	contextID string
	busy      bool

	backoff       time.Duration
	createTimeout time.Duration
	runTimeout    time.Duration
}

// Option adjusts session timing (tests).
type Option func(*Session)

// WithTimings overrides backoff and timeouts; zero values keep defaults.
func WithTimings(backoff, create, run time.Duration) Option {
	return func(s *Session) {
		if backoff > 0 {
			s.backoff = backoff
		}
		if create > 0 {
			s.createTimeout = create
		}
		if run > 0 {
			s.runTimeout = run
		}
	}
}

// New builds a session for one cluster. No remote call happens here;
// context creation is deferred to the first Run so an opened-but-unused
// kernel costs nothing.
func New(clusterID string, ch channel.Channel, logger *slog.Logger, opts ...Option) *Session {
	s := &Session{
		id:            strings.SplitN(uuid.NewString(), "-", 2)[0],
		clusterID:     clusterID,
		ch:            ch,
		log:           logger,
		state:         Uninitialized,
		backoff:       recreateBackoff,
		createTimeout: createTimeout,
		runTimeout:    runTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ID returns the session identifier used to namespace remote paths.
func (s *Session) ID() string { return s.id }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// HasContext reports whether a remote context currently exists.
func (s *Session) HasContext() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.contextID != ""
}

// Run executes code in the session's remote context, creating the context
// first if needed. Exactly one Run may be outstanding; a second concurrent
// call fails with ErrConcurrentExecution. A result or error matching the
// context-loss signatures transitions the session to Invalidated and comes
// back as *ContextLostError; Run itself never retries.
func (s *Session) Run(ctx context.Context, code string) (*channel.Result, error) {
	s.mu.Lock()
	if s.state == Destroyed {
		s.mu.Unlock()
		return nil, ErrDestroyed
	}
	if s.busy {
		s.mu.Unlock()
		return nil, ErrConcurrentExecution
	}
	s.busy = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.busy = false
		s.mu.Unlock()
	}()

	contextID, err := s.ensureContext(ctx)
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithTimeout(ctx, s.runTimeout)
	defer cancel()
	res, err := s.ch.Run(runCtx, contextID, code)
	if err != nil {
		if IsContextLost(err) {
			s.invalidate(err)
			return nil, &ContextLostError{Err: err}
		}
		return nil, err
	}
	// The remote API reports context loss as a normal error payload, so the
	// result's error text is classified too.
	if res.Status == channel.StatusError && IsContextLost(errors.New(res.Cause)) {
		err := fmt.Errorf("%s", res.Cause)
		s.invalidate(err)
		return nil, &ContextLostError{Err: err}
	}
	return res, nil
}

// ensureContext lazily allocates the remote context on first use.
func (s *Session) ensureContext(ctx context.Context) (string, error) {
	s.mu.Lock()
	if s.contextID != "" {
		id := s.contextID
		s.mu.Unlock()
		return id, nil
	}
	s.state = Creating
	s.mu.Unlock()

	id, err := s.createContext(ctx)
	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.state = Uninitialized
		return "", err
	}
	s.contextID = id
	s.state = Active
	return id, nil
}

func (s *Session) createContext(ctx context.Context) (string, error) {
	createCtx, cancel := context.WithTimeout(ctx, s.createTimeout)
	defer cancel()
	s.log.Info("creating execution context", "cluster_id", s.clusterID, "session_id", s.id)
	id, err := s.ch.CreateContext(createCtx, s.clusterID)
	if err != nil {
		return "", &ClusterUnavailableError{ClusterID: s.clusterID, Err: err}
	}
	s.log.Info("execution context ready", "context_id", id)
	return id, nil
}

func (s *Session) invalidate(cause error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Destroyed {
		return
	}
	s.log.Warn("execution context invalidated", "context_id", s.contextID, "cause", cause)
	s.contextID = ""
	s.state = Invalidated
}

// Recreate allocates a fresh context after invalidation: wait a fixed short
// backoff for the cluster to stabilize, tear down the old context
// best-effort, then create anew. The caller must force a full re-sync
// before running code; the remote filesystem state for this session is
// assumed gone.
func (s *Session) Recreate(ctx context.Context) error {
	s.mu.Lock()
	if s.state == Destroyed {
		s.mu.Unlock()
		return ErrDestroyed
	}
	s.state = Recreating
	old := s.contextID
	s.contextID = ""
	s.mu.Unlock()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(s.backoff):
	}

	if old != "" {
		if err := s.ch.DestroyContext(ctx, old); err != nil {
			s.log.Debug("old context teardown failed", "context_id", old, "err", err)
		}
	}

	id, err := s.createContext(ctx)
	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.state = Invalidated
		return err
	}
	s.contextID = id
	s.state = Active
	return nil
}

// Destroy tears down the remote context. Best-effort: failures are logged,
// not raised, and the session becomes unusable either way.
func (s *Session) Destroy(ctx context.Context) {
	s.mu.Lock()
	if s.state == Destroyed {
		s.mu.Unlock()
		return
	}
	old := s.contextID
	s.contextID = ""
	s.state = Destroyed
	s.mu.Unlock()

	if old == "" {
		return
	}
	if err := s.ch.DestroyContext(ctx, old); err != nil {
		s.log.Debug("context teardown failed", "context_id", old, "err", err)
	}
}
