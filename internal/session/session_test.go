package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"remotecell/internal/channel"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

// fakeChannel scripts CreateContext and Run behavior per call.
type fakeChannel struct {
	mu        sync.Mutex
	created   int
	destroyed []string
	createErr error
	runFn     func(call int, contextID, code string) (*channel.Result, error)
	runCalls  int

	block   chan struct{} // when set, Run parks until closed
	entered chan struct{} // when set, receives once per Run entry
}

func (f *fakeChannel) CreateContext(_ context.Context, clusterID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return "", f.createErr
	}
	f.created++
	return fmt.Sprintf("%s/ctx-%d", clusterID, f.created), nil
}

func (f *fakeChannel) Run(ctx context.Context, contextID, code string) (*channel.Result, error) {
	f.mu.Lock()
	call := f.runCalls
	f.runCalls++
	fn := f.runFn
	block := f.block
	entered := f.entered
	f.mu.Unlock()
	if entered != nil {
		entered <- struct{}{}
	}
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if fn != nil {
		return fn(call, contextID, code)
	}
	return &channel.Result{Status: channel.StatusOK}, nil
}

func (f *fakeChannel) Upload(context.Context, string, []byte) error { return nil }

func (f *fakeChannel) Delete(context.Context, string, bool) error { return nil }

func (f *fakeChannel) DestroyContext(_ context.Context, contextID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.destroyed = append(f.destroyed, contextID)
	return nil
}

func fastTimings() Option {
	return WithTimings(time.Millisecond, time.Second, time.Second)
}

func TestRunCreatesContextLazily(t *testing.T) {
	ch := &fakeChannel{}
	s := New("c1", ch, discardLogger(), fastTimings())

	if s.State() != Uninitialized {
		t.Fatalf("state = %v, want uninitialized before first run", s.State())
	}
	if ch.created != 0 {
		t.Fatalf("context created before first run")
	}

	res, err := s.Run(context.Background(), "1+1")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Status != channel.StatusOK {
		t.Fatalf("status = %v", res.Status)
	}
	if ch.created != 1 || s.State() != Active {
		t.Fatalf("created=%d state=%v, want one context and active", ch.created, s.State())
	}

	// The second run reuses the context.
	if _, err := s.Run(context.Background(), "2+2"); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if ch.created != 1 {
		t.Fatalf("created=%d, context must be reused", ch.created)
	}
}

func TestRunCreationFailureIsClusterUnavailable(t *testing.T) {
	ch := &fakeChannel{createErr: errors.New("cluster is terminating")}
	s := New("c1", ch, discardLogger(), fastTimings())

	_, err := s.Run(context.Background(), "x")
	var unavailable *ClusterUnavailableError
	if !errors.As(err, &unavailable) {
		t.Fatalf("err = %v, want ClusterUnavailableError", err)
	}
	if unavailable.ClusterID != "c1" {
		t.Fatalf("ClusterID = %q", unavailable.ClusterID)
	}
	if s.State() != Uninitialized {
		t.Fatalf("state = %v, failed creation must fall back to uninitialized", s.State())
	}
}

func TestRunClassifiesLostContextFromError(t *testing.T) {
	ch := &fakeChannel{
		runFn: func(int, string, string) (*channel.Result, error) {
			return nil, &channel.APIError{HTTPStatus: 400, Message: "Context x-42 not found on cluster"}
		},
	}
	s := New("c1", ch, discardLogger(), fastTimings())

	_, err := s.Run(context.Background(), "x")
	var lost *ContextLostError
	if !errors.As(err, &lost) {
		t.Fatalf("err = %v, want ContextLostError", err)
	}
	if s.State() != Invalidated {
		t.Fatalf("state = %v, want invalidated", s.State())
	}
	if s.HasContext() {
		t.Fatalf("invalidated session must drop its context id")
	}
}

func TestRunClassifiesLostContextFromResult(t *testing.T) {
	ch := &fakeChannel{
		runFn: func(int, string, string) (*channel.Result, error) {
			return &channel.Result{Status: channel.StatusError, Cause: "Invalid context: expired"}, nil
		},
	}
	s := New("c1", ch, discardLogger(), fastTimings())

	_, err := s.Run(context.Background(), "x")
	var lost *ContextLostError
	if !errors.As(err, &lost) {
		t.Fatalf("err = %v, want ContextLostError", err)
	}
}

func TestRunOrdinaryErrorDoesNotInvalidate(t *testing.T) {
	ch := &fakeChannel{
		runFn: func(int, string, string) (*channel.Result, error) {
			return &channel.Result{Status: channel.StatusError, Cause: "NameError: name 'x' is not defined"}, nil
		},
	}
	s := New("c1", ch, discardLogger(), fastTimings())

	res, err := s.Run(context.Background(), "x")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Status != channel.StatusError {
		t.Fatalf("status = %v", res.Status)
	}
	if s.State() != Active {
		t.Fatalf("state = %v, user errors must not invalidate", s.State())
	}
}

func TestRunRejectsConcurrentExecution(t *testing.T) {
	ch := &fakeChannel{block: make(chan struct{}), entered: make(chan struct{}, 1)}
	s := New("c1", ch, discardLogger(), fastTimings())

	done := make(chan error, 1)
	go func() {
		_, err := s.Run(context.Background(), "slow")
		done <- err
	}()
	<-ch.entered // the first Run now holds the busy slot

	if _, err := s.Run(context.Background(), "second"); !errors.Is(err, ErrConcurrentExecution) {
		t.Fatalf("second Run: err = %v, want ErrConcurrentExecution", err)
	}

	close(ch.block)
	if err := <-done; err != nil {
		t.Fatalf("first Run: %v", err)
	}
}

func TestRecreateReplacesContext(t *testing.T) {
	ch := &fakeChannel{
		runFn: func(call int, _, _ string) (*channel.Result, error) {
			if call == 0 {
				return nil, errors.New("context does not exist")
			}
			return &channel.Result{Status: channel.StatusOK}, nil
		},
	}
	s := New("c1", ch, discardLogger(), fastTimings())

	_, err := s.Run(context.Background(), "x")
	var lost *ContextLostError
	if !errors.As(err, &lost) {
		t.Fatalf("err = %v", err)
	}

	if err := s.Recreate(context.Background()); err != nil {
		t.Fatalf("Recreate: %v", err)
	}
	if s.State() != Active {
		t.Fatalf("state = %v after recreate", s.State())
	}
	if ch.created != 2 {
		t.Fatalf("created = %d, want a fresh context", ch.created)
	}

	if _, err := s.Run(context.Background(), "y"); err != nil {
		t.Fatalf("Run after recreate: %v", err)
	}
}

func TestDestroyIsIdempotentAndFinal(t *testing.T) {
	ch := &fakeChannel{}
	s := New("c1", ch, discardLogger(), fastTimings())
	if _, err := s.Run(context.Background(), "x"); err != nil {
		t.Fatalf("Run: %v", err)
	}

	s.Destroy(context.Background())
	s.Destroy(context.Background())
	if len(ch.destroyed) != 1 {
		t.Fatalf("destroyed %d contexts, want 1", len(ch.destroyed))
	}
	if s.State() != Destroyed {
		t.Fatalf("state = %v", s.State())
	}
	if _, err := s.Run(context.Background(), "x"); !errors.Is(err, ErrDestroyed) {
		t.Fatalf("Run after destroy: %v", err)
	}
}

func TestIsContextLostSignatures(t *testing.T) {
	cases := []struct {
		msg  string
		want bool
	}{
		{"Context 1234 not found on cluster abc", true},
		{"context   does   not   exist", true},
		{"The execution context is invalid", true},
		{"context expired", true},
		{"Invalid context: restart the kernel", true},
		{"missing required field context_id", true},
		{"could not reach the execution context", true},
		{"CONTEXT NOT FOUND", true},
		{"connection refused", false},
		{"NameError: name 'df' is not defined", false},
		{"cluster not found", false},
		{"contextual information unavailable", false},
		{"context deadline exceeded", false},
	}
	for _, tc := range cases {
		if got := IsContextLost(errors.New(tc.msg)); got != tc.want {
			t.Errorf("IsContextLost(%q) = %t, want %t", tc.msg, got, tc.want)
		}
	}
}

func TestIsContextLostNeverMatchesTimeouts(t *testing.T) {
	wrapped := fmt.Errorf("run command in execution context: %w", context.DeadlineExceeded)
	if IsContextLost(wrapped) {
		t.Fatalf("deadline errors must never classify as context loss")
	}
	if IsContextLost(context.Canceled) {
		t.Fatalf("cancellation must never classify as context loss")
	}
	if IsContextLost(nil) {
		t.Fatalf("nil error is not a loss")
	}
}
