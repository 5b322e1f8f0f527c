// Package kernel is the front door for executing code on the cluster. It
// glues the sync coordinator and the execution session together and hides
// context recovery from callers: user code sees at most a Reconnected flag.
package kernel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"remotecell/internal/channel"
	"remotecell/internal/config"
	"remotecell/internal/session"
	"remotecell/internal/sync"
)

// Kernel serializes execution for one session: sync pending changes, run
// the code, and recover once from a lost execution context.
type Kernel struct {
	cfg   *config.Config
	ch    channel.Channel
	sess  *session.Session
	coord *sync.Coordinator
	log   *slog.Logger

	sem chan struct{}
}

// New wires a kernel from configuration and a transport.
func New(cfg *config.Config, ch channel.Channel, logger *slog.Logger, opts ...session.Option) (*Kernel, error) {
	root, err := cfg.SourceRoot()
	if err != nil {
		return nil, err
	}
	k := &Kernel{
		cfg: cfg,
		ch:  ch,
		log: logger,
		sem: make(chan struct{}, 1),
	}
	k.sess = session.New(cfg.ClusterID, ch, logger, opts...)
	k.coord = sync.NewCoordinator(root, k.sess.ID(), cfg.Sync, ch, k.sess.Run, logger)
	return k, nil
}

// SessionID returns the identifier namespacing this kernel's remote state.
func (k *Kernel) SessionID() string { return k.sess.ID() }

// Execute syncs pending local changes, then runs code in the remote
// context. If the context turns out to be lost, it recreates the context,
// forces a full re-sync, and retries the code exactly once; the returned
// result then carries Reconnected=true. A second loss, or any recovery
// failure, surfaces as an error.
func (k *Kernel) Execute(ctx context.Context, code string) (*channel.Result, error) {
	if strings.TrimSpace(code) == "" {
		return &channel.Result{Status: channel.StatusOK}, nil
	}
	select {
	case k.sem <- struct{}{}:
		defer func() { <-k.sem }()
	default:
		return nil, session.ErrConcurrentExecution
	}

	if _, err := k.coord.Sync(ctx, false); err != nil {
		var lost *session.ContextLostError
		if !errors.As(err, &lost) {
			return nil, err
		}
		// The context died under the extraction step; recover and let the
		// forced re-sync below ship everything again.
		if err := k.recover(ctx); err != nil {
			return nil, err
		}
		res, err := k.sess.Run(ctx, code)
		if err != nil {
			return nil, err
		}
		res.Reconnected = true
		return res, nil
	}

	res, err := k.sess.Run(ctx, code)
	if err == nil {
		return res, nil
	}
	var lost *session.ContextLostError
	if !errors.As(err, &lost) {
		return nil, err
	}

	if err := k.recover(ctx); err != nil {
		return nil, err
	}
	res, err = k.sess.Run(ctx, code)
	if err != nil {
		return nil, err
	}
	res.Reconnected = true
	return res, nil
}

// recover brings a session with a lost context back to Active: fresh
// context, then a forced full sync so the new context sees the complete
// project. A size-limit violation during the re-sync is fatal for the
// request; shipping a partial project would be worse than failing.
func (k *Kernel) recover(ctx context.Context) error {
	k.log.Warn("execution context lost, reconnecting", "session_id", k.sess.ID())
	if err := k.sess.Recreate(ctx); err != nil {
		return fmt.Errorf("reconnect: %w", err)
	}
	if _, err := k.coord.Sync(ctx, true); err != nil {
		return fmt.Errorf("re-sync after reconnect: %w", err)
	}
	return nil
}

// Sync ships pending changes without executing anything. force re-ships
// the full project even when nothing changed.
func (k *Kernel) Sync(ctx context.Context, force bool) (bool, error) {
	select {
	case k.sem <- struct{}{}:
		defer func() { <-k.sem }()
	default:
		return false, session.ErrConcurrentExecution
	}
	return k.coord.Sync(ctx, force)
}

// Shutdown removes the session's remote state and destroys the execution
// context. Best-effort throughout: shutdown never fails.
func (k *Kernel) Shutdown(ctx context.Context) {
	k.coord.Cleanup(ctx, k.sess.HasContext())
	k.sess.Destroy(ctx)
}
