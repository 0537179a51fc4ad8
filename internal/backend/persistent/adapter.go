// ABOUTME: Persistent-client backend adapter with cached stdio sessions
// ABOUTME: Reuses one live child per composite key; broken sessions tear down and retry once

package persistent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"sync"

	"github.com/2389/seance/internal/backend"
	"github.com/2389/seance/internal/config"
	"github.com/2389/seance/internal/fault"
	"github.com/2389/seance/internal/notify"
	"github.com/2389/seance/internal/store"
)

// Adapter keeps one live client per composite key and reuses it across
// turns. Session continuity is double-layered: the cached client while the
// process lives, the stored native id across restarts.
type Adapter struct {
	name     string
	profile  *config.Profile
	sessions store.Store
	notifier *backend.Notifier
	logger   *slog.Logger

	newCommand CommandFactory
	primer     backend.WorkspacePrimer

	mu      sync.Mutex
	clients map[string]*client // composite key -> live client
}

// New builds a persistent adapter for one configured backend profile.
func New(name string, profile *config.Profile, sessions store.Store, notifier *backend.Notifier, logger *slog.Logger) *Adapter {
	scoped := logger.With("component", "persistent", "backend", name)
	return &Adapter{
		name:       name,
		profile:    profile,
		sessions:   sessions,
		notifier:   notifier,
		logger:     scoped,
		newCommand: exec.Command,
		primer:     backend.NewGitPrimer(scoped),
		clients:    make(map[string]*client),
	}
}

func (a *Adapter) Name() string { return a.name }

// HandleMessage runs one turn on the cached client, creating it on first
// use. A broken session gets exactly one teardown-and-retry.
func (a *Adapter) HandleMessage(ctx context.Context, req *backend.Request) error {
	return a.runTurn(ctx, req, true)
}

func (a *Adapter) runTurn(ctx context.Context, req *backend.Request, allowRetry bool) error {
	c, err := a.getOrCreate(ctx, req)
	if err != nil {
		return err
	}

	t := &turn{req: req, acc: &backend.TurnAccumulator{}}

	if err := c.send(req.Text); err != nil {
		return a.recover(ctx, req, c, err, allowRetry)
	}
	if err := a.consumeTurn(ctx, c, t); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return a.recover(ctx, req, c, err, allowRetry)
	}
	return nil
}

// consumeTurn drains events until the turn's terminal event. Cancellation
// interrupts the native turn but leaves the client cached for the next one.
func (a *Adapter) consumeTurn(ctx context.Context, c *client, t *turn) error {
	for {
		select {
		case <-ctx.Done():
			if err := c.interrupt(); err != nil {
				a.logger.Warn("interrupting cancelled turn", "error", err)
			}
			return ctx.Err()
		case ev, ok := <-c.events:
			if !ok {
				err := c.readErr
				if err == nil {
					err = errors.New("stream closed")
				}
				return fault.Wrap(fault.SessionBroken,
					fmt.Errorf("session ended mid-turn: %w", err))
			}
			if a.handleEvent(ctx, ev, t) {
				return nil
			}
		}
	}
}

// recover handles a failed turn: broken sessions are torn down and the
// prompt resent once on a fresh client, anything else propagates.
func (a *Adapter) recover(ctx context.Context, req *backend.Request, c *client, err error, allowRetry bool) error {
	if fault.KindOf(err) != fault.SessionBroken || !allowRetry {
		return err
	}
	a.logger.Warn("session broken, restarting",
		"composite_key", req.CompositeKey,
		"error", err)
	a.teardown(req.CompositeKey, c)
	a.notifier.Emit(ctx, req.Scope, notify.CategoryNotify,
		fmt.Sprintf("♻️ %s session was reset. Retrying your request...", a.name))
	return a.runTurn(ctx, req, false)
}

// getOrCreate returns the cached client for the composite key or starts a
// fresh one, resuming from the stored native id when there is one.
func (a *Adapter) getOrCreate(ctx context.Context, req *backend.Request) (*client, error) {
	a.mu.Lock()
	c := a.clients[req.CompositeKey]
	a.mu.Unlock()
	if c != nil {
		if c.alive() {
			return c, nil
		}
		a.teardown(req.CompositeKey, c)
	}

	resumeID, err := a.sessions.Get(ctx, req.BaseScopeID, a.name, req.WorkingPath)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("loading session id: %w", err)
	}

	workdir := backend.EnsureWorkingDir(req.WorkingPath, a.logger)
	if resumeID == "" {
		if err := a.primer.Prime(ctx, workdir); err != nil {
			a.logger.Debug("workspace priming skipped", "dir", workdir, "error", err)
		}
	}

	args := a.buildArgs(req, resumeID)
	c, err = startClient(a.newCommand, a.profile.Binary, args, workdir, a.logger)
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	a.clients[req.CompositeKey] = c
	a.mu.Unlock()

	a.logger.Info("client started",
		"composite_key", req.CompositeKey,
		"pid", c.cmd.Process.Pid,
		"resume", resumeID != "")
	return c, nil
}

// buildArgs assembles the client argv: profile args, model selection, and
// the resume id when one is stored. The prompt travels over stdin.
func (a *Adapter) buildArgs(req *backend.Request, resumeID string) []string {
	args := append([]string{}, a.profile.Args...)
	model := req.ModelOverride
	if model == "" {
		model = a.profile.Model
	}
	if model != "" {
		args = append(args, "--model", model)
	}
	if resumeID != "" {
		args = append(args, "--resume", resumeID)
	}
	return args
}

// HandleStop interrupts the live client's in-flight turn. The client stays
// cached; only the current turn dies.
func (a *Adapter) HandleStop(ctx context.Context, req *backend.Request) (bool, error) {
	a.mu.Lock()
	c := a.clients[req.CompositeKey]
	a.mu.Unlock()
	if c == nil || !c.alive() {
		return false, nil
	}

	a.notifier.Emit(ctx, req.Scope, notify.CategoryNotify,
		fmt.Sprintf("🛑 Interrupting %s session...", a.name))
	if err := c.interrupt(); err != nil {
		a.logger.Error("interrupting session",
			"composite_key", req.CompositeKey,
			"error", err)
		a.notifier.Emit(ctx, req.Scope, notify.CategoryNotify,
			fmt.Sprintf("⚠️ Failed to interrupt the %s session. Try clearing it.", a.name))
		return false, nil
	}
	return true, nil
}

// ClearSessions closes every cached client under the scope and forgets the
// stored ids for all its working paths.
func (a *Adapter) ClearSessions(ctx context.Context, scopeKey string) (int, error) {
	prefix := scopeKey + ":"
	a.mu.Lock()
	var victims []*client
	for key, c := range a.clients {
		if strings.HasPrefix(key, prefix) {
			victims = append(victims, c)
			delete(a.clients, key)
		}
	}
	a.mu.Unlock()

	for _, c := range victims {
		c.close()
	}
	if len(victims) > 0 {
		a.logger.Info("closed clients during clear",
			"scope_key", scopeKey,
			"count", len(victims))
	}

	n, err := a.sessions.ClearAll(ctx, scopeKey, a.name)
	if err != nil {
		return 0, fmt.Errorf("clearing sessions: %w", err)
	}
	return n, nil
}

// Close tears down every cached client. Closes run concurrently so a
// wedged child cannot serialize shutdown.
func (a *Adapter) Close() {
	a.mu.Lock()
	victims := make([]*client, 0, len(a.clients))
	for key, c := range a.clients {
		victims = append(victims, c)
		delete(a.clients, key)
	}
	a.mu.Unlock()

	var wg sync.WaitGroup
	for _, c := range victims {
		wg.Add(1)
		go func(c *client) {
			defer wg.Done()
			c.close()
		}(c)
	}
	wg.Wait()
}

// teardown evicts one client, guarded by identity so a concurrent
// replacement is never torn down by a stale failure path.
func (a *Adapter) teardown(compositeKey string, c *client) {
	a.mu.Lock()
	if cur, ok := a.clients[compositeKey]; ok && cur == c {
		delete(a.clients, compositeKey)
	}
	a.mu.Unlock()
	c.close()
}
