// ABOUTME: Remote-service backend adapter speaking a session HTTP API
// ABOUTME: One synchronous request per turn with transient-only retry and abort on stop

package remote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/2389/seance/internal/backend"
	"github.com/2389/seance/internal/config"
	"github.com/2389/seance/internal/fault"
	"github.com/2389/seance/internal/notify"
	"github.com/2389/seance/internal/store"
)

// Adapter fronts a session-oriented HTTP service. The service outlives
// turns; continuity is the remote session id stored per conversation and
// working path.
type Adapter struct {
	name     string
	profile  *config.Profile
	sessions store.Store
	notifier *backend.Notifier
	logger   *slog.Logger

	service ServiceHandle

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex // base scope id -> turn lock

	regMu  sync.Mutex
	active map[string]activeTurn // base scope id -> in-flight remote call
}

// activeTurn is what stop and clear need to abort a remote call.
type activeTurn struct {
	sessionID string
	dir       string
}

// New builds a remote adapter for one configured backend profile.
func New(name string, profile *config.Profile, sessions store.Store, notifier *backend.Notifier, logger *slog.Logger) *Adapter {
	scoped := logger.With("component", "remote", "backend", name)
	return &Adapter{
		name:     name,
		profile:  profile,
		sessions: sessions,
		notifier: notifier,
		logger:   scoped,
		service:  NewServerManager(profile, scoped),
		locks:    make(map[string]*sync.Mutex),
		active:   make(map[string]activeTurn),
	}
}

func (a *Adapter) Name() string { return a.name }

// HandleMessage runs one turn: ensure the service, resolve or create the
// remote session, send the prompt with transient-only retry, and emit the
// response as the result.
func (a *Adapter) HandleMessage(ctx context.Context, req *backend.Request) error {
	lock := a.lockFor(req.BaseScopeID)
	lock.Lock()
	defer lock.Unlock()

	if req.Ticket != nil {
		req.Ticket.SetActivity("Connecting to " + a.name)
	}
	baseURL, err := a.service.EnsureRunning(ctx)
	if err != nil {
		return err
	}
	api := newAPIClient(baseURL, a.name, a.logger)

	workdir := backend.EnsureWorkingDir(req.WorkingPath, a.logger)
	sessionID, err := a.resolveSession(ctx, api, req, workdir)
	if err != nil {
		return err
	}

	a.regMu.Lock()
	a.active[req.BaseScopeID] = activeTurn{sessionID: sessionID, dir: workdir}
	a.regMu.Unlock()
	defer func() {
		a.regMu.Lock()
		delete(a.active, req.BaseScopeID)
		a.regMu.Unlock()
	}()

	msg := a.buildMessage(req)
	if req.Ticket != nil {
		req.Ticket.SetActivity("Waiting for " + a.name + " response")
	}

	var resp *messageResponse
	attempt := 0
	err = fault.Retry(ctx, a.profile.RetryAttempts, a.profile.RetryBackoff, func() error {
		attempt++
		if attempt > 1 {
			a.logger.Warn("retrying message send",
				"attempt", attempt,
				"max", a.profile.RetryAttempts,
				"session_id", sessionID)
			if req.Ticket != nil {
				req.Ticket.SetActivity(fmt.Sprintf("%s timeout, retrying (%d/%d)",
					a.name, attempt, a.profile.RetryAttempts))
			}
		}
		var sendErr error
		resp, sendErr = api.sendMessage(ctx, sessionID, workdir, msg)
		return sendErr
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("sending message: %w", err)
	}

	text := extractText(resp)
	if text == "" {
		a.notifier.Emit(ctx, req.Scope, notify.CategoryResult,
			backend.ResultText("warning", req.StartedAt, fmt.Sprintf("(No response from %s)", a.name)))
		return nil
	}
	a.notifier.Emit(ctx, req.Scope, notify.CategoryResult,
		backend.ResultText("success", req.StartedAt, text))
	return nil
}

// resolveSession returns a live remote session id: the stored one when the
// service still knows it, otherwise a fresh session persisted before use.
func (a *Adapter) resolveSession(ctx context.Context, api *apiClient, req *backend.Request, workdir string) (string, error) {
	stored, err := a.sessions.Get(ctx, req.BaseScopeID, a.name, req.WorkingPath)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return "", fmt.Errorf("loading session id: %w", err)
	}
	if stored != "" {
		if api.sessionExists(ctx, stored, workdir) {
			return stored, nil
		}
		a.logger.Warn("stored session gone, recreating",
			"scope_key", req.BaseScopeID,
			"session_id", stored)
	}

	id, err := api.createSession(ctx, workdir, "seance:"+req.BaseScopeID)
	if err != nil {
		return "", fmt.Errorf("creating session: %w", err)
	}
	if err := a.sessions.Set(ctx, req.BaseScopeID, a.name, req.WorkingPath, id); err != nil {
		return "", fmt.Errorf("persisting session id: %w", err)
	}
	a.logger.Info("session created",
		"scope_key", req.BaseScopeID,
		"working_path", req.WorkingPath,
		"session_id", id)
	return id, nil
}

// buildMessage applies call parameters with per-request overrides first
// and profile values as the fallback. Absent values are omitted so the
// service applies its own defaults.
func (a *Adapter) buildMessage(req *backend.Request) *messageRequest {
	agent := req.AgentOverride
	if agent == "" {
		agent = a.profile.Agent
	}
	modelStr := req.ModelOverride
	if modelStr == "" {
		modelStr = a.profile.Model
	}
	var ref *modelRef
	if modelStr != "" {
		if parts := strings.SplitN(modelStr, "/", 2); len(parts) == 2 {
			ref = &modelRef{ProviderID: parts[0], ModelID: parts[1]}
		}
	}
	reasoning := req.ReasoningOverride
	if reasoning == "" {
		reasoning = a.profile.ReasoningEffort
	}
	return &messageRequest{
		Parts:           []messagePart{{Type: "text", Text: req.Text}},
		Agent:           agent,
		Model:           ref,
		ReasoningEffort: reasoning,
	}
}

// HandleStop aborts the conversation's in-flight remote call. The
// dispatcher cancels the local turn; this tells the service to stop
// burning tokens on it.
func (a *Adapter) HandleStop(ctx context.Context, req *backend.Request) (bool, error) {
	a.regMu.Lock()
	at, ok := a.active[req.BaseScopeID]
	a.regMu.Unlock()
	if !ok {
		return false, nil
	}

	api := newAPIClient(a.service.BaseURL(), a.name, a.logger)
	if !api.abortSession(ctx, at.sessionID, at.dir) {
		a.logger.Warn("abort request failed",
			"scope_key", req.BaseScopeID,
			"session_id", at.sessionID)
	}
	a.notifier.Emit(ctx, req.Scope, notify.CategoryNotify,
		fmt.Sprintf("🛑 Terminated %s execution.", a.name))
	return true, nil
}

// ClearSessions aborts any in-flight call for the scope and forgets the
// stored ids for all its working paths.
func (a *Adapter) ClearSessions(ctx context.Context, scopeKey string) (int, error) {
	a.regMu.Lock()
	at, ok := a.active[scopeKey]
	a.regMu.Unlock()
	if ok {
		api := newAPIClient(a.service.BaseURL(), a.name, a.logger)
		api.abortSession(ctx, at.sessionID, at.dir)
	}

	n, err := a.sessions.ClearAll(ctx, scopeKey, a.name)
	if err != nil {
		return 0, fmt.Errorf("clearing sessions: %w", err)
	}
	return n, nil
}

// Close shuts down the managed service process.
func (a *Adapter) Close() {
	a.service.Close()
}

func (a *Adapter) lockFor(base string) *sync.Mutex {
	a.locksMu.Lock()
	defer a.locksMu.Unlock()
	lock, ok := a.locks[base]
	if !ok {
		lock = &sync.Mutex{}
		a.locks[base] = lock
	}
	return lock
}
