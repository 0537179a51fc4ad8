// ABOUTME: Spawned-process backend adapter, one child process per turn
// ABOUTME: Streams NDJSON events from stdout and resumes sessions via a stored native id

package spawn

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"syscall"

	"github.com/2389/seance/internal/backend"
	"github.com/2389/seance/internal/config"
	"github.com/2389/seance/internal/fault"
	"github.com/2389/seance/internal/notify"
	"github.com/2389/seance/internal/store"
)

// streamBufferLimit caps a single stdout line. Agent payloads can carry
// whole files, so the ceiling is generous; past it the turn is aborted.
const streamBufferLimit = 8 * 1024 * 1024

// Adapter runs one child process per turn. The process lives only as long
// as the turn; continuity between turns comes from the native session id
// the child reports, persisted and passed back as a resume argument.
type Adapter struct {
	name     string
	profile  *config.Profile
	sessions store.Store
	notifier *backend.Notifier
	logger   *slog.Logger

	newCommand CommandFactory

	// The registry is second-line defense behind the dispatcher's
	// single-flight table. It maps conversations to live children so
	// stop and supersession can find the group to kill.
	mu         sync.Mutex
	active     map[string]*process // composite key -> running child
	baseIndex  map[string]string   // base scope id -> composite key
	compToBase map[string]string   // composite key -> base scope id
}

// New builds a spawn adapter for one configured backend profile.
func New(name string, profile *config.Profile, sessions store.Store, notifier *backend.Notifier, logger *slog.Logger) *Adapter {
	return &Adapter{
		name:       name,
		profile:    profile,
		sessions:   sessions,
		notifier:   notifier,
		logger:     logger.With("component", "spawn", "backend", name),
		newCommand: exec.Command,
		active:     make(map[string]*process),
		baseIndex:  make(map[string]string),
		compToBase: make(map[string]string),
	}
}

func (a *Adapter) Name() string { return a.name }

// HandleMessage runs one full turn: kill any straggler for the same
// conversation, spawn the child with resume arguments, relay its event
// stream, and surface diagnostics if it dies badly.
func (a *Adapter) HandleMessage(ctx context.Context, req *backend.Request) error {
	if prev, prevKey := a.lookupActive(req.BaseScopeID); prev != nil {
		a.notifier.Emit(ctx, req.Scope, notify.CategoryNotify,
			fmt.Sprintf("⚠️ %s is already processing a task in this conversation. Cancelling the previous run...", a.name))
		a.logger.Info("superseding active process",
			"composite_key", prevKey,
			"request_id", req.RequestID)
		prev.stopped.Store(true)
		prev.kill()
		a.unregister(prevKey, prev)
		a.notifier.Emit(ctx, req.Scope, notify.CategoryNotify,
			fmt.Sprintf("⏹ Previous %s task cancelled. Starting the new request...", a.name))
	}

	resumeID, err := a.sessions.Get(ctx, req.BaseScopeID, a.name, req.WorkingPath)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("loading session id: %w", err)
	}

	workdir := backend.EnsureWorkingDir(req.WorkingPath, a.logger)
	args := a.buildArgs(req, resumeID, workdir)

	cmd := a.newCommand(a.profile.Binary, args...)
	cmd.Dir = workdir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return fault.Wrap(fault.ConfigMissing,
				fmt.Errorf("starting %s: %w", a.profile.Binary, err))
		}
		return fault.Wrap(fault.BackendUnavailable,
			fmt.Errorf("starting %s: %w", a.profile.Binary, err))
	}

	p := &process{cmd: cmd, done: make(chan struct{})}
	p.pgid = cmd.Process.Pid
	if pgid, pgErr := syscall.Getpgid(cmd.Process.Pid); pgErr == nil {
		p.pgid = pgid
	}
	a.register(req.BaseScopeID, req.CompositeKey, p)
	defer a.unregister(req.CompositeKey, p)

	a.logger.Info("process started",
		"pid", cmd.Process.Pid,
		"composite_key", req.CompositeKey,
		"request_id", req.RequestID,
		"resume", resumeID != "")

	// A cancelled turn must not leave the group running.
	watchDone := make(chan struct{})
	go func() {
		defer close(watchDone)
		select {
		case <-ctx.Done():
			p.stopped.Store(true)
			_ = p.signalGroup(syscall.SIGKILL)
		case <-p.done:
		}
	}()

	stderrCh := make(chan []string, 1)
	go func() {
		sc := bufio.NewScanner(stderr)
		sc.Buffer(make([]byte, 0, 64*1024), streamBufferLimit)
		stderrCh <- consumeStderr(sc)
	}()

	t := &turn{req: req, acc: &backend.TurnAccumulator{}}
	scanErr := a.consumeStdout(ctx, stdout, p, t)
	tail := <-stderrCh
	waitErr := cmd.Wait()
	close(p.done)
	<-watchDone

	if ctx.Err() != nil {
		a.logger.Info("process cancelled",
			"composite_key", req.CompositeKey,
			"request_id", req.RequestID)
		return ctx.Err()
	}
	if scanErr != nil {
		return scanErr
	}

	if code := exitCode(waitErr); code != 0 && !p.stopped.Load() {
		a.logger.Warn("process exited non-zero",
			"exit_code", code,
			"composite_key", req.CompositeKey,
			"request_id", req.RequestID)
		if len(tail) > 0 {
			a.notifier.Emit(ctx, req.Scope, notify.CategoryNotify,
				fmt.Sprintf("❗️ %s stderr:\n```\n%s\n```", a.name, strings.Join(tail, "\n")))
		}
		a.notifier.Emit(ctx, req.Scope, notify.CategoryNotify,
			fmt.Sprintf("⚠️ %s exited with a non-zero status.", a.name))
	}
	return nil
}

// consumeStdout relays the event stream line by line until EOF. An
// over-limit line kills the group so the turn cannot hang half-read.
func (a *Adapter) consumeStdout(ctx context.Context, r io.Reader, p *process, t *turn) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), streamBufferLimit)
	for sc.Scan() {
		a.handleLine(ctx, bytes.TrimSpace(sc.Bytes()), t)
	}
	if err := sc.Err(); err != nil {
		_ = p.signalGroup(syscall.SIGKILL)
		return fmt.Errorf("scanning stdout: %w", err)
	}
	return nil
}

// buildArgs assembles the child argv: profile args, model selection,
// working directory, resume id when one is stored, then the prompt.
func (a *Adapter) buildArgs(req *backend.Request, resumeID, workdir string) []string {
	args := append([]string{}, a.profile.Args...)
	model := req.ModelOverride
	if model == "" {
		model = a.profile.Model
	}
	if model != "" {
		args = append(args, "--model", model)
	}
	args = append(args, "--cd", workdir)
	if resumeID != "" {
		args = append(args, "resume", resumeID)
	}
	return append(args, req.Text)
}

// HandleStop kills the conversation's live process group, trying the
// composite key first and falling back to the base scope index.
func (a *Adapter) HandleStop(ctx context.Context, req *backend.Request) (bool, error) {
	key := req.CompositeKey
	a.mu.Lock()
	p, ok := a.active[key]
	if !ok {
		if comp, found := a.baseIndex[req.BaseScopeID]; found {
			key = comp
			p, ok = a.active[comp]
		}
	}
	a.mu.Unlock()
	if !ok || p == nil {
		return false, nil
	}

	p.stopped.Store(true)
	a.logger.Info("terminating process",
		"composite_key", key,
		"pid", p.cmd.Process.Pid)
	p.kill()
	a.unregister(key, p)
	a.notifier.Emit(ctx, req.Scope, notify.CategoryNotify,
		fmt.Sprintf("🛑 Terminated %s execution.", a.name))
	return true, nil
}

// ClearSessions drops every stored session id for the conversation and
// kills its live process if one is still running.
func (a *Adapter) ClearSessions(ctx context.Context, scopeKey string) (int, error) {
	a.mu.Lock()
	comp, found := a.baseIndex[scopeKey]
	var p *process
	if found {
		p = a.active[comp]
	}
	a.mu.Unlock()

	if p != nil {
		p.stopped.Store(true)
		p.kill()
		a.unregister(comp, p)
		a.logger.Info("terminated process during clear", "composite_key", comp)
	}

	n, err := a.sessions.ClearAll(ctx, scopeKey, a.name)
	if err != nil {
		return 0, fmt.Errorf("clearing sessions: %w", err)
	}
	return n, nil
}

func (a *Adapter) register(base, comp string, p *process) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.active[comp] = p
	a.baseIndex[base] = comp
	a.compToBase[comp] = base
}

// unregister removes p only while it is still the registered process for
// the key, so a superseded turn can never evict its successor.
func (a *Adapter) unregister(comp string, p *process) {
	a.mu.Lock()
	defer a.mu.Unlock()
	cur, ok := a.active[comp]
	if !ok || cur != p {
		return
	}
	delete(a.active, comp)
	if base, ok := a.compToBase[comp]; ok {
		delete(a.compToBase, comp)
		if a.baseIndex[base] == comp {
			delete(a.baseIndex, base)
		}
	}
}

func (a *Adapter) lookupActive(base string) (*process, string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	comp, ok := a.baseIndex[base]
	if !ok {
		return nil, ""
	}
	return a.active[comp], comp
}
