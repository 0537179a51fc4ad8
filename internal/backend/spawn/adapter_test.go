// ABOUTME: Tests for the spawn adapter using shell fixtures as fake backends
// ABOUTME: Covers streaming, resume args, supersession, group kill, and clear

package spawn

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/2389/seance/internal/backend"
	"github.com/2389/seance/internal/config"
	"github.com/2389/seance/internal/fault"
	"github.com/2389/seance/internal/notify"
	"github.com/2389/seance/internal/store"
)

type fakeStore struct {
	mu   sync.Mutex
	rows map[string]string
}

func newFakeStore() *fakeStore {
	return &fakeStore{rows: make(map[string]string)}
}

func storeKey(backendName, scopeKey, workingPath string) string {
	return backendName + "|" + scopeKey + "|" + workingPath
}

func (s *fakeStore) Get(_ context.Context, scopeKey, backendName, workingPath string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.rows[storeKey(backendName, scopeKey, workingPath)]
	if !ok {
		return "", store.ErrNotFound
	}
	return id, nil
}

func (s *fakeStore) Set(_ context.Context, scopeKey, backendName, workingPath, nativeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[storeKey(backendName, scopeKey, workingPath)] = nativeID
	return nil
}

func (s *fakeStore) ClearAll(_ context.Context, scopeKey, backendName string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prefix := backendName + "|" + scopeKey + "|"
	n := 0
	for k := range s.rows {
		if strings.HasPrefix(k, prefix) {
			delete(s.rows, k)
			n++
		}
	}
	return n, nil
}

func (s *fakeStore) ListByBackend(_ context.Context, backendName string) ([]*store.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*store.Session
	for k, id := range s.rows {
		if strings.HasPrefix(k, backendName+"|") {
			out = append(out, &store.Session{Backend: backendName, NativeID: id})
		}
	}
	return out, nil
}

func (s *fakeStore) Close() error { return nil }

type sentMsg struct {
	scope    string
	category notify.Category
	text     string
}

type recordingSink struct {
	mu    sync.Mutex
	sends []sentMsg
}

func (s *recordingSink) Send(_ context.Context, scope string, category notify.Category, text string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sends = append(s.sends, sentMsg{scope, category, text})
	return fmt.Sprintf("m%d", len(s.sends)), nil
}

func (s *recordingSink) EditText(context.Context, string, string, string) (bool, error) {
	return true, nil
}

func (s *recordingSink) DeleteMessage(context.Context, string, string) (bool, error) {
	return true, nil
}

func (s *recordingSink) SendWithActions(_ context.Context, scope string, text string, _ []notify.Action) (string, error) {
	return s.Send(context.Background(), scope, notify.CategoryNotify, text)
}

func (s *recordingSink) texts(category notify.Category) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, m := range s.sends {
		if m.category == category {
			out = append(out, m.text)
		}
	}
	return out
}

func shellFactory(script string) CommandFactory {
	return func(string, ...string) *exec.Cmd {
		return exec.Command("/bin/sh", "-c", script)
	}
}

func newTestAdapter(t *testing.T, st store.Store, factory CommandFactory) (*Adapter, *recordingSink) {
	t.Helper()
	sink := &recordingSink{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	profile := &config.Profile{
		Kind:   config.KindSpawn,
		Binary: "agentctl",
		Args:   []string{"exec", "--json"},
	}
	a := New("codex", profile, st, backend.NewNotifier(sink, logger), logger)
	if factory != nil {
		a.newCommand = factory
	}
	return a, sink
}

func newRequest(workdir string) *backend.Request {
	return &backend.Request{
		RequestID:    "req-1",
		Text:         "do the thing",
		Scope:        "slack:C1",
		BaseScopeID:  "slack_C1",
		CompositeKey: "slack_C1:" + workdir,
		SettingsKey:  "C1",
		WorkingPath:  workdir,
		StartedAt:    time.Now(),
	}
}

func TestBuildArgs(t *testing.T) {
	a, _ := newTestAdapter(t, newFakeStore(), nil)
	a.profile.Model = "gpt-5"
	req := newRequest("/work/repo")

	args := a.buildArgs(req, "", "/work/repo")
	require.Equal(t, []string{"exec", "--json", "--model", "gpt-5", "--cd", "/work/repo", "do the thing"}, args)

	args = a.buildArgs(req, "thread-9", "/work/repo")
	require.Equal(t, []string{"exec", "--json", "--model", "gpt-5", "--cd", "/work/repo", "resume", "thread-9", "do the thing"}, args)

	req.ModelOverride = "o4-mini"
	args = a.buildArgs(req, "", "/work/repo")
	require.Contains(t, args, "o4-mini")
	require.NotContains(t, args, "gpt-5")
}

func TestHandleMessage_StreamsEvents(t *testing.T) {
	st := newFakeStore()
	script := `printf '%s\n' \
		'{"type":"thread.started","thread_id":"t-1"}' \
		'{"type":"item.completed","item":{"item_type":"agent_message","text":"Hello there"}}' \
		'{"type":"turn.completed"}'`
	a, sink := newTestAdapter(t, st, shellFactory(script))

	workdir := t.TempDir()
	req := newRequest(workdir)
	require.NoError(t, a.HandleMessage(context.Background(), req))

	id, err := st.Get(context.Background(), "slack_C1", "codex", workdir)
	require.NoError(t, err)
	require.Equal(t, "t-1", id)

	assistant := sink.texts(notify.CategoryAssistant)
	require.Equal(t, []string{"Hello there"}, assistant)

	results := sink.texts(notify.CategoryResult)
	require.Len(t, results, 1)
	require.Contains(t, results[0], "✅ success")
	require.Contains(t, results[0], "Hello there")
}

func TestHandleMessage_PassesResumeID(t *testing.T) {
	st := newFakeStore()
	workdir := t.TempDir()
	require.NoError(t, st.Set(context.Background(), "slack_C1", "codex", workdir, "t-9"))

	var mu sync.Mutex
	var gotArgs []string
	factory := func(_ string, args ...string) *exec.Cmd {
		mu.Lock()
		gotArgs = append([]string{}, args...)
		mu.Unlock()
		return exec.Command("/bin/sh", "-c", "exit 0")
	}
	a, _ := newTestAdapter(t, st, factory)

	req := newRequest(workdir)
	require.NoError(t, a.HandleMessage(context.Background(), req))

	mu.Lock()
	defer mu.Unlock()
	require.Contains(t, gotArgs, "resume")
	require.Contains(t, gotArgs, "t-9")
	require.Equal(t, "do the thing", gotArgs[len(gotArgs)-1])
}

func TestHandleMessage_NonZeroExit(t *testing.T) {
	a, sink := newTestAdapter(t, newFakeStore(), shellFactory(`echo oops >&2; exit 3`))

	req := newRequest(t.TempDir())
	require.NoError(t, a.HandleMessage(context.Background(), req))

	notices := sink.texts(notify.CategoryNotify)
	require.Len(t, notices, 2)
	require.Contains(t, notices[0], "oops")
	require.Contains(t, notices[1], "non-zero status")
}

func TestHandleMessage_BinaryNotFound(t *testing.T) {
	a, _ := newTestAdapter(t, newFakeStore(), nil)
	a.profile.Binary = "definitely-missing-backend-xyz"

	err := a.HandleMessage(context.Background(), newRequest(t.TempDir()))
	require.Error(t, err)
	require.Equal(t, fault.ConfigMissing, fault.KindOf(err))
}

func TestHandleMessage_OversizedLineAborts(t *testing.T) {
	// One 9MB line, over the 8MB scanner ceiling.
	script := `head -c 9437184 /dev/zero | tr '\0' a; echo`
	a, _ := newTestAdapter(t, newFakeStore(), shellFactory(script))

	err := a.HandleMessage(context.Background(), newRequest(t.TempDir()))
	require.Error(t, err)
	require.Contains(t, err.Error(), "scanning stdout")
}

func TestHandleMessage_ContextCancelKillsGroup(t *testing.T) {
	a, _ := newTestAdapter(t, newFakeStore(), shellFactory(`sleep 30 & sleep 30`))

	ctx, cancel := context.WithCancel(context.Background())
	req := newRequest(t.TempDir())

	errCh := make(chan error, 1)
	go func() { errCh <- a.HandleMessage(ctx, req) }()

	require.Eventually(t, func() bool {
		p, _ := a.lookupActive("slack_C1")
		return p != nil
	}, 5*time.Second, 10*time.Millisecond, "process never registered")

	p, _ := a.lookupActive("slack_C1")
	pgid := p.pgid
	cancel()

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(10 * time.Second):
		t.Fatal("HandleMessage did not return after cancel")
	}

	require.Eventually(t, func() bool {
		return !processAlive(pgid)
	}, 5*time.Second, 10*time.Millisecond, "process group survived cancellation")
}

func TestHandleStop_KillsProcessGroup(t *testing.T) {
	// The background sleep is a grandchild; stop must reap it too.
	a, sink := newTestAdapter(t, newFakeStore(), shellFactory(`sleep 30 & sleep 30`))

	req := newRequest(t.TempDir())
	errCh := make(chan error, 1)
	go func() { errCh <- a.HandleMessage(context.Background(), req) }()

	require.Eventually(t, func() bool {
		p, _ := a.lookupActive("slack_C1")
		return p != nil
	}, 5*time.Second, 10*time.Millisecond, "process never registered")

	p, _ := a.lookupActive("slack_C1")
	pgid := p.pgid

	stopped, err := a.HandleStop(context.Background(), req)
	require.NoError(t, err)
	require.True(t, stopped)

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("HandleMessage did not return after stop")
	}

	require.Eventually(t, func() bool {
		return !processAlive(pgid)
	}, 5*time.Second, 10*time.Millisecond, "process group survived stop")

	notices := sink.texts(notify.CategoryNotify)
	require.NotEmpty(t, notices)
	require.Contains(t, notices[len(notices)-1], "Terminated codex execution")
}

func TestHandleStop_NothingRunning(t *testing.T) {
	a, sink := newTestAdapter(t, newFakeStore(), nil)

	stopped, err := a.HandleStop(context.Background(), newRequest(t.TempDir()))
	require.NoError(t, err)
	require.False(t, stopped)
	require.Empty(t, sink.texts(notify.CategoryNotify))
}

func TestSupersede_SecondMessageKillsFirst(t *testing.T) {
	st := newFakeStore()
	workdir := t.TempDir()

	longScript := `exec sleep 30`
	quickScript := `printf '%s\n' '{"type":"item.completed","item":{"item_type":"agent_message","text":"second answer"}}' '{"type":"turn.completed"}'`

	var mu sync.Mutex
	calls := 0
	factory := func(string, ...string) *exec.Cmd {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls == 1 {
			return exec.Command("/bin/sh", "-c", longScript)
		}
		return exec.Command("/bin/sh", "-c", quickScript)
	}
	a, sink := newTestAdapter(t, st, factory)

	first := newRequest(workdir)
	firstErr := make(chan error, 1)
	go func() { firstErr <- a.HandleMessage(context.Background(), first) }()

	require.Eventually(t, func() bool {
		p, _ := a.lookupActive("slack_C1")
		return p != nil
	}, 5*time.Second, 10*time.Millisecond, "first process never registered")

	second := newRequest(workdir)
	second.RequestID = "req-2"
	require.NoError(t, a.HandleMessage(context.Background(), second))

	select {
	case err := <-firstErr:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("first turn did not settle")
	}

	notices := sink.texts(notify.CategoryNotify)
	require.GreaterOrEqual(t, len(notices), 2)
	require.Contains(t, notices[0], "already processing")
	require.Contains(t, notices[1], "cancelled")

	results := sink.texts(notify.CategoryResult)
	require.Len(t, results, 1)
	require.Contains(t, results[0], "second answer")
}

func TestClearSessions(t *testing.T) {
	st := newFakeStore()
	ctx := context.Background()
	require.NoError(t, st.Set(ctx, "slack_C1", "codex", "/work/a", "t-1"))
	require.NoError(t, st.Set(ctx, "slack_C1", "codex", "/work/b", "t-2"))
	require.NoError(t, st.Set(ctx, "slack_C9", "codex", "/work/a", "t-3"))

	a, _ := newTestAdapter(t, st, nil)
	n, err := a.ClearSessions(ctx, "slack_C1")
	require.NoError(t, err)
	require.Equal(t, 2, n)

	_, err = st.Get(ctx, "slack_C1", "codex", "/work/a")
	require.ErrorIs(t, err, store.ErrNotFound)
	id, err := st.Get(ctx, "slack_C9", "codex", "/work/a")
	require.NoError(t, err)
	require.Equal(t, "t-3", id)
}

func TestUnregister_IdentityGuard(t *testing.T) {
	a, _ := newTestAdapter(t, newFakeStore(), nil)

	p1 := &process{done: make(chan struct{})}
	p2 := &process{done: make(chan struct{})}
	a.register("slack_C1", "slack_C1:/work", p1)

	// A stale handle must not evict the current one.
	a.unregister("slack_C1:/work", p2)
	got, _ := a.lookupActive("slack_C1")
	require.Same(t, p1, got)

	a.unregister("slack_C1:/work", p1)
	got, _ = a.lookupActive("slack_C1")
	require.Nil(t, got)
	require.Empty(t, a.active)
	require.Empty(t, a.baseIndex)
	require.Empty(t, a.compToBase)
}
