// ABOUTME: Tests for the remote adapter against an httptest session API
// ABOUTME: Covers session create/reuse/recreate, retry, overrides, stop, and clear

package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/2389/seance/internal/backend"
	"github.com/2389/seance/internal/config"
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

func (s *fakeStore) ListByBackend(context.Context, string) ([]*store.Session, error) {
	return nil, nil
}

func (s *fakeStore) Close() error { return nil }

type sentMsg struct {
	category notify.Category
	text     string
}

type recordingSink struct {
	mu    sync.Mutex
	sends []sentMsg
}

func (s *recordingSink) Send(_ context.Context, _ string, category notify.Category, text string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sends = append(s.sends, sentMsg{category, text})
	return fmt.Sprintf("m%d", len(s.sends)), nil
}

func (s *recordingSink) EditText(context.Context, string, string, string) (bool, error) {
	return true, nil
}

func (s *recordingSink) DeleteMessage(context.Context, string, string) (bool, error) {
	return true, nil
}

func (s *recordingSink) SendWithActions(ctx context.Context, scope string, text string, _ []notify.Action) (string, error) {
	return s.Send(ctx, scope, notify.CategoryNotify, text)
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

// fakeService is a captured httptest session API.
type fakeService struct {
	srv *httptest.Server

	mu            sync.Mutex
	creates       int
	sends         int
	aborts        int
	lastTitle     string
	lastDir       string
	lastMsgPath   string
	lastMsg       messageRequest
	known         map[string]bool
	failFirstSend bool
	blockSend     chan struct{}
}

func newFakeService(t *testing.T) *fakeService {
	t.Helper()
	f := &fakeService{known: make(map[string]bool)}
	f.srv = httptest.NewServer(http.HandlerFunc(f.handle))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeService) handle(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == "/global/health":
		fmt.Fprint(w, `{"healthy": true}`)

	case r.Method == http.MethodPost && r.URL.Path == "/session":
		var body createSessionRequest
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.mu.Lock()
		f.creates++
		f.lastTitle = body.Title
		f.lastDir = r.Header.Get("x-opencode-directory")
		f.known["ses-1"] = true
		f.mu.Unlock()
		fmt.Fprint(w, `{"id": "ses-1"}`)

	case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/abort"):
		f.mu.Lock()
		f.aborts++
		f.mu.Unlock()
		fmt.Fprint(w, `{}`)

	case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/message"):
		f.mu.Lock()
		f.sends++
		failNow := f.failFirstSend && f.sends == 1
		block := f.blockSend
		f.lastMsgPath = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&f.lastMsg)
		f.mu.Unlock()
		if failNow {
			conn, _, err := w.(http.Hijacker).Hijack()
			if err == nil {
				conn.Close()
			}
			return
		}
		if block != nil {
			<-block
		}
		fmt.Fprint(w, `{"parts": [{"type": "text", "text": "answer from remote"}]}`)

	case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/session/"):
		id := strings.TrimPrefix(r.URL.Path, "/session/")
		f.mu.Lock()
		ok := f.known[id]
		f.mu.Unlock()
		if !ok {
			http.NotFound(w, r)
			return
		}
		fmt.Fprintf(w, `{"id": %q}`, id)

	default:
		http.NotFound(w, r)
	}
}

type staticService struct {
	url string
}

func (s staticService) EnsureRunning(context.Context) (string, error) { return s.url, nil }
func (s staticService) BaseURL() string                               { return s.url }
func (s staticService) Close()                                        {}

func newTestAdapter(t *testing.T, st store.Store, svc *fakeService) (*Adapter, *recordingSink) {
	t.Helper()
	sink := &recordingSink{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	profile := &config.Profile{
		Kind:          config.KindRemote,
		Binary:        "opencode",
		RetryAttempts: 3,
		RetryBackoff:  10 * time.Millisecond,
	}
	a := New("opencode", profile, st, backend.NewNotifier(sink, logger), logger)
	a.service = staticService{url: svc.srv.URL}
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

func hasActive(a *Adapter, base string) bool {
	a.regMu.Lock()
	defer a.regMu.Unlock()
	_, ok := a.active[base]
	return ok
}

func TestHandleMessage_CreatesSessionAndSends(t *testing.T) {
	st := newFakeStore()
	svc := newFakeService(t)
	a, sink := newTestAdapter(t, st, svc)

	workdir := t.TempDir()
	require.NoError(t, a.HandleMessage(context.Background(), newRequest(workdir)))

	svc.mu.Lock()
	require.Equal(t, 1, svc.creates)
	require.Equal(t, "seance:slack_C1", svc.lastTitle)
	require.Equal(t, workdir, svc.lastDir)
	require.Equal(t, "/session/ses-1/message", svc.lastMsgPath)
	require.Equal(t, "do the thing", svc.lastMsg.Parts[0].Text)
	svc.mu.Unlock()

	id, err := st.Get(context.Background(), "slack_C1", "opencode", workdir)
	require.NoError(t, err)
	require.Equal(t, "ses-1", id)

	results := sink.texts(notify.CategoryResult)
	require.Len(t, results, 1)
	require.Contains(t, results[0], "✅ success")
	require.Contains(t, results[0], "answer from remote")
}

func TestHandleMessage_ReusesStoredSession(t *testing.T) {
	st := newFakeStore()
	svc := newFakeService(t)
	svc.mu.Lock()
	svc.known["ses-9"] = true
	svc.mu.Unlock()
	a, _ := newTestAdapter(t, st, svc)

	workdir := t.TempDir()
	require.NoError(t, st.Set(context.Background(), "slack_C1", "opencode", workdir, "ses-9"))
	require.NoError(t, a.HandleMessage(context.Background(), newRequest(workdir)))

	svc.mu.Lock()
	defer svc.mu.Unlock()
	require.Equal(t, 0, svc.creates)
	require.Equal(t, "/session/ses-9/message", svc.lastMsgPath)
}

func TestHandleMessage_RecreatesMissingSession(t *testing.T) {
	st := newFakeStore()
	svc := newFakeService(t)
	a, _ := newTestAdapter(t, st, svc)

	workdir := t.TempDir()
	require.NoError(t, st.Set(context.Background(), "slack_C1", "opencode", workdir, "ses-dead"))
	require.NoError(t, a.HandleMessage(context.Background(), newRequest(workdir)))

	svc.mu.Lock()
	require.Equal(t, 1, svc.creates)
	require.Equal(t, "/session/ses-1/message", svc.lastMsgPath)
	svc.mu.Unlock()

	id, err := st.Get(context.Background(), "slack_C1", "opencode", workdir)
	require.NoError(t, err)
	require.Equal(t, "ses-1", id)
}

func TestHandleMessage_RetriesTransientFailure(t *testing.T) {
	svc := newFakeService(t)
	svc.mu.Lock()
	svc.failFirstSend = true
	svc.mu.Unlock()
	a, sink := newTestAdapter(t, newFakeStore(), svc)

	require.NoError(t, a.HandleMessage(context.Background(), newRequest(t.TempDir())))

	svc.mu.Lock()
	require.Equal(t, 2, svc.sends)
	svc.mu.Unlock()

	results := sink.texts(notify.CategoryResult)
	require.Len(t, results, 1)
	require.Contains(t, results[0], "answer from remote")
}

func TestHandleMessage_AppliesOverrides(t *testing.T) {
	svc := newFakeService(t)
	a, _ := newTestAdapter(t, newFakeStore(), svc)
	a.profile.Agent = "build"
	a.profile.Model = "openai/gpt-5"

	req := newRequest(t.TempDir())
	req.AgentOverride = "plan"
	req.ModelOverride = "anthropic/claude-4"
	req.ReasoningOverride = "high"
	require.NoError(t, a.HandleMessage(context.Background(), req))

	svc.mu.Lock()
	require.Equal(t, "plan", svc.lastMsg.Agent)
	require.NotNil(t, svc.lastMsg.Model)
	require.Equal(t, "anthropic", svc.lastMsg.Model.ProviderID)
	require.Equal(t, "claude-4", svc.lastMsg.Model.ModelID)
	require.Equal(t, "high", svc.lastMsg.ReasoningEffort)
	svc.mu.Unlock()

	// Without overrides the profile values apply.
	require.NoError(t, a.HandleMessage(context.Background(), newRequest(t.TempDir())))
	svc.mu.Lock()
	defer svc.mu.Unlock()
	require.Equal(t, "build", svc.lastMsg.Agent)
	require.Equal(t, "openai", svc.lastMsg.Model.ProviderID)
	require.Equal(t, "gpt-5", svc.lastMsg.Model.ModelID)
	require.Empty(t, svc.lastMsg.ReasoningEffort)
}

func TestHandleStop_AbortsActiveTurn(t *testing.T) {
	svc := newFakeService(t)
	release := make(chan struct{})
	svc.mu.Lock()
	svc.blockSend = release
	svc.mu.Unlock()
	a, sink := newTestAdapter(t, newFakeStore(), svc)

	req := newRequest(t.TempDir())
	errCh := make(chan error, 1)
	go func() { errCh <- a.HandleMessage(context.Background(), req) }()

	require.Eventually(t, func() bool {
		return hasActive(a, "slack_C1")
	}, 5*time.Second, 10*time.Millisecond, "turn never registered")

	stopped, err := a.HandleStop(context.Background(), req)
	require.NoError(t, err)
	require.True(t, stopped)

	svc.mu.Lock()
	require.Equal(t, 1, svc.aborts)
	svc.mu.Unlock()

	notices := sink.texts(notify.CategoryNotify)
	require.Len(t, notices, 1)
	require.Contains(t, notices[0], "Terminated opencode execution")

	close(release)
	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("turn did not settle")
	}
}

func TestHandleStop_NothingActive(t *testing.T) {
	svc := newFakeService(t)
	a, sink := newTestAdapter(t, newFakeStore(), svc)

	stopped, err := a.HandleStop(context.Background(), newRequest(t.TempDir()))
	require.NoError(t, err)
	require.False(t, stopped)
	require.Empty(t, sink.texts(notify.CategoryNotify))
}

func TestClearSessions(t *testing.T) {
	st := newFakeStore()
	svc := newFakeService(t)
	a, _ := newTestAdapter(t, st, svc)

	ctx := context.Background()
	require.NoError(t, st.Set(ctx, "slack_C1", "opencode", "/work/a", "ses-1"))
	require.NoError(t, st.Set(ctx, "slack_C1", "opencode", "/work/b", "ses-2"))
	require.NoError(t, st.Set(ctx, "slack_C9", "opencode", "/work/a", "ses-3"))

	n, err := a.ClearSessions(ctx, "slack_C1")
	require.NoError(t, err)
	require.Equal(t, 2, n)

	_, err = st.Get(ctx, "slack_C1", "opencode", "/work/a")
	require.ErrorIs(t, err, store.ErrNotFound)
	id, err := st.Get(ctx, "slack_C9", "opencode", "/work/a")
	require.NoError(t, err)
	require.Equal(t, "ses-3", id)
}
