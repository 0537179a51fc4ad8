// ABOUTME: Lifecycle manager for the remote backend's local service process
// ABOUTME: Health-gated startup with bounded polling; the service is shared across turns

package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/2389/seance/internal/config"
	"github.com/2389/seance/internal/fault"
)

const (
	healthPollInterval = 500 * time.Millisecond
	healthCheckTimeout = 5 * time.Second
	stopGrace          = 5 * time.Second
)

// CommandFactory builds the service command. Injected so tests can
// substitute harmless executables.
type CommandFactory func(name string, arg ...string) *exec.Cmd

// ServiceHandle is the adapter's view of the service lifecycle. The
// default implementation owns a local server process; tests substitute a
// static one pointed at a fixture.
type ServiceHandle interface {
	// EnsureRunning returns the service base URL, starting the service
	// if it is not answering health checks.
	EnsureRunning(ctx context.Context) (string, error)

	// BaseURL returns the service address without ensuring liveness.
	// Best-effort paths like abort use it so a dead service is not
	// restarted just to be told to stop.
	BaseURL() string

	// Close terminates the managed service process, if any.
	Close()
}

// ServerManager starts and supervises one service process for a backend
// profile. Health decides everything: an already-healthy service is
// reused even if some other supervisor started it.
type ServerManager struct {
	binary         string
	host           string
	port           int
	extraArgs      []string
	startupTimeout time.Duration
	logger         *slog.Logger
	httpc          *http.Client

	newCommand CommandFactory

	mu       sync.Mutex
	proc     *exec.Cmd
	procDone chan struct{}
}

// NewServerManager builds a manager from a remote backend profile.
func NewServerManager(profile *config.Profile, logger *slog.Logger) *ServerManager {
	return &ServerManager{
		binary:         profile.Binary,
		host:           profile.Host,
		port:           profile.Port,
		extraArgs:      profile.Args,
		startupTimeout: profile.StartupTimeout,
		logger:         logger,
		httpc:          &http.Client{},
		newCommand:     exec.Command,
	}
}

func (m *ServerManager) BaseURL() string {
	return fmt.Sprintf("http://%s:%d", m.host, m.port)
}

// EnsureRunning returns the base URL once the service answers health
// checks, starting it when needed and polling up to the startup timeout.
func (m *ServerManager) EnsureRunning(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.healthy(ctx) {
		return m.BaseURL(), nil
	}
	if err := m.startLocked(); err != nil {
		return "", err
	}

	deadline := time.Now().Add(m.startupTimeout)
	for {
		if m.healthy(ctx) {
			m.logger.Info("service healthy", "url", m.BaseURL())
			return m.BaseURL(), nil
		}
		if time.Now().After(deadline) {
			return "", fault.Wrap(fault.BackendUnavailable,
				fmt.Errorf("service at %s not healthy after %s", m.BaseURL(), m.startupTimeout))
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(healthPollInterval):
		}
	}
}

func (m *ServerManager) healthy(ctx context.Context) bool {
	hctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(hctx, http.MethodGet, m.BaseURL()+"/global/health", nil)
	if err != nil {
		return false
	}
	resp, err := m.httpc.Do(req)
	if err != nil {
		m.logger.Debug("health check failed", "error", err)
		return false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false
	}
	var body struct {
		Healthy bool `json:"healthy"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return false
	}
	return body.Healthy
}

func (m *ServerManager) startLocked() error {
	m.stopLocked()

	args := append([]string{
		"serve",
		fmt.Sprintf("--hostname=%s", m.host),
		fmt.Sprintf("--port=%d", m.port),
	}, m.extraArgs...)
	cmd := m.newCommand(m.binary, args...)

	if err := cmd.Start(); err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return fault.Wrap(fault.ConfigMissing,
				fmt.Errorf("starting %s: %w", m.binary, err))
		}
		return fault.Wrap(fault.BackendUnavailable,
			fmt.Errorf("starting %s: %w", m.binary, err))
	}
	m.logger.Info("service starting",
		"binary", m.binary,
		"url", m.BaseURL(),
		"pid", cmd.Process.Pid)

	done := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(done)
	}()
	m.proc, m.procDone = cmd, done
	return nil
}

// stopLocked terminates the managed process: SIGTERM, a grace period,
// then a hard kill.
func (m *ServerManager) stopLocked() {
	if m.proc == nil {
		return
	}
	select {
	case <-m.procDone:
	default:
		_ = m.proc.Process.Signal(syscall.SIGTERM)
		select {
		case <-m.procDone:
		case <-time.After(stopGrace):
			_ = m.proc.Process.Kill()
			<-m.procDone
		}
		m.logger.Info("service stopped", "binary", m.binary)
	}
	m.proc, m.procDone = nil, nil
}

func (m *ServerManager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopLocked()
}
