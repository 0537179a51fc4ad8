// ABOUTME: Tests for backend launch profile loading
// ABOUTME: Covers TOML parsing, defaults, and per-profile validation

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeProfiles(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "backends.toml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("writing backends file: %v", err)
	}
	return path
}

func TestLoadProfiles_AllKinds(t *testing.T) {
	path := writeProfiles(t, `
[backends.anthro]
kind = "persistent"
binary = "/usr/local/bin/anthro"
args = ["--output-format", "stream-json"]

[backends.codex]
kind = "spawn"
binary = "codex"
args = ["--dangerously-bypass-approvals-and-sandbox"]

[backends.opencode]
kind = "remote"
binary = "opencode"
host = "127.0.0.1"
port = 5096
agent = "build"
model = "anthropic/sonnet"
reasoning_effort = "medium"
startup_timeout = "20s"
retry_attempts = 5
retry_backoff = "1s"
`)

	p, err := LoadProfiles(path)
	if err != nil {
		t.Fatalf("LoadProfiles failed: %v", err)
	}

	if len(p.Backends) != 3 {
		t.Fatalf("expected 3 backends, got %d", len(p.Backends))
	}

	anthro := p.Backends["anthro"]
	if anthro.Kind != KindPersistent {
		t.Errorf("anthro kind: got %q", anthro.Kind)
	}
	if len(anthro.Args) != 2 {
		t.Errorf("anthro args: got %v", anthro.Args)
	}

	oc := p.Backends["opencode"]
	if oc.Port != 5096 {
		t.Errorf("opencode port: got %d", oc.Port)
	}
	if oc.StartupTimeout != 20*time.Second {
		t.Errorf("opencode startup timeout: got %v", oc.StartupTimeout)
	}
	if oc.RetryAttempts != 5 {
		t.Errorf("opencode retry attempts: got %d", oc.RetryAttempts)
	}
	if oc.RetryBackoff != time.Second {
		t.Errorf("opencode retry backoff: got %v", oc.RetryBackoff)
	}
}

func TestLoadProfiles_Defaults(t *testing.T) {
	path := writeProfiles(t, `
[backends.opencode]
kind = "remote"
binary = "opencode"
`)

	p, err := LoadProfiles(path)
	if err != nil {
		t.Fatalf("LoadProfiles failed: %v", err)
	}

	oc := p.Backends["opencode"]
	if oc.Host != DefaultRemoteHost {
		t.Errorf("host default: got %q", oc.Host)
	}
	if oc.Port != DefaultRemotePort {
		t.Errorf("port default: got %d", oc.Port)
	}
	if oc.StartupTimeout != DefaultStartupTimeout {
		t.Errorf("startup timeout default: got %v", oc.StartupTimeout)
	}
	if oc.RetryAttempts != DefaultRetryAttempts {
		t.Errorf("retry attempts default: got %d", oc.RetryAttempts)
	}
	if oc.RetryBackoff != DefaultRetryBackoff {
		t.Errorf("retry backoff default: got %v", oc.RetryBackoff)
	}
}

func TestLoadProfiles_EnvExpansion(t *testing.T) {
	t.Setenv("SEANCE_TEST_BIN", "/opt/bin/agent")

	path := writeProfiles(t, `
[backends.anthro]
kind = "persistent"
binary = "${SEANCE_TEST_BIN}"
`)

	p, err := LoadProfiles(path)
	if err != nil {
		t.Fatalf("LoadProfiles failed: %v", err)
	}
	if got := p.Backends["anthro"].Binary; got != "/opt/bin/agent" {
		t.Errorf("binary not expanded: got %q", got)
	}
}

func TestProfileValidate(t *testing.T) {
	tests := []struct {
		name    string
		profile Profile
		wantErr string
	}{
		{
			name:    "persistent ok",
			profile: Profile{Kind: KindPersistent, Binary: "anthro"},
		},
		{
			name:    "spawn missing binary",
			profile: Profile{Kind: KindSpawn},
			wantErr: "binary is required",
		},
		{
			name:    "remote bad port",
			profile: Profile{Kind: KindRemote, Binary: "opencode", Port: 70000},
			wantErr: "out of range",
		},
		{
			name:    "missing kind",
			profile: Profile{Binary: "something"},
			wantErr: "kind is required",
		},
		{
			name:    "unknown kind",
			profile: Profile{Kind: "serverless", Binary: "x"},
			wantErr: "unknown kind",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.profile.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoadProfiles_BadDuration(t *testing.T) {
	path := writeProfiles(t, `
[backends.opencode]
kind = "remote"
binary = "opencode"
startup_timeout = "forever"
`)

	_, err := LoadProfiles(path)
	if err == nil {
		t.Fatal("expected duration parse error")
	}
	if !strings.Contains(err.Error(), "opencode") {
		t.Errorf("error should name the backend: %v", err)
	}
}
