// ABOUTME: Backend launch profile loading from TOML
// ABOUTME: A profile that fails validation disables its backend instead of crashing the daemon

package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// Backend execution kinds.
const (
	KindPersistent = "persistent"
	KindSpawn      = "spawn"
	KindRemote     = "remote"
)

// Remote-service defaults, applied when a profile leaves them unset.
const (
	DefaultRemoteHost     = "127.0.0.1"
	DefaultRemotePort     = 4096
	DefaultStartupTimeout = 15 * time.Second
	DefaultRetryAttempts  = 3
	DefaultRetryBackoff   = 2 * time.Second
)

// Profile describes how to launch and talk to one backend.
type Profile struct {
	Kind   string   `toml:"kind"`
	Binary string   `toml:"binary"`
	Args   []string `toml:"args"`

	// Default call parameters, overridable per conversation
	Agent           string `toml:"agent"`
	Model           string `toml:"model"`
	ReasoningEffort string `toml:"reasoning_effort"`

	// Remote-service settings
	Host string `toml:"host"`
	Port int    `toml:"port"`

	StartupTimeout time.Duration `toml:"-"`
	RetryBackoff   time.Duration `toml:"-"`
	RetryAttempts  int           `toml:"retry_attempts"`

	// Raw string values for TOML unmarshaling
	StartupTimeoutRaw string `toml:"startup_timeout"`
	RetryBackoffRaw   string `toml:"retry_backoff"`
}

// Profiles is the parsed backends file: one profile per backend name.
type Profiles struct {
	Backends map[string]*Profile `toml:"backends"`
}

// LoadProfiles reads the backend launch profiles from a TOML file,
// expanding ${VAR} environment references. Individual profiles are not
// validated here: callers check each with Validate and disable the ones
// that fail, so one bad profile never takes the daemon down.
func LoadProfiles(path string) (*Profiles, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading backends file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	var p Profiles
	if _, err := toml.Decode(expanded, &p); err != nil {
		return nil, fmt.Errorf("parsing backends file: %w", err)
	}

	for name, profile := range p.Backends {
		if err := profile.parseDurations(); err != nil {
			return nil, fmt.Errorf("backend %q: %w", name, err)
		}
		profile.applyDefaults()
	}

	return &p, nil
}

// Validate checks the fields the profile's kind requires. A failing profile
// is disabled by the caller, not fatal.
func (p *Profile) Validate() error {
	switch p.Kind {
	case KindPersistent, KindSpawn:
		if p.Binary == "" {
			return fmt.Errorf("binary is required for kind %q", p.Kind)
		}
	case KindRemote:
		if p.Binary == "" {
			return fmt.Errorf("binary is required for kind %q", p.Kind)
		}
		if p.Port <= 0 || p.Port > 65535 {
			return fmt.Errorf("port %d is out of range", p.Port)
		}
	case "":
		return fmt.Errorf("kind is required")
	default:
		return fmt.Errorf("unknown kind %q", p.Kind)
	}
	return nil
}

func (p *Profile) parseDurations() error {
	var err error

	if p.StartupTimeoutRaw != "" {
		p.StartupTimeout, err = time.ParseDuration(p.StartupTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing startup_timeout %q: %w", p.StartupTimeoutRaw, err)
		}
	}

	if p.RetryBackoffRaw != "" {
		p.RetryBackoff, err = time.ParseDuration(p.RetryBackoffRaw)
		if err != nil {
			return fmt.Errorf("parsing retry_backoff %q: %w", p.RetryBackoffRaw, err)
		}
	}

	return nil
}

func (p *Profile) applyDefaults() {
	if p.Host == "" {
		p.Host = DefaultRemoteHost
	}
	if p.Port == 0 {
		p.Port = DefaultRemotePort
	}
	if p.StartupTimeout == 0 {
		p.StartupTimeout = DefaultStartupTimeout
	}
	if p.RetryAttempts == 0 {
		p.RetryAttempts = DefaultRetryAttempts
	}
	if p.RetryBackoff == 0 {
		p.RetryBackoff = DefaultRetryBackoff
	}
}
