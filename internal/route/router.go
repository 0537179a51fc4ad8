// ABOUTME: Router resolves platform+scope to a backend name via a rule table
// ABOUTME: Loads rules from a YAML file, degrading to default-only when the file is absent

package route

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"
)

// ErrNoDefault means neither the routing file nor the configuration named a
// default backend.
var ErrNoDefault = errors.New("routing table has no default backend")

// Rule maps one platform and scope pattern to a backend name. Scope is an
// exact scope key or "*" for any scope on the platform.
type Rule struct {
	Platform string `yaml:"platform"`
	Scope    string `yaml:"scope"`
	Backend  string `yaml:"backend"`
}

// tableFile is the on-disk shape of the routing table.
type tableFile struct {
	Default string `yaml:"default"`
	Rules   []Rule `yaml:"rules"`
}

// Router maps (platform, scopeKey) to a backend name. Rules are evaluated
// in file order, first match wins; a required default catches the rest.
type Router struct {
	defaultBackend string
	rules          []Rule
	logger         *slog.Logger
}

// NewRouter creates a default-only router.
func NewRouter(defaultBackend string, logger *slog.Logger) (*Router, error) {
	if defaultBackend == "" {
		return nil, ErrNoDefault
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		defaultBackend: defaultBackend,
		logger:         logger.With("component", "router"),
	}, nil
}

// LoadRouter reads a routing table from path. A missing file is not an
// error: routing degrades to default-only. A default named in the file wins
// over the configured one.
func LoadRouter(path, defaultBackend string, logger *slog.Logger) (*Router, error) {
	if logger == nil {
		logger = slog.Default()
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		logger.Info("no routing table, using default backend only",
			"path", path,
			"default", defaultBackend)
		return NewRouter(defaultBackend, logger)
	}
	if err != nil {
		return nil, fmt.Errorf("reading routing table: %w", err)
	}

	var file tableFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing routing table: %w", err)
	}

	if file.Default != "" {
		defaultBackend = file.Default
	}
	if defaultBackend == "" {
		return nil, ErrNoDefault
	}

	for i, rule := range file.Rules {
		if rule.Platform == "" || rule.Scope == "" || rule.Backend == "" {
			return nil, fmt.Errorf("routing rule %d: platform, scope, and backend are all required", i)
		}
	}

	r := &Router{
		defaultBackend: defaultBackend,
		rules:          file.Rules,
		logger:         logger.With("component", "router"),
	}
	r.logger.Info("routing table loaded",
		"path", path,
		"rules", len(file.Rules),
		"default", defaultBackend)
	return r, nil
}

// Resolve returns the backend name for a platform and scope key. Rules are
// checked in order; no match falls through to the default backend, so
// Resolve always returns a name.
func (r *Router) Resolve(platform, scopeKey string) string {
	for _, rule := range r.rules {
		if rule.Platform != platform {
			continue
		}
		if rule.Scope == scopeKey || rule.Scope == "*" {
			return rule.Backend
		}
	}
	return r.defaultBackend
}

// Default returns the fallback backend name.
func (r *Router) Default() string {
	return r.defaultBackend
}
