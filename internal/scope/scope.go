// ABOUTME: Stable session-key derivation from conversation coordinates
// ABOUTME: Holds the working-directory policy shared by storage reads and writes

package scope

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Context carries the conversation coordinates a platform adapter knows
// about an inbound message. DMs leave ChannelID empty.
type Context struct {
	Platform  string
	ChannelID string
	ThreadID  string
	UserID    string
	IsGroup   bool
}

// Resolver derives base scope ids, composite session keys, and working
// directories. The same resolver instance must serve both storage reads and
// writes so the derived keys always agree.
type Resolver struct {
	defaultDir string
	overrides  map[string]string
}

// NewResolver creates a resolver with a deployment default working directory
// and per-scope overrides keyed by settings key. Both may be empty.
func NewResolver(defaultDir string, overrides map[string]string) *Resolver {
	if overrides == nil {
		overrides = make(map[string]string)
	}
	return &Resolver{
		defaultDir: defaultDir,
		overrides:  overrides,
	}
}

// BaseScopeID returns the stable identifier for a conversation. Thread ids
// win over channel ids, channel ids over user ids, so thread-oriented
// platforms serialize per thread and flat chats per channel. The platform
// prefix keeps ids from different platforms disjoint.
func BaseScopeID(ctx Context) string {
	switch {
	case ctx.ThreadID != "":
		return fmt.Sprintf("%s_%s", ctx.Platform, ctx.ThreadID)
	case ctx.ChannelID != "":
		return fmt.Sprintf("%s_%s", ctx.Platform, ctx.ChannelID)
	default:
		return fmt.Sprintf("%s_%s", ctx.Platform, ctx.UserID)
	}
}

// SettingsKey returns the identifier under which scope-level settings
// (working-directory overrides, per-conversation agent overrides) are kept.
// Settings follow the channel where one exists, the user otherwise.
func SettingsKey(ctx Context) string {
	if ctx.ChannelID != "" {
		return ctx.ChannelID
	}
	return ctx.UserID
}

// CompositeKey joins a base scope id and a resolved working path into the
// unit of single-flight serialization and session persistence.
func CompositeKey(baseScopeID, workingPath string) string {
	return baseScopeID + ":" + workingPath
}

// WorkingDir resolves the working directory for a scope: per-scope override
// first, then the deployment default, then the process working directory.
func (r *Resolver) WorkingDir(settingsKey string) string {
	if dir, ok := r.overrides[settingsKey]; ok && dir != "" {
		return normalizePath(dir)
	}
	if r.defaultDir != "" {
		return normalizePath(r.defaultDir)
	}
	wd, err := os.Getwd()
	if err != nil {
		return "."
	}
	return wd
}

// SetOverride records a custom working directory for a scope. An empty dir
// removes the override.
func (r *Resolver) SetOverride(settingsKey, dir string) {
	if dir == "" {
		delete(r.overrides, settingsKey)
		return
	}
	r.overrides[settingsKey] = dir
}

// normalizePath expands a leading ~ and absolutizes the path so the same
// configured value always produces the same composite key.
func normalizePath(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			path = filepath.Join(home, strings.TrimPrefix(path[1:], "/"))
		}
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return path
	}
	return abs
}
