// ABOUTME: Working-directory preparation shared by backend adapters
// ABOUTME: Ensures the directory exists and primes fresh workspaces onto their trunk branch

package backend

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"time"
)

// primeTimeout bounds each git invocation during workspace priming.
const primeTimeout = 10 * time.Second

// WorkspacePrimer prepares a working directory before a session with no
// prior native id connects, so fresh sessions start from a known state.
type WorkspacePrimer interface {
	Prime(ctx context.Context, dir string) error
}

// EnsureWorkingDir creates the working directory if it is missing and
// returns the directory to use. Creation failure falls back to the process
// working directory rather than failing the turn.
func EnsureWorkingDir(path string, logger *slog.Logger) string {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(path, 0755); err != nil {
		logger.Warn("cannot create working directory, falling back to cwd",
			"path", path,
			"error", err)
		wd, werr := os.Getwd()
		if werr != nil {
			return "."
		}
		return wd
	}
	return path
}

// GitPrimer switches a workspace to its trunk branch, trying main first and
// master second. Priming is best effort: callers log and continue when no
// trunk exists (the directory may not be a repository at all).
type GitPrimer struct {
	logger *slog.Logger
}

// NewGitPrimer creates the default workspace primer.
func NewGitPrimer(logger *slog.Logger) *GitPrimer {
	if logger == nil {
		logger = slog.Default()
	}
	return &GitPrimer{logger: logger.With("component", "primer")}
}

// Prime checks out the trunk branch in dir.
func (p *GitPrimer) Prime(ctx context.Context, dir string) error {
	for _, branch := range []string{"main", "master"} {
		cmdCtx, cancel := context.WithTimeout(ctx, primeTimeout)
		cmd := exec.CommandContext(cmdCtx, "git", "checkout", branch)
		cmd.Dir = dir
		err := cmd.Run()
		cancel()

		if err == nil {
			p.logger.Info("workspace primed", "dir", dir, "branch", branch)
			return nil
		}
	}
	return fmt.Errorf("no trunk branch to check out in %s", dir)
}

// NopPrimer does nothing. Used where workspaces are not git repositories.
type NopPrimer struct{}

func (NopPrimer) Prime(ctx context.Context, dir string) error {
	return nil
}
