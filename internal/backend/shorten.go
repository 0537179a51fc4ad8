// ABOUTME: Text shorteners for one-line activity rendering
// ABOUTME: Keep status lines readable without flooding the chat with full paths and commands

package backend

import "strings"

// Shortening limits used by the adapters when building activity lines.
const (
	PathDisplayMax     = 40
	CommandDisplayMax  = 40
	TextDisplayMax     = 30
	ThinkingDisplayMax = 140
)

// ShortenPath keeps the informative tail of a long path.
func ShortenPath(path string, max int) string {
	r := []rune(path)
	if len(r) <= max {
		return path
	}
	return "..." + string(r[len(r)-(max-3):])
}

// ShortenCommand flattens a command to one line and truncates it.
func ShortenCommand(cmd string, max int) string {
	if i := strings.IndexByte(cmd, '\n'); i >= 0 {
		cmd = cmd[:i]
	}
	return ShortenText(cmd, max)
}

// ShortenText truncates with a trailing ellipsis.
func ShortenText(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max-3]) + "..."
}

// FirstLine returns the first non-empty line, truncated.
func FirstLine(s string, max int) string {
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			return ShortenText(line, max)
		}
	}
	return ""
}
