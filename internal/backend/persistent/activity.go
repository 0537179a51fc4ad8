// ABOUTME: Short activity descriptions derived from streamed tool invocations
// ABOUTME: Feeds the status reporter's "what is it doing right now" line

package persistent

import (
	"encoding/json"
	"time"

	"github.com/2389/seance/internal/backend"
)

// toolInput covers the fields the describer cares about across tools.
type toolInput struct {
	FilePath    string `json:"file_path"`
	Command     string `json:"command"`
	Pattern     string `json:"pattern"`
	Description string `json:"description"`
	Query       string `json:"query"`
}

// activityFromBlocks derives a status line from assistant content. The
// first block that yields a line wins: tool invocations describe the
// tool, plain text reads as thinking.
func activityFromBlocks(blocks []contentBlock) string {
	for _, block := range blocks {
		switch block.Type {
		case "tool_use":
			if block.Name != "" {
				return describeTool(block.Name, block.Input)
			}
		case "text":
			if line := backend.FirstLine(block.Text, backend.ThinkingDisplayMax); line != "" {
				return "Thinking: " + line
			}
		}
	}
	return "Analyzing request"
}

func describeTool(name string, raw json.RawMessage) string {
	var in toolInput
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &in)
	}
	switch name {
	case "Read":
		return "Reading " + backend.ShortenPath(orFallback(in.FilePath, "file"), backend.PathDisplayMax)
	case "Write":
		return "Writing " + backend.ShortenPath(orFallback(in.FilePath, "file"), backend.PathDisplayMax)
	case "Edit":
		return "Editing " + backend.ShortenPath(orFallback(in.FilePath, "file"), backend.PathDisplayMax)
	case "Bash":
		return "Running: " + backend.ShortenCommand(orFallback(in.Command, "command"), backend.CommandDisplayMax)
	case "Glob":
		return "Searching for " + orFallback(in.Pattern, "files")
	case "Grep":
		return "Searching for: " + backend.ShortenText(orFallback(in.Pattern, "pattern"), backend.TextDisplayMax)
	case "Task":
		return "Running sub-agent: " + orFallback(in.Description, "task")
	case "WebFetch":
		return "Fetching web content"
	case "WebSearch":
		return "Searching: " + backend.ShortenText(orFallback(in.Query, "query"), backend.TextDisplayMax)
	case "TodoWrite":
		return "Updating task list"
	}
	return "Using " + name
}

func orFallback(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}

func durationFromMillis(ms int64) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
