// ABOUTME: NDJSON event stream decoding for spawned backend processes
// ABOUTME: Maps stream events to chat messages, session capture, and status activity

package spawn

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/2389/seance/internal/backend"
	"github.com/2389/seance/internal/notify"
)

// commandOutputLimit caps how much aggregated command output is relayed.
const commandOutputLimit = 2000

// event is one line of the child's stdout stream.
type event struct {
	Type     string     `json:"type"`
	ThreadID string     `json:"thread_id,omitempty"`
	Message  string     `json:"message,omitempty"`
	Item     *eventItem `json:"item,omitempty"`
	Error    *eventErr  `json:"error,omitempty"`
}

type eventItem struct {
	Type             string `json:"item_type"`
	Text             string `json:"text,omitempty"`
	Command          string `json:"command,omitempty"`
	AggregatedOutput string `json:"aggregated_output,omitempty"`
	ExitCode         *int   `json:"exit_code,omitempty"`
	Status           string `json:"status,omitempty"`
}

type eventErr struct {
	Message string `json:"message"`
}

// turn carries the per-request state the event handlers mutate.
type turn struct {
	req *backend.Request
	acc *backend.TurnAccumulator
}

// handleLine decodes one stdout line and dispatches it. Unparseable lines
// are logged and skipped so one malformed event cannot sink the stream.
func (a *Adapter) handleLine(ctx context.Context, line []byte, t *turn) {
	if len(line) == 0 {
		return
	}
	var ev event
	if err := json.Unmarshal(line, &ev); err != nil {
		a.logger.Debug("skipping unparseable event line",
			"backend", a.name,
			"error", err,
			"line_length", len(line))
		return
	}
	a.handleEvent(ctx, &ev, t)
}

func (a *Adapter) handleEvent(ctx context.Context, ev *event, t *turn) {
	switch ev.Type {
	case "thread.started":
		a.handleThreadStarted(ctx, ev, t)
	case "item.completed":
		if ev.Item != nil {
			a.handleItemCompleted(ctx, ev.Item, t)
		}
	case "error":
		msg := ev.Message
		if msg == "" && ev.Error != nil {
			msg = ev.Error.Message
		}
		a.notifier.Emit(ctx, t.req.Scope, notify.CategoryNotify,
			fmt.Sprintf("❌ %s error: %s", a.name, msg))
	case "turn.failed":
		reason := ev.Message
		if reason == "" && ev.Error != nil {
			reason = ev.Error.Message
		}
		if reason == "" {
			reason = "unknown error"
		}
		a.notifier.Emit(ctx, t.req.Scope, notify.CategoryNotify,
			fmt.Sprintf("⚠️ %s turn failed: %s", a.name, reason))
		t.acc.ClearLast()
	case "turn.completed":
		a.handleTurnCompleted(ctx, t)
	default:
		a.logger.Debug("ignoring event", "backend", a.name, "type", ev.Type)
	}
}

// handleThreadStarted records the native session id before anything is
// said about it. A follow-up message can then resume even if this turn
// dies halfway.
func (a *Adapter) handleThreadStarted(ctx context.Context, ev *event, t *turn) {
	if ev.ThreadID == "" {
		return
	}
	t.acc.SetNativeID(ev.ThreadID)
	if err := a.sessions.Set(ctx, t.req.BaseScopeID, a.name, t.req.WorkingPath, ev.ThreadID); err != nil {
		a.logger.Error("persisting session id",
			"backend", a.name,
			"scope_key", t.req.BaseScopeID,
			"error", err)
		return
	}
	a.logger.Info("session started",
		"backend", a.name,
		"scope_key", t.req.BaseScopeID,
		"working_path", t.req.WorkingPath,
		"session_id", ev.ThreadID)
}

func (a *Adapter) handleItemCompleted(ctx context.Context, item *eventItem, t *turn) {
	switch item.Type {
	case "agent_message":
		if item.Text == "" {
			return
		}
		a.notifier.Emit(ctx, t.req.Scope, notify.CategoryAssistant, item.Text)
		t.acc.SetLast(item.Text, "markdown")
	case "command_execution":
		a.relayCommand(ctx, item, t)
	case "reasoning":
		if item.Text == "" {
			return
		}
		a.notifier.Emit(ctx, t.req.Scope, notify.CategoryAssistant,
			fmt.Sprintf("_🧠 %s_", item.Text))
		if t.req.Ticket != nil {
			t.req.Ticket.SetActivity("Thinking: " + backend.FirstLine(item.Text, backend.ThinkingDisplayMax))
		}
	default:
		a.logger.Debug("ignoring item", "backend", a.name, "item_type", item.Type)
	}
}

// relayCommand surfaces a tool invocation with a trimmed output block.
func (a *Adapter) relayCommand(ctx context.Context, item *eventItem, t *turn) {
	if item.Command == "" {
		return
	}
	status := item.Status
	if status == "" {
		status = "completed"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "🛠️ `%s` → %s", item.Command, status)
	if out := strings.TrimSpace(item.AggregatedOutput); out != "" {
		if len(out) > commandOutputLimit {
			out = out[len(out)-commandOutputLimit:]
		}
		fmt.Fprintf(&b, "\n```shell\n%s\n```", out)
	}
	a.notifier.Emit(ctx, t.req.Scope, notify.CategoryAssistant, b.String())
	if t.req.Ticket != nil {
		t.req.Ticket.SetActivity("Running: " + backend.ShortenCommand(item.Command, backend.CommandDisplayMax))
	}
}

// handleTurnCompleted re-emits the last agent message as the turn's result.
// The duplicate is deliberate: the result category is what downstream
// surfaces treat as the answer of record.
func (a *Adapter) handleTurnCompleted(ctx context.Context, t *turn) {
	text, _ := t.acc.Take()
	if text == "" {
		a.logger.Debug("turn completed with no agent message", "backend", a.name)
		return
	}
	a.notifier.Emit(ctx, t.req.Scope, notify.CategoryResult,
		backend.ResultText("success", t.req.StartedAt, text))
}
