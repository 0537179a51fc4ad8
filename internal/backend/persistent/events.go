// ABOUTME: Stream event model for persistent backend sessions
// ABOUTME: Maps typed stream messages to chat output, session capture, and results

package persistent

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/2389/seance/internal/backend"
	"github.com/2389/seance/internal/notify"
)

// streamEvent is one decoded line of the client's stdout stream.
type streamEvent struct {
	Type       string         `json:"type"`
	Subtype    string         `json:"subtype,omitempty"`
	SessionID  string         `json:"session_id,omitempty"`
	Message    *streamMessage `json:"message,omitempty"`
	Result     string         `json:"result,omitempty"`
	IsError    bool           `json:"is_error,omitempty"`
	DurationMS int64          `json:"duration_ms,omitempty"`
}

type streamMessage struct {
	Role    string         `json:"role,omitempty"`
	Content []contentBlock `json:"content"`
}

type contentBlock struct {
	Type  string          `json:"type"`
	Text  string          `json:"text,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`
}

// outboundMessage is the user prompt line written to the child.
type outboundMessage struct {
	Type    string         `json:"type"`
	Message *streamMessage `json:"message"`
}

// controlRequest carries out-of-band commands like interrupt.
type controlRequest struct {
	Type    string `json:"type"`
	Request struct {
		Subtype string `json:"subtype"`
	} `json:"request"`
}

// turn carries the per-request state the event handlers mutate.
type turn struct {
	req *backend.Request
	acc *backend.TurnAccumulator
}

// handleEvent processes one stream event. Returns true when the event
// terminates the turn.
func (a *Adapter) handleEvent(ctx context.Context, ev *streamEvent, t *turn) bool {
	switch ev.Type {
	case "system":
		a.handleSystem(ctx, ev, t)
	case "assistant":
		a.handleAssistant(ctx, ev, t)
	case "user":
		// Tool results echoed back by the backend, not chat content.
	case "result":
		a.handleResult(ctx, ev, t)
		return true
	default:
		a.logger.Debug("ignoring event", "backend", a.name, "type", ev.Type)
	}
	return false
}

// handleSystem captures the native session id from the init event before
// anything else happens in the turn.
func (a *Adapter) handleSystem(ctx context.Context, ev *streamEvent, t *turn) {
	if ev.Subtype != "init" || ev.SessionID == "" {
		return
	}
	t.acc.SetNativeID(ev.SessionID)
	if t.req.Ticket != nil {
		t.req.Ticket.SetActivity("Initializing session")
	}
	if err := a.sessions.Set(ctx, t.req.BaseScopeID, a.name, t.req.WorkingPath, ev.SessionID); err != nil {
		a.logger.Error("persisting session id",
			"backend", a.name,
			"scope_key", t.req.BaseScopeID,
			"error", err)
		return
	}
	a.logger.Info("session initialized",
		"backend", a.name,
		"scope_key", t.req.BaseScopeID,
		"working_path", t.req.WorkingPath,
		"session_id", ev.SessionID)
}

// handleAssistant relays a streamed assistant message: text blocks as-is,
// tool invocations as compact one-liners, with the first block driving the
// status activity.
func (a *Adapter) handleAssistant(ctx context.Context, ev *streamEvent, t *turn) {
	if ev.Message == nil || len(ev.Message.Content) == 0 {
		return
	}

	if t.req.Ticket != nil {
		if activity := activityFromBlocks(ev.Message.Content); activity != "" {
			t.req.Ticket.SetActivity(activity)
		}
	}

	var parts []string
	var textParts []string
	for _, block := range ev.Message.Content {
		switch block.Type {
		case "text":
			if text := strings.TrimSpace(block.Text); text != "" {
				parts = append(parts, text)
				textParts = append(textParts, text)
			}
		case "tool_use":
			if block.Name != "" {
				parts = append(parts, "🔧 "+describeTool(block.Name, block.Input))
			}
		}
	}
	if len(parts) == 0 {
		return
	}
	if len(textParts) > 0 {
		t.acc.SetLast(strings.Join(textParts, "\n\n"), "markdown")
	}
	a.notifier.Emit(ctx, t.req.Scope, notify.CategoryAssistant, strings.Join(parts, "\n\n"))
}

// handleResult emits the turn's answer of record. An empty result falls
// back to the last streamed assistant text.
func (a *Adapter) handleResult(ctx context.Context, ev *streamEvent, t *turn) {
	text := strings.TrimSpace(ev.Result)
	cached, _ := t.acc.Take()
	if text == "" {
		text = cached
	}
	subtype := ev.Subtype
	if subtype == "" {
		subtype = "success"
	}
	var framed string
	if ev.DurationMS > 0 {
		framed = backend.ResultTextDuration(subtype, durationFromMillis(ev.DurationMS), text)
	} else {
		framed = backend.ResultText(subtype, t.req.StartedAt, text)
	}
	a.notifier.Emit(ctx, t.req.Scope, notify.CategoryResult, framed)
}
