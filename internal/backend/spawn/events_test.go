// ABOUTME: Tests for NDJSON event decoding and chat relay formatting
// ABOUTME: Exercises session capture, command trimming, and turn failure handling

package spawn

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/2389/seance/internal/backend"
	"github.com/2389/seance/internal/notify"
	"github.com/2389/seance/internal/status"
)

func newTurn(workdir string) *turn {
	return &turn{req: newRequest(workdir), acc: &backend.TurnAccumulator{}}
}

func TestHandleLine_MalformedJSON(t *testing.T) {
	a, sink := newTestAdapter(t, newFakeStore(), nil)
	tn := newTurn("/work")

	a.handleLine(context.Background(), []byte(`{not json`), tn)
	a.handleLine(context.Background(), []byte(``), tn)

	require.Empty(t, sink.sends)
}

func TestHandleEvent_ThreadStartedPersists(t *testing.T) {
	st := newFakeStore()
	a, _ := newTestAdapter(t, st, nil)
	tn := newTurn("/work")

	a.handleEvent(context.Background(), &event{Type: "thread.started", ThreadID: "t-7"}, tn)

	id, err := st.Get(context.Background(), "slack_C1", "codex", "/work")
	require.NoError(t, err)
	require.Equal(t, "t-7", id)
	require.Equal(t, "t-7", tn.acc.NativeID())
}

func TestHandleEvent_CommandExecutionTrimsOutput(t *testing.T) {
	a, sink := newTestAdapter(t, newFakeStore(), nil)
	tn := newTurn("/work")
	tn.req.Ticket = status.NewTicket("slack:C1", "m1", time.Now())

	long := strings.Repeat("x", 2500) + "END"
	a.handleEvent(context.Background(), &event{
		Type: "item.completed",
		Item: &eventItem{Type: "command_execution", Command: "ls -la", AggregatedOutput: long, Status: "completed"},
	}, tn)

	msgs := sink.texts(notify.CategoryAssistant)
	require.Len(t, msgs, 1)
	require.Contains(t, msgs[0], "🛠️ `ls -la` → completed")
	require.Contains(t, msgs[0], "```shell")
	require.Contains(t, msgs[0], "END")
	require.LessOrEqual(t, len(msgs[0]), commandOutputLimit+100)

	require.True(t, strings.HasPrefix(tn.req.Ticket.Activity(), "Running: "))
}

func TestHandleEvent_ReasoningSetsActivity(t *testing.T) {
	a, sink := newTestAdapter(t, newFakeStore(), nil)
	tn := newTurn("/work")
	tn.req.Ticket = status.NewTicket("slack:C1", "m1", time.Now())

	a.handleEvent(context.Background(), &event{
		Type: "item.completed",
		Item: &eventItem{Type: "reasoning", Text: "Planning the refactor\nstep two"},
	}, tn)

	msgs := sink.texts(notify.CategoryAssistant)
	require.Len(t, msgs, 1)
	require.Equal(t, "_🧠 Planning the refactor\nstep two_", msgs[0])
	require.Equal(t, "Thinking: Planning the refactor", tn.req.Ticket.Activity())
}

func TestHandleEvent_TurnFailedClearsResult(t *testing.T) {
	a, sink := newTestAdapter(t, newFakeStore(), nil)
	tn := newTurn("/work")

	a.handleEvent(context.Background(), &event{
		Type: "item.completed",
		Item: &eventItem{Type: "agent_message", Text: "partial answer"},
	}, tn)
	a.handleEvent(context.Background(), &event{
		Type:  "turn.failed",
		Error: &eventErr{Message: "model overloaded"},
	}, tn)
	a.handleEvent(context.Background(), &event{Type: "turn.completed"}, tn)

	require.Empty(t, sink.texts(notify.CategoryResult))
	notices := sink.texts(notify.CategoryNotify)
	require.Len(t, notices, 1)
	require.Contains(t, notices[0], "model overloaded")
}

func TestHandleEvent_ErrorNotice(t *testing.T) {
	a, sink := newTestAdapter(t, newFakeStore(), nil)
	tn := newTurn("/work")

	a.handleEvent(context.Background(), &event{Type: "error", Message: "rate limited"}, tn)

	notices := sink.texts(notify.CategoryNotify)
	require.Len(t, notices, 1)
	require.Equal(t, "❌ codex error: rate limited", notices[0])
}
