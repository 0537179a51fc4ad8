// ABOUTME: Periodic status reporter editing one acknowledgment message in place
// ABOUTME: One configurable policy covers interval, finalize-by-edit, and finalize-by-delete

package status

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/seance/internal/notify"
)

// spinnerFrames cycle once per second of elapsed time.
var spinnerFrames = []rune("⠋⠙⠹⠸⠼⠴⠦⠧⠇⠏")

// Policy configures one reporter. Interval bounds are enforced by config
// validation, not here, so tests can tick fast.
type Policy struct {
	Interval         time.Duration
	FinalizeByDelete bool
	FinalText        string
}

// Reporter re-renders a one-line progress message on a fixed interval while
// a request runs. It is bound to exactly one outstanding request. Stop is
// cooperative and awaited; Abandon is the non-blocking shutdown path.
type Reporter struct {
	policy  Policy
	sink    notify.Sink
	ticket  *Ticket
	backend string
	logger  *slog.Logger

	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once

	// lastRender suppresses redundant edits. Only touched by the loop
	// goroutine.
	lastRender string
}

// NewReporter creates a reporter for one request's acknowledgment message.
func NewReporter(policy Policy, sink notify.Sink, ticket *Ticket, backendName string, logger *slog.Logger) *Reporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reporter{
		policy:  policy,
		sink:    sink,
		ticket:  ticket,
		backend: backendName,
		logger:  logger.With("component", "status"),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Start launches the update loop.
func (r *Reporter) Start() {
	go r.loop()
}

func (r *Reporter) loop() {
	defer close(r.done)

	ticker := time.NewTicker(r.policy.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			// Detached context: the edit should not outlive a tick by much,
			// but also must not inherit a caller's cancellation.
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			r.render(ctx)
			cancel()
		case <-r.stop:
			return
		}
	}
}

// render edits the message if the rendered text changed since last tick.
func (r *Reporter) render(ctx context.Context) {
	text := fmt.Sprintf("%c *%s* is working... (%s)",
		spinnerFrame(time.Since(r.ticket.Started())),
		r.backend,
		formatElapsed(time.Since(r.ticket.Started())))
	if activity := r.ticket.Activity(); activity != "" {
		text += fmt.Sprintf("\n_%s_", activity)
	}

	if text == r.lastRender {
		return
	}

	ok, err := r.sink.EditText(ctx, r.ticket.Scope(), r.ticket.MessageID(), text)
	if err != nil {
		r.logger.Warn("status edit failed", "message_id", r.ticket.MessageID(), "error", err)
		return
	}
	if !ok {
		r.logger.Debug("status edit refused", "message_id", r.ticket.MessageID())
		return
	}
	r.lastRender = text
}

// Stop signals the loop, waits for it to exit, then performs exactly one
// final edit (or delete, per policy). Safe to call more than once; only the
// first call finalizes.
func (r *Reporter) Stop(ctx context.Context, finalActivity string) {
	finalized := false
	r.stopOnce.Do(func() {
		close(r.stop)
		finalized = true
	})
	<-r.done

	if !finalized {
		return
	}

	if r.policy.FinalizeByDelete {
		if _, err := r.sink.DeleteMessage(ctx, r.ticket.Scope(), r.ticket.MessageID()); err != nil {
			r.logger.Warn("status delete failed", "message_id", r.ticket.MessageID(), "error", err)
		}
		return
	}

	text := r.policy.FinalText
	if text == "" {
		text = fmt.Sprintf("✓ *%s* finished (%s)", r.backend, formatElapsed(time.Since(r.ticket.Started())))
	}
	if finalActivity != "" {
		text += fmt.Sprintf("\n_%s_", finalActivity)
	}
	if _, err := r.sink.EditText(ctx, r.ticket.Scope(), r.ticket.MessageID(), text); err != nil {
		r.logger.Warn("final status edit failed", "message_id", r.ticket.MessageID(), "error", err)
	}
}

// Abandon signals the loop and returns without waiting and without a final
// edit. Used on process shutdown, where awaiting cleanup may block on
// resources the shutdown path does not own.
func (r *Reporter) Abandon() {
	r.stopOnce.Do(func() {
		close(r.stop)
	})
}

func spinnerFrame(elapsed time.Duration) rune {
	idx := int(elapsed.Seconds()) % len(spinnerFrames)
	if idx < 0 {
		idx = 0
	}
	return spinnerFrames[idx]
}

// formatElapsed renders "47s" under a minute and "3m 12s" above.
func formatElapsed(elapsed time.Duration) string {
	total := int(elapsed.Seconds())
	if total < 60 {
		return fmt.Sprintf("%ds", total)
	}
	return fmt.Sprintf("%dm %ds", total/60, total%60)
}
