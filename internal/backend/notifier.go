// ABOUTME: Notifier funnels adapter output to the notification sink
// ABOUTME: Applies the category visibility filter and never lets a send failure propagate

package backend

import (
	"context"
	"log/slog"

	"github.com/2389/seance/internal/notify"
)

// Notifier is the one path adapter side effects take to the conversation.
// Hidden categories are dropped here so adapters can emit everything they
// see and let policy decide what surfaces.
type Notifier struct {
	sink   notify.Sink
	logger *slog.Logger
}

// NewNotifier wraps a sink for adapter use.
func NewNotifier(sink notify.Sink, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{
		sink:   sink,
		logger: logger.With("component", "notifier"),
	}
}

// Emit sends text to the scope under the given category. Invisible
// categories are logged at debug and dropped. Send failures are logged,
// never returned: a missed notification must not fail the turn.
func (n *Notifier) Emit(ctx context.Context, scope string, category notify.Category, text string) {
	if text == "" {
		return
	}
	if !category.Visible() {
		n.logger.Debug("suppressed hidden message",
			"scope", scope,
			"category", string(category))
		return
	}

	if _, err := n.sink.Send(ctx, scope, category, text); err != nil {
		n.logger.Warn("notification send failed",
			"scope", scope,
			"category", string(category),
			"error", err)
	}
}

// Sink exposes the wrapped sink for callers that need message handles
// (acknowledgments, status tickets).
func (n *Notifier) Sink() notify.Sink {
	return n.sink
}
