// ABOUTME: Notification sink contract consumed by the orchestration core
// ABOUTME: Defines message categories and the Sink interface implemented by chat platforms

package notify

import "context"

// Category classifies a message funneled through the sink. Platforms may
// render categories differently (e.g. muted styling for system noise).
type Category string

const (
	CategorySystem    Category = "system"    // Backend lifecycle chatter
	CategoryUser      Category = "user"      // Echo of user input
	CategoryAssistant Category = "assistant" // Streaming assistant output
	CategoryResult    Category = "result"    // Final turn result
	CategoryNotify    Category = "notify"    // Orchestration notices, always shown
)

// Visible reports whether a category should be surfaced to the conversation
// by default. System and user echoes are hidden noise; notify always passes.
func (c Category) Visible() bool {
	switch c {
	case CategoryAssistant, CategoryResult, CategoryNotify:
		return true
	default:
		return false
	}
}

// Action describes one interactive affordance attached to a message.
// Construction of platform-specific buttons is up to the sink.
type Action struct {
	ID    string
	Label string
}

// Sink delivers orchestration output to a conversation scope. Implementations
// live in the chat-platform adapters; the core only calls these four methods.
type Sink interface {
	// Send posts a message and returns an editable message id.
	Send(ctx context.Context, scope string, category Category, text string) (string, error)

	// EditText replaces the text of a previously sent message in place.
	// Returns false if the platform refused the edit (message gone, too old).
	EditText(ctx context.Context, scope, messageID, text string) (bool, error)

	// DeleteMessage removes a previously sent message.
	DeleteMessage(ctx context.Context, scope, messageID string) (bool, error)

	// SendWithActions posts a message carrying interactive actions.
	SendWithActions(ctx context.Context, scope string, text string, actions []Action) (string, error)
}
