// ABOUTME: Per-turn result accumulator filled while a backend streams events
// ABOUTME: Cleared atomically at turn boundaries so stale text never leaks across turns

package backend

import "sync"

// TurnAccumulator collects the progressive state of one streaming turn: the
// last assistant text seen (with its rendering mode) and the native session
// id once the backend reports it. Event callbacks write it, turn completion
// consumes it. Take clears, so a failed turn never bleeds its text into the
// next one.
type TurnAccumulator struct {
	mu       sync.Mutex
	lastText string
	lastMode string
	nativeID string
}

// SetLast records the most recent assistant text and rendering mode.
func (a *TurnAccumulator) SetLast(text, mode string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.lastText = text
	a.lastMode = mode
}

// ClearLast drops the cached assistant text, used when a turn fails.
func (a *TurnAccumulator) ClearLast() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.lastText = ""
	a.lastMode = ""
}

// SetNativeID records the backend's session id the first time it appears.
// Later writes with the same or different ids overwrite; callers decide
// whether to persist.
func (a *TurnAccumulator) SetNativeID(id string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nativeID = id
}

// NativeID returns the captured session id, if any.
func (a *TurnAccumulator) NativeID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.nativeID
}

// Take returns the cached text and mode and clears them in the same
// critical section.
func (a *TurnAccumulator) Take() (text, mode string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	text, mode = a.lastText, a.lastMode
	a.lastText, a.lastMode = "", ""
	return text, mode
}
