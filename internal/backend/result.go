// ABOUTME: Shared framing for turn results emitted by adapters
// ABOUTME: Prefixes the final text with outcome and elapsed wall time

package backend

import (
	"fmt"
	"time"
)

// ResultText frames a finished turn's text with its outcome and duration.
// Subtype is "success" for a clean turn; anything else renders as a warning.
func ResultText(subtype string, startedAt time.Time, text string) string {
	return ResultTextDuration(subtype, time.Since(startedAt), text)
}

// ResultTextDuration is ResultText for backends that report their own
// turn duration instead of relying on dispatch wall time.
func ResultTextDuration(subtype string, elapsed time.Duration, text string) string {
	icon := "✅"
	if subtype != "success" {
		icon = "⚠️"
	}
	header := fmt.Sprintf("%s %s (%.1fs)", icon, subtype, elapsed.Seconds())
	if text == "" {
		return header
	}
	return header + "\n" + text
}
