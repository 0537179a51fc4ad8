// ABOUTME: Console implementation of the notification sink
// ABOUTME: Renders category-colored output so the daemon runs without a chat platform

package main

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/fatih/color"

	"github.com/2389/seance/internal/notify"
)

// consoleSink prints notifications to stdout. Message ids are synthetic;
// edits re-print the line muted since a terminal line cannot change in
// place, and deletes are silent.
type consoleSink struct {
	mu     sync.Mutex
	logger *slog.Logger
	nextID int
}

func newConsoleSink(logger *slog.Logger) *consoleSink {
	return &consoleSink{logger: logger.With("component", "console")}
}

func (s *consoleSink) Send(_ context.Context, _ string, category notify.Category, text string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	id := fmt.Sprintf("console-%d", s.nextID)
	fmt.Printf("%s %s\n", categoryLabel(category), text)
	return id, nil
}

func (s *consoleSink) EditText(_ context.Context, _ string, messageID, text string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	color.New(color.FgHiBlack).Printf("[%s] %s\n", messageID, text)
	return true, nil
}

func (s *consoleSink) DeleteMessage(_ context.Context, _ string, messageID string) (bool, error) {
	s.logger.Debug("message deleted", "message_id", messageID)
	return true, nil
}

func (s *consoleSink) SendWithActions(ctx context.Context, scope string, text string, actions []notify.Action) (string, error) {
	for _, a := range actions {
		text += color.HiBlackString("\n  [%s]", a.Label)
	}
	return s.Send(ctx, scope, notify.CategoryNotify, text)
}

func categoryLabel(category notify.Category) string {
	switch category {
	case notify.CategoryAssistant:
		return color.CyanString("assistant ▸")
	case notify.CategoryResult:
		return color.GreenString("result    ▸")
	case notify.CategoryNotify:
		return color.YellowString("notify    ▸")
	case notify.CategorySystem:
		return color.HiBlackString("system    ▸")
	case notify.CategoryUser:
		return color.BlueString("user      ▸")
	default:
		return string(category) + " ▸"
	}
}
