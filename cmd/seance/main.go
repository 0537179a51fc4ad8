// ABOUTME: Entry point for the seance orchestration daemon
// ABOUTME: Routes console conversations to configured AI backend adapters

package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/2389/seance/internal/backend"
	"github.com/2389/seance/internal/backend/persistent"
	"github.com/2389/seance/internal/backend/remote"
	"github.com/2389/seance/internal/backend/spawn"
	"github.com/2389/seance/internal/config"
	"github.com/2389/seance/internal/dispatch"
	"github.com/2389/seance/internal/route"
	"github.com/2389/seance/internal/scope"
	"github.com/2389/seance/internal/status"
	"github.com/2389/seance/internal/store"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
 ___  ___  __ _ _ __   ___ ___
/ __|/ _ \/ _' | '_ \ / __/ _ \
\__ \  __/ (_| | | | | (_|  __/
|___/\___|\__,_|_| |_|\___\___|
`

// getConfigPath returns the path to the daemon config file.
// Priority: SEANCE_CONFIG env var > XDG_CONFIG_HOME/seance/config.yaml > ~/.config/seance/config.yaml
func getConfigPath() string {
	if envPath := os.Getenv("SEANCE_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "config.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "seance", "config.yaml")
}

// getDataPath returns the path to the seance data directory.
// Priority: XDG_DATA_HOME/seance > ~/.local/share/seance
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "seance")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: seance <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve      Start the orchestration daemon")
		fmt.Println("  init       Write starter config, backends, and routing files")
		fmt.Println("  health     Check the session store and configured backends")
		fmt.Println("  version    Print the version")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit()
	case "health":
		err = runHealth(ctx)
	case "version":
		fmt.Printf("seance %s\n", version)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := getConfigPath()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config:   %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("Store:    %s\n", cfg.Database.Path)
	green.Print("    ▶ ")
	fmt.Printf("Backends: %s\n", cfg.Backends.Path)
	fmt.Println()

	st, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening session store: %w", err)
	}
	defer st.Close()

	profiles, err := config.LoadProfiles(cfg.Backends.Path)
	if err != nil {
		return fmt.Errorf("loading backend profiles: %w", err)
	}

	router, err := route.LoadRouter(cfg.Routing.Path, cfg.Routing.DefaultBackend, logger)
	if err != nil {
		return fmt.Errorf("loading routing table: %w", err)
	}

	sink := newConsoleSink(logger)
	d := dispatch.New(sink, status.Policy{
		Interval:         cfg.Status.Interval,
		FinalizeByDelete: cfg.Status.FinalizeByDelete,
		FinalText:        cfg.Status.FinalText,
	}, logger)

	notifier := backend.NewNotifier(sink, logger)
	var closers []interface{ Close() }
	for name, profile := range profiles.Backends {
		if err := profile.Validate(); err != nil {
			logger.Warn("backend disabled", "backend", name, "error", err)
			continue
		}

		var ad backend.Adapter
		switch profile.Kind {
		case config.KindPersistent:
			p := persistent.New(name, profile, st, notifier, logger)
			closers = append(closers, p)
			ad = p
		case config.KindSpawn:
			ad = spawn.New(name, profile, st, notifier, logger)
		case config.KindRemote:
			r := remote.New(name, profile, st, notifier, logger)
			closers = append(closers, r)
			ad = r
		}

		caps := backend.Capabilities{SupportsStop: true, SupportsClear: true}
		if err := d.Register(name, ad, caps); err != nil {
			return fmt.Errorf("registering backend %q: %w", name, err)
		}
	}
	if len(d.Backends()) == 0 {
		return fmt.Errorf("no usable backends configured in %s", cfg.Backends.Path)
	}

	logger.Info("starting seance",
		"config", configPath,
		"backends", d.Backends(),
		"default_backend", router.Default(),
	)

	resolver := scope.NewResolver(cfg.Workspace.DefaultDir, cfg.Workspace.Overrides)
	err = consoleLoop(ctx, d, router, resolver, logger)

	d.Shutdown()
	for _, c := range closers {
		c.Close()
	}
	return err
}

// consoleLoop drives the dispatcher from stdin, standing in for a chat
// platform so the daemon runs end to end on its own. One line is one turn.
func consoleLoop(ctx context.Context, d *dispatch.Dispatcher, router *route.Router, resolver *scope.Resolver, logger *slog.Logger) error {
	sc := scope.Context{Platform: "console", UserID: "local"}
	base := scope.BaseScopeID(sc)
	settingsKey := scope.SettingsKey(sc)

	color.New(color.FgHiBlack).Println(`  Type a message to dispatch it. "stop" interrupts, "/clear" resets sessions, Ctrl-D exits.`)
	fmt.Println()

	lines := readLines(ctx)
	var turns sync.WaitGroup
	defer turns.Wait()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			text := strings.TrimSpace(line)
			if text == "" {
				continue
			}

			backendName := router.Resolve(sc.Platform, settingsKey)
			workdir := resolver.WorkingDir(settingsKey)
			req := &backend.Request{
				Text:         text,
				Scope:        sc.Platform + ":" + settingsKey,
				BaseScopeID:  base,
				CompositeKey: scope.CompositeKey(base, workdir),
				SettingsKey:  settingsKey,
				WorkingPath:  workdir,
				StartedAt:    time.Now(),
			}

			switch {
			case dispatch.IsStopCommand(text):
				stopped, err := d.HandleStop(ctx, backendName, req)
				if err != nil {
					logger.Error("stop failed", "backend", backendName, "error", err)
					continue
				}
				if !stopped {
					fmt.Println("ℹ️ No active session to stop.")
				}
			case text == "/clear":
				printClearResult(d.ClearSessions(ctx, base))
			default:
				// Turns run off the loop goroutine so "stop" stays typable
				// while a backend works.
				turns.Add(1)
				go func() {
					defer turns.Done()
					if err := d.HandleMessage(ctx, backendName, req); err != nil && ctx.Err() == nil {
						logger.Error("dispatch failed",
							"backend", backendName,
							"request_id", req.RequestID,
							"error", err)
					}
				}()
			}
		}
	}
}

// readLines feeds stdin lines into a channel the loop can select against.
func readLines(ctx context.Context) <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()
	return lines
}

func printClearResult(counts map[string]int) {
	if len(counts) == 0 {
		fmt.Println("📋 No active sessions to clear.\n🔄 Session state has been reset.")
		return
	}
	names := make([]string, 0, len(counts))
	for name := range counts {
		names = append(names, name)
	}
	sort.Strings(names)

	fmt.Println("✅ Cleared active sessions for:")
	for _, name := range names {
		fmt.Printf("• %s → %d session(s)\n", name, counts[name])
	}
	fmt.Println("🔄 All sessions reset.")
}

func runHealth(ctx context.Context) error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	st, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening session store: %w", err)
	}
	defer st.Close()

	profiles, err := config.LoadProfiles(cfg.Backends.Path)
	if err != nil {
		return fmt.Errorf("loading backend profiles: %w", err)
	}

	names := make([]string, 0, len(profiles.Backends))
	for name := range profiles.Backends {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		profile := profiles.Backends[name]
		state := "ok"
		if err := profile.Validate(); err != nil {
			state = fmt.Sprintf("disabled: %v", err)
		}
		sessions, err := st.ListByBackend(ctx, name)
		if err != nil {
			return fmt.Errorf("listing sessions for %q: %w", name, err)
		}
		fmt.Printf("  %-12s %-10s %d stored session(s)\n", name, profile.Kind, len(sessions))
		if state != "ok" {
			color.New(color.FgYellow).Printf("    ⚠ %s\n", state)
		}
	}

	fmt.Println("healthy")
	return nil
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = &colorHandler{
			level: level,
		}
	}

	return slog.New(handler)
}

// colorHandler provides colorized log output with thread-safe writes.
type colorHandler struct {
	mu     sync.Mutex
	level  slog.Level
	attrs  []slog.Attr
	groups []string
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var buf strings.Builder

	buf.WriteString(color.HiBlackString(r.Time.Format("15:04:05") + " "))

	switch r.Level {
	case slog.LevelDebug:
		buf.WriteString(color.MagentaString("DBG "))
	case slog.LevelInfo:
		buf.WriteString(color.CyanString("INF "))
	case slog.LevelWarn:
		buf.WriteString(color.YellowString("WRN "))
	case slog.LevelError:
		buf.WriteString(color.New(color.FgRed, color.Bold).Sprint("ERR "))
	default:
		buf.WriteString("??? ")
	}

	buf.WriteString(r.Message)

	for _, a := range h.attrs {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
	}

	r.Attrs(func(a slog.Attr) bool {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
		return true
	})

	buf.WriteString("\n")
	fmt.Fprint(os.Stderr, buf.String())
	return nil
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	newAttrs = append(newAttrs, attrs...)
	return &colorHandler{
		level:  h.level,
		attrs:  newAttrs,
		groups: h.groups,
	}
}

func (h *colorHandler) WithGroup(name string) slog.Handler {
	newGroups := make([]string, len(h.groups), len(h.groups)+1)
	copy(newGroups, h.groups)
	newGroups = append(newGroups, name)
	return &colorHandler{
		level:  h.level,
		attrs:  h.attrs,
		groups: newGroups,
	}
}
