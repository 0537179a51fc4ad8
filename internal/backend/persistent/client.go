// ABOUTME: Long-lived NDJSON-over-stdio client for persistent backend sessions
// ABOUTME: One child process per composite key, reused across turns until torn down

package persistent

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"time"

	"github.com/2389/seance/internal/fault"
)

// streamBufferLimit caps a single stdout line from the client process.
const streamBufferLimit = 8 * 1024 * 1024

// closeGrace is how long a closing client gets to exit after stdin closes.
const closeGrace = 3 * time.Second

// CommandFactory builds the client command. Injected so tests can
// substitute harmless executables.
type CommandFactory func(name string, arg ...string) *exec.Cmd

// client wraps one long-lived child speaking newline-delimited JSON on
// stdio. The reader goroutine owns stdout and the events channel; turns
// are serialized upstream, so there is a single consumer at a time.
type client struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	logger *slog.Logger

	events chan *streamEvent

	// done closes after the child is reaped. readErr, set before done,
	// explains an abnormal end of stream.
	done    chan struct{}
	readErr error

	writeMu   sync.Mutex
	closeOnce sync.Once
}

// startClient spawns the child and begins decoding its stdout.
func startClient(factory CommandFactory, binary string, args []string, dir string, logger *slog.Logger) (*client, error) {
	cmd := factory(binary, args...)
	cmd.Dir = dir
	cmd.Stderr = io.Discard

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return nil, fault.Wrap(fault.ConfigMissing,
				fmt.Errorf("starting %s: %w", binary, err))
		}
		return nil, fault.Wrap(fault.BackendUnavailable,
			fmt.Errorf("starting %s: %w", binary, err))
	}

	c := &client{
		cmd:    cmd,
		stdin:  stdin,
		logger: logger,
		events: make(chan *streamEvent, 64),
		done:   make(chan struct{}),
	}
	go c.readLoop(stdout)
	return c, nil
}

// readLoop decodes stdout lines into events until the stream ends, then
// reaps the child. Malformed lines are skipped.
func (c *client) readLoop(stdout io.Reader) {
	sc := bufio.NewScanner(stdout)
	sc.Buffer(make([]byte, 0, 64*1024), streamBufferLimit)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev streamEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			c.logger.Debug("skipping unparseable stream line",
				"error", err,
				"line_length", len(line))
			continue
		}
		c.events <- &ev
	}
	c.readErr = sc.Err()
	waitErr := c.cmd.Wait()
	if c.readErr == nil && waitErr != nil {
		c.readErr = waitErr
	}
	close(c.events)
	close(c.done)
}

// alive reports whether the child is still running.
func (c *client) alive() bool {
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

// send writes one user message line. A write failure means the session
// process is gone or wedged, which callers treat as a broken session.
func (c *client) send(text string) error {
	msg := outboundMessage{
		Type: "user",
		Message: &streamMessage{
			Role:    "user",
			Content: []contentBlock{{Type: "text", Text: text}},
		},
	}
	return c.writeLine(msg)
}

// interrupt asks the child to abort its in-flight turn without exiting.
func (c *client) interrupt() error {
	req := controlRequest{Type: "control_request"}
	req.Request.Subtype = "interrupt"
	return c.writeLine(req)
}

func (c *client) writeLine(v any) error {
	line, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding message: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.stdin.Write(append(line, '\n')); err != nil {
		return fault.Wrap(fault.SessionBroken, fmt.Errorf("writing to session: %w", err))
	}
	return nil
}

// close ends the session: stdin close signals a clean exit, with a kill
// if the child lingers past the grace period. The drain keeps the reader
// from wedging on a full events channel while the child flushes.
func (c *client) close() {
	c.closeOnce.Do(func() {
		_ = c.stdin.Close()
		go func() {
			for range c.events {
			}
		}()
		select {
		case <-c.done:
			return
		case <-time.After(closeGrace):
		}
		if c.cmd.Process != nil {
			_ = c.cmd.Process.Kill()
		}
		<-c.done
	})
}
