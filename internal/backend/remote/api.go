// ABOUTME: HTTP client for the remote backend's session API
// ABOUTME: Session create/validate/message/abort with a per-request directory header

package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/2389/seance/internal/fault"
)

// requestTimeout bounds one API call. Message sends can legitimately run
// for minutes while the agent works.
const requestTimeout = 5 * time.Minute

type apiClient struct {
	baseURL   string
	dirHeader string
	httpc     *http.Client
	logger    *slog.Logger
}

func newAPIClient(baseURL, backendName string, logger *slog.Logger) *apiClient {
	return &apiClient{
		baseURL:   baseURL,
		dirHeader: fmt.Sprintf("x-%s-directory", backendName),
		httpc:     &http.Client{Timeout: requestTimeout},
		logger:    logger,
	}
}

type sessionInfo struct {
	ID string `json:"id"`
}

type createSessionRequest struct {
	Title string `json:"title,omitempty"`
}

type messagePart struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type modelRef struct {
	ProviderID string `json:"providerID"`
	ModelID    string `json:"modelID"`
}

type messageRequest struct {
	Parts           []messagePart `json:"parts"`
	Agent           string        `json:"agent,omitempty"`
	Model           *modelRef     `json:"model,omitempty"`
	ReasoningEffort string        `json:"reasoningEffort,omitempty"`
}

type messageResponse struct {
	Parts []messagePart `json:"parts"`
}

func (c *apiClient) createSession(ctx context.Context, dir, title string) (string, error) {
	var info sessionInfo
	err := c.do(ctx, http.MethodPost, "/session", dir, &createSessionRequest{Title: title}, &info)
	if err != nil {
		return "", err
	}
	if info.ID == "" {
		return "", fmt.Errorf("create session response missing id")
	}
	return info.ID, nil
}

// sessionExists validates a stored session id against the service. Any
// failure reads as gone; the caller recreates.
func (c *apiClient) sessionExists(ctx context.Context, sessionID, dir string) bool {
	err := c.do(ctx, http.MethodGet, "/session/"+sessionID, dir, nil, nil)
	if err != nil {
		c.logger.Debug("session lookup failed", "session_id", sessionID, "error", err)
		return false
	}
	return true
}

func (c *apiClient) sendMessage(ctx context.Context, sessionID, dir string, msg *messageRequest) (*messageResponse, error) {
	var resp messageResponse
	if err := c.do(ctx, http.MethodPost, "/session/"+sessionID+"/message", dir, msg, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *apiClient) abortSession(ctx context.Context, sessionID, dir string) bool {
	if err := c.do(ctx, http.MethodPost, "/session/"+sessionID+"/abort", dir, nil, nil); err != nil {
		c.logger.Warn("abort failed", "session_id", sessionID, "error", err)
		return false
	}
	return true
}

// do runs one API call. Transport failures are transient unless the
// context itself is gone; non-200 statuses are service-level errors and
// never retried.
func (c *apiClient) do(ctx context.Context, method, path, dir string, in, out any) error {
	var body io.Reader
	if in != nil {
		encoded, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		body = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set(c.dirHeader, dir)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%s %s: %w", method, path, ctx.Err())
		}
		return fault.Wrap(fault.TransientIO, fmt.Errorf("%s %s: %w", method, path, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("%s %s: status %d: %s",
			method, path, resp.StatusCode, strings.TrimSpace(string(detail)))
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
	}
	return nil
}

// extractText joins the text parts of a message response.
func extractText(resp *messageResponse) string {
	if resp == nil {
		return ""
	}
	var parts []string
	for _, p := range resp.Parts {
		if p.Type == "text" && p.Text != "" {
			parts = append(parts, p.Text)
		}
	}
	return strings.TrimSpace(strings.Join(parts, "\n\n"))
}
