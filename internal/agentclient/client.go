// ABOUTME: HTTP client for the agent server running inside a sandbox container
// ABOUTME: Provides health probing, vscode URL fetch, and SSE turn streaming

package agentclient

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Turn event kinds emitted by the sandbox agent server.
const (
	TurnAction        = "action"
	TurnObservation   = "observation"
	TurnAwaitingInput = "awaiting_input"
	TurnFinished      = "finished"
	TurnError         = "error"
)

// TurnEvent is one event in a turn's SSE stream.
type TurnEvent struct {
	Kind    string
	Payload json.RawMessage
}

// Client talks to the agent server a sandbox container exposes.
type Client struct {
	baseURL string
	// probe has a short timeout; stream must not, a turn is unbounded.
	probe  *http.Client
	stream *http.Client
}

// New creates a client for the agent server at baseURL
// (e.g. "http://127.0.0.1:30123").
func New(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		probe:   &http.Client{Timeout: 5 * time.Second},
		stream:  &http.Client{},
	}
}

// BaseURL returns the agent server address this client targets.
func (c *Client) BaseURL() string { return c.baseURL }

// Health probes the agent server's health endpoint.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("creating health request: %w", err)
	}
	resp, err := c.probe.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

// WaitHealthy polls the health endpoint until it succeeds or ctx expires.
func (c *Client) WaitHealthy(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := c.Health(ctx); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("agent server never became healthy: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

// VSCodeURL fetches the embedded editor URL the sandbox exposes.
func (c *Client) VSCodeURL(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/vscode/url", nil)
	if err != nil {
		return "", fmt.Errorf("creating vscode request: %w", err)
	}
	resp, err := c.probe.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetching vscode url: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetching vscode url: status %d", resp.StatusCode)
	}

	var body struct {
		URL string `json:"url"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("decoding vscode response: %w", err)
	}
	if body.URL == "" {
		return "", errors.New("agent server returned empty vscode url")
	}
	return body.URL, nil
}

// turnRequest is the JSON body posted to start or continue a turn.
type turnRequest struct {
	Message string `json:"message"`
}

// RunTurn posts a message to a conversation inside the sandbox and returns
// a channel of the resulting SSE events. The channel closes when the turn
// ends (awaiting_input, finished, or error) or the stream breaks; a broken
// stream is surfaced as a final TurnError event.
func (c *Client) RunTurn(ctx context.Context, conversationID, message string) (<-chan *TurnEvent, error) {
	body, err := json.Marshal(turnRequest{Message: message})
	if err != nil {
		return nil, fmt.Errorf("encoding turn request: %w", err)
	}

	url := fmt.Sprintf("%s/api/conversations/%s/messages", c.baseURL, conversationID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating turn request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.stream.Do(req)
	if err != nil {
		return nil, fmt.Errorf("starting turn: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("starting turn: status %d", resp.StatusCode)
	}

	out := make(chan *TurnEvent, 16)
	go func() {
		defer close(out)
		defer resp.Body.Close()

		if err := readSSE(resp.Body, out); err != nil {
			payload, _ := json.Marshal(map[string]string{"error": err.Error()})
			out <- &TurnEvent{Kind: TurnError, Payload: payload}
		}
	}()
	return out, nil
}

// readSSE parses an SSE body ("event: X\ndata: {json}\n\n") into turn
// events. Returns nil when a terminal event was delivered, an error when
// the stream broke before one.
func readSSE(body io.Reader, out chan<- *TurnEvent) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	var eventName string
	var data strings.Builder

	flush := func() *TurnEvent {
		if eventName == "" && data.Len() == 0 {
			return nil
		}
		ev := &TurnEvent{Kind: eventName}
		if data.Len() > 0 {
			ev.Payload = json.RawMessage(data.String())
		}
		eventName = ""
		data.Reset()
		return ev
	}

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if ev := flush(); ev != nil {
				out <- ev
				if isTerminal(ev.Kind) {
					return nil
				}
			}
		case strings.HasPrefix(line, "event:"):
			eventName = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data.WriteString(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading turn stream: %w", err)
	}
	// Dangling event without trailing blank line
	if ev := flush(); ev != nil {
		out <- ev
		if isTerminal(ev.Kind) {
			return nil
		}
	}
	return errors.New("turn stream ended without a terminal event")
}

// isTerminal reports whether an event kind ends the turn.
func isTerminal(kind string) bool {
	switch kind {
	case TurnAwaitingInput, TurnFinished, TurnError:
		return true
	}
	return false
}
