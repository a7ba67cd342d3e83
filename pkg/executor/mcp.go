package executor

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	fleeterrors "github.com/sandbox-fleet/fleetd/pkg/manager/errors"
)

// MCPStartRequest launches a long-running MCP child process inside the
// sandbox. PreExecScripts run before the command, in order.
type MCPStartRequest struct {
	Command        string   `json:"command"`
	Arguments      []string `json:"arguments,omitempty"`
	PreExecScripts []string `json:"preExecScripts,omitempty"`
	TimeoutSeconds int      `json:"timeoutSeconds,omitempty"`
}

// StartMCP starts the MCP process and relays its raw start events. The
// channel closes when the runtime finishes reporting startup.
func (c *Client) StartMCP(ctx context.Context, baseURL string, startReq MCPStartRequest) (<-chan json.RawMessage, error) {
	if startReq.Command == "" {
		return nil, fleeterrors.NewError(fleeterrors.ErrorValidation, "command is required")
	}
	resp, err := c.stream(ctx, http.MethodPost, baseURL+"/api/mcp/start", startReq)
	if err != nil {
		return nil, err
	}
	events := make(chan json.RawMessage, eventBuffer)
	go relayRaw(ctx, resp.Body, events)
	return events, nil
}

// CallMCP forwards one JSON-RPC message to the MCP process. The caller owns
// the response and must close its body; status codes pass through untouched.
func (c *Client) CallMCP(ctx context.Context, baseURL string, message io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/mcp", message)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fleeterrors.NewErrorf(fleeterrors.ErrorTransient, "executor unreachable: %v", err)
	}
	return resp, nil
}

// MCPEvents subscribes to server-originated JSON-RPC messages. The channel
// stays open until the runtime closes the stream or ctx is cancelled.
func (c *Client) MCPEvents(ctx context.Context, baseURL string) (<-chan json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/mcp", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fleeterrors.NewErrorf(fleeterrors.ErrorTransient, "executor unreachable: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		drainAndClose(resp.Body)
		return nil, fleeterrors.NewErrorf(fleeterrors.ErrorInternal, "executor returned [%d] for /mcp", resp.StatusCode)
	}
	events := make(chan json.RawMessage, eventBuffer)
	go relayRaw(ctx, resp.Body, events)
	return events, nil
}

// MCPStatus fetches the runtime's own status document untouched.
func (c *Client) MCPStatus(ctx context.Context, baseURL string) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/api/mcp/status", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fleeterrors.NewErrorf(fleeterrors.ErrorTransient, "executor unreachable: %v", err)
	}
	defer drainAndClose(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return nil, fleeterrors.NewErrorf(fleeterrors.ErrorInternal, "executor returned [%d] for /api/mcp/status", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxEventBytes))
	if err != nil {
		return nil, err
	}
	return json.RawMessage(body), nil
}

// StopMCP terminates the MCP process. Stopping an already-stopped process
// is fine.
func (c *Client) StopMCP(ctx context.Context, baseURL string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, baseURL+"/api/mcp", nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fleeterrors.NewErrorf(fleeterrors.ErrorTransient, "executor unreachable: %v", err)
	}
	drainAndClose(resp.Body)
	switch resp.StatusCode {
	case http.StatusOK, http.StatusNoContent, http.StatusNotFound:
		return nil
	}
	return fleeterrors.NewErrorf(fleeterrors.ErrorInternal, "executor returned [%d] for DELETE /api/mcp", resp.StatusCode)
}

func relayRaw(ctx context.Context, body io.ReadCloser, events chan<- json.RawMessage) {
	defer close(events)
	defer drainAndClose(body)
	scanner := newEventScanner(body)
	for scanner.Scan() {
		payload, ok := eventPayload(scanner.Text())
		if !ok {
			continue
		}
		select {
		case events <- json.RawMessage(payload):
		case <-ctx.Done():
			return
		}
	}
}
