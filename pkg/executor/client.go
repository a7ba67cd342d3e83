package executor

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	fleeterrors "github.com/sandbox-fleet/fleetd/pkg/manager/errors"
	"k8s.io/klog/v2"
)

const (
	maxEventBytes = 1 << 20
	eventBuffer   = 64
)

type Client struct {
	client *http.Client
}

// NewClient returns a client without a global timeout; executions stream
// for up to MaxTimeoutSeconds and are bounded by the caller's ctx instead.
func NewClient() *Client {
	return &Client{client: &http.Client{}}
}

// Health probes the runtime. Any 2xx answer counts as healthy.
func (c *Client) Health(ctx context.Context, baseURL string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/healthz", nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fleeterrors.NewErrorf(fleeterrors.ErrorTransient, "executor unreachable: %v", err)
	}
	drainAndClose(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fleeterrors.NewErrorf(fleeterrors.ErrorTransient, "executor /healthz returned [%d]", resp.StatusCode)
	}
	return nil
}

// Execute starts a command in the sandbox and relays its event stream.
// The channel delivers ordered events and is closed right after the
// CompletedEvent, or when the stream breaks, or when ctx is cancelled.
func (c *Client) Execute(ctx context.Context, baseURL string, execReq ExecuteRequest) (<-chan ExecutionEvent, error) {
	if execReq.Command == "" {
		return nil, fleeterrors.NewError(fleeterrors.ErrorValidation, "command is required")
	}
	if execReq.TimeoutSeconds == 0 {
		execReq.TimeoutSeconds = DefaultTimeoutSeconds
	}
	if execReq.TimeoutSeconds < MinTimeoutSeconds || execReq.TimeoutSeconds > MaxTimeoutSeconds {
		return nil, fleeterrors.NewErrorf(fleeterrors.ErrorValidation,
			"timeoutSeconds [%d] outside [%d, %d]", execReq.TimeoutSeconds, MinTimeoutSeconds, MaxTimeoutSeconds)
	}

	resp, err := c.stream(ctx, http.MethodPost, baseURL+"/api/execute", execReq)
	if err != nil {
		return nil, err
	}
	events := make(chan ExecutionEvent, eventBuffer)
	go relayExecution(ctx, resp.Body, events)
	return events, nil
}

func relayExecution(ctx context.Context, body io.ReadCloser, events chan<- ExecutionEvent) {
	defer close(events)
	defer drainAndClose(body)
	log := klog.FromContext(ctx)

	scanner := newEventScanner(body)
	for scanner.Scan() {
		payload, ok := eventPayload(scanner.Text())
		if !ok {
			continue
		}
		var evt ExecutionEvent
		if err := json.Unmarshal([]byte(payload), &evt); err != nil {
			log.Error(err, "skipping malformed execution event")
			continue
		}
		select {
		case events <- evt:
		case <-ctx.Done():
			return
		}
		if evt.Type == EventCompleted {
			return
		}
	}
	if err := scanner.Err(); err != nil {
		log.Error(err, "execution stream broke before completion")
	}
}

func (c *Client) stream(ctx context.Context, method, url string, payload any) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fleeterrors.NewErrorf(fleeterrors.ErrorTransient, "executor unreachable: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		drainAndClose(resp.Body)
		return nil, fleeterrors.NewErrorf(fleeterrors.ErrorInternal, "executor returned [%d] for %s", resp.StatusCode, url)
	}
	return resp, nil
}

func newEventScanner(r io.Reader) *bufio.Scanner {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxEventBytes)
	return scanner
}

// eventPayload extracts the JSON from a "data: <json>" line. Blank
// separator lines and SSE comments yield ok=false.
func eventPayload(line string) (string, bool) {
	if !strings.HasPrefix(line, "data:") {
		return "", false
	}
	payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
	if payload == "" {
		return "", false
	}
	return payload, true
}

func drainAndClose(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, body)
	_ = body.Close()
}

// BaseURL builds the runtime address for a sandbox IP.
func BaseURL(ip string, port int32) string {
	return fmt.Sprintf("http://%s:%d", ip, port)
}
