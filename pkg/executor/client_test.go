package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	fleeterrors "github.com/sandbox-fleet/fleetd/pkg/manager/errors"
	"github.com/stretchr/testify/assert"
)

func newRuntimeServer(t *testing.T, handler http.Handler) string {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return server.URL
}

func writeEvent(t *testing.T, w http.ResponseWriter, payload string) {
	t.Helper()
	if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
		t.Errorf("Failed to write event: %v", err)
	}
	if flusher, ok := w.(http.Flusher); ok {
		flusher.Flush()
	}
}

func collectExecution(t *testing.T, events <-chan ExecutionEvent) []ExecutionEvent {
	t.Helper()
	var got []ExecutionEvent
	for evt := range events {
		got = append(got, evt)
	}
	return got
}

func TestHealth(t *testing.T) {
	healthy := newRuntimeServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/healthz", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	sick := newRuntimeServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))

	c := NewClient()
	assert.NoError(t, c.Health(context.Background(), healthy))
	assert.Error(t, c.Health(context.Background(), sick))
}

func TestHealthUnreachable(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	err := NewClient().Health(context.Background(), url)
	assert.Equal(t, fleeterrors.ErrorTransient, fleeterrors.GetErrCode(err))
}

func TestExecuteStreamsEvents(t *testing.T) {
	url := newRuntimeServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/execute", r.URL.Path)
		var received ExecuteRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		assert.Equal(t, "echo hello", received.Command)
		assert.Equal(t, DefaultTimeoutSeconds, received.TimeoutSeconds)
		w.Header().Set("Content-Type", "text/event-stream")
		writeEvent(t, w, `{"$type":"OutputEvent","pid":42,"stream":"stdout","data":"hello\n"}`)
		writeEvent(t, w, `{"$type":"OutputEvent","pid":42,"stream":"stderr","data":"warning\n"}`)
		writeEvent(t, w, `{"$type":"CompletedEvent","pid":42,"exitCode":0,"timedOut":false}`)
	}))

	events, err := NewClient().Execute(context.Background(), url, ExecuteRequest{Command: "echo hello"})
	assert.NoError(t, err)
	got := collectExecution(t, events)

	if assert.Len(t, got, 3) {
		assert.Equal(t, EventOutput, got[0].Type)
		assert.Equal(t, StreamStdout, got[0].Stream)
		assert.Equal(t, "hello\n", got[0].Data)
		assert.Equal(t, StreamStderr, got[1].Stream)
		assert.Equal(t, EventCompleted, got[2].Type)
		assert.Equal(t, 0, got[2].ExitCode)
		assert.False(t, got[2].TimedOut)
		for _, evt := range got {
			assert.Equal(t, 42, evt.PID)
		}
	}
}

func TestExecuteValidation(t *testing.T) {
	c := NewClient()
	ctx := context.Background()

	_, err := c.Execute(ctx, "http://unused", ExecuteRequest{})
	assert.Equal(t, fleeterrors.ErrorValidation, fleeterrors.GetErrCode(err))

	_, err = c.Execute(ctx, "http://unused", ExecuteRequest{Command: "true", TimeoutSeconds: 601})
	assert.Equal(t, fleeterrors.ErrorValidation, fleeterrors.GetErrCode(err))

	_, err = c.Execute(ctx, "http://unused", ExecuteRequest{Command: "true", TimeoutSeconds: -1})
	assert.Equal(t, fleeterrors.ErrorValidation, fleeterrors.GetErrCode(err))
}

func TestExecuteTimeoutBounds(t *testing.T) {
	// The handler echoes the received timeout back as the event pid.
	url := newRuntimeServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var received ExecuteRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.Header().Set("Content-Type", "text/event-stream")
		writeEvent(t, w, fmt.Sprintf(`{"$type":"CompletedEvent","pid":%d,"exitCode":0,"timedOut":false}`, received.TimeoutSeconds))
	}))

	for _, timeout := range []int{MinTimeoutSeconds, 60, MaxTimeoutSeconds} {
		events, err := NewClient().Execute(context.Background(), url, ExecuteRequest{Command: "true", TimeoutSeconds: timeout})
		assert.NoError(t, err)
		got := collectExecution(t, events)
		if assert.Len(t, got, 1) {
			assert.Equal(t, timeout, got[0].PID)
		}
	}
}

func TestExecuteServerError(t *testing.T) {
	url := newRuntimeServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "exec unavailable", http.StatusInternalServerError)
	}))

	_, err := NewClient().Execute(context.Background(), url, ExecuteRequest{Command: "true"})
	assert.Equal(t, fleeterrors.ErrorInternal, fleeterrors.GetErrCode(err))
}

func TestExecuteUnreachable(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	_, err := NewClient().Execute(context.Background(), url, ExecuteRequest{Command: "true"})
	assert.Equal(t, fleeterrors.ErrorTransient, fleeterrors.GetErrCode(err))
}

func TestExecuteStopsAtCompleted(t *testing.T) {
	url := newRuntimeServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		writeEvent(t, w, `{"$type":"CompletedEvent","pid":7,"exitCode":3,"timedOut":true}`)
		writeEvent(t, w, `{"$type":"OutputEvent","pid":7,"stream":"stdout","data":"late"}`)
	}))

	events, err := NewClient().Execute(context.Background(), url, ExecuteRequest{Command: "true"})
	assert.NoError(t, err)
	got := collectExecution(t, events)

	if assert.Len(t, got, 1) {
		assert.Equal(t, EventCompleted, got[0].Type)
		assert.Equal(t, 3, got[0].ExitCode)
		assert.True(t, got[0].TimedOut)
	}
}

func TestExecuteBrokenStream(t *testing.T) {
	url := newRuntimeServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		writeEvent(t, w, `{"$type":"OutputEvent","pid":9,"stream":"stdout","data":"partial"}`)
		// Connection drops without a CompletedEvent.
	}))

	events, err := NewClient().Execute(context.Background(), url, ExecuteRequest{Command: "true"})
	assert.NoError(t, err)
	got := collectExecution(t, events)

	if assert.Len(t, got, 1) {
		assert.Equal(t, EventOutput, got[0].Type)
	}
}

func TestExecuteSkipsMalformedEvents(t *testing.T) {
	url := newRuntimeServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		writeEvent(t, w, `{not json`)
		writeEvent(t, w, `{"$type":"CompletedEvent","pid":1,"exitCode":0,"timedOut":false}`)
	}))

	events, err := NewClient().Execute(context.Background(), url, ExecuteRequest{Command: "true"})
	assert.NoError(t, err)
	got := collectExecution(t, events)

	if assert.Len(t, got, 1) {
		assert.Equal(t, EventCompleted, got[0].Type)
	}
}
