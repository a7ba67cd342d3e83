// Package executor is the client side of the in-sandbox execution runtime.
// The runtime serves /healthz, a streamed command executor, and an MCP
// process supervisor; every sandbox pod exposes it on port 8765.
package executor

import "encoding/json"

// Discriminator values of the "$type" field on streamed events.
const (
	EventOutput    = "OutputEvent"
	EventCompleted = "CompletedEvent"
)

const (
	StreamStdout = "stdout"
	StreamStderr = "stderr"
)

const (
	DefaultTimeoutSeconds = 300
	MinTimeoutSeconds     = 1
	MaxTimeoutSeconds     = 600
)

type ExecuteRequest struct {
	Command        string `json:"command"`
	TimeoutSeconds int    `json:"timeoutSeconds"`
}

// ExecutionEvent is one record of an execution stream. Type picks the
// variant: OutputEvent carries Stream and Data, CompletedEvent carries
// ExitCode and TimedOut. PID is consistent across all events of one
// execution.
type ExecutionEvent struct {
	Type     string `json:"$type"`
	PID      int    `json:"pid"`
	Stream   string `json:"stream,omitempty"`
	Data     string `json:"data,omitempty"`
	ExitCode int    `json:"exitCode"`
	TimedOut bool   `json:"timedOut"`
}

// NewCompleted builds a terminal event. The gateway uses it to close a
// stream whose executor went away before reporting completion.
func NewCompleted(pid, exitCode int, timedOut bool) ExecutionEvent {
	return ExecutionEvent{Type: EventCompleted, PID: pid, ExitCode: exitCode, TimedOut: timedOut}
}

// MarshalJSON writes only the fields of the active variant, so a relayed
// event matches what the runtime put on the wire.
func (e ExecutionEvent) MarshalJSON() ([]byte, error) {
	if e.Type == EventCompleted {
		return json.Marshal(struct {
			Type     string `json:"$type"`
			PID      int    `json:"pid"`
			ExitCode int    `json:"exitCode"`
			TimedOut bool   `json:"timedOut"`
		}{e.Type, e.PID, e.ExitCode, e.TimedOut})
	}
	return json.Marshal(struct {
		Type   string `json:"$type"`
		PID    int    `json:"pid"`
		Stream string `json:"stream"`
		Data   string `json:"data"`
	}{e.Type, e.PID, e.Stream, e.Data})
}
