// Package lifecycle advances a single sandbox from creation to a terminal
// disposition and reports progress as an ordered event stream. Exactly one
// terminal event (ready or failed) ends every stream that is not cancelled.
package lifecycle

import (
	"time"

	"github.com/sandbox-fleet/fleetd/pkg/manager/kube"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/utils/ptr"
)

type Type string

const (
	TypeCreated     = Type("created")
	TypeWaiting     = Type("waiting")
	TypeHealthCheck = Type("health_check")
	TypeReady       = Type("ready")
	TypeFailed      = Type("failed")
)

const (
	// FailureReasonPhase means the pod entered the Failed phase.
	FailureReasonPhase = "phase-failure"
	// FailureReasonTimeout means the sandbox did not become ready in time.
	FailureReasonTimeout = "timeout"
	// FailureReasonDeleted means the sandbox vanished while being tracked.
	FailureReasonDeleted = "deleted"
)

// Event is one step of a sandbox startup. The populated fields depend on
// Type; unused fields are omitted on the wire.
type Event struct {
	Type           Type       `json:"event_type"`
	Phase          string     `json:"phase,omitempty"`
	Attempt        int        `json:"attempt,omitempty"`
	Message        string     `json:"message,omitempty"`
	Healthy        *bool      `json:"healthy,omitempty"`
	IP             string     `json:"ip,omitempty"`
	Sandbox        *kube.Info `json:"sandbox,omitempty"`
	ElapsedSeconds float64    `json:"elapsedSeconds,omitempty"`
	Reason         string     `json:"reason,omitempty"`
}

// Terminal reports whether the event ends the stream.
func (e Event) Terminal() bool {
	return e.Type == TypeReady || e.Type == TypeFailed
}

func Created(phase corev1.PodPhase) Event {
	return Event{Type: TypeCreated, Phase: string(phase)}
}

func Waiting(attempt int, phase corev1.PodPhase, message string) Event {
	return Event{Type: TypeWaiting, Attempt: attempt, Phase: string(phase), Message: message}
}

func HealthCheck(healthy bool, ip, message string) Event {
	return Event{Type: TypeHealthCheck, Healthy: ptr.To(healthy), IP: ip, Message: message}
}

func Ready(info *kube.Info, elapsed time.Duration) Event {
	return Event{Type: TypeReady, Sandbox: info, ElapsedSeconds: elapsed.Seconds()}
}

func Failed(reason string, info *kube.Info) Event {
	return Event{Type: TypeFailed, Reason: reason, Sandbox: info}
}
