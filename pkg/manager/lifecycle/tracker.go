package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/sandbox-fleet/fleetd/pkg/manager/consts"
	"github.com/sandbox-fleet/fleetd/pkg/manager/kube"
	"github.com/sandbox-fleet/fleetd/pkg/manager/logs"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/klog/v2"
)

const (
	defaultPollInterval = 2 * time.Second
	defaultReadyTimeout = 2 * time.Minute
	probeTimeout        = 5 * time.Second
	eventBuffer         = 16
)

// Prober checks the in-sandbox runtime at its base URL. The executor client
// satisfies it.
type Prober interface {
	Health(ctx context.Context, baseURL string) error
}

// Options tune one tracking run.
type Options struct {
	// PollInterval is how often the sandbox is re-fetched. Defaults to 2s.
	PollInterval time.Duration
	// ReadyTimeout bounds the whole run. Defaults to 2m.
	ReadyTimeout time.Duration
	// DeleteOnCancel deletes the sandbox if the caller goes away before a
	// terminal event. When false the cleanup worker reaps it later.
	DeleteOnCancel bool
}

func (o Options) withDefaults() Options {
	if o.PollInterval <= 0 {
		o.PollInterval = defaultPollInterval
	}
	if o.ReadyTimeout <= 0 {
		o.ReadyTimeout = defaultReadyTimeout
	}
	return o
}

type Tracker struct {
	adapter *kube.Adapter
	prober  Prober
	port    int32
}

func NewTracker(adapter *kube.Adapter, prober Prober, port int32) *Tracker {
	if port <= 0 {
		port = consts.ExecutorPort
	}
	return &Tracker{adapter: adapter, prober: prober, port: port}
}

// Track follows the named sandbox until it is ready or has failed. Events
// arrive in order on the returned channel, which is closed after the single
// terminal event. Cancelling ctx ends the stream without a terminal event.
func (t *Tracker) Track(ctx context.Context, name string, opts Options) <-chan Event {
	events := make(chan Event, eventBuffer)
	go t.run(ctx, name, opts.withDefaults(), events)
	return events
}

func (t *Tracker) run(ctx context.Context, name string, opts Options, events chan<- Event) {
	defer close(events)
	log := klog.FromContext(ctx).WithValues("sandbox", name)
	start := time.Now()
	deadline := start.Add(opts.ReadyTimeout)

	// Reads go straight to the API server. The informer cache may not have
	// observed a sandbox created moments ago.
	var sbx *kube.Sandbox
	var found bool
	for {
		var err error
		sbx, found, err = t.adapter.GetSandbox(ctx, name)
		if err == nil {
			break
		}
		// A flaky API server is retried like any mid-flight fetch failure;
		// only a confirmed absence counts as deleted.
		log.Error(err, "failed to fetch sandbox for tracking, retrying")
		if time.Now().After(deadline) {
			t.emit(ctx, events, Failed(FailureReasonTimeout, nil))
			return
		}
		select {
		case <-ctx.Done():
			t.cancelled(name, opts, log)
			return
		case <-time.After(opts.PollInterval):
		}
	}
	if !found {
		log.Info("sandbox vanished before tracking started")
		t.emit(ctx, events, Failed(FailureReasonDeleted, nil))
		return
	}
	if !t.emit(ctx, events, Created(sbx.Phase())) {
		t.cancelled(name, opts, log)
		return
	}

	attempt := 1
	ticker := time.NewTicker(opts.PollInterval)
	defer ticker.Stop()
	for {
		if sbx.Phase() == corev1.PodFailed {
			info := sbx.Info()
			log.Info("sandbox entered the Failed phase")
			t.emit(ctx, events, Failed(FailureReasonPhase, &info))
			return
		}
		if ip := sbx.GetIP(); sbx.Phase() == corev1.PodRunning && sbx.IsReady() && ip != "" {
			if probeErr := t.probe(ctx, ip); probeErr == nil {
				if !t.emit(ctx, events, HealthCheck(true, ip, "")) {
					t.cancelled(name, opts, log)
					return
				}
				info := sbx.Info()
				log.Info("sandbox is ready", "elapsed", time.Since(start))
				t.emit(ctx, events, Ready(&info, time.Since(start)))
				return
			} else if !t.emit(ctx, events, HealthCheck(false, ip, probeErr.Error())) {
				t.cancelled(name, opts, log)
				return
			}
		} else {
			message := fmt.Sprintf("sandbox in phase %s, ready=%t", sbx.Phase(), sbx.IsReady())
			if !t.emit(ctx, events, Waiting(attempt, sbx.Phase(), message)) {
				t.cancelled(name, opts, log)
				return
			}
		}

		attempt++
		if time.Now().After(deadline) {
			info := sbx.Info()
			log.Info("sandbox did not become ready in time", "timeout", opts.ReadyTimeout)
			t.emit(ctx, events, Failed(FailureReasonTimeout, &info))
			return
		}
		select {
		case <-ctx.Done():
			t.cancelled(name, opts, log)
			return
		case <-ticker.C:
		}

		var err error
		sbx, found, err = t.adapter.GetSandbox(ctx, name)
		if err != nil {
			// Keep the previous view and retry. A broken API server ends
			// in the timeout branch above.
			log.Error(err, "failed to re-fetch sandbox, retrying")
			continue
		}
		if !found {
			log.Info("sandbox was deleted while being tracked")
			t.emit(ctx, events, Failed(FailureReasonDeleted, nil))
			return
		}
	}
}

func (t *Tracker) probe(ctx context.Context, ip string) error {
	if t.prober == nil {
		return nil
	}
	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	return t.prober.Health(probeCtx, fmt.Sprintf("http://%s:%d", ip, t.port))
}

// emit delivers one event, giving up when the run is cancelled.
func (t *Tracker) emit(ctx context.Context, events chan<- Event, evt Event) bool {
	select {
	case events <- evt:
		return true
	case <-ctx.Done():
		return false
	}
}

func (t *Tracker) cancelled(name string, opts Options, log klog.Logger) {
	if !opts.DeleteOnCancel {
		log.V(consts.DebugLogLevel).Info("tracking cancelled, sandbox left to the cleanup worker")
		return
	}
	ctx, cancel := context.WithTimeout(logs.NewContext("sandbox", name), 10*time.Second)
	defer cancel()
	if err := t.adapter.DeleteSandbox(ctx, name, -1); err != nil {
		klog.FromContext(ctx).Error(err, "failed to delete sandbox after cancelled tracking")
	}
}
