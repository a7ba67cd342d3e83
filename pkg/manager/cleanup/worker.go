// Package cleanup reclaims sandboxes that outlived their welcome: allocated
// ones past their max lifetime or idle too long, warm ones past the optional
// warm age, and creating ones that never came up.
package cleanup

import (
	"context"
	"errors"
	"time"

	"github.com/sandbox-fleet/fleetd/pkg/broker"
	"github.com/sandbox-fleet/fleetd/pkg/manager/config"
	"github.com/sandbox-fleet/fleetd/pkg/manager/consts"
	"github.com/sandbox-fleet/fleetd/pkg/manager/kube"
	"github.com/sandbox-fleet/fleetd/pkg/manager/metrics"
	"github.com/sandbox-fleet/fleetd/pkg/manager/pool"
	"k8s.io/klog/v2"
)

type Worker struct {
	adapter *kube.Adapter
	broker  broker.Broker
	opts    config.Options
	gate    pool.Gate
}

func NewWorker(adapter *kube.Adapter, brk broker.Broker, opts config.Options, gate pool.Gate) *Worker {
	return &Worker{adapter: adapter, broker: brk, opts: opts, gate: gate}
}

// Run sweeps on every tick until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	log := klog.FromContext(ctx)
	ticker := time.NewTicker(w.opts.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.SweepOnce(ctx); err != nil {
				log.Error(err, "cleanup sweep finished with errors")
			}
		}
	}
}

// SweepOnce evaluates every managed sandbox once. Per-sandbox failures are
// collected and retried on the next tick, the sweep itself keeps going.
func (w *Worker) SweepOnce(ctx context.Context) error {
	log := klog.FromContext(ctx)
	if !w.gate.IsLeader() {
		log.V(consts.DebugLogLevel).Info("skipping cleanup sweep, not the leader")
		return nil
	}

	sandboxes, err := w.adapter.ListSandboxes()
	if err != nil {
		return err
	}

	now := time.Now()
	var errs []error
	for _, sbx := range sandboxes {
		if sbx.DeletionTimestamp != nil {
			continue
		}
		reason := w.evaluate(sbx, now)
		if reason == "" {
			continue
		}
		if err := w.reap(ctx, sbx, reason); err != nil {
			log.Error(err, "failed to delete sandbox", "sandbox", klog.KObj(sbx.Pod), "reason", reason)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// evaluate returns the delete reason for a sandbox, or "" to keep it.
// Lifetime wins over activity: a sandbox past MaxLifetime goes even if it
// was touched a second ago.
func (w *Worker) evaluate(sbx *kube.Sandbox, now time.Time) string {
	switch sbx.PoolStatus() {
	case consts.PoolStatusAllocated, consts.PoolStatusManual, consts.PoolStatusMCP:
		allocatedAt, ok := sbx.AllocatedAt()
		if !ok {
			allocatedAt = sbx.CreatedAt()
		}
		if now.Sub(allocatedAt) >= w.opts.MaxLifetime {
			return consts.DeleteReasonMaxLifetime
		}
		if last, ok := sbx.LastActivityAt(); ok && now.Sub(last) >= w.opts.IdleTimeout {
			return consts.DeleteReasonIdleTimeout
		}
	case consts.PoolStatusWarm:
		if w.opts.MaxWarmAge > 0 && now.Sub(sbx.CreatedAt()) >= w.opts.MaxWarmAge {
			return consts.DeleteReasonExpiredWarm
		}
	case consts.PoolStatusCreating:
		if now.Sub(sbx.CreatedAt()) >= 3*w.opts.PodReadyTimeout {
			return consts.DeleteReasonStuck
		}
	}
	return ""
}

func (w *Worker) reap(ctx context.Context, sbx *kube.Sandbox, reason string) error {
	log := klog.FromContext(ctx).WithValues("sandbox", klog.KObj(sbx.Pod), "reason", reason)
	w.deregister(ctx, sbx)
	if err := w.adapter.DeleteSandbox(ctx, sbx.Name, -1); err != nil {
		return err
	}
	metrics.SandboxesDeleted.WithLabelValues(reason).Inc()
	log.Info("deleted sandbox", "age", time.Since(sbx.CreatedAt()).Round(time.Second))
	return nil
}

func (w *Worker) deregister(ctx context.Context, sbx *kube.Sandbox) {
	if w.broker == nil || sbx.User() == "" {
		return
	}
	if err := w.broker.DeregisterBinding(ctx, sbx.Name); err != nil {
		klog.FromContext(ctx).Error(err, "failed to deregister binding", "sandbox", sbx.Name)
	}
}
