// Package manager wires the control plane together: one informer-backed
// adapter, one pool per sandbox kind, the lifecycle tracker, the cleanup
// worker, and the cluster lease that serializes backfill and cleanup.
package manager

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sandbox-fleet/fleetd/pkg/broker"
	"github.com/sandbox-fleet/fleetd/pkg/manager/cleanup"
	"github.com/sandbox-fleet/fleetd/pkg/manager/config"
	"github.com/sandbox-fleet/fleetd/pkg/manager/consts"
	fleeterrors "github.com/sandbox-fleet/fleetd/pkg/manager/errors"
	"github.com/sandbox-fleet/fleetd/pkg/manager/kube"
	"github.com/sandbox-fleet/fleetd/pkg/manager/lifecycle"
	"github.com/sandbox-fleet/fleetd/pkg/manager/metrics"
	"github.com/sandbox-fleet/fleetd/pkg/manager/pool"
	"k8s.io/client-go/kubernetes"
	"k8s.io/klog/v2"
)

// gateHolder hands pools and the cleanup worker a stable Gate while the
// real lease gate only exists once Run starts the election.
type gateHolder struct {
	mu    sync.RWMutex
	inner pool.Gate
}

func (g *gateHolder) IsLeader() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.inner.IsLeader()
}

func (g *gateHolder) swap(inner pool.Gate) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.inner = inner
}

type Fleet struct {
	opts    config.Options
	client  kubernetes.Interface
	adapter *kube.Adapter
	broker  broker.Broker
	tracker *lifecycle.Tracker
	worker  *cleanup.Worker
	gate    *gateHolder
	pools   map[string]*pool.Pool
}

// New builds the fleet from the given pool templates. The broker and prober
// may be nil; binding registration and health probing degrade gracefully.
func New(client kubernetes.Interface, opts config.Options, templates []*config.PoolTemplate,
	brk broker.Broker, prober lifecycle.Prober, upstreams []broker.Upstream) (*Fleet, error) {
	if len(templates) == 0 {
		return nil, fleeterrors.NewError(fleeterrors.ErrorValidation, "at least one pool template is required")
	}
	adapter, err := kube.NewAdapter(client, opts.Namespace)
	if err != nil {
		return nil, err
	}

	f := &Fleet{
		opts:    opts,
		client:  client,
		adapter: adapter,
		broker:  brk,
		gate:    &gateHolder{inner: pool.AlwaysLeader{}},
		pools:   map[string]*pool.Pool{},
	}
	for _, template := range templates {
		kind := template.Spec.Kind
		if _, ok := f.pools[kind]; ok {
			return nil, fleeterrors.NewErrorf(fleeterrors.ErrorValidation, "duplicate pool template for kind [%s]", kind)
		}
		f.pools[kind] = pool.NewPool(template, opts, adapter, brk, upstreams, f.gate)
	}
	f.tracker = lifecycle.NewTracker(adapter, prober, consts.ExecutorPort)
	f.worker = cleanup.NewWorker(adapter, brk, opts, f.gate)
	adapter.AddSandboxEventHandler(f.observeUpdate, f.observeDelete)
	return f, nil
}

// Run starts the informer, the leader election, and the background loops.
// It returns once the cache is synced; the loops stop when ctx is cancelled.
func (f *Fleet) Run(ctx context.Context) error {
	log := klog.FromContext(ctx)

	done := make(chan struct{})
	go f.adapter.Run(done)
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	log.Info("sandbox cache is synced")

	if f.opts.LeaderElection {
		identity := electionIdentity()
		gate, err := pool.StartLeaderElection(ctx, f.client, f.opts.Namespace, identity, f.opts.LeaseDuration)
		if err != nil {
			return err
		}
		f.gate.swap(gate)
		log.Info("leader election started", "identity", identity, "lease", consts.LeaseName)
	}

	for _, p := range f.pools {
		if err := p.Refresh(ctx); err != nil {
			log.Error(err, "initial pool refresh failed", "pool", p.Name())
		}
	}

	go f.backfillLoop(ctx)
	go f.worker.Run(ctx)
	return nil
}

func (f *Fleet) Stop() {
	f.adapter.Stop()
}

func (f *Fleet) backfillLoop(ctx context.Context) {
	log := klog.FromContext(ctx)
	ticker := time.NewTicker(f.opts.BackfillInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, p := range f.pools {
				if err := p.BackfillTick(ctx); err != nil {
					log.Error(err, "backfill tick failed", "pool", p.Name())
				}
			}
		}
	}
}

func (f *Fleet) observeUpdate(oldSbx, newSbx *kube.Sandbox) {
	if p, ok := f.pools[newSbx.Kind()]; ok {
		p.ObserveUpdate(oldSbx, newSbx)
	}
}

func (f *Fleet) observeDelete(sbx *kube.Sandbox) {
	if p, ok := f.pools[sbx.Kind()]; ok {
		p.ObserveDelete(sbx)
	}
}

// PoolFor returns the pool managing the given sandbox kind.
func (f *Fleet) PoolFor(kind string) (*pool.Pool, error) {
	p, ok := f.pools[kind]
	if !ok {
		return nil, fleeterrors.NewErrorf(fleeterrors.ErrorValidation, "unknown sandbox kind [%s]", kind)
	}
	return p, nil
}

// PoolStatus reports every pool, sorted by kind for stable output.
func (f *Fleet) PoolStatus(ctx context.Context) ([]pool.Status, error) {
	kinds := make([]string, 0, len(f.pools))
	for kind := range f.pools {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)

	statuses := make([]pool.Status, 0, len(kinds))
	for _, kind := range kinds {
		st, err := f.pools[kind].Status(ctx)
		if err != nil {
			return nil, err
		}
		statuses = append(statuses, st)
	}
	return statuses, nil
}

func (f *Fleet) Tracker() *lifecycle.Tracker {
	return f.tracker
}

func (f *Fleet) GetSandbox(ctx context.Context, name string) (*kube.Sandbox, bool, error) {
	return f.adapter.GetSandbox(ctx, name)
}

func (f *Fleet) ListSandboxes() ([]*kube.Sandbox, error) {
	return f.adapter.ListSandboxes()
}

func (f *Fleet) Touch(ctx context.Context, name string) error {
	return pool.Touch(ctx, f.adapter, name)
}

// DeleteSandbox removes one sandbox and its broker binding. Deleting a
// sandbox that is already gone is not an error.
func (f *Fleet) DeleteSandbox(ctx context.Context, name string) error {
	sbx, found, err := f.adapter.GetSandbox(ctx, name)
	if err != nil {
		return err
	}
	if !found {
		return fleeterrors.NewErrorf(fleeterrors.ErrorNotFound, "sandbox [%s] not found", name)
	}
	f.deregister(ctx, sbx)
	if err := f.adapter.DeleteSandbox(ctx, name, -1); err != nil {
		return err
	}
	metrics.SandboxesDeleted.WithLabelValues(consts.DeleteReasonAPI).Inc()
	return nil
}

// DeleteAllSandboxes removes every managed sandbox and returns how many
// deletions were issued.
func (f *Fleet) DeleteAllSandboxes(ctx context.Context) (int, error) {
	log := klog.FromContext(ctx)
	sandboxes, err := f.adapter.ListSandboxes()
	if err != nil {
		return 0, err
	}
	deleted := 0
	for _, sbx := range sandboxes {
		f.deregister(ctx, sbx)
		if err := f.adapter.DeleteSandbox(ctx, sbx.Name, -1); err != nil {
			log.Error(err, "failed to delete sandbox", "sandbox", klog.KObj(sbx.Pod))
			continue
		}
		metrics.SandboxesDeleted.WithLabelValues(consts.DeleteReasonAPI).Inc()
		deleted++
	}
	return deleted, nil
}

func (f *Fleet) deregister(ctx context.Context, sbx *kube.Sandbox) {
	if f.broker == nil || sbx.User() == "" {
		return
	}
	if err := f.broker.DeregisterBinding(ctx, sbx.Name); err != nil {
		klog.FromContext(ctx).Error(err, "failed to deregister binding", "sandbox", sbx.Name)
	}
}

func electionIdentity() string {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "fleetd"
	}
	return fmt.Sprintf("%s_%s", hostname, uuid.NewString())
}
