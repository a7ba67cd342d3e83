// Package pool keeps one warm pool of sandboxes per kind and hands them out
// atomically. All pool state lives on the sandbox objects themselves; the
// in-memory counters are advisory copies refreshed from the informer cache.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/distribution/reference"
	"github.com/sandbox-fleet/fleetd/pkg/broker"
	"github.com/sandbox-fleet/fleetd/pkg/manager/config"
	"github.com/sandbox-fleet/fleetd/pkg/manager/consts"
	fleeterrors "github.com/sandbox-fleet/fleetd/pkg/manager/errors"
	"github.com/sandbox-fleet/fleetd/pkg/manager/kube"
	"github.com/sandbox-fleet/fleetd/pkg/manager/logs"
	"github.com/sandbox-fleet/fleetd/pkg/manager/metrics"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/rand"
	"k8s.io/klog/v2"
)

const (
	maxClaimAttempts = 10
	maxNameAttempts  = 10
)

type Pool struct {
	creating  atomic.Int32
	warm      atomic.Int32
	allocated atomic.Int32
	manual    atomic.Int32
	mcp       atomic.Int32
	total     atomic.Int32

	template  *config.PoolTemplate
	opts      config.Options
	adapter   *kube.Adapter
	broker    broker.Broker
	upstreams []broker.Upstream
	gate      Gate
}

// Status is the point-in-time report served by the gateway.
type Status struct {
	Kind               string  `json:"kind"`
	Creating           int32   `json:"creating"`
	Warm               int32   `json:"warm"`
	Allocated          int32   `json:"allocated"`
	Manual             int32   `json:"manual"`
	MCP                int32   `json:"mcp"`
	Total              int32   `json:"total"`
	Target             int32   `json:"target"`
	ReadyPercent       float64 `json:"readyPercent"`
	UtilizationPercent float64 `json:"utilizationPercent"`
}

// NewPool builds a pool for one template. brk may be nil when no broker is
// configured; upstreams is the set registered with each allocation binding.
// gate guards backfill, never allocation.
func NewPool(template *config.PoolTemplate, opts config.Options, adapter *kube.Adapter, brk broker.Broker, upstreams []broker.Upstream, gate Gate) *Pool {
	return &Pool{
		template:  template,
		opts:      opts,
		adapter:   adapter,
		broker:    brk,
		upstreams: upstreams,
		gate:      gate,
	}
}

func (p *Pool) Name() string {
	return p.template.Name
}

func (p *Pool) Kind() string {
	return p.template.Spec.Kind
}

// Refresh recounts the pool from the informer cache and promotes any
// creating sandbox that is already Running and ready.
func (p *Pool) Refresh(ctx context.Context) error {
	log := klog.FromContext(ctx).V(consts.DebugLogLevel).WithValues("pool", p.Name())
	sandboxes, err := p.adapter.ListSandboxes(consts.LabelKind, p.Kind())
	if err != nil {
		return err
	}

	var creating, warm, allocated, manual, mcp int32
	for _, sbx := range sandboxes {
		switch sbx.PoolStatus() {
		case consts.PoolStatusCreating:
			creating++
			if sbx.Phase() == corev1.PodRunning && sbx.IsReady() && sbx.DeletionTimestamp == nil {
				go p.promote(sbx)
			}
		case consts.PoolStatusWarm:
			warm++
		case consts.PoolStatusAllocated:
			allocated++
		case consts.PoolStatusManual:
			manual++
		case consts.PoolStatusMCP:
			mcp++
		}
	}

	p.creating.Store(creating)
	p.warm.Store(warm)
	p.allocated.Store(allocated)
	p.manual.Store(manual)
	p.mcp.Store(mcp)
	p.total.Store(int32(len(sandboxes)))
	p.syncGauges()

	log.Info("pool refreshed", "total", len(sandboxes),
		"creating", creating, "warm", warm, "allocated", allocated, "manual", manual, "mcp", mcp)
	return nil
}

// AllocateWarm claims the oldest claimable warm sandbox for user. The guarded
// metadata update is the arbiter: under concurrent allocators exactly one
// claim per sandbox lands, everyone else moves to the next candidate.
func (p *Pool) AllocateWarm(ctx context.Context, user string) (*kube.Sandbox, error) {
	start := time.Now()
	log := klog.FromContext(ctx).WithValues("pool", p.Name(), "user", user)
	if user == "" {
		return nil, fleeterrors.NewError(fleeterrors.ErrorValidation, "user must not be empty")
	}

	for attempt := 0; attempt < maxClaimAttempts; attempt++ {
		candidates, err := p.warmCandidates()
		if err != nil {
			metrics.AllocationResponses.WithLabelValues("failure").Inc()
			return nil, err
		}
		if len(candidates) == 0 {
			metrics.AllocationResponses.WithLabelValues("empty").Inc()
			return nil, fleeterrors.NewErrorf(fleeterrors.ErrorNoWarm, "no warm %s sandboxes available", p.Kind())
		}

		for _, candidate := range candidates {
			now := kube.FormatTime(time.Now())
			claimed, err := p.adapter.GuardedUpdateMeta(ctx, candidate, kube.MetaDelta{
				Labels: map[string]string{
					consts.LabelPoolStatus: consts.PoolStatusAllocated,
					consts.LabelPoolUser:   user,
				},
				Annotations: map[string]string{
					consts.AnnotationAllocatedAt:    now,
					consts.AnnotationLastActivityAt: now,
				},
			})
			if err == nil {
				log.Info("allocated warm sandbox", "sandbox", klog.KObj(claimed.Pod), "attempts", attempt+1)
				go p.registerBinding(claimed.Name, user)
				metrics.AllocationLatency.Observe(float64(time.Since(start).Milliseconds()))
				metrics.AllocationResponses.WithLabelValues("success").Inc()
				return claimed, nil
			}
			if fleeterrors.IsCode(err, fleeterrors.ErrorConflict) || fleeterrors.IsCode(err, fleeterrors.ErrorNotFound) {
				log.V(consts.DebugLogLevel).Info("lost claim race, moving to next candidate",
					"sandbox", candidate.Name, "reason", err)
				continue
			}
			metrics.AllocationResponses.WithLabelValues("failure").Inc()
			return nil, err
		}
	}

	metrics.AllocationResponses.WithLabelValues("empty").Inc()
	return nil, fleeterrors.NewErrorf(fleeterrors.ErrorNoWarm, "all warm %s sandboxes were claimed concurrently", p.Kind())
}

// CreateOnDemand creates a sandbox outside the warm path, still bounded by
// the global capacity cap. poolStatus must be allocated, manual or mcp. An
// empty image keeps the template's image.
func (p *Pool) CreateOnDemand(ctx context.Context, user, poolStatus, image string) (*kube.Sandbox, error) {
	log := klog.FromContext(ctx).WithValues("pool", p.Name(), "user", user)
	if user == "" {
		return nil, fleeterrors.NewError(fleeterrors.ErrorValidation, "user must not be empty")
	}
	switch poolStatus {
	case consts.PoolStatusAllocated, consts.PoolStatusManual, consts.PoolStatusMCP:
	default:
		return nil, fleeterrors.NewErrorf(fleeterrors.ErrorValidation,
			"on-demand pool status must be %s, %s or %s, got %q",
			consts.PoolStatusAllocated, consts.PoolStatusManual, consts.PoolStatusMCP, poolStatus)
	}
	if image != "" {
		if _, err := reference.ParseNormalizedNamed(image); err != nil {
			return nil, fleeterrors.NewErrorf(fleeterrors.ErrorValidation, "invalid image [%s]: %v", image, err)
		}
	}

	total, err := p.fleetTotal()
	if err != nil {
		return nil, err
	}
	if total >= p.opts.MaxTotal {
		return nil, fleeterrors.NewErrorf(fleeterrors.ErrorCapacity, "sandbox capacity %d reached", p.opts.MaxTotal)
	}

	sbx, err := p.createSandbox(ctx, user, poolStatus, image)
	if err != nil {
		return nil, err
	}
	metrics.SandboxesCreated.WithLabelValues("on-demand").Inc()
	if err := p.confirmWithinCap(ctx, sbx); err != nil {
		return nil, err
	}

	go p.registerBinding(sbx.Name, user)
	log.Info("created on-demand sandbox", "sandbox", klog.KObj(sbx.Pod), "poolStatus", poolStatus)
	return sbx, nil
}

// BackfillTick tops the warm pool back up to its target. Only the lease
// holder backfills; it creates and never deletes. Counting over-target warm
// sandboxes is left to the allocation flow draining them.
func (p *Pool) BackfillTick(ctx context.Context) error {
	log := klog.FromContext(ctx).WithValues("pool", p.Name())
	if p.gate != nil && !p.gate.IsLeader() {
		log.V(consts.DebugLogLevel).Info("not holding the pool lease, skipping backfill")
		return nil
	}
	if err := p.Refresh(ctx); err != nil {
		return err
	}

	fleetTotal, err := p.fleetTotal()
	if err != nil {
		return err
	}
	need := p.template.WarmTarget() - (p.warm.Load() + p.creating.Load())
	if need < 0 {
		need = 0
	}
	capRemaining := p.opts.MaxTotal - fleetTotal
	if capRemaining < 0 {
		capRemaining = 0
	}
	count := min(need, capRemaining)
	if count == 0 {
		log.V(consts.DebugLogLevel).Info("warm pool satisfied",
			"warm", p.warm.Load(), "creating", p.creating.Load(), "target", p.template.WarmTarget())
		return nil
	}

	log.Info("backfilling warm pool", "need", need, "capRemaining", capRemaining, "count", count)
	var errs error
	for i := int32(0); i < count; i++ {
		sbx, err := p.createSandbox(ctx, "", consts.PoolStatusCreating, "")
		if err != nil {
			log.Error(err, "failed to create warm sandbox")
			errs = errors.Join(errs, err)
			continue
		}
		metrics.SandboxesCreated.WithLabelValues("backfill").Inc()
		log.V(consts.DebugLogLevel).Info("warm sandbox creation submitted", "sandbox", klog.KObj(sbx.Pod))
	}
	return errs
}

func (p *Pool) Touch(ctx context.Context, name string) error {
	return Touch(ctx, p.adapter, name)
}

// Touch advances last-activity-at to now. It never rewinds the annotation
// and treats a missing sandbox as a no-op.
func Touch(ctx context.Context, adapter *kube.Adapter, name string) error {
	now := time.Now()
	return adapter.RetryUpdateMeta(ctx, name, func(pod *corev1.Pod) bool {
		if last, ok := kube.AsSandbox(pod).LastActivityAt(); ok && !now.After(last) {
			return false
		}
		if pod.Annotations == nil {
			pod.Annotations = map[string]string{}
		}
		pod.Annotations[consts.AnnotationLastActivityAt] = kube.FormatTime(now)
		return true
	})
}

func (p *Pool) Status(ctx context.Context) (Status, error) {
	if err := p.Refresh(ctx); err != nil {
		return Status{}, err
	}
	st := Status{
		Kind:      p.Kind(),
		Creating:  p.creating.Load(),
		Warm:      p.warm.Load(),
		Allocated: p.allocated.Load(),
		Manual:    p.manual.Load(),
		MCP:       p.mcp.Load(),
		Total:     p.total.Load(),
		Target:    p.template.WarmTarget(),
	}
	if st.Target > 0 {
		st.ReadyPercent = min(100, 100*float64(st.Warm)/float64(st.Target))
	} else {
		st.ReadyPercent = 100
	}
	if p.opts.MaxTotal > 0 {
		st.UtilizationPercent = 100 * float64(st.Total) / float64(p.opts.MaxTotal)
	}
	return st, nil
}

// ObserveUpdate keeps the counters in step with informer traffic and spots
// creating sandboxes that just became ready.
func (p *Pool) ObserveUpdate(oldSbx, newSbx *kube.Sandbox) {
	oldStatus, newStatus := oldSbx.PoolStatus(), newSbx.PoolStatus()
	if oldStatus != newStatus {
		p.addStatus(oldStatus, -1)
		p.addStatus(newStatus, 1)
		p.syncGauges()
	}
	if newStatus == consts.PoolStatusCreating && newSbx.Phase() == corev1.PodRunning &&
		newSbx.IsReady() && !oldSbx.IsReady() && newSbx.DeletionTimestamp == nil {
		go p.promote(newSbx)
	}
}

func (p *Pool) ObserveDelete(sbx *kube.Sandbox) {
	p.addStatus(sbx.PoolStatus(), -1)
	p.total.Add(-1)
	p.syncGauges()
}

// promote relabels a creating sandbox to warm. Racing controllers converge
// through the guarded update: one wins, the rest see a conflict.
func (p *Pool) promote(sbx *kube.Sandbox) {
	ctx := logs.NewContext("pool", p.Name(), "sandbox", sbx.Name)
	log := klog.FromContext(ctx)
	updated, err := p.adapter.GuardedUpdateMeta(ctx, sbx, kube.MetaDelta{
		Labels: map[string]string{consts.LabelPoolStatus: consts.PoolStatusWarm},
	})
	if err != nil {
		if fleeterrors.IsCode(err, fleeterrors.ErrorConflict) || fleeterrors.IsCode(err, fleeterrors.ErrorNotFound) {
			log.V(consts.DebugLogLevel).Info("sandbox promotion superseded", "reason", err)
			return
		}
		log.Error(err, "failed to promote sandbox to warm pool")
		return
	}
	log.Info("sandbox joined the warm pool", "sandbox", klog.KObj(updated.Pod))
}

// warmCandidates returns claimable warm sandboxes, oldest first.
func (p *Pool) warmCandidates() ([]*kube.Sandbox, error) {
	sandboxes, err := p.adapter.ListSandboxes(
		consts.LabelKind, p.Kind(),
		consts.LabelPoolStatus, consts.PoolStatusWarm,
	)
	if err != nil {
		return nil, err
	}
	candidates := make([]*kube.Sandbox, 0, len(sandboxes))
	for _, sbx := range sandboxes {
		if sbx.Claimable() {
			candidates = append(candidates, sbx)
		}
	}
	rankByAge(candidates)
	return candidates, nil
}

// registerBinding is fire and forget. A failed registration leaves the
// sandbox usable without credentials; the allocation is not rolled back.
func (p *Pool) registerBinding(sandboxID, user string) {
	if p.broker == nil {
		return
	}
	ctx := logs.NewContext("sandbox", sandboxID, "user", user)
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := p.broker.RegisterBinding(ctx, sandboxID, user, p.upstreams); err != nil {
		klog.FromContext(ctx).Error(err, "failed to register sandbox binding with broker")
		return
	}
	klog.FromContext(ctx).V(consts.DebugLogLevel).Info("sandbox binding registered")
}

func (p *Pool) createSandbox(ctx context.Context, user, poolStatus, image string) (*kube.Sandbox, error) {
	now := time.Now()
	var sbx *kube.Sandbox
	var err error
	for i := 0; i < maxNameAttempts; i++ {
		sbx, err = p.adapter.CreateSandbox(ctx, p.newPod(user, poolStatus, image, now))
		if err == nil || !fleeterrors.IsCode(err, fleeterrors.ErrorConflict) {
			break
		}
	}
	return sbx, err
}

func (p *Pool) newPod(user, poolStatus, image string, now time.Time) *corev1.Pod {
	t := p.template
	name := fmt.Sprintf("%s-%s-%s", p.opts.NamePrefix, t.Spec.Kind, rand.String(5))

	labels := map[string]string{}
	for k, v := range t.Spec.Template.Labels {
		labels[k] = v
	}
	labels[consts.LabelPoolStatus] = poolStatus

	annotations := map[string]string{}
	for k, v := range t.Spec.Template.Annotations {
		annotations[k] = v
	}
	annotations[consts.AnnotationCreatedAt] = kube.FormatTime(now)
	if user != "" {
		labels[consts.LabelPoolUser] = user
		annotations[consts.AnnotationAllocatedAt] = kube.FormatTime(now)
		annotations[consts.AnnotationLastActivityAt] = kube.FormatTime(now)
	}

	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:        name,
			Namespace:   p.opts.Namespace,
			Labels:      labels,
			Annotations: annotations,
		},
		Spec: *t.Spec.Template.Spec.DeepCopy(),
	}
	if image != "" && len(pod.Spec.Containers) > 0 {
		pod.Spec.Containers[0].Image = image
	}
	return pod
}

// fleetTotal counts every managed sandbox regardless of kind; the capacity
// cap is global.
func (p *Pool) fleetTotal() (int32, error) {
	all, err := p.adapter.ListSandboxes()
	if err != nil {
		return 0, err
	}
	return int32(len(all)), nil
}

// confirmWithinCap re-reads the fleet after a create and deletes our own pod
// if it landed beyond the cap. The re-list goes straight to the API server,
// which always reflects the create; racing creators rank the fleet
// identically by age then name, so the one over the line always yields.
func (p *Pool) confirmWithinCap(ctx context.Context, created *kube.Sandbox) error {
	log := klog.FromContext(ctx).WithValues("sandbox", created.Name)
	all, err := p.adapter.ListSandboxesDirect(ctx)
	if err != nil {
		return err
	}
	rankByAge(all)
	for i, sbx := range all {
		if sbx.Name != created.Name {
			continue
		}
		if int32(i) < p.opts.MaxTotal {
			return nil
		}
		log.Info("sandbox landed beyond capacity, removing it", "rank", i, "cap", p.opts.MaxTotal)
		if err := p.adapter.DeleteSandbox(ctx, created.Name, 0); err != nil {
			log.Error(err, "failed to remove sandbox beyond capacity")
		}
		metrics.SandboxesDeleted.WithLabelValues(consts.DeleteReasonOverCapacity).Inc()
		return fleeterrors.NewErrorf(fleeterrors.ErrorCapacity, "sandbox capacity %d reached", p.opts.MaxTotal)
	}
	// Our own create is absent from the API server's answer: it was already
	// deleted out from under us. Surface that instead of handing it out.
	return fleeterrors.NewErrorf(fleeterrors.ErrorNotFound, "sandbox %s no longer exists", created.Name)
}

func (p *Pool) addStatus(status string, delta int32) {
	switch status {
	case consts.PoolStatusCreating:
		p.creating.Add(delta)
	case consts.PoolStatusWarm:
		p.warm.Add(delta)
	case consts.PoolStatusAllocated:
		p.allocated.Add(delta)
	case consts.PoolStatusManual:
		p.manual.Add(delta)
	case consts.PoolStatusMCP:
		p.mcp.Add(delta)
	}
}

func (p *Pool) syncGauges() {
	name := p.Name()
	metrics.PoolSandboxes.WithLabelValues(name, consts.PoolStatusCreating).Set(float64(p.creating.Load()))
	metrics.PoolSandboxes.WithLabelValues(name, consts.PoolStatusWarm).Set(float64(p.warm.Load()))
	metrics.PoolSandboxes.WithLabelValues(name, consts.PoolStatusAllocated).Set(float64(p.allocated.Load()))
	metrics.PoolSandboxes.WithLabelValues(name, consts.PoolStatusManual).Set(float64(p.manual.Load()))
	metrics.PoolSandboxes.WithLabelValues(name, consts.PoolStatusMCP).Set(float64(p.mcp.Load()))
}

func rankByAge(sandboxes []*kube.Sandbox) {
	sort.Slice(sandboxes, func(i, j int) bool {
		ti, tj := sandboxes[i].CreatedAt(), sandboxes[j].CreatedAt()
		if !ti.Equal(tj) {
			return ti.Before(tj)
		}
		return sandboxes[i].Name < sandboxes[j].Name
	})
}
