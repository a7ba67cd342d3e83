package pool

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/sandbox-fleet/fleetd/pkg/manager/consts"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/leaderelection"
	"k8s.io/client-go/tools/leaderelection/resourcelock"
	"k8s.io/klog/v2"
)

// Gate answers whether this controller may run leader-gated work right now.
// Backfill and cleanup sit behind it; allocation never does.
type Gate interface {
	IsLeader() bool
}

// AlwaysLeader is the gate for single-controller deployments and tests.
type AlwaysLeader struct{}

func (AlwaysLeader) IsLeader() bool { return true }

type leaseGate struct {
	leading atomic.Bool
}

func (g *leaseGate) IsLeader() bool { return g.leading.Load() }

// StartLeaderElection runs a lease-backed election in the background and
// returns a Gate reflecting current leadership. The lease renews at half its
// duration. On loss the gate flips before the callback returns and the
// elector keeps trying to re-acquire until ctx is cancelled.
func StartLeaderElection(ctx context.Context, client kubernetes.Interface, namespace, identity string, leaseDuration time.Duration) (Gate, error) {
	lock, err := resourcelock.New(
		resourcelock.LeasesResourceLock,
		namespace,
		consts.LeaseName,
		client.CoreV1(),
		client.CoordinationV1(),
		resourcelock.ResourceLockConfig{Identity: identity},
	)
	if err != nil {
		return nil, err
	}

	gate := &leaseGate{}
	elector, err := leaderelection.NewLeaderElector(leaderelection.LeaderElectionConfig{
		Lock:            lock,
		LeaseDuration:   leaseDuration,
		RenewDeadline:   leaseDuration / 2,
		RetryPeriod:     leaseDuration / 4,
		ReleaseOnCancel: true,
		Name:            consts.LeaseName,
		Callbacks: leaderelection.LeaderCallbacks{
			OnStartedLeading: func(ctx context.Context) {
				gate.leading.Store(true)
				klog.InfoS("acquired the pool lease", "lease", consts.LeaseName, "identity", identity)
			},
			OnStoppedLeading: func() {
				gate.leading.Store(false)
				klog.InfoS("lost the pool lease", "lease", consts.LeaseName, "identity", identity)
			},
		},
	})
	if err != nil {
		return nil, err
	}

	go func() {
		for ctx.Err() == nil {
			elector.Run(ctx)
		}
	}()
	return gate, nil
}
