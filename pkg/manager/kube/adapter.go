package kube

import (
	"context"
	"fmt"

	"github.com/sandbox-fleet/fleetd/pkg/manager/consts"
	fleeterrors "github.com/sandbox-fleet/fleetd/pkg/manager/errors"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	k8scache "k8s.io/client-go/tools/cache"
	"k8s.io/client-go/util/retry"
	"k8s.io/klog/v2"
	"k8s.io/utils/ptr"
)

// MetaDelta is the label/annotation mutation applied to a sandbox. Keys not
// present are left untouched.
type MetaDelta struct {
	Labels      map[string]string
	Annotations map[string]string
}

func (d MetaDelta) applyTo(pod *corev1.Pod) {
	if pod.Labels == nil {
		pod.Labels = map[string]string{}
	}
	if pod.Annotations == nil {
		pod.Annotations = map[string]string{}
	}
	for k, v := range d.Labels {
		pod.Labels[k] = v
	}
	for k, v := range d.Annotations {
		pod.Annotations[k] = v
	}
}

// Adapter is the narrow surface the manager uses to talk to the orchestrator.
// Not-found is a distinguished result on reads and a success on deletes.
// GuardedUpdateMeta turns a stale resourceVersion into ErrorConflict, which
// the pool uses as its allocation arbiter.
type Adapter struct {
	Namespace string
	Client    kubernetes.Interface
	Cache     *Cache
}

func NewAdapter(client kubernetes.Interface, namespace string) (*Adapter, error) {
	cache, err := NewCache(client, namespace)
	if err != nil {
		return nil, err
	}
	return &Adapter{
		Namespace: namespace,
		Client:    client,
		Cache:     cache,
	}, nil
}

func (a *Adapter) Run(done chan<- struct{}) {
	a.Cache.Run(done)
}

func (a *Adapter) Stop() {
	a.Cache.Stop()
}

func (a *Adapter) CreateSandbox(ctx context.Context, pod *corev1.Pod) (*Sandbox, error) {
	created, err := a.Client.CoreV1().Pods(a.Namespace).Create(ctx, pod, metav1.CreateOptions{})
	if apierrors.IsAlreadyExists(err) {
		return nil, fleeterrors.NewErrorf(fleeterrors.ErrorConflict, "sandbox %s already exists", pod.Name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create sandbox %s: %w", pod.Name, err)
	}
	return AsSandbox(created), nil
}

// GetSandbox reads through to the API server. The second return is false when
// the sandbox does not exist; that is not an error.
func (a *Adapter) GetSandbox(ctx context.Context, name string) (*Sandbox, bool, error) {
	pod, err := a.Client.CoreV1().Pods(a.Namespace).Get(ctx, name, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get sandbox %s: %w", name, err)
	}
	return AsSandbox(pod), true, nil
}

func (a *Adapter) GetCachedSandbox(name string) (*Sandbox, error) {
	pod, err := a.Cache.GetPod(name)
	if err != nil {
		return nil, err
	}
	return AsSandbox(pod), nil
}

// ListSandboxes selects managed pods from the informer cache. The fleet
// membership label is always part of the selection.
func (a *Adapter) ListSandboxes(keysAndValues ...string) ([]*Sandbox, error) {
	selectors := append([]string{consts.LabelManagedBy, consts.ManagerName}, keysAndValues...)
	pods, err := a.Cache.SelectPods(selectors...)
	if err != nil {
		return nil, err
	}
	sandboxes := make([]*Sandbox, 0, len(pods))
	for _, pod := range pods {
		sandboxes = append(sandboxes, AsSandbox(pod))
	}
	return sandboxes, nil
}

// ListSandboxesDirect lists managed sandboxes straight from the API server,
// for decisions that cannot tolerate informer lag.
func (a *Adapter) ListSandboxesDirect(ctx context.Context) ([]*Sandbox, error) {
	list, err := a.Client.CoreV1().Pods(a.Namespace).List(ctx, metav1.ListOptions{
		LabelSelector: consts.LabelManagedBy + "=" + consts.ManagerName,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list sandboxes: %w", err)
	}
	sandboxes := make([]*Sandbox, 0, len(list.Items))
	for i := range list.Items {
		sandboxes = append(sandboxes, AsSandbox(&list.Items[i]))
	}
	return sandboxes, nil
}

func (a *Adapter) DeleteSandbox(ctx context.Context, name string, graceSeconds int64) error {
	opts := metav1.DeleteOptions{}
	if graceSeconds >= 0 {
		opts.GracePeriodSeconds = ptr.To(graceSeconds)
	}
	err := a.Client.CoreV1().Pods(a.Namespace).Delete(ctx, name, opts)
	if apierrors.IsNotFound(err) {
		return nil
	}
	return err
}

// GuardedUpdateMeta applies delta against the exact revision the caller
// observed. Whoever updates the pod in between wins; the loser gets
// ErrorConflict and must pick another candidate or re-read.
func (a *Adapter) GuardedUpdateMeta(ctx context.Context, sbx *Sandbox, delta MetaDelta) (*Sandbox, error) {
	pod := sbx.Pod.DeepCopy()
	delta.applyTo(pod)
	updated, err := a.Client.CoreV1().Pods(a.Namespace).Update(ctx, pod, metav1.UpdateOptions{})
	if apierrors.IsConflict(err) {
		return nil, fleeterrors.NewErrorf(fleeterrors.ErrorConflict, "sandbox %s was modified concurrently", pod.Name)
	}
	if apierrors.IsNotFound(err) {
		return nil, fleeterrors.NewErrorf(fleeterrors.ErrorNotFound, "sandbox %s no longer exists", pod.Name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update sandbox %s: %w", pod.Name, err)
	}
	return AsSandbox(updated), nil
}

// RetryUpdateMeta re-reads and reapplies modifier under RetryOnConflict. The
// modifier returns false to signal that nothing needs to change, which ends
// the loop without a write. A missing sandbox is a no-op.
func (a *Adapter) RetryUpdateMeta(ctx context.Context, name string, modifier func(pod *corev1.Pod) bool) error {
	log := klog.FromContext(ctx).WithValues("sandbox", name)
	missing := false
	err := retry.RetryOnConflict(retry.DefaultRetry, func() error {
		pod, err := a.Client.CoreV1().Pods(a.Namespace).Get(ctx, name, metav1.GetOptions{})
		if apierrors.IsNotFound(err) {
			missing = true
			return nil
		}
		if err != nil {
			return err
		}
		pod = pod.DeepCopy()
		if !modifier(pod) {
			return nil
		}
		_, err = a.Client.CoreV1().Pods(a.Namespace).Update(ctx, pod, metav1.UpdateOptions{})
		return err
	})
	if err != nil {
		log.Error(err, "failed to update sandbox metadata after retries")
		return err
	}
	if missing {
		log.V(consts.DebugLogLevel).Info("sandbox absent, metadata update skipped")
	}
	return nil
}

// AddSandboxEventHandler registers informer callbacks translated to sandbox
// descriptors, including the tombstone path on deletes.
func (a *Adapter) AddSandboxEventHandler(onUpdate func(oldSbx, newSbx *Sandbox), onDelete func(sbx *Sandbox)) {
	a.Cache.AddPodEventHandler(k8scache.ResourceEventHandlerFuncs{
		UpdateFunc: func(oldObj, newObj interface{}) {
			if onUpdate == nil {
				return
			}
			oldPod, ok1 := oldObj.(*corev1.Pod)
			newPod, ok2 := newObj.(*corev1.Pod)
			if !ok1 || !ok2 {
				return
			}
			onUpdate(AsSandbox(oldPod), AsSandbox(newPod))
		},
		DeleteFunc: func(obj interface{}) {
			if onDelete == nil {
				return
			}
			pod, ok := obj.(*corev1.Pod)
			if !ok {
				tombstone, ok := obj.(k8scache.DeletedFinalStateUnknown)
				if !ok {
					klog.ErrorS(nil, "Error decoding object, invalid type")
					return
				}
				pod, ok = tombstone.Obj.(*corev1.Pod)
				if !ok {
					klog.ErrorS(nil, "Error decoding object tombstone, invalid type")
					return
				}
			}
			onDelete(AsSandbox(pod))
		},
	})
}
