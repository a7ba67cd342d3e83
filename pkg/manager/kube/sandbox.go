package kube

import (
	"time"

	"github.com/sandbox-fleet/fleetd/pkg/manager/consts"
	corev1 "k8s.io/api/core/v1"
)

// Sandbox is the descriptor view over a managed pod. Pool state lives
// entirely in labels and annotations; everything else is observed from the
// pod the orchestrator returns. The wrapper never mutates the pod.
type Sandbox struct {
	*corev1.Pod
}

func AsSandbox(pod *corev1.Pod) *Sandbox {
	return &Sandbox{Pod: pod}
}

func (s *Sandbox) PoolStatus() string {
	return s.Labels[consts.LabelPoolStatus]
}

func (s *Sandbox) User() string {
	return s.Labels[consts.LabelPoolUser]
}

func (s *Sandbox) Kind() string {
	return s.Labels[consts.LabelKind]
}

// CreatedAt prefers the annotation stamped at creation and falls back to the
// orchestrator's creation timestamp for pods created before the manager ran.
func (s *Sandbox) CreatedAt() time.Time {
	if t, ok := s.parseTimeAnnotation(consts.AnnotationCreatedAt); ok {
		return t
	}
	return s.CreationTimestamp.Time
}

func (s *Sandbox) AllocatedAt() (time.Time, bool) {
	return s.parseTimeAnnotation(consts.AnnotationAllocatedAt)
}

func (s *Sandbox) LastActivityAt() (time.Time, bool) {
	return s.parseTimeAnnotation(consts.AnnotationLastActivityAt)
}

func (s *Sandbox) parseTimeAnnotation(key string) (time.Time, bool) {
	raw := s.Annotations[key]
	if raw == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

func (s *Sandbox) Phase() corev1.PodPhase {
	return s.Status.Phase
}

func (s *Sandbox) GetIP() string {
	return s.Status.PodIP
}

func (s *Sandbox) IsReady() bool {
	cond, ok := GetPodCondition(s.Pod, corev1.PodReady)
	return ok && cond.Status == corev1.ConditionTrue
}

// Claimable reports whether the sandbox can be handed to a caller right now.
func (s *Sandbox) Claimable() bool {
	return s.PoolStatus() == consts.PoolStatusWarm &&
		s.DeletionTimestamp == nil &&
		s.Status.Phase == corev1.PodRunning &&
		s.IsReady()
}

// FormatTime renders timestamps the way annotations store them.
func FormatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// Info is the wire projection of a sandbox returned by the gateway.
type Info struct {
	Name           string `json:"name"`
	Kind           string `json:"kind"`
	PoolStatus     string `json:"poolStatus"`
	User           string `json:"user,omitempty"`
	Phase          string `json:"phase"`
	Ready          bool   `json:"ready"`
	IP             string `json:"ip,omitempty"`
	Node           string `json:"node,omitempty"`
	CreatedAt      string `json:"createdAt,omitempty"`
	AllocatedAt    string `json:"allocatedAt,omitempty"`
	LastActivityAt string `json:"lastActivityAt,omitempty"`
}

func (s *Sandbox) Info() Info {
	info := Info{
		Name:       s.Name,
		Kind:       s.Kind(),
		PoolStatus: s.PoolStatus(),
		User:       s.User(),
		Phase:      string(s.Status.Phase),
		Ready:      s.IsReady(),
		IP:         s.GetIP(),
		Node:       s.Spec.NodeName,
	}
	if created := s.CreatedAt(); !created.IsZero() {
		info.CreatedAt = FormatTime(created)
	}
	if allocated, ok := s.AllocatedAt(); ok {
		info.AllocatedAt = FormatTime(allocated)
	}
	if activity, ok := s.LastActivityAt(); ok {
		info.LastActivityAt = FormatTime(activity)
	}
	return info
}

func GetPodCondition(pod *corev1.Pod, tp corev1.PodConditionType) (corev1.PodCondition, bool) {
	for _, condition := range pod.Status.Conditions {
		if condition.Type == tp {
			return condition, true
		}
	}
	return corev1.PodCondition{}, false
}
