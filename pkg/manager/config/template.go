package config

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/distribution/reference"
	"github.com/sandbox-fleet/fleetd/pkg/manager/consts"
	fleeterrors "github.com/sandbox-fleet/fleetd/pkg/manager/errors"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"
	"k8s.io/apimachinery/pkg/util/yaml"
	"k8s.io/klog/v2"
	"k8s.io/utils/ptr"
)

// PoolTemplate describes one managed pool: the sandbox kind it serves, its
// warm target and the pod template every sandbox of that kind is stamped from.
type PoolTemplate struct {
	metav1.ObjectMeta `json:"metadata"`
	Spec              PoolTemplateSpec `json:"spec"`
}

type PoolTemplateSpec struct {
	Kind     string                 `json:"kind"`
	WarmSize *int32                 `json:"warmSize,omitempty"`
	Template corev1.PodTemplateSpec `json:"template"`
}

func (t *PoolTemplate) Init(namespace string, defaults Options) {
	if t.Spec.Kind == "" {
		t.Spec.Kind = consts.KindExecutor
	}
	if t.Name == "" {
		t.Name = t.Spec.Kind
	}
	t.Namespace = namespace
	if t.Spec.WarmSize == nil {
		t.Spec.WarmSize = ptr.To(defaults.WarmPoolSize)
	}
	t.Labels = clearAndInitInnerKeys(t.Labels)
	t.Labels[consts.LabelKind] = t.Spec.Kind
	t.Spec.Template.Labels = clearAndInitInnerKeys(t.Spec.Template.Labels)
	t.Spec.Template.Labels[consts.LabelManagedBy] = consts.ManagerName
	t.Spec.Template.Labels[consts.LabelKind] = t.Spec.Kind
	t.Annotations = clearAndInitInnerKeys(t.Annotations)
	t.Spec.Template.Annotations = clearAndInitInnerKeys(t.Spec.Template.Annotations)
}

func (t *PoolTemplate) Validate() error {
	switch t.Spec.Kind {
	case consts.KindExecutor, consts.KindMCP:
	default:
		return fleeterrors.NewErrorf(fleeterrors.ErrorValidation,
			"template %s: kind must be one of [%s, %s], got %q",
			t.Name, consts.KindExecutor, consts.KindMCP, t.Spec.Kind)
	}
	if len(t.Spec.Template.Spec.Containers) == 0 {
		return fleeterrors.NewErrorf(fleeterrors.ErrorValidation,
			"template %s: pod template has no containers", t.Name)
	}
	for _, c := range t.Spec.Template.Spec.Containers {
		if _, err := reference.ParseNormalizedNamed(c.Image); err != nil {
			return fleeterrors.NewErrorf(fleeterrors.ErrorValidation,
				"template %s: invalid image [%s] in container %s: %v", t.Name, c.Image, c.Name, err)
		}
	}
	if *t.Spec.WarmSize < 0 {
		return fleeterrors.NewErrorf(fleeterrors.ErrorValidation,
			"template %s: warmSize must not be negative", t.Name)
	}
	return nil
}

func (t *PoolTemplate) WarmTarget() int32 {
	if t.Spec.WarmSize == nil {
		return 0
	}
	return *t.Spec.WarmSize
}

func clearAndInitInnerKeys(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	for k := range m {
		if strings.HasPrefix(k, consts.InternalPrefix) {
			delete(m, k)
		}
	}
	return m
}

var isYamlMatcher = regexp.MustCompile(`\.ya?ml$`)
var isTemplateMatcher = regexp.MustCompile(`kind:\s+PoolTemplate`)

// LoadTemplates reads every PoolTemplate YAML under dir. With an empty dir the
// built-in templates derived from the configured images are returned instead.
func LoadTemplates(ctx context.Context, opts Options) ([]*PoolTemplate, error) {
	log := klog.FromContext(ctx)
	if opts.TemplateDir == "" {
		return builtinTemplates(opts)
	}
	if _, err := os.Stat(opts.TemplateDir); os.IsNotExist(err) {
		return nil, fmt.Errorf("template directory %s does not exist", opts.TemplateDir)
	}
	files, err := os.ReadDir(opts.TemplateDir)
	if err != nil {
		return nil, err
	}
	var templates []*PoolTemplate
	seen := map[string]bool{}
	for _, file := range files {
		if file.IsDir() || !isYamlMatcher.MatchString(file.Name()) {
			continue
		}
		filePath := opts.TemplateDir + "/" + file.Name()
		data, err := os.ReadFile(filePath)
		if err != nil {
			return nil, fmt.Errorf("failed to read template file %s: %w", filePath, err)
		}
		if !isTemplateMatcher.Match(data) {
			continue
		}
		log.Info("found PoolTemplate", "file", filePath)
		var t PoolTemplate
		if err := yaml.Unmarshal(data, &t); err != nil {
			return nil, err
		}
		t.Init(opts.Namespace, opts)
		if err := t.Validate(); err != nil {
			return nil, err
		}
		if seen[t.Name] {
			return nil, fmt.Errorf("template name conflict: %s", t.Name)
		}
		seen[t.Name] = true
		templates = append(templates, &t)
	}
	if len(templates) == 0 {
		return nil, fmt.Errorf("no PoolTemplate found under %s", opts.TemplateDir)
	}
	return templates, nil
}

func builtinTemplates(opts Options) ([]*PoolTemplate, error) {
	var templates []*PoolTemplate
	kinds := []struct {
		kind  string
		image string
	}{
		{consts.KindExecutor, opts.ExecutorImage},
		{consts.KindMCP, opts.MCPImage},
	}
	for _, k := range kinds {
		if k.image == "" {
			continue
		}
		t := &PoolTemplate{
			Spec: PoolTemplateSpec{
				Kind:     k.kind,
				Template: defaultPodTemplate(k.kind, k.image),
			},
		}
		t.Init(opts.Namespace, opts)
		if err := t.Validate(); err != nil {
			return nil, err
		}
		templates = append(templates, t)
	}
	if len(templates) == 0 {
		return nil, fmt.Errorf("no template dir configured and no sandbox images set")
	}
	return templates, nil
}

func defaultPodTemplate(kind, image string) corev1.PodTemplateSpec {
	return corev1.PodTemplateSpec{
		Spec: corev1.PodSpec{
			RestartPolicy: corev1.RestartPolicyNever,
			Containers: []corev1.Container{
				{
					Name:  kind,
					Image: image,
					Ports: []corev1.ContainerPort{
						{Name: "executor", ContainerPort: consts.ExecutorPort},
					},
					ReadinessProbe: &corev1.Probe{
						ProbeHandler: corev1.ProbeHandler{
							HTTPGet: &corev1.HTTPGetAction{
								Path: "/healthz",
								Port: intstr.FromInt32(consts.ExecutorPort),
							},
						},
						InitialDelaySeconds: 2,
						PeriodSeconds:       2,
					},
				},
			},
		},
	}
}
