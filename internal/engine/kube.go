package engine

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strings"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/kubernetes/scheme"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/client-go/tools/remotecommand"
)

const (
	DefaultNamespace = "sandboxd"
	labelSandbox     = "sandboxd.name"
	containerName    = "main"
	gib              = int64(1) << 30
)

// Kubernetes runs each sandbox as a single-replica Deployment. Suspending
// scales it to zero so the pod goes away while the object keeps the spec.
type Kubernetes struct {
	clientset kubernetes.Interface
	config    *rest.Config
	namespace string
	logger    *slog.Logger
}

// NewKubernetes builds a client from kubeconfigPath, or the in-cluster config when empty.
func NewKubernetes(kubeconfigPath, namespace string) (*Kubernetes, error) {
	var config *rest.Config
	var err error

	if kubeconfigPath != "" {
		config, err = clientcmd.BuildConfigFromFlags("", kubeconfigPath)
	} else {
		config, err = rest.InClusterConfig()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get kubernetes config: %w", err)
	}

	clientset, err := kubernetes.NewForConfig(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create kubernetes client: %w", err)
	}
	return NewKubernetesWithClient(clientset, config, namespace), nil
}

func NewKubernetesWithClient(clientset kubernetes.Interface, config *rest.Config, namespace string) *Kubernetes {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	return &Kubernetes{
		clientset: clientset,
		config:    config,
		namespace: namespace,
		logger:    slog.Default().With("component", "kubernetes_engine"),
	}
}

func (k *Kubernetes) EnsureNamespace(ctx context.Context) error {
	_, err := k.clientset.CoreV1().Namespaces().Get(ctx, k.namespace, metav1.GetOptions{})
	if err == nil {
		return nil
	}
	if !apierrors.IsNotFound(err) {
		return fmt.Errorf("failed to get namespace: %w", err)
	}

	ns := &corev1.Namespace{ObjectMeta: metav1.ObjectMeta{Name: k.namespace}}
	if _, err := k.clientset.CoreV1().Namespaces().Create(ctx, ns, metav1.CreateOptions{}); err != nil && !apierrors.IsAlreadyExists(err) {
		return fmt.Errorf("failed to create namespace: %w", err)
	}
	return nil
}

func (k *Kubernetes) Create(ctx context.Context, spec Spec) (Ref, error) {
	labels := map[string]string{
		LabelManaged: "true",
		LabelOwner:   sanitizeLabelValue(string(spec.Owner)),
		labelSandbox: spec.Name,
	}
	limits := corev1.ResourceList{
		corev1.ResourceCPU:              *resource.NewMilliQuantity(int64(spec.Profile.CPUCores*1000), resource.DecimalSI),
		corev1.ResourceMemory:           *resource.NewQuantity(int64(spec.Profile.RAMGiB)*gib, resource.BinarySI),
		corev1.ResourceEphemeralStorage: *resource.NewQuantity(int64(spec.Profile.DiskGiB)*gib, resource.BinarySI),
	}

	deploy := &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{
			Name:      spec.Name,
			Namespace: k.namespace,
			Labels:    labels,
		},
		Spec: appsv1.DeploymentSpec{
			Replicas: int32Ptr(1),
			Selector: &metav1.LabelSelector{MatchLabels: map[string]string{labelSandbox: spec.Name}},
			Strategy: appsv1.DeploymentStrategy{Type: appsv1.RecreateDeploymentStrategyType},
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: labels},
				Spec: corev1.PodSpec{
					SecurityContext: &corev1.PodSecurityContext{
						SeccompProfile: &corev1.SeccompProfile{Type: corev1.SeccompProfileTypeRuntimeDefault},
					},
					Containers: []corev1.Container{{
						Name:            containerName,
						Image:           spec.Image,
						ImagePullPolicy: corev1.PullIfNotPresent,
						Command:         []string{"sleep", "infinity"},
						TTY:             true,
						Stdin:           true,
						Resources: corev1.ResourceRequirements{
							Limits:   limits,
							Requests: limits,
						},
					}},
				},
			},
		},
	}

	created, err := k.clientset.AppsV1().Deployments(k.namespace).Create(ctx, deploy, metav1.CreateOptions{})
	if err != nil {
		return "", fmt.Errorf("failed to create deployment: %w", err)
	}
	return Ref(created.Name), nil
}

func (k *Kubernetes) Start(ctx context.Context, ref Ref) error {
	return k.scale(ctx, ref, 1)
}

func (k *Kubernetes) Stop(ctx context.Context, ref Ref) error {
	return k.scale(ctx, ref, 0)
}

func (k *Kubernetes) scale(ctx context.Context, ref Ref, replicas int32) error {
	deployments := k.clientset.AppsV1().Deployments(k.namespace)
	deploy, err := deployments.Get(ctx, string(ref), metav1.GetOptions{})
	if err != nil {
		return mapKubeErr("get deployment", err)
	}
	deploy.Spec.Replicas = int32Ptr(replicas)
	if _, err := deployments.Update(ctx, deploy, metav1.UpdateOptions{}); err != nil {
		return mapKubeErr("scale deployment", err)
	}
	return nil
}

func (k *Kubernetes) Remove(ctx context.Context, ref Ref) error {
	propagation := metav1.DeletePropagationForeground
	err := k.clientset.AppsV1().Deployments(k.namespace).Delete(ctx, string(ref), metav1.DeleteOptions{
		PropagationPolicy: &propagation,
	})
	if err != nil {
		return mapKubeErr("delete deployment", err)
	}
	return nil
}

func (k *Kubernetes) Inspect(ctx context.Context, ref Ref) (State, error) {
	deploy, err := k.clientset.AppsV1().Deployments(k.namespace).Get(ctx, string(ref), metav1.GetOptions{})
	if err != nil {
		return State{}, mapKubeErr("get deployment", err)
	}
	return State{Running: deploy.Spec.Replicas == nil || *deploy.Spec.Replicas > 0}, nil
}

func (k *Kubernetes) List(ctx context.Context) ([]Ref, error) {
	list, err := k.clientset.AppsV1().Deployments(k.namespace).List(ctx, metav1.ListOptions{
		LabelSelector: LabelManaged + "=true",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list deployments: %w", err)
	}
	refs := make([]Ref, 0, len(list.Items))
	for _, d := range list.Items {
		refs = append(refs, Ref(d.Name))
	}
	return refs, nil
}

func (k *Kubernetes) Connect(ctx context.Context, ref Ref) (string, error) {
	pod, err := k.runningPod(ctx, ref)
	if err != nil {
		return "", err
	}
	if k.config == nil {
		return "", fmt.Errorf("remote exec requires a rest config")
	}

	req := k.clientset.CoreV1().RESTClient().Post().
		Resource("pods").
		Name(pod).
		Namespace(k.namespace).
		SubResource("exec").
		VersionedParams(&corev1.PodExecOptions{
			Container: containerName,
			Command:   []string{"sh", "-c", tmateScript},
			Stdout:    true,
			Stderr:    true,
		}, scheme.ParameterCodec)

	exec, err := remotecommand.NewSPDYExecutor(k.config, "POST", req.URL())
	if err != nil {
		return "", fmt.Errorf("failed to create executor: %w", err)
	}

	var stdout, stderr bytes.Buffer
	if err := exec.StreamWithContext(ctx, remotecommand.StreamOptions{Stdout: &stdout, Stderr: &stderr}); err != nil {
		return "", fmt.Errorf("failed to start tmate session: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	ssh := lastLine(stdout.String())
	if ssh == "" {
		return "", fmt.Errorf("tmate returned no ssh connection string")
	}
	return ssh, nil
}

func (k *Kubernetes) runningPod(ctx context.Context, ref Ref) (string, error) {
	pods, err := k.clientset.CoreV1().Pods(k.namespace).List(ctx, metav1.ListOptions{
		LabelSelector: labelSandbox + "=" + string(ref),
	})
	if err != nil {
		return "", fmt.Errorf("failed to list pods: %w", err)
	}
	for _, p := range pods.Items {
		if p.Status.Phase == corev1.PodRunning && p.DeletionTimestamp == nil {
			return p.Name, nil
		}
	}
	if _, err := k.Inspect(ctx, ref); err != nil {
		return "", err
	}
	return "", fmt.Errorf("sandbox %s has no running pod", ref)
}

func mapKubeErr(action string, err error) error {
	if apierrors.IsNotFound(err) {
		return fmt.Errorf("failed to %s: %w", action, ErrNotFound)
	}
	return fmt.Errorf("failed to %s: %w", action, err)
}

// sanitizeLabelValue keeps a principal usable as a label value (63 chars, alnum plus -_.).
func sanitizeLabelValue(v string) string {
	var b strings.Builder
	for _, r := range v {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	s := strings.Trim(b.String(), "-_.")
	if len(s) > 63 {
		s = strings.Trim(s[:63], "-_.")
	}
	return s
}

func int32Ptr(i int32) *int32 {
	return &i
}
