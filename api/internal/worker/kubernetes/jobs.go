// Package kubernetes runs build workers as Kubernetes Jobs.
package kubernetes

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/utils/ptr"

	"github.com/Pavan0228/SnapDeploy/api/internal/worker"
)

// finishedJobTTL keeps finished Jobs long enough for the orchestrator to observe them.
const finishedJobTTL = 3600

// Launcher provisions one Job per deployment.
type Launcher struct {
	client    kubernetes.Interface
	namespace string
	image     string
	logger    *slog.Logger
}

var _ worker.Launcher = (*Launcher)(nil)

// New creates a Kubernetes-backed launcher. It prefers in-cluster configuration
// and falls back to KUBECONFIG when running locally.
func New(namespace, image string, logger *slog.Logger) (*Launcher, error) {
	cfg, err := rest.InClusterConfig()
	if err != nil {
		kubeconfig := strings.TrimSpace(os.Getenv("KUBECONFIG"))
		if kubeconfig == "" {
			return nil, fmt.Errorf("create in-cluster config: %w", err)
		}
		cfg, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
		if err != nil {
			return nil, fmt.Errorf("create kubeconfig client: %w", err)
		}
	}
	clientset, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("create kubernetes client: %w", err)
	}
	return NewWithClient(clientset, namespace, image, logger)
}

// NewWithClient wraps an existing clientset.
func NewWithClient(client kubernetes.Interface, namespace, image string, logger *slog.Logger) (*Launcher, error) {
	if strings.TrimSpace(image) == "" {
		return nil, fmt.Errorf("worker image cannot be empty")
	}
	if strings.TrimSpace(namespace) == "" {
		namespace = "default"
	}
	return &Launcher{
		client:    client,
		namespace: namespace,
		image:     image,
		logger:    logger.With("component", "worker_kubernetes"),
	}, nil
}

// Launch creates the deployment's Job. An existing Job with the same name is reused.
func (l *Launcher) Launch(ctx context.Context, req worker.LaunchRequest) (worker.Ref, error) {
	name := worker.Name(req.DeploymentID)
	if name == "" {
		return "", fmt.Errorf("deployment id required")
	}
	labels := worker.Labels(req)
	job := &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: l.namespace,
			Labels:    labels,
		},
		Spec: batchv1.JobSpec{
			BackoffLimit:            ptr.To[int32](0),
			TTLSecondsAfterFinished: ptr.To[int32](finishedJobTTL),
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: labels},
				Spec: corev1.PodSpec{
					RestartPolicy: corev1.RestartPolicyNever,
					Containers:    []corev1.Container{l.buildContainer(req)},
				},
			},
		},
	}

	created, err := l.client.BatchV1().Jobs(l.namespace).Create(ctx, job, metav1.CreateOptions{})
	if err != nil {
		if errors.IsAlreadyExists(err) {
			l.logger.Info("worker job already exists", "deployment_id", req.DeploymentID, "job", name)
			return worker.Ref(name), nil
		}
		return "", fmt.Errorf("create job: %w", err)
	}
	if created == nil || created.Name == "" {
		return "", worker.ErrNoWorker
	}
	l.logger.Info("worker job created", "deployment_id", req.DeploymentID, "job", created.Name)
	return worker.Ref(created.Name), nil
}

// Describe reports the Job state.
func (l *Launcher) Describe(ctx context.Context, ref worker.Ref) (worker.Status, error) {
	if strings.TrimSpace(string(ref)) == "" {
		return worker.Status{}, fmt.Errorf("worker ref cannot be empty")
	}
	job, err := l.client.BatchV1().Jobs(l.namespace).Get(ctx, string(ref), metav1.GetOptions{})
	if err != nil {
		if errors.IsNotFound(err) {
			return worker.Status{}, fmt.Errorf("%w: %s", worker.ErrNotFound, ref)
		}
		return worker.Status{}, fmt.Errorf("get job: %w", err)
	}
	return jobStatus(job), nil
}

// Stop deletes the Job and its pods. A missing Job is not an error.
func (l *Launcher) Stop(ctx context.Context, ref worker.Ref) error {
	if strings.TrimSpace(string(ref)) == "" {
		return fmt.Errorf("worker ref cannot be empty")
	}
	err := l.client.BatchV1().Jobs(l.namespace).Delete(ctx, string(ref), metav1.DeleteOptions{
		PropagationPolicy: ptr.To(metav1.DeletePropagationBackground),
	})
	if err != nil && !errors.IsNotFound(err) {
		return fmt.Errorf("delete job: %w", err)
	}
	return nil
}

// Close is a no-op; the clientset holds no resources that need releasing.
func (l *Launcher) Close() error { return nil }

func (l *Launcher) buildContainer(req worker.LaunchRequest) corev1.Container {
	keys := make([]string, 0, len(req.Env))
	for k := range req.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	env := make([]corev1.EnvVar, 0, len(keys))
	for _, k := range keys {
		env = append(env, corev1.EnvVar{Name: k, Value: req.Env[k]})
	}
	return corev1.Container{
		Name:  "worker",
		Image: l.image,
		Env:   env,
		Resources: corev1.ResourceRequirements{
			Requests: corev1.ResourceList{
				corev1.ResourceCPU:    resource.MustParse("250m"),
				corev1.ResourceMemory: resource.MustParse("256Mi"),
			},
			Limits: corev1.ResourceList{
				corev1.ResourceCPU:    resource.MustParse("1"),
				corev1.ResourceMemory: resource.MustParse("1Gi"),
			},
		},
	}
}

func jobStatus(job *batchv1.Job) worker.Status {
	for _, cond := range job.Status.Conditions {
		if cond.Status != corev1.ConditionTrue {
			continue
		}
		switch cond.Type {
		case batchv1.JobComplete:
			return worker.Status{State: worker.StateSucceeded}
		case batchv1.JobFailed:
			reason := strings.TrimSpace(cond.Message)
			if reason == "" {
				reason = cond.Reason
			}
			return worker.Status{State: worker.StateFailed, ExitCode: 1, Reason: reason}
		}
	}
	switch {
	case job.Status.Succeeded > 0:
		return worker.Status{State: worker.StateSucceeded}
	case job.Status.Failed > 0:
		return worker.Status{State: worker.StateFailed, ExitCode: 1, Reason: "job pod failed"}
	case job.Status.Active > 0:
		return worker.Status{State: worker.StateRunning}
	}
	return worker.Status{State: worker.StatePending}
}
