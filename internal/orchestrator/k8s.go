package orchestrator

import (
	"context"
	"fmt"
	"time"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/client-go/util/retry"

	"relctl/pkg/logging"
)

const restartedAtAnnotation = "kubectl.kubernetes.io/restartedAt"

// K8s implements API against a Kubernetes cluster. A "service" is a
// Deployment labelled with the service-identity and environment labels;
// its "tasks" are the pods behind it.
type K8s struct {
	clientset kubernetes.Interface
}

var _ API = (*K8s)(nil)

// NewK8s wraps an existing clientset (tests pass the fake clientset here).
func NewK8s(clientset kubernetes.Interface) *K8s {
	return &K8s{clientset: clientset}
}

// NewK8sFromKubeconfig builds a client from the ambient kubeconfig, honouring
// KUBECONFIG and the current context.
func NewK8sFromKubeconfig() (*K8s, error) {
	loadingRules := clientcmd.NewDefaultClientConfigLoadingRules()
	clientConfig := clientcmd.NewNonInteractiveDeferredLoadingClientConfig(loadingRules, &clientcmd.ConfigOverrides{})
	restConfig, err := clientConfig.ClientConfig()
	if err != nil {
		return nil, fmt.Errorf("orchestrator: loading kubeconfig: %w", err)
	}
	clientset, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: creating clientset: %w", err)
	}
	return NewK8s(clientset), nil
}

func primaryImage(dep *appsv1.Deployment) string {
	containers := dep.Spec.Template.Spec.Containers
	if len(containers) == 0 {
		return ""
	}
	return containers[0].Image
}

// FindServices implements API. Every call lists deployments afresh.
func (k *K8s) FindServices(ctx context.Context, serviceIDs []string, environmentID string) ([]Service, error) {
	selector := fmt.Sprintf("%s=%s,%s", EnvLabel, environmentID, ServiceLabel)
	list, err := k.clientset.AppsV1().Deployments(metav1.NamespaceAll).List(ctx, metav1.ListOptions{
		LabelSelector: selector,
	})
	if err != nil {
		return nil, fmt.Errorf("orchestrator: listing services for environment %s: %w", environmentID, err)
	}

	wanted := make(map[string]bool, len(serviceIDs))
	for _, id := range serviceIDs {
		wanted[id] = true
	}

	var out []Service
	for i := range list.Items {
		dep := &list.Items[i]
		id := dep.Labels[ServiceLabel]
		if !wanted[id] {
			continue
		}
		out = append(out, Service{
			ID:          id,
			Environment: environmentID,
			Namespace:   dep.Namespace,
			Name:        dep.Name,
			Image:       primaryImage(dep),
			Release:     dep.Labels[ReleaseLabel],
		})
	}
	logging.Debug("Orchestrator", "matched %d of %d configured services in %s", len(out), len(serviceIDs), environmentID)
	return out, nil
}

// Redeploy implements API. The release label lands on the workload and its
// pod template; the restartedAt annotation forces a new rollout even when
// the image reference itself (a floating tag) did not change.
func (k *K8s) Redeploy(ctx context.Context, svc Service, releaseLabel string) error {
	deployments := k.clientset.AppsV1().Deployments(svc.Namespace)

	err := retry.RetryOnConflict(retry.DefaultRetry, func() error {
		dep, err := deployments.Get(ctx, svc.Name, metav1.GetOptions{})
		if err != nil {
			return err
		}

		if dep.Labels == nil {
			dep.Labels = map[string]string{}
		}
		dep.Labels[ReleaseLabel] = releaseLabel

		if dep.Spec.Template.Labels == nil {
			dep.Spec.Template.Labels = map[string]string{}
		}
		dep.Spec.Template.Labels[ReleaseLabel] = releaseLabel

		if dep.Spec.Template.Annotations == nil {
			dep.Spec.Template.Annotations = map[string]string{}
		}
		dep.Spec.Template.Annotations[restartedAtAnnotation] = time.Now().UTC().Format(time.RFC3339)

		_, err = deployments.Update(ctx, dep, metav1.UpdateOptions{})
		return err
	})
	if err != nil {
		return fmt.Errorf("orchestrator: redeploying %s/%s: %w", svc.Namespace, svc.Name, err)
	}

	logging.Info("Orchestrator", "forced redeployment of %s/%s with release %s", svc.Namespace, svc.Name, releaseLabel)
	return nil
}

// unrecoverableReasons are container wait states that polling will not fix.
var unrecoverableReasons = map[string]bool{
	"CrashLoopBackOff":           true,
	"ImagePullBackOff":           true,
	"ErrImagePull":               true,
	"CreateContainerConfigError": true,
}

// ServiceStatus implements StatusReader. Each call is a fresh read of the
// workload and its pods; nothing is memoized between polls.
func (k *K8s) ServiceStatus(ctx context.Context, svc Service, releaseLabel string) (ServiceStatus, error) {
	dep, err := k.clientset.AppsV1().Deployments(svc.Namespace).Get(ctx, svc.Name, metav1.GetOptions{})
	if err != nil {
		return ServiceStatus{}, fmt.Errorf("orchestrator: reading %s/%s: %w", svc.Namespace, svc.Name, err)
	}

	status := ServiceStatus{
		UpToDate: dep.Status.ObservedGeneration >= dep.Generation,
	}
	if dep.Spec.Replicas != nil {
		status.Desired = int(*dep.Spec.Replicas)
	} else {
		status.Desired = 1
	}

	selector := labels.SelectorFromSet(dep.Spec.Selector.MatchLabels)
	pods, err := k.clientset.CoreV1().Pods(svc.Namespace).List(ctx, metav1.ListOptions{
		LabelSelector: selector.String(),
	})
	if err != nil {
		return ServiceStatus{}, fmt.Errorf("orchestrator: listing tasks of %s/%s: %w", svc.Namespace, svc.Name, err)
	}

	generations := map[string]bool{}
	for i := range pods.Items {
		pod := &pods.Items[i]
		if pod.DeletionTimestamp != nil {
			continue
		}

		if hash := pod.Labels["pod-template-hash"]; hash != "" {
			generations[hash] = true
		}

		for _, cs := range pod.Status.ContainerStatuses {
			if cs.State.Waiting != nil && unrecoverableReasons[cs.State.Waiting.Reason] {
				status.Unrecoverable = true
				status.Reason = fmt.Sprintf("task %s: %s", pod.Name, cs.State.Waiting.Reason)
			}
		}

		if pod.Status.Phase != corev1.PodRunning || !allContainersReady(pod) {
			continue
		}
		status.Running++
		if pod.Labels[ReleaseLabel] == releaseLabel {
			status.Matching++
		}
	}
	status.Generations = len(generations)

	return status, nil
}

func allContainersReady(pod *corev1.Pod) bool {
	for _, cs := range pod.Status.ContainerStatuses {
		if !cs.Ready {
			return false
		}
	}
	return len(pod.Status.ContainerStatuses) > 0
}
