package util

import (
	"context"
	"errors"
	"os"
	"strings"

	corev1 "k8s.io/api/core/v1"
	kerrors "k8s.io/apimachinery/pkg/api/errors"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/controller/controllerutil"

	n "github.com/garnet-k8s/garnet-operator/internal/naming"
)

func CreateOrUpdate(ctx context.Context, c client.Client, obj client.Object, f controllerutil.MutateFn) (controllerutil.OperationResult, error) {
	opResult, err := controllerutil.CreateOrUpdate(ctx, c, obj, f)
	if kerrors.IsAlreadyExists(err) {
		// Ignore "already exists" error.
		// Inside createOrUpdate() there's is a race condition between Get() and Create(), so this error is expected from time to time.
		return opResult, nil
	}
	return opResult, err
}

// IsPodReady reports whether every container of the pod is ready.
func IsPodReady(pod *corev1.Pod) bool {
	if pod.DeletionTimestamp != nil || len(pod.Status.ContainerStatuses) == 0 {
		return false
	}
	for _, cs := range pod.Status.ContainerStatuses {
		if !cs.Ready {
			return false
		}
	}
	return true
}

// AllPodsReady reports whether the list is non-empty and every pod in it is ready.
func AllPodsReady(pods []corev1.Pod) bool {
	if len(pods) == 0 {
		return false
	}
	for i := range pods {
		if !IsPodReady(&pods[i]) {
			return false
		}
	}
	return true
}

// CheckPodsForFailure returns PodErrors for pods that failed or are stuck waiting.
func CheckPodsForFailure(pods []corev1.Pod) error {
	errs := make(PodErrors, 0, len(pods))
	for i := range pods {
		pod := &pods[i]
		phase := pod.Status.Phase
		if phase == corev1.PodFailed || phase == corev1.PodUnknown {
			errs = append(errs, NewPodError(pod))
		} else if hasPodFailedWhileWaiting(pod) {
			errs = append(errs, errorsFromPendingPod(pod)...)
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return errs
}

// AsPodErrors tries to transform err to PodErrors and return it with true.
// If it is not possible nil and false is returned.
func AsPodErrors(err error) (PodErrors, bool) {
	t := new(PodErrors)
	if errors.As(err, t) {
		return *t, true
	}
	return nil, false
}

func hasPodFailedWhileWaiting(pod *corev1.Pod) bool {
	for _, status := range pod.Status.ContainerStatuses {
		if status.State.Waiting != nil {
			switch status.State.Waiting.Reason {
			case "ContainerCreating", "PodInitializing", "":
			default:
				return true
			}
		}
	}
	return false
}

func errorsFromPendingPod(pod *corev1.Pod) PodErrors {
	podErrors := make(PodErrors, 0, len(pod.Spec.Containers))
	for _, status := range pod.Status.ContainerStatuses {
		if status.State.Waiting != nil {
			switch status.State.Waiting.Reason {
			case "ContainerCreating", "PodInitializing", "":
			default:
				podErrors = append(podErrors, NewPodErrorWithContainerStatus(pod, status))
			}
		}
	}
	return podErrors
}

func IsDeveloperModeEnabled() bool {
	value := os.Getenv(n.DeveloperModeEnabledEnv)
	return strings.ToLower(value) == "true"
}

func GetOperatorVersion() string {
	return os.Getenv(n.OperatorVersionEnv)
}

// WatchNamespace returns the namespace to watch, empty for all namespaces.
func WatchNamespace() string {
	ns, found := os.LookupEnv(n.WatchNamespaceEnv)
	if !found || ns == "*" {
		return ""
	}
	return ns
}
