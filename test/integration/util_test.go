package integration

import (
	"context"

	. "github.com/onsi/gomega"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"sigs.k8s.io/controller-runtime/pkg/client"

	n "github.com/garnet-k8s/garnet-operator/internal/naming"
)

func assertDoesNotExist(name types.NamespacedName, obj client.Object) {
	Eventually(func() bool {
		err := k8sClient.Get(context.Background(), name, obj)
		if err == nil {
			return false
		}
		return errors.IsNotFound(err)
	}, timeout, interval).Should(BeTrue())
}

func assertExists(name types.NamespacedName, obj client.Object) {
	Eventually(func() error {
		return k8sClient.Get(context.Background(), name, obj)
	}, timeout, interval).Should(Succeed())
}

func deleteIfExists(name types.NamespacedName, obj client.Object) {
	Eventually(func() error {
		err := k8sClient.Get(context.Background(), name, obj)
		if err != nil {
			if errors.IsNotFound(err) {
				return nil
			}
			return err
		}
		return k8sClient.Delete(context.Background(), obj)
	}, timeout, interval).Should(Succeed())
}

func lookupKey(cr metav1.Object) types.NamespacedName {
	return types.NamespacedName{
		Name:      cr.GetName(),
		Namespace: cr.GetNamespace(),
	}
}

// listPods returns the pods the operator created for cr.
func listPods(cr metav1.Object) []corev1.Pod {
	pods := &corev1.PodList{}
	Expect(k8sClient.List(context.Background(), pods,
		client.InNamespace(cr.GetNamespace()),
		client.MatchingLabels{
			n.ApplicationManagedByLabel: n.OperatorName,
			n.ClusterIDLabel:            string(cr.GetUID()),
		},
	)).Should(Succeed())
	return pods.Items
}
