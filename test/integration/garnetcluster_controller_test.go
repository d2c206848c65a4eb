package integration

import (
	"context"
	"fmt"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/meta"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/apimachinery/pkg/util/uuid"
	"k8s.io/utils/pointer"

	garnetv1alpha1 "github.com/garnet-k8s/garnet-operator/api/v1alpha1"
	n "github.com/garnet-k8s/garnet-operator/internal/naming"
	"github.com/garnet-k8s/garnet-operator/test"
)

var _ = Describe("GarnetCluster controller", func() {
	const (
		namespace = "default"
		finalizer = n.Finalizer
	)

	defaultSpecValues := &test.GarnetSpecValues{
		NumberOfPrimaries: n.DefaultNumberOfPrimaries,
		ReplicationFactor: n.DefaultReplicationFactor,
		Repository:        n.GarnetRepo,
		Tag:               n.GarnetVersion,
		PullPolicy:        n.GarnetImagePullPolicy,
	}

	GetRandomObjectMeta := func() metav1.ObjectMeta {
		return metav1.ObjectMeta{
			Name:      fmt.Sprintf("garnet-test-%s", uuid.NewUUID()),
			Namespace: namespace,
		}
	}

	Create := func(g *garnetv1alpha1.GarnetCluster) {
		By("creating the CR with specs successfully")
		Expect(k8sClient.Create(context.Background(), g)).Should(Succeed())
	}

	Fetch := func(g *garnetv1alpha1.GarnetCluster) *garnetv1alpha1.GarnetCluster {
		By("fetching GarnetCluster")
		fetchedCR := &garnetv1alpha1.GarnetCluster{}
		assertExists(lookupKey(g), fetchedCR)
		return fetchedCR
	}

	type UpdateFn func(*garnetv1alpha1.GarnetCluster) *garnetv1alpha1.GarnetCluster

	SetTopology := func(primaries, replicas int32) UpdateFn {
		return func(g *garnetv1alpha1.GarnetCluster) *garnetv1alpha1.GarnetCluster {
			g.Spec.NumberOfPrimaries = primaries
			g.Spec.ReplicationFactor = pointer.Int32Ptr(replicas)
			return g
		}
	}

	Update := func(g *garnetv1alpha1.GarnetCluster, fns ...UpdateFn) {
		By("updating the CR with specs successfully")
		for {
			cr := &garnetv1alpha1.GarnetCluster{}
			Expect(k8sClient.Get(
				context.Background(),
				types.NamespacedName{Name: g.Name, Namespace: g.Namespace},
				cr),
			).Should(Succeed())
			for _, fn := range fns {
				cr = fn(cr)
			}
			err := k8sClient.Update(context.Background(), cr)
			if err == nil {
				break
			} else if errors.IsConflict(err) {
				continue
			} else {
				Fail(err.Error())
			}
		}
	}

	Delete := func(g *garnetv1alpha1.GarnetCluster) {
		By("expecting to delete CR successfully")
		fetchedCR := &garnetv1alpha1.GarnetCluster{}
		deleteIfExists(lookupKey(g), fetchedCR)
		By("expecting to CR delete finish")
		assertDoesNotExist(lookupKey(g), fetchedCR)
	}

	EnsureStatus := func(g *garnetv1alpha1.GarnetCluster, phase garnetv1alpha1.Phase) *garnetv1alpha1.GarnetCluster {
		By("ensuring that the status is " + string(phase))
		Eventually(func() garnetv1alpha1.Phase {
			g = Fetch(g)
			return g.Status.Phase
		}, timeout, interval).Should(Equal(phase))
		return g
	}

	EnsureSpecEquals := func(g *garnetv1alpha1.GarnetCluster, other *test.GarnetSpecValues) *garnetv1alpha1.GarnetCluster {
		By("ensuring spec is defaulted")
		Eventually(func() *garnetv1alpha1.GarnetClusterSpec {
			g = Fetch(g)
			return &g.Spec
		}, timeout, interval).Should(test.EqualSpecs(other))
		return g
	}

	EnsurePodCount := func(g *garnetv1alpha1.GarnetCluster, count int) []corev1.Pod {
		By(fmt.Sprintf("waiting for %d pods", count))
		var pods []corev1.Pod
		Eventually(func() []corev1.Pod {
			pods = listPods(g)
			return pods
		}, timeout, interval).Should(HaveLen(count))
		return pods
	}

	Context("GarnetCluster CustomResource with default specs", func() {
		It("should create services and pods", Label("fast"), func() {
			g := &garnetv1alpha1.GarnetCluster{
				ObjectMeta: GetRandomObjectMeta(),
			}

			Create(g)
			fetchedCR := EnsureSpecEquals(g, defaultSpecValues)
			test.CheckGarnetCR(fetchedCR, defaultSpecValues)
			fetchedCR = EnsureStatus(fetchedCR, garnetv1alpha1.Pending)

			By("ensuring the finalizer added successfully")
			Expect(fetchedCR.Finalizers).To(ContainElement(finalizer))

			By("creating the sub resources successfully")
			expectedOwnerReference := metav1.OwnerReference{
				Kind:               "GarnetCluster",
				APIVersion:         "garnet.k8soperator.io/v1alpha1",
				UID:                fetchedCR.UID,
				Name:               fetchedCR.Name,
				Controller:         pointer.BoolPtr(true),
				BlockOwnerDeletion: pointer.BoolPtr(true),
			}

			fetchedService := &corev1.Service{}
			assertExists(lookupKey(fetchedCR), fetchedService)
			Expect(fetchedService.OwnerReferences).To(ContainElement(expectedOwnerReference))
			Expect(fetchedService.Spec.Ports[0].Port).Should(Equal(int32(n.DefaultGarnetPort)))

			headless := &corev1.Service{}
			assertExists(types.NamespacedName{Name: fetchedCR.HeadlessServiceName(), Namespace: namespace}, headless)
			Expect(headless.Spec.ClusterIP).Should(Equal(corev1.ClusterIPNone))
			Expect(headless.OwnerReferences).To(ContainElement(expectedOwnerReference))

			pods := EnsurePodCount(fetchedCR, 2)
			for _, pod := range pods {
				Expect(pod.OwnerReferences).To(ContainElement(expectedOwnerReference))
				Expect(pod.Labels).Should(HaveKeyWithValue(n.ClusterNameLabel, fetchedCR.Name))
				Expect(pod.Annotations).Should(HaveKey(n.PodSpecChecksumAnnotation))
				Expect(pod.Spec.Containers[0].Image).Should(Equal(fetchedCR.Spec.Image.String()))
				Expect(pod.Spec.Containers[0].Args).Should(ContainElement("--cluster"))
			}

			By("tracking every pod as an unassigned node")
			Eventually(func() int {
				return len(Fetch(fetchedCR).Status.Cluster.Nodes)
			}, timeout, interval).Should(Equal(2))
			fetchedCR = Fetch(fetchedCR)
			for _, node := range fetchedCR.Status.Cluster.Nodes {
				Expect(node.Role).Should(Equal(garnetv1alpha1.RoleNone))
			}
			Expect(meta.IsStatusConditionTrue(fetchedCR.Status.Conditions, garnetv1alpha1.ConditionScaling)).Should(BeTrue())
			Expect(meta.IsStatusConditionFalse(fetchedCR.Status.Conditions, garnetv1alpha1.ConditionInitialized)).Should(BeTrue())

			Delete(fetchedCR)
		})
	})

	Context("GarnetCluster CustomResource with a topology change", func() {
		It("should create pods for the new topology", Label("fast"), func() {
			spec := test.GarnetSpec(defaultSpecValues)
			spec.NumberOfPrimaries = 2
			spec.ReplicationFactor = pointer.Int32Ptr(0)
			g := &garnetv1alpha1.GarnetCluster{
				ObjectMeta: GetRandomObjectMeta(),
				Spec:       spec,
			}

			Create(g)
			fetchedCR := EnsureStatus(g, garnetv1alpha1.Pending)
			EnsurePodCount(fetchedCR, 2)

			Update(fetchedCR, SetTopology(3, 1))
			EnsurePodCount(fetchedCR, 6)

			Delete(fetchedCR)
		})
	})

	Context("GarnetCluster CustomResource with an old server image", func() {
		It("should fail validation", Label("fast"), func() {
			spec := test.GarnetSpec(defaultSpecValues)
			spec.Image.Tag = "0.0.1"
			g := &garnetv1alpha1.GarnetCluster{
				ObjectMeta: GetRandomObjectMeta(),
				Spec:       spec,
			}

			Create(g)
			fetchedCR := EnsureStatus(g, garnetv1alpha1.Failed)
			Expect(fetchedCR.Status.Message).Should(ContainSubstring("error validating new Spec"))
			Expect(listPods(fetchedCR)).Should(BeEmpty())

			Delete(fetchedCR)
		})
	})

	Context("GarnetCluster CustomResource with an invalid topology", func() {
		It("should be rejected by the API server", Label("fast"), func() {
			spec := test.GarnetSpec(defaultSpecValues)
			spec.ReplicationFactor = pointer.Int32Ptr(-1)
			g := &garnetv1alpha1.GarnetCluster{
				ObjectMeta: GetRandomObjectMeta(),
				Spec:       spec,
			}
			Expect(k8sClient.Create(context.Background(), g)).ShouldNot(Succeed())
		})
	})
})
