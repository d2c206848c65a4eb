package garnet

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/types"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	"k8s.io/utils/pointer"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/client/fake"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"

	garnetv1alpha1 "github.com/garnet-k8s/garnet-operator/api/v1alpha1"
	"github.com/garnet-k8s/garnet-operator/internal/config"
	n "github.com/garnet-k8s/garnet-operator/internal/naming"
)

func fakeClient(initObjs ...client.Object) client.Client {
	scheme := runtime.NewScheme()
	_ = clientgoscheme.AddToScheme(scheme)
	_ = garnetv1alpha1.AddToScheme(scheme)
	return uidAssigningClient{fake.NewClientBuilder().WithScheme(scheme).WithObjects(initObjs...).Build()}
}

// uidAssigningClient sets the UID of created objects as the API server does.
type uidAssigningClient struct {
	client.Client
}

func (c uidAssigningClient) Create(ctx context.Context, obj client.Object, opts ...client.CreateOption) error {
	if obj.GetUID() == "" {
		obj.SetUID(types.UID(uuid.New().String()))
	}
	return c.Client.Create(ctx, obj, opts...)
}

// laggingPodCache hides every pod from List, like an informer cache that has
// not seen the pods created by the last pass.
type laggingPodCache struct {
	client.Client
}

func (c laggingPodCache) List(ctx context.Context, list client.ObjectList, opts ...client.ListOption) error {
	if _, ok := list.(*corev1.PodList); ok {
		return nil
	}
	return c.Client.List(ctx, list, opts...)
}

func testConfig() config.OperatorConfig {
	cfg := config.Default()
	cfg.ReadinessTimeout = 50 * time.Millisecond
	cfg.ReadinessPollInterval = 10 * time.Millisecond
	cfg.MigrationSettleDelay = 0
	cfg.ReplicateRetries = 3
	cfg.ReplicateRetryDelay = time.Millisecond
	return cfg
}

func garnetCluster(primaries, replicas int32) *garnetv1alpha1.GarnetCluster {
	return &garnetv1alpha1.GarnetCluster{
		ObjectMeta: metav1.ObjectMeta{
			Name:      "gc",
			Namespace: "default",
			UID:       "2b7f0c1e-7d2a-4c61-9d8e-6a0c6c1e8f10",
		},
		Spec: garnetv1alpha1.GarnetClusterSpec{
			NumberOfPrimaries: primaries,
			ReplicationFactor: pointer.Int32Ptr(replicas),
		},
	}
}

type testingT interface {
	Fatalf(format string, args ...interface{})
}

// testEnv wires a reconciler to a fake API server and a fake Garnet cluster.
// Pods only get an IP and become ready when startPods is called, the way the
// kubelet would between two reconciles.
type testEnv struct {
	t        testingT
	k8s      client.Client
	world    *fakeGarnet
	registry *fakeRegistry
	r        *GarnetClusterReconciler
	key      types.NamespacedName
	hosts    []string
	nextIP   int
}

func newTestEnv(t testingT, g *garnetv1alpha1.GarnetCluster, hosts ...string) *testEnv {
	if len(hosts) == 0 {
		hosts = []string{"worker-a", "worker-b", "worker-c"}
	}
	k8s := fakeClient(g)
	world := newFakeGarnet()
	registry := &fakeRegistry{world: world}
	return &testEnv{
		t:        t,
		k8s:      k8s,
		world:    world,
		registry: registry,
		r:        NewGarnetClusterReconciler(k8s, zap.New(zap.UseDevMode(true)), k8s.Scheme(), registry, testConfig()),
		key:      types.NamespacedName{Name: g.Name, Namespace: g.Namespace},
		hosts:    hosts,
	}
}

func (e *testEnv) reconcile() (ctrl.Result, error) {
	return e.r.Reconcile(context.Background(), ctrl.Request{NamespacedName: e.key})
}

// startPods assigns an IP and a host to every new pod, marks it ready and
// starts its Garnet node. Nodes of deleted pods are stopped.
func (e *testEnv) startPods() {
	pods := e.pods()
	live := map[string]bool{}
	for i := range pods {
		pod := &pods[i]
		if pod.Status.PodIP == "" {
			e.nextIP++
			pod.Status.PodIP = fmt.Sprintf("10.0.0.%d", e.nextIP)
			pod.Spec.NodeName = e.hosts[(e.nextIP-1)%len(e.hosts)]
			pod.Status.Phase = corev1.PodRunning
			pod.Status.ContainerStatuses = []corev1.ContainerStatus{{Name: n.GarnetContainer, Ready: true}}
			if err := e.k8s.Update(context.Background(), pod); err != nil {
				e.t.Fatalf("updating pod %s: %v", pod.Name, err)
			}
		}
		e.world.addNode(pod.Status.PodIP)
		live[pod.Status.PodIP] = true
	}
	e.world.mu.Lock()
	for ip := range e.world.nodes {
		if !live[ip] {
			delete(e.world.nodes, ip)
		}
	}
	e.world.mu.Unlock()
}

// converge reconciles until the cluster reports Running.
func (e *testEnv) converge(maxPasses int) *garnetv1alpha1.GarnetCluster {
	for i := 0; i < maxPasses; i++ {
		_, err := e.reconcile()
		if err != nil {
			e.t.Fatalf("reconcile pass %d: %v", i, err)
		}
		e.startPods()
		if g := e.cluster(); g.Status.Phase == garnetv1alpha1.Running {
			return g
		}
	}
	g := e.cluster()
	e.t.Fatalf("cluster did not converge in %d passes: phase %s, message %q", maxPasses, g.Status.Phase, g.Status.Message)
	return nil
}

func (e *testEnv) cluster() *garnetv1alpha1.GarnetCluster {
	g := &garnetv1alpha1.GarnetCluster{}
	if err := e.k8s.Get(context.Background(), e.key, g); err != nil {
		e.t.Fatalf("getting GarnetCluster: %v", err)
	}
	return g
}

func (e *testEnv) setTopology(primaries, replicas int32) {
	g := e.cluster()
	g.Spec.NumberOfPrimaries = primaries
	g.Spec.ReplicationFactor = pointer.Int32Ptr(replicas)
	if err := e.k8s.Update(context.Background(), g); err != nil {
		e.t.Fatalf("updating GarnetCluster: %v", err)
	}
}

func (e *testEnv) pods() []corev1.Pod {
	list := &corev1.PodList{}
	if err := e.k8s.List(context.Background(), list, client.InNamespace(e.key.Namespace)); err != nil {
		e.t.Fatalf("listing pods: %v", err)
	}
	return list.Items
}

func fail(t *testing.T) func(message string, callerSkip ...int) {
	return func(message string, callerSkip ...int) {
		t.Errorf(message)
	}
}
