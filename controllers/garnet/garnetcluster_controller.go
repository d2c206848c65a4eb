package garnet

import (
	"context"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"github.com/pkg/errors"
	corev1 "k8s.io/api/core/v1"
	kerrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/util/workqueue"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/controller"
	"sigs.k8s.io/controller-runtime/pkg/event"
	"sigs.k8s.io/controller-runtime/pkg/handler"
	"sigs.k8s.io/controller-runtime/pkg/reconcile"
	"sigs.k8s.io/controller-runtime/pkg/source"

	garnetv1alpha1 "github.com/garnet-k8s/garnet-operator/api/v1alpha1"
	"github.com/garnet-k8s/garnet-operator/controllers/garnet/validation"
	"github.com/garnet-k8s/garnet-operator/internal/config"
	garnetclient "github.com/garnet-k8s/garnet-operator/internal/garnet-client"
	n "github.com/garnet-k8s/garnet-operator/internal/naming"
)

// retryAfter is the time in seconds to requeue for the Pending phase
const retryAfter = 10 * time.Second

// GarnetClusterReconciler reconciles a GarnetCluster object
type GarnetClusterReconciler struct {
	client.Client
	// apiReader lists pods past the informer cache. Falls back to Client when unset.
	apiReader            client.Reader
	Log                  logr.Logger
	Scheme               *runtime.Scheme
	clientRegistry       garnetclient.ClientRegistry
	config               config.OperatorConfig
	triggerReconcileChan chan event.GenericEvent
}

func NewGarnetClusterReconciler(c client.Client, log logr.Logger, s *runtime.Scheme, cr garnetclient.ClientRegistry, cfg config.OperatorConfig) *GarnetClusterReconciler {
	return &GarnetClusterReconciler{
		Client:               c,
		Log:                  log,
		Scheme:               s,
		clientRegistry:       cr,
		config:               cfg,
		triggerReconcileChan: make(chan event.GenericEvent),
	}
}

// Role related to CRs
//+kubebuilder:rbac:groups=garnet.k8soperator.io,resources=garnetclusters,verbs=get;list;watch;create;update;patch;delete,namespace=system
//+kubebuilder:rbac:groups=garnet.k8soperator.io,resources=garnetclusters/status,verbs=get;update;patch,namespace=system
//+kubebuilder:rbac:groups=garnet.k8soperator.io,resources=garnetclusters/finalizers,verbs=update,namespace=system
// Role related to Reconcile()
//+kubebuilder:rbac:groups="",resources=events;services;pods,verbs=get;list;watch;create;update;patch;delete,namespace=system

func (r *GarnetClusterReconciler) Reconcile(ctx context.Context, req ctrl.Request) (ctrl.Result, error) {
	logger := r.Log.WithValues("garnetcluster", req.NamespacedName)

	g := &garnetv1alpha1.GarnetCluster{}
	err := r.Client.Get(ctx, req.NamespacedName, g)
	if err != nil {
		if kerrors.IsNotFound(err) {
			logger.Info("GarnetCluster resource not found. Ignoring since object must be deleted")
			return ctrl.Result{}, nil
		}
		logger.Error(err, "Failed to get GarnetCluster")
		return ctrl.Result{}, err
	}

	err = r.addFinalizer(ctx, g, logger)
	if err != nil {
		return update(ctx, r.Client, g, failedPhase(err))
	}

	if g.GetDeletionTimestamp() != nil {
		err = r.executeFinalizer(ctx, g, logger)
		if err != nil {
			logger.Error(err, "Finalizer execution failed")
			return update(ctx, r.Client, g, failedPhase(err))
		}
		logger.V(2).Info("Finalizer's pre-delete function executed successfully and the finalizer removed from custom resource", "Name:", n.Finalizer)
		return ctrl.Result{}, nil
	}

	err = r.applyDefaultGarnetSpecs(ctx, g)
	if err != nil {
		logger.Error(err, "Failed to apply default specs")
		return update(ctx, r.Client, g, failedPhase(err))
	}

	err = validation.ValidateSpec(g, r.config.MinServerVersion)
	if err != nil {
		return update(ctx, r.Client, g,
			failedPhase(err).
				withMessage(fmt.Sprintf("error validating new Spec: %s", err)))
	}

	p := newReconcilePass(r, g, logger)
	options := p.run(ctx, r.stages())
	if options.phase != garnetv1alpha1.Running {
		return update(ctx, r.Client, g, options)
	}

	err = r.updateLastSuccessfulSpec(ctx, g, logger)
	if err != nil {
		logger.Info("Could not save the current successful spec as annotation to the custom resource")
	}
	return update(ctx, r.Client, g, options)
}

// stage is one step of a reconcile pass. A stage either lets the pass
// continue or ends it with the returned options.
type stage struct {
	name string
	run  func(p *reconcilePass, ctx context.Context) (stageOutcome, error)
}

type stageOutcome struct {
	halt    bool
	options optionsBuilder
}

var proceed = stageOutcome{}

func haltWith(o optionsBuilder) stageOutcome {
	return stageOutcome{halt: true, options: o}
}

func (r *GarnetClusterReconciler) stages() []stage {
	return []stage{
		{name: "initialize-status", run: (*reconcilePass).initializeStatus},
		{name: "services-and-inventory", run: (*reconcilePass).servicesAndInventory},
		{name: "scale", run: (*reconcilePass).scale},
		{name: "bootstrap", run: (*reconcilePass).bootstrap},
		{name: "configure", run: (*reconcilePass).configure},
		{name: "converged-check", run: (*reconcilePass).convergedCheck},
		{name: "rebalance-slots", run: (*reconcilePass).rebalanceSlotsStage},
		{name: "rebalance-replicas", run: (*reconcilePass).rebalanceReplicas},
		{name: "cleanup", run: (*reconcilePass).cleanup},
		{name: "cluster-health", run: (*reconcilePass).clusterHealth},
	}
}

// reconcilePass carries the working state of one reconcile of a cluster.
type reconcilePass struct {
	r       *GarnetClusterReconciler
	cluster *garnetv1alpha1.GarnetCluster
	logger  logr.Logger
	// pods of the cluster keyed by UID
	pods map[string]*corev1.Pod
	// status as last written
	persisted garnetv1alpha1.GarnetClusterStatus
}

func newReconcilePass(r *GarnetClusterReconciler, g *garnetv1alpha1.GarnetCluster, logger logr.Logger) *reconcilePass {
	return &reconcilePass{
		r:         r,
		cluster:   g,
		logger:    logger,
		pods:      map[string]*corev1.Pod{},
		persisted: *g.Status.DeepCopy(),
	}
}

func (p *reconcilePass) run(ctx context.Context, stages []stage) optionsBuilder {
	for _, s := range stages {
		if err := ctx.Err(); err != nil {
			return failedPhase(err)
		}
		logger := p.logger.WithValues("stage", s.name)
		logger.V(1).Info("Running stage")
		out, err := s.run(p, ctx)
		if err != nil {
			if errors.Is(err, errStatusConflict) {
				logger.Info("Status was modified concurrently, retrying")
				return requeueNow()
			}
			logger.Error(err, "Stage failed")
			return failedPhase(errors.Wrapf(err, "stage %s", s.name))
		}
		if out.halt {
			return out.options
		}
	}
	return runningPhase()
}

func (p *reconcilePass) state() *garnetv1alpha1.ClusterState {
	return &p.cluster.Status.Cluster
}

func (p *reconcilePass) spec() *garnetv1alpha1.GarnetClusterSpec {
	return &p.cluster.Spec
}

func (p *reconcilePass) clientFor(ctx context.Context, node *garnetv1alpha1.GarnetNode) (garnetclient.Client, error) {
	c, err := p.r.clientRegistry.GetOrCreate(ctx, node)
	if err != nil {
		return nil, errors.Wrapf(err, "connecting to %s", node.PodName)
	}
	return c, nil
}

func (p *reconcilePass) initializeStatus(ctx context.Context) (stageOutcome, error) {
	p.state().EnsureInitialized()
	p.initializeConditions()
	if p.cluster.Status.Phase == "" {
		p.cluster.Status.Phase = garnetv1alpha1.Pending
	}
	return proceed, p.save(ctx)
}

func (r *GarnetClusterReconciler) podUpdates(pod client.Object) []reconcile.Request {
	p, ok := pod.(*corev1.Pod)
	if !ok {
		return []reconcile.Request{}
	}

	name, ok := getGarnetClusterName(p)
	if !ok {
		return []reconcile.Request{}
	}

	return []reconcile.Request{
		{
			NamespacedName: types.NamespacedName{
				Name:      name,
				Namespace: p.GetNamespace(),
			},
		},
	}
}

func getGarnetClusterName(pod *corev1.Pod) (string, bool) {
	if pod.Labels[n.ApplicationManagedByLabel] == n.OperatorName && pod.Labels[n.ClusterNameLabel] != "" {
		return pod.Labels[n.ClusterNameLabel], true
	}
	return "", false
}

func (r *GarnetClusterReconciler) SetupWithManager(mgr ctrl.Manager) error {
	r.apiReader = mgr.GetAPIReader()
	return ctrl.NewControllerManagedBy(mgr).
		For(&garnetv1alpha1.GarnetCluster{}).
		Owns(&corev1.Service{}).
		Watches(&source.Channel{Source: r.triggerReconcileChan}, &handler.EnqueueRequestForObject{}).
		Watches(&source.Kind{Type: &corev1.Pod{}}, handler.EnqueueRequestsFromMapFunc(r.podUpdates)).
		WithOptions(controller.Options{
			MaxConcurrentReconciles: r.config.MaxConcurrentReconciles,
			RateLimiter:             workqueue.NewItemExponentialFailureRateLimiter(r.config.RequeueMinDelay, r.config.RequeueMaxDelay),
		}).
		Complete(r)
}
