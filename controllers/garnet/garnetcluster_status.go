package garnet

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"k8s.io/apimachinery/pkg/api/equality"
	kerrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/meta"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"

	garnetv1alpha1 "github.com/garnet-k8s/garnet-operator/api/v1alpha1"
)

// errStatusConflict is returned when the status could not be written because
// the resource changed since it was read.
var errStatusConflict = errors.New("status update conflict")

type optionsBuilder struct {
	phase      garnetv1alpha1.Phase
	retryAfter time.Duration
	requeueNow bool
	err        error
	message    string
}

func failedPhase(err error) optionsBuilder {
	return optionsBuilder{
		phase: garnetv1alpha1.Failed,
		err:   err,
	}
}

func pendingPhase(retryAfter time.Duration) optionsBuilder {
	return optionsBuilder{
		phase:      garnetv1alpha1.Pending,
		retryAfter: retryAfter,
	}
}

// requeueNow keeps the cluster pending and asks for an immediate new pass.
func requeueNow() optionsBuilder {
	return optionsBuilder{
		phase:      garnetv1alpha1.Pending,
		requeueNow: true,
	}
}

func runningPhase() optionsBuilder {
	return optionsBuilder{
		phase: garnetv1alpha1.Running,
	}
}

func (o optionsBuilder) withMessage(m string) optionsBuilder {
	o.message = m
	return o
}

// update takes the options provided by the given optionsBuilder, applies them all and then updates the GarnetCluster status
func update(ctx context.Context, c client.Client, g *garnetv1alpha1.GarnetCluster, options optionsBuilder) (ctrl.Result, error) {
	g.Status.Phase = options.phase
	g.Status.Message = options.message
	if options.phase == garnetv1alpha1.Failed && options.message == "" && options.err != nil {
		g.Status.Message = options.err.Error()
	}
	g.Status.ObservedGeneration = g.Generation
	if err := persistStatus(ctx, c, g); err != nil {
		// Conflicts are expected and will be handled on the next reconcile loop, no need to error out here
		if errors.Is(err, errStatusConflict) || kerrors.IsNotFound(err) {
			return ctrl.Result{Requeue: true}, nil
		}
		return ctrl.Result{}, err
	}
	if options.phase == garnetv1alpha1.Failed {
		return ctrl.Result{}, options.err
	}
	if options.requeueNow {
		return ctrl.Result{Requeue: true}, nil
	}
	if options.phase == garnetv1alpha1.Pending {
		return ctrl.Result{Requeue: true, RequeueAfter: options.retryAfter}, nil
	}
	return ctrl.Result{}, nil
}

// persistStatus writes the status of g at the resource version g was read at.
// A conflict means another writer changed the resource since, the pass has to
// start over from a fresh read.
func persistStatus(ctx context.Context, c client.Client, g *garnetv1alpha1.GarnetCluster) error {
	err := c.Status().Update(ctx, g)
	if kerrors.IsConflict(err) {
		return errors.Wrap(errStatusConflict, err.Error())
	}
	return err
}

// save persists the working status when it differs from what was last written.
func (p *reconcilePass) save(ctx context.Context) error {
	if equality.Semantic.DeepEqual(p.persisted, p.cluster.Status) {
		return nil
	}
	if err := persistStatus(ctx, p.r.Client, p.cluster); err != nil {
		return err
	}
	p.persisted = *p.cluster.Status.DeepCopy()
	return nil
}

func (p *reconcilePass) setCondition(conditionType string, status metav1.ConditionStatus, reason, message string) {
	meta.SetStatusCondition(&p.cluster.Status.Conditions, metav1.Condition{
		Type:               conditionType,
		Status:             status,
		Reason:             reason,
		Message:            message,
		ObservedGeneration: p.cluster.Generation,
	})
}

func (p *reconcilePass) conditionIsTrue(conditionType string) bool {
	return meta.IsStatusConditionTrue(p.cluster.Status.Conditions, conditionType)
}

// initializeConditions seeds every condition the pipeline maintains.
func (p *reconcilePass) initializeConditions() {
	defaults := []metav1.Condition{
		{Type: garnetv1alpha1.ConditionInitialized, Status: metav1.ConditionFalse, Reason: "NotInitialized", Message: "cluster has not been bootstrapped"},
		{Type: garnetv1alpha1.ConditionScaling, Status: metav1.ConditionFalse, Reason: "Converged"},
		{Type: garnetv1alpha1.ConditionRebalancing, Status: metav1.ConditionFalse, Reason: "Balanced"},
		{Type: garnetv1alpha1.ConditionClusterOk, Status: metav1.ConditionUnknown, Reason: "NotChecked"},
	}
	for _, c := range defaults {
		if meta.FindStatusCondition(p.cluster.Status.Conditions, c.Type) == nil {
			p.setCondition(c.Type, c.Status, c.Reason, c.Message)
		}
	}
}
