package garnet

import (
	"context"

	"github.com/pkg/errors"
	corev1 "k8s.io/api/core/v1"
	kerrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/wait"

	garnetv1alpha1 "github.com/garnet-k8s/garnet-operator/api/v1alpha1"
	garnetclient "github.com/garnet-k8s/garnet-operator/internal/garnet-client"
	n "github.com/garnet-k8s/garnet-operator/internal/naming"
	"github.com/garnet-k8s/garnet-operator/internal/util"
)

var errPodsNotReady = errors.New("pods are not ready")

// scale grows or shrinks the cluster by comparing the tracked nodes, not the
// listed pods, with the required pod count.
func (p *reconcilePass) scale(ctx context.Context) (stageOutcome, error) {
	required := p.spec().RequiredPodCount()
	tracked := len(p.state().Nodes)
	switch {
	case tracked < required:
		if err := p.scaleUp(ctx, required-tracked); err != nil {
			return proceed, err
		}
	case tracked > required || len(p.state().Leaving()) > 0:
		if err := p.scaleDown(ctx); err != nil {
			return proceed, err
		}
	}

	err := p.waitForPodReadiness(ctx)
	if errors.Is(err, errPodsNotReady) {
		p.logger.Info("Pods are not ready yet, waiting.")
		return haltWith(pendingPhase(retryAfter).withMessage("waiting for pods to become ready")), nil
	}
	if podErrs, ok := util.AsPodErrors(err); ok {
		return haltWith(failedPhase(err).withMessage(podErrs.Error())), nil
	}
	return proceed, err
}

func (p *reconcilePass) scaleUp(ctx context.Context, missing int) error {
	p.logger.Info("Scaling up", "missing pods", missing)
	p.setCondition(garnetv1alpha1.ConditionScaling, metav1.ConditionTrue, "ScalingUp", "cluster needs more pods")
	if err := p.save(ctx); err != nil {
		return err
	}

	state := p.state()
	for i := 0; i < missing; i++ {
		pod, err := p.r.newPod(p.cluster)
		if err != nil {
			return err
		}
		if err := p.r.Create(ctx, pod); err != nil {
			return errors.Wrapf(err, "creating pod %s", pod.Name)
		}
		p.logger.Info("Created pod", "pod", pod.Name)
		uid := string(pod.UID)
		p.pods[uid] = pod
		state.Nodes[uid] = &garnetv1alpha1.GarnetNode{
			Role:      garnetv1alpha1.RoleNone,
			PodUID:    uid,
			PodName:   pod.Name,
			Namespace: pod.Namespace,
			Port:      n.DefaultGarnetPort,
		}
		if err := p.save(ctx); err != nil {
			return err
		}
	}
	return nil
}

// waitForPodReadiness polls the pods of the cluster until all of them are
// ready, one of them fails, or the readiness timeout expires.
func (p *reconcilePass) waitForPodReadiness(ctx context.Context) error {
	cfg := p.r.config
	waitCtx, cancel := context.WithTimeout(ctx, cfg.ReadinessTimeout)
	defer cancel()

	err := wait.PollImmediateUntil(cfg.ReadinessPollInterval, func() (bool, error) {
		pods, err := p.r.listClusterPods(ctx, p.cluster)
		if err != nil {
			return false, err
		}
		if err := util.CheckPodsForFailure(pods); err != nil {
			return false, err
		}
		p.setPods(pods)
		return util.AllPodsReady(pods), nil
	}, waitCtx.Done())
	if err == wait.ErrWaitTimeout {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return errPodsNotReady
	}
	if err != nil {
		return err
	}

	p.refreshNodes()
	return p.save(ctx)
}

// scaleDown selects the surplus nodes, moves their slots away and removes them.
func (p *reconcilePass) scaleDown(ctx context.Context) error {
	p.logger.Info("Scaling down", "nodes", len(p.state().Nodes), "required", p.spec().RequiredPodCount())
	p.setCondition(garnetv1alpha1.ConditionScaling, metav1.ConditionTrue, "ScalingDown", "cluster needs less pods")
	if err := p.save(ctx); err != nil {
		return err
	}

	if err := p.markSurplusNodes(ctx); err != nil {
		return err
	}
	if err := p.rebalanceSlots(ctx); err != nil {
		return err
	}
	return p.removeLeavingNodes(ctx)
}

// markSurplusNodes marks the nodes to be removed as Leaving: surplus primaries
// first, then unassigned nodes, then surplus replicas. Every pick is taken from
// the host carrying most of the candidates.
func (p *reconcilePass) markSurplusNodes(ctx context.Context) error {
	state := p.state()
	spec := p.spec()
	required := spec.RequiredPodCount()

	for primaries := state.Primaries(); len(primaries) > int(spec.NumberOfPrimaries); primaries = state.Primaries() {
		node := pickFromBusiestHost(primaries)
		p.logger.Info("Marking surplus primary as leaving", "pod", node.PodName)
		p.orphanReplicasOf(node)
		node.Role = garnetv1alpha1.RoleLeaving
		delete(state.ReplicaCountByPrimary, node.PodUID)
		if err := p.save(ctx); err != nil {
			return err
		}
	}

	for orphans := state.Orphans(); len(orphans) > 0 && len(state.Active()) > required; orphans = state.Orphans() {
		node := pickFromBusiestHost(orphans)
		p.logger.Info("Marking unassigned node as leaving", "pod", node.PodName)
		node.Role = garnetv1alpha1.RoleLeaving
		if err := p.save(ctx); err != nil {
			return err
		}
	}

	for replicas := state.Replicas(); len(replicas) > spec.RequiredReplicaCount(); replicas = state.Replicas() {
		node := pickFromBusiestHost(replicas)
		if primary, ok := state.NodeByID(node.PrimaryID); ok {
			state.RemoveReplica(primary.PodUID)
		}
		if len(state.Active()) > required {
			p.logger.Info("Marking surplus replica as leaving", "pod", node.PodName)
			node.Role = garnetv1alpha1.RoleLeaving
		} else {
			p.logger.Info("Marking surplus replica for promotion", "pod", node.PodName)
			node.Role = garnetv1alpha1.RolePromoting
		}
		if err := p.save(ctx); err != nil {
			return err
		}
	}
	return nil
}

// orphanReplicasOf returns the replicas of a primary that stops being one to
// the unassigned pool.
func (p *reconcilePass) orphanReplicasOf(primary *garnetv1alpha1.GarnetNode) {
	for _, replica := range p.state().ReplicasOf(primary.ID) {
		replica.Role = garnetv1alpha1.RoleNone
		replica.PrimaryID = ""
	}
	p.state().ReplicaCountByPrimary[primary.PodUID] = 0
}

// pickFromBusiestHost returns the first node placed on the host that carries
// most of the given nodes.
func pickFromBusiestHost(nodes []*garnetv1alpha1.GarnetNode) *garnetv1alpha1.GarnetNode {
	counts := garnetv1alpha1.CountByHost(nodes)
	var picked *garnetv1alpha1.GarnetNode
	for _, node := range nodes {
		if picked == nil || counts[node.NodeHostName] > counts[picked.NodeHostName] {
			picked = node
		}
	}
	return picked
}

// removeLeavingNodes retires every Leaving node that no longer owns slots:
// the rest of the cluster forgets it and its pod is deleted.
func (p *reconcilePass) removeLeavingNodes(ctx context.Context) error {
	state := p.state()
	for _, node := range state.Leaving() {
		if node.HasSlots() {
			p.logger.Info("Leaving node still owns slots, keeping it", "pod", node.PodName, "slots", node.NumSlots())
			continue
		}
		if node.ID != "" {
			p.forgetNode(ctx, node)
		}

		pod := &corev1.Pod{}
		pod.Name = node.PodName
		pod.Namespace = node.Namespace
		if err := p.r.Delete(ctx, pod); err != nil && !kerrors.IsNotFound(err) {
			return errors.Wrapf(err, "deleting pod %s", node.PodName)
		}
		p.logger.Info("Removed leaving node", "pod", node.PodName)

		p.r.clientRegistry.Delete(node.PodName, node.Namespace)
		delete(p.pods, node.PodUID)
		state.RemoveNode(node.PodUID)
		if err := p.save(ctx); err != nil {
			return err
		}
	}
	return nil
}

// forgetNode makes every other tracked node forget the node, skipping the
// replicas that still follow it. Failures are logged and do not stop the fan-out.
func (p *reconcilePass) forgetNode(ctx context.Context, node *garnetv1alpha1.GarnetNode) {
	for _, other := range p.state().Nodes {
		if other.PodUID == node.PodUID || other.PrimaryID == node.ID {
			continue
		}
		p.forgetOn(ctx, other, node.ID)
	}
}

func (p *reconcilePass) forgetOn(ctx context.Context, on *garnetv1alpha1.GarnetNode, id string) {
	if on.ID == "" || on.PodIP == "" {
		return
	}
	c, err := p.clientFor(ctx, on)
	if err != nil {
		p.logger.Info("Could not reach node to forget", "pod", on.PodName, "forget", id, "error", err.Error())
		return
	}
	err = c.Forget(ctx, id)
	if err != nil && !garnetclient.IsUnknownNode(err) {
		p.logger.Info("Forget failed", "pod", on.PodName, "forget", id, "error", err.Error())
	}
}
