package garnet

import (
	"context"
	"fmt"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	garnetv1alpha1 "github.com/garnet-k8s/garnet-operator/api/v1alpha1"
)

// convergedCheck ends the pass until the topology has the requested shape.
func (p *reconcilePass) convergedCheck(ctx context.Context) (stageOutcome, error) {
	state := p.state()
	spec := p.spec()
	if !p.conditionIsTrue(garnetv1alpha1.ConditionInitialized) ||
		len(state.Primaries()) != int(spec.NumberOfPrimaries) ||
		len(state.Replicas()) != spec.RequiredReplicaCount() ||
		len(state.Leaving()) > 0 ||
		len(p.pods) != spec.RequiredPodCount() {
		p.logger.Info("Topology has not converged yet",
			"primaries", len(state.Primaries()), "replicas", len(state.Replicas()), "leaving", len(state.Leaving()), "pods", len(p.pods))
		return haltWith(requeueNow().withMessage("waiting for the topology to converge")), nil
	}
	p.setCondition(garnetv1alpha1.ConditionScaling, metav1.ConditionFalse, "Converged", "")
	return proceed, p.save(ctx)
}

// cleanup makes the tracked nodes forget every node the cluster still knows
// about but the operator does not track, then retires Leaving nodes left over
// from an interrupted pass.
func (p *reconcilePass) cleanup(ctx context.Context) (stageOutcome, error) {
	state := p.state()
	primaries := state.Primaries()
	if len(primaries) == 0 {
		return proceed, nil
	}
	c, err := p.clientFor(ctx, primaries[0])
	if err != nil {
		return proceed, err
	}
	known, err := c.Nodes(ctx)
	if err != nil {
		return proceed, err
	}
	for _, k := range known {
		if state.HasID(k.ID) {
			continue
		}
		p.logger.Info("Forgetting untracked node", "id", k.ID, "address", fmt.Sprintf("%s:%d", k.IP, k.Port))
		for _, node := range state.Nodes {
			p.forgetOn(ctx, node, k.ID)
		}
	}
	return proceed, p.removeLeavingNodes(ctx)
}

// clusterHealth reports the cluster state as seen by a primary.
func (p *reconcilePass) clusterHealth(ctx context.Context) (stageOutcome, error) {
	primaries := p.state().Primaries()
	if len(primaries) == 0 {
		return proceed, nil
	}
	c, err := p.clientFor(ctx, primaries[0])
	if err != nil {
		return proceed, err
	}
	info, err := c.Info(ctx)
	if err != nil {
		return proceed, err
	}
	shards, err := c.Shards(ctx)
	if err != nil {
		p.logger.V(1).Info("Could not read shards", "error", err.Error())
	}

	recordNodeRoles(p.cluster)
	recordClusterOk(p.cluster, info.State() == "ok")
	if info.State() == "ok" {
		p.setCondition(garnetv1alpha1.ConditionClusterOk, metav1.ConditionTrue, "ClusterStateOk", fmt.Sprintf("%d shards serving", len(shards)))
	} else {
		p.setCondition(garnetv1alpha1.ConditionClusterOk, metav1.ConditionFalse, "ClusterStateNotOk", "cluster_state:"+info.State())
	}
	return proceed, p.save(ctx)
}
