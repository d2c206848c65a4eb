package garnet

import (
	"context"
	"math/rand"
	"sort"

	"github.com/pkg/errors"

	garnetv1alpha1 "github.com/garnet-k8s/garnet-operator/api/v1alpha1"
	garnetclient "github.com/garnet-k8s/garnet-operator/internal/garnet-client"
)

// rebalanceReplicas moves replicas away from primaries that have more than the
// replication factor to primaries that have fewer, preferring a primary on
// another host than the replica.
func (p *reconcilePass) rebalanceReplicas(ctx context.Context) (stageOutcome, error) {
	state := p.state()
	want := p.spec().Replicas()

	for _, primary := range state.Primaries() {
		for state.ReplicaCount(primary.PodUID) > want {
			replicas := state.ReplicasOf(primary.ID)
			if len(replicas) == 0 {
				break
			}
			replica := replicas[rand.Intn(len(replicas))]
			target := replicaTarget(state, primary, replica, want)
			if target == nil {
				break
			}
			if err := p.moveReplica(ctx, replica, primary, target); err != nil {
				return proceed, err
			}
		}
	}
	return proceed, nil
}

func (p *reconcilePass) moveReplica(ctx context.Context, replica, from, to *garnetv1alpha1.GarnetNode) error {
	c, err := p.clientFor(ctx, replica)
	if err != nil {
		return err
	}
	self, err := garnetclient.Self(ctx, c)
	if err != nil {
		return err
	}
	if self.MasterID != "" {
		if err := c.ReplicaOfNoOne(ctx); err != nil {
			return err
		}
	}
	cfg := p.r.config
	if err := garnetclient.ReplicateWithRetry(ctx, c, to.ID, garnetclient.Backoff(cfg.ReplicateRetries, cfg.ReplicateRetryDelay)); err != nil {
		return errors.Wrapf(err, "moving replica %s to %s", replica.PodName, to.PodName)
	}

	p.logger.Info("Moved replica", "pod", replica.PodName, "from", from.PodName, "to", to.PodName)
	state := p.state()
	state.RemoveReplica(from.PodUID)
	state.AddReplica(to.PodUID)
	replica.PrimaryID = to.ID
	return p.save(ctx)
}

// replicaTarget picks the primary with the fewest replicas below want,
// preferring one placed on another host than the replica.
func replicaTarget(state *garnetv1alpha1.ClusterState, from, replica *garnetv1alpha1.GarnetNode, want int) *garnetv1alpha1.GarnetNode {
	var candidates []*garnetv1alpha1.GarnetNode
	for _, primary := range state.Primaries() {
		if primary.PodUID != from.PodUID && primary.ID != "" && state.ReplicaCount(primary.PodUID) < want {
			candidates = append(candidates, primary)
		}
	}
	if len(candidates) == 0 {
		return nil
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return state.ReplicaCount(candidates[i].PodUID) < state.ReplicaCount(candidates[j].PodUID)
	})
	for _, c := range candidates {
		if c.NodeHostName != replica.NodeHostName {
			return c
		}
	}
	return candidates[0]
}
