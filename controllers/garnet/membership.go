package garnet

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	garnetv1alpha1 "github.com/garnet-k8s/garnet-operator/api/v1alpha1"
	garnetclient "github.com/garnet-k8s/garnet-operator/internal/garnet-client"
	"github.com/garnet-k8s/garnet-operator/internal/slots"
)

// bootstrap forms the initial cluster: every primary gets its share of the
// slot space and is introduced to the first one.
func (p *reconcilePass) bootstrap(ctx context.Context) (stageOutcome, error) {
	if p.conditionIsTrue(garnetv1alpha1.ConditionInitialized) {
		return proceed, nil
	}
	state := p.state()
	want := int(p.spec().NumberOfPrimaries)
	ranges := slots.TargetRanges(want)

	if len(state.Primaries()) == 0 {
		orphans := state.Orphans()
		if len(orphans) == 0 {
			return haltWith(pendingPhase(retryAfter).withMessage("no node available to bootstrap the cluster")), nil
		}
		if err := p.initPrimary(ctx, orphans[0], ranges[0], 1); err != nil {
			return proceed, err
		}
		p.logger.Info("Bootstrapped first primary", "pod", orphans[0].PodName, "slots", ranges[0].String())
	}

	seed := state.Primaries()[0]
	for len(state.Primaries()) < want {
		orphans := state.Orphans()
		if len(orphans) == 0 {
			break
		}
		epoch, err := p.nextEpoch(ctx, seed)
		if err != nil {
			return proceed, err
		}
		node := orphans[0]
		rng := ranges[len(state.Primaries())]
		if err := p.initPrimary(ctx, node, rng, epoch); err != nil {
			return proceed, err
		}
		if err := p.meet(ctx, seed, node); err != nil {
			return proceed, err
		}
		p.logger.Info("Bootstrapped primary", "pod", node.PodName, "slots", rng.String(), "epoch", epoch)
	}

	if len(state.Primaries()) == want {
		p.setCondition(garnetv1alpha1.ConditionInitialized, metav1.ConditionTrue, "Bootstrapped", fmt.Sprintf("%d primaries own the slot space", want))
		return proceed, p.save(ctx)
	}
	return proceed, nil
}

// initPrimary turns an unassigned node into a primary owning rng.
func (p *reconcilePass) initPrimary(ctx context.Context, node *garnetv1alpha1.GarnetNode, rng slots.Range, epoch int64) error {
	c, err := p.resetNode(ctx, node)
	if err != nil {
		return err
	}
	if err := c.AddSlotsRange(ctx, rng.Min, rng.Max); err != nil {
		return err
	}
	if err := c.SetConfigEpoch(ctx, epoch); err != nil {
		return err
	}

	node.Role = garnetv1alpha1.RolePrimary
	node.Slots = rng.Pair()
	node.PrimaryID = ""
	p.recordEpoch(node, epoch)
	p.state().ReplicaCountByPrimary[node.PodUID] = 0
	return p.save(ctx)
}

// resetNode wipes the cluster state of a node and records its new id.
func (p *reconcilePass) resetNode(ctx context.Context, node *garnetv1alpha1.GarnetNode) (garnetclient.Client, error) {
	c, err := p.clientFor(ctx, node)
	if err != nil {
		return nil, err
	}
	if err := c.ResetHard(ctx); err != nil {
		return nil, err
	}
	id, err := c.MyID(ctx)
	if err != nil {
		return nil, err
	}
	node.ID = id
	node.Slots = nil
	return c, nil
}

// nextEpoch is one above the highest epoch known to the cluster.
func (p *reconcilePass) nextEpoch(ctx context.Context, from *garnetv1alpha1.GarnetNode) (int64, error) {
	c, err := p.clientFor(ctx, from)
	if err != nil {
		return 0, err
	}
	info, err := c.Info(ctx)
	if err != nil {
		return 0, err
	}
	epoch := info.CurrentEpoch()
	if last := p.state().LastEpoch; last > epoch {
		epoch = last
	}
	return epoch + 1, nil
}

func (p *reconcilePass) recordEpoch(node *garnetv1alpha1.GarnetNode, epoch int64) {
	node.ConfigEpoch = epoch
	if epoch > p.state().LastEpoch {
		p.state().LastEpoch = epoch
	}
}

// meet introduces node to the cluster through from. Nodes meet by pod IP.
func (p *reconcilePass) meet(ctx context.Context, from, node *garnetv1alpha1.GarnetNode) error {
	c, err := p.clientFor(ctx, from)
	if err != nil {
		return err
	}
	return c.Meet(ctx, node.PodIP, int(node.Port))
}

// configure fills the primary and replica roles of an initialized cluster
// from the promotable and unassigned nodes.
func (p *reconcilePass) configure(ctx context.Context) (stageOutcome, error) {
	if !p.conditionIsTrue(garnetv1alpha1.ConditionInitialized) {
		return proceed, nil
	}
	if err := p.markReplicasForPromotion(ctx); err != nil {
		return proceed, err
	}
	if err := p.fillPrimaries(ctx); err != nil {
		return proceed, err
	}
	return proceed, p.fillReplicas(ctx)
}

// markReplicasForPromotion turns surplus replicas into promotion candidates
// while primaries are missing. This covers reshapes that keep the pod count,
// such as 2x2 to 3x1, where scaling down never runs.
func (p *reconcilePass) markReplicasForPromotion(ctx context.Context) error {
	state := p.state()
	spec := p.spec()
	for replicas := state.Replicas(); len(replicas) > spec.RequiredReplicaCount() &&
		len(state.Primaries())+len(state.Promoting()) < int(spec.NumberOfPrimaries); replicas = state.Replicas() {
		node := pickFromBusiestHost(replicas)
		if primary, ok := state.NodeByID(node.PrimaryID); ok {
			state.RemoveReplica(primary.PodUID)
		}
		p.logger.Info("Marking surplus replica for promotion", "pod", node.PodName)
		node.Role = garnetv1alpha1.RolePromoting
		if err := p.save(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (p *reconcilePass) fillPrimaries(ctx context.Context) error {
	state := p.state()
	want := int(p.spec().NumberOfPrimaries)
	for len(state.Primaries()) < want {
		primaries := state.Primaries()
		if len(primaries) == 0 {
			return errors.New("initialized cluster has no primary left")
		}
		seed := primaries[0]

		if promoting := state.Promoting(); len(promoting) > 0 {
			if err := p.promote(ctx, seed, promoting[0]); err != nil {
				return err
			}
			continue
		}
		orphans := state.Orphans()
		if len(orphans) == 0 {
			return nil
		}
		if err := p.addEmptyPrimary(ctx, seed, orphans[0]); err != nil {
			return err
		}
	}
	return nil
}

// promote detaches a former replica from its primary and keeps it as an empty
// primary. Slots are handed to it by the slot rebalance.
func (p *reconcilePass) promote(ctx context.Context, seed, node *garnetv1alpha1.GarnetNode) error {
	c, err := p.clientFor(ctx, node)
	if err != nil {
		return err
	}
	if err := c.ReplicaOfNoOne(ctx); err != nil {
		return err
	}
	if err := p.meet(ctx, seed, node); err != nil {
		return err
	}
	p.logger.Info("Promoted replica to primary", "pod", node.PodName)
	node.Role = garnetv1alpha1.RolePrimary
	node.PrimaryID = ""
	node.Slots = nil
	p.state().ReplicaCountByPrimary[node.PodUID] = 0
	return p.save(ctx)
}

func (p *reconcilePass) addEmptyPrimary(ctx context.Context, seed, node *garnetv1alpha1.GarnetNode) error {
	epoch, err := p.nextEpoch(ctx, seed)
	if err != nil {
		return err
	}
	c, err := p.resetNode(ctx, node)
	if err != nil {
		return err
	}
	if err := c.SetConfigEpoch(ctx, epoch); err != nil {
		return err
	}
	if err := p.meet(ctx, seed, node); err != nil {
		return err
	}
	p.logger.Info("Added primary", "pod", node.PodName, "epoch", epoch)
	node.Role = garnetv1alpha1.RolePrimary
	node.PrimaryID = ""
	p.recordEpoch(node, epoch)
	p.state().ReplicaCountByPrimary[node.PodUID] = 0
	return p.save(ctx)
}

func (p *reconcilePass) fillReplicas(ctx context.Context) error {
	state := p.state()
	want := p.spec().RequiredReplicaCount()
	for len(state.Replicas()) < want {
		candidate, err := p.nextReplicaCandidate(ctx)
		if err != nil {
			return err
		}
		if candidate == nil {
			return nil
		}
		primary := leastReplicatedPrimary(state.Primaries(), state, candidate)
		if primary == nil {
			return nil
		}
		if err := p.attachReplica(ctx, candidate, primary); err != nil {
			return err
		}
	}
	return nil
}

// nextReplicaCandidate picks the node to become the next replica: a node
// already being demoted, an unassigned node, or the surplus primary owning
// the fewest slots. A primary with slots is demoted and drained first.
func (p *reconcilePass) nextReplicaCandidate(ctx context.Context) (*garnetv1alpha1.GarnetNode, error) {
	state := p.state()
	var candidate *garnetv1alpha1.GarnetNode
	switch demoting, orphans, primaries := state.Demoting(), state.Orphans(), state.Primaries(); {
	case len(demoting) > 0:
		candidate = demoting[0]
	case len(orphans) > 0:
		return orphans[0], nil
	case len(primaries) > int(p.spec().NumberOfPrimaries):
		candidate = fewestSlots(primaries)
		p.logger.Info("Demoting surplus primary", "pod", candidate.PodName, "slots", candidate.NumSlots())
		p.orphanReplicasOf(candidate)
		candidate.Role = garnetv1alpha1.RoleDemoting
		delete(state.ReplicaCountByPrimary, candidate.PodUID)
		if err := p.save(ctx); err != nil {
			return nil, err
		}
	default:
		return nil, nil
	}

	if candidate.HasSlots() {
		if err := p.rebalanceSlots(ctx); err != nil {
			return nil, err
		}
		if candidate.HasSlots() {
			return nil, fmt.Errorf("demoting node %s still owns %d slots", candidate.PodName, candidate.NumSlots())
		}
	}
	return candidate, nil
}

// attachReplica resets node and makes it a replica of primary.
func (p *reconcilePass) attachReplica(ctx context.Context, node, primary *garnetv1alpha1.GarnetNode) error {
	state := p.state()
	if node.ID != "" {
		p.forgetNode(ctx, node)
	}
	epoch, err := p.nextEpoch(ctx, primary)
	if err != nil {
		return err
	}
	c, err := p.resetNode(ctx, node)
	if err != nil {
		return err
	}
	if err := c.SetConfigEpoch(ctx, epoch); err != nil {
		return err
	}
	if err := c.Meet(ctx, primary.PodIP, int(primary.Port)); err != nil {
		return err
	}
	cfg := p.r.config
	if err := garnetclient.ReplicateWithRetry(ctx, c, primary.ID, garnetclient.Backoff(cfg.ReplicateRetries, cfg.ReplicateRetryDelay)); err != nil {
		return errors.Wrapf(err, "attaching %s to %s", node.PodName, primary.PodName)
	}

	p.logger.Info("Attached replica", "pod", node.PodName, "primary", primary.PodName)
	delete(state.ReplicaCountByPrimary, node.PodUID)
	node.Role = garnetv1alpha1.RoleReplica
	node.PrimaryID = primary.ID
	p.recordEpoch(node, epoch)
	state.AddReplica(primary.PodUID)
	return p.save(ctx)
}

// leastReplicatedPrimary returns the primary with the fewest replicas, other than exclude.
func leastReplicatedPrimary(primaries []*garnetv1alpha1.GarnetNode, state *garnetv1alpha1.ClusterState, exclude *garnetv1alpha1.GarnetNode) *garnetv1alpha1.GarnetNode {
	var best *garnetv1alpha1.GarnetNode
	for _, primary := range primaries {
		if primary.PodUID == exclude.PodUID || primary.ID == "" {
			continue
		}
		if best == nil || state.ReplicaCount(primary.PodUID) < state.ReplicaCount(best.PodUID) {
			best = primary
		}
	}
	return best
}

func fewestSlots(nodes []*garnetv1alpha1.GarnetNode) *garnetv1alpha1.GarnetNode {
	var best *garnetv1alpha1.GarnetNode
	for _, node := range nodes {
		if best == nil || node.NumSlots() < best.NumSlots() {
			best = node
		}
	}
	return best
}
