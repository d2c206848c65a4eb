package garnet

import (
	"context"
	"sort"
	"time"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	garnetv1alpha1 "github.com/garnet-k8s/garnet-operator/api/v1alpha1"
	garnetclient "github.com/garnet-k8s/garnet-operator/internal/garnet-client"
	n "github.com/garnet-k8s/garnet-operator/internal/naming"
	"github.com/garnet-k8s/garnet-operator/internal/slots"
)

// slotMigration is the set of slots moving from one node to another.
type slotMigration struct {
	from  *garnetv1alpha1.GarnetNode
	to    *garnetv1alpha1.GarnetNode
	slots map[int]struct{}
}

func (p *reconcilePass) rebalanceSlotsStage(ctx context.Context) (stageOutcome, error) {
	return proceed, p.rebalanceSlots(ctx)
}

// rebalanceSlots moves every slot to the primary whose target range holds it.
func (p *reconcilePass) rebalanceSlots(ctx context.Context) error {
	if !p.conditionIsTrue(garnetv1alpha1.ConditionInitialized) {
		return nil
	}
	state := p.state()
	targets := slotTargets(state.Primaries(), int(p.spec().NumberOfPrimaries))
	if len(targets) == 0 {
		return nil
	}
	ranges := slots.TargetRanges(len(targets))

	plan := planSlotMigrations(state.SlotOwners(), targets, ranges)
	if len(plan) > 0 {
		p.logger.Info("Rebalancing slots", "migrations", len(plan))
		p.setCondition(garnetv1alpha1.ConditionRebalancing, metav1.ConditionTrue, "MigratingSlots", "cluster topology has changed")
		if err := p.save(ctx); err != nil {
			return err
		}
		for _, m := range plan {
			if err := p.migrate(ctx, m); err != nil {
				return err
			}
		}
	}

	p.assignUncoveredSlots(ctx, targets, ranges)
	p.setCondition(garnetv1alpha1.ConditionRebalancing, metav1.ConditionFalse, "Balanced", "")
	return p.save(ctx)
}

func (p *reconcilePass) migrate(ctx context.Context, m *slotMigration) error {
	cfg := p.r.config
	from, err := p.clientFor(ctx, m.from)
	if err != nil {
		return err
	}
	to, err := p.clientFor(ctx, m.to)
	if err != nil {
		return err
	}

	for _, rng := range slots.Compress(m.slots) {
		self, err := garnetclient.Self(ctx, to)
		if err != nil {
			return err
		}
		if self.OwnsSlot(rng.Min) && self.OwnsSlot(rng.Max) {
			p.logger.V(1).Info("Slots already owned by destination", "slots", rng.String(), "to", m.to.PodName)
		} else {
			p.logger.Info("Migrating slots", "slots", rng.String(), "from", m.from.PodName, "to", m.to.PodName)
			if err := from.MigrateSlotsRange(ctx, m.to.PodIP, int(m.to.Port), rng.Min, rng.Max, cfg.MigrationTimeout); err != nil {
				return err
			}
			migratedSlots.WithLabelValues(p.cluster.Namespace, p.cluster.Name).Add(float64(rng.Width()))
			if err := sleep(ctx, cfg.MigrationSettleDelay); err != nil {
				return err
			}
		}

		if err := p.refreshSlots(ctx, m.from, from); err != nil {
			return err
		}
		if err := p.refreshSlots(ctx, m.to, to); err != nil {
			return err
		}
		if err := p.save(ctx); err != nil {
			return err
		}
	}
	return nil
}

// refreshSlots replaces the tracked slots of node with what it reports itself.
func (p *reconcilePass) refreshSlots(ctx context.Context, node *garnetv1alpha1.GarnetNode, c garnetclient.Client) error {
	self, err := garnetclient.Self(ctx, c)
	if err != nil {
		return err
	}
	node.Slots = nil
	if len(self.Slots) > 0 {
		node.Slots = append([]int(nil), self.Slots...)
	}
	return nil
}

// assignUncoveredSlots hands slots no tracked node owns to their target
// primary. Failures are logged, the slots are retried on the next pass.
func (p *reconcilePass) assignUncoveredSlots(ctx context.Context, targets []*garnetv1alpha1.GarnetNode, ranges []slots.Range) {
	missing := uncoveredSlots(p.state())
	if len(missing) == 0 {
		return
	}
	byTarget := map[int]map[int]struct{}{}
	for _, slot := range missing {
		i := targetIndex(slot, ranges)
		if byTarget[i] == nil {
			byTarget[i] = map[int]struct{}{}
		}
		byTarget[i][slot] = struct{}{}
	}

	for i, set := range byTarget {
		target := targets[i]
		c, err := p.clientFor(ctx, target)
		if err != nil {
			p.logger.Info("Could not reach primary for unowned slots", "pod", target.PodName, "error", err.Error())
			continue
		}
		for _, rng := range slots.Compress(set) {
			p.logger.Info("Assigning unowned slots", "slots", rng.String(), "to", target.PodName)
			if err := c.AddSlotsRange(ctx, rng.Min, rng.Max); err != nil {
				p.logger.Info("Could not assign unowned slots", "slots", rng.String(), "error", err.Error())
			}
		}
		if err := p.refreshSlots(ctx, target, c); err != nil {
			p.logger.Info("Could not refresh slots", "pod", target.PodName, "error", err.Error())
		}
	}
}

// slotTargets orders primaries by the first slot they own, slotless ones
// last, and keeps the first count of them.
func slotTargets(primaries []*garnetv1alpha1.GarnetNode, count int) []*garnetv1alpha1.GarnetNode {
	sorted := append([]*garnetv1alpha1.GarnetNode(nil), primaries...)
	sort.SliceStable(sorted, func(i, j int) bool {
		fi, fj := sorted[i].FirstSlot(), sorted[j].FirstSlot()
		if fi < 0 {
			return false
		}
		if fj < 0 {
			return true
		}
		return fi < fj
	})
	if count > len(sorted) {
		count = len(sorted)
	}
	return sorted[:count]
}

// planSlotMigrations lists, per (source, destination) pair, the slots that sit
// outside the target range of their owner.
func planSlotMigrations(owners, targets []*garnetv1alpha1.GarnetNode, ranges []slots.Range) []*slotMigration {
	targetRange := make(map[string]slots.Range, len(targets))
	for i, t := range targets {
		targetRange[t.PodUID] = ranges[i]
	}

	byPair := map[[2]string]*slotMigration{}
	var plan []*slotMigration
	for _, owner := range owners {
		own, isTarget := targetRange[owner.PodUID]
		for _, slot := range owner.GetSlots() {
			if isTarget && own.Contains(slot) {
				continue
			}
			to := targets[targetIndex(slot, ranges)]
			key := [2]string{owner.PodUID, to.PodUID}
			m, ok := byPair[key]
			if !ok {
				m = &slotMigration{from: owner, to: to, slots: map[int]struct{}{}}
				byPair[key] = m
				plan = append(plan, m)
			}
			m.slots[slot] = struct{}{}
		}
	}
	return plan
}

func targetIndex(slot int, ranges []slots.Range) int {
	return sort.Search(len(ranges), func(i int) bool { return ranges[i].Max >= slot })
}

// uncoveredSlots returns the slots no tracked node owns, ascending.
func uncoveredSlots(state *garnetv1alpha1.ClusterState) []int {
	owned := make([]bool, n.TotalSlots)
	for _, node := range state.SlotOwners() {
		for _, slot := range node.GetSlots() {
			if slot >= 0 && slot < n.TotalSlots {
				owned[slot] = true
			}
		}
	}
	var missing []int
	for slot, ok := range owned {
		if !ok {
			missing = append(missing, slot)
		}
	}
	return missing
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
