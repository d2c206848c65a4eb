package garnet

import (
	"context"

	"golang.org/x/sync/errgroup"
	corev1 "k8s.io/api/core/v1"

	garnetv1alpha1 "github.com/garnet-k8s/garnet-operator/api/v1alpha1"
	garnetclient "github.com/garnet-k8s/garnet-operator/internal/garnet-client"
	n "github.com/garnet-k8s/garnet-operator/internal/naming"
)

func (p *reconcilePass) servicesAndInventory(ctx context.Context) (stageOutcome, error) {
	var pods []corev1.Pod
	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return p.r.reconcileServices(egCtx, p.cluster, p.logger)
	})
	eg.Go(func() (err error) {
		pods, err = p.r.listClusterPods(egCtx, p.cluster)
		return err
	})
	if err := eg.Wait(); err != nil {
		return proceed, err
	}

	p.setPods(pods)
	p.pruneMissingNodes(ctx)
	p.registerUntrackedPods()
	p.refreshNodes()
	return proceed, p.save(ctx)
}

func (p *reconcilePass) setPods(pods []corev1.Pod) {
	p.pods = make(map[string]*corev1.Pod, len(pods))
	for i := range pods {
		p.pods[string(pods[i].UID)] = &pods[i]
	}
}

// pruneMissingNodes drops tracked nodes whose pod is gone.
func (p *reconcilePass) pruneMissingNodes(ctx context.Context) {
	state := p.state()
	for uid, node := range state.Nodes {
		if _, ok := p.pods[uid]; ok {
			continue
		}
		p.logger.Info("Pod of tracked node is gone, dropping node", "pod", node.PodName, "role", node.Role)
		if node.Role == garnetv1alpha1.RolePrimary {
			p.adoptOrphanedReplicas(ctx, node)
		}
		if node.Role == garnetv1alpha1.RoleReplica {
			if primary, ok := state.NodeByID(node.PrimaryID); ok {
				state.RemoveReplica(primary.PodUID)
			}
		}
		p.r.clientRegistry.Delete(node.PodName, node.Namespace)
		state.RemoveNode(uid)
	}
}

// adoptOrphanedReplicas re-homes the replicas of a vanished primary. A replica
// that has already been failed over to a slot owning primary is tracked as
// one, every other replica goes back to the unassigned pool.
func (p *reconcilePass) adoptOrphanedReplicas(ctx context.Context, primary *garnetv1alpha1.GarnetNode) {
	state := p.state()
	for _, replica := range state.ReplicasOf(primary.ID) {
		self, err := p.liveSelf(ctx, replica)
		if err == nil && self.IsPrimary() && len(self.Slots) > 0 {
			p.logger.Info("Replica took over its vanished primary", "pod", replica.PodName)
			replica.Role = garnetv1alpha1.RolePrimary
			replica.PrimaryID = ""
			replica.Slots = self.Slots
			state.ReplicaCountByPrimary[replica.PodUID] = 0
			continue
		}
		replica.Role = garnetv1alpha1.RoleNone
		replica.PrimaryID = ""
	}
}

func (p *reconcilePass) registerUntrackedPods() {
	state := p.state()
	for uid, pod := range p.pods {
		if _, ok := state.Nodes[uid]; ok {
			continue
		}
		p.logger.Info("Tracking new pod", "pod", pod.Name)
		state.Nodes[uid] = &garnetv1alpha1.GarnetNode{
			Role:      garnetv1alpha1.RoleNone,
			PodUID:    uid,
			PodName:   pod.Name,
			Namespace: pod.Namespace,
			Port:      n.DefaultGarnetPort,
		}
	}
}

// refreshNodes copies the placement and addresses of the pods onto their nodes.
func (p *reconcilePass) refreshNodes() {
	for uid, node := range p.state().Nodes {
		pod, ok := p.pods[uid]
		if !ok {
			continue
		}
		node.PodName = pod.Name
		node.Namespace = pod.Namespace
		node.NodeHostName = pod.Spec.NodeName
		node.PodIP = pod.Status.PodIP
		node.Address = p.cluster.PodAddress(pod.Status.PodIP)
		if node.Port == 0 {
			node.Port = n.DefaultGarnetPort
		}
	}
}

func (p *reconcilePass) liveSelf(ctx context.Context, node *garnetv1alpha1.GarnetNode) (garnetclient.ClusterNode, error) {
	c, err := p.clientFor(ctx, node)
	if err != nil {
		return garnetclient.ClusterNode{}, err
	}
	return garnetclient.Self(ctx, c)
}
