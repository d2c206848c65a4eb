package garnet

import (
	"github.com/prometheus/client_golang/prometheus"
	"sigs.k8s.io/controller-runtime/pkg/metrics"

	garnetv1alpha1 "github.com/garnet-k8s/garnet-operator/api/v1alpha1"
)

var (
	clusterNodes = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "garnet",
		Name:      "cluster_nodes",
		Help:      "Tracked nodes of a GarnetCluster by role.",
	}, []string{"namespace", "name", "role"})

	clusterOk = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "garnet",
		Name:      "cluster_state_ok",
		Help:      "1 when a primary of the GarnetCluster reports cluster_state:ok.",
	}, []string{"namespace", "name"})

	migratedSlots = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "garnet",
		Name:      "migrated_slots_total",
		Help:      "Slots moved between primaries.",
	}, []string{"namespace", "name"})
)

var allRoles = []garnetv1alpha1.NodeRole{
	garnetv1alpha1.RoleNone,
	garnetv1alpha1.RolePrimary,
	garnetv1alpha1.RoleReplica,
	garnetv1alpha1.RoleLeaving,
	garnetv1alpha1.RolePromoting,
	garnetv1alpha1.RoleDemoting,
}

func init() {
	metrics.Registry.MustRegister(clusterNodes, clusterOk, migratedSlots)
}

func recordNodeRoles(g *garnetv1alpha1.GarnetCluster) {
	counts := map[garnetv1alpha1.NodeRole]int{}
	for _, node := range g.Status.Cluster.Nodes {
		counts[node.Role]++
	}
	for _, role := range allRoles {
		clusterNodes.WithLabelValues(g.Namespace, g.Name, string(role)).Set(float64(counts[role]))
	}
}

func recordClusterOk(g *garnetv1alpha1.GarnetCluster, ok bool) {
	v := 0.0
	if ok {
		v = 1
	}
	clusterOk.WithLabelValues(g.Namespace, g.Name).Set(v)
}

func forgetClusterMetrics(g *garnetv1alpha1.GarnetCluster) {
	for _, role := range allRoles {
		clusterNodes.DeleteLabelValues(g.Namespace, g.Name, string(role))
	}
	clusterOk.DeleteLabelValues(g.Namespace, g.Name)
	migratedSlots.DeleteLabelValues(g.Namespace, g.Name)
}
