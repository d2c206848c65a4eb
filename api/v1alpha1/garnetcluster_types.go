package v1alpha1

import (
	"fmt"
	"strings"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// Phase represents the current state of the cluster
// +kubebuilder:validation:Enum=Running;Failed;Pending
type Phase string

const (
	// Running phase is the state when the cluster has converged to the requested topology
	Running Phase = "Running"
	// Failed phase is the state of error during reconciliation
	Failed Phase = "Failed"
	// Pending phase is the state of waiting for pods or for the topology to converge
	Pending Phase = "Pending"
)

// NodeRole is the role a Garnet node plays in the cluster topology.
// +kubebuilder:validation:Enum=None;Primary;Replica;Leaving;Promoting;Demoting
type NodeRole string

const (
	// RoleNone is a node that has a pod but no assignment yet.
	RoleNone NodeRole = "None"
	// RolePrimary owns slot ranges.
	RolePrimary NodeRole = "Primary"
	// RoleReplica mirrors one primary.
	RoleReplica NodeRole = "Replica"
	// RoleLeaving is selected for removal.
	RoleLeaving NodeRole = "Leaving"
	// RolePromoting is a former replica waiting to become a primary.
	RolePromoting NodeRole = "Promoting"
	// RoleDemoting is a former primary whose slots are being drained before it becomes a replica.
	RoleDemoting NodeRole = "Demoting"
)

// Condition types reported in GarnetClusterStatus.Conditions.
const (
	ConditionInitialized = "Initialized"
	ConditionScaling     = "Scaling"
	ConditionRebalancing = "Rebalancing"
	ConditionClusterOk   = "ClusterOk"
)

// ImageSpec is the container image of the Garnet server.
type ImageSpec struct {
	// +kubebuilder:default:="ghcr.io/marcusbooyah/garnet-server"
	// +optional
	Repository string `json:"repository,omitempty"`

	// +kubebuilder:default:="latest"
	// +optional
	Tag string `json:"tag,omitempty"`

	// +kubebuilder:default:="IfNotPresent"
	// +optional
	PullPolicy corev1.PullPolicy `json:"pullPolicy,omitempty"`
}

func (i ImageSpec) String() string {
	return fmt.Sprintf("%s:%s", i.Repository, i.Tag)
}

// GarnetClusterSpec defines the desired state of GarnetCluster
type GarnetClusterSpec struct {
	// Number of primaries the slot space is split between.
	// +kubebuilder:validation:Minimum=1
	// +kubebuilder:validation:Maximum=16384
	// +kubebuilder:default:=1
	// +optional
	NumberOfPrimaries int32 `json:"numberOfPrimaries,omitempty"`

	// Number of replicas per primary.
	// +kubebuilder:validation:Minimum=0
	// +kubebuilder:default:=1
	// +optional
	ReplicationFactor *int32 `json:"replicationFactor,omitempty"`

	// Base name of the client and headless services. Defaults to the resource name.
	// +optional
	ServiceName string `json:"serviceName,omitempty"`

	// +optional
	AdditionalLabels map[string]string `json:"additionalLabels,omitempty"`

	// Extra arguments appended to the server command line.
	// +optional
	AdditionalArgs []string `json:"additionalArgs,omitempty"`

	// +optional
	Image ImageSpec `json:"image,omitempty"`

	// +optional
	Resources corev1.ResourceRequirements `json:"resources,omitempty"`

	// +optional
	SecurityContext *corev1.SecurityContext `json:"securityContext,omitempty"`

	// +optional
	NodeSelector map[string]string `json:"nodeSelector,omitempty"`

	// +optional
	Affinity *corev1.Affinity `json:"affinity,omitempty"`

	// +optional
	Tolerations []corev1.Toleration `json:"tolerations,omitempty"`

	// +optional
	TopologySpreadConstraints []corev1.TopologySpreadConstraint `json:"topologySpreadConstraints,omitempty"`
}

// Replicas returns the replication factor, zero when unset.
func (s *GarnetClusterSpec) Replicas() int {
	if s.ReplicationFactor == nil {
		return 0
	}
	return int(*s.ReplicationFactor)
}

// RequiredPodCount is the number of backing pods for the requested topology.
func (s *GarnetClusterSpec) RequiredPodCount() int {
	return int(s.NumberOfPrimaries) * (1 + s.Replicas())
}

// RequiredReplicaCount is the total number of replicas across all primaries.
func (s *GarnetClusterSpec) RequiredReplicaCount() int {
	return int(s.NumberOfPrimaries) * s.Replicas()
}

// GarnetNode is the tracked state of one backing pod.
type GarnetNode struct {
	// Cluster protocol id, empty until the node has been contacted.
	// +optional
	ID string `json:"id,omitempty"`

	Role NodeRole `json:"role"`

	PodUID    string `json:"podUid"`
	PodName   string `json:"podName"`
	Namespace string `json:"namespace"`

	// Kubernetes node the pod is scheduled on.
	// +optional
	NodeHostName string `json:"nodeHostName,omitempty"`

	// +optional
	Address string `json:"address,omitempty"`
	// +optional
	PodIP string `json:"podIp,omitempty"`
	Port  int32  `json:"port"`

	// Owned slot ranges as consecutive [min,max] pairs.
	// +optional
	Slots []int `json:"slots,omitempty"`

	// +optional
	PrimaryID string `json:"primaryId,omitempty"`

	// +optional
	ConfigEpoch int64 `json:"configEpoch,omitempty"`
}

// ClusterState is the operator-tracked topology.
type ClusterState struct {
	// Nodes keyed by pod UID.
	// +optional
	Nodes map[string]*GarnetNode `json:"nodes,omitempty"`

	// Replica count keyed by the pod UID of the primary.
	// +optional
	ReplicaCountByPrimary map[string]int `json:"replicaCountByPrimary,omitempty"`

	// +optional
	LastEpoch int64 `json:"lastEpoch,omitempty"`
}

// GarnetClusterStatus defines the observed state of GarnetCluster
type GarnetClusterStatus struct {
	// +optional
	Phase Phase `json:"phase,omitempty"`

	// +optional
	Message string `json:"message,omitempty"`

	// +optional
	ObservedGeneration int64 `json:"observedGeneration,omitempty"`

	// +optional
	Cluster ClusterState `json:"cluster,omitempty"`

	// +optional
	// +listType=map
	// +listMapKey=type
	Conditions []metav1.Condition `json:"conditions,omitempty"`
}

//+kubebuilder:object:root=true

// GarnetCluster is the Schema for the garnetclusters API
// +kubebuilder:subresource:status
// +kubebuilder:printcolumn:name="Primaries",type="integer",JSONPath=".spec.numberOfPrimaries",description="Requested number of primaries"
// +kubebuilder:printcolumn:name="Replication",type="integer",JSONPath=".spec.replicationFactor",description="Requested replicas per primary"
// +kubebuilder:printcolumn:name="Status",type="string",JSONPath=".status.phase",description="Current state of the Garnet cluster"
// +kubebuilder:printcolumn:name="Message",type="string",priority=1,JSONPath=".status.message",description="Message for the current state"
// +kubebuilder:resource:shortName=gc
type GarnetCluster struct {
	metav1.TypeMeta `json:",inline"`
	// +optional
	metav1.ObjectMeta `json:"metadata,omitempty"`

	// +optional
	Spec GarnetClusterSpec `json:"spec,omitempty"`

	// +optional
	Status GarnetClusterStatus `json:"status,omitempty"`
}

// ServiceBaseName is the client service name and the prefix of every pod name.
func (g *GarnetCluster) ServiceBaseName() string {
	if g.Spec.ServiceName != "" {
		return g.Spec.ServiceName
	}
	return g.Name
}

func (g *GarnetCluster) HeadlessServiceName() string {
	return g.ServiceBaseName() + "-headless"
}

// PodAddress is the DNS name the pod is reachable at through the headless service.
func (g *GarnetCluster) PodAddress(podIP string) string {
	if podIP == "" {
		return ""
	}
	return fmt.Sprintf("%s.%s.%s", strings.ReplaceAll(podIP, ".", "-"), g.HeadlessServiceName(), g.Namespace)
}

//+kubebuilder:object:root=true

// GarnetClusterList contains a list of GarnetCluster
type GarnetClusterList struct {
	metav1.TypeMeta `json:",inline"`
	metav1.ListMeta `json:"metadata,omitempty"`
	Items           []GarnetCluster `json:"items"`
}

func init() {
	SchemeBuilder.Register(&GarnetCluster{}, &GarnetClusterList{})
}
