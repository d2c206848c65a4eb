package naming

import (
	corev1 "k8s.io/api/core/v1"
)

// Labels and label values
const (
	// Finalizer name used by operator
	Finalizer = "garnet.k8soperator.io/finalizer"

	LastSuccessfulSpecAnnotation = "garnet.k8soperator.io/last-successful-spec"
	// PodSpecChecksumAnnotation crc32 of the pod spec a pod was created from
	PodSpecChecksumAnnotation = "garnet.k8soperator.io/pod-spec-checksum"

	// ClusterIDLabel UID of the owning GarnetCluster
	ClusterIDLabel = "garnet.k8soperator.io/cluster-id"
	// ClusterNameLabel name of the owning GarnetCluster
	ClusterNameLabel = "garnet.k8soperator.io/cluster-name"
	// PodNameLabel name of the pod itself
	PodNameLabel = "garnet.k8soperator.io/pod-name"
	// ApplicationNameLabel label for the name of the application
	ApplicationNameLabel = "app.kubernetes.io/name"
	// ApplicationInstanceNameLabel label for a unique name identifying the instance of an application
	ApplicationInstanceNameLabel = "app.kubernetes.io/instance"
	// ApplicationManagedByLabel label for the tool being used to manage the operation of an application
	ApplicationManagedByLabel = "app.kubernetes.io/managed-by"

	OperatorName    = "garnet-operator"
	Garnet          = "garnet"
	GarnetContainer = "garnet-node"
	GarnetCommand   = "/app/GarnetServer"
)

// Garnet default configurations
const (
	// DefaultGarnetPort port every node listens on
	DefaultGarnetPort = 6379
	// GarnetPortName name of the port in the pod and services
	GarnetPortName = "redis"
	// TotalSlots size of the hash slot space
	TotalSlots = 16384
	// DefaultNumberOfPrimaries default number of primaries
	DefaultNumberOfPrimaries = int32(1)
	// DefaultReplicationFactor default number of replicas per primary
	DefaultReplicationFactor = int32(1)
	// GarnetRepo image repository for Garnet
	GarnetRepo = "ghcr.io/marcusbooyah/garnet-server"
	// GarnetVersion tag of the Garnet image
	GarnetVersion = "latest"
	// GarnetImagePullPolicy pull policy for the Garnet image
	GarnetImagePullPolicy = corev1.PullIfNotPresent
)

// Operator Values
const (
	DeveloperModeEnabledEnv = "DEVELOPER_MODE_ENABLED"
	OperatorVersionEnv      = "OPERATOR_VERSION"
	WatchNamespaceEnv       = "WATCH_NAMESPACE"
	PodIPEnv                = "POD_IP"
)
