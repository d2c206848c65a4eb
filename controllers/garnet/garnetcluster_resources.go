package garnet

import (
	"context"
	"fmt"
	"hash/crc32"
	"strconv"
	"strings"

	"github.com/go-logr/logr"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/controller/controllerutil"

	garnetv1alpha1 "github.com/garnet-k8s/garnet-operator/api/v1alpha1"
	n "github.com/garnet-k8s/garnet-operator/internal/naming"
	"github.com/garnet-k8s/garnet-operator/internal/util"
)

func (r *GarnetClusterReconciler) addFinalizer(ctx context.Context, g *garnetv1alpha1.GarnetCluster, logger logr.Logger) error {
	if !controllerutil.ContainsFinalizer(g, n.Finalizer) && g.GetDeletionTimestamp() == nil {
		controllerutil.AddFinalizer(g, n.Finalizer)
		err := r.Update(ctx, g)
		if err != nil {
			return err
		}
		logger.V(1).Info("Finalizer added into custom resource successfully")
	}
	return nil
}

// executeFinalizer drops the cached node clients of the cluster. Pods and
// services are garbage collected through their owner references.
func (r *GarnetClusterReconciler) executeFinalizer(ctx context.Context, g *garnetv1alpha1.GarnetCluster, logger logr.Logger) error {
	if !controllerutil.ContainsFinalizer(g, n.Finalizer) {
		return nil
	}
	for _, node := range g.Status.Cluster.Nodes {
		r.clientRegistry.Delete(node.PodName, node.Namespace)
	}
	forgetClusterMetrics(g)
	controllerutil.RemoveFinalizer(g, n.Finalizer)
	err := r.Update(ctx, g)
	if err != nil {
		logger.Error(err, "Failed to remove finalizer from custom resource")
		return err
	}
	return nil
}

func (r *GarnetClusterReconciler) applyDefaultGarnetSpecs(ctx context.Context, g *garnetv1alpha1.GarnetCluster) error {
	changed := false
	if g.Spec.NumberOfPrimaries == 0 {
		g.Spec.NumberOfPrimaries = n.DefaultNumberOfPrimaries
		changed = true
	}
	if g.Spec.ReplicationFactor == nil {
		rf := n.DefaultReplicationFactor
		g.Spec.ReplicationFactor = &rf
		changed = true
	}
	if g.Spec.Image.Repository == "" {
		g.Spec.Image.Repository = n.GarnetRepo
		changed = true
	}
	if g.Spec.Image.Tag == "" {
		g.Spec.Image.Tag = n.GarnetVersion
		changed = true
	}
	if g.Spec.Image.PullPolicy == "" {
		g.Spec.Image.PullPolicy = n.GarnetImagePullPolicy
		changed = true
	}
	if !changed {
		return nil
	}
	return r.Update(ctx, g)
}

func (r *GarnetClusterReconciler) updateLastSuccessfulSpec(ctx context.Context, g *garnetv1alpha1.GarnetCluster, logger logr.Logger) error {
	gs, err := json.Marshal(g.Spec)
	if err != nil {
		return err
	}

	opResult, err := util.CreateOrUpdate(ctx, r.Client, g, func() error {
		if g.ObjectMeta.Annotations == nil {
			g.ObjectMeta.Annotations = map[string]string{}
		}
		g.ObjectMeta.Annotations[n.LastSuccessfulSpecAnnotation] = string(gs)
		return nil
	})
	if opResult != controllerutil.OperationResultNone {
		logger.Info("Operation result", "GarnetCluster Annotation", g.Name, "result", opResult)
	}
	return err
}

func (r *GarnetClusterReconciler) reconcileServices(ctx context.Context, g *garnetv1alpha1.GarnetCluster, logger logr.Logger) error {
	if err := r.reconcileService(ctx, g, g.ServiceBaseName(), false, logger); err != nil {
		return err
	}
	return r.reconcileService(ctx, g, g.HeadlessServiceName(), true, logger)
}

func (r *GarnetClusterReconciler) reconcileService(ctx context.Context, g *garnetv1alpha1.GarnetCluster, name string, headless bool, logger logr.Logger) error {
	service := &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: g.Namespace,
			Labels:    labels(g),
		},
		Spec: corev1.ServiceSpec{
			Selector: selectorLabels(g),
			Ports:    ports(),
		},
	}
	if headless {
		service.Spec.ClusterIP = corev1.ClusterIPNone
	}

	err := controllerutil.SetControllerReference(g, service, r.Scheme)
	if err != nil {
		logger.Error(err, "Failed to set owner reference on Service")
		return err
	}

	opResult, err := util.CreateOrUpdate(ctx, r.Client, service, func() error {
		service.Spec.Selector = selectorLabels(g)
		service.Spec.Ports = ports()
		service.Spec.PublishNotReadyAddresses = headless
		return nil
	})
	if opResult != controllerutil.OperationResultNone {
		logger.Info("Operation result", "Service", name, "result", opResult)
	}
	return err
}

func ports() []corev1.ServicePort {
	return []corev1.ServicePort{
		{
			Name:       n.GarnetPortName,
			Protocol:   corev1.ProtocolTCP,
			Port:       n.DefaultGarnetPort,
			TargetPort: intstr.FromString(n.GarnetPortName),
		},
	}
}

// newPod builds a pod for a new node of the cluster. The pod name carries a
// random suffix, nodes are identified by the pod UID.
func (r *GarnetClusterReconciler) newPod(g *garnetv1alpha1.GarnetCluster) (*corev1.Pod, error) {
	spec := podSpec(g)
	checksum, err := podSpecChecksum(spec)
	if err != nil {
		return nil, err
	}
	name := fmt.Sprintf("%s-%s", g.ServiceBaseName(), strings.SplitN(uuid.New().String(), "-", 2)[0])
	podLabels := labels(g)
	podLabels[n.PodNameLabel] = name

	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:        name,
			Namespace:   g.Namespace,
			Labels:      podLabels,
			Annotations: map[string]string{n.PodSpecChecksumAnnotation: checksum},
		},
		Spec: spec,
	}
	if err := controllerutil.SetControllerReference(g, pod, r.Scheme); err != nil {
		return nil, err
	}
	return pod, nil
}

func podSpec(g *garnetv1alpha1.GarnetCluster) corev1.PodSpec {
	args := []string{"--cluster", "--aof", "--bind", fmt.Sprintf("$(%s)", n.PodIPEnv), "--port", strconv.Itoa(n.DefaultGarnetPort)}
	args = append(args, g.Spec.AdditionalArgs...)

	return corev1.PodSpec{
		Containers: []corev1.Container{
			{
				Name:            n.GarnetContainer,
				Image:           g.Spec.Image.String(),
				ImagePullPolicy: g.Spec.Image.PullPolicy,
				Command:         []string{n.GarnetCommand},
				Args:            args,
				Ports: []corev1.ContainerPort{
					{
						Name:          n.GarnetPortName,
						ContainerPort: n.DefaultGarnetPort,
						Protocol:      corev1.ProtocolTCP,
					},
				},
				Env: []corev1.EnvVar{
					{
						Name: n.PodIPEnv,
						ValueFrom: &corev1.EnvVarSource{
							FieldRef: &corev1.ObjectFieldSelector{FieldPath: "status.podIP"},
						},
					},
				},
				Resources:       g.Spec.Resources,
				SecurityContext: g.Spec.SecurityContext,
				StartupProbe:    pingProbe(),
				LivenessProbe:   pingProbe(),
				ReadinessProbe:  pingProbe(),
			},
		},
		NodeSelector:              g.Spec.NodeSelector,
		Affinity:                  g.Spec.Affinity,
		Tolerations:               g.Spec.Tolerations,
		TopologySpreadConstraints: g.Spec.TopologySpreadConstraints,
	}
}

func pingProbe() *corev1.Probe {
	return &corev1.Probe{
		Handler: corev1.Handler{
			Exec: &corev1.ExecAction{
				Command: []string{"bash", "-c", fmt.Sprintf("redis-cli -h $%s ping", n.PodIPEnv)},
			},
		},
		InitialDelaySeconds: 10,
		TimeoutSeconds:      5,
		PeriodSeconds:       5,
		SuccessThreshold:    1,
		FailureThreshold:    30,
	}
}

func podSpecChecksum(spec corev1.PodSpec) (string, error) {
	data, err := json.Marshal(spec)
	if err != nil {
		return "", err
	}
	return fmt.Sprint(crc32.ChecksumIEEE(data)), nil
}

// listClusterPods returns the pods of the cluster that are not being deleted.
// Pods are read from the API server, a lagging cache would hide pods created
// by the previous pass.
func (r *GarnetClusterReconciler) listClusterPods(ctx context.Context, g *garnetv1alpha1.GarnetCluster) ([]corev1.Pod, error) {
	var reader client.Reader = r.Client
	if r.apiReader != nil {
		reader = r.apiReader
	}
	podList := &corev1.PodList{}
	err := reader.List(ctx, podList,
		client.InNamespace(g.Namespace),
		client.MatchingLabels{
			n.ApplicationManagedByLabel: n.OperatorName,
			n.ClusterIDLabel:            string(g.UID),
		})
	if err != nil {
		return nil, err
	}
	pods := make([]corev1.Pod, 0, len(podList.Items))
	for _, p := range podList.Items {
		if p.DeletionTimestamp != nil {
			continue
		}
		pods = append(pods, p)
	}
	return pods, nil
}

func labels(g *garnetv1alpha1.GarnetCluster) map[string]string {
	l := map[string]string{}
	for k, v := range g.Spec.AdditionalLabels {
		l[k] = v
	}
	for k, v := range selectorLabels(g) {
		l[k] = v
	}
	l[n.ClusterIDLabel] = string(g.UID)
	return l
}

func selectorLabels(g *garnetv1alpha1.GarnetCluster) map[string]string {
	return map[string]string{
		n.ApplicationNameLabel:         n.Garnet,
		n.ApplicationInstanceNameLabel: g.Name,
		n.ApplicationManagedByLabel:    n.OperatorName,
		n.ClusterNameLabel:             g.Name,
	}
}
