package test

import (
	. "github.com/onsi/gomega"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/utils/pointer"

	garnetv1alpha1 "github.com/garnet-k8s/garnet-operator/api/v1alpha1"
)

type GarnetSpecValues struct {
	NumberOfPrimaries int32
	ReplicationFactor int32
	Repository        string
	Tag               string
	PullPolicy        corev1.PullPolicy
}

func GarnetSpec(values *GarnetSpecValues) garnetv1alpha1.GarnetClusterSpec {
	return garnetv1alpha1.GarnetClusterSpec{
		NumberOfPrimaries: values.NumberOfPrimaries,
		ReplicationFactor: pointer.Int32Ptr(values.ReplicationFactor),
		Image: garnetv1alpha1.ImageSpec{
			Repository: values.Repository,
			Tag:        values.Tag,
			PullPolicy: values.PullPolicy,
		},
	}
}

func CheckGarnetCR(g *garnetv1alpha1.GarnetCluster, expected *GarnetSpecValues) {
	Expect(g.Spec.NumberOfPrimaries).Should(Equal(expected.NumberOfPrimaries))
	Expect(g.Spec.ReplicationFactor).ShouldNot(BeNil())
	Expect(*g.Spec.ReplicationFactor).Should(Equal(expected.ReplicationFactor))
	Expect(g.Spec.Image.Repository).Should(Equal(expected.Repository))
	Expect(g.Spec.Image.Tag).Should(Equal(expected.Tag))
	Expect(g.Spec.Image.PullPolicy).Should(Equal(expected.PullPolicy))
}
