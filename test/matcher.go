package test

import (
	"fmt"

	"github.com/onsi/gomega/format"
	"github.com/onsi/gomega/types"

	garnetv1alpha1 "github.com/garnet-k8s/garnet-operator/api/v1alpha1"
)

func EqualSpecs(expected *GarnetSpecValues) types.GomegaMatcher {
	return &GarnetSpecEqual{
		Expected: expected,
	}
}

type GarnetSpecEqual struct {
	Expected *GarnetSpecValues
}

func (matcher GarnetSpecEqual) Match(actual interface{}) (success bool, err error) {
	spec, ok := actual.(*garnetv1alpha1.GarnetClusterSpec)
	if !ok {
		return false, fmt.Errorf("type of %v should be &garnetv1alpha1.GarnetClusterSpec", actual)
	}
	if spec.NumberOfPrimaries != matcher.Expected.NumberOfPrimaries {
		return false, fmt.Errorf(
			"expected NumberOfPrimaries is %d but actual is %d", matcher.Expected.NumberOfPrimaries, spec.NumberOfPrimaries)
	}
	if spec.ReplicationFactor == nil || *spec.ReplicationFactor != matcher.Expected.ReplicationFactor {
		return false, fmt.Errorf(
			"expected ReplicationFactor is %d but actual is %v", matcher.Expected.ReplicationFactor, spec.ReplicationFactor)
	}
	if spec.Image.Repository != matcher.Expected.Repository {
		return false, fmt.Errorf(
			"expected Repository is %s but actual is %s", matcher.Expected.Repository, spec.Image.Repository)
	}
	if spec.Image.Tag != matcher.Expected.Tag {
		return false, fmt.Errorf(
			"expected Tag is %s but actual is %s", matcher.Expected.Tag, spec.Image.Tag)
	}
	if spec.Image.PullPolicy != matcher.Expected.PullPolicy {
		return false, fmt.Errorf(
			"expected PullPolicy is %s but actual is %s", matcher.Expected.PullPolicy, spec.Image.PullPolicy)
	}
	return true, nil
}

func (matcher GarnetSpecEqual) FailureMessage(actual interface{}) (message string) {
	return format.Message(actual, "to equal", matcher.Expected)
}

func (matcher GarnetSpecEqual) NegatedFailureMessage(actual interface{}) (message string) {
	return format.Message(actual, "not to equal", matcher.Expected)
}
