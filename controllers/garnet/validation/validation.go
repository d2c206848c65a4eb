package validation

import (
	"fmt"

	"github.com/hashicorp/go-version"
	"github.com/pkg/errors"

	garnetv1alpha1 "github.com/garnet-k8s/garnet-operator/api/v1alpha1"
	n "github.com/garnet-k8s/garnet-operator/internal/naming"
)

func ValidateSpec(g *garnetv1alpha1.GarnetCluster, minServerVersion string) error {
	err := validateTopology(g)
	if err != nil {
		return err
	}

	return validateImageVersion(g, minServerVersion)
}

func validateTopology(g *garnetv1alpha1.GarnetCluster) error {
	primaries := g.Spec.NumberOfPrimaries
	if primaries < 1 || primaries > n.TotalSlots {
		return fmt.Errorf("numberOfPrimaries must be between 1 and %d, got %d", n.TotalSlots, primaries)
	}
	if g.Spec.ReplicationFactor != nil && *g.Spec.ReplicationFactor < 0 {
		return fmt.Errorf("replicationFactor must not be negative, got %d", *g.Spec.ReplicationFactor)
	}
	return nil
}

// validateImageVersion rejects tags that parse as a version older than the
// minimum. Tags such as "latest" are accepted as is.
func validateImageVersion(g *garnetv1alpha1.GarnetCluster, minServerVersion string) error {
	if minServerVersion == "" {
		return nil
	}
	tag, err := version.NewVersion(g.Spec.Image.Tag)
	if err != nil {
		return nil
	}
	min, err := version.NewVersion(minServerVersion)
	if err != nil {
		return errors.Wrap(err, "invalid minimum server version")
	}
	if tag.LessThan(min) {
		return fmt.Errorf("image tag %s is older than the minimum supported version %s", g.Spec.Image.Tag, minServerVersion)
	}
	return nil
}
