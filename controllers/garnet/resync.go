package garnet

import (
	"context"

	"github.com/go-logr/logr"
	"github.com/robfig/cron/v3"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/event"

	garnetv1alpha1 "github.com/garnet-k8s/garnet-operator/api/v1alpha1"
)

// Resync enqueues every GarnetCluster on a schedule, so that changes only the
// Garnet nodes see, such as failovers, are reconciled without a watch event.
type Resync struct {
	client    client.Client
	log       logr.Logger
	schedule  string
	namespace string
	trigger   chan<- event.GenericEvent
}

func (r *GarnetClusterReconciler) NewResync(namespace string) *Resync {
	return &Resync{
		client:    r.Client,
		log:       r.Log.WithName("resync"),
		schedule:  r.config.ResyncSchedule,
		namespace: namespace,
		trigger:   r.triggerReconcileChan,
	}
}

// Start implements manager.Runnable.
func (s *Resync) Start(ctx context.Context) error {
	if s.schedule == "" {
		<-ctx.Done()
		return nil
	}
	c := cron.New()
	if _, err := c.AddFunc(s.schedule, func() { s.enqueueAll(ctx) }); err != nil {
		return err
	}
	c.Start()
	s.log.Info("Started periodic resync", "schedule", s.schedule)
	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}

func (s *Resync) enqueueAll(ctx context.Context) {
	list := &garnetv1alpha1.GarnetClusterList{}
	if err := s.client.List(ctx, list, client.InNamespace(s.namespace)); err != nil {
		s.log.Error(err, "Failed to list GarnetClusters for resync")
		return
	}
	for i := range list.Items {
		select {
		case s.trigger <- event.GenericEvent{Object: &list.Items[i]}:
		case <-ctx.Done():
			return
		}
	}
}
