package main

import (
	"flag"
	"os"

	"github.com/garnet-k8s/garnet-operator/controllers/garnet"
	"github.com/garnet-k8s/garnet-operator/internal/config"
	garnetclient "github.com/garnet-k8s/garnet-operator/internal/garnet-client"
	"github.com/garnet-k8s/garnet-operator/internal/util"

	// Import all Kubernetes client auth plugins (e.g. Azure, GCP, OIDC, etc.)
	// to ensure that exec-entrypoint and run can make use of them.
	_ "k8s.io/client-go/plugin/pkg/client/auth"

	"k8s.io/apimachinery/pkg/runtime"
	utilruntime "k8s.io/apimachinery/pkg/util/runtime"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/healthz"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"

	garnetv1alpha1 "github.com/garnet-k8s/garnet-operator/api/v1alpha1"
	//+kubebuilder:scaffold:imports
)

var (
	scheme   = runtime.NewScheme()
	setupLog = ctrl.Log.WithName("setup")
)

func init() {
	utilruntime.Must(clientgoscheme.AddToScheme(scheme))

	utilruntime.Must(garnetv1alpha1.AddToScheme(scheme))
	//+kubebuilder:scaffold:scheme
}

func main() {
	var metricsAddr string
	var enableLeaderElection bool
	var probeAddr string
	var configPath string
	var maxConcurrentReconciles int
	flag.StringVar(&metricsAddr, "metrics-bind-address", ":8080", "The address the metric endpoint binds to.")
	flag.StringVar(&probeAddr, "health-probe-bind-address", ":8081", "The address the probe endpoint binds to.")
	flag.BoolVar(&enableLeaderElection, "leader-elect", false,
		"Enable leader election for controller manager. "+
			"Enabling this will ensure there is only one active controller manager.")
	flag.StringVar(&configPath, "config", "", "Path to the operator configuration file. Defaults are used when empty.")
	flag.IntVar(&maxConcurrentReconciles, "max-concurrent-reconciles", 0,
		"Number of GarnetClusters reconciled in parallel. Overrides the configuration file when set.")
	opts := zap.Options{
		Development: util.IsDeveloperModeEnabled(),
	}
	opts.BindFlags(flag.CommandLine)
	flag.Parse()

	ctrl.SetLogger(zap.New(zap.UseFlagOptions(&opts)))

	operatorConfig, err := config.Load(configPath)
	if err != nil {
		setupLog.Error(err, "unable to load operator configuration", "path", configPath)
		os.Exit(1)
	}
	if maxConcurrentReconciles > 0 {
		operatorConfig.MaxConcurrentReconciles = maxConcurrentReconciles
	}

	namespace := util.WatchNamespace()
	if namespace == "" {
		setupLog.Info("Watching all namespaces")
	} else {
		setupLog.Info("Watching namespace: " + namespace)
	}

	mgr, err := ctrl.NewManager(ctrl.GetConfigOrDie(), ctrl.Options{
		Scheme:                 scheme,
		MetricsBindAddress:     metricsAddr,
		Port:                   9443,
		HealthProbeBindAddress: probeAddr,
		LeaderElection:         enableLeaderElection,
		LeaderElectionID:       "5c1e7a2b.garnet.k8soperator.io",
		Namespace:              namespace,
	})
	if err != nil {
		setupLog.Error(err, "unable to start manager")
		os.Exit(1)
	}

	registry := garnetclient.NewNodeClientRegistry(func(addr string) garnetclient.Client {
		return garnetclient.NewClient(addr, operatorConfig.CommandTimeout)
	})

	reconciler := garnet.NewGarnetClusterReconciler(
		mgr.GetClient(),
		ctrl.Log.WithName("controllers").WithName("GarnetCluster"),
		mgr.GetScheme(),
		registry,
		operatorConfig,
	)
	if err = reconciler.SetupWithManager(mgr); err != nil {
		setupLog.Error(err, "unable to create controller", "controller", "GarnetCluster")
		os.Exit(1)
	}
	if err = mgr.Add(reconciler.NewResync(namespace)); err != nil {
		setupLog.Error(err, "unable to set up periodic resync")
		os.Exit(1)
	}

	//+kubebuilder:scaffold:builder

	if err := mgr.AddHealthzCheck("healthz", healthz.Ping); err != nil {
		setupLog.Error(err, "unable to set up health check")
		os.Exit(1)
	}
	if err := mgr.AddReadyzCheck("readyz", healthz.Ping); err != nil {
		setupLog.Error(err, "unable to set up ready check")
		os.Exit(1)
	}

	setupLog.Info("starting manager", "version", util.GetOperatorVersion())
	if err := mgr.Start(ctrl.SetupSignalHandler()); err != nil {
		setupLog.Error(err, "problem running manager")
		os.Exit(1)
	}
}
