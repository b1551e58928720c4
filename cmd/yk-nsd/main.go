package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/runtime"
	utilruntime "k8s.io/apimachinery/pkg/util/runtime"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/healthz"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"
	"sigs.k8s.io/controller-runtime/pkg/manager"
	metricsserver "sigs.k8s.io/controller-runtime/pkg/metrics/server"
	gatewayv1 "sigs.k8s.io/gateway-api/apis/v1"

	"github.com/yuriy-kovalchuk/yk-nsd/internal/ca"
	_ "github.com/yuriy-kovalchuk/yk-nsd/internal/ca/signers"
	"github.com/yuriy-kovalchuk/yk-nsd/internal/config"
	"github.com/yuriy-kovalchuk/yk-nsd/internal/controller"
	"github.com/yuriy-kovalchuk/yk-nsd/internal/dnsserver"
	"github.com/yuriy-kovalchuk/yk-nsd/internal/metrics"
	"github.com/yuriy-kovalchuk/yk-nsd/internal/reconciler"
	"github.com/yuriy-kovalchuk/yk-nsd/internal/store"
)

var (
	scheme  = runtime.NewScheme()
	Version = "dev"
)

func init() {
	utilruntime.Must(clientgoscheme.AddToScheme(scheme))
	utilruntime.Must(gatewayv1.Install(scheme))
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// engine is the part of reconciler.Engine the process wires up generically.
type engine interface {
	manager.Runnable
	HasSynced() bool
}

func run(args []string) error {
	cfg, err := config.Load(args)
	if err != nil {
		return err
	}

	ctrl.SetLogger(zap.New(zap.UseDevMode(cfg.Debug)))
	log := ctrl.Log.WithName("setup")
	log.Info("starting yk-nsd", "version", Version, "domains", cfg.Domains, "signer", cfg.Signer)

	ctx := ctrl.SetupSignalHandler()

	signer, err := ca.NewSigner(cfg.Signer, ctrl.Log.WithName("signer-"+cfg.Signer), cfg.SignerSettings)
	if err != nil {
		return fmt.Errorf("unable to create signer: %w", err)
	}
	authority, err := ca.New(ctx, ca.Options{
		DataDir:       cfg.DataDir,
		SubjectPrefix: cfg.DistinguishedNamePrefix,
		CommonName:    cfg.CACommonName,
		Domains:       cfg.Domains,
		Freshness:     cfg.Timing.CertFreshness,
		LeafValidity:  cfg.Timing.LeafValidity,
		RootValidity:  cfg.Timing.RootValidity,
		Signer:        signer,
		Log:           ctrl.Log.WithName("ca"),
	})
	if err != nil {
		return fmt.Errorf("unable to initialise certificate authority: %w", err)
	}
	log.Info("certificate authority ready", "root", authority.RootCertificatePath())

	st := store.New(ctrl.Log.WithName("store"))
	if _, err := metrics.RegisterStoreSize(st.Names); err != nil {
		return fmt.Errorf("unable to register store metrics: %w", err)
	}

	listen := make([]string, len(cfg.DNSListen))
	for i, l := range cfg.DNSListen {
		listen[i] = l.HostPort()
	}
	dnsServer := dnsserver.New(st, dnsserver.Options{
		Listen:     listen,
		Domains:    cfg.Domains,
		TTL:        cfg.TTL,
		TCPTimeout: cfg.Timing.TCPTimeout,
		Log:        ctrl.Log.WithName("dns"),
	})
	// Bind before talking to the cluster so a port conflict fails fast.
	if err := dnsServer.Listen(); err != nil {
		return err
	}

	mgr, err := ctrl.NewManager(ctrl.GetConfigOrDie(), ctrl.Options{
		Scheme:                 scheme,
		Metrics:                metricsserver.Options{BindAddress: cfg.MetricsAddr},
		HealthProbeBindAddress: cfg.ProbeAddr,
	})
	if err != nil {
		return fmt.Errorf("unable to create manager: %w", err)
	}

	// The engines keep their own list/watch sessions against the API server
	// instead of going through the manager's informer cache.
	c, err := client.NewWithWatch(mgr.GetConfig(), client.Options{Scheme: scheme})
	if err != nil {
		return fmt.Errorf("unable to create watch client: %w", err)
	}

	pusher := &controller.SecretPusher{
		Client: c,
		CA:     authority,
		Log:    ctrl.Log.WithName("secrets"),
	}

	services := controller.NewServiceReconciler(st, pusher, ctrl.Log.WithName("services"))
	services.RotationInterval = cfg.Timing.RotationInterval

	engines := []engine{
		&reconciler.Engine[*corev1.Service]{
			Name: "services",
			Source: &reconciler.KubeSource[*corev1.Service]{
				Client:  c,
				NewList: func() client.ObjectList { return &corev1.ServiceList{} },
			},
			Handler: services,
			Log:     ctrl.Log.WithName("services"),
			Backoff: cfg.Timing.ResyncBackoff,
		},
		&reconciler.Engine[*corev1.ConfigMap]{
			Name: "configmaps",
			Source: &reconciler.KubeSource[*corev1.ConfigMap]{
				Client:   c,
				NewList:  func() client.ObjectList { return &corev1.ConfigMapList{} },
				Selector: controller.ConfigMapSelector(),
			},
			Handler: &controller.ConfigMapReconciler{
				Store:      st,
				Privileged: cfg.Privileged,
				Log:        ctrl.Log.WithName("configmaps"),
			},
			Log:     ctrl.Log.WithName("configmaps"),
			Backoff: cfg.Timing.ResyncBackoff,
		},
		&reconciler.Engine[*corev1.Secret]{
			Name: "secrets",
			Source: &reconciler.KubeSource[*corev1.Secret]{
				Client:  c,
				NewList: func() client.ObjectList { return &corev1.SecretList{} },
			},
			Handler: &controller.SecretReconciler{
				Pusher: pusher,
				Log:    ctrl.Log.WithName("secrets"),
			},
			Log:          ctrl.Log.WithName("secrets"),
			Backoff:      cfg.Timing.ResyncBackoff,
			SessionLimit: cfg.Timing.SecretWatchLimit,
		},
	}

	if cfg.GatewayAPI {
		gateways := controller.NewGatewayReconciler(st, pusher, ctrl.Log.WithName("gateways"))
		gateways.RotationInterval = cfg.Timing.RotationInterval
		engines = append(engines, &reconciler.Engine[*gatewayv1.Gateway]{
			Name: "gateways",
			Source: &reconciler.KubeSource[*gatewayv1.Gateway]{
				Client:  c,
				NewList: func() client.ObjectList { return &gatewayv1.GatewayList{} },
			},
			Handler: gateways,
			Log:     ctrl.Log.WithName("gateways"),
			Backoff: cfg.Timing.ResyncBackoff,
		})
	}

	if err := mgr.AddHealthzCheck("healthz", healthz.Ping); err != nil {
		return fmt.Errorf("unable to set up health check: %w", err)
	}
	if err := mgr.AddReadyzCheck("readyz", synced(engines)); err != nil {
		return fmt.Errorf("unable to set up ready check: %w", err)
	}

	if err := mgr.Add(dnsServer); err != nil {
		return fmt.Errorf("unable to add DNS server: %w", err)
	}
	for _, e := range engines {
		if err := mgr.Add(e); err != nil {
			return fmt.Errorf("unable to add engine: %w", err)
		}
	}

	log.Info("starting manager")
	if err := mgr.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("manager exited with error: %w", err)
	}

	return nil
}

// synced reports ready once every engine has completed its first listing.
func synced(engines []engine) healthz.Checker {
	return func(_ *http.Request) error {
		for _, e := range engines {
			if !e.HasSynced() {
				return errors.New("initial listing not complete")
			}
		}
		return nil
	}
}
