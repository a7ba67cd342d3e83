// Package main is the fleetd control plane: warm pool manager, lifecycle
// tracker, cleanup worker and the request gateway, in one process.
package main

import (
	"context"
	"flag"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	zapRaw "go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"k8s.io/klog/v2"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"

	"github.com/sandbox-fleet/fleetd/pkg/broker"
	"github.com/sandbox-fleet/fleetd/pkg/executor"
	"github.com/sandbox-fleet/fleetd/pkg/gateway"
	"github.com/sandbox-fleet/fleetd/pkg/manager"
	"github.com/sandbox-fleet/fleetd/pkg/manager/clients"
	"github.com/sandbox-fleet/fleetd/pkg/manager/config"
	"github.com/sandbox-fleet/fleetd/pkg/proxy"
)

func main() {
	var (
		opts config.Options

		enablePprof bool
		pprofAddr   string

		kubeClientQPS   float64
		kubeClientBurst int

		idleTimeoutMin int
		maxLifetimeMin int
		maxWarmAgeMin  int
	)

	pflag.StringVar(&opts.Namespace, "namespace", "", "The namespace sandboxes are created in (required)")
	pflag.StringVar(&opts.NamePrefix, "name-prefix", "", "Prefix of generated sandbox names")
	pflag.IntVar(&opts.Port, "port", 8080, "The port the gateway listens on")
	pflag.StringVar(&opts.AdminKey, "admin-key", "", "Shared secret for the X-Admin-Key header (empty disables the check)")
	pflag.StringVar(&opts.BrokerURL, "broker-url", "", "Base URL of the credential broker (empty disables binding registration)")
	pflag.StringVar(&opts.TemplateDir, "template-dir", "", "Directory holding PoolTemplate YAMLs")
	pflag.StringVar(&opts.ExecutorImage, "executor-image", "", "Executor sandbox image for the built-in template")
	pflag.StringVar(&opts.MCPImage, "mcp-image", "", "MCP sandbox image for the built-in template")
	pflag.StringVar(&opts.PolicyFile, "policy-file", "", "Egress policy file; its mitm hosts become broker upstreams")
	pflag.BoolVar(&opts.LeaderElection, "leader-election", true, "Serialize backfill and cleanup behind a cluster lease")
	pflag.Int32Var(&opts.WarmPoolSize, "warm-pool-size", -1, "Default warm sandboxes per pool (-1 uses the built-in default)")
	pflag.Int32Var(&opts.MaxTotal, "max-total", 0, "Global cap across all sandboxes (0 uses the built-in default)")
	pflag.DurationVar(&opts.PodReadyTimeout, "pod-ready-timeout", 0, "How long a sandbox may take to become ready (30s-300s)")
	pflag.IntVar(&idleTimeoutMin, "idle-timeout-minutes", 0, "Idle minutes before an allocated sandbox is reclaimed (1-1440)")
	pflag.IntVar(&maxLifetimeMin, "max-lifetime-minutes", 0, "Maximum minutes an allocated sandbox may live (1-1440)")
	pflag.IntVar(&maxWarmAgeMin, "max-warm-age-minutes", 0, "Maximum minutes a warm sandbox may idle in the pool (0 disables)")
	pflag.DurationVar(&opts.BackfillInterval, "backfill-interval", 0, "Warm pool backfill interval (10s-300s)")
	pflag.DurationVar(&opts.CleanupInterval, "cleanup-interval", 0, "Cleanup sweep interval (1m-60m)")
	pflag.DurationVar(&opts.LeaseDuration, "lease-duration", 0, "Cluster lease TTL (5s-60s)")
	pflag.BoolVar(&enablePprof, "enable-pprof", false, "Enable pprof profiling")
	pflag.StringVar(&pprofAddr, "pprof-addr", ":6060", "The address the pprof debug server binds to")
	pflag.Float64Var(&kubeClientQPS, "kube-client-qps", 500, "QPS for the Kubernetes client")
	pflag.IntVar(&kubeClientBurst, "kube-client-burst", 1000, "Burst for the Kubernetes client")

	zapOpts := zap.Options{Development: false}
	zapOpts.BindFlags(flag.CommandLine)
	klog.InitFlags(nil)
	pflag.CommandLine.AddGoFlagSet(flag.CommandLine)
	pflag.Parse()

	klog.SetLogger(zap.New(
		zap.UseFlagOptions(&zapOpts),
		zap.RawZapOpts(zapRaw.AddCaller()),
		zap.StacktraceLevel(zapcore.DPanicLevel),
	))

	if idleTimeoutMin > 0 {
		opts.IdleTimeout = time.Duration(idleTimeoutMin) * time.Minute
	}
	if maxLifetimeMin > 0 {
		opts.MaxLifetime = time.Duration(maxLifetimeMin) * time.Minute
	}
	if maxWarmAgeMin > 0 {
		opts.MaxWarmAge = time.Duration(maxWarmAgeMin) * time.Minute
	}
	opts = config.InitOptions(opts)
	if err := opts.Validate(); err != nil {
		klog.Fatalf("Invalid configuration: %v", err)
	}
	klog.InfoS("fleetd starting", "options", opts.String())

	if enablePprof {
		go func() {
			klog.Infof("Starting pprof server on %s", pprofAddr)
			if err := http.ListenAndServe(pprofAddr, nil); err != nil {
				klog.Errorf("Unable to start pprof server: %v", err)
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	clientSet, err := clients.NewClientSetWithOptions(float32(kubeClientQPS), kubeClientBurst)
	if err != nil {
		klog.Fatalf("Failed to initialize Kubernetes client: %v", err)
	}

	templates, err := config.LoadTemplates(ctx, opts)
	if err != nil {
		klog.Fatalf("Failed to load pool templates: %v", err)
	}

	var brk broker.Broker
	var upstreams []broker.Upstream
	if opts.BrokerURL != "" {
		brk = broker.NewHTTPClient(opts.BrokerURL)
		if opts.PolicyFile != "" {
			policy, err := proxy.LoadPolicy(opts.PolicyFile)
			if err != nil {
				klog.Fatalf("Failed to load egress policy: %v", err)
			}
			upstreams = policy.MITMUpstreams()
		}
	}

	runtime := executor.NewClient()
	fleet, err := manager.New(clientSet, opts, templates, brk, runtime, upstreams)
	if err != nil {
		klog.Fatalf("Failed to build the fleet manager: %v", err)
	}
	if err := fleet.Run(ctx); err != nil {
		klog.Fatalf("Failed to start the fleet manager: %v", err)
	}

	server := gateway.NewServer(fleet, runtime, opts)
	go func() {
		if err := server.Run(); err != nil && err != http.ErrServerClosed {
			klog.Errorf("Gateway server failed: %v", err)
			stop()
		}
	}()
	klog.InfoS("gateway is serving", "port", opts.Port)

	<-ctx.Done()
	klog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		klog.Errorf("Gateway shutdown failed: %v", err)
	}
	fleet.Stop()
	klog.Info("fleetd stopped")
}
