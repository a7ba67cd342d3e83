// Package main is the per-sandbox-pod egress sidecar: a CONNECT forward
// proxy on the pod loopback plus an admin surface for health and Git
// credentials.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
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
	"github.com/sandbox-fleet/fleetd/pkg/certs"
	"github.com/sandbox-fleet/fleetd/pkg/manager/consts"
	"github.com/sandbox-fleet/fleetd/pkg/proxy"
)

func main() {
	var (
		proxyPort  int
		adminPort  int
		policyFile string
		brokerURL  string
		sandboxID  string
		caCertFile string
		caKeyFile  string
	)

	pflag.IntVar(&proxyPort, "proxy-port", consts.ProxyPort, "The port the CONNECT proxy listens on")
	pflag.IntVar(&adminPort, "admin-port", consts.ProxyAdminPort, "The port the admin/health surface listens on")
	pflag.StringVar(&policyFile, "policy-file", "", "Egress policy file mapping host to mode and scopes (required)")
	pflag.StringVar(&brokerURL, "broker-url", "", "Base URL of the credential broker (required)")
	pflag.StringVar(&sandboxID, "sandbox-id", "", "Identity of the enclosing sandbox (defaults to $SANDBOX_ID, then the hostname)")
	pflag.StringVar(&caCertFile, "ca-cert-file", "", "PEM file with the deployment CA certificate")
	pflag.StringVar(&caKeyFile, "ca-key-file", "", "PEM file with the deployment CA key")

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

	if policyFile == "" {
		klog.Fatalf("--policy-file is required")
	}
	if brokerURL == "" {
		klog.Fatalf("--broker-url is required")
	}
	if sandboxID == "" {
		sandboxID = os.Getenv("SANDBOX_ID")
	}
	if sandboxID == "" {
		hostname, err := os.Hostname()
		if err != nil {
			klog.Fatalf("--sandbox-id is required when the hostname is unavailable: %v", err)
		}
		sandboxID = hostname
	}

	policy, err := proxy.LoadPolicy(policyFile)
	if err != nil {
		klog.Fatalf("Failed to load egress policy: %v", err)
	}

	var authority *certs.Authority
	if caCertFile != "" || caKeyFile != "" {
		if caCertFile == "" || caKeyFile == "" {
			klog.Fatalf("--ca-cert-file and --ca-key-file must be set together")
		}
		authority, err = certs.LoadFromFiles(caCertFile, caKeyFile)
		if err != nil {
			klog.Fatalf("Failed to load the CA pair: %v", err)
		}
	} else {
		authority, err = certs.NewEphemeral()
		if err != nil {
			klog.Fatalf("Failed to generate an ephemeral CA: %v", err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	brk := broker.NewHTTPClient(brokerURL)
	server := proxy.NewServer(sandboxID, policy, authority, brk)
	admin := proxy.NewAdminServer(sandboxID, policy, authority, brk, adminPort)

	go func() {
		if err := admin.Run(); err != nil && err != http.ErrServerClosed {
			klog.Errorf("Admin server failed: %v", err)
			stop()
		}
	}()

	klog.InfoS("egress proxy starting", "sandbox", sandboxID, "proxyPort", proxyPort, "adminPort", adminPort)
	if err := server.ListenAndServe(ctx, fmt.Sprintf("127.0.0.1:%d", proxyPort)); err != nil {
		klog.Fatalf("Proxy listener failed: %v", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := admin.Shutdown(shutdownCtx); err != nil {
		klog.Errorf("Admin shutdown failed: %v", err)
	}
	klog.Info("egress proxy stopped")
}
