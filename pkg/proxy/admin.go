package proxy

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sandbox-fleet/fleetd/pkg/broker"
	"github.com/sandbox-fleet/fleetd/pkg/certs"
	fleeterrors "github.com/sandbox-fleet/fleetd/pkg/manager/errors"
	"k8s.io/klog/v2"
)

// AdminServer is the sidecar's second port: health, the Git credential
// helper endpoint, and read-only introspection. It never leaves the pod's
// network namespace.
type AdminServer struct {
	engine    *gin.Engine
	server    *http.Server
	sandboxID string
	policy    *Policy
	authority *certs.Authority
	broker    broker.Broker
}

func NewAdminServer(sandboxID string, policy *Policy, authority *certs.Authority, brk broker.Broker, port int) *AdminServer {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &AdminServer{
		engine:    engine,
		sandboxID: sandboxID,
		policy:    policy,
		authority: authority,
		broker:    brk,
	}
	engine.GET("/healthz", s.healthz)
	engine.GET("/policy", s.policyDump)
	engine.GET("/ca.pem", s.caPEM)
	engine.POST("/git-credential", s.gitCredential)

	s.server = &http.Server{
		Addr:              fmt.Sprintf("127.0.0.1:%d", port),
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *AdminServer) Run() error {
	return s.server.ListenAndServe()
}

func (s *AdminServer) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *AdminServer) healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "sandbox": s.sandboxID})
}

// policyDump shows the active policy. Rules carry no secrets.
func (s *AdminServer) policyDump(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"policy": s.policy.Rules()})
}

// caPEM serves the CA certificate so in-sandbox tooling can extend its
// trust bundle.
func (s *AdminServer) caPEM(c *gin.Context) {
	c.Data(http.StatusOK, "application/x-pem-file", s.authority.CAPEM())
}

// gitCredential implements the credential-helper side of Git's key-value
// protocol: `protocol=…\nhost=…\n\n` in, `username=…\npassword=…\n\n` out.
// The in-sandbox helper is configured with `credential.helper` pointing at
// this endpoint via curl.
func (s *AdminServer) gitCredential(c *gin.Context) {
	ctx := c.Request.Context()
	attrs := parseGitCredentialQuery(c.Request)
	host := attrs["host"]
	if host == "" {
		c.String(http.StatusBadRequest, "host attribute is required\n")
		return
	}
	if protocol := attrs["protocol"]; protocol != "" && protocol != "https" {
		c.String(http.StatusBadRequest, "only the https protocol is supported\n")
		return
	}

	cred, err := s.broker.GetGitCredential(ctx, s.sandboxID, host)
	if err != nil {
		klog.FromContext(ctx).Error(err, "git credential lookup failed", "host", host)
		if fleeterrors.IsCode(err, fleeterrors.ErrorBrokerDenied) {
			c.String(http.StatusForbidden, "credential denied for host %s\n", host)
			return
		}
		c.String(http.StatusBadGateway, "credential broker unavailable\n")
		return
	}

	var out strings.Builder
	fmt.Fprintf(&out, "username=%s\n", cred.Username)
	fmt.Fprintf(&out, "password=%s\n", cred.Password)
	if !cred.ExpiresAt.IsZero() {
		fmt.Fprintf(&out, "password_expiry_utc=%d\n", cred.ExpiresAt.UTC().Unix())
	}
	out.WriteString("\n")
	c.Data(http.StatusOK, "text/plain", []byte(out.String()))
}

// parseGitCredentialQuery reads key=value lines up to the first blank line.
func parseGitCredentialQuery(req *http.Request) map[string]string {
	attrs := map[string]string{}
	scanner := bufio.NewScanner(req.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			break
		}
		key, value, found := strings.Cut(line, "=")
		if !found {
			continue
		}
		attrs[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
	return attrs
}
