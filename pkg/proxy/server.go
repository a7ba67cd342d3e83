package proxy

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"github.com/sandbox-fleet/fleetd/pkg/broker"
	"github.com/sandbox-fleet/fleetd/pkg/certs"
	"github.com/sandbox-fleet/fleetd/pkg/manager/metrics"
	"k8s.io/klog/v2"
)

const (
	dialTimeout      = 15 * time.Second
	handshakeTimeout = 15 * time.Second
	connectTimeout   = 30 * time.Second
)

// Server is the forward proxy bound to the sandbox pod's loopback. One
// goroutine handles each accepted connection; the token and leaf caches are
// the only state shared between them.
type Server struct {
	sandboxID string
	policy    *Policy
	authority *certs.Authority
	tokens    *tokenCache
	log       logr.Logger

	// upstreamTLS is cloned per connection with ServerName set. Leave nil
	// for system-root verification.
	upstreamTLS *tls.Config

	// connectTimeout bounds how long a client may take to send its CONNECT.
	connectTimeout time.Duration
}

func NewServer(sandboxID string, policy *Policy, authority *certs.Authority, brk broker.Broker) *Server {
	return &Server{
		sandboxID:      sandboxID,
		policy:         policy,
		authority:      authority,
		tokens:         newTokenCache(sandboxID, brk),
		log:            klog.Background().WithName("egress").WithValues("sandbox", sandboxID),
		connectTimeout: connectTimeout,
	}
}

// ListenAndServe accepts connections on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve runs the accept loop on ln. The listener is closed when ctx is
// cancelled; in-flight connections end when their own I/O does.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	s.log.Info("egress proxy is listening", "addr", ln.Addr().String())
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		go s.handleConn(ctx, conn)
	}
}

// handleConn reads one CONNECT request and dispatches it per policy. Every
// return path closes the client connection.
func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	// Cancellation must unblock connections parked in copy loops.
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	// A client that connects and never speaks must not pin a goroutine.
	_ = conn.SetReadDeadline(time.Now().Add(s.connectTimeout))
	reader := bufio.NewReader(conn)
	req, err := http.ReadRequest(reader)
	if err != nil {
		return
	}
	_ = conn.SetReadDeadline(time.Time{})
	if req.Method != http.MethodConnect {
		writeProxyResponse(conn, http.StatusMethodNotAllowed, "method_not_allowed",
			"only CONNECT is supported")
		return
	}

	host, port, err := splitConnectTarget(req.Host)
	if err != nil {
		writeProxyResponse(conn, http.StatusBadRequest, "invalid_target", err.Error())
		return
	}

	rule := s.policy.Lookup(host)
	metrics.ProxyDecisions.WithLabelValues(string(rule.Mode)).Inc()
	log := s.log.WithValues("host", host, "port", port, "action", string(rule.Mode))

	switch rule.Mode {
	case ModeDeny:
		log.Info("egress denied")
		writeProxyResponse(conn, http.StatusForbidden, "not_authorized",
			fmt.Sprintf("host %s is not allowlisted", host))
	case ModePassthrough:
		log.V(1).Info("tunneling egress connection")
		s.tunnel(ctx, conn, net.JoinHostPort(host, port), log)
	case ModeMITM:
		log.V(1).Info("intercepting egress connection")
		s.intercept(ctx, conn, host, port, rule, log)
	}
}

// splitConnectTarget parses the CONNECT request-target. A bare host gets
// the default HTTPS port.
func splitConnectTarget(target string) (host, port string, err error) {
	if target == "" {
		return "", "", fmt.Errorf("empty CONNECT target")
	}
	host, port, err = net.SplitHostPort(target)
	if err != nil {
		host, port = target, "443"
	}
	if strings.Contains(host, "/") {
		return "", "", fmt.Errorf("malformed CONNECT target %q", target)
	}
	return strings.ToLower(host), port, nil
}

// writeProxyResponse answers the CONNECT (or a non-CONNECT request) on the
// raw client connection with a small JSON body.
func writeProxyResponse(conn net.Conn, status int, errCode, message string) {
	body, _ := json.Marshal(map[string]string{"error": errCode, "message": message})
	_, _ = fmt.Fprintf(conn,
		"HTTP/1.1 %d %s\r\nContent-Type: application/json\r\nContent-Length: %d\r\nConnection: close\r\n\r\n%s",
		status, http.StatusText(status), len(body), body)
}

// connectionEstablished acknowledges the CONNECT so the client starts its
// TLS handshake (or raw stream) toward us.
func connectionEstablished(conn net.Conn) error {
	_, err := conn.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n"))
	return err
}
