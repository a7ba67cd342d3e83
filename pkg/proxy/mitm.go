package proxy

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"

	"github.com/go-logr/logr"
	fleeterrors "github.com/sandbox-fleet/fleetd/pkg/manager/errors"
	"github.com/sandbox-fleet/fleetd/pkg/manager/metrics"
)

const sandboxIDHeader = "X-Sandbox-Id"

// intercept runs the mitm mode: terminate the sandbox-side TLS with a
// minted leaf, dial the real upstream over TLS, then relay whole HTTP
// requests one at a time with a fresh Authorization header. One intercepted
// connection serves any number of keep-alive requests; the policy's scope
// set is per-host constant, so the token cache key never changes mid-
// connection.
func (s *Server) intercept(ctx context.Context, client net.Conn, host, port string, rule Rule, log logr.Logger) {
	leaf, err := s.authority.GetOrCreateLeaf(host)
	if err != nil {
		log.Error(err, "failed to mint leaf certificate")
		writeProxyResponse(client, 502, "upstream_unreachable", "interception unavailable")
		return
	}
	if err := connectionEstablished(client); err != nil {
		return
	}

	inner := tls.Server(client, &tls.Config{
		Certificates: []tls.Certificate{*leaf},
		MinVersion:   tls.VersionTLS12,
	})
	defer inner.Close()
	hsCtx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()
	if err := inner.HandshakeContext(hsCtx); err != nil {
		log.V(1).Info("client TLS handshake failed", "reason", err.Error())
		return
	}

	upstreamTLS := s.upstreamTLS.Clone()
	if upstreamTLS == nil {
		upstreamTLS = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	upstreamTLS.ServerName = host
	dialer := &tls.Dialer{
		NetDialer: &net.Dialer{Timeout: dialTimeout},
		Config:    upstreamTLS,
	}
	upstreamConn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(host, port))
	if err != nil {
		log.Error(err, "failed to dial intercepted upstream")
		s.synthesize(inner, nil, "upstream_unreachable", "failed to reach "+host)
		return
	}
	upstream := upstreamConn.(*tls.Conn)
	defer upstream.Close()

	s.relayRequests(ctx, inner, upstream, host, rule, log)
}

// relayRequests forwards inner HTTP requests to the upstream until either
// side ends the session. A broker failure closes the current request with a
// synthetic 502 but keeps the TLS session alive for the next one.
func (s *Server) relayRequests(ctx context.Context, inner, upstream *tls.Conn, host string, rule Rule, log logr.Logger) {
	innerReader := bufio.NewReader(inner)
	upstreamReader := bufio.NewReader(upstream)

	for {
		req, err := http.ReadRequest(innerReader)
		if err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				log.V(1).Info("failed to read intercepted request", "reason", err.Error())
			}
			return
		}
		// The audit record names the request, never its payload or tokens.
		log.V(1).Info("injecting credentials", "method", req.Method, "path", req.URL.Path)

		token, err := s.tokens.get(ctx, host, rule.Scopes)
		if err != nil {
			s.synthesize(inner, req, brokerErrorCode(err), "token acquisition failed")
			continue
		}

		// A sandbox-supplied Authorization header is replaced, never merged.
		tokenType := token.Type
		if rule.TokenType != "" {
			tokenType = rule.TokenType
		}
		req.Header.Set("Authorization", tokenType+" "+token.Value)
		req.Header.Set(sandboxIDHeader, s.sandboxID)

		if err := req.Write(upstream); err != nil {
			s.synthesize(inner, req, "upstream_unreachable", "failed to forward request")
			return
		}
		resp, err := http.ReadResponse(upstreamReader, req)
		if err != nil {
			s.synthesize(inner, req, "upstream_unreachable", "failed to read upstream response")
			return
		}
		err = resp.Write(inner)
		resp.Body.Close()
		if err != nil {
			return
		}
		if req.Close || resp.Close {
			return
		}
	}
}

// synthesize answers one intercepted request with a fabricated 502 after
// draining its body so the connection stays framed for keep-alive.
func (s *Server) synthesize(inner io.Writer, req *http.Request, errCode, message string) {
	metrics.ProxySyntheticResponses.WithLabelValues(errCode).Inc()
	if req != nil && req.Body != nil {
		_, _ = io.Copy(io.Discard, req.Body)
		req.Body.Close()
	}
	body, _ := json.Marshal(map[string]string{"error": errCode, "message": message})
	_, _ = fmt.Fprintf(inner,
		"HTTP/1.1 502 Bad Gateway\r\nContent-Type: application/json\r\nContent-Length: %d\r\n\r\n%s",
		len(body), body)
}

// brokerErrorCode maps a broker failure onto the stable wire vocabulary.
func brokerErrorCode(err error) string {
	if fleeterrors.IsCode(err, fleeterrors.ErrorBrokerDenied) {
		return "not_authorized"
	}
	return "credential_broker_unavailable"
}
