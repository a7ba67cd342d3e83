package proxy

import (
	"context"
	"io"
	"net"

	"github.com/go-logr/logr"
)

// tunnel relays the passthrough mode: a plain TCP pipe between the sandbox
// and the upstream. The proxy never sees plaintext; auth for these hosts is
// provider-native (the Git credential helper runs on the admin port).
func (s *Server) tunnel(ctx context.Context, client net.Conn, addr string, log logr.Logger) {
	dialer := &net.Dialer{Timeout: dialTimeout}
	upstream, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		log.Error(err, "failed to dial passthrough upstream")
		writeProxyResponse(client, 502, "upstream_unreachable", "failed to reach "+addr)
		return
	}
	defer upstream.Close()

	if err := connectionEstablished(client); err != nil {
		return
	}
	bicopy(client, upstream)
}

// halfCloser is the write-side shutdown both *net.TCPConn and *tls.Conn
// implement.
type halfCloser interface {
	CloseWrite() error
}

// bicopy pumps bytes in both directions. Either side's EOF (or error)
// half-closes its peer so the other direction can finish draining; bicopy
// returns when both directions are done.
func bicopy(a, b io.ReadWriter) {
	pump := func(dst io.Writer, src io.Reader) {
		_, _ = io.Copy(dst, src)
		if hc, ok := dst.(halfCloser); ok {
			_ = hc.CloseWrite()
		}
	}
	done := make(chan struct{})
	go func() {
		pump(a, b)
		close(done)
	}()
	pump(b, a)
	<-done
}
