package quic

import (
	"crypto/rand"

	"github.com/goburrow/quicframe/transport"
)

// Server is the application-facing entry point for inbound connections.
// It wraps one Endpoint with a server-role Binding and installs the
// accept callback Binding.handleUnknownServer drives once a client's
// Initial has passed version/retry checks.
type Server struct {
	*Endpoint
}

// NewServer builds a Server around config with workerCount Workers
// sharing the Binding's Lookup table, matching the Worker pool's role
// in the shared-components table (one Binding, many Workers).
func NewServer(config *transport.Config, workerCount int) *Server {
	return &Server{Endpoint: newEndpoint(config, workerCount)}
}

// ListenAndServe binds localAddr and starts accepting connections.
func (s *Server) ListenAndServe(localAddr string) error {
	b, err := bind(s.Endpoint, localAddr, true)
	if err != nil {
		return err
	}
	b.acceptFn = s.accept
	s.Endpoint.binding = b
	return nil
}

// accept implements the Binding's "accept the Initial outright" and
// "accept after a valid Retry token" paths: create a new server
// transport.Conn keyed by a fresh SCID, register it, and feed it this
// first datagram so the handshake proceeds exactly like any
// already-registered connection's receive path.
func (s *Server) accept(b *Binding, data []byte, hdr transport.PublicHeader, addr remoteAddrInfo, odcid []byte) {
	scid := make([]byte, shortHeaderCIDLength)
	if _, err := rand.Read(scid); err != nil {
		return
	}
	tc, err := transport.Accept(scid, odcid, s.Endpoint.config)
	if err != nil {
		return
	}
	rc := newRemoteConn(s.Endpoint, tc, scid, addr)
	s.Endpoint.registerConn(rc)
	// Also route the client-chosen destination CID here, so an Initial
	// retransmitted before the client learns our SCID reaches this
	// connection instead of spawning a duplicate.
	rc.addAlias(hdr.DCID)
	rc.enqueueChain([][]byte{data}, addr)
}
