package quic

import (
	"crypto/rand"
	"net"

	"github.com/goburrow/quicframe/transport"
)

// Client is the application-facing entry point for outbound connections:
// connection-open(config, server-name, port) in the application
// interface. It wraps one Endpoint with a single client-role Binding.
type Client struct {
	*Endpoint
}

// NewClient builds a Client around config, matching the Endpoint
// construction every facade in this package shares.
func NewClient(config *transport.Config) *Client {
	return &Client{Endpoint: newEndpoint(config, 1)}
}

// ListenAndServe binds the client's local UDP socket. localAddr may be
// "" or "0.0.0.0:0" to let the OS choose an ephemeral port, the common
// case for a client that only ever dials out.
func (c *Client) ListenAndServe(localAddr string) error {
	if localAddr == "" {
		localAddr = "0.0.0.0:0"
	}
	b, err := bind(c.Endpoint, localAddr, false)
	if err != nil {
		return err
	}
	c.Endpoint.binding = b
	return nil
}

// Connect implements stream-open's prerequisite: connection-open,
// dialing remoteAddr and driving the handshake to completion
// asynchronously. Only an error is returned; EventConnAccept is delivered
// to the Client's Handler once the connection is established.
func (c *Client) Connect(remoteAddr string) error {
	udpAddr, err := net.ResolveUDPAddr("udp", remoteAddr)
	if err != nil {
		return err
	}
	scid := make([]byte, shortHeaderCIDLength)
	if _, err := rand.Read(scid); err != nil {
		return err
	}
	tc, err := transport.Connect(scid, c.Endpoint.config)
	if err != nil {
		return err
	}
	addr := remoteAddrInfo{
		local:  c.Endpoint.binding.LocalAddr(),
		remote: udpAddr,
	}
	rc := newRemoteConn(c.Endpoint, tc, scid, addr)
	c.Endpoint.registerConn(rc)
	// Kick the handshake: transport.Conn produces its first Initial only
	// once Read is called, so flush once up front to get the client
	// Initial out without waiting for a timer or received packet.
	rc.pushOp(&operation{kind: opFlushSend})
	return nil
}
