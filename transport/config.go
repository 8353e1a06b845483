package transport

import "crypto/tls"

// Version1 is the QUIC version 1 wire value, RFC 9000 Section 15.
const Version1 = 0x00000001

// Config carries the per-connection settings newConn needs: the QUIC
// version to speak, the local transport parameters to advertise, and the
// TLS configuration driving the handshake.
type Config struct {
	Version uint32
	Params  Parameters
	TLS     *tls.Config

	// Token is an address-validation token from a NEW_TOKEN frame on an
	// earlier connection (Conn.AddressToken), echoed in the client's
	// Initial to let the server skip address validation. Client only.
	Token []byte
}

// NewConfig returns a Config with DefaultParameters and the given TLS
// configuration, speaking QUIC version 1.
func NewConfig(tlsConfig *tls.Config) *Config {
	return &Config{
		Version: Version1,
		Params:  DefaultParameters(),
		TLS:     tlsConfig,
	}
}
