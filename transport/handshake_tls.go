package transport

import (
	"context"
	"crypto/tls"
	"errors"
)

// tlsHandshake drives the TLS 1.3 handshake for a Conn via the standard
// library's QUIC-specific TLS API (crypto/tls.QUICConn), translating its
// event stream into packet-protection keys (via deriveKeys in keys.go)
// and CRYPTO frame bytes for each packetNumberSpace.
type tlsHandshake struct {
	conn      *Conn
	tlsConfig *tls.Config
	tlsConn   *tls.QUICConn

	started            bool
	handshakeComplete  bool
	peerParams         *Parameters
	sendOffset         [packetSpaceCount]uint64
}

func quicLevelFromSpace(space packetSpace) tls.QUICEncryptionLevel {
	switch space {
	case packetSpaceInitial:
		return tls.QUICEncryptionLevelInitial
	case packetSpaceHandshake:
		return tls.QUICEncryptionLevelHandshake
	default:
		return tls.QUICEncryptionLevelApplication
	}
}

func spaceFromQUICLevel(level tls.QUICEncryptionLevel) packetSpace {
	switch level {
	case tls.QUICEncryptionLevelInitial:
		return packetSpaceInitial
	case tls.QUICEncryptionLevelHandshake:
		return packetSpaceHandshake
	default:
		return packetSpaceApplication
	}
}

func (h *tlsHandshake) init(conn *Conn, tlsConfig *tls.Config) {
	h.conn = conn
	h.tlsConfig = tlsConfig
	h.newTLSConn()
}

func (h *tlsHandshake) newTLSConn() {
	cfg := &tls.QUICConfig{TLSConfig: h.tlsConfig}
	if h.conn.isClient {
		h.tlsConn = tls.QUICClient(cfg)
	} else {
		h.tlsConn = tls.QUICServer(cfg)
	}
}

// reset rebuilds the TLS state machine, called after a Retry or Version
// Negotiation changes the connection ID the Initial secrets depend on.
func (h *tlsHandshake) reset() {
	h.started = false
	h.handshakeComplete = false
	h.peerParams = nil
	h.sendOffset = [packetSpaceCount]uint64{}
	h.newTLSConn()
}

func (h *tlsHandshake) setTransportParams(params *Parameters) {
	h.tlsConn.SetTransportParameters(params.marshal())
}

// doHandshake feeds any newly-received CRYPTO data into the TLS state
// machine and drains every event it produces: new packet-protection
// secrets, outgoing CRYPTO bytes, the peer's transport parameters, and
// the handshake-done signal.
func (h *tlsHandshake) doHandshake() error {
	if !h.started {
		h.started = true
		if err := h.tlsConn.Start(context.Background()); err != nil {
			return wrapTLSError(err)
		}
	}
	for space := packetSpaceInitial; space < packetSpaceCount; space++ {
		data := h.conn.packetNumberSpaces[space].cryptoStream.popRecv()
		if len(data) == 0 {
			continue
		}
		if err := h.tlsConn.HandleData(quicLevelFromSpace(space), data); err != nil {
			return wrapTLSError(err)
		}
	}
	for {
		e := h.tlsConn.NextEvent()
		switch e.Kind {
		case tls.QUICNoEvent:
			return nil
		case tls.QUICSetReadSecret:
			space := spaceFromQUICLevel(e.Level)
			sp := &h.conn.packetNumberSpaces[space]
			sp.opener = deriveKeys(e.Data)
			if space == packetSpaceApplication {
				// Kept to derive the next generation on a key update.
				sp.readSecret = append([]byte(nil), e.Data...)
			}
		case tls.QUICSetWriteSecret:
			space := spaceFromQUICLevel(e.Level)
			sp := &h.conn.packetNumberSpaces[space]
			sp.sealer = deriveKeys(e.Data)
			if space == packetSpaceApplication {
				sp.writeSecret = append([]byte(nil), e.Data...)
			}
		case tls.QUICWriteData:
			space := spaceFromQUICLevel(e.Level)
			pnSpace := &h.conn.packetNumberSpaces[space]
			if err := pnSpace.cryptoStream.pushSend(e.Data, h.sendOffset[space]); err != nil {
				return err
			}
			h.sendOffset[space] += uint64(len(e.Data))
		case tls.QUICTransportParameters:
			params, err := unmarshalParameters(e.Data)
			if err != nil {
				return err
			}
			h.peerParams = params
		case tls.QUICHandshakeDone:
			h.handshakeComplete = true
		}
	}
}

func (h *tlsHandshake) HandshakeComplete() bool {
	return h.handshakeComplete
}

func (h *tlsHandshake) peerTransportParams() *Parameters {
	return h.peerParams
}

// writeSpace returns the highest packet number space currently able to
// encrypt, used when probing or closing and no space has new data
// queued on its own.
func (h *tlsHandshake) writeSpace() packetSpace {
	best := packetSpaceInitial
	for space := packetSpaceInitial; space < packetSpaceCount; space++ {
		if h.conn.packetNumberSpaces[space].canEncrypt() {
			best = space
		}
	}
	return best
}

// wrapTLSError maps a TLS alert produced by the handshake into the
// corresponding CRYPTO_ERROR transport error code, RFC 9001 Section 4.8.
func wrapTLSError(err error) error {
	if err == nil {
		return nil
	}
	var alert tls.AlertError
	if errors.As(err, &alert) {
		return newError(CryptoError(uint8(alert)), err.Error())
	}
	return newError(InternalError, err.Error())
}
